package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kguard/internal/config"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/spf13/cobra"
)

var (
	sessionsLimit int
	sessionsDate  string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Show recent sessions and daily usage",
	Long: `Show the session history and per-age-group daily totals recorded by a
running KGuard. Requires a persistent storage backend (redis or sqlite).`,
	Args: cobra.NoArgs,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum number of sessions to show")
	sessionsCmd.Flags().StringVar(&sessionsDate, "date", "", "Usage date (YYYY-MM-DD) - defaults to today")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	date := sessionsDate
	if date == "" {
		date = time.Now().Format(storage.DateFormat)
	} else if _, err := time.Parse(storage.DateFormat, date); err != nil {
		return fmt.Errorf("invalid date %q: expected YYYY-MM-DD", date)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.Storage.Type == "memory" {
		_, _ = color.New(color.FgYellow).Fprintln(os.Stderr,
			"⚠️  Memory storage only lives inside the running monitor; nothing to show.")
		return nil
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessions, err := store.Usage().ListRecentSessions(ctx, sessionsLimit)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	usage, err := store.Usage().ListDailyUsage(ctx, date)
	if err != nil {
		return fmt.Errorf("failed to list daily usage: %w", err)
	}

	printSessions(os.Stdout, sessions)
	printDailyUsage(os.Stdout, date, usage)
	return nil
}

func printSessions(w io.Writer, sessions []storage.SessionRecord) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	_, _ = cyan.Fprintln(w, "\n[recent sessions]")
	if len(sessions) == 0 {
		_, _ = fmt.Fprintln(w, "  (none)")
		return
	}

	for _, s := range sessions {
		status := s.State
		if s.Ended() {
			status = fmt.Sprintf("ended %s (%s)", s.EndedAt.Local().Format("15:04"), s.EndReason)
		}

		line := fmt.Sprintf("  %s  %-7s %3d/%-3d min  %s",
			s.StartedAt.Local().Format("2006-01-02 15:04"), s.AgeGroup, s.ElapsedMinutes, s.LimitMinutes, status)

		if s.LockReason != "" {
			_, _ = red.Fprintf(w, "%s  lock=%s\n", line, s.LockReason)
		} else {
			_, _ = green.Fprintln(w, line)
		}
	}
}

func printDailyUsage(w io.Writer, date string, usage []storage.DailyUsage) {
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Fprintf(w, "\n[daily usage %s]\n", date)
	if len(usage) == 0 {
		_, _ = fmt.Fprintln(w, "  (none)")
		return
	}
	for _, u := range usage {
		_, _ = fmt.Fprintf(w, "  %-7s %4d min over %d session(s)\n", u.AgeGroup, u.TotalMinutes, u.Sessions)
	}
}
