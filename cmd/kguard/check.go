package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kguard/internal/config"
	"github.com/goodtune/kguard/internal/policy"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkAgeGroup string
	checkElapsed  int
	checkTime     string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check lock decisions interactively",
	Long:  `Check whether KGuard would raise a lock signal for an age group after a given amount of screen time.`,
	Example: `  kguard -c config.yaml check --age-group 7to9 --elapsed 95
  kguard check --age-group 4to6 --elapsed 10 --time "8:45 PM"`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkAgeGroup, "age-group", "", "Age group bracket (required)")
	checkCmd.Flags().IntVar(&checkElapsed, "elapsed", 0, "Elapsed session minutes")
	checkCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM) - defaults to current time")
	_ = checkCmd.MarkFlagRequired("age-group")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	group, err := policy.ParseAgeGroup(checkAgeGroup)
	if err != nil {
		return err
	}
	if checkElapsed < 0 {
		return fmt.Errorf("elapsed minutes must not be negative")
	}

	now, err := parseCheckTime(time.Now(), checkTime)
	if err != nil {
		return fmt.Errorf("invalid --time value: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	table, err := cfg.PolicyTable()
	if err != nil {
		return err
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	rules, _, err := openRules(cfg.Policy, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize policy rules: %w", err)
	}

	p, ok := table.Lookup(group)
	if !ok || !p.IsChild {
		printCheckResult(group, p, now, policy.LockNone, false)
		return nil
	}

	reason := policy.NewEnforcer(rules, logger).Decide(policy.Facts{
		AgeGroup:       group,
		LimitMinutes:   p.ScreenTimeLimitMinutes,
		ElapsedMinutes: checkElapsed,
		Bedtime:        p.Bedtime,
		Now:            now,
	})

	printCheckResult(group, p, now, reason, true)
	return nil
}

// parseCheckTime moves base to the given time of day.
func parseCheckTime(base time.Time, timeStr string) (time.Time, error) {
	if timeStr == "" {
		return base, nil
	}
	ct, err := policy.ParseClockTime(timeStr)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(base.Year(), base.Month(), base.Day(), ct.Hour, ct.Minute, 0, 0, base.Location()), nil
}

// printCheckResult prints the check result with colors
func printCheckResult(group policy.AgeGroup, p policy.AgeGroupPolicy, now time.Time, reason policy.LockReason, monitored bool) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println("LOCK POLICY CHECK")
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Age Group:  %s\n", group)
	fmt.Printf("Check Time: %s\n", now.Format("2006-01-02 15:04"))

	if !monitored {
		fmt.Println()
		_, _ = yellow.Println("Not a monitored child group; no session would be tracked.")
		fmt.Println()
		return
	}

	fmt.Printf("Elapsed:    %d min\n", checkElapsed)
	if p.ScreenTimeLimitMinutes > 0 {
		remaining := p.ScreenTimeLimitMinutes - checkElapsed
		if remaining < 0 {
			remaining = 0
		}
		fmt.Printf("Limit:      %d min (%d remaining)\n", p.ScreenTimeLimitMinutes, remaining)
	} else {
		fmt.Printf("Limit:      none\n")
	}
	fmt.Printf("Bedtime:    %s\n", p.Bedtime)
	fmt.Println()

	_, _ = cyan.Print("Decision:   ")
	switch reason {
	case policy.LockNone:
		_, _ = green.Println("ALLOW")
		fmt.Println("            → No lock signal")
	case policy.LockScreenTimeExceeded:
		_, _ = red.Println("LOCK")
		fmt.Println("            → Daily screen time exhausted")
	case policy.LockBedtime:
		_, _ = red.Println("LOCK")
		fmt.Println("            → Bedtime reached")
	default:
		_, _ = red.Printf("LOCK (%s)\n", reason)
	}

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
