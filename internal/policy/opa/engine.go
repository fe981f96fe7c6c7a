package opa

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goodtune/kguard/internal/policy"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

const enforceQuery = "data.kguard.enforce.reason"

//go:embed policies/*.rego
var builtinPolicies embed.FS

// Config selects where policies are loaded from.
type Config struct {
	// PolicyDir holds *.rego files. Empty uses the embedded policy.
	PolicyDir string
}

// Engine wraps OPA rego engine for lock decisions
type Engine struct {
	config Config
	logger zerolog.Logger

	mu    sync.RWMutex
	query rego.PreparedEvalQuery

	// Policy sources keyed by file name
	modules map[string]string
}

// NewEngine creates a new OPA engine
func NewEngine(config Config, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		config: config,
		logger: logger.With().Str("component", "opa").Logger(),
	}

	if err := e.load(); err != nil {
		return nil, err
	}

	source := config.PolicyDir
	if source == "" {
		source = "embedded"
	}
	e.logger.Info().Str("policy_source", source).Msg("OPA engine initialized")

	return e, nil
}

// load reads, parses and prepares policies, swapping them in on success
func (e *Engine) load() error {
	modules, err := e.loadPolicies()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	opts := []func(*rego.Rego){rego.Query(enforceQuery)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare enforce query: %w", err)
	}

	e.mu.Lock()
	e.modules = modules
	e.query = query
	e.mu.Unlock()

	return nil
}

// loadPolicies loads all .rego files from the policy directory or the embedded set
func (e *Engine) loadPolicies() (map[string]string, error) {
	modules := make(map[string]string)

	if e.config.PolicyDir == "" {
		entries, err := builtinPolicies.ReadDir("policies")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded policies: %w", err)
		}
		for _, entry := range entries {
			name := "policies/" + entry.Name()
			content, err := builtinPolicies.ReadFile(name)
			if err != nil {
				return nil, fmt.Errorf("failed to read embedded policy %s: %w", name, err)
			}
			modules[name] = string(content)
		}
	} else {
		files, err := filepath.Glob(filepath.Join(e.config.PolicyDir, "*.rego"))
		if err != nil {
			return nil, fmt.Errorf("failed to glob policy files: %w", err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no policy files found in %s", e.config.PolicyDir)
		}
		for _, file := range files {
			content, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
			}
			modules[file] = string(content)
		}
	}

	// Parse up front so syntax errors name the offending file
	for name, src := range modules {
		module, err := ast.ParseModule(name, src)
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", name, err)
		}
		e.logger.Debug().Str("file", name).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	return modules, nil
}

// Evaluate implements policy.Rules
func (e *Engine) Evaluate(ctx context.Context, facts policy.Facts) (policy.LockReason, error) {
	startTime := time.Now()

	input := map[string]interface{}{
		"age_group":       string(facts.AgeGroup),
		"limit_minutes":   facts.LimitMinutes,
		"elapsed_minutes": facts.ElapsedMinutes,
		"bedtime_minutes": facts.Bedtime.Minutes(),
		"now_minutes":     facts.Now.Hour()*60 + facts.Now.Minute(),
		"day_of_week":     int(facts.Now.Weekday()),
	}

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return policy.LockNone, fmt.Errorf("enforce query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration_ms", time.Since(startTime)).Msg("Enforce query evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return policy.LockNone, fmt.Errorf("no results from enforce query")
	}

	value, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return policy.LockNone, fmt.Errorf("enforce reason is not a string: %T", results[0].Expressions[0].Value)
	}

	switch reason := policy.LockReason(value); reason {
	case policy.LockNone, policy.LockScreenTimeExceeded, policy.LockBedtime:
		return reason, nil
	default:
		return policy.LockNone, fmt.Errorf("unknown lock reason from policy: %q", value)
	}
}

// Reload reloads all policies, keeping the previous set if the new one fails
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading OPA policies")

	if err := e.load(); err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	e.logger.Info().Msg("OPA policies reloaded successfully")
	return nil
}
