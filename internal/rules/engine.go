// Package rules evaluates operator finding rules written in CEL.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/billscope/internal/domain"
)

// Engine is the CEL-based finding rule engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a rule engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// Variables describe one finding. CEL reserves "type", hence anomaly_type.
	env, err := cel.NewEnv(
		cel.Variable("anomaly_type", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("severity", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("baseline", cel.DoubleType),
		cel.Variable("z_score", cel.DoubleType),
		cel.Variable("pct_diff", cel.DoubleType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("period", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles a rule without changing the loaded set.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: rule config is required", domain.ErrInvalidInput)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}
	e.compiledRules[cfg.ID] = compiled
	return nil
}

// ReloadRules replaces the loaded set with the enabled rules of configs.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	newRules := make(map[string]*CompiledRule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", cfg.ID, err)
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.mu.Lock()
	e.compiledRules = newRules
	e.mu.Unlock()
	return nil
}

// Apply evaluates every loaded rule against each finding. A finding matched by
// a SUPPRESS rule is dropped; one matched by an ESCALATE rule becomes HIGH.
// Rules run in id order and a rule that fails to evaluate is skipped.
func (e *Engine) Apply(ctx context.Context, findings []*domain.AnomalyFinding) ([]*domain.AnomalyFinding, error) {
	rules := e.sortedRules()
	if len(rules) == 0 || len(findings) == 0 {
		return findings, nil
	}

	suppressed := make([]bool, len(findings))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, f := range findings {
		wg.Add(1)
		go func(idx int, f *domain.AnomalyFinding) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			suppressed[idx] = e.applyFinding(ctx, rules, f)
		}(i, f)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]*domain.AnomalyFinding, 0, len(findings))
	for i, f := range findings {
		if !suppressed[i] {
			out = append(out, f)
		}
	}
	return out, nil
}

// applyFinding reports whether f is suppressed, escalating it in place when matched.
func (e *Engine) applyFinding(ctx context.Context, rules []*CompiledRule, f *domain.AnomalyFinding) bool {
	activation := map[string]any{
		"anomaly_type": string(f.Type),
		"category":     string(f.Category),
		"severity":     string(f.Severity),
		"amount":       f.Amount.InexactFloat64(),
		"baseline":     f.Baseline.InexactFloat64(),
		"z_score":      f.ZScore,
		"pct_diff":     f.PercentageDifference,
		"user_id":      f.UserID,
		"period":       f.Period.String(),
	}

	for _, rule := range rules {
		out, _, err := rule.Program.ContextEval(ctx, activation)
		if err != nil {
			slog.Warn("finding rule evaluation failed", "rule_id", rule.Config.ID, "finding_id", f.ID, "error", err)
			continue
		}
		if matched, ok := out.(types.Bool); !ok || !bool(matched) {
			continue
		}

		switch rule.Config.Action {
		case domain.ActionSuppress:
			slog.Debug("finding suppressed", "rule_id", rule.Config.ID, "finding_id", f.ID)
			return true
		case domain.ActionEscalate:
			f.Severity = domain.SeverityHigh
			activation["severity"] = string(f.Severity)
		}
	}
	return false
}

func (e *Engine) sortedRules() []*CompiledRule {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	sort.Slice(rules, func(i, j int) bool { return rules[i].Config.ID < rules[j].Config.ID })
	return rules
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the loaded rule configurations in id order.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	rules := e.sortedRules()
	out := make([]*domain.RuleConfig, len(rules))
	for i, r := range rules {
		out[i] = r.Config
	}
	return out
}

// Close unloads every rule.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrInvalidInput, cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, got %s", domain.ErrInvalidInput, cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
