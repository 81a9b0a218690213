package domain

import (
	"fmt"
	"strings"
)

// RuleAction is what a matching finding rule does.
type RuleAction string

const (
	// ActionSuppress drops the finding from the run.
	ActionSuppress RuleAction = "SUPPRESS"

	// ActionEscalate raises the finding to HIGH severity.
	ActionEscalate RuleAction = "ESCALATE"
)

// RuleConfig is an operator rule evaluated against every finding of a run.
// Expression is a boolean CEL expression over the finding variables.
type RuleConfig struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Version     string     `json:"version"`
	Expression  string     `json:"expression"`
	Action      RuleAction `json:"action"`
	Enabled     bool       `json:"enabled"`
}

// Validate checks required fields; the expression itself is compiled by the rules engine.
func (r *RuleConfig) Validate() error {
	if r.ID == "" || r.Name == "" || r.Expression == "" {
		return fmt.Errorf("%w: id, name, and expression are required", ErrInvalidInput)
	}
	r.Action = RuleAction(strings.ToUpper(string(r.Action)))
	switch r.Action {
	case ActionSuppress, ActionEscalate:
	default:
		return fmt.Errorf("%w: action must be SUPPRESS or ESCALATE", ErrInvalidInput)
	}
	if r.Version == "" {
		r.Version = "1.0.0"
	}
	return nil
}
