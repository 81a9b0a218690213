package domain

import "errors"

// Error taxonomy shared by the engines, the stores and the API layer.
var (
	// ErrNotFound means a bill, user configuration or catalog entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoData means there is nothing to compute from (no bill and no usage).
	ErrNoData = errors.New("no data")

	// ErrInvalidScenario means a scenario references an unresolvable catalog id.
	ErrInvalidScenario = errors.New("invalid scenario")

	// ErrComputation signals an arithmetic guard tripping. It should never surface.
	ErrComputation = errors.New("computation error")

	// ErrInvalidInput means a request or record failed validation.
	ErrInvalidInput = errors.New("invalid input")
)
