// Package statemap translates between a team's remote workflow states and the
// local three-way todo status model.
package statemap

import (
	"fmt"
)

// Status is the local classification of an issue.
type Status int

const (
	// StatusNeedsAction marks an open todo item.
	StatusNeedsAction Status = iota
	// StatusCompleted marks a checked-off item.
	StatusCompleted
	// StatusAbsent means the issue must not appear locally at all.
	StatusAbsent
)

// String returns the string representation of a status.
func (s Status) String() string {
	switch s {
	case StatusNeedsAction:
		return "needs_action"
	case StatusCompleted:
		return "completed"
	case StatusAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

// TeamConfig holds one team's identity and its workflow-state partition.
// TodoStateIDs is ordered: the first entry is the default state for new and
// reopened issues.
type TeamConfig struct {
	ID               string   `yaml:"id"`
	Key              string   `yaml:"key"`
	Name             string   `yaml:"name"`
	TodoStateIDs     []string `yaml:"todo_states"`
	CompletedStateID string   `yaml:"completed_state"`
	RemovedStateID   string   `yaml:"removed_state"`
}

// Validate checks the state-partition invariant: at least one todo state, and
// the completed and removed states disjoint from the todo set and each other.
func (c TeamConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("team config: missing team id")
	}
	if len(c.TodoStateIDs) == 0 {
		return fmt.Errorf("team %s: at least one todo state is required", c.ID)
	}
	if c.CompletedStateID == "" {
		return fmt.Errorf("team %s: missing completed state", c.ID)
	}
	if c.RemovedStateID == "" {
		return fmt.Errorf("team %s: missing removed state", c.ID)
	}
	if c.CompletedStateID == c.RemovedStateID {
		return fmt.Errorf("team %s: completed and removed states must differ", c.ID)
	}
	for _, id := range c.TodoStateIDs {
		if id == c.CompletedStateID {
			return fmt.Errorf("team %s: state %s is both todo and completed", c.ID, id)
		}
		if id == c.RemovedStateID {
			return fmt.Errorf("team %s: state %s is both todo and removed", c.ID, id)
		}
	}
	return nil
}

// DefaultTodoStateID returns the state used for new and reopened issues.
// The ordering guarantee is deliberate: always the first configured todo state.
func (c TeamConfig) DefaultTodoStateID() string {
	if len(c.TodoStateIDs) == 0 {
		return ""
	}
	return c.TodoStateIDs[0]
}

// ToLocalStatus maps a remote workflow state onto the local status model.
// The second result is false when the state matches none of the configured
// buckets (renamed or deleted remotely after setup); such issues default to
// StatusNeedsAction rather than halting synchronization, and the caller may
// surface the unmapped state as a diagnostic.
func ToLocalStatus(stateID string, cfg TeamConfig) (Status, bool) {
	if stateID == cfg.RemovedStateID {
		return StatusAbsent, true
	}
	if stateID == cfg.CompletedStateID {
		return StatusCompleted, true
	}
	for _, id := range cfg.TodoStateIDs {
		if id == stateID {
			return StatusNeedsAction, true
		}
	}
	return StatusNeedsAction, false
}

// ToRemoteState maps a local status change onto the workflow state to push.
// Completing selects the configured completed state; reopening selects the
// first configured todo state; deleting selects the removed state.
func ToRemoteState(target Status, cfg TeamConfig) (string, error) {
	switch target {
	case StatusCompleted:
		if cfg.CompletedStateID == "" {
			return "", fmt.Errorf("team %s: no completed state configured", cfg.ID)
		}
		return cfg.CompletedStateID, nil
	case StatusNeedsAction:
		if len(cfg.TodoStateIDs) == 0 {
			return "", fmt.Errorf("team %s: no todo states configured", cfg.ID)
		}
		return cfg.TodoStateIDs[0], nil
	case StatusAbsent:
		if cfg.RemovedStateID == "" {
			return "", fmt.Errorf("team %s: no removed state configured", cfg.ID)
		}
		return cfg.RemovedStateID, nil
	default:
		return "", fmt.Errorf("team %s: unknown target status %d", cfg.ID, target)
	}
}
