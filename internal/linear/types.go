package linear

import "time"

// Team represents a Linear team.
type Team struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// WorkflowState represents one of a team's workflow states.
type WorkflowState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Label represents an issue label defined for a team.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Member represents a user who belongs to a team.
type Member struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Issue represents a Linear issue.
type Issue struct {
	ID          string        `json:"id"`
	TeamID      string        `json:"-"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	DueDate     string        `json:"dueDate"` // calendar date, YYYY-MM-DD
	State       WorkflowState `json:"state"`
	LabelIDs    []string      `json:"-"`
	AssigneeID  string        `json:"-"`
	URL         string        `json:"url"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// TeamMeta bundles the metadata needed to resolve names in commands.
type TeamMeta struct {
	Team    Team
	States  []WorkflowState
	Labels  []Label
	Members []Member
}

// IssueInput holds the fields for creating an issue.
type IssueInput struct {
	TeamID      string
	Title       string
	Description string
	DueDate     string // YYYY-MM-DD, empty to omit
	StateID     string
	AssigneeID  string
	LabelIDs    []string
}

// IssuePatch holds the fields for updating an issue.
// Nil pointers mean "leave unchanged".
type IssuePatch struct {
	StateID     *string
	Title       *string
	Description *string
	DueDate     *string // empty string clears the due date
}

// Empty reports whether the patch changes nothing.
func (p IssuePatch) Empty() bool {
	return p.StateID == nil && p.Title == nil && p.Description == nil && p.DueDate == nil
}
