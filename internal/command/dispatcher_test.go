package command

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/JohanCodinha/lineardo/internal/config"
	"github.com/JohanCodinha/lineardo/internal/coordinator"
	"github.com/JohanCodinha/lineardo/internal/linear"
	"github.com/JohanCodinha/lineardo/internal/reconcile"
	"github.com/JohanCodinha/lineardo/internal/statemap"
	"github.com/JohanCodinha/lineardo/internal/store"
)

// nullApplier satisfies the host boundary without a real todo list.
type nullApplier struct{}

func (nullApplier) Apply(string, reconcile.Mutation) error { return nil }
func (nullApplier) SetHealth(string, bool, string)         {}

func testAccount() config.Account {
	return config.Account{
		Name:     "work",
		APIToken: "lin_api_test",
		Interval: time.Minute,
		Teams: []statemap.TeamConfig{{
			ID:               "team-1",
			Key:              "ENG",
			Name:             "Engineering",
			TodoStateIDs:     []string{"todo1", "todo2"},
			CompletedStateID: "done",
			RemovedStateID:   "canceled",
		}},
	}
}

func setup(t *testing.T) (*linear.MockServer, *coordinator.Coordinator, *Dispatcher) {
	t.Helper()

	server := linear.NewMockServer()
	t.Cleanup(server.Close)
	server.AddTeam(linear.TeamMeta{
		Team: linear.Team{ID: "team-1", Key: "ENG", Name: "Engineering"},
		States: []linear.WorkflowState{
			{ID: "todo1", Name: "Backlog"},
			{ID: "todo2", Name: "In Progress"},
			{ID: "done", Name: "Done"},
			{ID: "canceled", Name: "Canceled"},
		},
		Labels: []linear.Label{
			{ID: "label-bug", Name: "Bug"},
			{ID: "label-chore", Name: "Chore"},
		},
		Members: []linear.Member{
			{ID: "user-1", Name: "Ada", Email: "ada@example.com"},
		},
	})

	db, err := store.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	client := linear.NewWithEndpoint("lin_api_test", server.URL)
	coord, err := coordinator.New(testAccount(), client, db, nullApplier{}, coordinator.Options{Interval: time.Minute})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}

	return server, coord, New(client, coord, time.Minute)
}

// seedIssue puts an issue on the server and syncs it into the snapshot.
func seedIssue(t *testing.T, server *linear.MockServer, coord *coordinator.Coordinator, id, stateID string) {
	t.Helper()
	server.AddIssue(linear.Issue{
		ID: id, TeamID: "team-1", Title: "seeded task",
		State: linear.WorkflowState{ID: stateID}, UpdatedAt: time.Now().UTC(),
	})
	if err := coord.RefreshOnce(context.Background()); err != nil {
		t.Fatalf("seed refresh failed: %v", err)
	}
	if _, ok := coord.ItemFor("team-1", id); !ok {
		t.Fatalf("seeded issue %s missing from snapshot", id)
	}
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name    string
		cmd     CreateIssue
		wantErr error
	}{
		{
			name:    "no team reference",
			cmd:     CreateIssue{Title: "x"},
			wantErr: ErrTeamRequired,
		},
		{
			name:    "both team references",
			cmd:     CreateIssue{TeamID: "team-1", TeamKey: "ENG", Title: "x"},
			wantErr: ErrAmbiguousTeamRef,
		},
		{
			name:    "missing title",
			cmd:     CreateIssue{TeamID: "team-1"},
			wantErr: ErrTitleRequired,
		},
		{
			name:    "blank title",
			cmd:     CreateIssue{TeamID: "team-1", Title: "   "},
			wantErr: ErrTitleRequired,
		},
		{
			name:    "unknown team id",
			cmd:     CreateIssue{TeamID: "nope", Title: "x"},
			wantErr: ErrUnknownTeam,
		},
		{
			name:    "unknown team key",
			cmd:     CreateIssue{TeamKey: "NOPE", Title: "x"},
			wantErr: ErrUnknownTeam,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _, d := setup(t)

			_, err := d.Create(context.Background(), tt.cmd)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			// Validation failures never reach the remote service.
			if got := server.Requests(); got != 0 {
				t.Errorf("server saw %d requests, want 0", got)
			}
		})
	}
}

func TestCreateResolvesReferences(t *testing.T) {
	server, coord, d := setup(t)

	issue, err := d.Create(context.Background(), CreateIssue{
		TeamKey:       "ENG",
		Title:         "resolve everything",
		Description:   "details",
		DueDate:       "2026-09-15",
		State:         "in progress", // name, case-insensitive
		LabelNames:    []string{"bug", "CHORE"},
		AssigneeEmail: "ADA@example.com",
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	stored := server.Issue(issue.ID)
	if stored == nil {
		t.Fatal("issue not created on server")
	}
	if stored.State.ID != "todo2" {
		t.Errorf("state = %q, want todo2", stored.State.ID)
	}
	if stored.AssigneeID != "user-1" {
		t.Errorf("assignee = %q, want user-1", stored.AssigneeID)
	}
	if len(stored.LabelIDs) != 2 {
		t.Errorf("labels = %v, want both resolved", stored.LabelIDs)
	}

	// Optimistic insert: visible before the next poll.
	item, ok := coord.ItemFor("team-1", issue.ID)
	if !ok {
		t.Fatal("created issue missing from snapshot")
	}
	if item.Status != statemap.StatusNeedsAction {
		t.Errorf("status = %v, want needs_action", item.Status)
	}
	if item.Due != "2026-09-15" {
		t.Errorf("due = %q", item.Due)
	}
}

func TestCreateDefaultsToFirstTodoState(t *testing.T) {
	server, _, d := setup(t)

	issue, err := d.Create(context.Background(), CreateIssue{TeamID: "team-1", Title: "plain"})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if stored := server.Issue(issue.ID); stored.State.ID != "todo1" {
		t.Errorf("state = %q, want the first todo state", stored.State.ID)
	}
	// No state, labels or assignee given, so no metadata fetch happened.
	if got := server.Requests(); got != 1 {
		t.Errorf("server saw %d requests, want just the create", got)
	}
}

func TestCreateUnknownStateFailsWhole(t *testing.T) {
	server, _, d := setup(t)

	_, err := d.Create(context.Background(), CreateIssue{
		TeamID: "team-1", Title: "x", State: "Nonexistent",
	})
	if !errors.Is(err, ErrUnknownState) {
		t.Errorf("error = %v, want ErrUnknownState", err)
	}
	// Only the metadata lookup reached the server, no create.
	if got := server.Requests(); got != 1 {
		t.Errorf("server saw %d requests, want 1", got)
	}
}

func TestCreateUnknownLabelFailsWhole(t *testing.T) {
	server, _, d := setup(t)

	_, err := d.Create(context.Background(), CreateIssue{
		TeamID: "team-1", Title: "x", LabelNames: []string{"bug", "nope"},
	})
	if !errors.Is(err, ErrUnknownLabel) {
		t.Errorf("error = %v, want ErrUnknownLabel", err)
	}
	if got := server.Requests(); got != 1 {
		t.Errorf("server saw %d requests, want 1", got)
	}
}

func TestCreateUnknownAssignee(t *testing.T) {
	_, _, d := setup(t)

	_, err := d.Create(context.Background(), CreateIssue{
		TeamID: "team-1", Title: "x", AssigneeEmail: "ghost@example.com",
	})
	if !errors.Is(err, ErrUnknownAssignee) {
		t.Errorf("error = %v, want ErrUnknownAssignee", err)
	}
}

func TestTeamMetaCached(t *testing.T) {
	server, _, d := setup(t)

	for i := 0; i < 2; i++ {
		if _, err := d.Create(context.Background(), CreateIssue{
			TeamID: "team-1", Title: "cached", State: "Done",
		}); err != nil {
			t.Fatalf("Create error: %v", err)
		}
	}
	// One metadata fetch serves both creates within the TTL.
	if got := server.Requests(); got != 3 {
		t.Errorf("server saw %d requests, want 3 (1 meta + 2 creates)", got)
	}
}

func TestAddItem(t *testing.T) {
	server, coord, d := setup(t)

	issue, err := d.AddItem(context.Background(), "team-1", "from the todo list", "", "2026-10-01")
	if err != nil {
		t.Fatalf("AddItem error: %v", err)
	}
	if stored := server.Issue(issue.ID); stored.State.ID != "todo1" {
		t.Errorf("state = %q, want todo1", stored.State.ID)
	}
	if item, ok := coord.ItemFor("team-1", issue.ID); !ok || item.Status != statemap.StatusNeedsAction {
		t.Errorf("optimistic item = %+v, %v", item, ok)
	}
}

func TestAddItemBlankSummary(t *testing.T) {
	_, _, d := setup(t)
	if _, err := d.AddItem(context.Background(), "team-1", " ", "", ""); !errors.Is(err, ErrTitleRequired) {
		t.Errorf("error = %v, want ErrTitleRequired", err)
	}
}

func TestCompleteItem(t *testing.T) {
	server, coord, d := setup(t)
	seedIssue(t, server, coord, "issue-1", "todo1")

	if err := d.CompleteItem(context.Background(), "team-1", "issue-1"); err != nil {
		t.Fatalf("CompleteItem error: %v", err)
	}

	if stored := server.Issue("issue-1"); stored.State.ID != "done" {
		t.Errorf("remote state = %q, want done", stored.State.ID)
	}
	if item, _ := coord.ItemFor("team-1", "issue-1"); item.Status != statemap.StatusCompleted {
		t.Errorf("local status = %v, want completed", item.Status)
	}
}

func TestCompleteItemRollsBack(t *testing.T) {
	server, coord, d := setup(t)
	seedIssue(t, server, coord, "issue-1", "todo1")

	server.FailWith(http.StatusInternalServerError)
	if err := d.CompleteItem(context.Background(), "team-1", "issue-1"); err == nil {
		t.Fatal("expected error from rejected update")
	}

	// The optimistic change was undone.
	item, ok := coord.ItemFor("team-1", "issue-1")
	if !ok {
		t.Fatal("item missing after rollback")
	}
	if item.Status != statemap.StatusNeedsAction {
		t.Errorf("status = %v, want needs_action restored", item.Status)
	}
}

func TestReopenItem(t *testing.T) {
	server, coord, d := setup(t)
	seedIssue(t, server, coord, "issue-1", "done")

	if err := d.ReopenItem(context.Background(), "team-1", "issue-1"); err != nil {
		t.Fatalf("ReopenItem error: %v", err)
	}
	// Reopen targets the first configured todo state.
	if stored := server.Issue("issue-1"); stored.State.ID != "todo1" {
		t.Errorf("remote state = %q, want todo1", stored.State.ID)
	}
}

func TestDeleteItem(t *testing.T) {
	server, coord, d := setup(t)
	seedIssue(t, server, coord, "issue-1", "todo1")

	if err := d.DeleteItem(context.Background(), "team-1", "issue-1"); err != nil {
		t.Fatalf("DeleteItem error: %v", err)
	}

	// Remote issue survives in the removed state; local item is gone.
	if stored := server.Issue("issue-1"); stored == nil || stored.State.ID != "canceled" {
		t.Errorf("remote issue = %+v, want kept in canceled", stored)
	}
	if _, ok := coord.ItemFor("team-1", "issue-1"); ok {
		t.Error("item still present after delete")
	}
}

func TestDeleteItemRollsBack(t *testing.T) {
	server, coord, d := setup(t)
	seedIssue(t, server, coord, "issue-1", "todo1")

	server.FailWith(http.StatusInternalServerError)
	if err := d.DeleteItem(context.Background(), "team-1", "issue-1"); err == nil {
		t.Fatal("expected error from rejected update")
	}
	if _, ok := coord.ItemFor("team-1", "issue-1"); !ok {
		t.Error("item not restored after rollback")
	}
}

func TestEditItem(t *testing.T) {
	server, coord, d := setup(t)
	seedIssue(t, server, coord, "issue-1", "todo1")

	summary := "renamed"
	clearDue := ""
	err := d.EditItem(context.Background(), "team-1", "issue-1", ItemEdit{
		Summary: &summary,
		Due:     &clearDue,
	})
	if err != nil {
		t.Fatalf("EditItem error: %v", err)
	}

	stored := server.Issue("issue-1")
	if stored.Title != "renamed" {
		t.Errorf("remote title = %q", stored.Title)
	}
	if stored.DueDate != "" {
		t.Errorf("remote due = %q, want cleared", stored.DueDate)
	}
	if item, _ := coord.ItemFor("team-1", "issue-1"); item.Summary != "renamed" || item.Due != "" {
		t.Errorf("local item = %+v", item)
	}
}

func TestEditItemEmptyIsNoop(t *testing.T) {
	server, coord, d := setup(t)
	seedIssue(t, server, coord, "issue-1", "todo1")

	before := server.Requests()
	if err := d.EditItem(context.Background(), "team-1", "issue-1", ItemEdit{}); err != nil {
		t.Fatalf("EditItem error: %v", err)
	}
	if got := server.Requests(); got != before {
		t.Errorf("empty edit issued %d remote requests", got-before)
	}
}

func TestUnknownItemRejected(t *testing.T) {
	_, _, d := setup(t)

	if err := d.CompleteItem(context.Background(), "team-1", "ghost"); !errors.Is(err, ErrUnknownItem) {
		t.Errorf("error = %v, want ErrUnknownItem", err)
	}
	if err := d.DeleteItem(context.Background(), "team-1", "ghost"); !errors.Is(err, ErrUnknownItem) {
		t.Errorf("error = %v, want ErrUnknownItem", err)
	}
	if err := d.EditItem(context.Background(), "team-1", "ghost", ItemEdit{}); !errors.Is(err, ErrUnknownItem) {
		t.Errorf("error = %v, want ErrUnknownItem", err)
	}
}
