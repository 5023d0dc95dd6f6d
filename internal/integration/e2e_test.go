// Package integration exercises the full pipeline end to end: GraphQL client,
// coordinator, command dispatcher, snapshot store and markdown host wired
// together against a mock server.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JohanCodinha/lineardo/internal/command"
	"github.com/JohanCodinha/lineardo/internal/config"
	"github.com/JohanCodinha/lineardo/internal/coordinator"
	"github.com/JohanCodinha/lineardo/internal/host"
	"github.com/JohanCodinha/lineardo/internal/linear"
	"github.com/JohanCodinha/lineardo/internal/statemap"
	"github.com/JohanCodinha/lineardo/internal/store"
)

type env struct {
	server  *linear.MockServer
	db      *store.DB
	applier *host.MarkdownDir
	coord   *coordinator.Coordinator
	disp    *command.Dispatcher

	dbPath  string
	todoDir string
}

func account() config.Account {
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

func newEnv(t *testing.T) *env {
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
	})

	dir := t.TempDir()
	return attach(t, server, filepath.Join(dir, "lineardo.db"), filepath.Join(dir, "todo"))
}

// attach builds the daemon wiring the way the sync command does, so restart
// tests can reattach to the same database and directory.
func attach(t *testing.T, server *linear.MockServer, dbPath, todoDir string) *env {
	t.Helper()

	db, err := store.InitDB(dbPath)
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	acct := account()
	applier, err := host.NewMarkdownDir(todoDir, acct.Teams)
	if err != nil {
		t.Fatalf("failed to create markdown dir: %v", err)
	}

	client := linear.NewWithEndpoint(acct.APIToken, server.URL)
	coord, err := coordinator.New(acct, client, db, applier, coordinator.Options{Interval: acct.Interval})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	for _, teamID := range coord.TeamIDs() {
		snap, err := db.LoadSnapshot(acct.Name, teamID)
		if err != nil {
			t.Fatalf("failed to load snapshot: %v", err)
		}
		if err := applier.Seed(teamID, snap); err != nil {
			t.Fatalf("failed to seed team: %v", err)
		}
	}

	return &env{
		server:  server,
		db:      db,
		applier: applier,
		coord:   coord,
		disp:    command.New(client, coord, acct.Interval),
		dbPath:  dbPath,
		todoDir: todoDir,
	}
}

func (e *env) refresh(t *testing.T) {
	t.Helper()
	if err := e.coord.RefreshOnce(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
}

func (e *env) list(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(e.applier.Path("team-1"))
	if err != nil {
		t.Fatalf("failed to read todo list: %v", err)
	}
	return string(data)
}

func (e *env) moveIssue(id, stateID string) {
	issue := e.server.Issue(id)
	issue.State = linear.WorkflowState{ID: stateID}
	issue.UpdatedAt = time.Now().UTC()
	e.server.AddIssue(*issue)
}

func TestIssueLifecycle(t *testing.T) {
	e := newEnv(t)
	e.server.AddIssue(linear.Issue{
		ID: "issue-1", TeamID: "team-1", Title: "ship the feature",
		Description: "with tests", DueDate: "2026-09-01",
		State: linear.WorkflowState{ID: "todo1"}, UpdatedAt: time.Now().UTC(),
	})

	e.refresh(t)
	out := e.list(t)
	if !strings.Contains(out, "- [ ] ship the feature (due 2026-09-01)") {
		t.Fatalf("open item missing:\n%s", out)
	}

	e.moveIssue("issue-1", "done")
	e.refresh(t)
	if out := e.list(t); !strings.Contains(out, "- [x] ship the feature") {
		t.Fatalf("completed item missing:\n%s", out)
	}

	e.moveIssue("issue-1", "canceled")
	e.refresh(t)
	if out := e.list(t); strings.Contains(out, "ship the feature") {
		t.Fatalf("removed item still listed:\n%s", out)
	}
}

func TestRestartResumesFromPersistedSnapshot(t *testing.T) {
	e := newEnv(t)
	e.server.AddIssue(linear.Issue{
		ID: "issue-1", TeamID: "team-1", Title: "survives restarts",
		State: linear.WorkflowState{ID: "todo1"}, UpdatedAt: time.Now().UTC(),
	})
	e.refresh(t)
	e.db.Close()

	// Reattach over the same database with a fresh todo directory, as a
	// restarted daemon would. The list is rebuilt before any network call.
	requestsBefore := e.server.Requests()
	e2 := attach(t, e.server, e.dbPath, filepath.Join(t.TempDir(), "todo"))

	out := e2.list(t)
	if !strings.Contains(out, "- [ ] survives restarts") {
		t.Fatalf("seeded item missing after restart:\n%s", out)
	}
	if got := e.server.Requests(); got != requestsBefore {
		t.Errorf("seeding contacted the server %d times", got-requestsBefore)
	}

	// The first cycle after restart emits no mutations for unchanged issues.
	e2.refresh(t)
	if out := e2.list(t); !strings.Contains(out, "- [ ] survives restarts") {
		t.Fatalf("item lost after first post-restart refresh:\n%s", out)
	}
}

func TestLocalCommandRoundTrip(t *testing.T) {
	e := newEnv(t)

	issue, err := e.disp.Create(context.Background(), command.CreateIssue{
		TeamKey: "ENG",
		Title:   "added locally",
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	// Optimistic: visible before any poll.
	if out := e.list(t); !strings.Contains(out, "- [ ] added locally") {
		t.Fatalf("created item not visible:\n%s", out)
	}

	// The next poll confirms it without duplicating.
	e.refresh(t)
	out := e.list(t)
	if strings.Count(out, "added locally") != 1 {
		t.Fatalf("item duplicated after refresh:\n%s", out)
	}

	if err := e.disp.CompleteItem(context.Background(), "team-1", issue.ID); err != nil {
		t.Fatalf("CompleteItem error: %v", err)
	}
	if out := e.list(t); !strings.Contains(out, "- [x] added locally") {
		t.Fatalf("completed item not checked:\n%s", out)
	}
	if stored := e.server.Issue(issue.ID); stored.State.ID != "done" {
		t.Errorf("remote state = %q, want done", stored.State.ID)
	}

	if err := e.disp.DeleteItem(context.Background(), "team-1", issue.ID); err != nil {
		t.Fatalf("DeleteItem error: %v", err)
	}
	if out := e.list(t); strings.Contains(out, "added locally") {
		t.Fatalf("deleted item still listed:\n%s", out)
	}
	e.refresh(t)
	if out := e.list(t); strings.Contains(out, "added locally") {
		t.Fatalf("deleted item resurrected by refresh:\n%s", out)
	}
}
