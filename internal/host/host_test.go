package host

import (
	"os"
	"strings"
	"testing"

	"github.com/JohanCodinha/lineardo/internal/reconcile"
	"github.com/JohanCodinha/lineardo/internal/statemap"
)

func testTeams() []statemap.TeamConfig {
	return []statemap.TeamConfig{{
		ID:               "team-1",
		Key:              "ENG",
		Name:             "Engineering",
		TodoStateIDs:     []string{"todo1"},
		CompletedStateID: "done",
		RemovedStateID:   "canceled",
	}}
}

func testDir(t *testing.T) *MarkdownDir {
	t.Helper()
	d, err := NewMarkdownDir(t.TempDir(), testTeams())
	if err != nil {
		t.Fatalf("NewMarkdownDir error: %v", err)
	}
	return d
}

func readList(t *testing.T, d *MarkdownDir, teamID string) string {
	t.Helper()
	data, err := os.ReadFile(d.Path(teamID))
	if err != nil {
		t.Fatalf("failed to read todo file: %v", err)
	}
	return string(data)
}

func item(remoteID, summary string, status statemap.Status) reconcile.Item {
	return reconcile.Item{
		UID:      reconcile.LocalUID(remoteID),
		RemoteID: remoteID,
		Summary:  summary,
		Status:   status,
	}
}

func TestApplyWritesFile(t *testing.T) {
	d := testDir(t)

	err := d.Apply("team-1", reconcile.Mutation{
		Op: reconcile.OpCreate, RemoteID: "issue-1",
		Item: item("issue-1", "new task", statemap.StatusNeedsAction),
	})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}

	out := readList(t, d, "team-1")
	if !strings.Contains(out, "- [ ] new task") {
		t.Errorf("file missing the new item:\n%s", out)
	}
	if !strings.HasSuffix(d.Path("team-1"), "ENG.md") {
		t.Errorf("path = %q, want file named after the team key", d.Path("team-1"))
	}
}

func TestApplyUpdateAndDelete(t *testing.T) {
	d := testDir(t)

	if err := d.Apply("team-1", reconcile.Mutation{
		Op: reconcile.OpCreate, RemoteID: "issue-1",
		Item: item("issue-1", "task", statemap.StatusNeedsAction),
	}); err != nil {
		t.Fatal(err)
	}

	if err := d.Apply("team-1", reconcile.Mutation{
		Op: reconcile.OpUpdate, RemoteID: "issue-1",
		Item: item("issue-1", "task", statemap.StatusCompleted),
	}); err != nil {
		t.Fatal(err)
	}
	if out := readList(t, d, "team-1"); !strings.Contains(out, "- [x] task") {
		t.Errorf("completed item not checked:\n%s", out)
	}

	if err := d.Apply("team-1", reconcile.Mutation{Op: reconcile.OpDelete, RemoteID: "issue-1"}); err != nil {
		t.Fatal(err)
	}
	if out := readList(t, d, "team-1"); strings.Contains(out, "task") {
		t.Errorf("deleted item still rendered:\n%s", out)
	}
	if got := d.Items("team-1"); len(got) != 0 {
		t.Errorf("Items = %v, want empty", got)
	}
}

func TestApplyUnknownTeam(t *testing.T) {
	d := testDir(t)
	if err := d.Apply("ghost", reconcile.Mutation{Op: reconcile.OpCreate}); err == nil {
		t.Error("expected error for unknown team")
	}
}

func TestSetHealthTogglesBanner(t *testing.T) {
	d := testDir(t)

	if err := d.Seed("team-1", reconcile.Snapshot{}); err != nil {
		t.Fatal(err)
	}

	d.SetHealth("team-1", false, "network error")
	if out := readList(t, d, "team-1"); !strings.Contains(out, "sync degraded: network error") {
		t.Errorf("missing degraded banner:\n%s", out)
	}

	d.SetHealth("team-1", true, "")
	if out := readList(t, d, "team-1"); strings.Contains(out, "sync degraded") {
		t.Errorf("banner not cleared:\n%s", out)
	}
}

func TestSeedRestoresBaseline(t *testing.T) {
	d := testDir(t)

	snap := reconcile.Snapshot{
		"issue-1": item("issue-1", "persisted task", statemap.StatusNeedsAction),
		"issue-2": item("issue-2", "finished task", statemap.StatusCompleted),
	}
	if err := d.Seed("team-1", snap); err != nil {
		t.Fatalf("Seed error: %v", err)
	}

	out := readList(t, d, "team-1")
	if !strings.Contains(out, "- [ ] persisted task") || !strings.Contains(out, "- [x] finished task") {
		t.Errorf("seeded items missing:\n%s", out)
	}
	if got := d.Items("team-1"); len(got) != 2 {
		t.Errorf("Items returned %d entries, want 2", len(got))
	}

	if err := d.Seed("ghost", snap); err == nil {
		t.Error("expected error seeding unknown team")
	}
}
