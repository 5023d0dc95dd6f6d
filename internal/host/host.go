// Package host defines the boundary between the sync core and the platform
// that owns the todo-list entities.
package host

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/JohanCodinha/lineardo/internal/md"
	"github.com/JohanCodinha/lineardo/internal/reconcile"
	"github.com/JohanCodinha/lineardo/internal/statemap"
)

// Applier is the narrow surface the reconciler drives. The core never depends
// on host-platform types beyond this interface.
type Applier interface {
	// Apply performs one local mutation for a team's todo list.
	Apply(teamID string, m reconcile.Mutation) error
	// SetHealth reports whether a team's list reflects a recent successful
	// refresh. reason explains a degraded state.
	SetHealth(teamID string, healthy bool, reason string)
}

// MarkdownDir materializes one markdown todo-list file per team under a
// directory. It is the default Applier for the CLI daemon.
type MarkdownDir struct {
	dir   string
	teams map[string]statemap.TeamConfig

	mu      sync.Mutex
	items   map[string]map[string]reconcile.Item // team id -> remote id -> item
	healthy map[string]bool
	reasons map[string]string
}

// NewMarkdownDir creates a markdown adapter writing into dir, one file per
// configured team, named after the team key.
func NewMarkdownDir(dir string, teams []statemap.TeamConfig) (*MarkdownDir, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create todo directory: %w", err)
	}
	byID := make(map[string]statemap.TeamConfig, len(teams))
	items := make(map[string]map[string]reconcile.Item, len(teams))
	healthy := make(map[string]bool, len(teams))
	for _, t := range teams {
		byID[t.ID] = t
		items[t.ID] = map[string]reconcile.Item{}
		healthy[t.ID] = true
	}
	return &MarkdownDir{
		dir:     dir,
		teams:   byID,
		items:   items,
		healthy: healthy,
		reasons: map[string]string{},
	}, nil
}

// Seed loads a previously committed snapshot into a team's list, so restarts
// start from the persisted baseline instead of an empty file.
func (d *MarkdownDir) Seed(teamID string, snap reconcile.Snapshot) error {
	d.mu.Lock()
	items, ok := d.items[teamID]
	if ok {
		for id, item := range snap {
			items[id] = item
		}
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown team %q", teamID)
	}
	return d.render(teamID)
}

// Apply performs one mutation and rewrites the team's markdown file.
func (d *MarkdownDir) Apply(teamID string, m reconcile.Mutation) error {
	d.mu.Lock()
	items, ok := d.items[teamID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("unknown team %q", teamID)
	}
	switch m.Op {
	case reconcile.OpDelete:
		delete(items, m.RemoteID)
	case reconcile.OpCreate, reconcile.OpUpdate:
		items[m.RemoteID] = m.Item
	default:
		d.mu.Unlock()
		return fmt.Errorf("unknown mutation op %d", m.Op)
	}
	d.mu.Unlock()

	return d.render(teamID)
}

// SetHealth records a team's health and rewrites its file so the degraded
// banner appears or disappears.
func (d *MarkdownDir) SetHealth(teamID string, healthy bool, reason string) {
	d.mu.Lock()
	if _, ok := d.items[teamID]; !ok {
		d.mu.Unlock()
		return
	}
	changed := d.healthy[teamID] != healthy || d.reasons[teamID] != reason
	d.healthy[teamID] = healthy
	d.reasons[teamID] = reason
	d.mu.Unlock()

	if changed {
		d.render(teamID)
	}
}

// Items returns a team's current items, for listing and tests.
func (d *MarkdownDir) Items(teamID string) []reconcile.Item {
	d.mu.Lock()
	defer d.mu.Unlock()
	items := make([]reconcile.Item, 0, len(d.items[teamID]))
	for _, item := range d.items[teamID] {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].RemoteID < items[j].RemoteID })
	return items
}

// Path returns the markdown file path for a team.
func (d *MarkdownDir) Path(teamID string) string {
	cfg := d.teams[teamID]
	name := cfg.Key
	if name == "" {
		name = teamID
	}
	return filepath.Join(d.dir, name+".md")
}

func (d *MarkdownDir) render(teamID string) error {
	d.mu.Lock()
	cfg := d.teams[teamID]
	list := md.List{
		TeamName: cfg.Name,
		TeamKey:  cfg.Key,
		Healthy:  d.healthy[teamID],
		Reason:   d.reasons[teamID],
	}
	for _, item := range d.items[teamID] {
		list.Items = append(list.Items, item)
	}
	d.mu.Unlock()

	content := md.Render(list)
	if err := os.WriteFile(d.Path(teamID), []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write todo list: %w", err)
	}
	return nil
}
