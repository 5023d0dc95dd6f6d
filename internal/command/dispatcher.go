// Package command translates user-initiated todo-list actions into remote
// mutations, with validation and optimistic local application.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JohanCodinha/lineardo/internal/coordinator"
	"github.com/JohanCodinha/lineardo/internal/linear"
	"github.com/JohanCodinha/lineardo/internal/logger"
	"github.com/JohanCodinha/lineardo/internal/reconcile"
	"github.com/JohanCodinha/lineardo/internal/statemap"
)

// Named validation errors, one per parameter, so callers can tell exactly
// which reference failed to resolve. No remote mutation is issued when any of
// these is returned.
var (
	// ErrTeamRequired means neither team id nor team key was given.
	ErrTeamRequired = errors.New("team reference required")
	// ErrAmbiguousTeamRef means both team id and team key were given.
	ErrAmbiguousTeamRef = errors.New("ambiguous team reference: give either a team id or a team key, not both")
	// ErrTitleRequired means the command is missing a title.
	ErrTitleRequired = errors.New("title required")
	// ErrUnknownTeam means the team reference matched no configured team.
	ErrUnknownTeam = errors.New("unknown team")
	// ErrUnknownState means the state reference matched none of the team's states.
	ErrUnknownState = errors.New("unknown state")
	// ErrUnknownLabel means a label name matched none of the team's labels.
	ErrUnknownLabel = errors.New("unknown label")
	// ErrUnknownAssignee means the assignee email matched no team member.
	ErrUnknownAssignee = errors.New("assignee not found")
	// ErrUnknownItem means the referenced item is not in the team's snapshot.
	ErrUnknownItem = errors.New("unknown item")
)

// CreateIssue is the rich create command. Exactly one of TeamID and TeamKey
// must be set; Title is required; everything else is optional.
type CreateIssue struct {
	TeamID        string
	TeamKey       string
	Title         string
	Description   string
	DueDate       string // calendar date, YYYY-MM-DD
	AssigneeEmail string
	LabelNames    []string
	State         string // workflow state name or id; default is the first todo state
}

// ItemEdit carries the editable fields of an entity-driven update. Nil
// pointers leave the field unchanged.
type ItemEdit struct {
	Summary     *string
	Description *string
	Due         *string // empty string clears the due date
}

// cachedMeta is team metadata resolved lazily and reused for one polling
// interval.
type cachedMeta struct {
	meta      *linear.TeamMeta
	fetchedAt time.Time
}

// Dispatcher validates and executes local commands against the remote
// service, keeping the coordinator's snapshot optimistically in step.
type Dispatcher struct {
	client  *linear.Client
	coord   *coordinator.Coordinator
	metaTTL time.Duration

	mu       sync.Mutex
	metaByID map[string]cachedMeta
}

// New creates a dispatcher bound to one account's client and coordinator.
// metaTTL should match the account's polling interval.
func New(client *linear.Client, coord *coordinator.Coordinator, metaTTL time.Duration) *Dispatcher {
	if metaTTL <= 0 {
		metaTTL = time.Minute
	}
	return &Dispatcher{
		client:   client,
		coord:    coord,
		metaTTL:  metaTTL,
		metaByID: map[string]cachedMeta{},
	}
}

// teamMeta returns a team's metadata, fetching it at most once per TTL.
func (d *Dispatcher) teamMeta(ctx context.Context, teamID string) (*linear.TeamMeta, error) {
	d.mu.Lock()
	cached, ok := d.metaByID[teamID]
	d.mu.Unlock()
	if ok && time.Since(cached.fetchedAt) < d.metaTTL {
		return cached.meta, nil
	}

	meta, err := d.client.TeamMeta(ctx, teamID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.metaByID[teamID] = cachedMeta{meta: meta, fetchedAt: time.Now()}
	d.mu.Unlock()
	return meta, nil
}

// Create validates and executes the rich create command. Resolution order is
// team, then state, then labels, then assignee; the first unresolved
// reference fails the whole command and no issue is created.
func (d *Dispatcher) Create(ctx context.Context, cmd CreateIssue) (*linear.Issue, error) {
	if cmd.TeamID != "" && cmd.TeamKey != "" {
		return nil, ErrAmbiguousTeamRef
	}
	if cmd.TeamID == "" && cmd.TeamKey == "" {
		return nil, ErrTeamRequired
	}
	if strings.TrimSpace(cmd.Title) == "" {
		return nil, ErrTitleRequired
	}

	cfg, err := d.resolveTeam(cmd.TeamID, cmd.TeamKey)
	if err != nil {
		return nil, err
	}

	input := linear.IssueInput{
		TeamID:      cfg.ID,
		Title:       cmd.Title,
		Description: cmd.Description,
		DueDate:     cmd.DueDate,
	}

	needsMeta := cmd.State != "" || len(cmd.LabelNames) > 0 || cmd.AssigneeEmail != ""
	var meta *linear.TeamMeta
	if needsMeta {
		meta, err = d.teamMeta(ctx, cfg.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve team metadata: %w", err)
		}
	}

	if cmd.State != "" {
		stateID, err := resolveState(meta, cmd.State)
		if err != nil {
			return nil, err
		}
		input.StateID = stateID
	} else {
		input.StateID = cfg.DefaultTodoStateID()
	}

	if len(cmd.LabelNames) > 0 {
		labelIDs, err := resolveLabels(meta, cmd.LabelNames)
		if err != nil {
			return nil, err
		}
		input.LabelIDs = labelIDs
	}

	if cmd.AssigneeEmail != "" {
		assigneeID, err := resolveAssignee(meta, cmd.AssigneeEmail)
		if err != nil {
			return nil, err
		}
		input.AssigneeID = assigneeID
	}

	issue, err := d.client.CreateIssue(ctx, input)
	if err != nil {
		return nil, err
	}
	logger.Info("command: created issue %s in team %s", issue.ID, cfg.ID)

	// Surface the new issue locally right away; the next poll confirms it.
	d.applyOptimistic(cfg.ID, *issue, cfg)
	return issue, nil
}

// resolveTeam maps a team id or key onto a configured team.
func (d *Dispatcher) resolveTeam(teamID, teamKey string) (statemap.TeamConfig, error) {
	if teamID != "" {
		if cfg, ok := d.coord.TeamConfig(teamID); ok {
			return cfg, nil
		}
		return statemap.TeamConfig{}, fmt.Errorf("%w: id %q", ErrUnknownTeam, teamID)
	}
	for _, id := range d.coord.TeamIDs() {
		cfg, _ := d.coord.TeamConfig(id)
		if cfg.Key == teamKey {
			return cfg, nil
		}
	}
	return statemap.TeamConfig{}, fmt.Errorf("%w: key %q", ErrUnknownTeam, teamKey)
}

// resolveState accepts a workflow state name or id.
func resolveState(meta *linear.TeamMeta, ref string) (string, error) {
	for _, s := range meta.States {
		if s.ID == ref || strings.EqualFold(s.Name, ref) {
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownState, ref)
}

// resolveLabels maps label names onto ids. Every name must resolve.
func resolveLabels(meta *linear.TeamMeta, names []string) ([]string, error) {
	byName := make(map[string]string, len(meta.Labels))
	for _, l := range meta.Labels {
		byName[strings.ToLower(l.Name)] = l.ID
	}
	ids := make([]string, 0, len(names))
	for _, name := range names {
		id, ok := byName[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// resolveAssignee maps a member email onto an id.
func resolveAssignee(meta *linear.TeamMeta, email string) (string, error) {
	for _, m := range meta.Members {
		if strings.EqualFold(m.Email, email) {
			return m.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAssignee, email)
}

// AddItem handles an entity-driven create: a new todo added on the host side
// becomes a new remote issue in the team's default todo state.
func (d *Dispatcher) AddItem(ctx context.Context, teamID, summary, description, due string) (*linear.Issue, error) {
	cfg, ok := d.coord.TeamConfig(teamID)
	if !ok {
		return nil, fmt.Errorf("%w: id %q", ErrUnknownTeam, teamID)
	}
	if strings.TrimSpace(summary) == "" {
		return nil, ErrTitleRequired
	}

	issue, err := d.client.CreateIssue(ctx, linear.IssueInput{
		TeamID:      cfg.ID,
		Title:       summary,
		Description: description,
		DueDate:     due,
		StateID:     cfg.DefaultTodoStateID(),
	})
	if err != nil {
		return nil, err
	}
	d.applyOptimistic(cfg.ID, *issue, cfg)
	return issue, nil
}

// CompleteItem moves an item to the team's completed state.
func (d *Dispatcher) CompleteItem(ctx context.Context, teamID, remoteID string) error {
	return d.setStatus(ctx, teamID, remoteID, statemap.StatusCompleted)
}

// ReopenItem moves an item back to the team's first todo state.
func (d *Dispatcher) ReopenItem(ctx context.Context, teamID, remoteID string) error {
	return d.setStatus(ctx, teamID, remoteID, statemap.StatusNeedsAction)
}

// DeleteItem moves the issue to the team's removed state, so it disappears
// locally without being destroyed remotely.
func (d *Dispatcher) DeleteItem(ctx context.Context, teamID, remoteID string) error {
	cfg, ok := d.coord.TeamConfig(teamID)
	if !ok {
		return fmt.Errorf("%w: id %q", ErrUnknownTeam, teamID)
	}
	prev, ok := d.coord.ItemFor(teamID, remoteID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownItem, remoteID)
	}

	stateID, err := statemap.ToRemoteState(statemap.StatusAbsent, cfg)
	if err != nil {
		return err
	}

	// Optimistic local delete, rolled back if the remote rejects it.
	if err := d.coord.ApplyLocal(teamID, reconcile.Mutation{
		Op: reconcile.OpDelete, RemoteID: remoteID, Item: prev,
	}); err != nil {
		return fmt.Errorf("failed to apply local delete: %w", err)
	}

	if _, err := d.client.UpdateIssue(ctx, remoteID, linear.IssuePatch{StateID: &stateID}); err != nil {
		d.rollback(teamID, reconcile.Mutation{Op: reconcile.OpCreate, RemoteID: remoteID, Item: prev})
		return err
	}
	return nil
}

// EditItem pushes summary/description/due changes for one item.
func (d *Dispatcher) EditItem(ctx context.Context, teamID, remoteID string, edit ItemEdit) error {
	if _, ok := d.coord.TeamConfig(teamID); !ok {
		return fmt.Errorf("%w: id %q", ErrUnknownTeam, teamID)
	}
	prev, ok := d.coord.ItemFor(teamID, remoteID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownItem, remoteID)
	}

	patch := linear.IssuePatch{
		Title:       edit.Summary,
		Description: edit.Description,
		DueDate:     edit.Due,
	}
	if patch.Empty() {
		return nil
	}

	next := prev
	if edit.Summary != nil {
		next.Summary = *edit.Summary
	}
	if edit.Description != nil {
		next.Description = *edit.Description
	}
	if edit.Due != nil {
		next.Due = *edit.Due
	}

	if err := d.coord.ApplyLocal(teamID, reconcile.Mutation{
		Op: reconcile.OpUpdate, RemoteID: remoteID, Item: next,
		Changes: reconcile.FieldChanges{Summary: edit.Summary, Description: edit.Description, Due: edit.Due},
	}); err != nil {
		return fmt.Errorf("failed to apply local edit: %w", err)
	}

	if _, err := d.client.UpdateIssue(ctx, remoteID, patch); err != nil {
		d.rollback(teamID, reconcile.Mutation{Op: reconcile.OpUpdate, RemoteID: remoteID, Item: prev})
		return err
	}
	return nil
}

// setStatus implements complete and reopen via the state mapper's reverse
// direction.
func (d *Dispatcher) setStatus(ctx context.Context, teamID, remoteID string, target statemap.Status) error {
	cfg, ok := d.coord.TeamConfig(teamID)
	if !ok {
		return fmt.Errorf("%w: id %q", ErrUnknownTeam, teamID)
	}
	prev, ok := d.coord.ItemFor(teamID, remoteID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownItem, remoteID)
	}

	stateID, err := statemap.ToRemoteState(target, cfg)
	if err != nil {
		return err
	}

	next := prev
	next.Status = target
	if err := d.coord.ApplyLocal(teamID, reconcile.Mutation{
		Op: reconcile.OpUpdate, RemoteID: remoteID, Item: next,
		Changes: reconcile.FieldChanges{Status: &target},
	}); err != nil {
		return fmt.Errorf("failed to apply local status change: %w", err)
	}

	if _, err := d.client.UpdateIssue(ctx, remoteID, linear.IssuePatch{StateID: &stateID}); err != nil {
		d.rollback(teamID, reconcile.Mutation{Op: reconcile.OpUpdate, RemoteID: remoteID, Item: prev})
		return err
	}
	return nil
}

// rollback restores the snapshot after a rejected optimistic update. Remote
// truth wins again on the next poll regardless.
func (d *Dispatcher) rollback(teamID string, m reconcile.Mutation) {
	if err := d.coord.ApplyLocal(teamID, m); err != nil {
		logger.Warn("command: rollback failed for %s in team %s: %v", m.RemoteID, teamID, err)
	}
}

// applyOptimistic inserts a freshly created issue into the local snapshot.
func (d *Dispatcher) applyOptimistic(teamID string, issue linear.Issue, cfg statemap.TeamConfig) {
	status, mapped := statemap.ToLocalStatus(issue.State.ID, cfg)
	if status == statemap.StatusAbsent {
		return
	}
	item := reconcile.Item{
		UID:         reconcile.LocalUID(issue.ID),
		RemoteID:    issue.ID,
		Summary:     issue.Title,
		Description: issue.Description,
		Due:         issue.DueDate,
		Status:      status,
		Unmapped:    !mapped,
	}
	if err := d.coord.ApplyLocal(teamID, reconcile.Mutation{
		Op: reconcile.OpCreate, RemoteID: issue.ID, Item: item,
	}); err != nil {
		logger.Warn("command: optimistic apply failed for %s in team %s: %v", issue.ID, teamID, err)
	}
}
