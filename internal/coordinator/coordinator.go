// Package coordinator owns the polling cadence for one account and publishes
// reconciled snapshots to the host platform.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JohanCodinha/lineardo/internal/config"
	"github.com/JohanCodinha/lineardo/internal/host"
	"github.com/JohanCodinha/lineardo/internal/linear"
	"github.com/JohanCodinha/lineardo/internal/logger"
	"github.com/JohanCodinha/lineardo/internal/reconcile"
	"github.com/JohanCodinha/lineardo/internal/statemap"
	"github.com/JohanCodinha/lineardo/internal/store"
)

// completedLookback bounds the completed-state fetch: completed issues not
// updated within the window are treated as absent, keeping lists bounded.
const completedLookback = 7 * 24 * time.Hour

// Options tunes a coordinator's scheduling behavior.
type Options struct {
	Interval   time.Duration // polling interval, required
	MaxBackoff time.Duration // upper bound for failure backoff, default 10x interval
}

// Health describes an account's synchronization state.
type Health struct {
	Available bool // false once authentication has failed
	Degraded  bool
	LastError string
	LastSync  time.Time
	Failures  int // consecutive failed cycles
}

// Subscriber receives a team's committed snapshot after each successful
// reconciliation.
type Subscriber func(teamID string, snap reconcile.Snapshot)

// teamState pairs a team's config with its snapshot and the exclusive section
// guarding it, so a command's optimistic update and a concurrent poll's diff
// never interleave mid-update.
type teamState struct {
	mu   sync.Mutex
	cfg  statemap.TeamConfig
	snap reconcile.Snapshot
}

// Coordinator runs one polling loop for one account. Teams are fetched
// sequentially within a cycle; independent accounts get independent
// coordinators and run fully in parallel.
type Coordinator struct {
	account string
	client  *linear.Client
	db      *store.DB
	applier host.Applier
	opts    Options

	teams map[string]*teamState
	order []string // team ids in config order

	cycleMu sync.Mutex // serializes cycles: at most one in-flight refresh

	pendMu  sync.Mutex
	pending map[string]bool // team ids awaiting refresh; empty map = all
	wakeCh  chan struct{}

	healthMu sync.Mutex
	health   Health

	subsMu sync.Mutex
	subs   []Subscriber

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a coordinator for one account. Snapshots committed by earlier
// runs are loaded from the store so the first cycle emits only real deltas.
func New(acct config.Account, client *linear.Client, db *store.DB, applier host.Applier, opts Options) (*Coordinator, error) {
	if opts.Interval <= 0 {
		opts.Interval = acct.Interval
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * opts.Interval
	}

	c := &Coordinator{
		account: acct.Name,
		client:  client,
		db:      db,
		applier: applier,
		opts:    opts,
		teams:   make(map[string]*teamState, len(acct.Teams)),
		pending: map[string]bool{},
		wakeCh:  make(chan struct{}, 1),
		health:  Health{Available: true},
		done:    make(chan struct{}),
	}

	for _, cfg := range acct.Teams {
		snap, err := db.LoadSnapshot(acct.Name, cfg.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshot for team %s: %w", cfg.ID, err)
		}
		c.teams[cfg.ID] = &teamState{cfg: cfg, snap: snap}
		c.order = append(c.order, cfg.ID)
	}
	return c, nil
}

// Subscribe registers a callback invoked with each team's snapshot after a
// successful reconciliation.
func (c *Coordinator) Subscribe(fn Subscriber) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs = append(c.subs, fn)
}

// Health returns the account's current health.
func (c *Coordinator) Health() Health {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	return c.health
}

// TeamConfig returns a team's configuration.
func (c *Coordinator) TeamConfig(teamID string) (statemap.TeamConfig, bool) {
	ts, ok := c.teams[teamID]
	if !ok {
		return statemap.TeamConfig{}, false
	}
	return ts.cfg, true
}

// TeamIDs returns the configured team ids in config order.
func (c *Coordinator) TeamIDs() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// ItemFor returns a team's snapshot entry for a remote issue id.
func (c *Coordinator) ItemFor(teamID, remoteID string) (reconcile.Item, bool) {
	ts, ok := c.teams[teamID]
	if !ok {
		return reconcile.Item{}, false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	item, ok := ts.snap[remoteID]
	return item, ok
}

// ApplyLocal applies one mutation to a team's snapshot and the host applier
// under the team's exclusive section. Used by the command dispatcher for
// optimistic updates and their rollbacks; the change is not persisted, the
// next poll's commit reconciles and persists remote truth.
func (c *Coordinator) ApplyLocal(teamID string, m reconcile.Mutation) error {
	ts, ok := c.teams[teamID]
	if !ok {
		return fmt.Errorf("unknown team %q", teamID)
	}
	ts.mu.Lock()
	ts.snap = reconcile.Commit(ts.snap, []reconcile.Mutation{m})
	ts.mu.Unlock()
	return c.applier.Apply(teamID, m)
}

// Start launches the polling loop. The first cycle runs immediately.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(ctx)
}

// Stop cancels the loop and waits for any in-flight cycle to finish, so no
// background work is abandoned.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	logger.Debug("coordinator[%s]: stopped", c.account)
}

// RefreshNow requests an immediate refresh. An empty teamID refreshes every
// team. Requests arriving while a cycle is in flight coalesce into a single
// pending follow-up rather than queueing unboundedly.
func (c *Coordinator) RefreshNow(teamID string) {
	c.pendMu.Lock()
	if teamID == "" {
		// All teams; clears any narrower pending requests.
		c.pending = map[string]bool{}
		c.pending[""] = true
	} else if !c.pending[""] {
		c.pending[teamID] = true
	}
	c.pendMu.Unlock()

	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// takePending drains the pending refresh set. Returns nil when every team
// should refresh, or the specific team ids requested.
func (c *Coordinator) takePending() []string {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	if len(c.pending) == 0 || c.pending[""] {
		c.pending = map[string]bool{}
		return nil
	}
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.pending = map[string]bool{}
	return ids
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	timer := time.NewTimer(0) // first cycle runs immediately
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-c.wakeCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		err := c.refresh(ctx, c.takePending())
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, linear.ErrAuth):
			// Fatal to the account until reconfigured: stop polling.
			logger.Error("coordinator[%s]: authentication failed, polling stopped: %v", c.account, err)
			c.setUnavailable(err)
			return
		case errors.Is(err, context.Canceled):
			return
		default:
			failures++
		}

		delay := backoffDelay(c.opts.Interval, c.opts.MaxBackoff, failures)
		if failures > 0 {
			logger.Warn("coordinator[%s]: cycle failed (%d consecutive), next attempt in %s: %v",
				c.account, failures, delay, err)
		}
		timer.Reset(delay)
	}
}

// backoffDelay returns the wait before the next cycle: the base interval after
// a success, doubling per consecutive failure up to max. Each retry therefore
// waits strictly longer than the previous one until the bound is reached.
func backoffDelay(base, max time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return base
	}
	delay := base
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

// RefreshOnce runs a single reconciliation cycle synchronously for every
// team. It shares the in-flight guard with the polling loop.
func (c *Coordinator) RefreshOnce(ctx context.Context) error {
	return c.refresh(ctx, nil)
}

// refresh runs one cycle over the given team ids (nil = all). One team's
// failure never aborts its siblings; the first error is returned so the loop
// can back off.
func (c *Coordinator) refresh(ctx context.Context, teamIDs []string) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	if teamIDs == nil {
		teamIDs = c.order
	}

	var firstErr error
	failedTeams := 0
	for _, teamID := range teamIDs {
		ts, ok := c.teams[teamID]
		if !ok {
			logger.Warn("coordinator[%s]: refresh requested for unknown team %q", c.account, teamID)
			continue
		}
		if err := c.refreshTeam(ctx, ts); err != nil {
			if errors.Is(err, linear.ErrAuth) || errors.Is(err, context.Canceled) {
				return err
			}
			failedTeams++
			if firstErr == nil {
				firstErr = err
			}
			// Stale-but-consistent beats empty: keep the last good snapshot.
			c.applier.SetHealth(teamID, false, err.Error())
			c.recordSync(teamID, false, err)
			logger.Warn("coordinator[%s]: team %s refresh failed: %v", c.account, teamID, err)
			continue
		}
		c.applier.SetHealth(teamID, true, "")
		c.recordSync(teamID, true, nil)
	}

	c.healthMu.Lock()
	if firstErr != nil {
		c.health.Degraded = true
		c.health.LastError = firstErr.Error()
		c.health.Failures++
	} else {
		c.health.Degraded = false
		c.health.LastError = ""
		c.health.Failures = 0
		c.health.LastSync = time.Now().UTC()
	}
	c.healthMu.Unlock()

	if firstErr != nil {
		return fmt.Errorf("%d of %d teams failed: %w", failedTeams, len(teamIDs), firstErr)
	}
	return nil
}

// refreshTeam fetches a team's issues, reconciles against the previous
// snapshot, applies the mutations, and commits the applied subset.
func (c *Coordinator) refreshTeam(ctx context.Context, ts *teamState) error {
	issues, err := c.fetchTeamIssues(ctx, ts.cfg)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	mutations := reconcile.Reconcile(issues, ts.cfg, ts.snap)
	for _, m := range mutations {
		if m.Op == reconcile.OpCreate && m.Item.Unmapped {
			logger.Warn("coordinator[%s]: issue %s has an unmapped workflow state, defaulting to needs_action",
				c.account, m.RemoteID)
		}
	}

	applied := make([]reconcile.Mutation, 0, len(mutations))
	var applyErr error
	for _, m := range mutations {
		if err := c.applier.Apply(ts.cfg.ID, m); err != nil {
			// The failed delta stays out of the commit; next cycle retries
			// exactly this subset.
			if applyErr == nil {
				applyErr = fmt.Errorf("failed to apply %s for %s: %w", m.Op, m.RemoteID, err)
			}
			continue
		}
		applied = append(applied, m)
	}

	if len(applied) > 0 {
		ts.snap = reconcile.Commit(ts.snap, applied)
		if err := c.db.SaveSnapshot(c.account, ts.cfg.ID, ts.snap); err != nil {
			logger.Error("coordinator[%s]: failed to persist snapshot for team %s: %v", c.account, ts.cfg.ID, err)
		}
	}
	snapCopy := ts.snap.Clone()
	ts.mu.Unlock()

	c.publish(ts.cfg.ID, snapCopy)

	if applyErr != nil {
		return applyErr
	}
	logger.Debug("coordinator[%s]: team %s reconciled, %d mutations", c.account, ts.cfg.ID, len(mutations))
	return nil
}

// fetchTeamIssues fetches todo-state issues without a date filter and
// completed-state issues updated within the lookback window.
func (c *Coordinator) fetchTeamIssues(ctx context.Context, cfg statemap.TeamConfig) ([]linear.Issue, error) {
	todo, err := c.client.Issues(ctx, cfg.ID, cfg.TodoStateIDs, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("todo issues: %w", err)
	}

	since := time.Now().UTC().Add(-completedLookback)
	completed, err := c.client.Issues(ctx, cfg.ID, []string{cfg.CompletedStateID}, since)
	if err != nil {
		return nil, fmt.Errorf("completed issues: %w", err)
	}

	return append(todo, completed...), nil
}

func (c *Coordinator) publish(teamID string, snap reconcile.Snapshot) {
	c.subsMu.Lock()
	subs := make([]Subscriber, len(c.subs))
	copy(subs, c.subs)
	c.subsMu.Unlock()
	for _, fn := range subs {
		fn(teamID, snap)
	}
}

func (c *Coordinator) recordSync(teamID string, healthy bool, cause error) {
	state := store.SyncState{
		Account: c.account,
		Team:    teamID,
		Healthy: healthy,
	}
	if healthy {
		state.LastSyncedAt = time.Now().UTC()
	} else if cause != nil {
		state.LastError = cause.Error()
	}
	if err := c.db.RecordSync(state); err != nil {
		logger.Warn("coordinator[%s]: failed to record sync state for team %s: %v", c.account, teamID, err)
	}
}

func (c *Coordinator) setUnavailable(cause error) {
	c.healthMu.Lock()
	c.health.Available = false
	c.health.Degraded = true
	c.health.LastError = cause.Error()
	c.healthMu.Unlock()
	for _, teamID := range c.order {
		c.applier.SetHealth(teamID, false, "authentication failed")
		c.recordSync(teamID, false, cause)
	}
}
