// Package reconcile computes the minimal set of local todo-list mutations
// needed to match a freshly fetched remote snapshot.
package reconcile

import (
	"sort"

	"github.com/google/uuid"

	"github.com/JohanCodinha/lineardo/internal/linear"
	"github.com/JohanCodinha/lineardo/internal/statemap"
)

// itemNamespace is the UUIDv5 namespace for deriving local item ids from
// remote issue ids, so re-fetching the same issue is idempotent.
var itemNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://linear.app/issue"))

// LocalUID derives the deterministic local id for a remote issue id.
func LocalUID(remoteID string) string {
	return uuid.NewSHA1(itemNamespace, []byte(remoteID)).String()
}

// Item is the local todo-list representation of one remote issue.
// Issues in a removed state have no Item: they are absent, not completed.
type Item struct {
	UID         string
	RemoteID    string
	Summary     string
	Description string
	Due         string // calendar date YYYY-MM-DD, empty if none
	Status      statemap.Status
	Unmapped    bool // workflow state matched no configured bucket
}

// Snapshot maps remote issue id to the Item last pushed to the host platform.
// It is the diff baseline, owned by the reconciler and advanced only after a
// successful apply.
type Snapshot map[string]Item

// Clone returns a shallow copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Op identifies a mutation kind.
type Op int

const (
	// OpDelete removes a local item.
	OpDelete Op = iota
	// OpCreate adds a local item.
	OpCreate
	// OpUpdate changes fields of an existing local item.
	OpUpdate
)

// String returns the string representation of an op.
func (o Op) String() string {
	switch o {
	case OpDelete:
		return "delete"
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// FieldChanges lists the fields an update mutation touches. Nil pointers mean
// the field is unchanged, keeping host-platform writes minimal.
type FieldChanges struct {
	Summary     *string
	Description *string
	Due         *string
	Status      *statemap.Status
}

// Empty reports whether no field changed.
func (f FieldChanges) Empty() bool {
	return f.Summary == nil && f.Description == nil && f.Due == nil && f.Status == nil
}

// Mutation is one local change the host platform must apply.
type Mutation struct {
	Op       Op
	RemoteID string
	Item     Item         // fully populated for OpCreate and OpDelete
	Changes  FieldChanges // populated for OpUpdate only
}

// itemFromIssue maps a remote issue to its local representation. The second
// result is false when the issue's state is removed (or unmappable to a
// visible bucket), meaning the issue has no local item.
func itemFromIssue(issue linear.Issue, cfg statemap.TeamConfig) (Item, bool) {
	status, mapped := statemap.ToLocalStatus(issue.State.ID, cfg)
	if status == statemap.StatusAbsent {
		return Item{}, false
	}
	return Item{
		UID:         LocalUID(issue.ID),
		RemoteID:    issue.ID,
		Summary:     issue.Title,
		Description: issue.Description,
		Due:         issue.DueDate,
		Status:      status,
		Unmapped:    !mapped,
	}, true
}

// Reconcile diffs a fresh fetch against the previous snapshot and returns the
// mutations needed to converge, ordered deletes, then creates, then updates.
// The ordering avoids transient duplicate-looking entries on hosts that
// identify items by position. Reconcile is pure: it never touches prev.
func Reconcile(issues []linear.Issue, cfg statemap.TeamConfig, prev Snapshot) []Mutation {
	desired := make(Snapshot, len(issues))
	for _, issue := range issues {
		if item, visible := itemFromIssue(issue, cfg); visible {
			desired[issue.ID] = item
		}
	}

	var deletes, creates, updates []Mutation

	for remoteID, old := range prev {
		if _, ok := desired[remoteID]; !ok {
			deletes = append(deletes, Mutation{Op: OpDelete, RemoteID: remoteID, Item: old})
		}
	}

	for remoteID, item := range desired {
		old, existed := prev[remoteID]
		if !existed {
			creates = append(creates, Mutation{Op: OpCreate, RemoteID: remoteID, Item: item})
			continue
		}
		changes := diffItems(old, item)
		if !changes.Empty() {
			updates = append(updates, Mutation{Op: OpUpdate, RemoteID: remoteID, Item: item, Changes: changes})
		}
	}

	sortMutations(deletes)
	sortMutations(creates)
	sortMutations(updates)

	mutations := make([]Mutation, 0, len(deletes)+len(creates)+len(updates))
	mutations = append(mutations, deletes...)
	mutations = append(mutations, creates...)
	mutations = append(mutations, updates...)
	return mutations
}

// sortMutations orders mutations by remote id so cycles are deterministic.
func sortMutations(ms []Mutation) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].RemoteID < ms[j].RemoteID })
}

// diffItems computes the field-level changes between two items.
func diffItems(old, next Item) FieldChanges {
	var changes FieldChanges
	if old.Summary != next.Summary {
		changes.Summary = &next.Summary
	}
	if old.Description != next.Description {
		changes.Description = &next.Description
	}
	if old.Due != next.Due {
		changes.Due = &next.Due
	}
	if old.Status != next.Status {
		changes.Status = &next.Status
	}
	return changes
}

// Commit advances the snapshot for the applied subset of a cycle's mutations.
// Mutations that failed to apply are simply not passed in; their deltas stay
// outstanding and the next cycle retries exactly those (at-least-once
// convergence).
func Commit(prev Snapshot, applied []Mutation) Snapshot {
	next := prev.Clone()
	for _, m := range applied {
		switch m.Op {
		case OpDelete:
			delete(next, m.RemoteID)
		case OpCreate, OpUpdate:
			next[m.RemoteID] = m.Item
		}
	}
	return next
}
