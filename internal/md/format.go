// Package md renders a team's todo list as a markdown document.
package md

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JohanCodinha/lineardo/internal/reconcile"
	"github.com/JohanCodinha/lineardo/internal/statemap"
)

// List holds the data needed to render one team's todo list.
type List struct {
	TeamName string
	TeamKey  string
	Healthy  bool
	Reason   string // why the list is degraded, shown when Healthy is false
	Items    []reconcile.Item
}

// Render converts the list to markdown. Open items come first, completed
// items after, each group sorted by summary so repeated renders are stable.
func Render(list List) string {
	var b strings.Builder

	title := list.TeamName
	if title == "" {
		title = list.TeamKey
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	if !list.Healthy {
		reason := list.Reason
		if reason == "" {
			reason = "last refresh failed"
		}
		fmt.Fprintf(&b, "> ⚠ sync degraded: %s\n\n", reason)
	}

	var open, done []reconcile.Item
	for _, item := range list.Items {
		if item.Status == statemap.StatusCompleted {
			done = append(done, item)
		} else {
			open = append(open, item)
		}
	}
	sortItems(open)
	sortItems(done)

	for _, item := range open {
		writeItem(&b, item, false)
	}
	for _, item := range done {
		writeItem(&b, item, true)
	}

	return b.String()
}

func sortItems(items []reconcile.Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Summary != items[j].Summary {
			return items[i].Summary < items[j].Summary
		}
		return items[i].RemoteID < items[j].RemoteID
	})
}

func writeItem(b *strings.Builder, item reconcile.Item, done bool) {
	box := "[ ]"
	if done {
		box = "[x]"
	}
	fmt.Fprintf(b, "- %s %s", box, item.Summary)
	if item.Due != "" {
		fmt.Fprintf(b, " (due %s)", item.Due)
	}
	if item.Unmapped {
		b.WriteString(" (state unmapped)")
	}
	b.WriteString("\n")
	if item.Description != "" {
		for _, line := range strings.Split(strings.TrimRight(item.Description, "\n"), "\n") {
			fmt.Fprintf(b, "  %s\n", line)
		}
	}
}
