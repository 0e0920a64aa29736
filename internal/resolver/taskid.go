// Package resolver expands task id prefixes, so generated ids can be typed
// by their first few characters.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dyluth/burrow/pkg/board"
)

// MinPrefixLength is the shortest prefix that is expanded.
const MinPrefixLength = 6

// TaskReader is the read side of the board.
type TaskReader interface {
	GetAllTasks(ctx context.Context, kind board.Kind) ([]board.Task, error)
	Get(ctx context.Context, taskID string) (*board.Task, board.Kind, error)
}

// ResolveTaskID returns the full id for id.
//
// An exact match always wins. Otherwise id is treated as a prefix: it must be
// at least MinPrefixLength long and match exactly one task across the three
// boards.
func ResolveTaskID(ctx context.Context, tasks TaskReader, id string) (string, error) {
	_, _, err := tasks.Get(ctx, id)
	if err == nil {
		return id, nil
	}
	if !board.IsNotFound(err) {
		return "", err
	}

	if len(id) < MinPrefixLength {
		return "", &NotFoundError{Prefix: id}
	}

	seen := make(map[string]bool)
	for _, kind := range board.Kinds {
		all, err := tasks.GetAllTasks(ctx, kind)
		if err != nil {
			return "", fmt.Errorf("failed to search the %s board: %w", kind, err)
		}
		for _, t := range all {
			if strings.HasPrefix(t.ID, id) {
				seen[t.ID] = true
			}
		}
	}

	matches := make([]string, 0, len(seen))
	for m := range seen {
		matches = append(matches, m)
	}
	sort.Strings(matches)

	switch len(matches) {
	case 0:
		return "", &NotFoundError{Prefix: id}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{Prefix: id, Matches: matches}
	}
}

// NotFoundError indicates no task id starts with the prefix.
type NotFoundError struct {
	Prefix string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no task found matching '%s'", e.Prefix)
}

// AmbiguousError indicates several task ids start with the prefix.
type AmbiguousError struct {
	Prefix  string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous task id '%s' matches %d tasks", e.Prefix, len(e.Matches))
}

// Listing returns the matches, one per line, capped at ten.
func (e *AmbiguousError) Listing() string {
	var b strings.Builder
	n := len(e.Matches)
	if n > 10 {
		n = 10
	}
	for _, m := range e.Matches[:n] {
		fmt.Fprintf(&b, "  %s\n", m)
	}
	if len(e.Matches) > 10 {
		fmt.Fprintf(&b, "  ...and %d more\n", len(e.Matches)-10)
	}
	return b.String()
}
