package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/leonletto/keel/internal/safeerr"
)

// CheckInvariants verifies the cross-entry hierarchy invariants over the
// live file and the archive together:
//
//  1. every parent_id resolves to an existing entry
//  2. depth equals the number of separators in path
//  3. child_count equals the number of entries naming this one as parent
//  4. the parent chain contains no cycles
//  5. depth stays within the configured maximum
//
// The graph is built once per pass: entries in an arena indexed by ID,
// adjacency through parent lookups, cycle detection as a bounded walk
// with a visited set. Violations come back as one
// *safeerr.LedgerValidationError; a clean ledger returns nil.
func (l *Ledger) CheckInvariants(ctx context.Context) error {
	entries, err := l.readAll()
	if err != nil {
		return fmt.Errorf("check ledger invariants: %w", err)
	}

	byID := make(map[string]*Entry, len(entries))
	children := make(map[string]int)
	for i := range entries {
		e := &entries[i]
		if _, ok := byID[e.ID]; ok {
			return &safeerr.LedgerValidationError{EntryID: e.ID, Violations: []string{"duplicate entry ID"}}
		}
		byID[e.ID] = e
		if e.ParentID != "" {
			children[e.ParentID]++
		}
	}

	var violations []string
	for i := range entries {
		e := &entries[i]

		if e.ParentID != "" {
			if _, ok := byID[e.ParentID]; !ok {
				violations = append(violations, fmt.Sprintf("%s: parent %q does not resolve", e.ID, e.ParentID))
			}
		}

		if e.Path != "" && e.Depth != strings.Count(e.Path, pathSep) {
			violations = append(violations, fmt.Sprintf("%s: depth %d != %d separators in path %q", e.ID, e.Depth, strings.Count(e.Path, pathSep), e.Path))
		}

		if got := children[e.ID]; e.ChildCount != got {
			violations = append(violations, fmt.Sprintf("%s: child_count %d != %d actual children", e.ID, e.ChildCount, got))
		}

		if e.Depth > l.maxDepth {
			violations = append(violations, fmt.Sprintf("%s: depth %d exceeds maximum %d", e.ID, e.Depth, l.maxDepth))
		}

		if cyclic(e, byID, l.maxDepth) {
			violations = append(violations, fmt.Sprintf("%s: cycle in parent chain", e.ID))
		}
	}

	if len(violations) > 0 {
		return &safeerr.LedgerValidationError{Violations: violations}
	}
	return nil
}

// cyclic walks the parent chain with a visited set. The walk is bounded:
// a chain longer than maxDepth+1 without reaching a root is treated as
// cyclic even if the revisit has not materialized yet.
func cyclic(e *Entry, byID map[string]*Entry, maxDepth int) bool {
	visited := map[string]bool{e.ID: true}
	cur := e
	for steps := 0; cur.ParentID != ""; steps++ {
		if steps > maxDepth {
			return true
		}
		parent, ok := byID[cur.ParentID]
		if !ok {
			return false // broken link, reported as invariant 1
		}
		if visited[parent.ID] {
			return true
		}
		visited[parent.ID] = true
		cur = parent
	}
	return false
}
