package reconciler

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
)

// TieBreakPolicy decides which side wins when a pending local row and a server row carry the
// same updated_at with different content.
type TieBreakPolicy string

const (
	// TieBreakLocal keeps the pending local write and marks the row as conflicted.
	TieBreakLocal TieBreakPolicy = "local"
	// TieBreakVersion lets the higher version win; equal versions keep the local write.
	TieBreakVersion TieBreakPolicy = "version"
)

// ParseTieBreakPolicy validates raw input. Empty input selects TieBreakLocal.
func ParseTieBreakPolicy(rawInput string) (TieBreakPolicy, error) {
	switch TieBreakPolicy(strings.ToLower(strings.TrimSpace(rawInput))) {
	case "", TieBreakLocal:
		return TieBreakLocal, nil
	case TieBreakVersion:
		return TieBreakVersion, nil
	default:
		return "", fmt.Errorf("reconciler: unknown tie-break policy %q", rawInput)
	}
}

type pullDecision int

const (
	decisionApply pullDecision = iota
	decisionUnchanged
	decisionStale
	decisionKeepLocal
	decisionConflict
)

// resolvePull decides what Phase A does with one pulled record.
func resolvePull(local *syncable.Record, remote syncable.RemoteRecord, policy TieBreakPolicy) pullDecision {
	if local == nil {
		return decisionApply
	}

	if !local.SyncStatus.Dirty() {
		// Synced rows only move forward in updated_at; an older server copy never replaces them.
		switch {
		case remote.UpdatedAt < local.UpdatedAt:
			return decisionStale
		case local.RemoteID == remote.RemoteID && local.Version == remote.Version && local.SameContent(remote) && local.UpdatedAt == remote.UpdatedAt:
			return decisionUnchanged
		default:
			return decisionApply
		}
	}

	switch {
	case remote.UpdatedAt > local.UpdatedAt:
		return decisionApply
	case remote.UpdatedAt < local.UpdatedAt:
		return decisionKeepLocal
	}

	if local.SameContent(remote) {
		return decisionApply
	}
	if policy == TieBreakVersion && remote.Version > local.Version {
		return decisionApply
	}
	return decisionConflict
}
