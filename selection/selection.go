// Package selection decides which update to launch.
//
// Every function in this package is pure: the result only depends on the
// arguments, and the order of the candidates never matters.
package selection

import (
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/tweag/update-launcher/api"
)

// Policy carries the properties of the running binary that candidates must match.
// The zero value accepts every runtime version.
type Policy struct {
	RuntimeVersion string
	Filters        api.ManifestFilters
}

// SelectUpdateToLaunch picks the newest launchable update among candidates.
// Embedded updates other than embeddedUpdateID are leftovers of a previous
// binary and are never selected. The boolean is false when nothing survives.
func SelectUpdateToLaunch(candidates []api.UpdateRecord, embeddedUpdateID uuid.UUID, filters api.ManifestFilters) (api.UpdateRecord, bool) {
	return Policy{Filters: filters}.SelectUpdateToLaunch(candidates, embeddedUpdateID)
}

func (p Policy) SelectUpdateToLaunch(candidates []api.UpdateRecord, embeddedUpdateID uuid.UUID) (api.UpdateRecord, bool) {
	var best api.UpdateRecord
	var found bool
	for _, candidate := range candidates {
		if !p.Launchable(candidate, embeddedUpdateID) {
			continue
		}
		if !found || Newer(candidate, best) {
			best = candidate
			found = true
		}
	}
	return best, found
}

// Launchable reports whether a single candidate passes every rule.
func (p Policy) Launchable(update api.UpdateRecord, embeddedUpdateID uuid.UUID) bool {
	if !update.Status.Launchable() {
		return false
	}
	if update.Status == api.StatusEmbedded && update.ID != embeddedUpdateID {
		return false
	}
	if p.RuntimeVersion != "" && update.RuntimeVersion != p.RuntimeVersion {
		return false
	}
	return p.Filters.Matches(update.Metadata)
}

// Newer is the total order used for selection: commit time first, then id.
func Newer(a, b api.UpdateRecord) bool {
	if !a.CommitTime.Equal(b.CommitTime) {
		return a.CommitTime.After(b.CommitTime)
	}
	return strings.Compare(a.ID.String(), b.ID.String()) > 0
}

// Sort orders updates newest first, using the same order as selection.
func Sort(updates []api.UpdateRecord) {
	slices.SortStableFunc(updates, func(a, b api.UpdateRecord) int {
		switch {
		case Newer(a, b):
			return -1
		case Newer(b, a):
			return 1
		}
		return 0
	})
}

// ShouldLoadNewUpdate reports whether a freshly downloaded update should replace
// the launched one. A nil launched update always loses.
func ShouldLoadNewUpdate(newUpdate api.UpdateRecord, launched *api.UpdateRecord, filters api.ManifestFilters) bool {
	if !filters.Matches(newUpdate.Metadata) {
		return false
	}
	if launched == nil {
		return true
	}
	// the running update no longer passes the filters, any compatible update is better
	if !filters.Matches(launched.Metadata) {
		return true
	}
	return newUpdate.CommitTime.After(launched.CommitTime)
}
