package resolve

import (
	"sort"

	"github.com/samber/lo"
)

// Lockfile is the content-addressed sidecar of a checkin: a listing of
// every resolved dependency reachable from a checkin root, keyed by
// "<importing path>|<reference>", the reference being the string the
// importing file used.
type Lockfile struct {
	Entries map[string]ResolvedOptions
}

// Merge folds other's entries into l, keeping l's existing entry on a
// reference collision. Reuse of an existing lockfile against a fresh
// resolution is exactly this: entries already present and still
// consistent with current constraints are left untouched.
func (l *Lockfile) Merge(other *Lockfile) {
	if l.Entries == nil {
		l.Entries = map[string]ResolvedOptions{}
	}
	for ref, opts := range other.Entries {
		if _, exists := l.Entries[ref]; !exists {
			l.Entries[ref] = opts
		}
	}
}

// References returns every reference in the lockfile, sorted, for
// deterministic serialization.
func (l *Lockfile) References() []string {
	refs := lo.Keys(l.Entries)
	sort.Strings(refs)
	return refs
}

