package object

import (
	"sort"

	"github.com/google/btree"
)

// DirectoryLimits bounds directory fan-out.
type DirectoryLimits struct {
	MaxLeafEntries    int
	MaxBranchChildren int
}

// DefaultDirectoryLimits is generous enough that small directories
// never split.
var DefaultDirectoryLimits = DirectoryLimits{
	MaxLeafEntries:    4096,
	MaxBranchChildren: 256,
}

type nameEntry struct {
	name string
	id   ID
}

func (n nameEntry) Less(other btree.Item) bool {
	return n.name < other.(nameEntry).name
}

// BuildDirectory constructs a Directory from entries, splitting into a
// branch-of-branches once the leaf entry count exceeds limits.MaxLeafEntries,
// with each branch fanning out to at most limits.MaxBranchChildren
// children. entries need not be pre-sorted.
func BuildDirectory(entries []DirectoryEntry, limits DirectoryLimits, put func(Object) ID) *Directory {
	sorted := append([]DirectoryEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	if len(sorted) <= limits.MaxLeafEntries {
		return &Directory{Entries: sorted}
	}

	// Partition the sorted entries into MaxLeafEntries-sized leaf
	// directories, each stored as its own object, then fan those out
	// through a B-tree of branch levels bounded by MaxBranchChildren.
	var level []BranchEntry
	for i := 0; i < len(sorted); i += limits.MaxLeafEntries {
		end := i + limits.MaxLeafEntries
		if end > len(sorted) {
			end = len(sorted)
		}
		chunk := sorted[i:end]
		leaf := &Directory{Entries: chunk}
		id := put(leaf)
		upper := ""
		if end < len(sorted) {
			upper = sorted[end].Name
		}
		level = append(level, BranchEntry{UpperBound: upper, Child: id})
	}

	for len(level) > limits.MaxBranchChildren {
		var next []BranchEntry
		for i := 0; i < len(level); i += limits.MaxBranchChildren {
			end := i + limits.MaxBranchChildren
			if end > len(level) {
				end = len(level)
			}
			chunk := level[i:end]
			branch := &Directory{Branches: chunk}
			id := put(branch)
			upper := ""
			if end < len(level) {
				upper = level[end].UpperBound
			}
			next = append(next, BranchEntry{UpperBound: upper, Child: id})
		}
		level = next
	}

	return &Directory{Branches: level}
}

// unboundedKey sorts after any realistic directory entry name, standing
// in for the final branch's open-ended upper bound.
const unboundedKey = "\xff\xff\xff\xff"

func branchKey(upperBound string) string {
	if upperBound == "" {
		return unboundedKey
	}
	return upperBound
}

// Lookup walks a (possibly branched) directory to find the artifact
// bound to name, using get to dereference branch children. Branch
// routing is done via an ordered btree.BTree over each level's upper
// bounds, matching the B-tree-style fan-out the directory was built
// with.
func Lookup(dir *Directory, name string, get func(ID) (*Directory, error)) (ID, bool, error) {
	if dir.IsLeaf() {
		for _, e := range dir.Entries {
			if e.Name == name {
				return e.Artifact, true, nil
			}
		}
		return "", false, nil
	}

	bt := btree.New(8)
	for _, b := range dir.Branches {
		bt.ReplaceOrInsert(nameEntry{name: branchKey(b.UpperBound), id: b.Child})
	}
	var candidate ID
	var found bool
	bt.Ascend(func(item btree.Item) bool {
		ne := item.(nameEntry)
		if ne.name > name {
			candidate, found = ne.id, true
			return false
		}
		return true
	})
	if !found {
		candidate = dir.Branches[len(dir.Branches)-1].Child
	}
	child, err := get(candidate)
	if err != nil {
		return "", false, err
	}
	return Lookup(child, name, get)
}
