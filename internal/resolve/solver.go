package resolve

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/tangramdotdev/tangram/internal/terror"
)

// PackageRequest is one tagged import needing version selection:
// packageName identifies the tag branch
// (everything before the version component), constraint is the raw
// semver range as written (`^1`, `=1.0.0`, `*`), and requestedBy names
// the importing node for conflict reporting.
type PackageRequest struct {
	PackageName string
	Constraint  string
	RequestedBy string
}

// VersionLister returns every version tagged under packageName, as
// semver-shaped strings (the tag cache's branch children).
type VersionLister func(packageName string) ([]string, error)

// Solution maps each distinct package name to the single version chosen
// for it across the whole import graph.
type Solution map[string]string

// Unsolved records why a package could not be solved, letting checkin
// proceed under --unsolved-dependencies. Checkin returns these in
// CheckinResult.Unsolved; nothing here writes them to the index.
type Unsolved struct {
	PackageName string
	Reason      string
}

// Solve picks, for each package named in requests, the highest version
// satisfying every constraint placed on it. Packages are solved one at
// a time and independently: no conflicts between packages are modeled
// and no earlier choice is ever rolled back. allowUnsolved mirrors
// `--unsolved-dependencies`: when true, a package that cannot be
// solved is recorded in Unsolved and omitted from Solution rather than
// failing the whole solve.
func Solve(requests []PackageRequest, list VersionLister, allowUnsolved bool) (Solution, []Unsolved, error) {
	byPackage := map[string][]PackageRequest{}
	var order []string
	for _, r := range requests {
		if _, ok := byPackage[r.PackageName]; !ok {
			order = append(order, r.PackageName)
		}
		byPackage[r.PackageName] = append(byPackage[r.PackageName], r)
	}
	sort.Strings(order)

	solution := Solution{}
	var unsolved []Unsolved
	for _, name := range order {
		reqs := byPackage[name]
		versions, err := list(name)
		if err != nil {
			return nil, nil, err
		}
		chosen, err := solveOne(versions, reqs)
		if err != nil {
			if allowUnsolved {
				unsolved = append(unsolved, Unsolved{PackageName: name, Reason: err.Error()})
				continue
			}
			return nil, nil, terror.Wrap(terror.Unsolved, fmt.Sprintf("failed to solve %q", name), err)
		}
		solution[name] = chosen
	}
	return solution, unsolved, nil
}

// solveOne selects the version for a single package name: it tries
// candidate versions from highest to lowest, and the first one
// satisfying every constraint wins. Every constraint here applies to
// the same package (no transitive version-to-version conflicts are
// modeled; this resolver's import graph has no nested package
// manifests of its own). Candidates that are not valid semver are
// skipped.
func solveOne(candidates []string, reqs []PackageRequest) (string, error) {
	type cv struct {
		raw string
		v   *semver.Version
	}
	var parsed []cv
	for _, c := range candidates {
		v, err := semver.NewVersion(c)
		if err != nil {
			continue
		}
		parsed = append(parsed, cv{raw: c, v: v})
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].v.GreaterThan(parsed[j].v) })

	constraints := make([]*semver.Constraints, 0, len(reqs))
	for _, r := range reqs {
		c, err := semver.NewConstraint(r.Constraint)
		if err != nil {
			return "", fmt.Errorf("invalid constraint %q from %s: %w", r.Constraint, r.RequestedBy, err)
		}
		constraints = append(constraints, c)
	}

	for _, candidate := range parsed {
		satisfiesAll := true
		for _, c := range constraints {
			if !c.Check(candidate.v) {
				satisfiesAll = false
				break
			}
		}
		if satisfiesAll {
			return candidate.raw, nil
		}
	}
	return "", fmt.Errorf("no version among %d candidates satisfies all %d constraints", len(parsed), len(constraints))
}
