package resolve

import (
	"context"
	"fmt"
	gopath "path"
	"sort"
	"strings"

	"github.com/tangramdotdev/tangram/internal/object"
	"github.com/tangramdotdev/tangram/internal/tagcache"
	"github.com/tangramdotdev/tangram/internal/terror"
)

// splitConstraint separates a tag pattern's version-constraint suffix
// from its branch, mirroring the tag cache's own rule.
func splitConstraint(pattern string) (branch, constraint string, ok bool) {
	idx := strings.LastIndex(pattern, "/")
	last := pattern
	if idx >= 0 {
		last = pattern[idx+1:]
	}
	if last == "" {
		return "", "", false
	}
	switch last[0] {
	case '^', '~', '=', '*', '>', '<':
		return pattern[:idx], last, true
	}
	return "", "", false
}

// FileNode is one local file participating in a checkin walk: its
// content id (already stored before resolution begins — only the
// dependency graph shape is unresolved) and its raw, as-yet-unresolved
// imports.
type FileNode struct {
	Path       string
	Contents   object.ID
	Executable bool
	Module     object.ModuleKind
	Imports    []Import
}

// CheckinOptions configures a single checkin.
type CheckinOptions struct {
	AllowUnsolvedDependencies bool
}

// CheckinResult is everything a checkin produces: the resolved
// artifact for the root path (graph-backed if its SCC had size > 1 or a
// self-loop, direct otherwise), every object that needs storing, the
// lockfile, and any packages the solver could not satisfy.
type CheckinResult struct {
	RootArtifact object.Artifact
	Objects      map[object.ID]object.Object
	Lockfile     *Lockfile
	Unsolved     []Unsolved
}

// Checkin resolves every import flavor across nodes: path
// imports are resolved against other entries in nodes, tag imports are
// resolved through tags, and id imports are already pinned. It then
// detects SCCs over the local import graph and materializes each
// multi-member (or self-looping) component as a single Graph object
// with internal indices for intra-component references and resolved
// object ids for everything else — the inherit rule preserving each
// edge's originally-expressed path.
func Checkin(ctx context.Context, nodes []FileNode, rootPath string, tags *tagcache.Cache, opts CheckinOptions) (*CheckinResult, error) {
	byPath := make(map[string]*FileNode, len(nodes))
	order := make([]string, 0, len(nodes))
	for i := range nodes {
		byPath[nodes[i].Path] = &nodes[i]
		order = append(order, nodes[i].Path)
	}
	if _, ok := byPath[rootPath]; !ok {
		return nil, terror.New(terror.NotFound, fmt.Sprintf("checkin root %q is not among the walked nodes", rootPath))
	}

	resolvedExternal := map[string]map[string]object.Reference{} // path -> reference -> resolved
	var requests []PackageRequest
	tagTarget := map[string]string{} // "path|reference" -> tag branch, for version solving callback wiring

	for _, path := range order {
		node := byPath[path]
		resolvedExternal[path] = map[string]object.Reference{}
		for _, imp := range node.Imports {
			switch imp.Kind {
			case ImportID:
				resolvedExternal[path][imp.Reference] = object.Reference{
					Item:    object.ID(imp.ID),
					Options: object.ReferenceOptions{ID: object.ID(imp.ID)},
				}
			case ImportTag:
				branch, constraint, hasConstraint := splitConstraint(imp.Tag)
				if hasConstraint {
					requests = append(requests, PackageRequest{PackageName: branch, Constraint: constraint, RequestedBy: path})
					tagTarget[path+"|"+imp.Reference] = branch
					continue
				}
				// no version constraint: resolve directly through the
				// tag cache with no explicit ttl override.
				entry, err := tags.Get(ctx, imp.Tag, -1)
				if err != nil {
					return nil, err
				}
				if !entry.IsLeaf() {
					return nil, terror.New(terror.NotFound, fmt.Sprintf("tag %q is a branch, not a resolvable item", imp.Tag))
				}
				resolvedExternal[path][imp.Reference] = object.Reference{
					Item:    object.ID(entry.Item),
					Options: object.ReferenceOptions{ID: object.ID(entry.Item), Tag: imp.Tag},
				}
			case ImportPath:
				// resolved below once the SCC structure is known, since
				// a path import may point within the same component.
			}
		}
	}

	var unsolved []Unsolved
	if len(requests) > 0 {
		solution, u, err := Solve(requests, tagVersionLister(ctx, tags), opts.AllowUnsolvedDependencies)
		if err != nil {
			return nil, err
		}
		unsolved = u
		for key, branch := range tagTarget {
			version, ok := solution[branch]
			if !ok {
				continue // recorded in Unsolved; leave this reference unresolved
			}
			var path, ref string
			splitKey(key, &path, &ref)
			entry, err := tags.Get(ctx, branch+"/"+version, -1)
			if err != nil {
				return nil, err
			}
			resolvedExternal[path][ref] = object.Reference{
				Item:    object.ID(entry.Item),
				Options: object.ReferenceOptions{ID: object.ID(entry.Item), Tag: branch + "/" + version},
			}
		}
	}

	edgesOf := func(path string) []string {
		var out []string
		for _, imp := range byPath[path].Imports {
			if imp.Kind != ImportPath {
				continue
			}
			target := resolvePath(path, imp.Path)
			if _, ok := byPath[target]; ok {
				out = append(out, target)
			}
		}
		return out
	}
	components := Tarjan(order, edgesOf)

	objects := map[object.ID]object.Object{}
	artifactFor := map[string]object.Artifact{}

	for _, comp := range components {
		isGraph := len(comp) > 1 || HasSelfLoop(comp[0], edgesOf)
		sort.Strings(comp) // deterministic node declaration order within the component
		if !isGraph {
			path := comp[0]
			file, err := buildDirectFile(byPath[path], resolvedExternal[path], artifactFor)
			if err != nil {
				return nil, err
			}
			id := object.Fingerprint(file)
			objects[id] = file
			artifactFor[path] = object.Artifact{Direct: file, ArtifactKind: object.ArtifactFile}
			continue
		}

		indexOf := map[string]int{}
		for i, p := range comp {
			indexOf[p] = i
		}
		g := &object.Graph{}
		for _, p := range comp {
			node := byPath[p]
			gn := object.Node{Variant: object.NodeFile, Executable: node.Executable, Module: node.Module}
			gn.Contents = object.NodeRef{External: node.Contents}
			for _, imp := range node.Imports {
				var ref object.NodeRef
				var opts object.ReferenceOptions
				switch imp.Kind {
				case ImportPath:
					target := resolvePath(p, imp.Path)
					if idx, inComponent := indexOf[target]; inComponent {
						ref = object.NodeRef{IsInternal: true, Internal: idx}
						// inherit rule: the path is kept relative to the
						// originating module even though the reference
						// is represented as an internal index.
						opts = object.ReferenceOptions{Path: imp.Path}
					} else if a, ok := artifactFor[target]; ok {
						extID := a.ArtifactID()
						ref = object.NodeRef{External: extID}
						opts = object.ReferenceOptions{ID: extID, Path: imp.Path}
					} else {
						return nil, terror.New(terror.Internal, fmt.Sprintf("path import %q from %q resolved outside the walked set", imp.Path, p))
					}
				default:
					resolved, ok := resolvedExternal[p][imp.Reference]
					if !ok {
						continue // left unsolved; omitted per --unsolved-dependencies
					}
					ref = object.NodeRef{External: resolved.Item}
					opts = resolved.Options
				}
				gn.Dependencies = append(gn.Dependencies, object.NodeFileDependency{Reference: imp.Reference, Item: ref, Options: opts})
			}
			g.Nodes = append(g.Nodes, gn)
		}
		graphID := object.Fingerprint(g)
		objects[graphID] = g
		for _, p := range comp {
			artifactFor[p] = object.Artifact{Graph: graphID, Index: indexOf[p], ArtifactKind: object.ArtifactFile}
		}
	}

	lock := &Lockfile{Entries: map[string]ResolvedOptions{}}
	for path, refs := range resolvedExternal {
		for ref, resolved := range refs {
			lock.Entries[path+"|"+ref] = ResolvedOptions{ID: string(resolved.Item), Tag: resolved.Options.Tag, Path: resolved.Options.Path}
		}
	}

	root, ok := artifactFor[rootPath]
	if !ok {
		return nil, terror.New(terror.Internal, "checkin root was never materialized")
	}
	return &CheckinResult{RootArtifact: root, Objects: objects, Lockfile: lock, Unsolved: unsolved}, nil
}

func buildDirectFile(node *FileNode, resolved map[string]object.Reference, artifactFor map[string]object.Artifact) (*object.File, error) {
	f := &object.File{Contents: node.Contents, Executable: node.Executable, Module: node.Module}
	for _, imp := range node.Imports {
		switch imp.Kind {
		case ImportPath:
			target := resolvePath(node.Path, imp.Path)
			a, ok := artifactFor[target]
			if !ok {
				return nil, terror.New(terror.Internal, fmt.Sprintf("path import %q from %q was not resolved before its referent", imp.Path, node.Path))
			}
			id := a.ArtifactID()
			f.Dependencies = append(f.Dependencies, object.FileDependency{
				Reference: imp.Reference,
				Item:      object.Reference{Item: id, Options: object.ReferenceOptions{ID: id, Path: imp.Path}},
			})
		default:
			r, ok := resolved[imp.Reference]
			if !ok {
				continue
			}
			f.Dependencies = append(f.Dependencies, object.FileDependency{Reference: imp.Reference, Item: r})
		}
	}
	return f, nil
}

// resolvePath joins a path import expressed relative to the importing
// module's directory, producing a checkin-relative path key comparable
// to FileNode.Path.
func resolvePath(from, rel string) string {
	dir := gopath.Dir(from)
	return gopath.Clean(gopath.Join(dir, rel))
}

func tagVersionLister(ctx context.Context, tags *tagcache.Cache) VersionLister {
	return func(packageName string) ([]string, error) {
		entry, err := tags.Get(ctx, packageName, -1)
		if err != nil {
			return nil, err
		}
		if entry.IsLeaf() {
			return nil, terror.New(terror.Internal, fmt.Sprintf("tag %q is a leaf, not a version branch", packageName))
		}
		return entry.Children, nil
	}
}

func splitKey(key string, path, ref *string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			*path = key[:i]
			*ref = key[i+1:]
			return
		}
	}
}
