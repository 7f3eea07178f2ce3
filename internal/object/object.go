package object

// Object is the common interface satisfied by every object kind: Blob,
// File, Directory, Symlink, and Graph.
type Object interface {
	// Kind returns this object's kind tag.
	Kind() Kind
	// Encode returns the canonical encoding of this object.
	// Two semantically equal objects must encode byte-identically.
	Encode() []byte
	// Children returns the ids of every object directly referenced by
	// this object, in canonical order.
	Children() []ID
}

// Reference describes how a dependency was resolved at the moment its
// referencing file was built.
type Reference struct {
	Item    ID
	Options ReferenceOptions
}

// ReferenceOptions records the import flavor(s) that produced Item,
// one of the path, tag, and id import flavors.
type ReferenceOptions struct {
	ID   ID     `json:"id,omitempty"`
	Tag  string `json:"tag,omitempty"`
	Path string `json:"path,omitempty"`
}

// Blob is either a leaf (raw byte range, content stored out-of-band by
// the caller) or a branch (ordered list of child blobs with sizes),
// enabling content-defined chunking of large files.
type Blob struct {
	// Parts is empty for a leaf. For a branch it is the ordered list
	// of child blob references, each with its own size.
	Parts []BlobChild
	// LeafSize is the byte length of this leaf's content. Ignored for
	// branches (branch size is derived from children).
	LeafSize uint64
}

type BlobChild struct {
	Child ID
	Size  uint64
}

func (b *Blob) IsLeaf() bool { return len(b.Parts) == 0 }

// Size returns the total byte size of the blob: LeafSize for a leaf, or
// the sum of children's sizes for a branch.
func (b *Blob) Size() uint64 {
	if b.IsLeaf() {
		return b.LeafSize
	}
	var total uint64
	for _, c := range b.Parts {
		total += c.Size
	}
	return total
}

func (b *Blob) Kind() Kind {
	if b.IsLeaf() {
		return KindLeaf
	}
	return KindBranch
}

func (b *Blob) Encode() []byte { return encodeBlob(b) }

func (b *Blob) Children() []ID {
	ids := make([]ID, 0, len(b.Parts))
	for _, c := range b.Parts {
		ids = append(ids, c.Child)
	}
	return ids
}

// ModuleKind classifies a File as an importable module, distinguishing
// plain data files from ones the checkin importer should scan for
// import statements.
type ModuleKind string

const (
	ModuleNone ModuleKind = ""
	ModuleJS   ModuleKind = "js"
	ModuleTS   ModuleKind = "ts"
)

// File is a blob of content plus executable bit and an insertion-ordered
// map of import specifier to resolved dependency.
type File struct {
	Contents     ID
	Executable   bool
	Dependencies []FileDependency
	Module       ModuleKind
}

// FileDependency is one entry of File.Dependencies: the import specifier
// string as written in source, paired with how it resolved.
type FileDependency struct {
	Reference string
	Item      Reference
}

func (f *File) Kind() Kind { return KindFile }
func (f *File) Encode() []byte { return encodeFile(f) }
func (f *File) Children() []ID {
	ids := []ID{f.Contents}
	for _, d := range f.Dependencies {
		ids = append(ids, d.Item.Item)
	}
	return ids
}

// Symlink points to an artifact, a literal path, or both.
type Symlink struct {
	Artifact ID // empty if absent
	Path     string
}

func (s *Symlink) Kind() Kind { return KindSymlink }
func (s *Symlink) Encode() []byte { return encodeSymlink(s) }
func (s *Symlink) Children() []ID {
	if s.Artifact == "" {
		return nil
	}
	return []ID{s.Artifact}
}

// DirectoryEntry names one child of a leaf directory.
type DirectoryEntry struct {
	Name     string
	Artifact ID
}

// BranchEntry is one B-tree-style fan-out entry of a branch directory:
// the exclusive upper bound on names routed to Child.
type BranchEntry struct {
	UpperBound string
	Child      ID
}

// Directory is either a leaf (ordered map name -> artifact) or a branch
// (sorted list of {upper-bound, child-directory}), the latter kicking in
// above MaxLeafEntries.
type Directory struct {
	Entries  []DirectoryEntry // leaf form; nil for a branch
	Branches []BranchEntry    // branch form; nil for a leaf
}

func (d *Directory) IsLeaf() bool { return d.Branches == nil }

func (d *Directory) Kind() Kind { return KindDirectory }
func (d *Directory) Encode() []byte { return encodeDirectory(d) }
func (d *Directory) Children() []ID {
	if d.IsLeaf() {
		ids := make([]ID, 0, len(d.Entries))
		for _, e := range d.Entries {
			ids = append(ids, e.Artifact)
		}
		return ids
	}
	ids := make([]ID, 0, len(d.Branches))
	for _, b := range d.Branches {
		ids = append(ids, b.Child)
	}
	return ids
}

// NodeVariant discriminates a Graph node's payload kind.
type NodeVariant string

const (
	NodeFile      NodeVariant = "file"
	NodeDirectory NodeVariant = "directory"
	NodeSymlink   NodeVariant = "symlink"
)

// NodeRef is an outgoing reference from a graph node: either external
// (a resolved object id) or internal (an index into the same graph's
// node list). Cycles are expressible only through internal indices.
type NodeRef struct {
	External ID
	Internal int
	IsInternal bool
}

// Node is one tagged-variant entry of a Graph.
type Node struct {
	Variant NodeVariant

	// File fields
	Contents     NodeRef
	Executable   bool
	Dependencies []NodeFileDependency
	Module       ModuleKind

	// Directory fields (leaf form only; graphs never contain branch
	// directories, which only arise from the store's own fan-out)
	Entries []NodeDirectoryEntry

	// Symlink fields
	SymlinkArtifact NodeRef
	HasSymlinkArtifact bool
	SymlinkPath     string
}

type NodeFileDependency struct {
	Reference string
	Item      NodeRef
	Options   ReferenceOptions
}

type NodeDirectoryEntry struct {
	Name string
	Ref  NodeRef
}

// Graph is a flat, declaration-ordered list of nodes whose outgoing
// references may loop back into the same list, the only place cycles
// are permitted to live.
type Graph struct {
	Nodes []Node
}

func (g *Graph) Kind() Kind { return KindGraph }
func (g *Graph) Encode() []byte { return encodeGraph(g) }
func (g *Graph) Children() []ID {
	var ids []ID
	for _, n := range g.Nodes {
		for _, ref := range n.externalRefs() {
			ids = append(ids, ref)
		}
	}
	return ids
}

func (n *Node) externalRefs() []ID {
	var out []ID
	add := func(r NodeRef) {
		if !r.IsInternal && r.External != "" {
			out = append(out, r.External)
		}
	}
	switch n.Variant {
	case NodeFile:
		add(n.Contents)
		for _, d := range n.Dependencies {
			add(d.Item)
		}
	case NodeDirectory:
		for _, e := range n.Entries {
			add(e.Ref)
		}
	case NodeSymlink:
		if n.HasSymlinkArtifact {
			add(n.SymlinkArtifact)
		}
	}
	return out
}

// ArtifactKind distinguishes the three materializable object kinds.
type ArtifactKind string

const (
	ArtifactFile      ArtifactKind = "file"
	ArtifactDirectory ArtifactKind = "directory"
	ArtifactSymlink   ArtifactKind = "symlink"
)

// Artifact is either stored directly, or as a selection of one node of a
// Graph object. Its identity in the latter case is a pure function of
// the graph's id and the selected index, never of a separate body.
type Artifact struct {
	Direct Object // nil if graph-backed

	Graph ID
	Index int
	ArtifactKind ArtifactKind
}

func (a *Artifact) IsGraphBacked() bool { return a.Direct == nil }
