package object

import (
	"encoding/binary"
	"sort"
)

// Canonical encoding: a tagged, length-prefixed binary
// format with explicit field order and explicit map-key ordering
// (insertion order for file dependencies, lexicographic for directory
// entries). Two semantically equal objects always produce identical
// bytes; this is what makes fingerprinting well-defined.
//
// Every object's encoding begins with its kind tag so bytes can be
// dispatched without external context.

type encoder struct {
	buf []byte
}

func (e *encoder) tag(k Kind) { e.bytes([]byte(k)) }

func (e *encoder) bytes(b []byte) {
	e.uvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) str(s string) { e.bytes([]byte(s)) }

func (e *encoder) id(id ID) { e.str(string(id)) }

func (e *encoder) uvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	e.buf = append(e.buf, tmp[:n]...)
}

func (e *encoder) bool(b bool) {
	if b {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func encodeBlob(b *Blob) []byte {
	e := &encoder{}
	if b.IsLeaf() {
		e.tag(KindLeaf)
		e.uvarint(b.LeafSize)
		return e.buf
	}
	e.tag(KindBranch)
	e.uvarint(uint64(len(b.Parts)))
	for _, c := range b.Parts {
		e.id(c.Child)
		e.uvarint(c.Size)
	}
	return e.buf
}

func encodeReferenceOptions(e *encoder, o ReferenceOptions) {
	e.id(o.ID)
	e.str(o.Tag)
	e.str(o.Path)
}

func encodeFile(f *File) []byte {
	e := &encoder{}
	e.tag(KindFile)
	e.id(f.Contents)
	e.bool(f.Executable)
	// Dependencies keep insertion order: they are keyed by import
	// specifier as written in source, not sorted.
	e.uvarint(uint64(len(f.Dependencies)))
	for _, d := range f.Dependencies {
		e.str(d.Reference)
		e.id(d.Item.Item)
		encodeReferenceOptions(e, d.Item.Options)
	}
	e.str(string(f.Module))
	return e.buf
}

func encodeSymlink(s *Symlink) []byte {
	e := &encoder{}
	e.tag(KindSymlink)
	e.id(s.Artifact)
	e.str(s.Path)
	return e.buf
}

func encodeDirectory(d *Directory) []byte {
	e := &encoder{}
	e.tag(KindDirectory)
	if d.IsLeaf() {
		e.bool(true)
		entries := append([]DirectoryEntry(nil), d.Entries...)
		// Directory entries sort lexicographically by name, unlike
		// file dependencies.
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		e.uvarint(uint64(len(entries)))
		for _, ent := range entries {
			e.str(ent.Name)
			e.id(ent.Artifact)
		}
		return e.buf
	}
	e.bool(false)
	e.uvarint(uint64(len(d.Branches)))
	for _, br := range d.Branches {
		e.str(br.UpperBound)
		e.id(br.Child)
	}
	return e.buf
}

func encodeNodeRef(e *encoder, r NodeRef) {
	e.bool(r.IsInternal)
	if r.IsInternal {
		e.uvarint(uint64(r.Internal))
	} else {
		e.id(r.External)
	}
}

func encodeGraph(g *Graph) []byte {
	e := &encoder{}
	e.tag(KindGraph)
	e.uvarint(uint64(len(g.Nodes)))
	for _, n := range g.Nodes {
		e.str(string(n.Variant))
		switch n.Variant {
		case NodeFile:
			encodeNodeRef(e, n.Contents)
			e.bool(n.Executable)
			e.uvarint(uint64(len(n.Dependencies)))
			for _, d := range n.Dependencies {
				e.str(d.Reference)
				encodeNodeRef(e, d.Item)
				encodeReferenceOptions(e, d.Options)
			}
			e.str(string(n.Module))
		case NodeDirectory:
			entries := append([]NodeDirectoryEntry(nil), n.Entries...)
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
			e.uvarint(uint64(len(entries)))
			for _, ent := range entries {
				e.str(ent.Name)
				encodeNodeRef(e, ent.Ref)
			}
		case NodeSymlink:
			e.bool(n.HasSymlinkArtifact)
			if n.HasSymlinkArtifact {
				encodeNodeRef(e, n.SymlinkArtifact)
			}
			e.str(n.SymlinkPath)
		}
	}
	return e.buf
}
