package object

import (
	"encoding/binary"
	"fmt"
)

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) tag() (Kind, error) {
	b, err := d.bytes()
	if err != nil {
		return "", err
	}
	return Kind(b), nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if d.pos+int(n) > len(d.buf) {
		return nil, fmt.Errorf("object: truncated encoding")
	}
	out := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return out, nil
}

func (d *decoder) str() (string, error) {
	b, err := d.bytes()
	return string(b), err
}

func (d *decoder) id() (ID, error) {
	s, err := d.str()
	return ID(s), err
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("object: invalid varint")
	}
	d.pos += n
	return v, nil
}

func (d *decoder) bool() (bool, error) {
	if d.pos >= len(d.buf) {
		return false, fmt.Errorf("object: truncated bool")
	}
	v := d.buf[d.pos] != 0
	d.pos++
	return v, nil
}

func decodeReferenceOptions(d *decoder) (ReferenceOptions, error) {
	var o ReferenceOptions
	id, err := d.id()
	if err != nil {
		return o, err
	}
	tag, err := d.str()
	if err != nil {
		return o, err
	}
	path, err := d.str()
	if err != nil {
		return o, err
	}
	o.ID, o.Tag, o.Path = id, tag, path
	return o, nil
}

func decodeNodeRef(d *decoder) (NodeRef, error) {
	internal, err := d.bool()
	if err != nil {
		return NodeRef{}, err
	}
	if internal {
		idx, err := d.uvarint()
		if err != nil {
			return NodeRef{}, err
		}
		return NodeRef{IsInternal: true, Internal: int(idx)}, nil
	}
	id, err := d.id()
	if err != nil {
		return NodeRef{}, err
	}
	return NodeRef{External: id}, nil
}

// Decode parses the canonical encoding of an object, dispatching on its
// leading kind tag.
func Decode(b []byte) (Object, error) {
	d := &decoder{buf: b}
	kind, err := d.tag()
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindLeaf:
		size, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		return &Blob{LeafSize: size}, nil
	case KindBranch:
		n, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		blob := &Blob{Parts: make([]BlobChild, 0, n)}
		for i := uint64(0); i < n; i++ {
			id, err := d.id()
			if err != nil {
				return nil, err
			}
			size, err := d.uvarint()
			if err != nil {
				return nil, err
			}
			blob.Parts = append(blob.Parts, BlobChild{Child: id, Size: size})
		}
		return blob, nil
	case KindFile:
		contents, err := d.id()
		if err != nil {
			return nil, err
		}
		exec, err := d.bool()
		if err != nil {
			return nil, err
		}
		n, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		f := &File{Contents: contents, Executable: exec, Dependencies: make([]FileDependency, 0, n)}
		for i := uint64(0); i < n; i++ {
			ref, err := d.str()
			if err != nil {
				return nil, err
			}
			item, err := d.id()
			if err != nil {
				return nil, err
			}
			opts, err := decodeReferenceOptions(d)
			if err != nil {
				return nil, err
			}
			f.Dependencies = append(f.Dependencies, FileDependency{
				Reference: ref,
				Item:      Reference{Item: item, Options: opts},
			})
		}
		mod, err := d.str()
		if err != nil {
			return nil, err
		}
		f.Module = ModuleKind(mod)
		return f, nil
	case KindSymlink:
		artifact, err := d.id()
		if err != nil {
			return nil, err
		}
		path, err := d.str()
		if err != nil {
			return nil, err
		}
		return &Symlink{Artifact: artifact, Path: path}, nil
	case KindDirectory:
		isLeaf, err := d.bool()
		if err != nil {
			return nil, err
		}
		n, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		if isLeaf {
			dir := &Directory{Entries: make([]DirectoryEntry, 0, n)}
			for i := uint64(0); i < n; i++ {
				name, err := d.str()
				if err != nil {
					return nil, err
				}
				artifact, err := d.id()
				if err != nil {
					return nil, err
				}
				dir.Entries = append(dir.Entries, DirectoryEntry{Name: name, Artifact: artifact})
			}
			return dir, nil
		}
		dir := &Directory{Branches: make([]BranchEntry, 0, n)}
		for i := uint64(0); i < n; i++ {
			upper, err := d.str()
			if err != nil {
				return nil, err
			}
			child, err := d.id()
			if err != nil {
				return nil, err
			}
			dir.Branches = append(dir.Branches, BranchEntry{UpperBound: upper, Child: child})
		}
		return dir, nil
	case KindGraph:
		n, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		g := &Graph{Nodes: make([]Node, 0, n)}
		for i := uint64(0); i < n; i++ {
			variant, err := d.str()
			if err != nil {
				return nil, err
			}
			node := Node{Variant: NodeVariant(variant)}
			switch node.Variant {
			case NodeFile:
				ref, err := decodeNodeRef(d)
				if err != nil {
					return nil, err
				}
				node.Contents = ref
				exec, err := d.bool()
				if err != nil {
					return nil, err
				}
				node.Executable = exec
				dn, err := d.uvarint()
				if err != nil {
					return nil, err
				}
				for j := uint64(0); j < dn; j++ {
					refStr, err := d.str()
					if err != nil {
						return nil, err
					}
					item, err := decodeNodeRef(d)
					if err != nil {
						return nil, err
					}
					opts, err := decodeReferenceOptions(d)
					if err != nil {
						return nil, err
					}
					node.Dependencies = append(node.Dependencies, NodeFileDependency{
						Reference: refStr, Item: item, Options: opts,
					})
				}
				mod, err := d.str()
				if err != nil {
					return nil, err
				}
				node.Module = ModuleKind(mod)
			case NodeDirectory:
				en, err := d.uvarint()
				if err != nil {
					return nil, err
				}
				for j := uint64(0); j < en; j++ {
					name, err := d.str()
					if err != nil {
						return nil, err
					}
					ref, err := decodeNodeRef(d)
					if err != nil {
						return nil, err
					}
					node.Entries = append(node.Entries, NodeDirectoryEntry{Name: name, Ref: ref})
				}
			case NodeSymlink:
				has, err := d.bool()
				if err != nil {
					return nil, err
				}
				node.HasSymlinkArtifact = has
				if has {
					ref, err := decodeNodeRef(d)
					if err != nil {
						return nil, err
					}
					node.SymlinkArtifact = ref
				}
				path, err := d.str()
				if err != nil {
					return nil, err
				}
				node.SymlinkPath = path
			}
			g.Nodes = append(g.Nodes, node)
		}
		return g, nil
	default:
		return nil, fmt.Errorf("object: unknown kind tag %q", kind)
	}
}

// ChildrenOf decodes the full canonical encoding with Decode and returns
// only the decoded object's outgoing reference ids.
func ChildrenOf(b []byte) ([]ID, error) {
	obj, err := Decode(b)
	if err != nil {
		return nil, err
	}
	return obj.Children(), nil
}
