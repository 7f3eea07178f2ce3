package object

import "fmt"

// Fingerprint computes the content id of a direct object: the id is a
// pure function of the canonical encoding.
func Fingerprint(obj Object) ID {
	return NewID(obj.Kind(), obj.Encode())
}

// ArtifactID returns the identity of an artifact: for a direct artifact,
// its fingerprint; for a graph-backed artifact, a derived id naming the
// graph id and index directly, never a separately fingerprinted body.
func (a *Artifact) ArtifactID() ID {
	if !a.IsGraphBacked() {
		return Fingerprint(a.Direct)
	}
	return GraphNodeID(a.Graph, a.Index)
}

// GraphNodeID deterministically names the artifact at index idx inside
// graph gid, without requiring the node's value to be re-encoded.
func GraphNodeID(gid ID, idx int) ID {
	return ID(fmt.Sprintf("%s:%d", gid, idx))
}

// HasCycle reports whether the direct object graph rooted at root
// contains a cycle, given a resolver from id to object for already-known
// objects. Direct (non-graph) artifacts must never participate in a
// cycle; this is the check run before a value is canonicalized and
// stored directly.
func HasCycle(root ID, resolve func(ID) (Object, bool)) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[ID]int)
	var visit func(id ID) bool
	visit = func(id ID) bool {
		switch color[id] {
		case gray:
			return true
		case black:
			return false
		}
		color[id] = gray
		obj, ok := resolve(id)
		if ok {
			for _, child := range obj.Children() {
				if visit(child) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	return visit(root)
}
