// Package object implements Tangram's content-addressed object model:
// blobs, files, directories, symlinks, and graphs, plus the canonical
// encoding and fingerprinting that give every object its identity.
package object

import (
	"fmt"
	"strings"

	"github.com/multiformats/go-base32"
	"lukechampine.com/blake3"
)

// Kind is the type tag embedded in every identifier and in the canonical
// encoding of every object.
type Kind string

const (
	KindLeaf      Kind = "lef"
	KindBranch    Kind = "brn"
	KindFile      Kind = "fil"
	KindDirectory Kind = "dir"
	KindSymlink   Kind = "sym"
	KindGraph     Kind = "gph"
	KindCommand   Kind = "cmd"
	KindProcess   Kind = "pcs"
)

// ID is a typed identifier of the form "<kind>_<encoded-bytes>".
type ID string

// NewID computes the fingerprint of body under kind: BLAKE3 of the bytes,
// base-32-crockford encoded, prefixed by the kind tag.
func NewID(kind Kind, body []byte) ID {
	sum := blake3.Sum256(body)
	enc := strings.ToLower(base32.NewEncoding(crockfordAlphabet).WithPadding(base32.NoPadding).EncodeToString(sum[:]))
	return ID(fmt.Sprintf("%s_%s", kind, enc))
}

// Verify reports whether id is the correct fingerprint of body.
func Verify(id ID, kind Kind, body []byte) bool {
	return id == NewID(kind, body)
}

// Kind returns the kind tag encoded in id, or "" if id is malformed.
func (id ID) Kind() Kind {
	s := string(id)
	i := strings.IndexByte(s, '_')
	if i < 0 {
		return ""
	}
	return Kind(s[:i])
}

func (id ID) String() string { return string(id) }

// crockfordAlphabet is Crockford's base32 alphabet (no I, L, O, U to avoid
// visual ambiguity), the textual form used by every identifier.
const crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
