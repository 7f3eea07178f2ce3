// Package process implements the process engine: spawn,
// schedule, heartbeat, cache, wait on, and cancel sandboxed commands,
// with parent/child accounting and live-graph cycle detection.
package process

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/tangramdotdev/tangram/internal/object"
)

// Command is the deterministic description of what to run.
// The sandbox that actually executes it is an out-of-scope external
// collaborator: this package only needs the command's
// fingerprint and its fields as data.
type Command struct {
	Host       string
	Executable string
	Args       []string
	Env        map[string]string
	Mounts     []Mount
	Checksum   string // empty if the process is not checksum-pinned
	Network    bool
	Stdin      string
}

type Mount struct {
	Source      string
	Target      string
	ReadOnly    bool
}

// Fingerprint computes the command's content id, the key the engine's
// cache lookup is keyed on.
func (c *Command) Fingerprint() object.ID {
	return object.NewID(object.KindCommand, c.encode())
}

// Encode returns the same canonical bytes Fingerprint hashes, exported
// so callers (the frontend's spawn handler) can store the command under
// its own fingerprint in the object store.
func (c *Command) Encode() []byte {
	return c.encode()
}

func (c *Command) encode() []byte {
	var buf []byte
	putStr := func(s string) {
		var tmp [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(tmp[:], uint64(len(s)))
		buf = append(buf, tmp[:n]...)
		buf = append(buf, s...)
	}
	putBool := func(b bool) {
		if b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}

	putStr(c.Host)
	putStr(c.Executable)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(c.Args)))
	buf = append(buf, tmp[:n]...)
	for _, a := range c.Args {
		putStr(a)
	}

	// Env is a map: canonicalize by sorting keys, matching the object
	// store's rule that map-keyed fields use a deterministic order.
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	n = binary.PutUvarint(tmp[:], uint64(len(keys)))
	buf = append(buf, tmp[:n]...)
	for _, k := range keys {
		putStr(k)
		putStr(c.Env[k])
	}

	n = binary.PutUvarint(tmp[:], uint64(len(c.Mounts)))
	buf = append(buf, tmp[:n]...)
	for _, m := range c.Mounts {
		putStr(m.Source)
		putStr(m.Target)
		putBool(m.ReadOnly)
	}

	putStr(c.Checksum)
	putBool(c.Network)
	putStr(c.Stdin)
	return buf
}

// DecodeCommand is encode's inverse, letting a command be round-tripped
// through the object store: the frontend stores the encoding returned
// by a spawn request's command under its own fingerprint,
// and a CommandLoader backed by the store calls this to turn the bytes
// back into a Command before handing it to an Executor.
func DecodeCommand(buf []byte) (*Command, error) {
	d := &cmdDecoder{buf: buf}
	c := &Command{}
	c.Host = d.str()
	c.Executable = d.str()

	nargs := d.uvarint()
	c.Args = make([]string, nargs)
	for i := range c.Args {
		c.Args[i] = d.str()
	}

	nenv := d.uvarint()
	if nenv > 0 {
		c.Env = make(map[string]string, nenv)
	}
	for i := uint64(0); i < nenv; i++ {
		k := d.str()
		v := d.str()
		c.Env[k] = v
	}

	nmounts := d.uvarint()
	c.Mounts = make([]Mount, nmounts)
	for i := range c.Mounts {
		c.Mounts[i] = Mount{Source: d.str(), Target: d.str(), ReadOnly: d.boolean()}
	}

	c.Checksum = d.str()
	c.Network = d.boolean()
	c.Stdin = d.str()

	if d.err != nil {
		return nil, d.err
	}
	return c, nil
}

// cmdDecoder mirrors encode's varint/length-prefixed layout; the first
// error encountered is sticky so callers only need one check at the end.
type cmdDecoder struct {
	buf []byte
	pos int
	err error
}

func (d *cmdDecoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *cmdDecoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		d.fail(fmt.Errorf("process: invalid varint in command encoding"))
		return 0
	}
	d.pos += n
	return v
}

func (d *cmdDecoder) str() string {
	if d.err != nil {
		return ""
	}
	n := d.uvarint()
	if d.err != nil {
		return ""
	}
	if d.pos+int(n) > len(d.buf) {
		d.fail(fmt.Errorf("process: truncated command encoding"))
		return ""
	}
	s := string(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s
}

func (d *cmdDecoder) boolean() bool {
	if d.err != nil {
		return false
	}
	if d.pos >= len(d.buf) {
		d.fail(fmt.Errorf("process: truncated command encoding"))
		return false
	}
	v := d.buf[d.pos] != 0
	d.pos++
	return v
}
