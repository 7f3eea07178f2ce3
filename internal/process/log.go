package process

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tangramdotdev/tangram/internal/terror"
)

// LogStore holds the raw, possibly-still-growing output of running
// processes on disk under the `logs/` directory, keyed by
// process id. It exists separately from the content-addressed object
// store because a process's log is mutable while the process runs and
// only gets a stable content address once the executor stores the
// finished output as a blob.
type LogStore struct {
	dir string
}

func NewLogStore(dir string) *LogStore { return &LogStore{dir: dir} }

func (s *LogStore) path(id string) string { return filepath.Join(s.dir, id+".log") }

// Create opens id's log file for writing, truncating any prior attempt
// (a retried process gets a fresh id, so this never clobbers history).
func (s *LogStore) Create(id string) (io.WriteCloser, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, terror.Wrap(terror.IO, "failed to create log directory", err)
	}
	f, err := os.Create(s.path(id))
	if err != nil {
		return nil, terror.Wrap(terror.IO, fmt.Sprintf("failed to create log file for process %s", id), err)
	}
	return f, nil
}

// Read implements the `GET /processes/:id/log?position=&length=`
// semantics: a non-negative position reads length bytes forward from
// that offset; a negative position reads the trailing |position| bytes
// of the log (a "tail"), clipped to length when length is positive.
func (s *LogStore) Read(id string, position, length int64) ([]byte, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, terror.New(terror.NotFound, fmt.Sprintf("no log recorded for process %s", id))
		}
		return nil, terror.Wrap(terror.IO, "failed to open log file", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, terror.Wrap(terror.IO, "failed to stat log file", err)
	}
	size := info.Size()

	var offset int64
	switch {
	case position >= 0:
		offset = position
	default:
		offset = size + position // position is negative: tail
		if offset < 0 {
			offset = 0
		}
	}
	if offset >= size {
		return []byte{}, nil
	}

	remaining := size - offset
	if length > 0 && length < remaining {
		remaining = length
	}
	buf := make([]byte, remaining)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, terror.Wrap(terror.IO, "failed to read log file", err)
	}
	return buf, nil
}

// Remove deletes id's on-disk log, used once its bytes are folded into
// the object store and the mutable copy is no longer needed, or during
// cleanup of a cancelled process that never produced output.
func (s *LogStore) Remove(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return terror.Wrap(terror.IO, "failed to remove log file", err)
	}
	return nil
}
