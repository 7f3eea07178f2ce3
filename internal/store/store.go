// Package store implements the content-addressed object store: a
// put/get/children/exists surface over the on-disk blob pool and the
// database's objects table.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tangramdotdev/tangram/internal/object"
	"github.com/tangramdotdev/tangram/internal/terror"
)

// Store is the object store contract.
type Store interface {
	Put(ctx context.Context, kind object.Kind, body []byte) (object.ID, error)
	Get(ctx context.Context, id object.ID) ([]byte, error)
	Children(ctx context.Context, id object.ID) ([]object.ID, error)
	Exists(ctx context.Context, id object.ID) (bool, error)
}

// DiskStore stores object bytes under dataDir/blobs, sharded by the
// first two characters of the id's encoded body, and records node
// metadata in the database's objects/object_children tables for the
// indexer to consume.
type DiskStore struct {
	dataDir string
	db      *sql.DB

	// hot is a bounded LRU of recently-touched ids, avoiding a stat
	// syscall for Exists on objects just written or read.
	hot *lru.Cache[object.ID, struct{}]

	now func() int64
}

// New opens a DiskStore rooted at dataDir, which must already contain
// (or be able to create) a "blobs" subdirectory.
func New(dataDir string, sqlDB *sql.DB, now func() int64) (*DiskStore, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "blobs"), 0o755); err != nil {
		return nil, terror.Wrap(terror.IO, "failed to create blob directory", err)
	}
	hot, err := lru.New[object.ID, struct{}](4096)
	if err != nil {
		return nil, terror.Wrap(terror.Internal, "failed to create hot-object cache", err)
	}
	return &DiskStore{dataDir: dataDir, db: sqlDB, hot: hot, now: now}, nil
}

func (s *DiskStore) path(id object.ID) string {
	str := string(id)
	body := str
	if i := strings.IndexByte(str, '_'); i >= 0 {
		body = str[i+1:]
	}
	shard := body
	if len(body) >= 2 {
		shard = body[:2]
	}
	return filepath.Join(s.dataDir, "blobs", shard, str)
}

// Put verifies id matches the fingerprint of body, writes it durably if
// absent, enqueues an index-object event, and returns the id. Put is
// idempotent: a second put of the same id is a no-op beyond touching
// its row.
func (s *DiskStore) Put(ctx context.Context, kind object.Kind, body []byte) (object.ID, error) {
	id := object.NewID(kind, body)
	return id, s.putWithID(ctx, id, kind, body)
}

// PutWithID is Put's counterpart for callers (e.g. remote push, graph
// materialization) that already hold the expected id and want
// invalid_id enforced explicitly.
func (s *DiskStore) PutWithID(ctx context.Context, id object.ID, kind object.Kind, body []byte) error {
	if !object.Verify(id, kind, body) {
		return terror.New(terror.InvalidID, fmt.Sprintf("id %s does not match the fingerprint of its body", id))
	}
	return s.putWithID(ctx, id, kind, body)
}

func (s *DiskStore) putWithID(ctx context.Context, id object.ID, kind object.Kind, body []byte) error {
	p := s.path(id)
	if _, ok := s.hot.Get(id); !ok {
		if _, err := os.Stat(p); err == nil {
			s.hot.Add(id, struct{}{})
		} else {
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return terror.Wrap(terror.IO, "failed to create blob shard directory", err)
			}
			// Write-then-rename keeps concurrent puts of the same id
			// convergent: the store never rewrites bytes for an
			// existing id.
			tmp := p + fmt.Sprintf(".tmp-%d", s.now())
			if err := os.WriteFile(tmp, body, 0o644); err != nil {
				return terror.Wrap(terror.IO, "failed to write blob", err)
			}
			if err := os.Rename(tmp, p); err != nil && !os.IsExist(err) {
				_ = os.Remove(tmp)
				if _, statErr := os.Stat(p); statErr != nil {
					return terror.Wrap(terror.IO, "failed to finalize blob", err)
				}
			}
			s.hot.Add(id, struct{}{})
		}
	}

	children, err := childrenOf(kind, body)
	if err != nil {
		return terror.Wrap(terror.Internal, "failed to parse canonical encoding", err)
	}
	return s.recordObjectRow(ctx, id, kind, len(body), children)
}

// childrenOf extracts the outgoing references of a stored body. Leaf
// blobs hold raw content bytes and commands use their own encoding;
// neither references other objects, so neither is parsed.
func childrenOf(kind object.Kind, body []byte) ([]object.ID, error) {
	if kind == object.KindLeaf || kind == object.KindCommand {
		return nil, nil
	}
	return object.ChildrenOf(body)
}

func (s *DiskStore) recordObjectRow(ctx context.Context, id object.ID, kind object.Kind, nodeSize int, children []object.ID) error {
	now := s.now()
	// A parent may have been put before this object existed, so the row
	// starts with a reference count equal to the edges already pointing
	// at it; every later edge increments it as it is created.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (id, kind, node_size, reference_count, touched_at, transaction_id)
		VALUES (?, ?, ?, (SELECT COUNT(*) FROM object_children WHERE child = ?),
		        ?, (SELECT COALESCE(MAX(transaction_id), 0) + 1 FROM objects))
		ON CONFLICT (id) DO UPDATE SET touched_at = excluded.touched_at
	`, string(id), string(kind), nodeSize, string(id), now)
	if err != nil {
		return terror.Wrap(terror.IO, "failed to record object row", err)
	}
	for i, child := range children {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO object_children (parent, position, child) VALUES (?, ?, ?)
			ON CONFLICT (parent, position) DO NOTHING
		`, string(id), i, string(child))
		if err != nil {
			return terror.Wrap(terror.IO, "failed to record object child edge", err)
		}
		// Only a newly created edge retains the child; a re-put of the
		// same id hits the conflict arm and must not double count.
		if n, _ := res.RowsAffected(); n > 0 {
			if _, err := s.db.ExecContext(ctx, `
				UPDATE objects SET reference_count = reference_count + 1 WHERE id = ?
			`, string(child)); err != nil {
				return terror.Wrap(terror.IO, "failed to retain object child", err)
			}
		}
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO index_queue (kind, target_id, transaction_id)
		VALUES ('object', ?, (SELECT transaction_id FROM objects WHERE id = ?))
	`, string(id), string(id)); err != nil {
		return terror.Wrap(terror.IO, "failed to enqueue index event", err)
	}
	return nil
}

// Get returns the exact bytes stored for id.
func (s *DiskStore) Get(ctx context.Context, id object.ID) ([]byte, error) {
	body, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, terror.New(terror.NotFound, fmt.Sprintf("object %s not found", id))
		}
		return nil, terror.Wrap(terror.IO, "failed to read blob", err)
	}
	return body, nil
}

// Children returns id's outgoing references from its recorded
// object_children edges, falling back to decoding the stored body when
// no edges are recorded. The fallback decodes the full object.
func (s *DiskStore) Children(ctx context.Context, id object.ID) ([]object.ID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT child FROM object_children WHERE parent = ? ORDER BY position`, string(id))
	if err == nil {
		defer rows.Close()
		var out []object.ID
		for rows.Next() {
			var child string
			if err := rows.Scan(&child); err != nil {
				return nil, terror.Wrap(terror.IO, "failed to scan child row", err)
			}
			out = append(out, object.ID(child))
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	body, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return childrenOf(id.Kind(), body)
}

// Exists is the existence probe.
func (s *DiskStore) Exists(ctx context.Context, id object.ID) (bool, error) {
	if _, ok := s.hot.Get(id); ok {
		return true, nil
	}
	if _, err := os.Stat(s.path(id)); err == nil {
		s.hot.Add(id, struct{}{})
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, terror.Wrap(terror.IO, "failed to stat blob", err)
	}
	return false, nil
}
