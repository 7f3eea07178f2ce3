// Package tagcache implements the tag tree and remote mirror: a
// hierarchical namespace of slash-delimited components, cached lazily
// from configured remotes with TTL-based refresh, stale-child
// pruning, and post-GC cleanup.
package tagcache

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/tangramdotdev/tangram/internal/terror"
)

// Entry is what get returns: either a bound leaf item or a branch's set
// of child component names.
type Entry struct {
	Tag      string
	Item     string   // set for a leaf
	Children []string // set for a branch
}

func (e Entry) IsLeaf() bool { return e.Item != "" }

// Remote is the remote-mirror collaborator a Cache consults on a local
// miss or TTL expiry. The wire client in internal/remote implements
// this over the HTTP tag endpoints.
type Remote interface {
	Name() string
	GetTag(ctx context.Context, tag string) (Entry, bool, error)
	CacheTTL() int64
}

// Cache owns the tags table and the remote lookup chain.
type Cache struct {
	db      *sql.DB
	remotes []Remote
	now     func() int64
}

func New(sqlDB *sql.DB, now func() int64, remotes []Remote) *Cache {
	return &Cache{db: sqlDB, remotes: remotes, now: now}
}

// Get resolves pattern, a slash-delimited tag path whose last
// component may carry a semver constraint, against the local cache
// first and the configured remotes in order on a miss or stale entry. ttl of -1 means "no explicit ttl" (use whatever is
// locally present, however old); ttl of 0 always forces a refresh.
func (c *Cache) Get(ctx context.Context, pattern string, ttl int64) (Entry, error) {
	branch, constraint, hasConstraint := splitConstraint(pattern)
	if !hasConstraint {
		return c.resolveExact(ctx, pattern, ttl)
	}

	branchEntry, err := c.resolveExact(ctx, branch, ttl)
	if err != nil {
		return Entry{}, err
	}
	if branchEntry.IsLeaf() {
		return Entry{}, terror.New(terror.NotFound, fmt.Sprintf("tag %q is a leaf, not a version branch", branch))
	}
	best, err := selectVersion(branchEntry.Children, constraint)
	if err != nil {
		return Entry{}, err
	}
	return c.resolveExact(ctx, branch+"/"+best, ttl)
}

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
	if _, verErr := semver.NewVersion(last); verErr == nil && strings.ContainsAny(last, ".") {
		// an exact version component is not a constraint: it already
		// names a single child, so fall through to exact resolution.
		return "", "", false
	}
	return "", "", false
}

func selectVersion(candidates []string, constraint string) (string, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return "", terror.Wrap(terror.Internal, fmt.Sprintf("invalid version constraint %q", constraint), err)
	}
	var best *semver.Version
	var bestRaw string
	for _, cand := range candidates {
		v, err := semver.NewVersion(cand)
		if err != nil {
			continue
		}
		if !c.Check(v) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best, bestRaw = v, cand
		}
	}
	if best == nil {
		return "", terror.New(terror.Unsolved, fmt.Sprintf("no version satisfies constraint %q", constraint))
	}
	return bestRaw, nil
}

// resolveExact implements the lookup protocol for a tag with no version
// constraint to apply.
func (c *Cache) resolveExact(ctx context.Context, tag string, ttl int64) (Entry, error) {
	row, fresh, err := c.lookupLocal(ctx, tag, ttl)
	if err != nil {
		return Entry{}, err
	}
	if fresh {
		return row, nil
	}

	var lastErr error
	for _, remote := range c.remotes {
		entry, ok, err := remote.GetTag(ctx, tag)
		if err != nil {
			lastErr = err
			continue
		}
		if !ok {
			continue
		}
		if err := c.writeRemoteEntry(ctx, tag, entry, remote.Name()); err != nil {
			return Entry{}, err
		}
		return entry, nil
	}
	if row.Tag != "" {
		// a stale cache entry is still better than nothing when every
		// remote failed or none has it anymore.
		return row, nil
	}
	if lastErr != nil {
		return Entry{}, lastErr
	}
	return Entry{}, terror.New(terror.NotFound, fmt.Sprintf("tag %q not found locally or on any remote", tag))
}

func (c *Cache) lookupLocal(ctx context.Context, tag string, ttl int64) (Entry, bool, error) {
	id, item, lastRefreshed, found, err := c.findRow(ctx, tag)
	if err != nil {
		return Entry{}, false, err
	}
	if !found {
		return Entry{}, false, nil
	}
	entry := Entry{Tag: tag}
	if item.Valid {
		entry.Item = item.String
	} else {
		entry.Children, err = c.childNames(ctx, id)
		if err != nil {
			return Entry{}, false, err
		}
	}
	if !lastRefreshed.Valid {
		// a locally-set (non-cached) tag never expires.
		return entry, true, nil
	}
	if ttl < 0 {
		return entry, true, nil
	}
	// Strict less-than: ttl=0 must always force a refresh,
	// even when the cached row was just refreshed this instant.
	fresh := c.now()-lastRefreshed.Int64 < ttl
	return entry, fresh, nil
}

func (c *Cache) findRow(ctx context.Context, tag string) (id int64, item sql.NullString, lastRefreshed sql.NullInt64, found bool, err error) {
	var parentID sql.NullInt64
	for i, comp := range strings.Split(tag, "/") {
		var query string
		var args []any
		if i == 0 {
			query = `SELECT id, item, last_refreshed_at FROM tags WHERE parent_id IS NULL AND component = ?`
			args = []any{comp}
		} else {
			query = `SELECT id, item, last_refreshed_at FROM tags WHERE parent_id = ? AND component = ?`
			args = []any{parentID.Int64, comp}
		}
		var rowID int64
		err := c.db.QueryRowContext(ctx, query, args...).Scan(&rowID, &item, &lastRefreshed)
		if err == sql.ErrNoRows {
			return 0, sql.NullString{}, sql.NullInt64{}, false, nil
		}
		if err != nil {
			return 0, sql.NullString{}, sql.NullInt64{}, false, terror.Wrap(terror.IO, "failed to walk tag tree", err)
		}
		parentID = sql.NullInt64{Int64: rowID, Valid: true}
		id = rowID
	}
	return id, item, lastRefreshed, true, nil
}

func (c *Cache) childNames(ctx context.Context, parentID int64) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT component FROM tags WHERE parent_id = ? ORDER BY component`, parentID)
	if err != nil {
		return nil, terror.Wrap(terror.IO, "failed to list tag children", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var comp string
		if err := rows.Scan(&comp); err != nil {
			return nil, terror.Wrap(terror.IO, "failed to scan tag child", err)
		}
		out = append(out, comp)
	}
	return out, nil
}

// writeRemoteEntry records a freshly-fetched remote entry, pruning any
// locally cached child no longer present and clearing the opposite form
// if the tag flipped between branch and leaf.
func (c *Cache) writeRemoteEntry(ctx context.Context, tag string, entry Entry, remoteName string) error {
	id, oldItem, _, found, err := c.findRow(ctx, tag)
	if err != nil {
		return err
	}
	now := c.now()
	if !found {
		id, err = c.createPath(ctx, tag, remoteName)
		if err != nil {
			return err
		}
	}
	if err := c.releaseChildItems(ctx, id); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM tags WHERE parent_id = ?`, id); err != nil {
		return terror.Wrap(terror.IO, "failed to clear stale tag form", err)
	}
	if entry.IsLeaf() {
		_, err := c.db.ExecContext(ctx, `
			UPDATE tags SET item = ?, last_refreshed_at = ?, remote_name = ? WHERE id = ?
		`, entry.Item, now, remoteName, id)
		if err != nil {
			return terror.Wrap(terror.IO, "failed to write leaf tag", err)
		}
		if oldItem.String != entry.Item {
			if err := c.releaseItem(ctx, oldItem.String); err != nil {
				return err
			}
			if err := c.retainItem(ctx, entry.Item); err != nil {
				return err
			}
		}
		return c.touchAncestors(ctx, tag, now, remoteName)
	}
	if _, err := c.db.ExecContext(ctx, `
		UPDATE tags SET item = NULL, last_refreshed_at = ?, remote_name = ? WHERE id = ?
	`, now, remoteName, id); err != nil {
		return terror.Wrap(terror.IO, "failed to write branch tag", err)
	}
	// A leaf that just flipped to a branch drops its binding.
	if err := c.releaseItem(ctx, oldItem.String); err != nil {
		return err
	}
	sort.Strings(entry.Children)
	for _, child := range entry.Children {
		if _, err := c.db.ExecContext(ctx, `
			INSERT INTO tags (parent_id, component, last_refreshed_at, remote_name) VALUES (?, ?, ?, ?)
		`, id, child, now, remoteName); err != nil {
			return terror.Wrap(terror.IO, "failed to write tag child placeholder", err)
		}
	}
	return c.touchAncestors(ctx, tag, now, remoteName)
}

// touchAncestors stamps every branch row on the path to tag, other than
// tag's own row, as having been touched by this remote resolution. A
// branch created only as a stepping stone while walking toward a
// remote-resolved descendant is itself a cache entry and must expire
// under Clean the same as any other, not linger forever as if it were
// a local tag.
func (c *Cache) touchAncestors(ctx context.Context, tag string, now int64, remoteName string) error {
	components := strings.Split(tag, "/")
	var parentID sql.NullInt64
	for i := 0; i < len(components)-1; i++ {
		var id int64
		var query string
		var args []any
		if parentID.Valid {
			query = `SELECT id FROM tags WHERE parent_id = ? AND component = ?`
			args = []any{parentID.Int64, components[i]}
		} else {
			query = `SELECT id FROM tags WHERE parent_id IS NULL AND component = ?`
			args = []any{components[i]}
		}
		if err := c.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return terror.Wrap(terror.IO, "failed to walk tag ancestors", err)
		}
		if _, err := c.db.ExecContext(ctx, `
			UPDATE tags SET last_refreshed_at = ?, remote_name = ? WHERE id = ? AND last_refreshed_at IS NULL
		`, now, remoteName, id); err != nil {
			return terror.Wrap(terror.IO, "failed to stamp tag ancestor", err)
		}
		parentID = sql.NullInt64{Int64: id, Valid: true}
	}
	return nil
}

func (c *Cache) createPath(ctx context.Context, tag, remoteName string) (int64, error) {
	var parentID sql.NullInt64
	var id int64
	for _, comp := range strings.Split(tag, "/") {
		var existing int64
		var query string
		var args []any
		if parentID.Valid {
			query = `SELECT id FROM tags WHERE parent_id = ? AND component = ?`
			args = []any{parentID.Int64, comp}
		} else {
			query = `SELECT id FROM tags WHERE parent_id IS NULL AND component = ?`
			args = []any{comp}
		}
		err := c.db.QueryRowContext(ctx, query, args...).Scan(&existing)
		if err == nil {
			id = existing
		} else if err == sql.ErrNoRows {
			res, err := c.db.ExecContext(ctx, `
				INSERT INTO tags (parent_id, component, remote_name) VALUES (?, ?, ?)
			`, nullInt(parentID), comp, remoteName)
			if err != nil {
				return 0, terror.Wrap(terror.IO, "failed to create tag branch", err)
			}
			id, err = res.LastInsertId()
			if err != nil {
				return 0, terror.Wrap(terror.IO, "failed to read inserted tag id", err)
			}
		} else {
			return 0, terror.Wrap(terror.IO, "failed to probe tag path", err)
		}
		parentID = sql.NullInt64{Int64: id, Valid: true}
	}
	return id, nil
}

func nullInt(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

// retainItem bumps the reference count of the object a tag binds, so
// the store's cleaner never collects a tagged object. A no-op for items
// with no objects row (e.g. a remote item not yet pulled).
func (c *Cache) retainItem(ctx context.Context, item string) error {
	if item == "" {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, `
		UPDATE objects SET reference_count = reference_count + 1 WHERE id = ?
	`, item); err != nil {
		return terror.Wrap(terror.IO, "failed to retain tagged object", err)
	}
	return nil
}

// releaseItem is retainItem's inverse, run whenever a tag binding is
// deleted or overwritten.
func (c *Cache) releaseItem(ctx context.Context, item string) error {
	if item == "" {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, `
		UPDATE objects SET reference_count = MAX(reference_count - 1, 0) WHERE id = ?
	`, item); err != nil {
		return terror.Wrap(terror.IO, "failed to release tagged object", err)
	}
	return nil
}

// releaseChildItems releases every item bound by a direct child of
// parentID, for the callers about to delete those child rows.
func (c *Cache) releaseChildItems(ctx context.Context, parentID int64) error {
	rows, err := c.db.QueryContext(ctx, `SELECT item FROM tags WHERE parent_id = ? AND item IS NOT NULL`, parentID)
	if err != nil {
		return terror.Wrap(terror.IO, "failed to list child tag items", err)
	}
	var items []string
	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			rows.Close()
			return terror.Wrap(terror.IO, "failed to scan child tag item", err)
		}
		items = append(items, item)
	}
	rows.Close()
	for _, item := range items {
		if err := c.releaseItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// Put writes a local (non-cached) tag binding. An existing tag, local
// or cached, is only overwritten when force is set.
func (c *Cache) Put(ctx context.Context, tag, item string, force bool) error {
	id, oldItem, _, found, err := c.findRow(ctx, tag)
	if err != nil {
		return err
	}
	if found && !force {
		return terror.New(terror.InvalidID, fmt.Sprintf("tag %q already exists; use force to overwrite", tag))
	}
	if !found {
		id, err = c.createPath(ctx, tag, "")
		if err != nil {
			return err
		}
	}
	if err := c.releaseChildItems(ctx, id); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM tags WHERE parent_id = ?`, id); err != nil {
		return terror.Wrap(terror.IO, "failed to clear stale tag form", err)
	}
	_, err = c.db.ExecContext(ctx, `UPDATE tags SET item = ?, last_refreshed_at = NULL, remote_name = NULL WHERE id = ?`, item, id)
	if err != nil {
		return terror.Wrap(terror.IO, "failed to write local tag", err)
	}
	if oldItem.String != item {
		if err := c.releaseItem(ctx, oldItem.String); err != nil {
			return err
		}
		if err := c.retainItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a tag and, if it is a branch, its entire subtree,
// releasing every object the removed bindings retained.
func (c *Cache) Delete(ctx context.Context, tag string) error {
	id, item, _, found, err := c.findRow(ctx, tag)
	if err != nil {
		return err
	}
	if !found {
		return terror.New(terror.NotFound, fmt.Sprintf("tag %q not found", tag))
	}
	if err := c.deleteSubtree(ctx, id); err != nil {
		return err
	}
	if err := c.releaseItem(ctx, item.String); err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `DELETE FROM tags WHERE id = ?`, id)
	if err != nil {
		return terror.Wrap(terror.IO, "failed to delete tag row", err)
	}
	return nil
}

func (c *Cache) deleteSubtree(ctx context.Context, parentID int64) error {
	rows, err := c.db.QueryContext(ctx, `SELECT id, item FROM tags WHERE parent_id = ?`, parentID)
	if err != nil {
		return terror.Wrap(terror.IO, "failed to list tag subtree", err)
	}
	type child struct {
		id   int64
		item sql.NullString
	}
	var children []child
	for rows.Next() {
		var ch child
		if err := rows.Scan(&ch.id, &ch.item); err != nil {
			rows.Close()
			return terror.Wrap(terror.IO, "failed to scan tag subtree row", err)
		}
		children = append(children, ch)
	}
	rows.Close()
	for _, ch := range children {
		if err := c.deleteSubtree(ctx, ch.id); err != nil {
			return err
		}
		if err := c.releaseItem(ctx, ch.item.String); err != nil {
			return err
		}
		if _, err := c.db.ExecContext(ctx, `DELETE FROM tags WHERE id = ?`, ch.id); err != nil {
			return terror.Wrap(terror.IO, "failed to delete tag subtree row", err)
		}
	}
	return nil
}

// Clean is the post-GC cleanup: cache rows older than
// cacheTTL are deleted as leaves, then any branch left childless is
// deleted too, repeating until a pass removes nothing. Local tags
// (last_refreshed_at IS NULL) are never touched.
func (c *Cache) Clean(ctx context.Context, cacheTTL int64) error {
	cutoff := c.now() - cacheTTL
	rows, err := c.db.QueryContext(ctx, `
		SELECT item FROM tags WHERE item IS NOT NULL AND last_refreshed_at IS NOT NULL AND last_refreshed_at < ?
	`, cutoff)
	if err != nil {
		return terror.Wrap(terror.IO, "failed to list expired leaf tags", err)
	}
	var expired []string
	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			rows.Close()
			return terror.Wrap(terror.IO, "failed to scan expired leaf tag", err)
		}
		expired = append(expired, item)
	}
	rows.Close()
	for _, item := range expired {
		if err := c.releaseItem(ctx, item); err != nil {
			return err
		}
	}
	if _, err := c.db.ExecContext(ctx, `
		DELETE FROM tags WHERE item IS NOT NULL AND last_refreshed_at IS NOT NULL AND last_refreshed_at < ?
	`, cutoff); err != nil {
		return terror.Wrap(terror.IO, "failed to delete expired leaf tags", err)
	}
	for {
		res, err := c.db.ExecContext(ctx, `
			DELETE FROM tags
			WHERE item IS NULL
			  AND last_refreshed_at IS NOT NULL
			  AND id NOT IN (SELECT DISTINCT parent_id FROM tags WHERE parent_id IS NOT NULL)
		`)
		if err != nil {
			return terror.Wrap(terror.IO, "failed to delete childless branch tags", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
	}
}
