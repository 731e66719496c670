package graphstore

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/naudhr/tup/internal/cache"
)

func scanNode(row interface {
	Scan(dest ...interface{}) error
}) (Node, error) {
	var n Node
	var mtimeKind int
	if err := row.Scan(&n.ID, &n.ParentID, &n.Name, &n.Type, &mtimeKind,
		&n.Mtime.Sec, &n.Mtime.Nsec, &n.Display, &n.Flags, &n.SrcID); err != nil {
		return Node{}, err
	}
	n.Mtime.Kind = MtimeKind(mtimeKind)
	return n, nil
}

const nodeColumns = `id, parent_id, name, type, mtime_kind, mtime_sec, mtime_nsec, display, flags_str, srcid`

// toEntry converts a Node to the Entry Cache's decoupled mirror struct
// (design §4.2). cache.Entry exists precisely so the Store can write
// through to it without the cache package importing graphstore back.
func toEntry(n Node) cache.Entry {
	return cache.Entry{
		ID: int64(n.ID), ParentID: int64(n.ParentID), Name: n.Name, Type: int(n.Type),
		MtimeKind: int(n.Mtime.Kind), MtimeSec: n.Mtime.Sec, MtimeNsec: n.Mtime.Nsec,
		Display: n.Display, Flags: n.Flags, SrcID: int64(n.SrcID),
	}
}

func fromEntry(e cache.Entry) Node {
	return Node{
		ID: NodeID(e.ID), ParentID: NodeID(e.ParentID), Name: e.Name, Type: NodeType(e.Type),
		Mtime:   Mtime{Kind: MtimeKind(e.MtimeKind), Sec: e.MtimeSec, Nsec: e.MtimeNsec},
		Display: e.Display, Flags: e.Flags, SrcID: NodeID(e.SrcID),
	}
}

// cachePut write-throughs n into the Store's Entry Cache within the
// current transaction (design §4.2: "the cache entry is updated in place
// within the same transaction").
func (t *Txn) cachePut(n Node) {
	t.s.cache.Put(toEntry(n))
}

// GetNode loads a single node by id, consulting the Entry Cache first
// (design §4.1: "a hit returns the cached row; a miss loads it and
// inserts it").
func (t *Txn) GetNode(id NodeID) (Node, error) {
	if ref, ok := t.s.cache.GetByID(int64(id)); ok {
		return fromEntry(ref.Entry), nil
	}
	row := t.tx.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("tup: get node %d: %w", id, err)
	}
	t.cachePut(n)
	return n, nil
}

// FindChild looks up the node, Ghost or live, with the given (parent, name), the
// physical backing for the Path Resolver and for CreateNode's duplicate
// check. Consults the Entry Cache's (parent, name) index first.
func (t *Txn) FindChild(parent NodeID, name string) (Node, bool, error) {
	if ref, ok := t.s.cache.GetByName(int64(parent), name); ok {
		return fromEntry(ref.Entry), true, nil
	}
	row := t.tx.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE parent_id = ? AND name = ?`, parent, name)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, false, nil
	}
	if err != nil {
		return Node{}, false, fmt.Errorf("tup: find child %q of %d: %w", name, parent, err)
	}
	t.cachePut(n)
	return n, true, nil
}

// CreateNode implements design §4.1's create_node: fails with
// ErrDuplicateName if (parent, name) already names a live node; revives a
// Ghost with that name in place (same id, inbound edges preserved, mtime
// reset to invalid) rather than creating a new row.
func (t *Txn) CreateNode(parent NodeID, name string, typ NodeType) (NodeID, error) {
	existing, found, err := t.FindChild(parent, name)
	if err != nil {
		return NoNode, err
	}
	if found {
		if existing.Type != TypeGhost {
			return NoNode, fmt.Errorf("%w: %q under node %d", ErrDuplicateName, name, parent)
		}
		if _, err := t.tx.Exec(
			`UPDATE nodes SET type = ?, mtime_kind = ?, mtime_sec = 0, mtime_nsec = 0 WHERE id = ?`,
			typ, MtimeInvalid, existing.ID); err != nil {
			return NoNode, fmt.Errorf("tup: revive node %d: %w", existing.ID, err)
		}
		revived := existing
		revived.Type = typ
		revived.Mtime = InvalidMtime
		t.cachePut(revived)
		return existing.ID, nil
	}
	res, err := t.tx.Exec(
		`INSERT INTO nodes (parent_id, name, type, mtime_kind) VALUES (?, ?, ?, ?)`,
		parent, name, typ, MtimeInvalid)
	if err != nil {
		return NoNode, fmt.Errorf("tup: create node %q under %d: %w", name, parent, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return NoNode, fmt.Errorf("tup: read new node id: %w", err)
	}
	t.cachePut(Node{ID: NodeID(id), ParentID: parent, Name: name, Type: typ, Mtime: InvalidMtime})
	return NodeID(id), nil
}

// SelectByDir returns every child of a directory node, Ghost children
// included, ordered by name (§4.1 select_by_dir).
func (t *Txn) SelectByDir(parent NodeID) ([]Node, error) {
	rows, err := t.tx.Query(`SELECT `+nodeColumns+` FROM nodes WHERE parent_id = ? ORDER BY name`, parent)
	if err != nil {
		return nil, fmt.Errorf("tup: select children of %d: %w", parent, err)
	}
	defer rows.Close()
	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SelectByGlob implements §4.1 select_by_glob: shell-style glob match on
// children, optionally including directories. When a glob matches both a
// live file and a stale Ghost of the same name, only the live file is
// returned and the Ghost is left flagged transient for the Ghost
// Collector, per design §4.1's tie-break rule.
func (t *Txn) SelectByGlob(parent NodeID, pattern string, inclDirs bool) ([]Node, error) {
	children, err := t.SelectByDir(parent)
	if err != nil {
		return nil, err
	}
	var out []Node
	for _, n := range children {
		if n.Type == TypeGhost {
			if ok, _ := filepath.Match(pattern, n.Name); ok {
				if err := t.Flag(n.ID, FlagTransient); err != nil {
					return nil, err
				}
			}
			continue
		}
		if !inclDirs && (n.Type == TypeDir || n.Type == TypeGeneratedDir) {
			continue
		}
		ok, err := filepath.Match(pattern, n.Name)
		if err != nil {
			return nil, fmt.Errorf("tup: bad glob %q: %w", pattern, err)
		}
		if ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// DeleteNode implements §4.1 delete_node: turns the node into a Ghost if
// any edge still touches it in either direction, otherwise removes it
// outright. A declared input is stored file->command, so a deleted input
// file's only surviving edge has it as the *from* side, not the *to* side.
func (t *Txn) DeleteNode(id NodeID) error {
	n, err := t.GetNode(id)
	if err != nil {
		return err
	}
	refs, err := t.referenceCount(id)
	if err != nil {
		return err
	}
	if refs > 0 {
		_, err := t.tx.Exec(
			`UPDATE nodes SET type = ?, mtime_kind = ?, mtime_sec = 0, mtime_nsec = 0 WHERE id = ?`,
			TypeGhost, MtimeInvalid, id)
		if err != nil {
			return fmt.Errorf("tup: ghost node %d: %w", id, err)
		}
		n.Type = TypeGhost
		n.Mtime = InvalidMtime
		t.cachePut(n)
		return nil
	}
	return t.destroyNode(n)
}

// destroyNode removes the row and everything that references it by id:
// outgoing/incoming links and flag-queue membership. It does not check
// invariants; its caller, DeleteNode (which the Ghost Collector also goes
// through), has already verified it is safe.
func (t *Txn) destroyNode(n Node) error {
	if err := t.DeleteLinks(n.ID); err != nil {
		return err
	}
	if _, err := t.tx.Exec(`DELETE FROM flags WHERE node_id = ?`, n.ID); err != nil {
		return fmt.Errorf("tup: clear flags for node %d: %w", n.ID, err)
	}
	if _, err := t.tx.Exec(`DELETE FROM nodes WHERE id = ?`, n.ID); err != nil {
		return fmt.Errorf("tup: delete node %d: %w", n.ID, err)
	}
	t.s.cache.Evict(int64(n.ID))
	return nil
}

// DeleteDir implements §4.1 delete_dir: recursively ghosts/removes
// contents; force allows non-empty removal.
func (t *Txn) DeleteDir(id NodeID, force bool) error {
	children, err := t.SelectByDir(id)
	if err != nil {
		return err
	}
	live := 0
	for _, c := range children {
		if c.Type != TypeGhost {
			live++
		}
	}
	if live > 0 && !force {
		return fmt.Errorf("%w: node %d", ErrDirNotEmpty, id)
	}
	for _, c := range children {
		if c.Type == TypeDir || c.Type == TypeGeneratedDir {
			if err := t.DeleteDir(c.ID, force); err != nil {
				return err
			}
			continue
		}
		if err := t.DeleteNode(c.ID); err != nil {
			return err
		}
	}
	return t.DeleteNode(id)
}

// SetMtime updates a node's modification time and is idempotent with
// respect to the caller re-applying the same timestamp.
func (t *Txn) SetMtime(id NodeID, m Mtime) error {
	n, err := t.GetNode(id)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`UPDATE nodes SET mtime_kind = ?, mtime_sec = ?, mtime_nsec = ? WHERE id = ?`,
		m.Kind, m.Sec, m.Nsec, id)
	if err != nil {
		return fmt.Errorf("tup: set mtime of node %d: %w", id, err)
	}
	n.Mtime = m
	t.cachePut(n)
	return nil
}

// SetName moves/renames a node, checking the sibling-uniqueness invariant
// the same way CreateNode does.
func (t *Txn) SetName(id NodeID, parent NodeID, name string) error {
	existing, found, err := t.FindChild(parent, name)
	if err != nil {
		return err
	}
	if found && existing.ID != id && existing.Type != TypeGhost {
		return fmt.Errorf("%w: %q under node %d", ErrDuplicateName, name, parent)
	}
	n, err := t.GetNode(id)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`UPDATE nodes SET parent_id = ?, name = ? WHERE id = ?`, parent, name, id)
	if err != nil {
		return fmt.Errorf("tup: rename node %d: %w", id, err)
	}
	t.s.cache.Evict(int64(id))
	n.ParentID, n.Name = parent, name
	t.cachePut(n)
	return nil
}

// SetType changes a node's tagged-variant type, used when reconciling a
// Tupfile diff (e.g. File -> GeneratedFile when a command starts owning it).
func (t *Txn) SetType(id NodeID, typ NodeType) error {
	n, err := t.GetNode(id)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`UPDATE nodes SET type = ? WHERE id = ?`, typ, id)
	if err != nil {
		return fmt.Errorf("tup: set type of node %d: %w", id, err)
	}
	n.Type = typ
	t.cachePut(n)
	return nil
}

// SetSrcID records the originating source node id, used for variant mirroring.
func (t *Txn) SetSrcID(id NodeID, src NodeID) error {
	n, err := t.GetNode(id)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`UPDATE nodes SET srcid = ? WHERE id = ?`, src, id)
	if err != nil {
		return fmt.Errorf("tup: set srcid of node %d: %w", id, err)
	}
	n.SrcID = src
	t.cachePut(n)
	return nil
}

// SetDisplay sets the presentation string for a Command node.
func (t *Txn) SetDisplay(id NodeID, display, flags string) error {
	n, err := t.GetNode(id)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`UPDATE nodes SET display = ?, flags_str = ? WHERE id = ?`, display, flags, id)
	if err != nil {
		return fmt.Errorf("tup: set display of node %d: %w", id, err)
	}
	n.Display, n.Flags = display, flags
	t.cachePut(n)
	return nil
}
