package graphstore

import "fmt"

// CreateLink implements §4.1 create_link: idempotent, and fails
// ErrCycleDetected if the edge would close a cycle in the declared-edge
// subgraph among Commands (design §3.2's acyclicity invariant). Only
// Sticky edges between two Command nodes participate in that subgraph;
// Normal (runtime-observed) and Group edges never do.
func (t *Txn) CreateLink(from, to NodeID, style LinkStyle) error {
	if from == to {
		return fmt.Errorf("tup: self-loop rejected for node %d", from)
	}
	if style == StyleSticky {
		fromNode, err := t.GetNode(from)
		if err != nil {
			return err
		}
		toNode, err := t.GetNode(to)
		if err != nil {
			return err
		}
		if fromNode.Type == TypeCommand && toNode.Type == TypeCommand {
			reachable, err := t.commandReaches(to, from)
			if err != nil {
				return err
			}
			if reachable {
				return fmt.Errorf("%w: %d -> %d", ErrCycleDetected, from, to)
			}
		}
	}
	_, err := t.tx.Exec(
		`INSERT INTO links (from_id, to_id, style) VALUES (?, ?, ?)
		 ON CONFLICT(from_id, to_id, style) DO NOTHING`, from, to, style)
	if err != nil {
		return fmt.Errorf("tup: create link %d->%d: %w", from, to, err)
	}
	return nil
}

// commandReaches reports whether a sticky-edge path from start to target
// exists, following sticky edges through nodes of any type (used to pre-check CreateLink(from, to)
// for cycles: does `to` already reach back to `from`?).
func (t *Txn) commandReaches(start, target NodeID) (bool, error) {
	visited := map[NodeID]bool{}
	stack := []NodeID{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true, nil
		}
		if visited[n] {
			continue
		}
		visited[n] = true
		out, err := t.OutgoingLinks(n)
		if err != nil {
			return false, err
		}
		for _, l := range out {
			if l.Style != StyleSticky {
				continue
			}
			stack = append(stack, l.To)
		}
	}
	return false, nil
}

// OutgoingLinks returns every edge originating at id.
func (t *Txn) OutgoingLinks(id NodeID) ([]Link, error) {
	rows, err := t.tx.Query(`SELECT from_id, to_id, style FROM links WHERE from_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("tup: outgoing links of %d: %w", id, err)
	}
	defer rows.Close()
	return scanLinks(rows)
}

// IncomingLinks returns every edge terminating at id.
func (t *Txn) IncomingLinks(id NodeID) ([]Link, error) {
	rows, err := t.tx.Query(`SELECT from_id, to_id, style FROM links WHERE to_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("tup: incoming links of %d: %w", id, err)
	}
	defer rows.Close()
	return scanLinks(rows)
}

func scanLinks(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]Link, error) {
	var out []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.From, &l.To, &l.Style); err != nil {
			return nil, fmt.Errorf("tup: scan link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// referenceCount counts every edge touching id, in either direction. A
// Command's declared input is stored as file->command and its declared
// output as command->file, so a node can be "still referenced" via
// either side depending on which role it plays; deciding ghost-vs-destroy
// on to_id alone would silently destroy a deleted input file the moment
// nothing produces it, even while a live command still declares it.
func (t *Txn) referenceCount(id NodeID) (int, error) {
	var n int
	if err := t.tx.QueryRow(`SELECT count(*) FROM links WHERE from_id = ? OR to_id = ?`, id, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("tup: count links of %d: %w", id, err)
	}
	return n, nil
}

// Referenced reports whether any edge still touches id, in either
// direction. The Ghost Collector uses this instead of IncomingLinks
// alone to decide whether a Ghost is still referenced (design §4.7): a
// Ghost standing in for a deleted input file is tracked via an edge
// where it is the "from" side, not the "to" side.
func (t *Txn) Referenced(id NodeID) (bool, error) {
	n, err := t.referenceCount(id)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteLinks removes all edges incident to id, both outgoing and
// incoming (§4.1 delete_links).
func (t *Txn) DeleteLinks(id NodeID) error {
	if _, err := t.tx.Exec(`DELETE FROM links WHERE from_id = ? OR to_id = ?`, id, id); err != nil {
		return fmt.Errorf("tup: delete links of %d: %w", id, err)
	}
	return nil
}

// GetIncoming returns the single producer of a node with at most one
// inbound edge (e.g. a GeneratedFile's owning Command), per §4.1
// get_incoming. Returns found=false if there is no inbound edge.
func (t *Txn) GetIncoming(id NodeID) (node Node, found bool, err error) {
	links, err := t.IncomingLinks(id)
	if err != nil {
		return Node{}, false, err
	}
	if len(links) == 0 {
		return Node{}, false, nil
	}
	n, err := t.GetNode(links[0].From)
	if err != nil {
		return Node{}, false, err
	}
	return n, true, nil
}

// DeleteLink removes a single specific edge, if present.
func (t *Txn) DeleteLink(from, to NodeID, style LinkStyle) error {
	if _, err := t.tx.Exec(`DELETE FROM links WHERE from_id = ? AND to_id = ? AND style = ?`, from, to, style); err != nil {
		return fmt.Errorf("tup: delete link %d->%d: %w", from, to, err)
	}
	return nil
}
