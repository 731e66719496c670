package graphstore

import "fmt"

// Flag inserts id into the given flag queue. Idempotent: flagging an
// already-flagged node is equivalent to flagging it once (design §3.3,
// tested as the Flag idempotence property in design §8).
func (t *Txn) Flag(id NodeID, which FlagKind) error {
	_, err := t.tx.Exec(
		`INSERT INTO flags (node_id, which) VALUES (?, ?) ON CONFLICT(node_id, which) DO NOTHING`,
		id, which)
	if err != nil {
		return fmt.Errorf("tup: flag node %d %s: %w", id, which, err)
	}
	return nil
}

// Unflag removes id from the given flag queue. Idempotent: unflagging an
// already-unflagged node is a no-op.
func (t *Txn) Unflag(id NodeID, which FlagKind) error {
	_, err := t.tx.Exec(`DELETE FROM flags WHERE node_id = ? AND which = ?`, id, which)
	if err != nil {
		return fmt.Errorf("tup: unflag node %d %s: %w", id, which, err)
	}
	return nil
}

// InFlag reports whether id currently sits in the given flag queue.
func (t *Txn) InFlag(id NodeID, which FlagKind) (bool, error) {
	var n int
	err := t.tx.QueryRow(`SELECT count(*) FROM flags WHERE node_id = ? AND which = ?`, id, which).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("tup: check flag %d %s: %w", id, which, err)
	}
	return n > 0, nil
}

// SelectByFlag calls visitor once per node currently in the given flag
// queue. Within a single transaction, inserts made earlier in the same
// transaction are visible to this select (design §4.1's ordering tie-break
// rule).
func (t *Txn) SelectByFlag(which FlagKind, visitor func(Node) error) error {
	rows, err := t.tx.Query(
		`SELECT `+nodeColumns+` FROM nodes JOIN flags ON flags.node_id = nodes.id WHERE flags.which = ?`,
		which)
	if err != nil {
		return fmt.Errorf("tup: select by flag %s: %w", which, err)
	}
	defer rows.Close()
	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, n := range nodes {
		if err := visitor(n); err != nil {
			return err
		}
	}
	return nil
}

// CountFlag returns the number of nodes currently in the given flag queue,
// i.e. how much work remains queued after a scheduler run (design §4.6
// step 7: "remaining flagged commands indicate
// unfinished work for a subsequent invocation").
func (t *Txn) CountFlag(which FlagKind) (int, error) {
	var n int
	if err := t.tx.QueryRow(`SELECT count(*) FROM flags WHERE which = ?`, which).Scan(&n); err != nil {
		return 0, fmt.Errorf("tup: count flag %s: %w", which, err)
	}
	return n, nil
}
