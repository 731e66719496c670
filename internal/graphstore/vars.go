package graphstore

import (
	"database/sql"
	"errors"
	"fmt"
)

// Var is the value carried by an @-variable node (design §3.4).
type Var struct {
	NodeID    NodeID
	VardbPath string
	Name      string
	Value     string
}

// PutVar creates or updates the Var row owned by a Var node.
func (t *Txn) PutVar(v Var) error {
	_, err := t.tx.Exec(
		`INSERT INTO vars (node_id, vardb_path, name, value) VALUES (?, ?, ?, ?)
		 ON CONFLICT(node_id) DO UPDATE SET vardb_path = excluded.vardb_path,
		 name = excluded.name, value = excluded.value`,
		v.NodeID, v.VardbPath, v.Name, v.Value)
	if err != nil {
		return fmt.Errorf("tup: put var for node %d: %w", v.NodeID, err)
	}
	return nil
}

// GetVar loads the Var row for a node.
func (t *Txn) GetVar(id NodeID) (Var, bool, error) {
	var v Var
	v.NodeID = id
	err := t.tx.QueryRow(`SELECT vardb_path, name, value FROM vars WHERE node_id = ?`, id).
		Scan(&v.VardbPath, &v.Name, &v.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return Var{}, false, nil
	}
	if err != nil {
		return Var{}, false, fmt.Errorf("tup: get var for node %d: %w", id, err)
	}
	return v, true, nil
}

// VarsIn returns every variable owned by a given vardb (a variant-scoped
// mapping from variable name to (node-id, value), design §3.4's "vardb").
func (t *Txn) VarsIn(vardbPath string) ([]Var, error) {
	rows, err := t.tx.Query(`SELECT node_id, vardb_path, name, value FROM vars WHERE vardb_path = ? ORDER BY name`, vardbPath)
	if err != nil {
		return nil, fmt.Errorf("tup: list vars in %q: %w", vardbPath, err)
	}
	defer rows.Close()
	var out []Var
	for rows.Next() {
		var v Var
		if err := rows.Scan(&v.NodeID, &v.VardbPath, &v.Name, &v.Value); err != nil {
			return nil, fmt.Errorf("tup: scan var: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Env is the snapshotted value of an environment variable an Env node
// names (design §3.4).
type Env struct {
	NodeID NodeID
	Name   string
	Value  string
	Valid  bool
}

// PutEnv creates or updates the snapshot for an Env node. Valid=false
// records that the variable was unset at snapshot time, which still
// counts as a value for change-detection purposes.
func (t *Txn) PutEnv(e Env) error {
	validInt := 0
	if e.Valid {
		validInt = 1
	}
	_, err := t.tx.Exec(
		`INSERT INTO envs (node_id, name, value, snapshot_valid) VALUES (?, ?, ?, ?)
		 ON CONFLICT(node_id) DO UPDATE SET name = excluded.name,
		 value = excluded.value, snapshot_valid = excluded.snapshot_valid`,
		e.NodeID, e.Name, e.Value, validInt)
	if err != nil {
		return fmt.Errorf("tup: put env for node %d: %w", e.NodeID, err)
	}
	return nil
}

// GetEnv loads the snapshot for an Env node.
func (t *Txn) GetEnv(id NodeID) (Env, bool, error) {
	var e Env
	e.NodeID = id
	var validInt int
	err := t.tx.QueryRow(`SELECT name, value, snapshot_valid FROM envs WHERE node_id = ?`, id).
		Scan(&e.Name, &e.Value, &validInt)
	if errors.Is(err, sql.ErrNoRows) {
		return Env{}, false, nil
	}
	if err != nil {
		return Env{}, false, fmt.Errorf("tup: get env for node %d: %w", id, err)
	}
	e.Valid = validInt != 0
	return e, true, nil
}

// PutExclusion records a .gitignore-style exclusion pattern for a
// directory node, consumed by the Scanner (design §4.4 step 3).
func (t *Txn) PutExclusion(dir NodeID, pattern string) error {
	_, err := t.tx.Exec(
		`INSERT INTO exclusions (dir_id, pattern) VALUES (?, ?) ON CONFLICT(dir_id, pattern) DO NOTHING`,
		dir, pattern)
	if err != nil {
		return fmt.Errorf("tup: add exclusion %q under %d: %w", pattern, dir, err)
	}
	return nil
}

// Exclusions returns the exclusion patterns registered for a directory.
func (t *Txn) Exclusions(dir NodeID) ([]string, error) {
	rows, err := t.tx.Query(`SELECT pattern FROM exclusions WHERE dir_id = ?`, dir)
	if err != nil {
		return nil, fmt.Errorf("tup: list exclusions under %d: %w", dir, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetConfig stores a configuration key/value pair (design §4.8's
// autoupdate-pid / parser-version / sync mode table).
func (t *Txn) SetConfig(key string, value int64) error {
	_, err := t.tx.Exec(
		`INSERT INTO config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("tup: set config %q: %w", key, err)
	}
	return nil
}

// GetConfig reads a configuration value, returning found=false if unset.
func (t *Txn) GetConfig(key string) (value int64, found bool, err error) {
	err = t.tx.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("tup: get config %q: %w", key, err)
	}
	return value, true, nil
}
