// Package pathresolver resolves path strings relative to an anchor
// directory node into (parent-node, leaf-name) pairs, materializing
// intermediate directory nodes on demand (design §4.3).
package pathresolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/naudhr/tup/internal/graphstore"
)

// ErrIntermediateMissing is returned in strict mode when an intermediate
// path element does not exist as a live directory node.
var ErrIntermediateMissing = errors.New("tup: intermediate directory does not exist")

// Resolve splits path into elements relative to anchor and walks them,
// returning the id of the parent directory and the leaf name. In strict
// mode every intermediate directory must already exist; in tolerant mode
// (used by the Scanner) missing intermediates are created as Dir nodes.
//
// Both '/' and the platform's native separator are accepted on input;
// canonical storage always uses '/' (design §4.3, §9 "Path separators").
func Resolve(ctx context.Context, txn *graphstore.Txn, anchor graphstore.NodeID, path string, tolerant bool) (parent graphstore.NodeID, leaf string, err error) {
	elems, err := split(path)
	if err != nil {
		return graphstore.NoNode, "", err
	}
	if len(elems) == 0 {
		return graphstore.NoNode, "", fmt.Errorf("tup: empty path")
	}
	cur := anchor
	for _, e := range elems[:len(elems)-1] {
		cur, err = stepInto(txn, cur, e, tolerant)
		if err != nil {
			return graphstore.NoNode, "", err
		}
	}
	return cur, elems[len(elems)-1], nil
}

// ResolveDir is like Resolve but treats path as naming a directory itself
// (every element, including the last, is walked into), returning the
// directory node's id.
func ResolveDir(ctx context.Context, txn *graphstore.Txn, anchor graphstore.NodeID, path string, tolerant bool) (graphstore.NodeID, error) {
	if strings.TrimSpace(path) == "" || path == "." {
		return anchor, nil
	}
	elems, err := split(path)
	if err != nil {
		return graphstore.NoNode, err
	}
	cur := anchor
	for _, e := range elems {
		cur, err = stepInto(txn, cur, e, tolerant)
		if err != nil {
			return graphstore.NoNode, err
		}
	}
	return cur, nil
}

func stepInto(txn *graphstore.Txn, parent graphstore.NodeID, name string, tolerant bool) (graphstore.NodeID, error) {
	if name == "." {
		return parent, nil
	}
	if name == ".." {
		n, err := txn.GetNode(parent)
		if err != nil {
			return graphstore.NoNode, err
		}
		return n.ParentID, nil
	}
	n, found, err := txn.FindChild(parent, name)
	if err != nil {
		return graphstore.NoNode, err
	}
	if found && n.Type != graphstore.TypeGhost {
		return n.ID, nil
	}
	if !tolerant {
		return graphstore.NoNode, fmt.Errorf("%w: %q", ErrIntermediateMissing, name)
	}
	return txn.CreateNode(parent, name, graphstore.TypeDir)
}

// split normalizes separators to '/' and returns the non-empty path
// elements, preserving '.' and '..' for the walker above to interpret.
func split(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("tup: empty path")
	}
	normalized := path
	if os.PathSeparator != '/' {
		normalized = strings.ReplaceAll(normalized, string(os.PathSeparator), "/")
	}
	normalized = strings.TrimSuffix(normalized, "/")
	parts := strings.Split(normalized, "/")
	var out []string
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
