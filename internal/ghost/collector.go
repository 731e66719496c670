// Package ghost implements the Ghost Collector (design §4.7): it drains
// the transient-flag queue (orphaned outputs scheduled for deletion by
// the Parse Scheduler, design §4.5 step 3) into the Store's normal
// ghost-or-destroy path, then enumerates Ghost nodes with no remaining
// edges in either direction and destroys them. The Engine runs it at the
// end of an Update whose Scan, Parse and Execute all succeeded, and on
// demand through Engine.Collect; Engine.Scan and Engine.Parse on their
// own do not run it.
package ghost

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/naudhr/tup/internal/graphstore"
)

// Collector removes unreferenced Ghost nodes from a Store.
type Collector struct {
	Store *graphstore.Store
	Log   *logrus.Entry
}

// New returns a Collector.
func New(store *graphstore.Store, log *logrus.Entry) *Collector {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Collector{Store: store, Log: log.WithField("component", "ghost")}
}

// Collect first resolves every node flagged transient (design §3.3:
// orphaned outputs scheduled for deletion by the Parse Scheduler) through
// the same ghost-or-destroy decision DeleteNode already makes for a live
// node — turning it into a Ghost if an edge still touches it, destroying
// it outright otherwise — then destroys every Ghost node reachable from
// root with no remaining edge, within one transaction. Ghost nodes with
// edges persist so a future creation at the same path can revive them
// (design §4.7).
func (c *Collector) Collect(ctx context.Context, root graphstore.NodeID) (removed int, err error) {
	txn, err := c.Store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	transientRemoved, err := c.resolveTransient(txn)
	if err != nil {
		return 0, err
	}
	removed += transientRemoved

	ghosts, err := c.collectGhosts(txn, root)
	if err != nil {
		return 0, err
	}
	for _, id := range ghosts {
		referenced, err := txn.Referenced(id)
		if err != nil {
			return removed, err
		}
		if referenced {
			continue
		}
		if err := txn.DeleteNode(id); err != nil {
			return removed, err
		}
		removed++
	}
	if err := txn.Commit(); err != nil {
		return 0, err
	}
	c.Log.WithField("removed", removed).Debug("ghost collection complete")
	return removed, nil
}

// resolveTransient drains design §3.3's transient-flag queue: each
// flagged node (an orphaned GeneratedFile whose producing edge the Parse
// Scheduler just removed, design §4.5 step 3) is run through DeleteNode,
// which ghosts it if any edge still touches it or destroys it outright
// otherwise, then the flag itself is cleared. Without this step a node
// only ever sitting in transient-flag would stay live forever, since
// nothing else walks that queue. It returns the number of nodes DeleteNode
// destroyed outright, so Collect's returned count covers both paths.
func (c *Collector) resolveTransient(txn *graphstore.Txn) (int, error) {
	var ids []graphstore.NodeID
	if err := txn.SelectByFlag(graphstore.FlagTransient, func(n graphstore.Node) error {
		ids = append(ids, n.ID)
		return nil
	}); err != nil {
		return 0, err
	}
	destroyed := 0
	for _, id := range ids {
		if err := txn.DeleteNode(id); err != nil {
			return destroyed, err
		}
		if _, err := txn.GetNode(id); err != nil {
			if !errors.Is(err, graphstore.ErrNotFound) {
				return destroyed, err
			}
			destroyed++
			continue
		}
		if err := txn.Unflag(id, graphstore.FlagTransient); err != nil {
			return destroyed, err
		}
	}
	return destroyed, nil
}

func (c *Collector) collectGhosts(txn *graphstore.Txn, root graphstore.NodeID) ([]graphstore.NodeID, error) {
	var out []graphstore.NodeID
	seen := map[graphstore.NodeID]bool{}
	var walk func(graphstore.NodeID) error
	walk = func(id graphstore.NodeID) error {
		if seen[id] {
			return nil
		}
		seen[id] = true
		n, err := txn.GetNode(id)
		if err != nil {
			return err
		}
		if n.Type == graphstore.TypeGhost {
			out = append(out, id)
		}
		children, err := txn.SelectByDir(id)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := walk(child.ID); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}
