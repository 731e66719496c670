// Package scanner implements the Scanner from design §4.4: a breadth-first
// directory walk that reconciles the Graph Store against the filesystem,
// plus an optional fsnotify-backed Monitor that keeps it current
// incrementally between full scans.
package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/naudhr/tup/internal/graphstore"
	"github.com/naudhr/tup/internal/pathresolver"
)

// Scanner reconciles the Graph Store rooted at RootNodeID against a real
// filesystem directory.
type Scanner struct {
	Store *graphstore.Store
	Log   *logrus.Entry
}

// New returns a Scanner logging through log (or a package-default entry if
// nil).
func New(store *graphstore.Store, log *logrus.Entry) *Scanner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scanner{Store: store, Log: log.WithField("component", "scanner")}
}

type dirJob struct {
	id   graphstore.NodeID
	path string
}

// Scan walks projectRoot breadth-first and reconciles it against the Store,
// implementing design §4.4's seven-step algorithm inside a single
// transaction.
func (s *Scanner) Scan(ctx context.Context, projectRoot string) error {
	txn, err := s.Store.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	queue := []dirJob{{id: graphstore.RootNodeID, path: projectRoot}}
	for len(queue) > 0 {
		job := queue[0]
		queue = queue[1:]

		more, err := s.scanOneDir(txn, job)
		if err != nil {
			return fmt.Errorf("tup: scan %s: %w", job.path, err)
		}
		queue = append(queue, more...)
	}

	if err := txn.Commit(); err != nil {
		return err
	}
	s.Log.WithField("dir", projectRoot).Debug("scan complete")
	return nil
}

func (s *Scanner) scanOneDir(txn *graphstore.Txn, job dirJob) ([]dirJob, error) {
	entries, err := os.ReadDir(job.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	exclusions, err := txn.Exclusions(job.id)
	if err != nil {
		return nil, err
	}

	var next []dirJob
	seen := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		if excluded(name, exclusions) {
			continue
		}
		seen[name] = true
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		dirs, err := s.reconcileEntry(txn, job, name, e.IsDir(), info)
		if err != nil {
			return nil, err
		}
		next = append(next, dirs...)
	}

	if err := s.reconcileDeletions(txn, job, seen); err != nil {
		return nil, err
	}
	return next, nil
}

// reconcileEntry applies steps 3, 4 and 6 of design §4.4 for a single
// filesystem entry.
func (s *Scanner) reconcileEntry(txn *graphstore.Txn, job dirJob, name string, isDir bool, info os.FileInfo) ([]dirJob, error) {
	typ := graphstore.TypeFile
	if isDir {
		typ = graphstore.TypeDir
	}
	mtime := mtimeOf(info)

	existing, found, err := txn.FindChild(job.id, name)
	if err != nil {
		return nil, err
	}

	var id graphstore.NodeID
	isNewOrRevived := !found || existing.Type == graphstore.TypeGhost
	if isNewOrRevived {
		id, err = txn.CreateNode(job.id, name, typ)
		if err != nil {
			return nil, err
		}
		if err := txn.SetMtime(id, mtime); err != nil {
			return nil, err
		}
	} else {
		id = existing.ID
		if !existing.Mtime.Equal(mtime) {
			if err := txn.SetMtime(id, mtime); err != nil {
				return nil, err
			}
			if err := txn.Flag(id, graphstore.FlagModify); err != nil {
				return nil, err
			}
		}
	}

	var next []dirJob
	if isDir {
		if isNewOrRevived {
			if err := txn.Flag(id, graphstore.FlagCreate); err != nil {
				return nil, err
			}
		}
		next = append(next, dirJob{id: id, path: filepath.Join(job.path, name)})
	}
	return next, nil
}

// reconcileDeletions applies step 5 of design §4.4: any live Store child not
// observed on disk is deleted; if deletion only ghosted it (because an edge
// in either direction remains), the parent directory is re-flagged *create* so any
// Tupfile-declared dependents are reconsidered on the next Parse pass.
func (s *Scanner) reconcileDeletions(txn *graphstore.Txn, job dirJob, seen map[string]bool) error {
	children, err := txn.SelectByDir(job.id)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c.Type == graphstore.TypeGhost || seen[c.Name] {
			continue
		}
		if err := s.removeChild(txn, job.id, c); err != nil {
			return err
		}
	}
	return nil
}

// removeChild deletes a Store child no longer present on disk, shared by
// the full-walk reconcileDeletions and the incremental ApplyEvent path.
// Decide ghost-vs-destroy before deleting: once DeleteNode destroys a node
// outright its row is gone, so GetNode afterward would report ErrNotFound
// instead of telling us what happened.
func (s *Scanner) removeChild(txn *graphstore.Txn, parent graphstore.NodeID, c graphstore.Node) error {
	willGhost, err := txn.Referenced(c.ID)
	if err != nil {
		return err
	}
	if err := txn.DeleteNode(c.ID); err != nil {
		return err
	}
	if willGhost {
		if err := txn.Flag(parent, graphstore.FlagCreate); err != nil {
			return err
		}
		// The node itself is now a Ghost, not a File/GeneratedFile the
		// Execute Scheduler's flag queue watches directly; flag it
		// anyway so buildDAG's "changed file" handling (which treats
		// a flagged Ghost the same way) walks its surviving edges and
		// re-flags the commands that declared it.
		if err := txn.Flag(c.ID, graphstore.FlagModify); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEvent reconciles a single fsnotify-observed change reported by a
// Monitor (design §4.4 final paragraph: "the Monitor has already applied
// steps 3-6 incrementally"), so an Engine wired with a live Monitor can
// skip a full Scan between bursts of activity. Events outside
// projectRoot are ignored; events naming a path no longer present on
// disk are treated as a deletion regardless of the reported fsnotify op,
// since renames and removes are otherwise indistinguishable once the
// watcher coalesces them.
func (s *Scanner) ApplyEvent(ctx context.Context, projectRoot string, ev Event) error {
	rel, err := filepath.Rel(projectRoot, ev.Path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return nil
	}

	txn, err := s.Store.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	parent, leaf, err := pathresolver.Resolve(ctx, txn, graphstore.RootNodeID, rel, true)
	if err != nil {
		return fmt.Errorf("tup: resolve %s: %w", rel, err)
	}

	existing, found, err := txn.FindChild(parent, leaf)
	if err != nil {
		return err
	}

	info, statErr := os.Lstat(ev.Path)
	if statErr != nil {
		if !os.IsNotExist(statErr) {
			return statErr
		}
		if found && existing.Type != graphstore.TypeGhost {
			if err := s.removeChild(txn, parent, existing); err != nil {
				return err
			}
		}
		return txn.Commit()
	}

	exclusions, err := txn.Exclusions(parent)
	if err != nil {
		return err
	}
	if excluded(leaf, exclusions) {
		return txn.Rollback()
	}

	if _, err := s.reconcileEntry(txn, dirJob{id: parent, path: filepath.Dir(ev.Path)}, leaf, info.IsDir(), info); err != nil {
		return err
	}
	return txn.Commit()
}

func mtimeOf(info os.FileInfo) graphstore.Mtime {
	t := info.ModTime()
	return graphstore.Mtime{Kind: graphstore.MtimeValid, Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

func excluded(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}
