package execsched

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/naudhr/tup/internal/graphstore"
	"github.com/naudhr/tup/internal/pathresolver"
)

// Scheduler is the Execute Scheduler (design §4.6): it drains the
// modify-flag queue, builds an in-memory execution DAG of the flagged
// Commands plus their declared predecessors/successors, and runs ready
// Commands through a bounded worker pool.
type Scheduler struct {
	Store       *graphstore.Store
	Executor    Executor
	ProjectRoot string
	Workers     int
	// FailFast stops dispatching new work once any command has failed,
	// per design §5 "Cancellation".
	FailFast bool
	Log      *logrus.Entry
}

// New returns a Scheduler with at least one worker.
func New(store *graphstore.Store, executor Executor, projectRoot string, workers int, failFast bool, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		Store: store, Executor: executor, ProjectRoot: projectRoot,
		Workers: workers, FailFast: failFast,
		Log: log.WithField("component", "execsched"),
	}
}

type cmdNode struct{ id graphstore.NodeID }

func (n cmdNode) ID() int64 { return int64(n.id) }

// Run drains the modify-flag queue and executes every ready Command to
// completion or failure, per design §4.6.
func (s *Scheduler) Run(ctx context.Context) error {
	g, toRun, err := s.buildDAG(ctx)
	if err != nil {
		return err
	}
	if len(toRun) == 0 {
		s.Log.Debug("nothing to execute")
		return nil
	}
	if _, err := topo.Sort(g); err != nil {
		return fmt.Errorf("%w: execution graph has a cycle", graphstore.ErrCycleDetected)
	}
	ran, failed, err := s.drain(ctx, g, toRun)
	s.Log.WithFields(logrus.Fields{"ran": ran, "failed": failed}).Info("execute scheduler drained")
	if err != nil {
		return fmt.Errorf("tup: %d command(s) failed, first error: %w", failed, err)
	}
	return nil
}

// upstreamFailedError reports a Command skipped under design §4.6 step 6 /
// §7's UpstreamFailed error kind because a predecessor it depends on
// failed, rather than any fault of its own.
type upstreamFailedError struct {
	id graphstore.NodeID
}

func (e *upstreamFailedError) Error() string {
	return fmt.Sprintf("%s: command %d", ErrUpstreamFailed, e.id)
}

func (e *upstreamFailedError) Unwrap() error { return ErrUpstreamFailed }

// buildDAG implements design §4.6 step 1: it promotes any modify-flagged
// File/GeneratedFile into modify-flags on their declared consumer
// Commands (a changed file is only actionable once translated into "which
// command must re-run"), then walks the transitive closure of declared
// sticky/group predecessors and successors of every flagged Command,
// returning a gonum graph plus the set of Command ids that must actually
// be executed (as opposed to included only to compute readiness).
func (s *Scheduler) buildDAG(ctx context.Context) (*simple.DirectedGraph, map[graphstore.NodeID]bool, error) {
	txn, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer txn.Rollback()

	var frontier []graphstore.NodeID
	var filesChanged []graphstore.NodeID
	if err := txn.SelectByFlag(graphstore.FlagModify, func(n graphstore.Node) error {
		switch n.Type {
		case graphstore.TypeCommand:
			frontier = append(frontier, n.ID)
		case graphstore.TypeFile, graphstore.TypeGeneratedFile, graphstore.TypeGhost:
			// A flagged Ghost is a deleted input/output the Scanner still
			// found referenced (design §8 scenario 3): route it through
			// the same "changed file" handling so its surviving edges
			// flag the commands that declared it, then it is unflagged.
			filesChanged = append(filesChanged, n.ID)
		}
		return nil
	}); err != nil {
		return nil, nil, err
	}

	for _, fid := range filesChanged {
		consumers, err := collectThrough(txn, fid, true)
		if err != nil {
			return nil, nil, err
		}
		for _, c := range consumers {
			frontier = append(frontier, c)
			if err := txn.Flag(c, graphstore.FlagModify); err != nil {
				return nil, nil, err
			}
		}
		if err := txn.Unflag(fid, graphstore.FlagModify); err != nil {
			return nil, nil, err
		}
	}

	toRun := map[graphstore.NodeID]bool{}
	for _, id := range frontier {
		toRun[id] = true
	}

	g := simple.NewDirectedGraph()
	included := map[graphstore.NodeID]bool{}
	ensure := func(id graphstore.NodeID) {
		if !included[id] {
			included[id] = true
			g.AddNode(cmdNode{id: id})
		}
	}
	for _, id := range frontier {
		ensure(id)
	}

	for i := 0; i < len(frontier); i++ {
		id := frontier[i]
		preds, err := collectThrough(txn, id, false)
		if err != nil {
			return nil, nil, err
		}
		for _, p := range preds {
			if !included[p] {
				ensure(p)
				frontier = append(frontier, p)
			}
			g.SetEdge(g.NewEdge(g.Node(int64(p)), g.Node(int64(id))))
		}
		succs, err := collectThrough(txn, id, true)
		if err != nil {
			return nil, nil, err
		}
		for _, c := range succs {
			if !included[c] {
				ensure(c)
				frontier = append(frontier, c)
			}
			g.SetEdge(g.NewEdge(g.Node(int64(id)), g.Node(int64(c))))
		}
	}

	return g, toRun, txn.Commit()
}

// collectThrough walks the sticky/group edges out of (outgoing=true) or
// into (outgoing=false) start, skipping over non-Command intermediaries
// (Files, GeneratedFiles, Groups) until it reaches a Command node, and
// returns every Command reached this way. It implements design §4.6's
// "transitive closure of declared predecessors and successors" in terms
// of the File/Group-mediated sticky edges the Parse Scheduler creates.
func collectThrough(txn *graphstore.Txn, start graphstore.NodeID, outgoing bool) ([]graphstore.NodeID, error) {
	var result []graphstore.NodeID
	visited := map[graphstore.NodeID]bool{}
	var walk func(graphstore.NodeID) error
	walk = func(id graphstore.NodeID) error {
		var links []graphstore.Link
		var err error
		if outgoing {
			links, err = txn.OutgoingLinks(id)
		} else {
			links, err = txn.IncomingLinks(id)
		}
		if err != nil {
			return err
		}
		for _, l := range links {
			if l.Style != graphstore.StyleSticky && l.Style != graphstore.StyleGroup {
				continue
			}
			next := l.To
			if !outgoing {
				next = l.From
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			n, err := txn.GetNode(next)
			if err != nil {
				return err
			}
			if n.Type == graphstore.TypeCommand {
				result = append(result, next)
				continue
			}
			if err := walk(next); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(start); err != nil {
		return nil, err
	}
	return result, nil
}

// outcome is what a worker reports back to the single drain loop after
// running one Command (design §5: "workers stage their read/write sets
// in memory and merge them through the writer at transaction commit").
type outcome struct {
	id  graphstore.NodeID
	res ExecResult
	err error
}

// drain runs the worker pool over the DAG until every node in toRun has
// either succeeded, failed, or been skipped as UpstreamFailed.
func (s *Scheduler) drain(ctx context.Context, g *simple.DirectedGraph, toRun map[graphstore.NodeID]bool) (ran, failed int, err error) {
	done := map[graphstore.NodeID]bool{}
	failedSet := map[graphstore.NodeID]bool{}
	for n := g.Nodes(); n.Next(); {
		id := graphstore.NodeID(n.Node().ID())
		if !toRun[id] {
			done[id] = true // not flagged: already up to date, satisfies readiness
		}
	}

	ready := func(id graphstore.NodeID) bool {
		for from := g.To(int64(id)); from.Next(); {
			p := graphstore.NodeID(from.Node().ID())
			if !done[p] {
				return false
			}
		}
		return true
	}

	var mu sync.Mutex
	var upstreamErrs []error
	enqueued := map[graphstore.NodeID]bool{}
	work := make(chan graphstore.NodeID, len(toRun))
	results := make(chan outcome)
	remaining := len(toRun)

	enqueue := func(id graphstore.NodeID) {
		mu.Lock()
		defer mu.Unlock()
		if enqueued[id] {
			return
		}
		enqueued[id] = true
		work <- id
	}

	// markUpstreamFailed recursively skips every not-yet-resolved
	// successor of a failed command as UpstreamFailed (design §4.6 step 6
	// / design §7), mirroring the recursive dependent-marking used by the
	// distri build scheduler's markFailed.
	var markUpstreamFailed func(graphstore.NodeID)
	markUpstreamFailed = func(id graphstore.NodeID) {
		for to := g.From(int64(id)); to.Next(); {
			c := graphstore.NodeID(to.Node().ID())
			if !toRun[c] || done[c] || failedSet[c] {
				continue
			}
			skipErr := &upstreamFailedError{id: c}
			s.Log.WithField("command", c).Warn(skipErr.Error())
			upstreamErrs = append(upstreamErrs, skipErr)
			failedSet[c] = true
			failed++
			remaining--
			markUpstreamFailed(c)
		}
	}

	eg, egctx := errgroup.WithContext(ctx)
	for i := 0; i < s.Workers; i++ {
		eg.Go(func() error {
			for id := range work {
				select {
				case <-egctx.Done():
					return egctx.Err()
				default:
				}
				req, buildErr := s.buildRequest(egctx, id)
				var res ExecResult
				execErr := buildErr
				if execErr == nil {
					res, execErr = s.Executor.Execute(egctx, req)
				}
				select {
				case results <- outcome{id: id, res: res, err: execErr}:
				case <-egctx.Done():
					return egctx.Err()
				}
			}
			return nil
		})
	}

	for id := range toRun {
		if ready(id) {
			enqueue(id)
		}
	}

	failFastTripped := false
	var firstErr error
	driver := make(chan struct{})
	go func() {
		defer close(driver)
		defer close(work)
		for remaining > 0 {
			select {
			case o := <-results:
				remaining--
				mu.Lock()
				if o.err == nil {
					if cerr := s.commitSuccess(ctx, o.id, o.res); cerr != nil {
						o.err = cerr
					}
				}
				if o.err != nil {
					s.Log.WithFields(logrus.Fields{"command": o.id, "error": o.err}).Warn("command failed")
					failedSet[o.id] = true
					failed++
					if firstErr == nil {
						firstErr = o.err
					}
					if s.FailFast {
						failFastTripped = true
					}
					markUpstreamFailed(o.id)
				} else {
					ran++
					done[o.id] = true
				}
				if !failFastTripped {
					for to := g.From(int64(o.id)); to.Next(); {
						c := graphstore.NodeID(to.Node().ID())
						if toRun[c] && !done[c] && !failedSet[c] && !enqueued[c] && ready(c) {
							// mu is already held here, so enqueue (which locks it) is not used.
							enqueued[c] = true
							work <- c
						}
					}
				} else {
					// Fail-fast: commands not yet dispatched never run in this
					// pass, so stop waiting for them and only drain in-flight work.
					for id := range toRun {
						if !enqueued[id] && !failedSet[id] {
							enqueued[id] = true
							remaining--
						}
					}
				}
				mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	egErr := eg.Wait()
	<-driver
	if egErr != nil {
		return ran, failed, egErr
	}
	if firstErr == nil {
		return ran, failed, nil
	}
	return ran, failed, errors.Join(append([]error{firstErr}, upstreamErrs...)...)
}

// buildRequest assembles the Executor request for a Command, failing
// with ErrMissingInput up front (without invoking the Executor) if any of
// its direct declared inputs is currently a Ghost node (design §8
// scenario 3: deleted input fails the command without running it).
func (s *Scheduler) buildRequest(ctx context.Context, id graphstore.NodeID) (ExecRequest, error) {
	txn, err := s.Store.Begin(ctx)
	if err != nil {
		return ExecRequest{}, err
	}
	defer txn.Rollback()

	cmd, err := txn.GetNode(id)
	if err != nil {
		return ExecRequest{}, err
	}
	in, err := txn.IncomingLinks(id)
	if err != nil {
		return ExecRequest{}, err
	}
	var inputs []string
	for _, l := range in {
		if l.Style != graphstore.StyleSticky {
			continue
		}
		n, err := txn.GetNode(l.From)
		if err != nil {
			return ExecRequest{}, err
		}
		if n.Type == graphstore.TypeGhost {
			return ExecRequest{}, fmt.Errorf("%w: %s", ErrMissingInput, n.Name)
		}
		p, err := nodePath(txn, n.ID)
		if err != nil {
			return ExecRequest{}, err
		}
		inputs = append(inputs, p)
	}

	out, err := txn.OutgoingLinks(id)
	if err != nil {
		return ExecRequest{}, err
	}
	var outputs []string
	for _, l := range out {
		if l.Style != graphstore.StyleSticky {
			continue
		}
		n, err := txn.GetNode(l.To)
		if err != nil {
			return ExecRequest{}, err
		}
		if n.Type == graphstore.TypeGroup {
			continue
		}
		p, err := nodePath(txn, n.ID)
		if err != nil {
			return ExecRequest{}, err
		}
		outputs = append(outputs, p)
	}

	dirRel, err := nodePath(txn, cmd.ParentID)
	if err != nil {
		return ExecRequest{}, err
	}
	return ExecRequest{
		Display: cmd.Display,
		Command: cmd.Flags,
		Dir:     filepath.Join(s.ProjectRoot, filepath.FromSlash(dirRel)),
		Env:     envSnapshot(),
		Inputs:  inputs,
		Outputs: outputs,
	}, nil
}

// commitSuccess implements design §4.6 step 4-5: validates the
// Executor's observed reads/writes against the declared graph, updates
// output mtimes, unflags the command, and flags each declared consumer
// of a changed output so it is reconsidered on the next Run.
func (s *Scheduler) commitSuccess(ctx context.Context, id graphstore.NodeID, res ExecResult) error {
	if res.ExitStatus != 0 {
		return fmt.Errorf("tup: command exited with status %d", res.ExitStatus)
	}

	txn, err := s.Store.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	out, err := txn.OutgoingLinks(id)
	if err != nil {
		return err
	}
	declared := map[string]graphstore.NodeID{}
	for _, l := range out {
		if l.Style != graphstore.StyleSticky {
			continue
		}
		n, err := txn.GetNode(l.To)
		if err != nil {
			return err
		}
		if n.Type == graphstore.TypeGroup {
			continue
		}
		p, err := nodePath(txn, n.ID)
		if err != nil {
			return err
		}
		declared[p] = n.ID
	}

	cmd, err := txn.GetNode(id)
	if err != nil {
		return err
	}
	exclusions, err := txn.Exclusions(cmd.ParentID)
	if err != nil {
		return err
	}

	written := map[string]bool{}
	for _, w := range res.Writes {
		written[w] = true
		if _, ok := declared[w]; !ok {
			return fmt.Errorf("%w: %s", ErrUndeclaredOutput, w)
		}
	}
	for p := range declared {
		if written[p] {
			continue
		}
		if matchesAny(filepath.Base(p), exclusions) {
			continue
		}
		return fmt.Errorf("%w: %s", ErrMissingOutput, p)
	}

	for p, oid := range declared {
		info, statErr := os.Stat(filepath.Join(s.ProjectRoot, filepath.FromSlash(p)))
		if statErr != nil {
			continue
		}
		if err := txn.SetMtime(oid, mtimeOf(info)); err != nil {
			return err
		}
	}

	for _, r := range res.Reads {
		if filepath.IsAbs(r) {
			continue // external reference, design §6: not tracked in the graph
		}
		parent, leaf, err := pathresolver.Resolve(ctx, txn, graphstore.RootNodeID, r, true)
		if err != nil {
			return err
		}
		node, found, err := txn.FindChild(parent, leaf)
		if err != nil {
			return err
		}
		nodeID := node.ID
		if !found {
			nodeID, err = txn.CreateNode(parent, leaf, graphstore.TypeGhost)
			if err != nil {
				return err
			}
		}
		if err := txn.CreateLink(nodeID, id, graphstore.StyleNormal); err != nil {
			return err
		}
	}

	if err := txn.Unflag(id, graphstore.FlagModify); err != nil {
		return err
	}

	for _, oid := range declared {
		consumers, err := collectThrough(txn, oid, true)
		if err != nil {
			return err
		}
		for _, c := range consumers {
			if err := txn.Flag(c, graphstore.FlagModify); err != nil {
				return err
			}
		}
	}

	return txn.Commit()
}

func nodePath(txn *graphstore.Txn, id graphstore.NodeID) (string, error) {
	var elems []string
	cur := id
	for cur != graphstore.RootNodeID && cur != graphstore.NoNode {
		n, err := txn.GetNode(cur)
		if err != nil {
			return "", err
		}
		elems = append([]string{n.Name}, elems...)
		cur = n.ParentID
	}
	return strings.Join(elems, "/"), nil
}

func mtimeOf(info os.FileInfo) graphstore.Mtime {
	t := info.ModTime()
	return graphstore.Mtime{Kind: graphstore.MtimeValid, Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

func envSnapshot() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}
