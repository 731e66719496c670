package parsesched

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/naudhr/tup/internal/graphstore"
	"github.com/naudhr/tup/internal/pathresolver"
)

// Scheduler is the Parse Scheduler (design §4.5).
type Scheduler struct {
	Store       *graphstore.Store
	Parser      Parser
	ProjectRoot string
	Log         *logrus.Entry
}

// New returns a Scheduler that parses Tupfiles under projectRoot.
func New(store *graphstore.Store, parser Parser, projectRoot string, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{Store: store, Parser: parser, ProjectRoot: projectRoot, Log: log.WithField("component", "parsesched")}
}

// Run drains the create-flag queue, applying the diff-and-schedule
// protocol of design §4.5 to each flagged directory within one
// transaction. In refactor mode, any non-empty diff aborts the whole
// transaction with ErrRefactorViolation (Run's own deferred Rollback
// discards whatever was already applied).
func (s *Scheduler) Run(ctx context.Context, refactor bool) error {
	txn, err := s.Store.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	var dirs []graphstore.Node
	if err := txn.SelectByFlag(graphstore.FlagCreate, func(n graphstore.Node) error {
		dirs = append(dirs, n)
		return nil
	}); err != nil {
		return err
	}

	for _, d := range dirs {
		changed, err := s.processDir(ctx, txn, d)
		if err != nil {
			return fmt.Errorf("tup: parse %s: %w", d.Name, err)
		}
		if refactor && changed {
			return fmt.Errorf("%w: directory %q", ErrRefactorViolation, s.dirPath(txn, d.ID))
		}
	}
	return txn.Commit()
}

// processDir implements one iteration of design §4.5's per-directory
// protocol. It returns changed=true if applying the parser's declaration
// batch mutated the Store at all.
func (s *Scheduler) processDir(ctx context.Context, txn *graphstore.Txn, dir graphstore.Node) (changed bool, err error) {
	dirPath := s.dirPath(txn, dir.ID)
	tupfile, err := os.ReadFile(filepath.Join(dirPath, "Tupfile"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, txn.Unflag(dir.ID, graphstore.FlagCreate)
		}
		return false, err
	}

	result, err := s.Parser.Parse(ctx, ParseRequest{DirPath: dirPath, Tupfile: tupfile})
	if err != nil {
		// Design §7: parser errors leave the directory's create-flag set
		// so a subsequent parse can retry once the Tupfile is fixed.
		return false, err
	}

	existing, err := s.existingCommands(txn, dir.ID)
	if err != nil {
		return false, err
	}

	seen := map[string]bool{}
	for _, dc := range result.Commands {
		seen[dc.Name] = true
		cmdChanged, err := s.applyCommand(ctx, txn, dir.ID, dc, existing[dc.Name])
		if err != nil {
			return false, err
		}
		changed = changed || cmdChanged
	}

	for name, cmd := range existing {
		if seen[name] {
			continue
		}
		if err := s.removeCommand(txn, cmd); err != nil {
			return false, err
		}
		changed = true
	}

	for _, rel := range result.RescanDirs {
		id, err := pathresolver.ResolveDir(ctx, txn, graphstore.RootNodeID, rel, true)
		if err != nil {
			return false, err
		}
		if err := txn.Flag(id, graphstore.FlagCreate); err != nil {
			return false, err
		}
	}

	if err := txn.Unflag(dir.ID, graphstore.FlagCreate); err != nil {
		return false, err
	}
	return changed, nil
}

// existingCommand is the Store's current view of one previously declared
// command, snapshotted at the start of processDir (design §4.5 step 1).
type existingCommand struct {
	node    graphstore.Node
	inputs  map[string]graphstore.NodeID
	outputs map[string]graphstore.NodeID
	groups  map[string]graphstore.NodeID
}

func (s *Scheduler) existingCommands(txn *graphstore.Txn, dir graphstore.NodeID) (map[string]existingCommand, error) {
	children, err := txn.SelectByDir(dir)
	if err != nil {
		return nil, err
	}
	out := map[string]existingCommand{}
	for _, c := range children {
		if c.Type != graphstore.TypeCommand {
			continue
		}
		ec := existingCommand{node: c, inputs: map[string]graphstore.NodeID{}, outputs: map[string]graphstore.NodeID{}, groups: map[string]graphstore.NodeID{}}
		in, err := txn.IncomingLinks(c.ID)
		if err != nil {
			return nil, err
		}
		for _, l := range in {
			if l.Style != graphstore.StyleSticky {
				continue
			}
			n, err := txn.GetNode(l.From)
			if err != nil {
				return nil, err
			}
			ec.inputs[n.Name] = n.ID
		}
		out2, err := txn.OutgoingLinks(c.ID)
		if err != nil {
			return nil, err
		}
		for _, l := range out2 {
			if l.Style != graphstore.StyleSticky {
				continue
			}
			n, err := txn.GetNode(l.To)
			if err != nil {
				return nil, err
			}
			if n.Type == graphstore.TypeGroup {
				ec.groups[n.Name] = n.ID
			} else {
				ec.outputs[n.Name] = n.ID
			}
		}
		out[c.Name] = ec
	}
	return out, nil
}

// applyCommand creates or updates one declared command and its edges,
// implementing design §4.5 step 3's Added/Changed handling for a single
// command. It returns changed=true if anything was written.
func (s *Scheduler) applyCommand(ctx context.Context, txn *graphstore.Txn, dir graphstore.NodeID, dc DeclaredCommand, prev existingCommand) (bool, error) {
	changed := false
	cmdID := prev.node.ID
	if cmdID == graphstore.NoNode {
		id, err := txn.CreateNode(dir, dc.Name, graphstore.TypeCommand)
		if err != nil {
			return false, err
		}
		cmdID = id
		changed = true
	}
	if prev.node.Display != dc.Display || prev.node.Flags != dc.Flags {
		if err := txn.SetDisplay(cmdID, dc.Display, dc.Flags); err != nil {
			return false, err
		}
		if err := txn.Flag(cmdID, graphstore.FlagModify); err != nil {
			return false, err
		}
		changed = true
	}

	for _, pattern := range dc.ExcludedOutputs {
		if err := txn.PutExclusion(dir, pattern); err != nil {
			return false, err
		}
	}

	inputChanged, err := s.reconcileInputs(ctx, txn, dir, cmdID, dc.Inputs, prev.inputs)
	if err != nil {
		return false, err
	}
	outputChanged, err := s.reconcileOutputs(ctx, txn, dir, cmdID, dc.Name, dc.Outputs, prev.outputs)
	if err != nil {
		return false, err
	}
	groupChanged, err := s.reconcileGroups(txn, dir, cmdID, dc.Groups, prev.groups)
	if err != nil {
		return false, err
	}
	if inputChanged || outputChanged || groupChanged {
		if err := txn.Flag(cmdID, graphstore.FlagModify); err != nil {
			return false, err
		}
		changed = true
	}
	return changed, nil
}

func (s *Scheduler) reconcileInputs(ctx context.Context, txn *graphstore.Txn, dir, cmdID graphstore.NodeID, declared []string, prev map[string]graphstore.NodeID) (bool, error) {
	changed := false
	want := map[string]bool{}
	for _, rel := range declared {
		want[rel] = true
		parent, leaf, err := pathresolver.Resolve(ctx, txn, dir, rel, true)
		if err != nil {
			return false, err
		}
		node, found, err := txn.FindChild(parent, leaf)
		if err != nil {
			return false, err
		}
		id := node.ID
		if !found || node.Type == graphstore.TypeGhost {
			// The Scanner already ran this cycle (design §6 `upd`'s
			// Scan-then-Parse order), so if the path still isn't a live
			// node it genuinely doesn't exist on disk: register it as a
			// Ghost, not a guessed File, so Execute's MissingInput check
			// still sees it as absent instead of a revived phantom file.
			id, err = txn.CreateNode(parent, leaf, graphstore.TypeGhost)
			if err != nil {
				return false, err
			}
		}
		if _, already := prev[leaf]; !already {
			if err := txn.CreateLink(id, cmdID, graphstore.StyleSticky); err != nil {
				return false, err
			}
			changed = true
		}
	}
	for name, id := range prev {
		if !want[name] {
			if err := txn.DeleteLink(id, cmdID, graphstore.StyleSticky); err != nil {
				return false, err
			}
			changed = true
		}
	}
	return changed, nil
}

func (s *Scheduler) reconcileOutputs(ctx context.Context, txn *graphstore.Txn, dir, cmdID graphstore.NodeID, cmdName string, declared []string, prev map[string]graphstore.NodeID) (bool, error) {
	changed := false
	want := map[string]bool{}
	for _, rel := range declared {
		want[rel] = true
		parent, leaf, err := pathresolver.Resolve(ctx, txn, dir, rel, true)
		if err != nil {
			return false, err
		}
		existing, found, err := txn.FindChild(parent, leaf)
		if err != nil {
			return false, err
		}
		var id graphstore.NodeID
		if !found || existing.Type == graphstore.TypeGhost {
			id, err = txn.CreateNode(parent, leaf, graphstore.TypeGeneratedFile)
			if err != nil {
				return false, err
			}
		} else {
			id = existing.ID
			if existing.Type != graphstore.TypeGeneratedFile {
				if err := txn.SetType(id, graphstore.TypeGeneratedFile); err != nil {
					return false, err
				}
			}
			producer, hasProducer, err := txn.GetIncoming(id)
			if err != nil {
				return false, err
			}
			if hasProducer && producer.ID != cmdID && producer.Type == graphstore.TypeCommand {
				return false, fmt.Errorf("%w: %q produced by both %q and %q", ErrDuplicateOutput, leaf, producer.Name, cmdName)
			}
		}
		if _, already := prev[leaf]; !already {
			if err := txn.CreateLink(cmdID, id, graphstore.StyleSticky); err != nil {
				return false, err
			}
			changed = true
		}
	}
	for name, id := range prev {
		if !want[name] {
			if err := txn.DeleteLink(cmdID, id, graphstore.StyleSticky); err != nil {
				return false, err
			}
			// design §4.5 step 3 "Removed": orphaned outputs are scheduled
			// for deletion via transient-flag, not deleted outright.
			if err := txn.Flag(id, graphstore.FlagTransient); err != nil {
				return false, err
			}
			changed = true
		}
	}
	return changed, nil
}

func (s *Scheduler) reconcileGroups(txn *graphstore.Txn, dir, cmdID graphstore.NodeID, declared []string, prev map[string]graphstore.NodeID) (bool, error) {
	changed := false
	want := map[string]bool{}
	for _, name := range declared {
		want[name] = true
		existing, found, err := txn.FindChild(dir, name)
		if err != nil {
			return false, err
		}
		var id graphstore.NodeID
		if !found || existing.Type == graphstore.TypeGhost {
			id, err = txn.CreateNode(dir, name, graphstore.TypeGroup)
			if err != nil {
				return false, err
			}
		} else {
			id = existing.ID
		}
		if _, already := prev[name]; !already {
			if err := txn.CreateLink(cmdID, id, graphstore.StyleGroup); err != nil {
				return false, err
			}
			changed = true
		}
	}
	for name, id := range prev {
		if !want[name] {
			if err := txn.DeleteLink(cmdID, id, graphstore.StyleGroup); err != nil {
				return false, err
			}
			changed = true
		}
	}
	return changed, nil
}

// removeCommand deletes a command no longer declared by its directory's
// Tupfile: its input edges are dropped, its outputs are unlinked and
// transient-flagged for eventual collection, and the command node itself
// is deleted (design §4.5 step 3 "Removed").
func (s *Scheduler) removeCommand(txn *graphstore.Txn, cmd existingCommand) error {
	for _, id := range cmd.inputs {
		if err := txn.DeleteLink(id, cmd.node.ID, graphstore.StyleSticky); err != nil {
			return err
		}
	}
	for _, id := range cmd.outputs {
		if err := txn.DeleteLink(cmd.node.ID, id, graphstore.StyleSticky); err != nil {
			return err
		}
		if err := txn.Flag(id, graphstore.FlagTransient); err != nil {
			return err
		}
	}
	for _, id := range cmd.groups {
		if err := txn.DeleteLink(cmd.node.ID, id, graphstore.StyleGroup); err != nil {
			return err
		}
	}
	return txn.DeleteNode(cmd.node.ID)
}

// dirPath reconstructs a node's filesystem path by walking its ancestor
// chain, since the Store only keeps each node's own name.
func (s *Scheduler) dirPath(txn *graphstore.Txn, id graphstore.NodeID) string {
	var elems []string
	for id != graphstore.RootNodeID && id != graphstore.NoNode {
		n, err := txn.GetNode(id)
		if err != nil {
			break
		}
		elems = append([]string{n.Name}, elems...)
		id = n.ParentID
	}
	return filepath.Join(append([]string{s.ProjectRoot}, elems...)...)
}
