package execsched_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/naudhr/tup/internal/execsched"
	"github.com/naudhr/tup/internal/graphstore"
)

// fixtureExecutor is a recorded-fixture test double standing in for the
// external sandboxed Executor (design §6), keyed by the command's Display
// text so each test can script per-command behavior without depending on
// real process execution. calls is guarded by mu since the scheduler's
// worker pool may invoke Execute from multiple goroutines concurrently.
type fixtureExecutor struct {
	byDisplay map[string]func(execsched.ExecRequest) (execsched.ExecResult, error)
	mu        sync.Mutex
	calls     []string
}

func (f *fixtureExecutor) Execute(ctx context.Context, req execsched.ExecRequest) (execsched.ExecResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Display)
	f.mu.Unlock()
	fn, ok := f.byDisplay[req.Display]
	if !ok {
		return execsched.ExecResult{}, nil
	}
	return fn(req)
}

func openTestStore(t *testing.T) (string, *graphstore.Store) {
	t.Helper()
	root := t.TempDir()
	s, err := graphstore.Open(filepath.Join(t.TempDir(), "db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return root, s
}

// declareCommand creates a Command node under root with the given declared
// inputs and outputs (created as Files/GeneratedFiles as appropriate), links
// them Sticky, and flags the command Modify, mirroring what the Parse
// Scheduler would have produced.
func declareCommand(t *testing.T, store *graphstore.Store, name, display, command string, inputs, outputs []string) graphstore.NodeID {
	t.Helper()
	ctx := context.Background()
	txn, err := store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Rollback()

	cmdID, err := txn.CreateNode(graphstore.RootNodeID, name, graphstore.TypeCommand)
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.SetDisplay(cmdID, display, command); err != nil {
		t.Fatal(err)
	}
	for _, in := range inputs {
		n, found, err := txn.FindChild(graphstore.RootNodeID, in)
		if err != nil {
			t.Fatal(err)
		}
		id := n.ID
		if !found {
			id, err = txn.CreateNode(graphstore.RootNodeID, in, graphstore.TypeFile)
			if err != nil {
				t.Fatal(err)
			}
		}
		if err := txn.CreateLink(id, cmdID, graphstore.StyleSticky); err != nil {
			t.Fatal(err)
		}
	}
	for _, out := range outputs {
		id, err := txn.CreateNode(graphstore.RootNodeID, out, graphstore.TypeGeneratedFile)
		if err != nil {
			t.Fatal(err)
		}
		if err := txn.CreateLink(cmdID, id, graphstore.StyleSticky); err != nil {
			t.Fatal(err)
		}
	}
	if err := txn.Flag(cmdID, graphstore.FlagModify); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}
	return cmdID
}

func TestRunExecutesReadyCommandAndUpdatesMtime(t *testing.T) {
	g := NewWithT(t)
	root, store := openTestStore(t)

	if err := writeFile(root, "hello.c", "int main(){return 0;}"); err != nil {
		t.Fatal(err)
	}
	cmdID := declareCommand(t, store, "build", "CC", "cc hello.c -o hello", []string{"hello.c"}, []string{"hello"})

	exec := &fixtureExecutor{byDisplay: map[string]func(execsched.ExecRequest) (execsched.ExecResult, error){
		"CC": func(req execsched.ExecRequest) (execsched.ExecResult, error) {
			if err := writeFile(root, "hello", "#!/bin/sh\n"); err != nil {
				return execsched.ExecResult{}, err
			}
			return execsched.ExecResult{Reads: req.Inputs, Writes: req.Outputs}, nil
		},
	}}
	sched := execsched.New(store, exec, root, 2, false, nil)
	g.Expect(sched.Run(context.Background())).To(Succeed())
	g.Expect(exec.calls).To(ConsistOf("CC"))

	ctx := context.Background()
	txn, err := store.Begin(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	defer txn.Rollback()

	stillFlagged, err := txn.InFlag(cmdID, graphstore.FlagModify)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(stillFlagged).To(BeFalse())

	out, found, err := txn.FindChild(graphstore.RootNodeID, "hello")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(found).To(BeTrue())
	g.Expect(out.Mtime.Kind).To(Equal(graphstore.MtimeValid))
}

func TestRunNoOpWhenNothingFlagged(t *testing.T) {
	g := NewWithT(t)
	root, store := openTestStore(t)
	exec := &fixtureExecutor{byDisplay: map[string]func(execsched.ExecRequest) (execsched.ExecResult, error){}}
	sched := execsched.New(store, exec, root, 2, false, nil)
	g.Expect(sched.Run(context.Background())).To(Succeed())
	g.Expect(exec.calls).To(BeEmpty())
}

func TestRunUndeclaredOutputFails(t *testing.T) {
	g := NewWithT(t)
	root, store := openTestStore(t)
	if err := writeFile(root, "hello.c", "x"); err != nil {
		t.Fatal(err)
	}
	declareCommand(t, store, "build", "CC", "cc hello.c -o hello", []string{"hello.c"}, []string{"hello"})

	exec := &fixtureExecutor{byDisplay: map[string]func(execsched.ExecRequest) (execsched.ExecResult, error){
		"CC": func(req execsched.ExecRequest) (execsched.ExecResult, error) {
			return execsched.ExecResult{Reads: req.Inputs, Writes: []string{"hello", "surprise.o"}}, nil
		},
	}}
	sched := execsched.New(store, exec, root, 1, true, nil)
	err := sched.Run(context.Background())
	g.Expect(err).To(MatchError(execsched.ErrUndeclaredOutput))
}

func TestRunMissingOutputFails(t *testing.T) {
	g := NewWithT(t)
	root, store := openTestStore(t)
	if err := writeFile(root, "hello.c", "x"); err != nil {
		t.Fatal(err)
	}
	declareCommand(t, store, "build", "CC", "cc hello.c -o hello", []string{"hello.c"}, []string{"hello"})

	exec := &fixtureExecutor{byDisplay: map[string]func(execsched.ExecRequest) (execsched.ExecResult, error){
		"CC": func(req execsched.ExecRequest) (execsched.ExecResult, error) {
			return execsched.ExecResult{Reads: req.Inputs}, nil
		},
	}}
	sched := execsched.New(store, exec, root, 1, true, nil)
	err := sched.Run(context.Background())
	g.Expect(err).To(MatchError(execsched.ErrMissingOutput))
}

func TestRunMissingInputSkipsExecutor(t *testing.T) {
	g := NewWithT(t)
	root, store := openTestStore(t)
	cmdID := declareCommand(t, store, "build", "CC", "cc hello.c -o hello", []string{"hello.c"}, []string{"hello"})

	// Ghost the input the way the Scanner would after the file's deletion
	// (design §8 scenario 3: the input is now a Ghost, not on disk).
	ctx := context.Background()
	txn, err := store.Begin(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	in, found, err := txn.FindChild(graphstore.RootNodeID, "hello.c")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(found).To(BeTrue())
	g.Expect(txn.DeleteNode(in.ID)).To(Succeed())
	g.Expect(txn.Commit()).To(Succeed())

	exec := &fixtureExecutor{byDisplay: map[string]func(execsched.ExecRequest) (execsched.ExecResult, error){
		"CC": func(req execsched.ExecRequest) (execsched.ExecResult, error) {
			t.Fatal("executor must not run when a declared input is missing")
			return execsched.ExecResult{}, nil
		},
	}}
	sched := execsched.New(store, exec, root, 1, true, nil)
	err = sched.Run(context.Background())
	g.Expect(err).To(MatchError(execsched.ErrMissingInput))
	g.Expect(exec.calls).To(BeEmpty())
	_ = cmdID
}

func TestRunUpstreamFailurePropagates(t *testing.T) {
	g := NewWithT(t)
	root, store := openTestStore(t)
	if err := writeFile(root, "a.c", "x"); err != nil {
		t.Fatal(err)
	}
	declareCommand(t, store, "compile", "CC-A", "cc a.c -o a.o", []string{"a.c"}, []string{"a.o"})
	declareCommand(t, store, "link", "LINK", "ld a.o -o app", []string{"a.o"}, []string{"app"})

	exec := &fixtureExecutor{byDisplay: map[string]func(execsched.ExecRequest) (execsched.ExecResult, error){
		"CC-A": func(req execsched.ExecRequest) (execsched.ExecResult, error) {
			return execsched.ExecResult{ExitStatus: 1, Stderr: []byte("compile error")}, nil
		},
		"LINK": func(req execsched.ExecRequest) (execsched.ExecResult, error) {
			t.Fatal("linker must not run once its input command failed")
			return execsched.ExecResult{}, nil
		},
	}}
	sched := execsched.New(store, exec, root, 2, false, nil)
	err := sched.Run(context.Background())
	g.Expect(err).To(HaveOccurred())
	g.Expect(err).To(MatchError(execsched.ErrUpstreamFailed))
	g.Expect(exec.calls).To(ConsistOf("CC-A"))
}

// TestRunIndependentCommandsBothExecuteUnderWorkerPool exercises spec.md
// §8 scenario 6: two commands declared in the same directory, each producing one
// output from one input with no edge between them, both run to completion
// under a worker pool of size 2, and the resulting graph state (both
// outputs built, neither command left flagged) matches what a sequential
// single-worker run would produce.
func TestRunIndependentCommandsBothExecuteUnderWorkerPool(t *testing.T) {
	g := NewWithT(t)
	root, store := openTestStore(t)
	if err := writeFile(root, "a.c", "x"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(root, "b.c", "y"); err != nil {
		t.Fatal(err)
	}
	cmdA := declareCommand(t, store, "build-a", "CC-A", "cc a.c -o a.out", []string{"a.c"}, []string{"a.out"})
	cmdB := declareCommand(t, store, "build-b", "CC-B", "cc b.c -o b.out", []string{"b.c"}, []string{"b.out"})

	var started sync.WaitGroup
	started.Add(2)
	release := make(chan struct{})
	run := func(name string) func(execsched.ExecRequest) (execsched.ExecResult, error) {
		return func(req execsched.ExecRequest) (execsched.ExecResult, error) {
			started.Done()
			<-release
			if err := writeFile(root, name, "#!/bin/sh\n"); err != nil {
				return execsched.ExecResult{}, err
			}
			return execsched.ExecResult{Reads: req.Inputs, Writes: req.Outputs}, nil
		}
	}
	exec := &fixtureExecutor{byDisplay: map[string]func(execsched.ExecRequest) (execsched.ExecResult, error){
		"CC-A": run("a.out"),
		"CC-B": run("b.out"),
	}}

	go func() {
		started.Wait()
		close(release)
	}()

	sched := execsched.New(store, exec, root, 2, false, nil)
	g.Expect(sched.Run(context.Background())).To(Succeed())
	g.Expect(exec.calls).To(ConsistOf("CC-A", "CC-B"))

	ctx := context.Background()
	txn, err := store.Begin(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	defer txn.Rollback()

	for _, id := range []graphstore.NodeID{cmdA, cmdB} {
		stillFlagged, err := txn.InFlag(id, graphstore.FlagModify)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(stillFlagged).To(BeFalse())
	}
	g.Expect(filepath.Join(root, "a.out")).To(BeAnExistingFile())
	g.Expect(filepath.Join(root, "b.out")).To(BeAnExistingFile())
}

func writeFile(dir, name, contents string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644)
}
