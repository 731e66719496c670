package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/naudhr/tup/internal/engine"
	"github.com/naudhr/tup/internal/execsched"
	"github.com/naudhr/tup/internal/graphstore"
	"github.com/naudhr/tup/internal/parsesched"
	"github.com/naudhr/tup/internal/scanner"
)

// fixtureParser is a recorded-fixture test double standing in for the
// external Parser (design §6), keyed by directory path.
type fixtureParser struct {
	byDir map[string]parsesched.ParseResult
}

func (f *fixtureParser) Parse(ctx context.Context, req parsesched.ParseRequest) (parsesched.ParseResult, error) {
	return f.byDir[req.DirPath], nil
}

// fixtureExecutor is a recorded-fixture test double standing in for the
// external sandboxed Executor (design §6), keyed by Display text.
type fixtureExecutor struct {
	byDisplay map[string]func(execsched.ExecRequest) (execsched.ExecResult, error)
	calls     []string
}

func (f *fixtureExecutor) Execute(ctx context.Context, req execsched.ExecRequest) (execsched.ExecResult, error) {
	f.calls = append(f.calls, req.Display)
	fn, ok := f.byDisplay[req.Display]
	if !ok {
		return execsched.ExecResult{Reads: req.Inputs, Writes: req.Outputs}, nil
	}
	return fn(req)
}

func newHelloProject(t *testing.T) (string, *fixtureParser, *fixtureExecutor) {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "Tupfile"), []byte(": hello.c |> cc %f -o %o |> hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "hello.c"), []byte("int main(){return 0;}"), 0o644); err != nil {
		t.Fatal(err)
	}
	parser := &fixtureParser{byDir: map[string]parsesched.ParseResult{
		root: {Commands: []parsesched.DeclaredCommand{{
			Name: "build", Display: "CC", Flags: "cc hello.c -o hello",
			Inputs: []string{"hello.c"}, Outputs: []string{"hello"},
		}}},
	}}
	exec := &fixtureExecutor{byDisplay: map[string]func(execsched.ExecRequest) (execsched.ExecResult, error){
		"CC": func(req execsched.ExecRequest) (execsched.ExecResult, error) {
			if err := os.WriteFile(filepath.Join(root, "hello"), []byte("#!/bin/sh\n"), 0o755); err != nil {
				return execsched.ExecResult{}, err
			}
			return execsched.ExecResult{Reads: req.Inputs, Writes: req.Outputs}, nil
		},
	}}
	return root, parser, exec
}

func openEngine(t *testing.T, root string, parser *fixtureParser, exec *fixtureExecutor) *engine.Engine {
	t.Helper()
	e, err := engine.Open(engine.Options{
		ProjectRoot: root, Parser: parser, Executor: exec, Workers: 1, FailFast: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// TestUpdateBuildsThenNoOpsOnSecondPass drives the full Scan -> Parse ->
// Execute -> Collect pipeline (design §6 `upd`) over a single Tupfile rule,
// mirroring spec.md §8's "hello world" walkthrough.
func TestUpdateBuildsThenNoOpsOnSecondPass(t *testing.T) {
	g := NewWithT(t)
	root, parser, exec := newHelloProject(t)
	e := openEngine(t, root, parser, exec)
	ctx := context.Background()

	g.Expect(e.Init(ctx)).To(Succeed())
	g.Expect(e.Update(ctx)).To(Succeed())
	g.Expect(exec.calls).To(ConsistOf("CC"))
	g.Expect(filepath.Join(root, "hello")).To(BeAnExistingFile())

	exec.calls = nil
	g.Expect(e.Update(ctx)).To(Succeed())
	g.Expect(exec.calls).To(BeEmpty())
}

// TestUpdateFailsWithMissingInputAfterInputDeleted exercises spec.md §8
// scenario 3 end to end: once hello.c is removed from disk, the next
// Update must fail with MissingInput instead of re-running the command.
func TestUpdateFailsWithMissingInputAfterInputDeleted(t *testing.T) {
	g := NewWithT(t)
	root, parser, exec := newHelloProject(t)
	e := openEngine(t, root, parser, exec)
	ctx := context.Background()

	g.Expect(e.Init(ctx)).To(Succeed())
	g.Expect(e.Update(ctx)).To(Succeed())

	g.Expect(os.Remove(filepath.Join(root, "hello.c"))).To(Succeed())
	exec.calls = nil

	err := e.Update(ctx)
	g.Expect(err).To(MatchError(execsched.ErrMissingInput))
	g.Expect(exec.calls).To(BeEmpty())
}

// TestTodoReportsFlaggedCommandWithoutRunning checks the read-only
// `todo` view (design §6) reflects a pending build without mutating
// anything.
func TestTodoReportsFlaggedCommandWithoutRunning(t *testing.T) {
	g := NewWithT(t)
	root, parser, exec := newHelloProject(t)
	e := openEngine(t, root, parser, exec)
	ctx := context.Background()

	g.Expect(e.Init(ctx)).To(Succeed())
	g.Expect(e.Scan(ctx)).To(Succeed())
	g.Expect(e.Parse(ctx, false)).To(Succeed())

	todo, err := e.Todo(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(todo).To(ConsistOf("CC"))
	g.Expect(exec.calls).To(BeEmpty())
}

func TestExecuteWithoutExecutorReturnsErrNoExecutor(t *testing.T) {
	g := NewWithT(t)
	root := t.TempDir()
	e, err := engine.Open(engine.Options{ProjectRoot: root, Parser: &fixtureParser{}})
	g.Expect(err).NotTo(HaveOccurred())
	defer e.Close()

	g.Expect(e.Execute(context.Background())).To(MatchError(engine.ErrNoExecutor))
}

// TestScanSkipsWalkWhenMonitorReportsCurrent wires a live Monitor into
// Options and checks design §4.4's final paragraph directly: once the
// Monitor has been told it is current, Scan must not re-walk the tree,
// even when the filesystem has since diverged from the Store (proven by
// the divergence surviving Scan unnoticed).
func TestScanSkipsWalkWhenMonitorReportsCurrent(t *testing.T) {
	g := NewWithT(t)
	root := t.TempDir()
	g.Expect(os.WriteFile(filepath.Join(root, "a.c"), []byte("x"), 0o644)).To(Succeed())

	mon, err := scanner.NewMonitor([]string{root}, nil)
	g.Expect(err).NotTo(HaveOccurred())
	defer mon.Close()

	e, err := engine.Open(engine.Options{ProjectRoot: root, Parser: &fixtureParser{}, Monitor: mon})
	g.Expect(err).NotTo(HaveOccurred())
	defer e.Close()
	ctx := context.Background()

	g.Expect(e.Init(ctx)).To(Succeed())
	g.Expect(e.Scan(ctx)).To(Succeed())

	txn, err := e.Store.Begin(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	_, found, err := txn.FindChild(graphstore.RootNodeID, "a.c")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(found).To(BeTrue())
	g.Expect(txn.Rollback()).To(Succeed())

	mon.MarkCurrent()
	g.Expect(os.Remove(filepath.Join(root, "a.c"))).To(Succeed())
	g.Expect(e.Scan(ctx)).To(Succeed())

	txn2, err := e.Store.Begin(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	defer txn2.Rollback()
	n, found, err := txn2.FindChild(graphstore.RootNodeID, "a.c")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(found).To(BeTrue())
	g.Expect(n.Type).To(Equal(graphstore.TypeFile))
}

// TestConsumeMonitorEventsAppliesChangesAndSignalsSettled drives a real
// fsnotify.Watcher end to end: a file created under the watched root
// reaches the Store through ConsumeMonitorEvents's ApplyEvent path, and
// onSettled fires once the burst of events is drained.
func TestConsumeMonitorEventsAppliesChangesAndSignalsSettled(t *testing.T) {
	g := NewWithT(t)
	root := t.TempDir()

	mon, err := scanner.NewMonitor([]string{root}, nil)
	g.Expect(err).NotTo(HaveOccurred())
	defer mon.Close()

	e, err := engine.Open(engine.Options{ProjectRoot: root, Parser: &fixtureParser{}, Monitor: mon})
	g.Expect(err).NotTo(HaveOccurred())
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Expect(e.Init(ctx)).To(Succeed())

	settled := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- e.ConsumeMonitorEvents(ctx, func() {
			select {
			case settled <- struct{}{}:
			default:
			}
		})
	}()

	g.Expect(os.WriteFile(filepath.Join(root, "new.c"), []byte("x"), 0o644)).To(Succeed())
	g.Eventually(settled, 5*time.Second).Should(Receive())

	cancel()
	g.Eventually(done, 5*time.Second).Should(Receive(BeNil()))

	txn, err := e.Store.Begin(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	defer txn.Rollback()
	_, found, err := txn.FindChild(graphstore.RootNodeID, "new.c")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(found).To(BeTrue())
}

func TestCreateVariantMaterializesVars(t *testing.T) {
	g := NewWithT(t)
	root := t.TempDir()
	cfgPath := filepath.Join(root, "release.config")
	g.Expect(os.WriteFile(cfgPath, []byte("# comment\nCONFIG_DEBUG=n\nCONFIG_ARCH=x86_64\n"), 0o644)).To(Succeed())

	e, err := engine.Open(engine.Options{ProjectRoot: root, Parser: &fixtureParser{}})
	g.Expect(err).NotTo(HaveOccurred())
	defer e.Close()

	ctx := context.Background()
	variantID, err := e.CreateVariant(ctx, cfgPath)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(variantID).NotTo(Equal(graphstore.NoNode))

	txn, err := e.Store.Begin(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	defer txn.Rollback()

	dir, found, err := txn.FindChild(graphstore.RootNodeID, "release")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(found).To(BeTrue())
	g.Expect(dir.ID).To(Equal(variantID))

	cfgNode, found, err := txn.FindChild(variantID, "tup.config")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(found).To(BeTrue())

	archVar, found, err := txn.FindChild(cfgNode.ID, "CONFIG_ARCH")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(found).To(BeTrue())

	v, found, err := txn.GetVar(archVar.ID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(found).To(BeTrue())
	g.Expect(v.Value).To(Equal("x86_64"))
}
