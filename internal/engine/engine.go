// Package engine wires the Graph Store, advisory lock, and the three
// schedulers into the explicit context described in design §9 "Global
// state": every operation below takes an *Engine receiver rather than
// reaching for package-level state, mirroring libs/depgraph's InitArgs
// pattern of a typed option struct handed to a constructor.
package engine

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/naudhr/tup/internal/execsched"
	"github.com/naudhr/tup/internal/ghost"
	"github.com/naudhr/tup/internal/graphstore"
	"github.com/naudhr/tup/internal/lock"
	"github.com/naudhr/tup/internal/parsesched"
	"github.com/naudhr/tup/internal/scanner"
)

// config keys stored in the Store's config table (design §4.8).
const (
	configParserVersion = "parser-version"
	configDBVersion     = "db-version"
)

const dbVersion = 1

// Options configures a new Engine. ProjectRoot and Parser/Executor are
// required for Parse/Execute respectively; Workers defaults to 1.
// Monitor is optional: when set (already constructed and watching via
// scanner.NewMonitor), Scan consults it before walking the tree and
// ConsumeMonitorEvents applies its events incrementally (design §4.4
// final paragraph).
type Options struct {
	ProjectRoot string
	Parser      parsesched.Parser
	Executor    execsched.Executor
	Monitor     *scanner.Monitor
	Workers     int
	FailFast    bool
	Log         *logrus.Entry
}

// Engine is the single entry point a CLI command drives: it owns the
// Store and the advisory lock for the lifetime of the invocation
// (design §5 "Shared resources").
type Engine struct {
	Store       *graphstore.Store
	Lock        *lock.Lock
	ProjectRoot string

	scanner   *scanner.Scanner
	parser    *parsesched.Scheduler
	exec      *execsched.Scheduler
	collector *ghost.Collector
	monitor   *scanner.Monitor
	log       *logrus.Entry
}

// Open acquires the project lock and opens the Graph Store under
// <ProjectRoot>/.tup, then wires the schedulers described in Options.
// The caller must call Close when done.
func Open(opts Options) (*Engine, error) {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.ProjectRoot == "" {
		return nil, fmt.Errorf("tup: project root is required")
	}
	tupDir := filepath.Join(opts.ProjectRoot, ".tup")
	if err := os.MkdirAll(tupDir, 0o755); err != nil {
		return nil, fmt.Errorf("tup: create %s: %w", tupDir, err)
	}

	l, err := lock.Acquire(filepath.Join(tupDir, "lock"))
	if err != nil {
		return nil, err
	}
	store, err := graphstore.Open(filepath.Join(tupDir, "db"), log)
	if err != nil {
		_ = l.Release()
		return nil, err
	}

	e := &Engine{
		Store:       store,
		Lock:        l,
		ProjectRoot: opts.ProjectRoot,
		scanner:     scanner.New(store, log),
		parser:      parsesched.New(store, opts.Parser, opts.ProjectRoot, log),
		collector:   ghost.New(store, log),
		monitor:     opts.Monitor,
		log:         log.WithField("component", "engine"),
	}
	if opts.Executor != nil {
		e.exec = execsched.New(store, opts.Executor, opts.ProjectRoot, opts.Workers, opts.FailFast, log)
	}
	return e, nil
}

// Close releases the Store and advisory lock.
func (e *Engine) Close() error {
	storeErr := e.Store.Close()
	lockErr := e.Lock.Release()
	if storeErr != nil {
		return storeErr
	}
	return lockErr
}

// Init stamps the config table with the current parser/db version,
// then flags the Root directory create so the first Parse picks up its
// Tupfile (design §6 `init [dir]`).
func (e *Engine) Init(ctx context.Context) error {
	txn, err := e.Store.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	if err := txn.SetConfig(configDBVersion, dbVersion); err != nil {
		return err
	}
	if _, found, err := txn.GetConfig(configParserVersion); err != nil {
		return err
	} else if !found {
		if err := txn.SetConfig(configParserVersion, 1); err != nil {
			return err
		}
	}
	if err := txn.Flag(graphstore.RootNodeID, graphstore.FlagCreate); err != nil {
		return err
	}
	e.log.Info("initialized project")
	return txn.Commit()
}

// Scan runs the Scanner (design §6 `scan`/`read`), unless a Monitor was
// wired in and reports its view of the tree is already current, per
// design §4.4's final paragraph ("skipped when an external Monitor has
// been streaming events and reports that its state is current").
func (e *Engine) Scan(ctx context.Context) error {
	if e.monitor != nil && e.monitor.Current() {
		e.log.Debug("monitor reports current, skipping full scan")
		return nil
	}
	return e.scanner.Scan(ctx, e.ProjectRoot)
}

// ConsumeMonitorEvents drains the wired Monitor's event stream, applying
// each change to the Store via the Scanner's incremental ApplyEvent
// (design §4.4 final paragraph), and calls onSettled each time the event
// channel has no further change immediately pending, i.e. whenever the
// Monitor's view transitions back to current. A caller driving a watch
// loop uses onSettled as the signal to re-run Update. Returns nil (not
// an error) when the Engine was opened without a Monitor, so callers can
// invoke it unconditionally.
func (e *Engine) ConsumeMonitorEvents(ctx context.Context, onSettled func()) error {
	if e.monitor == nil {
		return nil
	}
	events := e.monitor.Watch(ctx)
	for ev := range events {
		if err := e.scanner.ApplyEvent(ctx, e.ProjectRoot, ev); err != nil {
			return err
		}
	drain:
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if err := e.scanner.ApplyEvent(ctx, e.ProjectRoot, ev); err != nil {
					return err
				}
			default:
				break drain
			}
		}
		e.monitor.MarkCurrent()
		if onSettled != nil {
			onSettled()
		}
	}
	return nil
}

// Parse drains the create-flag queue (design §6 `parse`/`refactor`).
func (e *Engine) Parse(ctx context.Context, refactor bool) error {
	return e.parser.Run(ctx, refactor)
}

// Execute drains the modify-flag queue (design §6's portion of `upd`).
// Returns ErrNoExecutor if the Engine was opened without one.
func (e *Engine) Execute(ctx context.Context) error {
	if e.exec == nil {
		return ErrNoExecutor
	}
	return e.exec.Run(ctx)
}

// ErrNoExecutor is returned by Execute/Update when the Engine was
// opened without an execsched.Executor (e.g. a read-only `todo` or
// `graph` invocation).
var ErrNoExecutor = fmt.Errorf("tup: no executor configured")

// Update runs Scan → Parse → Execute in sequence (design §6 `upd`).
func (e *Engine) Update(ctx context.Context) error {
	if err := e.Scan(ctx); err != nil {
		return err
	}
	if err := e.Parse(ctx, false); err != nil {
		return err
	}
	if err := e.Execute(ctx); err != nil {
		return err
	}
	_, err := e.collector.Collect(ctx, graphstore.RootNodeID)
	return err
}

// Todo reports the display strings of Commands currently flagged
// modify, i.e. the set Execute would run next, without running
// anything (design §6 `todo [targets…]`). Per design §9's Open
// Question resolution, this is a snapshot taken at one transaction.
func (e *Engine) Todo(ctx context.Context) ([]string, error) {
	txn, err := e.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	var out []string
	err = txn.SelectByFlag(graphstore.FlagModify, func(n graphstore.Node) error {
		if n.Type != graphstore.TypeCommand {
			return nil
		}
		label := n.Display
		if label == "" {
			label = n.Name
		}
		out = append(out, label)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, txn.Commit()
}

// Collect runs the Ghost Collector on demand (design §6, §4.7).
func (e *Engine) Collect(ctx context.Context) (int, error) {
	return e.collector.Collect(ctx, graphstore.RootNodeID)
}

// CreateVariant materializes a variant directory under the project
// root named after the base of configFile (design §3.4, §6 `variant
// config-file…`): a Dir node holding a `tup.config` node, with one Var
// node per `KEY=VALUE` line read from configFile. Line parsing is a
// minimal stand-in for the real config-file collaborator (out of
// scope per spec.md §1); its only job here is giving the vardb
// something to mirror.
func (e *Engine) CreateVariant(ctx context.Context, configFile string) (graphstore.NodeID, error) {
	name := strings.TrimSuffix(filepath.Base(configFile), filepath.Ext(configFile))
	f, err := os.Open(configFile)
	if err != nil {
		return graphstore.NoNode, fmt.Errorf("tup: open variant config %s: %w", configFile, err)
	}
	defer f.Close()

	txn, err := e.Store.Begin(ctx)
	if err != nil {
		return graphstore.NoNode, err
	}
	defer txn.Rollback()

	variantDir, found, err := txn.FindChild(graphstore.RootNodeID, name)
	if err != nil {
		return graphstore.NoNode, err
	}
	if !found || variantDir.Type == graphstore.TypeGhost {
		variantDir.ID, err = txn.CreateNode(graphstore.RootNodeID, name, graphstore.TypeGeneratedDir)
		if err != nil {
			return graphstore.NoNode, err
		}
	}
	cfg, found, err := txn.FindChild(variantDir.ID, "tup.config")
	if err != nil {
		return graphstore.NoNode, err
	}
	if !found || cfg.Type == graphstore.TypeGhost {
		cfg.ID, err = txn.CreateNode(variantDir.ID, "tup.config", graphstore.TypeGeneratedFile)
		if err != nil {
			return graphstore.NoNode, err
		}
	}

	vardbPath := filepath.Join(name, "tup.config")
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		varNode, found, err := txn.FindChild(cfg.ID, key)
		if err != nil {
			return graphstore.NoNode, err
		}
		if !found || varNode.Type == graphstore.TypeGhost {
			varNode.ID, err = txn.CreateNode(cfg.ID, key, graphstore.TypeVar)
			if err != nil {
				return graphstore.NoNode, err
			}
		}
		if err := txn.PutVar(graphstore.Var{NodeID: varNode.ID, VardbPath: vardbPath, Name: key, Value: strings.TrimSpace(value)}); err != nil {
			return graphstore.NoNode, err
		}
	}
	if err := scan.Err(); err != nil {
		return graphstore.NoNode, err
	}
	if err := txn.Flag(variantDir.ID, graphstore.FlagCreate); err != nil {
		return graphstore.NoNode, err
	}
	return variantDir.ID, txn.Commit()
}

// Graph renders the current graph in graphviz format (design §6
// `graph …`).
func (e *Engine) Graph(ctx context.Context, checkDeps bool) (string, error) {
	txn, err := e.Store.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer txn.Rollback()

	exporter := &graphstore.DotExporter{CheckDeps: checkDeps}
	out, err := exporter.Export(txn, graphstore.RootNodeID)
	if err != nil {
		return "", err
	}
	return out, txn.Commit()
}
