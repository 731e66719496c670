// Package graphstore implements the persistent dependency graph described
// in the design: nodes, links, flag queues, variables, environment
// snapshots and configuration, all mutated through explicit transactions
// backed by a sqlite file under the project's .tup directory.
package graphstore

import "fmt"

// NodeID is a stable 64-bit identifier assigned on node creation and never
// reused, even after the node is destroyed by the Ghost Collector.
type NodeID int64

// NoNode is the sentinel NodeID used for the root's parent and for "no
// result" return values.
const NoNode NodeID = 0

// NodeType is the tagged variant of a node. Type-specific fields (Display,
// Flags) are only meaningful for Command nodes and are left zero otherwise.
type NodeType int

// Node type variants, see design §3.1.
const (
	TypeUnknown NodeType = iota
	TypeFile
	TypeGeneratedFile
	TypeCommand
	TypeDir
	TypeGeneratedDir
	TypeVar
	TypeGroup
	TypeGhost
	TypeRoot
	TypeEnv
	TypeExclusion
)

// String renders a NodeType the way it shows up in diagnostics and in the
// DOT export.
func (t NodeType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeGeneratedFile:
		return "generated-file"
	case TypeCommand:
		return "command"
	case TypeDir:
		return "dir"
	case TypeGeneratedDir:
		return "generated-dir"
	case TypeVar:
		return "var"
	case TypeGroup:
		return "group"
	case TypeGhost:
		return "ghost"
	case TypeRoot:
		return "root"
	case TypeEnv:
		return "env"
	case TypeExclusion:
		return "exclusion"
	}
	return "unknown"
}

// MtimeKind distinguishes a real filesystem timestamp from the two
// sentinels a node's mtime can hold (design §3.1).
type MtimeKind int

const (
	// MtimeValid means Mtime carries a real, comparable timestamp.
	MtimeValid MtimeKind = iota
	// MtimeInvalid means the node's mtime is not yet known (never scanned).
	MtimeInvalid
	// MtimeExternalDir means the node is a directory explicitly excluded
	// from scanning (e.g. a variant directory mounted elsewhere).
	MtimeExternalDir
)

// Mtime is a nanosecond-precision modification time, or one of the two
// sentinel kinds from design §3.1.
type Mtime struct {
	Kind MtimeKind
	Sec  int64
	Nsec int64
}

// Before reports whether m happened strictly before other. Only valid
// mtimes are ordered; sentinel kinds are never "before" anything.
func (m Mtime) Before(other Mtime) bool {
	if m.Kind != MtimeValid || other.Kind != MtimeValid {
		return false
	}
	if m.Sec != other.Sec {
		return m.Sec < other.Sec
	}
	return m.Nsec < other.Nsec
}

// Equal reports whether m and other represent the same point in time (or
// the same sentinel kind).
func (m Mtime) Equal(other Mtime) bool {
	if m.Kind != other.Kind {
		return false
	}
	if m.Kind != MtimeValid {
		return true
	}
	return m.Sec == other.Sec && m.Nsec == other.Nsec
}

// InvalidMtime is the "unknown" sentinel. It is not the zero value: a zero
// Mtime is a valid timestamp at second 0.
var InvalidMtime = Mtime{Kind: MtimeInvalid}

// ExternalDirMtime marks a directory that must never be scanned.
var ExternalDirMtime = Mtime{Kind: MtimeExternalDir}

// Node is a row of the nodes table together with the attributes from
// design §3.1.
type Node struct {
	ID       NodeID
	ParentID NodeID
	Name     string
	Type     NodeType
	Mtime    Mtime
	Display  string
	Flags    string
	SrcID    NodeID
}

// LinkStyle is the kind of dependency edge, design §3.2.
type LinkStyle int

const (
	// StyleNormal is a runtime-observed dependency.
	StyleNormal LinkStyle = iota
	// StyleSticky is a declared dependency from a Tupfile.
	StyleSticky
	// StyleGroup is a dependency on a Group node.
	StyleGroup
)

func (s LinkStyle) String() string {
	switch s {
	case StyleNormal:
		return "normal"
	case StyleSticky:
		return "sticky"
	case StyleGroup:
		return "group"
	}
	return "unknown"
}

// Link is a directed edge (design §3.2).
type Link struct {
	From  NodeID
	To    NodeID
	Style LinkStyle
}

// FlagKind is one of the four disjoint work queues from design §3.3.
type FlagKind int

const (
	// FlagConfig marks configuration nodes whose value may have changed.
	FlagConfig FlagKind = iota
	// FlagCreate marks directories whose Tupfile must be (re)parsed.
	FlagCreate
	// FlagModify marks commands or files whose downstream work must be
	// re-executed.
	FlagModify
	// FlagTransient marks nodes scheduled for deletion pending confirmation.
	FlagTransient
)

func (k FlagKind) String() string {
	switch k {
	case FlagConfig:
		return "config"
	case FlagCreate:
		return "create"
	case FlagModify:
		return "modify"
	case FlagTransient:
		return "transient"
	}
	return "unknown"
}

// Sentinel errors for the invariant violations listed in design §7.
var (
	// ErrDuplicateName is returned by CreateNode when (parent, name)
	// already names a live node.
	ErrDuplicateName = fmt.Errorf("tup: duplicate node name")
	// ErrCycleDetected is returned by CreateLink when the new edge would
	// close a cycle in the declared-edge subgraph among Commands.
	ErrCycleDetected = fmt.Errorf("tup: cycle detected among declared command edges")
	// ErrNotFound is returned when an operation references a node id that
	// does not exist.
	ErrNotFound = fmt.Errorf("tup: node not found")
	// ErrDirNotEmpty is returned by DeleteDir when force is false and the
	// directory still has live children.
	ErrDirNotEmpty = fmt.Errorf("tup: directory is not empty")
)
