// Package coordination defines the contract this library needs from a
// hierarchical, watch-capable coordination store. The group package is
// written against these interfaces; bindings to real stores live under
// plugins/coordination.
package coordination

import "fmt"

type NodeFlags int32

const (
	// FlagEphemeral nodes are deleted by the store when the creating
	// session ends.
	FlagEphemeral NodeFlags = 1 << iota
	// FlagSequential nodes get a monotonically increasing numeric suffix
	// appended to their name at creation time.
	FlagSequential
)

const (
	PermRead int32 = 1 << iota
	PermWrite
	PermCreate
	PermDelete
	PermAdmin
	PermAll = PermRead | PermWrite | PermCreate | PermDelete | PermAdmin
)

// ACL is passed through to node creation. The group package treats it as
// opaque.
type ACL struct {
	Perms  int32
	Scheme string
	ID     string
}

// WorldACL grants the given permissions to anyone.
func WorldACL(perms int32) []ACL {
	return []ACL{{Perms: perms, Scheme: "world", ID: "anyone"}}
}

type Stat struct {
	Version int32
}

// AnyVersion disables the version check on Delete.
const AnyVersion int32 = -1

type EventKind int

const (
	EventCreated EventKind = iota
	EventDeleted
	EventChanged
	EventChild
	EventSession
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventDeleted:
		return "deleted"
	case EventChanged:
		return "changed"
	case EventChild:
		return "child"
	case EventSession:
		return "session"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

type SessionState int

const (
	StateConnecting SessionState = iota
	StateConnected
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateExpired:
		return "expired"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Event is delivered on a watch channel. Watches are one-shot: the channel
// receives at most one event and is closed afterwards.
type Event struct {
	Kind  EventKind
	Path  string
	State SessionState
}

// Client is the capability the group package consumes. All operations are
// synchronous; the store delivers watch events and session transitions
// serially from its own event-delivery goroutine.
type Client interface {
	// Create makes a node and returns its actual path, which differs from
	// the requested one when FlagSequential is set.
	Create(path string, data []byte, flags NodeFlags, acl []ACL) (string, error)
	Delete(path string, version int32) error

	Get(path string) ([]byte, *Stat, error)
	GetW(path string) ([]byte, *Stat, <-chan Event, error)
	Children(path string) ([]string, error)
	ChildrenW(path string) ([]string, <-chan Event, error)
	Exists(path string) (bool, *Stat, error)
	ExistsW(path string) (bool, *Stat, <-chan Event, error)

	// OnSessionState registers fn for session state transitions. The
	// returned func removes the registration.
	OnSessionState(fn func(SessionState)) (remove func())
}
