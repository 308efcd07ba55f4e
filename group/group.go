package group

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"

	"github.com/groupkeeper/zkgroup/capture"
	"github.com/groupkeeper/zkgroup/coordination"
)

var (
	// ErrClosed fails operations pending when the group is closed.
	ErrClosed = errors.New("group closed")
	// ErrMemberGone rejects info captures for members that no longer exist.
	ErrMemberGone = errors.New("no such member")
	// ErrInvalidMembership is a usage error: the operation was called with
	// the error sentinel membership.
	ErrInvalidMembership = errors.New("membership is the error sentinel")
)

type memberEntry struct {
	c        *capture.Capture[[]byte]
	fetching bool
}

func newMemberEntry() *memberEntry {
	return &memberEntry{c: capture.New[[]byte]()}
}

// Group coordinates ephemeral membership under a single root path. The
// members map is bookkeeping of outstanding and resolved info lookups, never
// the authoritative member list; that lives in the store and the map can be
// rebuilt from it at any time.
//
// Join, Info, Cancel, and Monitor may be called concurrently. Transient
// store errors are retried indefinitely; callers needing a deadline pass a
// context to the synchronous variants or Await the async captures
// themselves.
type Group struct {
	log           logr.Logger
	client        coordination.Client
	clock         clock.Clock
	path          string
	naming        naming
	acl           []coordination.ACL
	retryInterval time.Duration

	mu      sync.Mutex
	members map[Membership]*memberEntry

	closeOnce      sync.Once
	closed         chan struct{}
	removeListener func()

	connMu sync.Mutex
	connCh chan struct{}
}

func New(log logr.Logger, client coordination.Client, path string, opts ...Option) *Group {
	options := defaultOptions()
	for _, o := range opts {
		o(&options)
	}

	g := &Group{
		log:           log.WithName("group"),
		client:        client,
		clock:         options.clock,
		path:          normalizePath(path),
		naming:        naming{prefix: options.prefix},
		acl:           options.acl,
		retryInterval: options.retryInterval,
		members:       make(map[Membership]*memberEntry),
		closed:        make(chan struct{}),
		connCh:        make(chan struct{}),
	}
	g.removeListener = client.OnSessionState(func(state coordination.SessionState) {
		g.log.V(2).Info("session state changed", "path", g.path, "state", state)
		if state == coordination.StateConnected {
			g.signalConnected()
		}
	})
	return g
}

func normalizePath(path string) string {
	path = "/" + strings.Trim(path, "/")
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	return path
}

// Path returns the normalized group root path.
func (g *Group) Path() string {
	return g.path
}

// Close removes the session listener and fails pending operations with
// ErrClosed. It does not cancel the group's memberships; those die with the
// session or via Cancel.
func (g *Group) Close() {
	g.closeOnce.Do(func() {
		g.removeListener()
		close(g.closed)
	})
}

func (g *Group) isClosed() bool {
	select {
	case <-g.closed:
		return true
	default:
		return false
	}
}

func (g *Group) connectedCh() <-chan struct{} {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return g.connCh
}

func (g *Group) signalConnected() {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	close(g.connCh)
	g.connCh = make(chan struct{})
}

// retryWait pauses before reissuing an operation that failed transiently,
// waking early when the session reconnects. Returns false once the group is
// closed.
func (g *Group) retryWait() bool {
	t := g.clock.Timer(g.retryInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-g.connectedCh():
		return true
	case <-g.closed:
		return false
	}
}

func (g *Group) memberPath(m Membership) string {
	return g.path + "/" + g.naming.nameFromID(m.ID())
}

// ensurePath creates the group root, one component at a time. Existing
// components are fine.
func (g *Group) ensurePath() error {
	parts := strings.Split(strings.Trim(g.path, "/"), "/")
	node := ""
	for _, part := range parts {
		node += "/" + part
		for {
			_, err := g.client.Create(node, nil, 0, g.acl)
			if err == nil || errors.Is(err, coordination.ErrNodeExists) {
				break
			}
			if coordination.IsTransient(err) {
				if !g.retryWait() {
					return ErrClosed
				}
				continue
			}
			return errors.Wrapf(err, "creating %s", node)
		}
	}
	return nil
}

type joinOptions struct {
	onExpired func()
}

type JoinOption func(*joinOptions)

// WithExpireFunc arms a watch on the created member node; fn is invoked
// exactly once, the first time the node is observed deleted, whether by
// Cancel, session expiry, or another client.
func WithExpireFunc(fn func()) JoinOption {
	return func(jo *joinOptions) {
		jo.onExpired = fn
	}
}

// JoinAsync advertises data as a new member of the group. The capture
// resolves with the minted Membership, or rejects on a terminal failure.
// Transient failures are retried with the same data and ACL.
func (g *Group) JoinAsync(data []byte, opts ...JoinOption) *capture.Capture[Membership] {
	var options joinOptions
	for _, o := range opts {
		o(&options)
	}
	c := capture.New[Membership]()
	go g.join(data, options.onExpired, c)
	return c
}

// Join is the blocking flavor of JoinAsync. On failure it returns
// ErrorMembership alongside the error.
func (g *Group) Join(ctx context.Context, data []byte, opts ...JoinOption) (Membership, error) {
	m, err := g.JoinAsync(data, opts...).Await(ctx)
	if err != nil {
		return ErrorMembership, err
	}
	return m, nil
}

func (g *Group) join(data []byte, onExpired func(), c *capture.Capture[Membership]) {
	if err := g.ensurePath(); err != nil {
		g.log.Error(err, "join failed", "path", g.path)
		c.Reject(err)
		return
	}
	for {
		created, err := g.client.Create(
			g.path+"/"+g.naming.prefix, data,
			coordination.FlagSequential|coordination.FlagEphemeral, g.acl)
		if err != nil {
			if coordination.IsTransient(err) {
				g.log.V(1).Info("retrying join after transient error", "path", g.path, "err", err.Error())
				if !g.retryWait() {
					c.Reject(ErrClosed)
					return
				}
				continue
			}
			g.log.Error(err, "join failed", "path", g.path)
			c.Reject(err)
			return
		}

		name := created[strings.LastIndex(created, "/")+1:]
		id, err := g.naming.idFromName(name)
		if err != nil {
			g.log.Error(err, "store returned an unusable member name", "name", created)
			c.Reject(err)
			return
		}
		m := newMembership(id)

		g.mu.Lock()
		e, ok := g.members[m]
		if !ok {
			e = newMemberEntry()
			g.members[m] = e
		}
		g.mu.Unlock()
		e.c.Resolve(data)

		if onExpired != nil {
			go g.watchExpiry(created, onExpired)
		}
		c.Resolve(m)
		return
	}
}

// watchExpiry fires onExpired the first time the member node is observed
// deleted, then disarms.
func (g *Group) watchExpiry(nodePath string, onExpired func()) {
	for {
		ok, _, watch, err := g.client.ExistsW(nodePath)
		if err != nil {
			if coordination.IsTransient(err) {
				if !g.retryWait() {
					return
				}
				continue
			}
			g.log.Error(err, "cannot watch member node for expiry", "node", nodePath)
			return
		}
		if !ok {
			onExpired()
			return
		}
		select {
		case ev, delivered := <-watch:
			if delivered && ev.Kind == coordination.EventDeleted {
				onExpired()
				return
			}
			// data change or lost watch: re-arm
		case <-g.closed:
			return
		}
	}
}

// InfoAsync fetches the payload the member advertised. Calls for a member
// with a pending or resolved lookup attach to the existing capture; at most
// one read is in flight per member.
func (g *Group) InfoAsync(m Membership) *capture.Capture[[]byte] {
	if m.IsError() {
		c := capture.New[[]byte]()
		c.Reject(ErrInvalidMembership)
		return c
	}

	g.mu.Lock()
	e, ok := g.members[m]
	if !ok {
		e = newMemberEntry()
		g.members[m] = e
	}
	start := false
	if !e.fetching && !e.c.Resolved() {
		e.fetching = true
		start = true
	}
	g.mu.Unlock()

	if start {
		go g.fetchInfo(m, e)
	}
	return e.c
}

// Info is the blocking flavor of InfoAsync. A gone member yields
// ErrMemberGone; calling it with ErrorMembership is a usage error.
func (g *Group) Info(ctx context.Context, m Membership) ([]byte, error) {
	return g.InfoAsync(m).Await(ctx)
}

func (g *Group) fetchInfo(m Membership, e *memberEntry) {
	node := g.memberPath(m)
	for {
		data, _, err := g.client.Get(node)
		if err == nil {
			e.c.Resolve(data)
			return
		}
		if errors.Is(err, coordination.ErrNoNode) {
			g.dropEntry(m, e)
			e.c.Reject(ErrMemberGone)
			return
		}
		if coordination.IsTransient(err) {
			if !g.retryWait() {
				e.c.Reject(ErrClosed)
				return
			}
			continue
		}
		// The store answered with something unexpected. Fail the capture
		// rather than leave callers blocked forever.
		g.log.Error(err, "info failed", "member", m.ID(), "node", node)
		g.dropEntry(m, e)
		e.c.Reject(err)
		return
	}
}

func (g *Group) dropEntry(m Membership, e *memberEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.members[m]; ok && cur == e {
		delete(g.members, m)
	}
}

// CancelAsync deletes the member's node. Resolves true when the membership
// is provably gone, including when it already expired independently;
// resolves false on an unexpected terminal outcome.
func (g *Group) CancelAsync(m Membership) *capture.Capture[bool] {
	c := capture.New[bool]()
	if m.IsError() {
		c.Reject(ErrInvalidMembership)
		return c
	}
	go g.cancel(m, c)
	return c
}

// Cancel is the blocking flavor of CancelAsync.
func (g *Group) Cancel(ctx context.Context, m Membership) (bool, error) {
	return g.CancelAsync(m).Await(ctx)
}

func (g *Group) cancel(m Membership, c *capture.Capture[bool]) {
	node := g.memberPath(m)
	for {
		err := g.client.Delete(node, coordination.AnyVersion)
		if err == nil || errors.Is(err, coordination.ErrNoNode) {
			g.mu.Lock()
			e, ok := g.members[m]
			if ok {
				delete(g.members, m)
			}
			g.mu.Unlock()
			if ok {
				e.c.Reject(ErrMemberGone)
			}
			c.Resolve(true)
			return
		}
		if coordination.IsTransient(err) {
			if !g.retryWait() {
				c.Reject(ErrClosed)
				return
			}
			continue
		}
		g.log.Error(err, "cancel failed", "member", m.ID(), "node", node)
		c.Resolve(false)
		return
	}
}

// MonitorAsync resolves once the live member set differs from known. A
// missing root counts as an empty live set. Spurious watch fires re-arm the
// watch; root deletion re-enters the wait for its creation; session expiry
// re-arms after reconnection without losing the caller.
func (g *Group) MonitorAsync(known Set) *capture.Capture[Set] {
	c := capture.New[Set]()
	go g.monitor(known, c)
	return c
}

// Monitor is the blocking flavor of MonitorAsync.
func (g *Group) Monitor(ctx context.Context, known Set) (Set, error) {
	return g.MonitorAsync(known).Await(ctx)
}

func (g *Group) monitor(known Set, c *capture.Capture[Set]) {
	for {
		if g.isClosed() {
			c.Reject(ErrClosed)
			return
		}

		ok, _, rootWatch, err := g.client.ExistsW(g.path)
		if err != nil {
			if coordination.IsTransient(err) {
				if !g.retryWait() {
					c.Reject(ErrClosed)
					return
				}
				continue
			}
			g.log.Error(err, "monitor failed", "path", g.path)
			c.Reject(err)
			return
		}

		if !ok {
			if len(known) != 0 {
				g.applyChildren(nil)
				c.Resolve(NewSet())
				return
			}
			if !g.waitEvent(rootWatch) {
				c.Reject(ErrClosed)
				return
			}
			continue
		}

		names, childWatch, err := g.client.ChildrenW(g.path)
		if err != nil {
			if errors.Is(err, coordination.ErrNoNode) {
				// root deleted between exists and children
				continue
			}
			if coordination.IsTransient(err) {
				if !g.retryWait() {
					c.Reject(ErrClosed)
					return
				}
				continue
			}
			g.log.Error(err, "monitor failed", "path", g.path)
			c.Reject(err)
			return
		}

		_, _, current := g.applyChildren(names)
		if !current.Equal(known) {
			c.Resolve(current)
			return
		}
		if !g.waitEvent(childWatch) {
			c.Reject(ErrClosed)
			return
		}
	}
}

func (g *Group) waitEvent(watch <-chan coordination.Event) bool {
	select {
	case <-watch:
		return true
	case <-g.closed:
		return false
	}
}

// List is a one-shot, best-effort listing: no watch, no retry loop. A
// missing root is an empty group.
func (g *Group) List() ([]Membership, error) {
	names, err := g.client.Children(g.path)
	if err != nil {
		if errors.Is(err, coordination.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	return g.naming.membershipsFrom(names).Sorted(), nil
}

// Members snapshots the currently bookkept memberships. Best effort, not
// authoritative.
func (g *Group) Members() []Membership {
	g.mu.Lock()
	s := make(Set, len(g.members))
	for m := range g.members {
		s.Add(m)
	}
	g.mu.Unlock()
	return s.Sorted()
}
