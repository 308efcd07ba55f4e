// Package coordtest implements an in-memory coordination service with real
// sequential-ephemeral numbering, one-shot watches, and controls for
// inducing connection loss, session expiry, and external interference.
package coordtest

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/groupkeeper/zkgroup/coordination"
)

type znode struct {
	data      []byte
	ephemeral bool
	version   int32
}

type Server struct {
	mu        sync.Mutex
	connected bool
	nodes     map[string]*znode
	seqs      map[string]int

	dataWatches   map[string][]chan coordination.Event
	childWatches  map[string][]chan coordination.Event
	existsWatches map[string][]chan coordination.Event

	listeners    map[int]func(coordination.SessionState)
	nextListener int

	gets int
}

var _ coordination.Client = (*Server)(nil)

func New() *Server {
	return &Server{
		connected:     true,
		nodes:         make(map[string]*znode),
		seqs:          make(map[string]int),
		dataWatches:   make(map[string][]chan coordination.Event),
		childWatches:  make(map[string][]chan coordination.Event),
		existsWatches: make(map[string][]chan coordination.Event),
		listeners:     make(map[int]func(coordination.SessionState)),
	}
}

func parentOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func (s *Server) Create(path string, data []byte, flags coordination.NodeFlags, acl []coordination.ACL) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return "", coordination.ErrConnectionClosed
	}

	parent := parentOf(path)
	if parent != "/" {
		if _, ok := s.nodes[parent]; !ok {
			return "", coordination.ErrNoNode
		}
	}

	actual := path
	if flags&coordination.FlagSequential != 0 {
		actual = fmt.Sprintf("%s%010d", path, s.seqs[parent])
		s.seqs[parent]++
	}
	if _, ok := s.nodes[actual]; ok {
		return "", coordination.ErrNodeExists
	}

	s.nodes[actual] = &znode{
		data:      append([]byte(nil), data...),
		ephemeral: flags&coordination.FlagEphemeral != 0,
	}
	s.fireLocked(s.existsWatches, actual, coordination.EventCreated, coordination.StateConnected)
	s.fireLocked(s.childWatches, parent, coordination.EventChild, coordination.StateConnected)
	return actual, nil
}

func (s *Server) Delete(path string, version int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return coordination.ErrConnectionClosed
	}
	n, ok := s.nodes[path]
	if !ok {
		return coordination.ErrNoNode
	}
	if version != coordination.AnyVersion && version != n.version {
		return coordination.ErrBadVersion
	}
	s.removeLocked(path, coordination.StateConnected)
	return nil
}

func (s *Server) removeLocked(path string, state coordination.SessionState) {
	delete(s.nodes, path)
	s.fireLocked(s.dataWatches, path, coordination.EventDeleted, state)
	s.fireLocked(s.existsWatches, path, coordination.EventDeleted, state)
	s.fireLocked(s.childWatches, path, coordination.EventDeleted, state)
	s.fireLocked(s.childWatches, parentOf(path), coordination.EventChild, state)
}

func (s *Server) Get(path string) ([]byte, *coordination.Stat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(path)
}

func (s *Server) GetW(path string) ([]byte, *coordination.Stat, <-chan coordination.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, stat, err := s.getLocked(path)
	if err != nil {
		return nil, nil, nil, err
	}
	return data, stat, s.watchLocked(s.dataWatches, path), nil
}

func (s *Server) getLocked(path string) ([]byte, *coordination.Stat, error) {
	if !s.connected {
		return nil, nil, coordination.ErrConnectionClosed
	}
	n, ok := s.nodes[path]
	if !ok {
		return nil, nil, coordination.ErrNoNode
	}
	s.gets++
	return append([]byte(nil), n.data...), &coordination.Stat{Version: n.version}, nil
}

func (s *Server) Children(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childrenLocked(path)
}

func (s *Server) ChildrenW(path string) ([]string, <-chan coordination.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := s.childrenLocked(path)
	if err != nil {
		return nil, nil, err
	}
	return names, s.watchLocked(s.childWatches, path), nil
}

func (s *Server) childrenLocked(path string) ([]string, error) {
	if !s.connected {
		return nil, coordination.ErrConnectionClosed
	}
	if _, ok := s.nodes[path]; !ok {
		return nil, coordination.ErrNoNode
	}
	prefix := path + "/"
	var names []string
	for p := range s.nodes {
		if strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			names = append(names, p[len(prefix):])
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Server) Exists(path string) (bool, *coordination.Stat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existsLocked(path)
}

func (s *Server) ExistsW(path string) (bool, *coordination.Stat, <-chan coordination.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, stat, err := s.existsLocked(path)
	if err != nil {
		return false, nil, nil, err
	}
	return ok, stat, s.watchLocked(s.existsWatches, path), nil
}

func (s *Server) existsLocked(path string) (bool, *coordination.Stat, error) {
	if !s.connected {
		return false, nil, coordination.ErrConnectionClosed
	}
	n, ok := s.nodes[path]
	if !ok {
		return false, nil, nil
	}
	return true, &coordination.Stat{Version: n.version}, nil
}

func (s *Server) OnSessionState(fn func(coordination.SessionState)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Server) watchLocked(watches map[string][]chan coordination.Event, path string) <-chan coordination.Event {
	ch := make(chan coordination.Event, 1)
	watches[path] = append(watches[path], ch)
	return ch
}

func (s *Server) fireLocked(watches map[string][]chan coordination.Event, path string, kind coordination.EventKind, state coordination.SessionState) {
	for _, ch := range watches[path] {
		ch <- coordination.Event{Kind: kind, Path: path, State: state}
		close(ch)
	}
	delete(watches, path)
}

func (s *Server) flushWatchesLocked(watches map[string][]chan coordination.Event) {
	for path, chans := range watches {
		for _, ch := range chans {
			ch <- coordination.Event{Kind: coordination.EventSession, Path: path, State: coordination.StateExpired}
			close(ch)
		}
		delete(watches, path)
	}
}

func (s *Server) notify(state coordination.SessionState) {
	s.mu.Lock()
	fns := make([]func(coordination.SessionState), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

// Disconnect makes all operations fail with a transient connection error
// until Restore is called. Registered watches survive.
func (s *Server) Disconnect() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.notify(coordination.StateConnecting)
}

// Restore reconnects after a Disconnect.
func (s *Server) Restore() {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.notify(coordination.StateConnected)
}

// ExpireSession simulates a session expiry: all ephemeral nodes are removed
// (firing their watches), then listeners observe Expired followed by
// Connected for the replacement session.
func (s *Server) ExpireSession() {
	s.mu.Lock()
	var ephemerals []string
	for p, n := range s.nodes {
		if n.ephemeral {
			ephemerals = append(ephemerals, p)
		}
	}
	sort.Strings(ephemerals)
	for _, p := range ephemerals {
		s.removeLocked(p, coordination.StateExpired)
	}
	// outstanding watches learn about the expiry too, as they would from a
	// real store
	s.flushWatchesLocked(s.dataWatches)
	s.flushWatchesLocked(s.childWatches)
	s.flushWatchesLocked(s.existsWatches)
	s.mu.Unlock()
	s.notify(coordination.StateExpired)
	s.notify(coordination.StateConnected)
}

// PutNode creates or updates a node directly, bypassing the session. Missing
// parents are created. Used to simulate other clients.
func (s *Server) PutNode(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent := parentOf(path)
	if parent != "/" {
		if _, ok := s.nodes[parent]; !ok {
			s.putParentsLocked(parent)
		}
	}
	if n, ok := s.nodes[path]; ok {
		n.data = append([]byte(nil), data...)
		n.version++
		s.fireLocked(s.dataWatches, path, coordination.EventChanged, coordination.StateConnected)
		s.fireLocked(s.existsWatches, path, coordination.EventChanged, coordination.StateConnected)
		return
	}
	s.nodes[path] = &znode{data: append([]byte(nil), data...)}
	s.fireLocked(s.existsWatches, path, coordination.EventCreated, coordination.StateConnected)
	s.fireLocked(s.childWatches, parent, coordination.EventChild, coordination.StateConnected)
}

func (s *Server) putParentsLocked(path string) {
	parent := parentOf(path)
	if parent != "/" {
		if _, ok := s.nodes[parent]; !ok {
			s.putParentsLocked(parent)
		}
	}
	if _, ok := s.nodes[path]; !ok {
		s.nodes[path] = &znode{}
		s.fireLocked(s.existsWatches, path, coordination.EventCreated, coordination.StateConnected)
		s.fireLocked(s.childWatches, parent, coordination.EventChild, coordination.StateConnected)
	}
}

// RemoveNode deletes a node directly, bypassing the session. Used to
// simulate other clients or operator interference.
func (s *Server) RemoveNode(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[path]; ok {
		s.removeLocked(path, coordination.StateConnected)
	}
}

// GetCalls reports how many successful Get/GetW reads were issued. Tests use
// it to assert single-flight info fetches.
func (s *Server) GetCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}
