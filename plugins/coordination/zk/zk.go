// Package zk binds the coordination contract to Apache ZooKeeper via
// github.com/go-zookeeper/zk.
package zk

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	gozk "github.com/go-zookeeper/zk"

	"github.com/groupkeeper/zkgroup/coordination"
)

type Client struct {
	conn *gozk.Conn

	mu        sync.Mutex
	listeners map[int]func(coordination.SessionState)
	nextID    int
}

var _ coordination.Client = (*Client)(nil)

func Connect(servers []string, sessionTimeout time.Duration) (*Client, error) {
	conn, events, err := gozk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, err
	}
	return Wrap(conn, events), nil
}

// Wrap adapts an already-established connection and its session event
// channel.
func Wrap(conn *gozk.Conn, sessionEvents <-chan gozk.Event) *Client {
	c := &Client{
		conn:      conn,
		listeners: make(map[int]func(coordination.SessionState)),
	}
	go c.sessionLoop(sessionEvents)
	return c
}

func (c *Client) Close() {
	c.conn.Close()
}

func (c *Client) sessionLoop(events <-chan gozk.Event) {
	for ev := range events {
		if ev.Type != gozk.EventSession {
			continue
		}
		state, ok := mapState(ev.State)
		if !ok {
			continue
		}
		c.mu.Lock()
		fns := make([]func(coordination.SessionState), 0, len(c.listeners))
		for _, fn := range c.listeners {
			fns = append(fns, fn)
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(state)
		}
	}
}

func (c *Client) Create(path string, data []byte, flags coordination.NodeFlags, acl []coordination.ACL) (string, error) {
	created, err := c.conn.Create(path, data, mapFlags(flags), mapACLs(acl))
	if err != nil {
		return "", mapErr(err)
	}
	return created, nil
}

func (c *Client) Delete(path string, version int32) error {
	return mapErr(c.conn.Delete(path, version))
}

func (c *Client) Get(path string) ([]byte, *coordination.Stat, error) {
	data, stat, err := c.conn.Get(path)
	if err != nil {
		return nil, nil, mapErr(err)
	}
	return data, mapStat(stat), nil
}

func (c *Client) GetW(path string) ([]byte, *coordination.Stat, <-chan coordination.Event, error) {
	data, stat, watch, err := c.conn.GetW(path)
	if err != nil {
		return nil, nil, nil, mapErr(err)
	}
	return data, mapStat(stat), forwardWatch(watch), nil
}

func (c *Client) Children(path string) ([]string, error) {
	names, _, err := c.conn.Children(path)
	if err != nil {
		return nil, mapErr(err)
	}
	return names, nil
}

func (c *Client) ChildrenW(path string) ([]string, <-chan coordination.Event, error) {
	names, _, watch, err := c.conn.ChildrenW(path)
	if err != nil {
		return nil, nil, mapErr(err)
	}
	return names, forwardWatch(watch), nil
}

func (c *Client) Exists(path string) (bool, *coordination.Stat, error) {
	ok, stat, err := c.conn.Exists(path)
	if err != nil {
		return false, nil, mapErr(err)
	}
	if !ok {
		return false, nil, nil
	}
	return true, mapStat(stat), nil
}

func (c *Client) ExistsW(path string) (bool, *coordination.Stat, <-chan coordination.Event, error) {
	ok, stat, watch, err := c.conn.ExistsW(path)
	if err != nil {
		return false, nil, nil, mapErr(err)
	}
	if !ok {
		return false, nil, forwardWatch(watch), nil
	}
	return true, mapStat(stat), forwardWatch(watch), nil
}

func (c *Client) OnSessionState(fn func(coordination.SessionState)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// forwardWatch converts a one-shot zk watch channel, preserving the closed-
// after-delivery contract.
func forwardWatch(watch <-chan gozk.Event) <-chan coordination.Event {
	out := make(chan coordination.Event, 1)
	go func() {
		defer close(out)
		ev, ok := <-watch
		if !ok {
			return
		}
		out <- convertEvent(ev)
	}()
	return out
}

func convertEvent(ev gozk.Event) coordination.Event {
	e := coordination.Event{Path: ev.Path, State: coordination.StateConnected}
	switch ev.Type {
	case gozk.EventNodeCreated:
		e.Kind = coordination.EventCreated
	case gozk.EventNodeDeleted:
		e.Kind = coordination.EventDeleted
	case gozk.EventNodeDataChanged:
		e.Kind = coordination.EventChanged
	case gozk.EventNodeChildrenChanged:
		e.Kind = coordination.EventChild
	default:
		e.Kind = coordination.EventSession
	}
	if state, ok := mapState(ev.State); ok {
		e.State = state
	}
	return e
}

func mapState(s gozk.State) (coordination.SessionState, bool) {
	switch s {
	case gozk.StateHasSession:
		return coordination.StateConnected, true
	case gozk.StateDisconnected, gozk.StateConnecting, gozk.StateConnected:
		// StateConnected is TCP-level only; no session yet.
		return coordination.StateConnecting, true
	case gozk.StateExpired:
		return coordination.StateExpired, true
	}
	return 0, false
}

func mapFlags(flags coordination.NodeFlags) int32 {
	var f int32
	if flags&coordination.FlagEphemeral != 0 {
		f |= gozk.FlagEphemeral
	}
	if flags&coordination.FlagSequential != 0 {
		f |= gozk.FlagSequence
	}
	return f
}

func mapACLs(acls []coordination.ACL) []gozk.ACL {
	out := make([]gozk.ACL, len(acls))
	for i, a := range acls {
		out[i] = gozk.ACL{Perms: a.Perms, Scheme: a.Scheme, ID: a.ID}
	}
	return out
}

func mapStat(stat *gozk.Stat) *coordination.Stat {
	if stat == nil {
		return nil
	}
	return &coordination.Stat{Version: stat.Version}
}

// mapErr marks zk errors with the coordination sentinels so IsTransient and
// errors.Is classification work above this binding.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gozk.ErrNoNode):
		return errors.Mark(err, coordination.ErrNoNode)
	case errors.Is(err, gozk.ErrNodeExists):
		return errors.Mark(err, coordination.ErrNodeExists)
	case errors.Is(err, gozk.ErrBadVersion):
		return errors.Mark(err, coordination.ErrBadVersion)
	case errors.Is(err, gozk.ErrNoAuth), errors.Is(err, gozk.ErrAuthFailed), errors.Is(err, gozk.ErrInvalidACL):
		return errors.Mark(err, coordination.ErrNoAuth)
	case errors.Is(err, gozk.ErrClosing):
		return errors.Mark(err, coordination.ErrClosing)
	case errors.Is(err, gozk.ErrConnectionClosed):
		return errors.Mark(err, coordination.ErrConnectionClosed)
	case errors.Is(err, gozk.ErrSessionExpired), errors.Is(err, gozk.ErrSessionMoved):
		return errors.Mark(err, coordination.ErrSessionExpired)
	}
	return err
}
