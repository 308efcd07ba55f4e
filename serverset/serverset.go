package serverset

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"

	"github.com/groupkeeper/zkgroup/group"
)

// memberGroup is the slice of the group surface a ServerSet consumes. Both
// *group.Group and *group.ActiveGroup satisfy it.
type memberGroup interface {
	Join(ctx context.Context, data []byte, opts ...group.JoinOption) (group.Membership, error)
	Info(ctx context.Context, m group.Membership) ([]byte, error)
	Cancel(ctx context.Context, m group.Membership) (bool, error)
	Monitor(ctx context.Context, known group.Set) (group.Set, error)
}

// Delegate receives membership change notifications from Watch. Callbacks
// run on the watch goroutine and must not block for long.
type Delegate interface {
	NotifyJoin(m group.Membership, instance Instance)
	NotifyLeave(m group.Membership)
}

type DelegateCallbacks struct {
	NotifyJoinFunc  func(group.Membership, Instance)
	NotifyLeaveFunc func(group.Membership)
}

func (cb *DelegateCallbacks) NotifyJoin(m group.Membership, instance Instance) {
	if cb.NotifyJoinFunc != nil {
		cb.NotifyJoinFunc(m, instance)
	}
}

func (cb *DelegateCallbacks) NotifyLeave(m group.Membership) {
	if cb.NotifyLeaveFunc != nil {
		cb.NotifyLeaveFunc(m)
	}
}

// ServerSet advertises and observes Instances through a membership group.
type ServerSet struct {
	log logr.Logger
	g   memberGroup

	mu        sync.Mutex
	instances map[group.Membership]Instance
}

func New(log logr.Logger, g memberGroup) *ServerSet {
	return &ServerSet{
		log:       log.WithName("serverset"),
		g:         g,
		instances: make(map[group.Membership]Instance),
	}
}

// Join advertises instance in the set. An empty status defaults to ALIVE.
func (s *ServerSet) Join(ctx context.Context, instance Instance, opts ...group.JoinOption) (group.Membership, error) {
	if instance.Status == "" {
		instance.Status = StatusAlive
	}
	data, err := instance.Marshal()
	if err != nil {
		return group.ErrorMembership, errors.Wrap(err, "marshaling instance")
	}
	m, err := s.g.Join(ctx, data, opts...)
	if err != nil {
		return group.ErrorMembership, err
	}
	s.mu.Lock()
	s.instances[m] = instance
	s.mu.Unlock()
	return m, nil
}

// Leave cancels the membership. True means the membership is provably gone.
func (s *ServerSet) Leave(ctx context.Context, m group.Membership) (bool, error) {
	ok, err := s.g.Cancel(ctx, m)
	if ok {
		s.mu.Lock()
		delete(s.instances, m)
		s.mu.Unlock()
	}
	return ok, err
}

// Instance returns the denormalized record for a member seen by Join or
// Watch.
func (s *ServerSet) Instance(m group.Membership) (Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.instances[m]
	return instance, ok
}

// Watch monitors the set and feeds joins and leaves to the delegate until
// the returned stop func is called or the underlying group closes. Members
// whose payloads cannot be read or parsed are logged and skipped.
func (s *ServerSet) Watch(d Delegate) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go s.watch(ctx, d, done)
	return func() {
		cancel()
		<-done
	}
}

func (s *ServerSet) watch(ctx context.Context, d Delegate, done chan struct{}) {
	defer close(done)

	known := group.NewSet()
	for {
		current, err := s.g.Monitor(ctx, known)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, group.ErrClosed) {
				s.log.Error(err, "watch stopped")
			}
			return
		}

		for _, m := range current.Sorted() {
			if known.Has(m) {
				continue
			}
			data, err := s.g.Info(ctx, m)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.V(1).Info("skipping member without readable payload", "member", m.ID(), "err", err.Error())
				continue
			}
			instance, err := ParseInstance(data)
			if err != nil {
				s.log.Error(err, "skipping member with unparseable payload", "member", m.ID())
				continue
			}
			s.mu.Lock()
			s.instances[m] = instance
			s.mu.Unlock()
			d.NotifyJoin(m, instance)
		}

		for _, m := range known.Sorted() {
			if current.Has(m) {
				continue
			}
			s.mu.Lock()
			_, had := s.instances[m]
			delete(s.instances, m)
			s.mu.Unlock()
			if had {
				d.NotifyLeave(m)
			}
		}

		known = current
	}
}
