package group

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/segmentio/ksuid"

	"github.com/groupkeeper/zkgroup/capture"
	"github.com/groupkeeper/zkgroup/coordination"
)

type pendingMonitor struct {
	known Set
	c     *capture.Capture[Set]
}

// ActiveGroup behaves like Group but keeps a single perpetual children watch
// for its whole lifetime instead of one watch per Monitor call. Every
// observed change updates bookkeeping, eagerly fetches info for joined
// members, and resolves whichever pending monitors now differ from the live
// set. n concurrent Monitor callers cost one store watch, not n.
type ActiveGroup struct {
	*Group

	monMu    sync.Mutex
	monitors map[string]*pendingMonitor
	last     Set // live set as of the latest listing; nil before the first
	stopped  bool

	done chan struct{}
}

func NewActive(log logr.Logger, client coordination.Client, path string, opts ...Option) *ActiveGroup {
	ag := &ActiveGroup{
		Group:    New(log, client, path, opts...),
		monitors: make(map[string]*pendingMonitor),
		done:     make(chan struct{}),
	}
	go ag.watchLoop()
	return ag
}

// Close stops the watch loop and rejects pending monitors with ErrClosed.
func (ag *ActiveGroup) Close() {
	ag.Group.Close()
	<-ag.done
}

func (ag *ActiveGroup) watchLoop() {
	defer close(ag.done)
	defer ag.failMonitors(ErrClosed)

	for {
		if ag.isClosed() {
			return
		}

		ok, _, rootWatch, err := ag.client.ExistsW(ag.path)
		if err != nil {
			if !coordination.IsTransient(err) {
				ag.log.Error(err, "watch loop cannot observe group root", "path", ag.path)
			}
			if !ag.retryWait() {
				return
			}
			continue
		}

		if !ok {
			ag.applyListing(nil)
			if !ag.waitEvent(rootWatch) {
				return
			}
			continue
		}

		names, childWatch, err := ag.client.ChildrenW(ag.path)
		if err != nil {
			if errors.Is(err, coordination.ErrNoNode) {
				// root deleted between exists and children
				continue
			}
			if !coordination.IsTransient(err) {
				ag.log.Error(err, "watch loop cannot list members", "path", ag.path)
			}
			if !ag.retryWait() {
				return
			}
			continue
		}

		ag.applyListing(names)
		if !ag.waitEvent(childWatch) {
			return
		}
	}
}

func (ag *ActiveGroup) applyListing(names []string) {
	left, joined, current := ag.applyChildren(names)
	if len(left) > 0 || len(joined) > 0 {
		ag.log.V(1).Info("membership changed", "path", ag.path, "left", len(left), "joined", len(joined), "size", len(current))
	}

	for _, m := range joined {
		m := m
		ag.InfoAsync(m).OnDone(func(_ []byte, err error) {
			if err != nil {
				ag.log.V(2).Info("eager info fetch failed", "member", m.ID(), "err", err.Error())
			}
		})
	}

	ag.monMu.Lock()
	ag.last = current
	var due []*pendingMonitor
	for id, pm := range ag.monitors {
		if !pm.known.Equal(current) {
			due = append(due, pm)
			delete(ag.monitors, id)
		}
	}
	ag.monMu.Unlock()

	// resolve outside the lock: capture callbacks may call MonitorAsync
	for _, pm := range due {
		pm.c.Resolve(current.Copy())
	}
}

func (ag *ActiveGroup) failMonitors(err error) {
	ag.monMu.Lock()
	ag.stopped = true
	pending := make([]*pendingMonitor, 0, len(ag.monitors))
	for id, pm := range ag.monitors {
		pending = append(pending, pm)
		delete(ag.monitors, id)
	}
	ag.monMu.Unlock()

	for _, pm := range pending {
		pm.c.Reject(err)
	}
}

// MonitorAsync resolves once the live member set differs from known,
// serviced by the shared watch loop. If the loop has already observed a
// differing live set the capture resolves immediately, without touching the
// store.
func (ag *ActiveGroup) MonitorAsync(known Set) *capture.Capture[Set] {
	c := capture.New[Set]()

	ag.monMu.Lock()
	if ag.stopped {
		ag.monMu.Unlock()
		c.Reject(ErrClosed)
		return c
	}
	if ag.last != nil && !ag.last.Equal(known) {
		last := ag.last.Copy()
		ag.monMu.Unlock()
		c.Resolve(last)
		return c
	}
	ag.monitors[ksuid.New().String()] = &pendingMonitor{known: known.Copy(), c: c}
	ag.monMu.Unlock()
	return c
}

// Monitor is the blocking flavor of MonitorAsync.
func (ag *ActiveGroup) Monitor(ctx context.Context, known Set) (Set, error) {
	return ag.MonitorAsync(known).Await(ctx)
}
