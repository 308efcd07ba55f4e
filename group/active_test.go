package group

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupkeeper/zkgroup/capture"
	"github.com/groupkeeper/zkgroup/coordination/coordtest"
)

func newTestActiveGroup(t *testing.T, srv *coordtest.Server, path string, opts ...Option) *ActiveGroup {
	t.Helper()
	opts = append([]Option{WithRetryInterval(time.Millisecond)}, opts...)
	ag := NewActive(testLogger(), srv, path, opts...)
	t.Cleanup(ag.Close)
	return ag
}

func TestActiveGroupMonitor(t *testing.T) {
	ctx := testContext(t)
	srv := coordtest.New()
	ag := newTestActiveGroup(t, srv, "/test/service")

	m0, err := ag.Join(ctx, []byte("payload-A"))
	require.NoError(t, err)
	m1, err := ag.Join(ctx, []byte("payload-B"))
	require.NoError(t, err)

	set, err := ag.Monitor(ctx, NewSet())
	require.NoError(t, err)
	assert.True(t, NewSet(m0, m1).Equal(set))

	c := ag.MonitorAsync(set)
	requireUnresolved(t, c)

	m2, err := ag.Join(ctx, []byte("payload-C"))
	require.NoError(t, err)

	set, err = c.Await(ctx)
	require.NoError(t, err)
	assert.True(t, NewSet(m0, m1, m2).Equal(set))
}

func TestActiveGroupManyMonitorsOneWatch(t *testing.T) {
	ctx := testContext(t)
	srv := coordtest.New()
	ag := newTestActiveGroup(t, srv, "/test/service")

	m0, err := ag.Join(ctx, []byte("payload"))
	require.NoError(t, err)

	known := NewSet(m0)
	cs := make([]*capture.Capture[Set], 0, 8)
	for i := 0; i < 8; i++ {
		cs = append(cs, ag.MonitorAsync(known))
	}
	time.Sleep(50 * time.Millisecond)
	for _, c := range cs {
		require.False(t, c.Resolved())
	}

	m1, err := ag.Join(ctx, []byte("payload-2"))
	require.NoError(t, err)

	want := NewSet(m0, m1)
	for _, c := range cs {
		set, err := c.Await(ctx)
		require.NoError(t, err)
		assert.True(t, want.Equal(set))
	}
}

func TestActiveGroupEagerInfo(t *testing.T) {
	ctx := testContext(t)
	srv := coordtest.New()
	ag := newTestActiveGroup(t, srv, "/test/service")

	// another process joins; the watch loop should fetch its payload
	// without being asked
	other := newTestGroup(t, srv, "/test/service")
	m, err := other.Join(ctx, []byte("payload"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return srv.GetCalls() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// the lookup is served from bookkeeping, no extra read
	data, err := ag.Info(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, 1, srv.GetCalls())
}

func TestActiveGroupMonitorImmediateFromLastListing(t *testing.T) {
	ctx := testContext(t)
	srv := coordtest.New()
	ag := newTestActiveGroup(t, srv, "/test/service")

	m0, err := ag.Join(ctx, []byte("payload"))
	require.NoError(t, err)

	// wait for the loop to observe the join
	set, err := ag.Monitor(ctx, NewSet())
	require.NoError(t, err)
	require.True(t, NewSet(m0).Equal(set))

	// a stale caller is answered from the last listing without any store
	// traffic
	before := srv.GetCalls()
	c := ag.MonitorAsync(NewSet(newMembership(99)))
	require.True(t, c.Resolved())
	got, err := c.Await(ctx)
	require.NoError(t, err)
	assert.True(t, NewSet(m0).Equal(got))
	assert.Equal(t, before, srv.GetCalls())
}

func TestActiveGroupSurvivesSessionExpiry(t *testing.T) {
	ctx := testContext(t)
	srv := coordtest.New()
	ag := newTestActiveGroup(t, srv, "/test/service")

	m0, err := ag.Join(ctx, []byte("payload"))
	require.NoError(t, err)

	c := ag.MonitorAsync(NewSet(m0))
	requireUnresolved(t, c)

	srv.ExpireSession()

	set, err := c.Await(ctx)
	require.NoError(t, err)
	assert.Empty(t, set)

	// the loop keeps running on the replacement session
	m1, err := ag.Join(ctx, []byte("payload-2"))
	require.NoError(t, err)
	set, err = ag.Monitor(ctx, NewSet())
	require.NoError(t, err)
	assert.True(t, NewSet(m1).Equal(set))
}

func TestActiveGroupCloseRejectsPendingMonitors(t *testing.T) {
	srv := coordtest.New()
	ag := NewActive(testLogger(), srv, "/test/service", WithRetryInterval(time.Millisecond))

	c := ag.MonitorAsync(NewSet())
	requireUnresolved(t, c)

	ag.Close()

	_, err := c.Await(testContext(t))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = ag.MonitorAsync(NewSet()).Await(testContext(t))
	assert.ErrorIs(t, err, ErrClosed)
}
