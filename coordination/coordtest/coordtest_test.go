package coordtest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupkeeper/zkgroup/coordination"
	"github.com/groupkeeper/zkgroup/coordination/coordtest"
)

func TestSequentialCreate(t *testing.T) {
	srv := coordtest.New()

	_, err := srv.Create("/svc", nil, 0, nil)
	require.NoError(t, err)

	first, err := srv.Create("/svc/member_", nil, coordination.FlagSequential|coordination.FlagEphemeral, nil)
	require.NoError(t, err)
	assert.Equal(t, "/svc/member_0000000000", first)

	second, err := srv.Create("/svc/member_", nil, coordination.FlagSequential|coordination.FlagEphemeral, nil)
	require.NoError(t, err)
	assert.Equal(t, "/svc/member_0000000001", second)

	names, err := srv.Children("/svc")
	require.NoError(t, err)
	assert.Equal(t, []string{"member_0000000000", "member_0000000001"}, names)
}

func TestCreateRequiresParent(t *testing.T) {
	srv := coordtest.New()

	_, err := srv.Create("/svc/child", nil, 0, nil)
	assert.ErrorIs(t, err, coordination.ErrNoNode)
}

func TestDisconnectMakesOperationsTransient(t *testing.T) {
	srv := coordtest.New()
	srv.Disconnect()

	_, err := srv.Create("/svc", nil, 0, nil)
	assert.True(t, coordination.IsTransient(err))

	srv.Restore()
	_, err = srv.Create("/svc", nil, 0, nil)
	assert.NoError(t, err)
}

func TestExpiryDropsEphemeralsAndFiresWatches(t *testing.T) {
	srv := coordtest.New()

	_, err := srv.Create("/svc", nil, 0, nil)
	require.NoError(t, err)
	created, err := srv.Create("/svc/member_", nil, coordination.FlagSequential|coordination.FlagEphemeral, nil)
	require.NoError(t, err)

	_, watch, err := srv.ChildrenW("/svc")
	require.NoError(t, err)

	var states []coordination.SessionState
	remove := srv.OnSessionState(func(s coordination.SessionState) {
		states = append(states, s)
	})
	defer remove()

	srv.ExpireSession()

	ev := <-watch
	assert.Equal(t, coordination.EventChild, ev.Kind)

	ok, _, err := srv.Exists(created)
	require.NoError(t, err)
	assert.False(t, ok)

	// persistent root survives
	ok, _, err = srv.Exists("/svc")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []coordination.SessionState{coordination.StateExpired, coordination.StateConnected}, states)
}

func TestWatchesAreOneShot(t *testing.T) {
	srv := coordtest.New()

	_, err := srv.Create("/svc", nil, 0, nil)
	require.NoError(t, err)

	_, watch, err := srv.ChildrenW("/svc")
	require.NoError(t, err)

	_, err = srv.Create("/svc/a", nil, 0, nil)
	require.NoError(t, err)
	_, err = srv.Create("/svc/b", nil, 0, nil)
	require.NoError(t, err)

	ev, ok := <-watch
	require.True(t, ok)
	assert.Equal(t, coordination.EventChild, ev.Kind)

	// closed after the single delivery
	_, ok = <-watch
	assert.False(t, ok)
}
