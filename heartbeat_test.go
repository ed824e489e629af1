package userproxy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeat_StartsAndStopsWithRegistrySize(t *testing.T) {
	s := newTestServer(t, nil)
	require.False(t, s.heartbeat.Running())

	a, _, _ := connectFake(t, s)
	assert.True(t, s.heartbeat.Running())
	b, _, _ := connectFake(t, s)
	assert.True(t, s.heartbeat.Running())

	s.registry.Unregister(a)
	assert.True(t, s.heartbeat.Running())
	s.registry.Unregister(b)
	assert.False(t, s.heartbeat.Running())
}

func TestHeartbeat_StartStopIdempotent(t *testing.T) {
	s := newTestServer(t, nil)
	s.heartbeat.Stop()
	assert.False(t, s.heartbeat.Running())
	s.heartbeat.Start()
	s.heartbeat.Start()
	assert.True(t, s.heartbeat.Running())
	s.heartbeat.Stop()
	s.heartbeat.Stop()
	assert.False(t, s.heartbeat.Running())
}

func TestHeartbeat_PingsAllConnections(t *testing.T) {
	s := newTestServer(t, &Options{HeartbeatInterval: 10 * time.Millisecond})
	_, sockA, idA := connectFake(t, s)
	_, sockB, idB := connectFake(t, s)

	require.Eventually(t, func() bool {
		return sockA.countType(KindPing) >= 2 && sockB.countType(KindPing) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	for _, m := range sockA.messages(t) {
		assert.Equal(t, "ping", m["type"])
		assert.Equal(t, idA, m["client_id"])
	}
	for _, m := range sockB.messages(t) {
		assert.Equal(t, idB, m["client_id"])
	}
}

func TestHeartbeat_EvictsOnlyFailedConnection(t *testing.T) {
	s := newTestServer(t, &Options{HeartbeatInterval: 10 * time.Millisecond})
	_, sockA, idA := connectFake(t, s)
	_, sockB, idB := connectFake(t, s)

	sockB.failWrites(errors.New("broken pipe"))
	require.Eventually(t, func() bool {
		_, ok := s.registry.Lookup(idB)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, sockB.isClosed())
	_, ok := s.registry.Lookup(idA)
	require.True(t, ok)
	assert.False(t, sockA.isClosed())
	assert.Equal(t, 1, s.registry.Len())
	assert.True(t, s.heartbeat.Running())

	before := sockA.countType(KindPing)
	require.Eventually(t, func() bool {
		return sockA.countType(KindPing) > before
	}, 2*time.Second, 5*time.Millisecond, "monitor keeps pinging the survivor")
}

func TestHeartbeat_LastEvictionStopsMonitor(t *testing.T) {
	s := newTestServer(t, &Options{HeartbeatInterval: 10 * time.Millisecond})
	_, sock, _ := connectFake(t, s)
	sock.failWrites(errors.New("reset by peer"))

	require.Eventually(t, func() bool {
		return s.registry.Len() == 0 && !s.heartbeat.Running()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHeartbeat_BeatRemovesAfterIteration(t *testing.T) {
	s := newTestServer(t, nil)
	_, sockA, _ := connectFake(t, s)
	_, sockB, _ := connectFake(t, s)
	_, sockC, idC := connectFake(t, s)
	s.heartbeat.Stop()

	sockA.failWrites(errors.New("gone"))
	sockB.failWrites(errors.New("gone"))

	dead := s.heartbeat.beat()
	assert.Len(t, dead, 2)
	assert.Equal(t, 1, sockC.countType(KindPing), "later connections are still probed")
	_, ok := s.registry.Lookup(idC)
	assert.True(t, ok)
	assert.Equal(t, 1, s.registry.Len())
}
