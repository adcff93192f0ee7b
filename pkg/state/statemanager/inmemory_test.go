package statemanager_test

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/a-essam23/go-relay/pkg/state/statemanager"
	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestManager() *statemanager.InMemoryManager {
	return statemanager.NewInMemoryManager(newTestLogger())
}

func register(m *statemanager.InMemoryManager, userID string) *state.Connection {
	return m.Register(transport.NewLocal(16), userID, "127.0.0.1")
}

func memberIDs(members []*state.Connection) []uuid.UUID {
	ids := make([]uuid.UUID, len(members))
	for i, c := range members {
		ids[i] = c.ID
	}
	return ids
}

// --- Connection Registry Tests ---

func TestConnectionLifecycle(t *testing.T) {
	m := newTestManager()

	conn := register(m, "user-1")
	require.NotEqual(t, uuid.Nil, conn.ID)
	assert.Empty(t, conn.Rooms)
	assert.True(t, m.IsActive(conn.ID))

	got, found := m.GetConnection(conn.ID)
	require.True(t, found)
	assert.Equal(t, conn.ID, got.ID)

	m.Unregister(conn.ID)
	assert.False(t, m.IsActive(conn.ID))
	_, found = m.GetConnection(conn.ID)
	assert.False(t, found, "connection should be gone after unregister")
}

func TestRegisterAllocatesUniqueIDs(t *testing.T) {
	m := newTestManager()
	seen := make(map[uuid.UUID]bool)
	for range 100 {
		conn := register(m, "")
		require.False(t, seen[conn.ID], "duplicate connection id %s", conn.ID)
		seen[conn.ID] = true
	}
	assert.Len(t, m.Connections(), 100)
}

func TestUnregisterReturnsRoomsAndIsIdempotent(t *testing.T) {
	m := newTestManager()
	conn := register(m, "")
	require.NoError(t, m.Join("general", conn.ID))
	require.NoError(t, m.Join("random", conn.ID))

	rooms := m.Unregister(conn.ID)
	assert.ElementsMatch(t, []string{"general", "random"}, rooms)

	assert.Nil(t, m.Unregister(conn.ID), "second unregister must be a no-op")
}

func TestUserConnectionCount(t *testing.T) {
	m := newTestManager()
	userID := "user-1"
	conn1 := register(m, userID)
	register(m, userID)
	register(m, "someone-else")

	assert.Equal(t, 2, m.UserConnectionCount(userID))

	m.Unregister(conn1.ID)
	assert.Equal(t, 1, m.UserConnectionCount(userID))
	assert.Equal(t, 0, m.UserConnectionCount("unknown"))
}

func TestFindOldestUserConnection(t *testing.T) {
	m := newTestManager()
	userID := "user-cycle"
	conn1 := register(m, userID)
	time.Sleep(5 * time.Millisecond) // Ensure timestamps are different
	register(m, userID)

	oldest, found := m.FindOldestUserConnection(userID)
	require.True(t, found)
	assert.Equal(t, conn1.ID, oldest.ID)

	_, found = m.FindOldestUserConnection("nobody")
	assert.False(t, found)
}

// --- Room Directory Tests ---

func TestRoomMembership(t *testing.T) {
	m := newTestManager()
	conn1, conn2 := register(m, ""), register(m, "")
	roomID := "test-room"

	require.NoError(t, m.Join(roomID, conn1.ID))
	require.NoError(t, m.Join(roomID, conn2.ID))
	assert.ElementsMatch(t, []uuid.UUID{conn1.ID, conn2.ID}, m.MembersOf(roomID))
	assert.Equal(t, []string{roomID}, m.RoomsOf(conn1.ID))

	m.Leave(roomID, conn1.ID)
	assert.Equal(t, []uuid.UUID{conn2.ID}, m.MembersOf(roomID))
	assert.Empty(t, m.RoomsOf(conn1.ID))

	// Test empty room cleanup
	m.Leave(roomID, conn2.ID)
	_, found := m.FindRoom(roomID)
	assert.False(t, found, "room should be deleted after last member left")
	assert.Equal(t, 0, m.RoomCount())
}

func TestMembershipIsASetNotACounter(t *testing.T) {
	m := newTestManager()
	conn := register(m, "")

	require.NoError(t, m.Join("R", conn.ID))
	require.NoError(t, m.Join("R", conn.ID))
	assert.Len(t, m.MembersOf("R"), 1)

	m.Leave("R", conn.ID)
	assert.Empty(t, m.MembersOf("R"))
	assert.Empty(t, m.RoomsOf(conn.ID))
}

func TestLeaveIsIdempotent(t *testing.T) {
	m := newTestManager()
	a, b := register(m, ""), register(m, "")
	require.NoError(t, m.Join("R", a.ID))
	require.NoError(t, m.Join("R", b.ID))

	m.Leave("R", a.ID)
	m.Leave("R", a.ID)
	m.Leave("never-joined", a.ID)

	assert.Equal(t, []uuid.UUID{b.ID}, m.MembersOf("R"))
}

func TestMembersOfUnknownRoomIsEmpty(t *testing.T) {
	m := newTestManager()
	members := m.MembersOf("ghost")
	require.NotNil(t, members)
	assert.Empty(t, members)
}

func TestMembersOfReturnsSnapshot(t *testing.T) {
	m := newTestManager()
	a := register(m, "")
	require.NoError(t, m.Join("R", a.ID))

	snapshot := m.MembersOf("R")
	m.Leave("R", a.ID)
	assert.Len(t, snapshot, 1, "snapshot must not track later changes")
}

func TestJoinRejectsUnknownConnection(t *testing.T) {
	m := newTestManager()
	err := m.Join("R", uuid.New())
	assert.ErrorIs(t, err, state.ErrUnknownConnection)
	assert.Equal(t, 0, m.RoomCount())
}

func TestLeaveAfterUnregisterCleansUpRoom(t *testing.T) {
	m := newTestManager()
	a, b := register(m, ""), register(m, "")
	require.NoError(t, m.Join("general", a.ID))
	require.NoError(t, m.Join("general", b.ID))

	for _, roomID := range m.Unregister(b.ID) {
		m.Leave(roomID, b.ID)
	}
	assert.Equal(t, []uuid.UUID{a.ID}, m.MembersOf("general"))
}

// --- Fanout Tests ---

func TestFanoutStrictRejectsNonMember(t *testing.T) {
	m := newTestManager()
	a, c := register(m, ""), register(m, "")
	require.NoError(t, m.Join("x", a.ID))

	called := false
	err := m.Fanout("x", c.ID, true, func([]*state.Connection) { called = true })
	assert.ErrorIs(t, err, state.ErrNotAMember)
	assert.False(t, called)

	err = m.Fanout("nowhere", c.ID, true, func([]*state.Connection) { called = true })
	assert.ErrorIs(t, err, state.ErrNotAMember)
	assert.False(t, called)
}

func TestFanoutRejectsInactiveSender(t *testing.T) {
	m := newTestManager()
	a := register(m, "")
	require.NoError(t, m.Join("x", a.ID))
	m.Unregister(a.ID)

	err := m.Fanout("x", a.ID, false, func([]*state.Connection) {})
	assert.ErrorIs(t, err, state.ErrUnknownConnection)
}

func TestFanoutPermissiveToUnknownRoom(t *testing.T) {
	m := newTestManager()
	a := register(m, "")

	var got []*state.Connection
	called := false
	err := m.Fanout("empty", a.ID, false, func(members []*state.Connection) {
		called = true
		got = members
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Empty(t, got)
}

func TestFanoutSkipsUnregisteredMembers(t *testing.T) {
	m := newTestManager()
	a, b := register(m, ""), register(m, "")
	require.NoError(t, m.Join("general", a.ID))
	require.NoError(t, m.Join("general", b.ID))

	// unregistered but its Leave has not landed yet
	m.Unregister(b.ID)

	var got []*state.Connection
	require.NoError(t, m.Fanout("general", a.ID, true, func(members []*state.Connection) { got = members }))
	assert.Equal(t, []uuid.UUID{a.ID}, memberIDs(got))
}

func TestFanoutExcludesConcurrentMembershipChanges(t *testing.T) {
	m := newTestManager()
	a, b := register(m, ""), register(m, "")
	require.NoError(t, m.Join("R", a.ID))
	require.NoError(t, m.Join("R", b.ID))

	inFanout := make(chan struct{})
	release := make(chan struct{})
	left := make(chan struct{})

	go func() {
		_ = m.Fanout("R", a.ID, true, func(members []*state.Connection) {
			close(inFanout)
			<-release
			assert.Len(t, members, 2)
		})
	}()

	<-inFanout
	go func() {
		m.Leave("R", b.ID)
		close(left)
	}()

	select {
	case <-left:
		t.Fatal("Leave completed while a fan-out on the room was in progress")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-left
	assert.Equal(t, []uuid.UUID{a.ID}, m.MembersOf("R"))
}

func TestConcurrentJoinLeave(t *testing.T) {
	m := newTestManager()
	conns := make([]*state.Connection, 50)
	for i := range conns {
		conns[i] = register(m, "")
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *state.Connection) {
			defer wg.Done()
			for range 20 {
				_ = m.Join("busy", c.ID)
				_ = m.Fanout("busy", c.ID, false, func([]*state.Connection) {})
				m.Leave("busy", c.ID)
			}
			_ = m.Join("busy", c.ID)
		}(c)
	}
	wg.Wait()

	assert.Len(t, m.MembersOf("busy"), len(conns))
}
