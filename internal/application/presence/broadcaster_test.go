package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports/portstest"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
)

func TestBroadcaster_FansOutToOthers(t *testing.T) {
	b := New("s1", time.Minute, zaptest.NewLogger(t), nil)
	b.Start()
	defer b.Stop()

	alice, bob := portstest.NewConn("a"), portstest.NewConn("b")
	b.Register("alice", "Alice", alice)
	b.Register("bob", "Bob", bob)

	require.True(t, b.Update("alice", events.PresenceMessage{Cursor: &events.Cursor{X: 10, Y: 20}}))

	env, ok := bob.WaitFor(events.TypePresence, time.Second)
	require.True(t, ok)
	msg := portstest.Decode[events.PresenceMessage](env)
	assert.Equal(t, "alice", msg.UserID)
	assert.Equal(t, "Alice", msg.DisplayName)
	assert.Equal(t, 10.0, msg.Cursor.X)

	assert.Zero(t, alice.Count(events.TypePresence), "originator is excluded")
}

func TestBroadcaster_FullBufferDoesNotBlock(t *testing.T) {
	b := New("s1", time.Minute, nil, nil)
	b.Start()
	defer b.Stop()

	slow := portstest.NewFullConn("slow", 1)
	fast := portstest.NewConn("fast")
	b.Register("slow", "", slow)
	b.Register("fast", "", fast)
	b.Register("writer", "", portstest.NewConn("w"))

	for i := 0; i < 5; i++ {
		b.Update("writer", events.PresenceMessage{Cursor: &events.Cursor{X: float64(i)}})
	}
	require.Eventually(t, func() bool { return fast.Count(events.TypePresence) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, slow.Count(events.TypePresence))
}

func TestBroadcaster_SweepAnnouncesIdle(t *testing.T) {
	now := time.Unix(1000, 0)
	b := New("s1", 30*time.Second, nil, nil)
	b.now = func() time.Time { return now }

	alice, bob := portstest.NewConn("a"), portstest.NewConn("b")
	b.Register("alice", "Alice", alice)
	b.Register("bob", "Bob", bob)
	b.apply(update{userID: "alice", msg: events.PresenceMessage{Selection: []string{"n1"}}})
	require.Len(t, b.States(), 1)

	now = now.Add(20 * time.Second)
	b.apply(update{userID: "bob", msg: events.PresenceMessage{Selection: []string{"n2"}}})

	now = now.Add(15 * time.Second)
	b.sweep()

	env, ok := bob.Last(events.TypeParticipantIdle)
	require.True(t, ok)
	assert.Equal(t, "alice", portstest.Decode[events.ParticipantMessage](env).UserID)
	assert.Zero(t, alice.Count(events.TypeParticipantIdle))

	states := b.States()
	require.Len(t, states, 1)
	assert.Equal(t, "bob", states[0].UserID)

	// A second sweep does not announce alice again.
	b.sweep()
	assert.Equal(t, 1, bob.Count(events.TypeParticipantIdle))
}

func TestBroadcaster_UnregisteredUpdatesAreIgnored(t *testing.T) {
	b := New("s1", time.Minute, nil, nil)
	bob := portstest.NewConn("b")
	b.Register("bob", "", bob)
	b.Unregister("bob")

	b.apply(update{userID: "bob", msg: events.PresenceMessage{}})
	assert.Empty(t, b.States())
	assert.Empty(t, bob.Sent())
}

func TestBroadcaster_UpdateAfterStop(t *testing.T) {
	b := New("s1", time.Minute, nil, nil)
	b.Start()
	b.Stop()
	assert.False(t, b.Update("alice", events.PresenceMessage{}))
}
