// Package presence fans out ephemeral participant state (cursor, selection,
// active area) on its own goroutine, independent of the session worker.
// Delivery is at most once: a full send buffer drops the update.
package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
)

const defaultUpdateBuffer = 256

type peer struct {
	userID      string
	displayName string
	conn        ports.Connection
	state       *events.PresenceMessage
	lastSeen    time.Time
	idle        bool
}

type update struct {
	userID string
	msg    events.PresenceMessage
}

// Broadcaster owns the presence table of one session.
type Broadcaster struct {
	sessionID string
	liveness  time.Duration
	logger    *zap.Logger
	metrics   ports.Metrics
	now       func() time.Time

	mu    sync.Mutex
	peers map[string]*peer

	updates  chan update
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a broadcaster. Presence not refreshed within liveness is
// purged and announced as participant.idle.
func New(sessionID string, liveness time.Duration, logger *zap.Logger, metrics ports.Metrics) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Broadcaster{
		sessionID: sessionID,
		liveness:  liveness,
		logger:    logger.Named("presence").With(zap.String("sessionID", sessionID)),
		metrics:   metrics,
		now:       time.Now,
		peers:     make(map[string]*peer),
		updates:   make(chan update, defaultUpdateBuffer),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the fan-out loop.
func (b *Broadcaster) Start() {
	go b.run()
}

// Stop ends the loop and waits for it.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
}

// Register adds a connected participant. Registering an existing user
// swaps its connection.
func (b *Broadcaster) Register(userID, displayName string, conn ports.Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[userID] = &peer{
		userID:      userID,
		displayName: displayName,
		conn:        conn,
		lastSeen:    b.now(),
	}
}

// Unregister removes a participant and its presence.
func (b *Broadcaster) Unregister(userID string) {
	b.mu.Lock()
	delete(b.peers, userID)
	b.mu.Unlock()
}

// Update queues a presence update from userID. It never blocks and reports
// whether the update was queued.
func (b *Broadcaster) Update(userID string, msg events.PresenceMessage) bool {
	select {
	case <-b.stopCh:
		return false
	default:
	}
	select {
	case b.updates <- update{userID: userID, msg: msg}:
		return true
	default:
		b.metrics.PresenceFanout(0, 1)
		return false
	}
}

// States returns the live presence of every participant that has sent one.
func (b *Broadcaster) States() []events.PresenceMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.PresenceMessage, 0, len(b.peers))
	for _, p := range b.peers {
		if p.state != nil && !p.idle {
			out = append(out, *p.state)
		}
	}
	return out
}

func (b *Broadcaster) run() {
	defer close(b.doneCh)

	interval := b.liveness / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case u := <-b.updates:
			b.apply(u)
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Broadcaster) apply(u update) {
	msg := u.msg
	msg.UserID = u.userID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now().UTC()
	}

	b.mu.Lock()
	p, ok := b.peers[u.userID]
	if !ok {
		b.mu.Unlock()
		return
	}
	if msg.DisplayName == "" {
		msg.DisplayName = p.displayName
	}
	p.state = &msg
	p.lastSeen = b.now()
	p.idle = false
	targets := b.othersLocked(u.userID)
	b.mu.Unlock()

	b.fanout(events.MustEnvelope(events.TypePresence, b.sessionID, msg), targets)
}

// sweep purges presence older than the liveness window.
func (b *Broadcaster) sweep() {
	if b.liveness <= 0 {
		return
	}
	now := b.now()

	b.mu.Lock()
	var idle []*peer
	for _, p := range b.peers {
		if !p.idle && now.Sub(p.lastSeen) > b.liveness {
			p.idle = true
			p.state = nil
			idle = append(idle, p)
		}
	}
	type notice struct {
		env     events.Envelope
		targets []ports.Connection
	}
	notices := make([]notice, 0, len(idle))
	for _, p := range idle {
		notices = append(notices, notice{
			env: events.MustEnvelope(events.TypeParticipantIdle, b.sessionID, events.ParticipantMessage{
				UserID:      p.userID,
				DisplayName: p.displayName,
			}),
			targets: b.othersLocked(p.userID),
		})
	}
	b.mu.Unlock()

	for _, n := range notices {
		b.fanout(n.env, n.targets)
	}
	if len(idle) > 0 {
		b.logger.Debug("Presence went idle", zap.Int("participants", len(idle)))
	}
}

func (b *Broadcaster) othersLocked(userID string) []ports.Connection {
	out := make([]ports.Connection, 0, len(b.peers))
	for id, p := range b.peers {
		if id != userID && p.conn != nil {
			out = append(out, p.conn)
		}
	}
	return out
}

func (b *Broadcaster) fanout(env events.Envelope, targets []ports.Connection) {
	delivered, dropped := 0, 0
	for _, c := range targets {
		if c.Send(env) {
			delivered++
		} else {
			dropped++
		}
	}
	b.metrics.PresenceFanout(delivered, dropped)
}
