// Package replica implements the stateless server replica: it re-publishes
// locally observed changes onto the broadcast bus, admits events the bus
// delivers (its own included) into bounded per-topic replay windows, and fans
// them out to the client sessions it owns. Replicas hold no durable
// cross-replica state; the bus is the single source of truth for event order.
package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"psync/internal/psync"
	"psync/internal/psync/metrics"
	"psync/internal/validator"
)

// Config carries replica tuning knobs.
type Config struct {
	// ID identifies this replica in event origins. Defaults to a uuid.
	ID string
	// Topics are the topic roots this replica serves; it subscribes to
	// their broadcast channels and relays everything beneath them.
	Topics []string
	// WindowSize bounds each topic's replay window.
	WindowSize int
	// SessionQueueSize bounds each session's outbound stream.
	SessionQueueSize int
	// IdleTimeout destroys suspended sessions with no reconnect.
	IdleTimeout time.Duration
	// DrainGrace bounds how long shutdown waits for sessions to flush.
	DrainGrace time.Duration
}

// Replica owns the fan-out state for one server process.
type Replica struct {
	cfg       Config
	transport psync.Transport
	logger    *zap.Logger
	registry  *metrics.Registry

	mu       sync.RWMutex
	windows  map[string]*window
	sessions map[string]*Session

	handlers sync.WaitGroup
}

func NewReplica(cfg Config, transport psync.Transport, logger *zap.Logger, registry *metrics.Registry) (*Replica, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 1024
	}
	if cfg.SessionQueueSize <= 0 {
		cfg.SessionQueueSize = 256
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 10 * time.Second
	}

	r := Replica{
		cfg:       cfg,
		transport: transport,
		logger:    logger.Named("replica").With(zap.String("replica", cfg.ID)),
		registry:  registry,
		windows:   make(map[string]*window),
		sessions:  make(map[string]*Session),
	}

	if err := validator.Validate("replica", r.transport, r.registry, r.cfg.Topics); err != nil {
		return nil, fmt.Errorf("failed to validate replica deps: %w", err)
	}

	return &r, nil
}

// ID returns the replica identity used as event origin.
func (r *Replica) ID() string { return r.cfg.ID }

// Run subscribes to the broadcast channels covering all served topics and
// pumps events into the fan-out until ctx is cancelled, then drains sessions
// within the configured grace period.
func (r *Replica) Run(ctx context.Context) error {
	channels := make([]string, 0, len(r.cfg.Topics))
	for _, t := range r.cfg.Topics {
		channels = append(channels, psync.ChannelName(t))
	}

	sub, err := r.transport.Subscribe(ctx, channels...)
	if err != nil {
		return fmt.Errorf("failed to subscribe to broadcast channels: %w", err)
	}
	defer sub.Close()

	reap := time.NewTicker(r.cfg.IdleTimeout / 4)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return ctx.Err()
		case <-sub.Resync():
			r.registry.RecordTransportResync()
			r.logger.Warn("broadcast gap possible, forcing resync of all sessions")
			r.invalidateAndResync(psync.ResyncReasonTransport)
		case now := <-reap.C:
			r.reapIdle(now)
		case msg, ok := <-sub.Messages():
			if !ok {
				r.shutdown()
				return fmt.Errorf("broadcast subscription ended: %w", psync.ErrTransportUnavailable)
			}
			r.handleAnnouncement(msg)
		}
	}
}

// PublishChange announces a change on the broadcast bus. The event flows
// back through the subscription like any sibling's event, so local and
// relayed changes share one admission path and one ordering.
func (r *Replica) PublishChange(ctx context.Context, e psync.ChangeEvent) error {
	root, ok := r.rootTopic(e.Topic)
	if !ok {
		return fmt.Errorf("topic %q is outside the served topic set", e.Topic)
	}

	e.ID = 0
	e.Origin = r.cfg.ID
	if e.PublishTime == nil {
		now := time.Now().UTC()
		e.PublishTime = &now
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}

	if err := r.transport.Publish(ctx, psync.ChannelName(root), payload); err != nil {
		return fmt.Errorf("failed to publish change for topic %s: %w", e.Topic, err)
	}

	return nil
}

func (r *Replica) rootTopic(topic string) (string, bool) {
	for _, t := range r.cfg.Topics {
		if psync.TopicMatches(t, topic) {
			return t, true
		}
	}
	return "", false
}

func (r *Replica) handleAnnouncement(msg psync.Message) {
	var e psync.ChangeEvent
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		r.logger.Warn("dropping undecodable announcement",
			zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if e.Topic == "" || e.Revision == "" {
		r.logger.Warn("dropping announcement without topic or revision",
			zap.String("channel", msg.Channel))
		return
	}

	r.mu.Lock()
	w, ok := r.windows[e.Topic]
	if !ok {
		w = newWindow(r.cfg.WindowSize)
		r.windows[e.Topic] = w
	}
	admitted, fresh := w.admit(e)
	sessions := r.sessionsLocked()
	r.mu.Unlock()

	if !fresh {
		r.registry.RecordDeduped(e.Topic)
		return
	}
	r.registry.RecordAdmitted(e.Topic)

	r.logger.Debug("admitted change event",
		zap.String("topic", admitted.Topic),
		zap.Uint64("id", admitted.ID),
		zap.String("revision", admitted.Revision),
		zap.String("origin", admitted.Origin),
	)

	for _, s := range sessions {
		if !psync.MatchesAny(s.Topics(), admitted.Topic) {
			continue
		}
		if s.enqueue(admitted) {
			r.registry.RecordDelivery(admitted.Topic, false)
			continue
		}

		// The session fell behind its bounded queue; incremental
		// delivery can no longer be guaranteed gap-free.
		r.registry.RecordDelivery(admitted.Topic, true)
		r.registry.RecordResync(psync.ResyncReasonOverflow)
		s.forceResync(psync.ResyncInfo{
			Reason: psync.ResyncReasonOverflow,
			Heads:  r.headsFor(s.Topics()),
		})
	}

	r.updateSessionGauges()
}

// Attach connects (or reconnects) a client to its session. It returns the
// session and the first frame of the stream: a resume frame when every
// reported cursor is inside the replay window (any backlog is already queued
// on the session in order), or a resync frame when incremental catch-up is
// impossible.
func (r *Replica) Attach(sessionID string, patterns []string, cursors map[string]uint64) (*Session, psync.Frame, error) {
	if len(patterns) == 0 {
		return nil, psync.Frame{}, fmt.Errorf("session must subscribe to at least one topic")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		s = newSession(sessionID, r.cfg.SessionQueueSize)
		r.sessions[sessionID] = s
	} else if s.State() == psync.SessionActive || s.State() == psync.SessionResyncing {
		// Reconnect while the old connection is still up: the new
		// connection takes over.
		s.suspend()
	}

	var backlog []psync.ChangeEvent
	resync := false
	// A nonzero cursor for a topic this replica has no history for means
	// the ids were assigned by a previous replica incarnation; they cannot
	// be validated, so the client must snapshot.
	for topic, id := range cursors {
		if _, known := r.windows[topic]; id > 0 && !known {
			resync = true
		}
	}
	for topic, w := range r.windows {
		if !psync.MatchesAny(patterns, topic) {
			continue
		}
		events, ok := w.since(cursors[topic])
		if !ok {
			resync = true
			break
		}
		backlog = append(backlog, events...)
	}

	if resync {
		heads := r.headsForLocked(patterns)
		for topic, head := range heads {
			if head.ID > cursors[topic] {
				if cursors == nil {
					cursors = map[string]uint64{}
				}
				cursors[topic] = head.ID
			}
		}
		s.resume(patterns, cursors, r.cfg.SessionQueueSize)
		r.registry.RecordResync(psync.ResyncReasonWindow)
		r.updateSessionGaugesLocked()
		return s, psync.Frame{
			Type:      psync.FrameResync,
			SessionID: sessionID,
			Resync:    &psync.ResyncInfo{Reason: psync.ResyncReasonWindow, Heads: heads},
		}, nil
	}

	s.resume(patterns, cursors, r.cfg.SessionQueueSize)
	for _, e := range backlog {
		if !s.enqueue(e) {
			// Backlog alone overflowed the queue; resync instead.
			heads := r.headsForLocked(patterns)
			r.registry.RecordResync(psync.ResyncReasonOverflow)
			s.forceResync(psync.ResyncInfo{Reason: psync.ResyncReasonOverflow, Heads: heads})
			break
		}
		r.registry.RecordDelivery(e.Topic, false)
	}

	r.updateSessionGaugesLocked()
	return s, psync.Frame{Type: psync.FrameResume, SessionID: sessionID}, nil
}

// Ack records a client acknowledgment on its session.
func (r *Replica) Ack(sessionID, topic string, id uint64) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	s.ack(topic, id)
	r.registry.RecordAck(topic)
}

// Resynced marks a session's full snapshot complete, resuming live delivery.
func (r *Replica) Resynced(sessionID string) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		s.resynced()
	}
}

// Detach suspends a session when its connection drops. Cursors persist so a
// reconnect inside the replay window resumes without a full resync.
func (r *Replica) Detach(sessionID string) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		s.suspend()
		r.updateSessionGauges()
	}
}

// Session looks up a session by id.
func (r *Replica) Session(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Heads reports the current per-topic positions covered by the patterns.
func (r *Replica) headsFor(patterns []string) map[string]psync.TopicHead {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.headsForLocked(patterns)
}

func (r *Replica) headsForLocked(patterns []string) map[string]psync.TopicHead {
	heads := make(map[string]psync.TopicHead)
	for topic, w := range r.windows {
		if psync.MatchesAny(patterns, topic) {
			heads[topic] = w.topicHead()
		}
	}
	return heads
}

func (r *Replica) sessionsLocked() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// invalidateAndResync wipes the replay windows and forces every live session
// onto a full snapshot. Used when the transport reports a possible gap.
func (r *Replica) invalidateAndResync(reason string) {
	r.mu.Lock()
	for _, w := range r.windows {
		w.invalidate()
	}
	sessions := r.sessionsLocked()
	r.mu.Unlock()

	for _, s := range sessions {
		state := s.State()
		if state != psync.SessionActive && state != psync.SessionResyncing {
			continue
		}
		r.registry.RecordResync(reason)
		s.forceResync(psync.ResyncInfo{
			Reason: reason,
			Heads:  r.headsFor(s.Topics()),
		})
	}

	r.updateSessionGauges()
}

// reapIdle destroys suspended sessions whose idle timeout expired.
func (r *Replica) reapIdle(now time.Time) {
	r.mu.Lock()
	for id, s := range r.sessions {
		if idle, suspended := s.idleSince(now); suspended && idle > r.cfg.IdleTimeout {
			s.closeSession()
			delete(r.sessions, id)
			r.logger.Info("reaped idle session", zap.String("session", id))
		}
	}
	r.updateSessionGaugesLocked()
	r.mu.Unlock()
}

// TrackHandler registers a connection handler for drain accounting. The
// returned func must be called when the handler exits.
func (r *Replica) TrackHandler() func() {
	r.handlers.Add(1)
	return r.handlers.Done
}

// shutdown drains every session and waits for their handlers up to the
// configured grace period.
func (r *Replica) shutdown() {
	r.mu.Lock()
	sessions := r.sessionsLocked()
	r.mu.Unlock()

	for _, s := range sessions {
		s.drain()
	}

	done := make(chan struct{})
	go func() {
		r.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("all sessions drained")
	case <-time.After(r.cfg.DrainGrace):
		r.logger.Warn("drain grace expired with handlers still attached")
	}
}

// SessionCounts reports sessions by state for metrics and the status API.
func (r *Replica) SessionCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, s := range r.sessions {
		counts[s.State().String()]++
	}
	return counts
}

func (r *Replica) updateSessionGauges() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.updateSessionGaugesLocked()
}

func (r *Replica) updateSessionGaugesLocked() {
	counts := make(map[string]int)
	for _, s := range r.sessions {
		counts[s.State().String()]++
	}
	for _, state := range []psync.SessionState{
		psync.SessionConnecting,
		psync.SessionActive,
		psync.SessionSuspended,
		psync.SessionResyncing,
		psync.SessionDraining,
		psync.SessionClosed,
	} {
		r.registry.SetSessions(state.String(), float64(counts[state.String()]))
	}
}
