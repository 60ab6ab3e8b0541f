// Package client is the enforcement-point sidecar: it keeps a resumable
// session to a server replica, turns change events into data fetches, and
// applies the results to the embedded policy store.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"psync/internal/psync"
	"psync/internal/psync/fetch"
	"psync/internal/psync/metrics"
	"psync/internal/psync/policystore"
	"psync/internal/validator"
)

// Config carries the client's connection settings.
type Config struct {
	// ServerURL is the replica's stream endpoint (ws:// or wss://).
	ServerURL string
	Token     string
	Topics    []string
	// HandshakeTimeout bounds the dial plus hello exchange.
	HandshakeTimeout time.Duration
}

// Client owns one logical session. The session survives reconnects; only a
// resync directive or an ordering violation resets its cursors.
type Client struct {
	cfg     Config
	engine  *fetch.Engine
	updater *policystore.Updater
	store   *policystore.MemoryStore
	logger  *zap.Logger
	metrics *metrics.Registry

	mu        sync.Mutex
	sessionID string
	state     psync.SessionState
	cursors   map[string]uint64
	manifest  psync.Manifest
	// fullFetch forces a complete manifest fetch after the next handshake,
	// set when an ordering violation makes incremental state untrustworthy.
	fullFetch bool
}

func NewClient(cfg Config, engine *fetch.Engine, updater *policystore.Updater, store *policystore.MemoryStore, logger *zap.Logger, m *metrics.Registry) (*Client, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}

	c := Client{
		cfg:     cfg,
		engine:  engine,
		updater: updater,
		store:   store,
		logger:  logger.Named("client"),
		metrics: m,
		state:   psync.SessionConnecting,
		cursors: make(map[string]uint64),
	}

	if err := validator.Validate("client", c.engine, c.updater, c.store, cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("failed to validate client deps: %w", err)
	}

	return &c, nil
}

// Run maintains the session until ctx is cancelled. Connection failures back
// off exponentially; an established connection resets the backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := psync.Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second}

	for {
		connected, err := c.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff.Reset()
		}
		if err != nil {
			c.logger.Warn("session ended, reconnecting", zap.Error(err))
		}

		c.setState(psync.SessionSuspended)
		if err := psync.Wait(ctx, backoff.Next()); err != nil {
			return err
		}
		c.setState(psync.SessionConnecting)
	}
}

// runSession runs one connection. The bool reports whether the handshake
// completed, which is what resets the reconnect backoff.
func (c *Client) runSession(ctx context.Context) (bool, error) {
	if err := c.refreshManifest(ctx); err != nil {
		c.logger.Warn("failed to refresh data source manifest", zap.Error(err))
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return false, fmt.Errorf("%w: dial %s: %v", psync.ErrTransportUnavailable, c.cfg.ServerURL, err)
	}
	defer conn.Close()

	// Unblock reads when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	c.mu.Lock()
	hello := psync.Hello{
		SessionID: c.sessionID,
		Token:     c.cfg.Token,
		Topics:    c.cfg.Topics,
		Cursors:   cloneCursors(c.cursors),
	}
	fullFetch := c.fullFetch
	c.mu.Unlock()

	if err := conn.WriteJSON(hello); err != nil {
		return false, fmt.Errorf("failed to send hello: %w", err)
	}

	var first psync.Frame
	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	if err := conn.ReadJSON(&first); err != nil {
		return false, fmt.Errorf("%w: no handshake frame: %v", psync.ErrProtocolViolation, err)
	}
	conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	if first.SessionID != "" {
		c.sessionID = first.SessionID
	}
	c.mu.Unlock()

	switch first.Type {
	case psync.FrameResume:
		c.logger.Info("session resumed", zap.String("session", c.sessionID))
	case psync.FrameResync:
		if first.Resync == nil {
			return true, fmt.Errorf("%w: resync frame without directive", psync.ErrProtocolViolation)
		}
		if err := c.resync(ctx, first.Resync); err != nil {
			return true, err
		}
		fullFetch = false
	default:
		return true, fmt.Errorf("%w: unexpected handshake frame %q", psync.ErrProtocolViolation, first.Type)
	}

	if fullFetch {
		if err := c.fetchAll(ctx, "recover::"+uuid.NewString()); err != nil {
			return true, err
		}
		c.mu.Lock()
		c.fullFetch = false
		c.mu.Unlock()
	}

	c.setState(psync.SessionActive)
	c.logger.Info("session active",
		zap.String("session", c.sessionID),
		zap.Strings("topics", c.cfg.Topics),
	)

	for {
		var frame psync.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("%w: stream read: %v", psync.ErrTransportUnavailable, err)
		}

		switch frame.Type {
		case psync.FrameEvent:
			if frame.Event == nil {
				return true, fmt.Errorf("%w: event frame without event", psync.ErrProtocolViolation)
			}
			if err := c.handleEvent(ctx, conn, *frame.Event); err != nil {
				return true, err
			}
		case psync.FrameResync:
			if frame.Resync == nil {
				return true, fmt.Errorf("%w: resync frame without directive", psync.ErrProtocolViolation)
			}
			c.setState(psync.SessionResyncing)
			if err := c.resync(ctx, frame.Resync); err != nil {
				return true, err
			}
			c.setState(psync.SessionActive)
		default:
			return true, fmt.Errorf("%w: unexpected frame %q", psync.ErrProtocolViolation, frame.Type)
		}
	}
}

// handleEvent applies one change event: ordering check, fetch, apply, ack.
func (c *Client) handleEvent(ctx context.Context, conn *websocket.Conn, e psync.ChangeEvent) error {
	c.mu.Lock()
	cursor := c.cursors[e.Topic]
	c.mu.Unlock()

	if e.ID <= cursor {
		// Redelivery after reconnect; already applied.
		c.logger.Debug("skipping duplicate event",
			zap.String("topic", e.Topic),
			zap.Uint64("id", e.ID),
			zap.Uint64("cursor", cursor),
		)
		return c.ack(conn, e.Topic, cursor)
	}
	if cursor > 0 && e.ID != cursor+1 {
		// A gap means events were lost between here and the server.
		c.mu.Lock()
		c.fullFetch = true
		c.cursors = make(map[string]uint64)
		c.sessionID = ""
		c.mu.Unlock()
		c.metrics.RecordResync(psync.ResyncReasonProtocol)
		return fmt.Errorf("%w: topic %s jumped from %d to %d", psync.ErrProtocolViolation, e.Topic, cursor, e.ID)
	}

	if err := c.applyEvent(ctx, e); err != nil {
		// The event stays unacked; a later event or resync retries the
		// same sources.
		c.logger.Error("failed to apply event",
			zap.String("topic", e.Topic),
			zap.String("revision", e.Revision),
			zap.Error(err),
		)
		return nil
	}

	c.mu.Lock()
	c.cursors[e.Topic] = e.ID
	c.mu.Unlock()

	return c.ack(conn, e.Topic, e.ID)
}

// applyEvent refetches the data sources the event's topic covers. An event
// whose topic has no manifest entry but carries a payload reference is
// fetched directly over HTTP.
func (c *Client) applyEvent(ctx context.Context, e psync.ChangeEvent) error {
	c.mu.Lock()
	entries := c.manifest.EntriesForTopic(e.Topic)
	c.mu.Unlock()

	if len(entries) == 0 && e.PayloadRef != "" {
		entries = []psync.DataSourceEntry{{
			URL:     e.PayloadRef,
			Topic:   e.Topic,
			Fetcher: "http",
		}}
	}
	if len(entries) == 0 {
		// Nothing to fetch; record the revision so status reporting
		// still advances.
		c.updater.RecordRevision(e.Topic, e.Revision)
		return nil
	}

	return c.engine.Run(ctx, e.Revision, entries)
}

// resync rebuilds local state from scratch: refetch every manifest entry and
// jump the cursors to the heads named by the directive.
func (c *Client) resync(ctx context.Context, info *psync.ResyncInfo) error {
	c.logger.Warn("resync directive received", zap.String("reason", info.Reason))
	c.metrics.RecordResync(info.Reason)

	if err := c.fetchSnapshot(ctx, info.Heads, "resync::"+uuid.NewString()); err != nil {
		// Cursors stay untouched; the snapshot is still owed and the
		// reconnect path retries it.
		return fmt.Errorf("%w: snapshot fetch failed: %v", psync.ErrResyncRequired, err)
	}

	c.mu.Lock()
	c.cursors = make(map[string]uint64)
	for topic, head := range info.Heads {
		c.cursors[topic] = head.ID
	}
	c.mu.Unlock()

	return nil
}

func (c *Client) fetchAll(ctx context.Context, revision string) error {
	return c.fetchSnapshot(ctx, nil, revision)
}

// fetchSnapshot refetches every subscribed manifest entry. Each entry is
// recorded under the head revision of its own topic so LastApplied stays
// truthful per topic; entries without a head use the fallback token.
func (c *Client) fetchSnapshot(ctx context.Context, heads map[string]psync.TopicHead, fallback string) error {
	if err := c.refreshManifest(ctx); err != nil {
		c.logger.Warn("failed to refresh data source manifest", zap.Error(err))
	}

	c.mu.Lock()
	groups := make(map[string][]psync.DataSourceEntry)
	for _, entry := range c.manifest.Entries {
		if !psync.MatchesAny(c.cfg.Topics, entry.Topic) {
			continue
		}
		revision := fallback
		if head, ok := heads[entry.Topic]; ok && head.Revision != "" {
			revision = head.Revision
		}
		groups[revision] = append(groups[revision], entry)
	}
	c.mu.Unlock()

	var errs []error
	for revision, entries := range groups {
		if err := c.engine.Run(ctx, revision, entries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// refreshManifest pulls the current data source manifest from the server's
// config endpoint, derived from the stream URL.
func (c *Client) refreshManifest(ctx context.Context) error {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/v1/data/config"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: manifest fetch: %v", psync.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("manifest fetch returned %s", resp.Status)
	}

	var manifest psync.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return fmt.Errorf("failed to decode manifest: %w", err)
	}

	c.mu.Lock()
	if manifest.Version != c.manifest.Version {
		c.logger.Info("data source manifest updated",
			zap.String("version", manifest.Version),
			zap.Int("entries", len(manifest.Entries)),
		)
	}
	c.manifest = manifest
	c.mu.Unlock()

	return nil
}

// SetManifest installs a manifest directly, for static configurations and
// tests.
func (c *Client) SetManifest(m psync.Manifest) {
	c.mu.Lock()
	c.manifest = m
	c.mu.Unlock()
}

func (c *Client) ack(conn *websocket.Conn, topic string, id uint64) error {
	frame := psync.Frame{Type: psync.FrameAck, Ack: &psync.Ack{Topic: topic, ID: id}}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: ack write: %v", psync.ErrTransportUnavailable, err)
	}
	return nil
}

func (c *Client) setState(s psync.SessionState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		c.logger.Info("session state changed",
			zap.String("from", prev.String()),
			zap.String("to", s.String()),
		)
	}
}

// State reports the current session state.
func (c *Client) State() psync.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cursors returns a copy of the per-topic cursors.
func (c *Client) Cursors() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneCursors(c.cursors)
}

// SessionID returns the server-assigned session identity, empty before the
// first handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func cloneCursors(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
