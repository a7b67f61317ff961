package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"quizito-client/internal/domain"
	"quizito-client/internal/engine"
	"quizito-client/internal/protocol"
)

// Config holds connection parameters for the supervisor.
type Config struct {
	URL         string
	Room        string
	DisplayName string

	DialTimeout  time.Duration
	CallTimeout  time.Duration
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingInterval time.Duration

	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxAttempts bounds consecutive failed dials before the session is
	// left in suspended read-only mode. Zero means 8.
	MaxAttempts int
}

func (c *Config) withDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
}

// Supervisor owns the websocket channel: it dials, pumps events into the
// engine, performs request/response calls, reconnects with backoff, and
// re-baselines the engine through the hydration path after every reconnect.
type Supervisor struct {
	cfg    Config
	log    zerolog.Logger
	engine *engine.Engine
	store  SnapshotStore
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan protocol.Response

	writeMu sync.Mutex
	sf      singleflight.Group
}

func NewSupervisor(cfg Config, eng *engine.Engine, store SnapshotStore, log zerolog.Logger) *Supervisor {
	cfg.withDefaults()
	return &Supervisor{
		cfg:    cfg,
		log:    log,
		engine: eng,
		store:  store,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		pending: make(map[string]chan protocol.Response),
	}
}

// Run connects and serves until ctx is cancelled or reconnect attempts are
// exhausted. On exhaustion it returns domain.ErrConnectionLost, leaving the
// engine suspended read-only with its last-known state intact.
func (s *Supervisor) Run(ctx context.Context) error {
	s.primeFromCache(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffBase
	bo.MaxInterval = s.cfg.BackoffCap
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0

	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := s.dial(ctx)
		if err != nil {
			attempts++
			if attempts >= s.cfg.MaxAttempts {
				s.log.Error().Int("attempts", attempts).Msg("reconnect attempts exhausted, session suspended")
				s.engine.SetConnectionState(domain.ConnDisconnected)
				return domain.ErrConnectionLost
			}
			wait := bo.NextBackOff()
			s.log.Warn().Err(err).Dur("retry_in", wait).Int("attempt", attempts).Msg("dial failed")
			s.engine.SetConnectionState(domain.ConnReconnecting)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		attempts = 0
		bo.Reset()
		s.engine.SetConnectionState(domain.ConnConnected)

		err = s.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn().Err(err).Msg("connection dropped, reconnecting")
		s.engine.SetConnectionState(domain.ConnReconnecting)
	}
}

// primeFromCache shows the last persisted snapshot as last-known state
// before the first dial completes. The engine treats it as display only;
// live state starts with the join or snapshot fetch on the first connection.
func (s *Supervisor) primeFromCache(ctx context.Context) {
	if s.store == nil {
		return
	}
	snap, err := s.store.Load(ctx, s.cfg.Room)
	if err != nil {
		if !errors.Is(err, domain.ErrSnapshotNotFound) {
			s.log.Warn().Err(err).Msg("snapshot cache read failed")
		}
		return
	}
	if out := s.engine.Prime(snap); out.Applied {
		s.log.Info().Str("room", s.cfg.Room).Msg("primed last-known state from cache")
	}
}

func (s *Supervisor) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	conn, _, err := s.dialer.DialContext(dialCtx, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	return conn, nil
}

// serve owns one live connection: it baselines the session, then multiplexes
// the read pump, engine intents, and keepalive pings until the link dies.
func (s *Supervisor) serve(ctx context.Context, conn *websocket.Conn) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.failPendingLocked()
		s.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	readErr := make(chan error, 1)
	go s.readPump(conn, readErr)

	if err := s.baseline(ctx); err != nil {
		return err
	}

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case intent, ok := <-s.engine.Intents():
			if !ok {
				return errors.New("engine closed")
			}
			s.handleIntent(ctx, intent)
		case <-ping.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// baseline hydrates the engine: a first connection joins the room, a
// reconnect fetches a snapshot. Both responses flow through the same
// hydration path, which re-deduplicates and re-bases all derived state.
func (s *Supervisor) baseline(ctx context.Context) error {
	if out := s.engine.BeginJoin(); out.Applied {
		payload, err := s.call(ctx, protocol.RequestJoin, protocol.JoinRequest{
			SessionID:   s.cfg.Room,
			DisplayName: s.cfg.DisplayName,
		})
		if err != nil {
			return fmt.Errorf("join: %w", err)
		}
		return s.hydrateFromPayload(ctx, payload)
	}
	return s.fetchSnapshot(ctx)
}

// fetchSnapshot requests a full re-baseline. Concurrent triggers (reconnect
// plus resync intents) collapse into a single in-flight fetch.
func (s *Supervisor) fetchSnapshot(ctx context.Context) error {
	_, err, _ := s.sf.Do("snapshot", func() (any, error) {
		payload, err := s.call(ctx, protocol.RequestFetchSnapshot, protocol.SnapshotRequest{SessionID: s.cfg.Room})
		if err != nil {
			return nil, err
		}
		return nil, s.hydrateFromPayload(ctx, payload)
	})
	if err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}
	return nil
}

func (s *Supervisor) hydrateFromPayload(ctx context.Context, resp callResult) error {
	var snap protocol.SessionHydrated
	if err := json.Unmarshal(resp.payload, &snap); err != nil {
		return fmt.Errorf("decode hydration payload: %w", err)
	}
	if snap.ServerTimeMs == 0 {
		snap.ServerTimeMs = resp.serverTimeMs
	}
	out := s.engine.Hydrate(snap)
	if !out.Applied {
		return fmt.Errorf("hydration rejected: %s", out.Reason)
	}
	s.persistSnapshot(ctx, snap)
	return nil
}

// persistSnapshot is best effort; a failed cache write never disturbs the
// live session.
func (s *Supervisor) persistSnapshot(ctx context.Context, snap protocol.SessionHydrated) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(ctx, s.cfg.Room, snap); err != nil {
		s.log.Warn().Err(err).Msg("snapshot cache write failed")
	}
}

func (s *Supervisor) handleIntent(ctx context.Context, intent engine.Intent) {
	switch intent.Type {
	case engine.IntentSubmitAnswer:
		go s.submit(ctx, intent.Submission)
	case engine.IntentResync:
		go func() {
			if err := s.fetchSnapshot(ctx); err != nil {
				s.log.Warn().Err(err).Msg("resync failed")
			}
		}()
	}
}

// submit sends one answer. The verdict arrives as an answer-feedback event;
// the response only acknowledges receipt. A refused submission is logged
// and never retried.
func (s *Supervisor) submit(ctx context.Context, sub engine.SubmissionIntent) {
	_, err := s.call(ctx, protocol.RequestSubmitAnswer, protocol.SubmitAnswerRequest{
		SessionID:      s.cfg.Room,
		QuestionIndex:  sub.QuestionIndex,
		SelectedOption: sub.SelectedOption,
		ElapsedMs:      sub.ElapsedMs,
	})
	if err != nil {
		s.log.Warn().Err(err).Int("index", sub.QuestionIndex).Msg("answer submission not acknowledged")
	}
}

type callResult struct {
	payload      json.RawMessage
	serverTimeMs int64
}

// call performs one request/response exchange correlated by request id.
func (s *Supervisor) call(ctx context.Context, typ protocol.RequestType, payload any) (callResult, error) {
	req, err := protocol.NewRequest(uuid.NewString(), typ, payload)
	if err != nil {
		return callResult{}, err
	}

	ch := make(chan protocol.Response, 1)
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return callResult{}, domain.ErrConnectionLost
	}
	s.pending[req.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	if err := s.writeJSON(conn, req); err != nil {
		return callResult{}, err
	}

	timer := time.NewTimer(s.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return callResult{}, ctx.Err()
	case <-timer.C:
		return callResult{}, fmt.Errorf("%s: %w", typ, domain.ErrCallTimeout)
	case resp := <-ch:
		if !resp.OK {
			return callResult{}, fmt.Errorf("%s refused: %s", typ, resp.Error)
		}
		if resp.ServerTimeMs > 0 {
			s.engine.Clock().Observe(resp.ServerTimeMs)
		}
		return callResult{payload: resp.Payload, serverTimeMs: resp.ServerTimeMs}, nil
	}
}

func (s *Supervisor) writeJSON(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteJSON(v)
}

// readPump decodes frames and routes them: frames carrying a correlation id
// answer a pending call, everything else is an event for the engine.
func (s *Supervisor) readPump(conn *websocket.Conn, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		var head struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			s.log.Warn().Err(err).Msg("dropping unparseable frame")
			continue
		}
		if head.ID != "" {
			var resp protocol.Response
			if err := json.Unmarshal(data, &resp); err != nil {
				s.log.Warn().Err(err).Msg("dropping malformed response frame")
				continue
			}
			s.dispatchResponse(resp)
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed event frame")
			continue
		}
		s.engine.Apply(env)
	}
}

func (s *Supervisor) dispatchResponse(resp protocol.Response) {
	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	s.mu.Unlock()
	if !ok {
		s.log.Debug().Str("id", resp.ID).Msg("response for unknown or expired call")
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// failPendingLocked wakes callers waiting on a dead connection.
func (s *Supervisor) failPendingLocked() {
	for id, ch := range s.pending {
		select {
		case ch <- protocol.Response{ID: id, OK: false, Error: "connection closed"}:
		default:
		}
		delete(s.pending, id)
	}
}
