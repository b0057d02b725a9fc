package collab

import (
	"errors"
	"sync"
	"time"

	"github.com/atelier-run/atelier/pkg/config"
	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/events"
	"github.com/atelier-run/atelier/pkg/log"
	"github.com/atelier-run/atelier/pkg/metrics"
	"github.com/atelier-run/atelier/pkg/ot"
	"github.com/atelier-run/atelier/pkg/ratelimit"
	"github.com/atelier-run/atelier/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const sessionOutBuffer = 64

// Session is one live client connection. Frames queued on Out are
// drained by the transport layer; a full queue drops frames rather than
// blocking the gateway.
type Session struct {
	ID       string
	UserID   string
	UserName string
	// ResumeToken is handed to the client up front; the matching
	// recovery record is only written at disconnect
	ResumeToken string

	out      chan *ServerFrame
	mu       sync.Mutex
	docs     map[string]bool
	lastSeen time.Time
	closed   bool
}

// Out is the frame stream the transport writes to the client
func (s *Session) Out() <-chan *ServerFrame {
	return s.out
}

func (s *Session) enqueue(frame *ServerFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

// room is the per-document set of local sessions and presence state
type room struct {
	sessions map[string]*Session      // session id -> session
	presence map[string]*types.Cursor // user id -> cursor
	leaving  map[string]*time.Timer   // user id -> presence grace timer
}

// Gateway routes collaboration traffic between client sessions, the OT
// engine, and the cross-instance channel. It owns presence, rate limits
// and the backpressure circuit breaker.
type Gateway struct {
	cfg       config.CollabConfig
	engine    *ot.Engine
	broker    *events.Broker
	channel   *Channel
	breaker   *Breaker
	reconnect *ReconnectManager

	opsLimiter  *ratelimit.TokenBucket
	connLimiter *ratelimit.SlidingWindow
	logger      zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]*room
	errTimes []time.Time
	opTimes  []time.Time
	now      func() time.Time
}

// NewGateway creates a gateway over the given engine and broker
func NewGateway(cfg config.CollabConfig, engine *ot.Engine, broker *events.Broker) *Gateway {
	g := &Gateway{
		cfg:         cfg,
		engine:      engine,
		broker:      broker,
		reconnect:   NewReconnectManager(cfg),
		opsLimiter:  ratelimit.NewTokenBucket(cfg.OpsPerSecond, cfg.OpsBurst),
		connLimiter: ratelimit.NewSlidingWindow(cfg.ConnectionsPerMin, time.Minute),
		logger:      log.WithComponent("collab"),
		sessions:    make(map[string]*Session),
		rooms:       make(map[string]*room),
		now:         time.Now,
	}
	g.channel = NewChannel(broker, g.handleRemote)
	g.breaker = NewBreaker(cfg, g.Backpressure, g.breakerChanged)
	return g
}

// Start begins background sampling
func (g *Gateway) Start() {
	g.breaker.Start()
}

// Stop tears down sampling and fan-out subscriptions
func (g *Gateway) Stop() {
	g.breaker.Stop()
	g.channel.Close()
}

// Breaker exposes the admission breaker, primarily for health checks
func (g *Gateway) Breaker() *Breaker {
	return g.breaker
}

// Connect admits a new session. Admission fails when the breaker is
// open, the per-user connection rate is exceeded, or the gateway is at
// its connection cap.
func (g *Gateway) Connect(userID, userName string) (*Session, error) {
	if !g.breaker.Allow() {
		return nil, errdefs.New(errdefs.KindRateLimited, "gateway overloaded").
			WithRetryAfter(g.cfg.OpenDuration)
	}
	if d := g.connLimiter.Check(userID); !d.Allowed {
		return nil, errdefs.New(errdefs.KindRateLimited, "connection rate exceeded").
			WithRetryAfter(d.RetryAfter)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.sessions) >= g.cfg.MaxConnections {
		return nil, errdefs.New(errdefs.KindRateLimited, "connection capacity reached")
	}

	sess := &Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		UserName:    userName,
		ResumeToken: uuid.New().String(),
		out:         make(chan *ServerFrame, sessionOutBuffer),
		docs:        make(map[string]bool),
		lastSeen:    g.now(),
	}
	g.sessions[sess.ID] = sess
	metrics.CollabConnections.Inc()
	g.logger.Debug().Str("session_id", sess.ID).Str("user_id", userID).Msg("session connected")
	return sess, nil
}

// Disconnect removes a session and returns a recovery record the client
// can redeem to resume. Presence lingers for the grace period so brief
// drops do not churn join/leave broadcasts.
func (g *Gateway) Disconnect(sess *Session) *RecoveryRecord {
	g.mu.Lock()
	if _, ok := g.sessions[sess.ID]; !ok {
		g.mu.Unlock()
		return nil
	}
	delete(g.sessions, sess.ID)
	metrics.CollabConnections.Dec()

	docs := make(map[string]uint64, len(sess.docs))
	for docID := range sess.docs {
		r, ok := g.rooms[docID]
		if !ok {
			continue
		}
		delete(r.sessions, sess.ID)
		if doc, err := g.engine.GetOrCreate(docID); err == nil {
			docs[docID] = doc.Version
		}
		if !g.userPresentLocked(r, sess.UserID) {
			g.scheduleLeaveLocked(r, docID, sess.UserID)
		}
	}
	g.mu.Unlock()

	sess.close()
	rec := g.reconnect.IssueWithToken(sess.ResumeToken, sess.UserID, docs)
	g.logger.Debug().Str("session_id", sess.ID).Str("user_id", sess.UserID).Msg("session disconnected")
	return rec
}

// Resume redeems a recovery token, admits a fresh session and returns
// catch-up frames: missed operations per document, or a full snapshot
// where the history window no longer reaches back far enough.
func (g *Gateway) Resume(token, userID, userName string) (*Session, []*ServerFrame, error) {
	rec, err := g.reconnect.Redeem(token, userID)
	if err != nil {
		return nil, nil, err
	}

	sess, err := g.Connect(userID, userName)
	if err != nil {
		return nil, nil, err
	}

	frames := make([]*ServerFrame, 0, len(rec.Docs))
	for docID, version := range rec.Docs {
		g.join(sess, docID)
		history, err := g.engine.History(docID, version)
		if err == nil {
			frames = append(frames, &ServerFrame{
				Type:       FrameSyncReply,
				DocumentID: docID,
				Version:    version + uint64(len(history)),
				Operations: history,
			})
			continue
		}
		if !errors.Is(err, ot.ErrHistoryGone) && !errors.Is(err, ot.ErrVersionAhead) {
			return nil, nil, err
		}
		doc, err := g.engine.GetOrCreate(docID)
		if err != nil {
			return nil, nil, err
		}
		frames = append(frames, &ServerFrame{
			Type:       FrameSyncReply,
			DocumentID: docID,
			Version:    doc.Version,
			Content:    doc.Content,
			Hash:       ot.Hash(doc.Content),
		})
	}
	return sess, frames, nil
}

// HandleFrame processes one inbound frame, queuing any replies on the
// session
func (g *Gateway) HandleFrame(sess *Session, data []byte) {
	frame, err := ParseClientFrame(data)
	if err != nil {
		g.recordError()
		g.send(sess, errorFrame(err.Error(), string(errdefs.KindValidation)))
		return
	}

	sess.mu.Lock()
	sess.lastSeen = g.now()
	sess.mu.Unlock()

	switch frame.Type {
	case FrameRegister:
		g.handleRegister(sess, frame)
	case FrameOperation:
		g.handleOperation(sess, frame)
	case FrameCursor:
		g.handleCursor(sess, frame)
	case FrameSync:
		g.handleSync(sess, frame)
	case FrameHeartbeat:
		g.send(sess, &ServerFrame{Type: FrameHeartbeatAck})
	}
}

func (g *Gateway) handleRegister(sess *Session, frame *ClientFrame) {
	docID := frame.DocumentID
	g.join(sess, docID)

	doc, err := g.engine.GetOrCreate(docID)
	if err != nil {
		g.recordError()
		g.send(sess, errorFrame(err.Error(), string(errdefs.KindOf(err))))
		return
	}

	g.mu.Lock()
	r := g.rooms[docID]
	cursor := r.presence[sess.UserID]
	joined := false
	if cursor == nil && len(r.presence) < g.cfg.MaxCursorsPerDoc {
		cursor = &types.Cursor{UserID: sess.UserID}
		r.presence[sess.UserID] = cursor
		joined = true
	}
	presence := make([]*types.Cursor, 0, len(r.presence))
	for _, c := range r.presence {
		presence = append(presence, c)
	}
	g.mu.Unlock()

	g.send(sess, &ServerFrame{
		Type:       FrameRegistered,
		DocumentID: docID,
		Version:    doc.Version,
		Content:    doc.Content,
		Hash:       ot.Hash(doc.Content),
		Presence:   presence,
	})
	if joined {
		g.broadcast(docID, sess.ID, &ServerFrame{
			Type:       FramePresenceJoin,
			DocumentID: docID,
			Cursor:     cursor,
		})
	}
}

func (g *Gateway) handleOperation(sess *Session, frame *ClientFrame) {
	if d := g.opsLimiter.Check(sess.UserID); !d.Allowed {
		g.send(sess, &ServerFrame{
			Type:       FrameError,
			DocumentID: frame.DocumentID,
			Message:    "operation rate exceeded",
			Code:       string(errdefs.KindRateLimited),
			RetryAfter: d.RetryAfter.Seconds(),
		})
		return
	}

	batch := frame.Batch
	batch.UserID = sess.UserID
	batch.DocumentID = frame.DocumentID
	batch.Source = g.channel.PodID()
	batch.Timestamp = g.now()
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}

	res, err := g.engine.Apply(frame.DocumentID, batch)
	if err != nil {
		g.recordError()
		code := string(errdefs.KindOf(err))
		switch {
		case errors.Is(err, ot.ErrVersionAhead):
			code = "version_ahead"
		case errors.Is(err, ot.ErrHistoryGone):
			code = "history_gone"
		}
		g.send(sess, &ServerFrame{
			Type:       FrameError,
			DocumentID: frame.DocumentID,
			BatchID:    batch.ID,
			Message:    err.Error(),
			Code:       code,
		})
		return
	}
	g.recordOp()

	g.send(sess, &ServerFrame{
		Type:       FrameAck,
		DocumentID: frame.DocumentID,
		BatchID:    batch.ID,
		Version:    res.Version,
		Hash:       res.Hash,
	})
	g.broadcast(frame.DocumentID, sess.ID, &ServerFrame{
		Type:       FrameOperation,
		DocumentID: frame.DocumentID,
		Version:    res.Version,
		Batch:      res.Batch,
	})
	g.shiftCursors(frame.DocumentID, sess.UserID, res.Batch.Operations)
	g.channel.Publish(res.Batch)
}

func (g *Gateway) handleCursor(sess *Session, frame *ClientFrame) {
	docID := frame.DocumentID
	cursor := &types.Cursor{
		UserID:         sess.UserID,
		Position:       frame.Position,
		SelectionStart: frame.SelectionStart,
		SelectionEnd:   frame.SelectionEnd,
	}

	g.mu.Lock()
	r, ok := g.rooms[docID]
	if !ok {
		g.mu.Unlock()
		return
	}
	if _, present := r.presence[sess.UserID]; !present && len(r.presence) >= g.cfg.MaxCursorsPerDoc {
		g.mu.Unlock()
		return
	}
	r.presence[sess.UserID] = cursor
	g.mu.Unlock()

	g.broadcast(docID, sess.ID, &ServerFrame{
		Type:       FrameCursor,
		DocumentID: docID,
		Cursor:     cursor,
	})
}

func (g *Gateway) handleSync(sess *Session, frame *ClientFrame) {
	docID := frame.DocumentID
	history, err := g.engine.History(docID, frame.Version)
	if err == nil {
		g.send(sess, &ServerFrame{
			Type:       FrameSyncReply,
			DocumentID: docID,
			Version:    frame.Version + uint64(len(history)),
			Operations: history,
		})
		return
	}
	if !errors.Is(err, ot.ErrHistoryGone) && !errors.Is(err, ot.ErrVersionAhead) {
		g.recordError()
		g.send(sess, errorFrame(err.Error(), string(errdefs.KindOf(err))))
		return
	}

	doc, err := g.engine.GetOrCreate(docID)
	if err != nil {
		g.recordError()
		g.send(sess, errorFrame(err.Error(), string(errdefs.KindOf(err))))
		return
	}
	g.send(sess, &ServerFrame{
		Type:       FrameSyncReply,
		DocumentID: docID,
		Version:    doc.Version,
		Content:    doc.Content,
		Hash:       ot.Hash(doc.Content),
	})
}

// handleRemote delivers a batch applied on another instance to local
// sessions of its document
func (g *Gateway) handleRemote(batch *types.OperationBatch) {
	g.broadcast(batch.DocumentID, "", &ServerFrame{
		Type:       FrameOperation,
		DocumentID: batch.DocumentID,
		Version:    batch.BaseVersion,
		Batch:      batch,
	})
	g.shiftCursors(batch.DocumentID, batch.UserID, batch.Operations)
}

// join adds the session to the document's room, cancelling any pending
// presence leave for the user
func (g *Gateway) join(sess *Session, docID string) {
	g.mu.Lock()
	r, ok := g.rooms[docID]
	if !ok {
		r = &room{
			sessions: make(map[string]*Session),
			presence: make(map[string]*types.Cursor),
			leaving:  make(map[string]*time.Timer),
		}
		g.rooms[docID] = r
	}
	r.sessions[sess.ID] = sess
	if t, ok := r.leaving[sess.UserID]; ok {
		t.Stop()
		delete(r.leaving, sess.UserID)
	}
	g.mu.Unlock()

	sess.mu.Lock()
	sess.docs[docID] = true
	sess.mu.Unlock()

	if !ok {
		g.channel.Subscribe(docID)
	}
}

// userPresentLocked reports whether the user still has a live session
// in the room. Caller holds g.mu.
func (g *Gateway) userPresentLocked(r *room, userID string) bool {
	for _, s := range r.sessions {
		if s.UserID == userID {
			return true
		}
	}
	return false
}

// scheduleLeaveLocked starts the presence grace timer. Caller holds
// g.mu.
func (g *Gateway) scheduleLeaveLocked(r *room, docID, userID string) {
	if _, ok := r.leaving[userID]; ok {
		return
	}
	r.leaving[userID] = time.AfterFunc(g.cfg.PresenceGrace, func() {
		g.finalizeLeave(docID, userID)
	})
}

// finalizeLeave runs when the grace period elapses without the user
// returning
func (g *Gateway) finalizeLeave(docID, userID string) {
	g.mu.Lock()
	r, ok := g.rooms[docID]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(r.leaving, userID)
	if g.userPresentLocked(r, userID) {
		g.mu.Unlock()
		return
	}
	delete(r.presence, userID)
	empty := len(r.sessions) == 0 && len(r.presence) == 0 && len(r.leaving) == 0
	if empty {
		delete(g.rooms, docID)
	}
	g.mu.Unlock()

	g.broadcast(docID, "", &ServerFrame{
		Type:       FramePresenceLeave,
		DocumentID: docID,
		Cursor:     &types.Cursor{UserID: userID},
	})
	if empty {
		g.channel.Unsubscribe(docID)
	}
}

// shiftCursors transforms every stored cursor except the author's past
// an applied batch
func (g *Gateway) shiftCursors(docID, authorID string, ops []*types.Operation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[docID]
	if !ok {
		return
	}
	for userID, cursor := range r.presence {
		if userID == authorID {
			continue
		}
		r.presence[userID] = ot.TransformCursor(cursor, ops)
	}
}

// broadcast queues a frame to every session in the room except exclude
func (g *Gateway) broadcast(docID, exclude string, frame *ServerFrame) {
	g.mu.RLock()
	r, ok := g.rooms[docID]
	if !ok {
		g.mu.RUnlock()
		return
	}
	targets := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id == exclude {
			continue
		}
		targets = append(targets, s)
	}
	g.mu.RUnlock()

	for _, s := range targets {
		if !s.enqueue(frame) {
			g.recordError()
			g.logger.Warn().Str("session_id", s.ID).Str("type", frame.Type).Msg("dropping frame, session queue full")
		}
	}
}

func (g *Gateway) send(sess *Session, frame *ServerFrame) {
	if !sess.enqueue(frame) {
		g.recordError()
	}
}

// Backpressure is the load scalar the breaker samples: the larger of
// resource utilization and the trailing-minute error rate, clamped to
// [0,1]
func (g *Gateway) Backpressure() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	queued := 0
	for _, s := range g.sessions {
		queued += len(s.out)
	}
	util := 0.0
	if g.cfg.MaxQueueDepth > 0 {
		util += 0.6 * float64(queued) / float64(g.cfg.MaxQueueDepth)
	}
	if g.cfg.MaxConnections > 0 {
		util += 0.4 * float64(len(g.sessions)) / float64(g.cfg.MaxConnections)
	}

	cutoff := g.now().Add(-time.Minute)
	g.errTimes = trimTimes(g.errTimes, cutoff)
	g.opTimes = trimTimes(g.opTimes, cutoff)
	errRate := 0.0
	if total := len(g.errTimes) + len(g.opTimes); total > 0 {
		errRate = float64(len(g.errTimes)) / float64(total)
	}

	p := util
	if errRate > p {
		p = errRate
	}
	if p > 1 {
		p = 1
	}
	return p
}

func (g *Gateway) recordError() {
	g.mu.Lock()
	g.errTimes = append(g.errTimes, g.now())
	g.mu.Unlock()
	// an error during a half-open trial reopens the breaker
	g.breaker.Fail()
}

func (g *Gateway) recordOp() {
	g.mu.Lock()
	g.opTimes = append(g.opTimes, g.now())
	g.mu.Unlock()
}

func trimTimes(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func (g *Gateway) breakerChanged(from, to BreakerState, pressure float64) {
	g.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    events.EventBreakerChanged,
		Message: "collaboration breaker " + to.String(),
		Metadata: map[string]string{
			"from": from.String(),
			"to":   to.String(),
		},
		Payload: pressure,
	})
}
