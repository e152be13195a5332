package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/julia-epshtein/umunch/internal/observability"
	"github.com/julia-epshtein/umunch/internal/protocol"
	"github.com/julia-epshtein/umunch/internal/reliability"
	"github.com/julia-epshtein/umunch/internal/workout"
)

const defaultConnectTimeout = 10 * time.Second

type Options struct {
	Resolver EndpointResolver
	Driver   Driver
	Handler  Handler
	Audio    AudioSink

	// SeedUtterance is sent as the user's first turn once the agent reports
	// started. Empty disables it.
	SeedUtterance  string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// attempt is one dialed channel. alive is guarded by Manager.mu and flips to
// false exactly once; nothing read from a dead attempt is dispatched.
type attempt struct {
	id    string
	conn  Conn
	alive bool
	done  chan struct{}
}

// Manager owns one duplex channel to the agent service and the conversation
// state derived from it. Inbound frames are dispatched on the read goroutine
// while holding mu, which also serializes all outbound sends.
type Manager struct {
	resolver       EndpointResolver
	driver         Driver
	handler        Handler
	audio          AudioSink
	seed           string
	keepAlive      time.Duration
	connectTimeout time.Duration
	logger         *slog.Logger
	metrics        *observability.Metrics

	mu             sync.Mutex
	state          ChannelState
	connecting     bool
	connectGen     uint64
	cancelDial     context.CancelFunc
	closed         bool
	current        *attempt
	conversationID string
	listening      bool
	active         bool
	seedPending    bool
	extractor      *workout.Extractor
	lastAgentText  string
	connectedAt    time.Time
	lastMessageAt  time.Time
	startSentAt    time.Time
	userSentAt     time.Time
	agentReplyAt   time.Time
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Handler == nil {
		opts.Handler = nopHandler{}
	}
	return &Manager{
		resolver:       opts.Resolver,
		driver:         opts.Driver,
		handler:        opts.Handler,
		audio:          opts.Audio,
		seed:           strings.TrimSpace(opts.SeedUtterance),
		keepAlive:      opts.KeepAlive,
		connectTimeout: opts.ConnectTimeout,
		logger:         logger.With("component", "session"),
		metrics:        opts.Metrics,
		state:          StateDisconnected,
		extractor:      workout.NewExtractor(),
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:          m.state,
		ConversationID: m.conversationID,
		Listening:      m.listening,
		Phase:          m.extractor.Phase(),
		ConnectedAt:    m.connectedAt,
		LastMessageAt:  m.lastMessageAt,
	}
	if m.current != nil {
		st.AttemptID = m.current.id
	}
	return st
}

func (m *Manager) State() ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Turns() []workout.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extractor.Turns()
}

// Connect opens the channel. It is a no-op when already connected. The
// conversation id arrives later with the connected message.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return &ConnectionError{Op: "connect", Err: ErrClosed}
	case m.state == StateConnected:
		m.mu.Unlock()
		return nil
	case m.connecting:
		m.mu.Unlock()
		return &ConnectionError{Op: "connect", Err: ErrConnectInProgress}
	}
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.connecting = true
	m.connectGen++
	gen := m.connectGen
	m.cancelDial = cancel
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	started := time.Now()
	conn, err := m.dial(dialCtx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.connectGen {
		// Detach or Close ran while dialing; they already reset the state.
		if conn != nil {
			_ = conn.Close()
		}
		m.metrics.ObserveConnect("canceled", time.Since(started))
		cause := ErrConnectCanceled
		if m.closed {
			cause = ErrClosed
		}
		m.logger.Info("connect abandoned", "reason", cause)
		return &ConnectionError{Op: "connect", Err: cause}
	}
	m.connecting = false
	m.cancelDial = nil
	if err != nil {
		if !m.closed {
			m.setStateLocked(StateDisconnected)
		}
		m.metrics.ObserveConnect("error", time.Since(started))
		m.logger.Warn("connect failed", "error", err)
		m.handler.OnError(err)
		return err
	}

	a := &attempt{id: uuid.NewString(), conn: conn, alive: true, done: make(chan struct{})}
	m.current = a
	m.connectedAt = time.Now().UTC()
	m.setStateLocked(StateConnected)
	m.metrics.ObserveConnect("ok", time.Since(started))
	m.logger.Info("channel connected", "attempt_id", a.id)

	go m.readLoop(a)
	if m.keepAlive > 0 {
		go m.keepAliveLoop(a)
	}
	return nil
}

func (m *Manager) dial(ctx context.Context) (Conn, error) {
	if m.resolver == nil || m.driver == nil {
		return nil, &ConnectionError{Op: "connect", Err: errors.New("no channel driver configured")}
	}
	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	ep, err := m.resolver.Resolve(ctx)
	if err != nil {
		return nil, &ConnectionError{Op: "resolve endpoint", Err: err, Retryable: reliability.IsRetryableNetError(err)}
	}
	conn, err := m.driver.Dial(ctx, ep)
	if err != nil {
		// A cached endpoint may be stale; fetch it again on the next connect.
		if inv, ok := m.resolver.(invalidator); ok && !errors.Is(err, context.Canceled) {
			inv.Invalidate()
		}
		var ce *ConnectionError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &ConnectionError{Op: "dial channel", Err: err, Retryable: reliability.IsRetryableNetError(err)}
	}
	return conn, nil
}

// StartConversation asks the agent to begin a conversation on the open
// channel.
func (m *Manager) StartConversation(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.requireConnectedLocked("start conversation")
	if err != nil {
		return err
	}
	m.extractor.Begin()
	if err := m.sendLocked(ctx, a, protocol.NewStart()); err != nil {
		return err
	}
	m.active = true
	m.seedPending = m.seed != ""
	m.startSentAt = time.Now()
	m.setListeningLocked(true)
	return nil
}

// StopConversation sends stop when the channel is open and ends the
// conversation. It never fails.
func (m *Manager) StopConversation(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.current; a != nil && m.state == StateConnected {
		if err := m.sendLocked(ctx, a, protocol.NewStop()); err != nil {
			m.logger.Debug("stop not delivered", "error", err)
		}
	}
	m.setListeningLocked(false)
	m.endConversationLocked()
	return nil
}

// SendTranscript sends a user utterance. The turn log is only updated once
// the frame has been written.
func (m *Manager) SendTranscript(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyTranscript
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.requireConnectedLocked("send transcript")
	if err != nil {
		return err
	}
	if err := m.sendLocked(ctx, a, protocol.NewTranscript(text)); err != nil {
		return err
	}
	m.handler.OnTurn(m.extractor.RecordLocal(text))
	m.userSentAt = time.Now()
	return nil
}

// SendWorkoutData sends a pre-built intent and captures it locally.
func (m *Manager) SendWorkoutData(ctx context.Context, in workout.Intent) error {
	if err := in.Validate(); err != nil {
		m.metrics.ObserveIntent(string(SourceLocal), "rejected")
		m.mu.Lock()
		m.handler.OnError(err)
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.requireConnectedLocked("send workout data")
	if err != nil {
		return err
	}
	if err := m.extractor.Acceptable(); err != nil {
		return err
	}
	if err := m.sendLocked(ctx, a, protocol.NewWorkoutData(in)); err != nil {
		return err
	}
	captured, err := m.extractor.Accept(in)
	if err != nil {
		return err
	}
	m.metrics.ObserveIntent(string(SourceLocal), "accepted")
	m.handler.OnIntent(captured, SourceLocal)
	return nil
}

// ResetConversation clears the turn log and any captured intent.
func (m *Manager) ResetConversation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extractor.Reset()
	m.active = false
	m.seedPending = false
	m.lastAgentText = ""
	m.handler.OnReset()
}

// Detach stops dispatch for the current channel immediately and returns a
// func that says goodbye and closes it. Callers that must release other
// resources between the two steps use this instead of Disconnect.
func (m *Manager) Detach() func(ctx context.Context) {
	m.mu.Lock()
	a := m.detachLocked()
	m.mu.Unlock()
	return func(ctx context.Context) {
		if a == nil {
			return
		}
		m.hangUp(ctx, a)
	}
}

// Disconnect closes the channel. It is idempotent.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.Detach()(ctx)
	return nil
}

// Close disconnects and moves to the terminal ended state.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	a := m.detachLocked()
	m.setStateLocked(StateEnded)
	m.mu.Unlock()

	if a != nil {
		m.hangUp(ctx, a)
	}
	return nil
}

func (m *Manager) detachLocked() *attempt {
	m.abortConnectLocked()
	a := m.current
	if a == nil {
		return nil
	}
	a.alive = false
	m.current = nil
	m.conversationID = ""
	m.setListeningLocked(false)
	m.endConversationLocked()
	if !m.closed {
		m.setStateLocked(StateDisconnected)
	}
	m.logger.Info("channel detached", "attempt_id", a.id)
	return a
}

// abortConnectLocked invalidates an in-flight dial so Connect discards its
// result.
func (m *Manager) abortConnectLocked() {
	if !m.connecting {
		return
	}
	m.connecting = false
	m.connectGen++
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if !m.closed {
		m.setStateLocked(StateDisconnected)
	}
}

func (m *Manager) hangUp(ctx context.Context, a *attempt) {
	if raw, typ, err := protocol.Encode(protocol.NewEnd()); err == nil {
		if err := a.conn.WriteMessage(ctx, raw); err == nil {
			m.metrics.ObserveWSMessage("out", string(typ))
		}
	}
	if err := a.conn.Close(); err != nil {
		m.logger.Debug("close channel", "error", err)
	}
	select {
	case <-a.done:
	case <-ctx.Done():
	}
}

func (m *Manager) readLoop(a *attempt) {
	defer close(a.done)
	for {
		raw, err := a.conn.ReadMessage()
		if err != nil {
			m.lost(a, err)
			return
		}

		msg, perr := protocol.ParseServerMessage(raw)

		m.mu.Lock()
		if !a.alive {
			m.mu.Unlock()
			return
		}
		m.lastMessageAt = time.Now().UTC()
		if perr != nil {
			kind := "malformed"
			if errors.Is(perr, protocol.ErrUnsupportedType) {
				kind = "unsupported_type"
			}
			m.metrics.ObserveProtocolError(kind)
			m.logger.Warn("ignoring inbound frame", "error", perr)
			m.mu.Unlock()
			continue
		}
		hangUp := m.dispatchLocked(a, msg)
		m.mu.Unlock()

		if hangUp {
			_ = a.conn.Close()
			return
		}
	}
}

// dispatchLocked applies one inbound message and reports whether the channel
// should be closed.
func (m *Manager) dispatchLocked(a *attempt, msg protocol.ServerMessage) bool {
	m.metrics.ObserveWSMessage("in", string(msg.MessageType()))

	switch v := msg.(type) {
	case protocol.Connected:
		m.conversationID = v.ConversationID
		m.handler.OnConversation(v.ConversationID)

	case protocol.Started:
		if v.ConversationID != "" && v.ConversationID != m.conversationID {
			m.conversationID = v.ConversationID
			m.handler.OnConversation(v.ConversationID)
		}
		if !m.startSentAt.IsZero() {
			m.metrics.ObserveTurnStage("start_to_started", time.Since(m.startSentAt))
			m.startSentAt = time.Time{}
		}
		m.active = true
		m.setListeningLocked(true)
		if m.seedPending {
			m.seedPending = false
			if err := m.sendLocked(context.Background(), a, protocol.NewTranscript(m.seed)); err == nil {
				m.handler.OnTurn(m.extractor.RecordLocal(m.seed))
				m.userSentAt = time.Now()
			}
		}

	case protocol.Transcript:
		turn, appended := m.extractor.Observe(v.Speaker, v.Text)
		if appended {
			m.handler.OnTurn(turn)
		}
		if v.Speaker == protocol.SpeakerAgent {
			m.lastAgentText = turn.Text
			m.agentReplyAt = time.Now()
			if !m.userSentAt.IsZero() {
				m.metrics.ObserveTurnStage("transcript_to_agent_reply", time.Since(m.userSentAt))
				m.userSentAt = time.Time{}
			}
		}

	case protocol.Audio:
		if !m.agentReplyAt.IsZero() {
			m.metrics.ObserveTurnStage("agent_reply_to_audio", time.Since(m.agentReplyAt))
			m.agentReplyAt = time.Time{}
		}
		if m.audio == nil {
			m.logger.Debug("dropping audio, no playback configured")
			break
		}
		if err := m.audio.Enqueue(v.Data, v.Format, m.lastAgentText); err != nil {
			m.logger.Warn("audio not queued", "error", err)
		}

	case protocol.WorkoutData:
		m.offerLocked(v)

	case protocol.Error:
		m.logger.Warn("agent reported error", "message", v.Message)
		m.handler.OnError(&AgentError{Message: v.Message})

	case protocol.Ended:
		m.logger.Info("agent ended conversation", "conversation_id", m.conversationID)
		m.detachLocked()
		return true

	case protocol.TranscriptReceived, protocol.Pong:
		m.logger.Debug("ack", "type", msg.MessageType())
	}
	return false
}

func (m *Manager) offerLocked(v protocol.WorkoutData) {
	in, err := m.extractor.Offer(v.Data)
	var verr *workout.ValidationError
	switch {
	case err == nil:
		m.metrics.ObserveIntent(string(SourceAgent), "accepted")
		m.logger.Info("workout captured", "activity", in.Activity, "duration_minutes", in.DurationMinutes, "difficulty", in.Difficulty)
		m.handler.OnIntent(in, SourceAgent)
	case errors.As(err, &verr):
		m.metrics.ObserveIntent(string(SourceAgent), "rejected")
		m.logger.Warn("workout data rejected", "error", err)
		m.handler.OnError(err)
	case errors.Is(err, workout.ErrAlreadyCaptured), errors.Is(err, workout.ErrConversationEnded):
		m.metrics.ObserveIntent(string(SourceAgent), "ignored")
		m.logger.Debug("workout data ignored", "reason", err)
	default:
		m.logger.Error("workout data", "error", err)
		m.handler.OnError(err)
	}
}

// lost handles the read side failing. An attempt that was already detached
// is ignored.
func (m *Manager) lost(a *attempt, err error) {
	m.mu.Lock()
	if !a.alive {
		m.mu.Unlock()
		return
	}
	m.detachLocked()
	if !isNormalClose(err) {
		ce := &ConnectionError{Op: "read", Err: err, Retryable: reliability.IsRetryableCloseError(err) || reliability.IsRetryableNetError(err)}
		m.logger.Warn("channel lost", "attempt_id", a.id, "error", err)
		m.handler.OnError(ce)
	}
	m.mu.Unlock()
	_ = a.conn.Close()
}

func (m *Manager) keepAliveLoop(a *attempt) {
	ticker := time.NewTicker(m.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			if !a.alive {
				m.mu.Unlock()
				return
			}
			if err := m.sendLocked(context.Background(), a, protocol.NewPing()); err != nil {
				m.logger.Debug("keepalive ping failed", "error", err)
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) requireConnectedLocked(op string) (*attempt, error) {
	if m.state != StateConnected || m.current == nil {
		err := &ConnectionError{Op: op, Err: ErrNotConnected}
		m.handler.OnError(err)
		return nil, err
	}
	return m.current, nil
}

func (m *Manager) sendLocked(ctx context.Context, a *attempt, msg any) error {
	raw, typ, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := a.conn.WriteMessage(ctx, raw); err != nil {
		ce := &ConnectionError{Op: fmt.Sprintf("send %s", typ), Err: err, Retryable: reliability.IsRetryableNetError(err)}
		m.handler.OnError(ce)
		return ce
	}
	m.metrics.ObserveWSMessage("out", string(typ))
	return nil
}

func (m *Manager) setStateLocked(s ChannelState) {
	if m.state == s || m.state == StateEnded {
		return
	}
	m.state = s
	m.metrics.SetConnected(s == StateConnected)
	m.handler.OnState(s)
}

func (m *Manager) setListeningLocked(listening bool) {
	if m.listening == listening {
		return
	}
	m.listening = listening
	m.handler.OnListening(listening)
}

func (m *Manager) endConversationLocked() {
	if !m.active {
		return
	}
	m.active = false
	m.seedPending = false
	m.handler.OnEnded(m.extractor.End())
}

type nopHandler struct{}

func (nopHandler) OnState(ChannelState)                  {}
func (nopHandler) OnConversation(string)                 {}
func (nopHandler) OnListening(bool)                      {}
func (nopHandler) OnTurn(workout.Turn)                   {}
func (nopHandler) OnIntent(workout.Intent, IntentSource) {}
func (nopHandler) OnError(error)                         {}
func (nopHandler) OnEnded(workout.Phase)                 {}
func (nopHandler) OnReset()                              {}
