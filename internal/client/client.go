package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/julia-epshtein/umunch/internal/audio"
	"github.com/julia-epshtein/umunch/internal/observability"
	"github.com/julia-epshtein/umunch/internal/session"
	"github.com/julia-epshtein/umunch/internal/voice"
	"github.com/julia-epshtein/umunch/internal/workout"
)

var (
	ErrClosed     = errors.New("client closed")
	ErrNoRecorder = errors.New("audio capture not configured")
)

// Recorder is the microphone side. *audio.Controller implements it.
type Recorder interface {
	StartRecording(ctx context.Context, p audio.Params) error
	StopRecording(ctx context.Context) (*audio.EncodedAudio, error)
	Cancel() error
	Close() error
}

// Playback is the speaker side. *playback.Engine implements it.
type Playback interface {
	Enqueue(payload, format, fallbackText string) error
	Flush()
	Close() error
}

type Options struct {
	Resolver session.EndpointResolver
	Driver   session.Driver

	Recorder      Recorder
	CaptureParams audio.Params
	Playback      Playback
	// Transcriber is optional. Without it StopRecording only returns the clip.
	Transcriber voice.Transcriber

	SeedUtterance  string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// EventBuffer sizes the Intents and Errors channels.
	EventBuffer int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Snapshot is the observable state of a Client.
type Snapshot struct {
	IsConnected    bool                 `json:"is_connected"`
	IsListening    bool                 `json:"is_listening"`
	IsRecording    bool                 `json:"is_recording"`
	Error          string               `json:"error,omitempty"`
	State          session.ChannelState `json:"state"`
	ConversationID string               `json:"conversation_id,omitempty"`
	Phase          workout.Phase        `json:"phase"`
	Turns          []workout.Turn       `json:"turns"`
	Workout        *CapturedIntent      `json:"workout,omitempty"`
}

// CapturedIntent is a workout accepted during a conversation, ready for the
// host to persist.
type CapturedIntent struct {
	Intent         workout.Intent       `json:"intent"`
	Source         session.IntentSource `json:"source"`
	ConversationID string               `json:"conversation_id,omitempty"`
	CapturedAt     time.Time            `json:"captured_at"`
}

// RecordingResult is what StopRecording produced.
type RecordingResult struct {
	Audio      *audio.EncodedAudio
	Transcript string
}

// Client is the host facing surface of one voice logging session. Once Close
// returns nothing is published and every channel is closed.
type Client struct {
	manager     *session.Manager
	recorder    Recorder
	params      audio.Params
	playback    Playback
	transcriber voice.Transcriber
	logger      *slog.Logger
	metrics     *observability.Metrics

	// lifecycle serializes Disconnect and Close against each other.
	lifecycle sync.Mutex

	mu             sync.Mutex
	dead           bool
	snap           Snapshot
	recordingSince time.Time
	updates        chan Snapshot
	intents        chan CapturedIntent
	errs           chan error
}

func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 16
	}
	if opts.CaptureParams == (audio.Params{}) {
		opts.CaptureParams = audio.DefaultParams()
	}

	c := &Client{
		recorder:    opts.Recorder,
		params:      opts.CaptureParams,
		playback:    opts.Playback,
		transcriber: opts.Transcriber,
		logger:      logger.With("component", "client"),
		metrics:     opts.Metrics,
		snap: Snapshot{
			State: session.StateDisconnected,
			Phase: workout.PhaseAwaitingFirstTurn,
		},
		updates: make(chan Snapshot, 1),
		intents: make(chan CapturedIntent, opts.EventBuffer),
		errs:    make(chan error, opts.EventBuffer),
	}

	var sink session.AudioSink
	if opts.Playback != nil {
		sink = opts.Playback
	}
	c.manager = session.NewManager(session.Options{
		Resolver:       opts.Resolver,
		Driver:         opts.Driver,
		Handler:        events{c},
		Audio:          sink,
		SeedUtterance:  opts.SeedUtterance,
		KeepAlive:      opts.KeepAlive,
		ConnectTimeout: opts.ConnectTimeout,
		Logger:         logger,
		Metrics:        opts.Metrics,
	})
	return c
}

// Updates delivers the latest snapshot after each change. Intermediate
// snapshots are dropped when the reader falls behind.
func (c *Client) Updates() <-chan Snapshot { return c.updates }

// Intents delivers each captured workout once.
func (c *Client) Intents() <-chan CapturedIntent { return c.intents }

// Errors delivers reported errors. They are dropped when the buffer is full;
// the latest one is always in Snapshot().Error.
func (c *Client) Errors() <-chan error { return c.errs }

func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyLocked()
}

// Status exposes connection details for diagnostics.
func (c *Client) Status() session.Status {
	return c.manager.Status()
}

func (c *Client) Connect(ctx context.Context) error {
	if c.isDead() {
		return ErrClosed
	}
	if err := c.manager.Connect(ctx); err != nil {
		return err
	}
	c.update(func(s *Snapshot) { s.Error = "" })
	return nil
}

// Disconnect tears down the channel, the active recording and queued audio.
// It is idempotent and the client can connect again afterwards.
func (c *Client) Disconnect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.teardown(ctx, c.manager.Detach())
	return nil
}

// Close disconnects and releases every resource. It is idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.isDead() {
		return nil
	}

	c.teardown(ctx, c.manager.Detach())
	var errs []error
	if err := c.manager.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.recorder != nil {
		if err := c.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close recorder: %w", err))
		}
	}
	if c.playback != nil {
		if err := c.playback.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close playback: %w", err))
		}
	}

	c.mu.Lock()
	c.dead = true
	close(c.updates)
	close(c.intents)
	close(c.errs)
	c.mu.Unlock()
	c.logger.Info("client closed")
	return errors.Join(errs...)
}

// teardown runs after the manager stopped dispatching. Each step runs even
// when the previous one failed.
func (c *Client) teardown(ctx context.Context, hangUp func(context.Context)) {
	if err := c.cancelRecording(); err != nil {
		c.logger.Warn("cancel recording", "error", err)
	}
	if c.playback != nil {
		c.playback.Flush()
	}
	hangUp(ctx)
}

// StartConversation connects when needed and asks the agent to start.
func (c *Client) StartConversation(ctx context.Context) error {
	if c.isDead() {
		return ErrClosed
	}
	if c.manager.State() != session.StateConnected {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}
	if err := c.manager.StartConversation(ctx); err != nil {
		return err
	}
	// A finished conversation is replaced by the new one.
	phase := c.manager.Status().Phase
	c.update(func(s *Snapshot) {
		s.Error = ""
		s.Phase = phase
		if phase != workout.PhaseIntentCaptured {
			s.Workout = nil
		}
	})
	return nil
}

func (c *Client) StopConversation(ctx context.Context) error {
	if c.isDead() {
		return ErrClosed
	}
	if err := c.cancelRecording(); err != nil {
		c.logger.Warn("cancel recording", "error", err)
	}
	return c.manager.StopConversation(ctx)
}

func (c *Client) SendTranscript(ctx context.Context, text string) error {
	if c.isDead() {
		return ErrClosed
	}
	return c.manager.SendTranscript(ctx, text)
}

// SendWorkoutData logs a workout without going through speech.
func (c *Client) SendWorkoutData(ctx context.Context, in workout.Intent) error {
	if c.isDead() {
		return ErrClosed
	}
	return c.manager.SendWorkoutData(ctx, in)
}

func (c *Client) ResetConversation() {
	if c.isDead() {
		return
	}
	c.manager.ResetConversation()
}

// StartRecording opens the microphone. Permission and double-start failures
// are reported and returned.
func (c *Client) StartRecording(ctx context.Context) error {
	if c.isDead() {
		return ErrClosed
	}
	if c.recorder == nil {
		c.report(ErrNoRecorder)
		return ErrNoRecorder
	}
	if err := c.recorder.StartRecording(ctx, c.params); err != nil {
		// Teardown won the race; the device is already released.
		if errors.Is(err, audio.ErrStartCanceled) {
			c.markNotRecording()
			return err
		}
		c.report(err)
		return err
	}
	c.update(func(s *Snapshot) {
		s.IsRecording = true
	})
	c.mu.Lock()
	c.recordingSince = time.Now()
	c.mu.Unlock()
	return nil
}

// StopRecording closes the microphone. With a transcriber configured the
// clip is transcribed and sent as the user's next turn.
func (c *Client) StopRecording(ctx context.Context) (RecordingResult, error) {
	if c.isDead() {
		return RecordingResult{}, ErrClosed
	}
	if c.recorder == nil {
		return RecordingResult{}, ErrNoRecorder
	}
	clip, err := c.recorder.StopRecording(ctx)
	c.markNotRecording()
	if err != nil {
		c.report(err)
		return RecordingResult{}, err
	}
	if clip == nil {
		return RecordingResult{}, nil
	}
	took := clip.Duration
	if took <= 0 {
		c.mu.Lock()
		took = time.Since(c.recordingSince)
		c.mu.Unlock()
	}
	c.metrics.ObserveRecording(took)

	res := RecordingResult{Audio: clip}
	if c.transcriber == nil {
		return res, nil
	}
	started := time.Now()
	text, err := c.transcriber.Transcribe(ctx, clip)
	if err != nil {
		c.report(err)
		return res, err
	}
	c.metrics.ObserveTurnStage("recording_to_transcript", time.Since(started))
	res.Transcript = text
	if err := c.SendTranscript(ctx, text); err != nil {
		return res, err
	}
	return res, nil
}

func (c *Client) cancelRecording() error {
	if c.recorder == nil {
		return nil
	}
	err := c.recorder.Cancel()
	c.markNotRecording()
	return err
}

func (c *Client) markNotRecording() {
	c.update(func(s *Snapshot) { s.IsRecording = false })
}

func (c *Client) isDead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

// update applies fn and publishes the result unless the client is closed.
func (c *Client) update(fn func(s *Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateLocked(fn)
}

func (c *Client) updateLocked(fn func(s *Snapshot)) {
	if c.dead {
		return
	}
	fn(&c.snap)
	snap := c.copyLocked()
	select {
	case <-c.updates:
	default:
	}
	c.updates <- snap
}

func (c *Client) report(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reportLocked(err)
}

func (c *Client) reportLocked(err error) {
	if c.dead || err == nil {
		return
	}
	c.updateLocked(func(s *Snapshot) { s.Error = err.Error() })
	select {
	case c.errs <- err:
	default:
		c.logger.Debug("error channel full, dropping", "error", err)
	}
}

func (c *Client) copyLocked() Snapshot {
	out := c.snap
	out.Turns = append([]workout.Turn(nil), c.snap.Turns...)
	if c.snap.Workout != nil {
		w := *c.snap.Workout
		out.Workout = &w
	}
	return out
}

// events receives manager callbacks. They arrive under the manager's
// dispatch lock, so nothing here calls back into the manager.
type events struct {
	c *Client
}

func (e events) OnState(state session.ChannelState) {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	e.c.updateLocked(func(s *Snapshot) {
		s.State = state
		s.IsConnected = state == session.StateConnected
		if !s.IsConnected {
			s.ConversationID = ""
			s.IsListening = false
		}
	})
	if state != session.StateConnected && state != session.StateConnecting && e.c.snap.IsRecording && !e.c.dead {
		go e.c.stopOrphanedRecording()
	}
}

func (e events) OnConversation(id string) {
	e.c.update(func(s *Snapshot) { s.ConversationID = id })
}

func (e events) OnListening(listening bool) {
	e.c.update(func(s *Snapshot) { s.IsListening = listening })
}

func (e events) OnTurn(turn workout.Turn) {
	e.c.update(func(s *Snapshot) {
		s.Turns = append(s.Turns, turn)
		if s.Phase == workout.PhaseAwaitingFirstTurn {
			s.Phase = workout.PhaseInConversation
		}
	})
}

func (e events) OnIntent(in workout.Intent, source session.IntentSource) {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	if e.c.dead {
		return
	}
	captured := CapturedIntent{
		Intent:         in,
		Source:         source,
		ConversationID: e.c.snap.ConversationID,
		CapturedAt:     time.Now().UTC(),
	}
	e.c.updateLocked(func(s *Snapshot) {
		s.Workout = &captured
		s.Phase = workout.PhaseIntentCaptured
	})
	select {
	case e.c.intents <- captured:
	default:
		e.c.logger.Warn("intent channel full, workout only available in snapshot", "activity", in.Activity)
	}
}

func (e events) OnError(err error) {
	e.c.report(err)
}

func (e events) OnEnded(phase workout.Phase) {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	e.c.updateLocked(func(s *Snapshot) {
		s.Phase = phase
		s.IsListening = false
	})
	if e.c.snap.IsRecording && !e.c.dead {
		go e.c.stopOrphanedRecording()
	}
}

func (e events) OnReset() {
	e.c.update(func(s *Snapshot) {
		s.Turns = nil
		s.Workout = nil
		s.Phase = workout.PhaseAwaitingFirstTurn
	})
}

// stopOrphanedRecording discards a recording whose conversation is gone.
func (c *Client) stopOrphanedRecording() {
	if err := c.cancelRecording(); err != nil {
		c.logger.Debug("cancel orphaned recording", "error", err)
	}
}
