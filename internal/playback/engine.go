package playback

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/julia-epshtein/umunch/internal/observability"
)

const (
	DefaultCleanupGrace = 10 * time.Second
	DefaultQueueSize    = 32
)

var (
	ErrClosed    = errors.New("playback engine closed")
	ErrFlushed   = errors.New("playback flushed")
	ErrQueueFull = errors.New("playback queue full")
)

// Stage names the step of a playback job that failed.
type Stage string

const (
	StageDecode      Stage = "decode"
	StageMaterialize Stage = "materialize"
	StagePlay        Stage = "play"
)

// Error is a playback failure. It is logged and compensated with local
// speech; callers never receive it.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("playback %s: %v", e.Stage, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Player plays one audio file to completion.
type Player interface {
	Play(ctx context.Context, path, format string) error
}

// Speaker renders text with local text-to-speech.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// noPlayer stands in when no audio player is installed, so every payload
// goes straight to local speech.
type noPlayer struct{}

func (noPlayer) Play(context.Context, string, string) error { return ErrNoCommand }

type Config struct {
	// Dir holds materialized audio files; empty means os.TempDir().
	Dir          string
	CleanupGrace time.Duration
	QueueSize    int
}

type job struct {
	ctx      context.Context
	payload  string
	format   string
	fallback string
	queuedAt time.Time
	done     chan error
}

func (j *job) finish(err error) {
	if j.done != nil {
		j.done <- err
	}
}

// Engine plays synthesized speech strictly in arrival order on one worker
// goroutine.
type Engine struct {
	player  Player
	speaker Speaker
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	pending []*job
	current context.CancelFunc
	closed  bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func NewEngine(player Player, speaker Speaker, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	if cfg.CleanupGrace <= 0 {
		cfg.CleanupGrace = DefaultCleanupGrace
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if player == nil {
		player = noPlayer{}
	}
	e := &Engine{
		player:  player,
		speaker: speaker,
		cfg:     cfg,
		logger:  logger.With("component", "playback"),
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

// Enqueue schedules a payload without waiting for it to play.
func (e *Engine) Enqueue(payload, format, fallbackText string) error {
	return e.push(&job{ctx: context.Background(), payload: payload, format: format, fallback: fallbackText})
}

// Play schedules a payload and waits until it has played, or fallen back to
// speech. Only ErrClosed, ErrFlushed, ErrQueueFull and ctx errors are
// returned.
func (e *Engine) Play(ctx context.Context, payload, format, fallbackText string) error {
	j := &job{ctx: ctx, payload: payload, format: format, fallback: fallbackText, done: make(chan error, 1)}
	if err := e.push(j); err != nil {
		return err
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) push(j *job) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if len(e.pending) >= e.cfg.QueueSize {
		e.mu.Unlock()
		e.metrics.ObservePlayback("dropped")
		e.logger.Warn("playback queue full, dropping audio", "queue_size", e.cfg.QueueSize)
		return ErrQueueFull
	}
	j.queuedAt = time.Now()
	e.pending = append(e.pending, j)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending reports queued jobs, not counting the one playing.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Flush stops the current job and drops everything queued.
func (e *Engine) Flush() {
	e.mu.Lock()
	dropped := e.pending
	e.pending = nil
	cancel := e.current
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, j := range dropped {
		j.finish(ErrFlushed)
	}
	if len(dropped) > 0 {
		e.logger.Debug("playback flushed", "dropped", len(dropped))
	}
}

// Close flushes the queue and stops the worker. It is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.Flush()
	close(e.quit)
	<-e.done
	return nil
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		j, ctx, cancel, ok := e.next()
		if !ok {
			return
		}
		e.runJob(ctx, cancel, j)
	}
}

// next pops the head job and installs its cancel func in the same critical
// section, so a Flush either drops the job or cancels it.
func (e *Engine) next() (*job, context.Context, context.CancelFunc, bool) {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return nil, nil, nil, false
		}
		if len(e.pending) > 0 {
			j := e.pending[0]
			e.pending[0] = nil
			e.pending = e.pending[1:]
			ctx, cancel := context.WithCancel(j.ctx)
			e.current = cancel
			e.mu.Unlock()
			return j, ctx, cancel, true
		}
		e.mu.Unlock()

		select {
		case <-e.wake:
		case <-e.quit:
			return nil, nil, nil, false
		}
	}
}

func (e *Engine) runJob(ctx context.Context, cancel context.CancelFunc, j *job) {
	err := e.process(ctx, j)

	e.mu.Lock()
	e.current = nil
	closed := e.closed
	e.mu.Unlock()
	cancel()

	if err != nil && j.ctx.Err() == nil {
		// Cancelled by Flush or Close rather than by the caller.
		err = ErrFlushed
		if closed {
			err = ErrClosed
		}
	}
	j.finish(err)
}

// process returns only cancellation errors; everything else degrades to
// speaking the fallback text.
func (e *Engine) process(ctx context.Context, j *job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(j.payload))
	if err == nil && len(data) == 0 {
		err = errors.New("empty audio payload")
	}
	if err != nil {
		return e.fallback(ctx, j, &Error{Stage: StageDecode, Err: err})
	}

	format := sanitizeFormat(j.format)
	path, err := e.materialize(data, format)
	if err != nil {
		return e.fallback(ctx, j, &Error{Stage: StageMaterialize, Err: err})
	}
	release := e.scheduleRelease(path)
	defer release()

	if err := e.player.Play(ctx, path, format); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.fallback(ctx, j, &Error{Stage: StagePlay, Err: err})
	}
	e.metrics.ObservePlayback("played")
	e.logger.Debug("audio played", "format", format, "bytes", len(data), "queued_for", time.Since(j.queuedAt))
	return nil
}

func (e *Engine) fallback(ctx context.Context, j *job, cause *Error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	e.metrics.ObservePlayback("fallback")
	text := SpeechText(j.fallback)
	e.logger.Warn("audio playback failed, using local speech", "stage", cause.Stage, "error", cause.Err, "has_text", text != "")
	if text == "" || e.speaker == nil {
		return nil
	}
	if err := e.speaker.Speak(ctx, text); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Warn("fallback speech failed", "error", err)
	}
	return nil
}

func (e *Engine) materialize(data []byte, format string) (string, error) {
	f, err := os.CreateTemp(e.cfg.Dir, "audio_*."+format)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// scheduleRelease removes path once: when the returned func runs, or after
// the cleanup grace if playback never returns.
func (e *Engine) scheduleRelease(path string) func() {
	var once sync.Once
	remove := func() {
		once.Do(func() {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				e.logger.Warn("failed to delete audio file", "path", path, "error", err)
			}
		})
	}
	timer := time.AfterFunc(e.cfg.CleanupGrace, remove)
	return func() {
		timer.Stop()
		remove()
	}
}

func sanitizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	var b strings.Builder
	for _, r := range format {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == 8 {
			break
		}
	}
	if b.Len() == 0 {
		return "mp3"
	}
	return b.String()
}
