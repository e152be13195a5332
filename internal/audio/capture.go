package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultSampleRate = 44100
	DefaultChannels   = 2
	DefaultBitrate    = 128000

	ContainerWAV = "wav"
	ContainerAAC = "aac"
)

var (
	ErrAlreadyRecording = errors.New("a recording is already in progress")
	ErrPermissionDenied = errors.New("microphone permission not granted")
	ErrClosed           = errors.New("capture controller closed")
	ErrNoAudio          = errors.New("recording produced no audio")
	ErrStartCanceled    = errors.New("recording canceled while starting")
)

// Params configures one recording. Zero values take the package defaults.
type Params struct {
	SampleRate int
	Channels   int
	Bitrate    int
	Container  string
}

func DefaultParams() Params {
	return Params{
		SampleRate: DefaultSampleRate,
		Channels:   DefaultChannels,
		Bitrate:    DefaultBitrate,
		Container:  ContainerWAV,
	}
}

func (p Params) normalized() (Params, error) {
	if p.SampleRate <= 0 {
		p.SampleRate = DefaultSampleRate
	}
	if p.Channels <= 0 {
		p.Channels = DefaultChannels
	}
	if p.Bitrate <= 0 {
		p.Bitrate = DefaultBitrate
	}
	p.Container = strings.ToLower(strings.TrimSpace(p.Container))
	if p.Container == "" {
		p.Container = ContainerWAV
	}
	if p.Container != ContainerWAV && p.Container != ContainerAAC {
		return Params{}, fmt.Errorf("unsupported capture container %q", p.Container)
	}
	return p, nil
}

// EncodedAudio is the result of a finished recording.
type EncodedAudio struct {
	Data       []byte
	Format     string
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// Backend opens recordings on a concrete audio device.
type Backend interface {
	Start(ctx context.Context, p Params) (Recording, error)
}

// Recording is one open microphone session.
type Recording interface {
	// Finish stops capturing and returns the encoded audio.
	Finish(ctx context.Context) (*EncodedAudio, error)
	// Abort releases the device and discards captured audio.
	Abort() error
}

// Controller owns at most one active recording.
type Controller struct {
	backend    Backend
	permission Permission
	logger     *slog.Logger

	mu         sync.Mutex
	granted    bool
	starting   bool
	// abortStart is set when Cancel, StopRecording or Close land while the
	// backend is still opening the device.
	abortStart bool
	active     Recording
	params     Params
	closed     bool
}

func NewController(backend Backend, permission Permission, logger *slog.Logger) *Controller {
	if permission == nil {
		permission = StaticPermission(true)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		backend:    backend,
		permission: permission,
		logger:     logger.With("component", "audio_capture"),
	}
}

// RequestPermission asks the platform for microphone access. A denial can be
// retried by calling it again.
func (c *Controller) RequestPermission(ctx context.Context) bool {
	granted := c.permission.RequestPermission(ctx)
	c.mu.Lock()
	c.granted = granted
	c.mu.Unlock()
	if !granted {
		c.logger.Warn("microphone permission denied")
	}
	return granted
}

func (c *Controller) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil || (c.starting && !c.abortStart)
}

// StartRecording opens a recording. A second call while one is open returns
// ErrAlreadyRecording and leaves the first recording running.
func (c *Controller) StartRecording(ctx context.Context, p Params) error {
	p, err := p.normalized()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.reserveLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	granted := c.granted
	c.mu.Unlock()

	if !granted && !c.RequestPermission(ctx) {
		c.release()
		return ErrPermissionDenied
	}
	if c.backend == nil {
		c.release()
		return errors.New("no capture backend configured")
	}

	rec, err := c.backend.Start(ctx, p)
	if err != nil {
		c.release()
		return fmt.Errorf("start recording: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.starting = false
	aborted := c.abortStart
	c.abortStart = false
	if c.closed || aborted {
		if err := rec.Abort(); err != nil {
			c.logger.Warn("abort recording opened during teardown", "error", err)
		}
		if c.closed {
			return ErrClosed
		}
		c.logger.Info("recording canceled while starting")
		return ErrStartCanceled
	}
	c.active = rec
	c.params = p
	c.logger.Info("recording started", "sample_rate", p.SampleRate, "channels", p.Channels, "container", p.Container)
	return nil
}

func (c *Controller) reserveLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.active != nil || c.starting {
		return ErrAlreadyRecording
	}
	c.starting = true
	c.abortStart = false
	return nil
}

func (c *Controller) release() {
	c.mu.Lock()
	c.starting = false
	c.abortStart = false
	c.mu.Unlock()
}

// takeLocked detaches the active recording. A start still in flight is
// marked so it aborts the device as soon as the backend returns.
func (c *Controller) takeLocked() Recording {
	rec := c.active
	c.active = nil
	if c.starting {
		c.abortStart = true
	}
	return rec
}

// StopRecording finishes the active recording. It returns nil, nil when idle.
func (c *Controller) StopRecording(ctx context.Context) (*EncodedAudio, error) {
	c.mu.Lock()
	rec := c.takeLocked()
	c.mu.Unlock()
	if rec == nil {
		return nil, nil
	}

	out, err := rec.Finish(ctx)
	if err != nil {
		return nil, fmt.Errorf("stop recording: %w", err)
	}
	if out == nil || len(out.Data) == 0 {
		return nil, ErrNoAudio
	}
	c.logger.Info("recording stopped", "bytes", len(out.Data), "duration", out.Duration)
	return out, nil
}

// Cancel discards the active recording, if any.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	rec := c.takeLocked()
	c.mu.Unlock()
	if rec == nil {
		return nil
	}
	c.logger.Info("recording cancelled")
	return rec.Abort()
}

// Close releases the microphone. Later calls to StartRecording fail.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.Cancel()
}
