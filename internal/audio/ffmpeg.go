package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// FFMPEGCapture records the microphone through an ffmpeg child process.
type FFMPEGCapture struct {
	command     string
	inputFormat string
	inputDevice string

	startGrace time.Duration
	stopGrace  time.Duration
}

func NewFFMPEGCapture(command, inputFormat, inputDevice string) *FFMPEGCapture {
	if command == "" {
		command = "ffmpeg"
	}
	if inputFormat == "" {
		inputFormat = "pulse"
	}
	if inputDevice == "" {
		inputDevice = "default"
	}
	return &FFMPEGCapture{
		command:     command,
		inputFormat: inputFormat,
		inputDevice: inputDevice,
		startGrace:  250 * time.Millisecond,
		stopGrace:   1200 * time.Millisecond,
	}
}

func (c *FFMPEGCapture) args(p Params) []string {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.inputFormat,
		"-i", c.inputDevice,
		"-ac", strconv.Itoa(p.Channels),
		"-ar", strconv.Itoa(p.SampleRate),
	}
	if p.Container == ContainerAAC {
		return append(args, "-c:a", "aac", "-b:a", strconv.Itoa(p.Bitrate), "-f", "adts", "-")
	}
	return append(args, "-f", "s16le", "-")
}

// Start launches ffmpeg. The process outlives ctx; it is bound to the
// returned Recording instead.
func (c *FFMPEGCapture) Start(ctx context.Context, p Params) (Recording, error) {
	p, err := p.normalized()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(c.command, c.args(p)...)
	out := &syncBuffer{}
	var stderr syncBuffer
	cmd.Stdout = out
	cmd.Stderr = &stderr
	cmd.WaitDelay = c.stopGrace

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, ctx.Err()
	case <-time.After(c.startGrace):
	}

	return &ffmpegRecording{
		params:    p,
		out:       out,
		stderr:    &stderr,
		process:   cmd.Process,
		waitErr:   waitErr,
		stopGrace: c.stopGrace,
	}, nil
}

type ffmpegRecording struct {
	params Params
	out    *syncBuffer
	stderr *syncBuffer

	process   *os.Process
	waitErr   <-chan error
	stopGrace time.Duration

	stopOnce sync.Once
	stopErr  error
}

func (r *ffmpegRecording) Finish(ctx context.Context) (*EncodedAudio, error) {
	if err := r.stop(ctx, os.Interrupt); err != nil {
		return nil, err
	}
	raw := r.out.Bytes()
	if len(raw) == 0 {
		return nil, ErrNoAudio
	}
	if r.params.Container == ContainerAAC {
		return &EncodedAudio{
			Data:       raw,
			Format:     ContainerAAC,
			SampleRate: r.params.SampleRate,
			Channels:   r.params.Channels,
		}, nil
	}

	// Drop a trailing partial frame left by the interrupt.
	frame := r.params.Channels * 2
	raw = raw[:len(raw)-len(raw)%frame]
	wav, err := EncodeWAVPCM16LE(raw, r.params.SampleRate, r.params.Channels)
	if err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	return &EncodedAudio{
		Data:       wav,
		Format:     ContainerWAV,
		SampleRate: r.params.SampleRate,
		Channels:   r.params.Channels,
		Duration:   PCMDuration(len(raw), r.params.SampleRate, r.params.Channels),
	}, nil
}

func (r *ffmpegRecording) Abort() error {
	return r.stop(context.Background(), os.Kill)
}

func (r *ffmpegRecording) stop(ctx context.Context, sig os.Signal) error {
	r.stopOnce.Do(func() {
		if r.process != nil {
			_ = r.process.Signal(sig)
		}

		select {
		case err, ok := <-r.waitErr:
			if ok {
				r.stopErr = normalizeStopErr(err)
			}
		case <-ctx.Done():
			_ = r.process.Kill()
			<-r.waitErr
			r.stopErr = ctx.Err()
		case <-time.After(r.stopGrace):
			if r.process != nil {
				_ = r.process.Kill()
			}
			if err, ok := <-r.waitErr; ok {
				r.stopErr = normalizeStopErr(err)
			}
		}

		if r.stopErr != nil && r.stderr.Len() > 0 {
			r.stopErr = fmt.Errorf("%w: %s", r.stopErr, bytes.TrimSpace(r.stderr.Bytes()))
		}
	})
	return r.stopErr
}

// normalizeStopErr treats the exit status of a signalled ffmpeg as success.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return nil
	}
	return err
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
