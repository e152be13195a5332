//go:build portaudio

package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// framesPerBuffer is 100ms at the default sample rate.
const framesPerBuffer = 4410

// PortAudioCapture records from the default input device through PortAudio.
// Only 16-bit PCM (container wav) is produced.
type PortAudioCapture struct{}

func NewPortAudioCapture() *PortAudioCapture { return &PortAudioCapture{} }

func (PortAudioCapture) Start(ctx context.Context, p Params) (Recording, error) {
	p, err := p.normalized()
	if err != nil {
		return nil, err
	}
	if p.Container != ContainerWAV {
		return nil, fmt.Errorf("portaudio capture supports only %q", ContainerWAV)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	in := make([]int16, framesPerBuffer*p.Channels)
	stream, err := portaudio.OpenDefaultStream(p.Channels, 0, float64(p.SampleRate), framesPerBuffer, in)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to start input stream: %w", err)
	}

	r := &portAudioRecording{
		params: p,
		stream: stream,
		in:     in,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

type portAudioRecording struct {
	params Params
	stream *portaudio.Stream
	in     []int16

	mu  sync.Mutex
	pcm []byte

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func (r *portAudioRecording) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}
		if err := r.stream.Read(); err != nil {
			return
		}
		chunk := make([]byte, len(r.in)*2)
		for i, s := range r.in {
			binary.LittleEndian.PutUint16(chunk[i*2:], uint16(s))
		}
		r.mu.Lock()
		r.pcm = append(r.pcm, chunk...)
		r.mu.Unlock()
	}
}

func (r *portAudioRecording) stop() error {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.done
		if err := r.stream.Stop(); err != nil {
			r.stopErr = err
		}
		if err := r.stream.Close(); err != nil && r.stopErr == nil {
			r.stopErr = err
		}
		portaudio.Terminate()
	})
	return r.stopErr
}

func (r *portAudioRecording) Finish(context.Context) (*EncodedAudio, error) {
	if err := r.stop(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	pcm := r.pcm
	r.mu.Unlock()
	if len(pcm) == 0 {
		return nil, ErrNoAudio
	}
	wav, err := EncodeWAVPCM16LE(pcm, r.params.SampleRate, r.params.Channels)
	if err != nil {
		return nil, err
	}
	return &EncodedAudio{
		Data:       wav,
		Format:     ContainerWAV,
		SampleRate: r.params.SampleRate,
		Channels:   r.params.Channels,
		Duration:   PCMDuration(len(pcm), r.params.SampleRate, r.params.Channels),
	}, nil
}

func (r *portAudioRecording) Abort() error {
	return r.stop()
}
