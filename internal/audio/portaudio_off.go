//go:build !portaudio

package audio

import (
	"context"
	"errors"
)

// ErrPortAudioUnavailable is returned when the binary was built without the
// portaudio tag.
var ErrPortAudioUnavailable = errors.New("portaudio capture not compiled in (build with -tags portaudio)")

type PortAudioCapture struct{}

func NewPortAudioCapture() *PortAudioCapture { return &PortAudioCapture{} }

func (PortAudioCapture) Start(context.Context, Params) (Recording, error) {
	return nil, ErrPortAudioUnavailable
}
