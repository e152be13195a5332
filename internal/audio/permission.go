package audio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Permission grants or denies microphone access.
type Permission interface {
	RequestPermission(ctx context.Context) bool
}

// StaticPermission always returns its own value.
type StaticPermission bool

func (p StaticPermission) RequestPermission(context.Context) bool { return bool(p) }

// DevicePermission grants access when the capture binary is installed.
type DevicePermission struct {
	Command string

	lookPath func(string) (string, error)
}

func NewDevicePermission(command string) *DevicePermission {
	if command == "" {
		command = "ffmpeg"
	}
	return &DevicePermission{Command: command, lookPath: exec.LookPath}
}

func (p *DevicePermission) RequestPermission(context.Context) bool {
	lookPath := p.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	_, err := lookPath(p.Command)
	return err == nil
}

// PromptPermission asks the user on a terminal. A grant is remembered; a
// denial prompts again next time.
type PromptPermission struct {
	in  *bufio.Reader
	out io.Writer

	mu      sync.Mutex
	granted bool
}

func NewPromptPermission(in *bufio.Reader, out io.Writer) *PromptPermission {
	return &PromptPermission{in: in, out: out}
}

func (p *PromptPermission) RequestPermission(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.granted {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	fmt.Fprint(p.out, "Allow microphone access for voice logging? [y/N] ")
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		p.granted = true
	}
	return p.granted
}
