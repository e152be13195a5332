package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNoCommand is returned when no player or speech binary is available.
var ErrNoCommand = errors.New("no audio command available")

var (
	defaultPlayers  = []string{"ffplay -nodisp -autoexit -loglevel error", "afplay", "paplay"}
	defaultSpeakers = []string{"say", "espeak-ng", "espeak"}
)

// CommandPlayer plays files by running an external program with the file
// path appended to its arguments.
type CommandPlayer struct {
	argv []string
}

// NewCommandPlayer parses command as a whitespace separated argv. An empty
// command picks the first installed default player.
func NewCommandPlayer(command string) (*CommandPlayer, error) {
	argv, err := resolveCommand(command, defaultPlayers)
	if err != nil {
		return nil, fmt.Errorf("audio player: %w", err)
	}
	return &CommandPlayer{argv: argv}, nil
}

func (p *CommandPlayer) Play(ctx context.Context, path, _ string) error {
	args := append(append([]string(nil), p.argv[1:]...), path)
	return runCommand(ctx, p.argv[0], args)
}

// CommandSpeaker speaks text with say(1) or espeak.
type CommandSpeaker struct {
	argv     []string
	language string
	rate     float64
}

// NewCommandSpeaker builds a speaker. rate is relative to the engine's normal
// speed, so 0.9 is slightly slower than default.
func NewCommandSpeaker(command, language string, rate float64) (*CommandSpeaker, error) {
	argv, err := resolveCommand(command, defaultSpeakers)
	if err != nil {
		return nil, fmt.Errorf("speech: %w", err)
	}
	if language == "" {
		language = "en-US"
	}
	if rate <= 0 {
		rate = 1
	}
	return &CommandSpeaker{argv: argv, language: language, rate: rate}, nil
}

func (s *CommandSpeaker) args(text string) []string {
	args := append([]string(nil), s.argv[1:]...)
	// Both engines default to roughly 175 words per minute.
	wpm := strconv.Itoa(int(175 * s.rate))
	switch filepath.Base(s.argv[0]) {
	case "say":
		args = append(args, "-r", wpm)
	case "espeak", "espeak-ng":
		args = append(args, "-v", strings.ToLower(s.language), "-s", wpm)
	}
	return append(args, text)
}

func (s *CommandSpeaker) Speak(ctx context.Context, text string) error {
	return runCommand(ctx, s.argv[0], s.args(text))
}

func resolveCommand(command string, defaults []string) ([]string, error) {
	if argv := strings.Fields(command); len(argv) > 0 {
		return argv, nil
	}
	for _, candidate := range defaults {
		argv := strings.Fields(candidate)
		if _, err := exec.LookPath(argv[0]); err == nil {
			return argv, nil
		}
	}
	return nil, ErrNoCommand
}

func runCommand(ctx context.Context, name string, args []string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", filepath.Base(name), err, msg)
		}
		return fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	return nil
}
