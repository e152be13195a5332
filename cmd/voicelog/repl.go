package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/julia-epshtein/umunch/internal/client"
	"github.com/julia-epshtein/umunch/internal/protocol"
)

var errQuit = errors.New("quit")

const replHelp = `commands:
  /start       start a conversation (connects first)
  /stop        stop the conversation
  /rec         start recording, run again to stop and send
  /reset       forget the current conversation
  /state       print the session state
  /disconnect  hang up
  /quit        exit
anything else is sent to the agent as a typed turn`

type repl struct {
	client *client.Client
	in     *bufio.Reader
	out    io.Writer
}

func (r *repl) run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := r.in.ReadString('\n')
			if line != "" {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	fmt.Fprintln(r.out, replHelp)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return errQuit
			}
			return err
		case line := <-lines:
			if err := r.handle(ctx, strings.TrimSpace(line)); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) error {
	switch line {
	case "":
		return nil
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(r.out, replHelp)
		return nil
	case "/start":
		return r.client.StartConversation(ctx)
	case "/stop":
		return r.client.StopConversation(ctx)
	case "/disconnect":
		return r.client.Disconnect(ctx)
	case "/reset":
		r.client.ResetConversation()
		return nil
	case "/state":
		s := r.client.Snapshot()
		fmt.Fprintf(r.out, "state=%s phase=%s listening=%v recording=%v turns=%d\n", s.State, s.Phase, s.IsListening, s.IsRecording, len(s.Turns))
		return nil
	case "/rec":
		if !r.client.Snapshot().IsRecording {
			if err := r.client.StartRecording(ctx); err != nil {
				return err
			}
			fmt.Fprintln(r.out, "recording... /rec again to send")
			return nil
		}
		res, err := r.client.StopRecording(ctx)
		if err != nil {
			return err
		}
		if res.Transcript == "" {
			fmt.Fprintln(r.out, "recording captured, no transcript")
		}
		return nil
	}
	if strings.HasPrefix(line, "/") {
		return fmt.Errorf("unknown command %s (try /help)", line)
	}
	return r.client.SendTranscript(ctx, line)
}

// printTurns echoes new turns as snapshots arrive. Snapshots coalesce, so it
// tracks how many turns it has already shown.
func (r *repl) printTurns(ctx context.Context, updates <-chan client.Snapshot) error {
	shown := 0
	conversation := ""
	announced := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-updates:
			if !ok {
				return nil
			}
			if s.ConversationID != conversation || len(s.Turns) < shown {
				conversation = s.ConversationID
				shown = 0
				announced = false
			}
			for _, t := range s.Turns[shown:] {
				who := "you"
				if t.Speaker == protocol.SpeakerAgent {
					who = "agent"
				}
				fmt.Fprintf(r.out, "%s: %s\n", who, t.Text)
			}
			shown = len(s.Turns)
			if s.Workout != nil && !announced {
				announced = true
				in := s.Workout.Intent
				fmt.Fprintf(r.out, "logged: %s, %g min, %s\n", in.Activity, in.DurationMinutes, in.Difficulty)
			}
		}
	}
}
