package main

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/julia-epshtein/umunch/internal/audio"
	"github.com/julia-epshtein/umunch/internal/client"
	"github.com/julia-epshtein/umunch/internal/config"
	"github.com/julia-epshtein/umunch/internal/httpapi"
	"github.com/julia-epshtein/umunch/internal/logging"
	"github.com/julia-epshtein/umunch/internal/observability"
	"github.com/julia-epshtein/umunch/internal/playback"
	"github.com/julia-epshtein/umunch/internal/session"
	"github.com/julia-epshtein/umunch/internal/voice"
	"github.com/julia-epshtein/umunch/internal/worklog"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("dotenv: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.FromEnv()
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := worklog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("workout store init failed: %v", err)
	}
	defer store.Close()
	logger.Info("workout store ready", "mode", worklog.Kind(store))

	stdin := bufio.NewReader(os.Stdin)
	recorder := newRecorder(ctx, cfg, stdin, logger)
	engine := newPlayback(cfg, logger, metrics)
	transcriber := voice.NewTranscriber(cfg, logger, metrics)
	if transcriber == nil {
		logger.Info("speech to text disabled; recordings are not transcribed")
	}

	voiceClient := client.New(client.Options{
		Resolver: config.NewAgentConfigResolver(cfg, nil, logger),
		Driver:   session.NewWebSocketDriver(),
		Recorder: recorder,
		CaptureParams: audio.Params{
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			Bitrate:    cfg.Bitrate,
			Container:  cfg.CaptureContainer,
		},
		Playback:       engine,
		Transcriber:    transcriber,
		SeedUtterance:  cfg.SeedUtterance,
		KeepAlive:      cfg.KeepAlive,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         logger,
		Metrics:        metrics,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return saveIntents(gctx, voiceClient.Intents(), store, metrics, logger) })
	g.Go(func() error { return logErrors(gctx, voiceClient.Errors(), logger) })

	if cfg.HTTPEnabled() {
		api := httpapi.New(voiceClient, store, metrics, logger)
		httpServer := &http.Server{
			Addr:              cfg.BindAddr,
			Handler:           api.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Printf("control server listening on %s", cfg.BindAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("graceful shutdown failed: %v", err)
				_ = httpServer.Close()
			}
			return nil
		})
	}

	if cfg.Interactive {
		r := &repl{client: voiceClient, in: stdin, out: os.Stdout}
		g.Go(func() error { return r.printTurns(gctx, voiceClient.Updates()) })
		g.Go(func() error { return r.run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		log.Printf("voicelog stopped: %v", err)
	}
	log.Printf("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := voiceClient.Close(closeCtx); err != nil {
		log.Printf("voice client close: %v", err)
	}
	// Intents accepted while shutting down are still persisted.
	_ = saveIntents(closeCtx, voiceClient.Intents(), store, metrics, logger)

	log.Printf("shutdown complete")
}

func newRecorder(ctx context.Context, cfg config.Config, stdin *bufio.Reader, logger *slog.Logger) client.Recorder {
	var backend audio.Backend
	var permission audio.Permission
	switch cfg.CaptureBackend {
	case "none":
		return nil
	case "portaudio":
		backend = audio.NewPortAudioCapture()
		permission = audio.StaticPermission(true)
	default:
		backend = audio.NewFFMPEGCapture(cfg.FFMPEGCommand, cfg.AudioInputFormat, cfg.AudioInputDevice)
		permission = audio.NewDevicePermission(cfg.FFMPEGCommand)
	}
	if cfg.Interactive {
		// Ask once, before the prompt loop owns stdin.
		granted := audio.NewPromptPermission(stdin, os.Stdout).RequestPermission(ctx)
		if !granted {
			logger.Info("microphone access declined; /rec is disabled for this run")
		}
		permission = bothPermissions{audio.StaticPermission(granted), permission}
	}
	return audio.NewController(backend, permission, logger)
}

// bothPermissions grants access only when every check does, in order.
type bothPermissions []audio.Permission

func (b bothPermissions) RequestPermission(ctx context.Context) bool {
	for _, p := range b {
		if !p.RequestPermission(ctx) {
			return false
		}
	}
	return true
}

func newPlayback(cfg config.Config, logger *slog.Logger, metrics *observability.Metrics) *playback.Engine {
	var player playback.Player
	if p, err := playback.NewCommandPlayer(cfg.PlayerCommand); err != nil {
		logger.Warn("no audio player available, agent audio will be spoken locally", "error", err)
	} else {
		player = p
	}
	var speaker playback.Speaker
	if s, err := playback.NewCommandSpeaker(cfg.TTSCommand, cfg.TTSLanguage, cfg.TTSRate); err != nil {
		logger.Warn("no speech command available", "error", err)
	} else {
		speaker = s
	}
	return playback.NewEngine(player, speaker, playback.Config{
		Dir:          cfg.PlaybackDir,
		CleanupGrace: cfg.PlaybackCleanupGrace,
	}, logger, metrics)
}
