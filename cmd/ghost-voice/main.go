package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/gordonklaus/portaudio"
	"github.com/joho/godotenv"

	"github.com/sjawhar/ghost-voice/internal/archive"
	"github.com/sjawhar/ghost-voice/internal/audio"
	"github.com/sjawhar/ghost-voice/internal/config"
	"github.com/sjawhar/ghost-voice/internal/gdrive"
	"github.com/sjawhar/ghost-voice/internal/history"
	"github.com/sjawhar/ghost-voice/internal/llm"
	"github.com/sjawhar/ghost-voice/internal/reply"
	"github.com/sjawhar/ghost-voice/internal/server"
	"github.com/sjawhar/ghost-voice/internal/session"
	"github.com/sjawhar/ghost-voice/internal/storage"
	"github.com/sjawhar/ghost-voice/internal/stt"
	"github.com/sjawhar/ghost-voice/internal/tts"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	configPath := os.Getenv(config.EnvPrefix + "CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, warnings, err := config.Load(configPath)
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)
	if err != nil {
		logger.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	if err := run(cfg, warnings, logger); err != nil {
		logger.Error("ghost-voice exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, warnings []string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	writer := storage.NewWriter(cfg.ConversationLogDir)

	var archiver history.Archiver
	if cfg.ArchiveEnabled() {
		uploader, err := archive.New(ctx, archive.Options{
			Endpoint:  cfg.ArchiveEndpoint,
			Bucket:    cfg.ArchiveBucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.ArchiveUseSSL,
		})
		if err != nil {
			logger.Warn("recording archive unavailable", "error", err)
		} else {
			archiver = uploader
		}
	}

	recorder := history.NewRecorder(store, writer, archiver, logger)
	go recorder.Run(context.WithoutCancel(ctx))

	micEnabled := cfg.MicrophoneEnabled
	if micEnabled {
		if err := portaudio.Initialize(); err != nil {
			logger.Warn("audio subsystem unavailable, running API/UI only", "error", err)
			micEnabled = false
		} else {
			defer portaudio.Terminate()
		}
	}

	sampleRate := cfg.MicSampleRate
	if micEnabled {
		rate, err := audio.SelectSampleRate(cfg.SampleRateCandidates(), audio.OpenMic, logger)
		if err != nil {
			logger.Warn("microphone unavailable, running API/UI only", "error", err)
			micEnabled = false
		} else {
			sampleRate = rate
			logger.Info("microphone ready", "sample_rate", sampleRate)
		}
	}

	tap := audio.NewTap()
	capture := audio.NewCapture(audio.OpenMic, audio.NewRecorder(cfg.AudioDir), tap, sampleRate, logger)

	client.Init(client.InitLib{LogLevel: client.LogLevelDefault})
	recognizer := stt.NewRecognizer(stt.Options{
		APIKey:     cfg.DeepgramAPIKey,
		Model:      cfg.RecognizerModel,
		SampleRate: sampleRate,
		Settle:     cfg.ParsedRecognizerSettle(),
	}, tap, logger)

	generator := reply.New(reply.Options{
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
		Attempts:    cfg.LLMAttempts,
	}, func(provider, model string) (llm.Client, error) {
		return llm.NewClient(provider, cfg.LLMAPIKey(), model, llm.WithBaseURL(cfg.LLMBaseURL))
	})

	provider, err := tts.NewProvider(cfg.SpeechProvider, cfg.SpeechAPIKey(), tts.Options{
		Voice: cfg.SpeechVoice,
		Model: cfg.SpeechModel,
		Rate:  cfg.SpeechRate,
	})
	if err != nil {
		logger.Warn("speech output disabled", "provider", cfg.SpeechProvider, "error", err)
	}
	synth := tts.NewSynthesizer(provider, audio.NewSpeaker(), logger)

	hub := server.NewHub(logger)
	manager := session.NewManager(
		audio.NewMicGate(micEnabled),
		capture,
		recognizer,
		generator,
		synth,
		session.Sinks{hub, recorder},
		session.Config{
			SystemPrompt:      cfg.SystemPrompt,
			Locale:            cfg.Locale,
			GenerationTimeout: cfg.ParsedGenerationTimeout(),
			Logger:            logger,
		},
	)

	var staticFS fs.FS
	if cfg.StaticDir != "" {
		staticFS = os.DirFS(cfg.StaticDir)
	}
	handler, err := server.Handler(staticFS, hub, store, manager, server.Options{
		AllowedOrigins:     cfg.AllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Warnings:           func() []string { return warnings },
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	if cfg.GDriveFolderID != "" {
		syncer, err := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if err != nil {
			logger.Warn("google drive sync disabled", "error", err)
		} else {
			go syncer.Run(ctx, gdrive.DefaultInterval, writer.PathFor, logger)
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("session shutdown failed", "error", err)
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		logger.Warn("history flush incomplete", "error", err)
	}
	return nil
}
