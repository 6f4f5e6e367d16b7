package app

import (
	"context"
	"fmt"
	"log"

	"github.com/antoniostano/vocalis/internal/brain"
	"github.com/antoniostano/vocalis/internal/config"
	"github.com/antoniostano/vocalis/internal/httpapi"
	"github.com/antoniostano/vocalis/internal/observability"
	"github.com/antoniostano/vocalis/internal/session"
	"github.com/antoniostano/vocalis/internal/storage"
	"github.com/antoniostano/vocalis/internal/voice"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *voice.Orchestrator
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := storage.Open(ctx, cfg.DatabaseURL, cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("conversation store init failed: %w", err)
	}

	transcriber := voice.NewHTTPTranscriber(cfg.STTEndpoint)
	synthesizer := voice.NewHTTPSynthesizer(cfg.TTSEndpoint, cfg.TTSVoice)
	adapter := brain.NewHTTPAdapter(cfg.LLMEndpoint, "")

	var describer voice.Describer
	if cfg.EnableVision && cfg.VisionEndpoint != "" {
		describer = voice.NewHTTPDescriber(cfg.VisionEndpoint)
		log.Printf("vision collaborator enabled at %s", cfg.VisionEndpoint)
	}

	runner := voice.NewRunner(transcriber, adapter, synthesizer, metrics, cfg.RecognitionSampleRate, cfg.SystemPrompt)

	sessions := session.NewManager(cfg.SessionInactivityTimeout, cfg.ReconnectGrace)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	orchestrator := voice.NewOrchestrator(voice.OrchestratorConfig{
		Segmenter: voice.SegmenterConfig{
			VoiceThreshold:     cfg.Audio.VoiceThreshold,
			InterruptThreshold: cfg.Audio.InterruptThreshold,
			SilenceTimeout:     cfg.Audio.SilenceTimeout,
			MinUtterance:       cfg.Audio.MinUtterance,
			StartupWindow:      cfg.Audio.StartupWindow,
			StartupFactor:      cfg.Audio.StartupFactor,
			SampleRate:         cfg.CaptureSampleRate,
		},
		SettleDelay:        cfg.Audio.SettleDelay,
		PlaybackLeadIn:     cfg.Audio.PlaybackLeadIn,
		PlaybackGap:        cfg.Audio.PlaybackGap,
		InterruptEchoDelay: cfg.Audio.InterruptEchoDelay,
		FollowUpSilence:    cfg.Audio.FollowUpSilence,
		GreetingPrompt:     cfg.GreetingPrompt,
	}, runner, describer, store, sessions, metrics)

	api := httpapi.New(cfg, sessions, orchestrator, store, metrics)

	cleanup := func() error {
		return store.Close()
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}
