package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cclavio/earshot/pkg/activation"
	"github.com/cclavio/earshot/pkg/exchange"
	"github.com/cclavio/earshot/pkg/logging"
	"github.com/cclavio/earshot/pkg/metrics"
	"github.com/cclavio/earshot/pkg/observers"
	"github.com/cclavio/earshot/pkg/playback"
	"github.com/cclavio/earshot/pkg/recognizer"
	"github.com/cclavio/earshot/pkg/redact"
	"github.com/cclavio/earshot/pkg/resilience"
	"github.com/cclavio/earshot/pkg/runner"
	"github.com/cclavio/earshot/pkg/session"
	"github.com/cclavio/earshot/pkg/vision"
)

// Options carry the application-supplied boundaries: how to answer turns,
// run device commands, speak, classify visual need, and take photos. The
// engine owns everything between the recognizer and these boundaries.
type Options struct {
	Turns    session.TurnHandler
	Commands session.CommandHandler
	Output   playback.Output

	VisionClassifier vision.Classifier
	VisionCapturer   vision.Capturer

	// Source overrides the configured recognizer provider; used by tests
	// and embedded runs.
	Source  recognizer.Source
	Sources *SourceRegistry

	// Tracker overrides the default log-only exchange tracker.
	Tracker exchange.Tracker
}

// Engine ties the recognizer feed to per-session turn-taking loops.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	source      recognizer.Source
	registry    *session.Registry
	observer    *metrics.AsyncObserver
	timeline    *observers.TimelineObserver
	metricsFile *os.File
	runner      *runner.LifecycleRunner

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, opts Options) (*Engine, error) {
	if opts.Turns == nil {
		return nil, fmt.Errorf("options: Turns handler is required")
	}
	if opts.Output == nil {
		return nil, fmt.Errorf("options: Output is required")
	}

	logger := logging.InitLogger(parseLevel(cfg.LogLevel))
	slog.SetDefault(logger)
	log := logging.NewComponentLogger(logger, "engine")

	redact.SetEnabled(cfg.Privacy.RedactPII)

	e := &Engine{cfg: cfg, log: log}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	observer, timeline, metricsFile, err := buildObservers(cfg, logger)
	if err != nil {
		return nil, err
	}
	e.observer = observer
	e.timeline = timeline
	e.metricsFile = metricsFile

	matcher := activation.NewMatcher(cfg.Activation.Phrases)

	var resolver *vision.Resolver
	if opts.VisionClassifier != nil || opts.VisionCapturer != nil {
		resolver = vision.NewResolver(
			opts.VisionClassifier,
			opts.VisionCapturer,
			time.Duration(cfg.Vision.CaptureTimeoutMS)*time.Millisecond,
			logging.NewComponentLogger(logger, "vision"),
		)
	}

	tracker := opts.Tracker
	if tracker == nil {
		tracker = exchange.NewLogTracker(logging.NewComponentLogger(logger, "exchange"))
	}

	collab := session.Collaborators{
		Turns:    opts.Turns,
		Commands: opts.Commands,
		Vision:   resolver,
		Output:   opts.Output,
		Tracker:  tracker,
		Observer: observer,
		Breaker: resilience.NewCircuitBreaker(
			cfg.Agent.BreakerThreshold,
			time.Duration(cfg.Agent.BreakerCooldownMS)*time.Millisecond,
		),
	}

	sessCfg := cfg.SessionConfigFor()
	factory := func(id string) *session.Session {
		return session.New(id, sessCfg, matcher, collab)
	}
	e.registry = session.NewRegistry(factory, time.Duration(cfg.Session.DetachGraceMS)*time.Millisecond)

	source := opts.Source
	if source == nil {
		reg := opts.Sources
		if reg == nil {
			reg = DefaultSourceRegistry()
		}
		var err error
		source, err = reg.Build(cfg.Recognizer.Provider, cfg.Recognizer.Settings)
		if err != nil {
			return nil, err
		}
	}
	e.source = source

	e.runner = runner.NewLifecycleRunner(e, runner.Hooks{
		OnStart: func() { log.Info("engine started", "recognizer", source.Name()) },
		OnStop:  func() { log.Info("engine stopped") },
	}, 15*time.Second)

	return e, nil
}

// Run starts the recognizer and blocks until ctx is cancelled or Stop is
// called, then drains the sessions.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.source.Start(e.ctx); err != nil {
		return err
	}
	go e.dispatch()
	if e.cfg.Observability.RetentionDays > 0 && e.cfg.Observability.ArtifactsDir != "" {
		go e.retentionLoop()
	}
	return e.runner.Run(ctx)
}

// Stop initiates shutdown from outside Run.
func (e *Engine) Stop() error { return e.runner.Stop() }

// Registry exposes the session registry, mainly for tests and diagnostics.
func (e *Engine) Registry() *session.Registry { return e.registry }

// Drain implements runner.Drainer: destroy every session and wait for the
// loops to unwind.
func (e *Engine) Drain() error {
	e.cancel()
	_ = e.source.Close()
	e.registry.CloseAll()
	e.registry.WaitForEmpty(10 * time.Second)
	e.observer.Close()
	if e.timeline != nil {
		_ = e.timeline.Close()
	}
	if e.metricsFile != nil {
		_ = e.metricsFile.Close()
	}
	return nil
}

func (e *Engine) dispatch() {
	for sig := range e.source.Events() {
		switch sig.Kind {
		case recognizer.KindAttach:
			e.registry.Attach(sig.SessionID)
		case recognizer.KindDetach:
			e.registry.Detach(sig.SessionID)
		case recognizer.KindSpeech:
			sess, ok := e.registry.Get(sig.SessionID)
			if !ok {
				// Speech can beat the attach message over a flaky link.
				sess = e.registry.Attach(sig.SessionID)
				if sess == nil {
					continue // draining
				}
			}
			sess.HandleEvent(sig.Event)
		}
	}
}

func (e *Engine) retentionLoop() {
	maxAge := time.Duration(e.cfg.Observability.RetentionDays) * 24 * time.Hour
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			removed, err := observers.PurgeArtifacts(e.cfg.Observability.ArtifactsDir, maxAge)
			if err != nil {
				e.log.Warn("artifact purge failed", "error", err)
			} else if removed > 0 {
				e.log.Info("purged artifacts", "removed", removed)
			}
		}
	}
}

func buildObservers(cfg Config, logger *slog.Logger) (*metrics.AsyncObserver, *observers.TimelineObserver, *os.File, error) {
	list := []metrics.Observer{
		observers.NewLoggerObserver(logging.NewComponentLogger(logger, "metrics")),
		observers.NewLatencyObserver(logging.NewComponentLogger(logger, "latency")),
	}
	var timeline *observers.TimelineObserver
	if cfg.Observability.ArtifactsDir != "" {
		timeline = observers.NewTimelineObserver(cfg.Observability.ArtifactsDir)
		list = append(list, timeline)
	}
	var metricsFile *os.File
	if cfg.Observability.MetricsJSONLPath != "" {
		f, err := os.OpenFile(cfg.Observability.MetricsJSONLPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open metrics jsonl: %w", err)
		}
		metricsFile = f
		list = append(list, metrics.NewJSONLObserver(f))
	}
	var inner metrics.Observer = observers.NewMultiObserver(list...)
	if cfg.Observability.SampleRate < 1 {
		inner = metrics.NewSamplingObserver(inner, cfg.Observability.SampleRate)
	}
	return metrics.NewAsyncObserver(inner, 1024), timeline, metricsFile, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
