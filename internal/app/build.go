package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/focuslens/internal/config"
	"github.com/antoniostano/focuslens/internal/httpapi"
	"github.com/antoniostano/focuslens/internal/observability"
	"github.com/antoniostano/focuslens/internal/sampler"
	"github.com/antoniostano/focuslens/internal/session"
	"github.com/antoniostano/focuslens/internal/store"
)

type ProviderInfo struct {
	Classifier       string
	ClassifierDetail string
	Focus            string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Store    store.Store
	Sessions *session.Manager
	Runner   *sampler.Runner
	Metrics  *observability.Metrics
	Info     ProviderInfo

	// Cleanup stops every running sampler (closing its session) and releases the store.
	Cleanup func() error
}

// Options tweak Build for embedding callers such as the CLI.
type Options struct {
	// Metrics overrides the process-wide collector set.
	Metrics *observability.Metrics
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	return BuildWithOptions(ctx, cfg, Options{})
}

func BuildWithOptions(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("event store init failed: %w", err)
	}

	providers, err := resolveProviders(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	sessions := session.NewManager(st, session.Options{CloseRetries: cfg.SessionCloseRetries})
	sessions.SetCloseHook(func(_ session.Session) {
		metrics.SessionEvent("finalized")
		metrics.SetActiveSessions(sessions.ActiveCount())
	})

	runner := sampler.NewRunner(sampler.RunnerConfig{
		Sessions:   sessions,
		Store:      st,
		Detector:   providers.detector,
		Classifier: providers.classifier,
		Cadence: sampler.Cadence{
			FocusEvery:       cfg.SamplerFocusEvery,
			EmotionEvery:     cfg.SamplerEmotionEvery,
			EmotionInterval:  cfg.SamplerEmotionInterval,
			FrameInterval:    cfg.SamplerFrameInterval,
			MaxFrameFailures: cfg.SamplerMaxFrameFailures,
		},
		Metrics:     metrics,
		IdleTimeout: cfg.SessionIdleTimeout,
	})

	api := httpapi.New(cfg, sessions, runner, st, metrics, providers.classifier.Name())

	cleanup := func() error {
		var errs []string
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget(cfg))
		runner.StopAll(stopCtx)
		cancel()
		if pending := sessions.Pending(); len(pending) > 0 {
			errs = append(errs, fmt.Sprintf("%d session close(s) still pending reconciliation", len(pending)))
		}
		if err := st.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Store:    st,
		Sessions: sessions,
		Runner:   runner,
		Metrics:  metrics,
		Info: ProviderInfo{
			Classifier:       providers.classifier.Name(),
			ClassifierDetail: providers.classifierDetail,
			Focus:            providers.focusDetail,
		},
		Cleanup: cleanup,
	}, nil
}

// StartBackground launches the reconciliation and idle-source janitors. They
// stop when ctx is cancelled.
func (b *BuildResult) StartBackground(ctx context.Context) {
	b.Sessions.StartJanitor(ctx, 5*time.Second)
	b.Runner.StartIdleJanitor(ctx, 5*time.Second)
}

func shutdownBudget(cfg config.Config) time.Duration {
	if cfg.ShutdownTimeout > 0 {
		return cfg.ShutdownTimeout
	}
	return 15 * time.Second
}
