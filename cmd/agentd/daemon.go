package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/oxideagent/runtime/internal/agent"
	"github.com/oxideagent/runtime/internal/config"
	"github.com/oxideagent/runtime/internal/observability"
	"github.com/oxideagent/runtime/internal/providers/anthropic"
	"github.com/oxideagent/runtime/internal/providers/openai"
	"github.com/oxideagent/runtime/internal/ratelimit"
	"github.com/oxideagent/runtime/internal/sandbox"
	"github.com/oxideagent/runtime/internal/storage"
	"github.com/oxideagent/runtime/internal/tools/filehost"
	"github.com/oxideagent/runtime/internal/tools/websearch"

	fallbackprov "github.com/oxideagent/runtime/internal/providers"
)

// Daemon wires together one process's worth of SPEC_FULL.md components:
// the blob store, both LLM providers behind a FallbackProvider, the
// sandbox manager, rate limiter, tracer and the per-user session
// registry the HTTP/WebSocket layer dispatches onto.
type Daemon struct {
	logger *slog.Logger

	watcher  *config.Watcher
	store    *storage.BlobStore
	sandbox  *sandbox.Manager
	limiter  *ratelimit.Limiter
	tracer   *observability.Tracer
	metrics  *observability.Metrics
	shutdown func(context.Context) error

	primary   agent.LLMProvider
	secondary agent.LLMProvider

	filehost *filehost.Store
	search   *websearch.WebSearchTool

	janitor  *sandbox.Janitor
	sessions *sessionRegistry
}

// NewDaemon loads configPath and constructs every wired component. Provider
// and filehost credentials come from the environment, matching the
// teacher's ANTHROPIC_API_KEY/OPENAI_API_KEY convention.
func NewDaemon(ctx context.Context, configPath string, logger *slog.Logger) (*Daemon, error) {
	watcher, err := config.NewWatcher(configPath, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("load daemon config: %w", err)
	}
	daemonCfg := watcher.Current()

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName: daemonCfg.Observability.ServiceName,
		Endpoint:    daemonCfg.Observability.OTLPEndpoint,
	})
	metrics := observability.NewMetrics()

	store, err := storage.New(storage.Config{
		Path:      daemonCfg.Storage.Path,
		CacheTTL:  daemonCfg.Storage.CacheTTL,
		IdleEvict: daemonCfg.Storage.IdleEvict,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	memLimit, err := units.RAMInBytes(daemonCfg.Sandbox.MemoryLimit)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("parse sandbox.memory_limit %q: %w", daemonCfg.Sandbox.MemoryLimit, err)
	}
	sandboxMgr, err := sandbox.New(sandbox.Config{
		Image:       daemonCfg.Sandbox.Image,
		MemoryLimit: memLimit,
		CPUQuota:    int64(daemonCfg.Sandbox.CPUQuota),
		ExecTimeout: time.Duration(daemonCfg.Sandbox.ExecTimeoutSecs) * time.Second,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init sandbox manager: %w", err)
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: daemonCfg.RateLimit.RequestsPerSecond,
		Burst:             daemonCfg.RateLimit.Burst,
		Enabled:           daemonCfg.RateLimit.Enabled,
	})

	primary, secondary := buildProviders(logger)

	fh, err := buildFilehost(ctx)
	if err != nil {
		logger.Warn("upload_file tool disabled", "error", err)
	}

	janitor, err := sandbox.NewJanitor(sandboxMgr, "", logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init sandbox janitor: %w", err)
	}
	janitor.Start()

	d := &Daemon{
		logger:    logger,
		watcher:   watcher,
		store:     store,
		sandbox:   sandboxMgr,
		limiter:   limiter,
		tracer:    tracer,
		metrics:   metrics,
		shutdown:  shutdownTracer,
		primary:   primary,
		secondary: secondary,
		filehost:  fh,
		search:    buildWebSearch(),
		janitor:   janitor,
		sessions:  newSessionRegistry(metrics),
	}
	return d, nil
}

// buildProviders constructs the primary (Anthropic) and secondary (OpenAI)
// LLMProvider; a missing API key yields a nil provider for that side, which
// FallbackProvider treats as "unavailable, try the other."
func buildProviders(logger *slog.Logger) (primary, secondary agent.LLMProvider) {
	if key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		p, err := anthropic.New(anthropic.Config{APIKey: key, DefaultModel: os.Getenv("ANTHROPIC_MODEL")})
		if err != nil {
			logger.Warn("anthropic provider disabled", "error", err)
		} else {
			primary = p
		}
	}
	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		p, err := openai.New(openai.Config{APIKey: key, DefaultModel: os.Getenv("OPENAI_MODEL")})
		if err != nil {
			logger.Warn("openai provider disabled", "error", err)
		} else {
			secondary = p
		}
	}
	return primary, secondary
}

// providerFor returns a FallbackProvider honoring the user's
// agent_model_provider preference, falling back to whichever single
// provider is configured when only one is available.
func (d *Daemon) providerFor(preferred string) (agent.LLMProvider, error) {
	if d.primary == nil && d.secondary == nil {
		return nil, fmt.Errorf("no LLM provider configured: set ANTHROPIC_API_KEY and/or OPENAI_API_KEY")
	}
	if d.primary == nil {
		return d.secondary, nil
	}
	if d.secondary == nil {
		return d.primary, nil
	}
	return fallbackprov.NewFallbackProvider(d.primary, d.secondary, preferred), nil
}

func buildFilehost(ctx context.Context) (*filehost.Store, error) {
	bucket := strings.TrimSpace(os.Getenv("AGENTD_FILEHOST_BUCKET"))
	if bucket == "" {
		return nil, fmt.Errorf("AGENTD_FILEHOST_BUCKET not set")
	}
	return filehost.NewStore(ctx, filehost.Config{
		Bucket:          bucket,
		Region:          os.Getenv("AGENTD_FILEHOST_REGION"),
		Endpoint:        os.Getenv("AGENTD_FILEHOST_ENDPOINT"),
		Prefix:          os.Getenv("AGENTD_FILEHOST_PREFIX"),
		AccessKeyID:     os.Getenv("AGENTD_FILEHOST_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AGENTD_FILEHOST_SECRET_ACCESS_KEY"),
		UsePathStyle:    os.Getenv("AGENTD_FILEHOST_PATH_STYLE") == "true",
	})
}

func buildWebSearch() *websearch.WebSearchTool {
	return websearch.NewWebSearchTool(&websearch.Config{
		SearXNGURL:         os.Getenv("AGENTD_SEARXNG_URL"),
		BraveAPIKey:        os.Getenv("AGENTD_BRAVE_API_KEY"),
		DefaultBackend:     websearch.BackendSearXNG,
		ExtractContent:     true,
		DefaultResultCount: 5,
		CacheTTL:           300,
	})
}

// Close releases every wired resource in reverse dependency order.
func (d *Daemon) Close(ctx context.Context) error {
	var errs []error
	d.janitor.Stop()
	if d.shutdown != nil {
		if err := d.shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.watcher.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("daemon shutdown errors: %v", errs)
}
