package main

import (
	"context"
	"fmt"
	"time"

	"github.com/oxideagent/runtime/internal/agent"
	"github.com/oxideagent/runtime/internal/config"
	"github.com/oxideagent/runtime/internal/skills"
	"github.com/oxideagent/runtime/internal/storage"
	"github.com/oxideagent/runtime/internal/tools/filehost"
	sandboxtools "github.com/oxideagent/runtime/internal/tools/sandbox"
	"github.com/oxideagent/runtime/internal/tools/todos"
	"github.com/oxideagent/runtime/internal/tools/websearch"
	"github.com/oxideagent/runtime/internal/tools/ytdlp"
	"github.com/oxideagent/runtime/pkg/models"
)

// buildRegistry assembles the tool set one user's session exposes to the
// model: the sandbox file/exec tools, the yt-dlp media tools, the shared
// todos tool, and (when configured) upload_file and the web-search/fetch/
// crawl/export-pdf tools.
func (d *Daemon) buildRegistry(userID string, todosHandle *agent.SharedTodos) *agent.ToolRegistry {
	reg := agent.NewToolRegistry()

	sbTools := sandboxtools.NewTools(userID, d.sandbox)
	reg.Register(sandboxtools.ExecuteCommand{Tools: sbTools})
	reg.Register(sandboxtools.ReadFile{Tools: sbTools})
	reg.Register(sandboxtools.WriteFile{Tools: sbTools})
	reg.Register(sandboxtools.SendFileToUser{Tools: sbTools})
	reg.Register(sandboxtools.ListFiles{Tools: sbTools})

	ydTools := ytdlp.NewTools(userID, d.sandbox)
	reg.Register(ytdlp.GetVideoMetadata{Tools: ydTools})
	reg.Register(ytdlp.DownloadTranscript{Tools: ydTools})
	reg.Register(ytdlp.SearchVideos{Tools: ydTools})
	reg.Register(ytdlp.DownloadVideo{Tools: ydTools})
	reg.Register(ytdlp.DownloadAudio{Tools: ydTools})

	reg.Register(todos.New(todosHandle))

	if d.filehost != nil {
		reg.Register(filehost.NewUploadFile(userID, d.sandbox, d.filehost))
	}
	if d.search != nil {
		reg.Register(d.search)
		reg.Register(websearch.NewCrawlTool())
		reg.Register(websearch.NewPDFExportTool())
		reg.Register(websearch.NewWebFetchTool(nil, websearch.WithExtractor(websearch.NewContentExtractor())))
	}
	return reg
}

// skillPreamble discovers the user's configured skill directory (if any)
// and returns a short system-prompt addendum naming the eligible skills,
// matching internal/skills's gating contract. Discovery failures degrade
// to no skill preamble rather than failing the task.
func (d *Daemon) skillPreamble(userCfg config.UserConfig) string {
	if userCfg.SkillsDir == "" {
		return ""
	}
	mgr, err := skills.NewManager(&skills.SkillsConfig{}, userCfg.SkillsDir, userCfg.SkillConfigValues())
	if err != nil {
		d.logger.Warn("skills manager init failed", "error", err)
		return ""
	}
	defer mgr.Close()
	if err := mgr.Discover(context.Background()); err != nil {
		d.logger.Warn("skill discovery failed", "error", err)
		return ""
	}
	eligible := mgr.ListEligible()
	if len(eligible) == 0 {
		return ""
	}
	out := "\n\nAvailable skills:\n"
	for _, e := range eligible {
		out += fmt.Sprintf("- %s: %s\n", e.Name, e.Description)
	}
	return out
}

// runTask executes one user message through the agent loop, streaming
// AgentEvents to events until the loop returns.
func (d *Daemon) runTask(ctx context.Context, userID, message string, events chan models.AgentEvent) (string, error) {
	userCfg, err := config.LoadUserConfig(ctx, d.store, userID, d.watcher.Current(), storage.ErrNotFound)
	if err != nil {
		return "", fmt.Errorf("load user config: %w", err)
	}

	provider, err := d.providerFor(userCfg.AgentModelProvider)
	if err != nil {
		return "", err
	}

	sess := d.sessions.getOrCreate(userID, userCfg.AgentCompactThreshold)
	sess.mu.Lock()
	if sess.cancel != nil && !sess.cancel.Cancelled() {
		sess.mu.Unlock()
		return "", fmt.Errorf("a task is already running for user %q", userID)
	}
	cancel := agent.NewCancelToken()
	sess.cancel = cancel
	exec := sess.exec
	sess.mu.Unlock()

	if d.janitor != nil {
		d.janitor.Track(userID)
	}

	registry := d.buildRegistry(userID, exec.Todos)

	loopCfg := &agent.LoopConfig{
		MaxIterations:     userCfg.AgentMaxIterations,
		ContinuationLimit: userCfg.AgentContinuationLimit,
		MaxWallTime:       secondsOrDefault(userCfg.AgentTimeoutSecs, 1800),
		ToolTimeout:       secondsOrDefault(userCfg.AgentToolTimeoutSecs, 300),
		CompactThreshold:  userCfg.AgentCompactThreshold,
		Model:             userCfg.ModelName,
	}

	hooks := agent.NewHookRegistry()
	hooks.Register(agent.NewCompletionCheckHook())

	loop := agent.NewLoop(provider, registry, hooks, nil, loopCfg, d.logger).
		WithTracer(d.tracer).
		WithMetrics(d.metrics).
		WithRateLimiter(d.limiter, userID)

	var detector *agent.LoopDetector
	if scout, ok := d.secondary.(agent.ScoutClient); ok {
		cfg := agent.DefaultLoopDetectionConfig()
		detector = agent.NewLoopDetector(cfg, scout, d.logger)
	}

	systemPrompt := userCfg.SystemPrompt + d.skillPreamble(userCfg)
	return loop.Run(ctx, exec, cancel, detector, systemPrompt, message, events)
}

func secondsOrDefault(secs, fallback int) time.Duration {
	if secs <= 0 {
		secs = fallback
	}
	return time.Duration(secs) * time.Second
}
