package agent

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/oxideagent/runtime/pkg/models"
)

// ProgressRenderer is the transport-side sink the progress runtime
// flushes a rendered ProgressState to, at most once per throttle
// interval (§4.9), and the channel through which file payloads are
// actually delivered to the user.
type ProgressRenderer interface {
	Render(ctx context.Context, state models.ProgressState)

	// DeliverFile hands name/data to the transport. FileToSend calls this
	// best-effort; FileToSendWithConfirmation awaits its result before
	// acking and invoking CleanupSandboxFile on success.
	DeliverFile(ctx context.Context, name string, data []byte) error

	// CleanupSandboxFile removes a delivered file's source path from the
	// sandbox once a confirmed delivery has succeeded.
	CleanupSandboxFile(ctx context.Context, sandboxPath string) error
}

// defaultThrottleInterval matches §4.9's 1500ms default render throttle.
const defaultThrottleInterval = 1500 * time.Millisecond

// ProgressRuntime consumes an AgentEvent channel in a dedicated goroutine,
// folding each event into a ProgressState via ProgressState.Apply and
// rendering it through a ProgressRenderer at most once per throttle tick,
// always flushing on channel close.
type ProgressRuntime struct {
	renderer ProgressRenderer
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewProgressRuntime creates a runtime that renders through renderer,
// throttled to at most one render per interval (0 uses the 1500ms
// default). logger defaults to slog.Default() when nil.
func NewProgressRuntime(renderer ProgressRenderer, interval time.Duration, logger *slog.Logger) *ProgressRuntime {
	if interval <= 0 {
		interval = defaultThrottleInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressRuntime{
		renderer: renderer,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		logger:   logger,
	}
}

// Run drains events until the channel closes or ctx is done, rendering a
// throttled stream of ProgressState snapshots and always flushing the
// final state once the channel closes.
func (p *ProgressRuntime) Run(ctx context.Context, events <-chan models.AgentEvent) {
	state := &models.ProgressState{}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				p.renderer.Render(ctx, *state)
				return
			}
			state.Apply(ev)

			switch ev.Kind {
			case models.AgentEventFileToSend:
				p.deliverFile(ctx, ev.FileToSend)
			case models.AgentEventFileToSendWithConfirm:
				p.deliverFileWithConfirm(ctx, ev.FileToSendAck)
			}

			if p.limiter.Allow() {
				p.renderer.Render(ctx, *state)
			}
		}
	}
}

// deliverFile implements the best-effort FileToSend side effect: the
// transport delivers the file; failures are logged, never block the loop.
func (p *ProgressRuntime) deliverFile(ctx context.Context, payload *models.FileToSendPayload) {
	if payload == nil {
		return
	}
	if err := p.renderer.DeliverFile(ctx, payload.Name, payload.Bytes); err != nil {
		p.logger.Warn("best-effort file delivery failed", "name", payload.Name, "error", err)
	}
}

// deliverFileWithConfirm implements the confirmed-delivery side effect:
// the transport delivers the file, a successful delivery triggers a
// sandbox cleanup of the source path, and the real outcome is always
// resolved on payload.AckSink. The runtime never updates ProgressState
// from this variant (the tool invocation already accounted for it via its
// own tool-result content).
func (p *ProgressRuntime) deliverFileWithConfirm(ctx context.Context, payload *models.FileToSendAckPayload) {
	if payload == nil {
		return
	}
	if err := p.renderer.DeliverFile(ctx, payload.Name, payload.Bytes); err != nil {
		p.logger.Warn("confirmed file delivery failed", "name", payload.Name, "sandbox_path", payload.SandboxPath, "error", err)
		ackFileDelivery(payload.AckSink, false)
		return
	}
	if err := p.renderer.CleanupSandboxFile(ctx, payload.SandboxPath); err != nil {
		p.logger.Warn("sandbox cleanup after delivery failed", "sandbox_path", payload.SandboxPath, "error", err)
	}
	ackFileDelivery(payload.AckSink, true)
}

// ackFileDelivery resolves sink without blocking; the buffered capacity-1
// channel created by callers guarantees the send never has to wait.
func ackFileDelivery(sink chan<- bool, ok bool) {
	select {
	case sink <- ok:
	default:
	}
}
