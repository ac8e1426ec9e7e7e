package main

import (
	"context"
	"fmt"

	"github.com/oxideagent/runtime/internal/sandbox"
	"github.com/oxideagent/runtime/pkg/models"
)

// fileDeliveryRenderer implements agent.ProgressRenderer for one task's
// event stream. Render is a no-op: Submit already forwards every raw
// AgentEvent to the WebSocket transport, so the runtime's throttled
// snapshot would be redundant here. DeliverFile and CleanupSandboxFile
// carry out §4.9's file-delivery side effects against the user's sandbox.
type fileDeliveryRenderer struct {
	out chan<- models.AgentEvent
	box *sandbox.UserSandbox
}

func newFileDeliveryRenderer(out chan<- models.AgentEvent, userID string, mgr *sandbox.Manager) *fileDeliveryRenderer {
	return &fileDeliveryRenderer{out: out, box: mgr.ForUser(userID)}
}

func (r *fileDeliveryRenderer) Render(context.Context, models.ProgressState) {}

// DeliverFile hands the file to the transport by emitting a FileToSend
// event carrying its bytes onto the same stream the client already reads.
func (r *fileDeliveryRenderer) DeliverFile(ctx context.Context, name string, data []byte) error {
	select {
	case r.out <- models.NewFileToSendEvent(name, data):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CleanupSandboxFile removes a delivered file's source path once delivery
// has been confirmed.
func (r *fileDeliveryRenderer) CleanupSandboxFile(ctx context.Context, sandboxPath string) error {
	res, err := r.box.Exec(ctx, []string{"rm", "-f", sandboxPath}, nil)
	if err != nil {
		return fmt.Errorf("cleanup %s: %w", sandboxPath, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("cleanup %s: rm exited %d: %s", sandboxPath, res.ExitCode, res.Stderr)
	}
	return nil
}
