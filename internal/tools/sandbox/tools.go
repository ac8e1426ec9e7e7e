// Package sandbox implements the sandbox tool providers named in spec.md
// §4.2 and in original_source/src/agent/recovery.rs's tool-name table:
// execute_command, read_file, write_file, list_files, send_file_to_user,
// each a thin adapter from the agent.Tool contract onto a per-user
// internal/sandbox.UserSandbox handle.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oxideagent/runtime/internal/agent"
	"github.com/oxideagent/runtime/internal/sandbox"
	"github.com/oxideagent/runtime/pkg/models"
)

const ackTimeout = 30 * time.Second

// Sandboxes resolves the calling user's sandbox handle. The executor loop
// runs one user per session, so each tool call is scoped to a single user
// resolved once per registration (see NewTools).
type Sandboxes interface {
	ForUser(userID string) *sandbox.UserSandbox
}

// Tools bundles the four sandbox-tool providers for one user.
type Tools struct {
	userID string
	mgr    Sandboxes
}

// NewTools constructs the sandbox tool set for a single user's session.
// Register each of Execute/ReadFile/WriteFile/SendFile onto the session's
// ToolRegistry.
func NewTools(userID string, mgr Sandboxes) *Tools {
	return &Tools{userID: userID, mgr: mgr}
}

func (t *Tools) box(ctx context.Context) (*sandbox.UserSandbox, error) {
	box := t.mgr.ForUser(t.userID)
	if err := box.Create(ctx); err != nil {
		return nil, err
	}
	return box, nil
}

// ExecuteCommand implements the execute_command tool.
type ExecuteCommand struct{ *Tools }

func (ExecuteCommand) Name() string        { return "execute_command" }
func (ExecuteCommand) Description() string { return "Run a shell command inside the user's sandbox container and return its stdout/stderr/exit code." }
func (ExecuteCommand) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"command"},
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "shell command to run"},
		},
	}
}

func (e ExecuteCommand) Execute(ctx context.Context, arguments json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(arguments, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}

	box, err := e.box(ctx)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	res, err := box.Exec(ctx, []string{"sh", "-c", in.Command}, ctx.Done())
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	out := fmt.Sprintf("exit_code=%d\nstdout:\n%s\nstderr:\n%s", res.ExitCode, res.Stdout, res.Stderr)
	return &agent.ToolResult{Content: out, IsError: res.ExitCode != 0}, nil
}

// ReadFile implements the read_file tool.
type ReadFile struct{ *Tools }

func (ReadFile) Name() string        { return "read_file" }
func (ReadFile) Description() string { return "Read a file from the user's sandbox container." }
func (ReadFile) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"path"},
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "absolute path inside the sandbox"},
		},
	}
}

func (r ReadFile) Execute(ctx context.Context, arguments json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(arguments, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}

	box, err := r.box(ctx)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	data, err := box.ReadFile(ctx, in.Path)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: string(data)}, nil
}

// WriteFile implements the write_file tool.
type WriteFile struct{ *Tools }

func (WriteFile) Name() string        { return "write_file" }
func (WriteFile) Description() string { return "Write a file to the user's sandbox container, creating parent directories as needed." }
func (WriteFile) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"path", "content"},
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "absolute path inside the sandbox"},
			"content": map[string]any{"type": "string", "description": "file content"},
		},
	}
}

func (w WriteFile) Execute(ctx context.Context, arguments json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(arguments, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}

	box, err := w.box(ctx)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	if err := box.WriteFile(ctx, in.Path, []byte(in.Content)); err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path)}, nil
}

// SendFileToUser implements send_file_to_user. Per SPEC_FULL.md's §4.9
// ordering decision, it downloads the file from the sandbox, emits a
// FileToSendWithConfirmation event, and blocks on the event's ack-sink
// (bounded by ackTimeout) before returning — so the caller's bridge writes
// the tool-result message only after delivery is confirmed or times out.
type SendFileToUser struct{ *Tools }

func (SendFileToUser) Name() string { return "send_file_to_user" }
func (SendFileToUser) Description() string {
	return "Deliver a file from the sandbox to the user, cleaning it up from the sandbox once delivery is confirmed."
}
func (SendFileToUser) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"path"},
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "absolute path of the sandbox file to send"},
		},
	}
}

func (s SendFileToUser) Execute(ctx context.Context, arguments json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(arguments, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}

	box, err := s.box(ctx)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	data, err := box.ReadFile(ctx, in.Path)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	events := agent.EventsFromContext(ctx)
	if events == nil {
		return &agent.ToolResult{Content: "no event sink attached to context", IsError: true}, nil
	}

	ack := make(chan bool, 1)
	name := baseName(in.Path)
	select {
	case events <- models.NewFileToSendWithConfirmEvent(name, data, in.Path, ack):
	case <-ctx.Done():
		return &agent.ToolResult{Content: "cancelled before delivery", IsError: true}, nil
	}

	select {
	case ok := <-ack:
		if !ok {
			return &agent.ToolResult{Content: fmt.Sprintf("delivery of %s failed or was not confirmed; file remains in sandbox", name), IsError: true}, nil
		}
		return &agent.ToolResult{Content: fmt.Sprintf("delivered %s to user", name)}, nil
	case <-time.After(ackTimeout):
		return &agent.ToolResult{Content: fmt.Sprintf("delivery of %s timed out; file remains in sandbox", name), IsError: true}, nil
	case <-ctx.Done():
		return &agent.ToolResult{Content: "cancelled while awaiting delivery confirmation", IsError: true}, nil
	}
}

// ListFiles implements the list_files tool: a recursive directory listing
// inside the user's sandbox, named in original_source/src/agent/recovery.rs's
// tool-name table though absent from spec.md's §4.2 prose.
type ListFiles struct{ *Tools }

func (ListFiles) Name() string        { return "list_files" }
func (ListFiles) Description() string { return "List files and directories inside the user's sandbox container, under the given path." }
func (ListFiles) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"path"},
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "directory path inside the sandbox to list"},
		},
	}
}

func (l ListFiles) Execute(ctx context.Context, arguments json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(arguments, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	if in.Path == "" {
		in.Path = "."
	}

	box, err := l.box(ctx)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	res, err := box.Exec(ctx, []string{"find", in.Path, "-maxdepth", "2"}, ctx.Done())
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	if res.ExitCode != 0 {
		return &agent.ToolResult{Content: res.Stderr, IsError: true}, nil
	}
	return &agent.ToolResult{Content: res.Stdout}, nil
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}
