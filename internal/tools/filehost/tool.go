package filehost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/oxideagent/runtime/internal/agent"
	"github.com/oxideagent/runtime/internal/sandbox"
)

// Sandboxes resolves a user's sandbox handle, lazily created on first use.
type Sandboxes interface {
	ForUser(userID string) *sandbox.UserSandbox
}

// Remote is the subset of Store this tool needs.
type Remote interface {
	Put(ctx context.Context, name string, data io.Reader, mimeType string) (string, error)
}

// UploadFile implements the upload_file tool: it reads an oversize artifact
// out of the user's sandbox and uploads it to the remote file host, returning
// a durable URL instead of inlining the bytes through the chat transport.
type UploadFile struct {
	userID string
	boxes  Sandboxes
	remote Remote
}

// NewUploadFile constructs the upload_file tool for one user's session.
func NewUploadFile(userID string, boxes Sandboxes, remote Remote) *UploadFile {
	return &UploadFile{userID: userID, boxes: boxes, remote: remote}
}

func (UploadFile) Name() string { return "upload_file" }
func (UploadFile) Description() string {
	return "Upload an oversize sandbox file to remote file hosting and return a durable URL, instead of inlining it through chat."
}
func (UploadFile) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"path"},
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "absolute path of the sandbox file to upload"},
		},
	}
}

func (u *UploadFile) Execute(ctx context.Context, arguments json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(arguments, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}

	box := u.boxes.ForUser(u.userID)
	if err := box.Create(ctx); err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	data, err := box.ReadFile(ctx, in.Path)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	url, err := u.remote.Put(ctx, baseName(in.Path), bytes.NewReader(data), "")
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	return &agent.ToolResult{Content: fmt.Sprintf("uploaded %s (%d bytes) to %s", in.Path, len(data), url)}, nil
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}
