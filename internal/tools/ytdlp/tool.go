// Package ytdlp implements the five yt-dlp media tools SPEC_FULL.md
// supplements from original_source/src/agent/providers/ytdlp.rs: video
// metadata extraction, transcript download, video search, and video/audio
// download, all executed inside the caller's sandbox container where
// yt-dlp is installed.
package ytdlp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oxideagent/runtime/internal/agent"
	goexec "github.com/oxideagent/runtime/internal/exec"
	"github.com/oxideagent/runtime/internal/sandbox"
	"github.com/oxideagent/runtime/pkg/models"
)

const (
	downloadsDir         = "/workspace/downloads"
	maxTranscriptLength  = 50_000
	maxMetadataLength    = 25_000
	sendAckTimeout       = 2 * time.Minute
)

// fatalErrorPatterns mark unrecoverable yt-dlp failures: no point retrying
// or adjusting arguments.
var fatalErrorPatterns = []string{
	"Video unavailable", "Private video", "This video is not available",
	"Sign in to confirm your age", "age-restricted", "members-only",
	"This video is private", "removed by the uploader", "no longer available",
	"blocked it in your country", "geo-restricted",
	"who has blocked it on copyright grounds", "copyright claim",
	"terminated account", "This video has been removed",
	"ERROR: Unsupported URL", "is not a valid URL",
	"Unable to extract video data", "Premieres in",
	"This live event will begin", "Join this channel to get access",
	"HTTP Error 403", "HTTP Error 404", "Sign in to view this video",
}

// retryableErrorPatterns mark transient failures worth a retry.
var retryableErrorPatterns = []string{
	"Connection reset", "Connection timed out", "Unable to download webpage",
	"HTTP Error 429", "HTTP Error 503", "Read timed out",
	"network is unreachable", "Temporary failure in name resolution",
}

func isFatalError(msg string) bool     { return containsAny(msg, fatalErrorPatterns) }
func isRetryableError(msg string) bool { return containsAny(msg, retryableErrorPatterns) }

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// Sandboxes resolves a user's sandbox handle, lazily created on first use.
type Sandboxes interface {
	ForUser(userID string) *sandbox.UserSandbox
}

// Tools bundles the five ytdlp tool providers for one user.
type Tools struct {
	userID string
	mgr    Sandboxes
}

// NewTools constructs the ytdlp tool set for a single user's session.
func NewTools(userID string, mgr Sandboxes) *Tools {
	return &Tools{userID: userID, mgr: mgr}
}

func (t *Tools) box(ctx context.Context) (*sandbox.UserSandbox, error) {
	box := t.mgr.ForUser(t.userID)
	if err := box.Create(ctx); err != nil {
		return nil, err
	}
	if _, err := box.Exec(ctx, []string{"mkdir", "-p", downloadsDir}, nil); err != nil {
		return nil, fmt.Errorf("prepare downloads dir: %w", err)
	}
	return box, nil
}

// execYtdlp runs `yt-dlp <args>` inside the sandbox and classifies the
// outcome the way original_source/.../ytdlp.rs's exec_ytdlp does: fatal
// errors surface as a Go error, retryable/other errors surface as warning
// text in the (non-error) output so the agent can adjust its next call.
// Arguments are sanitized with internal/exec before being handed to the
// sandbox's exec argv, since several of them (url, fields, language) are
// built from model-supplied JSON and must not smuggle control characters
// or additional yt-dlp flags.
func execYtdlp(ctx context.Context, box *sandbox.UserSandbox, args []string) (string, error) {
	safeArgs, err := goexec.SanitizeArguments(args)
	if err != nil {
		return "", fmt.Errorf("unsafe yt-dlp argument: %w", err)
	}
	cmd := append([]string{"yt-dlp"}, safeArgs...)
	res, err := box.Exec(ctx, cmd, ctx.Done())
	if err != nil {
		return "", err
	}
	if res.ExitCode == 0 {
		return res.Stdout, nil
	}

	errMsg := res.Stderr
	if errMsg == "" {
		errMsg = res.Stdout
	}
	if isFatalError(errMsg) {
		return "", fmt.Errorf("yt-dlp fatal error: %s", errMsg)
	}
	if isRetryableError(errMsg) {
		return fmt.Sprintf("temporary yt-dlp error (possible retry): %s", errMsg), nil
	}
	return fmt.Sprintf("yt-dlp warning: %s", errMsg), nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return fmt.Sprintf("%s...\n\n(truncated, %d chars total)", s[:limit], len(s))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// sendFileWithCleanup downloads a file from the sandbox, emits a
// FileToSendWithConfirmation event, and on confirmed delivery removes the
// file from the sandbox. Mirrors ytdlp.rs's send_file_with_cleanup.
func sendFileWithCleanup(ctx context.Context, box *sandbox.UserSandbox, path, name string) (string, error) {
	data, err := box.ReadFile(ctx, path)
	if err != nil {
		return fmt.Sprintf("failed to read file from sandbox: %v\npath: %s", err, path), nil
	}

	events := agent.EventsFromContext(ctx)
	if events == nil {
		sizeMB := float64(len(data)) / 1024 / 1024
		return fmt.Sprintf("downloaded (%.2f MB) but no event sink attached; path: %s", sizeMB, path), nil
	}

	ack := make(chan bool, 1)
	select {
	case events <- models.NewFileToSendWithConfirmEvent(name, data, path, ack):
	case <-ctx.Done():
		return "cancelled before delivery", nil
	}

	select {
	case ok := <-ack:
		if !ok {
			return fmt.Sprintf("failed to send file to user; file remains in sandbox at %s", path), nil
		}
		if _, err := box.Exec(ctx, []string{"rm", "-f", path}, nil); err != nil {
			return fmt.Sprintf("delivered %s but cleanup failed: %v", name, err), nil
		}
		return fmt.Sprintf("file '%s' sent to user successfully", name), nil
	case <-time.After(sendAckTimeout):
		return fmt.Sprintf("delivery timed out; file remains in sandbox at %s", path), nil
	case <-ctx.Done():
		return "cancelled while awaiting delivery confirmation", nil
	}
}

// GetVideoMetadata implements ytdlp_get_video_metadata.
type GetVideoMetadata struct{ *Tools }

func (GetVideoMetadata) Name() string { return "ytdlp_get_video_metadata" }
func (GetVideoMetadata) Description() string {
	return "Retrieve video metadata (title, duration, uploader, formats, ...) via yt-dlp without downloading."
}
func (GetVideoMetadata) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"url"},
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "description": "video URL"},
			"fields": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "optional list of metadata fields to extract instead of the full JSON dump",
			},
		},
	}
}

func (m GetVideoMetadata) Execute(ctx context.Context, arguments json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		URL    string   `json:"url"`
		Fields []string `json:"fields"`
	}
	if err := json.Unmarshal(arguments, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}

	box, err := m.box(ctx)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	args := []string{"--no-download", "--no-warnings", "--ignore-errors"}
	if len(in.Fields) > 0 {
		args = append(args, "-O", fmt.Sprintf("%%(%sj)", strings.Join(in.Fields, ",")))
	} else {
		args = append(args, "-j")
	}
	args = append(args, in.URL)

	output, err := execYtdlp(ctx, box, args)
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf(
			"failed to retrieve video metadata: %v\n\nthe video may be unavailable, private, blocked in your region, or require authentication.", err),
			IsError: true}, nil
	}

	return &agent.ToolResult{Content: "## Video Metadata\n\n```json\n" + truncate(output, maxMetadataLength) + "\n```"}, nil
}

// DownloadTranscript implements ytdlp_download_transcript.
type DownloadTranscript struct{ *Tools }

func (DownloadTranscript) Name() string { return "ytdlp_download_transcript" }
func (DownloadTranscript) Description() string {
	return "Download and return the plain-text transcript (auto-generated subtitles) for a video."
}
func (DownloadTranscript) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"url"},
		"properties": map[string]any{
			"url":      map[string]any{"type": "string", "description": "video URL"},
			"language": map[string]any{"type": "string", "description": "subtitle language code, default \"en\""},
		},
	}
}

func (d DownloadTranscript) Execute(ctx context.Context, arguments json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		URL      string `json:"url"`
		Language string `json:"language"`
	}
	if err := json.Unmarshal(arguments, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	lang := in.Language
	if lang == "" {
		lang = "en"
	}

	box, err := d.box(ctx)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	args := []string{
		"--skip-download", "--write-auto-sub", "--sub-lang", lang,
		"--sub-format", "vtt", "--convert-subs", "srt",
		"-o", downloadsDir + "/transcript.%(ext)s", "--no-warnings", in.URL,
	}
	if _, err := execYtdlp(ctx, box, args); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf(
			"failed to download transcript: %v\n\nthe video may be unavailable or have no subtitles.", err),
			IsError: true}, nil
	}

	findRes, err := box.Exec(ctx, []string{"sh", "-c",
		fmt.Sprintf("find %s -name '*.srt' -o -name '*.vtt' | head -1", downloadsDir)}, nil)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	subtitlePath := strings.TrimSpace(findRes.Stdout)
	if subtitlePath == "" {
		return &agent.ToolResult{Content: "no subtitles/transcript available for this video; it might not have captions or auto-generated subtitles."}, nil
	}

	cleanCmd := fmt.Sprintf("cat %s | sed '/^[0-9]/d' | sed '/-->/d' | sed '/^$/d' | tr '\\n' ' '", shellQuote(subtitlePath))
	cleanRes, err := box.Exec(ctx, []string{"sh", "-c", cleanCmd}, nil)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	_, _ = box.Exec(ctx, []string{"sh", "-c", fmt.Sprintf("rm -f %s/transcript.*", downloadsDir)}, nil)

	transcript := strings.TrimSpace(cleanRes.Stdout)
	if transcript == "" {
		return &agent.ToolResult{Content: "transcript is empty or could not be extracted."}, nil
	}

	return &agent.ToolResult{Content: "## Transcript\n\n" + truncate(transcript, maxTranscriptLength)}, nil
}

// SearchVideos implements ytdlp_search_videos.
type SearchVideos struct{ *Tools }

func (SearchVideos) Name() string        { return "ytdlp_search_videos" }
func (SearchVideos) Description() string { return "Search YouTube for videos matching a query via yt-dlp's ytsearch." }
func (SearchVideos) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"query"},
		"properties": map[string]any{
			"query":       map[string]any{"type": "string", "description": "search query"},
			"max_results": map[string]any{"type": "integer", "description": "max results, default 5, capped at 20"},
		},
	}
}

func (s SearchVideos) Execute(ctx context.Context, arguments json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		Query      string `json:"query"`
		MaxResults *int   `json:"max_results"`
	}
	if err := json.Unmarshal(arguments, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	maxResults := 5
	if in.MaxResults != nil {
		maxResults = *in.MaxResults
	}
	if maxResults > 20 {
		maxResults = 20
	}
	if maxResults < 1 {
		maxResults = 1
	}

	box, err := s.box(ctx)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	searchTarget := fmt.Sprintf("ytsearch%d:%s", maxResults, in.Query)
	output, err := execYtdlp(ctx, box, []string{"-j", "--flat-playlist", "--no-warnings", searchTarget})
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf(
			"failed to execute video search: %v\n\npossible temporary issue with YouTube access.", err),
			IsError: true}, nil
	}
	if strings.HasPrefix(output, "yt-dlp fatal error:") || strings.HasPrefix(output, "yt-dlp warning:") ||
		strings.HasPrefix(output, "temporary yt-dlp error") {
		return &agent.ToolResult{Content: output, IsError: true}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Search Results for: %s\n\n", in.Query)
	count := 0
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var video map[string]any
		if err := json.Unmarshal([]byte(line), &video); err != nil {
			continue
		}
		count++
		title, _ := video["title"].(string)
		if title == "" {
			title = "Unknown"
		}
		channel, _ := video["channel"].(string)
		if channel == "" {
			channel = "Unknown"
		}
		duration := "N/A"
		if ds, ok := video["duration_string"].(string); ok && ds != "" {
			duration = ds
		} else if dv, ok := video["duration"].(float64); ok {
			duration = strconv.FormatFloat(dv, 'f', 0, 64) + "s"
		}
		url, _ := video["url"].(string)
		if url == "" {
			url, _ = video["webpage_url"].(string)
		}

		fmt.Fprintf(&b, "### %d. %s\n", count, title)
		fmt.Fprintf(&b, "- **Channel**: %s\n", channel)
		fmt.Fprintf(&b, "- **Duration**: %s\n", duration)
		if url != "" {
			fmt.Fprintf(&b, "- **URL**: %s\n", url)
		}
		b.WriteString("\n")
	}

	if count == 0 {
		return &agent.ToolResult{Content: "no videos found for this query."}, nil
	}
	return &agent.ToolResult{Content: b.String()}, nil
}

// DownloadVideo implements ytdlp_download_video.
type DownloadVideo struct{ *Tools }

func (DownloadVideo) Name() string        { return "ytdlp_download_video" }
func (DownloadVideo) Description() string { return "Download a video (optionally a time range) and, on request, deliver it to the user." }
func (DownloadVideo) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"url"},
		"properties": map[string]any{
			"url":          map[string]any{"type": "string", "description": "video URL"},
			"resolution":   map[string]any{"type": "string", "description": "480|720|1080|best, default 720"},
			"start_time":   map[string]any{"type": "string", "description": "optional clip start, e.g. \"00:01:00\""},
			"end_time":     map[string]any{"type": "string", "description": "optional clip end, e.g. \"00:02:00\""},
			"send_to_user": map[string]any{"type": "boolean", "description": "deliver the downloaded file to the user when done"},
		},
	}
}

func formatForResolution(resolution string) string {
	switch resolution {
	case "480", "480p":
		return "bestvideo[height<=480]+bestaudio/best[height<=480]"
	case "1080", "1080p":
		return "bestvideo[height<=1080]+bestaudio/best[height<=1080]"
	case "best":
		return "bestvideo+bestaudio/best"
	default:
		return "bestvideo[height<=720]+bestaudio/best[height<=720]"
	}
}

func (d DownloadVideo) Execute(ctx context.Context, arguments json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		URL         string `json:"url"`
		Resolution  string `json:"resolution"`
		StartTime   string `json:"start_time"`
		EndTime     string `json:"end_time"`
		SendToUser  bool   `json:"send_to_user"`
	}
	if err := json.Unmarshal(arguments, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}

	box, err := d.box(ctx)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	args := []string{
		"-f", formatForResolution(in.Resolution), "--merge-output-format", "mp4",
		"-o", downloadsDir + "/%(title).50s.%(ext)s", "--no-warnings", "--progress",
	}
	if in.StartTime != "" || in.EndTime != "" {
		start := in.StartTime
		if start == "" {
			start = "0"
		}
		section := "*" + start + "-" + in.EndTime
		args = append(args, "--download-sections", section)
	}
	args = append(args, in.URL)

	output, err := execYtdlp(ctx, box, args)
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf(
			"failed to download video: %v\n\nthe video may be unavailable, private, or blocked.", err),
			IsError: true}, nil
	}
	if strings.Contains(output, "yt-dlp fatal error:") || strings.Contains(output, "ERROR") {
		return &agent.ToolResult{Content: "download failed: " + output, IsError: true}, nil
	}

	findRes, err := box.Exec(ctx, []string{"sh", "-c",
		fmt.Sprintf("ls -1t %s/*.mp4 2>/dev/null | head -1", downloadsDir)}, nil)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	videoPath := strings.TrimSpace(findRes.Stdout)
	if videoPath == "" {
		return &agent.ToolResult{Content: "video download completed but file not found; try checking the sandbox files."}, nil
	}

	sizeRes, err := box.Exec(ctx, []string{"stat", "-c", "%s", videoPath}, nil)
	sizeMB := 0.0
	if err == nil {
		if bytes, perr := strconv.ParseInt(strings.TrimSpace(sizeRes.Stdout), 10, 64); perr == nil {
			sizeMB = float64(bytes) / 1024 / 1024
		}
	}
	filename := baseName(videoPath)

	if in.SendToUser {
		msg, err := sendFileWithCleanup(ctx, box, videoPath, filename)
		if err != nil {
			return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
		}
		return &agent.ToolResult{Content: msg}, nil
	}

	return &agent.ToolResult{Content: fmt.Sprintf(
		"video downloaded successfully!\n\n- **File**: %s\n- **Path**: %s\n- **Size**: %.2f MB\n\nUse `send_file_to_user` tool with path `%s` to send it to the user.",
		filename, videoPath, sizeMB, videoPath)}, nil
}

// DownloadAudio implements ytdlp_download_audio.
type DownloadAudio struct{ *Tools }

func (DownloadAudio) Name() string        { return "ytdlp_download_audio" }
func (DownloadAudio) Description() string { return "Extract the best audio track from a video as mp3 and, on request, deliver it to the user." }
func (DownloadAudio) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"url"},
		"properties": map[string]any{
			"url":          map[string]any{"type": "string", "description": "video URL"},
			"send_to_user": map[string]any{"type": "boolean", "description": "deliver the extracted audio to the user when done"},
		},
	}
}

func (a DownloadAudio) Execute(ctx context.Context, arguments json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		URL        string `json:"url"`
		SendToUser bool   `json:"send_to_user"`
	}
	if err := json.Unmarshal(arguments, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}

	box, err := a.box(ctx)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	args := []string{
		"-x", "--audio-format", "mp3", "--audio-quality", "0",
		"-o", downloadsDir + "/%(title).50s.%(ext)s", "--no-warnings", "--progress", in.URL,
	}
	output, err := execYtdlp(ctx, box, args)
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf(
			"failed to extract audio: %v\n\nthe video may be unavailable, private, or blocked.", err),
			IsError: true}, nil
	}
	if strings.Contains(output, "yt-dlp fatal error:") || strings.Contains(output, "ERROR") {
		return &agent.ToolResult{Content: "audio extraction failed: " + output, IsError: true}, nil
	}

	findRes, err := box.Exec(ctx, []string{"sh", "-c",
		fmt.Sprintf("ls -1t %s/*.mp3 2>/dev/null | head -1", downloadsDir)}, nil)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	audioPath := strings.TrimSpace(findRes.Stdout)
	if audioPath == "" {
		return &agent.ToolResult{Content: "audio extraction completed but file not found; try checking the sandbox files."}, nil
	}

	sizeRes, err := box.Exec(ctx, []string{"stat", "-c", "%s", audioPath}, nil)
	sizeMB := 0.0
	if err == nil {
		if bytes, perr := strconv.ParseInt(strings.TrimSpace(sizeRes.Stdout), 10, 64); perr == nil {
			sizeMB = float64(bytes) / 1024 / 1024
		}
	}
	filename := baseName(audioPath)

	if in.SendToUser {
		msg, err := sendFileWithCleanup(ctx, box, audioPath, filename)
		if err != nil {
			return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
		}
		return &agent.ToolResult{Content: msg}, nil
	}

	return &agent.ToolResult{Content: fmt.Sprintf(
		"audio extracted successfully!\n\n- **File**: %s\n- **Path**: %s\n- **Size**: %.2f MB\n\nUse `send_file_to_user` tool with path `%s` to send it to the user.",
		filename, audioPath, sizeMB, audioPath)}, nil
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}
