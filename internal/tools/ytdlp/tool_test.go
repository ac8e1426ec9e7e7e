package ytdlp

import (
	"context"
	"testing"
)

func TestGetVideoMetadataRejectsInvalidArguments(t *testing.T) {
	tool := GetVideoMetadata{}
	res, err := tool.Execute(context.Background(), []byte(`not json`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError for malformed arguments")
	}
}

func TestSearchVideosRejectsInvalidArguments(t *testing.T) {
	tool := SearchVideos{}
	res, err := tool.Execute(context.Background(), []byte(`{not json`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError for malformed arguments")
	}
}

func TestDownloadVideoRejectsInvalidArguments(t *testing.T) {
	tool := DownloadVideo{}
	res, err := tool.Execute(context.Background(), []byte(`not json`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError for malformed arguments")
	}
}

func TestIsFatalError(t *testing.T) {
	if !isFatalError("ERROR: Video unavailable") {
		t.Error("expected fatal error to be detected")
	}
	if isFatalError("some unrelated message") {
		t.Error("did not expect fatal error to be detected")
	}
}

func TestIsRetryableError(t *testing.T) {
	if !isRetryableError("HTTP Error 429: Too Many Requests") {
		t.Error("expected retryable error to be detected")
	}
	if isRetryableError("Video unavailable") {
		t.Error("fatal errors should not also classify as retryable")
	}
}

func TestFormatForResolution(t *testing.T) {
	cases := map[string]string{
		"480":     "bestvideo[height<=480]+bestaudio/best[height<=480]",
		"1080p":   "bestvideo[height<=1080]+bestaudio/best[height<=1080]",
		"best":    "bestvideo+bestaudio/best",
		"unknown": "bestvideo[height<=720]+bestaudio/best[height<=720]",
		"":        "bestvideo[height<=720]+bestaudio/best[height<=720]",
	}
	for in, want := range cases {
		if got := formatForResolution(in); got != want {
			t.Errorf("formatForResolution(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("expected short string unchanged, got %q", got)
	}
	long := "0123456789abcdef"
	got := truncate(long, 5)
	if got[:5] != "01234" {
		t.Errorf("expected truncated prefix, got %q", got)
	}
}

func TestBaseName(t *testing.T) {
	cases := map[string]string{
		"/workspace/downloads/video.mp4": "video.mp4",
		"audio.mp3":                      "audio.mp3",
	}
	for path, want := range cases {
		if got := baseName(path); got != want {
			t.Errorf("baseName(%q) = %q, want %q", path, got, want)
		}
	}
}
