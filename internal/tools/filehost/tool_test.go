package filehost

import (
	"context"
	"testing"
)

func TestUploadFileRejectsInvalidArguments(t *testing.T) {
	tool := &UploadFile{}
	res, err := tool.Execute(context.Background(), []byte(`not json`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError for malformed arguments")
	}
}

func TestBaseName(t *testing.T) {
	cases := map[string]string{
		"/workspace/downloads/report.pdf": "report.pdf",
		"report.pdf":                      "report.pdf",
	}
	for path, want := range cases {
		if got := baseName(path); got != want {
			t.Errorf("baseName(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestStoreObjectKey(t *testing.T) {
	s := &Store{bucket: "artifacts", prefix: "agent-uploads"}
	if got, want := s.objectKey("report.pdf"), "agent-uploads/report.pdf"; got != want {
		t.Errorf("objectKey() = %q, want %q", got, want)
	}

	s2 := &Store{bucket: "artifacts"}
	if got, want := s2.objectKey("report.pdf"), "report.pdf"; got != want {
		t.Errorf("objectKey() with no prefix = %q, want %q", got, want)
	}
}
