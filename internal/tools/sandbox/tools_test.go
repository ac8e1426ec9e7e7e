package sandbox

import (
	"context"
	"testing"
)

func TestExecuteCommandRejectsInvalidArguments(t *testing.T) {
	tool := ExecuteCommand{}
	res, err := tool.Execute(context.Background(), []byte(`not json`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError for malformed arguments")
	}
}

func TestWriteFileRejectsInvalidArguments(t *testing.T) {
	tool := WriteFile{}
	res, err := tool.Execute(context.Background(), []byte(`{not json`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError for malformed arguments")
	}
}

func TestListFilesRejectsInvalidArguments(t *testing.T) {
	tool := ListFiles{}
	res, err := tool.Execute(context.Background(), []byte(`not json`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError for malformed arguments")
	}
}

func TestSendFileToUserNameFromPath(t *testing.T) {
	cases := map[string]string{
		"/workspace/out.csv": "out.csv",
		"out.csv":            "out.csv",
		"/a/b/c.txt":          "c.txt",
	}
	for path, want := range cases {
		if got := baseName(path); got != want {
			t.Errorf("baseName(%q) = %q, want %q", path, got, want)
		}
	}
}
