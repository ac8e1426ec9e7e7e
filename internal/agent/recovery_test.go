package agent

import (
	"encoding/json"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestSanitizeToolCallNormal(t *testing.T) {
	name, args := sanitizeToolCall(discardLogger(), "write_todos", "{}")
	if name != "write_todos" || args != "{}" {
		t.Fatalf("got (%q, %q)", name, args)
	}
}

func TestSanitizeToolCallJSONObjectInName(t *testing.T) {
	malformed := `{"todos": [{"description": "Task 1", "status": "pending"}]}`
	name, args := sanitizeToolCall(discardLogger(), malformed, "{}")
	if name != "write_todos" {
		t.Fatalf("expected write_todos, got %q", name)
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		t.Fatalf("expected valid JSON args: %v", err)
	}
	if _, ok := parsed["todos"]; !ok {
		t.Fatalf("expected todos key in %v", parsed)
	}
}

func TestSanitizeToolCallArrayAppendedToTodos(t *testing.T) {
	malformed := `todos [{"description": "Task 1", "status": "in_progress"}]`
	name, args := sanitizeToolCall(discardLogger(), malformed, "{}")
	if name != "write_todos" {
		t.Fatalf("expected write_todos, got %q", name)
	}
	var parsed struct {
		Todos []map[string]any `json:"todos"`
	}
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		t.Fatalf("invalid args JSON: %v", err)
	}
	if len(parsed.Todos) != 1 {
		t.Fatalf("expected 1 todo, got %d", len(parsed.Todos))
	}
}

func TestSanitizeToolCallInvalidJSONFallsBack(t *testing.T) {
	malformed := "todos [invalid json}"
	name, args := sanitizeToolCall(discardLogger(), malformed, "{}")
	if name != malformed || args != "{}" {
		t.Fatalf("expected fallback to original, got (%q, %q)", name, args)
	}
}

func TestSanitizeToolCallOtherToolsUnchanged(t *testing.T) {
	name, args := sanitizeToolCall(discardLogger(), "execute_command", `{"command": "ls"}`)
	if name != "execute_command" || args != `{"command": "ls"}` {
		t.Fatalf("got (%q, %q)", name, args)
	}
}

func TestSanitizeToolCallStripsXMLFromName(t *testing.T) {
	name, args := sanitizeToolCall(discardLogger(), "command</arg_key><arg_value>cd", "{}")
	if name != "command" || args != "{}" {
		t.Fatalf("got (%q, %q)", name, args)
	}
}

func TestExtractFirstJSON(t *testing.T) {
	cases := []struct {
		input string
		want  string
		ok    bool
	}{
		{`{"key": "value"}`, `{"key": "value"}`, true},
		{`{"key": "value"} some extra text`, `{"key": "value"}`, true},
		{"not json at all", "", false},
	}
	for _, c := range cases {
		got, ok := extractFirstJSON(c.input)
		if ok != c.ok {
			t.Fatalf("extractFirstJSON(%q) ok=%v, want %v", c.input, ok, c.ok)
		}
		if ok && got != c.want {
			t.Fatalf("extractFirstJSON(%q) = %q, want %q", c.input, got, c.want)
		}
	}
}

func TestExtractFirstJSONNested(t *testing.T) {
	got, ok := extractFirstJSON(`{"outer": {"inner": "value"}}`)
	if !ok {
		t.Fatal("expected match")
	}
	var parsed map[string]map[string]string
	if err := json.Unmarshal([]byte(got), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed["outer"]["inner"] != "value" {
		t.Fatalf("got %v", parsed)
	}
}

func TestSanitizeXMLTags(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Some text <tool_call>content</tool_call> more text", "Some text  content  more text"},
		{"read_file<filepath>/workspace/docker-compose.yml</filepath></tool_call>", "read_file /workspace/docker-compose.yml"},
		{"Normal text without tags", "Normal text without tags"},
		{"Check if x < 5 and y > 3", "Check if x < 5 and y > 3"},
		{"Text <ToolCall>content</ToolCall> <COMMAND>ls</COMMAND>", "Text <ToolCall>content</ToolCall> <COMMAND>ls</COMMAND>"},
	}
	for _, c := range cases {
		if got := sanitizeXMLTags(c.in); got != c.want {
			t.Fatalf("sanitizeXMLTags(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLooksLikeToolCallText(t *testing.T) {
	positives := []string{
		"[Вызов инструментов: ytdlp_get_video_metadataurl...]",
		"[Tool calls: read_file]read_filepath...",
		"ytdlp_get_video_metadataurl...",
		"execute_command ls",
		"write_todos [...]",
	}
	for _, p := range positives {
		if !looksLikeToolCallText(p) {
			t.Errorf("expected %q to look like a tool call", p)
		}
	}

	negatives := []string{
		"This is a normal response with some information about the task.",
		"Вот результат выполнения задачи без вызова инструментов.",
	}
	for _, n := range negatives {
		if looksLikeToolCallText(n) {
			t.Errorf("expected %q to not look like a tool call", n)
		}
	}
}

func TestTryParseMalformedYtdlpGetVideoMetadata(t *testing.T) {
	input := "ytdlp_get_video_metadata<url>https://youtube.com/watch?v=xxx</url>"
	call, ok := tryParseMalformedToolCall(discardLogger(), input)
	if !ok {
		t.Fatal("expected a recovered call")
	}
	if call.Name != "ytdlp_get_video_metadata" {
		t.Fatalf("got name %q", call.Name)
	}
	if !call.IsRecovered {
		t.Fatal("expected IsRecovered=true")
	}
	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		t.Fatalf("invalid arguments: %v", err)
	}
	if args.URL != "https://youtube.com/watch?v=xxx" {
		t.Fatalf("got url %q", args.URL)
	}
}

func TestTryParseMalformedWithoutTags(t *testing.T) {
	input := "ytdlp_get_video_metadataurl https://youtube.com/watch?v=xxx"
	call, ok := tryParseMalformedToolCall(discardLogger(), input)
	if !ok || call.Name != "ytdlp_get_video_metadata" {
		t.Fatalf("got %v ok=%v", call, ok)
	}
}

func TestTryParseMalformedRejectsBracketArgument(t *testing.T) {
	_, ok := tryParseMalformedToolCall(discardLogger(), "execute_command]")
	if ok {
		t.Fatal("expected rejection of bracket-only argument")
	}
}

func TestIsValidArgument(t *testing.T) {
	invalid := []string{"]", "[", "}", "{", "", "a", "1", "][]", "]]]", "..."}
	for _, s := range invalid {
		if isValidArgument(s) {
			t.Errorf("expected %q to be invalid", s)
		}
	}
	valid := []string{"ls", "/path/to/file", "https://example.com", "git status"}
	for _, s := range valid {
		if !isValidArgument(s) {
			t.Errorf("expected %q to be valid", s)
		}
	}
}

func TestSanitizeLeakedXML(t *testing.T) {
	resp := "Done! <tool_call>extra</tool_call>"
	changed := sanitizeLeakedXML(discardLogger(), 3, &resp)
	if !changed {
		t.Fatal("expected XML to be detected and stripped")
	}
	if resp != "Done!  extra" {
		t.Fatalf("got %q", resp)
	}

	clean := "All good."
	if sanitizeLeakedXML(discardLogger(), 1, &clean) {
		t.Fatal("expected no change for clean text")
	}
}
