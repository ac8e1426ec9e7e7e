// Package agent implements the oxide agent runtime's executor loop: the
// think-act-observe cycle, malformed-response recovery, memory
// compaction, loop detection, and the session registry that guards
// concurrent access to per-user state.
package agent

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/oxideagent/runtime/pkg/models"
)

// xmlTagPattern matches opening and closing XML-like tags the model
// occasionally leaks into content instead of a structured tool call:
// <tool_call>, </tool_call>, <filepath>, <arg_key>, etc. Only lowercase
// tag names are matched deliberately — uppercase tags like <ToolCall> are
// left alone, since those don't appear in the leak patterns seen in
// practice and stripping them risks eating real markup-like text.
var xmlTagPattern = regexp.MustCompile(`</?[a-z_][a-z0-9_]*>`)

// sanitizeXMLTags strips leaked XML-like tags from text, collapsing each
// to a single space, then trims the result.
func sanitizeXMLTags(text string) string {
	return strings.TrimSpace(xmlTagPattern.ReplaceAllString(text, " "))
}

// ytdlpToolNames are the five media tools recovered from the original's
// malformed-call reconstruction table (SPEC_FULL.md §4.2).
var ytdlpToolNames = []string{
	"ytdlp_get_video_metadata",
	"ytdlp_download_transcript",
	"ytdlp_search_videos",
	"ytdlp_download_video",
	"ytdlp_download_audio",
}

// malformedCallToolNames is the full set of tool names recovery can
// reconstruct from leaked content, read in priority order.
var malformedCallToolNames = append([]string{
	"read_file",
	"write_file",
	"execute_command",
	"list_files",
	"send_file_to_user",
	"upload_file",
}, ytdlpToolNames...)

// toolCallLikeNames additionally includes web tools for the heuristic
// looksLikeToolCallText check, which only needs to decide "should recovery
// even attempt this" and doesn't need to reconstruct arguments for them.
var toolCallLikeNames = append(append([]string{}, malformedCallToolNames...), "web_search", "web_extract", "write_todos")

// sanitizeToolCall detects two malformed patterns where the model placed
// JSON arguments in the tool name field instead of the arguments field,
// and corrects both to a canonical write_todos call. Any other name that
// contains leaked XML is normalized to its first whitespace-separated
// token; names with no XML leak pass through unchanged.
func sanitizeToolCall(logger *slog.Logger, name, arguments string) (string, string) {
	xmlSanitized := sanitizeXMLTags(name)
	trimmed := strings.TrimSpace(xmlSanitized)

	// Pattern 1: name looks like `{"todos": [...]}`.
	if strings.HasPrefix(trimmed, "{") && strings.Contains(trimmed, `"todos"`) {
		logger.Warn("detected malformed tool call: JSON object in tool name field",
			"tool_name", name, "sanitized_name", xmlSanitized)

		jsonStr, ok := extractFirstJSON(trimmed)
		if !ok {
			logger.Warn("failed to extract JSON from malformed tool name")
			return name, arguments
		}

		var parsed map[string]any
		if err := json.Unmarshal([]byte(jsonStr), &parsed); err == nil {
			if _, hasTodos := parsed["todos"]; hasTodos {
				logger.Warn("correcting malformed tool call to write_todos with extracted arguments")
				return "write_todos", jsonStr
			}
		}
	}

	// Pattern 2: name looks like `todos [...]` or `write_todos [...]`.
	if (strings.Contains(trimmed, "todos") || strings.Contains(trimmed, "write_todos")) && strings.Contains(trimmed, "[") {
		if bracketPos := strings.Index(trimmed, "["); bracketPos >= 0 {
			baseName := strings.TrimSpace(trimmed[:bracketPos])
			jsonPart := strings.TrimSpace(trimmed[bracketPos:])

			if baseName == "todos" || baseName == "write_todos" {
				logger.Warn("detected malformed tool call: JSON array appended to tool name",
					"tool_name", name, "sanitized_name", xmlSanitized, "base_name", baseName)

				var arr []any
				if err := json.Unmarshal([]byte(jsonPart), &arr); err == nil {
					corrected, marshalErr := json.Marshal(map[string]any{"todos": arr})
					if marshalErr == nil {
						logger.Warn("correcting malformed tool call: extracted array and wrapped in proper structure")
						return "write_todos", string(corrected)
					}
				} else {
					logger.Warn("failed to parse JSON array from malformed tool name", "json_part", jsonPart)
				}
			}
		}
	}

	if xmlSanitized != name {
		return normalizeToolName(trimmed, name, logger), arguments
	}

	return name, arguments
}

// normalizeToolName keeps only the first whitespace-separated token of an
// XML-sanitized name, warning if extra tokens were discarded.
func normalizeToolName(sanitized, original string, logger *slog.Logger) string {
	tokens := strings.Fields(sanitized)
	if len(tokens) == 0 {
		logger.Warn("sanitized tool name is empty", "tool_name", original, "sanitized_name", sanitized)
		return ""
	}
	if len(tokens) > 1 {
		logger.Warn("sanitized tool name contained extra tokens; using first token",
			"tool_name", original, "sanitized_name", sanitized, "normalized_name", tokens[0])
	}
	return tokens[0]
}

// extractFirstJSON scans input for the first balanced, valid JSON object,
// tracking string/escape state so braces inside string literals don't
// throw off the depth count.
func extractFirstJSON(input string) (string, bool) {
	depth := 0
	start := -1
	inString := false
	escaped := false

	runes := []rune(input)
	for i, ch := range runes {
		switch {
		case ch == '{' && !inString:
			if start < 0 {
				start = i
			}
			depth++
		case ch == '}' && !inString:
			if depth == 1 && start >= 0 {
				candidate := strings.TrimSpace(string(runes[start : i+1]))
				var v any
				if json.Unmarshal([]byte(candidate), &v) == nil {
					return candidate, true
				}
			}
			depth--
			if depth == 0 {
				start = -1
			}
		case ch == '"' && !escaped:
			inString = !inString
		case ch == '\\' && inString:
			escaped = !escaped
		}
		if ch != '\\' {
			escaped = false
		}
	}

	return "", false
}

// sanitizeToolCalls applies sanitizeToolCall to each call in a slice,
// preserving ID and IsRecovered.
func sanitizeToolCalls(logger *slog.Logger, calls []models.ToolCall) []models.ToolCall {
	out := make([]models.ToolCall, len(calls))
	for i, c := range calls {
		name, args := sanitizeToolCall(logger, c.Name, string(c.Arguments))
		out[i] = models.ToolCall{ID: c.ID, Name: name, Arguments: json.RawMessage(args), IsRecovered: c.IsRecovered}
	}
	return out
}

// isValidArgument rejects garbage extractions like a lone "]" left behind
// by a truncated tag: an argument must be at least 2 characters and
// contain at least one alphanumeric rune.
func isValidArgument(arg string) bool {
	if len(arg) < 2 {
		return false
	}
	for _, r := range arg {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// tryParseMalformedToolCall scans leaked content for one of the known
// tool names and attempts to reconstruct a valid call from XML-tag
// values or a whitespace-delimited token following the name. Returns
// (nil, false) if no tool name is found or the extracted argument fails
// isValidArgument.
func tryParseMalformedToolCall(logger *slog.Logger, content string) (*models.ToolCall, bool) {
	for _, toolName := range malformedCallToolNames {
		if !strings.Contains(content, toolName) {
			continue
		}

		args, ok := extractMalformedToolArguments(toolName, content)
		if !ok {
			continue
		}

		return buildRecoveredToolCall(logger, toolName, args), true
	}

	return nil, false
}

func extractMalformedToolArguments(toolName, content string) (map[string]any, bool) {
	switch toolName {
	case "read_file":
		return extractReadFileArguments(content)
	case "write_file":
		return extractWriteFileArguments(content)
	case "execute_command":
		return extractExecuteCommandArguments(content)
	case "list_files":
		return extractListFilesArguments(content)
	case "send_file_to_user":
		return extractPathTagArguments(content)
	case "upload_file":
		return extractPathTagArguments(content)
	case "ytdlp_get_video_metadata", "ytdlp_download_transcript", "ytdlp_download_video", "ytdlp_download_audio":
		return extractYtdlpURLArguments(content, toolName)
	case "ytdlp_search_videos":
		return extractYtdlpSearchArguments(content)
	default:
		return nil, false
	}
}

func buildRecoveredToolCall(logger *slog.Logger, toolName string, args map[string]any) *models.ToolCall {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil
	}

	logger.Warn("recovered malformed tool call from content", "tool_name", toolName, "arguments", string(argsJSON))

	return &models.ToolCall{
		ID:          "recovered_" + uuid.NewString(),
		Name:        toolName,
		Arguments:   json.RawMessage(argsJSON),
		IsRecovered: true,
	}
}

// extractTagValue returns the text between <tag> and the next closing
// tag (or end of string), trimmed; empty results are treated as absent.
func extractTagValue(content, tag string) (string, bool) {
	open := "<" + tag + ">"
	idx := strings.Index(content, open)
	if idx < 0 {
		return "", false
	}
	after := content[idx+len(open):]
	end := strings.Index(after, "</")
	if end < 0 {
		end = len(after)
	}
	value := strings.TrimSpace(after[:end])
	if value == "" {
		return "", false
	}
	return value, true
}

// extractTokenAfterToolName reads the whitespace- or tag-delimited token
// immediately following an occurrence of toolName in content, optionally
// stripping a leading label word (e.g. "path", "command", "url", "query")
// first. Returns false if the token fails isValidArgument.
func extractTokenAfterToolName(content, toolName, optionalPrefix string) (string, bool) {
	idx := strings.Index(content, toolName)
	if idx < 0 {
		return "", false
	}
	after := strings.TrimLeft(content[idx+len(toolName):], " \t\r\n")
	if optionalPrefix != "" {
		if stripped, ok := strings.CutPrefix(after, optionalPrefix); ok {
			after = strings.TrimLeft(stripped, " \t\r\n")
		}
	}

	end := len(after)
	for i, ch := range after {
		if unicode.IsSpace(ch) || ch == '<' {
			end = i
			break
		}
	}
	token := strings.TrimSpace(after[:end])
	if token == "" || !isValidArgument(token) {
		return "", false
	}
	return token, true
}

func extractReadFileArguments(content string) (map[string]any, bool) {
	if path, ok := extractTagValue(content, "filepath"); ok {
		return map[string]any{"path": path}, true
	}
	if path, ok := extractTokenAfterToolName(content, "read_file", "path"); ok {
		return map[string]any{"path": path}, true
	}
	return nil, false
}

func extractWriteFileArguments(content string) (map[string]any, bool) {
	path, ok := extractTagValue(content, "filepath")
	if !ok {
		return nil, false
	}
	fileContent, _ := extractTagValue(content, "content")
	return map[string]any{"path": path, "content": fileContent}, true
}

func extractExecuteCommandArguments(content string) (map[string]any, bool) {
	if command, ok := extractTagValue(content, "command"); ok {
		return map[string]any{"command": command}, true
	}
	if command, ok := extractTokenAfterToolName(content, "execute_command", "command"); ok {
		return map[string]any{"command": command}, true
	}
	return nil, false
}

func extractListFilesArguments(content string) (map[string]any, bool) {
	path, _ := extractTagValue(content, "directory")
	return map[string]any{"path": path}, true
}

func extractPathTagArguments(content string) (map[string]any, bool) {
	if path, ok := extractTagValue(content, "filepath"); ok {
		return map[string]any{"path": path}, true
	}
	if path, ok := extractTagValue(content, "path"); ok {
		return map[string]any{"path": path}, true
	}
	return nil, false
}

func extractYtdlpURLArguments(content, toolName string) (map[string]any, bool) {
	if url, ok := extractTagValue(content, "url"); ok {
		return map[string]any{"url": url}, true
	}
	if url, ok := extractTokenAfterToolName(content, toolName, "url"); ok {
		return map[string]any{"url": url}, true
	}
	return nil, false
}

func extractYtdlpSearchArguments(content string) (map[string]any, bool) {
	if query, ok := extractTagValue(content, "query"); ok {
		return map[string]any{"query": query}, true
	}
	if query, ok := extractTokenAfterToolName(content, "ytdlp_search_videos", "query"); ok {
		return map[string]any{"query": query}, true
	}
	return nil, false
}

// looksLikeToolCallText reports whether text carries a signature of a
// failed tool-call attempt: an explicit "[Tool calls: ...]" marker (in
// English or the Russian phrasing seen from some model backends), or the
// bare appearance of a known tool name.
func looksLikeToolCallText(text string) bool {
	if strings.Contains(text, "[Tool call") || strings.Contains(text, "Tool calls:") {
		return true
	}
	if strings.Contains(text, "Вызов инструмент") {
		return true
	}
	for _, name := range toolCallLikeNames {
		if strings.Contains(text, name) {
			return true
		}
	}
	return false
}

// sanitizeLeakedXML strips XML-like tags from a finalized response,
// reporting whether anything was removed so the caller can log the
// iteration at which it happened.
func sanitizeLeakedXML(logger *slog.Logger, iteration int, finalResponse *string) bool {
	if !xmlTagPattern.MatchString(*finalResponse) {
		return false
	}

	originalLen := len(*finalResponse)
	logger.Warn("detected leaked XML syntax in final response, sanitizing output", "iteration", iteration)

	*finalResponse = sanitizeXMLTags(*finalResponse)

	logger.Debug("XML tags removed from response", "original_len", originalLen, "sanitized_len", len(*finalResponse))
	return true
}
