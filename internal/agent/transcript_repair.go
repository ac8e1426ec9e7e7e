package agent

import "github.com/oxideagent/runtime/pkg/models"

// repairTranscript drops orphaned tool-result messages (no matching
// ToolCallID in the immediately preceding assistant turn) before handing
// history to the provider. Providers reject a tool message with no
// matching tool_use block, so a history corrupted by a crash mid-turn or
// by compaction cutting a turn in half must be patched before the next
// model call.
func repairTranscript(history []*models.Message) []*models.Message {
	if len(history) == 0 {
		return history
	}

	pending := make(map[string]struct{})
	repaired := make([]*models.Message, 0, len(history))

	for _, msg := range history {
		if msg == nil {
			continue
		}

		switch msg.Role {
		case models.RoleAssistant:
			pending = make(map[string]struct{}, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				if call.ID != "" {
					pending[call.ID] = struct{}{}
				}
			}
			repaired = append(repaired, msg)
		case models.RoleTool:
			if _, ok := pending[msg.ToolCallID]; !ok {
				continue
			}
			delete(pending, msg.ToolCallID)
			repaired = append(repaired, msg)
		default:
			repaired = append(repaired, msg)
		}
	}

	return repaired
}

// prepareHistory trims a history slice the way the loop detector's scout
// call does before sending it to the LLM-based check (SPEC_FULL.md §4.5):
// drop a trailing assistant message that issued tool calls with no
// recorded result yet, and drop any leading tool-result messages that
// have lost their assistant turn to a preceding cut.
func prepareHistory(history []*models.Message) []*models.Message {
	trimmed := history

	for len(trimmed) > 0 {
		last := trimmed[len(trimmed)-1]
		if last != nil && last.Role == models.RoleAssistant && len(last.ToolCalls) > 0 {
			trimmed = trimmed[:len(trimmed)-1]
			continue
		}
		break
	}

	start := 0
	for start < len(trimmed) && trimmed[start] != nil && trimmed[start].Role == models.RoleTool {
		start++
	}

	return trimmed[start:]
}
