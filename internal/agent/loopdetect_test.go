package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/oxideagent/runtime/pkg/models"
)

func toolCall(name, argsJSON string) models.ToolCall {
	return models.ToolCall{ID: "id", Name: name, Arguments: json.RawMessage(argsJSON)}
}

func TestToolCallLoopDetectorFiresOnRepeats(t *testing.T) {
	cfg := DefaultLoopDetectionConfig()
	cfg.ToolCallThreshold = 3
	d := newToolCallLoopDetector(cfg)

	call := toolCall("read_file", `{"path":"/x"}`)
	if d.observe(call) {
		t.Fatal("should not fire on 1st call")
	}
	if d.observe(call) {
		t.Fatal("should not fire on 2nd call")
	}
	if !d.observe(call) {
		t.Fatal("should fire on 3rd identical call")
	}
}

func TestToolCallLoopDetectorIgnoresRecoveredCalls(t *testing.T) {
	d := newToolCallLoopDetector(DefaultLoopDetectionConfig())
	call := toolCall("read_file", `{"path":"/x"}`)
	call.IsRecovered = true
	for i := 0; i < 10; i++ {
		if d.observe(call) {
			t.Fatal("recovered calls must never trigger the loop signal")
		}
	}
}

func TestToolCallLoopDetectorCanonicalizesArgumentOrder(t *testing.T) {
	cfg := DefaultLoopDetectionConfig()
	cfg.ToolCallThreshold = 2
	d := newToolCallLoopDetector(cfg)

	d.observe(toolCall("write_file", `{"path":"/x","content":"a"}`))
	if !d.observe(toolCall("write_file", `{"content":"a","path":"/x"}`)) {
		t.Fatal("differently ordered keys for the same arguments should hash identically")
	}
}

func TestToolCallLoopDetectorAlternatingPattern(t *testing.T) {
	d := newToolCallLoopDetector(DefaultLoopDetectionConfig())
	a := toolCall("read_file", `{"path":"/a"}`)
	b := toolCall("read_file", `{"path":"/b"}`)

	seq := []models.ToolCall{a, b, a, b, a}
	for _, c := range seq {
		if d.observe(c) {
			t.Fatal("should not fire before the 6th alternating call")
		}
	}
	if !d.observe(b) {
		t.Fatal("expected alternating A,B,A,B,A,B pattern to fire")
	}
}

func TestContentLoopDetectorFiresOnRepeatedNormalizedContent(t *testing.T) {
	d := newContentLoopDetector(DefaultLoopDetectionConfig())
	if d.observe("The Answer Is   42") {
		t.Fatal("first observation should not fire")
	}
	if !d.observe("the answer is 42") {
		t.Fatal("expected normalized repeat to fire")
	}
}

func TestLLMLoopDetectorShouldCheckRespectsCheckAfter(t *testing.T) {
	cfg := DefaultLoopDetectionConfig()
	cfg.ScoutCheckAfterTurns = 10
	d := newLLMLoopDetector(nil, cfg, nil)

	if d.shouldCheck(1) {
		t.Fatal("should not check before check_after_turns")
	}
	if !d.shouldCheck(40) {
		t.Fatal("should check once past check_after_turns")
	}
}

type mockScout struct {
	responses []string
	i         int
}

func (m *mockScout) ChatCompletion(_ context.Context, _ string, _ []*models.Message, _, _ string) (string, error) {
	if m.i >= len(m.responses) {
		return `{"is_stuck":false,"confidence":0.0,"reasoning":""}`, nil
	}
	r := m.responses[m.i]
	m.i++
	return r, nil
}

func TestLLMLoopDetectorDetectsLoopWhenConfident(t *testing.T) {
	cfg := DefaultLoopDetectionConfig()
	client := &mockScout{responses: []string{`{"is_stuck":true,"confidence":0.95,"reasoning":"loop"}`}}
	d := newLLMLoopDetector(client, cfg, nil)

	history := []*models.Message{
		{Role: models.RoleUser, Content: "Task"},
		{Role: models.RoleAssistant, Content: "Working"},
	}
	if !d.check(context.Background(), history, 40) {
		t.Fatal("expected loop to be detected")
	}
}

func TestLLMLoopDetectorSkipsBeforeThreshold(t *testing.T) {
	cfg := DefaultLoopDetectionConfig()
	client := &mockScout{responses: []string{`{"is_stuck":true,"confidence":0.95,"reasoning":"loop"}`}}
	d := newLLMLoopDetector(client, cfg, nil)

	history := []*models.Message{{Role: models.RoleUser, Content: "Task"}}
	if d.check(context.Background(), history, 1) {
		t.Fatal("should not check before check_after_turns")
	}
}

func TestLLMLoopDetectorUpdateIntervalBounds(t *testing.T) {
	d := newLLMLoopDetector(nil, DefaultLoopDetectionConfig(), nil)

	d.updateInterval(1.0)
	if d.checkInterval != scoutMinInterval {
		t.Fatalf("expected min interval at full confidence, got %d", d.checkInterval)
	}

	d.updateInterval(0.0)
	if d.checkInterval != scoutMaxInterval {
		t.Fatalf("expected max interval at zero confidence, got %d", d.checkInterval)
	}
}
