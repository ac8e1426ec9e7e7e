package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newTestMetrics builds a Metrics wired to a throwaway registry instead of
// the default one, so multiple tests in this file don't collide over
// already-registered collector names.
func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	reg := prometheus.NewRegistry()
	return newMetrics(promauto.With(reg))
}

func TestNewMetrics(t *testing.T) {
	m := newTestMetrics(t)
	if m.TaskCounter == nil || m.LLMRequestCounter == nil || m.ActiveSessions == nil {
		t.Fatal("NewMetrics produced a Metrics with nil collectors")
	}
}

func TestTaskReceivedAndCompleted(t *testing.T) {
	m := newTestMetrics(t)

	m.TaskReceived()
	m.TaskReceived()
	m.TaskCompleted("completed")
	m.TaskCompleted("error")

	if count := testutil.CollectAndCount(m.TaskCounter); count != 3 {
		t.Errorf("expected 3 label combinations (submitted, completed, error), got %d", count)
	}
	expected := `
		# HELP agentd_tasks_total Total number of tasks submitted to the daemon by outcome
		# TYPE agentd_tasks_total counter
		agentd_tasks_total{outcome="completed"} 1
		agentd_tasks_total{outcome="error"} 1
		agentd_tasks_total{outcome="submitted"} 2
	`
	if err := testutil.CollectAndCompare(m.TaskCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordLLMRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLLMRequest("anthropic", "claude-3-opus", "success", 0.5, 100, 50)
	m.RecordLLMRequest("openai", "gpt-4", "success", 0.3, 80, 40)
	m.RecordLLMRequest("anthropic", "claude-3-opus", "error", 0.1, 0, 0)

	if count := testutil.CollectAndCount(m.LLMRequestCounter); count != 3 {
		t.Errorf("expected 3 label combinations, got %d", count)
	}
	if count := testutil.CollectAndCount(m.LLMTokensUsed); count < 2 {
		t.Errorf("expected token usage recorded for the two successful calls, got %d series", count)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordToolExecution("web_search", "success", 0.2)
	m.RecordToolExecution("web_search", "success", 0.3)
	m.RecordToolExecution("execute_command", "error", 1.5)

	if count := testutil.CollectAndCount(m.ToolExecutionCounter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestRecordError(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordError("agent", "timeout")
	m.RecordError("agent", "timeout")
	m.RecordError("tool", "execution_failed")

	if count := testutil.CollectAndCount(m.ErrorCounter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestSessionLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded(300.0)

	if v := testutil.ToFloat64(m.ActiveSessions); v != 2 {
		t.Errorf("expected ActiveSessions gauge at 2 after two starts, got %v", v)
	}
	if count := testutil.CollectAndCount(m.SessionDuration); count < 1 {
		t.Error("expected session duration histogram to have an observation")
	}
}

func TestRecordSessionStuck(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordSessionStuck()
	m.RecordSessionStuck()

	if v := testutil.ToFloat64(m.SessionStuck); v != 2 {
		t.Errorf("expected SessionStuck counter at 2, got %v", v)
	}
}

func TestRecordRunAttempt(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRunAttempt("success")
	m.RecordRunAttempt("success")
	m.RecordRunAttempt("failed")

	if count := testutil.CollectAndCount(m.RunAttempts); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestRecordDatabaseQuery(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordDatabaseQuery("get", "blobs", "success", 0.01)
	m.RecordDatabaseQuery("put", "blobs", "success", 0.02)
	m.RecordDatabaseQuery("get", "blobs", "error", 0.05)

	if count := testutil.CollectAndCount(m.DatabaseQueryCounter); count != 3 {
		t.Errorf("expected 3 label combinations, got %d", count)
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordHTTPRequest("POST", "/v1/sessions/cancel", "200", 0.01)
	m.RecordHTTPRequest("GET", "/healthz", "200", 0.001)

	if count := testutil.CollectAndCount(m.HTTPRequestCounter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}
