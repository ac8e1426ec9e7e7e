package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oxideagent/runtime/pkg/models"
)

// Adaptive scout-interval bounds and timeout, pinned from
// original_source/src/agent/loop_detection/llm_detector.rs (SPEC_FULL.md
// "Loop-detector scout bounds").
const (
	scoutMinInterval     = 3
	scoutMaxInterval     = 15
	scoutDefaultInterval = 5
	scoutTimeout         = 30 * time.Second
)

const scoutSystemPrompt = `You are an AI diagnostic agent. Analyze the conversation for ` +
	`unproductive loops (repetitive actions, cognitive loops, or alternating patterns). ` +
	`Differentiate legitimate incremental progress from looping. Respond ONLY with JSON.`

const scoutUserPrompt = `Return JSON:
{
  "is_stuck": bool,
  "confidence": 0.0-1.0,
  "reasoning": "short explanation"
}`

// LoopDetectionConfig tunes all three signals. DefaultLoopDetectionConfig
// mirrors the Rust original's defaults; sanitizeLoopDetectionConfig clamps
// the scout interval into [scoutMinInterval, scoutMaxInterval].
type LoopDetectionConfig struct {
	ToolCallWindow       int     // sliding window size for the tool-call signal
	ToolCallThreshold    int     // same-hash repeats before firing
	ContentWindow        int     // sliding window size for the content signal
	ScoutCheckAfterTurns int     // iteration (1-indexed) the first scout call may fire
	ScoutCheckInterval   int     // initial turns between scout calls
	ScoutHistoryCount    int     // max messages sent to the scout model
	ScoutConfidence      float64 // is_stuck confidence required to fire
	ScoutModel           string
}

// DefaultLoopDetectionConfig returns the runtime's defaults.
func DefaultLoopDetectionConfig() LoopDetectionConfig {
	return LoopDetectionConfig{
		ToolCallWindow:       6,
		ToolCallThreshold:    3,
		ContentWindow:        4,
		ScoutCheckAfterTurns: 10,
		ScoutCheckInterval:   scoutDefaultInterval,
		ScoutHistoryCount:    20,
		ScoutConfidence:      0.8,
		ScoutModel:           "",
	}
}

func sanitizeLoopDetectionConfig(cfg LoopDetectionConfig) LoopDetectionConfig {
	if cfg.ToolCallWindow <= 0 {
		cfg.ToolCallWindow = DefaultLoopDetectionConfig().ToolCallWindow
	}
	if cfg.ToolCallThreshold <= 0 {
		cfg.ToolCallThreshold = DefaultLoopDetectionConfig().ToolCallThreshold
	}
	if cfg.ContentWindow <= 0 {
		cfg.ContentWindow = DefaultLoopDetectionConfig().ContentWindow
	}
	if cfg.ScoutCheckInterval < scoutMinInterval {
		cfg.ScoutCheckInterval = scoutMinInterval
	}
	if cfg.ScoutConfidence <= 0 {
		cfg.ScoutConfidence = DefaultLoopDetectionConfig().ScoutConfidence
	}
	return cfg
}

// toolCallSignature hashes a tool name with its canonicalized (key-sorted)
// JSON arguments, so semantically identical calls with differently
// ordered keys collapse to the same hash.
func toolCallSignature(name string, arguments json.RawMessage) string {
	canonical := canonicalizeJSON(arguments)
	h := sha256.Sum256([]byte(name + "\x00" + canonical))
	return hex.EncodeToString(h[:])
}

func canonicalizeJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	canonical, err := json.Marshal(sortKeys(v))
	if err != nil {
		return string(raw)
	}
	return string(canonical)
}

// sortKeys recursively rebuilds maps using a sorted-key-ordered structure
// so json.Marshal emits keys in a stable order (Go's map iteration order
// is randomized, but encoding/json already sorts map[string]any keys on
// marshal — this walks nested maps/slices to normalize them too).
func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = sortKeys(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return t
	}
}

// toolCallLoopDetector implements the tool-call-repetition signal
// (SPEC_FULL §4.5): fires when a sliding window of the last N non-
// recovered call signatures contains the same signature ≥ threshold
// times, or shows a short A,B,A,B,A,B alternating pattern.
type toolCallLoopDetector struct {
	window    []string
	maxWindow int
	threshold int
}

func newToolCallLoopDetector(cfg LoopDetectionConfig) *toolCallLoopDetector {
	return &toolCallLoopDetector{maxWindow: cfg.ToolCallWindow, threshold: cfg.ToolCallThreshold}
}

func (d *toolCallLoopDetector) reset() {
	d.window = d.window[:0]
}

// observe records one call and reports whether a loop is detected.
// Recovered calls never enter the window at all.
func (d *toolCallLoopDetector) observe(call models.ToolCall) bool {
	if call.IsRecovered {
		return false
	}

	sig := toolCallSignature(call.Name, call.Arguments)
	d.window = append(d.window, sig)
	if len(d.window) > d.maxWindow {
		d.window = d.window[len(d.window)-d.maxWindow:]
	}

	if d.countRepeats(sig) >= d.threshold {
		return true
	}
	return d.hasAlternatingPattern()
}

func (d *toolCallLoopDetector) countRepeats(sig string) int {
	n := 0
	for _, s := range d.window {
		if s == sig {
			n++
		}
	}
	return n
}

// hasAlternatingPattern reports whether the last 6 entries form
// A,B,A,B,A,B with A != B.
func (d *toolCallLoopDetector) hasAlternatingPattern() bool {
	n := len(d.window)
	if n < 6 {
		return false
	}
	tail := d.window[n-6:]
	a, b := tail[0], tail[1]
	if a == b {
		return false
	}
	for i, s := range tail {
		want := a
		if i%2 == 1 {
			want = b
		}
		if s != want {
			return false
		}
	}
	return true
}

// contentLoopDetector implements the final-answer content-repetition
// signal: fires when normalized content repeats within a window.
type contentLoopDetector struct {
	window    []string
	maxWindow int
}

func newContentLoopDetector(cfg LoopDetectionConfig) *contentLoopDetector {
	return &contentLoopDetector{maxWindow: cfg.ContentWindow}
}

func (d *contentLoopDetector) reset() {
	d.window = d.window[:0]
}

func (d *contentLoopDetector) observe(content string) bool {
	norm := normalizeContent(content)
	if norm == "" {
		return false
	}

	for _, prior := range d.window {
		if prior == norm {
			return true
		}
	}

	d.window = append(d.window, norm)
	if len(d.window) > d.maxWindow {
		d.window = d.window[len(d.window)-d.maxWindow:]
	}
	return false
}

func normalizeContent(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// ScoutClient is the minimal LLM contract the scout check needs: a single
// chat completion call against a (typically cheaper/faster) model.
type ScoutClient interface {
	ChatCompletion(ctx context.Context, systemPrompt string, history []*models.Message, userMessage, modelName string) (string, error)
}

type scoutResponse struct {
	IsStuck    bool    `json:"is_stuck"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// llmLoopDetector is the periodic self-assessment signal: every
// check_interval turns (adaptively resized within
// [scoutMinInterval, scoutMaxInterval]) it asks a lightweight scout model
// whether the conversation looks stuck.
type llmLoopDetector struct {
	client        ScoutClient
	checkAfter    int
	checkInterval int
	lastCheckTurn int
	confidence    float64
	historyCount  int
	scoutModel    string
	logger        *slog.Logger
}

func newLLMLoopDetector(client ScoutClient, cfg LoopDetectionConfig, logger *slog.Logger) *llmLoopDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &llmLoopDetector{
		client:        client,
		checkAfter:    cfg.ScoutCheckAfterTurns,
		checkInterval: max(cfg.ScoutCheckInterval, scoutMinInterval),
		confidence:    cfg.ScoutConfidence,
		historyCount:  cfg.ScoutHistoryCount,
		scoutModel:    cfg.ScoutModel,
		logger:        logger,
	}
}

func (d *llmLoopDetector) reset(cfg LoopDetectionConfig) {
	d.checkAfter = cfg.ScoutCheckAfterTurns
	d.checkInterval = max(cfg.ScoutCheckInterval, scoutMinInterval)
	d.lastCheckTurn = 0
	d.confidence = cfg.ScoutConfidence
	d.historyCount = cfg.ScoutHistoryCount
	d.scoutModel = cfg.ScoutModel
}

// shouldCheck reports whether a scout call is due at this iteration.
// iteration is 0-indexed; turn is iteration+1.
func (d *llmLoopDetector) shouldCheck(iteration int) bool {
	turn := iteration + 1
	if turn < d.checkAfter {
		return false
	}
	if d.lastCheckTurn == 0 {
		return true
	}
	return turn-d.lastCheckTurn >= d.checkInterval
}

// check runs the scout call if due, returning whether a loop was
// detected. A scout failure or timeout is logged and treated as "no loop"
// rather than failing the task — the scout is advisory, never load-bearing.
func (d *llmLoopDetector) check(ctx context.Context, history []*models.Message, iteration int) bool {
	if d.client == nil || !d.shouldCheck(iteration) {
		return false
	}

	turn := iteration + 1
	d.lastCheckTurn = turn

	prepared := d.prepareHistory(history)
	if len(prepared) == 0 {
		return false
	}

	d.logger.Debug("LLM loop check triggered", "iteration", iteration, "interval", d.checkInterval, "history_size", len(prepared))

	ctx, cancel := context.WithTimeout(ctx, scoutTimeout)
	defer cancel()

	raw, err := d.client.ChatCompletion(ctx, scoutSystemPrompt, prepared, scoutUserPrompt, d.scoutModel)
	if err != nil {
		d.logger.Warn("LLM loop check failed", "error", err)
		return false
	}

	resp, ok := parseScoutResponse(raw)
	if !ok {
		d.logger.Warn("LLM loop check returned non-JSON response", "response", raw)
		return false
	}

	d.logger.Debug("LLM loop check response", "confidence", resp.Confidence, "is_stuck", resp.IsStuck, "reasoning", resp.Reasoning)
	d.updateInterval(resp.Confidence)

	return resp.IsStuck && resp.Confidence >= d.confidence
}

// updateInterval implements the adaptive formula
// MIN + (MAX-MIN)*(1-confidence): more frequent checks when the scout is
// unsure, spaced-out checks when it's confident nothing is wrong. Kept
// exactly as the original defines it (SPEC_FULL.md Open Question #2).
func (d *llmLoopDetector) updateInterval(confidence float64) {
	bounded := confidence
	if bounded < 0 {
		bounded = 0
	}
	if bounded > 1 {
		bounded = 1
	}
	interval := scoutMinInterval + (scoutMaxInterval-scoutMinInterval)*(1-bounded)
	rounded := int(interval + 0.5)
	if rounded < scoutMinInterval {
		rounded = scoutMinInterval
	}
	if rounded > scoutMaxInterval {
		rounded = scoutMaxInterval
	}
	d.checkInterval = rounded
}

// prepareHistory trims a window of the most recent messages, then drops
// a trailing assistant tool-call turn with no response yet and any
// leading orphaned tool messages — exactly prepare_history in the
// original (SPEC_FULL.md "Loop-detector scout bounds").
func (d *llmLoopDetector) prepareHistory(history []*models.Message) []*models.Message {
	messages := history
	if len(messages) > d.historyCount {
		messages = messages[len(messages)-d.historyCount:]
	}
	return prepareHistory(messages)
}

func parseScoutResponse(raw string) (scoutResponse, bool) {
	var resp scoutResponse
	if err := json.Unmarshal([]byte(raw), &resp); err == nil {
		return resp, true
	}

	jsonStr, ok := extractFirstJSON(raw)
	if !ok {
		return scoutResponse{}, false
	}
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return scoutResponse{}, false
	}
	return resp, true
}

// LoopDetector bundles all three signals behind the contract the
// executor loop consumes each iteration.
type LoopDetector struct {
	cfg       LoopDetectionConfig
	toolCalls *toolCallLoopDetector
	content   *contentLoopDetector
	scout     *llmLoopDetector
}

// NewLoopDetector builds a detector; scout may be nil to disable the LLM
// self-assessment signal entirely (e.g. when no scout model is configured).
func NewLoopDetector(cfg LoopDetectionConfig, scout ScoutClient, logger *slog.Logger) *LoopDetector {
	cfg = sanitizeLoopDetectionConfig(cfg)
	return &LoopDetector{
		cfg:       cfg,
		toolCalls: newToolCallLoopDetector(cfg),
		content:   newContentLoopDetector(cfg),
		scout:     newLLMLoopDetector(scout, cfg, logger),
	}
}

// Reset clears all three signals' internal state; called at the start of
// every new task (SPEC_FULL.md §4.6 Entry).
func (l *LoopDetector) Reset() {
	l.toolCalls.reset()
	l.content.reset()
	l.scout.reset(l.cfg)
}

// ObserveToolCall feeds one dispatched call into the tool-call signal.
// Recovered calls are excluded from the tool-call window and also reset
// the content-repetition signal, so a burst of recovered calls can't trip
// the content-loop check it was meant to suppress (spec.md §4.6).
func (l *LoopDetector) ObserveToolCall(call models.ToolCall) bool {
	if call.IsRecovered {
		l.content.reset()
	}
	return l.toolCalls.observe(call)
}

// ObserveFinalAnswer feeds a final-answer attempt into the content signal.
func (l *LoopDetector) ObserveFinalAnswer(content string) bool {
	return l.content.observe(content)
}

// CheckScout runs the periodic LLM self-assessment if due.
func (l *LoopDetector) CheckScout(ctx context.Context, history []*models.Message, iteration int) bool {
	return l.scout.check(ctx, history, iteration)
}
