package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/oxideagent/runtime/internal/agent"
)

const crawlTimeout = 30 * time.Second

// CrawlTool renders a URL with a headless Chrome instance (via chromedp)
// and returns the rendered page's readable text, covering the "crawl"
// web tool named in spec.md §4.2 for pages that require JS execution —
// the plain WebFetchTool only fetches static HTML.
type CrawlTool struct {
	extractor *ContentExtractor
}

// NewCrawlTool constructs a CrawlTool.
func NewCrawlTool() *CrawlTool {
	return &CrawlTool{extractor: NewContentExtractor()}
}

func (t *CrawlTool) Name() string { return "web_crawl" }
func (t *CrawlTool) Description() string {
	return "Render a URL in a headless browser and extract its readable text, for pages that require JavaScript to populate content."
}
func (t *CrawlTool) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"url"},
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "description": "URL to render (http/https only)"},
			"wait_selector": map[string]any{
				"type":        "string",
				"description": "optional CSS selector to wait for before extracting content",
			},
		},
	}
}

func (t *CrawlTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		URL          string `json:"url"`
		WaitSelector string `json:"wait_selector"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	if err := validateURLForSSRF(in.URL); err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	crawlCtx, cancel := context.WithTimeout(ctx, crawlTimeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(crawlCtx, chromedp.DefaultExecAllocatorOptions[:]...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	actions := []chromedp.Action{chromedp.Navigate(in.URL)}
	if in.WaitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(in.WaitSelector, chromedp.ByQuery))
	}
	var html string
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(browserCtx, actions...); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("crawl failed: %v", err), IsError: true}, nil
	}

	content := t.extractor.extractReadableContent(html)
	return &agent.ToolResult{Content: content}, nil
}
