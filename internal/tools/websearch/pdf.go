package websearch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/oxideagent/runtime/internal/agent"
)

const pdfExportTimeout = 30 * time.Second

// PDFExportTool renders a URL with headless Chrome and exports it as a PDF,
// covering the "PDF export" web tool named in spec.md §4.2. The rendered
// bytes are base64-encoded into the tool result per §4.2's "results are
// always strings" contract.
type PDFExportTool struct{}

func NewPDFExportTool() *PDFExportTool { return &PDFExportTool{} }

func (t *PDFExportTool) Name() string { return "web_export_pdf" }
func (t *PDFExportTool) Description() string {
	return "Render a URL in a headless browser and export it as a PDF, returned base64-encoded."
}
func (t *PDFExportTool) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"url"},
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "description": "URL to render (http/https only)"},
		},
	}
}

func (t *PDFExportTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return &agent.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	if err := validateURLForSSRF(in.URL); err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	pdfCtx, cancel := context.WithTimeout(ctx, pdfExportTimeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(pdfCtx, chromedp.DefaultExecAllocatorOptions[:]...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var pdfBytes []byte
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(in.URL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			if err != nil {
				return err
			}
			pdfBytes = buf
			return nil
		}),
	)
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("pdf export failed: %v", err), IsError: true}, nil
	}

	return &agent.ToolResult{Content: base64.StdEncoding.EncodeToString(pdfBytes)}, nil
}
