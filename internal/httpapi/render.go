package httpapi

import (
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const reportCSS = `body{font-family:-apple-system,'Segoe UI',Roboto,Helvetica,Arial,sans-serif;` +
	`max-width:900px;margin:0 auto;padding:1.5rem;color:#1c1917;line-height:1.5;}` +
	`h1{border-bottom:2px solid #a8a29e;padding-bottom:0.3rem;}` +
	`table{width:100%;border-collapse:collapse;font-size:0.85rem;}` +
	`th,td{border:1px solid #a8a29e;padding:0.35rem 0.45rem;text-align:left;vertical-align:top;}` +
	`thead th{background:#f1f5f9;font-weight:700;}` +
	`pre{background:#f9f7f3;border:1px solid #e7e5e4;padding:0.6rem;overflow-x:auto;font-size:0.8rem;}`

// renderReportHTML converts the stored report markdown to a standalone
// HTML page. GFM is needed for the comparables table.
func renderReportHTML(title, markdown string) (string, error) {
	var content strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(markdown), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	return "<!doctype html><html><head><meta charset='utf-8'><title>" + html.EscapeString(title) + "</title>" +
		"<style>" + reportCSS + "</style></head><body>" +
		content.String() +
		"</body></html>", nil
}
