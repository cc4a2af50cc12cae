package export

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-pdf/fpdf"
)

var (
	tagBreaks = regexp.MustCompile(`(?i)<(br\s*/?|/p|/div|/h[1-6]|/li|/tr)>`)
	tags      = regexp.MustCompile(`<[^>]*>`)
	blanks    = regexp.MustCompile(`\n{3,}`)
)

// htmlToText flattens narrative HTML into paragraph text for the PDF body.
func htmlToText(html string) string {
	text := tagBreaks.ReplaceAllString(html, "\n")
	text = tags.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&#39;", "'")
	text = strings.ReplaceAll(text, "&#34;", `"`)
	text = strings.ReplaceAll(text, "&quot;", `"`)
	text = blanks.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// WritePDF renders a narrative document with a title header.
func WritePDF(title, bodyHTML string) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(18, 20, 18)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 15)
	pdf.MultiCell(0, 8, title, "", "L", false)
	pdf.Ln(3)

	pdf.SetFont("Helvetica", "", 11)
	for _, paragraph := range strings.Split(htmlToText(bodyHTML), "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		pdf.MultiCell(0, 5.5, paragraph, "", "L", false)
		pdf.Ln(2.5)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render PDF: %w", err)
	}
	return buf.Bytes(), nil
}
