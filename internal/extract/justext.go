package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Paragraph classifier in the spirit of jusText. Blocks with enough
// words and low link density count as body text; short framing blocks
// and link lists are boilerplate. It asks nothing of the markup beyond
// block elements, which makes it the cascade's last resort for pages
// the structural extractors cannot handle.
const (
	justextMinWords       = 12
	justextMaxLinkDensity = 0.35
)

func runJustext(html []byte) (*Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("justext: parse: %w", err)
	}
	doc.Find("script, style, noscript, template, nav, header, footer, aside, form").Remove()

	title := normalizeSpace(doc.Find("title").First().Text())
	if title == "" {
		title = normalizeSpace(doc.Find("h1").First().Text())
	}

	var parts []string
	doc.Find("p, li, blockquote, td").Each(func(_ int, s *goquery.Selection) {
		text := normalizeSpace(s.Text())
		if len(strings.Fields(text)) < justextMinWords {
			return
		}
		linked := 0
		s.Find("a").Each(func(_ int, a *goquery.Selection) {
			linked += len(normalizeSpace(a.Text()))
		})
		if float64(linked)/float64(len(text)) > justextMaxLinkDensity {
			return
		}
		parts = append(parts, text)
	})

	text := strings.Join(parts, "\n\n")
	return &Extraction{
		Extractor:  ExtractorJustext,
		Title:      title,
		Text:       text,
		Confidence: scoreExtraction(text, title, len(html)),
	}, nil
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
