package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
	trafilatura "github.com/markusmobius/go-trafilatura"
)

func runTrafilatura(u *url.URL, html []byte) (*Extraction, error) {
	result, err := trafilatura.Extract(bytes.NewReader(html), trafilatura.Options{
		OriginalURL: u,
	})
	if err != nil {
		return nil, fmt.Errorf("trafilatura: %w", err)
	}
	text := strings.TrimSpace(result.ContentText)
	md := result.Metadata
	title := strings.TrimSpace(md.Title)
	ext := &Extraction{
		Extractor:  ExtractorTrafilatura,
		Title:      title,
		Text:       text,
		Confidence: scoreExtraction(text, title, len(html)),
		Metadata: Metadata{
			PublicationDate: md.Date,
			CanonicalURL:    md.URL,
			Tags:            md.Tags,
			SiteName:        md.Sitename,
			Description:     md.Description,
			Authors:         splitAuthors(md.Author),
		},
	}
	if len(md.Categories) > 0 {
		ext.Metadata.Section = md.Categories[0]
	}
	return ext, nil
}

func runReadability(u *url.URL, html []byte) (*Extraction, error) {
	article, err := readability.FromReader(bytes.NewReader(html), u)
	if err != nil {
		return nil, fmt.Errorf("readability: %w", err)
	}
	text := strings.TrimSpace(article.TextContent)
	title := strings.TrimSpace(article.Title)
	ext := &Extraction{
		Extractor:  ExtractorReadability,
		Title:      title,
		Text:       text,
		Confidence: scoreExtraction(text, title, len(html)),
		Metadata: Metadata{
			SiteName:    article.SiteName,
			Description: article.Excerpt,
			Authors:     splitAuthors(article.Byline),
		},
	}
	if article.PublishedTime != nil {
		ext.Metadata.PublicationDate = *article.PublishedTime
	}
	return ext, nil
}

// splitAuthors breaks a byline into individual names. Both extractors
// report multiple authors in one string separated by semicolons or
// commas.
func splitAuthors(byline string) []string {
	byline = strings.TrimSpace(byline)
	if byline == "" {
		return nil
	}
	sep := ";"
	if !strings.Contains(byline, ";") {
		sep = ","
	}
	var out []string
	for _, part := range strings.Split(byline, sep) {
		part = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(part), "By "))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
