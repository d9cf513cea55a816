package extract

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Metadata is the structured description of an article, assembled from
// JSON-LD, microdata, and meta tags in that order of trust, with the
// winning extractor filling any remaining gaps.
type Metadata struct {
	PublicationDate time.Time
	Authors         []string
	CanonicalURL    string
	Section         string
	Tags            []string
	Description     string
	SiteName        string

	// headline backs the extraction title when no extractor finds one.
	headline string
}

// mergeMetadata overlays primary on fallback field by field. Zero
// fields in primary take the fallback's value.
func mergeMetadata(primary, fallback Metadata) Metadata {
	out := primary
	if out.PublicationDate.IsZero() {
		out.PublicationDate = fallback.PublicationDate
	}
	if len(out.Authors) == 0 {
		out.Authors = fallback.Authors
	}
	if out.CanonicalURL == "" {
		out.CanonicalURL = fallback.CanonicalURL
	}
	if out.Section == "" {
		out.Section = fallback.Section
	}
	if len(out.Tags) == 0 {
		out.Tags = fallback.Tags
	}
	if out.Description == "" {
		out.Description = fallback.Description
	}
	if out.SiteName == "" {
		out.SiteName = fallback.SiteName
	}
	if out.headline == "" {
		out.headline = fallback.headline
	}
	return out
}

// parseMetadata reads structured metadata out of the raw page. It never
// fails: unparseable markup yields an empty Metadata and the cascade
// falls back to extractor-reported fields.
func parseMetadata(html []byte) Metadata {
	var md Metadata
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return md
	}
	fillJSONLD(doc, &md)
	fillMicrodata(doc, &md)
	fillMetaTags(doc, &md)
	// The canonical link is authoritative regardless of what the
	// structured blocks claim.
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		if href = strings.TrimSpace(href); href != "" {
			md.CanonicalURL = href
		}
	}
	return md
}

var articleTypes = map[string]bool{
	"Article":               true,
	"NewsArticle":           true,
	"ReportageNewsArticle":  true,
	"AnalysisNewsArticle":   true,
	"OpinionNewsArticle":    true,
	"BackgroundNewsArticle": true,
	"BlogPosting":           true,
}

func fillJSONLD(doc *goquery.Document, md *Metadata) {
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var payload any
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return
		}
		walkJSONLD(payload, md)
	})
}

// walkJSONLD descends through arrays and @graph wrappers looking for
// article nodes.
func walkJSONLD(v any, md *Metadata) {
	switch node := v.(type) {
	case []any:
		for _, item := range node {
			walkJSONLD(item, md)
		}
	case map[string]any:
		if graph, ok := node["@graph"]; ok {
			walkJSONLD(graph, md)
		}
		if isArticleNode(node["@type"]) {
			fillArticleNode(node, md)
		}
	}
}

func isArticleNode(t any) bool {
	switch typ := t.(type) {
	case string:
		return articleTypes[typ]
	case []any:
		for _, item := range typ {
			if s, ok := item.(string); ok && articleTypes[s] {
				return true
			}
		}
	}
	return false
}

func fillArticleNode(node map[string]any, md *Metadata) {
	setString(&md.headline, jsonString(node["headline"]))
	if md.PublicationDate.IsZero() {
		if t, ok := parseDate(jsonString(node["datePublished"])); ok {
			md.PublicationDate = t
		}
	}
	if len(md.Authors) == 0 {
		md.Authors = jsonAuthors(node["author"])
	}
	setString(&md.Section, jsonString(node["articleSection"]))
	if len(md.Tags) == 0 {
		md.Tags = jsonKeywords(node["keywords"])
	}
	setString(&md.Description, jsonString(node["description"]))
	setString(&md.CanonicalURL, jsonString(node["url"]))
	if pub, ok := node["publisher"].(map[string]any); ok {
		setString(&md.SiteName, jsonString(pub["name"]))
	}
}

// jsonString flattens the shapes JSON-LD publishers use for a scalar
// field: a plain string, or the first string of an array.
func jsonString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case []any:
		for _, item := range val {
			if s := jsonString(item); s != "" {
				return s
			}
		}
	}
	return ""
}

func jsonAuthors(v any) []string {
	var out []string
	switch val := v.(type) {
	case string:
		out = splitAuthors(val)
	case map[string]any:
		if name := jsonString(val["name"]); name != "" {
			out = append(out, name)
		}
	case []any:
		for _, item := range val {
			out = append(out, jsonAuthors(item)...)
		}
	}
	return out
}

func jsonKeywords(v any) []string {
	switch val := v.(type) {
	case string:
		var out []string
		for _, kw := range strings.Split(val, ",") {
			if kw = strings.TrimSpace(kw); kw != "" {
				out = append(out, kw)
			}
		}
		return out
	case []any:
		var out []string
		for _, item := range val {
			if s := jsonString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func fillMicrodata(doc *goquery.Document, md *Metadata) {
	if md.PublicationDate.IsZero() {
		if t, ok := parseDate(microdataValue(doc.Find(`[itemprop="datePublished"]`).First())); ok {
			md.PublicationDate = t
		}
	}
	if len(md.Authors) == 0 {
		doc.Find(`[itemprop="author"]`).Each(func(_ int, s *goquery.Selection) {
			name := normalizeSpace(s.Find(`[itemprop="name"]`).First().Text())
			if name == "" {
				name = microdataValue(s)
			}
			if name != "" {
				md.Authors = append(md.Authors, name)
			}
		})
	}
	setString(&md.Section, microdataValue(doc.Find(`[itemprop="articleSection"]`).First()))
	if len(md.Tags) == 0 {
		md.Tags = jsonKeywords(microdataValue(doc.Find(`[itemprop="keywords"]`).First()))
	}
}

// microdataValue reads an itemprop the way browsers do: content and
// datetime attributes before element text.
func microdataValue(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	if v, ok := s.Attr("content"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if v, ok := s.Attr("datetime"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return normalizeSpace(s.Text())
}

func fillMetaTags(doc *goquery.Document, md *Metadata) {
	content := func(selector string) string {
		v, _ := doc.Find(selector).First().Attr("content")
		return strings.TrimSpace(v)
	}
	if md.PublicationDate.IsZero() {
		if t, ok := parseDate(content(`meta[property="article:published_time"]`)); ok {
			md.PublicationDate = t
		}
	}
	if len(md.Authors) == 0 {
		if author := content(`meta[name="author"]`); author != "" {
			md.Authors = splitAuthors(author)
		}
	}
	setString(&md.Section, content(`meta[property="article:section"]`))
	if len(md.Tags) == 0 {
		doc.Find(`meta[property="article:tag"]`).Each(func(_ int, s *goquery.Selection) {
			if v, ok := s.Attr("content"); ok {
				if v = strings.TrimSpace(v); v != "" {
					md.Tags = append(md.Tags, v)
				}
			}
		})
	}
	setString(&md.SiteName, content(`meta[property="og:site_name"]`))
	setString(&md.Description, content(`meta[name="description"]`))
	setString(&md.Description, content(`meta[property="og:description"]`))
	setString(&md.CanonicalURL, content(`meta[property="og:url"]`))
	setString(&md.headline, content(`meta[property="og:title"]`))
}

func setString(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
