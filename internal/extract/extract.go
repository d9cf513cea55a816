// Package extract turns fetched HTML into article text and structured
// metadata. Extractors run as a cascade: the configured primary first,
// then the remaining ones, stopping at the first whose confidence
// clears the gate. Structured metadata (JSON-LD, microdata, meta tags)
// is parsed independently of which extractor wins.
package extract

import (
	"context"
	"math"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/pemistahl/lingua-go"
	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/fault"
)

// Extractor names, in default cascade order.
const (
	ExtractorTrafilatura = "trafilatura"
	ExtractorReadability = "readability"
	ExtractorJustext     = "justext"
)

const defaultConfidenceGate = 0.7

// Extraction is the outcome of running the cascade over one page.
type Extraction struct {
	Extractor  string
	Title      string
	Text       string
	Language   string
	Confidence float64
	Metadata   Metadata
}

// WordCount returns the number of whitespace-separated words in the
// extracted body.
func (e *Extraction) WordCount() int {
	return len(strings.Fields(e.Text))
}

// Cascade runs the extractor chain and language detection.
type Cascade struct {
	cfg      config.ArticleConfig
	logger   *zap.Logger
	detector lingua.LanguageDetector
	order    []string
}

// Languages the detector discriminates between. Keeping the set to the
// publications we actually ingest keeps model loading cheap and the
// classifications sharp.
var detectorLanguages = []lingua.Language{
	lingua.English, lingua.Spanish, lingua.French, lingua.German,
	lingua.Portuguese, lingua.Italian, lingua.Dutch, lingua.Russian,
	lingua.Arabic, lingua.Chinese, lingua.Japanese,
}

// NewCascade builds a cascade for the given article configuration. An
// unknown primary extractor falls back to the default order.
func NewCascade(cfg config.ArticleConfig, logger *zap.Logger) *Cascade {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cascade{
		cfg:      cfg,
		logger:   logger,
		detector: lingua.NewLanguageDetectorBuilder().FromLanguages(detectorLanguages...).Build(),
	}
	c.order = cascadeOrder(cfg.ExtractorPrimary)
	if cfg.ExtractorPrimary != "" && c.order[0] != cfg.ExtractorPrimary {
		logger.Warn("unknown primary extractor, using default order",
			zap.String("primary", cfg.ExtractorPrimary))
	}
	return c
}

func cascadeOrder(primary string) []string {
	all := []string{ExtractorTrafilatura, ExtractorReadability, ExtractorJustext}
	switch primary {
	case "", ExtractorTrafilatura:
		return all
	case ExtractorReadability, ExtractorJustext:
		out := []string{primary}
		for _, e := range all {
			if e != primary {
				out = append(out, e)
			}
		}
		return out
	default:
		return all
	}
}

func (c *Cascade) gate() float64 {
	if c.cfg.ConfidenceGate > 0 {
		return c.cfg.ConfidenceGate
	}
	return defaultConfidenceGate
}

// Extract runs the cascade over one page. Individual extractor failures
// are logged and skipped; the result carries the best candidate even
// when nothing clears the gate, so an empty or thin page still yields
// an Extraction for downstream review classification.
func (c *Cascade) Extract(ctx context.Context, rawURL string, html []byte) (*Extraction, error) {
	const op = "extract.cascade"
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fault.New(fault.KindValidation, op, "invalid URL %q: %v", rawURL, err)
	}

	structured := parseMetadata(html)

	var best *Extraction
	for _, name := range c.order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		candidate, err := runExtractor(name, u, html)
		if err != nil {
			c.logger.Debug("extractor failed",
				zap.String("extractor", name),
				zap.String("url", rawURL),
				zap.Error(err))
			continue
		}
		if best == nil || candidate.Confidence > best.Confidence {
			best = candidate
		}
		if candidate.Confidence > c.gate() {
			best = candidate
			break
		}
	}
	if best == nil {
		best = &Extraction{}
	}
	best.Metadata = mergeMetadata(structured, best.Metadata)
	if best.Title == "" {
		best.Title = structured.headline
	}
	best.Language = c.detectLanguage(best.Text)
	return best, nil
}

func runExtractor(name string, u *url.URL, html []byte) (*Extraction, error) {
	switch name {
	case ExtractorTrafilatura:
		return runTrafilatura(u, html)
	case ExtractorReadability:
		return runReadability(u, html)
	default:
		return runJustext(html)
	}
}

// languageSampleBytes caps how much text the detector sees. A couple of
// kilobytes is plenty to classify and keeps long articles cheap.
const languageSampleBytes = 2000

func (c *Cascade) detectLanguage(text string) string {
	sample := text
	if len(sample) > languageSampleBytes {
		cut := languageSampleBytes
		for cut > 0 && !utf8.RuneStart(sample[cut]) {
			cut--
		}
		sample = sample[:cut]
	}
	if strings.TrimSpace(sample) == "" {
		return ""
	}
	lang, ok := c.detector.DetectLanguageOf(sample)
	if !ok {
		return ""
	}
	return strings.ToLower(lang.IsoCode639_1().String())
}

// scoreExtraction rates a candidate on word volume, text-to-markup
// ratio, and title presence. 400 words with a healthy ratio and a title
// saturate the score; thin listings and link farms stay well under the
// default gate.
func scoreExtraction(text, title string, htmlLen int) float64 {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	wordScore := math.Min(1, float64(words)/400)
	ratioScore := 0.0
	if htmlLen > 0 {
		ratioScore = math.Min(1, float64(len(text))/float64(htmlLen)/0.25)
	}
	titleScore := 0.0
	if strings.TrimSpace(title) != "" {
		titleScore = 1
	}
	return 0.6*wordScore + 0.25*ratioScore + 0.15*titleScore
}
