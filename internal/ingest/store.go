package ingest

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/justnews/fabric/internal/store"
)

var migrations = []store.Migration{
	{
		Version:     1,
		Description: "article and source tables",
		Up: func(tx *store.Tx) error {
			stmts := []string{
				`CREATE TABLE IF NOT EXISTS articles (
					id                    TEXT PRIMARY KEY,
					title                 TEXT NOT NULL DEFAULT '',
					content               TEXT NOT NULL DEFAULT '',
					source_url            TEXT NOT NULL UNIQUE,
					normalized_url        TEXT UNIQUE,
					url_hash              TEXT UNIQUE,
					url_hash_algo         TEXT NOT NULL DEFAULT '',
					language              TEXT NOT NULL DEFAULT '',
					section               TEXT NOT NULL DEFAULT '',
					tags                  TEXT NOT NULL DEFAULT '[]',
					authors               TEXT NOT NULL DEFAULT '[]',
					raw_html_ref          TEXT NOT NULL DEFAULT '',
					extraction_confidence REAL NOT NULL DEFAULT 0,
					needs_review          INTEGER NOT NULL DEFAULT 0,
					review_reasons        TEXT NOT NULL DEFAULT '[]',
					extraction_metadata   TEXT NOT NULL DEFAULT '{}',
					publication_date      TEXT,
					metadata              TEXT NOT NULL DEFAULT '{}',
					collection_timestamp  TEXT NOT NULL,
					embedding             TEXT,
					created_at            TEXT NOT NULL,
					updated_at            TEXT NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS sources (
					id                  TEXT PRIMARY KEY,
					domain              TEXT NOT NULL UNIQUE,
					canonical           INTEGER NOT NULL DEFAULT 1,
					canonical_source_id TEXT,
					metadata            TEXT NOT NULL DEFAULT '{}',
					updated_at          TEXT NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_articles_needs_review ON articles(needs_review)`,
				`CREATE INDEX IF NOT EXISTS idx_articles_collected ON articles(collection_timestamp)`,
			}
			for _, s := range stmts {
				if _, err := tx.Exec(s); err != nil {
					return err
				}
			}
			return nil
		},
		Down: func(tx *store.Tx) error {
			for _, s := range []string{
				`DROP TABLE IF EXISTS articles`,
				`DROP TABLE IF EXISTS sources`,
			} {
				if _, err := tx.Exec(s); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// Migrations returns the article schema migration runner, used both by
// NewStore and the operator migrate command.
func Migrations() *store.Runner {
	return store.NewRunner("ingest", migrations)
}

// Article is one persisted article row. Articles are never deleted;
// duplicates refresh the surviving row instead of creating another.
type Article struct {
	ID                   string
	Title                string
	Content              string
	SourceURL            string
	NormalizedURL        string
	URLHash              string
	URLHashAlgo          string
	Language             string
	Section              string
	Tags                 []string
	Authors              []string
	RawHTMLRef           string
	ExtractionConfidence float64
	NeedsReview          bool
	ReviewReasons        []string
	ExtractionMetadata   map[string]any
	PublicationDate      time.Time
	Metadata             map[string]any
	CollectionTimestamp  time.Time
	Embedding            []float32
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Source is one publisher/domain record.
type Source struct {
	ID                string
	Domain            string
	Canonical         bool
	CanonicalSourceID string
	Metadata          map[string]any
	UpdatedAt         time.Time
}

// Store persists articles and sources.
type Store struct {
	db *store.DB
}

// NewStore applies pending migrations and returns a store over db.
func NewStore(db *store.DB) (*Store, error) {
	if err := Migrations().Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate ingest schema: %w", err)
	}
	return &Store{db: db}, nil
}

const articleColumns = `id, title, content, source_url, normalized_url, url_hash, url_hash_algo,
	language, section, tags, authors, raw_html_ref, extraction_confidence, needs_review,
	review_reasons, extraction_metadata, publication_date, metadata, collection_timestamp,
	embedding, created_at, updated_at`

// InsertArticle durably records a new article row.
func (s *Store) InsertArticle(a *Article) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	tags, err := encodeStrings(a.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	authors, err := encodeStrings(a.Authors)
	if err != nil {
		return fmt.Errorf("encode authors: %w", err)
	}
	reasons, err := encodeStrings(a.ReviewReasons)
	if err != nil {
		return fmt.Errorf("encode review reasons: %w", err)
	}
	extMeta, err := encodeMap(a.ExtractionMetadata)
	if err != nil {
		return fmt.Errorf("encode extraction metadata: %w", err)
	}
	meta, err := encodeMap(a.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	embedding, err := encodeEmbedding(a.Embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO articles (`+articleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.Title,
		a.Content,
		a.SourceURL,
		store.NullableString(a.NormalizedURL),
		store.NullableString(a.URLHash),
		a.URLHashAlgo,
		a.Language,
		a.Section,
		tags,
		authors,
		a.RawHTMLRef,
		a.ExtractionConfidence,
		boolToInt(a.NeedsReview),
		reasons,
		extMeta,
		store.NullableTime(&a.PublicationDate),
		meta,
		store.FormatTime(a.CollectionTimestamp),
		embedding,
		store.FormatTime(a.CreatedAt),
		store.FormatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert article: %w", err)
	}
	return nil
}

// GetArticle returns one article by id.
func (s *Store) GetArticle(id string) (*Article, error) {
	row := s.db.QueryRow(`SELECT `+articleColumns+` FROM articles WHERE id = ?`, id)
	return scanArticle(row)
}

// GetArticleByHash returns the article holding a URL hash, or
// sql.ErrNoRows when the hash is unseen.
func (s *Store) GetArticleByHash(urlHash string) (*Article, error) {
	row := s.db.QueryRow(`SELECT `+articleColumns+` FROM articles WHERE url_hash = ?`, urlHash)
	return scanArticle(row)
}

// TouchArticle refreshes updated_at, recording that a duplicate of the
// row was seen.
func (s *Store) TouchArticle(id string, now time.Time) error {
	res, err := s.db.Exec(`UPDATE articles SET updated_at = ? WHERE id = ?`, store.FormatTime(now), id)
	if err != nil {
		return fmt.Errorf("touch article: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetEmbedding stores the article's embedding vector.
func (s *Store) SetEmbedding(id string, vector []float32, now time.Time) error {
	embedding, err := encodeEmbedding(vector)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	res, err := s.db.Exec(`UPDATE articles SET embedding = ?, updated_at = ? WHERE id = ?`,
		embedding, store.FormatTime(now), id)
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListRecent returns the most recently collected articles, newest
// first.
func (s *Store) ListRecent(limit int) ([]Article, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT `+articleColumns+` FROM articles
		ORDER BY collection_timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	var out []Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// CountArticles reports totals for health surfaces: all rows and the
// subset flagged for review.
func (s *Store) CountArticles() (total, needsReview int, err error) {
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM articles`).Scan(&total); err != nil {
		return 0, 0, fmt.Errorf("count articles: %w", err)
	}
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM articles WHERE needs_review = 1`).Scan(&needsReview); err != nil {
		return 0, 0, fmt.Errorf("count review articles: %w", err)
	}
	return total, needsReview, nil
}

// UpsertSource merges patch into the domain's source row, inserting the
// row when absent. The merge is JSON-merge-patch style: nested objects
// merge recursively, nil deletes a key, everything else overwrites.
func (s *Store) UpsertSource(domain string, patch map[string]any, now time.Time) (*Source, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, fmt.Errorf("empty source domain")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin source upsert: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT id, domain, canonical, canonical_source_id, metadata, updated_at
		FROM sources WHERE domain = ?`, domain)
	src, err := scanSource(row)
	switch {
	case err == nil:
		src.Metadata = MergeMetadata(src.Metadata, patch)
		src.UpdatedAt = now
		meta, err := encodeMap(src.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode source metadata: %w", err)
		}
		if _, err := tx.Exec(`UPDATE sources SET metadata = ?, updated_at = ? WHERE id = ?`,
			meta, store.FormatTime(now), src.ID); err != nil {
			return nil, fmt.Errorf("update source: %w", err)
		}
	case store.IsNotFound(err):
		src = &Source{
			ID:        uuid.NewString(),
			Domain:    domain,
			Canonical: true,
			Metadata:  MergeMetadata(nil, patch),
			UpdatedAt: now,
		}
		meta, err := encodeMap(src.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode source metadata: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO sources (id, domain, canonical, canonical_source_id, metadata, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			src.ID, src.Domain, boolToInt(src.Canonical), store.NullableString(""), meta, store.FormatTime(now)); err != nil {
			return nil, fmt.Errorf("insert source: %w", err)
		}
	default:
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit source upsert: %w", err)
	}
	return src, nil
}

// GetSource returns one source by domain.
func (s *Store) GetSource(domain string) (*Source, error) {
	row := s.db.QueryRow(`SELECT id, domain, canonical, canonical_source_id, metadata, updated_at
		FROM sources WHERE domain = ?`, strings.ToLower(strings.TrimSpace(domain)))
	return scanSource(row)
}

// ConsolidateSource marks dupDomain as a duplicate of canonicalDomain.
// The duplicate row survives with a back-reference so existing article
// associations stay valid.
func (s *Store) ConsolidateSource(dupDomain, canonicalDomain string, now time.Time) error {
	canonical, err := s.GetSource(canonicalDomain)
	if err != nil {
		return fmt.Errorf("load canonical source: %w", err)
	}
	res, err := s.db.Exec(`UPDATE sources SET canonical = 0, canonical_source_id = ?, updated_at = ? WHERE domain = ?`,
		canonical.ID, store.FormatTime(now), strings.ToLower(strings.TrimSpace(dupDomain)))
	if err != nil {
		return fmt.Errorf("consolidate source: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MergeMetadata applies patch onto base. Nested maps merge
// recursively, a nil value deletes the key, and any other value
// overwrites.
func MergeMetadata(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		if pm, ok := v.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = MergeMetadata(bm, pm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func scanArticle(sc store.Scanner) (*Article, error) {
	var (
		a                                  Article
		normalizedURL, urlHash             sql.NullString
		publicationDate, embedding         sql.NullString
		tags, authors, reasons             string
		extMeta, meta                      string
		collectionTS, createdAt, updatedAt string
	)
	err := sc.Scan(
		&a.ID, &a.Title, &a.Content, &a.SourceURL, &normalizedURL, &urlHash, &a.URLHashAlgo,
		&a.Language, &a.Section, &tags, &authors, &a.RawHTMLRef, &a.ExtractionConfidence, &a.NeedsReview,
		&reasons, &extMeta, &publicationDate, &meta, &collectionTS,
		&embedding, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.NormalizedURL = normalizedURL.String
	a.URLHash = urlHash.String
	if a.Tags, err = decodeStrings(tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if a.Authors, err = decodeStrings(authors); err != nil {
		return nil, fmt.Errorf("decode authors: %w", err)
	}
	if a.ReviewReasons, err = decodeStrings(reasons); err != nil {
		return nil, fmt.Errorf("decode review reasons: %w", err)
	}
	if a.ExtractionMetadata, err = decodeMap(extMeta); err != nil {
		return nil, fmt.Errorf("decode extraction metadata: %w", err)
	}
	if a.Metadata, err = decodeMap(meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if publicationDate.Valid {
		if a.PublicationDate, err = store.ParseTime(publicationDate.String); err != nil {
			return nil, fmt.Errorf("parse publication date: %w", err)
		}
	}
	if embedding.Valid {
		if err := json.Unmarshal([]byte(embedding.String), &a.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding: %w", err)
		}
	}
	if a.CollectionTimestamp, err = store.ParseTime(collectionTS); err != nil {
		return nil, fmt.Errorf("parse collection timestamp: %w", err)
	}
	if a.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if a.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &a, nil
}

func scanSource(sc store.Scanner) (*Source, error) {
	var (
		src         Source
		canonicalID sql.NullString
		meta        string
		updatedAt   string
	)
	if err := sc.Scan(&src.ID, &src.Domain, &src.Canonical, &canonicalID, &meta, &updatedAt); err != nil {
		return nil, err
	}
	src.CanonicalSourceID = canonicalID.String
	var err error
	if src.Metadata, err = decodeMap(meta); err != nil {
		return nil, fmt.Errorf("decode source metadata: %w", err)
	}
	if src.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse source updated_at: %w", err)
	}
	return &src, nil
}

func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	return string(data), err
}

func decodeStrings(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var out []string
	err := json.Unmarshal([]byte(s), &out)
	return out, err
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	return string(data), err
}

func decodeMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var out map[string]any
	err := json.Unmarshal([]byte(s), &out)
	return out, err
}

func encodeEmbedding(v []float32) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

