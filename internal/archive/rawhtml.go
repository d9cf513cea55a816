package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/justnews/fabric/internal/fault"
)

// RawStore persists fetched HTML under deterministic names: the same
// URL fetched at the same instant always lands on the same file, so
// re-running a crawl never litters the archive with duplicates. The
// returned ref is relative to the store root and is what the article
// row records.
type RawStore struct {
	dir string
}

// NewRawStore creates a raw-HTML store rooted at dir.
func NewRawStore(dir string) *RawStore {
	return &RawStore{dir: dir}
}

// Ref computes the artifact name for a URL fetched at a given time
// without writing anything.
func (s *RawStore) Ref(rawURL string, fetchedAt time.Time) string {
	sum := sha256.Sum256([]byte(rawURL))
	hash := hex.EncodeToString(sum[:8])
	return filepath.Join(hash[:2], hash+"-"+fetchedAt.UTC().Format("20060102T150405Z")+".html")
}

// Save writes the HTML and returns its ref. Writes go through a temp
// file and rename so a partially written artifact is never visible.
func (s *RawStore) Save(rawURL string, fetchedAt time.Time, html []byte) (string, error) {
	ref := s.Ref(rawURL, fetchedAt)
	path := filepath.Join(s.dir, ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create raw html dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".raw-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(html); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write raw html: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close raw html: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("commit raw html: %w", err)
	}
	return ref, nil
}

// Read returns the HTML a ref points at.
func (s *RawStore) Read(ref string) ([]byte, error) {
	const op = "archive.raw.read"
	clean := filepath.Clean(ref)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, fault.New(fault.KindValidation, op, "ref %q escapes the store root", ref)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, clean))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.New(fault.KindNotFound, op, "no raw html for ref %q", ref)
		}
		return nil, fmt.Errorf("read raw html: %w", err)
	}
	return data, nil
}
