package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/justnews/fabric/internal/fault"
)

func TestRawStoreSaveAndRead(t *testing.T) {
	s := NewRawStore(t.TempDir())
	fetchedAt := time.Date(2026, 8, 25, 12, 15, 0, 0, time.UTC)
	html := []byte("<html><body>story</body></html>")

	ref, err := s.Save("https://news.example.com/story-1", fetchedAt, html)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasSuffix(ref, ".html") || !strings.Contains(ref, "20260825T121500Z") {
		t.Errorf("ref = %q, want hash-timestamp name", ref)
	}
	if _, err := os.Stat(filepath.Join(s.dir, ref)); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}

	got, err := s.Read(ref)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(html) {
		t.Errorf("Read = %q, want %q", got, html)
	}
}

func TestRawStoreDeterministicRefs(t *testing.T) {
	s := NewRawStore(t.TempDir())
	at := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	if a, b := s.Ref("https://a.example.com/x", at), s.Ref("https://a.example.com/x", at); a != b {
		t.Errorf("same url and time produced %q and %q", a, b)
	}
	if a, b := s.Ref("https://a.example.com/x", at), s.Ref("https://a.example.com/x", at.Add(time.Second)); a == b {
		t.Error("different fetch times produced the same ref")
	}
	if a, b := s.Ref("https://a.example.com/x", at), s.Ref("https://b.example.com/x", at); a == b {
		t.Error("different urls produced the same ref")
	}
}

func TestRawStoreSaveIsRepeatable(t *testing.T) {
	s := NewRawStore(t.TempDir())
	at := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	first, err := s.Save("https://news.example.com/story", at, []byte("one"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	second, err := s.Save("https://news.example.com/story", at, []byte("two"))
	if err != nil {
		t.Fatalf("Save (again): %v", err)
	}
	if first != second {
		t.Fatalf("refs differ: %q vs %q", first, second)
	}
	got, err := s.Read(first)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "two" {
		t.Errorf("Read = %q, want the latest write", got)
	}
}

func TestRawStoreReadGuards(t *testing.T) {
	s := NewRawStore(t.TempDir())

	if _, err := s.Read("../outside.html"); fault.KindOf(err) != fault.KindValidation {
		t.Errorf("escaping ref: kind = %q, want %q", fault.KindOf(err), fault.KindValidation)
	}
	if _, err := s.Read("/etc/passwd"); fault.KindOf(err) != fault.KindValidation {
		t.Errorf("absolute ref: kind = %q, want %q", fault.KindOf(err), fault.KindValidation)
	}
	if _, err := s.Read("ab/missing.html"); fault.KindOf(err) != fault.KindNotFound {
		t.Errorf("missing ref: kind = %q, want %q", fault.KindOf(err), fault.KindNotFound)
	}
}
