// Package archive holds the platform's evidence trail: raw fetched
// HTML under deterministic names, and the transparency archive, an
// append-only chain of JSON artifacts (facts, clusters, evidence)
// where every artifact records the sha256 of its payload and of its
// predecessor, so any rewrite of history is detectable.
package archive

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/fault"
)

// Artifact kinds the transparency archive accepts.
const (
	KindFact     = "fact"
	KindCluster  = "cluster"
	KindEvidence = "evidence"
)

const manifestName = "manifest.jsonl"

var knownKinds = map[string]bool{
	KindFact:     true,
	KindCluster:  true,
	KindEvidence: true,
}

// Artifact is one append-only transparency record.
type Artifact struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Subject   string          `json:"subject,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	SHA256    string          `json:"sha256"`
	PrevSHA   string          `json:"prev_sha256,omitempty"`
	Sequence  int64           `json:"sequence"`
	CreatedAt time.Time       `json:"created_at"`
}

// manifestEntry is one line of manifest.jsonl.
type manifestEntry struct {
	Sequence  int64     `json:"sequence"`
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject,omitempty"`
	SHA256    string    `json:"sha256"`
	PrevSHA   string    `json:"prev_sha256,omitempty"`
	File      string    `json:"file"`
	CreatedAt time.Time `json:"created_at"`
}

// Archive is the append-only transparency store. All methods are safe
// for concurrent use within one process; the manifest is the single
// writer ledger.
type Archive struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	seq     int64
	lastSHA string
}

// Open loads or creates the archive at dir, restoring the chain tail
// from the manifest.
func Open(dir string, logger *zap.Logger) (*Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	a := &Archive{dir: dir, logger: logger}

	entries, err := a.readManifest()
	if err != nil {
		return nil, err
	}
	if n := len(entries); n > 0 {
		a.seq = entries[n-1].Sequence
		a.lastSHA = entries[n-1].SHA256
	}
	return a, nil
}

// Append records one artifact and links it into the chain. The payload
// may be any JSON-marshalable value; raw JSON is stored as-is.
func (a *Archive) Append(ctx context.Context, kind, subject string, payload any) (*Artifact, error) {
	const op = "archive.append"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !knownKinds[kind] {
		return nil, fault.New(fault.KindValidation, op, "unknown artifact kind %q", kind)
	}

	var body json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		body = p
	case []byte:
		body = json.RawMessage(p)
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fault.New(fault.KindValidation, op, "marshal payload: %v", err)
		}
		body = data
	}
	if !json.Valid(body) {
		return nil, fault.New(fault.KindValidation, op, "payload is not valid JSON")
	}
	sum := sha256.Sum256(body)
	sha := hex.EncodeToString(sum[:])

	a.mu.Lock()
	defer a.mu.Unlock()

	artifact := &Artifact{
		ID:        uuid.NewString(),
		Kind:      kind,
		Subject:   subject,
		Payload:   body,
		SHA256:    sha,
		PrevSHA:   a.lastSHA,
		Sequence:  a.seq + 1,
		CreatedAt: time.Now().UTC(),
	}
	file := fmt.Sprintf("%08d-%s-%s.json", artifact.Sequence, kind, artifact.ID)

	if err := a.writeArtifact(file, artifact); err != nil {
		return nil, err
	}
	entry := manifestEntry{
		Sequence:  artifact.Sequence,
		ID:        artifact.ID,
		Kind:      kind,
		Subject:   subject,
		SHA256:    sha,
		PrevSHA:   artifact.PrevSHA,
		File:      file,
		CreatedAt: artifact.CreatedAt,
	}
	if err := a.appendManifest(entry); err != nil {
		// The artifact file without its manifest line is invisible to
		// Verify and List; the next append reuses the sequence.
		os.Remove(filepath.Join(a.dir, file))
		return nil, err
	}

	a.seq = artifact.Sequence
	a.lastSHA = sha
	a.logger.Info("artifact archived",
		zap.Int64("sequence", artifact.Sequence),
		zap.String("kind", kind),
		zap.String("id", artifact.ID))
	return artifact, nil
}

// List returns the most recent artifacts, newest last, optionally
// filtered by kind. A non-positive limit returns everything.
func (a *Archive) List(kind string, limit int) ([]Artifact, error) {
	entries, err := a.readManifest()
	if err != nil {
		return nil, err
	}
	var out []Artifact
	for _, entry := range entries {
		if kind != "" && entry.Kind != kind {
			continue
		}
		artifact, err := a.loadArtifact(entry.File)
		if err != nil {
			return nil, err
		}
		out = append(out, *artifact)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Count reports how many artifacts the chain holds.
func (a *Archive) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

// Verify walks the whole chain, recomputing payload hashes and
// predecessor links. It returns the number of verified artifacts and
// the first violation found.
func (a *Archive) Verify() (int, error) {
	entries, err := a.readManifest()
	if err != nil {
		return 0, err
	}
	prevSHA := ""
	for i, entry := range entries {
		if entry.Sequence != int64(i)+1 {
			return i, fmt.Errorf("manifest sequence %d at position %d", entry.Sequence, i+1)
		}
		if entry.PrevSHA != prevSHA {
			return i, fmt.Errorf("artifact %d chain break: prev_sha256 %q, want %q", entry.Sequence, entry.PrevSHA, prevSHA)
		}
		artifact, err := a.loadArtifact(entry.File)
		if err != nil {
			return i, err
		}
		sum := sha256.Sum256(artifact.Payload)
		if sha := hex.EncodeToString(sum[:]); sha != entry.SHA256 || sha != artifact.SHA256 {
			return i, fmt.Errorf("artifact %d payload hash mismatch", entry.Sequence)
		}
		prevSHA = entry.SHA256
	}
	return len(entries), nil
}

func (a *Archive) writeArtifact(file string, artifact *Artifact) error {
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	tmp, err := os.CreateTemp(a.dir, ".artifact-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(a.dir, file)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit artifact: %w", err)
	}
	return nil
}

func (a *Archive) appendManifest(entry manifestEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal manifest entry: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(a.dir, manifestName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append manifest: %w", err)
	}
	return f.Sync()
}

func (a *Archive) readManifest() ([]manifestEntry, error) {
	f, err := os.Open(filepath.Join(a.dir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	var entries []manifestEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry manifestEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return entries, nil
}

func (a *Archive) loadArtifact(file string) (*Artifact, error) {
	data, err := os.ReadFile(filepath.Join(a.dir, file))
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", file, err)
	}
	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", file, err)
	}
	return &artifact, nil
}
