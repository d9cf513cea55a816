package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/fault"
)

func TestArchiveAppendAndVerify(t *testing.T) {
	a, err := Open(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	first, err := a.Append(t.Context(), KindFact, "article-1", map[string]any{"claim": "budget passed"})
	if err != nil {
		t.Fatalf("Append fact: %v", err)
	}
	second, err := a.Append(t.Context(), KindCluster, "cluster-7", map[string]any{"articles": []string{"article-1"}})
	if err != nil {
		t.Fatalf("Append cluster: %v", err)
	}
	third, err := a.Append(t.Context(), KindEvidence, "article-1", json.RawMessage(`{"quote":"the final tally"}`))
	if err != nil {
		t.Fatalf("Append evidence: %v", err)
	}

	if first.Sequence != 1 || second.Sequence != 2 || third.Sequence != 3 {
		t.Errorf("sequences = %d, %d, %d", first.Sequence, second.Sequence, third.Sequence)
	}
	if first.PrevSHA != "" {
		t.Errorf("first PrevSHA = %q, want empty", first.PrevSHA)
	}
	if second.PrevSHA != first.SHA256 || third.PrevSHA != second.SHA256 {
		t.Error("chain links do not point at predecessors")
	}
	if a.Count() != 3 {
		t.Errorf("Count = %d, want 3", a.Count())
	}

	var claim struct {
		Claim string `json:"claim"`
	}
	if err := json.Unmarshal(first.Payload, &claim); err != nil || claim.Claim != "budget passed" {
		t.Errorf("payload round-trip: %v %+v", err, claim)
	}

	n, err := a.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n != 3 {
		t.Errorf("verified = %d, want 3", n)
	}
}

func TestArchiveReopenContinuesChain(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := a.Append(t.Context(), KindFact, "s1", map[string]any{"n": 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	tail, err := a.Append(t.Context(), KindFact, "s2", map[string]any{"n": 2})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	reopened, err := Open(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	next, err := reopened.Append(t.Context(), KindEvidence, "s3", map[string]any{"n": 3})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if next.Sequence != 3 {
		t.Errorf("Sequence = %d, want 3", next.Sequence)
	}
	if next.PrevSHA != tail.SHA256 {
		t.Error("reopened archive lost the chain tail")
	}
	if n, err := reopened.Verify(); err != nil || n != 3 {
		t.Errorf("Verify = %d, %v", n, err)
	}
}

func TestArchiveVerifyDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := a.Append(t.Context(), KindFact, "s1", map[string]any{"claim": "original"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := a.Append(t.Context(), KindFact, "s2", map[string]any{"claim": "second"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "00000001-*.json"))
	if err != nil || len(files) != 1 {
		t.Fatalf("artifact file lookup: %v %v", files, err)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		t.Fatalf("parse artifact: %v", err)
	}
	artifact.Payload = json.RawMessage(`{"claim":"rewritten"}`)
	tampered, err := json.Marshal(artifact)
	if err != nil {
		t.Fatalf("marshal tampered artifact: %v", err)
	}
	if err := os.WriteFile(files[0], tampered, 0o644); err != nil {
		t.Fatalf("write tampered artifact: %v", err)
	}

	n, err := a.Verify()
	if err == nil {
		t.Fatal("Verify accepted a rewritten payload")
	}
	if n != 0 {
		t.Errorf("verified = %d before failure, want 0", n)
	}
}

func TestArchiveRejectsBadInput(t *testing.T) {
	a, err := Open(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := a.Append(t.Context(), "rumor", "s", map[string]any{}); fault.KindOf(err) != fault.KindValidation {
		t.Errorf("unknown kind: kind = %q, want %q", fault.KindOf(err), fault.KindValidation)
	}
	if _, err := a.Append(t.Context(), KindFact, "s", []byte("{broken")); fault.KindOf(err) != fault.KindValidation {
		t.Errorf("invalid payload: kind = %q, want %q", fault.KindOf(err), fault.KindValidation)
	}
}

func TestArchiveList(t *testing.T) {
	a, err := Open(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i, kind := range []string{KindFact, KindFact, KindCluster} {
		if _, err := a.Append(t.Context(), kind, "s", map[string]any{"n": i}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	facts, err := a.List(KindFact, 0)
	if err != nil {
		t.Fatalf("List(fact): %v", err)
	}
	if len(facts) != 2 {
		t.Errorf("facts = %d, want 2", len(facts))
	}

	recent, err := a.List("", 2)
	if err != nil {
		t.Fatalf("List(all): %v", err)
	}
	if len(recent) != 2 || recent[0].Sequence != 2 || recent[1].Sequence != 3 {
		t.Errorf("recent = %+v, want sequences 2 and 3", recent)
	}
}
