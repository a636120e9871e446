package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"billing-pipeline/internal/audit"
	"billing-pipeline/internal/config"
	"billing-pipeline/internal/models"
)

func seededChain(t *testing.T) *audit.MemoryStore {
	t.Helper()
	st := audit.NewMemoryStore()
	c := audit.NewChain(st, nil, nil)
	for i := 0; i < 3; i++ {
		if _, err := c.Append(context.Background(), audit.Event{Action: "job_completed", EntityType: "job", EntityID: "j", OrganizationID: "org-1", Data: map[string]int{"i": i}}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return st
}

func TestExportLocal(t *testing.T) {
	dir := t.TempDir()
	st := seededChain(t)
	ex := NewExporter(st, Uploaders{Local: &LocalUploader{BaseDir: dir}}, nil)
	ex.now = func() time.Time { return time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC) }

	rec, err := ex.Export(context.Background(), "org-1", "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if rec.Entries != 3 || !rec.Verification.Valid || rec.HeadHash == "" {
		t.Fatalf("unexpected receipt %+v", rec)
	}
	if !strings.HasSuffix(rec.Location, "audit/org-1/20240601T080000Z.jsonl") {
		t.Fatalf("unexpected location %s", rec.Location)
	}
	f, err := os.Open(rec.Location)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	var last map[string]json.RawMessage
	for sc.Scan() {
		lines++
		last = nil
		_ = json.Unmarshal(sc.Bytes(), &last)
	}
	if lines != 4 || last["summary"] == nil {
		t.Fatalf("expected 3 entries plus summary, got %d lines", lines)
	}
}

func TestExportReportsBrokenChain(t *testing.T) {
	st := seededChain(t)
	st.Mutate("org-1", 1, func(e *models.AuditEntry) { e.Data = json.RawMessage(`{"i":7}`) })
	ex := NewExporter(st, Uploaders{Local: &LocalUploader{BaseDir: t.TempDir()}}, nil)

	rec, err := ex.Export(context.Background(), "org-1", DestLocal)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	v := rec.Verification
	if v.Valid || v.BreakIndex == nil || *v.BreakIndex != 1 || v.Reason != audit.ReasonHash {
		t.Fatalf("broken chain not reported: %+v", v)
	}
}

func TestPickDestination(t *testing.T) {
	local := &LocalUploader{BaseDir: t.TempDir()}
	u := Uploaders{Local: local}
	if got, err := u.Pick(""); err != nil || got != local {
		t.Fatalf("empty destination should fall back to local: %v", err)
	}
	if _, err := u.Pick(DestS3); err == nil {
		t.Fatalf("s3 without bucket must fail")
	}
	if _, err := u.Pick("ftp"); err == nil {
		t.Fatalf("unknown destination must fail")
	}
}

func TestLocalUploaderStaysInBaseDir(t *testing.T) {
	dir := t.TempDir()
	loc, err := (&LocalUploader{BaseDir: dir}).Upload(context.Background(), "../../etc/x.jsonl", []byte("{}"), "")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(loc, dir) {
		t.Fatalf("upload escaped base dir: %s", loc)
	}
}

func TestS3UploaderPutsObject(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	cfg := config.Config{
		ArchiveDir:         t.TempDir(),
		ArchiveS3Bucket:    "retention",
		ArchiveS3Region:    "eu-central-1",
		ArchiveS3Endpoint:  srv.URL,
		ArchiveS3PathStyle: true,
	}
	ups, err := NewUploaders(context.Background(), cfg)
	if err != nil {
		t.Fatalf("uploaders: %v", err)
	}
	up, err := ups.Pick("")
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	loc, err := up.Upload(context.Background(), "audit/org-1/x.jsonl", []byte(`{"a":1}`), "application/x-ndjson")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if loc != "s3://retention/audit/org-1/x.jsonl" {
		t.Fatalf("unexpected location %s", loc)
	}
	mu.Lock()
	defer mu.Unlock()
	if path != "/retention/audit/org-1/x.jsonl" || !bytes.Contains(body, []byte(`{"a":1}`)) {
		t.Fatalf("unexpected request path=%s body=%q", path, body)
	}
}
