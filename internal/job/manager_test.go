package job

import (
	"archive/zip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tenderd/internal/apperrors"
	"tenderd/internal/engine/enginetest"
	"tenderd/internal/notify"
	"tenderd/internal/testutil"
	"tenderd/internal/workspace"
)

func newManager(t *testing.T, fake *enginetest.Fake) (*Manager, string) {
	t.Helper()
	dataDir := t.TempDir()
	m := NewManager(Config{Engine: fake, DataDir: dataDir, CaptchaTimeout: 5 * time.Second})
	return m, dataDir
}

func createJob(t *testing.T, m *Manager, req CreateRequest) *View {
	t.Helper()
	v, err := m.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if v.Status != StatusQueued {
		t.Fatalf("Expected queued view, got %s", v.Status)
	}
	return v
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) *View {
	t.Helper()
	testutil.MustWaitFor(t, func() bool {
		v, err := m.Get(id)
		return err == nil && v.Status == want
	})
	v, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return v
}

func TestCreate_UnknownAction(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, &enginetest.Fake{})

	_, err := m.Create(context.Background(), CreateRequest{Action: "mine_bitcoin"})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestGet_Unknown(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, &enginetest.Fake{})

	_, err := m.Get("no-such-job")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not-found error, got %v", err)
	}
}

func TestSyncState_CompletesWithoutWork(t *testing.T) {
	t.Parallel()
	fake := &enginetest.Fake{}
	m, _ := newManager(t, fake)

	v := createJob(t, m, CreateRequest{Action: "sync_state"})
	final := waitForStatus(t, m, v.JobID, StatusCompleted)

	if got := final.Result["changed_files"]; got != 0 {
		t.Errorf("Expected changed_files 0, got %v", got)
	}
	if got := final.Result["artifact_available"]; got != false {
		t.Errorf("Expected artifact_available false, got %v", got)
	}

	path, err := m.ArtifactPath(v.JobID)
	if err != nil || path != "" {
		t.Errorf("Expected no artifact, got (%q, %v)", path, err)
	}

	// sync_state performs no engine action; only Configure runs.
	for _, c := range fake.Calls() {
		if c.Name != "Configure" {
			t.Errorf("Unexpected engine call %s", c.Name)
		}
	}
}

func TestJob_BuildsArtifact(t *testing.T) {
	t.Parallel()
	fake := &enginetest.Fake{WriteRel: map[string]string{"tender-1/doc.pdf": "pdf-bytes"}}
	m, _ := newManager(t, fake)

	v := createJob(t, m, CreateRequest{Action: "download_tenders", BuildArtifact: true})
	final := waitForStatus(t, m, v.JobID, StatusCompleted)

	if got := final.Result["changed_files"]; got != 1 {
		t.Errorf("Expected changed_files 1, got %v", got)
	}
	if got := final.Result["artifact_available"]; got != true {
		t.Errorf("Expected artifact_available true, got %v", got)
	}

	path, err := m.ArtifactPath(v.JobID)
	if err != nil || path == "" {
		t.Fatalf("Expected artifact path, got (%q, %v)", path, err)
	}

	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("Failed to open artifact: %v", err)
	}
	defer r.Close()
	found := false
	for _, f := range r.File {
		if f.Name == "tender-1/doc.pdf" {
			found = true
		}
	}
	if !found {
		t.Error("Expected tender-1/doc.pdf in the artifact")
	}
}

func TestJob_ActionErrorFailsJob(t *testing.T) {
	t.Parallel()
	fake := &enginetest.Fake{Err: errors.New("portal unreachable")}
	m, _ := newManager(t, fake)

	v := createJob(t, m, CreateRequest{Action: "check_status"})
	final := waitForStatus(t, m, v.JobID, StatusFailed)

	if !strings.Contains(final.Error, "portal unreachable") {
		t.Errorf("Expected error message to surface, got %q", final.Error)
	}
	if len(final.Logs) == 0 || !strings.Contains(final.Logs[len(final.Logs)-1], "job failed") {
		t.Errorf("Expected failure log line, got %v", final.Logs)
	}
}

func TestJob_MissingRequiredField(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, &enginetest.Fake{})

	// The request is accepted async; validation failures surface as job
	// failure, not transport errors.
	v := createJob(t, m, CreateRequest{Action: "single_download"})
	final := waitForStatus(t, m, v.JobID, StatusFailed)

	if !strings.Contains(final.Error, "tender_id is required") {
		t.Errorf("Expected tender_id validation message, got %q", final.Error)
	}
}

func TestJob_SecretsStrippedAndCallerScoped(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	fake := &enginetest.Fake{Block: block}
	m, dataDir := newManager(t, fake)

	v := createJob(t, m, CreateRequest{
		Action: "check_status",
		Payload: map[string]any{
			"client_id":    "Acme GmbH",
			"api_key":      "tnd_leak",
			"callback_key": "hmac",
			"database":     base64.StdEncoding.EncodeToString([]byte("db")),
		},
	})

	// Secrets are gone from the very first view, before the worker runs;
	// a queued job waiting on the execution lock must not echo them either.
	for _, k := range []string{"api_key", "admin_secret", "callback_key", "database"} {
		if _, ok := v.Payload[k]; ok {
			t.Errorf("Expected %s absent from the queued view", k)
		}
	}
	queued, err := m.Get(v.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, ok := queued.Payload["api_key"]; ok {
		t.Error("Expected api_key absent while the job waits")
	}

	close(block)
	final := waitForStatus(t, m, v.JobID, StatusCompleted)

	if _, ok := final.Payload["api_key"]; ok {
		t.Error("Expected api_key to be stripped from the payload")
	}
	if final.Payload["client_id"] != "Acme GmbH" {
		t.Error("Expected client_id to survive")
	}

	// The snapshot still reached the worker through the private channel.
	data, err := os.ReadFile(filepath.Join(dataDir, "callers", "acmegmbh", "tenders.db"))
	if err != nil || string(data) != "db" {
		t.Errorf("Expected restored database, got (%q, %v)", data, err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "callers", "acmegmbh", "downloads")); err != nil {
		t.Errorf("Expected caller-scoped workspace: %v", err)
	}
}

func TestGet_ConcurrentWithCreate(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, &enginetest.Fake{})

	// Published jobs never mutate their payload map again, so polling views
	// while fresh secret-bearing jobs stream in must stay safe.
	done := make(chan struct{})
	var ids sync.Map
	var pollers sync.WaitGroup
	for i := 0; i < 4; i++ {
		pollers.Add(1)
		go func() {
			defer pollers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				ids.Range(func(key, _ any) bool {
					v, err := m.Get(key.(string))
					if err != nil {
						t.Errorf("Get failed: %v", err)
						return false
					}
					for range v.Payload {
					}
					return true
				})
			}
		}()
	}

	for i := 0; i < 50; i++ {
		v := createJob(t, m, CreateRequest{
			Action: "sync_state",
			Payload: map[string]any{
				"client_id": "acme",
				"api_key":   "tnd_leak",
				"database":  base64.StdEncoding.EncodeToString([]byte("db")),
			},
		})
		ids.Store(v.JobID, struct{}{})
	}

	testutil.MustWaitFor(t, func() bool {
		for _, s := range m.List() {
			if !s.Status.Terminal() {
				return false
			}
		}
		return true
	})
	close(done)
	pollers.Wait()
}

func TestJob_DatabaseSnapshotRestored(t *testing.T) {
	t.Parallel()
	fake := &enginetest.Fake{}
	m, dataDir := newManager(t, fake)

	v := createJob(t, m, CreateRequest{
		Action:        "sync_state",
		BuildArtifact: true,
		Payload: map[string]any{
			"client_id": "acme",
			"database":  base64.StdEncoding.EncodeToString([]byte("db-bytes")),
		},
	})
	waitForStatus(t, m, v.JobID, StatusCompleted)

	data, err := os.ReadFile(filepath.Join(dataDir, "callers", "acme", "tenders.db"))
	if err != nil || string(data) != "db-bytes" {
		t.Fatalf("Expected restored database, got (%q, %v)", data, err)
	}

	// Database-only artifact: nothing downloaded, but the snapshot ships.
	path, err := m.ArtifactPath(v.JobID)
	if err != nil || path == "" {
		t.Fatalf("Expected database-only artifact, got (%q, %v)", path, err)
	}
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("Failed to open artifact: %v", err)
	}
	defer r.Close()
	if len(r.File) != 1 || r.File[0].Name != "_meta/tenders.db" {
		t.Errorf("Expected only the database entry, got %v", r.File)
	}
}

func TestSingleFlight(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	fake := &enginetest.Fake{Block: block}
	m, _ := newManager(t, fake)

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = createJob(t, m, CreateRequest{Action: "fetch_tenders"}).JobID
	}

	// Exactly one job makes it into the engine; the rest queue on the lock.
	testutil.MustWaitFor(t, func() bool {
		running := 0
		for _, id := range ids {
			if v, _ := m.Get(id); v != nil && v.Status == StatusRunning {
				running++
			}
		}
		return running == 1
	})

	close(block)
	for _, id := range ids {
		waitForStatus(t, m, id, StatusCompleted)
	}

	if fake.MaxActive() != 1 {
		t.Errorf("Expected at most 1 concurrent engine invocation, got %d", fake.MaxActive())
	}
}

func TestStatusSequence_IsLegal(t *testing.T) {
	t.Parallel()
	fake := &enginetest.Fake{}
	m, _ := newManager(t, fake)

	rank := map[Status]int{
		StatusQueued:          0,
		StatusRunning:         1,
		StatusCaptchaRequired: 1,
		StatusCompleted:       2,
		StatusFailed:          2,
	}

	v := createJob(t, m, CreateRequest{Action: "fetch_organisations"})

	last := StatusQueued
	testutil.MustWaitFor(t, func() bool {
		cur, err := m.Get(v.JobID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if rank[cur.Status] < rank[last] {
			t.Fatalf("Illegal transition %s -> %s", last, cur.Status)
		}
		last = cur.Status
		return cur.Status.Terminal()
	}, testutil.WithInterval(time.Millisecond))

	if last != StatusCompleted {
		t.Errorf("Expected completed, got %s", last)
	}
}

func TestList_NewestFirst(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, &enginetest.Fake{})

	first := createJob(t, m, CreateRequest{Action: "sync_state"})
	time.Sleep(5 * time.Millisecond)
	second := createJob(t, m, CreateRequest{Action: "check_status"})

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(list))
	}
	if list[0].JobID != second.JobID || list[1].JobID != first.JobID {
		t.Errorf("Expected newest-first ordering, got %v", list)
	}
}

func TestDeliverTenderDocs_ForcesExistingFolder(t *testing.T) {
	t.Parallel()
	fake := &enginetest.Fake{}
	m, dataDir := newManager(t, fake)

	// A document downloaded in an earlier job; the diff alone would skip it.
	existing := filepath.Join(dataDir, "callers", "acme", "downloads", "tender-REF42", "old.pdf")
	if err := os.MkdirAll(filepath.Dir(existing), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(existing, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	v := createJob(t, m, CreateRequest{
		Action:        "deliver_tender_docs",
		BuildArtifact: true,
		Payload:       map[string]any{"client_id": "acme", "tender_ref": "REF42"},
	})
	waitForStatus(t, m, v.JobID, StatusCompleted)

	path, err := m.ArtifactPath(v.JobID)
	if err != nil || path == "" {
		t.Fatalf("Expected artifact, got (%q, %v)", path, err)
	}
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("Failed to open artifact: %v", err)
	}
	defer r.Close()
	found := false
	for _, f := range r.File {
		if f.Name == "tender-REF42/old.pdf" {
			found = true
		}
	}
	if !found {
		t.Error("Expected pre-existing file under the forced prefix in the artifact")
	}

	// The folder already has a file, so the engine gets an update pass.
	for _, c := range fake.Calls() {
		if c.Name == "DeliverTenderDocs" && c.Args[2] != "update" {
			t.Errorf("Expected update download, got %s", c.Args[2])
		}
	}
}

func TestDeliverTenderDocs_FullIntoEmptyFolder(t *testing.T) {
	t.Parallel()
	fake := &enginetest.Fake{}
	m, _ := newManager(t, fake)

	v := createJob(t, m, CreateRequest{
		Action:  "deliver_tender_docs",
		Payload: map[string]any{"tender_ref": "REF7", "mode": "full"},
	})
	waitForStatus(t, m, v.JobID, StatusCompleted)

	delivered := false
	for _, c := range fake.Calls() {
		if c.Name == "DeliverTenderDocs" {
			delivered = true
			if c.Args[0] != "REF7" || c.Args[2] != "full" {
				t.Errorf("Expected full delivery of REF7, got %v", c.Args)
			}
		}
	}
	if !delivered {
		t.Error("Expected DeliverTenderDocs to be invoked")
	}
}

func TestJob_CallbackEvents(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev notify.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("Bad callback body: %v", err)
		}
		mu.Lock()
		received = append(received, ev.Type)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := notify.New(notify.Config{Workers: 1}, nil)
	defer notifier.Close(context.Background())

	fake := &enginetest.Fake{Captcha: []byte("png")}
	m := NewManager(Config{
		Engine:         fake,
		DataDir:        t.TempDir(),
		CaptchaTimeout: 50 * time.Millisecond,
		Notifier:       notifier,
	})

	v := createJob(t, m, CreateRequest{
		Action:      "check_status",
		CallbackURL: srv.URL,
		CallbackKey: "hmac-key",
	})
	waitForStatus(t, m, v.JobID, StatusCompleted)

	testutil.MustWaitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	if received[0] != notify.EventCaptchaRequired {
		t.Errorf("Expected captcha_required event first, got %v", received)
	}
	if received[len(received)-1] != notify.EventCompleted {
		t.Errorf("Expected completed event last, got %v", received)
	}
}

func TestResolveTenderDir_WholeTokenOnly(t *testing.T) {
	t.Parallel()
	m, dataDir := newManager(t, &enginetest.Fake{})

	ws := workspace.ForCaller(dataDir, "acme")
	if err := ws.Ensure(); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{"tender-125", "offer_12_docs"} {
		if err := os.MkdirAll(filepath.Join(ws.DownloadsDir, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	// "tender-125" merely contains "12"; only the folder carrying 12 as a
	// whole token may claim the ref.
	dir, err := m.resolveTenderDir(ws, "12")
	if err != nil {
		t.Fatalf("resolveTenderDir failed: %v", err)
	}
	if dir != "offer_12_docs" {
		t.Errorf("Expected offer_12_docs, got %q", dir)
	}

	// No token match anywhere falls back to the computed name.
	dir, err = m.resolveTenderDir(ws, "9")
	if err != nil {
		t.Fatalf("resolveTenderDir failed: %v", err)
	}
	if dir != "tender-9" {
		t.Errorf("Expected computed tender-9, got %q", dir)
	}
}

func TestDeliverTenderDocs_MissingRef(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, &enginetest.Fake{})

	v := createJob(t, m, CreateRequest{Action: "deliver_tender_docs"})
	final := waitForStatus(t, m, v.JobID, StatusFailed)

	if !strings.Contains(final.Error, "tender_ref is required") {
		t.Errorf("Expected tender_ref validation message, got %q", final.Error)
	}
}
