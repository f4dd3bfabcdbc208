package job

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tenderd/internal/apperrors"
	"tenderd/internal/artifact"
	"tenderd/internal/engine"
	"tenderd/internal/notify"
	"tenderd/internal/observability"
	"tenderd/internal/workspace"
)

// helperStopWait bounds how long the worker waits for the captcha bridge
// and log pump to exit after signalling them.
const helperStopWait = 2 * time.Second

// Config holds manager dependencies and tuning. Metrics, Notifier and
// Uploader are optional.
type Config struct {
	Engine         engine.Engine
	DataDir        string
	CaptchaTimeout time.Duration
	Metrics        *observability.Metrics
	Notifier       *notify.Notifier
	Uploader       artifact.Uploader
}

// Manager owns the in-memory job registry and serializes all engine work.
//
// The engine keeps global mutable storage configuration and is not
// re-entrant, so execMu is held for the whole window from workspace
// configuration through action return. Jobs accepted concurrently queue on
// that lock; there is no fairness guarantee.
type Manager struct {
	engine         engine.Engine
	dataDir        string
	captchaTimeout time.Duration
	metrics        *observability.Metrics
	notifier       *notify.Notifier
	uploader       artifact.Uploader
	logger         *slog.Logger

	execMu sync.Mutex

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewManager creates a manager.
func NewManager(cfg Config) *Manager {
	timeout := cfg.CaptchaTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Manager{
		engine:         cfg.Engine,
		dataDir:        cfg.DataDir,
		captchaTimeout: timeout,
		metrics:        cfg.Metrics,
		notifier:       cfg.Notifier,
		uploader:       cfg.Uploader,
		logger:         slog.With("component", "jobs"),
		jobs:           make(map[string]*Job),
	}
}

// CreateRequest is an accepted job submission.
type CreateRequest struct {
	Action        string
	Payload       map[string]any
	BuildArtifact bool
	CallbackURL   string
	CallbackKey   string
}

// Create allocates a queued job, starts its worker, and returns the queued
// view immediately.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*View, error) {
	action, err := ParseAction(req.Action)
	if err != nil {
		return nil, err
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	// Secrets leave the payload before the job becomes visible to anyone;
	// after this point the map is never written again, so views can iterate
	// it freely. The database snapshot survives in a private field for the
	// worker.
	database := stringField(payload, "database")
	stripSecrets(payload)

	now := time.Now().UTC()
	j := &Job{
		id:            uuid.NewString(),
		action:        action,
		payload:       payload,
		database:      database,
		buildArtifact: req.BuildArtifact,
		callbackURL:   req.CallbackURL,
		callbackKey:   req.CallbackKey,
		status:        StatusQueued,
		createdAt:     now,
		updatedAt:     now,
	}

	m.mu.Lock()
	m.jobs[j.id] = j
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordJobCreated(ctx, action.String())
	}
	m.logger.Info("Job accepted", "jobId", j.id, "action", action)

	go m.run(j)

	return j.View(), nil
}

// Get returns a snapshot of one job.
func (m *Manager) Get(id string) (*View, error) {
	j, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return j.View(), nil
}

// List returns compact summaries, newest first.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Summary, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Summary())
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// SubmitCaptcha delivers an answer for the job's outstanding challenge.
// Returns false without side effects when the challenge id is stale,
// expired, already answered, or absent.
func (m *Manager) SubmitCaptcha(id, challengeID, value string) (bool, error) {
	j, err := m.lookup(id)
	if err != nil {
		return false, err
	}

	accepted := j.submitAnswer(challengeID, trimmed(value))
	if accepted && m.metrics != nil {
		m.metrics.RecordCaptchaAnswered(context.Background(), string(j.action))
	}
	return accepted, nil
}

// ArtifactPath returns the packaged artifact's location, or "" if none.
func (m *Manager) ArtifactPath(id string) (string, error) {
	j, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.artifactPath, nil
}

func (m *Manager) lookup(id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j, nil
}

// run is the worker's outer envelope: it executes the job, records the
// terminal state, and never lets an error (or panic) escape the goroutine.
func (m *Manager) run(j *Job) {
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		return m.execute(j)
	}()

	success := err == nil
	if success {
		m.logger.Info("Job completed", "jobId", j.id, "action", j.action, "duration", time.Since(start))
	} else {
		j.appendLog("job failed: " + err.Error())
		j.fail(err.Error())
		m.logger.Warn("Job failed", "jobId", j.id, "action", j.action, "error", err)
	}

	if m.metrics != nil {
		m.metrics.RecordJobCompleted(context.Background(), string(j.action), success, time.Since(start).Seconds())
	}
	m.notifyTerminal(j, success)
}

// execute runs one job under the global execution lock. Any returned error
// fails the job.
func (m *Manager) execute(j *Job) error {
	ctx := context.Background()

	// Queued until the lock is ours; this is the only queuing point.
	m.execMu.Lock()
	defer m.execMu.Unlock()

	j.setStatus(StatusRunning)
	j.appendLog("execution started")

	callerID := stringField(j.payload, "client_id")
	ws := workspace.ForCaller(m.dataDir, callerID)
	if err := ws.Ensure(); err != nil {
		return err
	}

	if j.database != "" {
		if err := ws.RestoreDatabase(j.database); err != nil {
			return err
		}
		j.appendLog("database snapshot restored")
	}

	if err := m.engine.Configure(ctx, ws); err != nil {
		return fmt.Errorf("engine configuration failed: %w", err)
	}

	before, err := artifact.Take(ws.DownloadsDir)
	if err != nil {
		return err
	}

	sess := engine.NewSession()
	stop := make(chan struct{})
	var helpers sync.WaitGroup
	helpers.Add(2)
	go func() {
		defer helpers.Done()
		m.captchaBridge(j, sess, stop)
	}()
	go func() {
		defer helpers.Done()
		m.logPump(j, sess, stop)
	}()

	forced, actionErr := m.invoke(ctx, j, sess, ws)

	// Stop helpers and wait briefly; their loops observe stop on the next
	// select. The challenge is cleared unconditionally - a job never leaves
	// the worker with a dangling captcha.
	close(stop)
	waitWithTimeout(&helpers, helperStopWait)
	j.clearChallenge()

	if actionErr != nil {
		return actionErr
	}

	after, err := artifact.Take(ws.DownloadsDir)
	if err != nil {
		return err
	}

	result := map[string]any{
		"changed_files":      len(artifact.Changed(before, after, forced)),
		"artifact_available": false,
	}

	if j.buildArtifact {
		built, err := artifact.Build(artifact.BuildInput{
			Root:          ws.DownloadsDir,
			Before:        before,
			After:         after,
			DatabaseFile:  ws.DatabaseFile,
			OutDir:        filepath.Join(m.dataDir, "artifacts"),
			Name:          j.id,
			ForcePrefixes: forced,
		})
		if err != nil {
			return fmt.Errorf("artifact build failed: %w", err)
		}
		result["changed_files"] = built.ChangedFiles
		if built.Path != "" {
			j.setArtifactPath(built.Path)
			result["artifact_available"] = true
			j.appendLog(fmt.Sprintf("artifact packaged (%d changed files)", built.ChangedFiles))
			m.uploadArtifact(ctx, j, built.Path, result)
		}
	}

	j.appendLog("execution finished")
	j.complete(result)
	return nil
}

// uploadArtifact pushes the zip to remote storage when configured. Upload
// failures never fail the job; the local file stays authoritative.
func (m *Manager) uploadArtifact(ctx context.Context, j *Job, path string, result map[string]any) {
	if m.uploader == nil {
		return
	}
	location, err := m.uploader.Upload(ctx, j.id+".zip", path)
	if err != nil {
		m.logger.Warn("Artifact upload failed", "jobId", j.id, "error", err)
		j.appendLog("artifact upload failed: " + err.Error())
		return
	}
	result["artifact_remote"] = location
}

// invoke dispatches to the engine call for the job's action, extracting
// only the payload fields that action needs. It returns the prefixes to
// force-include in the artifact. The switch is total over the Action
// constants; the default is a programming error and fails the job.
func (m *Manager) invoke(ctx context.Context, j *Job, sess *engine.Session, ws workspace.Paths) ([]string, error) {
	switch j.action {
	case ActionSyncState:
		j.appendLog("state sync requested; no engine work")
		return nil, nil

	case ActionFetchOrganisations:
		return nil, m.engine.FetchOrganisations(ctx, sess)

	case ActionFetchTenders:
		pages := intField(j.payload, "pages", 1)
		if pages < 1 {
			return nil, apperrors.Validation("pages", "pages must be at least 1")
		}
		return nil, m.engine.FetchTenders(ctx, sess, pages)

	case ActionDownloadTenders:
		return nil, m.engine.DownloadTenders(ctx, sess, stringListField(j.payload, "tender_ids"))

	case ActionDownloadResults:
		return nil, m.engine.DownloadResults(ctx, sess, stringListField(j.payload, "tender_ids"))

	case ActionCheckStatus:
		return nil, m.engine.CheckStatus(ctx, sess)

	case ActionSingleDownload:
		tenderID := stringField(j.payload, "tender_id")
		if tenderID == "" {
			return nil, apperrors.Validation("tender_id", "tender_id is required")
		}
		return nil, m.engine.SingleDownload(ctx, sess, tenderID)

	case ActionDeliverTenderDocs:
		return m.deliverTenderDocs(ctx, j, sess, ws)

	default:
		return nil, fmt.Errorf("no dispatch for action %q", j.action)
	}
}

func (m *Manager) notifyTerminal(j *Job, success bool) {
	if m.notifier == nil || j.callbackURL == "" {
		return
	}

	v := j.View()
	eventType := notify.EventCompleted
	data := map[string]any{}
	if success {
		data["result"] = v.Result
	} else {
		eventType = notify.EventFailed
		data["error"] = v.Error
	}

	event := notify.NewEvent(eventType, v.JobID, v.Action, string(v.Status), data)
	if err := m.notifier.Publish(&notify.Delivery{Event: event, URL: j.callbackURL, SigningKey: j.callbackKey}); err != nil {
		m.logger.Warn("Callback publish failed", "jobId", j.id, "error", err)
	}
}

// notifyCaptcha pushes a captcha_required event so remote integrations can
// prompt their operator instead of polling for the challenge.
func (m *Manager) notifyCaptcha(j *Job, challenge *Challenge) {
	if m.notifier == nil || j.callbackURL == "" {
		return
	}

	event := notify.NewEvent(notify.EventCaptchaRequired, j.id, string(j.action), string(StatusCaptchaRequired), map[string]any{
		"challenge_id": challenge.ID,
		"expires_at":   challenge.ExpiresAt,
	})
	if err := m.notifier.Publish(&notify.Delivery{Event: event, URL: j.callbackURL, SigningKey: j.callbackKey}); err != nil {
		m.logger.Warn("Callback publish failed", "jobId", j.id, "error", err)
	}
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

