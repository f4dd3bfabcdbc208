// Package job owns the job registry, the status state machine, and the
// per-job helpers (captcha bridge, log pump) that sit between HTTP clients
// and the scraping engine.
package job

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"tenderd/internal/engine"
)

// Status is a job's externally visible state.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusRunning         Status = "running"
	StatusCaptchaRequired Status = "captcha_required"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	// maxVisibleLogs bounds the log window returned to clients.
	maxVisibleLogs = 400
	// maxStoredLogs bounds internal growth for very chatty scrapes.
	maxStoredLogs = 1000
)

// Challenge is an outstanding captcha surfaced to the client.
type Challenge struct {
	ID        string
	Image     []byte
	ExpiresAt time.Time
}

// Job is one asynchronous execution of an action. All fields behind mu;
// the worker is the only writer of status except the captcha bridge.
type Job struct {
	mu sync.Mutex

	id            string
	action        Action
	payload       map[string]any // secrets stripped at creation, read-only after
	database      string         // base64 db snapshot, never exposed in views
	buildArtifact bool
	callbackURL   string
	callbackKey   string

	status    Status
	createdAt time.Time
	updatedAt time.Time

	result  map[string]any
	errMsg  string
	logs    []string
	dropped int // log lines trimmed from the front

	challenge *Challenge
	answerCh  chan engine.Answer

	artifactPath string
}

// CaptchaView is the transport form of a Challenge.
type CaptchaView struct {
	ChallengeID string    `json:"challenge_id"`
	ImageBase64 string    `json:"image_base64"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// View is the full job representation returned to clients.
type View struct {
	JobID     string         `json:"job_id"`
	Action    string         `json:"action"`
	Status    Status         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Payload   map[string]any `json:"payload,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Logs      []string       `json:"logs"`
	Captcha   *CaptchaView   `json:"captcha,omitempty"`
}

// Summary is the compact listing form.
type Summary struct {
	JobID     string    `json:"job_id"`
	Action    string    `json:"action"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (j *Job) touchLocked() {
	j.updatedAt = time.Now().UTC()
}

func (j *Job) setStatus(s Status) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = s
	j.touchLocked()
}

func (j *Job) appendLog(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	stamped := fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), line)
	j.logs = append(j.logs, stamped)
	if len(j.logs) > maxStoredLogs {
		trim := len(j.logs) - maxStoredLogs
		j.logs = j.logs[trim:]
		j.dropped += trim
	}
	j.touchLocked()
}

// postChallenge installs a fresh captcha on the job and flips its status.
func (j *Job) postChallenge(c *Challenge, answers chan engine.Answer) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.challenge = c
	j.answerCh = answers
	j.status = StatusCaptchaRequired
	j.touchLocked()
}

// clearChallenge removes any outstanding captcha. If the job was still
// waiting on it, the status reverts to running.
func (j *Job) clearChallenge() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.challenge = nil
	j.answerCh = nil
	if j.status == StatusCaptchaRequired {
		j.status = StatusRunning
	}
	j.touchLocked()
}

// submitAnswer hands value to the waiting bridge if challengeID matches the
// single outstanding challenge. At most one answer is accepted per
// challenge; later submissions and stale ids return false.
func (j *Job) submitAnswer(challengeID, value string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.challenge == nil || j.challenge.ID != challengeID || j.answerCh == nil {
		return false
	}
	if time.Now().After(j.challenge.ExpiresAt) {
		return false
	}

	select {
	case j.answerCh <- engine.Answer{Value: value, Provided: true}:
		j.answerCh = nil // single-slot, used exactly once
		j.touchLocked()
		return true
	default:
		return false
	}
}

func (j *Job) complete(result map[string]any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.result = result
	j.status = StatusCompleted
	j.touchLocked()
}

func (j *Job) fail(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errMsg = msg
	j.status = StatusFailed
	j.touchLocked()
}

func (j *Job) setArtifactPath(path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.artifactPath = path
	j.touchLocked()
}

// View snapshots the job for transport. Maps and slices are copied so the
// caller can serialize without racing the worker.
func (j *Job) View() *View {
	j.mu.Lock()
	defer j.mu.Unlock()

	v := &View{
		JobID:     j.id,
		Action:    string(j.action),
		Status:    j.status,
		CreatedAt: j.createdAt,
		UpdatedAt: j.updatedAt,
		Error:     j.errMsg,
	}

	if j.payload != nil {
		v.Payload = make(map[string]any, len(j.payload))
		for k, val := range j.payload {
			v.Payload[k] = val
		}
	}
	if j.result != nil {
		v.Result = make(map[string]any, len(j.result))
		for k, val := range j.result {
			v.Result[k] = val
		}
	}

	logs := j.logs
	if len(logs) > maxVisibleLogs {
		logs = logs[len(logs)-maxVisibleLogs:]
	}
	v.Logs = append([]string{}, logs...)

	if j.challenge != nil {
		v.Captcha = &CaptchaView{
			ChallengeID: j.challenge.ID,
			ImageBase64: base64.StdEncoding.EncodeToString(j.challenge.Image),
			ExpiresAt:   j.challenge.ExpiresAt,
		}
	}
	return v
}

// Summary snapshots the compact listing form.
func (j *Job) Summary() Summary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Summary{
		JobID:     j.id,
		Action:    string(j.action),
		Status:    j.status,
		CreatedAt: j.createdAt,
		UpdatedAt: j.updatedAt,
	}
}

// CurrentStatus returns the job's status.
func (j *Job) CurrentStatus() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}
