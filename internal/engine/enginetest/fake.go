// Package enginetest provides a scripted in-memory engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tenderd/internal/engine"
	"tenderd/internal/workspace"
)

// Call records one engine invocation.
type Call struct {
	Name string
	Args []string
}

// Fake is a scriptable engine. Configure the exported fields before
// starting jobs; accessors are safe for concurrent use.
type Fake struct {
	Err        error             // returned by every action when set
	ReadyErr   error             // returned by Ready
	EmitLogs   []string          // log lines written into the session per action
	WriteRel   map[string]string // files written under DownloadsDir per action
	Captcha    []byte            // when set, the next action emits one challenge
	AnswerWait time.Duration     // how long to await the answer (default 5s)
	Block      chan struct{}     // when set, actions block until closed

	mu         sync.Mutex
	ws         workspace.Paths
	calls      []Call
	lastAnswer engine.Answer
	active     int
	maxActive  int
}

var _ engine.Engine = (*Fake)(nil)

func (f *Fake) Configure(ctx context.Context, ws workspace.Paths) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ws = ws
	f.calls = append(f.calls, Call{Name: "Configure", Args: []string{ws.Root}})
	return nil
}

func (f *Fake) FetchOrganisations(ctx context.Context, sess *engine.Session) error {
	return f.action(ctx, sess, "FetchOrganisations")
}

func (f *Fake) FetchTenders(ctx context.Context, sess *engine.Session, pages int) error {
	return f.action(ctx, sess, "FetchTenders", fmt.Sprint(pages))
}

func (f *Fake) DownloadTenders(ctx context.Context, sess *engine.Session, tenderIDs []string) error {
	return f.action(ctx, sess, "DownloadTenders", tenderIDs...)
}

func (f *Fake) DownloadResults(ctx context.Context, sess *engine.Session, tenderIDs []string) error {
	return f.action(ctx, sess, "DownloadResults", tenderIDs...)
}

func (f *Fake) CheckStatus(ctx context.Context, sess *engine.Session) error {
	return f.action(ctx, sess, "CheckStatus")
}

func (f *Fake) SingleDownload(ctx context.Context, sess *engine.Session, tenderID string) error {
	return f.action(ctx, sess, "SingleDownload", tenderID)
}

func (f *Fake) TenderDir(tenderRef string) (string, error) {
	return "tender-" + tenderRef, nil
}

func (f *Fake) DeliverTenderDocs(ctx context.Context, sess *engine.Session, tenderRef, dir string, mode engine.TenderDownload) error {
	modeName := "update"
	if mode == engine.DownloadFull {
		modeName = "full"
	}
	return f.action(ctx, sess, "DeliverTenderDocs", tenderRef, dir, modeName)
}

func (f *Fake) Ready(ctx context.Context) error {
	return f.ReadyErr
}

// action is the shared body: record concurrency, emit scripted logs and
// captcha, write scripted files, honor Block, return Err.
func (f *Fake) action(ctx context.Context, sess *engine.Session, name string, args ...string) error {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.calls = append(f.calls, Call{Name: name, Args: args})
	captcha := f.Captcha
	f.Captcha = nil
	writes := f.WriteRel
	logs := f.EmitLogs
	block := f.Block
	wait := f.AnswerWait
	ws := f.ws
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	for _, line := range logs {
		sess.SendLog(line)
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if captcha != nil {
		if wait <= 0 {
			wait = 5 * time.Second
		}
		sess.Captchas <- engine.CaptchaRequest{Image: captcha}
		ans := sess.AwaitAnswer(ctx, wait)
		f.mu.Lock()
		f.lastAnswer = ans
		f.mu.Unlock()
	}

	for rel, content := range writes {
		path := filepath.Join(ws.DownloadsDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}

	return f.Err
}

// Calls returns the recorded invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call{}, f.calls...)
}

// LastAnswer returns the answer received for the most recent challenge.
func (f *Fake) LastAnswer() engine.Answer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAnswer
}

// MaxActive returns the peak number of concurrent action invocations.
func (f *Fake) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}
