// Package engine defines the contract to the legacy scraping engine.
//
// The engine is an external collaborator: it does the actual portal
// scraping, document downloads and local bookkeeping. It keeps mutable
// process-wide storage configuration and is NOT safe for concurrent use -
// callers must serialize every Configure/action pair under a single
// execution lock (the job manager owns that lock).
//
// # Sessions
//
// Interactive traffic (captcha images, answers, log lines) flows over a
// per-invocation Session rather than ambient globals, so the coupling is
// visible in every action signature. The engine writes captcha requests and
// log lines into the Session; the orchestrator writes answers back.
package engine

import (
	"context"
	"time"

	"tenderd/internal/workspace"
)

// CaptchaRequest is emitted by the engine when a portal demands an
// interactive captcha answer. The engine blocks on Session.Answers until
// one arrives.
type CaptchaRequest struct {
	Image []byte // raw captcha image bytes
}

// Answer is the reply to a CaptchaRequest. Provided is false when no answer
// arrived before the deadline; the engine decides how to proceed (typically
// by aborting the current page).
type Answer struct {
	Value    string
	Provided bool
}

// Session carries the interactive channels for one engine invocation.
// Channels are buffered by NewSession so a slow consumer never deadlocks
// the engine mid-scrape.
type Session struct {
	Captchas chan CaptchaRequest // engine -> orchestrator
	Answers  chan Answer         // orchestrator -> engine
	Logs     chan string         // engine -> orchestrator
}

// NewSession creates a session with sensible buffer sizes.
func NewSession() *Session {
	return &Session{
		Captchas: make(chan CaptchaRequest, 1),
		Answers:  make(chan Answer, 1),
		Logs:     make(chan string, 256),
	}
}

// TenderDownload selects the download strategy for DeliverTenderDocs.
type TenderDownload int

const (
	// DownloadUpdate fetches only documents missing from the local folder.
	DownloadUpdate TenderDownload = iota
	// DownloadFull re-fetches every document for the tender.
	DownloadFull
)

// Engine is the seam to the scraping engine. One method per orchestrated
// action, plus storage configuration and readiness.
//
// Configure points the engine's storage at a caller workspace and
// initializes it (schema, folder layout). It must be called, under the
// execution lock, before any action method, and the lock must be held until
// the action returns - the engine's path configuration is global state.
type Engine interface {
	Configure(ctx context.Context, ws workspace.Paths) error

	FetchOrganisations(ctx context.Context, sess *Session) error
	FetchTenders(ctx context.Context, sess *Session, pages int) error
	DownloadTenders(ctx context.Context, sess *Session, tenderIDs []string) error
	DownloadResults(ctx context.Context, sess *Session, tenderIDs []string) error
	CheckStatus(ctx context.Context, sess *Session) error
	SingleDownload(ctx context.Context, sess *Session, tenderID string) error

	// TenderDir maps an external tender reference to the folder name the
	// engine would download its documents into (relative to the caller's
	// downloads directory). It does not touch the filesystem.
	TenderDir(tenderRef string) (string, error)

	// DeliverTenderDocs downloads documents for one tender into dir.
	DeliverTenderDocs(ctx context.Context, sess *Session, tenderRef, dir string, mode TenderDownload) error

	// Ready reports whether the engine can accept work (drivers up,
	// upstream portal reachable enough to try).
	Ready(ctx context.Context) error
}

// SendLog writes a log line into the session without blocking; lines are
// dropped if the pump has fallen behind the buffer.
func (s *Session) SendLog(line string) {
	select {
	case s.Logs <- line:
	default:
	}
}

// AwaitAnswer blocks until an answer arrives or the context is done.
// Engine implementations use this after emitting a CaptchaRequest.
func (s *Session) AwaitAnswer(ctx context.Context, timeout time.Duration) Answer {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case a := <-s.Answers:
		return a
	case <-t.C:
		return Answer{}
	case <-ctx.Done():
		return Answer{}
	}
}
