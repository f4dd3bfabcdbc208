package engine

import (
	"context"
	"errors"

	"tenderd/internal/workspace"
)

// ErrUnbound is returned by the Unbound engine for every operation.
var ErrUnbound = errors.New("no scraping engine bound to this binary")

// Unbound is the default engine binding. A binary built without a portal
// engine overlay refuses all work and fails the readiness probe.
type Unbound struct{}

var _ Engine = Unbound{}

func (Unbound) Configure(ctx context.Context, ws workspace.Paths) error { return ErrUnbound }

func (Unbound) FetchOrganisations(ctx context.Context, sess *Session) error { return ErrUnbound }

func (Unbound) FetchTenders(ctx context.Context, sess *Session, pages int) error {
	return ErrUnbound
}

func (Unbound) DownloadTenders(ctx context.Context, sess *Session, tenderIDs []string) error {
	return ErrUnbound
}

func (Unbound) DownloadResults(ctx context.Context, sess *Session, tenderIDs []string) error {
	return ErrUnbound
}

func (Unbound) CheckStatus(ctx context.Context, sess *Session) error { return ErrUnbound }

func (Unbound) SingleDownload(ctx context.Context, sess *Session, tenderID string) error {
	return ErrUnbound
}

func (Unbound) TenderDir(tenderRef string) (string, error) { return "", ErrUnbound }

func (Unbound) DeliverTenderDocs(ctx context.Context, sess *Session, tenderRef, dir string, mode TenderDownload) error {
	return ErrUnbound
}

func (Unbound) Ready(ctx context.Context) error { return ErrUnbound }
