package job

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tenderd/internal/engine"
)

// captchaBridge turns the engine's blocking "I need a captcha" signal into
// an HTTP-pollable challenge, and a submitted answer back into the value
// the engine is waiting on. It runs for the lifetime of one job's
// execution and exits promptly on stop.
//
// The session channels are per-invocation and the execution lock
// guarantees a single running job, so a challenge observed here always
// belongs to this job.
func (m *Manager) captchaBridge(j *Job, sess *engine.Session, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case req := <-sess.Captchas:
			m.handleChallenge(j, sess, req, stop)
		}
	}
}

func (m *Manager) handleChallenge(j *Job, sess *engine.Session, req engine.CaptchaRequest, stop <-chan struct{}) {
	challenge := &Challenge{
		ID:        uuid.NewString(),
		Image:     req.Image,
		ExpiresAt: time.Now().UTC().Add(m.captchaTimeout),
	}
	answers := make(chan engine.Answer, 1)

	j.postChallenge(challenge, answers)
	j.appendLog("captcha required")
	if m.metrics != nil {
		m.metrics.RecordCaptchaIssued(context.Background(), string(j.action))
	}
	m.notifyCaptcha(j, challenge)

	deadline := time.NewTimer(time.Until(challenge.ExpiresAt))
	defer deadline.Stop()

	var answer engine.Answer
	select {
	case answer = <-answers:
		j.appendLog("captcha answer submitted")
	case <-deadline.C:
		j.appendLog("captcha timed out or cancelled")
		if m.metrics != nil {
			m.metrics.RecordCaptchaExpired(context.Background(), string(j.action))
		}
	case <-stop:
		j.appendLog("captcha timed out or cancelled")
	}

	// The engine blocks on the answer channel either way; an unanswered
	// challenge gets the explicit no-answer sentinel so it can abort the
	// current page instead of hanging.
	select {
	case sess.Answers <- answer:
	case <-time.After(time.Second):
	}

	j.clearChallenge()
}
