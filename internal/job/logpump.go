package job

import "tenderd/internal/engine"

// logPump drains the session's log stream into the job's own buffer so
// polling clients get incremental visibility into long scrapes. On stop it
// drains whatever is already buffered, then exits.
func (m *Manager) logPump(j *Job, sess *engine.Session, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			for {
				select {
				case line := <-sess.Logs:
					j.appendLog(line)
				default:
					return
				}
			}
		case line := <-sess.Logs:
			j.appendLog(line)
		}
	}
}
