package journal

import (
	"sync"
	"time"
)

// Span brackets one develop session in the journal. It records the session id
// and start time on creation and writes a single closing entry when finalized.
// Finalizing twice is a no-op.
type Span struct {
	journal   *Journal
	sessionID string
	startedAt time.Time

	once sync.Once
}

// StartSpan opens a session span and records the opening entry.
func (j *Journal) StartSpan(sessionID string) *Span {
	s := &Span{journal: j, sessionID: sessionID}
	if j != nil {
		s.startedAt = j.now()
		j.Info("session %s started", sessionID)
	}
	return s
}

// End finalizes the span. A non-nil err marks the session as failed.
func (s *Span) End(err error) {
	if s == nil || s.journal == nil {
		return
	}
	s.once.Do(func() {
		elapsed := s.journal.now().Sub(s.startedAt).Round(time.Millisecond)
		if err != nil {
			s.journal.Error("session %s ended after %s: %v", s.sessionID, elapsed, err)
			return
		}
		s.journal.Info("session %s ended after %s", s.sessionID, elapsed)
	})
}

// SessionID returns the id the span was opened with.
func (s *Span) SessionID() string {
	if s == nil {
		return ""
	}
	return s.sessionID
}

// Elapsed reports how long the span has been open.
func (s *Span) Elapsed() time.Duration {
	if s == nil || s.journal == nil {
		return 0
	}
	return s.journal.now().Sub(s.startedAt)
}
