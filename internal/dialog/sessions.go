package dialog

import (
	"sync"
	"time"

	"budgenator/internal/domain"
)

// Step is a chat's position in the configuration dialogue.
type Step string

const (
	StepEventType  Step = "EVENT_TYPE"
	StepBasis      Step = "BASIS"
	StepDayOfWeek  Step = "DAY_OF_WEEK"
	StepDayOfMonth Step = "DAY_OF_MONTH"
	StepTime       Step = "TIME"
	StepOnDuty     Step = "ON_DUTY"
)

// session is one chat's dialogue position plus the half-built entry.
type session struct {
	step      Step
	entry     *domain.ScheduleEntry
	updatedAt time.Time
}

// Sessions holds per-chat dialogue state in memory. Losing a session is
// cheap: the chat simply restarts from the menu on its next message,
// while everything committed lives in the stores.
type Sessions struct {
	mu  sync.Mutex
	m   map[int64]*session
	ttl time.Duration
	now func() time.Time
}

func NewSessions(ttl time.Duration) *Sessions {
	return &Sessions{m: map[int64]*session{}, ttl: ttl, now: time.Now}
}

// get returns the chat's session and, when present, counts the lookup
// as activity so a chat mid-dialogue is not evicted under its feet.
func (s *Sessions) get(chatID int64) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[chatID]
	if ok {
		sess.updatedAt = s.now()
	}
	return sess, ok
}

func (s *Sessions) put(chatID int64, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.updatedAt = s.now()
	s.m[chatID] = sess
}

func (s *Sessions) delete(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, chatID)
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// EvictIdle drops sessions whose last activity is older than the TTL
// and reports how many went. The app drives it from a ticker.
func (s *Sessions) EvictIdle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.ttl)
	n := 0
	for chatID, sess := range s.m {
		if sess.updatedAt.Before(cutoff) {
			delete(s.m, chatID)
			n++
		}
	}
	return n
}
