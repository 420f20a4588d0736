package timer

import (
	"errors"
	"sort"
	"sync"
	"time"

	logx "expensed/pkg/logx"
)

// FireFunc handles a wake-up event for the given id.
type FireFunc func(id string, firedAt time.Time)

type Info struct {
	ID     string
	FireAt time.Time
}

// Service is the platform wake-up facility. Registered timers are runtime
// state only; they do not survive a restart. The coordinator's Reconcile
// rebuilds them from persisted metadata.
type Service interface {
	Register(id string, at time.Time) error
	Cancel(id string)
	ListAll() []Info
}

// InProc implements Service with time.AfterFunc.
//
// Upserts bump a per-id version counter so a callback from a replaced or
// cancelled timer is ignored instead of firing twice.
type InProc struct {
	mu     sync.Mutex
	fire   FireFunc
	timers map[string]*time.Timer
	at     map[string]time.Time
	ver    map[string]uint64
	closed bool

	log logx.Logger
}

func NewInProc(log logx.Logger) *InProc {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &InProc{
		timers: map[string]*time.Timer{},
		at:     map[string]time.Time{},
		ver:    map[string]uint64{},
		log:    log,
	}
}

// SetHandler installs the wake-up handler. Must be called before Register.
func (s *InProc) SetHandler(fire FireFunc) {
	s.mu.Lock()
	s.fire = fire
	s.mu.Unlock()
}

func (s *InProc) Register(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("timer service closed")
	}
	if s.fire == nil {
		return errors.New("timer service has no handler")
	}

	// Upsert: replace any existing timer for this id.
	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
		delete(s.timers, id)
	}
	ver := s.ver[id] + 1
	s.ver[id] = ver
	s.at[id] = at

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	localID := id
	localVer := ver
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.closed || s.ver[localID] != localVer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, localID)
		delete(s.at, localID)
		fire := s.fire
		s.mu.Unlock()

		if fire != nil {
			fire(localID, time.Now())
		}
	})
	return nil
}

func (s *InProc) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
		delete(s.timers, id)
	}
	delete(s.at, id)
	// Bump the version so an already-fired callback becomes a no-op.
	s.ver[id]++
}

func (s *InProc) ListAll() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.at))
	for id, at := range s.at {
		out = append(out, Info{ID: id, FireAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}

// Close stops all timers. Further Register calls fail.
func (s *InProc) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		_ = t.Stop()
		delete(s.timers, id)
	}
	s.at = map[string]time.Time{}
}
