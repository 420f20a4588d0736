package pipeline

import (
	"sync"
	"time"
)

// firingKey identifies one logical firing: a template on a calendar day.
func firingKey(templateID string, at time.Time) string {
	return templateID + ":" + at.UTC().Format("2006-01-02")
}

// inflightGuard rejects a duplicate wake-up for the same logical firing
// while the first one is still running. It is owned by the pipeline
// instance, so separate pipelines (e.g. under test) never share state.
type inflightGuard struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newInflightGuard() *inflightGuard {
	return &inflightGuard{keys: map[string]struct{}{}}
}

func (g *inflightGuard) tryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.keys[key]; busy {
		return false
	}
	g.keys[key] = struct{}{}
	return true
}

func (g *inflightGuard) release(key string) {
	g.mu.Lock()
	delete(g.keys, key)
	g.mu.Unlock()
}
