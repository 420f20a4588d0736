package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"expensed/internal/schedule"
	"expensed/internal/storage"
	"expensed/internal/template"
	logx "expensed/pkg/logx"
)

const wakeupPrefix = "wakeup:"

// Wakeup is the durable record of a scheduled wake-up. The platform timer
// itself is runtime-only; this survives restarts.
type Wakeup struct {
	TemplateID   string    `json:"template_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
	CreatedAt    time.Time `json:"created_at"`
}

// Coordinator owns the templateId -> wake-up mapping. It recomputes fire
// times from rules (never from stale cached values), persists wake-up
// metadata and registers platform timers.
type Coordinator struct {
	kv        storage.Store
	timers    Service
	templates *template.Store
	log       logx.Logger

	now func() time.Time
}

func NewCoordinator(kv storage.Store, timers Service, templates *template.Store, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		kv:        kv,
		timers:    timers,
		templates: templates,
		log:       log,
		now:       time.Now,
	}
}

// SetClock overrides the wall clock. Test hook.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Schedule computes the template's next fire time and arms a wake-up for it.
//
// A nil rule, or a rule yielding no future occurrence, cancels any existing
// wake-up and returns ok=false. An invalid rule is a configuration error and
// is returned without touching existing state. Existing wake-ups are
// replaced, never left dangling.
func (c *Coordinator) Schedule(ctx context.Context, tpl *template.Template) (time.Time, bool, error) {
	if tpl == nil {
		return time.Time{}, false, fmt.Errorf("nil template")
	}
	rule := tpl.Scheduling
	if rule == nil {
		return time.Time{}, false, c.Cancel(ctx, tpl.ID)
	}
	if err := rule.Validate(); err != nil {
		return time.Time{}, false, err
	}

	next, ok := schedule.Next(*rule, c.now())
	if !ok {
		// Disabled, paused, or past the end date: nothing to arm.
		return time.Time{}, false, c.Cancel(ctx, tpl.ID)
	}

	w := Wakeup{TemplateID: tpl.ID, ScheduledFor: next, CreatedAt: c.now()}
	b, err := json.Marshal(w)
	if err != nil {
		return time.Time{}, false, err
	}
	if err := c.kv.Set(ctx, wakeupPrefix+tpl.ID, b); err != nil {
		return time.Time{}, false, fmt.Errorf("persist wakeup for %s: %w", tpl.ID, err)
	}

	// Timer registration is local and normally infallible. Retry once, then
	// surface the failure so a template save fails visibly instead of
	// silently not scheduling.
	if err := c.timers.Register(tpl.ID, next); err != nil {
		c.log.Warn("timer registration failed; retrying once", logx.String("template", tpl.ID), logx.Err(err))
		if err = c.timers.Register(tpl.ID, next); err != nil {
			_ = c.kv.Remove(ctx, wakeupPrefix+tpl.ID)
			return time.Time{}, false, fmt.Errorf("register timer for %s: %w", tpl.ID, err)
		}
	}

	// Refresh the display cache on the template record.
	rule.NextRun = next
	if err := c.templates.Put(ctx, tpl); err != nil {
		c.log.Warn("next-run cache update failed", logx.String("template", tpl.ID), logx.Err(err))
	}

	c.log.Debug("wakeup armed", logx.String("template", tpl.ID), logx.Time("at", next))
	return next, true, nil
}

// Cancel removes the wake-up metadata and the platform timer. Idempotent.
func (c *Coordinator) Cancel(ctx context.Context, templateID string) error {
	c.timers.Cancel(templateID)
	if err := c.kv.Remove(ctx, wakeupPrefix+templateID); err != nil {
		return fmt.Errorf("remove wakeup for %s: %w", templateID, err)
	}
	return nil
}

// Wakeups returns the persisted wake-up records, keyed by template id.
func (c *Coordinator) Wakeups(ctx context.Context) (map[string]Wakeup, error) {
	raw, err := c.kv.List(ctx, wakeupPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Wakeup, len(raw))
	for k, b := range raw {
		var w Wakeup
		if err := json.Unmarshal(b, &w); err != nil {
			c.log.Warn("dropping undecodable wakeup record", logx.String("key", k), logx.Err(err))
			continue
		}
		out[w.TemplateID] = w
	}
	return out, nil
}

type ReconcileReport struct {
	Armed   int
	Skipped int
	Orphans int
	Errors  int
}

// Reconcile rebuilds live wake-ups from persisted template state.
//
// Fire times are recomputed from the current wall clock, not from persisted
// values: a process offline past several fire times resumes with exactly one
// future wake-up per enabled template, never a backlog. Orphan timers and
// wake-up records with no matching enabled template are removed.
func (c *Coordinator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport

	tpls, err := c.templates.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list templates: %w", err)
	}

	active := map[string]bool{}
	for _, tpl := range tpls {
		r := tpl.Scheduling
		if r == nil || !r.Enabled || r.Paused {
			rep.Skipped++
			continue
		}
		if _, ok, err := c.Schedule(ctx, tpl); err != nil {
			rep.Errors++
			c.log.Error("reconcile: scheduling failed", logx.String("template", tpl.ID), logx.Err(err))
		} else if ok {
			active[tpl.ID] = true
			rep.Armed++
		} else {
			rep.Skipped++
		}
	}

	// Orphan cleanup: persisted wake-ups for unknown/disabled templates.
	wks, err := c.Wakeups(ctx)
	if err != nil {
		return rep, err
	}
	for id := range wks {
		if active[id] {
			continue
		}
		rep.Orphans++
		if err := c.Cancel(ctx, id); err != nil {
			rep.Errors++
			c.log.Warn("reconcile: orphan cleanup failed", logx.String("template", id), logx.Err(err))
		}
	}

	// Live timers with no backing template fall out the same way.
	for _, info := range c.timers.ListAll() {
		if !active[info.ID] {
			c.timers.Cancel(info.ID)
			rep.Orphans++
		}
	}

	c.log.Info("reconcile complete",
		logx.Int("armed", rep.Armed),
		logx.Int("skipped", rep.Skipped),
		logx.Int("orphans", rep.Orphans),
		logx.Int("errors", rep.Errors))
	return rep, nil
}
