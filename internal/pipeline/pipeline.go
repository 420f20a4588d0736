package pipeline

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"expensed/internal/eventbus"
	"expensed/internal/expense"
	"expensed/internal/template"
	"expensed/internal/timer"
	logx "expensed/pkg/logx"
)

// Stage names one step of a firing, for logs and events.
type Stage string

const (
	StageResolving   Stage = "resolving"
	StageBuilding    Stage = "building"
	StageSubmitting  Stage = "submitting"
	StageRecording   Stage = "recording"
	StageRescheduled Stage = "rescheduled"
)

// ExpenseAPI is the remote creation collaborator: a three-step protocol
// where each step depends on the previous one.
type ExpenseAPI interface {
	CreateDraft(ctx context.Context, p expense.Payload) (expense.Draft, error)
	Finalize(ctx context.Context, draftID string, p expense.Payload) error
	Submit(ctx context.Context, draftID string) error
}

// FiringEvent is published on the bus for every firing outcome.
type FiringEvent struct {
	TemplateID string        `json:"template_id"`
	Template   string        `json:"template"`
	FiredAt    time.Time     `json:"fired_at"`
	Duration   time.Duration `json:"duration"`
	Stage      Stage         `json:"stage"`
	RemoteID   string        `json:"remote_id,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Pipeline turns a wake-up event into a created remote expense record,
// with an audit record and a re-armed next occurrence.
type Pipeline struct {
	templates *template.Store
	coord     *timer.Coordinator
	api       ExpenseAPI
	bus       eventbus.Bus
	log       logx.Logger

	guard *inflightGuard
	now   func() time.Time
}

func New(templates *template.Store, coord *timer.Coordinator, api ExpenseAPI, bus eventbus.Bus, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		templates: templates,
		coord:     coord,
		api:       api,
		bus:       bus,
		log:       log,
		guard:     newInflightGuard(),
		now:       time.Now,
	}
}

// SetClock overrides the wall clock. Test hook.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// Fire runs one firing to completion. It never returns an error and never
// panics out: whatever happens mid-firing, the next occurrence must still
// get armed.
func (p *Pipeline) Fire(ctx context.Context, templateID string, firedAt time.Time) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic in firing", logx.String("template", templateID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	key := firingKey(templateID, firedAt)
	if !p.guard.tryAcquire(key) {
		p.log.Debug("duplicate firing rejected", logx.String("key", key))
		return
	}
	defer p.guard.release(key)

	start := p.now()
	log := p.log.With(logx.String("template", templateID))

	// Resolving.
	tpl, err := p.templates.Get(ctx, templateID)
	if errors.Is(err, template.ErrNotFound) {
		// Deleted after the timer was set. Cleanup, not an error.
		log.Info("template gone; cancelling orphan wakeup")
		if cerr := p.coord.Cancel(ctx, templateID); cerr != nil {
			log.Warn("orphan cleanup failed", logx.Err(cerr))
		}
		return
	}
	if err != nil {
		// Storage fault: without the template there is nothing to build or
		// reschedule from. Leave the wakeup in place for the next reconcile.
		log.Error("template resolve failed", logx.Err(err))
		return
	}

	p.publish(eventbus.TypeFiringStarted, FiringEvent{TemplateID: tpl.ID, Template: tpl.Name, FiredAt: firedAt, Stage: StageResolving})

	// Building.
	payload := Substitute(tpl.Expense, firedAt)
	if verr := payload.Validate(); verr != nil {
		log.Warn("payload validation failed", logx.Err(verr))
		rec := template.ExecutionRecord{
			ExecutedAt: firedAt,
			Status:     template.StatusFailure,
			Error:      verr.Error(),
			Duration:   p.now().Sub(start),
		}
		p.record(ctx, tpl, rec, log)
		p.reschedule(ctx, tpl, log)
		p.publish(eventbus.TypeFiringFailed, FiringEvent{TemplateID: tpl.ID, Template: tpl.Name, FiredAt: firedAt, Stage: StageBuilding, Error: verr.Error(), Duration: rec.Duration})
		return
	}

	// Submitting.
	remoteID, attempts, serr := p.submit(ctx, payload)

	// Recording.
	rec := template.ExecutionRecord{
		ExecutedAt: firedAt,
		Duration:   p.now().Sub(start),
		Attempts:   attempts,
	}
	if serr != nil {
		rec.Status = template.StatusFailure
		rec.Error = serr.Error()
		log.Error("remote create failed",
			logx.String("kind", string(expense.KindOf(serr))),
			logx.Int("attempts", attempts),
			logx.Err(serr))
	} else {
		rec.Status = template.StatusSuccess
		rec.RemoteExpenseID = remoteID
		tpl.UseCount++
		tpl.ScheduledUseCount++
		log.Info("expense created", logx.String("remote_id", remoteID), logx.Duration("took", rec.Duration))
	}
	p.record(ctx, tpl, rec, log)

	// Rescheduled: always, success or failure. One failed occurrence must
	// not silently disable a recurring template.
	p.reschedule(ctx, tpl, log)

	ev := FiringEvent{TemplateID: tpl.ID, Template: tpl.Name, FiredAt: firedAt, Duration: rec.Duration, RemoteID: remoteID, Stage: StageRescheduled}
	if serr != nil {
		ev.Stage = StageSubmitting
		ev.Error = serr.Error()
		p.publish(eventbus.TypeFiringFailed, ev)
		return
	}
	p.publish(eventbus.TypeFiringSucceeded, ev)
}

// submit runs the draft -> finalize -> submit sequence. Steps are strictly
// sequential; a failure aborts the remaining steps. attempts counts
// transport attempts across the steps taken.
func (p *Pipeline) submit(ctx context.Context, payload expense.Payload) (string, int, error) {
	attempts := 0

	draft, err := p.api.CreateDraft(ctx, payload)
	if err != nil {
		return "", attempts + expense.AttemptsFromError(err), err
	}
	attempts++

	if err := p.api.Finalize(ctx, draft.ID, payload); err != nil {
		return "", attempts + expense.AttemptsFromError(err), err
	}
	attempts++

	if err := p.api.Submit(ctx, draft.ID); err != nil {
		return "", attempts + expense.AttemptsFromError(err), err
	}
	attempts++

	return draft.ID, attempts, nil
}

func (p *Pipeline) record(ctx context.Context, tpl *template.Template, rec template.ExecutionRecord, log logx.Logger) {
	if err := p.templates.AppendExecution(ctx, tpl.ID, rec); err != nil {
		log.Error("history append failed", logx.Err(err))
	}
	if rec.Status == template.StatusSuccess {
		if err := p.templates.Put(ctx, tpl); err != nil {
			log.Warn("use-count update failed", logx.Err(err))
		}
	}
}

func (p *Pipeline) reschedule(ctx context.Context, tpl *template.Template, log logx.Logger) {
	next, ok, err := p.coord.Schedule(ctx, tpl)
	switch {
	case err != nil:
		log.Error("reschedule failed", logx.Err(err))
	case ok:
		log.Debug("next occurrence armed", logx.Time("at", next))
	default:
		log.Info("no further occurrences; schedule retired")
	}
}

func (p *Pipeline) publish(typ string, ev FiringEvent) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
