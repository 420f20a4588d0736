package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"expensed/internal/storage"
)

const (
	templatePrefix = "template:"
	historyPrefix  = "history:"
)

var ErrNotFound = errors.New("template not found")

// Store persists templates and their execution history in the key-value
// layer. Each template and each history log live under their own key, so
// per-key atomicity of the backing store is all we rely on.
//
// History writes are read-modify-write on the whole log, so they are
// serialized through histMu: a prune overlapping an append must not drop
// the appended record.
type Store struct {
	kv storage.Store

	histMu sync.Mutex
}

func NewStore(kv storage.Store) *Store {
	return &Store{kv: kv}
}

// Put upserts a template. A missing ID is assigned; UpdatedAt is bumped.
func (s *Store) Put(ctx context.Context, t *Template) error {
	if t == nil {
		return errors.New("nil template")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode template %s: %w", t.ID, err)
	}
	return s.kv.Set(ctx, templatePrefix+t.ID, b)
}

func (s *Store) Get(ctx context.Context, id string) (*Template, error) {
	b, ok, err := s.kv.Get(ctx, templatePrefix+id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var t Template
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode template %s: %w", id, err)
	}
	return &t, nil
}

// Delete removes the template and its history. Idempotent.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.kv.Remove(ctx, templatePrefix+id); err != nil {
		return err
	}
	return s.kv.Remove(ctx, historyPrefix+id)
}

func (s *Store) List(ctx context.Context) ([]*Template, error) {
	raw, err := s.kv.List(ctx, templatePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Template, 0, len(raw))
	for k, b := range raw {
		var t Template
		if err := json.Unmarshal(b, &t); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		out = append(out, &t)
	}
	return out, nil
}

// AppendExecution appends one record to the template's history log.
// The log is ordered by append; readers sort for display.
func (s *Store) AppendExecution(ctx context.Context, id string, rec ExecutionRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = uuid.NewString()
	}
	s.histMu.Lock()
	defer s.histMu.Unlock()

	recs, err := s.History(ctx, id)
	if err != nil {
		return err
	}
	recs = append(recs, rec)
	b, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encode history %s: %w", id, err)
	}
	return s.kv.Set(ctx, historyPrefix+id, b)
}

func (s *Store) History(ctx context.Context, id string) ([]ExecutionRecord, error) {
	b, ok, err := s.kv.Get(ctx, historyPrefix+id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var recs []ExecutionRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", id, err)
	}
	return recs, nil
}

// PruneHistory keeps only the most recent keep records (by append order).
// Used by the maintenance job; returns the number of dropped records.
func (s *Store) PruneHistory(ctx context.Context, id string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	s.histMu.Lock()
	defer s.histMu.Unlock()

	recs, err := s.History(ctx, id)
	if err != nil {
		return 0, err
	}
	if len(recs) <= keep {
		return 0, nil
	}
	dropped := len(recs) - keep
	recs = recs[dropped:]
	b, err := json.Marshal(recs)
	if err != nil {
		return 0, err
	}
	return dropped, s.kv.Set(ctx, historyPrefix+id, b)
}
