// Package autosave defers form-builder draft persistence until a quiet
// period has passed, independently for content and settings edits.
package autosave

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"regline/internal/domain"
)

// Kind separates the two edit streams. Each keeps its own pending
// timer; settings edits are lower-risk and saved on a shorter delay.
type Kind string

const (
	KindContent  Kind = "content"
	KindSettings Kind = "settings"
)

const (
	DefaultContentDelay  = 2000 * time.Millisecond
	DefaultSettingsDelay = 1000 * time.Millisecond
)

// SaveFunc persists a draft. The debouncer calls it off the timer
// goroutine with a bounded context.
type SaveFunc func(ctx context.Context, draft domain.FormDraft) error

// Debouncer buffers rapid edits and commits at most one save per quiet
// period per kind. There is one writer per form-builder instance, so no
// locking beyond the timer bookkeeping is needed.
type Debouncer struct {
	mu       sync.Mutex
	timers   map[Kind]*time.Timer
	closed   bool
	inflight sync.WaitGroup

	save          SaveFunc
	contentDelay  time.Duration
	settingsDelay time.Duration
	saveTimeout   time.Duration
	log           zerolog.Logger
}

// New builds a debouncer. Zero delays fall back to the defaults.
func New(save SaveFunc, contentDelay, settingsDelay time.Duration, log zerolog.Logger) *Debouncer {
	if contentDelay <= 0 {
		contentDelay = DefaultContentDelay
	}
	if settingsDelay <= 0 {
		settingsDelay = DefaultSettingsDelay
	}
	return &Debouncer{
		timers:        make(map[Kind]*time.Timer),
		save:          save,
		contentDelay:  contentDelay,
		settingsDelay: settingsDelay,
		saveTimeout:   10 * time.Second,
		log:           log,
	}
}

// Schedule rearms the kind's timer with the current draft. An earlier
// pending save for the same kind is cancelled; the other kind's timer
// is untouched.
func (d *Debouncer) Schedule(kind Kind, draft domain.FormDraft) {
	delay := d.contentDelay
	if kind == KindSettings {
		delay = d.settingsDelay
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if t, ok := d.timers[kind]; ok {
		t.Stop()
	}
	d.timers[kind] = time.AfterFunc(delay, func() { d.fire(kind, draft) })
}

func (d *Debouncer) fire(kind Kind, draft domain.FormDraft) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.timers, kind)
	// Registered under the lock so Close either sees this fire or it
	// never started.
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()

	// Incomplete drafts are skipped silently rather than persisted.
	if draft.Name == "" || draft.UserType == "" {
		d.log.Debug().Str("kind", string(kind)).Str("form_id", draft.FormID).Msg("autosave skipped: draft incomplete")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.saveTimeout)
	defer cancel()
	if err := d.save(ctx, draft); err != nil {
		d.log.Error().Err(err).Str("kind", string(kind)).Str("form_id", draft.FormID).Msg("autosave failed")
	}
}

// SaveNow performs an explicit save and best-effort cancels pending
// timers so a stale autosave cannot overwrite it. Manual and debounced
// saves are not mutually excluded; last write wins at the API layer.
func (d *Debouncer) SaveNow(ctx context.Context, draft domain.FormDraft) error {
	d.mu.Lock()
	for kind, t := range d.timers {
		t.Stop()
		delete(d.timers, kind)
	}
	d.mu.Unlock()
	return d.save(ctx, draft)
}

// Pending reports whether a timer for the kind is outstanding.
func (d *Debouncer) Pending(kind Kind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[kind]
	return ok
}

// Close cancels all pending timers and waits for saves already in
// flight to finish. Nothing fires after Close returns.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	for kind, t := range d.timers {
		t.Stop()
		delete(d.timers, kind)
	}
	d.mu.Unlock()
	d.inflight.Wait()
}
