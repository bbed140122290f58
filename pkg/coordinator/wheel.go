package coordinator

import (
	"context"
	"sync"
	"time"
)

// TimeoutEntry identifies one armed step deadline. Version pins the saga
// state the deadline was armed against; a fired entry whose version no
// longer matches is dropped.
type TimeoutEntry struct {
	SagaID       string
	Step         string
	StepIndex    int
	Version      uint64
	Deadline     time.Time
	Compensating bool

	// Redelivery entries re-emit unsent events rather than expire a step.
	Redelivery bool
}

// Wheel is a single-level timing wheel holding step deadlines. A tick
// goroutine advances the cursor and hands fired entries to the fire
// callback; it never mutates saga state itself.
type Wheel struct {
	mu     sync.Mutex
	slots  []map[string]*wheelEntry
	armed  map[string]*wheelEntry // sagaID -> entry, one deadline per saga
	cursor int
	tick   time.Duration
	now    func() time.Time
	fire   func(TimeoutEntry)
}

type wheelEntry struct {
	entry  TimeoutEntry
	slot   int
	rounds int
}

// NewWheel creates a wheel. Fire runs on the tick goroutine and must hand
// work off quickly.
func NewWheel(tick time.Duration, slots int, now func() time.Time, fire func(TimeoutEntry)) *Wheel {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	if slots <= 0 {
		slots = 512
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	buckets := make([]map[string]*wheelEntry, slots)
	for i := range buckets {
		buckets[i] = make(map[string]*wheelEntry)
	}
	return &Wheel{
		slots: buckets,
		armed: make(map[string]*wheelEntry),
		tick:  tick,
		now:   now,
		fire:  fire,
	}
}

// Arm schedules a deadline for a saga, replacing any previous one. A saga
// has at most one outstanding deadline: its pending step's.
func (w *Wheel) Arm(entry TimeoutEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cancelLocked(entry.SagaID)

	ticks := int(entry.Deadline.Sub(w.now()) / w.tick)
	if ticks < 1 {
		ticks = 1
	}
	slot := (w.cursor + ticks) % len(w.slots)
	e := &wheelEntry{
		entry:  entry,
		slot:   slot,
		rounds: ticks / len(w.slots),
	}
	w.slots[slot][entry.SagaID] = e
	w.armed[entry.SagaID] = e
}

// Cancel removes a saga's armed deadline, if any.
func (w *Wheel) Cancel(sagaID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelLocked(sagaID)
}

func (w *Wheel) cancelLocked(sagaID string) {
	if e, ok := w.armed[sagaID]; ok {
		delete(w.slots[e.slot], sagaID)
		delete(w.armed, sagaID)
	}
}

// Run ticks the wheel until the context is cancelled.
func (w *Wheel) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Advance(1)
		}
	}
}

// Advance moves the cursor n ticks, firing due entries. Exposed so tests
// drive time manually.
func (w *Wheel) Advance(n int) {
	for i := 0; i < n; i++ {
		w.advanceOne()
	}
}

func (w *Wheel) advanceOne() {
	w.mu.Lock()
	w.cursor = (w.cursor + 1) % len(w.slots)
	bucket := w.slots[w.cursor]
	var fired []TimeoutEntry
	for sagaID, e := range bucket {
		if e.rounds > 0 {
			e.rounds--
			continue
		}
		delete(bucket, sagaID)
		delete(w.armed, sagaID)
		fired = append(fired, e.entry)
	}
	fire := w.fire
	w.mu.Unlock()

	if fire != nil {
		for _, entry := range fired {
			fire(entry)
		}
	}
}

// Armed reports whether a saga currently has a deadline scheduled.
func (w *Wheel) Armed(sagaID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.armed[sagaID]
	return ok
}
