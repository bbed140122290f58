package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// AlertKind identifies what threshold an alert crossed.
type AlertKind string

const (
	AlertErrorRate   AlertKind = "error_rate"
	AlertActiveSagas AlertKind = "active_sagas"
	AlertStepLatency AlertKind = "step_latency"
)

// Alert is one threshold crossing. Delivery is out-of-band through
// registered callbacks; the aggregator never feeds back into dispatch.
type Alert struct {
	Kind      AlertKind `json:"kind"`
	SagaType  string    `json:"saga_type"`
	Step      string    `json:"step,omitempty"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// AlertFunc receives alerts. Callbacks run on the caller's goroutine and
// must not block.
type AlertFunc func(Alert)

// Thresholds configures when alerts fire. Zero values disable a check.
type Thresholds struct {
	// ErrorRate is the failed+compensated fraction of terminal sagas over
	// the error window, 0..1.
	ErrorRate float64
	// ErrorWindow bounds the terminal outcomes considered for ErrorRate.
	ErrorWindow time.Duration
	// ActiveSagas caps concurrently active sagas per saga type.
	ActiveSagas int
	// StepP95 bounds the p95 latency of any single step.
	StepP95 time.Duration
}

// AggregatorOptions configures an Aggregator.
type AggregatorOptions struct {
	Thresholds Thresholds
	// AlertCooldown suppresses repeats of the same alert key.
	AlertCooldown time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// stepStats keeps a bounded sample of recent durations plus running
// aggregates.
type stepStats struct {
	count     uint64
	sum       time.Duration
	min       time.Duration
	max       time.Duration
	durations []time.Duration // bounded sample for percentiles
}

const stepSampleCap = 1024

func (s *stepStats) observe(d time.Duration) {
	s.count++
	s.sum += d
	if s.min == 0 || d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
	if len(s.durations) >= stepSampleCap {
		copy(s.durations, s.durations[1:])
		s.durations = s.durations[:stepSampleCap-1]
	}
	s.durations = append(s.durations, d)
}

func (s *stepStats) percentile(p float64) time.Duration {
	if len(s.durations) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), s.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func (s *stepStats) avg() time.Duration {
	if s.count == 0 {
		return 0
	}
	return s.sum / time.Duration(s.count)
}

type outcome struct {
	at     time.Time
	failed bool
}

type typeStats struct {
	started      uint64
	completed    uint64
	failed       uint64
	compensated  uint64
	active       int
	firstStarted time.Time
	sagaDurSum   time.Duration
	sagaDurCount uint64
	outcomes     []outcome
	steps        map[string]*stepStats
}

// Aggregator maintains rolling counters, step latency statistics, event
// rates, and alert thresholds per saga type. It is strictly passive: it is
// written to by the coordinator and read by the query surface.
type Aggregator struct {
	mu        sync.Mutex
	types     map[string]*typeStats
	events    []time.Time // sliding window of dispatched events, 1 h deep
	callbacks []AlertFunc
	lastAlert map[string]time.Time

	thresholds Thresholds
	cooldown   time.Duration
	now        func() time.Time
}

// NewAggregator creates an aggregator.
func NewAggregator(options AggregatorOptions) *Aggregator {
	if options.Now == nil {
		options.Now = func() time.Time { return time.Now().UTC() }
	}
	if options.AlertCooldown <= 0 {
		options.AlertCooldown = time.Minute
	}
	if options.Thresholds.ErrorWindow <= 0 {
		options.Thresholds.ErrorWindow = 5 * time.Minute
	}
	return &Aggregator{
		types:      make(map[string]*typeStats),
		lastAlert:  make(map[string]time.Time),
		thresholds: options.Thresholds,
		cooldown:   options.AlertCooldown,
		now:        options.Now,
	}
}

// RegisterAlertFunc registers an alert callback.
func (a *Aggregator) RegisterAlertFunc(fn AlertFunc) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	a.callbacks = append(a.callbacks, fn)
	a.mu.Unlock()
}

// OnSagaStarted records one saga creation.
func (a *Aggregator) OnSagaStarted(sagaType string) {
	a.mu.Lock()
	stats := a.typeStatsLocked(sagaType)
	stats.started++
	stats.active++
	if stats.firstStarted.IsZero() {
		stats.firstStarted = a.now()
	}
	var fired []Alert
	if a.thresholds.ActiveSagas > 0 && stats.active > a.thresholds.ActiveSagas {
		fired = a.fireLocked(Alert{
			Kind:      AlertActiveSagas,
			SagaType:  sagaType,
			Value:     float64(stats.active),
			Threshold: float64(a.thresholds.ActiveSagas),
		}, fired)
	}
	callbacks := a.callbacks
	a.mu.Unlock()
	deliver(callbacks, fired)
}

// OnSagaTerminal records one saga reaching a terminal status
// ("completed", "failed", or "compensated").
func (a *Aggregator) OnSagaTerminal(sagaType, status string, duration time.Duration) {
	now := a.now()
	a.mu.Lock()
	stats := a.typeStatsLocked(sagaType)
	if stats.active > 0 {
		stats.active--
	}
	failed := status != "completed"
	switch status {
	case "completed":
		stats.completed++
	case "failed":
		stats.failed++
	case "compensated":
		stats.compensated++
	}
	stats.sagaDurSum += duration
	stats.sagaDurCount++
	stats.outcomes = append(stats.outcomes, outcome{at: now, failed: failed})
	stats.outcomes = trimOutcomes(stats.outcomes, now.Add(-a.thresholds.ErrorWindow))

	var fired []Alert
	if a.thresholds.ErrorRate > 0 {
		rate := errorRate(stats.outcomes)
		if rate > a.thresholds.ErrorRate {
			fired = a.fireLocked(Alert{
				Kind:      AlertErrorRate,
				SagaType:  sagaType,
				Value:     rate,
				Threshold: a.thresholds.ErrorRate,
			}, fired)
		}
	}
	callbacks := a.callbacks
	a.mu.Unlock()
	deliver(callbacks, fired)
}

// OnStepObserved records one step duration.
func (a *Aggregator) OnStepObserved(sagaType, step string, duration time.Duration) {
	a.mu.Lock()
	stats := a.typeStatsLocked(sagaType)
	ss, ok := stats.steps[step]
	if !ok {
		ss = &stepStats{}
		stats.steps[step] = ss
	}
	ss.observe(duration)

	var fired []Alert
	if a.thresholds.StepP95 > 0 {
		p95 := ss.percentile(0.95)
		if p95 > a.thresholds.StepP95 {
			fired = a.fireLocked(Alert{
				Kind:      AlertStepLatency,
				SagaType:  sagaType,
				Step:      step,
				Value:     p95.Seconds(),
				Threshold: a.thresholds.StepP95.Seconds(),
			}, fired)
		}
	}
	callbacks := a.callbacks
	a.mu.Unlock()
	deliver(callbacks, fired)
}

// OnEventDispatched records one dispatched envelope for rate windows.
func (a *Aggregator) OnEventDispatched() {
	now := a.now()
	a.mu.Lock()
	a.events = append(a.events, now)
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(a.events) && a.events[i].Before(cutoff) {
		i++
	}
	a.events = a.events[i:]
	a.mu.Unlock()
}

// EventRate returns events per second over the given window (capped at 1 h).
func (a *Aggregator) EventRate(window time.Duration) float64 {
	if window <= 0 || window > time.Hour {
		window = time.Hour
	}
	now := a.now()
	cutoff := now.Add(-window)
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for i := len(a.events) - 1; i >= 0; i-- {
		if a.events[i].Before(cutoff) {
			break
		}
		count++
	}
	return float64(count) / window.Seconds()
}

// StepReport summarizes one step's latency.
type StepReport struct {
	Name   string        `json:"name"`
	Count  uint64        `json:"count"`
	Avg    time.Duration `json:"avg"`
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	P95    time.Duration `json:"p95"`
	AvgMS  int64         `json:"avg_ms"`
	P95MS  int64         `json:"p95_ms"`
}

// Report is a per-saga-type performance summary.
type Report struct {
	SagaType          string       `json:"saga_type"`
	Started           uint64       `json:"started"`
	Completed         uint64       `json:"completed"`
	Failed            uint64       `json:"failed"`
	Compensated       uint64       `json:"compensated"`
	Active            int          `json:"active"`
	ErrorRate         float64      `json:"error_rate"`
	AvgSagaDurationMS int64        `json:"avg_saga_duration_ms"`
	ThroughputPerMin  float64      `json:"throughput_per_min"`
	SlowestStep       string       `json:"slowest_step,omitempty"`
	FastestStep       string       `json:"fastest_step,omitempty"`
	Steps             []StepReport `json:"steps"`
	EventsPerSec1m    float64      `json:"events_per_sec_1m"`
	EventsPerSec5m    float64      `json:"events_per_sec_5m"`
	EventsPerSec1h    float64      `json:"events_per_sec_1h"`
}

// Report builds the performance report for one saga type.
func (a *Aggregator) Report(sagaType string) Report {
	rate1m := a.EventRate(time.Minute)
	rate5m := a.EventRate(5 * time.Minute)
	rate1h := a.EventRate(time.Hour)

	a.mu.Lock()
	defer a.mu.Unlock()

	report := Report{
		SagaType:       sagaType,
		Steps:          make([]StepReport, 0),
		EventsPerSec1m: rate1m,
		EventsPerSec5m: rate5m,
		EventsPerSec1h: rate1h,
	}
	stats, ok := a.types[sagaType]
	if !ok {
		return report
	}

	report.Started = stats.started
	report.Completed = stats.completed
	report.Failed = stats.failed
	report.Compensated = stats.compensated
	report.Active = stats.active
	report.ErrorRate = errorRate(stats.outcomes)
	if stats.sagaDurCount > 0 {
		report.AvgSagaDurationMS = (stats.sagaDurSum / time.Duration(stats.sagaDurCount)).Milliseconds()
	}
	terminal := stats.completed + stats.failed + stats.compensated
	if terminal > 0 && !stats.firstStarted.IsZero() {
		elapsed := a.now().Sub(stats.firstStarted)
		if elapsed > 0 {
			report.ThroughputPerMin = float64(terminal) / elapsed.Minutes()
		}
	}

	var slowest, fastest time.Duration
	names := make([]string, 0, len(stats.steps))
	for name := range stats.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := stats.steps[name]
		avg := s.avg()
		p95 := s.percentile(0.95)
		report.Steps = append(report.Steps, StepReport{
			Name:  name,
			Count: s.count,
			Avg:   avg,
			Min:   s.min,
			Max:   s.max,
			P95:   p95,
			AvgMS: avg.Milliseconds(),
			P95MS: p95.Milliseconds(),
		})
		if report.SlowestStep == "" || avg > slowest {
			report.SlowestStep = name
			slowest = avg
		}
		if report.FastestStep == "" || avg < fastest {
			report.FastestStep = name
			fastest = avg
		}
	}
	return report
}

// SagaTypes returns the saga types seen so far.
func (a *Aggregator) SagaTypes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.types))
	for name := range a.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *Aggregator) typeStatsLocked(sagaType string) *typeStats {
	stats, ok := a.types[sagaType]
	if !ok {
		stats = &typeStats{steps: make(map[string]*stepStats)}
		a.types[sagaType] = stats
	}
	return stats
}

func (a *Aggregator) fireLocked(alert Alert, fired []Alert) []Alert {
	key := string(alert.Kind) + "/" + alert.SagaType + "/" + alert.Step
	now := a.now()
	if last, ok := a.lastAlert[key]; ok && now.Sub(last) < a.cooldown {
		return fired
	}
	a.lastAlert[key] = now
	alert.At = now
	return append(fired, alert)
}

func deliver(callbacks []AlertFunc, alerts []Alert) {
	for _, alert := range alerts {
		for _, fn := range callbacks {
			fn(alert)
		}
	}
}

func trimOutcomes(outcomes []outcome, cutoff time.Time) []outcome {
	i := 0
	for i < len(outcomes) && outcomes[i].at.Before(cutoff) {
		i++
	}
	return outcomes[i:]
}

func errorRate(outcomes []outcome) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	failed := 0
	for _, o := range outcomes {
		if o.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(outcomes))
}
