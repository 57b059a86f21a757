// Package poller keeps a fresh, validated view of exchange position and
// funding state for a configured instrument set.
package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"fundflow/config"
	"fundflow/internal/exchange"
	"fundflow/internal/market"
	"fundflow/internal/metrics"
	"fundflow/internal/retry"
	"fundflow/logger"
)

const (
	component = "poller"

	defaultRetention   = 120
	defaultConcurrency = 4
	defaultTimeout     = 10 * time.Second
)

// FatalHandler is called by Run when a cycle ends with a fatal API error.
type FatalHandler func(err error)

type Option func(*Poller)

func WithLogger(log *logger.Log) Option {
	return func(p *Poller) {
		if log != nil {
			p.log = log
		}
	}
}

// WithClock replaces time.Now as the source of cycle timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRetention bounds the snapshot history.
func WithRetention(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.retention = n
		}
	}
}

// WithConcurrency bounds how many instruments are fetched at once. Zero or
// less fetches all instruments in parallel.
func WithConcurrency(n int) Option {
	return func(p *Poller) {
		p.concurrency = n
	}
}

// WithTimeout bounds a single fetch attempt.
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithFatalHandler(h FatalHandler) Option {
	return func(p *Poller) {
		p.onFatal = h
	}
}

type settings struct {
	instruments []market.Instrument
	interval    time.Duration
	policy      retry.Policy
}

// Poller fetches every configured instrument once per cycle and publishes
// the result as an immutable snapshot. Readers never block on a cycle.
type Poller struct {
	source      exchange.Source
	log         *logger.Log
	now         func() time.Time
	retention   int
	concurrency int
	timeout     time.Duration
	onFatal     FatalHandler

	settings atomic.Pointer[settings]
	// reconfigured wakes Run after Configure.
	reconfigured chan struct{}

	// cycleMu serializes PollOnce.
	cycleMu   sync.Mutex
	seq       uint64
	lastTaken time.Time

	latest  atomic.Pointer[market.Snapshot]
	history *market.History

	suspendedBy atomic.Pointer[error]
}

// New creates a poller for source. Configure must be called before polling.
func New(source exchange.Source, opts ...Option) *Poller {
	p := &Poller{
		source:       source,
		log:          logger.GetLogger(),
		now:          time.Now,
		retention:    defaultRetention,
		concurrency:  defaultConcurrency,
		timeout:      defaultTimeout,
		reconfigured: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.history = market.NewHistory(p.retention)
	return p
}

// NewFromConfig builds and configures a poller from the poller section.
func NewFromConfig(source exchange.Source, cfg config.PollerConfig, opts ...Option) (*Poller, error) {
	base := []Option{
		WithRetention(cfg.Retention),
		WithConcurrency(cfg.Concurrency),
		WithTimeout(cfg.Timeout),
	}
	p := New(source, append(base, opts...)...)
	if err := p.Configure(market.ParseInstruments(cfg.Instruments), cfg.Interval, retry.FromConfig(cfg.Retry)); err != nil {
		return nil, err
	}
	return p, nil
}

// Configure sets the polling targets, cadence and retry policy. It clears a
// fatal suspension and makes a running loop poll again at once.
func (p *Poller) Configure(instruments []market.Instrument, interval time.Duration, policy retry.Policy) error {
	raw := make([]string, len(instruments))
	for i, inst := range instruments {
		raw[i] = inst.String()
	}
	normalized := market.ParseInstruments(raw)

	if len(normalized) == 0 {
		return &ConfigError{Field: "instruments", Reason: "instrument set is empty"}
	}
	if interval <= 0 {
		return &ConfigError{Field: "interval", Reason: fmt.Sprintf("must be positive, got %s", interval)}
	}
	if err := policy.Validate(); err != nil {
		return &ConfigError{Field: "retry", Reason: "invalid retry policy", Err: err}
	}

	p.settings.Store(&settings{instruments: normalized, interval: interval, policy: policy})
	wasSuspended := p.suspendedBy.Swap(nil) != nil

	select {
	case p.reconfigured <- struct{}{}:
	default:
	}

	p.log.WithComponent(component).WithFields(logger.Fields{
		"exchange":      p.source.Name(),
		"instruments":   normalized,
		"interval":      interval.String(),
		"max_attempts":  policy.MaxAttempts,
		"was_suspended": wasSuspended,
	}).Info("poller configured")
	return nil
}

// Latest returns the most recently published snapshot, nil before the first
// cycle completes.
func (p *Poller) Latest() *market.Snapshot {
	return p.latest.Load()
}

// History returns up to limit of the most recent snapshots, oldest first.
func (p *Poller) History(limit int) []*market.Snapshot {
	return p.history.Recent(limit)
}

// Since returns retained snapshots newer than seq, oldest first.
func (p *Poller) Since(seq uint64) []*market.Snapshot {
	return p.history.Since(seq)
}

// Suspended reports the fatal error that stopped polling, nil while active.
func (p *Poller) Suspended() error {
	if errp := p.suspendedBy.Load(); errp != nil {
		return *errp
	}
	return nil
}

// Instruments returns the configured instrument set.
func (p *Poller) Instruments() []market.Instrument {
	s := p.settings.Load()
	if s == nil {
		return nil
	}
	out := make([]market.Instrument, len(s.instruments))
	copy(out, s.instruments)
	return out
}

// Interval returns the configured poll interval.
func (p *Poller) Interval() time.Duration {
	if s := p.settings.Load(); s != nil {
		return s.interval
	}
	return 0
}

// Exchange names the polled source.
func (p *Poller) Exchange() string {
	return p.source.Name()
}

type result struct {
	inst     market.Instrument
	obs      exchange.Observation
	err      error
	attempts int
}

// PollOnce fetches every configured instrument and publishes a snapshot with
// one entry per instrument. An instrument whose fetch fails after retries
// keeps its last known data flagged stale. When any instrument hits a fatal
// API error the snapshot is still published, the poller is suspended and
// the fatal error is returned.
func (p *Poller) PollOnce(ctx context.Context) (*market.Snapshot, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	s := p.settings.Load()
	if s == nil {
		return nil, errNotConfigured()
	}
	if cause := p.Suspended(); cause != nil {
		return nil, fmt.Errorf("%w: %v", ErrSuspended, cause)
	}

	start := time.Now()
	takenAt := p.now()
	if !takenAt.After(p.lastTaken) {
		takenAt = p.lastTaken.Add(time.Nanosecond)
	}

	results := p.fetchAll(ctx, s, takenAt)

	prev := p.latest.Load()
	entries := make([]market.Entry, 0, len(results))
	var (
		stale    []market.Instrument
		reasons  = make(map[string]string)
		payloads = make(map[string]string)
		fatalErr error
	)
	for _, r := range results {
		if r.err == nil {
			entries = append(entries, market.FreshEntry(r.obs.Position, r.obs.Funding))
			continue
		}

		reason := exchange.Category(r.err)
		stale = append(stale, r.inst)
		reasons[r.inst.String()] = reason
		var malformed *exchange.MalformedResponseError
		if errors.As(r.err, &malformed) && malformed.Payload != "" {
			payloads[r.inst.String()] = malformed.Payload
		}
		if fatalErr == nil && exchange.IsFatal(r.err) {
			fatalErr = r.err
		}

		if prev != nil {
			if e, ok := prev.Get(r.inst); ok && e.HasData() {
				entries = append(entries, e.CarryForward(reason))
				continue
			}
		}
		entries = append(entries, market.EmptyStale(r.inst, reason))
	}

	p.seq++
	snap := market.NewSnapshot(p.seq, takenAt, p.source.Name(), entries)
	if err := p.history.Append(snap); err != nil {
		// takenAt and seq only grow under cycleMu
		p.seq--
		return nil, fmt.Errorf("append snapshot: %w", err)
	}
	p.lastTaken = takenAt
	p.latest.Store(snap)

	p.report(snap, results, stale, reasons, payloads, time.Since(start))

	if fatalErr != nil {
		p.suspendedBy.Store(&fatalErr)
		return snap, fatalErr
	}
	return snap, nil
}

// fetchAll runs one retry loop per instrument. Results keep instrument order.
func (p *Poller) fetchAll(ctx context.Context, s *settings, observedAt time.Time) []result {
	results := make([]result, len(s.instruments))

	g := new(errgroup.Group)
	if p.concurrency > 0 {
		g.SetLimit(p.concurrency)
	}
	for i, inst := range s.instruments {
		g.Go(func() error {
			results[i] = p.fetchInstrument(ctx, s.policy, inst, observedAt)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Poller) fetchInstrument(ctx context.Context, policy retry.Policy, inst market.Instrument, observedAt time.Time) result {
	log := p.log.WithComponent(component).WithFields(logger.Fields{
		"exchange":   p.source.Name(),
		"instrument": inst,
	})

	var obs exchange.Observation
	attempts, err := retry.Do(ctx, policy, exchange.IsRetryable, func(attempt int) error {
		o, err := p.fetchAttempt(ctx, inst, observedAt)
		if err != nil {
			entry := log.WithError(err).WithFields(logger.Fields{
				"attempt":  attempt,
				"category": exchange.Category(err),
			})
			var malformed *exchange.MalformedResponseError
			if errors.As(err, &malformed) {
				entry = entry.WithField("payload", malformed.Payload)
			}
			entry.Debug("fetch attempt failed")
			return err
		}
		obs = o
		return nil
	})

	metrics.EmitMetric(p.log, component, "fetch_attempts", attempts, metrics.TypeCounter, logger.Fields{
		"exchange":   p.source.Name(),
		"instrument": inst.String(),
	})
	return result{inst: inst, obs: obs, err: err, attempts: attempts}
}

// fetchAttempt runs one bounded Fetch. A panicking source counts as a
// transient failure.
func (p *Poller) fetchAttempt(ctx context.Context, inst market.Instrument, observedAt time.Time) (obs exchange.Observation, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithComponent(component).WithFields(logger.Fields{
				"instrument": inst,
				"panic":      fmt.Sprint(r),
				"stack":      string(debug.Stack()),
			}).Error("source panicked during fetch")
			err = &exchange.TransientFetchError{Op: "fetch", Instrument: inst, Err: fmt.Errorf("source panic: %v", r)}
		}
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	obs, err = p.source.Fetch(attemptCtx, inst, observedAt)
	if err != nil {
		return exchange.Observation{}, err
	}
	obs.Position.Instrument, obs.Funding.Instrument = inst, inst
	obs.Position.ObservedAt, obs.Funding.ObservedAt = observedAt, observedAt
	return obs, nil
}

// report logs one summary per cycle and emits the cycle metrics.
func (p *Poller) report(snap *market.Snapshot, results []result, stale []market.Instrument, reasons, payloads map[string]string, took time.Duration) {
	fields := logger.Fields{"exchange": p.source.Name()}
	metrics.EmitMetric(p.log, component, "cycle_duration_seconds", took, metrics.TypeHistogram, fields)
	metrics.EmitMetric(p.log, component, "fresh_instruments", snap.FreshCount(), metrics.TypeGauge, fields)
	metrics.EmitMetric(p.log, component, "stale_instruments", len(stale), metrics.TypeGauge, fields)

	totalAttempts := 0
	for _, r := range results {
		totalAttempts += r.attempts
	}

	log := p.log.WithComponent(component).WithFields(logger.Fields{
		"exchange": p.source.Name(),
		"seq":      snap.Seq(),
		"taken_at": snap.TakenAt(),
		"fresh":    snap.FreshCount(),
		"stale":    len(stale),
		"attempts": totalAttempts,
	})
	logger.LogPerformanceEntry(log, component, "poll_cycle", took, nil)

	if len(stale) == 0 {
		log.Debug("poll cycle complete")
		return
	}

	log = log.WithField("reasons", reasons)
	if len(payloads) > 0 {
		log = log.WithField("payloads", payloads)
	}
	if snap.AllStale() {
		log.Warn("all instruments stale")
		return
	}
	log.WithField("stale_instruments", stale).Warn("some instruments stale")
}

// Run polls immediately and then once per interval until ctx is canceled.
// A cycle in flight when ctx is canceled is allowed to finish. Cycle errors
// are logged and never end the loop; a fatal API error suspends polling
// until Configure is called again.
func (p *Poller) Run(ctx context.Context) error {
	s := p.settings.Load()
	if s == nil {
		return errNotConfigured()
	}

	log := p.log.WithComponent(component).WithField("exchange", p.source.Name())
	log.WithField("interval", s.interval.String()).Info("starting poller")

	// drop a signal left by the Configure that preceded Run
	select {
	case <-p.reconfigured:
	default:
	}

	interval := s.interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cycleCtx := context.WithoutCancel(ctx)
	p.runCycle(cycleCtx, log)

	for {
		select {
		case <-ctx.Done():
			log.Info("poller stopped")
			return nil
		case <-p.reconfigured:
			if cur := p.settings.Load(); cur != nil && cur.interval != interval {
				interval = cur.interval
			}
			ticker.Reset(interval)
			log.WithField("interval", interval.String()).Info("poller reconfigured")
			p.runCycle(cycleCtx, log)
		case <-ticker.C:
			if p.Suspended() != nil {
				continue
			}
			p.runCycle(cycleCtx, log)
		}
		if ctx.Err() != nil {
			log.Info("poller stopped")
			return nil
		}
	}
}

func (p *Poller) runCycle(ctx context.Context, log *logger.Entry) {
	_, err := p.safePoll(ctx)
	if err == nil {
		return
	}
	if exchange.IsFatal(err) {
		log.WithError(err).Error("fatal api error, polling suspended until reconfigured")
		if p.onFatal != nil {
			p.onFatal(err)
		}
		return
	}
	log.WithError(err).Error("poll cycle failed")
}

func (p *Poller) safePoll(ctx context.Context) (snap *market.Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll cycle panicked: %v", r)
			p.log.WithComponent(component).WithField("stack", string(debug.Stack())).Error("recovered poll cycle panic")
		}
	}()
	return p.PollOnce(ctx)
}
