// Package flow reads market data beside the polling cycle: taker flow of
// the last completed kline and open interest and funding as they stood one
// lookback ago, for instruments whose retained snapshots do not reach that
// far back.
package flow

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fundflow/config"
	"fundflow/internal/exchange"
	"fundflow/internal/market"
	"fundflow/internal/metrics"
	"fundflow/internal/report"
	"fundflow/logger"
)

const component = "flow"

// Tracker keeps the latest report.Inputs for the instruments of the newest
// snapshot.
type Tracker struct {
	flows    exchange.FlowReader
	history  exchange.HistoryReader
	reader   market.Reader
	cfg      config.FlowConfig
	lookback time.Duration
	log      *logger.Log
	now      func() time.Time

	mu     sync.RWMutex
	inputs report.Inputs
}

// New fails when src cannot read klines and history.
func New(src exchange.Source, reader market.Reader, cfg config.FlowConfig, lookback time.Duration, log *logger.Log) (*Tracker, error) {
	flows, ok := src.(exchange.FlowReader)
	if !ok {
		return nil, fmt.Errorf("%s source cannot read kline flow", src.Name())
	}
	history, ok := src.(exchange.HistoryReader)
	if !ok {
		return nil, fmt.Errorf("%s source cannot read market history", src.Name())
	}
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.Interval == "" {
		cfg.Interval = "4h"
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = 15 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Tracker{
		flows:    flows,
		history:  history,
		reader:   reader,
		cfg:      cfg,
		lookback: lookback,
		log:      log,
		now:      time.Now,
	}, nil
}

// Inputs returns what the last Refresh read.
func (t *Tracker) Inputs() report.Inputs {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inputs
}

// needsSeed reports whether the retained snapshots fall short of lookback.
func (t *Tracker) needsSeed(latest *market.Snapshot) bool {
	base := report.Baseline(t.reader.History(math.MaxInt32), latest, t.lookback)
	return base == nil || latest.TakenAt().Sub(base.TakenAt()) < t.lookback
}

// Refresh reads flow and, while history is short, baselines for every
// instrument of the latest snapshot. Instruments that fail are left out and
// logged; the previous Inputs are replaced either way.
func (t *Tracker) Refresh(ctx context.Context) error {
	latest := t.reader.Latest()
	if latest == nil {
		return nil
	}
	log := t.log.WithComponent(component)
	start := time.Now()
	now := t.now()
	instruments := latest.Instruments()
	seed := t.lookback > 0 && t.needsSeed(latest)
	seedAt := latest.TakenAt().Add(-t.lookback)

	flows := make([]*market.FlowRecord, len(instruments))
	seeds := make([]*market.BaselineRecord, len(instruments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Concurrency)
	for i, inst := range instruments {
		g.Go(func() error {
			f, err := t.flows.Flow(gctx, inst, t.cfg.Interval, now)
			if err != nil {
				if exchange.Category(err) == exchange.CategoryCanceled {
					return err
				}
				log.WithError(err).WithFields(logger.Fields{
					"instrument": inst,
					"category":   exchange.Category(err),
				}).Warn("failed to read kline flow")
			} else {
				flows[i] = &f
			}
			if !seed {
				return nil
			}
			b, err := t.history.HistoryAt(gctx, inst, seedAt)
			if err != nil {
				if exchange.Category(err) == exchange.CategoryCanceled {
					return err
				}
				log.WithError(err).WithFields(logger.Fields{
					"instrument": inst,
					"category":   exchange.Category(err),
				}).Warn("failed to read baseline history")
				return nil
			}
			seeds[i] = &b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var in report.Inputs
	for i := range instruments {
		if flows[i] != nil {
			in.Flows = append(in.Flows, *flows[i])
		}
		if seeds[i] != nil {
			in.Seeds = append(in.Seeds, *seeds[i])
		}
	}
	sort.SliceStable(in.Flows, func(a, b int) bool { return in.Flows[a].Instrument < in.Flows[b].Instrument })

	t.mu.Lock()
	t.inputs = in
	t.mu.Unlock()

	metrics.EmitMetric(t.log, component, "flow_instruments", len(in.Flows), metrics.TypeGauge, nil)
	logger.LogPerformanceEntry(log, component, "refresh", time.Since(start), logger.Fields{
		"flows": len(in.Flows),
		"seeds": len(in.Seeds),
	})
	return nil
}

// Run refreshes once per configured interval until ctx is canceled.
func (t *Tracker) Run(ctx context.Context) {
	log := t.log.WithComponent(component)
	log.WithFields(logger.Fields{
		"interval": t.cfg.Interval,
		"refresh":  t.cfg.Refresh.String(),
	}).Info("starting flow tracker")

	ticker := time.NewTicker(t.cfg.Refresh)
	defer ticker.Stop()
	for {
		if err := t.Refresh(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("flow refresh failed")
		}
		select {
		case <-ctx.Done():
			log.Info("flow tracker stopped")
			return
		case <-ticker.C:
		}
	}
}
