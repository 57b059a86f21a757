// Package report renders snapshots as aligned console tables.
package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"fundflow/config"
	"fundflow/internal/market"
	"fundflow/logger"
)

const noValue = "-"

var (
	thousand = decimal.NewFromInt(1_000)
	million  = decimal.NewFromInt(1_000_000)
	billion  = decimal.NewFromInt(1_000_000_000)
)

// Render writes snap as a table, one row per instrument.
func Render(w io.Writer, snap *market.Snapshot) error {
	if snap == nil {
		_, err := fmt.Fprintln(w, "no snapshot yet")
		return err
	}

	fmt.Fprintf(w, "snapshot #%d %s at %s, %d/%d fresh\n",
		snap.Seq(), snap.Exchange(), snap.TakenAt().UTC().Format(time.RFC3339), snap.FreshCount(), snap.Len())

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTRUMENT\tSTATUS\tSIDE\tSIZE\tENTRY\tMARK\tUPNL\tLEV\tFUNDING\tPREMIUM\tNEXT FUNDING\tOPEN INTEREST\tAS OF\t")
	for _, e := range snap.Entries() {
		fmt.Fprintln(tw, row(e))
	}
	return tw.Flush()
}

func row(e market.Entry) string {
	status := string(e.Freshness)
	if !e.IsFresh() {
		status = fmt.Sprintf("stale(%s)", e.StaleReason)
	}
	if !e.HasData() {
		cols := []string{e.Instrument.String(), status}
		for i := 0; i < 11; i++ {
			cols = append(cols, noValue)
		}
		return strings.Join(cols, "\t") + "\t"
	}

	p, f := e.Position, e.Funding
	size, entry, pnl, lev := noValue, noValue, noValue, noValue
	if p.Side != market.SideFlat {
		size = p.Size.String()
		entry = price(p.EntryPrice)
		pnl = p.UnrealizedPnL.StringFixed(2)
		lev = p.Leverage.String() + "x"
	}
	next := noValue
	if !f.NextFundingTime.IsZero() {
		next = f.NextFundingTime.UTC().Format("15:04")
	}

	cols := []string{
		e.Instrument.String(),
		status,
		string(p.Side),
		size,
		entry,
		price(f.MarkPrice),
		pnl,
		lev,
		Percent(f.Rate, 4),
		price(f.Premium()),
		next,
		Compact(f.OpenInterest),
		e.LastSuccess.UTC().Format("15:04:05"),
	}
	return strings.Join(cols, "\t") + "\t"
}

// price keeps more places for small prices.
func price(d decimal.Decimal) string {
	abs := d.Abs()
	switch {
	case abs.IsZero():
		return "0"
	case abs.LessThan(decimal.NewFromInt(1)):
		return d.Round(8).String()
	default:
		return d.StringFixed(2)
	}
}

// Percent formats a fraction as a percentage with the given places.
func Percent(fraction decimal.Decimal, places int32) string {
	return fraction.Mul(hundred).StringFixed(places) + "%"
}

// Compact formats large quantities with K/M/B suffixes.
func Compact(d decimal.Decimal) string {
	abs := d.Abs()
	switch {
	case abs.GreaterThanOrEqual(billion):
		return d.Div(billion).StringFixed(2) + "B"
	case abs.GreaterThanOrEqual(million):
		return d.Div(million).StringFixed(2) + "M"
	case abs.GreaterThanOrEqual(thousand):
		return d.Div(thousand).StringFixed(2) + "K"
	default:
		return d.StringFixed(2)
	}
}

// RenderSummary writes the rankings of sum.
func RenderSummary(w io.Writer, sum Summary) error {
	section := func(title string, items []Ranked, format func(decimal.Decimal) string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(w, "%s:\n", title)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, r := range items {
			fmt.Fprintf(tw, "  %s\t%s\n", r.Instrument, format(r.Value))
		}
		tw.Flush()
	}
	rate := func(d decimal.Decimal) string { return Percent(d, 4) }
	change := func(d decimal.Decimal) string { return d.StringFixed(2) + "%" }

	fmt.Fprintf(w, "%d instruments, %d stale", sum.Instruments, sum.Stale)
	switch sum.BaselineSource {
	case BaselineHistory:
		fmt.Fprintf(w, ", open interest up %d / down %d since #%d (%s ago)", sum.OpenInterestUp, sum.OpenInterestDown, sum.BaselineSeq, sum.BaselineAge.Round(time.Second))
	case BaselineExchange:
		fmt.Fprintf(w, ", open interest up %d / down %d over %s (exchange history)", sum.OpenInterestUp, sum.OpenInterestDown, sum.BaselineAge.Round(time.Second))
	}
	fmt.Fprintln(w)

	section("highest funding", sum.HighestRates, rate)
	section("lowest funding", sum.LowestRates, rate)
	section("funding rising", sum.RateIncreases, rate)
	section("funding falling", sum.RateDecreases, rate)
	section("open interest increase", sum.OIIncreases, change)
	section("open interest decrease", sum.OIDecreases, change)
	if sum.FlowInterval != "" {
		section(fmt.Sprintf("net inflow (last %s)", sum.FlowInterval), sum.NetInflows, Compact)
		section(fmt.Sprintf("net outflow (last %s)", sum.FlowInterval), sum.NetOutflows, Compact)
	}
	return nil
}

// Text renders the table followed by the rankings.
func Text(snap *market.Snapshot, history []*market.Snapshot, lookback time.Duration, topN int, in Inputs) string {
	var buf bytes.Buffer
	_ = Render(&buf, snap)
	if snap != nil {
		buf.WriteString("\n")
		_ = RenderSummary(&buf, Build(snap, history, lookback, topN, in))
	}
	return buf.String()
}

// Reporter prints the latest snapshot at a fixed interval.
type Reporter struct {
	cfg     config.ReporterConfig
	reader  market.Reader
	out     io.Writer
	log     *logger.Log
	inputs  InputSource
	lastSeq uint64
}

type ReporterOption func(*Reporter)

// WithInputs adds flow rankings and seeded baselines to each report.
func WithInputs(src InputSource) ReporterOption {
	return func(r *Reporter) { r.inputs = src }
}

func NewReporter(cfg config.ReporterConfig, reader market.Reader, out io.Writer, log *logger.Log, opts ...ReporterOption) *Reporter {
	if out == nil {
		out = os.Stdout
	}
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	r := &Reporter{cfg: cfg, reader: reader, out: out, log: log}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CurrentInputs reads src, tolerating a nil one.
func CurrentInputs(src InputSource) Inputs {
	if src == nil {
		return Inputs{}
	}
	return src.Inputs()
}

// Report prints the latest snapshot unless it was already printed. It
// reports whether anything was written.
func (r *Reporter) Report() (bool, error) {
	snap := r.reader.Latest()
	if snap == nil || snap.Seq() == r.lastSeq {
		return false, nil
	}
	text := Text(snap, r.reader.History(math.MaxInt32), r.cfg.Lookback, r.cfg.TopN, CurrentInputs(r.inputs))
	if _, err := io.WriteString(r.out, text+"\n"); err != nil {
		return false, fmt.Errorf("write report: %w", err)
	}
	r.lastSeq = snap.Seq()
	return true, nil
}

// Run reports until ctx is canceled.
func (r *Reporter) Run(ctx context.Context) {
	log := r.log.WithComponent("reporter")
	log.WithField("interval", r.cfg.Interval.String()).Info("starting console reporter")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("console reporter stopped")
			return
		case <-ticker.C:
			if _, err := r.Report(); err != nil {
				log.WithError(err).Warn("failed to print report")
			}
		}
	}
}
