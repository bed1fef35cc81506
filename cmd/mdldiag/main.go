// Command mdldiag assembles a logger, both pool backends, and an MDL over
// each, drives a small fixed workload through them, and prints the
// resulting audit/fingerprint/metrics report. It exists to exercise the
// library end to end outside of unit tests.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap/zapcore"

	"github.com/ptarmigan-os/mdl/internal/metrics"
	"github.com/ptarmigan-os/mdl/internal/obslog"
	"github.com/ptarmigan-os/mdl/mdl"
	"github.com/ptarmigan-os/mdl/pool/nonpaged"
	"github.com/ptarmigan-os/mdl/pool/paged"
)

var (
	spaceSize  = flag.Uint64("space", 16<<20, "simulated address space size in bytes")
	seedBytes  = flag.Int("seed", 64*64, "bytes of descriptor-record reserve to seed before the workload runs")
	pageInCost = flag.Duration("pagein", time.Millisecond, "simulated per-page-in latency for the paged-pool backend")
	verbose    = flag.Bool("verbose", false, "enable debug-level logging")
)

// params bundles the flag-derived configuration fx hands to the builders.
type params struct {
	spaceSize  uint64
	seedBytes  int
	pageInCost time.Duration
}

func provideLogger() *obslog.Logger {
	level := zapcore.InfoLevel
	if *verbose {
		level = zapcore.DebugLevel
	}
	return obslog.New("mdldiag", level)
}

func provideParams() params {
	return params{spaceSize: *spaceSize, seedBytes: *seedBytes, pageInCost: *pageInCost}
}

// rig is one backend/list pairing the workload exercises. Running both a
// non-paged and a paged rig side by side is what actually drives
// mdl.SourcePagedPool (and the gobreaker/rate.Limiter wiring behind it)
// through a live MDL, rather than only through pool/paged's own tests.
type rig struct {
	name    string
	list    *mdl.List
	backend mdl.PoolBackend
}

func buildRigs(log *obslog.Logger, p params) []*rig {
	return []*rig{
		{
			name:    "mdldiag-nonpaged",
			backend: nonpaged.New(uint32(p.spaceSize)),
		},
		{
			name:    "mdldiag-paged",
			backend: paged.New(p.pageInCost),
		},
	}
}

func provideRigs(log *obslog.Logger, p params) []*rig {
	rigs := buildRigs(log, p)
	sources := []mdl.Source{mdl.SourceNonPagedPool, mdl.SourcePagedPool}
	for i, r := range rigs {
		r.list = mdl.New(sources[i], r.backend, mdl.WithLogger(log.With(r.name)), mdl.WithName(r.name))
		r.list.Seed(make([]byte, p.seedBytes))
	}
	return rigs
}

// runWorkload exercises insert, allocate, remove-range, and audit against the
// freshly built list, mirroring spec.md's Scenario A-F shapes at a larger
// scale, and prints the final report to stdout.
func runWorkload(r *rig, spaceSize uint64, log *obslog.Logger) error {
	l := r.list
	if err := l.Insert(mdl.Descriptor{BaseAddress: 0, Size: spaceSize, Type: mdl.TypeFree}); err != nil {
		return fmt.Errorf("%s: seed region: %w", r.name, err)
	}

	base, err := l.Allocate(0x10000, 0x1000, mdl.TypeNonPagedPool, mdl.StrategyLowest)
	if err != nil {
		return fmt.Errorf("%s: allocate: %w", r.name, err)
	}
	log.Info("allocated region", obslog.F("rig", r.name), obslog.F("base", fmt.Sprintf("%#x", base)))

	if err := l.RemoveRange(base+0x4000, base+0x6000); err != nil {
		return fmt.Errorf("%s: remove range: %w", r.name, err)
	}

	if err := l.Audit(); err != nil {
		return fmt.Errorf("%s: audit: %w", r.name, err)
	}

	fmt.Println(l.Print())
	fmt.Printf("fingerprint: %x\n", l.Fingerprint())
	return nil
}

// printMetrics gathers every registered collector and prints each sample
// as a flat name{labels} value line, the way a scrape target's text
// exposition renders gauges.
func printMetrics(reg *prometheus.Registry) error {
	mfs, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			fmt.Printf("%s%s %g\n", mf.GetName(), labelPairsString(m.GetLabel()), m.GetGauge().GetValue())
		}
	}
	return nil
}

func labelPairsString(pairs []*dto.LabelPair) string {
	if len(pairs) == 0 {
		return ""
	}
	s := "{"
	for i, p := range pairs {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%s=%q", p.GetName(), p.GetValue())
	}
	return s + "}"
}

func runAll(log *obslog.Logger, p params, rigs []*rig) error {
	reg := prometheus.NewRegistry()
	for _, r := range rigs {
		if err := reg.Register(metrics.New(r.name, r.list)); err != nil {
			return fmt.Errorf("register metrics for %s: %w", r.name, err)
		}
	}

	for _, r := range rigs {
		if err := runWorkload(r, p.spaceSize, log); err != nil {
			return err
		}
	}

	if err := printMetrics(reg); err != nil {
		return err
	}

	for _, r := range rigs {
		r.list.Destroy()
	}
	return nil
}

func main() {
	flag.Parse()

	app := fx.New(
		fx.Provide(provideParams, provideLogger, provideRigs),
		fx.Invoke(func(log *obslog.Logger, p params, rigs []*rig) {
			if err := runAll(log, p, rigs); err != nil {
				log.Error("workload failed", obslog.F("error", err))
				os.Exit(1)
			}
		}),
		fx.NopLogger,
	)

	startCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintln(os.Stderr, "mdldiag: start failed:", err)
		os.Exit(1)
	}
	_ = app.Stop(startCtx)
}
