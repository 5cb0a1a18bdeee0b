// Package campaign is the controller façade: it loads configuration,
// either resumes an existing archive or runs the golden phase fresh,
// records the Backup group, then hands the prepared fault combinations to
// the scheduler and reports timing. It is the Go counterpart of the
// original tool's top-level run() entry point.
package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/chaoslab/firmfault/pkg/archive"
	"github.com/chaoslab/firmfault/pkg/config"
	"github.com/chaoslab/firmfault/pkg/expansion"
	"github.com/chaoslab/firmfault/pkg/fault"
	"github.com/chaoslab/firmfault/pkg/goldenrun"
	"github.com/chaoslab/firmfault/pkg/logging"
	"github.com/chaoslab/firmfault/pkg/metrics"
	"github.com/chaoslab/firmfault/pkg/scheduler"
	"github.com/chaoslab/firmfault/pkg/trace"
)

// Options is the resolved form of spec §6's CLI flags.
type Options struct {
	EmulatorConfigPath string
	FaultConfigPath    string
	ArchivePath        string

	Overwrite         bool
	NumWorkers        int
	QueueDepth        int
	CompressionLevel  int
	IndexBase         int
	Debug             bool
	GDB               bool
	DisableRingBuffer bool
	GoldenRunOnly     bool
	MissingOnly       bool

	// MetricsAddr, when non-empty, starts a /metrics endpoint for the
	// duration of the run. Empty disables metrics entirely.
	MetricsAddr string
}

// Result is what Run reports back to the CLI layer.
type Result struct {
	GoldenRunOnly bool
	Scheduler     scheduler.Report
	Duration      time.Duration
}

// Run executes the controller façade of spec §4.I end to end.
func Run(ctx context.Context, log *logging.Logger, opts Options) (*Result, error) {
	started := time.Now()

	if opts.GDB {
		opts.NumWorkers = 1
	}

	emuCfg, err := config.LoadEmulatorConfig(opts.EmulatorConfigPath)
	if err != nil {
		return nil, err
	}

	arc, existed, err := archive.Open(opts.ArchivePath, opts.Overwrite, opts.CompressionLevel)
	if err != nil {
		return nil, err
	}
	defer arc.Close()

	var golden *trace.GoldenRun
	var maxInstructionCount uint64
	var combos []fault.FaultCombination
	var faultCfg *config.FaultConfig

	if existed && !opts.Overwrite {
		// Resume reconstructs the experiment-control knobs from the
		// archive's Backup record instead of re-parsing the fault config
		// document, per spec.md's "without re-reading the source inputs".
		golden, maxInstructionCount, combos, faultCfg, err = resume(arc, opts, *emuCfg, log)
		if err != nil {
			return nil, err
		}
	} else {
		faultCfg, err = config.LoadFaultConfig(opts.FaultConfigPath)
		if err != nil {
			return nil, err
		}
		golden, maxInstructionCount, combos, err = runFresh(ctx, log, *emuCfg, faultCfg, arc, opts)
		if err != nil {
			return nil, err
		}
	}

	if opts.GoldenRunOnly {
		log.Info("campaign: golden-run-only requested, stopping before experiments")
		return &Result{GoldenRunOnly: true, Duration: time.Since(started)}, nil
	}

	if opts.MissingOnly {
		present, err := arc.CanonicalFaultsPresent()
		if err != nil {
			return nil, fmt.Errorf("campaign: rescan for missing-only: %w", err)
		}
		combos = filterMissing(combos, present)
		log.Info("campaign: missing-only filter applied", "remaining", len(combos))
	}

	var mtr *metrics.Metrics
	if opts.MetricsAddr != "" {
		mtr = metrics.New()
		metricsCtx, stopMetrics := context.WithCancel(ctx)
		defer stopMetrics()
		go func() {
			if err := mtr.Serve(metricsCtx, opts.MetricsAddr); err != nil {
				log.Error("campaign: metrics server stopped", "err", err)
			}
		}()
	}

	sched := scheduler.New(scheduler.Config{
		NumWorkers:        opts.NumWorkers,
		QueueDepth:        opts.QueueDepth,
		IndexBase:         opts.IndexBase,
		Debug:             opts.Debug,
		GDB:               opts.GDB,
		DisableRingBuffer: opts.DisableRingBuffer,
		Metrics:           mtr,
	}, *emuCfg, arc, log)
	sched.WatchSignals()

	report, err := sched.Run(ctx, golden, faultCfg, maxInstructionCount, combos)
	if err != nil {
		return nil, err
	}

	log.Info("campaign: finished", "completed", report.Completed, "failed", report.Failed, "duration", report.Duration)
	return &Result{Scheduler: report, Duration: time.Since(started)}, nil
}

// resume reconstructs campaign state from an existing archive: the
// Backup group's expanded faults (after verifying every input file's
// hash still matches), its resolved configuration knobs, and the golden
// run's baseline trace. It never re-parses the fault config document.
func resume(arc *archive.Archive, opts Options, emu config.EmulatorConfig, log *logging.Logger) (*trace.GoldenRun, uint64, []fault.FaultCombination, *config.FaultConfig, error) {
	backup, err := arc.ReadBackup()
	if err != nil {
		return nil, 0, nil, nil, fmt.Errorf("campaign: resume: %w (re-run with --overwrite to start fresh)", err)
	}

	if err := backup.VerifyHashes(inputPaths(opts, emu)); err != nil {
		return nil, 0, nil, nil, fmt.Errorf("campaign: resume: %w", err)
	}

	goldenRec, found, err := arc.ReadGolden()
	if err != nil {
		return nil, 0, nil, nil, fmt.Errorf("campaign: resume: read golden run: %w", err)
	}
	if !found {
		return nil, 0, nil, nil, fmt.Errorf("campaign: resume: archive has a Backup group but no Goldenrun group")
	}

	log.Info("campaign: resuming from existing archive", "combinations", len(backup.ExpandedFaults))
	return &goldenRec.Golden, backup.MaxInstructionCount, backup.ExpandedFaults, faultConfigFromResolved(backup.Config), nil
}

// runFresh expands the fault config, runs the golden phase, and records
// the Pregoldenrun/Goldenrun/Backup groups before any experiment starts.
func runFresh(ctx context.Context, log *logging.Logger, emu config.EmulatorConfig, faultCfg *config.FaultConfig, arc *archive.Archive, opts Options) (*trace.GoldenRun, uint64, []fault.FaultCombination, error) {
	combos, err := expansion.BuildCombinations(faultCfg)
	if err != nil {
		return nil, 0, nil, err
	}

	result, err := goldenrun.Run(ctx, log, emu, faultCfg, combos)
	if err != nil {
		return nil, 0, nil, err
	}

	if err := arc.WritePregolden(archive.GoldenRunRecord{EndpointReached: !result.PregoldenConfigured || result.PregoldenReached}); err != nil {
		return nil, 0, nil, fmt.Errorf("campaign: write pregolden record: %w", err)
	}
	if err := arc.WriteGolden(archive.GoldenRunRecord{Golden: *result.Golden, EndpointReached: true}); err != nil {
		return nil, 0, nil, fmt.Errorf("campaign: write golden record: %w", err)
	}

	hashes, err := archive.HashFiles(inputPaths(opts, emu))
	if err != nil {
		return nil, 0, nil, err
	}
	backup := archive.Backup{
		ExpandedFaults:      result.Combinations,
		MaxInstructionCount: result.MaxInstructionCount,
		Config:              resolvedConfigOf(faultCfg),
		HashAlgorithm:       "sha256",
		Hash:                hashes,
	}
	if err := arc.WriteBackup(backup); err != nil {
		return nil, 0, nil, fmt.Errorf("campaign: write backup record: %w", err)
	}

	return result.Golden, result.MaxInstructionCount, result.Combinations, nil
}

// resolvedConfigOf snapshots a fault config document's campaign-wide knobs
// for storage in the archive's Backup record.
func resolvedConfigOf(faultCfg *config.FaultConfig) archive.ResolvedConfig {
	rc := archive.ResolvedConfig{
		TBExecList: faultCfg.TBExecListEnabled(),
		TBInfo:     faultCfg.TBInfoEnabled(),
		MemInfo:    faultCfg.MemInfoEnabled(),
		RingBuffer: faultCfg.RingBufferEnabled(),
	}
	if faultCfg.Start != nil {
		rc.Start = &archive.ResolvedEndpoint{Address: faultCfg.Start.Address, Counter: faultCfg.Start.Counter}
	}
	for _, e := range faultCfg.End {
		rc.End = append(rc.End, archive.ResolvedEndpoint{Address: e.Address, Counter: e.Counter})
	}
	for _, m := range faultCfg.MemoryDump {
		rc.MemoryDump = append(rc.MemoryDump, archive.ResolvedMemoryDump{Address: m.Address, Length: m.Length})
	}
	return rc
}

// faultConfigFromResolved rebuilds the subset of a FaultConfig that
// buildExperimentControl needs from a Backup record's resolved
// configuration, so resume never has to re-parse the source document.
func faultConfigFromResolved(rc archive.ResolvedConfig) *config.FaultConfig {
	tbExecList, tbInfo, memInfo, ringBuffer := rc.TBExecList, rc.TBInfo, rc.MemInfo, rc.RingBuffer
	cfg := &config.FaultConfig{
		TBExecList: &tbExecList,
		TBInfo:     &tbInfo,
		MemInfo:    &memInfo,
		RingBuffer: &ringBuffer,
	}
	if rc.Start != nil {
		cfg.Start = &config.EndpointSpec{Address: rc.Start.Address, Counter: rc.Start.Counter}
	}
	for _, e := range rc.End {
		cfg.End = append(cfg.End, config.EndpointSpec{Address: e.Address, Counter: e.Counter})
	}
	for _, m := range rc.MemoryDump {
		cfg.MemoryDump = append(cfg.MemoryDump, config.MemoryDumpSpec{Address: m.Address, Length: m.Length})
	}
	return cfg
}

// inputPaths names the files spec.md §4.G requires hashing: the emulator
// binary, the fault config, the kernel, and the optional BIOS.
func inputPaths(opts Options, emu config.EmulatorConfig) map[string]string {
	return map[string]string{
		"qemu":   emu.QEMU,
		"faults": opts.FaultConfigPath,
		"kernel": emu.Kernel,
		"bios":   emu.BIOS,
	}
}

// filterMissing drops every combination whose canonical identity is
// already present in the archive.
func filterMissing(combos []fault.FaultCombination, present map[string]bool) []fault.FaultCombination {
	var out []fault.FaultCombination
	for _, c := range combos {
		if !present[archive.CanonicalOf(c)] {
			out = append(out, c)
		}
	}
	return out
}
