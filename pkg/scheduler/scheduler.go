// Package scheduler runs the expanded fault combinations through a
// memory- and queue-aware worker pool: one goroutine per concurrent
// emulator subprocess, a bounded results queue feeding a single archive
// writer, and a shared stop flag for SIGINT/SIGTERM cancellation. It is
// the Go-goroutine translation of the original tool's process-pool
// scheduler (one long-lived logger process plus up to num_workers
// short-lived worker processes) — goroutines stand in for the worker
// processes here, since each worker's own emulator subprocess is already
// the unit of isolation that matters.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaoslab/firmfault/pkg/archive"
	"github.com/chaoslab/firmfault/pkg/config"
	"github.com/chaoslab/firmfault/pkg/emulator"
	"github.com/chaoslab/firmfault/pkg/fault"
	"github.com/chaoslab/firmfault/pkg/logging"
	"github.com/chaoslab/firmfault/pkg/metrics"
	"github.com/chaoslab/firmfault/pkg/trace"
)

// pollInterval is how often the scheduler loop wakes to sample RSS and
// reconsider whether it can afford to launch another worker.
const pollInterval = 5 * time.Millisecond

// memThreshold is the 1.5GB crossover point in mem_estimate: above it the
// estimate scales with the largest observed worker, below it a flat
// per-worker allowance is used instead.
const memThreshold = 1_500_000_000

// flatPerWorker is the per-worker memory allowance used below memThreshold.
const flatPerWorker = 1_600_000_000

// Config holds the knobs of spec §6 that govern the scheduler itself.
type Config struct {
	NumWorkers        int
	QueueDepth        int
	IndexBase         int
	Debug             bool
	GDB               bool
	DisableRingBuffer bool

	// Metrics is optional; when set, Run keeps its gauges and counters
	// up to date as the pool operates. A nil Metrics is a no-op.
	Metrics *metrics.Metrics
}

// Report summarizes one scheduler run.
type Report struct {
	Completed int
	Failed    int
	Duration  time.Duration
}

// Scheduler owns the shared stop flag and the pool of in-flight workers.
type Scheduler struct {
	cfg   Config
	emu   config.EmulatorConfig
	arc   *archive.Archive
	log   *logging.Logger
	stop  atomic.Bool
}

// New builds a Scheduler. Call Stop (or let a registered signal fire it)
// to request a clean shutdown mid-run.
func New(cfg Config, emu config.EmulatorConfig, arc *archive.Archive, log *logging.Logger) *Scheduler {
	if cfg.NumWorkers < 1 {
		cfg.NumWorkers = 1
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 15
	}
	return &Scheduler{cfg: cfg, emu: emu, arc: arc, log: log}
}

// Stop requests a clean shutdown: no further work is submitted, the
// logger drains whatever has already completed, and any survivors are
// then killed. Safe to call more than once or concurrently.
func (s *Scheduler) Stop() { s.stop.Store(true) }

// Stopped reports whether Stop has been called.
func (s *Scheduler) Stopped() bool { return s.stop.Load() }

type runningWorker struct {
	worker *emulator.Worker
	start  time.Time
	cancel context.CancelFunc
}

type completion struct {
	slot     int
	duration time.Duration
}

type workerResult struct {
	record archive.ExperimentRecord
}

// Run drives combos through the pool, writing one ExperimentRecord per
// combination to the archive (in completion order, not submission order)
// and returns once every combination has been attempted or Stop has
// drained and killed the pool.
func (s *Scheduler) Run(ctx context.Context, golden *trace.GoldenRun, faultCfg *config.FaultConfig, maxInstructionCount uint64, combos []fault.FaultCombination) (Report, error) {
	started := time.Now()
	ctl := buildExperimentControl(faultCfg, maxInstructionCount, s.cfg.DisableRingBuffer)

	killCtx, killSurvivors := context.WithCancel(ctx)
	defer killSurvivors()

	pending := append([]fault.FaultCombination(nil), combos...)
	running := make(map[int]*runningWorker)
	nextSlot := s.cfg.IndexBase

	resultsCh := make(chan workerResult, s.cfg.QueueDepth+s.cfg.NumWorkers)
	completionCh := make(chan completion, s.cfg.NumWorkers)

	var loggerWG sync.WaitGroup
	var completed, failed int64
	loggerWG.Add(1)
	go func() {
		defer loggerWG.Done()
		for r := range resultsCh {
			if err := s.arc.WriteExperiment(r.record); err != nil {
				atomic.AddInt64(&failed, 1)
				s.log.Error("scheduler: failed to write experiment record", "index", r.record.Index, "err", err)
				if s.cfg.Metrics != nil {
					s.cfg.Metrics.ExperimentsFailed.Inc()
				}
				continue
			}
			atomic.AddInt64(&completed, 1)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.ExperimentsCompleted.Inc()
			}
		}
	}()

	ramWindow := newRing(6*s.cfg.NumWorkers + 4)
	durationWindow := newDurationRing(s.cfg.NumWorkers + 2)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	killedSurvivors := false
	for {
		for _, rw := range running {
			if rss, ok := readRSS(rw.worker.PID()); ok && rss > 0 {
				ramWindow.add(rss)
			}
		}
		memMaxObs := ramWindow.max()
		avgDuration := durationWindow.avg()
		timeMax := currentTimeMax(running, avgDuration)
		maxRAM := s.maxRAM()

		for !s.stop.Load() && len(pending) > 0 && len(running) < s.cfg.NumWorkers && len(resultsCh) < s.cfg.QueueDepth {
			est := memEstimate(memMaxObs, len(running)+1, len(resultsCh), timeMax)
			if est >= maxRAM && len(running) > 0 {
				break
			}
			combo := pending[0]
			pending = pending[1:]
			s.launch(killCtx, nextSlot, combo, ctl, golden, running, completionCh, resultsCh)
			nextSlot++
		}

		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ActiveWorkers.Set(float64(len(running)))
			s.cfg.Metrics.PendingCombinations.Set(float64(len(pending)))
			s.cfg.Metrics.MemEstimateBytes.Set(float64(memEstimate(memMaxObs, len(running), len(resultsCh), timeMax)))
			s.cfg.Metrics.MaxRAMBytes.Set(float64(maxRAM))
		}

		if s.stop.Load() && !killedSurvivors && len(resultsCh) == 0 {
			for _, rw := range running {
				rw.cancel()
			}
			killedSurvivors = true
		}

		if (len(pending) == 0 || s.stop.Load()) && len(running) == 0 {
			break
		}

		select {
		case c := <-completionCh:
			delete(running, c.slot)
			durationWindow.add(c.duration)
		case <-ticker.C:
		}
	}

	close(resultsCh)
	loggerWG.Wait()

	return Report{
		Completed: int(atomic.LoadInt64(&completed)),
		Failed:    int(atomic.LoadInt64(&failed)),
		Duration:  time.Since(started),
	}, nil
}

func (s *Scheduler) launch(ctx context.Context, slot int, combo fault.FaultCombination, ctl emulator.Control, golden *trace.GoldenRun, running map[int]*runningWorker, completionCh chan<- completion, resultsCh chan<- workerResult) {
	workerCtx, cancel := context.WithCancel(ctx)
	worker, err := emulator.NewWorker(slot, s.emu, s.cfg.Debug, s.cfg.GDB)
	if err != nil {
		cancel()
		s.log.Error("scheduler: failed to allocate worker fifos", "index", slot, "err", err)
		resultsCh <- workerResult{record: archive.ExperimentRecord{
			Index: combo.Index + s.cfg.IndexBase, Combination: combo, EndReason: fmt.Sprintf("worker setup failed: %v", err),
		}}
		completionCh <- completion{slot: slot}
		return
	}

	rw := &runningWorker{worker: worker, start: time.Now(), cancel: cancel}
	running[slot] = rw

	go func() {
		defer cancel()
		defer worker.Close()

		pack := emulator.FaultPack{Faults: combo.Faults}
		data, runErr := worker.Run(workerCtx, ctl, pack)

		rec := archive.ExperimentRecord{Index: combo.Index + s.cfg.IndexBase, Combination: combo}
		if runErr != nil {
			rec.EndReason = fmt.Sprintf("worker error: %v", runErr)
			s.log.Warn("scheduler: experiment failed", "index", combo.Index, "err", runErr)
		} else {
			rec.Endpoint = data.Endpoint
			rec.EndReason = endReasonOf(data.Endpoint)
			if data.HasTBExec {
				rec.TBExec, rec.TBInfo = postProcessTrace(data, ctl.TBExecListRingBuffer, golden)
			}
			if data.HasMemInfo {
				trace.LinkMemInfoToTB(data.MemInfo, data.TBInfo)
				rec.MemInfo = trace.DiffMemInfo(data.MemInfo, golden.MemInfo)
			}
			if data.HasRegisters {
				rec.Registers = trace.DiffRegisters(data.Registers, goldenRegistersFor(golden, data.RegisterArch))
			}
			if data.HasTBFaulted {
				rec.TBFaulted = data.TBFaulted
			}
			if data.HasMemDump {
				rec.MemDumps = data.MemDumps
			}
		}

		resultsCh <- workerResult{record: rec}
		completionCh <- completion{slot: slot, duration: time.Since(rw.start)}
	}()
}

// postProcessTrace applies spec §4.D to one experiment's raw trace: JIT
// artifact filtering (skipped in ring-buffer mode, where the emulator
// already truncated tbexec and only a reversal to ascending pos is
// needed) followed by a diff against the golden run so only rows unique
// to this experiment are persisted.
func postProcessTrace(data emulator.Data, ringBuffer bool, golden *trace.GoldenRun) ([]trace.TBExec, []trace.TBInfo) {
	var tbexec []trace.TBExec
	tbinfo := data.TBInfo
	if ringBuffer {
		tbexec = trace.ReverseAscendingPos(data.TBExec)
	} else {
		tbexec, tbinfo = trace.FilterArtifacts(data.TBExec, data.TBInfo, golden.TBInfo)
	}
	return trace.DiffTBExec(tbexec, golden.TBExec), trace.DiffTBInfo(tbinfo, golden.TBInfo)
}

func goldenRegistersFor(golden *trace.GoldenRun, arch trace.Arch) []trace.RegisterSnapshot {
	if arch == trace.ArchRISCV {
		return golden.RISCV
	}
	return golden.ARM
}

func endReasonOf(endpoint uint64) string {
	if endpoint == 1 {
		return "end point reached"
	}
	return "max instruction count reached"
}

// buildExperimentControl is shared across every worker in the run: only
// the FaultPack varies per experiment.
func buildExperimentControl(faultCfg *config.FaultConfig, maxInstructionCount uint64, disableRingBuffer bool) emulator.Control {
	ctl := emulator.Control{
		MaxDuration:          maxInstructionCount,
		NumFaults:            1,
		TBExecList:           faultCfg.TBExecListEnabled(),
		TBInfo:               faultCfg.TBInfoEnabled(),
		MemInfo:              faultCfg.MemInfoEnabled(),
		TBExecListRingBuffer: faultCfg.RingBufferEnabled() && !disableRingBuffer,
	}
	if faultCfg.Start != nil {
		ctl.HasStart = true
		ctl.StartAddress = faultCfg.Start.Address
		ctl.StartCounter = faultCfg.Start.Counter
	}
	for _, e := range faultCfg.End {
		ctl.EndPoints = append(ctl.EndPoints, emulator.EndPoint{Address: e.Address, Hitcounter: e.Counter})
	}
	for _, d := range faultCfg.MemoryDump {
		ctl.MemoryDumps = append(ctl.MemoryDumps, emulator.MemoryDump{Address: d.Address, Length: d.Length})
	}
	return ctl
}

// currentTimeMax is the largest (elapsed - movingAverage) across running
// workers, clamped to 0, per spec §4.H.
func currentTimeMax(running map[int]*runningWorker, movingAverage time.Duration) time.Duration {
	var max time.Duration
	now := time.Now()
	for _, rw := range running {
		d := now.Sub(rw.start) - movingAverage
		if d > max {
			max = d
		}
	}
	return max
}

// memEstimate implements spec §4.H's mem_estimate formula exactly.
func memEstimate(memMaxObs uint64, running, inQueue int, timeMax time.Duration) uint64 {
	var base float64
	if memMaxObs > memThreshold {
		base = float64(memMaxObs) * float64(running) * 1.5
	} else {
		base = float64(flatPerWorker) * float64(running)
	}
	base += float64(inQueue) * float64(memMaxObs)
	scale := 1 + timeMax.Seconds()/120
	return uint64(base * scale)
}
