package scheduler

import (
	"testing"
	"time"

	"github.com/chaoslab/firmfault/pkg/config"
)

func TestMemEstimateBelowThresholdUsesFlatAllowance(t *testing.T) {
	got := memEstimate(500_000_000, 3, 0, 0)
	want := uint64(flatPerWorker * 3)
	if got != want {
		t.Fatalf("expected flat allowance %d for running=3 below threshold, got %d", want, got)
	}
}

func TestMemEstimateAboveThresholdScalesWithObservedMax(t *testing.T) {
	got := memEstimate(2_000_000_000, 2, 0, 0)
	want := uint64(2_000_000_000 * 2 * 1.5)
	if got != want {
		t.Fatalf("expected %d above the 1.5GB threshold, got %d", want, got)
	}
}

func TestMemEstimateAddsQueueContribution(t *testing.T) {
	base := memEstimate(500_000_000, 1, 0, 0)
	withQueue := memEstimate(500_000_000, 1, 4, 0)
	if withQueue <= base {
		t.Fatalf("expected queue depth to increase the estimate: base=%d withQueue=%d", base, withQueue)
	}
	if withQueue != base+4*500_000_000 {
		t.Fatalf("expected queue contribution of in_queue*mem_max_obs, got base=%d withQueue=%d", base, withQueue)
	}
}

func TestMemEstimateScalesWithTimeMax(t *testing.T) {
	base := memEstimate(500_000_000, 2, 0, 0)
	scaled := memEstimate(500_000_000, 2, 0, 120*time.Second)
	if scaled != base*2 {
		t.Fatalf("expected a time_max of 120s to double the estimate (1+120/120=2): base=%d scaled=%d", base, scaled)
	}
}

func TestRingTracksMaxOverWindow(t *testing.T) {
	r := newRing(3)
	for _, v := range []uint64{10, 50, 20, 5} {
		r.add(v)
	}
	// window holds only the last 3 samples: 50, 20, 5
	if got := r.max(); got != 50 {
		t.Fatalf("expected max 50 over the trailing window, got %d", got)
	}
}

func TestRingEmptyIsZero(t *testing.T) {
	r := newRing(4)
	if got := r.max(); got != 0 {
		t.Fatalf("expected 0 from an empty ring, got %d", got)
	}
}

func TestDurationRingAveragesOverWindow(t *testing.T) {
	r := newDurationRing(2)
	r.add(10 * time.Second)
	r.add(20 * time.Second)
	r.add(30 * time.Second) // evicts the first sample
	if got := r.avg(); got != 25*time.Second {
		t.Fatalf("expected average of the trailing 2 samples (20s, 30s) = 25s, got %v", got)
	}
}

func TestCurrentTimeMaxClampsToZero(t *testing.T) {
	running := map[int]*runningWorker{
		0: {start: time.Now().Add(-1 * time.Millisecond)},
	}
	got := currentTimeMax(running, time.Hour)
	if got != 0 {
		t.Fatalf("expected time_max clamped to 0 when elapsed is far below the moving average, got %v", got)
	}
}

func TestCurrentTimeMaxPicksLargestOverrun(t *testing.T) {
	now := time.Now()
	running := map[int]*runningWorker{
		0: {start: now.Add(-5 * time.Second)},
		1: {start: now.Add(-30 * time.Second)},
	}
	got := currentTimeMax(running, 2*time.Second)
	if got < 25*time.Second || got > 30*time.Second {
		t.Fatalf("expected the largest overrun (~28s) to win, got %v", got)
	}
}

func TestBuildExperimentControlMapsFaultConfig(t *testing.T) {
	faultCfg := &config.FaultConfig{
		Start: &config.EndpointSpec{Address: 0x1000, Counter: 1},
		End:   []config.EndpointSpec{{Address: 0x2000, Counter: 1}, {Address: 0x3000, Counter: 2}},
		MemoryDump: []config.MemoryDumpSpec{{Address: 0x4000, Length: 16}},
	}

	ctl := buildExperimentControl(faultCfg, 9999, false)
	if !ctl.HasStart || ctl.StartAddress != 0x1000 || ctl.StartCounter != 1 {
		t.Fatalf("expected start to carry through, got %+v", ctl)
	}
	if len(ctl.EndPoints) != 2 || ctl.EndPoints[1].Address != 0x3000 {
		t.Fatalf("expected both end points to carry through, got %+v", ctl.EndPoints)
	}
	if len(ctl.MemoryDumps) != 1 || ctl.MemoryDumps[0].Length != 16 {
		t.Fatalf("expected the memory dump spec to carry through, got %+v", ctl.MemoryDumps)
	}
	if ctl.MaxDuration != 9999 {
		t.Fatalf("expected max_instruction_count to become MaxDuration, got %d", ctl.MaxDuration)
	}
	if !ctl.TBExecListRingBuffer {
		t.Fatalf("expected the ring buffer flag to default on")
	}
	if ctl.TBExecListRingBuffer == false {
		t.Fatalf("sanity: ring buffer flag unexpectedly false")
	}

	ctl2 := buildExperimentControl(faultCfg, 9999, true)
	if ctl2.TBExecListRingBuffer {
		t.Fatalf("expected --disable-ring-buffer to force the ring buffer flag off")
	}
}

func TestEndReasonOf(t *testing.T) {
	if got := endReasonOf(1); got != "end point reached" {
		t.Fatalf("unexpected end reason for endpoint=1: %q", got)
	}
	if got := endReasonOf(0); got != "max instruction count reached" {
		t.Fatalf("unexpected end reason for endpoint=0: %q", got)
	}
}
