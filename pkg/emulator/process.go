package emulator

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chaoslab/firmfault/pkg/config"
)

// Worker owns one experiment's FIFOs and emulator subprocess. Exactly one
// Worker is active per concurrent slot in the scheduler's pool (component
// H); each Worker.Run is the Go-goroutine-driven counterpart to the
// original tool's one-process-per-experiment model, the subprocess here
// standing in for that process.
type Worker struct {
	ID    int
	Emu   config.EmulatorConfig
	Debug bool
	GDB   bool
	fifos FIFOSet
	pid   atomic.Int64
}

// PID returns the running qemu subprocess's pid, or 0 if the worker has no
// subprocess currently running. The scheduler polls this to sample a
// worker's memory footprint from /proc.
func (w *Worker) PID() int64 { return w.pid.Load() }

// NewWorker allocates the FIFOs for experiment id. Callers must call
// Close when done, whether or not Run succeeded.
func NewWorker(id int, emu config.EmulatorConfig, debug, gdb bool) (*Worker, error) {
	fifos, err := CreateFIFOs(id)
	if err != nil {
		return nil, err
	}
	return &Worker{ID: id, Emu: emu, Debug: debug, GDB: gdb, fifos: fifos}, nil
}

// Close removes the worker's FIFOs.
func (w *Worker) Close() { w.fifos.Remove() }

// buildArgs constructs the emulator's argv: the plugin and its three FIFO
// arguments, the machine, monitor disable, optional plugin debug output,
// any additional caller-supplied QEMU arguments, bios/kernel, and gdb stub
// flags — in the order spec §4.C documents.
func (w *Worker) buildArgs() []string {
	pluginArg := fmt.Sprintf("%s,control=%s,config=%s,data=%s", w.Emu.Plugin, w.fifos.Control, w.fifos.Config, w.fifos.Data)
	args := []string{"-plugin", pluginArg}
	args = append(args, "-M", w.Emu.Machine, "-monitor", "none")
	if w.Debug {
		args = append(args, "-d", "plugin")
	}
	if w.Emu.AdditionalQEMUArgs != "" {
		args = append(args, strings.Fields(w.Emu.AdditionalQEMUArgs)...)
	}
	if w.Emu.BIOS != "" {
		args = append(args, "-bios", w.Emu.BIOS)
	}
	args = append(args, "-kernel", w.Emu.Kernel)
	if w.GDB {
		args = append(args, "-S", "-s")
	}
	return args
}

// Run starts the emulator subprocess, writes Control then FaultPack, and
// reads the Data message to completion. The FIFO open order is fixed:
// the emulator plugin itself opens control and config for reading before
// it opens data for writing, so the worker must open control and config
// for writing (blocking until the plugin opens its ends) before it opens
// data for reading.
func (w *Worker) Run(ctx context.Context, ctl Control, pack FaultPack) (Data, error) {
	cmd := exec.CommandContext(ctx, w.Emu.QEMU, w.buildArgs()...)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return Data{}, fmt.Errorf("emulator: start qemu for experiment %d: %w", w.ID, err)
	}
	w.pid.Store(int64(cmd.Process.Pid))
	defer w.pid.Store(0)

	result, runErr := w.talk(ctl, pack)

	if runErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return Data{}, runErr
	}

	if err := cmd.Wait(); err != nil {
		return Data{}, fmt.Errorf("emulator: qemu exited with error for experiment %d: %w", w.ID, err)
	}
	return result, nil
}

func (w *Worker) talk(ctl Control, pack FaultPack) (Data, error) {
	controlFile, err := os.OpenFile(w.fifos.Control, os.O_WRONLY, 0)
	if err != nil {
		return Data{}, fmt.Errorf("emulator: open control fifo: %w", err)
	}
	defer controlFile.Close()
	controlW := bufio.NewWriter(controlFile)
	if err := WriteControl(controlW, ctl); err != nil {
		return Data{}, err
	}

	configFile, err := os.OpenFile(w.fifos.Config, os.O_WRONLY, 0)
	if err != nil {
		return Data{}, fmt.Errorf("emulator: open config fifo: %w", err)
	}
	defer configFile.Close()
	configW := bufio.NewWriter(configFile)
	if err := WriteFaultPack(configW, pack); err != nil {
		return Data{}, err
	}

	dataFile, err := os.OpenFile(w.fifos.Data, os.O_RDONLY, 0)
	if err != nil {
		return Data{}, fmt.Errorf("emulator: open data fifo: %w", err)
	}
	defer dataFile.Close()
	data, err := ReadData(bufio.NewReader(dataFile))
	if err != nil {
		return Data{}, fmt.Errorf("emulator: experiment %d: %w", w.ID, err)
	}
	return data, nil
}

// RunWithTimeout wraps Run with a hard wall-clock deadline, matching the
// original tool's per-experiment max duration guard against a hung
// emulator (e.g. an infinite loop induced by the fault itself).
func (w *Worker) RunWithTimeout(parent context.Context, timeout time.Duration, ctl Control, pack FaultPack) (Data, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return w.Run(ctx, ctl, pack)
}
