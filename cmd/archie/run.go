package main

import (
	"context"
	"fmt"
	"os"

	"github.com/chaoslab/firmfault/pkg/campaign"
	"github.com/chaoslab/firmfault/pkg/logging"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run HDF5FILE",
	Args:  cobra.ExactArgs(1),
	Short: "Run a fault-injection campaign",
	Long: `Run expands the configured fault space, records (or resumes) a golden run,
and drives every resulting combination through the emulator, persisting each
experiment's trace diff into the named archive file.`,
	RunE: runCampaign,
}

func init() {
	runCmd.Flags().String("qemu", "", "emulator config file (required)")
	runCmd.Flags().String("faults", "", "fault config file (required)")
	runCmd.Flags().BoolP("append", "a", false, "resume an existing archive instead of starting fresh (default behavior when the archive already exists)")
	runCmd.Flags().IntP("worker", "w", 1, "number of concurrent emulator workers")
	runCmd.Flags().Int("queuedepth", 15, "bounded results queue depth")
	runCmd.Flags().IntP("compressionlevel", "c", 1, "flate compression level (0-9)")
	runCmd.Flags().IntP("indexbase", "b", 0, "starting index assigned to the first fault combination")
	runCmd.Flags().Bool("debug", false, "verbose emulator diagnostics")
	runCmd.Flags().Bool("gdb", false, "attach a gdbserver to the worker (forces --worker=1)")
	runCmd.Flags().Bool("disable-ring-buffer", false, "disable tbexec ring-buffer truncation even if the fault config requests it")
	runCmd.Flags().BoolP("overwrite", "o", false, "discard an existing archive and start fresh")
	runCmd.Flags().Bool("goldenrun-only", false, "record the golden run and stop before any experiment")
	runCmd.Flags().BoolP("missing-only", "m", false, "only run combinations not already present in the archive")
	runCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics at this address for the run's duration (disabled if empty)")
}

func runCampaign(cmd *cobra.Command, args []string) error {
	qemu, _ := cmd.Flags().GetString("qemu")
	faults, _ := cmd.Flags().GetString("faults")
	if qemu == "" {
		return fmt.Errorf("--qemu is required")
	}
	if faults == "" {
		return fmt.Errorf("--faults is required")
	}

	appendMode, _ := cmd.Flags().GetBool("append")
	overwrite, _ := cmd.Flags().GetBool("overwrite")
	if appendMode && overwrite {
		return fmt.Errorf("--append and --overwrite are mutually exclusive")
	}

	numWorkers, _ := cmd.Flags().GetInt("worker")
	queueDepth, _ := cmd.Flags().GetInt("queuedepth")
	compressionLevel, _ := cmd.Flags().GetInt("compressionlevel")
	indexBase, _ := cmd.Flags().GetInt("indexbase")
	debug, _ := cmd.Flags().GetBool("debug")
	gdb, _ := cmd.Flags().GetBool("gdb")
	disableRingBuffer, _ := cmd.Flags().GetBool("disable-ring-buffer")
	goldenRunOnly, _ := cmd.Flags().GetBool("goldenrun-only")
	missingOnly, _ := cmd.Flags().GetBool("missing-only")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	logLevel := logging.LevelInfo
	if verbose {
		logLevel = logging.LevelDebug
	}
	log := logging.New(logging.Config{Level: logLevel, Output: os.Stdout})

	opts := campaign.Options{
		EmulatorConfigPath: qemu,
		FaultConfigPath:    faults,
		ArchivePath:        args[0],
		Overwrite:          overwrite,
		NumWorkers:         numWorkers,
		QueueDepth:         queueDepth,
		CompressionLevel:   compressionLevel,
		IndexBase:          indexBase,
		Debug:              debug,
		GDB:                gdb,
		DisableRingBuffer:  disableRingBuffer,
		GoldenRunOnly:      goldenRunOnly,
		MissingOnly:        missingOnly,
		MetricsAddr:        metricsAddr,
	}

	log.Info("archie: starting campaign", "archive", opts.ArchivePath, "workers", opts.NumWorkers)

	result, err := campaign.Run(context.Background(), log, opts)
	if err != nil {
		return fmt.Errorf("campaign failed: %w", err)
	}

	if result.GoldenRunOnly {
		log.Info("archie: golden run recorded, stopping as requested")
		return nil
	}

	log.Info("archie: campaign finished",
		"completed", result.Scheduler.Completed,
		"failed", result.Scheduler.Failed,
		"duration", result.Duration)

	if result.Scheduler.Failed > 0 {
		return fmt.Errorf("%d experiment(s) failed to write to the archive", result.Scheduler.Failed)
	}
	return nil
}
