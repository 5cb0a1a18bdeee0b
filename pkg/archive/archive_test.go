package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chaoslab/firmfault/pkg/fault"
)

func sampleCombination(addr uint64) fault.FaultCombination {
	return fault.FaultCombination{Faults: []fault.Fault{{
		Address:  fault.ConcreteAddress(addr),
		Kind:     fault.KindMemory,
		Model:    fault.ModelSet1,
		Lifespan: 10,
		Mask:     fault.NewBitMask(0, 4),
		Trigger:  fault.AbsoluteTrigger(addr+2, 1),
	}}}
}

func TestWriteReadRoundTripsExperiment(t *testing.T) {
	dir := t.TempDir()
	arc, existed, err := Open(filepath.Join(dir, "campaign.archive"), true, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer arc.Close()
	if existed {
		t.Fatalf("expected a fresh overwrite-opened archive to report not existed")
	}

	rec := ExperimentRecord{
		Index:       0,
		Combination: sampleCombination(0x80000c0),
		Endpoint:    1,
		EndReason:   "end point reached",
	}
	if err := arc.WriteExperiment(rec); err != nil {
		t.Fatalf("write experiment: %v", err)
	}

	var got ExperimentRecord
	found, err := arc.Read("/fault/experiment000", &got)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !found {
		t.Fatalf("expected the experiment record to be found")
	}
	if got.Endpoint != 1 || got.EndReason != "end point reached" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if len(got.Combination.Faults) != 1 || got.Combination.Faults[0].Address.Concrete() != 0x80000c0 {
		t.Fatalf("fault combination did not round-trip: %+v", got.Combination)
	}
	if got.Combination.Faults[0].Trigger.Address() != 0x80000c2 {
		t.Fatalf("trigger did not round-trip: %+v", got.Combination.Faults[0].Trigger)
	}
}

func TestBackupRoundTripsAndVerifiesHashes(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "kernel.bin")
	if err := os.WriteFile(inputPath, []byte("firmware bytes"), 0644); err != nil {
		t.Fatalf("write input file: %v", err)
	}

	arc, _, err := Open(filepath.Join(dir, "campaign.archive"), true, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer arc.Close()

	hashes, err := HashFiles(map[string]string{"kernel": inputPath})
	if err != nil {
		t.Fatalf("hash files: %v", err)
	}

	backup := Backup{
		ExpandedFaults:      []fault.FaultCombination{sampleCombination(0x1000)},
		MaxInstructionCount: 42,
		HashAlgorithm:       "sha256",
		Hash:                hashes,
	}
	if err := arc.WriteBackup(backup); err != nil {
		t.Fatalf("write backup: %v", err)
	}

	got, err := arc.ReadBackup()
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if got.MaxInstructionCount != 42 {
		t.Fatalf("expected max instruction count to round-trip, got %d", got.MaxInstructionCount)
	}
	if err := got.VerifyHashes(map[string]string{"kernel": inputPath}); err != nil {
		t.Fatalf("expected hashes to verify against an unchanged input file: %v", err)
	}

	if err := os.WriteFile(inputPath, []byte("tampered"), 0644); err != nil {
		t.Fatalf("rewrite input file: %v", err)
	}
	if err := got.VerifyHashes(map[string]string{"kernel": inputPath}); err == nil {
		t.Fatalf("expected hash verification to fail after the input file changed")
	}
}

func TestOpenWithoutOverwriteResumesExistingIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaign.archive")

	arc, _, err := Open(path, true, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := arc.WriteExperiment(ExperimentRecord{Index: 0, Combination: sampleCombination(0x10), Endpoint: 1, EndReason: "ok"}); err != nil {
		t.Fatalf("write experiment: %v", err)
	}
	if err := arc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, existed, err := Open(path, false, 1)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if !existed {
		t.Fatalf("expected the archive to report it already existed")
	}

	present, err := reopened.CanonicalFaultsPresent()
	if err != nil {
		t.Fatalf("canonical faults present: %v", err)
	}
	if len(present) != 1 {
		t.Fatalf("expected exactly one canonical fault recovered from resume, got %d", len(present))
	}

	if err := reopened.WriteExperiment(ExperimentRecord{Index: 1, Combination: sampleCombination(0x20), Endpoint: 1, EndReason: "ok"}); err != nil {
		t.Fatalf("write second experiment after resume: %v", err)
	}
	var got ExperimentRecord
	found, err := reopened.Read("/fault/experiment000", &got)
	if err != nil || !found {
		t.Fatalf("expected the pre-resume experiment to still be readable: found=%v err=%v", found, err)
	}
}

func TestReadBackupMissingReturnsErrBackupMissing(t *testing.T) {
	arc, _, err := Open(filepath.Join(t.TempDir(), "campaign.archive"), true, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer arc.Close()

	if _, err := arc.ReadBackup(); err == nil {
		t.Fatalf("expected ErrBackupMissing for an archive with no backup record")
	}
}
