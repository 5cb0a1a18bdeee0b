// Package archive persists campaign output into a single append-only,
// path-addressable file: a Backup record (written once, before any
// experiment runs), the pre-golden and golden run traces, and one group per
// fault experiment. Every record is a length-prefixed, flate-compressed
// JSON frame, in the spirit of the teacher's own JSON-per-record
// persistence (`pkg/reporting/storage.go`) adapted to a single growable
// file instead of one file per record, since the archive must support
// crash-safe resumption and "missing only" rescans without re-reading the
// whole campaign's inputs.
package archive

import (
	"bufio"
	"bytes"
	"compress/flate"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chaoslab/firmfault/pkg/fault"
	"github.com/chaoslab/firmfault/pkg/trace"
)

// ErrBackupMissing is returned by Open when resuming against an existing
// archive file that has no Backup record.
var ErrBackupMissing = errors.New("archive: backup group missing from existing archive")

// ErrHashMismatch is returned when an input file's current SHA-256 digest
// does not match the one recorded in the Backup.
var ErrHashMismatch = errors.New("archive: input file hash does not match backup")

const backupPath = "/Backup"
const pregoldenPath = "/Pregoldenrun"
const goldenPath = "/Goldenrun"

func experimentPath(index int) string {
	return fmt.Sprintf("/fault/experiment%03d", index)
}

// Archive is the open, append-only campaign output file. Reads and writes
// are serialized by mu: the logger goroutine is the only writer (per
// spec.md §4.I — "the archive file is written by the logger alone"), but
// Open's index rebuild and resume-time reads happen before the logger
// starts, so the lock also protects that handoff.
type Archive struct {
	f            *os.File
	mu           sync.Mutex
	index        map[string]int64 // path -> offset of the frame's length-prefix
	compression  int
}

// Open creates a new archive at path (overwrite) or reopens an existing one
// for resumption, rebuilding its path index by scanning every frame. A
// frame left truncated by a crash mid-write is discarded along with
// whatever wrote after it, and the file is trimmed back to the last known
// good offset so appends resume cleanly. compressionLevel is clamped into
// flate's accepted range (0-9); 1 is the spec's documented default.
func Open(path string, overwrite bool, compressionLevel int) (arc *Archive, existed bool, err error) {
	compressionLevel = clampCompression(compressionLevel)

	if overwrite {
		f, err := os.Create(path)
		if err != nil {
			return nil, false, fmt.Errorf("archive: create %s: %w", path, err)
		}
		return &Archive{f: f, index: make(map[string]int64), compression: compressionLevel}, false, nil
	}

	info, statErr := os.Stat(path)
	existed = statErr == nil && info.Size() > 0

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("archive: open %s: %w", path, err)
	}

	arc = &Archive{f: f, index: make(map[string]int64), compression: compressionLevel}
	if existed {
		if err := arc.rebuildIndex(); err != nil {
			f.Close()
			return nil, false, err
		}
	}
	return arc, existed, nil
}

func clampCompression(level int) int {
	if level < 0 {
		return 0
	}
	if level > 9 {
		return 9
	}
	return level
}

// Close closes the underlying file.
func (a *Archive) Close() error {
	return a.f.Close()
}

func (a *Archive) rebuildIndex() error {
	if _, err := a.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("archive: seek to start: %w", err)
	}
	r := bufio.NewReader(a.f)

	var goodOffset int64
	for {
		framePath, _, err := readFrame(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			// A short or malformed trailing frame means the previous
			// process crashed mid-write; everything from goodOffset
			// onward is unusable and is discarded below.
			break
		}
		a.index[framePath] = goodOffset
		consumed, _ := a.f.Seek(0, io.SeekCurrent)
		goodOffset = consumed - int64(r.Buffered())
	}

	if err := a.f.Truncate(goodOffset); err != nil {
		return fmt.Errorf("archive: truncate to last good frame: %w", err)
	}
	if _, err := a.f.Seek(goodOffset, io.SeekStart); err != nil {
		return fmt.Errorf("archive: seek past last good frame: %w", err)
	}
	return nil
}

// Write appends v, JSON-encoded and flate-compressed, as the record at
// path. A later Write to the same path shadows the earlier one in the
// index; the old frame's bytes remain in the file (append-only) but become
// unreachable.
func (a *Archive) Write(path string, v interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	offset, err := a.f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("archive: seek to end: %w", err)
	}
	w := bufio.NewWriter(a.f)
	if err := writeFrame(w, path, v, a.compression); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("archive: flush: %w", err)
	}
	a.index[path] = offset
	return nil
}

// Read looks up path in the index and decodes its record into out,
// reporting whether it was found at all.
func (a *Archive) Read(path string, out interface{}) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	offset, ok := a.index[path]
	if !ok {
		return false, nil
	}
	if _, err := a.f.Seek(offset, io.SeekStart); err != nil {
		return false, fmt.Errorf("archive: seek to %s: %w", path, err)
	}
	r := bufio.NewReader(a.f)
	_, payload, err := readFrame(r)
	if err != nil {
		return false, fmt.Errorf("archive: read %s: %w", path, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return false, fmt.Errorf("archive: decode %s: %w", path, err)
	}
	return true, nil
}

// Paths returns every distinct path currently addressable in the archive.
func (a *Archive) Paths() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.index))
	for p := range a.index {
		out = append(out, p)
	}
	return out
}

func writeFrame(w *bufio.Writer, path string, v interface{}, compressionLevel int) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("archive: encode record at %s: %w", path, err)
	}

	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, compressionLevel)
	if err != nil {
		return fmt.Errorf("archive: init compressor: %w", err)
	}
	if _, err := fw.Write(raw); err != nil {
		return fmt.Errorf("archive: compress record at %s: %w", path, err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("archive: flush compressor: %w", err)
	}

	if _, err := fmt.Fprintf(w, "%d\n", len(path)); err != nil {
		return err
	}
	if _, err := w.WriteString(path); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%d\n", compressed.Len()); err != nil {
		return err
	}
	if _, err := w.Write(compressed.Bytes()); err != nil {
		return err
	}
	return nil
}

func readFrame(r *bufio.Reader) (path string, payload []byte, err error) {
	pathLenLine, err := r.ReadString('\n')
	if err != nil {
		return "", nil, err
	}
	var pathLen int
	if _, err := fmt.Sscanf(pathLenLine, "%d", &pathLen); err != nil {
		return "", nil, fmt.Errorf("archive: malformed path length %q: %w", pathLenLine, err)
	}
	pathBuf := make([]byte, pathLen)
	if _, err := io.ReadFull(r, pathBuf); err != nil {
		return "", nil, fmt.Errorf("archive: short path (wanted %d bytes): %w", pathLen, err)
	}

	bodyLenLine, err := r.ReadString('\n')
	if err != nil {
		return "", nil, err
	}
	var bodyLen int
	if _, err := fmt.Sscanf(bodyLenLine, "%d", &bodyLen); err != nil {
		return "", nil, fmt.Errorf("archive: malformed body length %q: %w", bodyLenLine, err)
	}
	compressed := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return "", nil, fmt.Errorf("archive: short body (wanted %d bytes): %w", bodyLen, err)
	}

	fr := flate.NewReader(bytes.NewReader(compressed))
	defer fr.Close()
	raw, err := io.ReadAll(fr)
	if err != nil {
		return "", nil, fmt.Errorf("archive: decompress record: %w", err)
	}
	return string(pathBuf), raw, nil
}

// Backup is written exactly once, before any experiment group, and is what
// resumption is checked against: the fully prepared fault list, the
// campaign-wide instruction budget, the resolved configuration (every knob
// spec §6 names), and a hash of every input file so a resumed run can
// detect that its inputs changed underneath it — and can reconstruct its
// experiment-control parameters without re-reading or re-parsing the
// source fault config document.
type Backup struct {
	ExpandedFaults      []fault.FaultCombination `json:"expanded_faults"`
	MaxInstructionCount uint64                   `json:"max_instruction_count"`
	Config              ResolvedConfig           `json:"config"`
	HashAlgorithm       string                   `json:"hash_algorithm"`
	Hash                map[string]string        `json:"hash"`
}

// ResolvedConfig snapshots the fault config document's campaign-wide knobs
// (spec §6): the four feature flags and the start/end/memorydump bounds
// that feed the emulator's Control message. It excludes the Devices list
// because ExpandedFaults already carries the fully expanded result.
type ResolvedConfig struct {
	TBExecList bool                 `json:"tb_exec_list"`
	TBInfo     bool                 `json:"tb_info"`
	MemInfo    bool                 `json:"mem_info"`
	RingBuffer bool                 `json:"ring_buffer"`
	Start      *ResolvedEndpoint    `json:"start,omitempty"`
	End        []ResolvedEndpoint   `json:"end,omitempty"`
	MemoryDump []ResolvedMemoryDump `json:"memorydump,omitempty"`
}

// ResolvedEndpoint is a {address,counter} pair, stripped of the source
// document's object-or-list ambiguity.
type ResolvedEndpoint struct {
	Address uint64 `json:"address"`
	Counter uint64 `json:"counter"`
}

// ResolvedMemoryDump requests a dump of Length bytes at Address.
type ResolvedMemoryDump struct {
	Address uint64 `json:"address"`
	Length  uint64 `json:"length"`
}

// HashFiles computes the SHA-256 digest (hex-encoded) of every named input
// file, keyed by the caller's logical names (pkg/campaign uses "qemu",
// "faults", "kernel", "bios"); entries with an empty path are skipped.
func HashFiles(paths map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(paths))
	for name, p := range paths {
		if p == "" {
			continue
		}
		digest, err := hashFile(p)
		if err != nil {
			return nil, err
		}
		out[name] = digest
	}
	return out, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("archive: open input file %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("archive: hash input file %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteBackup persists b at the fixed Backup path.
func (a *Archive) WriteBackup(b Backup) error {
	return a.Write(backupPath, b)
}

// ReadBackup loads the archive's Backup record, reporting ErrBackupMissing
// if the archive has none.
func (a *Archive) ReadBackup() (*Backup, error) {
	var b Backup
	found, err := a.Read(backupPath, &b)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrBackupMissing
	}
	return &b, nil
}

// VerifyHashes recomputes the SHA-256 of every input file named in
// currentPaths and compares it against b.Hash, returning ErrHashMismatch
// (wrapped with which file and name) on any difference.
func (b *Backup) VerifyHashes(currentPaths map[string]string) error {
	current, err := HashFiles(currentPaths)
	if err != nil {
		return err
	}
	for name, want := range b.Hash {
		got, ok := current[name]
		if !ok || got != want {
			return fmt.Errorf("%w: input %q", ErrHashMismatch, name)
		}
	}
	return nil
}

// GoldenRunRecord is the persisted shape of a golden or pre-golden run:
// the trace plus whether its configured end point was actually reached.
type GoldenRunRecord struct {
	Golden          trace.GoldenRun `json:"golden"`
	EndpointReached bool            `json:"endpoint_reached"`
}

// WritePregolden persists the pre-golden run's trace.
func (a *Archive) WritePregolden(r GoldenRunRecord) error { return a.Write(pregoldenPath, r) }

// ReadPregolden loads the archive's Pregoldenrun record, if present.
func (a *Archive) ReadPregolden() (*GoldenRunRecord, bool, error) {
	var r GoldenRunRecord
	found, err := a.Read(pregoldenPath, &r)
	if err != nil || !found {
		return nil, found, err
	}
	return &r, true, nil
}

// ReadGolden loads the archive's Goldenrun record.
func (a *Archive) ReadGolden() (*GoldenRunRecord, bool, error) {
	var r GoldenRunRecord
	found, err := a.Read(goldenPath, &r)
	if err != nil || !found {
		return nil, found, err
	}
	return &r, true, nil
}

// WriteGolden persists the golden run's trace.
func (a *Archive) WriteGolden(r GoldenRunRecord) error { return a.Write(goldenPath, r) }

// ExperimentRecord is one fault experiment's persisted result (spec.md
// §3's ExperimentRecord): the combination that was applied, the emulator's
// endpoint/end-reason, and whatever trace data the run's Control requested.
type ExperimentRecord struct {
	Index       int                     `json:"index"`
	Combination fault.FaultCombination  `json:"fault_combination"`
	Endpoint    uint64                  `json:"endpoint"`
	EndReason   string                  `json:"end_reason"`
	TBInfo      []trace.TBInfo          `json:"tbinfo,omitempty"`
	TBExec      []trace.TBExec          `json:"tbexec,omitempty"`
	MemInfo     []trace.MemInfo         `json:"meminfo,omitempty"`
	Registers   []trace.RegisterSnapshot `json:"registers,omitempty"`
	TBFaulted   []trace.TBFaulted       `json:"tbfaulted,omitempty"`
	MemDumps    []trace.MemDump         `json:"memdumps,omitempty"`
}

// WriteExperiment persists one completed experiment under
// /fault/experimentNNN.
func (a *Archive) WriteExperiment(r ExperimentRecord) error {
	return a.Write(experimentPath(r.Index), r)
}

// CanonicalFaultsPresent re-scans every persisted /fault/* group and
// returns the set of canonical fault-combination strings already present,
// for the "missing only" resume mode (spec.md §4.I): combinations whose
// canonical string is already in this set need not be re-run.
func (a *Archive) CanonicalFaultsPresent() (map[string]bool, error) {
	present := make(map[string]bool)
	for _, p := range a.Paths() {
		if len(p) < len("/fault/") || p[:len("/fault/")] != "/fault/" {
			continue
		}
		var rec ExperimentRecord
		found, err := a.Read(p, &rec)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		present[CanonicalOf(rec.Combination)] = true
	}
	return present, nil
}

// CanonicalOf returns the fixed-order string identity of a fault
// combination, the same identity CanonicalFaultsPresent uses to decide
// what's already archived — exported so the campaign controller's
// missing-only filtering stays in lockstep with it.
func CanonicalOf(c fault.FaultCombination) string {
	var b bytes.Buffer
	for _, f := range c.Faults {
		b.WriteString(f.Canonical())
		b.WriteByte(';')
	}
	return b.String()
}
