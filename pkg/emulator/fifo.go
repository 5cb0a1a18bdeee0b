package emulator

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const fifoMode = 0664

// FIFOSet holds the paths of the three named pipes a worker uses to talk
// to its emulator subprocess, laid out as
// /tmp/qemu_fault/<pid>-<id>/{control,config,data} (see CreateFIFOs).
type FIFOSet struct {
	Dir     string
	Control string
	Config  string
	Data    string
}

// CreateFIFOs makes the per-worker FIFO directory and the three named
// pipes inside it. id disambiguates concurrent workers in the same
// process (the original keyed this off os.Getpid since it ran one
// process per worker; here one controller process hosts many workers).
func CreateFIFOs(id int) (FIFOSet, error) {
	dir := filepath.Join("/tmp", "qemu_fault", fmt.Sprintf("%d-%d", os.Getpid(), id))
	if err := os.MkdirAll(dir, 0775); err != nil {
		return FIFOSet{}, fmt.Errorf("emulator: create fifo directory %s: %w", dir, err)
	}

	set := FIFOSet{
		Dir:     dir,
		Control: filepath.Join(dir, "control"),
		Config:  filepath.Join(dir, "config"),
		Data:    filepath.Join(dir, "data"),
	}
	for _, p := range []string{set.Control, set.Config, set.Data} {
		if err := syscall.Mkfifo(p, fifoMode); err != nil && !os.IsExist(err) {
			return FIFOSet{}, fmt.Errorf("emulator: mkfifo %s: %w", p, err)
		}
	}
	return set, nil
}

// Remove tears down the FIFOs and their directory. Errors are tolerated
// since a crashed emulator may have already removed them.
func (s FIFOSet) Remove() {
	os.Remove(s.Control)
	os.Remove(s.Config)
	os.Remove(s.Data)
	os.Remove(s.Dir)
}
