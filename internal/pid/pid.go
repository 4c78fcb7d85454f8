package pid

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/bitaxectl/internal/errors"
)

const prefix = "bitaxectl"

// Path returns the PID file guarding one device. Two processes pointed at
// the same device URL share a path; different devices do not.
func Path(dir, deviceURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimRight(deviceURL, "/")))
	return filepath.Join(dir, prefix+"-"+hex.EncodeToString(sum[:4])+".pid")
}

// Write records the current process ID at path. It fails with
// ErrAlreadyRunning when the file names a live process; stale files are
// replaced.
func Write(path string) error {
	errFactory := errors.New()

	if running, err := alive(path); err != nil {
		return err
	} else if running {
		return errFactory.WithData(errors.ErrAlreadyRunning, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
	if err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

func alive(path string) (bool, error) {
	errFactory := errors.New()

	bytes, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errFactory.Wrap(errors.ErrInternal, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(bytes)))
	if err != nil || pid <= 0 {
		// Unreadable content is treated as stale.
		return false, nil
	}
	if pid == os.Getpid() {
		return false, nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}

	return process.Signal(syscall.Signal(0)) == nil, nil
}

// Remove removes the PID file if this process owns it.
func Remove(path string) error {
	errFactory := errors.New()

	bytes, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}
	if strings.TrimSpace(string(bytes)) != strconv.Itoa(os.Getpid()) {
		return nil
	}

	if err := os.Remove(path); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}
