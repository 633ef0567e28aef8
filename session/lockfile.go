package session

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/process"
)

// LockFileName is the PID lock file in the working directory.
const LockFileName = ".ase_app.pid"

// ErrSessionBusy is returned when a live process owns the working directory.
var ErrSessionBusy = errors.New("another live session owns the working directory")

// LockFilePath returns the lock file of a working directory.
func LockFilePath(workdir string) string {
	return filepath.Join(workdir, LockFileName)
}

// acquireLock stamps the working directory with this process's PID. A lock
// left behind by a dead process is removed first.
func acquireLock(workdir string) error {
	path := LockFilePath(workdir)

	stale, err := staleLock(path)
	if err != nil {
		return err
	}

	if stale {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove stale lock %s", path)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return errors.Wrap(ErrSessionBusy, path)
		}
		return errors.Wrapf(err, "create lock %s", path)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		return errors.Wrapf(err, "write lock %s", path)
	}

	return nil
}

// staleLock reports whether the lock at path may be removed. A missing lock
// is not stale. A lock that belongs to a live process other than this one
// makes the session busy.
func staleLock(path string) (bool, error) {
	pid, err := ReadLock(path)
	if os.IsNotExist(errors.Cause(err)) {
		return false, nil
	}
	if err != nil {
		// Unreadable content cannot name a live owner.
		return true, nil
	}

	if pid == os.Getpid() {
		return true, nil
	}

	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return false, errors.Wrapf(err, "check pid %d", pid)
	}

	if alive {
		return false, errors.Wrapf(ErrSessionBusy, "pid %d in %s", pid, path)
	}

	return true, nil
}

// ReadLock returns the PID recorded in a lock file.
func ReadLock(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, errors.Wrapf(err, "parse lock %s", path)
	}

	return pid, nil
}

// releaseLock removes the lock if this process owns it.
func releaseLock(workdir string) error {
	path := LockFilePath(workdir)

	pid, err := ReadLock(path)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil
		}
		return err
	}

	if pid != os.Getpid() {
		return errors.Errorf("lock %s belongs to pid %d", path, pid)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove lock %s", path)
	}

	return nil
}
