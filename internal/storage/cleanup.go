package storage

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"syscall"
	"time"
)

// CleanupPolicy bounds retries when removing temporary files that the
// embedded engine may still briefly hold open.
type CleanupPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultCleanupPolicy retries four times starting at 25ms, doubling each time.
func DefaultCleanupPolicy() CleanupPolicy {
	return CleanupPolicy{Attempts: 4, Backoff: 25 * time.Millisecond}
}

var (
	removeFile = os.Remove
	sleep      = time.Sleep
)

// Remove deletes path, retrying only on "resource busy" style failures with
// increasing backoff. A missing file counts as removed.
func Remove(path string, p CleanupPolicy) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Backoff <= 0 {
		p.Backoff = 25 * time.Millisecond
	}
	backoff := p.Backoff
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		err = removeFile(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if !isBusy(err) || attempt == p.Attempts {
			return err
		}
		sleep(backoff)
		backoff *= 2
	}
	return err
}

func isBusy(err error) bool {
	if errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.ETXTBSY) || errors.Is(err, fs.ErrPermission) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "being used by another process") || strings.Contains(msg, "resource busy")
}
