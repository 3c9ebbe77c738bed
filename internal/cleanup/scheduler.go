package cleanup

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/decred/slog"
)

// Scheduler periodically removes stale audio dumps from the temp
// directory.
type Scheduler struct {
	tempDir  string
	interval time.Duration
	maxAge   time.Duration
	stopChan chan struct{}
	log      slog.Logger
}

// NewScheduler creates a new cleanup scheduler
func NewScheduler(tempDir string, interval, maxAge time.Duration, log slog.Logger) *Scheduler {
	return &Scheduler{
		tempDir:  tempDir,
		interval: interval,
		maxAge:   maxAge,
		stopChan: make(chan struct{}),
		log:      log,
	}
}

// Start runs one sweep immediately and then sweeps on the configured
// interval until Stop.
func (s *Scheduler) Start() {
	s.Sweep()

	ticker := time.NewTicker(s.interval)

	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-s.stopChan:
				ticker.Stop()
				return
			}
		}
	}()

	s.log.Infof("Cleanup scheduler started (interval: %s, max age: %s)", s.interval, s.maxAge)
}

// Stop stops the cleanup scheduler
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.log.Infof("Cleanup scheduler stopped")
}

// Sweep removes files older than maxAge from the temp directory.
func (s *Scheduler) Sweep() {
	now := time.Now()

	var deletedCount int
	var deletedSize int64

	err := filepath.WalkDir(s.tempDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		age := now.Sub(info.ModTime())
		if age > s.maxAge {
			size := info.Size()
			if err := os.Remove(path); err != nil {
				s.log.Warnf("Failed to delete stale dump %s: %v", path, err)
			} else {
				deletedCount++
				deletedSize += size
				s.log.Debugf("Deleted stale audio dump: %s (age: %s)",
					filepath.Base(path), age.Round(time.Minute))
			}
		}

		return nil
	})

	if err != nil {
		s.log.Warnf("Error during cleanup sweep: %v", err)
	}

	if deletedCount > 0 {
		s.log.Infof("Cleanup sweep: %d files deleted, %.2fMB freed",
			deletedCount, float64(deletedSize)/(1024*1024))
	}
}

// EnsureTempDirExists creates the temp directory if it doesn't exist
func EnsureTempDirExists(tempDir string) error {
	return os.MkdirAll(tempDir, 0755)
}
