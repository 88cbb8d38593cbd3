// Package startup provides utilities for application startup tasks.
package startup

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// TasksDirName is the sandbox subdirectory pipeline working files live under.
const TasksDirName = "tasks"

// CleanupOrphanedTaskDirs removes per-task working directories left behind
// by a previous process, once they are older than maxAge. A crashed task's
// queue row is re-run from scratch, so its partial files are dead weight.
//
// Returns the number of directories removed.
func CleanupOrphanedTaskDirs(logger *slog.Logger, baseDir string, maxAge time.Duration) (int, error) {
	tasksDir := filepath.Join(baseDir, TasksDirName)
	if _, err := os.Stat(tasksDir); os.IsNotExist(err) {
		logger.Debug("tasks directory does not exist, skipping cleanup",
			slog.String("path", tasksDir),
		)
		return 0, nil
	}

	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		dirPath := filepath.Join(tasksDir, entry.Name())
		if err := os.RemoveAll(dirPath); err != nil {
			logger.Warn("failed to remove orphaned task directory",
				slog.String("path", dirPath),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
		logger.Debug("removed orphaned task directory",
			slog.String("path", dirPath),
		)
	}

	return removed, nil
}
