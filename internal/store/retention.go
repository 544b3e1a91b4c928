package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// RetentionPolicy bounds how much finished-match history a FileStore keeps
// on disk, mirroring the teacher replay cleaner's two-axis sweep: a count
// ceiling and an age ceiling, whichever trims more aggressively.
type RetentionPolicy struct {
	MaxMatches int           // 0 disables the count bound
	MaxAge     time.Duration // 0 disables the age bound
}

// StorageStats summarizes what a sweep found and removed.
type StorageStats struct {
	TotalMatches   int
	RemovedMatches int
	FreedBytes     int64
}

// Sweep removes terminal matches' directories that fall outside policy,
// oldest first by UpdatedAt. Only matches whose current state is
// FINISHED or CANCELLED are eligible; live matches are never removed
// regardless of age.
func Sweep(baseDir string, policy RetentionPolicy) (StorageStats, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return StorageStats{}, nil
		}
		return StorageStats{}, fmt.Errorf("store: list base dir: %w", err)
	}

	type candidate struct {
		dir       string
		updatedAt time.Time
		size      int64
		terminal  bool
	}
	var candidates []candidate
	stats := StorageStats{}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(baseDir, entry.Name())
		m, err := readManifest(dir)
		if err != nil {
			continue
		}
		stats.TotalMatches++
		candidates = append(candidates, candidate{
			dir:       dir,
			updatedAt: m.UpdatedAt,
			size:      dirSize(dir),
			terminal:  m.Match.State.Terminal(),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].updatedAt.Before(candidates[j].updatedAt)
	})

	now := time.Now()
	terminalCount := 0
	for _, c := range candidates {
		if c.terminal {
			terminalCount++
		}
	}

	removed := 0
	survivingTerminal := terminalCount
	for _, c := range candidates {
		if !c.terminal {
			continue
		}
		tooOld := policy.MaxAge > 0 && now.Sub(c.updatedAt) > policy.MaxAge
		tooMany := policy.MaxMatches > 0 && survivingTerminal > policy.MaxMatches
		if !tooOld && !tooMany {
			continue
		}
		if err := os.RemoveAll(c.dir); err != nil {
			return stats, fmt.Errorf("store: remove %s: %w", c.dir, err)
		}
		removed++
		survivingTerminal--
		stats.FreedBytes += c.size
	}
	stats.RemovedMatches = removed
	return stats, nil
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}
