package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// FileStore is a directory of stored files the cleaner can sweep.
type FileStore interface {
	List() ([]os.FileInfo, error)
	Remove(name string) error
}

// CleanOrphans removes files from plugins and icons that no catalog row
// references and that are older than grace. Leftover temporary files fall
// under the same rule. It returns the number of removed files.
func CleanOrphans(
	ctx context.Context,
	db *sql.DB,
	plugins FileStore,
	icons FileStore,
	grace time.Duration,
	now time.Time,
) (int, error) {
	archives, iconFiles, err := referencedFiles(ctx, db)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-grace)
	removed := 0
	var errs error
	for _, sweep := range []struct {
		store FileStore
		keep  map[string]struct{}
	}{
		{plugins, archives},
		{icons, iconFiles},
	} {
		files, err := sweep.store.List()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("list files: %w", err))
			continue
		}
		for _, fi := range files {
			if _, ok := sweep.keep[fi.Name()]; ok || fi.ModTime().After(cutoff) {
				continue
			}
			if err := sweep.store.Remove(fi.Name()); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errs
}

func referencedFiles(ctx context.Context, db *sql.DB) (map[string]struct{}, map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, `SELECT file_name, icon FROM plugins`)
	if err != nil {
		return nil, nil, fmt.Errorf("list referenced files: %w", err)
	}
	defer rows.Close()

	archives := make(map[string]struct{})
	icons := make(map[string]struct{})
	for rows.Next() {
		var fileName, icon string
		if err := rows.Scan(&fileName, &icon); err != nil {
			return nil, nil, fmt.Errorf("scan: %w", err)
		}
		archives[fileName] = struct{}{}
		if icon != "" {
			icons[path.Base(icon)] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("list referenced files: %w", err)
	}
	return archives, icons, nil
}

// StartOrphanCleaner runs CleanOrphans every interval until ctx is done.
func StartOrphanCleaner(
	ctx context.Context,
	db *sql.DB,
	plugins FileStore,
	icons FileStore,
	interval time.Duration,
	grace time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				removed, err := CleanOrphans(ctx, db, plugins, icons, grace, now)
				if err != nil {
					log.Error("failed to clean orphaned files", zap.Error(err))
				}
				if removed > 0 {
					log.Info("cleaned orphaned files", zap.Int("removed", removed))
				}
			}
		}
	}()
}
