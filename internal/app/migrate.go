package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/soaringjerry/aimaturity/internal/api"
)

func isNewFile(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("check sqlite file: %w", err)
	}
	return true, nil
}

// ImportSnapshot copies a memory store snapshot into dst. A missing
// snapshot is not an error.
func ImportSnapshot(ctx context.Context, snapshotPath string, dst api.Store) error {
	snap, err := api.LoadSnapshot(snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	log.Printf("First run detected, importing snapshot %s (%d versions, %d assessments)...",
		snapshotPath, len(snap.Versions), len(snap.Assessments))
	if err := api.CopySnapshot(ctx, snap, dst); err != nil {
		return fmt.Errorf("copy data: %w", err)
	}
	log.Printf("Snapshot import completed successfully.")
	return nil
}
