package training

import (
	"encoding/gob"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// checkpointVersion is bumped when the on-disk layout changes.
const checkpointVersion = 1

// Checkpoint is the on-disk representation of model parameters.
type Checkpoint struct {
	Version   int
	Trial     int
	Epoch     int
	BestLoss  float64
	CreatedAt int64 // unix timestamp
	State     map[string][]float32
}

// NewCheckpoint snapshots the parameters of m.
func NewCheckpoint(m Model, trial, epoch int, bestLoss float64) *Checkpoint {
	return &Checkpoint{
		Version:   checkpointVersion,
		Trial:     trial,
		Epoch:     epoch,
		BestLoss:  bestLoss,
		CreatedAt: time.Now().Unix(),
		State:     m.StateDict(),
	}
}

// syncFile flushes the temp file before the rename.
var syncFile = (*os.File).Sync

// SaveCheckpoint writes ck to path using encoding/gob. It performs an atomic
// write (create temp file then rename). A failed sync is logged to logger,
// which may be nil, and does not fail the save.
func SaveCheckpoint(path string, ck *Checkpoint, logger *log.Logger) error {
	if path == "" {
		return fmt.Errorf("empty checkpoint path")
	}
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	// create a temp file in the same directory for atomicity
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	if err := gob.NewEncoder(tmpFile).Encode(ck); err != nil {
		return fmt.Errorf("encode checkpoint to temp file: %w", err)
	}
	if err := syncFile(tmpFile); err != nil && logger != nil {
		logger.Printf("[Checkpoint] warning: sync temp checkpoint file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp checkpoint to target: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	defer fh.Close()
	var ck Checkpoint
	if err := gob.NewDecoder(fh).Decode(&ck); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if ck.Version != checkpointVersion {
		return nil, fmt.Errorf("checkpoint %s has version %d, want %d", path, ck.Version, checkpointVersion)
	}
	return &ck, nil
}
