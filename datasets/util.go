package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"math"
	"path/filepath"
	"strconv"
	"strings"
)

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}
	return strconv.ParseFloat(s, 64)
}

func roundPixels(v float64) int {
	return int(math.Round(v))
}

// readHeader reads the first CSV record and maps lower-cased column names to
// their positions, failing when a required column is missing.
func readHeader(reader *csv.Reader, required ...string) (map[string]int, error) {
	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty index file")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.TrimSpace(strings.ToLower(col))] = i
	}
	for _, col := range required {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("required column %q not found in CSV", col)
		}
	}
	return colIndex, nil
}

// resolvePath interprets p relative to dir unless it is absolute.
func resolvePath(dir, p string) string {
	p = strings.TrimSpace(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func discardLogger(l *log.Logger) *log.Logger {
	if l == nil {
		return log.New(io.Discard, "", 0)
	}
	return l
}
