package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// maxLineSize bounds a single audit line when reading the log back.
const maxLineSize = 1024 * 1024

// ReadAll parses every entry in the audit log at path. Lines that fail to
// parse are skipped; a rotated or truncated log should not make the rest
// unreadable.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return entries, nil
}

// ReadSince returns the entries recorded at or after cutoff.
func ReadSince(path string, cutoff time.Time) ([]Entry, error) {
	entries, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if t := e.Time(); !t.IsZero() && !t.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}
