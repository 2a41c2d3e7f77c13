// Package store provides append-only persistence for emitted signals. Each
// calendar day's signals are written as newline-delimited JSON to its own
// file via a plain O_APPEND writer, flushed after every record; a day
// rollover opens the next file. A crash mid-append can leave a truncated
// final line, so LoadDay treats an unmarshal failure on the last line as a
// partial write and returns every complete record that precedes it rather
// than discarding the whole day.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"arbsignal/pkg/types"
)

// Store appends one ndjson line per signal, rotating to a new file at each
// UTC day boundary.
type Store struct {
	dir string
	mu  sync.Mutex

	currentDay string
	file       *os.File
	writer     *bufio.Writer
}

// Open creates a store backed by the given directory, creating it if absent.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close flushes and releases the currently open log file, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCurrentLocked()
}

func (s *Store) closeCurrentLocked() error {
	if s.file == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		s.file.Close()
		return fmt.Errorf("flush signal log: %w", err)
	}
	err := s.file.Close()
	s.file = nil
	s.writer = nil
	return err
}

// AppendSignal writes one ndjson line for c, rotating the file if the day
// has changed since the last append.
func (s *Store) AppendSignal(c *types.SignalCandidate, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := at.UTC().Format("2006-01-02")
	if day != s.currentDay {
		if err := s.closeCurrentLocked(); err != nil {
			return err
		}
		path := filepath.Join(s.dir, fmt.Sprintf("signals_%s.ndjson", day))
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open signal log: %w", err)
		}
		s.file = f
		s.writer = bufio.NewWriter(f)
		s.currentDay = day
	}

	line, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if _, err := s.writer.Write(line); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	return s.writer.Flush()
}

// LoadDay reads back every signal recorded for the given day. Returns an
// empty slice, not an error, if that day's file does not exist.
func (s *Store) LoadDay(day time.Time) ([]types.SignalCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, fmt.Sprintf("signals_%s.ndjson", day.UTC().Format("2006-01-02")))
	if s.file != nil && s.currentDay == day.UTC().Format("2006-01-02") {
		if err := s.writer.Flush(); err != nil {
			return nil, fmt.Errorf("flush signal log: %w", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open signal log: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan signal log: %w", err)
	}

	out := make([]types.SignalCandidate, 0, len(lines))
	for i, line := range lines {
		var c types.SignalCandidate
		if err := json.Unmarshal(line, &c); err != nil {
			if i == len(lines)-1 {
				break
			}
			return nil, fmt.Errorf("unmarshal signal: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}
