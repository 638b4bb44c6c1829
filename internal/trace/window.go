package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"codexgw/internal/pricing"
)

// Log owns both trace files: the retention-capped window and the
// unbounded slim history. Writes to each file go through their own serial
// queue (a mutex is enough here — appends are small and infrequent relative
// to request latency).
type Log struct {
	windowPath  string
	historyPath string
	retention   int

	windowMu sync.Mutex
	window   []Entry

	historyMu sync.Mutex
}

// Open loads the existing window file (tolerating malformed lines) and
// seeds the history file from it if the history file doesn't exist yet.
func Open(windowPath, historyPath string, retention int) (*Log, error) {
	l := &Log{windowPath: windowPath, historyPath: historyPath, retention: retention}

	entries, err := readJSONL(windowPath)
	if err != nil {
		return nil, fmt.Errorf("read trace window: %w", err)
	}
	if len(entries) > retention {
		entries = entries[len(entries)-retention:]
	}
	l.window = entries

	if _, err := os.Stat(historyPath); os.IsNotExist(err) {
		if err := l.seedHistory(entries); err != nil {
			return nil, fmt.Errorf("seed trace history: %w", err)
		}
	}

	return l, nil
}

func readJSONL(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			log.Warn().Err(err).Msg("skipping malformed trace line")
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

func (l *Log) seedHistory(entries []Entry) error {
	f, err := createHistoryFile(l.historyPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range entries {
		data, err := json.Marshal(e.toSlim())
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	return w.Flush()
}

func createHistoryFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// Append computes id/isError/token totals/cost, then writes to both the
// window and history files in order.
func (l *Log) Append(now time.Time, e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At == 0 {
		e.At = now.UnixMilli()
	}
	e.IsError = e.Status >= 400

	in, out, total := extractTokens(e.Usage)
	e.TokensInput, e.TokensOutput, e.TokensTotal = in, out, total
	if total > 0 {
		e.CostUSD = pricing.Cost(e.Model, in, out)
	}

	l.appendWindow(e)
	l.appendHistory(e)

	return e
}

func (l *Log) appendWindow(e Entry) {
	l.windowMu.Lock()
	defer l.windowMu.Unlock()

	l.window = append(l.window, e)
	if len(l.window) > l.retention {
		l.window = l.window[len(l.window)-l.retention:]
	}

	if err := l.rewriteWindowFile(); err != nil {
		log.Error().Err(err).Msg("failed to persist trace window")
	}
}

func (l *Log) rewriteWindowFile() error {
	dir := filepath.Dir(l.windowPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(dir, ".trace-window-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, e := range l.window {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, l.windowPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (l *Log) appendHistory(e Entry) {
	l.historyMu.Lock()
	defer l.historyMu.Unlock()

	f, err := createHistoryFile(l.historyPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to open trace history for append")
		return
	}
	defer f.Close()

	data, err := json.Marshal(e.toSlim())
	if err != nil {
		return
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		log.Error().Err(err).Msg("failed to append trace history")
	}
}

// Window returns a snapshot of the current retained entries, oldest first.
func (l *Log) Window() []Entry {
	l.windowMu.Lock()
	defer l.windowMu.Unlock()

	out := make([]Entry, len(l.window))
	copy(out, l.window)
	return out
}
