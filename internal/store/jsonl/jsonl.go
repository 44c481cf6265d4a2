package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/procsentry/procsentry/internal/store"
	"github.com/procsentry/procsentry/pkg/types"
)

// maxLine bounds a single decoded record when reading the log back.
const maxLine = 4 << 20

// Store appends alerts to a JSON lines file and rotates it by size, keeping
// maxBackups numbered copies (path.1 is the newest).
type Store struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
}

var _ store.AlertStore = (*Store)(nil)

func New(path string, maxSizeMB int, maxBackups int) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonl path is empty")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir alert log dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open alert log: %w", err)
	}

	return &Store{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		file:       f,
	}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) AppendAlert(_ context.Context, a types.Alert) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateIfNeededLocked(); err != nil {
		return err
	}
	if _, err := s.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write alert log: %w", err)
	}
	return nil
}

// QueryAlerts scans the live file and its backups. Lines that fail to decode
// are skipped.
func (s *Store) QueryAlerts(ctx context.Context, q types.AlertQuery) ([]types.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Alert
	for _, p := range s.filesLocked() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		matched, err := scanFile(p, q)
		if err != nil {
			return nil, err
		}
		out = append(out, matched...)
	}
	return store.Page(out, q), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// filesLocked lists the oldest backup first and the live file last.
func (s *Store) filesLocked() []string {
	files := make([]string, 0, s.maxBackups+1)
	for i := s.maxBackups; i >= 1; i-- {
		files = append(files, fmt.Sprintf("%s.%d", s.path, i))
	}
	return append(files, s.path)
}

func scanFile(path string, q types.AlertQuery) ([]types.Alert, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out []types.Alert
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		var a types.Alert
		if err := json.Unmarshal(sc.Bytes(), &a); err != nil {
			continue
		}
		if q.Matches(a) {
			out = append(out, a)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

func (s *Store) rotateIfNeededLocked() error {
	if s.file == nil {
		return fmt.Errorf("alert log not open")
	}
	st, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat alert log: %w", err)
	}
	if st.Size() < s.maxBytes {
		return nil
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close for rotate: %w", err)
	}

	for i := s.maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		to := fmt.Sprintf("%s.%d", s.path, i+1)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}
	_ = os.Rename(s.path, fmt.Sprintf("%s.1", s.path))

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("reopen alert log: %w", err)
	}
	s.file = f
	return nil
}
