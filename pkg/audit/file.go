package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileLog stores each record as an indented JSON file with a text report
// next to it:
//
//	<operation>_<yyyymmdd_hhmmss>_<short-id>.json
//	<operation>_<yyyymmdd_hhmmss>_<short-id>.txt
//
// Files are never removed; SetStatus rewrites only the named record.
type FileLog struct {
	dir string
	mu  sync.Mutex
}

// NewFileLog opens (creating if needed) a file audit log in dir.
func NewFileLog(dir string) (*FileLog, error) {
	if dir == "" {
		return nil, errors.New("audit directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return &FileLog{dir: dir}, nil
}

func (l *FileLog) Append(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	rec, err := prepare(rec)
	if err != nil {
		return Record{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.write(l.baseName(rec), rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (l *FileLog) SetStatus(ctx context.Context, id string, status Status, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("set status: invalid status %q", status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(l.dir, "*_"+shortID(id)+".json"))
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	for _, path := range matches {
		rec, err := readRecord(path)
		if err != nil || rec.ID != id {
			continue
		}
		rec.Status = status
		rec.Reason = reason
		return l.write(strings.TrimSuffix(filepath.Base(path), ".json"), rec)
	}
	return fmt.Errorf("set status %s: %w", id, ErrNotFound)
}

func (l *FileLog) List(ctx context.Context, operation string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	paths, err := filepath.Glob(filepath.Join(l.dir, "*.json"))
	l.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}

	var records []Record
	for _, path := range paths {
		rec, err := readRecord(path)
		if err != nil {
			continue
		}
		if operation != "" && rec.Operation != operation {
			continue
		}
		records = append(records, rec)
	}
	sortRecords(records)
	return records, nil
}

func (l *FileLog) baseName(rec Record) string {
	return fmt.Sprintf("%s_%s_%s",
		fileSafe(rec.Operation),
		rec.CreatedAt.UTC().Format("20060102_150405"),
		shortID(rec.ID),
	)
}

// write must be called with l.mu held.
func (l *FileLog) write(base string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.dir, base+".json"), data, 0o644); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.dir, base+".txt"), []byte(Report(rec)), 0o644); err != nil {
		return fmt.Errorf("write audit report: %w", err)
	}
	return nil
}

func readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return fileSafe(id)
}

func fileSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, s)
}
