// Package migrate moves records between JSONL files and the local store.
//
// Imported rows land as historical records: they are written without a
// change-log entry, so the next full sync back-fills and uploads them.
package migrate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/replicasync/replica/internal/model"
	"github.com/replicasync/replica/internal/store"
)

// Options configures an import.
type Options struct {
	From      string // Input JSONL file path
	Table     string // Destination table
	DryRun    bool   // Validate without writing
	Backup    bool   // Snapshot the database before writing
	BatchSize int    // Rows per transaction, default 500
}

// Result summarizes an import.
type Result struct {
	Read          int
	Imported      int
	Skipped       int
	Invalid       int
	BackupCreated string
	Errors        []string
}

const defaultBatchSize = 500

// FromJSONL reads one JSON object per line. Blank lines are ignored.
func FromJSONL(path string) ([]model.Record, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()
	return ReadJSONL(file)
}

// ReadJSONL decodes records from r.
func ReadJSONL(r io.Reader) ([]model.Record, error) {
	var recs []model.Record
	decoder := json.NewDecoder(bufio.NewReader(r))
	line := 0
	for {
		var rec model.Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", line+1, err)
		}
		line++
		if rec == nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Import loads opts.From into opts.Table. Records without a uuid or with
// no known fields are counted as invalid; uuids already present locally
// are skipped.
func Import(ctx context.Context, s *store.Store, opts Options) (*Result, error) {
	t, ok := s.Catalog().Table(opts.Table)
	if !ok {
		return nil, fmt.Errorf("unknown table %q", opts.Table)
	}
	recs, err := FromJSONL(opts.From)
	if err != nil {
		return nil, err
	}

	result := &Result{Read: len(recs)}
	valid := make([]model.Record, 0, len(recs))
	seen := make(map[string]bool, len(recs))
	for i, rec := range recs {
		row, err := t.Normalize(rec)
		if err != nil {
			result.Invalid++
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", i+1, err))
			continue
		}
		id := row.UUID()
		if id == "" {
			result.Invalid++
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: missing uuid", i+1))
			continue
		}
		if !hasDomainField(row, t.DomainFields()) {
			result.Invalid++
			result.Errors = append(result.Errors, fmt.Sprintf("record %d (%s): no %s fields", i+1, id, t.Name))
			continue
		}
		if seen[id] {
			result.Skipped++
			continue
		}
		seen[id] = true
		valid = append(valid, row)
	}

	if opts.DryRun {
		return result, nil
	}

	if opts.Backup && len(valid) > 0 {
		path, err := Backup(ctx, s)
		if err != nil {
			return nil, err
		}
		result.BackupCreated = path
	}

	size := opts.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	for start := 0; start < len(valid); start += size {
		end := min(start+size, len(valid))
		n, err := s.ImportRecords(ctx, t.Name, valid[start:end])
		if err != nil {
			return result, fmt.Errorf("failed to import %s rows %d-%d: %w", t.Name, start+1, end, err)
		}
		result.Imported += n
		result.Skipped += (end - start) - n
	}
	return result, nil
}

// Backup writes a consistent snapshot of the database next to it and
// returns the snapshot path.
func Backup(ctx context.Context, s *store.Store) (string, error) {
	path := fmt.Sprintf("%s.backup.%s", s.Path(), time.Now().UTC().Format("20060102T150405"))
	if _, err := s.RawDB().ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", fmt.Errorf("failed to back up database: %w", err)
	}
	return path, nil
}

// ToJSONL writes every record of table to w, one object per line, and
// returns the number written.
func ToJSONL(ctx context.Context, s *store.Store, table string, w io.Writer) (int, error) {
	const page = 500
	enc := json.NewEncoder(w)
	n := 0
	for offset := 0; ; offset += page {
		recs, err := s.ListRecords(ctx, table, page, offset)
		if err != nil {
			return n, err
		}
		for _, rec := range recs {
			if err := enc.Encode(rec); err != nil {
				return n, fmt.Errorf("failed to encode %s record: %w", table, err)
			}
			n++
		}
		if len(recs) < page {
			return n, nil
		}
	}
}

func hasDomainField(rec model.Record, fields []string) bool {
	for _, f := range fields {
		if _, ok := rec[f]; ok {
			return true
		}
	}
	return false
}
