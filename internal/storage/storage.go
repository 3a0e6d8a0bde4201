// Package storage writes bar partitions as files under a data directory.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/ahmethakanbesel/market-ingest/internal/job"
	"github.com/ahmethakanbesel/market-ingest/internal/market"
	"github.com/ahmethakanbesel/market-ingest/internal/repository/bar"
)

const (
	FormatParquet = "parquet"
	FormatJSON    = "json"
	FormatSQLite  = "sqlite"
)

// Writer stores the bars of one symbol for one job.
type Writer interface {
	Write(ctx context.Context, symbol market.Symbol, bars []market.Bar, jobID job.ID) (job.Partition, error)
}

// New returns the writer for format. Files go under dataDir; the sqlite
// format writes to db instead.
func New(format, dataDir string, db *sql.DB) (Writer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatParquet:
		return &FileStorage{dir: dataDir, enc: parquetEncoder{}}, nil
	case FormatJSON:
		return &FileStorage{dir: dataDir, enc: jsonEncoder{}}, nil
	case FormatSQLite:
		if db == nil {
			return nil, fmt.Errorf("storage: format %q needs a database", format)
		}
		return bar.NewRepository(db), nil
	default:
		return nil, fmt.Errorf("storage: unsupported format %q (use: parquet, json, sqlite)", format)
	}
}

// Router hands out one Writer per format, built on first use.
type Router struct {
	dataDir string
	db      *sql.DB

	mu      sync.Mutex
	writers map[string]Writer
}

func NewRouter(dataDir string, db *sql.DB) *Router {
	return &Router{dataDir: dataDir, db: db, writers: make(map[string]Writer)}
}

// Select returns the writer for format.
func (r *Router) Select(format string) (Writer, error) {
	key := strings.ToLower(strings.TrimSpace(format))
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.writers[key]; ok {
		return w, nil
	}
	w, err := New(key, r.dataDir, r.db)
	if err != nil {
		return nil, err
	}
	r.writers[key] = w
	return w, nil
}

type encoder interface {
	Encode(path string, bars []market.Bar) error
	Extension() string
}

// FileStorage writes <dir>/<SYMBOL>/<jobID>-<firstTs>-<lastTs>.<ext>, with
// timestamps in Unix nanoseconds. Each batch of a job gets its own file; only a
// retry of the same batch replaces one.
type FileStorage struct {
	dir string
	enc encoder
}

func (s *FileStorage) Write(_ context.Context, symbol market.Symbol, bars []market.Bar, jobID job.ID) (job.Partition, error) {
	if len(bars) == 0 {
		return job.Partition{}, nil
	}

	dir := filepath.Join(s.dir, string(symbol))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return job.Partition{}, fmt.Errorf("create partition dir: %w", err)
	}

	first, last := market.Span(bars)
	path := filepath.Join(dir, fmt.Sprintf("%s-%d-%d.%s", jobID, first, last, s.enc.Extension()))
	tmp := path + ".tmp"
	if err := s.enc.Encode(tmp, bars); err != nil {
		_ = os.Remove(tmp)
		return job.Partition{}, fmt.Errorf("encode %s: %w", s.enc.Extension(), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return job.Partition{}, fmt.Errorf("publish partition: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return job.Partition{}, fmt.Errorf("stat partition: %w", err)
	}
	return job.Partition{
		Symbol:      symbol,
		Location:    path,
		RecordCount: int64(len(bars)),
		SizeBytes:   info.Size(),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

type parquetEncoder struct{}

func (parquetEncoder) Extension() string { return FormatParquet }

func (parquetEncoder) Encode(path string, bars []market.Bar) error {
	return parquet.WriteFile(path, bars)
}

type jsonEncoder struct{}

func (jsonEncoder) Extension() string { return FormatJSON }

func (jsonEncoder) Encode(path string, bars []market.Bar) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(bars); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
