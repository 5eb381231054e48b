package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/wehubfusion/subtimizer/pkg/ledger"
	"go.uber.org/zap"
)

// ErrNotFound is returned by stores when a blob does not exist.
var ErrNotFound = errors.New("blob not found")

const (
	ledgerContentType = "application/x-ndjson"
	indexContentType  = "application/json"
)

// IndexEntry describes one archived run.
type IndexEntry struct {
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	URL        string    `json:"url"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Cancelled  int       `json:"cancelled"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Index maps "<stage>/<run id>" to archived runs.
type Index map[string]IndexEntry

// Sorted returns the entries newest first.
func (idx Index) Sorted() []IndexEntry {
	out := make([]IndexEntry, 0, len(idx))
	for _, e := range idx {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ArchivedAt.After(out[j].ArchivedAt)
	})
	return out
}

// Archive uploads ledger snapshots and keeps a shared index of them.
type Archive struct {
	store  BlobStore
	prefix string
	logger *zap.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// NewArchive writes under prefix (e.g. "subtimizer") in store.
func NewArchive(store BlobStore, prefix string, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{store: store, prefix: prefix, logger: logger, now: time.Now}
}

// LedgerPath returns the blob path of a run's ledger snapshot.
func (a *Archive) LedgerPath(stage, runID string) string {
	return path.Join(a.prefix, "runs", stage, runID, "ledger.jsonl")
}

// IndexPath returns the blob path of the shared index.
func (a *Archive) IndexPath() string {
	return path.Join(a.prefix, "index.json")
}

// Store uploads the whole ledger under the summary's run and adds the run
// to the index. The index update reads, modifies and writes back, so only
// one Store runs at a time per Archive.
func (a *Archive) Store(ctx context.Context, l *ledger.Ledger, summary ledger.Summary) (string, error) {
	if a.store == nil {
		return "", fmt.Errorf("blob store not initialized")
	}

	var buf bytes.Buffer
	if _, err := l.WriteTo(&buf); err != nil {
		return "", fmt.Errorf("encode ledger: %w", err)
	}

	blobPath := a.LedgerPath(summary.Stage, summary.RunID)
	url, err := a.store.Upload(ctx, blobPath, buf.Bytes(), ledgerContentType, map[string]string{
		"run_id":    summary.RunID,
		"stage":     summary.Stage,
		"succeeded": strconv.Itoa(summary.Succeeded),
		"failed":    strconv.Itoa(summary.Failed),
	})
	if err != nil {
		return "", fmt.Errorf("upload ledger: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	idx, err := a.loadIndex(ctx)
	if err != nil {
		return "", err
	}
	idx[summary.Stage+"/"+summary.RunID] = IndexEntry{
		RunID:      summary.RunID,
		Stage:      summary.Stage,
		URL:        url,
		Succeeded:  summary.Succeeded,
		Failed:     summary.Failed,
		Cancelled:  summary.Cancelled,
		ArchivedAt: a.now().UTC(),
	}
	data, err := json.Marshal(idx)
	if err != nil {
		return "", fmt.Errorf("failed to marshal archive index: %w", err)
	}
	if _, err := a.store.Upload(ctx, a.IndexPath(), data, indexContentType, map[string]string{
		"run_count":     strconv.Itoa(len(idx)),
		"last_modified": a.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return "", fmt.Errorf("failed to upload archive index: %w", err)
	}

	a.logger.Info("Archived run ledger",
		zap.String("run_id", summary.RunID),
		zap.String("stage", summary.Stage),
		zap.String("url", url),
		zap.Int("archived_runs", len(idx)))
	return url, nil
}

// Index returns the archive index. A missing index is empty.
func (a *Archive) Index(ctx context.Context) (Index, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadIndex(ctx)
}

func (a *Archive) loadIndex(ctx context.Context) (Index, error) {
	data, err := a.store.Download(ctx, a.IndexPath())
	if errors.Is(err, ErrNotFound) {
		return make(Index), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to download archive index: %w", err)
	}
	idx := make(Index)
	if err := json.Unmarshal(data, &idx); err != nil {
		a.logger.Error("Archive index is corrupt, starting fresh",
			zap.String("blob_path", a.IndexPath()),
			zap.Error(err))
		return make(Index), nil
	}
	return idx, nil
}

// Fetch downloads an archived ledger by blob path or URL.
func (a *Archive) Fetch(ctx context.Context, reference string) (*ledger.Ledger, error) {
	data, err := a.store.Download(ctx, reference)
	if err != nil {
		return nil, err
	}
	return ledger.Read(bytes.NewReader(data))
}

// Latest returns the most recently archived run of stage.
func (a *Archive) Latest(ctx context.Context, stage string) (IndexEntry, bool, error) {
	idx, err := a.Index(ctx)
	if err != nil {
		return IndexEntry{}, false, err
	}
	for _, e := range idx.Sorted() {
		if e.Stage == stage {
			return e, true, nil
		}
	}
	return IndexEntry{}, false, nil
}
