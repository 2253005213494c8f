package depcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"go.trai.ch/zerr"

	"lazyd/internal/blobstore"
	"lazyd/internal/config"
)

const snapshotPrefix = "graph/"

var (
	markGzip = []byte("gzip:")
	markJSON = []byte("json:")
)

// SnapshotNotFoundError is returned when no snapshot has the checksum.
type SnapshotNotFoundError struct{ Checksum string }

func (e *SnapshotNotFoundError) Error() string {
	return "graph snapshot not found: " + e.Checksum
}

func (e *SnapshotNotFoundError) StatusCode() int { return 404 }

func IsSnapshotNotFound(err error) bool {
	var t *SnapshotNotFoundError
	return errors.As(err, &t)
}

// ChecksumMismatchError means a stored payload no longer matches its name.
type ChecksumMismatchError struct {
	Want, Got string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("graph snapshot checksum mismatch: want %s, got %s", e.Want, e.Got)
}

func (e *ChecksumMismatchError) StatusCode() int { return 422 }

// SnapshotInfo describes a stored graph snapshot.
type SnapshotInfo struct {
	Checksum   string    `json:"checksum"`
	CreatedAt  time.Time `json:"created_at"`
	Size       int       `json:"size_bytes"`
	Compressed bool      `json:"compressed"`
}

type storedGraph struct {
	Checksum  string          `json:"checksum"`
	CreatedAt time.Time       `json:"created_at"`
	Graph     json.RawMessage `json:"graph"`
}

// SnapshotStore persists dependency-graph snapshots in a blob store,
// keeping at most cache.snapshot_retention of them.
type SnapshotStore struct {
	store blobstore.Store
	cfg   config.Reader
	log   zerolog.Logger
	now   func() time.Time

	mu    sync.Mutex
	index []SnapshotInfo // oldest first
}

func NewSnapshotStore(store blobstore.Store, cfg config.Reader, logger zerolog.Logger) *SnapshotStore {
	return &SnapshotStore{store: store, cfg: cfg, log: logger, now: time.Now}
}

func checksum(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// SaveSnapshot serializes graph, stores it and returns its checksum. Saving
// an identical graph again returns the existing checksum.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, graph any) (string, error) {
	raw, err := json.Marshal(graph)
	if err != nil {
		return "", zerr.Wrap(err, "failed to encode graph")
	}
	sum := checksum(raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, info := range s.index {
		if info.Checksum == sum {
			return sum, nil
		}
	}

	created := s.now().UTC()
	body, err := json.Marshal(storedGraph{Checksum: sum, CreatedAt: created, Graph: raw})
	if err != nil {
		return "", zerr.Wrap(err, "failed to encode snapshot")
	}
	payload, compressed, err := s.encode(body)
	if err != nil {
		return "", err
	}
	if err := s.store.Put(ctx, snapshotPrefix+sum, payload); err != nil {
		return "", zerr.With(zerr.Wrap(err, "failed to store graph snapshot"), "checksum", sum)
	}
	s.index = append(s.index, SnapshotInfo{Checksum: sum, CreatedAt: created, Size: len(payload), Compressed: compressed})
	s.pruneLocked(ctx)
	s.log.Info().Str("checksum", sum).Int("size", len(payload)).Bool("compressed", compressed).Msg("cache event=graph_snapshot_saved")
	return sum, nil
}

func (s *SnapshotStore) encode(body []byte) ([]byte, bool, error) {
	threshold := s.cfg.Int(config.KeyCacheCompressThreshold)
	if int64(len(body)) > threshold {
		var buf bytes.Buffer
		buf.Write(markGzip)
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, false, zerr.Wrap(err, "failed to compress snapshot")
		}
		if err := zw.Close(); err != nil {
			return nil, false, zerr.Wrap(err, "failed to compress snapshot")
		}
		if buf.Len() < len(body)+len(markJSON) {
			return buf.Bytes(), true, nil
		}
	}
	return append(append([]byte{}, markJSON...), body...), false, nil
}

func decode(payload []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(payload, markGzip):
		zr, err := gzip.NewReader(bytes.NewReader(payload[len(markGzip):]))
		if err != nil {
			return nil, zerr.Wrap(err, "failed to open compressed snapshot")
		}
		defer zr.Close()
		b, err := io.ReadAll(zr)
		if err != nil {
			return nil, zerr.Wrap(err, "failed to decompress snapshot")
		}
		return b, nil
	case bytes.HasPrefix(payload, markJSON):
		return payload[len(markJSON):], nil
	}
	return nil, errors.New("unknown snapshot encoding")
}

func (s *SnapshotStore) pruneLocked(ctx context.Context) {
	keep := int(s.cfg.Int(config.KeyCacheSnapshotRetention))
	if keep < 1 {
		keep = 10
	}
	for len(s.index) > keep {
		old := s.index[0]
		s.index = s.index[1:]
		if err := s.store.Delete(ctx, snapshotPrefix+old.Checksum); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			s.log.Warn().Err(err).Str("checksum", old.Checksum).Msg("cache event=graph_snapshot_prune_failed")
		}
	}
}

// RestoreSnapshot loads the snapshot with the checksum into graph, which
// must be a pointer. The payload is verified against the checksum.
func (s *SnapshotStore) RestoreSnapshot(ctx context.Context, sum string, graph any) error {
	payload, err := s.store.Get(ctx, snapshotPrefix+sum)
	if errors.Is(err, blobstore.ErrNotFound) {
		return &SnapshotNotFoundError{Checksum: sum}
	}
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to read graph snapshot"), "checksum", sum)
	}
	sg, err := parseStored(payload)
	if err != nil {
		return zerr.With(err, "checksum", sum)
	}
	if got := checksum(sg.Graph); got != sum || sg.Checksum != sum {
		return &ChecksumMismatchError{Want: sum, Got: got}
	}
	if err := json.Unmarshal(sg.Graph, graph); err != nil {
		return zerr.Wrap(err, "failed to decode graph")
	}
	return nil
}

func parseStored(payload []byte) (storedGraph, error) {
	body, err := decode(payload)
	if err != nil {
		return storedGraph{}, err
	}
	var sg storedGraph
	if err := json.Unmarshal(body, &sg); err != nil {
		return storedGraph{}, zerr.Wrap(err, "failed to parse snapshot")
	}
	return sg, nil
}

// List returns the retained snapshots, oldest first.
func (s *SnapshotStore) List() []SnapshotInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SnapshotInfo(nil), s.index...)
}

// Load rebuilds the index from the blob store. Unreadable snapshots are
// skipped and reported together.
func (s *SnapshotStore) Load(ctx context.Context) error {
	keys, err := s.store.List(ctx, snapshotPrefix)
	if err != nil {
		return zerr.Wrap(err, "failed to list graph snapshots")
	}
	var (
		index []SnapshotInfo
		errs  []error
	)
	for _, k := range keys {
		payload, err := s.store.Get(ctx, k)
		if err != nil {
			errs = append(errs, zerr.With(err, "key", k))
			continue
		}
		sg, err := parseStored(payload)
		if err != nil {
			errs = append(errs, zerr.With(err, "key", k))
			continue
		}
		if want := strings.TrimPrefix(k, snapshotPrefix); checksum(sg.Graph) != want {
			errs = append(errs, &ChecksumMismatchError{Want: want, Got: checksum(sg.Graph)})
			continue
		}
		index = append(index, SnapshotInfo{
			Checksum:   sg.Checksum,
			CreatedAt:  sg.CreatedAt,
			Size:       len(payload),
			Compressed: bytes.HasPrefix(payload, markGzip),
		})
	}
	sort.SliceStable(index, func(i, j int) bool { return index[i].CreatedAt.Before(index[j].CreatedAt) })
	s.mu.Lock()
	s.index = index
	s.pruneLocked(ctx)
	s.mu.Unlock()
	return errors.Join(errs...)
}
