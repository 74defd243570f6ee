// Package archive keeps validated job results in object storage after the
// workspace that produced them is gone.
package archive

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/deptz/augment-sub000/internal/diag"
	"github.com/deptz/augment-sub000/internal/protocol"
)

const (
	resultPrefix    = "results/"
	contentType     = "application/zstd"
	metaDigest      = "Digest-Blake3"
	metaJobType     = "Job-Type"
	metaJobID       = "Job-Id"
	maxDecodedBytes = 64 << 20
)

type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	Metadata     map[string]string
}

// ObjectStore is the subset of an S3-compatible bucket the archive needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, metadata map[string]string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]Object, error)
	Delete(ctx context.Context, key string) error
}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBytes))
	})
	return encoder, decoder, codecErr
}

type Archiver struct {
	store  ObjectStore
	logger *slog.Logger
	sink   diag.Sink
	now    func() time.Time
}

type Option func(*Archiver)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Archiver) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithSink(s diag.Sink) Option {
	return func(a *Archiver) { a.sink = diag.OrNop(s) }
}

func New(store ObjectStore, opts ...Option) *Archiver {
	a := &Archiver{store: store, logger: slog.Default(), sink: diag.Nop, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Digest returns the hex BLAKE3 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StoreResult compresses res and uploads it. The key embeds the date, the job
// id and a digest prefix of the uncompressed JSON.
func (a *Archiver) StoreResult(ctx context.Context, jobID string, jobType protocol.JobType, res protocol.ExecutionResult) (string, error) {
	enc, _, err := codecs()
	if err != nil {
		return "", fmt.Errorf("init zstd: %w", err)
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	digest := Digest(raw)
	compressed := enc.EncodeAll(raw, nil)
	key := resultKey(a.now().UTC(), jobID, digest)
	start := a.now()
	meta := map[string]string{metaDigest: digest, metaJobType: string(jobType), metaJobID: jobID}
	if err := a.store.Put(ctx, key, bytes.NewReader(compressed), int64(len(compressed)), contentType, meta); err != nil {
		a.sink.Emit(diag.Event{JobID: jobID, Stage: diag.StageArchive, Type: diag.TypeFailed, Err: err})
		return "", fmt.Errorf("upload result %s: %w", key, err)
	}
	a.sink.Emit(diag.Event{JobID: jobID, Stage: diag.StageArchive, Type: diag.TypeCompleted, Duration: a.now().Sub(start), Attrs: map[string]any{"key": key, "bytes": len(compressed)}})
	a.logger.Info("result archived", "job_id", jobID, "key", key, "raw_bytes", len(raw), "stored_bytes", len(compressed))
	return key, nil
}

// LoadResult downloads and decodes an archived result, checking its digest
// when the key carries one.
func (a *Archiver) LoadResult(ctx context.Context, key string) (protocol.ExecutionResult, error) {
	_, dec, err := codecs()
	if err != nil {
		return nil, fmt.Errorf("init zstd: %w", err)
	}
	rc, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer rc.Close()
	compressed, err := io.ReadAll(io.LimitReader(rc, maxDecodedBytes))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", key, err)
	}
	if want := digestFromKey(key); want != "" && !strings.HasPrefix(Digest(raw), want) {
		return nil, fmt.Errorf("digest mismatch for %s", key)
	}
	var res protocol.ExecutionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return res, nil
}

// Sweep deletes archived results older than retention and returns how many
// were removed. Individual delete failures are logged and skipped.
func (a *Archiver) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	objects, err := a.store.List(ctx, resultPrefix)
	if err != nil {
		return 0, fmt.Errorf("list archived results: %w", err)
	}
	cutoff := a.now().Add(-retention)
	removed := 0
	for _, obj := range objects {
		if obj.LastModified.IsZero() || !obj.LastModified.Before(cutoff) {
			continue
		}
		if err := a.store.Delete(ctx, obj.Key); err != nil {
			a.logger.Warn("delete expired result", "key", obj.Key, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		a.logger.Info("expired results removed", "count", removed, "retention", retention)
	}
	return removed, nil
}

func resultKey(now time.Time, jobID, digest string) string {
	return path.Join(strings.TrimSuffix(resultPrefix, "/"), now.Format("2006/01/02"), fmt.Sprintf("%s-%s.json.zst", jobID, digest[:16]))
}

func digestFromKey(key string) string {
	base := strings.TrimSuffix(path.Base(key), ".json.zst")
	i := strings.LastIndex(base, "-")
	if i < 0 || len(base)-i-1 != 16 {
		return ""
	}
	if _, err := hex.DecodeString(base[i+1:]); err != nil {
		return ""
	}
	return base[i+1:]
}
