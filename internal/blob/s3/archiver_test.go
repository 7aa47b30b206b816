package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/store/memory"
)

type fakeBucket struct {
	objects map[string][]byte
	drop    bool
	// truncate stores only the first line of each upload.
	truncate bool
}

func (f *fakeBucket) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if f.truncate {
		if i := bytes.IndexByte(b, '\n'); i >= 0 {
			b = b[:i+1]
		}
	}
	if !f.drop {
		f.objects[path] = b
	}
	return nil
}

func (f *fakeBucket) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return f.Put(ctx, path, data, "")
}

func (f *fakeBucket) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := f.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeBucket) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for path, b := range f.objects {
		if strings.HasPrefix(path, prefix) {
			out = append(out, domain.BlobInfo{Path: path, Size: int64(len(b))})
		}
	}
	return out, nil
}

func (f *fakeBucket) Exists(_ context.Context, path string) (bool, error) {
	_, ok := f.objects[path]
	return ok, nil
}

func TestArchiveSettlements(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	bucket := &fakeBucket{objects: map[string][]byte{}}
	a := NewArchiver(bucket, bucket, store.Settlements(), store.Audit(), slog.New(slog.DiscardHandler))

	cutoff := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	for i, at := range []time.Time{cutoff.Add(-48 * time.Hour), cutoff.Add(-time.Hour), cutoff.Add(time.Hour)} {
		require.NoError(t, store.Settlements().Insert(ctx, domain.SettlementRecord{
			ID: string(rune('a' + i)), PositionID: "p", SizeClosed: uint64(i + 1), SettledAt: at,
		}))
	}

	n, err := a.ArchiveSettlements(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	path := "archive/settlements/2026-10-01/20261001T000000Z.jsonl"
	require.Contains(t, bucket.objects, path)
	sc := bufio.NewScanner(bytes.NewReader(bucket.objects[path]))
	var got []domain.SettlementRecord
	for sc.Scan() {
		var rec domain.SettlementRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		got = append(got, rec)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)

	left, err := store.Settlements().ListByPosition(ctx, "p")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "c", left[0].ID)

	entries, err := store.Audit().List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "archive.settlements", entries[0].Event)
}

func TestArchiveKeepsRowsWhenUploadMissing(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	bucket := &fakeBucket{objects: map[string][]byte{}, drop: true}
	a := NewArchiver(bucket, bucket, store.Settlements(), store.Audit(), slog.New(slog.DiscardHandler))

	cutoff := time.Now()
	require.NoError(t, store.Settlements().Insert(ctx, domain.SettlementRecord{ID: "x", PositionID: "p", SettledAt: cutoff.Add(-time.Hour)}))

	_, err := a.ArchiveSettlements(ctx, cutoff)
	assert.Error(t, err)

	left, err := store.Settlements().ListByPosition(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestArchiveKeepsRowsWhenReadBackShort(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	bucket := &fakeBucket{objects: map[string][]byte{}, truncate: true}
	a := NewArchiver(bucket, bucket, store.Settlements(), store.Audit(), slog.New(slog.DiscardHandler))

	cutoff := time.Now()
	for _, id := range []string{"x", "y"} {
		require.NoError(t, store.Settlements().Insert(ctx, domain.SettlementRecord{ID: id, PositionID: "p", SettledAt: cutoff.Add(-time.Hour)}))
	}

	_, err := a.ArchiveSettlements(ctx, cutoff)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "holds 1 lines, want 2")

	left, err := store.Settlements().ListByPosition(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestListArchives(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{
		"archive/settlements/2026-10-02/20261002T000000Z.jsonl": []byte("{}\n"),
		"archive/settlements/2026-10-01/20261001T000000Z.jsonl": []byte("{}\n{}\n"),
		"archive/audit/2026-10-01/20261001T000000Z.jsonl":       []byte("{}\n"),
		"other/file":                                            nil,
	}}
	got, err := ListArchives(context.Background(), bucket, "settlements")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "archive/settlements/2026-10-01/20261001T000000Z.jsonl", got[0].Path)
	assert.Equal(t, int64(6), got[0].Size)

	all, err := ListArchives(context.Background(), bucket, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCountLines(t *testing.T) {
	n, err := countLines(strings.NewReader("a\nb\nc\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = countLines(strings.NewReader(""))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiveNothingToDo(t *testing.T) {
	store := memory.NewStore()
	bucket := &fakeBucket{objects: map[string][]byte{}}
	a := NewArchiver(bucket, bucket, store.Settlements(), store.Audit(), slog.New(slog.DiscardHandler))

	n, err := a.ArchiveAudit(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, bucket.objects)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
}
