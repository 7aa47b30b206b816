package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

const (
	// maxArchiveRows bounds one archive file.
	maxArchiveRows = 50_000
	// multipartThreshold switches uploads to the transfer manager.
	multipartThreshold = 16 * 1024 * 1024
	jsonlContentType   = "application/x-ndjson"
)

// Archiver implements domain.Archiver. Rows older than the cutoff are
// written to the bucket as JSONL, the upload is read back and its line count
// checked, and only then are the rows deleted from the primary store.
type Archiver struct {
	writer      domain.BlobWriter
	reader      domain.BlobReader
	settlements domain.SettlementStore
	audit       domain.AuditStore
	logger      *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	settlements domain.SettlementStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:      writer,
		reader:      reader,
		settlements: settlements,
		audit:       audit,
		logger:      logger,
	}
}

// ArchiveSettlements moves settlement records older than before to
// archive/settlements/.
func (a *Archiver) ArchiveSettlements(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.settlements.ListBefore(ctx, before, maxArchiveRows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements query: %w", err)
	}
	cutoff := before
	if len(rows) == maxArchiveRows {
		// Rows at the boundary stay for the next run.
		cutoff = rows[len(rows)-1].SettledAt
	}
	return archive(ctx, a, "settlements", rows, before, cutoff, a.settlements.DeleteBefore)
}

// ArchiveAudit moves audit entries older than before to archive/audit/.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.audit.ListBefore(ctx, before, maxArchiveRows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	cutoff := before
	if len(rows) == maxArchiveRows {
		cutoff = rows[len(rows)-1].CreatedAt
	}
	return archive(ctx, a, "audit", rows, before, cutoff, a.audit.DeleteBefore)
}

func archive[T any](
	ctx context.Context,
	a *Archiver,
	kind string,
	rows []T,
	before, cutoff time.Time,
	deleteBefore func(context.Context, time.Time) (int64, error),
) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}
	n := len(rows)

	path := archivePath(kind, before)
	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	if err := a.verify(ctx, path, n); err != nil {
		return 0, fmt.Errorf("s3blob: archive %s verify: %w", kind, err)
	}

	deleted, err := deleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s prune: %w", kind, err)
	}

	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":    path,
		"count":   n,
		"deleted": deleted,
		"before":  before.Format(time.RFC3339),
	}); err != nil {
		a.logger.WarnContext(ctx, "s3blob: audit archive run", slog.String("kind", kind), slog.String("error", err.Error()))
	}
	a.logger.InfoContext(ctx, "s3blob: archived",
		slog.String("kind", kind),
		slog.String("path", path),
		slog.Int("rows", n),
		slog.Int64("deleted", deleted),
	)
	return int64(n), nil
}

// verify confirms the object exists and reads it back to check it holds one
// line per archived row.
func (a *Archiver) verify(ctx context.Context, path string, rows int) error {
	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s missing after upload", path)
	}

	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return err
	}
	defer body.Close()

	lines, err := countLines(body)
	if err != nil {
		return fmt.Errorf("read back %s: %w", path, err)
	}
	if lines != rows {
		return fmt.Errorf("%s holds %d lines, want %d", path, lines, rows)
	}
	return nil
}

// ListArchives returns the archive files of one kind ("settlements" or
// "audit") sorted by path, or of every kind when kind is empty.
func ListArchives(ctx context.Context, reader domain.BlobReader, kind string) ([]domain.BlobInfo, error) {
	prefix := "archive/"
	if kind != "" {
		prefix += kind + "/"
	}
	infos, err := reader.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("s3blob: list archives: %w", err)
	}
	slices.SortFunc(infos, func(x, y domain.BlobInfo) int { return strings.Compare(x.Path, y.Path) })
	return infos, nil
}

func countLines(r io.Reader) (int, error) {
	buf := make([]byte, 32*1024)
	lines := 0
	for {
		n, err := r.Read(buf)
		lines += bytes.Count(buf[:n], []byte{'\n'})
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return lines, err
		}
	}
}

// archivePath partitions archive files by day and stamps them with the
// cutoff so repeated runs never overwrite each other:
//
//	archive/settlements/2026-10-16/20261016T000000Z.jsonl
func archivePath(kind string, before time.Time) string {
	before = before.UTC()
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, before.Format("2006-01-02"), before.Format("20060102T150405Z"))
}

// marshalJSONL encodes each record as one compact JSON line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
