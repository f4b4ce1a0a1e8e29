package metadata

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	defaultPageSize = 256

	descriptorColumns = `blob_id, digest, filename, mime_type, size, created_at, expires_at`
)

// SQLStore is a Store backed by database/sql.
type SQLStore struct {
	db       *sql.DB
	driver   Driver
	pageSize int
	logger   *slog.Logger
}

var _ Store = (*SQLStore)(nil)

// Option configures a SQLStore.
type Option func(*SQLStore)

// WithPageSize sets how many descriptors ListExpired fetches per query.
func WithPageSize(n int) Option {
	return func(s *SQLStore) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithLogger sets the logger used for migration messages.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open connects to the metadata database and applies the schema.
func Open(ctx context.Context, driver Driver, dsn string, opts ...Option) (*SQLStore, error) {
	source, err := driver.dataSource(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver.driverName(), source)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}

	if driver.sqlite() {
		// SQLite allows one writer; a single connection keeps writers in this
		// process from tripping over each other's locks.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}

	s := &SQLStore{
		db:       db,
		driver:   driver,
		pageSize: defaultPageSize,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// initSchema applies every SQL file in the driver's embedded migrations
// directory in lexicographical order. Files hold one or more statements
// separated by semicolons.
func (s *SQLStore) initSchema(ctx context.Context) error {
	return fs.WalkDir(migrationsFS, s.driver.migrationsDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		s.logger.Debug("Running migration", "path", path)
		for _, stmt := range strings.Split(string(content), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s: %w", path, err)
			}
		}
		return nil
	})
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// withTransaction runs fn within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

func (s *SQLStore) q(query string) string {
	return s.driver.rebind(query)
}

func (s *SQLStore) Put(ctx context.Context, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("put descriptor %s: %w", d.BlobID, err)
	}
	tags := NormalizeTags(d.Tags)

	return withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO blobs (`+descriptorColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (blob_id) DO UPDATE SET
				digest = excluded.digest,
				filename = excluded.filename,
				mime_type = excluded.mime_type,
				size = excluded.size,
				created_at = excluded.created_at,
				expires_at = excluded.expires_at`),
			d.BlobID, d.Digest, d.Filename, d.MIMEType, d.Size,
			d.CreatedAt.UnixNano(), d.ExpiresAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("upsert blob: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM blob_tags WHERE blob_id = ?`), d.BlobID); err != nil {
			return fmt.Errorf("clear tags: %w", err)
		}

		for _, tag := range tags {
			if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO blob_tags (blob_id, tag) VALUES (?, ?)`), d.BlobID, tag); err != nil {
				return fmt.Errorf("insert tag: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) Get(ctx context.Context, blobID string) (Descriptor, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+descriptorColumns+` FROM blobs WHERE blob_id = ?`), blobID)
	return s.loadOne(ctx, row)
}

func (s *SQLStore) FindByDigest(ctx context.Context, digest string) (Descriptor, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+descriptorColumns+`
		FROM blobs
		WHERE digest = ?
		ORDER BY created_at DESC, blob_id DESC
		LIMIT 1`), digest)
	return s.loadOne(ctx, row)
}

// loadOne scans a single descriptor row and attaches its tags. A row that
// cannot be parsed or fails validation is returned alongside an ErrCorrupt
// error with whatever fields could be read.
func (s *SQLStore) loadOne(ctx context.Context, row *sql.Row) (Descriptor, bool, error) {
	var r descriptorRow
	if err := r.scan(row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Descriptor{}, false, nil
		}
		return Descriptor{}, false, fmt.Errorf("scan descriptor: %w", err)
	}

	d, derr := r.descriptor()
	tags, err := s.tagsFor(ctx, []string{d.BlobID})
	if err != nil {
		return Descriptor{}, false, err
	}
	d.Tags = NormalizeTags(tags[d.BlobID])

	if derr != nil {
		return d, true, derr
	}
	if verr := d.Validate(); verr != nil {
		return d, true, fmt.Errorf("%w: %s: %w", ErrCorrupt, d.BlobID, verr)
	}
	return d, true, nil
}

func (s *SQLStore) Delete(ctx context.Context, blobID string) error {
	return withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM blob_tags WHERE blob_id = ?`), blobID); err != nil {
			return fmt.Errorf("delete tags: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM blobs WHERE blob_id = ?`), blobID); err != nil {
			return fmt.Errorf("delete blob: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count blobs: %w", err)
	}
	return n, nil
}

// ListExpired pages through expired descriptors using the (expires_at,
// blob_id) index as a cursor. Each page's rows are closed before any item is
// yielded, so the single SQLite connection is free for the caller's deletes.
// Corrupt rows are yielded with an ErrCorrupt error and iteration continues.
func (s *SQLStore) ListExpired(ctx context.Context, now time.Time) iter.Seq2[Descriptor, error] {
	return func(yield func(Descriptor, error) bool) {
		cutoff := now.UnixNano()
		lastExpiry := int64(math.MinInt64)
		lastID := ""

		for {
			page, more, err := s.expiredPage(ctx, cutoff, lastExpiry, lastID)
			if err != nil {
				yield(Descriptor{}, err)
				return
			}

			for _, item := range page {
				if !yield(item.d, item.err) {
					return
				}
			}

			if !more {
				return
			}
			last := page[len(page)-1]
			lastExpiry = last.expiresAt
			lastID = last.d.BlobID
		}
	}
}

type pageItem struct {
	d         Descriptor
	expiresAt int64
	err       error
}

// expiredPage reads one page of expired rows and reports whether another page
// may follow it.
func (s *SQLStore) expiredPage(ctx context.Context, cutoff int64, afterExpiry int64, afterID string) ([]pageItem, bool, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+descriptorColumns+`
		FROM blobs
		WHERE expires_at < ?
		  AND (expires_at > ? OR (expires_at = ? AND blob_id > ?))
		ORDER BY expires_at, blob_id
		LIMIT ?`),
		cutoff, afterExpiry, afterExpiry, afterID, s.pageSize,
	)
	if err != nil {
		return nil, false, fmt.Errorf("list expired: %w", err)
	}

	var page []pageItem
	more := true
	for rows.Next() {
		var r descriptorRow
		if err := r.scan(rows); err != nil {
			_ = rows.Close()
			return nil, false, fmt.Errorf("list expired: scan: %w", err)
		}
		d, err := r.descriptor()
		expiresAt, xerr := intColumn("expires_at", r.expiresAt)
		page = append(page, pageItem{d: d, expiresAt: expiresAt, err: err})
		if xerr != nil {
			// Without a readable expiry the cursor cannot move past this
			// row. Yield it so it can be deleted and end the listing.
			more = false
			break
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, false, fmt.Errorf("list expired: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, false, err
	}

	if len(page) < s.pageSize {
		more = false
	}
	if len(page) == 0 {
		return nil, false, nil
	}

	ids := make([]string, len(page))
	for i, item := range page {
		ids[i] = item.d.BlobID
	}
	tags, err := s.tagsFor(ctx, ids)
	if err != nil {
		return nil, false, err
	}

	for i := range page {
		page[i].d.Tags = NormalizeTags(tags[page[i].d.BlobID])
		if page[i].err != nil {
			continue
		}
		if verr := page[i].d.Validate(); verr != nil {
			page[i].err = fmt.Errorf("%w: %s: %w", ErrCorrupt, page[i].d.BlobID, verr)
		}
	}
	return page, more, nil
}

func (s *SQLStore) tagsFor(ctx context.Context, ids []string) (map[string][]string, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT blob_id, tag FROM blob_tags WHERE blob_id IN (`+placeholders+`)`), args...)
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	defer rows.Close()

	tags := make(map[string][]string, len(ids))
	for rows.Next() {
		var id, tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags[id] = append(tags[id], tag)
	}
	return tags, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// descriptorRow holds a blobs row as text so that a malformed column can be
// reported without losing the rest of the row.
type descriptorRow struct {
	blobID, digest, filename, mimeType sql.NullString
	size, createdAt, expiresAt         sql.NullString
}

func (r *descriptorRow) scan(row rowScanner) error {
	return row.Scan(&r.blobID, &r.digest, &r.filename, &r.mimeType, &r.size, &r.createdAt, &r.expiresAt)
}

// descriptor converts the row. Unreadable columns are left zero and reported
// together as one ErrCorrupt error.
func (r *descriptorRow) descriptor() (Descriptor, error) {
	d := Descriptor{
		BlobID:   r.blobID.String,
		Digest:   r.digest.String,
		Filename: r.filename.String,
		MIMEType: r.mimeType.String,
	}

	var errs []error
	if !r.blobID.Valid {
		errs = append(errs, errors.New("blob_id is null"))
	}
	size, err := intColumn("size", r.size)
	if err != nil {
		errs = append(errs, err)
	}
	d.Size = size
	if n, err := intColumn("created_at", r.createdAt); err != nil {
		errs = append(errs, err)
	} else {
		d.CreatedAt = time.Unix(0, n).UTC()
	}
	if n, err := intColumn("expires_at", r.expiresAt); err != nil {
		errs = append(errs, err)
	} else {
		d.ExpiresAt = time.Unix(0, n).UTC()
	}

	if len(errs) > 0 {
		return d, fmt.Errorf("%w: %s: %w", ErrCorrupt, d.BlobID, errors.Join(errs...))
	}
	return d, nil
}

func intColumn(name string, v sql.NullString) (int64, error) {
	if !v.Valid {
		return 0, fmt.Errorf("%s is null", name)
	}
	n, err := strconv.ParseInt(v.String, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}
