// Package document holds the uploaded-file entity, its content-addressed
// dedup store, and the object storage port the ingestion service puts
// original files through before extraction.
package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/costwatchdog/engine/internal/dbtx"
)

// ExtractionStatus tracks a Document through the ingestion pipeline.
type ExtractionStatus string

const (
	ExtractionPending    ExtractionStatus = "pending"
	ExtractionProcessing ExtractionStatus = "processing"
	ExtractionCompleted  ExtractionStatus = "completed"
	ExtractionFailed     ExtractionStatus = "failed"
)

// Document is an uploaded invoice/CSV/PDF file. FileHash is unique —
// content-addressed dedup means identical bytes always resolve to the same
// Document id, regardless of how many times they're uploaded.
type Document struct {
	ID                  uuid.UUID
	OriginalFilename    string
	MimeType            string
	FileSize            int64
	FileHash            string
	StoragePath         string
	DocumentType        string
	ExtractionStatus    ExtractionStatus
	VerificationStatus  string
	UploadedAt          time.Time
	UploadedBy          *uuid.UUID
}

// Store persists Document rows and implements the content-hash dedup check.
type Store struct {
	db dbtx.DBTX
}

// NewStore creates a Store backed by the given connection or transaction.
func NewStore(db dbtx.DBTX) *Store {
	return &Store{db: db}
}

const documentColumns = `id, original_filename, mime_type, file_size, file_hash, storage_path,
	document_type, extraction_status, verification_status, uploaded_at, uploaded_by`

func scanDocument(row interface {
	Scan(dest ...any) error
}) (Document, error) {
	var d Document
	var status string
	err := row.Scan(
		&d.ID, &d.OriginalFilename, &d.MimeType, &d.FileSize, &d.FileHash, &d.StoragePath,
		&d.DocumentType, &status, &d.VerificationStatus, &d.UploadedAt, &d.UploadedBy,
	)
	d.ExtractionStatus = ExtractionStatus(status)
	return d, err
}

// FindByHash looks up an existing Document by content hash — the dedup
// check every ingestion run performs before doing any other work.
func (s *Store) FindByHash(ctx context.Context, fileHash string) (Document, bool, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE file_hash = $1`
	d, err := scanDocument(s.db.QueryRow(ctx, query, fileHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, fmt.Errorf("querying document by hash: %w", err)
	}
	return d, true, nil
}

// Insert creates a new Document row, normally inside the ingestion
// transaction alongside the cost records it accompanies.
func (s *Store) Insert(ctx context.Context, d Document) (Document, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.ExtractionStatus == "" {
		d.ExtractionStatus = ExtractionProcessing
	}
	query := `INSERT INTO documents (` + documentColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now(), $10)
		RETURNING ` + documentColumns
	row := s.db.QueryRow(ctx, query,
		d.ID, d.OriginalFilename, d.MimeType, d.FileSize, d.FileHash, d.StoragePath,
		d.DocumentType, string(d.ExtractionStatus), d.VerificationStatus, d.UploadedBy,
	)
	return scanDocument(row)
}

// UpdateExtractionStatus transitions a Document's extraction lifecycle.
func (s *Store) UpdateExtractionStatus(ctx context.Context, id uuid.UUID, status ExtractionStatus) error {
	_, err := s.db.Exec(ctx, `UPDATE documents SET extraction_status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating document extraction status: %w", err)
	}
	return nil
}

// Get returns a single Document by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	return scanDocument(s.db.QueryRow(ctx, query, id))
}
