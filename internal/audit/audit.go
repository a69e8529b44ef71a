// Package audit provides an async, buffered writer for the append-only audit
// trail: every mutating auth/record/alert operation is logged with actor,
// action, resource, and request provenance (spec §6 audit header contract).
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry represents a single audit log entry to be written.
type Entry struct {
	ActorUserID   *uuid.UUID
	ActorAPIKeyID *uuid.UUID
	Action        string
	Resource      string
	ResourceID    uuid.UUID
	Detail        json.RawMessage
	IPAddress     *netip.Addr
	UserAgent     *string
}

// Writer is an async, buffered audit log writer.
// Entries are sent to an internal channel and flushed by a background goroutine.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start launches the background goroutine that flushes audit entries to the
// database and returns immediately. The goroutine flushes what is pending and
// exits when ctx is cancelled or Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the caller;
// if the buffer is full the entry is dropped and a warning is logged.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"action", entry.Action, "resource", entry.Resource)
	}
}

// LogFromRequest is a convenience method that fills in IP and user agent from
// the request, then enqueues the entry. Actor identity is passed explicitly
// by the caller (pulled from the authenticated request context upstream) so
// this package doesn't depend on pkg/auth.
func (w *Writer) LogFromRequest(r *http.Request, actorUserID, actorAPIKeyID *uuid.UUID, action, resource string, resourceID uuid.UUID, detail json.RawMessage) {
	entry := Entry{
		ActorUserID:   actorUserID,
		ActorAPIKeyID: actorAPIKeyID,
		Action:        action,
		Resource:      resource,
		ResourceID:    resourceID,
		Detail:        detail,
	}

	ip := clientIP(r)
	if ip.IsValid() {
		entry.IPAddress = &ip
	}

	ua := r.Header.Get("User-Agent")
	if ua != "" {
		entry.UserAgent = &ua
	}

	w.Log(entry)
}

// run is the background loop that drains the entries channel.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch of entries to the database in a single transaction.
func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.logger.Error("acquiring transaction for audit flush", "error", err)
		return
	}
	defer tx.Rollback(ctx)

	for _, e := range entries {
		var ipStr *string
		if e.IPAddress != nil {
			s := e.IPAddress.String()
			ipStr = &s
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO audit_log (id, user_id, api_key_id, action, resource, resource_id, detail, ip_address, user_agent, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
			uuid.New(), e.ActorUserID, e.ActorAPIKeyID, e.Action, e.Resource,
			nullableUUID(e.ResourceID), []byte(e.Detail), ipStr, e.UserAgent,
		)
		if err != nil {
			w.logger.Error("writing audit log entry", "error", err,
				"action", e.Action, "resource", e.Resource)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("committing audit flush", "error", err)
	}
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// PurgeBefore deletes audit_log rows older than cutoff, in batches of
// batchSize, for the retention scheduler. If archive is true, purged rows
// are copied into audit_log_archive first so the compliance trail
// survives beyond the operational retention window.
func PurgeBefore(ctx context.Context, pool *pgxpool.Pool, cutoff time.Time, batchSize int, archive bool) (int, error) {
	total := 0
	for {
		if archive {
			if _, err := pool.Exec(ctx, `
				INSERT INTO audit_log_archive (
					id, entity_type, entity_id, user_id, api_key_id, action, resource,
					resource_id, detail, request_id, ip_address, user_agent, anonymized, created_at
				)
				SELECT
					id, entity_type, entity_id, user_id, api_key_id, action, resource,
					resource_id, detail, request_id, ip_address, user_agent, anonymized, created_at
				FROM audit_log WHERE created_at < $1 ORDER BY id LIMIT $2
				ON CONFLICT (id) DO NOTHING`, cutoff, batchSize); err != nil {
				return total, err
			}
		}
		tag, err := pool.Exec(ctx, `
			DELETE FROM audit_log WHERE id IN (
				SELECT id FROM audit_log WHERE created_at < $1 ORDER BY id LIMIT $2
			)`, cutoff, batchSize)
		if err != nil {
			return total, err
		}
		n := int(tag.RowsAffected())
		total += n
		if n < batchSize {
			return total, nil
		}
	}
}

// clientIP extracts the client IP address from the request,
// preferring X-Forwarded-For and X-Real-IP headers over RemoteAddr.
func clientIP(r *http.Request) netip.Addr {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}
