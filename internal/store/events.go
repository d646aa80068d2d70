package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trustfabric/trustcore/internal/models"
)

// EventStore provides data access for the audit_events chain.
type EventStore struct {
	Base
}

// NewEventStore creates an EventStore.
func NewEventStore(base Base) *EventStore {
	return &EventStore{Base: base}
}

// Head returns the hash of the newest event, or models.GenesisPrevHash when
// the chain is empty. It takes no lock; AppendTx re-checks under lock.
func (s *EventStore) Head(ctx context.Context) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var hash string
	err := s.Pool.QueryRow(ctx,
		"SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1").Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.GenesisPrevHash, nil
		}
		return "", fmt.Errorf("querying chain head: %w", err)
	}
	return hash, nil
}

// HeadTx reads the chain head with the head row locked, for callers that must
// sign against a head that cannot move before their own AppendTx commits.
func (s *EventStore) HeadTx(ctx context.Context, tx pgx.Tx) (string, error) {
	var hash string
	err := tx.QueryRow(ctx,
		"SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1 FOR UPDATE").Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.GenesisPrevHash, nil
		}
		return "", fmt.Errorf("locking chain head: %w", err)
	}
	return hash, nil
}

// Append persists a fully-computed event in its own transaction.
func (s *EventStore) Append(ctx context.Context, ev *models.AuditEvent) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on early return.

	if err := s.AppendTx(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AppendTx inserts ev inside the caller's transaction. The current head row is
// locked and compared against ev.PrevHash: if another append committed in the
// meantime, models.ErrStaleHead is returned and the caller recomputes the hash
// and signature before retrying. A unique constraint on prev_hash backstops
// forks across replicas.
func (s *EventStore) AppendTx(ctx context.Context, tx pgx.Tx, ev *models.AuditEvent) error {
	var head string
	err := tx.QueryRow(ctx,
		"SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1 FOR UPDATE").Scan(&head)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("locking chain head: %w", err)
	}
	if head != ev.PrevHash {
		return models.ErrStaleHead
	}

	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}

	var metadataJSON []byte
	if ev.Metadata != nil {
		metadataJSON, err = json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling event metadata: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_events
		  (id, event_type, payload, prev_hash, hash, signature, signer_id, ts, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.EventType, payloadJSON, ev.PrevHash, ev.Hash,
		ev.Signature, ev.SignerID, ev.TS, metadataJSON,
	)
	if err != nil {
		if isUniqueViolation(err, "audit_events_prev_hash_key") {
			return models.ErrStaleHead
		}
		if isUniqueViolation(err, "") {
			return models.ErrDuplicateKey
		}
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// Get returns an event by id.
func (s *EventStore) Get(ctx context.Context, id string) (*models.AuditEvent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.Pool.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM audit_events WHERE id = $1", id)

	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrEventNotFound
		}
		return nil, err
	}
	return ev, nil
}

// Range returns events ordered by timestamp (then insertion order), applying
// the given filters. Returns events, a hasMore flag, and any error.
func (s *EventStore) Range(ctx context.Context, opts models.EventRangeOpts) ([]models.AuditEvent, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	where, args, argIdx := buildEventFilter(opts)

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(
		"SELECT "+eventColumns+" FROM audit_events %s ORDER BY ts ASC, seq ASC LIMIT $%d OFFSET $%d",
		where, argIdx, argIdx+1,
	)
	args = append(args, limit+1, opts.Offset)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, false, err
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterating audit events: %w", err)
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	return events, hasMore, nil
}

// buildEventFilter builds WHERE clause and args from EventRangeOpts.
func buildEventFilter(opts models.EventRangeOpts) (where string, args []any, nextArg int) {
	var conditions []string
	argIdx := 1

	if opts.EventType != "" {
		conditions = append(conditions, "event_type = $"+strconv.Itoa(argIdx))
		args = append(args, opts.EventType)
		argIdx++
	}
	if opts.From != nil {
		conditions = append(conditions, "ts >= $"+strconv.Itoa(argIdx))
		args = append(args, *opts.From)
		argIdx++
	}
	if opts.To != nil {
		conditions = append(conditions, "ts <= $"+strconv.Itoa(argIdx))
		args = append(args, *opts.To)
		argIdx++
	}

	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args, argIdx
}

// ErasePayload nulls an event's payload under legal hold. The hash, signature
// and chain position stay in place, so verification reports the erased event
// explicitly instead of silently passing.
func (s *EventStore) ErasePayload(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tag, err := s.Pool.Exec(ctx,
		"UPDATE audit_events SET payload = 'null'::jsonb, erased = TRUE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("erasing event payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrEventNotFound
	}
	return nil
}

// eventColumns is the shared select list matching scanEvent.
const eventColumns = "id, event_type, payload, prev_hash, hash, signature, signer_id, ts, metadata, erased"

// scanEvent reads one event row from a pgx.Row or pgx.Rows.
func scanEvent(row pgx.Row) (*models.AuditEvent, error) {
	var (
		ev                    models.AuditEvent
		payloadJSON, metaJSON []byte
	)
	if err := row.Scan(&ev.ID, &ev.EventType, &payloadJSON, &ev.PrevHash,
		&ev.Hash, &ev.Signature, &ev.SignerID, &ev.TS, &metaJSON, &ev.Erased); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning audit event: %w", err)
	}

	if len(payloadJSON) > 0 {
		if err := decodeStoredJSON(payloadJSON, &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshaling event payload: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := decodeStoredJSON(metaJSON, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling event metadata: %w", err)
		}
	}
	return &ev, nil
}

// ChainPage returns events in chain order (insertion sequence), for replay by
// the verifier. Offset paging keeps the verifier free of the seq column.
func (s *EventStore) ChainPage(ctx context.Context, offset, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 500
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx,
		"SELECT "+eventColumns+" FROM audit_events ORDER BY seq ASC LIMIT $1 OFFSET $2",
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying chain page: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chain page: %w", err)
	}
	return events, nil
}

// maxStreamAttempts bounds delivery retries before an event is parked as failed.
const maxStreamAttempts = 5

// FetchPendingForStream claims a batch of events awaiting durable export.
// SELECT ... FOR UPDATE SKIP LOCKED lets multiple streamer workers run safely.
func (s *EventStore) FetchPendingForStream(ctx context.Context, batchSize int) ([]models.AuditEvent, error) {
	if batchSize <= 0 {
		batchSize = 10
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on early return.

	rows, err := tx.Query(ctx, `
		SELECT `+eventColumns+`
		FROM audit_events
		WHERE stream_status IN ($1, $2)
		ORDER BY seq ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $3`,
		models.StreamPending, models.StreamRetry, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting pending events: %w", err)
	}

	var events []models.AuditEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, *ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending events: %w", err)
	}

	for _, ev := range events {
		if _, err := tx.Exec(ctx, `
			UPDATE audit_events
			SET stream_status = $1,
			    stream_attempts = stream_attempts + 1,
			    last_stream_attempt_at = now(),
			    last_stream_error = NULL
			WHERE id = $2`,
			models.StreamInProgress, ev.ID,
		); err != nil {
			return nil, fmt.Errorf("claiming event %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return events, nil
}

// MarkStreamResult records the outcome of exporting one event. Failures are
// retried until maxStreamAttempts, then parked as failed for operator review.
func (s *EventStore) MarkStreamResult(ctx context.Context, eventID string, success bool, cause string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if success {
		_, err := s.Pool.Exec(ctx, `
			UPDATE audit_events
			SET stream_status = $1,
			    last_stream_attempt_at = now(),
			    last_stream_error = NULL
			WHERE id = $2`,
			models.StreamComplete, eventID,
		)
		if err != nil {
			return fmt.Errorf("marking stream success: %w", err)
		}
		return nil
	}

	_, err := s.Pool.Exec(ctx, fmt.Sprintf(`
		UPDATE audit_events
		SET stream_status = CASE WHEN stream_attempts >= %d THEN '%s' ELSE '%s' END,
		    last_stream_attempt_at = now(),
		    last_stream_error = $1
		WHERE id = $2`,
		maxStreamAttempts, models.StreamFailed, models.StreamRetry),
		cause, eventID,
	)
	if err != nil {
		return fmt.Errorf("marking stream failure: %w", err)
	}
	return nil
}

// CountSince returns the number of events appended at or after the given time.
// The ops listener reports it as a cheap liveness signal for the chain.
func (s *EventStore) CountSince(ctx context.Context, since time.Time) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var n int
	err := s.Pool.QueryRow(ctx,
		"SELECT count(*) FROM audit_events WHERE ts >= $1", since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}
