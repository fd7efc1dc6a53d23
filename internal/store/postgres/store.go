package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"time"

	"qms/virtual-queue/internal/models"
	"qms/virtual-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation       = "23505"
	activeUserConstraint  = "tickets_one_active_per_user"
	activeTokenConstraint = "tickets_active_token_per_place"
	requestIDConstraint   = "tickets_request_id_key"
	maxPromoteAttempts    = 3
	defaultServiceMinutes = 5
)

const ticketColumns = `ticket_id, place_id, counter_id, user_id, token_number, status, estimated_wait, created_at,
	COALESCE(preferred_time, ''), COALESCE(preferred_date, ''), called_at, closed_at, request_id`

type Store struct {
	pool  *pgxpool.Pool
	token func() int
}

type Options struct {
	TokenSource func() int
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	token := options.TokenSource
	if token == nil {
		token = func() int { return store.MinToken + rand.IntN(store.MaxToken) }
	}
	return &Store{pool: pool, token: token}
}

func (s *Store) Join(ctx context.Context, input store.JoinInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, translate(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if input.RequestID != "" {
		existing, found, err := findTicketByRequestID(ctx, tx, input.RequestID)
		if err != nil {
			return models.Ticket{}, false, translate(err)
		}
		if found {
			if existing.UserID != input.UserID {
				return models.Ticket{}, false, store.ErrRequestIDInUse
			}
			return existing, false, translate(tx.Commit(ctx))
		}
	}

	place, err := getPlace(ctx, tx, input.PlaceID, false)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if !place.IsApproved {
		return models.Ticket{}, false, store.ErrPlaceNotApproved
	}
	var counter *models.Counter
	if input.CounterID != "" {
		c, err := getCounter(ctx, tx, input.PlaceID, input.CounterID, false)
		if err != nil {
			return models.Ticket{}, false, err
		}
		counter = &c
	}
	fallback := input.DefaultMinutes
	if fallback <= 0 {
		fallback = defaultServiceMinutes
	}
	minutes := models.ServiceMinutes(place, counter, fallback)

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var ticket models.Ticket
	inserted := false
	for attempt := 0; attempt < store.MaxTokenAttempts && !inserted; attempt++ {
		ticket, err = insertTicket(ctx, tx, input, store.FormatToken(s.token()), minutes, createdAt)
		if err == nil {
			inserted = true
			break
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
			return models.Ticket{}, false, translate(err)
		}
		switch pgErr.ConstraintName {
		case activeUserConstraint:
			return models.Ticket{}, false, store.ErrAlreadyQueued
		case activeTokenConstraint:
			continue
		case requestIDConstraint:
			existing, found, err := findTicketByRequestID(ctx, tx, input.RequestID)
			if err != nil {
				return models.Ticket{}, false, translate(err)
			}
			if found && existing.UserID == input.UserID {
				return existing, false, translate(tx.Commit(ctx))
			}
			return models.Ticket{}, false, store.ErrRequestIDInUse
		default:
			return models.Ticket{}, false, translate(pgErr)
		}
	}
	if !inserted {
		return models.Ticket{}, false, store.ErrTokenExhausted
	}

	if err = insertChange(ctx, tx, store.ChangeForTicket(store.ChangeTicketJoined, ticket, time.Now().UTC())); err != nil {
		return models.Ticket{}, false, translate(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, translate(err)
	}
	return ticket, true, nil
}

// insertTicket runs inside a savepoint so a unique violation leaves the outer
// transaction usable for the next token attempt. The wait snapshot is computed by the
// same statement that inserts the row.
func insertTicket(ctx context.Context, tx pgx.Tx, input store.JoinInput, token string, minutes int, createdAt time.Time) (models.Ticket, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return models.Ticket{}, err
	}
	row := sp.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, request_id, place_id, counter_id, user_id, token_number, status,
			estimated_wait, created_at, preferred_time, preferred_date
		)
		SELECT $1::uuid, $2::uuid, $3::uuid, $4::uuid, $5::text, $6::text, 'waiting',
			((COUNT(*) + 1) * $7::int)::int, $8::timestamptz, $9::text, $10::text
		FROM tickets
		WHERE place_id = $3 AND counter_id IS NOT DISTINCT FROM $4 AND status = 'waiting'
		RETURNING `+ticketColumns,
		uuid.NewString(), nullIfEmpty(input.RequestID), input.PlaceID, nullIfEmpty(input.CounterID), input.UserID,
		token, minutes, createdAt, nullIfEmpty(input.PreferredTime), nullIfEmpty(input.PreferredDate))
	ticket, err := scanTicket(row)
	if err != nil {
		_ = sp.Rollback(ctx)
		return models.Ticket{}, err
	}
	if err := sp.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, translate(err)
	}
	return ticket, nil
}

func (s *Store) ActiveTicket(ctx context.Context, userID string) (models.Ticket, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE user_id = $1 AND status IN ('waiting', 'serving')
	`, userID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, translate(err)
	}
	return ticket, true, nil
}

func (s *Store) CountAhead(ctx context.Context, ticket models.Ticket) (int, error) {
	var ahead int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tickets
		WHERE place_id = $1 AND counter_id IS NOT DISTINCT FROM $2 AND status = 'waiting'
			AND (created_at, ticket_id) < ($3::timestamptz, $4::uuid)
	`, ticket.PlaceID, nullIfEmpty(ticket.Counter()), ticket.CreatedAt, ticket.TicketID)
	if err := row.Scan(&ahead); err != nil {
		return 0, translate(err)
	}
	return ahead, nil
}

func (s *Store) ListPartition(ctx context.Context, placeID, counterID string) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE place_id = $1 AND counter_id IS NOT DISTINCT FROM $2 AND status IN ('waiting', 'serving')
		ORDER BY created_at ASC, ticket_id ASC
	`, placeID, nullIfEmpty(counterID))
	if err != nil {
		return nil, translate(err)
	}
	return collectTickets(rows)
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (store.CallNextResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.CallNextResult{}, translate(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The partition row lock serializes concurrent call-next on one line.
	if input.CounterID == "" {
		if _, err = getPlace(ctx, tx, input.PlaceID, true); err != nil {
			return store.CallNextResult{}, err
		}
	} else {
		if _, err = getCounter(ctx, tx, input.PlaceID, input.CounterID, true); err != nil {
			return store.CallNextResult{}, err
		}
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	var result store.CallNextResult
	rows, err := tx.Query(ctx, `
		UPDATE tickets
		SET status = 'completed', closed_at = $3
		WHERE place_id = $1 AND counter_id IS NOT DISTINCT FROM $2 AND status = 'serving'
		RETURNING `+ticketColumns,
		input.PlaceID, nullIfEmpty(input.CounterID), calledAt)
	if err != nil {
		return store.CallNextResult{}, translate(err)
	}
	result.Completed, err = collectTickets(rows)
	if err != nil {
		return store.CallNextResult{}, err
	}
	for _, ticket := range result.Completed {
		if err = insertChange(ctx, tx, store.ChangeForTicket(store.ChangeTicketCompleted, ticket, calledAt)); err != nil {
			return store.CallNextResult{}, translate(err)
		}
	}

	promoted, found, err := promoteNext(ctx, tx, input.PlaceID, input.CounterID, calledAt)
	if err != nil {
		return store.CallNextResult{}, translate(err)
	}
	if !found {
		if err = tx.Commit(ctx); err != nil {
			return store.CallNextResult{}, translate(err)
		}
		return result, store.ErrQueueEmpty
	}

	if input.CounterID == "" {
		_, err = tx.Exec(ctx, `UPDATE places SET current_serving_token = $1 WHERE place_id = $2`, promoted.TokenNumber, input.PlaceID)
	} else {
		_, err = tx.Exec(ctx, `UPDATE counters SET current_serving_token = $1 WHERE counter_id = $2`, promoted.TokenNumber, input.CounterID)
	}
	if err != nil {
		return store.CallNextResult{}, translate(err)
	}
	if err = insertChange(ctx, tx, store.ChangeForTicket(store.ChangeTicketCalled, promoted, calledAt)); err != nil {
		return store.CallNextResult{}, translate(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return store.CallNextResult{}, translate(err)
	}
	result.Promoted = promoted
	result.Token = promoted.TokenNumber
	return result, nil
}

// promoteNext moves the head of the waiting line to serving. A concurrent cancel of the
// head can make the locked LIMIT 1 select come back empty, so emptiness is re-checked
// before it is reported.
func promoteNext(ctx context.Context, tx pgx.Tx, placeID, counterID string, calledAt time.Time) (models.Ticket, bool, error) {
	for attempt := 0; attempt < maxPromoteAttempts; attempt++ {
		row := tx.QueryRow(ctx, `
			WITH next_ticket AS (
				SELECT ticket_id
				FROM tickets
				WHERE place_id = $1 AND counter_id IS NOT DISTINCT FROM $2 AND status = 'waiting'
				ORDER BY created_at ASC, ticket_id ASC
				LIMIT 1
				FOR UPDATE
			)
			UPDATE tickets
			SET status = 'serving', called_at = $3
			FROM next_ticket
			WHERE tickets.ticket_id = next_ticket.ticket_id AND tickets.status = 'waiting'
			RETURNING `+prefixed("tickets."),
			placeID, nullIfEmpty(counterID), calledAt)
		ticket, err := scanTicket(row)
		if err == nil {
			return ticket, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, err
		}
		var waiting bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM tickets
				WHERE place_id = $1 AND counter_id IS NOT DISTINCT FROM $2 AND status = 'waiting'
			)
		`, placeID, nullIfEmpty(counterID)).Scan(&waiting); err != nil {
			return models.Ticket{}, false, err
		}
		if !waiting {
			return models.Ticket{}, false, nil
		}
	}
	return models.Ticket{}, false, nil
}

func (s *Store) Transition(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, translate(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1 FOR UPDATE`, input.TicketID)
	current, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, store.ErrTicketNotFound
		}
		return models.Ticket{}, false, translate(err)
	}
	if err = store.CheckScope(input, current); err != nil {
		return models.Ticket{}, false, err
	}
	to, noop, err := store.ResolveTransition(input.Action, current.Status)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if noop {
		return current, false, translate(tx.Commit(ctx))
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	var closedAt interface{}
	if to.IsTerminal() {
		closedAt = occurredAt
	}
	row = tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $1, closed_at = COALESCE($2, closed_at)
		WHERE ticket_id = $3 AND status = $4
		RETURNING `+ticketColumns,
		string(to), closedAt, input.TicketID, string(current.Status))
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, store.ErrInvalidState
		}
		return models.Ticket{}, false, translate(err)
	}

	if err = insertChange(ctx, tx, store.ChangeForTicket(store.ChangeTypeFor(input.Action), ticket, occurredAt)); err != nil {
		return models.Ticket{}, false, translate(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, translate(err)
	}
	return ticket, true, nil
}

func (s *Store) ClearHistory(ctx context.Context, userID string) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, translate(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		DELETE FROM tickets
		WHERE user_id = $1 AND status IN ('completed', 'cancelled')
	`, userID)
	if err != nil {
		return 0, translate(err)
	}
	removed := int(tag.RowsAffected())
	if removed > 0 {
		change := store.Change{Type: store.ChangeHistoryCleared, UserID: userID, CreatedAt: time.Now().UTC()}
		if err = insertChange(ctx, tx, change); err != nil {
			return 0, translate(err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, translate(err)
	}
	return removed, nil
}

func (s *Store) GetPlace(ctx context.Context, placeID string) (models.Place, error) {
	return getPlace(ctx, s.pool, placeID, false)
}

func (s *Store) GetCounter(ctx context.Context, placeID, counterID string) (models.Counter, error) {
	return getCounter(ctx, s.pool, placeID, counterID, false)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, role, expires_at
		FROM sessions
		WHERE session_id = $1 AND expires_at > now()
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.UserID, &session.Role, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, translate(err)
	}
	return session, nil
}

func (s *Store) ListChanges(ctx context.Context, afterSeq int64, limit int) ([]store.Change, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_seq, type, COALESCE(ticket_id::text, ''), COALESCE(place_id::text, ''), counter_id,
			COALESCE(user_id, ''), COALESCE(status, ''), created_at
		FROM outbox_events
		WHERE event_seq > $1
		ORDER BY event_seq ASC
		LIMIT $2
	`, afterSeq, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var changes []store.Change
	for rows.Next() {
		var change store.Change
		var status string
		var counterIDNull sql.NullString
		if err := rows.Scan(&change.Seq, &change.Type, &change.TicketID, &change.PlaceID, &counterIDNull,
			&change.UserID, &status, &change.CreatedAt); err != nil {
			return nil, translate(err)
		}
		change.Status = models.Status(status)
		change.CounterID = nullStringPtr(counterIDNull)
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return changes, nil
}

func (s *Store) LatestChangeSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(event_seq), 0) FROM outbox_events`).Scan(&seq); err != nil {
		return 0, translate(err)
	}
	return seq, nil
}

func (s *Store) PruneChanges(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM outbox_events WHERE created_at < $1`, before)
	if err != nil {
		return 0, translate(err)
	}
	return tag.RowsAffected(), nil
}

func insertChange(ctx context.Context, tx pgx.Tx, change store.Change) error {
	var counterID interface{}
	if change.CounterID != nil {
		counterID = *change.CounterID
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, ticket_id, place_id, counter_id, user_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.NewString(), change.Type, nullIfEmpty(change.TicketID), nullIfEmpty(change.PlaceID), counterID,
		nullIfEmpty(change.UserID), nullIfEmpty(string(change.Status)), change.CreatedAt)
	return err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getPlace(ctx context.Context, q querier, placeID string, lock bool) (models.Place, error) {
	query := `
		SELECT place_id, owner_id, name, is_approved, average_service_time, COALESCE(current_serving_token, '')
		FROM places
		WHERE place_id = $1`
	if lock {
		query += " FOR UPDATE"
	}
	var place models.Place
	row := q.QueryRow(ctx, query, placeID)
	if err := row.Scan(&place.PlaceID, &place.OwnerID, &place.Name, &place.IsApproved, &place.AverageServiceTime, &place.CurrentServingToken); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Place{}, store.ErrPlaceNotFound
		}
		return models.Place{}, translate(err)
	}
	return place, nil
}

func getCounter(ctx context.Context, q querier, placeID, counterID string, lock bool) (models.Counter, error) {
	query := `
		SELECT counter_id, place_id, name, average_service_time, opening_time, closing_time, COALESCE(current_serving_token, '')
		FROM counters
		WHERE counter_id = $1 AND place_id = $2`
	if lock {
		query += " FOR UPDATE"
	}
	var counter models.Counter
	row := q.QueryRow(ctx, query, counterID, placeID)
	if err := row.Scan(&counter.CounterID, &counter.PlaceID, &counter.Name, &counter.AverageServiceTime, &counter.OpeningTime, &counter.ClosingTime, &counter.CurrentServingToken); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, translate(err)
	}
	return counter, nil
}

func findTicketByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE request_id = $1`, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var status string
	var counterIDNull sql.NullString
	var calledAtNull sql.NullTime
	var closedAtNull sql.NullTime
	var requestIDNull sql.NullString
	if err := row.Scan(&ticket.TicketID, &ticket.PlaceID, &counterIDNull, &ticket.UserID, &ticket.TokenNumber, &status,
		&ticket.EstimatedWait, &ticket.CreatedAt, &ticket.PreferredTime, &ticket.PreferredDate,
		&calledAtNull, &closedAtNull, &requestIDNull); err != nil {
		return models.Ticket{}, err
	}
	ticket.Status = models.Status(status)
	ticket.CounterID = nullStringPtr(counterIDNull)
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.ClosedAt = nullTimePtr(closedAtNull)
	if requestIDNull.Valid {
		ticket.RequestID = requestIDNull.String
	}
	return ticket, nil
}

func collectTickets(rows pgx.Rows) ([]models.Ticket, error) {
	defer rows.Close()
	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, translate(err)
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return tickets, nil
}

func prefixed(prefix string) string {
	return prefix + `ticket_id, ` + prefix + `place_id, ` + prefix + `counter_id, ` + prefix + `user_id, ` +
		prefix + `token_number, ` + prefix + `status, ` + prefix + `estimated_wait, ` + prefix + `created_at,
		COALESCE(` + prefix + `preferred_time, ''), COALESCE(` + prefix + `preferred_date, ''), ` +
		prefix + `called_at, ` + prefix + `closed_at, ` + prefix + `request_id`
}

// translate maps connection-level failures to store.ErrTransport and leaves query and
// constraint errors as they are.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || pgconn.Timeout(err) {
		return store.Transport(err)
	}
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	s := value.String
	return &s
}
