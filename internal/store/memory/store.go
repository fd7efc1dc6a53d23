package memory

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"qms/virtual-queue/internal/models"
	"qms/virtual-queue/internal/store"

	"github.com/google/uuid"
)

const defaultServiceMinutes = 5

// Store keeps the whole ticket table behind one mutex, so every operation is a single
// atomic step against the same state the invariants are checked on.
type Store struct {
	mu        sync.Mutex
	places    map[string]models.Place
	counters  map[string]models.Counter
	tickets   map[string]models.Ticket
	requests  map[string]string
	sessions  map[string]store.Session
	changes   []store.Change
	seq       int64
	lastStamp time.Time
	token     func() int
	now       func() time.Time
}

type Options struct {
	TokenSource func() int
	Clock       func() time.Time
}

func NewStore(options Options) *Store {
	token := options.TokenSource
	if token == nil {
		token = func() int { return store.MinToken + rand.IntN(store.MaxToken) }
	}
	now := options.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		places:   make(map[string]models.Place),
		counters: make(map[string]models.Counter),
		tickets:  make(map[string]models.Ticket),
		requests: make(map[string]string),
		sessions: make(map[string]store.Session),
		token:    token,
		now:      now,
	}
}

func (s *Store) PutPlace(place models.Place) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.places[place.PlaceID] = place
}

func (s *Store) PutCounter(counter models.Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counter.CounterID] = counter
}

func (s *Store) PutSession(session store.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
}

func (s *Store) Join(ctx context.Context, input store.JoinInput) (models.Ticket, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.RequestID != "" {
		if id, ok := s.requests[input.RequestID]; ok {
			existing, ok := s.tickets[id]
			switch {
			case !ok:
				delete(s.requests, input.RequestID)
			case existing.UserID != input.UserID:
				return models.Ticket{}, false, store.ErrRequestIDInUse
			default:
				return existing, false, nil
			}
		}
	}

	place, ok := s.places[input.PlaceID]
	if !ok {
		return models.Ticket{}, false, store.ErrPlaceNotFound
	}
	if !place.IsApproved {
		return models.Ticket{}, false, store.ErrPlaceNotApproved
	}
	var counter *models.Counter
	if input.CounterID != "" {
		c, ok := s.counters[input.CounterID]
		if !ok || c.PlaceID != input.PlaceID {
			return models.Ticket{}, false, store.ErrCounterNotFound
		}
		counter = &c
	}

	for _, t := range s.tickets {
		if t.UserID == input.UserID && t.Status.IsActive() {
			return models.Ticket{}, false, store.ErrAlreadyQueued
		}
	}

	token, err := s.freeToken(input.PlaceID)
	if err != nil {
		return models.Ticket{}, false, err
	}

	ticket := models.Ticket{
		TicketID:      uuid.NewString(),
		PlaceID:       input.PlaceID,
		UserID:        input.UserID,
		TokenNumber:   token,
		Status:        models.StatusWaiting,
		CreatedAt:     s.stamp(input.CreatedAt),
		PreferredTime: input.PreferredTime,
		PreferredDate: input.PreferredDate,
		RequestID:     input.RequestID,
	}
	if counter != nil {
		id := counter.CounterID
		ticket.CounterID = &id
	}
	ahead := 0
	for _, t := range s.tickets {
		if t.Status == models.StatusWaiting && t.SamePartition(ticket) {
			ahead++
		}
	}
	fallback := input.DefaultMinutes
	if fallback <= 0 {
		fallback = defaultServiceMinutes
	}
	ticket.EstimatedWait = store.EstimateWait(ahead, models.ServiceMinutes(place, counter, fallback))

	s.tickets[ticket.TicketID] = ticket
	if input.RequestID != "" {
		s.requests[input.RequestID] = ticket.TicketID
	}
	s.record(store.ChangeTicketJoined, ticket)
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (s *Store) ActiveTicket(ctx context.Context, userID string) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tickets {
		if t.UserID == userID && t.Status.IsActive() {
			return t, true, nil
		}
	}
	return models.Ticket{}, false, nil
}

func (s *Store) CountAhead(ctx context.Context, ticket models.Ticket) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ahead := 0
	for _, t := range s.tickets {
		if t.Status == models.StatusWaiting && t.SamePartition(ticket) && t.Before(ticket) {
			ahead++
		}
	}
	return ahead, nil
}

func (s *Store) ListPartition(ctx context.Context, placeID, counterID string) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partition(placeID, counterID, models.StatusWaiting, models.StatusServing), nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (store.CallNextResult, error) {
	if err := ctx.Err(); err != nil {
		return store.CallNextResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.places[input.PlaceID]; !ok {
		return store.CallNextResult{}, store.ErrPlaceNotFound
	}
	if input.CounterID != "" {
		c, ok := s.counters[input.CounterID]
		if !ok || c.PlaceID != input.PlaceID {
			return store.CallNextResult{}, store.ErrCounterNotFound
		}
	}
	at := input.CalledAt
	if at.IsZero() {
		at = s.now()
	}

	var result store.CallNextResult
	for _, t := range s.partition(input.PlaceID, input.CounterID, models.StatusServing) {
		t.Status = models.StatusCompleted
		closed := at
		t.ClosedAt = &closed
		s.tickets[t.TicketID] = t
		s.record(store.ChangeTicketCompleted, t)
		result.Completed = append(result.Completed, t)
	}

	waiting := s.partition(input.PlaceID, input.CounterID, models.StatusWaiting)
	if len(waiting) == 0 {
		return result, store.ErrQueueEmpty
	}
	next := waiting[0]
	next.Status = models.StatusServing
	called := at
	next.CalledAt = &called
	s.tickets[next.TicketID] = next
	s.record(store.ChangeTicketCalled, next)

	if input.CounterID != "" {
		c := s.counters[input.CounterID]
		c.CurrentServingToken = next.TokenNumber
		s.counters[c.CounterID] = c
	} else {
		p := s.places[input.PlaceID]
		p.CurrentServingToken = next.TokenNumber
		s.places[p.PlaceID] = p
	}
	result.Promoted = next
	result.Token = next.TokenNumber
	return result, nil
}

func (s *Store) Transition(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[input.TicketID]
	if !ok {
		return models.Ticket{}, false, store.ErrTicketNotFound
	}
	if err := store.CheckScope(input, ticket); err != nil {
		return models.Ticket{}, false, err
	}
	to, noop, err := store.ResolveTransition(input.Action, ticket.Status)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if noop {
		return ticket, false, nil
	}
	at := input.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	ticket.Status = to
	if to.IsTerminal() {
		ticket.ClosedAt = &at
	}
	s.tickets[ticket.TicketID] = ticket
	s.record(store.ChangeTypeFor(input.Action), ticket)
	return ticket, true, nil
}

func (s *Store) ClearHistory(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, t := range s.tickets {
		if t.UserID == userID && t.Status.IsTerminal() {
			delete(s.tickets, id)
			if t.RequestID != "" {
				delete(s.requests, t.RequestID)
			}
			removed++
		}
	}
	if removed > 0 {
		s.seq++
		s.changes = append(s.changes, store.Change{Seq: s.seq, Type: store.ChangeHistoryCleared, UserID: userID, CreatedAt: s.now()})
	}
	return removed, nil
}

func (s *Store) GetPlace(ctx context.Context, placeID string) (models.Place, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	place, ok := s.places[placeID]
	if !ok {
		return models.Place{}, store.ErrPlaceNotFound
	}
	return place, nil
}

func (s *Store) GetCounter(ctx context.Context, placeID, counterID string) (models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[counterID]
	if !ok || counter.PlaceID != placeID {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return counter, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok || (!session.ExpiresAt.IsZero() && session.ExpiresAt.Before(s.now())) {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) ListChanges(ctx context.Context, afterSeq int64, limit int) ([]store.Change, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := sort.Search(len(s.changes), func(i int) bool { return s.changes[i].Seq > afterSeq })
	end := idx + limit
	if end > len(s.changes) {
		end = len(s.changes)
	}
	out := make([]store.Change, end-idx)
	copy(out, s.changes[idx:end])
	return out, nil
}

func (s *Store) LatestChangeSeq(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, nil
}

func (s *Store) PruneChanges(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := sort.Search(len(s.changes), func(i int) bool { return !s.changes[i].CreatedAt.Before(before) })
	s.changes = append([]store.Change(nil), s.changes[idx:]...)
	return int64(idx), nil
}

func (s *Store) partition(placeID, counterID string, statuses ...models.Status) []models.Ticket {
	var out []models.Ticket
	for _, t := range s.tickets {
		if t.PlaceID != placeID || t.Counter() != counterID {
			continue
		}
		for _, status := range statuses {
			if t.Status == status {
				out = append(out, t)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (s *Store) freeToken(placeID string) (string, error) {
	for attempt := 0; attempt < store.MaxTokenAttempts; attempt++ {
		token := store.FormatToken(s.token())
		taken := false
		for _, t := range s.tickets {
			if t.PlaceID == placeID && t.Status.IsActive() && t.TokenNumber == token {
				taken = true
				break
			}
		}
		if !taken {
			return token, nil
		}
	}
	return "", store.ErrTokenExhausted
}

// stamp keeps creation times strictly increasing at microsecond resolution so that join
// order is the FIFO order even when the clock does not advance between joins.
func (s *Store) stamp(requested time.Time) time.Time {
	at := requested
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC().Truncate(time.Microsecond)
	if !at.After(s.lastStamp) {
		at = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = at
	return at
}

func (s *Store) record(changeType string, ticket models.Ticket) {
	s.seq++
	change := store.ChangeForTicket(changeType, ticket, s.now())
	change.Seq = s.seq
	s.changes = append(s.changes, change)
}
