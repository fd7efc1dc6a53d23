package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qms/virtual-queue/internal/feed"
	"qms/virtual-queue/internal/models"
	"qms/virtual-queue/internal/store"

	"github.com/cenkalti/backoff/v5"
)

type fakeAPI struct {
	activeFn       func(ctx context.Context) (models.TicketStatus, bool, error)
	joinFn         func(ctx context.Context, req JoinRequest) (models.Ticket, error)
	cancelFn       func(ctx context.Context, ticketID string) (models.Ticket, error)
	selfCompleteFn func(ctx context.Context, ticketID string) (models.Ticket, error)
	historyFn      func(ctx context.Context) (int, error)
}

func (f fakeAPI) Active(ctx context.Context) (models.TicketStatus, bool, error) {
	if f.activeFn == nil {
		return models.TicketStatus{}, false, nil
	}
	return f.activeFn(ctx)
}

func (f fakeAPI) Join(ctx context.Context, req JoinRequest) (models.Ticket, error) {
	if f.joinFn == nil {
		return models.Ticket{}, nil
	}
	return f.joinFn(ctx, req)
}

func (f fakeAPI) Cancel(ctx context.Context, ticketID string) (models.Ticket, error) {
	if f.cancelFn == nil {
		return models.Ticket{}, nil
	}
	return f.cancelFn(ctx, ticketID)
}

func (f fakeAPI) SelfComplete(ctx context.Context, ticketID string) (models.Ticket, error) {
	if f.selfCompleteFn == nil {
		return models.Ticket{}, nil
	}
	return f.selfCompleteFn(ctx, ticketID)
}

func (f fakeAPI) ClearHistory(ctx context.Context) (int, error) {
	if f.historyFn == nil {
		return 0, nil
	}
	return f.historyFn(ctx)
}

type recordingScheduler struct {
	mu    sync.Mutex
	syncs [][]models.Ticket
}

func (r *recordingScheduler) Sync(tickets []models.Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncs = append(r.syncs, tickets)
}

func (r *recordingScheduler) last() []models.Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.syncs) == 0 {
		return nil
	}
	return r.syncs[len(r.syncs)-1]
}

// serverState is a tiny stand-in for the service's view of one user.
type serverState struct {
	mu      sync.Mutex
	ticket  models.Ticket
	active  bool
	queries int
}

func (s *serverState) api() fakeAPI {
	return fakeAPI{
		activeFn: func(ctx context.Context) (models.TicketStatus, bool, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.queries++
			return models.TicketStatus{Ticket: s.ticket}, s.active, nil
		},
		joinFn: func(ctx context.Context, req JoinRequest) (models.Ticket, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.active {
				return models.Ticket{}, store.ErrAlreadyQueued
			}
			s.ticket = models.Ticket{TicketID: "t1", PlaceID: req.PlaceID, UserID: "u1", Status: models.StatusWaiting}
			s.active = true
			return s.ticket, nil
		},
		cancelFn: func(ctx context.Context, ticketID string) (models.Ticket, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.ticket.Status = models.StatusCancelled
			s.active = false
			return s.ticket, nil
		},
	}
}

func (s *serverState) set(status models.Status, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticket.Status = status
	s.active = active
}

func TestSessionReconcilesAfterCommands(t *testing.T) {
	state := &serverState{}
	scheduler := &recordingScheduler{}
	var updates []models.Status
	session := NewSession(state.api(), SessionOptions{
		Scheduler: scheduler,
		OnUpdate: func(status models.TicketStatus, active bool) {
			updates = append(updates, status.Ticket.Status)
		},
	})
	ctx := context.Background()

	status, err := session.Join(ctx, JoinRequest{PlaceID: "p1"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if status.Ticket.Status != models.StatusWaiting {
		t.Fatalf("expected waiting, got %s", status.Ticket.Status)
	}
	if got := scheduler.last(); len(got) != 1 || got[0].TicketID != "t1" {
		t.Fatalf("expected scheduler armed with t1, got %+v", got)
	}

	if _, err := session.Join(ctx, JoinRequest{PlaceID: "p1"}); !errors.Is(err, store.ErrAlreadyQueued) {
		t.Fatalf("expected already queued, got %v", err)
	}
	if _, active := session.Current(); !active {
		t.Fatalf("expected cache to keep the held ticket")
	}

	if err := session.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, active := session.Current(); active {
		t.Fatalf("expected no active ticket after cancel")
	}
	if got := scheduler.last(); len(got) != 0 {
		t.Fatalf("expected scheduler cleared, got %+v", got)
	}
	if len(updates) != 3 || updates[2] != models.StatusCancelled {
		t.Fatalf("unexpected update sequence %v", updates)
	}
}

func TestSessionCancelWithoutTicketIsNoop(t *testing.T) {
	state := &serverState{}
	session := NewSession(state.api(), SessionOptions{})
	if err := session.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if state.queries != 1 {
		t.Fatalf("expected one refresh, got %d", state.queries)
	}
}

func TestSessionRefreshesOnlyOnRelevantChanges(t *testing.T) {
	state := &serverState{}
	session := NewSession(state.api(), SessionOptions{})
	ctx := context.Background()
	if _, err := session.Join(ctx, JoinRequest{PlaceID: "p1"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	counter := "c9"
	before := session.Version()

	session.HandleChange(ctx, store.Change{Seq: 1, Type: store.ChangeTicketJoined, TicketID: "x", PlaceID: "p2"})
	session.HandleChange(ctx, store.Change{Seq: 2, Type: store.ChangeTicketJoined, TicketID: "x", PlaceID: "p1", CounterID: &counter})
	if session.Version() != before {
		t.Fatalf("expected other lines to be ignored")
	}

	state.set(models.StatusServing, true)
	session.HandleChange(ctx, store.Change{Seq: 3, Type: store.ChangeTicketCalled, TicketID: "t1", PlaceID: "p1"})
	status, active := session.Current()
	if !active || status.Ticket.Status != models.StatusServing {
		t.Fatalf("expected serving after change, got %+v", status)
	}

	state.set(models.StatusWaiting, true)
	session.HandleChange(ctx, store.Change{Seq: 4, Type: store.ChangeTicketCancelled, TicketID: "y", PlaceID: "p1"})
	if status, _ := session.Current(); status.Ticket.Status != models.StatusWaiting {
		t.Fatalf("expected same-line change to refresh")
	}
}

func TestParseFrames(t *testing.T) {
	frame, err := parseFrame(frameClose, []byte(`[4002,"invalid session"]`))
	if err != nil || frame.code != 4002 || frame.reason != "invalid session" {
		t.Fatalf("unexpected close frame %+v (%v)", frame, err)
	}
	frame, err = parseFrame(frameMessages, []byte(`["one","two"]`))
	if err != nil || len(frame.messages) != 2 {
		t.Fatalf("unexpected message frame %+v (%v)", frame, err)
	}
	if _, err := parseFrame("x", nil); err == nil {
		t.Fatalf("expected unknown frame to fail")
	}
}

func TestFeedDrivesSession(t *testing.T) {
	env := newTestServer(t)
	poller := feed.NewPoller(env.store, env.hub, feed.PollerOptions{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = poller.Run(ctx) }()

	user := New(env.server.URL, "user-session", fastOptions())
	staff := New(env.server.URL, "staff-session", fastOptions())
	scheduler := &recordingScheduler{}
	session := NewSession(user, SessionOptions{Scheduler: scheduler})

	connected := make(chan struct{}, 4)
	subscriber := NewSubscriber(env.server.URL, "user-session", []feed.SubscribeMessage{
		{Action: feed.ActionSubscribe, Self: true},
	}, SubscriberOptions{BackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} }})
	runDone := make(chan error, 1)
	go func() {
		runDone <- subscriber.Run(ctx, Handlers{
			Connected: func(ctx context.Context) {
				session.Resync(ctx)
				connected <- struct{}{}
			},
			Change: session.HandleChange,
		})
	}()

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatalf("feed never connected")
	}

	joined, err := session.Join(ctx, JoinRequest{PlaceID: testPlaceID})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	ticket := joined.Ticket
	if _, err := staff.CallNext(ctx, testPlaceID, ""); err != nil {
		t.Fatalf("call next: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		status, active := session.Current()
		if active && status.Ticket.TicketID == ticket.TicketID && status.Ticket.Status == models.StatusServing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never saw the call, last %+v", status)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := scheduler.last(); len(got) != 1 || got[0].Status != models.StatusServing {
		t.Fatalf("expected scheduler synced with serving ticket, got %+v", got)
	}

	cancel()
	select {
	case err := <-runDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancellation, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("subscriber did not stop")
	}
}

func TestSubscriberStopsOnRejectedSession(t *testing.T) {
	env := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subscriber := NewSubscriber(env.server.URL, "expired", nil, SubscriberOptions{
		BackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	err := subscriber.Run(ctx, Handlers{})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
