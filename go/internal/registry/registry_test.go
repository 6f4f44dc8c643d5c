package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Jorewin/planning-poker/go/internal/models"
	"github.com/Jorewin/planning-poker/go/internal/pointer"
)

var errGone = errors.New("gone")

type fakeFetcher struct {
	mu        sync.Mutex
	snapshots map[string]models.Snapshot
	sessions  []models.SessionSummary
	calls     int
}

func (f *fakeFetcher) GetSession(ctx context.Context, ident models.Identity, id string) (models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	snap, ok := f.snapshots[id]
	if !ok {
		return models.Snapshot{}, errGone
	}
	return snap, nil
}

func (f *fakeFetcher) GetSessions(ctx context.Context, ident models.Identity) ([]models.SessionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.SessionSummary(nil), f.sessions...), nil
}

type recordingListener struct {
	mu          sync.Mutex
	activated   []string
	deactivated []string
}

func (l *recordingListener) SessionActivated(id string, epoch uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activated = append(l.activated, id)
}

func (l *recordingListener) SessionDeactivated(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deactivated = append(l.deactivated, id)
}

var alice = models.Identity{Token: "tok", Username: "alice"}

func newFixture() (*Registry, *fakeFetcher, *pointer.MemoryStore, *recordingListener) {
	f := &fakeFetcher{snapshots: map[string]models.Snapshot{
		"a": {ID: "a", Code: "AAAAA", IsOwner: true, Players: []models.Player{{ID: "alice", Name: "alice"}}},
		"b": {ID: "b", Code: "BBBBB", Players: []models.Player{{ID: "alice", Name: "alice"}, {ID: "bob", Name: "bob"}}},
	}}
	p := pointer.NewMemoryStore()
	l := &recordingListener{}
	r := New(f, p, WithListener(l), WithNotFound(func(err error) bool { return errors.Is(err, errGone) }))
	return r, f, p, l
}

func TestActivateSwitchesAndPersists(t *testing.T) {
	r, _, p, l := newFixture()
	ctx := context.Background()

	if err := r.Activate(ctx, alice, "a"); err != nil {
		t.Fatalf("activate a: %v", err)
	}
	_, epochA, _ := r.Handle()
	if err := r.Activate(ctx, alice, "b"); err != nil {
		t.Fatalf("activate b: %v", err)
	}

	id, epochB, ok := r.Handle()
	if !ok || id != "b" {
		t.Fatalf("expected b active, got %q %v", id, ok)
	}
	if epochB <= epochA {
		t.Fatalf("epoch did not advance: %d -> %d", epochA, epochB)
	}
	if got := r.State("a"); got != StateTracked {
		t.Fatalf("expected a tracked, got %s", got)
	}
	if saved, ok, _ := p.Load(); !ok || saved != "b" {
		t.Fatalf("expected pointer b, got %q %v", saved, ok)
	}
	if len(r.Tracked()) != 2 {
		t.Fatalf("expected 2 tracked sessions, got %d", len(r.Tracked()))
	}
	if len(l.activated) != 2 || len(l.deactivated) != 1 || l.deactivated[0] != "a" {
		t.Fatalf("unexpected listener calls: %+v", l)
	}
}

func TestActivateFailureKeepsPreviousState(t *testing.T) {
	r, _, p, _ := newFixture()
	ctx := context.Background()
	if err := r.Activate(ctx, alice, "a"); err != nil {
		t.Fatal(err)
	}
	if err := r.Activate(ctx, alice, "missing"); err == nil {
		t.Fatal("expected error")
	}
	if id, _, _ := r.Handle(); id != "a" {
		t.Fatalf("expected a to stay active, got %q", id)
	}
	if saved, _, _ := p.Load(); saved != "a" {
		t.Fatalf("pointer changed to %q", saved)
	}
}

func TestActivateSameSessionIsNoop(t *testing.T) {
	r, f, _, _ := newFixture()
	ctx := context.Background()
	_ = r.Activate(ctx, alice, "a")
	_, epoch, _ := r.Handle()
	_ = r.Activate(ctx, alice, "a")
	if _, again, _ := r.Handle(); again != epoch {
		t.Fatalf("epoch changed on re-activation")
	}
	if f.calls != 1 {
		t.Fatalf("expected a single fetch, got %d", f.calls)
	}
}

func TestForgetActiveClearsPointer(t *testing.T) {
	r, _, p, l := newFixture()
	_ = r.Activate(context.Background(), alice, "a")
	r.Forget("a")

	if r.Active() != nil {
		t.Fatal("expected no active session")
	}
	if r.State("a") != StateGone {
		t.Fatalf("expected gone, got %s", r.State("a"))
	}
	if _, ok, _ := p.Load(); ok {
		t.Fatal("expected pointer cleared")
	}
	if len(r.Tracked()) != 0 {
		t.Fatalf("expected empty tracked list, got %v", r.Tracked())
	}
	if len(l.deactivated) != 1 {
		t.Fatalf("expected a deactivation, got %v", l.deactivated)
	}
}

func TestRestore(t *testing.T) {
	t.Run("authenticated", func(t *testing.T) {
		r, _, p, _ := newFixture()
		_ = p.Save("b")
		r.Restore(context.Background(), alice)
		if id, _, ok := r.Handle(); !ok || id != "b" {
			t.Fatalf("expected b restored, got %q", id)
		}
	})
	t.Run("anonymous", func(t *testing.T) {
		r, _, p, _ := newFixture()
		_ = p.Save("b")
		r.Restore(context.Background(), models.Identity{Token: "tok"})
		if r.Active() != nil {
			t.Fatal("anonymous identity must not restore")
		}
	})
	t.Run("gone", func(t *testing.T) {
		r, _, p, _ := newFixture()
		_ = p.Save("missing")
		r.Restore(context.Background(), alice)
		if r.Active() != nil {
			t.Fatal("expected no active session")
		}
		if _, ok, _ := p.Load(); ok {
			t.Fatal("expected pointer cleared")
		}
	})
}

func TestRefreshReplacesOwnership(t *testing.T) {
	r, f, _, _ := newFixture()
	ctx := context.Background()
	_ = r.Activate(ctx, alice, "a")

	f.sessions = []models.SessionSummary{{ID: "a", Code: "AAAAA", IsOwner: false}, {ID: "c", Code: "CCCCC", IsOwner: true}}
	if err := r.Refresh(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if r.Active().IsOwner {
		t.Fatal("ownership should follow the store")
	}
	got := r.Tracked()
	if len(got) != 2 || got[1].ID != "c" || !got[1].IsOwner {
		t.Fatalf("unexpected tracked list: %+v", got)
	}
	if s, ok := r.Lookup("CCCCC"); !ok || s.ID != "c" {
		t.Fatalf("lookup by code failed: %+v %v", s, ok)
	}
	if s, ok := r.Lookup("ccccc"); !ok || s.ID != "c" {
		t.Fatalf("lookup by lower-case code failed: %+v %v", s, ok)
	}
}

func TestUpdateRejectsStaleEpoch(t *testing.T) {
	r, _, _, _ := newFixture()
	ctx := context.Background()
	_ = r.Activate(ctx, alice, "a")
	_, epoch, _ := r.Handle()
	_ = r.Activate(ctx, alice, "b")

	called := false
	err := r.Update(epoch, func(e *Entry) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrStale) || called {
		t.Fatalf("expected ErrStale without calling fn, got %v called=%v", err, called)
	}
}

func TestUpdateRecomputesAndRecordsHistory(t *testing.T) {
	r, _, _, _ := newFixture()
	_ = r.Activate(context.Background(), alice, "b")
	_, epoch, _ := r.Handle()

	vote := func(id string, v models.CardValue) {
		t.Helper()
		err := r.Update(epoch, func(e *Entry) error {
			p, _ := e.Session.Player(id)
			p.Selection = models.Card(v)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	vote("alice", 5)
	if r.Active().Result != nil {
		t.Fatal("result must be absent while a player has not voted")
	}
	vote("bob", 5)
	s := r.Active()
	if s.Result == nil || s.Result.Average != 5 || s.Result.Consensus != 1 {
		t.Fatalf("unexpected result %+v", s.Result)
	}
	if len(s.History) != 1 {
		t.Fatalf("expected one resolved round, got %d", len(s.History))
	}

	vote("bob", 8)
	if len(r.Active().History) != 1 {
		t.Fatal("a changed vote in a resolved round is not a new round")
	}
}

func TestActiveReturnsCopy(t *testing.T) {
	r, _, _, _ := newFixture()
	_ = r.Activate(context.Background(), alice, "a")
	s := r.Active()
	s.Players[0].Name = "mallory"
	if r.Active().Players[0].Name != "alice" {
		t.Fatal("Active leaked internal state")
	}
}

func TestHistorySurvivesSwitchingSessions(t *testing.T) {
	r, f, _, _ := newFixture()
	ctx := context.Background()
	_ = r.Activate(ctx, alice, "a")
	_, epoch, _ := r.Handle()

	err := r.Update(epoch, func(e *Entry) error {
		p, _ := e.Session.Player("alice")
		p.Selection = models.Card(3)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	f.snapshots["a"] = models.Snapshot{ID: "a", Code: "AAAAA", IsOwner: true, Players: []models.Player{
		{ID: "alice", Name: "alice", Selection: models.Card(3)},
	}}
	f.mu.Unlock()

	_ = r.Activate(ctx, alice, "b")
	if n := len(r.Active().History); n != 0 {
		t.Fatalf("b has no rounds yet, got %d", n)
	}
	_ = r.Activate(ctx, alice, "a")
	s := r.Active()
	if len(s.History) != 1 || s.History[0].Average != 3 {
		t.Fatalf("history of a must be kept without duplicating the open round: %+v", s.History)
	}

	_, epoch, _ = r.Handle()
	for _, v := range []*models.CardValue{nil, models.Card(8)} {
		err := r.Update(epoch, func(e *Entry) error {
			p, _ := e.Session.Player("alice")
			p.Selection = v
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if n := len(r.Active().History); n != 2 {
		t.Fatalf("a new round after switching back must be recorded, got %d", n)
	}

	r.Deactivate()
	r.Forget("a")
	if _, ok := r.parked["a"]; ok {
		t.Fatal("a forgotten session must not keep its history")
	}
}
