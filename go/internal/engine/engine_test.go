package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Jorewin/planning-poker/go/clients/jsonrpc"
	"github.com/Jorewin/planning-poker/go/internal/dispatch"
	"github.com/Jorewin/planning-poker/go/internal/gateway"
	"github.com/Jorewin/planning-poker/go/internal/identity"
	"github.com/Jorewin/planning-poker/go/internal/pointer"
	"github.com/Jorewin/planning-poker/go/internal/poller"
	"github.com/Jorewin/planning-poker/go/internal/rpcserver"
	"github.com/Jorewin/planning-poker/go/internal/store"
	"github.com/jonboulle/clockwork"
)

type harness struct {
	gw    *gateway.Client
	clock *clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle(jsonrpc.DefaultPath, rpcserver.NewHandler(store.NewMemoryStore()))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &harness{
		gw:    gateway.NewClient(jsonrpc.NewClient(srv.URL, srv.Client())),
		clock: clockwork.NewFakeClock(),
	}
}

func (h *harness) engine(t *testing.T, user string, ptr pointer.Store) (*Engine, *identity.Holder) {
	t.Helper()
	holder := identity.NewHolder()
	holder.Set(user)
	e := New(h.gw, ptr, holder, Options{
		Clock:    h.clock,
		NotFound: gateway.IsNotFound,
	})
	e.Start(context.Background())
	t.Cleanup(e.Close)
	return e, holder
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTwoPlayersReachAResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, _ := h.engine(t, "alice", pointer.NewMemoryStore())
	bob, _ := h.engine(t, "bob", pointer.NewMemoryStore())

	created, err := alice.Execute(ctx, dispatch.CreateSession{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := bob.Execute(ctx, dispatch.JoinSession{Code: created.Session.Code}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := alice.Execute(ctx, dispatch.Vote{Value: 5}); err != nil {
		t.Fatalf("alice vote: %v", err)
	}
	if _, err := bob.Execute(ctx, dispatch.Vote{Value: 8}); err != nil {
		t.Fatalf("bob vote: %v", err)
	}
	if !bob.VotingDisabled() {
		t.Fatal("bob must clear before voting again")
	}

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(wctx, 2); err != nil {
		t.Fatalf("pollers not running: %v", err)
	}
	h.clock.Advance(poller.DefaultInterval)

	for _, e := range []*Engine{alice, bob} {
		eventually(t, "round result", func() bool {
			s := e.Active()
			return s != nil && s.Result != nil
		})
		s := e.Active()
		if s.Result.Average != 8 || s.Result.Consensus != 0 {
			t.Fatalf("unexpected result %+v", s.Result)
		}
		if len(s.History) != 1 {
			t.Fatalf("expected one resolved round, got %d", len(s.History))
		}
	}
}

func TestRestoreAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ptr := pointer.NewFileStore(filepath.Join(t.TempDir(), "state.yaml"))

	first, _ := h.engine(t, "carol", ptr)
	created, err := first.Execute(ctx, dispatch.CreateSession{})
	if err != nil {
		t.Fatal(err)
	}
	first.Close()

	second, _ := h.engine(t, "carol", ptr)
	s := second.Active()
	if s == nil || s.ID != created.Session.ID {
		t.Fatalf("expected %s restored, got %+v", created.Session.ID, s)
	}
	if len(second.Tracked()) != 1 {
		t.Fatalf("expected the tracked list to be loaded, got %+v", second.Tracked())
	}
}

func TestLogoutDropsActiveSession(t *testing.T) {
	h := newHarness(t)
	ptr := pointer.NewMemoryStore()
	e, holder := h.engine(t, "dave", ptr)

	if _, err := e.Execute(context.Background(), dispatch.CreateSession{}); err != nil {
		t.Fatal(err)
	}
	holder.Clear()

	if e.Active() != nil {
		t.Fatal("logout must deactivate the session")
	}
	if _, ok, _ := ptr.Load(); ok {
		t.Fatal("logout must clear the persisted pointer")
	}
	if len(e.Tracked()) != 0 {
		t.Fatalf("anonymous identity has no sessions, got %+v", e.Tracked())
	}
	if !e.VotingDisabled() {
		t.Fatal("voting must be disabled without an identity")
	}

	holder.Set("dave")
	if len(e.Tracked()) != 1 {
		t.Fatalf("login must reload the tracked list, got %+v", e.Tracked())
	}
}
