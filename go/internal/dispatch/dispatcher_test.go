package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"connectrpc.com/connect"
	"github.com/Jorewin/planning-poker/go/internal/models"
	"github.com/Jorewin/planning-poker/go/internal/pointer"
	"github.com/Jorewin/planning-poker/go/internal/registry"
	"github.com/jonboulle/clockwork"
)

var (
	alice   = models.Identity{Token: "tok-a", Username: "alice"}
	errDown = connect.NewError(connect.CodeUnavailable, errors.New("store unreachable"))
)

// fakeGateway serves snapshots to the registry and records mutations.
type fakeGateway struct {
	mu        sync.Mutex
	snapshots map[string]models.Snapshot
	calls     []string
	fail      map[string]error
	during    func(method string)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		snapshots: map[string]models.Snapshot{
			"s1": {ID: "s1", Code: "ABCDE", IsOwner: true, Players: []models.Player{
				{ID: "alice", Name: "alice"},
				{ID: "bob", Name: "bob", Selection: models.Card(8)},
				{ID: "carol", Name: "carol"},
			}, Stories: []models.Story{{ID: "st1", Summary: "login", Tasks: []models.Task{{ID: "t1", Summary: "form", Estimation: 3}}}}},
			"s2": {ID: "s2", Code: "FGHIJ", Players: []models.Player{{ID: "alice", Name: "alice"}}},
		},
		fail: map[string]error{},
	}
}

func (g *fakeGateway) record(method string) error {
	g.mu.Lock()
	g.calls = append(g.calls, method)
	err := g.fail[method]
	during := g.during
	g.mu.Unlock()
	if during != nil {
		during(method)
	}
	return err
}

func (g *fakeGateway) count(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (g *fakeGateway) GetSession(ctx context.Context, ident models.Identity, id string) (models.Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap, ok := g.snapshots[id]
	if !ok {
		return models.Snapshot{}, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %s", id))
	}
	return snap, nil
}

func (g *fakeGateway) GetSessions(ctx context.Context, ident models.Identity) ([]models.SessionSummary, error) {
	return []models.SessionSummary{{ID: "s1", Code: "ABCDE", IsOwner: true}, {ID: "s2", Code: "FGHIJ"}}, nil
}

func (g *fakeGateway) CreateSession(ctx context.Context, ident models.Identity) (models.SessionSummary, error) {
	if err := g.record("create_session"); err != nil {
		return models.SessionSummary{}, err
	}
	g.mu.Lock()
	g.snapshots["new"] = models.Snapshot{ID: "new", Code: "NEWNE", IsOwner: true, Players: []models.Player{{ID: ident.PlayerID()}}}
	g.mu.Unlock()
	return models.SessionSummary{ID: "new", Code: "NEWNE"}, nil
}

func (g *fakeGateway) JoinSession(ctx context.Context, ident models.Identity, code string) (models.SessionSummary, error) {
	if err := g.record("join_session"); err != nil {
		return models.SessionSummary{}, err
	}
	for _, s := range g.snapshots {
		if s.Code == code {
			return models.SessionSummary{ID: s.ID, Code: s.Code}, nil
		}
	}
	return models.SessionSummary{}, connect.NewError(connect.CodeNotFound, errors.New(code))
}

func (g *fakeGateway) LeaveSession(ctx context.Context, ident models.Identity, id string) error {
	return g.record("leave_session")
}

func (g *fakeGateway) MakeSelection(ctx context.Context, ident models.Identity, id string, v models.CardValue) error {
	return g.record("make_selection")
}

func (g *fakeGateway) ResetSelection(ctx context.Context, ident models.Identity, id string) error {
	return g.record("reset_selection")
}

func (g *fakeGateway) CreateStory(ctx context.Context, ident models.Identity, id string, st models.Story) error {
	return g.record("create_story")
}

func (g *fakeGateway) DeleteStory(ctx context.Context, ident models.Identity, id, storyID string) error {
	return g.record("delete_story")
}

func (g *fakeGateway) CreateTask(ctx context.Context, ident models.Identity, id, storyID string, t models.Task) error {
	return g.record("create_task")
}

func (g *fakeGateway) DeleteTask(ctx context.Context, ident models.Identity, id, storyID, taskID string) error {
	return g.record("delete_task")
}

func (g *fakeGateway) ForceSelections(ctx context.Context, ident models.Identity, id string) error {
	return g.record("force_selections")
}

func (g *fakeGateway) ResetRound(ctx context.Context, ident models.Identity, id string) error {
	return g.record("reset_round")
}

type fixture struct {
	gw  *fakeGateway
	reg *registry.Registry
	ptr *pointer.MemoryStore
	d   *Dispatcher
}

func newFixture(t *testing.T, active string) *fixture {
	t.Helper()
	gw := newFakeGateway()
	ptr := pointer.NewMemoryStore()
	reg := registry.New(gw, ptr)
	ids := 0
	d := New(gw, reg, WithClock(clockwork.NewFakeClock()), WithIDs(func() string {
		ids++
		return fmt.Sprintf("id-%d", ids)
	}))
	if active != "" {
		if err := reg.Refresh(context.Background(), alice); err != nil {
			t.Fatal(err)
		}
		if err := reg.Activate(context.Background(), alice, active); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{gw: gw, reg: reg, ptr: ptr, d: d}
}

func (f *fixture) own() *models.CardValue {
	p, _ := f.reg.Active().Player("alice")
	return p.Selection
}

func TestVoteIsOptimistic(t *testing.T) {
	f := newFixture(t, "s1")
	var seen *models.CardValue
	f.gw.during = func(method string) {
		seen = f.own()
	}

	if _, err := f.d.Execute(context.Background(), alice, Vote{Value: 5}); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if seen == nil || *seen != 5 {
		t.Fatal("selection must be visible before the store answers")
	}
	if sel := f.own(); sel == nil || *sel != 5 {
		t.Fatalf("vote not kept after confirmation: %v", sel)
	}
}

func TestVoteRollsBackOnFailure(t *testing.T) {
	f := newFixture(t, "s1")
	f.gw.fail["make_selection"] = errDown

	_, err := f.d.Execute(context.Background(), alice, Vote{Value: 5})
	if connect.CodeOf(err) != connect.CodeUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if f.own() != nil {
		t.Fatal("failed vote must revert to no selection")
	}
}

func TestVotePreconditions(t *testing.T) {
	tests := []struct {
		name  string
		ident models.Identity
		cmd   Vote
		setup func(f *fixture)
		want  error
	}{
		{name: "invalid card", ident: alice, cmd: Vote{Value: 4}, want: models.ErrInvalidCard},
		{name: "anonymous", ident: models.Identity{Token: "anon"}, cmd: Vote{Value: 5}, want: models.ErrNotAuthenticated},
		{name: "not a player", ident: models.Identity{Token: "t", Username: "mallory"}, cmd: Vote{Value: 5}, want: models.ErrNotPlayer},
		{
			name:  "already voted",
			ident: alice,
			cmd:   Vote{Value: 8},
			setup: func(f *fixture) {
				if _, err := f.d.Execute(context.Background(), alice, Vote{Value: 5}); err != nil {
					t.Fatal(err)
				}
			},
			want: models.ErrActionDisabled,
		},
		{
			name:  "no active session",
			ident: alice,
			cmd:   Vote{Value: 5},
			setup: func(f *fixture) { f.reg.Deactivate() },
			want:  models.ErrNoActiveSession,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "s1")
			if tt.setup != nil {
				tt.setup(f)
			}
			before := f.gw.count("make_selection")
			_, err := f.d.Execute(context.Background(), tt.ident, tt.cmd)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if f.gw.count("make_selection") != before {
				t.Fatal("no network call expected")
			}
		})
	}
}

func TestClearVoteTwiceIsHarmless(t *testing.T) {
	f := newFixture(t, "s1")
	ctx := context.Background()
	if _, err := f.d.Execute(ctx, alice, Vote{Value: 13}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.d.Execute(ctx, alice, ClearVote{}); err != nil {
			t.Fatalf("clear %d: %v", i, err)
		}
		if f.own() != nil {
			t.Fatalf("selection present after clear %d", i)
		}
	}
	if n := f.gw.count("reset_selection"); n != 2 {
		t.Fatalf("expected 2 reset calls, got %d", n)
	}
	if _, err := f.d.Execute(ctx, alice, Vote{Value: 21}); err != nil {
		t.Fatalf("re-vote after clear: %v", err)
	}
}

func TestClearVoteRollsBack(t *testing.T) {
	f := newFixture(t, "s1")
	ctx := context.Background()
	_, _ = f.d.Execute(ctx, alice, Vote{Value: 3})
	f.gw.fail["reset_selection"] = errDown

	if _, err := f.d.Execute(ctx, alice, ClearVote{}); err == nil {
		t.Fatal("expected error")
	}
	if sel := f.own(); sel == nil || *sel != 3 {
		t.Fatalf("expected selection 3 restored, got %v", sel)
	}
}

func TestStories(t *testing.T) {
	f := newFixture(t, "s1")
	ctx := context.Background()

	res, err := f.d.Execute(ctx, alice, AddStory{Summary: " checkout ", Description: "cart"})
	if err != nil {
		t.Fatal(err)
	}
	st, ok := f.reg.Active().Story(res.StoryID)
	if !ok || st.Summary != "checkout" {
		t.Fatalf("story not added: %+v", f.reg.Active().Stories)
	}

	if _, err := f.d.Execute(ctx, alice, AddStory{Summary: "  "}); !errors.Is(err, models.ErrEmptySummary) {
		t.Fatalf("expected empty summary error, got %v", err)
	}

	f.gw.fail["create_story"] = errDown
	if _, err := f.d.Execute(ctx, alice, AddStory{Summary: "doomed"}); err == nil {
		t.Fatal("expected error")
	}
	if n := len(f.reg.Active().Stories); n != 2 {
		t.Fatalf("failed add must be rolled back, have %d stories", n)
	}

	f.gw.fail["delete_story"] = errDown
	if _, err := f.d.Execute(ctx, alice, DeleteStory{StoryID: "st1"}); err == nil {
		t.Fatal("expected error")
	}
	if s := f.reg.Active(); len(s.Stories) != 2 || s.Stories[0].ID != "st1" {
		t.Fatalf("failed delete must restore the story in place: %+v", s.Stories)
	}

	delete(f.gw.fail, "delete_story")
	if _, err := f.d.Execute(ctx, alice, DeleteStory{StoryID: "st1"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.reg.Active().Story("st1"); ok {
		t.Fatal("story still present")
	}
	if _, err := f.d.Execute(ctx, alice, DeleteStory{StoryID: "st1"}); connect.CodeOf(err) != connect.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTasks(t *testing.T) {
	f := newFixture(t, "s1")
	ctx := context.Background()

	if _, err := f.d.Execute(ctx, alice, AddTask{StoryID: "st1", Summary: "api", Estimation: 7}); !errors.Is(err, models.ErrInvalidCard) {
		t.Fatalf("expected invalid card, got %v", err)
	}
	if _, err := f.d.Execute(ctx, alice, AddTask{StoryID: "nope", Summary: "api", Estimation: 5}); !errors.Is(err, models.ErrStoryNotFound) {
		t.Fatalf("expected story not found, got %v", err)
	}

	res, err := f.d.Execute(ctx, alice, AddTask{StoryID: "st1", Summary: "api", Estimation: 5})
	if err != nil {
		t.Fatal(err)
	}
	st, _ := f.reg.Active().Story("st1")
	if len(st.Tasks) != 2 || st.Tasks[1].ID != res.TaskID {
		t.Fatalf("task not appended: %+v", st.Tasks)
	}

	f.gw.fail["delete_task"] = errDown
	if _, err := f.d.Execute(ctx, alice, DeleteTask{StoryID: "st1", TaskID: "t1"}); err == nil {
		t.Fatal("expected error")
	}
	st, _ = f.reg.Active().Story("st1")
	if len(st.Tasks) != 2 || st.Tasks[0].ID != "t1" {
		t.Fatalf("failed delete must restore the task in place: %+v", st.Tasks)
	}

	f.gw.fail["delete_task"] = connect.NewError(connect.CodeNotFound, errors.New("already gone"))
	if _, err := f.d.Execute(ctx, alice, DeleteTask{StoryID: "st1", TaskID: "t1"}); err != nil {
		t.Fatalf("deleting a task the store no longer has should succeed: %v", err)
	}
	st, _ = f.reg.Active().Story("st1")
	if len(st.Tasks) != 1 {
		t.Fatalf("expected one task left, got %+v", st.Tasks)
	}
}

func TestForceSelections(t *testing.T) {
	t.Run("owner", func(t *testing.T) {
		f := newFixture(t, "s1")
		ctx := context.Background()
		if _, err := f.d.Execute(ctx, alice, Vote{Value: 5}); err != nil {
			t.Fatal(err)
		}
		if _, err := f.d.Execute(ctx, alice, ForceSelections{}); err != nil {
			t.Fatal(err)
		}
		s := f.reg.Active()
		if len(s.Players) != 2 {
			t.Fatalf("carol should be removed, have %+v", s.Players)
		}
		if s.Result == nil || s.Result.Average != 8 || s.Result.Consensus != 0 {
			t.Fatalf("unexpected result %+v", s.Result)
		}
	})

	t.Run("owner without a vote", func(t *testing.T) {
		f := newFixture(t, "s1")
		_, err := f.d.Execute(context.Background(), alice, ForceSelections{})
		if connect.CodeOf(err) != connect.CodeFailedPrecondition || !errors.Is(err, models.ErrOwnerNotVoted) {
			t.Fatalf("expected precondition error, got %v", err)
		}
		if f.gw.count("force_selections") != 0 {
			t.Fatal("no network call expected")
		}
		if n := len(f.reg.Active().Players); n != 3 {
			t.Fatalf("nobody should be removed, have %d", n)
		}
	})

	t.Run("not owner", func(t *testing.T) {
		f := newFixture(t, "s2")
		_, err := f.d.Execute(context.Background(), alice, ForceSelections{})
		if connect.CodeOf(err) != connect.CodePermissionDenied || !errors.Is(err, models.ErrNotOwner) {
			t.Fatalf("expected forbidden, got %v", err)
		}
		if f.gw.count("force_selections") != 0 {
			t.Fatal("no network call expected")
		}
	})

	t.Run("rollback", func(t *testing.T) {
		f := newFixture(t, "s1")
		f.gw.fail["force_selections"] = errDown
		if _, err := f.d.Execute(context.Background(), alice, Vote{Value: 5}); err != nil {
			t.Fatal(err)
		}
		if _, err := f.d.Execute(context.Background(), alice, ForceSelections{}); err == nil {
			t.Fatal("expected error")
		}
		if n := len(f.reg.Active().Players); n != 3 {
			t.Fatalf("players must be restored, have %d", n)
		}
	})
}

func TestResetRound(t *testing.T) {
	f := newFixture(t, "s1")
	ctx := context.Background()
	_, _ = f.d.Execute(ctx, alice, Vote{Value: 8})

	if _, err := f.d.Execute(ctx, alice, ResetRound{}); err != nil {
		t.Fatal(err)
	}
	for _, p := range f.reg.Active().Players {
		if p.HasSelection() {
			t.Fatalf("%s still has a selection", p.ID)
		}
	}

	f2 := newFixture(t, "s2")
	if _, err := f2.d.Execute(ctx, alice, ResetRound{}); !errors.Is(err, models.ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
}

func TestJoinTrackedSessionActivatesInstead(t *testing.T) {
	f := newFixture(t, "s1")
	res, err := f.d.Execute(context.Background(), alice, JoinSession{Code: "FGHIJ"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Session.ID != "s2" {
		t.Fatalf("unexpected session %+v", res.Session)
	}
	if id, _, _ := f.reg.Handle(); id != "s2" {
		t.Fatalf("expected s2 active, got %s", id)
	}
	if f.gw.count("join_session") != 0 {
		t.Fatal("tracked session must not be re-joined remotely")
	}
}

func TestJoinUnknownSession(t *testing.T) {
	f := newFixture(t, "")
	if _, err := f.d.Execute(context.Background(), alice, JoinSession{Code: "ABCDE"}); err != nil {
		t.Fatal(err)
	}
	if f.gw.count("join_session") != 1 {
		t.Fatal("expected a remote join")
	}
	if id, _, _ := f.reg.Handle(); id != "s1" {
		t.Fatalf("expected s1 active, got %s", id)
	}

	if _, err := f.d.Execute(context.Background(), alice, JoinSession{Code: ""}); !errors.Is(err, models.ErrEmptyCode) {
		t.Fatalf("expected empty code error, got %v", err)
	}
}

func TestCreateAndLeave(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	res, err := f.d.Execute(ctx, alice, CreateSession{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Session.IsOwner {
		t.Fatal("creator owns the session")
	}
	if saved, ok, _ := f.ptr.Load(); !ok || saved != "new" {
		t.Fatalf("expected pointer to new session, got %q", saved)
	}

	if _, err := f.d.Execute(ctx, alice, LeaveSession{}); err != nil {
		t.Fatal(err)
	}
	if f.reg.Active() != nil || f.reg.State("new") != registry.StateGone {
		t.Fatal("left session must be gone")
	}
	if _, ok, _ := f.ptr.Load(); ok {
		t.Fatal("pointer must be cleared")
	}
}

func TestCommandAfterSwitchDoesNotTouchNewSession(t *testing.T) {
	f := newFixture(t, "s1")
	f.gw.fail["make_selection"] = errDown
	f.gw.during = func(method string) {
		if method == "make_selection" {
			if err := f.reg.Activate(context.Background(), alice, "s2"); err != nil {
				t.Error(err)
			}
		}
	}

	if _, err := f.d.Execute(context.Background(), alice, Vote{Value: 5}); err == nil {
		t.Fatal("expected error")
	}
	s := f.reg.Active()
	if s.ID != "s2" || len(s.Players) != 1 || s.Players[0].HasSelection() {
		t.Fatalf("rollback leaked into s2: %+v", s)
	}
}

func TestIsGameActionDisabled(t *testing.T) {
	s := &models.Session{Players: []models.Player{{ID: "alice"}}}
	if !IsGameActionDisabled(nil, alice) {
		t.Error("no session")
	}
	if !IsGameActionDisabled(s, models.Identity{Token: "x"}) {
		t.Error("anonymous")
	}
	if IsGameActionDisabled(s, alice) {
		t.Error("should be enabled")
	}
	s.Players[0].Selection = models.Card(1)
	if !IsGameActionDisabled(s, alice) {
		t.Error("already voted")
	}
}
