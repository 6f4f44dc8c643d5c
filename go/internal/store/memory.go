package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/Jorewin/planning-poker/go/internal/models"
	"github.com/google/uuid"
)

type memSession struct {
	id      string
	code    string
	owner   string
	players []models.Player
	stories []models.Story
}

func (s *memSession) player(id string) (*models.Player, bool) {
	for i := range s.players {
		if s.players[i].ID == id {
			return &s.players[i], true
		}
	}
	return nil, false
}

func (s *memSession) story(id string) (*models.Story, bool) {
	for i := range s.stories {
		if s.stories[i].ID == id {
			return &s.stories[i], true
		}
	}
	return nil, false
}

func (s *memSession) summary(playerID string) models.SessionSummary {
	return models.SessionSummary{ID: s.id, Code: s.code, IsOwner: s.owner == playerID}
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memSession
	codes    map[string]string
	order    []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memSession),
		codes:    make(map[string]string),
	}
}

// member returns the session if p belongs to it. Sessions a player does not
// belong to are reported as not found.
func (m *MemoryStore) member(p Player, sessionID string) (*memSession, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if _, ok := s.player(p.ID); !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return s, nil
}

func (m *MemoryStore) owner(p Player, sessionID string) (*memSession, error) {
	s, err := m.member(p, sessionID)
	if err != nil {
		return nil, err
	}
	if s.owner != p.ID {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrForbidden)
	}
	return s, nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, p Player) (models.SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	code := newCode()
	for _, taken := m.codes[code]; taken; _, taken = m.codes[code] {
		code = newCode()
	}
	s := &memSession{
		id:      uuid.NewString(),
		code:    code,
		owner:   p.ID,
		players: []models.Player{{ID: p.ID, Name: p.Name}},
		stories: []models.Story{},
	}
	m.sessions[s.id] = s
	m.codes[code] = s.id
	m.order = append(m.order, s.id)
	return s.summary(p.ID), nil
}

func (m *MemoryStore) JoinSession(ctx context.Context, p Player, code string) (models.SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.codes[normalizeCode(code)]
	if !ok {
		if _, byID := m.sessions[code]; !byID {
			return models.SessionSummary{}, fmt.Errorf("session code %s: %w", code, ErrNotFound)
		}
		id = code
	}
	s := m.sessions[id]
	if _, already := s.player(p.ID); !already {
		s.players = append(s.players, models.Player{ID: p.ID, Name: p.Name})
	}
	return s.summary(p.ID), nil
}

func (m *MemoryStore) LeaveSession(ctx context.Context, p Player, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	kept := s.players[:0]
	for _, pl := range s.players {
		if pl.ID != p.ID {
			kept = append(kept, pl)
		}
	}
	s.players = kept
	if len(s.players) == 0 {
		m.deleteLocked(s)
	}
	return nil
}

func (m *MemoryStore) deleteLocked(s *memSession) {
	delete(m.sessions, s.id)
	delete(m.codes, s.code)
	for i, id := range m.order {
		if id == s.id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *MemoryStore) GetSession(ctx context.Context, p Player, sessionID string) (models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.member(p, sessionID)
	if err != nil {
		return models.Snapshot{}, err
	}
	snap := models.Snapshot{
		ID:      s.id,
		Code:    s.code,
		IsOwner: s.owner == p.ID,
		Players: make([]models.Player, len(s.players)),
		Stories: make([]models.Story, len(s.stories)),
	}
	for i, pl := range s.players {
		snap.Players[i] = pl.Clone()
	}
	for i, st := range s.stories {
		snap.Stories[i] = st.Clone()
	}
	return snap, nil
}

func (m *MemoryStore) GetSessions(ctx context.Context, p Player) ([]models.SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.SessionSummary{}
	for _, id := range m.order {
		s := m.sessions[id]
		if _, ok := s.player(p.ID); ok {
			out = append(out, s.summary(p.ID))
		}
	}
	return out, nil
}

func (m *MemoryStore) MakeSelection(ctx context.Context, p Player, sessionID string, value models.CardValue) error {
	if !value.Valid() {
		return fmt.Errorf("%w: %w", ErrInvalid, models.ErrInvalidCard)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.member(p, sessionID)
	if err != nil {
		return err
	}
	pl, _ := s.player(p.ID)
	if pl.Selection != nil {
		if *pl.Selection == value {
			return nil
		}
		return fmt.Errorf("selection already made, reset it first: %w", ErrConflict)
	}
	pl.Selection = models.Card(value)
	return nil
}

func (m *MemoryStore) ResetSelection(ctx context.Context, p Player, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.member(p, sessionID)
	if err != nil {
		return err
	}
	pl, _ := s.player(p.ID)
	pl.Selection = nil
	return nil
}

func (m *MemoryStore) CreateStory(ctx context.Context, p Player, sessionID string, story models.Story) error {
	if err := validateStory(story); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.member(p, sessionID)
	if err != nil {
		return err
	}
	if _, exists := s.story(story.ID); exists {
		return nil
	}
	story = story.Clone()
	if story.Tasks == nil {
		story.Tasks = []models.Task{}
	}
	s.stories = append(s.stories, story)
	return nil
}

func (m *MemoryStore) DeleteStory(ctx context.Context, p Player, sessionID, storyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.member(p, sessionID)
	if err != nil {
		return err
	}
	for i := range s.stories {
		if s.stories[i].ID == storyID {
			s.stories = append(s.stories[:i], s.stories[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("story %s: %w", storyID, ErrNotFound)
}

func (m *MemoryStore) CreateTask(ctx context.Context, p Player, sessionID, storyID string, task models.Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.member(p, sessionID)
	if err != nil {
		return err
	}
	st, ok := s.story(storyID)
	if !ok {
		return fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	for _, t := range st.Tasks {
		if t.ID == task.ID {
			return nil
		}
	}
	st.Tasks = append(st.Tasks, task)
	return nil
}

func (m *MemoryStore) DeleteTask(ctx context.Context, p Player, sessionID, storyID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.member(p, sessionID)
	if err != nil {
		return err
	}
	st, ok := s.story(storyID)
	if !ok {
		return fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	for i := range st.Tasks {
		if st.Tasks[i].ID == taskID {
			st.Tasks = append(st.Tasks[:i], st.Tasks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
}

// ForceSelections removes every player without a selection. The owner has
// to vote first, so the round always resolves and the owner stays.
func (m *MemoryStore) ForceSelections(ctx context.Context, p Player, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.owner(p, sessionID)
	if err != nil {
		return err
	}
	if own, _ := s.player(p.ID); !own.HasSelection() {
		return fmt.Errorf("%w: %w", ErrConflict, models.ErrOwnerNotVoted)
	}
	kept := s.players[:0]
	for _, pl := range s.players {
		if pl.HasSelection() {
			kept = append(kept, pl)
		}
	}
	s.players = kept
	return nil
}

func (m *MemoryStore) ResetRound(ctx context.Context, p Player, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.owner(p, sessionID)
	if err != nil {
		return err
	}
	for i := range s.players {
		s.players[i].Selection = nil
	}
	return nil
}
