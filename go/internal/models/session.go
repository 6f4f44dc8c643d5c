package models

// RoundResult is derived from the current set of player selections.
type RoundResult struct {
	Average   CardValue `json:"average"`
	Consensus float64   `json:"consensus"`
}

// SessionSummary is what the store reports for every session an identity belongs to.
type SessionSummary struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	IsOwner bool   `json:"user_is_owner"`
}

// Snapshot is the full state of a session as returned by get_session.
type Snapshot struct {
	ID      string   `json:"id"`
	Code    string   `json:"code"`
	IsOwner bool     `json:"user_is_owner"`
	Players []Player `json:"players"`
	Stories []Story  `json:"stories"`
}

// Session is the local view of one voting session ("game").
type Session struct {
	ID      string        `json:"id"`
	Code    string        `json:"code"`
	IsOwner bool          `json:"is_owner"`
	Players []Player      `json:"players"`
	Stories []Story       `json:"stories"`
	Result  *RoundResult  `json:"result,omitempty"`
	History []RoundResult `json:"history"`
}

// Summary returns the tracked-list view of the session.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{ID: s.ID, Code: s.Code, IsOwner: s.IsOwner}
}

// Player returns the player with the given id.
func (s *Session) Player(id string) (*Player, bool) {
	for i := range s.Players {
		if s.Players[i].ID == id {
			return &s.Players[i], true
		}
	}
	return nil, false
}

// Story returns the story with the given id.
func (s *Session) Story(id string) (*Story, bool) {
	for i := range s.Stories {
		if s.Stories[i].ID == id {
			return &s.Stories[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := &Session{
		ID:      s.ID,
		Code:    s.Code,
		IsOwner: s.IsOwner,
		Players: make([]Player, len(s.Players)),
		Stories: make([]Story, len(s.Stories)),
		History: append([]RoundResult(nil), s.History...),
	}
	for i, p := range s.Players {
		out.Players[i] = p.Clone()
	}
	for i, st := range s.Stories {
		out.Stories[i] = st.Clone()
	}
	if s.Result != nil {
		r := *s.Result
		out.Result = &r
	}
	return out
}

// SessionFromSnapshot builds a fresh local session from a store snapshot.
// History starts empty; the registry restores it for sessions seen before.
func SessionFromSnapshot(snap Snapshot) *Session {
	s := &Session{
		ID:      snap.ID,
		Code:    snap.Code,
		IsOwner: snap.IsOwner,
		Players: make([]Player, len(snap.Players)),
		Stories: make([]Story, len(snap.Stories)),
		History: []RoundResult{},
	}
	for i, p := range snap.Players {
		s.Players[i] = p.Clone()
	}
	for i, st := range snap.Stories {
		s.Stories[i] = st.Clone()
	}
	return s
}
