package models

// Player represents a participant of a session.
// A nil Selection means the player has not picked a card this round.
type Player struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Selection *CardValue `json:"selection,omitempty"`
}

// HasSelection reports whether the player picked a card.
func (p Player) HasSelection() bool {
	return p.Selection != nil
}

// Clone returns a copy that shares no memory with p.
func (p Player) Clone() Player {
	out := p
	if p.Selection != nil {
		out.Selection = Card(*p.Selection)
	}
	return out
}
