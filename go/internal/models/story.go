package models

// Story is a work item under estimation.
type Story struct {
	ID          string `json:"id"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Tasks       []Task `json:"tasks"`
}

// Task is a child of exactly one story.
type Task struct {
	ID         string    `json:"id"`
	Summary    string    `json:"summary"`
	Estimation CardValue `json:"estimation"`
}

// Clone returns a deep copy of the story.
func (s Story) Clone() Story {
	out := s
	out.Tasks = append([]Task(nil), s.Tasks...)
	return out
}
