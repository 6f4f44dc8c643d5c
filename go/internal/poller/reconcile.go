package poller

import (
	"github.com/Jorewin/planning-poker/go/internal/models"
	"github.com/Jorewin/planning-poker/go/internal/registry"
)

// Reconcile merges a store snapshot into the active entry. The snapshot is
// authoritative except for:
//   - the local player's selection while protectOwn is set;
//   - stories and tasks created locally and not yet echoed by the store;
//   - stories and tasks whose deletion is still in flight.
func Reconcile(e *registry.Entry, snap models.Snapshot, ownID string, protectOwn bool) {
	s := e.Session
	if snap.Code != "" {
		s.Code = snap.Code
	}
	s.IsOwner = snap.IsOwner
	s.Players = mergePlayers(s.Players, snap.Players, ownID, protectOwn)
	s.Stories = mergeStories(s.Stories, snap.Stories, e.PendingCreates, e.PendingDeletes)
}

func mergePlayers(local, remote []models.Player, ownID string, protectOwn bool) []models.Player {
	var own *models.Player
	if protectOwn {
		for i := range local {
			if local[i].ID == ownID {
				own = &local[i]
				break
			}
		}
	}

	out := make([]models.Player, 0, len(remote)+1)
	seenOwn := false
	for _, p := range remote {
		p = p.Clone()
		if own != nil && p.ID == ownID {
			p.Selection = own.Clone().Selection
			seenOwn = true
		}
		out = append(out, p)
	}
	if own != nil && !seenOwn {
		out = append(out, own.Clone())
	}
	return out
}

func mergeStories(local, remote []models.Story, pendingCreates, pendingDeletes map[string]bool) []models.Story {
	localByID := make(map[string]*models.Story, len(local))
	for i := range local {
		localByID[local[i].ID] = &local[i]
	}

	out := make([]models.Story, 0, len(remote))
	seen := make(map[string]bool, len(remote))
	for _, st := range remote {
		if pendingDeletes[st.ID] {
			continue
		}
		seen[st.ID] = true
		merged := st.Clone()
		var localTasks []models.Task
		if l, ok := localByID[st.ID]; ok {
			localTasks = l.Tasks
		}
		merged.Tasks = mergeTasks(localTasks, st.Tasks, pendingCreates, pendingDeletes)
		out = append(out, merged)
	}

	for _, st := range local {
		if seen[st.ID] || !pendingCreates[st.ID] {
			continue
		}
		out = append(out, st.Clone())
	}
	return out
}

func mergeTasks(local, remote []models.Task, pendingCreates, pendingDeletes map[string]bool) []models.Task {
	out := make([]models.Task, 0, len(remote))
	seen := make(map[string]bool, len(remote))
	for _, t := range remote {
		if pendingDeletes[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	for _, t := range local {
		if !seen[t.ID] && pendingCreates[t.ID] {
			out = append(out, t)
		}
	}
	return out
}
