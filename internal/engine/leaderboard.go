package engine

import (
	"sort"
	"time"

	"quizito-client/internal/domain"
)

// LeaderboardReconciler merges ranking snapshots and deltas into one
// total-ordered list. It is a pure projection: it never touches session or
// answer state.
type LeaderboardReconciler struct {
	entries   map[string]domain.LeaderboardEntry
	updatedAt time.Time
}

func NewLeaderboardReconciler() *LeaderboardReconciler {
	return &LeaderboardReconciler{entries: make(map[string]domain.LeaderboardEntry)}
}

// ApplySnapshot replaces the entire list.
func (r *LeaderboardReconciler) ApplySnapshot(entries []domain.LeaderboardEntry, at time.Time) {
	r.entries = make(map[string]domain.LeaderboardEntry, len(entries))
	for _, e := range entries {
		r.entries[e.ParticipantID] = e
	}
	r.updatedAt = at
}

// ApplyDelta replaces matching entries by participant id. A delta carries
// absolute scores, never increments.
func (r *LeaderboardReconciler) ApplyDelta(entries []domain.LeaderboardEntry, at time.Time) {
	for _, e := range entries {
		if existing, ok := r.entries[e.ParticipantID]; ok && e.DisplayName == "" {
			e.DisplayName = existing.DisplayName
		}
		r.entries[e.ParticipantID] = e
	}
	r.updatedAt = at
}

// Remove drops a participant from the board, used when they leave the room.
func (r *LeaderboardReconciler) Remove(participantID string) {
	delete(r.entries, participantID)
}

// Clear resets the board, used on hydration before a fresh snapshot lands.
func (r *LeaderboardReconciler) Clear() {
	r.entries = make(map[string]domain.LeaderboardEntry)
	r.updatedAt = time.Time{}
}

// Board returns the ranked list ordered by (score desc, participantId asc).
// The tie-break keeps ordering deterministic across clients.
func (r *LeaderboardReconciler) Board() domain.Leaderboard {
	entries := make([]domain.LeaderboardEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].ParticipantID < entries[j].ParticipantID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return domain.Leaderboard{Entries: entries, UpdatedAt: r.updatedAt}
}
