// Package result defines finished-game statistics and the ranking rules applied
// to them both in a session and on the persistent leaderboard.
package result

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// TopLimit is the maximum number of leaderboard records returned.
const TopLimit = 10

// PlayerStats is what a player reports when finishing a game.
type PlayerStats struct {
	// Score is the number of shapes successfully placed.
	Score int
	// Duration is the free-form elapsed-time label supplied by the client, e.g. "00:01:00".
	Duration string
	// FinishedAt is when the player finished.
	FinishedAt time.Time
}

// Entry is PlayerStats bound to a username. It is the unit ranked and persisted.
type Entry struct {
	Username   string
	Score      int
	Duration   string
	FinishedAt time.Time
}

// NewEntry binds stats to username.
func NewEntry(username string, stats PlayerStats) Entry {
	return Entry{
		Username:   username,
		Score:      stats.Score,
		Duration:   stats.Duration,
		FinishedAt: stats.FinishedAt,
	}
}

// Stats returns the PlayerStats part of the entry.
func (e Entry) Stats() PlayerStats {
	return PlayerStats{Score: e.Score, Duration: e.Duration, FinishedAt: e.FinishedAt}
}

// GameResult is produced once per completed session.
type GameResult struct {
	// Winner is the username of the best-ranked finisher, empty if nobody finished.
	Winner string
	// Stats holds every finisher in rank order.
	Stats []Entry
	// Disconnected lists usernames that left before finishing.
	Disconnected []string
}

// Compare orders stats best-first: higher score first, then the duration label in
// ascending text order.
//
// The duration label is compared as text, not as an elapsed time, so "00:10:00"
// sorts before "00:2:00". Clients are expected to send zero-padded labels.
//
// Postcondition: Returns <0 if a ranks ahead of b, >0 if behind, 0 if tied.
func Compare(a, b PlayerStats) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	return strings.Compare(a.Duration, b.Duration)
}

// CompareRecords is the leaderboard order: Compare, then newest FinishedAt first.
func CompareRecords(a, b Entry) int {
	if c := Compare(a.Stats(), b.Stats()); c != 0 {
		return c
	}
	return b.FinishedAt.Compare(a.FinishedAt)
}

// Rank binds each username to its stats and returns the entries in rank order.
// Ties keep username order so the result is deterministic.
//
// Postcondition: len(result) == len(stats).
func Rank(stats map[string]PlayerStats) []Entry {
	entries := make([]Entry, 0, len(stats))
	for name, s := range stats {
		entries = append(entries, NewEntry(name, s))
	}
	slices.SortStableFunc(entries, func(a, b Entry) int {
		if c := Compare(a.Stats(), b.Stats()); c != 0 {
			return c
		}
		return strings.Compare(a.Username, b.Username)
	})
	return entries
}

// Build ranks stats and assembles the GameResult.
//
// Postcondition: Winner == Stats[0].Username when any player finished.
func Build(stats map[string]PlayerStats, disconnected []string) GameResult {
	ranked := Rank(stats)
	res := GameResult{
		Stats:        ranked,
		Disconnected: append([]string{}, disconnected...),
	}
	if len(ranked) > 0 {
		res.Winner = ranked[0].Username
	}
	return res
}

// Top sorts records by CompareRecords and truncates to TopLimit.
// The input slice is not modified.
func Top(records []Entry) []Entry {
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, CompareRecords)
	if len(sorted) > TopLimit {
		sorted = sorted[:TopLimit]
	}
	return sorted
}
