// Package queue is the engine's Task Queue: dependency-gated,
// priority-and-age scored assignment of pending tasks to agents, with
// retry back-off and timeout sweeping.
package queue

import (
	"time"

	"github.com/rivergate/foreman/domain"
)

// ScoreWeights are the Priority & Score Model's tunable parameters (spec
// §4.4), configuration rather than hard-coded constants.
type ScoreWeights struct {
	PriorityWeight float64       // w_p, default 0.45
	AgeWeight      float64       // w_a, default 0.55
	AgeCeiling     time.Duration // default 3600s
}

// DefaultScoreWeights returns the spec's default weights.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		PriorityWeight: 0.45,
		AgeWeight:      0.55,
		AgeCeiling:     time.Hour,
	}
}

// Score computes score = w_p·P + w_a·min(age/age_ceiling, 1) for a task of
// the given priority and age.
func (w ScoreWeights) Score(priority domain.Priority, age time.Duration) float64 {
	ageFraction := age.Seconds() / w.AgeCeiling.Seconds()
	if ageFraction > 1 {
		ageFraction = 1
	}
	if ageFraction < 0 {
		ageFraction = 0
	}
	return w.PriorityWeight*priority.Weight() + w.AgeWeight*ageFraction
}

// rankedTask pairs a candidate task with its computed score, for sorting.
type rankedTask struct {
	task  domain.Task
	score float64
}

// rankCandidates scores and orders candidates by score descending, then
// created_at ascending as the tie-break.
func rankCandidates(candidates []domain.Task, weights ScoreWeights, now time.Time) []rankedTask {
	ranked := make([]rankedTask, len(candidates))
	for i, t := range candidates {
		ranked[i] = rankedTask{task: t, score: weights.Score(t.Priority, now.Sub(t.CreatedAt))}
	}
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0; j-- {
			a, b := ranked[j-1], ranked[j]
			if a.score > b.score || (a.score == b.score && !a.task.CreatedAt.After(b.task.CreatedAt)) {
				break
			}
			ranked[j-1], ranked[j] = ranked[j], ranked[j-1]
		}
	}
	return ranked
}
