package dispatch

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/garnizeh/sobershift/internal/models"
)

const (
	weightRating     = 0.4
	weightExperience = 0.3
	weightVolume     = 0.2
	recencyBonus     = 0.1

	experienceCapYears = 10.0
	volumeCapJobs      = 100.0
	recencyWindow      = 30 * 24 * time.Hour

	// scoreQuantum is the resolution at which scores are compared. Scores
	// in the same bucket tie.
	scoreQuantum = 1e-9
)

// Score rates how well w fits j at instant now. The rating term is the raw
// 0..5 rating times its weight, so a top rated worker contributes 2.0 before
// the experience, volume and recency terms.
func Score(w models.Worker, j models.JobRequest, now time.Time) (float64, error) {
	if len(j.RequiredSkills) == 0 {
		return 0, fmt.Errorf("%w: job %s has no required skills", models.ErrInvalidInput, j.ID)
	}
	if w.AverageRating < 0 || w.AverageRating > 5 || math.IsNaN(w.AverageRating) {
		return 0, fmt.Errorf("%w: worker %s rating %v outside [0,5]", models.ErrInvalidInput, w.ID, w.AverageRating)
	}
	if w.CompletedJobs < 0 {
		return 0, fmt.Errorf("%w: worker %s has negative completed jobs", models.ErrInvalidInput, w.ID)
	}

	var years float64
	if w.ExperienceYears != nil {
		years = *w.ExperienceYears
		if years < 0 || math.IsNaN(years) {
			return 0, fmt.Errorf("%w: worker %s has negative experience", models.ErrInvalidInput, w.ID)
		}
	}

	score := w.AverageRating * weightRating
	score += math.Min(years/experienceCapYears, 1) * weightExperience
	score += math.Min(float64(w.CompletedJobs)/volumeCapJobs, 1) * weightVolume
	if w.LastSobrietyCheck != nil && w.LastSobrietyCheck.After(now.Add(-recencyWindow)) {
		score += recencyBonus
	}

	return score, nil
}

// Candidate is a scored worker.
type Candidate struct {
	Worker models.Worker
	Score  float64
}

// scoreKey maps a score onto its bucket. Each candidate is keyed on its own,
// which keeps the comparison transitive.
func scoreKey(s float64) float64 {
	return math.Round(s / scoreQuantum)
}

// better reports whether a ranks ahead of b: higher score key, then higher
// rating, then the lexicographically smaller id.
func better(a, b Candidate) bool {
	if ka, kb := scoreKey(a.Score), scoreKey(b.Score); ka != kb {
		return ka > kb
	}
	if a.Worker.AverageRating != b.Worker.AverageRating {
		return a.Worker.AverageRating > b.Worker.AverageRating
	}
	return a.Worker.ID < b.Worker.ID
}

// Rank sorts candidates best first. The order is total, so the result does
// not depend on the input order.
func Rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool { return better(cands[i], cands[j]) })
}
