package dispatch_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garnizeh/sobershift/internal/dispatch"
	"github.com/garnizeh/sobershift/internal/models"
)

var fixedNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func fptr(f float64) *float64 { return &f }

func tptr(t time.Time) *time.Time { return &t }

func plumberJob() models.JobRequest {
	return models.JobRequest{ID: "j1", Title: "leaky tap", RequiredSkills: []string{"Plumber"}, BudgetMax: 100}
}

func TestScore_ConcreteScenario(t *testing.T) {
	w := models.Worker{
		ID: "w1", Skills: []string{"Plumber"}, AverageRating: 4.5, ExperienceYears: fptr(8), CompletedJobs: 45,
		LastSobrietyCheck: tptr(fixedNow.Add(-5 * 24 * time.Hour)),
	}
	s, err := dispatch.Score(w, plumberJob(), fixedNow)
	require.NoError(t, err)
	assert.InDelta(t, 2.23, s, 1e-9)
}

func TestScore_Terms(t *testing.T) {
	job := plumberJob()
	cases := []struct {
		name string
		w    models.Worker
		want float64
	}{
		{"empty profile", models.Worker{ID: "a"}, 0},
		{"nil experience counts as zero", models.Worker{ID: "a", AverageRating: 5}, 2.0},
		{"experience capped at ten years", models.Worker{ID: "a", ExperienceYears: fptr(25)}, 0.3},
		{"volume capped at one hundred jobs", models.Worker{ID: "a", CompletedJobs: 400}, 0.2},
		{"check exactly thirty days ago gets no bonus", models.Worker{ID: "a", LastSobrietyCheck: tptr(fixedNow.Add(-30 * 24 * time.Hour))}, 0},
		{"check just inside the window", models.Worker{ID: "a", LastSobrietyCheck: tptr(fixedNow.Add(-30*24*time.Hour + time.Second))}, 0.1},
		{"everything maxed", models.Worker{ID: "a", AverageRating: 5, ExperienceYears: fptr(10), CompletedJobs: 100, LastSobrietyCheck: tptr(fixedNow)}, 2.6},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s, err := dispatch.Score(c.w, job, fixedNow)
			require.NoError(t, err)
			assert.InDelta(t, c.want, s, 1e-9)
		})
	}
}

func TestScore_RejectsInvalidInput(t *testing.T) {
	job := plumberJob()
	bad := []models.Worker{
		{ID: "neg-rating", AverageRating: -0.1},
		{ID: "high-rating", AverageRating: 5.1},
		{ID: "neg-exp", ExperienceYears: fptr(-1)},
		{ID: "neg-jobs", CompletedJobs: -3},
	}
	for _, w := range bad {
		_, err := dispatch.Score(w, job, fixedNow)
		assert.ErrorIs(t, err, models.ErrInvalidInput, w.ID)
	}

	_, err := dispatch.Score(models.Worker{ID: "ok"}, models.JobRequest{ID: "j"}, fixedNow)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestRank_TieBreaks(t *testing.T) {
	recent := tptr(fixedNow.Add(-24 * time.Hour))
	a := models.Worker{ID: "a", AverageRating: 4.5, ExperienceYears: fptr(8), CompletedJobs: 45, LastSobrietyCheck: recent}
	b := models.Worker{ID: "b", AverageRating: 4.6, ExperienceYears: fptr(8), CompletedJobs: 25, LastSobrietyCheck: recent}

	sa, err := dispatch.Score(a, plumberJob(), fixedNow)
	require.NoError(t, err)
	sb, err := dispatch.Score(b, plumberJob(), fixedNow)
	require.NoError(t, err)
	require.InDelta(t, sa, sb, 1e-9, "fixture must tie")
	assert.InDelta(t, 2.23, sa, 1e-9)

	for _, order := range [][]dispatch.Candidate{
		{{Worker: a, Score: sa}, {Worker: b, Score: sb}},
		{{Worker: b, Score: sb}, {Worker: a, Score: sa}},
	} {
		dispatch.Rank(order)
		assert.Equal(t, "b", order[0].Worker.ID, "higher rating wins the tie")
	}

	// Same score and rating falls back to the smaller id.
	c := []dispatch.Candidate{
		{Worker: models.Worker{ID: "zed", AverageRating: 4}, Score: 1.6},
		{Worker: models.Worker{ID: "amy", AverageRating: 4}, Score: 1.6},
		{Worker: models.Worker{ID: "bob", AverageRating: 3}, Score: 1.9},
	}
	dispatch.Rank(c)
	assert.Equal(t, []string{"bob", "amy", "zed"}, []string{c[0].Worker.ID, c[1].Worker.ID, c[2].Worker.ID})
}

func genWorker() gopter.Gen {
	return gopter.CombineGens(
		gen.Float64Range(0, 5),
		gen.Float64Range(0, 40),
		gen.IntRange(0, 500),
		gen.Int64Range(0, 90*24),
		gen.Identifier(),
	).Map(func(v []any) models.Worker {
		years := v[1].(float64)
		last := fixedNow.Add(-time.Duration(v[3].(int64)) * time.Hour)
		return models.Worker{
			ID:                v[4].(string),
			Skills:            []string{"Plumber"},
			AverageRating:     v[0].(float64),
			ExperienceYears:   &years,
			CompletedJobs:     v[2].(int),
			LastSobrietyCheck: &last,
		}
	})
}

func TestRank_NearTiesAreTransitive(t *testing.T) {
	// Each neighbor is within a billionth of the next, the ends are not.
	a := dispatch.Candidate{Worker: models.Worker{ID: "a", AverageRating: 5}, Score: 1.0}
	b := dispatch.Candidate{Worker: models.Worker{ID: "b", AverageRating: 4}, Score: 1.0 + 0.6e-9}
	c := dispatch.Candidate{Worker: models.Worker{ID: "c", AverageRating: 3}, Score: 1.0 + 1.2e-9}

	var want []string
	for _, order := range [][]dispatch.Candidate{
		{a, b, c}, {a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a},
	} {
		dispatch.Rank(order)
		got := []string{order[0].Worker.ID, order[1].Worker.ID, order[2].Worker.ID}
		if want == nil {
			want = got
			continue
		}
		assert.Equal(t, want, got)
	}
}

func TestScore_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	job := plumberJob()

	properties.Property("score is deterministic", prop.ForAll(
		func(w models.Worker) bool {
			s1, err1 := dispatch.Score(w, job, fixedNow)
			s2, err2 := dispatch.Score(w, job, fixedNow)
			return err1 == nil && err2 == nil && s1 == s2
		},
		genWorker(),
	))

	properties.Property("score stays within [0, 2.6]", prop.ForAll(
		func(w models.Worker) bool {
			s, err := dispatch.Score(w, job, fixedNow)
			return err == nil && s >= 0 && s <= 2.6+1e-9
		},
		genWorker(),
	))

	properties.Property("a higher rating never lowers the score", prop.ForAll(
		func(w models.Worker, bump float64) bool {
			better := w
			better.AverageRating = w.AverageRating + bump*(5-w.AverageRating)
			s1, _ := dispatch.Score(w, job, fixedNow)
			s2, _ := dispatch.Score(better, job, fixedNow)
			return s2 >= s1
		},
		genWorker(),
		gen.Float64Range(0, 1),
	))

	properties.Property("ranking ignores input order", prop.ForAll(
		func(ws []models.Worker) bool {
			if len(ws) == 0 {
				return true
			}
			fwd := make([]dispatch.Candidate, 0, len(ws))
			rev := make([]dispatch.Candidate, 0, len(ws))
			for i := range ws {
				s, _ := dispatch.Score(ws[i], job, fixedNow)
				fwd = append(fwd, dispatch.Candidate{Worker: ws[i], Score: s})
				j := len(ws) - 1 - i
				s, _ = dispatch.Score(ws[j], job, fixedNow)
				rev = append(rev, dispatch.Candidate{Worker: ws[j], Score: s})
			}
			dispatch.Rank(fwd)
			dispatch.Rank(rev)
			for i := range fwd {
				if fwd[i].Worker.ID != rev[i].Worker.ID || fwd[i].Score != rev[i].Score {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(6, genWorker()),
	))

	properties.TestingRun(t)
}
