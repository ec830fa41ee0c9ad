package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/garnizeh/sobershift/internal/models"
)

var cannedAnalyses = []Analysis{
	{
		Verdict:        models.VerdictPass,
		Confidence:     0.92,
		DetectedSigns:  []string{},
		Recommendation: models.RecommendApprove,
		Notes:          "Worker appears alert and stable. No signs of impairment detected.",
	},
	{
		Verdict:        models.VerdictFail,
		Confidence:     0.85,
		DetectedSigns:  []string{"bloodshot_eyes", "unsteady_posture"},
		Recommendation: models.RecommendDeny,
		Notes:          "Signs of potential impairment detected. Worker should not start work at this time.",
	},
	{
		Verdict:        models.VerdictUncertain,
		Confidence:     0.65,
		DetectedSigns:  []string{"unclear_visibility"},
		Recommendation: models.RecommendRetest,
		Notes:          "Video quality insufficient for reliable analysis. Please retake the test.",
	},
}

// MockAnalyzer returns one of three canned analyses picked by a hash of the
// recording, so the same bytes always get the same verdict. For development.
type MockAnalyzer struct {
	// Delay simulates model latency.
	Delay time.Duration
}

func (m MockAnalyzer) Analyze(ctx context.Context, recording []byte) (*Analysis, error) {
	if len(recording) == 0 {
		return nil, fmt.Errorf("%w: empty recording", models.ErrInvalidInput)
	}
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	h := fnv.New32a()
	_, _ = h.Write(recording)
	res := cloneAnalysis(cannedAnalyses[h.Sum32()%uint32(len(cannedAnalyses))])
	return withRaw(res), nil
}

// StaticAnalyzer always returns Result or Err.
type StaticAnalyzer struct {
	Result *Analysis
	Err    error
}

func (s StaticAnalyzer) Analyze(ctx context.Context, _ []byte) (*Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Result == nil {
		return nil, ErrMalformedResponse
	}
	return withRaw(cloneAnalysis(*s.Result)), nil
}

// Step is one scripted analyzer answer. With Block set the step waits for the
// context to end and returns its error.
type Step struct {
	Result *Analysis
	Err    error
	Block  bool
}

// SequenceAnalyzer replays Steps in order, one per call.
type SequenceAnalyzer struct {
	mu    sync.Mutex
	steps []Step
	calls int
}

func NewSequenceAnalyzer(steps ...Step) *SequenceAnalyzer {
	return &SequenceAnalyzer{steps: steps}
}

var ErrSequenceExhausted = errors.New("analyzer sequence exhausted")

func (s *SequenceAnalyzer) Analyze(ctx context.Context, recording []byte) (*Analysis, error) {
	s.mu.Lock()
	if s.calls >= len(s.steps) {
		s.calls++
		s.mu.Unlock()
		return nil, ErrSequenceExhausted
	}
	step := s.steps[s.calls]
	s.calls++
	s.mu.Unlock()

	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return StaticAnalyzer{Result: step.Result, Err: step.Err}.Analyze(ctx, recording)
}

// Calls reports how many times Analyze ran.
func (s *SequenceAnalyzer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func cloneAnalysis(a Analysis) Analysis {
	a.DetectedSigns = append([]string{}, a.DetectedSigns...)
	a.Raw = append(json.RawMessage(nil), a.Raw...)
	return a
}

func withRaw(a Analysis) *Analysis {
	if len(a.Raw) == 0 {
		if b, err := json.Marshal(a); err == nil {
			a.Raw = b
		}
	}
	return &a
}
