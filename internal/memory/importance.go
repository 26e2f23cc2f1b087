package memory

import "math"

// Weights are the coefficients of the importance formula.
type Weights struct {
	Pleasure float64 `json:"pleasure"`
	Arousal  float64 `json:"arousal"`
	Entities float64 `json:"entities"`
	Novelty  float64 `json:"novelty"`
}

// DefaultWeights sum to 1.
func DefaultWeights() Weights {
	return Weights{Pleasure: 0.35, Arousal: 0.25, Entities: 0.2, Novelty: 0.2}
}

// entitySaturation is the mention count past which more people add nothing.
const entitySaturation = 5

// ImportanceScorer rates how significant a memory is, in [0, 1].
type ImportanceScorer struct {
	w Weights
}

// NewImportanceScorer creates a scorer. All-zero weights take the defaults.
func NewImportanceScorer(w Weights) *ImportanceScorer {
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	return &ImportanceScorer{w: w}
}

// Score rates a draft memory. novel is true when the interaction created
// at least one persona.
func (s *ImportanceScorer) Score(m *Memory, novel bool) float64 {
	entities := float64(min(len(m.Entities), entitySaturation)) / entitySaturation
	bonus := 0.0
	if novel {
		bonus = 1
	}
	v := s.w.Pleasure*math.Abs(m.Emotion.Pleasure) +
		s.w.Arousal*math.Abs(m.Emotion.Arousal) +
		s.w.Entities*entities +
		s.w.Novelty*bonus
	if math.IsNaN(v) {
		return 0
	}
	return max(0, min(1, v))
}
