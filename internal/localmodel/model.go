package localmodel

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Model is a persisted linear text classifier over character n-grams,
// exported from the offline training scripts as a JSON artifact. It only
// has to serve one interface: Predict over a list of strings.
type Model struct {
	NgramMin   int                `json:"ngram_min"`
	NgramMax   int                `json:"ngram_max"`
	Vocabulary map[string]float64 `json:"vocabulary"`
	Intercept  float64            `json:"intercept"`
}

func LoadModel(path string) (*Model, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Model
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("decode model artifact %s: %w", path, err)
	}
	if m.NgramMin <= 0 {
		m.NgramMin = 1
	}
	if m.NgramMax < m.NgramMin {
		m.NgramMax = m.NgramMin
	}
	if len(m.Vocabulary) == 0 {
		return nil, fmt.Errorf("model artifact %s has an empty vocabulary", path)
	}
	return &m, nil
}

// Predict returns the binary label per input (1 = positive class).
func (m *Model) Predict(texts []string) []int {
	out := make([]int, len(texts))
	for i, text := range texts {
		if m.score(text) > 0 {
			out[i] = 1
		}
	}
	return out
}

// PredictProba returns the positive-class probability per input.
func (m *Model) PredictProba(texts []string) []float64 {
	out := make([]float64, len(texts))
	for i, text := range texts {
		out[i] = sigmoid(m.score(text))
	}
	return out
}

func (m *Model) score(text string) float64 {
	score := m.Intercept
	runes := []rune(text)
	for n := m.NgramMin; n <= m.NgramMax; n++ {
		for i := 0; i+n <= len(runes); i++ {
			if w, ok := m.Vocabulary[string(runes[i:i+n])]; ok {
				score += w
			}
		}
	}
	return score
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
