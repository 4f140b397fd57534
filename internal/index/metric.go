package index

import (
	"fmt"
	"math"
	"strings"

	"github.com/viant/vec/search"

	"docrag/internal/domain"
)

// Metric is the similarity function an index ranks by.
//
// Cosine reports raw cosine similarity in [-1, 1]; a zero-magnitude vector
// scores 0. Euclidean reports 1/(1+distance) in (0, 1].
type Metric uint8

const (
	Cosine    Metric = 1
	Euclidean Metric = 2
)

func (m Metric) String() string {
	switch m {
	case Cosine:
		return "cosine"
	case Euclidean:
		return "euclidean"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// Valid reports whether m is a supported metric.
func (m Metric) Valid() bool { return m == Cosine || m == Euclidean }

// ParseMetric maps a config string to a Metric. Empty selects cosine.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cosine", "cos":
		return Cosine, nil
	case "euclidean", "l2":
		return Euclidean, nil
	default:
		return 0, fmt.Errorf("%w: unknown metric %q", domain.ErrInvalidConfiguration, s)
	}
}

// Score compares two vectors of equal length under m.
func (m Metric) Score(a, b []float32) float64 {
	return m.score(a, magnitude(a), b, magnitude(b))
}

func (m Metric) score(q []float32, qMag float64, v []float32, vMag float64) float64 {
	switch m {
	case Euclidean:
		return 1 / (1 + euclidean(q, v))
	default:
		if qMag == 0 || vMag == 0 {
			return 0
		}
		s := dot(q, v) / (qMag * vMag)
		if math.IsNaN(s) {
			return 0
		}
		return s
	}
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func magnitude(v []float32) float64 {
	if len(v) == 0 {
		return 0
	}
	return float64(search.Float32s(v).Magnitude())
}

func euclidean(a, b []float32) float64 {
	return float64(search.Float32s(a).EuclideanDistance(b))
}

// normalized returns a unit-length copy of v, or nil when v has zero magnitude.
func normalized(v []float32, mag float64) []float32 {
	if mag == 0 {
		return nil
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / mag)
	}
	return out
}
