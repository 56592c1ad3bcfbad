package composite

import (
	"fmt"
	"math"
	"strings"
)

// Method is the per-pixel selection strategy.
type Method int

const (
	// Mosaic takes the first valid observation in input order.
	Mosaic Method = iota
	// QMosaic takes the valid observation with the highest quality.
	QMosaic
	// Medoid takes the valid observation closest to all others.
	Medoid
	// Custom delegates to Options.Selector.
	Custom
)

func (m Method) String() string {
	switch m {
	case Mosaic:
		return "mosaic"
	case QMosaic:
		return "q-mosaic"
	case Medoid:
		return "medoid"
	case Custom:
		return "custom"
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// ParseMethod accepts mosaic, q-mosaic (or q_mosaic, qmosaic) and medoid.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mosaic":
		return Mosaic, nil
	case "q-mosaic", "q_mosaic", "qmosaic":
		return QMosaic, nil
	case "medoid":
		return Medoid, nil
	}
	return 0, fmt.Errorf("composite: unsupported method %q", s)
}

// Observation is one valid input at a pixel. Values holds the distance bands.
type Observation struct {
	Input   int
	Values  []float64
	Quality float64
}

// Selector picks one of the observations, which arrive in input order. It
// returns the position in obs, or -1 to leave the pixel empty. Selectors run
// concurrently on different rows and must not retain obs.
type Selector interface {
	Select(obs []Observation) int
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(obs []Observation) int

// Select calls f.
func (f SelectorFunc) Select(obs []Observation) int {
	return f(obs)
}

func selectorFor(opts Options) (Selector, error) {
	switch opts.Method {
	case Mosaic:
		return SelectorFunc(first), nil
	case QMosaic:
		return SelectorFunc(bestQuality), nil
	case Medoid:
		return SelectorFunc(medoid), nil
	case Custom:
		if opts.Selector == nil {
			return nil, fmt.Errorf("composite: custom method requires a selector")
		}
		return opts.Selector, nil
	}
	return nil, fmt.Errorf("composite: unsupported method %s", opts.Method)
}

func first(obs []Observation) int {
	return 0
}

// bestQuality breaks exact ties by input order.
func bestQuality(obs []Observation) int {
	best := 0
	for i := 1; i < len(obs); i++ {
		if obs[i].Quality > obs[best].Quality {
			best = i
		}
	}
	return best
}

// medoid minimises the summed Euclidean distance to the other observations.
// Sums run in input order so results do not depend on scheduling.
func medoid(obs []Observation) int {
	if len(obs) == 1 {
		return 0
	}
	best, bestSum := 0, math.Inf(1)
	for i := range obs {
		sum := 0.0
		for j := range obs {
			if i != j {
				sum += distance(obs[i].Values, obs[j].Values)
			}
		}
		if sum < bestSum {
			best, bestSum = i, sum
		}
	}
	return best
}

func distance(a, b []float64) float64 {
	var s float64
	for k := range a {
		d := a[k] - b[k]
		s += d * d
	}
	return math.Sqrt(s)
}
