// Package grade maps continuous predicted scores onto discrete 1-5
// grades using fixed thresholds.
package grade

import "fmt"

// Two threshold sets are in circulation; which one applies is a caller
// decision, never a silent default inside the pipeline.
const (
	SetHalf         = "half"         // boundaries at 1.5, 2.5, 3.5, 4.5
	SetConservative = "conservative" // boundaries at 1.75, 2.75, 3.75, 4.75
)

type Grader struct {
	bounds [4]float64
}

func New(set string) (Grader, error) {
	switch set {
	case SetHalf:
		return Grader{bounds: [4]float64{1.5, 2.5, 3.5, 4.5}}, nil
	case SetConservative:
		return Grader{bounds: [4]float64{1.75, 2.75, 3.75, 4.75}}, nil
	default:
		return Grader{}, fmt.Errorf("unknown grade threshold set %q", set)
	}
}

// Grade buckets a score into 1-5. Boundaries are inclusive upward: a
// score equal to a boundary falls into the higher grade. The buckets
// partition the whole real line, so out-of-range scores still grade.
func (g Grader) Grade(score float64) int {
	grade := 1
	for _, b := range g.bounds {
		if score >= b {
			grade++
		}
	}
	return grade
}
