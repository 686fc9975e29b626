package dht

import (
	"math"
	"sync"
)

// Weight of a new sample in the moving average.
const estimatorAlpha = 0.1

// populationEstimator guesses the number of reachable DHT nodes from how
// close the nearest node to a random target tends to be. With n nodes spread
// uniformly over the key space, the closest one sits at about 2^160/n.
type populationEstimator struct {
	mu      sync.Mutex
	avg     float64 // moving average of the normalized min distance
	samples int
}

func newPopulationEstimator() *populationEstimator {
	return &populationEstimator{}
}

// update feeds the closest nodes a lookup found for target.
func (e *populationEstimator) update(target Key, closest []NodeInfo) {
	if len(closest) == 0 {
		return
	}
	min := 1.0
	for _, n := range closest {
		if d := n.ID.Distance(target).approxFloat(); d < min {
			min = d
		}
	}
	if min <= 0 {
		// Someone picked the target as its ID. Not a useful sample.
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.samples == 0 {
		e.avg = min
	} else {
		e.avg = estimatorAlpha*min + (1-estimatorAlpha)*e.avg
	}
	e.samples++
}

// estimate returns the approximate node count, or 0 without samples.
func (e *populationEstimator) estimate() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.samples == 0 || e.avg <= 0 {
		return 0
	}
	n := 1 / e.avg
	if n > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(n)
}

// lookupFinished is installed as a listener on node lookups.
func (e *populationEstimator) lookupFinished(t *Task) {
	e.update(t.target, t.ClosestNodes())
}
