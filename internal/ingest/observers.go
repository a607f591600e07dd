package ingest

import (
	"context"

	"github.com/prn-tf/ingestfs/internal/adaptive"
	"github.com/prn-tf/ingestfs/internal/bufferpool"
	"github.com/prn-tf/ingestfs/internal/threadpool"
)

// bufferPoolObserver adapts a bufferpool.Pool to adaptive.PoolObserver. The
// pool has no notion of a resizable ceiling, so the only lever available on
// a DECREASE recommendation is reclaiming idle buffers.
type bufferPoolObserver struct {
	pool *bufferpool.Pool
}

func (o bufferPoolObserver) Name() string { return "bufferpool" }

func (o bufferPoolObserver) Observe() adaptive.SizingObservation {
	s := o.pool.Stats()
	if s.Total == 0 {
		return adaptive.SizingObservation{}
	}
	return adaptive.SizingObservation{Utilization: float64(s.InUse) / float64(s.Total)}
}

func (o bufferPoolObserver) Recommend(_ context.Context, rec adaptive.Recommendation, _ float64) {
	if rec == adaptive.RecommendDecrease {
		o.pool.Clear()
	}
}

// threadPoolObserver adapts one threadpool.Pool to adaptive.PoolObserver,
// translating sizing recommendations into the pool's own backpressure lever
// (spec.md §4.4) rather than a literal resize.
type threadPoolObserver struct {
	name string
	pool *threadpool.Pool
}

func (o threadPoolObserver) Name() string { return o.name }

func (o threadPoolObserver) Observe() adaptive.SizingObservation {
	s := o.pool.Stats()
	util := 0.0
	if s.EffectiveMax > 0 {
		util = float64(s.Active) / float64(s.EffectiveMax)
	}
	return adaptive.SizingObservation{Utilization: util}
}

func (o threadPoolObserver) Recommend(_ context.Context, rec adaptive.Recommendation, magnitude float64) {
	switch rec {
	case adaptive.RecommendIncrease:
		o.pool.ReleaseBackpressure()
	case adaptive.RecommendDecrease:
		// magnitude is the target shrink factor (0.8 or 0.6); ApplyBackpressure
		// takes a [0,1] level scaled by the pool's own aggressiveness, so invert
		// the shrink factor into a level.
		level := 1 - magnitude
		if level < 0 {
			level = 0
		}
		o.pool.ApplyBackpressure(level)
	}
}

// pressureToBatchK maps a memory pressure level to the RESOURCE_AWARE batch
// strategy's k exponent (spec.md §4.8: k=0 below HIGH, 1 at HIGH, 2 at or
// above CRITICAL).
func pressureToBatchK(level adaptive.PressureLevel) int {
	switch {
	case level >= adaptive.PressureCritical:
		return 2
	case level >= adaptive.PressureHigh:
		return 1
	default:
		return 0
	}
}
