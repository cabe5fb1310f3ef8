// Package utils contains small helpers shared across the pipeline.
package utils

import (
	"runtime"
	"sync"

	"go.viam.com/utils"
)

// ParallelFactor controls the max level of parallelization. This might be useful
// to set in tests where too much parallelism actually slows tests down in
// aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

// ParallelRange splits [0, total) into at most ParallelFactor contiguous chunks and calls f on
// each chunk from its own goroutine. It returns once every chunk is done.
func ParallelRange(total int, f func(from, to int)) {
	if total <= 0 {
		return
	}
	groups := ParallelFactor
	if groups > total {
		groups = total
	}
	size := total / groups
	extra := total % groups

	var wait sync.WaitGroup
	wait.Add(groups)
	from := 0
	for g := 0; g < groups; g++ {
		to := from + size
		if g < extra {
			to++
		}
		f0, t0 := from, to
		utils.PanicCapturingGo(func() {
			defer wait.Done()
			f(f0, t0)
		})
		from = to
	}
	wait.Wait()
}

// ParallelForEachRow calls f for every row in [0, height), spreading rows over ParallelFactor
// goroutines.
func ParallelForEachRow(height int, f func(y int)) {
	ParallelRange(height, func(from, to int) {
		for y := from; y < to; y++ {
			f(y)
		}
	})
}
