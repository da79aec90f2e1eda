package sample

import (
	"runtime"
	"sync"
)

// parallelFor splits [0,n) into numWorkers contiguous chunks and runs fn
// on each chunk concurrently, waiting for all to finish. numWorkers <= 0
// means "use GOMAXPROCS", mirroring the teacher's omp_thread_num==0
// default.
func parallelFor(n int, numWorkers int, fn func(start, end int)) {
	if n == 0 {
		return
	}
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	if numWorkers > n {
		numWorkers = n
	}
	chunk := (n + numWorkers - 1) / numWorkers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
