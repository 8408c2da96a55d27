package fn

import "sync"

// Join runs fns concurrently and waits for every one of them, returning the
// results in argument order. Nothing is returned before all calls finish.
func Join[T any](fns ...func() Result[T]) []Result[T] {
	out := make([]Result[T], len(fns))
	var wg sync.WaitGroup
	for i, f := range fns {
		wg.Add(1)
		go func(i int, f func() Result[T]) {
			defer wg.Done()
			out[i] = f()
		}(i, f)
	}
	wg.Wait()
	return out
}

// FanOutResult runs fns concurrently; returns the first error (by position)
// or all values.
func FanOutResult[T any](fns ...func() Result[T]) Result[[]T] {
	return Collect(Join(fns...))
}
