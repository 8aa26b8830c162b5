// stats.go declares the statistics boundary of the heap.
package heap

// Counter names reported through Stats.
const (
	// StatRunActive tracks the total bytes of chunks currently backing runs.
	StatRunActive = "heap_run_active"

	// StatRunAllocated tracks the total bytes allocated out of run cells.
	StatRunAllocated = "heap_run_allocated"
)

// Stats receives counter updates from the heap. Implementations must be safe
// for concurrent use. A nil Stats disables reporting with zero overhead.
type Stats interface {
	Inc(name string, delta uint64)
	Sub(name string, delta uint64)
}

// statsInc and statsSub tolerate a nil Stats so call sites stay unconditional.

func statsInc(s Stats, name string, delta uint64) {
	if s != nil {
		s.Inc(name, delta)
	}
}

func statsSub(s Stats, name string, delta uint64) {
	if s != nil {
		s.Sub(name, delta)
	}
}
