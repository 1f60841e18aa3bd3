package engine

// StopRun cancels a currently-executing run's context, which dagexec.Run
// observes cooperatively: in-flight blocks are allowed to settle, remaining
// pending/running blocks are marked skipped, and the run is marked
// cancelled (spec.md §5 "Cancellation"). Returns false if runID isn't
// currently owned by this process.
func (e *Engine) StopRun(runID string) bool {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	ar.cancel()
	return true
}

// StopAll cancels every run this process currently owns, for graceful
// shutdown.
func (e *Engine) StopAll() {
	e.mu.Lock()
	ars := make([]*activeRun, 0, len(e.active))
	for _, ar := range e.active {
		ars = append(ars, ar)
	}
	e.mu.Unlock()

	for _, ar := range ars {
		ar.cancel()
	}
	for _, ar := range ars {
		<-ar.done
	}
}
