package monitor

import (
	"context"
)

// startScheduler launches the capture and tick cadences. The tickers are
// created before returning so the first sample and first tick fire one
// interval after Start. Callers hold e.mu.
//
// Capture cycles run detached: Stop waits for the two loops only, and a
// cycle that finishes after Stop is discarded by the generation check.
func (e *Engine) startScheduler(ctx context.Context, gen uint64) {
	captureTicker := e.clock.NewTicker(e.config.DetectionInterval)
	tickTicker := e.clock.NewTicker(TickInterval)

	e.loops.Add(2)

	go func() {
		defer e.loops.Done()
		defer captureTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-captureTicker.C():
				go e.runCycle(ctx, gen)
			}
		}
	}()

	go func() {
		defer e.loops.Done()
		defer tickTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-tickTicker.C():
				// Read the clock once the lock is held so a delayed tick
				// still measures elapsed time from now.
				e.runTick(e.clock.Now, gen)
			}
		}
	}()
}
