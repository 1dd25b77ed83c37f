package flowthings

import "time"

// heartbeat posts a beat to the event loop every interval until halted.
// start and halt are only called from the event loop.
type heartbeat struct {
	interval time.Duration
	post     func(func())
	stop     chan struct{}
}

// start replaces any running ticker, so beats never accumulate across reconnects.
func (h *heartbeat) start(beat func()) {
	h.halt()

	stop := make(chan struct{})
	h.stop = stop

	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.post(beat)
			}
		}
	}()
}

func (h *heartbeat) halt() {
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
}
