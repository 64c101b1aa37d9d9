package api

import "net/http"

// handleStreamEvents streams the engine's events as SSE until the client
// disconnects or the engine is disposed.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	f := facadeFrom(r)
	if s.broker == nil {
		s.writeError(w, http.StatusNotImplemented, "event streaming is not configured")
		return
	}

	// Subscribing to a closed topic returns a closed channel, so an engine
	// disposed in the meantime ends the loop below at once.
	ch, unsub := s.broker.Subscribe(f.ID())
	defer unsub()

	defer trackStream("events")()
	rc := s.startSSE(w)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				rc.Flush()
				return
			}
			if err := writeSSEJSON(w, ev.Type, ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			rc.Flush()
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}
