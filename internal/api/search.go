package api

import (
	"net/http"
	"time"

	"github.com/seantiz/enginebridge/internal/model"
)

// searchRequest is the JSON body for POST /v1/engines/{id}/search.
type searchRequest struct {
	Position   string   `json:"position"`
	Moves      []string `json:"moves"`
	Depth      int      `json:"depth"`
	Nodes      int64    `json:"nodes"`
	MoveTimeMS int64    `json:"move_time_ms"`
	Infinite   bool     `json:"infinite"`
	MultiPV    int      `json:"multi_pv"`
}

func (req searchRequest) options() model.SearchOptions {
	return model.SearchOptions{
		Position: req.Position,
		Moves:    req.Moves,
		Depth:    req.Depth,
		Nodes:    req.Nodes,
		MoveTime: time.Duration(req.MoveTimeMS) * time.Millisecond,
		Infinite: req.Infinite,
		MultiPV:  req.MultiPV,
	}
}

// handleSearch starts a search and streams it as SSE: one "info" event per
// report, then a "result" or "error" event. A client that disconnects stops
// the search.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Position == "" {
		s.writeError(w, http.StatusBadRequest, "position is required")
		return
	}

	f := facadeFrom(r)
	t, err := f.Search(r.Context(), req.options())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	defer trackStream("search")()
	w.Header().Set("X-Position-Id", t.PositionID())
	rc := s.startSSE(w)

	for info := range t.Infos(r.Context()) {
		if err := writeSSEJSON(w, "info", info); err != nil {
			t.Stop()
			return
		}
		rc.Flush()
	}

	res, err := t.Wait(r.Context())
	if r.Context().Err() != nil {
		t.Stop()
		return
	}
	if err != nil {
		_ = writeSSEJSON(w, "error", errorBody(err))
	} else {
		_ = writeSSEJSON(w, "result", res)
	}
	rc.Flush()
}
