package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Engines     int            `json:"engines"`
	ByStatus    map[string]int `json:"by_status"`
	ByProtocol  map[string]int `json:"by_protocol"`
	LiveFacades int            `json:"live_facades"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	engines := s.bridge.List()
	resp := statsResponse{
		Engines:     len(engines),
		ByStatus:    make(map[string]int),
		ByProtocol:  make(map[string]int),
		LiveFacades: s.bridge.LiveEngines(),
	}
	for _, e := range engines {
		resp.ByStatus[string(e.Status)]++
		resp.ByProtocol[e.Protocol]++
	}
	s.writeJSON(w, http.StatusOK, resp)
}
