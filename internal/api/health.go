package api

import (
	"net/http"

	"github.com/seantiz/enginebridge/internal/model"
)

// healthResponse reports liveness. Failed engines are listed but do not
// make the process unhealthy.
type healthResponse struct {
	Status  string   `json:"status"`
	Engines int      `json:"engines"`
	Failed  []string `json:"failed,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	for _, e := range s.bridge.List() {
		resp.Engines++
		if e.Status == model.StatusError {
			resp.Failed = append(resp.Failed, e.ID)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
