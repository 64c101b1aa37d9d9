package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/enginebridge/internal/enginerr"
)

const maxBodySize = 1 << 20 // 1 MB

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Hint  string `json:"hint,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// writeEngineError maps an engine error to a status code and writes it with
// its kind and hint.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), errorBody(err))
}

func errorBody(err error) errorResponse {
	body := errorResponse{Error: err.Error(), Kind: string(enginerr.KindOf(err))}
	var e *enginerr.Error
	if errors.As(err, &e) {
		body.Hint = e.Hint
	}
	return body
}

func statusFor(err error) int {
	switch enginerr.KindOf(err) {
	case enginerr.KindValidation:
		return http.StatusBadRequest
	case enginerr.KindSecurity:
		return http.StatusForbidden
	case enginerr.KindNotReady, enginerr.KindAborted, enginerr.KindCancelled:
		return http.StatusConflict
	case enginerr.KindTimeout:
		return http.StatusGatewayTimeout
	case enginerr.KindNetwork, enginerr.KindEngine:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a bounded JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// writeSSEData writes a data-only SSE event. Multi-line strings are split so
// that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, data string) error {
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	return writeSSEData(w, data)
}

// writeSSEJSON writes a named SSE event carrying v as JSON.
func writeSSEJSON(w http.ResponseWriter, eventType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return writeSSEEvent(w, eventType, string(data))
}

// startSSE sends the event stream headers with the write deadline lifted,
// since streams outlive the server's write timeout.
func (s *Server) startSSE(w http.ResponseWriter) *http.ResponseController {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}
	w.WriteHeader(http.StatusOK)
	rc.Flush()
	return rc
}
