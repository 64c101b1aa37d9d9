package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/enginebridge/internal/bridge"
	"github.com/seantiz/enginebridge/internal/facade"
	"github.com/seantiz/enginebridge/internal/model"
)

type ctxKey struct{}

var errNotFound = errors.New("engine not found")

// engineCtx resolves {id} to the server's facade for that engine.
func (s *Server) engineCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		f, err := s.facade(id)
		if err != nil {
			s.writeError(w, http.StatusNotFound, "engine not found")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, f)))
	})
}

func facadeFrom(r *http.Request) *facade.Facade {
	return r.Context().Value(ctxKey{}).(*facade.Facade)
}

// facade returns the server's facade for id, creating it on first use. A
// facade whose adapter was replaced in the bridge is rebuilt.
func (s *Server) facade(id string) (*facade.Facade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bridge.Adapter(id)
	if f, cached := s.facades[id]; cached {
		if ok && f.Status() != model.StatusTerminated {
			return f, nil
		}
		f.Dispose(context.Background())
		delete(s.facades, id)
	}
	if !ok {
		return nil, errNotFound
	}
	f, err := s.bridge.GetEngine(id)
	if err != nil {
		return nil, err
	}
	s.facades[id] = f
	return f, nil
}

func (s *Server) closeFacades() {
	s.mu.Lock()
	facades := s.facades
	s.facades = make(map[string]*facade.Facade)
	s.mu.Unlock()
	for _, f := range facades {
		f.Dispose(context.Background())
	}
}

// engineResponse is the JSON body for a single engine.
type engineResponse struct {
	bridge.EngineInfo
	Status model.Status `json:"status"`
	Hidden bool         `json:"hidden"`
	Error  string       `json:"error,omitempty"`
}

func (s *Server) handleListEngines(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bridge.List())
}

func (s *Server) handleGetEngine(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.describe(facadeFrom(r)))
}

func (s *Server) describe(f *facade.Facade) engineResponse {
	cfg := f.Config()
	resp := engineResponse{
		EngineInfo: bridge.EngineInfo{
			ID:                   cfg.ID,
			Name:                 cfg.Name,
			Protocol:             cfg.Protocol,
			RequiresConsent:      cfg.RequiresConsent(),
			Disclaimer:           cfg.Disclaimer,
			LicenseURL:           cfg.LicenseURL,
			RequiredCapabilities: cfg.RequiredCapabilities,
		},
		Status: f.Status(),
		Hidden: f.Hidden(),
	}
	if err := f.Err(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// handleLoad starts loading in the background and returns 202, or with
// ?wait=true blocks until the engine is ready.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	f := facadeFrom(r)
	if r.URL.Query().Get("wait") == "true" {
		if err := f.Load(r.Context()); err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, s.describe(f))
		return
	}

	go func() {
		if err := f.Load(context.Background()); err != nil {
			s.logger.Error("background load failed", "engine_id", f.ID(), "error", err)
		}
	}()
	s.writeJSON(w, http.StatusAccepted, s.describe(f))
}

type consentRequest struct {
	Accept bool `json:"accept"`
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	f := facadeFrom(r)
	if req.Accept {
		f.GrantConsent()
	} else {
		f.DeclineConsent()
	}
	s.logger.Info("consent recorded", "engine_id", f.ID(), "accepted", req.Accept)
	s.writeJSON(w, http.StatusOK, s.describe(f))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	f := facadeFrom(r)
	if err := f.Stop(r.Context()); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.describe(f))
}

type optionRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s *Server) handleSetOption(w http.ResponseWriter, r *http.Request) {
	var req optionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := facadeFrom(r).SetOption(r.Context(), req.Name, req.Value); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type visibilityRequest struct {
	Visible bool `json:"visible"`
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	f := facadeFrom(r)
	if err := f.SetVisible(r.Context(), req.Visible); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.describe(f))
}
