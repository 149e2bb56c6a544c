package gate

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/TecharoHQ/challengegate/lib/localization"
)

// ErrorResponse is the JSON body of every response the gate writes itself.
type ErrorResponse struct {
	Message string `json:"message"`
}

// https://github.com/oauth2-proxy/oauth2-proxy/blob/master/pkg/upstream/http.go#L124
type UnixRoundTripper struct {
	Transport *http.Transport
}

// set bare minimum stuff
func (t UnixRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Host == "" {
		req.Host = "localhost"
	}
	req.URL.Host = req.Host // proxy error: no Host in request URL
	req.URL.Scheme = "http" // make http.Transport happy and avoid an infinite recursion
	return t.Transport.RoundTrip(req)
}

func (s *Server) localizer(r *http.Request) *localization.SimpleLocalizer {
	if s.opts.ForcedLanguage != "" {
		return localization.ForLanguage(s.opts.ForcedLanguage)
	}

	return localization.GetLocalizer(r)
}

func (s *Server) respondWithError(w http.ResponseWriter, r *http.Request, messageID string) {
	s.respondWithStatus(w, r, messageID, http.StatusInternalServerError)
}

func (s *Server) respondWithStatus(w http.ResponseWriter, r *http.Request, messageID string, status int) {
	s.respondWithMessage(w, r, s.localizer(r).T(messageID), status)
}

func (s *Server) respondWithMessage(w http.ResponseWriter, r *http.Request, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(ErrorResponse{Message: msg}); err != nil {
		slog.Debug("can't write response", "path", r.URL.Path, "err", err)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) stripBasePrefixFromRequest(r *http.Request) *http.Request {
	if !s.opts.StripBasePrefix || s.opts.BasePrefix == "" {
		return r
	}

	basePrefix := strings.TrimSuffix(s.opts.BasePrefix, "/")
	path := r.URL.Path

	if !strings.HasPrefix(path, basePrefix) {
		return r
	}

	trimmedPath := strings.TrimPrefix(path, basePrefix)
	if trimmedPath == "" {
		trimmedPath = "/"
	}

	// Clone the request and URL
	reqCopy := r.Clone(r.Context())
	urlCopy := *r.URL
	urlCopy.Path = trimmedPath
	reqCopy.URL = &urlCopy

	return reqCopy
}

func (s *Server) ServeHTTPNext(w http.ResponseWriter, r *http.Request) {
	if s.next == nil {
		s.respondWithStatus(w, r, "allowed", http.StatusOK)
		return
	}

	requestsProxied.WithLabelValues(r.Host).Inc()
	r = s.stripBasePrefixFromRequest(r)
	s.next.ServeHTTP(w, r)
}
