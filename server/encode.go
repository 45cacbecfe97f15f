package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/meigma/blobtree/chunk"
	"github.com/meigma/blobtree/decoder"
)

const (
	contentJSON    = "application/json"
	contentMsgpack = "application/msgpack"
)

type errorResponse struct {
	Error string `json:"error" msgpack:"error"`
}

// wantsMsgpack reports whether the Accept header lists msgpack.
func wantsMsgpack(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(mt, contentMsgpack) || strings.EqualFold(mt, "application/x-msgpack") {
			return true
		}
	}
	return false
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, status int, val any) {
	var (
		body []byte
		err  error
	)
	if wantsMsgpack(r) {
		w.Header().Set("Content-Type", contentMsgpack)
		body, err = msgpack.Marshal(val)
	} else {
		w.Header().Set("Content-Type", contentJSON+"; charset=utf-8")
		body, err = json.Marshal(val)
	}
	if err != nil {
		s.log().Error("encode response", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		s.log().Debug("write response", "path", r.URL.Path, "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log().Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.write(w, r, status, errorResponse{Error: err.Error()})
}

// statusOf maps engine and store errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, chunk.ErrNotFound), errors.Is(err, decoder.ErrUnknownFormat):
		return http.StatusNotFound
	case errors.Is(err, decoder.ErrStartOutsideParent), errors.Is(err, chunk.ErrBlobMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
