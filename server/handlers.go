package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/meigma/blobtree/chunk"
	"github.com/meigma/blobtree/decoder"
	"github.com/meigma/blobtree/diag"
	"github.com/meigma/blobtree/source"
)

type formatsResponse struct {
	Formats []string `json:"formats" msgpack:"formats"`
}

type blobInfo struct {
	Name string `json:"name" msgpack:"name"`
	ID   string `json:"id" msgpack:"id"`
	Size int64  `json:"size" msgpack:"size"`
}

// DecodeResponse is the body of a successful decode request.
type DecodeResponse struct {
	Format      string            `json:"format" msgpack:"format"`
	Blob        string            `json:"blob" msgpack:"blob"`
	Start       uint64            `json:"start" msgpack:"start"`
	Parent      chunk.ID          `json:"parent,omitempty" msgpack:"parent,omitempty"`
	Root        chunk.ID          `json:"root,omitempty" msgpack:"root,omitempty"`
	Status      string            `json:"status" msgpack:"status"`
	Phases      []string          `json:"phases,omitempty" msgpack:"phases,omitempty"`
	Phase       string            `json:"phase,omitempty" msgpack:"phase,omitempty"`
	Diagnostics []diag.Diagnostic `json:"diagnostics,omitempty" msgpack:"diagnostics,omitempty"`
	Steps       uint64            `json:"steps" msgpack:"steps"`
	Chunks      int               `json:"chunks" msgpack:"chunks"`
	Cached      bool              `json:"cached,omitempty" msgpack:"cached,omitempty"`
}

func (s *Server) formatsHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.write(w, r, http.StatusOK, formatsResponse{Formats: s.engine.Formats()})
}

func (s *Server) blobsHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	infos := make([]blobInfo, 0, len(s.blobs))
	for _, name := range s.blobNames() {
		src := s.blobs[name]
		infos = append(infos, blobInfo{Name: name, ID: src.SourceID(), Size: src.Size()})
	}
	s.write(w, r, http.StatusOK, infos)
}

func (s *Server) blob(w http.ResponseWriter, r *http.Request, ps httprouter.Params) (source.ByteSource, bool) {
	name := ps.ByName("blob")
	src, ok := s.blobs[name]
	if !ok {
		s.fail(w, r, http.StatusNotFound, fmt.Errorf("unknown blob %q", name))
	}
	return src, ok
}

// decodeHandler runs a decode. Decode failures are part of the 200 response;
// only invalid calls and store failures produce error statuses.
func (s *Server) decodeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	src, ok := s.blob(w, r, ps)
	if !ok {
		return
	}
	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		s.fail(w, r, http.StatusBadRequest, fmt.Errorf("missing format parameter"))
		return
	}
	var opts []decoder.RunOption
	if v := q.Get("offset"); v != "" {
		off, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			s.fail(w, r, http.StatusBadRequest, fmt.Errorf("bad offset %q: %w", v, err))
			return
		}
		opts = append(opts, decoder.At(off))
	}
	if v := q.Get("parent"); v != "" {
		parent, err := chunk.ParseID(v)
		if err != nil {
			s.fail(w, r, http.StatusBadRequest, fmt.Errorf("bad parent %q: %w", v, err))
			return
		}
		opts = append(opts, decoder.Under(parent))
	}

	res, err := s.engine.Decode(r.Context(), src, format, opts...)
	if err != nil {
		s.fail(w, r, statusOf(err), err)
		return
	}
	s.write(w, r, http.StatusOK, DecodeResponse{
		Format:      res.Format,
		Blob:        res.Blob,
		Start:       res.Start,
		Parent:      res.Parent,
		Root:        res.Root,
		Status:      res.Status.String(),
		Phases:      res.Phases,
		Phase:       res.Phase,
		Diagnostics: res.Diagnostics,
		Steps:       res.Steps,
		Chunks:      res.Chunks(),
		Cached:      res.Cached,
	})
}

func (s *Server) rootsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	src, ok := s.blob(w, r, ps)
	if !ok {
		return
	}
	roots, err := s.engine.Store().Roots(r.Context(), src.SourceID())
	if err != nil {
		s.fail(w, r, statusOf(err), err)
		return
	}
	s.write(w, r, http.StatusOK, nonNil(roots))
}

func (s *Server) chunkID(w http.ResponseWriter, r *http.Request, ps httprouter.Params) (chunk.ID, bool) {
	id, err := chunk.ParseID(ps.ByName("id"))
	if err != nil || id == 0 {
		s.fail(w, r, http.StatusBadRequest, fmt.Errorf("bad chunk id %q", ps.ByName("id")))
		return 0, false
	}
	return id, true
}

func (s *Server) chunkHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := s.chunkID(w, r, ps)
	if !ok {
		return
	}
	c, err := s.engine.Store().Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, statusOf(err), err)
		return
	}
	s.write(w, r, http.StatusOK, c)
}

func (s *Server) childrenHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := s.chunkID(w, r, ps)
	if !ok {
		return
	}
	children, err := s.engine.Store().Children(r.Context(), id)
	if err != nil {
		s.fail(w, r, statusOf(err), err)
		return
	}
	s.write(w, r, http.StatusOK, nonNil(children))
}

func (s *Server) deleteHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := s.chunkID(w, r, ps)
	if !ok {
		return
	}
	if err := s.engine.Store().Delete(r.Context(), id); err != nil {
		s.fail(w, r, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func nonNil(cs []chunk.Chunk) []chunk.Chunk {
	if cs == nil {
		return []chunk.Chunk{}
	}
	return cs
}
