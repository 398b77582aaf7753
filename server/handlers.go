package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/chunker"
	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/engine"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// errorStatus maps the error taxonomy onto HTTP.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case core.IsRetryable(err):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) respondErr(w http.ResponseWriter, op string, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error(op+"_failed", zap.Error(err))
	}
	respondError(w, status, code, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	SessionID    string `json:"session_id"`
	Message      string `json:"message"`
	IncludeTrace bool   `json:"include_trace"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	out, err := s.engine.Chat(r.Context(), engine.ChatInput{SessionID: req.SessionID, Message: req.Message})
	if err != nil {
		s.respondErr(w, "chat", err)
		return
	}
	if !req.IncludeTrace {
		out.Trace = nil
	}
	respondJSON(w, http.StatusOK, out)
}

type documentRequest struct {
	DocumentID string          `json:"document_id"`
	Filename   string          `json:"filename"`
	Content    string          `json:"content"`
	Chunking   *chunker.Config `json:"chunking,omitempty"`
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	in, err := s.parseDocument(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "too_large", fmt.Sprintf("document exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.respondErr(w, "upload", err)
		return
	}

	doc, err := s.engine.Ingest(r.Context(), in)
	if err != nil {
		s.respondErr(w, "ingest", err)
		return
	}
	respondJSON(w, http.StatusCreated, doc)
}

// parseDocument accepts a multipart upload in the "file" field or a JSON
// body.
func (s *Server) parseDocument(r *http.Request) (engine.IngestInput, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req documentRequest
		if err := decodeJSON(r, &req); err != nil {
			if errors.Is(err, errEmptyBody) {
				return engine.IngestInput{}, &core.ValidationError{Field: "body", Reason: "must not be empty"}
			}
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return engine.IngestInput{}, err
			}
			return engine.IngestInput{}, &core.ValidationError{Field: "body", Reason: err.Error()}
		}
		return engine.IngestInput{
			DocumentID: req.DocumentID,
			Filename:   req.Filename,
			Content:    req.Content,
			Chunking:   req.Chunking,
		}, nil
	}

	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return engine.IngestInput{}, err
		}
		return engine.IngestInput{}, &core.ValidationError{Field: "body", Reason: err.Error()}
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return engine.IngestInput{}, &core.ValidationError{Field: "file", Reason: "missing"}
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		return engine.IngestInput{}, err
	}

	in := engine.IngestInput{
		DocumentID: r.FormValue("document_id"),
		Filename:   header.Filename,
		Content:    string(content),
	}
	chunking, err := s.formChunking(r)
	if err != nil {
		return engine.IngestInput{}, err
	}
	in.Chunking = chunking
	return in, nil
}

// formChunking overlays the strategy, chunk_size and overlap form fields on
// the engine's default chunking. It returns nil when none are set.
func (s *Server) formChunking(r *http.Request) (*chunker.Config, error) {
	strategy := strings.ToLower(strings.TrimSpace(r.FormValue("strategy")))
	size := strings.TrimSpace(r.FormValue("chunk_size"))
	overlap := strings.TrimSpace(r.FormValue("overlap"))
	if strategy == "" && size == "" && overlap == "" {
		return nil, nil
	}

	cfg := s.engine.Chunking()
	if strategy != "" {
		cfg.Strategy = chunker.Strategy(strategy)
	}
	if size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, &core.ValidationError{Field: "chunk_size", Reason: "must be an integer"}
		}
		cfg.ChunkSize = n
	}
	if overlap != "" {
		n, err := strconv.Atoi(overlap)
		if err != nil {
			return nil, &core.ValidationError{Field: "overlap", Reason: "must be an integer"}
		}
		cfg.Overlap = n
	}
	return &cfg, nil
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.engine.Documents(r.Context())
	if err != nil {
		s.respondErr(w, "list_documents", err)
		return
	}
	if docs == nil {
		docs = []core.Document{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.DeleteDocument(r.Context(), id); err != nil {
		s.respondErr(w, "delete_document", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.Sessions(r.Context())
	if err != nil {
		s.respondErr(w, "list_sessions", err)
		return
	}
	if sessions == nil {
		sessions = []core.SessionSummary{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	msgs, err := s.engine.History(r.Context(), id, limit)
	if err != nil {
		s.respondErr(w, "session_messages", err)
		return
	}
	if msgs == nil {
		msgs = []core.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "messages": msgs})
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.engine.RenameSession(r.Context(), id, req.Name); err != nil {
		s.respondErr(w, "rename_session", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"session_id": id, "display_name": strings.TrimSpace(req.Name)})
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondErr(w, "clear_session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
