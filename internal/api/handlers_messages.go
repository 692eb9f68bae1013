package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/org/msgarchive/internal/archive"
	"github.com/rs/zerolog/log"
)

type messagesResponse struct {
	Messages      []archive.Message `json:"messages"`
	NextPageToken *string           `json:"next_page_token"`
}

type batchRequest struct {
	ChatID    *int64 `json:"chat_id"`
	UserID    *int64 `json:"user_id"`
	BatchSize int    `json:"batch_size"`
}

type batchResponse struct {
	Messages []archive.Message `json:"messages"`
	Count    int               `json:"count"`
}

// MessagesHandler handles GET /messages
func (s *Server) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := archive.RetrieveRequest{Cursor: q.Get("start_after")}

	var err error
	if req.ChatID, err = optionalInt(q.Get("chat_id")); err != nil {
		writeError(w, http.StatusBadRequest, "chat_id must be an integer")
		return
	}
	if req.UserID, err = optionalInt(q.Get("user_id")); err != nil {
		writeError(w, http.StatusBadRequest, "user_id must be an integer")
		return
	}
	if l := q.Get("limit"); l != "" {
		if req.Limit, err = strconv.Atoi(l); err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
	}

	page, err := s.archive.Retrieve(r.Context(), req)
	if err != nil {
		s.archiveError(w, r, err)
		return
	}
	resp := messagesResponse{Messages: page.Messages}
	if page.NextCursor != "" {
		resp.NextPageToken = &page.NextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// BatchHandler handles POST /messages/batch
func (s *Server) BatchHandler(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msgs, err := s.archive.Batch(r.Context(), archive.BatchRequest{
		ChatID:    body.ChatID,
		UserID:    body.UserID,
		BatchSize: body.BatchSize,
	})
	if err != nil {
		s.archiveError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Messages: msgs, Count: len(msgs)})
}

func (s *Server) archiveError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, archive.ErrInvalidCursor), errors.Is(err, archive.ErrInvalidLimit):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Ctx(r.Context()).Error().Err(err).Msg("reading messages failed")
		writeError(w, http.StatusInternalServerError, internalError)
	}
}

func optionalInt(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
