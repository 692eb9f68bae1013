package api

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
)

// AccessLogHandler handles GET /access-log. Entries are newest first; a
// missing or zero limit uses the audit default.
func (s *Server) AccessLogHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.auditor.Recent(r.Context(), limit)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("reading access log failed")
		writeError(w, http.StatusInternalServerError, internalError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}
