package audit

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/reactorhub/reactorhub/internal/httpserver"
)

// Handler provides HTTP handlers for the operator-facing audit log API.
type Handler struct {
	writer *Writer
}

// NewHandler creates an audit log Handler backed by the given Writer.
func NewHandler(writer *Writer) *Handler {
	return &Handler{writer: writer}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	entries, total, err := h.writer.Recent(r.Context(), int64(params.Offset), int64(params.PageSize))
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(entries, params, int(total)))
}
