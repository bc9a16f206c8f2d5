package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pich/internal/qr/service"
	id "pich/pkg/domain"
	dErrors "pich/pkg/domain-errors"
	"pich/pkg/platform/httputil"
	"pich/pkg/requestcontext"
)

type Service interface {
	CardQR(ctx context.Context, requester id.UserID, cardID id.CardID) (*service.Code, error)
	UserQR(ctx context.Context, requester id.UserID) (*service.Code, error)
}

// Handler serves the /qr endpoints.
type Handler struct {
	qr     Service
	logger *slog.Logger
}

func New(qr Service, logger *slog.Logger) *Handler {
	return &Handler{qr: qr, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/qr/user", h.HandleUserQR)
	r.Get("/qr/cards/{id}", h.HandleCardQR)
}

func (h *Handler) HandleUserQR(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	code, err := h.qr.UserQR(r.Context(), userID)
	if err != nil {
		h.fail(r.Context(), w, "failed to issue user qr", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, code)
}

func (h *Handler) HandleCardQR(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	cardID, err := id.ParseCardID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	code, err := h.qr.CardQR(r.Context(), userID, cardID)
	if err != nil {
		h.fail(r.Context(), w, "failed to issue card qr", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, code)
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (id.UserID, bool) {
	userID := requestcontext.UserID(r.Context())
	if userID.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return id.UserID{}, false
	}
	return userID, true
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	level := slog.LevelWarn
	if dErrors.HasCode(err, dErrors.CodeInternal) {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, msg,
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	)
	httputil.WriteError(w, err)
}
