package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	cardmodels "pich/internal/cards/models"
	"pich/internal/connections/models"
	id "pich/pkg/domain"
	dErrors "pich/pkg/domain-errors"
	"pich/pkg/platform/httputil"
	"pich/pkg/requestcontext"
)

// Service defines the connection operations the handler needs.
type Service interface {
	Create(ctx context.Context, requester id.UserID, scannedCardID id.CardID, ownCardID *id.CardID) (*models.View, error)
	FindAll(ctx context.Context, requester id.UserID) ([]models.View, error)
	FindOne(ctx context.Context, connID id.ConnectionID, requester id.UserID) (*models.View, error)
	UpdateNotes(ctx context.Context, connID id.ConnectionID, requester id.UserID, notes string) (*models.View, error)
	ToggleFavorite(ctx context.Context, connID id.ConnectionID, requester id.UserID) (*models.View, error)
	Remove(ctx context.Context, connID id.ConnectionID, requester id.UserID) error
	FindConnectedCards(ctx context.Context, requester id.UserID) ([]*cardmodels.Card, error)
}

// Handler serves the /connections endpoints.
type Handler struct {
	connections Service
	logger      *slog.Logger
}

func New(connections Service, logger *slog.Logger) *Handler {
	return &Handler{connections: connections, logger: logger}
}

// Register mounts the connection routes. All of them require a user.
func (h *Handler) Register(r chi.Router) {
	r.Post("/connections", h.HandleCreate)
	r.Get("/connections", h.HandleFindAll)
	r.Get("/connections/cards", h.HandleConnectedCards)
	r.Get("/connections/{id}", h.HandleFindOne)
	r.Patch("/connections/{id}/favorite", h.HandleToggleFavorite)
	r.Patch("/connections/{id}/notes", h.HandleUpdateNotes)
	r.Delete("/connections/{id}", h.HandleRemove)
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	req, ok := httputil.DecodeAndPrepare[CreateConnectionRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	view, err := h.connections.Create(ctx, userID, req.scanned, req.own)
	if err != nil {
		h.fail(ctx, w, "failed to create connection", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, view)
}

func (h *Handler) HandleFindAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	views, err := h.connections.FindAll(r.Context(), userID)
	if err != nil {
		h.fail(r.Context(), w, "failed to list connections", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, views)
}

func (h *Handler) HandleConnectedCards(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	cards, err := h.connections.FindConnectedCards(r.Context(), userID)
	if err != nil {
		h.fail(r.Context(), w, "failed to list connected cards", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cards)
}

func (h *Handler) HandleFindOne(w http.ResponseWriter, r *http.Request) {
	h.withConnection(w, r, "failed to load connection", h.connections.FindOne)
}

func (h *Handler) HandleToggleFavorite(w http.ResponseWriter, r *http.Request) {
	h.withConnection(w, r, "failed to toggle favorite", h.connections.ToggleFavorite)
}

func (h *Handler) HandleUpdateNotes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	connID, ok := h.connectionID(w, r)
	if !ok {
		return
	}

	req, ok := httputil.DecodeAndPrepare[UpdateNotesRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	view, err := h.connections.UpdateNotes(ctx, connID, userID, req.Notes)
	if err != nil {
		h.fail(ctx, w, "failed to update notes", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	connID, ok := h.connectionID(w, r)
	if !ok {
		return
	}
	if err := h.connections.Remove(r.Context(), connID, userID); err != nil {
		h.fail(r.Context(), w, "failed to remove connection", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type connectionOp func(ctx context.Context, connID id.ConnectionID, requester id.UserID) (*models.View, error)

func (h *Handler) withConnection(w http.ResponseWriter, r *http.Request, msg string, op connectionOp) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	connID, ok := h.connectionID(w, r)
	if !ok {
		return
	}
	view, err := op(r.Context(), connID, userID)
	if err != nil {
		h.fail(r.Context(), w, msg, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (id.UserID, bool) {
	userID := requestcontext.UserID(r.Context())
	if userID.IsNil() {
		h.logger.ErrorContext(r.Context(), "user id missing from context despite auth middleware",
			"request_id", requestcontext.RequestID(r.Context()),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return id.UserID{}, false
	}
	return userID, true
}

func (h *Handler) connectionID(w http.ResponseWriter, r *http.Request) (id.ConnectionID, bool) {
	connID, err := id.ParseConnectionID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.ConnectionID{}, false
	}
	return connID, true
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
