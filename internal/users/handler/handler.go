package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	cardmodels "pich/internal/cards/models"
	"pich/internal/users/models"
	"pich/internal/users/service"
	id "pich/pkg/domain"
	dErrors "pich/pkg/domain-errors"
	"pich/pkg/platform/httputil"
	"pich/pkg/requestcontext"
)

// Service defines the account operations the handler needs.
type Service interface {
	Register(ctx context.Context, in service.Registration) (*models.User, error)
	Profile(ctx context.Context, requester id.UserID) (*models.User, error)
	PublicProfileOf(ctx context.Context, requester, userID id.UserID) (*service.PublicProfile, error)
	UpdateProfile(ctx context.Context, requester, userID id.UserID, patch models.ProfilePatch) (*models.User, error)
	SetMainCard(ctx context.Context, requester, userID id.UserID, cardID id.CardID) (*cardmodels.Card, error)
	Delete(ctx context.Context, requester, userID id.UserID) error
}

// Handler serves the /users endpoints.
type Handler struct {
	users  Service
	logger *slog.Logger
}

func New(users Service, logger *slog.Logger) *Handler {
	return &Handler{users: users, logger: logger}
}

// RegisterPublic mounts account registration.
func (h *Handler) RegisterPublic(r chi.Router) {
	r.Post("/users", h.HandleRegister)
}

// Register mounts the authenticated account routes.
func (h *Handler) Register(r chi.Router) {
	r.Get("/users/profile", h.HandleProfile)
	r.Patch("/users/profile", h.HandleUpdateProfile)
	r.Get("/users/{id}", h.HandlePublicProfile)
	r.Patch("/users/{id}/main-card/{cardId}", h.HandleSetMainCard)
	r.Delete("/users/{id}", h.HandleDelete)
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[RegisterRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	user, err := h.users.Register(ctx, req.Registration())
	if err != nil {
		h.fail(ctx, w, "failed to register user", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, user)
}

func (h *Handler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	user, err := h.users.Profile(r.Context(), userID)
	if err != nil {
		h.fail(r.Context(), w, "failed to load profile", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, user)
}

func (h *Handler) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	req, ok := httputil.DecodeAndPrepare[UpdateProfileRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	user, err := h.users.UpdateProfile(ctx, userID, userID, req.Patch())
	if err != nil {
		h.fail(ctx, w, "failed to update profile", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, user)
}

func (h *Handler) HandleSetMainCard(w http.ResponseWriter, r *http.Request) {
	requester, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	cardID, err := id.ParseCardID(chi.URLParam(r, "cardId"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	card, err := h.users.SetMainCard(r.Context(), requester, userID, cardID)
	if err != nil {
		h.fail(r.Context(), w, "failed to set main card", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, card)
}

func (h *Handler) HandlePublicProfile(w http.ResponseWriter, r *http.Request) {
	requester, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	profile, err := h.users.PublicProfileOf(r.Context(), requester, userID)
	if err != nil {
		h.fail(r.Context(), w, "failed to load user", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, profile)
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	requester, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := h.users.Delete(r.Context(), requester, userID); err != nil {
		h.fail(r.Context(), w, "failed to delete user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
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

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (id.UserID, bool) {
	userID, err := id.ParseUserID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
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
