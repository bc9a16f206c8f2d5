package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pich/internal/cards/models"
	id "pich/pkg/domain"
	dErrors "pich/pkg/domain-errors"
	"pich/pkg/platform/httputil"
	"pich/pkg/requestcontext"
)

// Service defines the card operations the handler needs.
type Service interface {
	CreateCard(ctx context.Context, requester id.UserID, f models.Fields) (*models.Card, error)
	FindAll(ctx context.Context, requester id.UserID) ([]*models.Card, error)
	FindOne(ctx context.Context, cardID id.CardID, requester id.UserID) (*models.Card, error)
	FindOnePublic(ctx context.Context, cardID id.CardID) (*models.Card, error)
	UpdateCard(ctx context.Context, cardID id.CardID, requester id.UserID, f models.Fields) (*models.Card, error)
	ToggleMainCard(ctx context.Context, cardID id.CardID, requester id.UserID) (*models.Card, error)
	TogglePrime(ctx context.Context, cardID id.CardID, requester id.UserID) (*models.Card, error)
	ToggleWallet(ctx context.Context, cardID id.CardID, requester id.UserID) (*models.Card, error)
	Remove(ctx context.Context, cardID id.CardID, requester id.UserID) error
}

// Handler serves the /cards endpoints.
type Handler struct {
	cards  Service
	logger *slog.Logger
}

func New(cards Service, logger *slog.Logger) *Handler {
	return &Handler{cards: cards, logger: logger}
}

// Register mounts the authenticated card routes.
func (h *Handler) Register(r chi.Router) {
	r.Post("/cards", h.HandleCreate)
	r.Get("/cards", h.HandleFindAll)
	r.Get("/cards/{id}", h.HandleFindOne)
	r.Patch("/cards/{id}", h.HandleUpdate)
	r.Patch("/cards/{id}/toggle-main", h.HandleToggleMain)
	r.Patch("/cards/{id}/toggle-prime", h.HandleTogglePrime)
	r.Patch("/cards/{id}/toggle-wallet", h.HandleToggleWallet)
	r.Delete("/cards/{id}", h.HandleRemove)
}

// RegisterPublic mounts the unauthenticated lookup used before connecting.
func (h *Handler) RegisterPublic(r chi.Router) {
	r.Get("/cards/public/{id}", h.HandleFindPublic)
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	req, ok := httputil.DecodeAndPrepare[CreateCardRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	card, err := h.cards.CreateCard(ctx, userID, req.Fields())
	if err != nil {
		h.fail(ctx, w, "failed to create card", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, card)
}

func (h *Handler) HandleFindAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	cards, err := h.cards.FindAll(r.Context(), userID)
	if err != nil {
		h.fail(r.Context(), w, "failed to list cards", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cards)
}

func (h *Handler) HandleFindOne(w http.ResponseWriter, r *http.Request) {
	h.withOwnedCard(w, r, "failed to load card", h.cards.FindOne)
}

func (h *Handler) HandleFindPublic(w http.ResponseWriter, r *http.Request) {
	cardID, ok := h.cardID(w, r)
	if !ok {
		return
	}
	card, err := h.cards.FindOnePublic(r.Context(), cardID)
	if err != nil {
		h.fail(r.Context(), w, "failed to load public card", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, card)
}

func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	cardID, ok := h.cardID(w, r)
	if !ok {
		return
	}

	req, ok := httputil.DecodeAndPrepare[CardRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	card, err := h.cards.UpdateCard(ctx, cardID, userID, req.Fields())
	if err != nil {
		h.fail(ctx, w, "failed to update card", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, card)
}

func (h *Handler) HandleToggleMain(w http.ResponseWriter, r *http.Request) {
	h.withOwnedCard(w, r, "failed to toggle main card", h.cards.ToggleMainCard)
}

func (h *Handler) HandleTogglePrime(w http.ResponseWriter, r *http.Request) {
	h.withOwnedCard(w, r, "failed to toggle prime", h.cards.TogglePrime)
}

func (h *Handler) HandleToggleWallet(w http.ResponseWriter, r *http.Request) {
	h.withOwnedCard(w, r, "failed to toggle wallet", h.cards.ToggleWallet)
}

func (h *Handler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	cardID, ok := h.cardID(w, r)
	if !ok {
		return
	}
	if err := h.cards.Remove(r.Context(), cardID, userID); err != nil {
		h.fail(r.Context(), w, "failed to remove card", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cardOp func(ctx context.Context, cardID id.CardID, requester id.UserID) (*models.Card, error)

func (h *Handler) withOwnedCard(w http.ResponseWriter, r *http.Request, msg string, op cardOp) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	cardID, ok := h.cardID(w, r)
	if !ok {
		return
	}
	card, err := op(r.Context(), cardID, userID)
	if err != nil {
		h.fail(r.Context(), w, msg, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, card)
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (id.UserID, bool) {
	userID := requestcontext.UserID(r.Context())
	if userID.IsNil() {
		// RequireAuth should have rejected the request already.
		h.logger.ErrorContext(r.Context(), "user id missing from context despite auth middleware",
			"request_id", requestcontext.RequestID(r.Context()),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return id.UserID{}, false
	}
	return userID, true
}

func (h *Handler) cardID(w http.ResponseWriter, r *http.Request) (id.CardID, bool) {
	cardID, err := id.ParseCardID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.CardID{}, false
	}
	return cardID, true
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
