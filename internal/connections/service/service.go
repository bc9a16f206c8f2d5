package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"pich/internal/access"
	cardmodels "pich/internal/cards/models"
	"pich/internal/connections/metrics"
	"pich/internal/connections/models"
	"pich/internal/storage"
	usermodels "pich/internal/users/models"
	"pich/pkg/attrs"
	id "pich/pkg/domain"
	dErrors "pich/pkg/domain-errors"
	"pich/pkg/platform/audit"
	"pich/pkg/platform/sentinel"
	pstrings "pich/pkg/platform/strings"
	"pich/pkg/requestcontext"
)

type ConnectionStore interface {
	Create(ctx context.Context, conn *models.Connection) error
	FindByID(ctx context.Context, connID id.ConnectionID) (*models.Connection, error)
	FindBetween(ctx context.Context, a, b id.CardID) (*models.Connection, error)
	ListByCards(ctx context.Context, cardIDs []id.CardID) ([]*models.Connection, error)
	SetNotes(ctx context.Context, connID id.ConnectionID, side models.Side, notes *string, at time.Time) (*models.Connection, error)
	ToggleFavorite(ctx context.Context, connID id.ConnectionID, side models.Side, at time.Time) (*models.Connection, error)
	Delete(ctx context.Context, connID id.ConnectionID) error
}

type CardStore interface {
	FindByID(ctx context.Context, cardID id.CardID) (*cardmodels.Card, error)
	FindByIDs(ctx context.Context, cardIDs []id.CardID) ([]*cardmodels.Card, error)
	IDsByOwner(ctx context.Context, owner id.UserID) ([]id.CardID, error)
	FirstByOwner(ctx context.Context, owner id.UserID) (*cardmodels.Card, error)
}

type UserStore interface {
	FindByID(ctx context.Context, userID id.UserID) (*usermodels.User, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// maxOwnerLookups bounds the owner fan-out of FindConnectedCards.
const maxOwnerLookups = 8

// Service owns card-to-card connections. Which side a caller occupies is
// recomputed from their current cards on every call.
type Service struct {
	conns          ConnectionStore
	cards          CardStore
	users          UserStore
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(conns ConnectionStore, cards CardStore, users UserStore, opts ...Option) (*Service, error) {
	if conns == nil {
		return nil, errors.New("connection store is required")
	}
	if cards == nil {
		return nil, errors.New("card store is required")
	}
	if users == nil {
		return nil, errors.New("user store is required")
	}
	s := &Service{
		conns:  conns,
		cards:  cards,
		users:  users,
		tracer: otel.Tracer("pich/internal/connections"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create connects the requester's active card (or ownCardID when given) to
// the scanned card. The requester's card is stored as card1.
func (s *Service) Create(ctx context.Context, requester id.UserID, scannedCardID id.CardID, ownCardID *id.CardID) (view *models.View, err error) {
	ctx, span := s.tracer.Start(ctx, "connections.Create",
		trace.WithAttributes(attribute.String("card.scanned", scannedCardID.String())))
	defer func() { endSpan(span, err) }()

	if err := access.RequireIdentity(requester); err != nil {
		return nil, err
	}

	scanned, err := s.cards.FindByID(ctx, scannedCardID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "scanned card not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load scanned card")
	}

	mine, err := s.activeCard(ctx, requester, ownCardID)
	if err != nil {
		return nil, err
	}
	if mine.OwnerID == scanned.OwnerID {
		s.metrics.IncrementRejected("same_owner")
		return nil, dErrors.New(dErrors.CodeConflict, "cannot connect two of your own cards")
	}

	if _, err := s.conns.FindBetween(ctx, mine.ID, scanned.ID); err == nil {
		s.metrics.IncrementRejected("duplicate")
		return nil, errDuplicate()
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up connection")
	}

	conn := models.New(mine.ID, scanned.ID, requestcontext.Now(ctx))
	if err := s.conns.Create(ctx, conn); err != nil {
		switch {
		case sentinel.Constraint(err) == storage.ConstraintConnectionPair:
			// Lost the race with a concurrent scan of the same pair.
			s.metrics.IncrementRejected("duplicate")
			return nil, errDuplicate()
		case errors.Is(err, sentinel.ErrReferenced):
			return nil, dErrors.New(dErrors.CodeNotFound, "card not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create connection")
	}

	s.metrics.IncrementCreated()
	s.logAudit(ctx, string(audit.EventConnectionCreated),
		"user_id", requester.String(),
		"connection_id", conn.ID.String(),
		"card1_id", conn.Card1ID.String(),
		"card2_id", conn.Card2ID.String(),
	)
	v := conn.ViewFrom(models.SideCard1)
	return &v, nil
}

// activeCard picks the card a scan is made with: the explicit card when
// given, else the main card, else the oldest card.
func (s *Service) activeCard(ctx context.Context, requester id.UserID, explicit *id.CardID) (*cardmodels.Card, error) {
	if explicit != nil {
		card, err := s.cards.FindByID(ctx, *explicit)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, dErrors.New(dErrors.CodeNotFound, "card not found")
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load card")
		}
		if err := access.AuthorizeCardOwner(card, requester); err != nil {
			return nil, err
		}
		return card, nil
	}

	user, err := s.users.FindByID(ctx, requester)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "user not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load user")
	}
	if user.MainCardID != nil {
		card, err := s.cards.FindByID(ctx, *user.MainCardID)
		if err == nil && card.OwnerID == requester {
			return card, nil
		}
		if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load main card")
		}
	}

	card, err := s.cards.FirstByOwner(ctx, requester)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.metrics.IncrementRejected("no_card")
			return nil, dErrors.New(dErrors.CodeConflict, "you need a card before connecting")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load card")
	}
	return card, nil
}

// FindAll lists every connection touching one of the requester's cards, most
// recently interacted first.
func (s *Service) FindAll(ctx context.Context, requester id.UserID) ([]models.View, error) {
	mine, conns, err := s.listMine(ctx, requester)
	if err != nil {
		return nil, err
	}
	views := make([]models.View, 0, len(conns))
	for _, c := range conns {
		side, ok := models.ResolveSide(c, mine)
		if !ok {
			continue
		}
		views = append(views, c.ViewFrom(side))
	}
	return views, nil
}

func (s *Service) FindOne(ctx context.Context, connID id.ConnectionID, requester id.UserID) (*models.View, error) {
	conn, side, err := s.loadAsParticipant(ctx, connID, requester)
	if err != nil {
		return nil, err
	}
	v := conn.ViewFrom(side)
	return &v, nil
}

// UpdateNotes writes only the caller's notes. Empty notes clear them.
func (s *Service) UpdateNotes(ctx context.Context, connID id.ConnectionID, requester id.UserID, notes string) (*models.View, error) {
	_, side, err := s.loadAsParticipant(ctx, connID, requester)
	if err != nil {
		return nil, err
	}
	var value *string
	if trimmed := strings.TrimSpace(notes); trimmed != "" {
		value = &trimmed
	}
	conn, err := s.conns.SetNotes(ctx, connID, side, value, requestcontext.Now(ctx))
	if err != nil {
		return nil, s.translate(err, "failed to update notes")
	}
	s.metrics.IncrementSideUpdate("notes", side.String())
	v := conn.ViewFrom(side)
	return &v, nil
}

// ToggleFavorite flips only the caller's favorite flag.
func (s *Service) ToggleFavorite(ctx context.Context, connID id.ConnectionID, requester id.UserID) (*models.View, error) {
	_, side, err := s.loadAsParticipant(ctx, connID, requester)
	if err != nil {
		return nil, err
	}
	conn, err := s.conns.ToggleFavorite(ctx, connID, side, requestcontext.Now(ctx))
	if err != nil {
		return nil, s.translate(err, "failed to toggle favorite")
	}
	s.metrics.IncrementSideUpdate("favorite", side.String())
	v := conn.ViewFrom(side)
	return &v, nil
}

// Remove deletes the connection for both participants.
func (s *Service) Remove(ctx context.Context, connID id.ConnectionID, requester id.UserID) error {
	conn, side, err := s.loadAsParticipant(ctx, connID, requester)
	if err != nil {
		return err
	}
	if err := s.conns.Delete(ctx, connID); err != nil {
		return s.translate(err, "failed to remove connection")
	}
	s.metrics.IncrementRemoved()
	s.logAudit(ctx, string(audit.EventConnectionRemoved),
		"user_id", requester.String(),
		"connection_id", connID.String(),
		"side", side.String(),
		"counterpart_card_id", conn.Counterpart(side).String(),
	)
	return nil
}

// FindConnectedCards returns the counterpart card of every connection, in
// connection order, once per card, in their public form.
func (s *Service) FindConnectedCards(ctx context.Context, requester id.UserID) (cards []*cardmodels.Card, err error) {
	ctx, span := s.tracer.Start(ctx, "connections.FindConnectedCards")
	defer func() { endSpan(span, err) }()

	mine, conns, err := s.listMine(ctx, requester)
	if err != nil {
		return nil, err
	}
	counterparts := make([]id.CardID, 0, len(conns))
	for _, c := range conns {
		if side, ok := models.ResolveSide(c, mine); ok {
			counterparts = append(counterparts, c.Counterpart(side))
		}
	}
	counterparts = pstrings.DedupeBy(counterparts, func(cardID id.CardID) id.CardID { return cardID })
	span.SetAttributes(attribute.Int("cards.count", len(counterparts)))
	if len(counterparts) == 0 {
		return []*cardmodels.Card{}, nil
	}

	found, err := s.cards.FindByIDs(ctx, counterparts)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load connected cards")
	}
	byID := make(map[id.CardID]*cardmodels.Card, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}

	owners, err := s.loadOwners(ctx, found)
	if err != nil {
		return nil, err
	}

	cards = make([]*cardmodels.Card, 0, len(counterparts))
	for _, cardID := range counterparts {
		c, ok := byID[cardID]
		if !ok {
			continue
		}
		cards = append(cards, access.RedactCard(c, owners[c.OwnerID]))
	}
	return cards, nil
}

func (s *Service) loadOwners(ctx context.Context, cards []*cardmodels.Card) (map[id.UserID]*usermodels.User, error) {
	ownerIDs := make([]id.UserID, 0, len(cards))
	for _, c := range cards {
		ownerIDs = append(ownerIDs, c.OwnerID)
	}
	ownerIDs = pstrings.DedupeBy(ownerIDs, func(u id.UserID) id.UserID { return u })

	var mu sync.Mutex
	owners := make(map[id.UserID]*usermodels.User, len(ownerIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxOwnerLookups)
	for _, ownerID := range ownerIDs {
		g.Go(func() error {
			u, err := s.users.FindByID(gctx, ownerID)
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			owners[ownerID] = u
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load card owners")
	}
	return owners, nil
}

func (s *Service) listMine(ctx context.Context, requester id.UserID) (id.CardIDSet, []*models.Connection, error) {
	mine, err := s.myCards(ctx, requester)
	if err != nil {
		return nil, nil, err
	}
	if len(mine) == 0 {
		return mine, nil, nil
	}
	conns, err := s.conns.ListByCards(ctx, mine.Slice())
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list connections")
	}
	return mine, conns, nil
}

func (s *Service) myCards(ctx context.Context, requester id.UserID) (id.CardIDSet, error) {
	if err := access.RequireIdentity(requester); err != nil {
		return nil, err
	}
	ids, err := s.cards.IDsByOwner(ctx, requester)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load cards")
	}
	return id.NewCardIDSet(ids...), nil
}

// loadAsParticipant loads the connection and the caller's side. Missing and
// foreign connections both come back as NotFound.
func (s *Service) loadAsParticipant(ctx context.Context, connID id.ConnectionID, requester id.UserID) (*models.Connection, models.Side, error) {
	mine, err := s.myCards(ctx, requester)
	if err != nil {
		return nil, 0, err
	}
	conn, err := s.conns.FindByID(ctx, connID)
	if err != nil {
		return nil, 0, s.translate(err, "failed to load connection")
	}
	side, err := access.AuthorizeParticipant(conn, mine)
	if err != nil {
		return nil, 0, err
	}
	return conn, side, nil
}

func (s *Service) translate(err error, msg string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "connection not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}

func errDuplicate() error {
	return dErrors.New(dErrors.CodeConflict, "connection already exists")
}

func (s *Service) logAudit(ctx context.Context, event string, attributes ...any) {
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "event", event, "log_type", "audit")
	if s.logger != nil {
		s.logger.InfoContext(ctx, event, args...)
	}
	if s.auditPublisher == nil {
		return
	}
	userID, _ := id.ParseUserID(attrs.ExtractString(attributes, "user_id"))
	_ = s.auditPublisher.Emit(ctx, audit.Event{
		UserID:  userID,
		Subject: attrs.ExtractString(attributes, "connection_id"),
		Action:  event,
		Attrs:   attrs.ToMap(attributes, "user_id", "connection_id", "request_id"),
	})
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, dErrors.MessageOf(err))
	}
	span.End()
}
