package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pich/internal/access"
	"pich/internal/cards/metrics"
	"pich/internal/cards/models"
	"pich/internal/storage"
	usermodels "pich/internal/users/models"
	"pich/pkg/attrs"
	id "pich/pkg/domain"
	dErrors "pich/pkg/domain-errors"
	"pich/pkg/platform/audit"
	"pich/pkg/platform/sentinel"
	"pich/pkg/requestcontext"
)

type CardStore interface {
	Create(ctx context.Context, card *models.Card) error
	FindByID(ctx context.Context, cardID id.CardID) (*models.Card, error)
	ListByOwner(ctx context.Context, owner id.UserID) ([]*models.Card, error)
	Update(ctx context.Context, card *models.Card) error
	SetMain(ctx context.Context, cardID id.CardID, isMain bool, at time.Time) error
	DemoteOthers(ctx context.Context, owner id.UserID, keep id.CardID, at time.Time) (int, error)
	Delete(ctx context.Context, cardID id.CardID) error
}

type UserStore interface {
	FindByID(ctx context.Context, userID id.UserID) (*usermodels.User, error)
	SetMainCard(ctx context.Context, userID id.UserID, cardID *id.CardID, at time.Time) error
	LockForUpdate(ctx context.Context, userID id.UserID) error
}

type TxRunner interface {
	RunInTx(ctx context.Context, owner id.UserID, fn func(ctx context.Context) error) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service owns card records and keeps at most one main card per owner.
type Service struct {
	cards          CardStore
	users          UserStore
	tx             TxRunner
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

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

func New(cards CardStore, users UserStore, tx TxRunner, opts ...Option) (*Service, error) {
	if cards == nil {
		return nil, errors.New("card store is required")
	}
	if users == nil {
		return nil, errors.New("user store is required")
	}
	if tx == nil {
		return nil, errors.New("tx runner is required")
	}
	s := &Service{
		cards:  cards,
		users:  users,
		tx:     tx,
		tracer: otel.Tracer("pich/internal/cards"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateCard stores a new card for requester. When f asks for a main card the
// insert and the promotion commit together.
func (s *Service) CreateCard(ctx context.Context, requester id.UserID, f models.Fields) (card *models.Card, err error) {
	ctx, span := s.tracer.Start(ctx, "cards.CreateCard")
	defer func() { endSpan(span, err) }()

	if err := access.RequireIdentity(requester); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	card, err = models.NewCard(requester, f, now)
	if err != nil {
		return nil, err
	}
	wantMain := f.IsMainCard != nil && *f.IsMainCard
	card.IsMainCard = false
	span.SetAttributes(attribute.String("card.id", card.ID.String()), attribute.Bool("card.main", wantMain))

	start := time.Now()
	err = s.tx.RunInTx(ctx, requester, func(ctx context.Context) error {
		if err := s.lockOwner(ctx, requester); err != nil {
			return err
		}
		if err := s.cards.Create(ctx, card); err != nil {
			return err
		}
		if wantMain {
			return s.promote(ctx, card, now)
		}
		return nil
	})
	if wantMain {
		s.observePromotion(start, err)
	}
	if err != nil {
		return nil, s.translate(err, "failed to create card")
	}

	s.metrics.IncrementCreated()
	s.logAudit(ctx, string(audit.EventCardCreated),
		"user_id", requester.String(),
		"card_id", card.ID.String(),
		"type", string(card.Type),
	)
	if wantMain {
		s.logAudit(ctx, string(audit.EventCardPromoted),
			"user_id", requester.String(),
			"card_id", card.ID.String(),
		)
	}
	return card, nil
}

// FindAll lists the requester's cards, most recently updated first.
func (s *Service) FindAll(ctx context.Context, requester id.UserID) ([]*models.Card, error) {
	if err := access.RequireIdentity(requester); err != nil {
		return nil, err
	}
	cards, err := s.cards.ListByOwner(ctx, requester)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list cards")
	}
	if cards == nil {
		cards = []*models.Card{}
	}
	return cards, nil
}

// FindOne returns a card its owner asked for.
func (s *Service) FindOne(ctx context.Context, cardID id.CardID, requester id.UserID) (*models.Card, error) {
	if err := access.RequireIdentity(requester); err != nil {
		return nil, err
	}
	card, err := s.cards.FindByID(ctx, cardID)
	if err != nil {
		return nil, s.translate(err, "failed to load card")
	}
	if err := access.AuthorizeCardOwner(card, requester); err != nil {
		return nil, err
	}
	return card, nil
}

// FindOnePublic returns any card with its owner reduced to the public profile.
func (s *Service) FindOnePublic(ctx context.Context, cardID id.CardID) (*models.Card, error) {
	card, err := s.cards.FindByID(ctx, cardID)
	if err != nil {
		return nil, s.translate(err, "failed to load card")
	}
	owner, err := s.users.FindByID(ctx, card.OwnerID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "card not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load card owner")
	}
	return access.RedactCard(card, owner), nil
}

// UpdateCard applies f to an owned card. Setting IsMainCard true promotes the
// card; setting it false on the current main card leaves the owner without one.
func (s *Service) UpdateCard(ctx context.Context, cardID id.CardID, requester id.UserID, f models.Fields) (updated *models.Card, err error) {
	ctx, span := s.tracer.Start(ctx, "cards.UpdateCard", trace.WithAttributes(attribute.String("card.id", cardID.String())))
	defer func() { endSpan(span, err) }()

	if err := access.RequireIdentity(requester); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	var promoted, demoted bool
	start := time.Now()
	err = s.tx.RunInTx(ctx, requester, func(ctx context.Context) error {
		promoted, demoted = false, false
		if err := s.lockOwner(ctx, requester); err != nil {
			return err
		}
		card, err := s.cards.FindByID(ctx, cardID)
		if err != nil {
			return err
		}
		if err := access.AuthorizeCardOwner(card, requester); err != nil {
			return err
		}
		if err := f.Apply(card, now); err != nil {
			return err
		}
		if err := s.cards.Update(ctx, card); err != nil {
			return err
		}
		if f.IsMainCard != nil {
			switch {
			case *f.IsMainCard && !card.IsMainCard:
				if err := s.promote(ctx, card, now); err != nil {
					return err
				}
				promoted = true
			case !*f.IsMainCard && card.IsMainCard:
				if err := s.demote(ctx, card, now); err != nil {
					return err
				}
				demoted = true
			}
		}
		updated = card
		return nil
	})
	if f.IsMainCard != nil && *f.IsMainCard {
		s.observePromotion(start, err)
	}
	if err != nil {
		return nil, s.translate(err, "failed to update card")
	}

	s.logAudit(ctx, string(audit.EventCardUpdated),
		"user_id", requester.String(),
		"card_id", cardID.String(),
	)
	if promoted {
		s.logAudit(ctx, string(audit.EventCardPromoted),
			"user_id", requester.String(),
			"card_id", cardID.String(),
		)
	}
	if demoted && s.logger != nil {
		s.logger.InfoContext(ctx, "main card demoted by update",
			"user_id", requester.String(),
			"card_id", cardID.String(),
		)
	}
	return updated, nil
}

// ToggleMainCard makes the card its owner's main card. Calling it on the
// current main card changes nothing.
func (s *Service) ToggleMainCard(ctx context.Context, cardID id.CardID, requester id.UserID) (result *models.Card, err error) {
	ctx, span := s.tracer.Start(ctx, "cards.ToggleMainCard", trace.WithAttributes(attribute.String("card.id", cardID.String())))
	defer func() { endSpan(span, err) }()

	card, err := s.FindOne(ctx, cardID, requester)
	if err != nil {
		return nil, err
	}
	if card.IsMainCard {
		span.SetAttributes(attribute.Bool("card.noop", true))
		return card, nil
	}

	now := requestcontext.Now(ctx)
	var promoted bool
	start := time.Now()
	err = s.tx.RunInTx(ctx, requester, func(ctx context.Context) error {
		promoted = false
		if err := s.lockOwner(ctx, requester); err != nil {
			return err
		}
		current, err := s.cards.FindByID(ctx, cardID)
		if err != nil {
			return err
		}
		if err := access.AuthorizeCardOwner(current, requester); err != nil {
			return err
		}
		result = current
		if current.IsMainCard {
			return nil
		}
		promoted = true
		return s.promote(ctx, current, now)
	})
	s.observePromotion(start, err)
	if err != nil {
		return nil, s.translate(err, "failed to promote card")
	}

	if promoted {
		s.logAudit(ctx, string(audit.EventCardPromoted),
			"user_id", requester.String(),
			"card_id", cardID.String(),
		)
	}
	return result, nil
}

func (s *Service) TogglePrime(ctx context.Context, cardID id.CardID, requester id.UserID) (*models.Card, error) {
	return s.toggleFlag(ctx, cardID, requester, "prime", func(c *models.Card) { c.IsPrime = !c.IsPrime })
}

func (s *Service) ToggleWallet(ctx context.Context, cardID id.CardID, requester id.UserID) (*models.Card, error) {
	return s.toggleFlag(ctx, cardID, requester, "wallet", func(c *models.Card) { c.IsInWallet = !c.IsInWallet })
}

func (s *Service) toggleFlag(ctx context.Context, cardID id.CardID, requester id.UserID, flag string, flip func(*models.Card)) (*models.Card, error) {
	if err := access.RequireIdentity(requester); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	var card *models.Card
	err := s.tx.RunInTx(ctx, requester, func(ctx context.Context) error {
		current, err := s.cards.FindByID(ctx, cardID)
		if err != nil {
			return err
		}
		if err := access.AuthorizeCardOwner(current, requester); err != nil {
			return err
		}
		flip(current)
		current.UpdatedAt = now
		if err := s.cards.Update(ctx, current); err != nil {
			return err
		}
		card = current
		return nil
	})
	if err != nil {
		return nil, s.translate(err, "failed to toggle "+flag)
	}
	s.logAudit(ctx, string(audit.EventCardUpdated),
		"user_id", requester.String(),
		"card_id", cardID.String(),
		"flag", flag,
	)
	return card, nil
}

// Remove deletes an owned card. Its connections go with it. If it was the
// main card the owner is left without one; nothing is promoted in its place.
func (s *Service) Remove(ctx context.Context, cardID id.CardID, requester id.UserID) (err error) {
	ctx, span := s.tracer.Start(ctx, "cards.Remove", trace.WithAttributes(attribute.String("card.id", cardID.String())))
	defer func() { endSpan(span, err) }()

	if err := access.RequireIdentity(requester); err != nil {
		return err
	}
	now := requestcontext.Now(ctx)
	var wasMain bool
	err = s.tx.RunInTx(ctx, requester, func(ctx context.Context) error {
		if err := s.lockOwner(ctx, requester); err != nil {
			return err
		}
		card, err := s.cards.FindByID(ctx, cardID)
		if err != nil {
			return err
		}
		if err := access.AuthorizeCardOwner(card, requester); err != nil {
			return err
		}
		owner, err := s.users.FindByID(ctx, requester)
		if err != nil {
			return err
		}
		wasMain = owner.HasMainCard(cardID)
		if wasMain {
			if err := s.users.SetMainCard(ctx, requester, nil, now); err != nil {
				return err
			}
		}
		return s.cards.Delete(ctx, cardID)
	})
	if err != nil {
		return s.translate(err, "failed to remove card")
	}

	s.metrics.IncrementRemoved()
	s.logAudit(ctx, string(audit.EventCardRemoved),
		"user_id", requester.String(),
		"card_id", cardID.String(),
		"was_main", boolString(wasMain),
	)
	return nil
}

// promote runs inside an owner transaction that already holds the owner lock.
// Siblings are demoted before the card is marked so the one-main index never
// sees two rows.
func (s *Service) promote(ctx context.Context, card *models.Card, now time.Time) error {
	if _, err := s.cards.DemoteOthers(ctx, card.OwnerID, card.ID, now); err != nil {
		return err
	}
	if err := s.cards.SetMain(ctx, card.ID, true, now); err != nil {
		return err
	}
	if err := s.users.SetMainCard(ctx, card.OwnerID, &card.ID, now); err != nil {
		return err
	}
	card.IsMainCard = true
	card.UpdatedAt = now
	return nil
}

func (s *Service) lockOwner(ctx context.Context, owner id.UserID) error {
	err := s.users.LockForUpdate(ctx, owner)
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "user not found")
	}
	return err
}

func (s *Service) demote(ctx context.Context, card *models.Card, now time.Time) error {
	if err := s.cards.SetMain(ctx, card.ID, false, now); err != nil {
		return err
	}
	owner, err := s.users.FindByID(ctx, card.OwnerID)
	if err != nil {
		return err
	}
	if owner.HasMainCard(card.ID) {
		if err := s.users.SetMainCard(ctx, card.OwnerID, nil, now); err != nil {
			return err
		}
	}
	card.IsMainCard = false
	card.UpdatedAt = now
	return nil
}

// translate maps store sentinels to domain errors. Errors that already carry
// a code pass through.
func (s *Service) translate(err error, msg string) error {
	var coded *dErrors.Error
	switch {
	case errors.As(err, &coded):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "card not found")
	case errors.Is(err, sentinel.ErrAlreadyUsed) && sentinel.Constraint(err) == storage.ConstraintOneMainCard:
		s.metrics.IncrementPromotionConflict()
		return dErrors.Wrap(err, dErrors.CodeConflict, "another card was made main concurrently, please retry")
	case errors.Is(err, sentinel.ErrReferenced):
		return dErrors.New(dErrors.CodeNotFound, "user not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}

func (s *Service) observePromotion(start time.Time, err error) {
	s.metrics.ObservePromotion(start, err)
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
		Subject: attrs.ExtractString(attributes, "card_id"),
		Action:  event,
		Attrs:   attrs.ToMap(attributes, "user_id", "card_id", "request_id"),
	})
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, dErrors.MessageOf(err))
	}
	span.End()
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
