package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pich/internal/access"
	cardmodels "pich/internal/cards/models"
	"pich/internal/storage"
	"pich/internal/users/metrics"
	"pich/internal/users/models"
	"pich/internal/users/password"
	"pich/pkg/attrs"
	id "pich/pkg/domain"
	dErrors "pich/pkg/domain-errors"
	"pich/pkg/email"
	"pich/pkg/platform/audit"
	"pich/pkg/platform/sentinel"
	"pich/pkg/requestcontext"
)

type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	FindByID(ctx context.Context, userID id.UserID) (*models.User, error)
	FindByExternalID(ctx context.Context, externalID string) (*models.User, error)
	Update(ctx context.Context, user *models.User) error
	SetMainCard(ctx context.Context, userID id.UserID, cardID *id.CardID, at time.Time) error
	LockForUpdate(ctx context.Context, userID id.UserID) error
	Delete(ctx context.Context, userID id.UserID) error
}

type CardStore interface {
	FindByID(ctx context.Context, cardID id.CardID) (*cardmodels.Card, error)
	ListByOwner(ctx context.Context, owner id.UserID) ([]*cardmodels.Card, error)
	IDsByOwner(ctx context.Context, owner id.UserID) ([]id.CardID, error)
	DeleteByOwner(ctx context.Context, owner id.UserID) error
}

type ConnectionStore interface {
	DeleteByCards(ctx context.Context, cardIDs []id.CardID) error
}

// MainCardPromoter runs the main-card promotion owned by the card service.
type MainCardPromoter interface {
	ToggleMainCard(ctx context.Context, cardID id.CardID, requester id.UserID) (*cardmodels.Card, error)
}

type TxRunner interface {
	RunInTx(ctx context.Context, owner id.UserID, fn func(ctx context.Context) error) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service manages accounts: registration, identity provisioning, profile
// edits, main-card designation and the explicit delete cascade.
type Service struct {
	users          UserStore
	cards          CardStore
	conns          ConnectionStore
	promoter       MainCardPromoter
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

func New(users UserStore, cards CardStore, conns ConnectionStore, promoter MainCardPromoter, tx TxRunner, opts ...Option) (*Service, error) {
	switch {
	case users == nil:
		return nil, errors.New("user store is required")
	case cards == nil:
		return nil, errors.New("card store is required")
	case conns == nil:
		return nil, errors.New("connection store is required")
	case promoter == nil:
		return nil, errors.New("main card promoter is required")
	case tx == nil:
		return nil, errors.New("tx runner is required")
	}
	s := &Service{
		users:    users,
		cards:    cards,
		conns:    conns,
		promoter: promoter,
		tx:       tx,
		tracer:   otel.Tracer("pich/internal/users"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Registration is the validated input of Register.
type Registration struct {
	Email     string
	FirstName string
	LastName  string
	Nickname  string
	Phone     string
	Password  string
}

func (s *Service) Register(ctx context.Context, in Registration) (*models.User, error) {
	addr := strings.ToLower(strings.TrimSpace(in.Email))
	if !email.IsValid(addr) {
		return nil, dErrors.New(dErrors.CodeValidation, "email is invalid")
	}
	hash, err := password.Hash(in.Password)
	if err != nil {
		if dErrors.CodeOf(err) == dErrors.CodeValidation {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash password")
	}

	now := requestcontext.Now(ctx)
	user := &models.User{
		ID:               id.NewUserID(),
		Email:            addr,
		FirstName:        in.FirstName,
		LastName:         in.LastName,
		Nickname:         in.Nickname,
		Phone:            in.Phone,
		SubscriptionPlan: models.DefaultSubscriptionPlan,
		IsActive:         true,
		PasswordHash:     hash,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, s.translate(err, "failed to register user")
	}

	s.metrics.IncrementCreated("registration")
	s.logAudit(ctx, string(audit.EventUserCreated),
		"user_id", user.ID.String(),
		"origin", "registration",
	)
	return user, nil
}

// ProvisionExternal returns the user bound to the external id, creating one
// on first sight. A concurrent creator winning the race is re-read, so the
// call is idempotent. created reports whether this call inserted the row.
func (s *Service) ProvisionExternal(ctx context.Context, ident models.ExternalIdentity) (user *models.User, created bool, err error) {
	ctx, span := s.tracer.Start(ctx, "users.ProvisionExternal")
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(ident.ExternalID) == "" {
		return nil, false, dErrors.New(dErrors.CodeUnauthorized, "identity has no subject")
	}
	existing, err := s.users.FindByExternalID(ctx, ident.ExternalID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up identity")
	}

	user = newExternalUser(ctx, ident, email.AddressOrFallback(ident.Email, ident.ExternalID))
	err = s.users.Create(ctx, user)
	if sentinel.Constraint(err) == storage.ConstraintUserEmail && strings.TrimSpace(ident.Email) != "" {
		// The hinted address already belongs to another account. Never link
		// by email; fall back to the synthetic address.
		user = newExternalUser(ctx, ident, email.AddressOrFallback("", ident.ExternalID))
		err = s.users.Create(ctx, user)
	}
	if err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			winner, findErr := s.users.FindByExternalID(ctx, ident.ExternalID)
			if findErr == nil {
				return winner, false, nil
			}
		}
		return nil, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create user")
	}

	span.SetAttributes(attribute.Bool("user.created", true))
	s.metrics.IncrementCreated("identity")
	s.logAudit(ctx, string(audit.EventUserCreated),
		"user_id", user.ID.String(),
		"origin", "identity",
	)
	return user, true, nil
}

// UserExists reports whether userID still has a row.
func (s *Service) UserExists(ctx context.Context, userID id.UserID) (bool, error) {
	_, err := s.users.FindByID(ctx, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sentinel.ErrNotFound):
		return false, nil
	}
	return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up user")
}

func newExternalUser(ctx context.Context, ident models.ExternalIdentity, addr string) *models.User {
	now := requestcontext.Now(ctx)
	externalID := ident.ExternalID
	first := email.DeriveFirstName(strings.TrimSpace(ident.Email))
	u := &models.User{
		ID:               id.NewUserID(),
		Email:            addr,
		ExternalID:       &externalID,
		FirstName:        first,
		Nickname:         first,
		SubscriptionPlan: models.DefaultSubscriptionPlan,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if ident.Wallet != "" {
		wallet := ident.Wallet
		u.WalletAddress = &wallet
	}
	return u
}

func (s *Service) Profile(ctx context.Context, requester id.UserID) (*models.User, error) {
	if err := access.RequireIdentity(requester); err != nil {
		return nil, err
	}
	user, err := s.users.FindByID(ctx, requester)
	if err != nil {
		return nil, s.translate(err, "failed to load profile")
	}
	return user, nil
}

// PublicProfile is another user's account as any signed-in user may see it:
// the public profile and the cards, with no credentials or account state.
type PublicProfile struct {
	User  *models.PublicUser  `json:"user"`
	Cards []*cardmodels.Card `json:"cards"`
}

// PublicProfileOf returns userID with their cards, most recently updated first.
func (s *Service) PublicProfileOf(ctx context.Context, requester, userID id.UserID) (profile *PublicProfile, err error) {
	ctx, span := s.tracer.Start(ctx, "users.PublicProfileOf",
		trace.WithAttributes(attribute.String("user.id", userID.String())))
	defer func() { endSpan(span, err) }()

	if err := access.RequireIdentity(requester); err != nil {
		return nil, err
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, s.translate(err, "failed to load user")
	}
	cards, err := s.cards.ListByOwner(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load cards")
	}
	profile = &PublicProfile{User: user.Public(), Cards: make([]*cardmodels.Card, 0, len(cards))}
	for _, c := range cards {
		profile.Cards = append(profile.Cards, access.RedactCard(c, nil))
	}
	return profile, nil
}

// UpdateProfile applies patch to userID. Only the user may edit themselves.
func (s *Service) UpdateProfile(ctx context.Context, requester, userID id.UserID, patch models.ProfilePatch) (*models.User, error) {
	if err := authorizeSelf(requester, userID); err != nil {
		return nil, err
	}
	if patch.Email != nil {
		addr := strings.ToLower(strings.TrimSpace(*patch.Email))
		if !email.IsValid(addr) {
			return nil, dErrors.New(dErrors.CodeValidation, "email is invalid")
		}
		patch.Email = &addr
	}
	if patch.Password != nil {
		hash, err := password.Hash(*patch.Password)
		if err != nil {
			if dErrors.CodeOf(err) == dErrors.CodeValidation {
				return nil, err
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash password")
		}
		patch.PasswordHash = &hash
		patch.Password = nil
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, s.translate(err, "failed to load profile")
	}
	patch.Apply(user, requestcontext.Now(ctx))
	if err := s.users.Update(ctx, user); err != nil {
		return nil, s.translate(err, "failed to update profile")
	}
	s.logAudit(ctx, string(audit.EventUserUpdated),
		"user_id", userID.String(),
		"password_changed", boolString(patch.PasswordHash != nil),
	)
	return user, nil
}

// SetMainCard designates cardID as userID's main card. A card that does not
// belong to userID is reported as missing.
func (s *Service) SetMainCard(ctx context.Context, requester, userID id.UserID, cardID id.CardID) (*cardmodels.Card, error) {
	if err := authorizeSelf(requester, userID); err != nil {
		return nil, err
	}
	card, err := s.cards.FindByID(ctx, cardID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "card not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load card")
	}
	if card.OwnerID != userID {
		return nil, dErrors.New(dErrors.CodeNotFound, "card not found")
	}
	return s.promoter.ToggleMainCard(ctx, cardID, userID)
}

// Delete removes the user with every card and connection they hold, in one
// transaction.
func (s *Service) Delete(ctx context.Context, requester, userID id.UserID) (err error) {
	ctx, span := s.tracer.Start(ctx, "users.Delete",
		trace.WithAttributes(attribute.String("user.id", userID.String())))
	defer func() { endSpan(span, err) }()

	if err := authorizeSelf(requester, userID); err != nil {
		return err
	}

	var cardCount int
	err = s.tx.RunInTx(ctx, userID, func(ctx context.Context) error {
		if err := s.users.LockForUpdate(ctx, userID); err != nil {
			return err
		}
		cardIDs, err := s.cards.IDsByOwner(ctx, userID)
		if err != nil {
			return err
		}
		cardCount = len(cardIDs)
		if len(cardIDs) > 0 {
			if err := s.conns.DeleteByCards(ctx, cardIDs); err != nil {
				return err
			}
		}
		if err := s.users.SetMainCard(ctx, userID, nil, requestcontext.Now(ctx)); err != nil {
			return err
		}
		if err := s.cards.DeleteByOwner(ctx, userID); err != nil {
			return err
		}
		return s.users.Delete(ctx, userID)
	})
	if err != nil {
		return s.translate(err, "failed to delete user")
	}

	s.metrics.IncrementDeleted()
	s.logAudit(ctx, string(audit.EventUserDeleted),
		"user_id", userID.String(),
		"cards_removed", cardCount,
	)
	return nil
}

func authorizeSelf(requester, userID id.UserID) error {
	if err := access.RequireIdentity(requester); err != nil {
		return err
	}
	if requester != userID {
		return dErrors.New(dErrors.CodeForbidden, "you can only manage your own account")
	}
	return nil
}

func (s *Service) translate(err error, msg string) error {
	var coded *dErrors.Error
	switch {
	case errors.As(err, &coded):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "user not found")
	case sentinel.Constraint(err) == storage.ConstraintUserEmail:
		return dErrors.New(dErrors.CodeConflict, "email is already registered")
	case sentinel.Constraint(err) == storage.ConstraintUserExternalID:
		return dErrors.New(dErrors.CodeConflict, "identity is already linked to another user")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
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
		Subject: userID.String(),
		Action:  event,
		Attrs:   attrs.ToMap(attributes, "user_id", "request_id"),
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
