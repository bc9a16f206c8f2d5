package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pich/internal/access"
	cardmodels "pich/internal/cards/models"
	"pich/internal/qr/metrics"
	usermodels "pich/internal/users/models"
	"pich/pkg/attrs"
	id "pich/pkg/domain"
	dErrors "pich/pkg/domain-errors"
	"pich/pkg/platform/audit"
	"pich/pkg/platform/sentinel"
	"pich/pkg/requestcontext"
)

const (
	DefaultSize = 300

	dataURLPrefix = "data:image/png;base64,"
)

type CardStore interface {
	FindByID(ctx context.Context, cardID id.CardID) (*cardmodels.Card, error)
	FirstByOwner(ctx context.Context, owner id.UserID) (*cardmodels.Card, error)
}

type UserStore interface {
	FindByID(ctx context.Context, userID id.UserID) (*usermodels.User, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Code is a scannable link to a card.
type Code struct {
	URL string `json:"url"`
	QR  string `json:"qr"`
}

// Service issues QR codes that point at the frontend's connect page.
type Service struct {
	baseURL        string
	size           int
	cards          CardStore
	users          UserStore
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

type Option func(*Service)

// WithSize sets the PNG width in pixels.
func WithSize(px int) Option {
	return func(s *Service) {
		if px > 0 {
			s.size = px
		}
	}
}

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

func New(frontendURL string, cards CardStore, users UserStore, opts ...Option) (*Service, error) {
	frontendURL = strings.TrimRight(strings.TrimSpace(frontendURL), "/")
	if frontendURL == "" {
		return nil, errors.New("frontend url is required")
	}
	if cards == nil {
		return nil, errors.New("card store is required")
	}
	if users == nil {
		return nil, errors.New("user store is required")
	}
	s := &Service{
		baseURL: frontendURL,
		size:    DefaultSize,
		cards:   cards,
		users:   users,
		tracer:  otel.Tracer("pich/internal/qr"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CardQR encodes the connect link of one of requester's cards.
func (s *Service) CardQR(ctx context.Context, requester id.UserID, cardID id.CardID) (code *Code, err error) {
	ctx, span := s.tracer.Start(ctx, "qr.CardQR", trace.WithAttributes(attribute.String("card.id", cardID.String())))
	defer func() { endSpan(span, err) }()

	if err := access.RequireIdentity(requester); err != nil {
		return nil, err
	}
	card, err := s.cards.FindByID(ctx, cardID)
	if err != nil {
		return nil, translate(err, "card not found")
	}
	if err := access.AuthorizeCardOwner(card, requester); err != nil {
		return nil, err
	}
	return s.issue(ctx, requester, card.ID, "card")
}

// UserQR encodes the connect link of requester's active card: the main card,
// else the oldest one.
func (s *Service) UserQR(ctx context.Context, requester id.UserID) (code *Code, err error) {
	ctx, span := s.tracer.Start(ctx, "qr.UserQR")
	defer func() { endSpan(span, err) }()

	if err := access.RequireIdentity(requester); err != nil {
		return nil, err
	}
	card, err := s.activeCard(ctx, requester)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("card.id", card.ID.String()))
	return s.issue(ctx, requester, card.ID, "user")
}

// ConnectURL is the frontend link a scanner follows for cardID.
func (s *Service) ConnectURL(cardID id.CardID) string {
	return s.baseURL + "/connect/" + cardID.String()
}

func (s *Service) activeCard(ctx context.Context, requester id.UserID) (*cardmodels.Card, error) {
	user, err := s.users.FindByID(ctx, requester)
	if err != nil {
		return nil, translate(err, "user not found")
	}
	if user.MainCardID != nil {
		card, err := s.cards.FindByID(ctx, *user.MainCardID)
		switch {
		case err == nil && card.OwnerID == requester:
			return card, nil
		case err != nil && !errors.Is(err, sentinel.ErrNotFound):
			return nil, translate(err, "")
		}
	}
	card, err := s.cards.FirstByOwner(ctx, requester)
	if err != nil {
		return nil, translate(err, "create a card to get a QR code")
	}
	return card, nil
}

func (s *Service) issue(ctx context.Context, requester id.UserID, cardID id.CardID, kind string) (*Code, error) {
	url := s.ConnectURL(cardID)
	start := time.Now()
	png, err := Render(url, s.size)
	s.metrics.ObserveRender(start)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to render qr code")
	}
	s.metrics.IncrementIssued(kind)
	s.logAudit(ctx, string(audit.EventQRIssued),
		"user_id", requester.String(),
		"card_id", cardID.String(),
		"kind", kind,
	)
	return &Code{URL: url, QR: png}, nil
}

// Render returns content as a PNG data URL at the highest error correction
// level, so codes survive printing and partial damage.
func Render(content string, size int) (string, error) {
	q, err := qrcode.New(content, qrcode.Highest)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	png, err := q.PNG(size)
	if err != nil {
		return "", fmt.Errorf("render png: %w", err)
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}

func translate(err error, notFoundMsg string) error {
	var coded *dErrors.Error
	switch {
	case errors.As(err, &coded):
		return err
	case errors.Is(err, sentinel.ErrNotFound) && notFoundMsg != "":
		return dErrors.New(dErrors.CodeNotFound, notFoundMsg)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load card")
	}
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
