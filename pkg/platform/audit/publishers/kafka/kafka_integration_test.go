//go:build integration

package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	id "pich/pkg/domain"
	audit "pich/pkg/platform/audit"
	"pich/pkg/testutil/containers"
)

type PublisherSuite struct {
	suite.Suite
	broker string
}

func TestPublisherSuite(t *testing.T) {
	suite.Run(t, new(PublisherSuite))
}

func (s *PublisherSuite) SetupSuite() {
	s.broker = containers.GetManager().GetRedpanda(s.T()).Broker
}

func (s *PublisherSuite) newPublisher(topic string) *Publisher {
	p, err := New([]string{s.broker}, topic)
	s.Require().NoError(err)
	s.T().Cleanup(p.Close)
	return p
}

func (s *PublisherSuite) TestEnsureTopicIsIdempotent() {
	ctx := context.Background()
	p := s.newPublisher("audit-ensure")
	s.Require().NoError(p.EnsureTopic(ctx, 1, 1))
	s.Require().NoError(p.EnsureTopic(ctx, 1, 1))
	s.Require().NoError(p.Ping(ctx))
}

func (s *PublisherSuite) TestAppendProducesKeyedRecord() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	topic := "audit-append"
	p := s.newPublisher(topic)
	s.Require().NoError(p.EnsureTopic(ctx, 1, 1))

	userID := id.NewUserID()
	event := audit.Event{
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Action:    string(audit.EventConnectionCreated),
		UserID:    userID,
		Subject:   id.NewConnectionID().String(),
		Attrs:     map[string]string{"card1_id": "a", "card2_id": "b"},
	}
	s.Require().NoError(p.Append(ctx, event))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	var got *kgo.Record
	for got == nil {
		fetches := consumer.PollFetches(ctx)
		s.Require().NoError(ctx.Err(), "record never arrived")
		fetches.EachRecord(func(r *kgo.Record) {
			if got == nil {
				got = r
			}
		})
	}

	s.Equal(userID.String(), string(got.Key))
	require.Len(s.T(), got.Headers, 1)
	s.Equal("action", got.Headers[0].Key)
	s.Equal(event.Action, string(got.Headers[0].Value))

	var decoded audit.Event
	s.Require().NoError(json.Unmarshal(got.Value, &decoded))
	s.Equal(event.Subject, decoded.Subject)
	s.Equal(event.Attrs, decoded.Attrs)
	s.True(event.Timestamp.Equal(decoded.Timestamp))
}
