package storage

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	cardmodels "pich/internal/cards/models"
	connmodels "pich/internal/connections/models"
	usermodels "pich/internal/users/models"
	id "pich/pkg/domain"
	dErrors "pich/pkg/domain-errors"
	"pich/pkg/platform/sentinel"
)

// InMemory keeps users, cards and connections in one guarded dataset so that
// the relational constraints (unique email and external id, one main card per
// owner, one connection per unordered pair, cascades) hold as they do in
// Postgres. Records are cloned on the way in and out.
type InMemory struct {
	mu sync.Mutex

	users      map[id.UserID]*usermodels.User
	byEmail    map[string]id.UserID
	byExternal map[string]id.UserID

	cards map[id.CardID]*cardmodels.Card

	conns map[id.ConnectionID]*connmodels.Connection
	pairs map[connmodels.PairKey]id.ConnectionID

	tx *shardedTx
}

func NewInMemory() *InMemory {
	m := &InMemory{
		users:      make(map[id.UserID]*usermodels.User),
		byEmail:    make(map[string]id.UserID),
		byExternal: make(map[string]id.UserID),
		cards:      make(map[id.CardID]*cardmodels.Card),
		conns:      make(map[id.ConnectionID]*connmodels.Connection),
		pairs:      make(map[connmodels.PairKey]id.ConnectionID),
	}
	m.tx = &shardedTx{mem: m}
	return m
}

// Stores exposes the dataset through the storage ports.
func (m *InMemory) Stores() Stores {
	return Stores{
		Users:       memUsers{m},
		Cards:       memCards{m},
		Connections: memConns{m},
		Tx:          m.tx,
	}
}

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

const numTxShards = 64

// defaultTxTimeout bounds a transaction whose context has no deadline.
const defaultTxTimeout = 5 * time.Second

type journal struct {
	undo []func()
}

type journalKey struct{}

// shardedTx serializes transactions per owner and undoes their writes on error.
type shardedTx struct {
	shards  [numTxShards]sync.Mutex
	mem     *InMemory
	timeout time.Duration
}

func (t *shardedTx) RunInTx(ctx context.Context, owner id.UserID, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, nested := ctx.Value(journalKey{}).(*journal); nested {
		return fn(ctx)
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shard := &t.shards[hashOwner(owner)%numTxShards]
	shard.Lock()
	defer shard.Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	j := &journal{}
	if err := fn(context.WithValue(ctx, journalKey{}, j)); err != nil {
		t.mem.rollback(j)
		return err
	}
	return nil
}

// hashOwner is FNV-1a over the id bytes.
func hashOwner(owner id.UserID) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for _, b := range owner {
		h ^= uint32(b)
		h *= fnvPrime
	}
	return h
}

// remember registers an undo step. Callers hold m.mu.
func (m *InMemory) remember(ctx context.Context, undo func()) {
	if j, ok := ctx.Value(journalKey{}).(*journal); ok {
		j.undo = append(j.undo, undo)
	}
}

func (m *InMemory) rollback(j *journal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
}

// Row-level restore helpers. Each captures the current row (or its absence)
// and returns a func that puts it back, keeping the secondary indexes in step.

func (m *InMemory) snapshotUser(userID id.UserID) func() {
	prev, existed := m.users[userID]
	if existed {
		prev = prev.Clone()
	}
	return func() {
		if cur, ok := m.users[userID]; ok {
			m.unindexUser(cur)
			delete(m.users, userID)
		}
		if existed {
			m.users[userID] = prev
			m.indexUser(prev)
		}
	}
}

func (m *InMemory) snapshotCard(cardID id.CardID) func() {
	prev, existed := m.cards[cardID]
	if existed {
		prev = prev.Clone()
	}
	return func() {
		delete(m.cards, cardID)
		if existed {
			m.cards[cardID] = prev
		}
	}
}

func (m *InMemory) snapshotConn(connID id.ConnectionID) func() {
	prev, existed := m.conns[connID]
	if existed {
		prev = prev.Clone()
	}
	return func() {
		if cur, ok := m.conns[connID]; ok {
			delete(m.pairs, connmodels.NewPairKey(cur.Card1ID, cur.Card2ID))
			delete(m.conns, connID)
		}
		if existed {
			m.conns[connID] = prev
			m.pairs[connmodels.NewPairKey(prev.Card1ID, prev.Card2ID)] = connID
		}
	}
}

func (m *InMemory) indexUser(u *usermodels.User) {
	m.byEmail[strings.ToLower(u.Email)] = u.ID
	if u.ExternalID != nil {
		m.byExternal[*u.ExternalID] = u.ID
	}
}

func (m *InMemory) unindexUser(u *usermodels.User) {
	delete(m.byEmail, strings.ToLower(u.Email))
	if u.ExternalID != nil {
		delete(m.byExternal, *u.ExternalID)
	}
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

type memUsers struct{ m *InMemory }

func (s memUsers) Create(ctx context.Context, user *usermodels.User) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[user.ID]; ok {
		return sentinel.Unique("users_pkey")
	}
	if _, ok := m.byEmail[strings.ToLower(user.Email)]; ok {
		return sentinel.Unique(ConstraintUserEmail)
	}
	if user.ExternalID != nil {
		if _, ok := m.byExternal[*user.ExternalID]; ok {
			return sentinel.Unique(ConstraintUserExternalID)
		}
	}
	m.remember(ctx, m.snapshotUser(user.ID))
	stored := user.Clone()
	m.users[user.ID] = stored
	m.indexUser(stored)
	return nil
}

func (s memUsers) FindByID(_ context.Context, userID id.UserID) (*usermodels.User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if u, ok := s.m.users[userID]; ok {
		return u.Clone(), nil
	}
	return nil, sentinel.ErrNotFound
}

func (s memUsers) FindByExternalID(_ context.Context, externalID string) (*usermodels.User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if userID, ok := s.m.byExternal[externalID]; ok {
		return s.m.users[userID].Clone(), nil
	}
	return nil, sentinel.ErrNotFound
}

func (s memUsers) FindByEmail(_ context.Context, email string) (*usermodels.User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if userID, ok := s.m.byEmail[strings.ToLower(email)]; ok {
		return s.m.users[userID].Clone(), nil
	}
	return nil, sentinel.ErrNotFound
}

func (s memUsers) Update(ctx context.Context, user *usermodels.User) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.users[user.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if other, ok := m.byEmail[strings.ToLower(user.Email)]; ok && other != user.ID {
		return sentinel.Unique(ConstraintUserEmail)
	}
	if user.ExternalID != nil {
		if other, ok := m.byExternal[*user.ExternalID]; ok && other != user.ID {
			return sentinel.Unique(ConstraintUserExternalID)
		}
	}
	m.remember(ctx, m.snapshotUser(user.ID))
	next := user.Clone()
	next.MainCardID = cur.MainCardID
	m.unindexUser(cur)
	m.users[user.ID] = next
	m.indexUser(next)
	return nil
}

func (s memUsers) SetMainCard(ctx context.Context, userID id.UserID, cardID *id.CardID, at time.Time) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if cardID != nil {
		if _, ok := m.cards[*cardID]; !ok {
			return sentinel.ForeignKey("users_main_card_id_fkey")
		}
	}
	m.remember(ctx, m.snapshotUser(userID))
	if cardID != nil {
		c := *cardID
		u.MainCardID = &c
	} else {
		u.MainCardID = nil
	}
	u.UpdatedAt = at
	return nil
}

// LockForUpdate is covered by the per-owner transaction shard.
func (s memUsers) LockForUpdate(_ context.Context, userID id.UserID) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.users[userID]; !ok {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s memUsers) Delete(ctx context.Context, userID id.UserID) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return sentinel.ErrNotFound
	}
	for _, c := range m.cards {
		if c.OwnerID == userID {
			return sentinel.ForeignKey("cards_user_id_fkey")
		}
	}
	m.remember(ctx, m.snapshotUser(userID))
	m.unindexUser(u)
	delete(m.users, userID)
	return nil
}

// -----------------------------------------------------------------------------
// Cards
// -----------------------------------------------------------------------------

type memCards struct{ m *InMemory }

func (s memCards) Create(ctx context.Context, card *cardmodels.Card) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[card.OwnerID]; !ok {
		return sentinel.ForeignKey("cards_user_id_fkey")
	}
	if _, ok := m.cards[card.ID]; ok {
		return sentinel.Unique("cards_pkey")
	}
	if card.IsMainCard && m.hasOtherMain(card.OwnerID, card.ID) {
		return sentinel.Unique(ConstraintOneMainCard)
	}
	m.remember(ctx, m.snapshotCard(card.ID))
	stored := card.Clone()
	stored.Owner = nil
	m.cards[card.ID] = stored
	return nil
}

// hasOtherMain emulates the partial unique index on cards(user_id) WHERE is_main_card.
func (m *InMemory) hasOtherMain(owner id.UserID, except id.CardID) bool {
	for _, c := range m.cards {
		if c.OwnerID == owner && c.IsMainCard && c.ID != except {
			return true
		}
	}
	return false
}

func (s memCards) FindByID(_ context.Context, cardID id.CardID) (*cardmodels.Card, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if c, ok := s.m.cards[cardID]; ok {
		return c.Clone(), nil
	}
	return nil, sentinel.ErrNotFound
}

func (s memCards) FindByIDs(_ context.Context, cardIDs []id.CardID) ([]*cardmodels.Card, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]*cardmodels.Card, 0, len(cardIDs))
	for _, cardID := range cardIDs {
		if c, ok := s.m.cards[cardID]; ok {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (s memCards) ownedBy(owner id.UserID) []*cardmodels.Card {
	var out []*cardmodels.Card
	for _, c := range s.m.cards {
		if c.OwnerID == owner {
			out = append(out, c)
		}
	}
	return out
}

func (s memCards) ListByOwner(_ context.Context, owner id.UserID) ([]*cardmodels.Card, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	owned := s.ownedBy(owner)
	slices.SortFunc(owned, func(a, b *cardmodels.Card) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	out := make([]*cardmodels.Card, len(owned))
	for i, c := range owned {
		out[i] = c.Clone()
	}
	return out, nil
}

func (s memCards) IDsByOwner(_ context.Context, owner id.UserID) ([]id.CardID, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	owned := s.ownedBy(owner)
	out := make([]id.CardID, len(owned))
	for i, c := range owned {
		out[i] = c.ID
	}
	return out, nil
}

func (s memCards) FirstByOwner(_ context.Context, owner id.UserID) (*cardmodels.Card, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var first *cardmodels.Card
	for _, c := range s.ownedBy(owner) {
		if first == nil || c.CreatedAt.Before(first.CreatedAt) {
			first = c
		}
	}
	if first == nil {
		return nil, sentinel.ErrNotFound
	}
	return first.Clone(), nil
}

func (s memCards) Update(ctx context.Context, card *cardmodels.Card) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.cards[card.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	m.remember(ctx, m.snapshotCard(card.ID))
	next := card.Clone()
	next.Owner = nil
	next.OwnerID = cur.OwnerID
	next.IsMainCard = cur.IsMainCard
	next.CreatedAt = cur.CreatedAt
	m.cards[card.ID] = next
	return nil
}

func (s memCards) SetMain(ctx context.Context, cardID id.CardID, isMain bool, at time.Time) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cards[cardID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if isMain && m.hasOtherMain(c.OwnerID, cardID) {
		return sentinel.Unique(ConstraintOneMainCard)
	}
	m.remember(ctx, m.snapshotCard(cardID))
	c.IsMainCard = isMain
	c.UpdatedAt = at
	return nil
}

func (s memCards) DemoteOthers(ctx context.Context, owner id.UserID, keep id.CardID, at time.Time) (int, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range s.ownedBy(owner) {
		if c.ID == keep || !c.IsMainCard {
			continue
		}
		m.remember(ctx, m.snapshotCard(c.ID))
		c.IsMainCard = false
		c.UpdatedAt = at
		n++
	}
	return n, nil
}

func (s memCards) CountMain(_ context.Context, owner id.UserID) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	n := 0
	for _, c := range s.ownedBy(owner) {
		if c.IsMainCard {
			n++
		}
	}
	return n, nil
}

func (s memCards) Delete(ctx context.Context, cardID id.CardID) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[cardID]; !ok {
		return sentinel.ErrNotFound
	}
	m.deleteCardLocked(ctx, cardID)
	return nil
}

func (s memCards) DeleteByOwner(ctx context.Context, owner id.UserID) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range s.ownedBy(owner) {
		m.deleteCardLocked(ctx, c.ID)
	}
	return nil
}

// deleteCardLocked removes a card with the same side effects as the Postgres
// foreign keys: connections cascade, users.main_card_id is set null.
func (m *InMemory) deleteCardLocked(ctx context.Context, cardID id.CardID) {
	for connID, conn := range m.conns {
		if conn.Involves(cardID) {
			m.remember(ctx, m.snapshotConn(connID))
			delete(m.pairs, connmodels.NewPairKey(conn.Card1ID, conn.Card2ID))
			delete(m.conns, connID)
		}
	}
	for userID, u := range m.users {
		if u.HasMainCard(cardID) {
			m.remember(ctx, m.snapshotUser(userID))
			u.MainCardID = nil
		}
	}
	m.remember(ctx, m.snapshotCard(cardID))
	delete(m.cards, cardID)
}

// -----------------------------------------------------------------------------
// Connections
// -----------------------------------------------------------------------------

type memConns struct{ m *InMemory }

func (s memConns) Create(ctx context.Context, conn *connmodels.Connection) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn.Card1ID == conn.Card2ID {
		return sentinel.ForeignKey("connections_distinct_cards")
	}
	if _, ok := m.cards[conn.Card1ID]; !ok {
		return sentinel.ForeignKey("connections_card1_id_fkey")
	}
	if _, ok := m.cards[conn.Card2ID]; !ok {
		return sentinel.ForeignKey("connections_card2_id_fkey")
	}
	key := connmodels.NewPairKey(conn.Card1ID, conn.Card2ID)
	if _, ok := m.pairs[key]; ok {
		return sentinel.Unique(ConstraintConnectionPair)
	}
	m.remember(ctx, m.snapshotConn(conn.ID))
	m.conns[conn.ID] = conn.Clone()
	m.pairs[key] = conn.ID
	return nil
}

func (s memConns) FindByID(_ context.Context, connID id.ConnectionID) (*connmodels.Connection, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if c, ok := s.m.conns[connID]; ok {
		return c.Clone(), nil
	}
	return nil, sentinel.ErrNotFound
}

func (s memConns) FindBetween(_ context.Context, a, b id.CardID) (*connmodels.Connection, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if connID, ok := s.m.pairs[connmodels.NewPairKey(a, b)]; ok {
		return s.m.conns[connID].Clone(), nil
	}
	return nil, sentinel.ErrNotFound
}

func (s memConns) ListByCards(_ context.Context, cardIDs []id.CardID) ([]*connmodels.Connection, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	mine := id.NewCardIDSet(cardIDs...)
	var out []*connmodels.Connection
	for _, c := range s.m.conns {
		if mine.Has(c.Card1ID) || mine.Has(c.Card2ID) {
			out = append(out, c.Clone())
		}
	}
	// Same order as the Postgres store: newest interaction first, then id.
	slices.SortFunc(out, func(a, b *connmodels.Connection) int {
		if c := b.LastInteractionDate.Compare(a.LastInteractionDate); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return out, nil
}

func (s memConns) SetNotes(ctx context.Context, connID id.ConnectionID, side connmodels.Side, notes *string, at time.Time) (*connmodels.Connection, error) {
	return s.mutate(ctx, connID, at, func(c *connmodels.Connection) {
		var v *string
		if notes != nil {
			n := *notes
			v = &n
		}
		if side == connmodels.SideCard2 {
			c.Card2Notes = v
		} else {
			c.Card1Notes = v
		}
	})
}

func (s memConns) ToggleFavorite(ctx context.Context, connID id.ConnectionID, side connmodels.Side, at time.Time) (*connmodels.Connection, error) {
	return s.mutate(ctx, connID, at, func(c *connmodels.Connection) {
		if side == connmodels.SideCard2 {
			c.Card2FavoritedCard1 = !c.Card2FavoritedCard1
		} else {
			c.Card1FavoritedCard2 = !c.Card1FavoritedCard2
		}
	})
}

func (s memConns) mutate(ctx context.Context, connID id.ConnectionID, at time.Time, fn func(*connmodels.Connection)) (*connmodels.Connection, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	m.remember(ctx, m.snapshotConn(connID))
	fn(c)
	c.LastInteractionDate = at
	c.UpdatedAt = at
	return c.Clone(), nil
}

func (s memConns) Delete(ctx context.Context, connID id.ConnectionID) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return sentinel.ErrNotFound
	}
	m.remember(ctx, m.snapshotConn(connID))
	delete(m.pairs, connmodels.NewPairKey(c.Card1ID, c.Card2ID))
	delete(m.conns, connID)
	return nil
}

func (s memConns) DeleteByCards(ctx context.Context, cardIDs []id.CardID) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	mine := id.NewCardIDSet(cardIDs...)
	for connID, c := range m.conns {
		if mine.Has(c.Card1ID) || mine.Has(c.Card2ID) {
			m.remember(ctx, m.snapshotConn(connID))
			delete(m.pairs, connmodels.NewPairKey(c.Card1ID, c.Card2ID))
			delete(m.conns, connID)
		}
	}
	return nil
}
