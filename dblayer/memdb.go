package dblayer

import (
	"context"
	"sort"
	"strings"
	"sync"

	"flashdeck/dbtypes"

	"github.com/google/uuid"
)

// MemDB keeps collections in process memory.  It has the same methods and
// errors as DB, and backs local development and tests.
//
// Values are copied on the way in and out, so callers never share cards with
// the store.
type MemDB struct {
	lock        sync.Mutex
	collections map[string]*dbtypes.Collection

	// failing, when set, is returned by every operation.
	failing error
}

func NewMemDB() *MemDB {
	return &MemDB{
		collections: map[string]*dbtypes.Collection{},
	}
}

// SetFailing makes every following operation return err.  Pass nil to
// recover.
func (m *MemDB) SetFailing(err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.failing = err
}

func copyCard(c *dbtypes.Card) *dbtypes.Card {
	out := *c
	if c.ImageKey != nil {
		key := *c.ImageKey
		out.ImageKey = &key
	}
	return &out
}

func copyCollection(c *dbtypes.Collection) *dbtypes.Collection {
	out := *c
	out.Cards = make([]*dbtypes.Card, 0, len(c.Cards))
	for _, card := range c.Cards {
		out.Cards = append(out.Cards, copyCard(card))
	}
	return &out
}

func checkCollectionID(collectionID string) bool {
	return collectionID != "" && !strings.ContainsRune(collectionID, '/')
}

func (m *MemDB) GetCollection(ctx context.Context, collectionID string) (*dbtypes.Collection, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.failing != nil {
		return nil, m.failing
	}

	coll, ok := m.collections[collectionID]
	if !ok {
		return nil, ErrCollectionNotFound
	}
	return copyCollection(coll), nil
}

func (m *MemDB) CreateCollection(ctx context.Context, coll *dbtypes.Collection) error {
	if coll.Name == "" {
		return ErrNameMustNotBeEmpty
	}
	if coll.Owner == "" {
		return ErrOwnerMustNotBeEmpty
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.failing != nil {
		return m.failing
	}

	coll.ID = uuid.NewString()
	if coll.Cards == nil {
		coll.Cards = []*dbtypes.Card{}
	}
	for _, card := range coll.Cards {
		if card.ID == "" {
			card.ID = uuid.NewString()
		}
	}

	m.collections[coll.ID] = copyCollection(coll)
	return nil
}

func (m *MemDB) ListCollections(ctx context.Context, owner string) ([]*dbtypes.Collection, error) {
	if owner == "" {
		return nil, ErrOwnerMustNotBeEmpty
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.failing != nil {
		return nil, m.failing
	}

	colls := []*dbtypes.Collection{}
	for _, coll := range m.collections {
		if coll.Owner == owner {
			colls = append(colls, copyCollection(coll))
		}
	}
	sort.Slice(colls, func(i, j int) bool {
		return colls[i].ID < colls[j].ID
	})
	return colls, nil
}

func (m *MemDB) DeleteCollection(ctx context.Context, collectionID string) (*dbtypes.Collection, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.failing != nil {
		return nil, m.failing
	}

	coll, ok := m.collections[collectionID]
	if !ok {
		return nil, nil
	}
	delete(m.collections, collectionID)
	return coll, nil
}

func (m *MemDB) PushCard(ctx context.Context, collectionID string, card *dbtypes.Card) (*dbtypes.Collection, error) {
	if card.ID == "" {
		return nil, ErrCardIDMustNotBeEmpty
	}
	if !checkCollectionID(collectionID) {
		return nil, ErrCollectionNotFound
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.failing != nil {
		return nil, m.failing
	}

	coll, ok := m.collections[collectionID]
	if !ok {
		return nil, ErrCollectionNotFound
	}
	coll.Cards = append(coll.Cards, copyCard(card))
	return copyCollection(coll), nil
}

func (m *MemDB) PullCard(ctx context.Context, collectionID, cardID string) (*dbtypes.Card, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.failing != nil {
		return nil, m.failing
	}

	coll, ok := m.collections[collectionID]
	if !ok {
		return nil, nil
	}
	idx := coll.FindCard(cardID)
	if idx == -1 {
		return nil, nil
	}

	card := coll.Cards[idx]
	coll.Cards = append(coll.Cards[:idx:idx], coll.Cards[idx+1:]...)
	return card, nil
}

func (m *MemDB) UpdateCardFields(ctx context.Context, collectionID, cardID string, upd CardUpdate) (*dbtypes.Card, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.failing != nil {
		return nil, m.failing
	}

	coll, ok := m.collections[collectionID]
	if !ok {
		return nil, ErrCollectionNotFound
	}
	idx := coll.FindCard(cardID)
	if idx == -1 {
		return nil, ErrCardNotFound
	}

	previous := copyCard(coll.Cards[idx])
	applyCardUpdate(coll.Cards[idx], upd)
	return previous, nil
}

func (m *MemDB) FindCardByContent(ctx context.Context, collectionName, question, topic string) (string, *dbtypes.Card, error) {
	if collectionName == "" {
		return "", nil, ErrNameMustNotBeEmpty
	}
	if question == "" {
		return "", nil, ErrCardContentNotProvided
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.failing != nil {
		return "", nil, m.failing
	}

	var (
		foundCollection string
		foundCard       *dbtypes.Card
		sawCollection   bool
	)
	for _, coll := range m.collections {
		if coll.Name != collectionName {
			continue
		}
		sawCollection = true

		for _, card := range coll.Cards {
			if card.Question != question || (topic != "" && card.Topic != topic) {
				continue
			}
			if foundCard != nil {
				return "", nil, ErrCardMatchesNotUnique
			}
			foundCollection = coll.ID
			foundCard = card
		}
	}

	if !sawCollection {
		return "", nil, ErrCollectionNotFound
	}
	if foundCard == nil {
		return "", nil, ErrCardNotFound
	}
	return foundCollection, copyCard(foundCard), nil
}
