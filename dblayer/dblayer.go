// Package dblayer packages up most actual firestore accesses.
package dblayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"flashdeck/dbtypes"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const collectionsCollection = "Collections"

type DB struct {
	firestoreClient *firestore.Client
}

func New(firestoreClient *firestore.Client) *DB {
	return &DB{
		firestoreClient: firestoreClient,
	}
}

var (
	ErrCollectionNotFound     = errors.New("no collection with that id")
	ErrCardNotFound           = errors.New("no card with that id")
	ErrNameMustNotBeEmpty     = errors.New("collection name must not be empty")
	ErrOwnerMustNotBeEmpty    = errors.New("collection owner must not be empty")
	ErrCardIDMustNotBeEmpty   = errors.New("card id must not be empty")
	ErrCollectionIDMalformed  = errors.New("collection id is malformed")
	ErrCardMatchesNotUnique   = errors.New("more than one card matches")
	ErrCardContentNotProvided = errors.New("question must not be empty")
)

// CardUpdate carries a partial update of a card's fields.  Nil fields are
// left untouched.
type CardUpdate struct {
	Question *string
	Answer   *string
	Topic    *string

	// ImageKey replaces the card's image key when SetImageKey is true.  A nil
	// ImageKey with SetImageKey clears it.
	ImageKey    *string
	SetImageKey bool
}

func (db *DB) collectionRef(collectionID string) (*firestore.DocumentRef, error) {
	if collectionID == "" || strings.ContainsRune(collectionID, '/') {
		return nil, ErrCollectionIDMalformed
	}
	return db.firestoreClient.Collection(collectionsCollection).Doc(collectionID), nil
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// GetCollection loads a collection with all of its cards.
func (db *DB) GetCollection(ctx context.Context, collectionID string) (*dbtypes.Collection, error) {
	ref, err := db.collectionRef(collectionID)
	if err != nil {
		return nil, ErrCollectionNotFound
	}

	snap, err := ref.Get(ctx)
	if isNotFound(err) {
		return nil, ErrCollectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("while retrieving collection %s: %w", collectionID, err)
	}

	coll := &dbtypes.Collection{}
	if err := snap.DataTo(coll); err != nil {
		return nil, fmt.Errorf("while unmarshaling collection %s: %w", collectionID, err)
	}

	return coll, nil
}

// CreateCollection stores a new, empty collection and fills in its ID.
func (db *DB) CreateCollection(ctx context.Context, coll *dbtypes.Collection) error {
	if coll.Name == "" {
		return ErrNameMustNotBeEmpty
	}
	if coll.Owner == "" {
		return ErrOwnerMustNotBeEmpty
	}

	newRef := db.firestoreClient.Collection(collectionsCollection).NewDoc()
	coll.ID = newRef.ID
	if coll.Cards == nil {
		coll.Cards = []*dbtypes.Card{}
	}
	for _, card := range coll.Cards {
		if card.ID == "" {
			card.ID = uuid.NewString()
		}
	}

	if _, err := newRef.Create(ctx, coll); err != nil {
		return fmt.Errorf("while creating collection: %w", err)
	}
	return nil
}

// ListCollections returns every collection owned by owner.
func (db *DB) ListCollections(ctx context.Context, owner string) ([]*dbtypes.Collection, error) {
	if owner == "" {
		return nil, ErrOwnerMustNotBeEmpty
	}

	colls := []*dbtypes.Collection{}
	iter := db.firestoreClient.Collection(collectionsCollection).Where("owner", "==", owner).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while iterating collections owned by %q: %w", owner, err)
		}

		coll := &dbtypes.Collection{}
		if err := snap.DataTo(coll); err != nil {
			return nil, fmt.Errorf("while unmarshaling collection %s: %w", snap.Ref.ID, err)
		}
		colls = append(colls, coll)
	}

	return colls, nil
}

// DeleteCollection removes a collection and returns what it contained, so
// that callers can clean up the images it referenced.  Deleting a collection
// that does not exist returns (nil, nil).
func (db *DB) DeleteCollection(ctx context.Context, collectionID string) (*dbtypes.Collection, error) {
	ref, err := db.collectionRef(collectionID)
	if err != nil {
		return nil, nil
	}

	var deleted *dbtypes.Collection
	err = db.firestoreClient.RunTransaction(ctx, func(ctx context.Context, txn *firestore.Transaction) error {
		deleted = nil

		snap, err := txn.Get(ref)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("while reading collection: %w", err)
		}

		coll := &dbtypes.Collection{}
		if err := snap.DataTo(coll); err != nil {
			return fmt.Errorf("while unmarshaling collection: %w", err)
		}

		if err := txn.Delete(ref); err != nil {
			return fmt.Errorf("while deleting collection: %w", err)
		}

		deleted = coll
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("while executing transaction: %w", err)
	}

	return deleted, nil
}

// PushCard appends card to the end of the collection's card list and returns
// the updated collection.
//
// Returns ErrCollectionNotFound if the collection does not exist.
func (db *DB) PushCard(ctx context.Context, collectionID string, card *dbtypes.Card) (*dbtypes.Collection, error) {
	if card.ID == "" {
		return nil, ErrCardIDMustNotBeEmpty
	}

	ref, err := db.collectionRef(collectionID)
	if err != nil {
		return nil, ErrCollectionNotFound
	}

	var updated *dbtypes.Collection
	err = db.firestoreClient.RunTransaction(ctx, func(ctx context.Context, txn *firestore.Transaction) error {
		// The transaction function can run more than once, so nothing outside
		// of it may be mutated until it succeeds.
		updated = nil

		snap, err := txn.Get(ref)
		if isNotFound(err) {
			return ErrCollectionNotFound
		}
		if err != nil {
			return fmt.Errorf("while reading collection: %w", err)
		}

		coll := &dbtypes.Collection{}
		if err := snap.DataTo(coll); err != nil {
			return fmt.Errorf("while unmarshaling collection: %w", err)
		}

		coll.Cards = append(coll.Cards, card)

		if err := txn.Update(ref, []firestore.Update{{Path: "cards", Value: coll.Cards}}); err != nil {
			return fmt.Errorf("while updating cards: %w", err)
		}

		updated = coll
		return nil
	})
	if errors.Is(err, ErrCollectionNotFound) {
		slog.InfoContext(ctx, "Card push targeted a missing collection", slog.String("collection", collectionID))
		return nil, ErrCollectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("while executing transaction: %w", err)
	}

	return updated, nil
}

// PullCard removes the card with the given ID from the collection and returns
// it.
//
// Removing a card that is not there is not an error; PullCard returns (nil,
// nil) when there was nothing to remove.
func (db *DB) PullCard(ctx context.Context, collectionID, cardID string) (*dbtypes.Card, error) {
	ref, err := db.collectionRef(collectionID)
	if err != nil {
		return nil, nil
	}

	var removed *dbtypes.Card
	err = db.firestoreClient.RunTransaction(ctx, func(ctx context.Context, txn *firestore.Transaction) error {
		removed = nil

		snap, err := txn.Get(ref)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("while reading collection: %w", err)
		}

		coll := &dbtypes.Collection{}
		if err := snap.DataTo(coll); err != nil {
			return fmt.Errorf("while unmarshaling collection: %w", err)
		}

		idx := coll.FindCard(cardID)
		if idx == -1 {
			return nil
		}

		card := coll.Cards[idx]
		remaining := make([]*dbtypes.Card, 0, len(coll.Cards)-1)
		remaining = append(remaining, coll.Cards[:idx]...)
		remaining = append(remaining, coll.Cards[idx+1:]...)

		if err := txn.Update(ref, []firestore.Update{{Path: "cards", Value: remaining}}); err != nil {
			return fmt.Errorf("while updating cards: %w", err)
		}

		removed = card
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("while executing transaction: %w", err)
	}

	return removed, nil
}

// UpdateCardFields applies a partial update to one card and returns the card
// as it was before the update.
func (db *DB) UpdateCardFields(ctx context.Context, collectionID, cardID string, upd CardUpdate) (*dbtypes.Card, error) {
	ref, err := db.collectionRef(collectionID)
	if err != nil {
		return nil, ErrCollectionNotFound
	}

	var previous *dbtypes.Card
	err = db.firestoreClient.RunTransaction(ctx, func(ctx context.Context, txn *firestore.Transaction) error {
		previous = nil

		snap, err := txn.Get(ref)
		if isNotFound(err) {
			return ErrCollectionNotFound
		}
		if err != nil {
			return fmt.Errorf("while reading collection: %w", err)
		}

		coll := &dbtypes.Collection{}
		if err := snap.DataTo(coll); err != nil {
			return fmt.Errorf("while unmarshaling collection: %w", err)
		}

		idx := coll.FindCard(cardID)
		if idx == -1 {
			return ErrCardNotFound
		}

		old := *coll.Cards[idx]
		applyCardUpdate(coll.Cards[idx], upd)

		if err := txn.Update(ref, []firestore.Update{{Path: "cards", Value: coll.Cards}}); err != nil {
			return fmt.Errorf("while updating cards: %w", err)
		}

		previous = &old
		return nil
	})
	if errors.Is(err, ErrCollectionNotFound) {
		return nil, ErrCollectionNotFound
	}
	if errors.Is(err, ErrCardNotFound) {
		return nil, ErrCardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("while executing transaction: %w", err)
	}

	return previous, nil
}

func applyCardUpdate(card *dbtypes.Card, upd CardUpdate) {
	if upd.Question != nil {
		card.Question = *upd.Question
	}
	if upd.Answer != nil {
		card.Answer = *upd.Answer
	}
	if upd.Topic != nil {
		card.Topic = *upd.Topic
	}
	if upd.SetImageKey {
		card.ImageKey = nil
		if upd.ImageKey != nil {
			key := *upd.ImageKey
			card.ImageKey = &key
		}
	}
}

// FindCardByContent locates a card by the name of its collection and its
// question and topic.  This is how older clients identify the card to delete.
//
// Returns ErrCollectionNotFound or ErrCardNotFound when nothing matches, and
// ErrCardMatchesNotUnique when the match is ambiguous.
func (db *DB) FindCardByContent(ctx context.Context, collectionName, question, topic string) (string, *dbtypes.Card, error) {
	if collectionName == "" {
		return "", nil, ErrNameMustNotBeEmpty
	}
	if question == "" {
		return "", nil, ErrCardContentNotProvided
	}

	var (
		foundCollection string
		foundCard       *dbtypes.Card
		sawCollection   bool
	)

	iter := db.firestoreClient.Collection(collectionsCollection).Where("name", "==", collectionName).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("while looking up collection %q: %w", collectionName, err)
		}
		sawCollection = true

		coll := &dbtypes.Collection{}
		if err := snap.DataTo(coll); err != nil {
			return "", nil, fmt.Errorf("while unmarshaling collection %s: %w", snap.Ref.ID, err)
		}

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

	return foundCollection, foundCard, nil
}
