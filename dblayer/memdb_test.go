package dblayer

import (
	"context"
	"errors"
	"testing"

	"flashdeck/dbtypes"
)

func TestMemDBCopiesCards(t *testing.T) {
	db := NewMemDB()
	ctx := context.Background()
	coll := newTestCollection(t, db)

	card := &dbtypes.Card{ID: "c1", Question: "q", ImageKey: strPtr("c1")}
	if _, err := db.PushCard(ctx, coll.ID, card); err != nil {
		t.Fatalf("Error while pushing card: %v", err)
	}
	card.Question = "changed"
	*card.ImageKey = "changed"

	got, err := db.GetCollection(ctx, coll.ID)
	if err != nil {
		t.Fatalf("Error while getting collection: %v", err)
	}
	if got.Cards[0].Question != "q" || *got.Cards[0].ImageKey != "c1" {
		t.Errorf("Stored card shares memory with caller: %+v", got.Cards[0])
	}
}

func TestMemDBCopiesUpdatedImageKey(t *testing.T) {
	db := NewMemDB()
	ctx := context.Background()
	coll := newTestCollection(t, db)

	if _, err := db.PushCard(ctx, coll.ID, &dbtypes.Card{ID: "c1", Question: "q"}); err != nil {
		t.Fatalf("Error while pushing card: %v", err)
	}

	key := "c1"
	if _, err := db.UpdateCardFields(ctx, coll.ID, "c1", CardUpdate{ImageKey: &key, SetImageKey: true}); err != nil {
		t.Fatalf("Error while updating card: %v", err)
	}
	key = "changed"

	got, err := db.GetCollection(ctx, coll.ID)
	if err != nil {
		t.Fatalf("Error while getting collection: %v", err)
	}
	if got.Cards[0].ImageKey == nil || *got.Cards[0].ImageKey != "c1" {
		t.Errorf("Stored image key shares memory with caller: %v", got.Cards[0].ImageKey)
	}
}

func TestMemDBSetFailing(t *testing.T) {
	db := NewMemDB()
	ctx := context.Background()
	coll := newTestCollection(t, db)

	errBoom := errors.New("boom")
	db.SetFailing(errBoom)

	if _, err := db.GetCollection(ctx, coll.ID); !errors.Is(err, errBoom) {
		t.Errorf("Bad error from GetCollection; got %v, want %v", err, errBoom)
	}
	if _, err := db.PushCard(ctx, coll.ID, &dbtypes.Card{ID: "c1"}); !errors.Is(err, errBoom) {
		t.Errorf("Bad error from PushCard; got %v, want %v", err, errBoom)
	}

	db.SetFailing(nil)
	if _, err := db.GetCollection(ctx, coll.ID); err != nil {
		t.Errorf("Error after recovering: %v", err)
	}
}

func TestMemDBListCollectionsByOwner(t *testing.T) {
	db := NewMemDB()
	ctx := context.Background()

	for _, owner := range []string{"user-1", "user-2", "user-1"} {
		if err := db.CreateCollection(ctx, &dbtypes.Collection{Name: "n", Owner: owner}); err != nil {
			t.Fatalf("Error while creating collection: %v", err)
		}
	}

	colls, err := db.ListCollections(ctx, "user-1")
	if err != nil {
		t.Fatalf("Error while listing collections: %v", err)
	}
	if len(colls) != 2 {
		t.Fatalf("Bad collection count; got %d, want 2", len(colls))
	}
	if colls[0].ID > colls[1].ID {
		t.Errorf("Collections not sorted by id: %s, %s", colls[0].ID, colls[1].ID)
	}

	if _, err := db.ListCollections(ctx, ""); !errors.Is(err, ErrOwnerMustNotBeEmpty) {
		t.Errorf("Bad error for empty owner; got %v, want %v", err, ErrOwnerMustNotBeEmpty)
	}
}

func TestMemDBDeleteMissingCollection(t *testing.T) {
	db := NewMemDB()

	deleted, err := db.DeleteCollection(context.Background(), "nope")
	if err != nil || deleted != nil {
		t.Errorf("Bad result for missing collection; got (%v, %v), want (nil, nil)", deleted, err)
	}
}
