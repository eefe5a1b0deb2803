package ingest

import (
	"context"
	"errors"
	"fmt"

	"flashdeck/dblayer"
	"flashdeck/dbtypes"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type CreateCollectionRequest struct {
	Name     string
	Owner    string
	Category string
}

// CreateCollection stores a new, empty collection.
func (s *Service) CreateCollection(ctx context.Context, req *CreateCollectionRequest) (*dbtypes.Collection, error) {
	const op = "CreateCollection"

	coll := &dbtypes.Collection{
		Name:     req.Name,
		Owner:    req.Owner,
		Category: req.Category,
	}
	err := s.store.CreateCollection(ctx, coll)
	if errors.Is(err, dblayer.ErrNameMustNotBeEmpty) || errors.Is(err, dblayer.ErrOwnerMustNotBeEmpty) {
		return nil, newError(KindValidation, op, err)
	}
	if err != nil {
		return nil, newError(KindStore, op, fmt.Errorf("while creating collection: %w", err))
	}
	return coll, nil
}

// GetCollection returns a collection's metadata and cards.
func (s *Service) GetCollection(ctx context.Context, collectionID string) (*dbtypes.Collection, error) {
	const op = "GetCollection"

	if collectionID == "" {
		return nil, newError(KindValidation, op, ErrCollectionIDRequired)
	}
	coll, err := s.store.GetCollection(ctx, collectionID)
	if errors.Is(err, dblayer.ErrCollectionNotFound) {
		return nil, newError(KindNotFound, op, err)
	}
	if err != nil {
		return nil, newError(KindStore, op, fmt.Errorf("while getting collection: %w", err))
	}
	return coll, nil
}

// ListCollections returns the collections owned by owner.
func (s *Service) ListCollections(ctx context.Context, owner string) ([]*dbtypes.Collection, error) {
	const op = "ListCollections"

	colls, err := s.store.ListCollections(ctx, owner)
	if errors.Is(err, dblayer.ErrOwnerMustNotBeEmpty) {
		return nil, newError(KindValidation, op, err)
	}
	if err != nil {
		return nil, newError(KindStore, op, fmt.Errorf("while listing collections: %w", err))
	}
	return colls, nil
}

// DeleteCollection removes a collection and every image its cards refer to.
// It returns the deleted collection, or nil if there was none.
func (s *Service) DeleteCollection(ctx context.Context, collectionID string) (*dbtypes.Collection, error) {
	const op = "DeleteCollection"

	tracer := otel.Tracer(tracerName)
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Service.DeleteCollection")
	defer span.End()

	span.SetAttributes(attribute.String("collection", collectionID))

	if collectionID == "" {
		return nil, fail(span, newError(KindValidation, op, ErrCollectionIDRequired))
	}

	deleted, err := s.store.DeleteCollection(ctx, collectionID)
	if err != nil {
		return nil, fail(span, newError(KindStore, op, fmt.Errorf("while deleting collection: %w", err)))
	}
	if deleted != nil {
		s.discardImages(ctx, deleted.ImageKeys())
	}

	span.SetStatus(codes.Ok, "")
	return deleted, nil
}
