// Package ingest writes cards and their images.
//
// A card's text goes to the card store and its image goes to the object
// store under the card's own ID.  The two stores are not transactional with
// each other.  Losing the image never loses the card: a failed upload still
// saves the card, without an image key.  Whenever a card store change drops
// an image key, the image is deleted from the object store on a best-effort
// basis.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"flashdeck/dblayer"
	"flashdeck/dbtypes"
	"flashdeck/imagecodec"
	"flashdeck/objstore"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "flashdeck/ingest"

// CardStore is the subset of the card store that ingestion needs.  Both
// *dblayer.DB and *dblayer.MemDB implement it.
type CardStore interface {
	GetCollection(ctx context.Context, collectionID string) (*dbtypes.Collection, error)
	CreateCollection(ctx context.Context, coll *dbtypes.Collection) error
	ListCollections(ctx context.Context, owner string) ([]*dbtypes.Collection, error)
	DeleteCollection(ctx context.Context, collectionID string) (*dbtypes.Collection, error)

	PushCard(ctx context.Context, collectionID string, card *dbtypes.Card) (*dbtypes.Collection, error)
	PullCard(ctx context.Context, collectionID, cardID string) (*dbtypes.Card, error)
	UpdateCardFields(ctx context.Context, collectionID, cardID string, upd dblayer.CardUpdate) (*dbtypes.Card, error)
	FindCardByContent(ctx context.Context, collectionName, question, topic string) (string, *dbtypes.Card, error)
}

type Service struct {
	store CardStore
	gw    objstore.Gateway

	newID func() string
}

type ServiceOpt func(*Service)

// WithIDGenerator replaces the generator of new card IDs.
func WithIDGenerator(newID func() string) ServiceOpt {
	return func(s *Service) {
		s.newID = newID
	}
}

func New(store CardStore, gw objstore.Gateway, opts ...ServiceOpt) *Service {
	s := &Service{
		store: store,
		gw:    gw,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// fail records err on the span and returns it.
func fail(span trace.Span, err *Error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// discardImages deletes images that no card references any more.  Failure
// only leaves orphaned objects behind, so it is logged and ignored.
func (s *Service) discardImages(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if !s.gw.DeleteMany(ctx, keys) {
		slog.WarnContext(ctx, "Could not delete unreferenced images; they are orphaned", slog.Any("keys", keys))
	}
}

// decodeImage returns the raw bytes and content type of img.  A nil payload
// decodes to nothing.
func (s *Service) decodeImage(img *imagecodec.Payload) ([]byte, string, error) {
	if img == nil {
		return nil, "", nil
	}
	data, err := imagecodec.Decode(img)
	if err != nil {
		return nil, "", err
	}
	return data, imagecodec.ContentTypeOf(img), nil
}

type AddCardRequest struct {
	CollectionID string
	Question     string
	Answer       string
	Topic        string

	// Image is optional.
	Image *imagecodec.Payload
}

type AddCardResult struct {
	Card *dbtypes.Card

	// ImageStored is set when the image was uploaded and the card refers to
	// it.
	ImageStored bool

	// ImageFailed is set when an image was supplied but could not be
	// uploaded.  The card was still saved, without an image key.
	ImageFailed bool
}

// AddCard appends a new card to a collection, uploading its image first.
func (s *Service) AddCard(ctx context.Context, req *AddCardRequest) (*AddCardResult, error) {
	const op = "AddCard"

	tracer := otel.Tracer(tracerName)
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Service.AddCard")
	defer span.End()

	span.SetAttributes(attribute.String("collection", req.CollectionID), attribute.Bool("hasImage", req.Image != nil))

	switch {
	case req.CollectionID == "":
		return nil, fail(span, newError(KindValidation, op, ErrCollectionIDRequired))
	case req.Question == "":
		return nil, fail(span, newError(KindValidation, op, ErrQuestionRequired))
	case req.Answer == "":
		return nil, fail(span, newError(KindValidation, op, ErrAnswerRequired))
	}

	data, contentType, err := s.decodeImage(req.Image)
	if err != nil {
		return nil, fail(span, newError(KindDecode, op, err))
	}

	// The card ID doubles as the image key, so it must exist before the
	// upload.
	card := &dbtypes.Card{
		ID:       s.newID(),
		Question: req.Question,
		Answer:   req.Answer,
		Topic:    req.Topic,
	}
	result := &AddCardResult{Card: card}

	if data != nil {
		if s.gw.Put(ctx, card.ID, data, contentType) {
			key := card.ID
			card.ImageKey = &key
			result.ImageStored = true
		} else {
			result.ImageFailed = true
			slog.WarnContext(ctx, "Image upload failed; saving card without image", slog.String("collection", req.CollectionID), slog.String("card", card.ID))
		}
	}

	if _, err := s.store.PushCard(ctx, req.CollectionID, card); err != nil {
		if result.ImageStored {
			s.discardImages(ctx, []string{card.ID})
		}
		if errors.Is(err, dblayer.ErrCollectionNotFound) {
			return nil, fail(span, newError(KindNotFound, op, err))
		}
		return nil, fail(span, newError(KindStore, op, fmt.Errorf("while pushing card: %w", err)))
	}

	span.SetStatus(codes.Ok, "")
	return result, nil
}

type UpdateCardRequest struct {
	CollectionID string
	CardID       string

	// Nil fields are left untouched.
	Question *string
	Answer   *string
	Topic    *string

	// Image, when set, replaces the card's image.
	Image *imagecodec.Payload

	// RemoveImage clears the card's image and deletes it.
	RemoveImage bool
}

type UpdateCardResult struct {
	// Previous is the card as it was before the update.
	Previous *dbtypes.Card

	ImageStored bool

	// ImageFailed is set when a replacement image could not be uploaded.
	// The other fields were still updated and the old image kept.
	ImageFailed bool
}

func (s *Service) checkCardInCollection(ctx context.Context, collectionID, cardID string) error {
	coll, err := s.store.GetCollection(ctx, collectionID)
	if errors.Is(err, dblayer.ErrCollectionNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("while getting collection: %w", err)
	}
	if coll.FindCard(cardID) == -1 {
		return dblayer.ErrCardNotFound
	}
	return nil
}

// UpdateCard applies a partial update to a card.
func (s *Service) UpdateCard(ctx context.Context, req *UpdateCardRequest) (*UpdateCardResult, error) {
	const op = "UpdateCard"

	tracer := otel.Tracer(tracerName)
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Service.UpdateCard")
	defer span.End()

	span.SetAttributes(attribute.String("collection", req.CollectionID), attribute.String("card", req.CardID))

	switch {
	case req.CollectionID == "":
		return nil, fail(span, newError(KindValidation, op, ErrCollectionIDRequired))
	case req.CardID == "":
		return nil, fail(span, newError(KindValidation, op, ErrCardIDRequired))
	case req.Image != nil && req.RemoveImage:
		return nil, fail(span, newError(KindValidation, op, ErrImageConflict))
	}

	data, contentType, err := s.decodeImage(req.Image)
	if err != nil {
		return nil, fail(span, newError(KindDecode, op, err))
	}

	upd := dblayer.CardUpdate{
		Question: req.Question,
		Answer:   req.Answer,
		Topic:    req.Topic,
	}
	result := &UpdateCardResult{}

	if data != nil {
		// The upload overwrites the object under the card's ID, so the card
		// must be in this collection before anything is written.
		if err := s.checkCardInCollection(ctx, req.CollectionID, req.CardID); err != nil {
			if errors.Is(err, dblayer.ErrCollectionNotFound) || errors.Is(err, dblayer.ErrCardNotFound) {
				return nil, fail(span, newError(KindNotFound, op, err))
			}
			return nil, fail(span, newError(KindStore, op, err))
		}

		if s.gw.Put(ctx, req.CardID, data, contentType) {
			key := req.CardID
			upd.ImageKey = &key
			upd.SetImageKey = true
			result.ImageStored = true
		} else {
			result.ImageFailed = true
			slog.WarnContext(ctx, "Replacement image upload failed; keeping the old image", slog.String("collection", req.CollectionID), slog.String("card", req.CardID))
		}
	}
	if req.RemoveImage {
		upd.ImageKey = nil
		upd.SetImageKey = true
	}

	previous, err := s.store.UpdateCardFields(ctx, req.CollectionID, req.CardID, upd)
	if errors.Is(err, dblayer.ErrCollectionNotFound) || errors.Is(err, dblayer.ErrCardNotFound) {
		// The card was removed after the upload, so nothing owns the key.
		if result.ImageStored {
			s.discardImages(ctx, []string{req.CardID})
		}
		return nil, fail(span, newError(KindNotFound, op, err))
	}
	if err != nil {
		// The upload may have overwritten an image the card still refers
		// to, so it cannot be deleted here.
		return nil, fail(span, newError(KindStore, op, fmt.Errorf("while updating card: %w", err)))
	}
	result.Previous = previous

	if previous.HasImage() {
		oldKey := *previous.ImageKey
		if req.RemoveImage || (result.ImageStored && oldKey != req.CardID) {
			s.discardImages(ctx, []string{oldKey})
		}
	}

	span.SetStatus(codes.Ok, "")
	return result, nil
}

// DeleteCardRequest identifies a card either by collection and card ID, or by
// the name of its collection plus its question and topic.
type DeleteCardRequest struct {
	CollectionID string
	CardID       string

	CollectionName string
	Question       string
	Topic          string
}

type DeleteCardResult struct {
	// Card is the deleted card, or nil if there was nothing to delete.
	Card *dbtypes.Card
}

// DeleteCard removes a card and its image.  Deleting a card that does not
// exist succeeds.
func (s *Service) DeleteCard(ctx context.Context, req *DeleteCardRequest) (*DeleteCardResult, error) {
	const op = "DeleteCard"

	tracer := otel.Tracer(tracerName)
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Service.DeleteCard")
	defer span.End()

	collectionID, cardID := req.CollectionID, req.CardID
	switch {
	case cardID != "":
		if collectionID == "" {
			return nil, fail(span, newError(KindValidation, op, ErrCollectionIDRequired))
		}
	case req.CollectionName != "" && req.Question != "":
		foundCollection, found, err := s.store.FindCardByContent(ctx, req.CollectionName, req.Question, req.Topic)
		if errors.Is(err, dblayer.ErrCollectionNotFound) || errors.Is(err, dblayer.ErrCardNotFound) {
			span.SetStatus(codes.Ok, "")
			return &DeleteCardResult{}, nil
		}
		if errors.Is(err, dblayer.ErrCardMatchesNotUnique) {
			return nil, fail(span, newError(KindValidation, op, err))
		}
		if err != nil {
			return nil, fail(span, newError(KindStore, op, fmt.Errorf("while finding card: %w", err)))
		}
		collectionID, cardID = foundCollection, found.ID
	default:
		return nil, fail(span, newError(KindValidation, op, ErrCardRefRequired))
	}

	span.SetAttributes(attribute.String("collection", collectionID), attribute.String("card", cardID))

	removed, err := s.store.PullCard(ctx, collectionID, cardID)
	if err != nil {
		return nil, fail(span, newError(KindStore, op, fmt.Errorf("while pulling card: %w", err)))
	}
	if removed != nil && removed.HasImage() {
		s.discardImages(ctx, []string{*removed.ImageKey})
	}

	span.SetStatus(codes.Ok, "")
	return &DeleteCardResult{Card: removed}, nil
}
