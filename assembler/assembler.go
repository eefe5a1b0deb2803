// Package assembler gathers the images of a collection's cards from the
// object store.
//
// Fetches run concurrently.  An image that cannot be fetched is left out of
// the result; it never fails the whole call.
package assembler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log/slog"
	"sync"

	"flashdeck/dblayer"
	"flashdeck/dbtypes"
	"flashdeck/objstore"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const tracerName = "flashdeck/assembler"

var ErrNotFound = errors.New("collection not found")

// CollectionLoader loads a collection with its cards.
type CollectionLoader interface {
	GetCollection(ctx context.Context, collectionID string) (*dbtypes.Collection, error)
}

// Image is a fully read card image.
type Image struct {
	Data        []byte `json:"data"`
	ContentType string `json:"contentType"`
	Length      int64  `json:"length"`
}

type Assembler struct {
	loader CollectionLoader
	gw     objstore.Gateway

	concurrency int64
	ordered     bool
}

type Opt func(*Assembler)

// WithConcurrency bounds the number of in-flight fetches per call.
func WithConcurrency(n int64) Opt {
	return func(a *Assembler) {
		a.concurrency = n
	}
}

// WithOrdered makes Stream emit parts in card order.  The first part is then
// only written once every fetch has finished.
func WithOrdered(ordered bool) Opt {
	return func(a *Assembler) {
		a.ordered = ordered
	}
}

func New(loader CollectionLoader, gw objstore.Gateway, opts ...Opt) *Assembler {
	a := &Assembler{
		loader:      loader,
		gw:          gw,
		concurrency: 64,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ordered returns a copy of a with ordering set to ordered.
func (a *Assembler) Ordered(ordered bool) *Assembler {
	b := *a
	b.ordered = ordered
	return &b
}

func (a *Assembler) imageCards(ctx context.Context, collectionID string) ([]*dbtypes.Card, error) {
	coll, err := a.loader.GetCollection(ctx, collectionID)
	if errors.Is(err, dblayer.ErrCollectionNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("while loading collection %s: %w", collectionID, err)
	}

	cards := []*dbtypes.Card{}
	for _, card := range coll.Cards {
		if card.HasImage() {
			cards = append(cards, card)
		}
	}
	return cards, nil
}

// fetchEach calls handle with the object for every card, from as many
// goroutines as the concurrency bound allows.  obj is nil when the fetch
// failed.  handle owns obj and must close it.
func (a *Assembler) fetchEach(ctx context.Context, cards []*dbtypes.Card, handle func(i int, card *dbtypes.Card, obj *objstore.Object)) {
	var eg errgroup.Group
	sem := semaphore.NewWeighted(a.concurrency)

	for i, card := range cards {
		i, card := i, card

		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled; every remaining card counts as missing.
			handle(i, card, nil)
			continue
		}

		eg.Go(func() error {
			defer sem.Release(1)
			handle(i, card, a.gw.GetStream(ctx, *card.ImageKey))
			return nil
		})
	}

	eg.Wait()
}

func drain(obj *objstore.Object) (*Image, error) {
	defer obj.Body.Close()

	data, err := ioutil.ReadAll(obj.Body)
	if err != nil {
		return nil, err
	}
	return &Image{
		Data:        data,
		ContentType: obj.ContentType,
		Length:      int64(len(data)),
	}, nil
}

// collect fetches and reads every image.  Entries for missing images are nil.
func (a *Assembler) collect(ctx context.Context, cards []*dbtypes.Card) []*Image {
	images := make([]*Image, len(cards))
	a.fetchEach(ctx, cards, func(i int, card *dbtypes.Card, obj *objstore.Object) {
		if obj == nil {
			return
		}
		img, err := drain(obj)
		if err != nil {
			slog.WarnContext(ctx, "Error while reading image; leaving it out", slog.String("card", card.ID), slog.Any("err", err))
			return
		}
		images[i] = img
	})
	return images
}

func record(ctx context.Context, mode string, fetched, missing int) {
	stats.RecordWithOptions(
		ctx,
		stats.WithTags(tag.Insert(keyMode, mode)),
		stats.WithMeasurements(imagesFetched.M(int64(fetched)), imagesMissing.M(int64(missing))))
}

// Buffered reads every image of the collection into memory, keyed by card ID.
func (a *Assembler) Buffered(ctx context.Context, collectionID string) (map[string]*Image, error) {
	tracer := otel.Tracer(tracerName)
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Assembler.Buffered")
	defer span.End()

	span.SetAttributes(attribute.String("collection", collectionID))

	cards, err := a.imageCards(ctx, collectionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	images := a.collect(ctx, cards)

	result := map[string]*Image{}
	for i, img := range images {
		if img != nil {
			result[cards[i].ID] = img
		}
	}

	record(ctx, "buffered", len(result), len(cards)-len(result))
	span.SetAttributes(attribute.Int("fetched", len(result)), attribute.Int("missing", len(cards)-len(result)))
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// Stream writes every image of the collection to pw as one part each, then
// closes pw.  It returns the number of parts written.
//
// Nothing is written to pw if the collection cannot be loaded, so the caller
// can still report the error.  An error after the first part means the body
// is truncated.
func (a *Assembler) Stream(ctx context.Context, collectionID string, pw *PartWriter) (int, error) {
	tracer := otel.Tracer(tracerName)
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Assembler.Stream")
	defer span.End()

	span.SetAttributes(attribute.String("collection", collectionID), attribute.Bool("ordered", a.ordered))

	cards, err := a.imageCards(ctx, collectionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	var written int
	if a.ordered {
		written, err = a.streamOrdered(ctx, cards, pw)
	} else {
		written, err = a.streamAsCompleted(ctx, cards, pw)
	}
	if err == nil {
		err = pw.Close()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return written, err
	}

	record(ctx, "stream", written, len(cards)-written)
	span.SetAttributes(attribute.Int("fetched", written), attribute.Int("missing", len(cards)-written))
	span.SetStatus(codes.Ok, "")
	return written, nil
}

func (a *Assembler) streamOrdered(ctx context.Context, cards []*dbtypes.Card, pw *PartWriter) (int, error) {
	images := a.collect(ctx, cards)

	written := 0
	for i, img := range images {
		if img == nil {
			continue
		}
		if err := pw.WritePart(img.ContentType, cards[i].ID, bytes.NewReader(img.Data)); err != nil {
			return written, fmt.Errorf("while writing part for card %s: %w", cards[i].ID, err)
		}
		written++
	}
	return written, nil
}

type completed struct {
	card *dbtypes.Card
	obj  *objstore.Object
}

func (a *Assembler) streamAsCompleted(ctx context.Context, cards []*dbtypes.Card, pw *PartWriter) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so that fetchers never block on a writer that has given up.
	results := make(chan *completed, len(cards))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(results)
		a.fetchEach(ctx, cards, func(i int, card *dbtypes.Card, obj *objstore.Object) {
			results <- &completed{card: card, obj: obj}
		})
	}()

	written := 0
	var writeErr error
	for res := range results {
		if res.obj == nil {
			continue
		}
		if writeErr != nil {
			res.obj.Body.Close()
			continue
		}

		ok, err := writeStreamPart(ctx, pw, res.card, res.obj)
		if err != nil {
			writeErr = fmt.Errorf("while writing part for card %s: %w", res.card.ID, err)
			cancel()
			continue
		}
		if ok {
			written++
		}
	}
	wg.Wait()

	return written, writeErr
}

// writeStreamPart copies one object into a part.  An object that fails
// before yielding any byte is skipped, since no header has been written yet.
func writeStreamPart(ctx context.Context, pw *PartWriter, card *dbtypes.Card, obj *objstore.Object) (bool, error) {
	defer obj.Body.Close()

	br := bufio.NewReader(obj.Body)
	if _, err := br.Peek(1); err != nil && err != io.EOF {
		slog.WarnContext(ctx, "Error while reading image; leaving it out", slog.String("card", card.ID), slog.Any("err", err))
		return false, nil
	}

	if err := pw.WritePart(obj.ContentType, card.ID, br); err != nil {
		return false, err
	}
	return true, nil
}
