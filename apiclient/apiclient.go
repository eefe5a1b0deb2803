// Package apiclient is an HTTP client for the flashdeck API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"

	"flashdeck/api"
	"flashdeck/dbtypes"
	"flashdeck/imagecodec"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "flashdeck/apiclient"

var ErrNotFound = errors.New("not found")

// StatusError is returned when the API answers with an unexpected status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("bad status code %d", e.StatusCode)
	}
	return fmt.Sprintf("bad status code %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client provides functions for interacting with the flashdeck API.
type Client struct {
	Client  *http.Client
	BaseURL *url.URL
}

// New creates a new Client for the API served at baseURL.
func New(client *http.Client, baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("while parsing base URL %q: %w", baseURL, err)
	}
	return &Client{
		Client:  client,
		BaseURL: u,
	}, nil
}

func (c *Client) url(query url.Values, elem ...string) string {
	u := *c.BaseURL
	u.Path = path.Join(append([]string{"/", u.Path}, elem...)...)
	u.RawQuery = query.Encode()
	return u.String()
}

func statusError(resp *http.Response) error {
	body, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := &api.ErrorResponse{}
	if err := json.Unmarshal(body, msg); err != nil || msg.Error == "" {
		return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg.Error}
}

// do sends a request with an optional JSON body.  If target is non-nil, the
// response must be JSON and is unmarshaled into it.
func (c *Client) do(ctx context.Context, method, url string, body interface{}, wantStatus int, target interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("while marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("while making request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("while sending %s %q: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return statusError(resp)
	}
	if target == nil {
		return nil
	}

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		return fmt.Errorf("bad Content-Type %q, want %q", ct, "application/json")
	}

	respBody, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("while reading body: %w", err)
	}
	if err := json.Unmarshal(respBody, target); err != nil {
		return fmt.Errorf("while unmarshaling body: %w", err)
	}
	return nil
}

type AddCardResult struct {
	Card        *dbtypes.Card
	ImageFailed bool
}

// AddCard adds a card to a collection.  img may be nil.
func (c *Client) AddCard(ctx context.Context, collectionID, question, answer, topic string, img *imagecodec.Payload) (*AddCardResult, error) {
	tracer := otel.Tracer(tracerName)
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Client.AddCard")
	defer span.End()

	req := map[string]interface{}{
		"collectionId": collectionID,
		"card": map[string]interface{}{
			"question": question,
			"answer":   answer,
			"topic":    topic,
			"img":      img,
		},
	}

	resp := &api.AddCardResponse{}
	if err := c.do(ctx, "POST", c.url(nil, "cards", "add-card"), req, http.StatusCreated, resp); err != nil {
		return nil, fmt.Errorf("while adding card: %w", err)
	}
	if !resp.CardAdded {
		return nil, fmt.Errorf("card was not added")
	}
	return &AddCardResult{Card: resp.Card, ImageFailed: resp.ImageFailed}, nil
}

func (c *Client) UpdateCard(ctx context.Context, req *api.UpdateCardRequest) error {
	if err := c.do(ctx, "PATCH", c.url(nil, "cards", "update-card"), req, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("while updating card: %w", err)
	}
	return nil
}

func (c *Client) DeleteCard(ctx context.Context, collectionID, cardID string) error {
	req := &api.DeleteCardRequest{}
	req.Card.CollectionID = collectionID
	req.Card.CardID = cardID
	if err := c.do(ctx, "PATCH", c.url(nil, "cards", "delete-card"), req, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("while deleting card: %w", err)
	}
	return nil
}

func (c *Client) CreateCollection(ctx context.Context, name, owner, category string) (*dbtypes.Collection, error) {
	req := &api.CreateCollectionRequest{Name: name, Owner: owner, Category: category}
	coll := &dbtypes.Collection{}
	if err := c.do(ctx, "POST", c.url(nil, "collections"), req, http.StatusCreated, coll); err != nil {
		return nil, fmt.Errorf("while creating collection: %w", err)
	}
	return coll, nil
}

func (c *Client) ListCollections(ctx context.Context, owner string) ([]*dbtypes.Collection, error) {
	colls := []*dbtypes.Collection{}
	if err := c.do(ctx, "GET", c.url(url.Values{"owner": {owner}}, "collections"), nil, http.StatusOK, &colls); err != nil {
		return nil, fmt.Errorf("while listing collections: %w", err)
	}
	return colls, nil
}

func (c *Client) GetCollection(ctx context.Context, collectionID string) (*dbtypes.Collection, error) {
	coll := &dbtypes.Collection{}
	if err := c.do(ctx, "GET", c.url(nil, "collections", collectionID, "meta"), nil, http.StatusOK, coll); err != nil {
		return nil, fmt.Errorf("while getting collection %s: %w", collectionID, err)
	}
	return coll, nil
}

func (c *Client) DeleteCollection(ctx context.Context, collectionID string) error {
	if err := c.do(ctx, "DELETE", c.url(nil, "collections", collectionID), nil, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("while deleting collection %s: %w", collectionID, err)
	}
	return nil
}

// BufferedImages fetches every image of a collection in one JSON response.
func (c *Client) BufferedImages(ctx context.Context, collectionID string) (api.BufferedImages, error) {
	images := api.BufferedImages{}
	if err := c.do(ctx, "GET", c.url(url.Values{"mode": {"buffered"}}, "collections", collectionID), nil, http.StatusOK, &images); err != nil {
		return nil, fmt.Errorf("while getting images of collection %s: %w", collectionID, err)
	}
	return images, nil
}

// Part is one image from a streamed collection response.  Body is only valid
// during the callback.
type Part struct {
	CardID      string
	ContentType string
	Body        io.Reader
}

// StreamImages fetches the images of a collection as a multipart stream and
// calls fn for each one as it arrives.
func (c *Client) StreamImages(ctx context.Context, collectionID string, ordered bool, fn func(*Part) error) error {
	tracer := otel.Tracer(tracerName)
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Client.StreamImages")
	defer span.End()

	query := url.Values{}
	if ordered {
		query.Set("ordered", "true")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.url(query, "collections", collectionID), nil)
	if err != nil {
		return fmt.Errorf("while making request: %w", err)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("while fetching images of collection %s: %w", collectionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("while fetching images of collection %s: %w", collectionID, statusError(resp))
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("while parsing Content-Type: %w", err)
	}
	if mediaType != "multipart/mixed" || params["boundary"] == "" {
		return fmt.Errorf("bad Content-Type %q, want multipart/mixed with a boundary", resp.Header.Get("Content-Type"))
	}

	mr := multipart.NewReader(resp.Body, params["boundary"])
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("while reading part: %w", err)
		}

		err = fn(&Part{
			CardID:      p.Header.Get("Content-ID"),
			ContentType: p.Header.Get("Content-Type"),
			Body:        p,
		})
		p.Close()
		if err != nil {
			return err
		}
	}
}
