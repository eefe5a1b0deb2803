// Package api serves the flashdeck HTTP endpoints.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"flashdeck/assembler"
	"flashdeck/ingest"

	"github.com/golang/glog"
)

// MaxBodyBytes bounds request bodies.  Card images travel inline as base64.
const MaxBodyBytes = 16 << 20

const genericErrorMessage = "something went wrong, try again"

type API struct {
	svc *ingest.Service
	asm *assembler.Assembler
}

func New(svc *ingest.Service, asm *assembler.Assembler) *API {
	return &API{
		svc: svc,
		asm: asm,
	}
}

func (a *API) Register(m *http.ServeMux) {
	m.HandleFunc("POST /cards/add-card", a.addCardHandler)
	m.HandleFunc("PATCH /cards/update-card", a.updateCardHandler)
	m.HandleFunc("PATCH /cards/delete-card", a.deleteCardHandler)

	m.HandleFunc("POST /collections", a.createCollectionHandler)
	m.HandleFunc("GET /collections", a.listCollectionsHandler)
	m.HandleFunc("GET /collections/{collectionId}", a.collectionImagesHandler)
	m.HandleFunc("GET /collections/{collectionId}/meta", a.collectionMetaHandler)
	m.HandleFunc("DELETE /collections/{collectionId}", a.deleteCollectionHandler)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// It's too late to write an error to the HTTP response.
		glog.Errorf("Error while writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, &ErrorResponse{Error: message})
}

// writeInternalError logs err and sends the client a message that reveals
// nothing about it.
func writeInternalError(w http.ResponseWriter, what string, err error) {
	glog.Errorf("Error while %s: %+v", what, err)
	writeError(w, http.StatusInternalServerError, genericErrorMessage)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) (int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, fmt.Errorf("request body is larger than %d bytes", tooLarge.Limit)
		}
		return http.StatusBadRequest, fmt.Errorf("while decoding request body: %w", err)
	}
	return 0, nil
}

// statusFor maps an ingestion failure to a response status.  notFound is the
// status the endpoint uses for a missing collection or card.
func statusFor(err error, notFound int) int {
	switch ingest.KindOf(err) {
	case ingest.KindValidation, ingest.KindDecode:
		return http.StatusBadRequest
	case ingest.KindNotFound:
		return notFound
	case ingest.KindStore:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) addCardHandler(w http.ResponseWriter, r *http.Request) {
	req := &AddCardRequest{}
	if status, err := decodeBody(w, r, req); err != nil {
		glog.Infof("Rejecting add-card request: %v", err)
		writeJSON(w, status, &AddCardResponse{CardAdded: false})
		return
	}

	result, err := a.svc.AddCard(r.Context(), &ingest.AddCardRequest{
		CollectionID: req.CollectionID,
		Question:     req.Card.Question,
		Answer:       req.Card.Answer,
		Topic:        req.Card.Topic,
		Image:        req.Card.Img.toCodec(),
	})
	if err != nil {
		status := statusFor(err, http.StatusBadRequest)
		if status == http.StatusInternalServerError {
			writeInternalError(w, "adding card", err)
			return
		}
		glog.Infof("Rejecting add-card request: %v", err)
		writeJSON(w, status, &AddCardResponse{CardAdded: false})
		return
	}

	writeJSON(w, http.StatusCreated, &AddCardResponse{
		CardAdded:   true,
		Card:        result.Card,
		ImageFailed: result.ImageFailed,
	})
}

func (a *API) updateCardHandler(w http.ResponseWriter, r *http.Request) {
	req := &UpdateCardRequest{}
	if status, err := decodeBody(w, r, req); err != nil {
		writeError(w, status, err.Error())
		return
	}

	topic := req.NewCard.Topic
	if topic == nil {
		topic = req.NewCard.Category
	}

	result, err := a.svc.UpdateCard(r.Context(), &ingest.UpdateCardRequest{
		CollectionID: req.Card.CollectionID,
		CardID:       req.Card.CardID,
		Question:     req.NewCard.Question,
		Answer:       req.NewCard.Answer,
		Topic:        topic,
		Image:        req.NewCard.Img.toCodec(),
		RemoveImage:  req.NewCard.RemoveImage,
	})
	if err != nil {
		status := statusFor(err, http.StatusNotFound)
		if status == http.StatusInternalServerError {
			writeInternalError(w, "updating card", err)
			return
		}
		writeError(w, status, err.Error())
		return
	}

	if result.ImageFailed {
		w.Header().Set("X-Image-Failed", "true")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteCardHandler(w http.ResponseWriter, r *http.Request) {
	req := &DeleteCardRequest{}
	if status, err := decodeBody(w, r, req); err != nil {
		writeError(w, status, err.Error())
		return
	}

	_, err := a.svc.DeleteCard(r.Context(), &ingest.DeleteCardRequest{
		CollectionID:   req.Card.CollectionID,
		CardID:         req.Card.CardID,
		CollectionName: req.Card.CollectionName,
		Question:       req.Card.Question,
		Topic:          req.Card.Category,
	})
	if err != nil {
		status := statusFor(err, http.StatusNotFound)
		if status == http.StatusInternalServerError {
			writeInternalError(w, "deleting card", err)
			return
		}
		writeError(w, status, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) createCollectionHandler(w http.ResponseWriter, r *http.Request) {
	req := &CreateCollectionRequest{}
	if status, err := decodeBody(w, r, req); err != nil {
		writeError(w, status, err.Error())
		return
	}

	coll, err := a.svc.CreateCollection(r.Context(), &ingest.CreateCollectionRequest{
		Name:     req.Name,
		Owner:    req.Owner,
		Category: req.Category,
	})
	if err != nil {
		status := statusFor(err, http.StatusNotFound)
		if status == http.StatusInternalServerError {
			writeInternalError(w, "creating collection", err)
			return
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, coll)
}

func (a *API) listCollectionsHandler(w http.ResponseWriter, r *http.Request) {
	colls, err := a.svc.ListCollections(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		status := statusFor(err, http.StatusNotFound)
		if status == http.StatusInternalServerError {
			writeInternalError(w, "listing collections", err)
			return
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, colls)
}

func (a *API) collectionMetaHandler(w http.ResponseWriter, r *http.Request) {
	coll, err := a.svc.GetCollection(r.Context(), r.PathValue("collectionId"))
	if err != nil {
		status := statusFor(err, http.StatusNotFound)
		if status == http.StatusInternalServerError {
			writeInternalError(w, "getting collection", err)
			return
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, coll)
}

func (a *API) deleteCollectionHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := a.svc.DeleteCollection(r.Context(), r.PathValue("collectionId")); err != nil {
		status := statusFor(err, http.StatusNotFound)
		if status == http.StatusInternalServerError {
			writeInternalError(w, "deleting collection", err)
			return
		}
		writeError(w, status, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// collectionImagesHandler sends every image of a collection, either as a
// multipart/mixed stream or, with mode=buffered, as one JSON object.
func (a *API) collectionImagesHandler(w http.ResponseWriter, r *http.Request) {
	collectionID := r.PathValue("collectionId")
	query := r.URL.Query()

	ordered := false
	if v := query.Get("ordered"); v != "" {
		var err error
		ordered, err = strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("bad value for ordered: %q", v))
			return
		}
	}

	switch mode := query.Get("mode"); mode {
	case "", "stream":
		a.streamImages(w, r, collectionID, ordered)
	case "buffered":
		a.bufferedImages(w, r, collectionID)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", mode))
	}
}

func (a *API) bufferedImages(w http.ResponseWriter, r *http.Request, collectionID string) {
	images, err := a.asm.Buffered(r.Context(), collectionID)
	if errors.Is(err, assembler.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeInternalError(w, "assembling collection images", err)
		return
	}

	writeJSON(w, http.StatusOK, BufferedImages(images))
}

func (a *API) streamImages(w http.ResponseWriter, r *http.Request, collectionID string, ordered bool) {
	pw := assembler.NewPartWriter(w)

	// The header only reaches the client with the first byte of the body.
	// Until then an error response can still replace it.
	w.Header().Set("Content-Type", pw.ContentType())

	n, err := a.asm.Ordered(ordered).Stream(r.Context(), collectionID, pw)
	if errors.Is(err, assembler.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil && pw.Parts() == 0 {
		writeInternalError(w, "streaming collection images", err)
		return
	}
	if err != nil {
		// It's too late to write an error to the HTTP response.  Dropping
		// the connection keeps the client from mistaking the truncated body
		// for a complete one.
		glog.Errorf("Error while streaming collection %s after %d parts: %v", collectionID, n, err)
		panic(http.ErrAbortHandler)
	}
}
