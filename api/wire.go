package api

import (
	"flashdeck/assembler"
	"flashdeck/dbtypes"
	"flashdeck/imagecodec"
)

// imagePayload accepts both "contentType" and the "type" key that browser
// clients send.
type imagePayload struct {
	Base64      string `json:"base64"`
	ContentType string `json:"contentType,omitempty"`
	Type        string `json:"type,omitempty"`
}

func (p *imagePayload) toCodec() *imagecodec.Payload {
	if p == nil {
		return nil
	}
	contentType := p.ContentType
	if contentType == "" {
		contentType = p.Type
	}
	return &imagecodec.Payload{
		Base64:      p.Base64,
		ContentType: contentType,
	}
}

type AddCardRequest struct {
	Card struct {
		Question string        `json:"question"`
		Answer   string        `json:"answer"`
		Topic    string        `json:"topic"`
		Img      *imagePayload `json:"img"`
	} `json:"card"`
	CollectionID string `json:"collectionId"`
}

type AddCardResponse struct {
	CardAdded   bool          `json:"cardAdded"`
	Card        *dbtypes.Card `json:"card,omitempty"`
	ImageFailed bool          `json:"imageFailed,omitempty"`
}

type UpdateCardRequest struct {
	Card struct {
		CardID       string `json:"cardId"`
		CollectionID string `json:"collectionId"`
	} `json:"card"`
	NewCard struct {
		Question *string `json:"question"`
		Answer   *string `json:"answer"`

		// Category is the name older clients use for the topic.
		Category *string `json:"category"`
		Topic    *string `json:"topic"`

		Img         *imagePayload `json:"img"`
		RemoveImage bool          `json:"removeImage"`
	} `json:"newCard"`
}

type DeleteCardRequest struct {
	Card struct {
		CardID       string `json:"cardId"`
		CollectionID string `json:"collectionId"`

		Question       string `json:"question"`
		Category       string `json:"category"`
		CollectionName string `json:"collectionName"`
	} `json:"card"`
}

type CreateCollectionRequest struct {
	Name     string `json:"name"`
	Owner    string `json:"owner"`
	Category string `json:"category"`
}

// BufferedImages is the body of a buffered collection image response, keyed
// by card ID.  Image data is base64 in JSON.
type BufferedImages map[string]*assembler.Image

type ErrorResponse struct {
	Error string `json:"error"`
}
