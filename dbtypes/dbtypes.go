// Package dbtypes holds the documents stored in Firestore.
package dbtypes

// Collection is a named, owned, ordered group of cards.
//
// Cards are embedded in the collection document.  Their order in the array is
// the order they were added, which is also the display order.
type Collection struct {
	ID       string  `firestore:"id" json:"id"`
	Name     string  `firestore:"name" json:"name"`
	Owner    string  `firestore:"owner" json:"owner"`
	Category string  `firestore:"category" json:"category"`
	Cards    []*Card `firestore:"cards" json:"cards"`
}

// Card is a single question/answer unit, optionally carrying an image.
type Card struct {
	ID       string `firestore:"id" json:"id"`
	Question string `firestore:"question" json:"question"`
	Answer   string `firestore:"answer" json:"answer"`
	Topic    string `firestore:"topic" json:"topic"`

	// ImageKey references the card's image in the object store.  It is
	// either nil or equal to ID; the document never holds image bytes.
	ImageKey *string `firestore:"imageKey" json:"imageKey"`
}

// HasImage reports whether the card references an image.
func (c *Card) HasImage() bool {
	return c.ImageKey != nil && *c.ImageKey != ""
}

// ImageKeys returns the image keys of every card that has one, in card order.
func (c *Collection) ImageKeys() []string {
	keys := []string{}
	for _, card := range c.Cards {
		if card.HasImage() {
			keys = append(keys, *card.ImageKey)
		}
	}
	return keys
}

// FindCard returns the index of the card with the given ID, or -1.
func (c *Collection) FindCard(cardID string) int {
	for i, card := range c.Cards {
		if card.ID == cardID {
			return i
		}
	}
	return -1
}
