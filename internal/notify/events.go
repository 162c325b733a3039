package notify

import (
	"encoding/json"
	"strconv"
	"time"
)

// Topic and event names for the stock synchronization stream consumed by
// the search-index collaborator.
const (
	TopicStockChanged = "product.stock.changed"
	EventStockChanged = "StockChanged"
)

// Envelope is the versioned wrapper around every published event. Payload
// holds the event-specific body.
type Envelope struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	EventVersion int             `json:"event_version"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Producer     string          `json:"producer"`
	Payload      json.RawMessage `json:"payload"`
}

// StockChangedPayload carries the post-change stock value. Consumers must
// tolerate at-least-once, delayed delivery; the payload is a full value,
// not a delta, so replays converge.
type StockChangedPayload struct {
	ProductID int64 `json:"product_id"`
	NewStock  int   `json:"new_stock"`
}

// partitionKey keys messages by product so all changes to one product
// stay ordered within a partition.
func partitionKey(productID int64) []byte {
	return []byte(strconv.FormatInt(productID, 10))
}
