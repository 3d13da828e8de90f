package models

import (
	"encoding/json"
	"time"
)

/*
	Documents are the durable unit of state. The payload is opaque to the
	substrate; only the resource identifier and the revision matter to the
	coordination layer. Revisions are assigned by the store on commit and
	strictly increase per resource.
*/

type Document struct {
	Resource  string          `json:"resource"`
	Revision  int64           `json:"revision"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

/*
	Every committed write yields exactly one ChangeEvent. Events are immutable
	once produced. The socket service fans them out to subscribed sessions;
	the revision is the per-resource watermark used to reject out-of-order
	delivery on the consuming side.
*/

type ChangeEvent struct {
	Resource string          `json:"resource"`
	Revision int64           `json:"revision"`
	Payload  json.RawMessage `json:"payload"`
	At       time.Time       `json:"at"`
}

type WriteResult struct {
	Resource string `json:"resource"`
	Revision int64  `json:"revision"`
}

type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}
