package models

import (
	"encoding/json"
	"time"
)

type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallAccepted  CallStatus = "accepted"
	CallDeclined  CallStatus = "declined"
	CallTimeout   CallStatus = "timeout"
	CallCancelled CallStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
// Only "pending" is non-terminal.
func (s CallStatus) Terminal() bool {
	return s != CallPending
}

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallAudio || t == CallVideo
}

// CallRequest is one ringing invitation from a caller to a callee.
// Its status moves away from "pending" at most once; that transition is
// always made through a conditional update guarded on the current status,
// never by reading first and writing second.
type CallRequest struct {
	ID          string          `json:"id" db:"id"`
	CallerID    string          `json:"caller_id" db:"caller_id"`
	CalleeID    string          `json:"callee_id" db:"callee_id"`
	CallType    CallType        `json:"call_type" db:"call_type"`
	Status      CallStatus      `json:"status" db:"status"`
	ChannelName string          `json:"channel_name" db:"channel_name"`
	ExpiresAt   time.Time       `json:"expires_at" db:"expires_at"`
	Metadata    json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Expired reports whether the ring deadline has passed at the given time.
// Expiry is evaluated client-side: a pending row past its deadline must not
// be treated as actionable even if the stored status has not caught up yet.
func (c *CallRequest) Expired(at time.Time) bool {
	return !c.ExpiresAt.After(at)
}

// Event op names match Postgres TG_OP so trigger payloads and the in-memory
// bus speak the same dialect.
const (
	CallEventInsert = "INSERT"
	CallEventUpdate = "UPDATE"
)

// CallRequestEvent is the whole-row payload published on the call_requests
// notification channel for every insert and status transition.
type CallRequestEvent struct {
	Op     string      `json:"op"`
	Record CallRequest `json:"record"`
}

// InitiateCallRequest is the request payload for starting a call
type InitiateCallRequest struct {
	CalleeID string          `json:"callee_id" validate:"required"`
	CallType CallType        `json:"call_type" validate:"required"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}
