package router

import (
	"encoding/json"
	"time"
)

// Client frame types (client to server).
const (
	FrameLogin     = 1 // request a login QR code
	FrameHeartbeat = 2
	FrameAuthorize = 3 // present a bearer token
	FrameChat      = 4 // send a chat message
)

// Push frame types (server to client).
const (
	PushLoginURL     = 1
	PushScanSuccess  = 2
	PushLoginSuccess = 3
	PushMessage      = 4
	PushInvalidToken = 6
)

// ClientFrame is the envelope for messages read from a websocket client.
type ClientFrame struct {
	Type int             `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// PushFrame is the envelope for messages written to a websocket client.
type PushFrame struct {
	Type int `json:"type"`
	Data any `json:"data,omitempty"`
}

// AuthorizeData carries the token for an authorize frame.
type AuthorizeData struct {
	Token string `json:"token"`
}

// ChatData is a client chat message. An empty To broadcasts to every active
// session.
type ChatData struct {
	To      string `json:"to,omitempty"`
	Content string `json:"content"`
}

// LoginURLData carries the QR code URL for a pending login.
type LoginURLData struct {
	URL string `json:"url"`
}

// LoginSuccessData is pushed when a QR scan completes the login.
type LoginSuccessData struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// MessagePush is a chat or platform message delivered to a client.
type MessagePush struct {
	From    string    `json:"from"`
	Kind    string    `json:"kind"`
	Content string    `json:"content"`
	Seq     int64     `json:"seq,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

func marshalPush(typ int, data any) []byte {
	b, err := json.Marshal(PushFrame{Type: typ, Data: data})
	if err != nil {
		return nil
	}
	return b
}
