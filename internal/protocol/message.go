package protocol

import (
	jsoniter "github.com/json-iterator/go"
)

// Event is the canonical message name. Casing matters for interop.
type Event string

const (
	EventConnected      Event = "connected"
	EventJoin           Event = "join"
	EventJoined         Event = "joined"
	EventSnapshot       Event = "snapshot"
	EventLeave          Event = "leave"
	EventDisconnected   Event = "disconnected"
	EventCodeChange     Event = "codeChange"
	EventChangeLanguage Event = "changeLanguage"
	EventSyncCode       Event = "syncCode"
	EventError          Event = "error"
)

// Envelope is the frame format on the wire
type Envelope struct {
	Type    Event               `json:"type"`
	Payload jsoniter.RawMessage `json:"payload,omitempty"`
}

// Client is one entry of a membership list
type Client struct {
	Username string `json:"username"`
	SocketID string `json:"socketId"`
}

type User struct {
	Username string `json:"username"`
}

// JoinPayload asks the relay to join (or create) a session
type JoinPayload struct {
	ID   string `json:"id"`
	User User   `json:"user"`
}

// JoinedPayload is broadcast to every participant, including the one who joined
type JoinedPayload struct {
	Clients  []Client `json:"clients"`
	Username string   `json:"username"`
	SocketID string   `json:"socketId"`
}

type ConnectedPayload struct {
	SocketID string `json:"socketId"`
}

type SnapshotPayload struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Language string `json:"language"`
}

type LeavePayload struct {
	ID string `json:"id"`
}

type DisconnectedPayload struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

type CodeChangePayload struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

type ChangeLanguagePayload struct {
	ID       string `json:"id"`
	Language string `json:"language" validate:"max=64"`
}

// SyncCodePayload carries a document to one target connection
type SyncCodePayload struct {
	Code     string `json:"code"`
	SocketID string `json:"socketId" validate:"required"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
