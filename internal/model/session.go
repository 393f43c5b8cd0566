package model

import "time"

// DefaultLanguage is used for sessions created without a stored snapshot.
const DefaultLanguage = "javascript"

// Languages offered by the editor's language selector. Other tags are still
// relayed unchanged.
var Languages = []string{"javascript", "python", "cpp", "java", "c"}

// Participant is one connected user inside exactly one session
type Participant struct {
	ConnectionID string    `json:"socketId"`
	Username     string    `json:"username"`
	SessionID    string    `json:"-"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Snapshot is the document and language of a session at a point in time
type Snapshot struct {
	ID           string        `json:"id"`
	Document     string        `json:"code"`
	Language     string        `json:"language"`
	Participants []Participant `json:"clients"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// SessionSummary is the listing view of a live session
type SessionSummary struct {
	ID           string `json:"id"`
	Participants int    `json:"participants"`
	Language     string `json:"language"`
}
