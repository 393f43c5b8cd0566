package model

import "time"

// Document is the durable copy of a session's buffer
type Document struct {
	ID        string    `json:"id" bson:"_id"`
	Code      string    `json:"code" bson:"code"`
	Language  string    `json:"language" bson:"language"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// ToSnapshot converts a stored document into a participant-less snapshot
func (d *Document) ToSnapshot() *Snapshot {
	return &Snapshot{
		ID:        d.ID,
		Document:  d.Code,
		Language:  d.Language,
		UpdatedAt: d.UpdatedAt,
	}
}

// DocumentFromSnapshot builds the durable record for a snapshot
func DocumentFromSnapshot(s Snapshot) *Document {
	return &Document{
		ID:        s.ID,
		Code:      s.Document,
		Language:  s.Language,
		UpdatedAt: s.UpdatedAt,
	}
}
