package repository

import (
	"context"

	"codeground/internal/model"
)

// DocumentRepo is the durable store for session documents.
type DocumentRepo interface {
	Save(ctx context.Context, doc *model.Document) error
	// GetByID returns nil, nil when the document does not exist.
	GetByID(ctx context.Context, id string) (*model.Document, error)
	Delete(ctx context.Context, id string) error
	Close(ctx context.Context) error
}
