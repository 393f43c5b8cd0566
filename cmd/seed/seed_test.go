package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"codeground/internal/model"
	"codeground/internal/repository"
)

func TestSeedDocuments(t *testing.T) {
	req := require.New(t)
	db, err := repository.OpenBadger("")
	req.NoError(err)
	docs := repository.NewBadgerDocumentRepo(db)
	t.Cleanup(func() { _ = docs.Close(context.Background()) })

	ids, err := seedDocuments(context.Background(), docs, "demo", time.Now())
	req.NoError(err)
	req.Len(ids, len(model.Languages))

	doc, err := docs.GetByID(context.Background(), "demo-python")
	req.NoError(err)
	req.NotNil(doc)
	req.Equal("python", doc.Language)
	req.Contains(doc.Code, "print(")
}
