package repository

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"

	"codeground/internal/merr"
	"codeground/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const documentKeyPrefix = "document:"

type badgerDocumentRepo struct {
	db *badger.DB
}

// OpenBadger opens an embedded store at path. An empty path keeps data in memory.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, merr.WrapErrPersistenceUnavailable(err, "open badger")
	}
	return db, nil
}

// NewBadgerDocumentRepo is the store used when no Mongo URI is configured.
func NewBadgerDocumentRepo(db *badger.DB) DocumentRepo {
	return &badgerDocumentRepo{db: db}
}

func (r *badgerDocumentRepo) key(id string) []byte {
	return []byte(documentKeyPrefix + id)
}

func (r *badgerDocumentRepo) Save(_ context.Context, doc *model.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(r.key(doc.ID), data)
	})
}

func (r *badgerDocumentRepo) GetByID(_ context.Context, id string) (*model.Document, error) {
	var doc *model.Document
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.key(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			doc = &model.Document{}
			return json.Unmarshal(val, doc)
		})
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (r *badgerDocumentRepo) Delete(_ context.Context, id string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(r.key(id))
	})
}

func (r *badgerDocumentRepo) Close(context.Context) error {
	return r.db.Close()
}
