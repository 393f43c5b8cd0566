package repository

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"codeground/internal/merr"
	"codeground/internal/model"
)

// MongoConnector owns the process-wide Mongo client. Connect is idempotent.
type MongoConnector struct {
	uri    string
	mu     sync.Mutex
	client *mongo.Client
}

func NewMongoConnector(uri string) *MongoConnector {
	return &MongoConnector{uri: uri}
}

// Connect dials and pings Mongo once; later calls return the same client.
// An unreachable server yields an ErrPersistenceUnavailable error.
func (c *MongoConnector) Connect(ctx context.Context) (*mongo.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.uri))
	if err != nil {
		return nil, merr.WrapErrPersistenceUnavailable(err, "connect mongo")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, merr.WrapErrPersistenceUnavailable(err, "ping mongo")
	}
	c.client = client
	return client, nil
}

func (c *MongoConnector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Disconnect(ctx)
	c.client = nil
	return err
}

type mongoDocumentRepo struct {
	connector  *MongoConnector
	collection *mongo.Collection
}

// NewMongoDocumentRepo stores documents in the "documents" collection of database.
func NewMongoDocumentRepo(ctx context.Context, connector *MongoConnector, database string) (DocumentRepo, error) {
	client, err := connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &mongoDocumentRepo{
		connector:  connector,
		collection: client.Database(database).Collection("documents"),
	}, nil
}

func (r *mongoDocumentRepo) Save(ctx context.Context, doc *model.Document) error {
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (r *mongoDocumentRepo) GetByID(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &doc, nil
}

func (r *mongoDocumentRepo) Delete(ctx context.Context, id string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (r *mongoDocumentRepo) Close(ctx context.Context) error {
	return r.connector.Disconnect(ctx)
}
