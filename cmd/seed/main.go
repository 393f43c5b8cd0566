package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"go.uber.org/zap"

	"codeground/internal/config"
	"codeground/internal/logger"
	"codeground/internal/repository"
)

func main() {
	prefix := flag.String("prefix", "demo", "Session id prefix; one session per language is created")
	flag.Parse()

	cfg, err := config.LoadRelay()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.Logger())
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var docs repository.DocumentRepo
	if cfg.MongoURI != "" {
		docs, err = repository.NewMongoDocumentRepo(ctx, repository.NewMongoConnector(cfg.MongoURI), cfg.MongoDatabase)
	} else {
		db, openErr := repository.OpenBadger(cfg.BadgerPath)
		if openErr == nil {
			docs = repository.NewBadgerDocumentRepo(db)
		}
		err = openErr
	}
	if err != nil {
		log.Fatal("failed to open document store", zap.Error(err))
	}
	defer docs.Close(context.Background())

	ids, err := seedDocuments(ctx, docs, *prefix, time.Now())
	if err != nil {
		log.Fatal("failed to seed documents", zap.Error(err))
	}
	for _, id := range ids {
		fmt.Printf("seeded session %s\n", id)
	}
}
