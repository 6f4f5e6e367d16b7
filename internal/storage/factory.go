package storage

import (
	"context"
	"log"
)

// Open selects the storage backend: PostgreSQL when a database URL is
// configured, the JSON file store otherwise.
func Open(ctx context.Context, databaseURL, fileDir string) (Store, error) {
	if databaseURL != "" {
		store, err := NewPostgresStore(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		log.Printf("storage: using postgres backend")
		return store, nil
	}
	store, err := NewFileStore(fileDir)
	if err != nil {
		return nil, err
	}
	log.Printf("storage: using file backend dir=%s", fileDir)
	return store, nil
}
