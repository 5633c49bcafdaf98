// Package testutil provides shared test helpers for setting up local stores,
// server databases, and a running sync server.
package testutil

import (
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/starford/sowilo/internal/api"
	"github.com/starford/sowilo/internal/localstore"
	"github.com/starford/sowilo/internal/pageservice"
	"github.com/starford/sowilo/internal/remotestore"
	"github.com/starford/sowilo/internal/sse"
	"github.com/starford/sowilo/internal/storage"
)

// LocalStore opens a client store in a temporary directory that is closed
// automatically.
func LocalStore(t *testing.T) *localstore.Store {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// ServerDB opens a server database in a temporary directory that is closed
// automatically.
func ServerDB(t *testing.T) *remotestore.DB {
	t.Helper()
	db, err := remotestore.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Dir creates a temporary directory with a storage.Provider rooted in it.
func Dir(t *testing.T) (string, storage.Provider) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, store
}

// SyncServer is a running sync server backed by a temporary database.
type SyncServer struct {
	*httptest.Server
	DB     *remotestore.DB
	Events *sse.Broker
}

// NewSyncServer starts a sync server. A nil tokens map runs it in disabled
// auth mode with owner "local".
func NewSyncServer(t *testing.T, tokens map[string]string) *SyncServer {
	t.Helper()
	db := ServerDB(t)
	broker := sse.NewBroker(0)
	svc := pageservice.NewService(db, nil, broker)
	router := api.NewRouter(svc, db, api.RouterOptions{
		AuthEnabled:  tokens != nil,
		Tokens:       tokens,
		DefaultOwner: "local",
		Events:       broker,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.CloseClientConnections()
		broker.Close()
		srv.Close()
	})
	return &SyncServer{Server: srv, DB: db, Events: broker}
}
