package node

import (
	"fmt"
	"path/filepath"

	"github.com/spacemeshos/go-recon/config"
	"github.com/spacemeshos/go-recon/recon/ahash"
	"github.com/spacemeshos/go-recon/recon/store"
	"github.com/spacemeshos/go-recon/recon/store/boltstore"
	"github.com/spacemeshos/go-recon/recon/store/leveldbstore"
	"github.com/spacemeshos/go-recon/recon/store/memstore"
	"github.com/spacemeshos/go-recon/recon/store/sqlstore"
	"github.com/spacemeshos/go-recon/sql"
)

const (
	sqliteFile   = "db.sqlite3"
	levelDBDir   = "leveldb"
	boltFile     = "recon.bolt"
	levelDBCache = 16
)

// openStores opens the configured backend and returns a store per topic. All
// the topics share a single database.
func openStores[H ahash.AssociativeHash[H]](app *App, topics ...string) ([]store.Store[H], error) {
	stores := make([]store.Store[H], 0, len(topics))
	switch app.Config.Store {
	case config.StoreMemory:
		for range topics {
			stores = append(stores, memstore.New[H]())
		}
	case config.StoreLevelDB:
		db, err := leveldbstore.Open(filepath.Join(app.dataDir, levelDBDir), levelDBCache, app.log.Named("leveldb"))
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, db)
		for _, topic := range topics {
			stores = append(stores, leveldbstore.New[H](db, topic))
		}
	case config.StoreBolt:
		db, err := boltstore.Open(filepath.Join(app.dataDir, boltFile))
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, db)
		for _, topic := range topics {
			s, err := boltstore.New[H](db, topic)
			if err != nil {
				return nil, err
			}
			stores = append(stores, s)
		}
	default:
		db, err := sql.Open("file:"+filepath.Join(app.dataDir, sqliteFile),
			sql.WithLogger(app.log.Named("sql")),
			sql.WithLatencyMetering(app.Config.CollectMetrics),
		)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		app.closers = append(app.closers, db)
		for _, topic := range topics {
			s, err := sqlstore.New[H](db, topic)
			if err != nil {
				return nil, err
			}
			stores = append(stores, s)
		}
	}
	if app.Config.CollectMetrics {
		for i, s := range stores {
			stores[i] = store.WithMetrics(s, topics[i])
		}
	}
	return stores, nil
}
