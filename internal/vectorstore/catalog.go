package vectorstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	catalogPrefix  = "collection:"
	DistanceCosine = "cosine"
)

// CollectionInfo describes a collection's fixed schema.
type CollectionInfo struct {
	Name      string    `msgpack:"name" json:"name"`
	Dim       int       `msgpack:"dim" json:"dim"`
	Distance  string    `msgpack:"distance" json:"distance"`
	CreatedAt time.Time `msgpack:"created_at" json:"createdAt"`
	Count     int       `msgpack:"-" json:"count"`
}

// catalog persists collection schemas in badger.
type catalog struct {
	db *badger.DB
}

func openCatalog(dir string, inMemory bool) (*catalog, error) {
	if !inMemory && dir == "" {
		return nil, errors.New("catalog dir is required for on-disk mode")
	}
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{})
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{})
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return &catalog{db: db}, nil
}

// get returns nil when the collection is unknown.
func (c *catalog) get(name string) (*CollectionInfo, error) {
	var info *CollectionInfo
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(catalogPrefix + name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decoded CollectionInfo
			if err := msgpack.Unmarshal(val, &decoded); err != nil {
				return err
			}
			info = &decoded
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", name, err)
	}
	return info, nil
}

func (c *catalog) put(info CollectionInfo) error {
	data, err := msgpack.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode catalog %s: %w", info.Name, err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(catalogPrefix+info.Name), data)
	})
}

func (c *catalog) list() ([]CollectionInfo, error) {
	var out []CollectionInfo
	prefix := []byte(catalogPrefix)
	err := c.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var info CollectionInfo
				if err := msgpack.Unmarshal(val, &info); err != nil {
					return err
				}
				out = append(out, info)
				return nil
			})
			if err != nil {
				log.Warnf("[vectorstore] skip catalog entry %s: %v", strings.TrimPrefix(string(item.Key()), catalogPrefix), err)
			}
		}
		return nil
	})
	return out, err
}

// gc reclaims value log space. badger.ErrNoRewrite means nothing to do.
func (c *catalog) gc() error {
	err := c.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

func (c *catalog) close() error {
	return c.db.Close()
}

type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{})   { log.Errorf("[badger] "+f, v...) }
func (badgerLogger) Warningf(f string, v ...interface{}) { log.Warnf("[badger] "+f, v...) }
func (badgerLogger) Infof(string, ...interface{})        {}
func (badgerLogger) Debugf(string, ...interface{})       {}
