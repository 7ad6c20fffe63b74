package vectorstore

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	log "github.com/sirupsen/logrus"

	"github.com/stellarlinkco/ragclaw/internal/llm"
)

// ErrSchemaMismatch is returned when a vector's dimensionality differs from
// the collection's.
var ErrSchemaMismatch = errors.New("schema mismatch")

// factNamespace seeds content-hash point ids.
var factNamespace = uuid.MustParse("6f1d8a52-3c0e-5b7a-9d41-2e8f0c7b5a13")

// Point is a stored or retrieved vector with its text payload.
type Point struct {
	ID     string
	Text   string
	Score  float32
	Vector []float32
}

type Options struct {
	// Dir is the chromem persistence directory. Empty keeps vectors in memory.
	Dir string
	// CatalogDir is the badger directory for collection schemas.
	CatalogDir string
	// InMemory forces both chromem and the catalog into memory.
	InMemory bool
	Compress bool
}

// Store is an embedded vector database with fixed-dimension cosine
// collections.
type Store struct {
	db       *chromem.DB
	catalog  *catalog
	embedder llm.Embedder

	mu sync.Mutex
}

func Open(opts Options, embedder llm.Embedder) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("vectorstore: embedder is required")
	}

	var db *chromem.DB
	if opts.InMemory || strings.TrimSpace(opts.Dir) == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(opts.Dir, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("open vector db: %w", err)
		}
	}

	cat, err := openCatalog(opts.CatalogDir, opts.InMemory || strings.TrimSpace(opts.CatalogDir) == "")
	if err != nil {
		return nil, err
	}

	return &Store{db: db, catalog: cat, embedder: embedder}, nil
}

// SaveFact stores text under a content-derived id, so saving the same text
// twice keeps one point.
func (s *Store) SaveFact(ctx context.Context, collection, text string) (string, error) {
	id := uuid.NewHash(sha1.New(), factNamespace, []byte(text), 5).String()
	return id, s.save(ctx, collection, id, text)
}

// SaveRaw appends text under a fresh random id.
func (s *Store) SaveRaw(ctx context.Context, collection, text string) (string, error) {
	id := uuid.NewString()
	return id, s.save(ctx, collection, id, text)
}

func (s *Store) save(ctx context.Context, collection, id, text string) error {
	if strings.TrimSpace(collection) == "" {
		return fmt.Errorf("save point: empty collection name")
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("save point: empty text")
	}

	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("save point: %w", err)
	}
	if err := checkVector(vector); err != nil {
		return fmt.Errorf("save point: %w", err)
	}

	col, err := s.ensureCollection(collection, len(vector))
	if err != nil {
		return err
	}

	err = col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   text,
		Embedding: vector,
	})
	if err != nil {
		return fmt.Errorf("add point to %s: %w", collection, err)
	}
	return nil
}

// ensureCollection creates the collection on first write and enforces its
// dimensionality afterwards.
func (s *Store) ensureCollection(name string, dim int) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.catalog.get(name)
	if err != nil {
		return nil, err
	}
	if info != nil && info.Dim != dim {
		return nil, fmt.Errorf("collection %s has dim %d, got %d: %w", name, info.Dim, dim, ErrSchemaMismatch)
	}

	col := s.db.GetCollection(name, nil)
	if col == nil {
		col, err = s.db.CreateCollection(name, map[string]string{"distance": DistanceCosine}, nil)
		if err != nil {
			return nil, fmt.Errorf("create collection %s: %w", name, err)
		}
	}
	if info == nil {
		err := s.catalog.put(CollectionInfo{
			Name:      name,
			Dim:       dim,
			Distance:  DistanceCosine,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}
		log.Infof("[vectorstore] created collection %s dim=%d", name, dim)
	}
	return col, nil
}

// Search embeds query and returns up to limit points ordered by descending
// score. An absent collection yields no results.
func (s *Store) Search(ctx context.Context, collection, query string, limit int) ([]Point, error) {
	if limit <= 0 || s.db.GetCollection(collection, nil) == nil {
		return nil, nil
	}
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	return s.SearchVector(ctx, collection, vector, limit)
}

// SearchVector is Search with a precomputed query vector.
func (s *Store) SearchVector(ctx context.Context, collection string, vector []float32, limit int) ([]Point, error) {
	col := s.db.GetCollection(collection, nil)
	if col == nil || limit <= 0 {
		return nil, nil
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}

	info, err := s.catalog.get(collection)
	if err != nil {
		return nil, err
	}
	if info != nil && info.Dim != len(vector) {
		return nil, fmt.Errorf("search %s with dim %d, want %d: %w", collection, len(vector), info.Dim, ErrSchemaMismatch)
	}
	if err := checkVector(vector); err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}

	results, err := col.QueryEmbedding(ctx, vector, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}

	points := make([]Point, 0, len(results))
	for _, r := range results {
		if strings.TrimSpace(r.Content) == "" {
			log.Warnf("[vectorstore] skip point %s in %s: empty payload text", r.ID, collection)
			continue
		}
		points = append(points, Point{ID: r.ID, Text: r.Content, Score: r.Similarity, Vector: r.Embedding})
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Score > points[j].Score })
	return points, nil
}

// FindByID returns nil when the collection or point does not exist.
func (s *Store) FindByID(ctx context.Context, collection, id string) (*Point, error) {
	col := s.db.GetCollection(collection, nil)
	if col == nil || strings.TrimSpace(id) == "" {
		return nil, nil
	}
	doc, err := col.GetByID(ctx, id)
	if err != nil {
		return nil, nil
	}
	if strings.TrimSpace(doc.Content) == "" {
		log.Warnf("[vectorstore] point %s in %s has empty payload text", id, collection)
		return nil, nil
	}
	return &Point{ID: doc.ID, Text: doc.Content, Vector: doc.Embedding}, nil
}

// DeleteByID is a no-op for absent collections or points.
func (s *Store) DeleteByID(ctx context.Context, collection, id string) error {
	col := s.db.GetCollection(collection, nil)
	if col == nil || strings.TrimSpace(id) == "" {
		return nil
	}
	if _, err := col.GetByID(ctx, id); err != nil {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete %s from %s: %w", id, collection, err)
	}
	return nil
}

// Collections lists every known collection with its current point count.
func (s *Store) Collections() ([]CollectionInfo, error) {
	infos, err := s.catalog.list()
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	for i := range infos {
		if col := s.db.GetCollection(infos[i].Name, nil); col != nil {
			infos[i].Count = col.Count()
		}
	}
	return infos, nil
}

// CollectionInfo returns nil when the collection is unknown.
func (s *Store) CollectionInfo(name string) (*CollectionInfo, error) {
	info, err := s.catalog.get(name)
	if err != nil || info == nil {
		return nil, err
	}
	if col := s.db.GetCollection(name, nil); col != nil {
		info.Count = col.Count()
	}
	return info, nil
}

// GC compacts the catalog's value log.
func (s *Store) GC() error {
	return s.catalog.gc()
}

func (s *Store) Close() error {
	return s.catalog.close()
}
