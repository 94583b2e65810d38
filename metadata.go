package inkwell

import (
	"context"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/inkwell-db/inkwell/keys"
)

// Store layout, one byte per subspace:
//
//	'g'            directory allocation counter
//	'd' <ns>       directory record: 8B collection id + 8B metadata id
//	'v' <ns>       collection metadata version
//	'c' <id8> ...  collection documents
//	'x' <id8> ...  secondary-index entries
const (
	subDirCounter = 'g'
	subDirectory  = 'd'
	subVersion    = 'v'
	subCollection = 'c'
	subIndex      = 'x'
)

// systemIndexesSuffix names the per-database collection that holds
// index descriptor documents.
const systemIndexesSuffix = ".system.indexes"

type IndexStatus string

const (
	IndexStatusReady    IndexStatus = "ready"
	IndexStatusBuilding IndexStatus = "building"
	IndexStatusError    IndexStatus = "error"
)

type IndexKey struct {
	Field     string
	Direction int
}

// IndexInfo describes one secondary index: its name, ordered key
// fields and the subspace its entries live in. Size is len(Keys); an
// index with more than one key is compound.
type IndexInfo struct {
	Name    string
	Keys    []IndexKey
	Status  IndexStatus
	BuildID string
	prefix  []byte
}

func (ix IndexInfo) Size() int      { return len(ix.Keys) }
func (ix IndexInfo) Prefix() []byte { return ix.prefix }

// KeySpecString renders the key spec the way it is stored in the
// index document, e.g. "a:1,b:-1".
func KeySpecString(spec []IndexKey) string {
	parts := make([]string, len(spec))
	for i, k := range spec {
		d := "1"
		if k.Direction < 0 {
			d = "-1"
		}
		parts[i] = k.Field + ":" + d
	}
	return strings.Join(parts, ",")
}

func parseKeySpec(s string) []IndexKey {
	if s == "" {
		return nil
	}
	var spec []IndexKey
	for _, part := range strings.Split(s, ",") {
		field, dir, _ := strings.Cut(part, ":")
		k := IndexKey{Field: field, Direction: 1}
		if dir == "-1" {
			k.Direction = -1
		}
		spec = append(spec, k)
	}
	return spec
}

func keySpecEqual(a, b []IndexKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Field != b[i].Field || a[i].Direction != b[i].Direction {
			return false
		}
	}
	return true
}

func indexPrefix(ns, name string) []byte {
	h := xxhash.Sum64String(ns + "\x00" + name)
	out := make([]byte, 0, 9)
	out = append(out, subIndex)
	return append(out, beBytes(h)...)
}

// UnboundCollectionContext carries a collection's directory, version
// and index catalog independent of any transaction. Binding it to a
// transaction yields a CollectionContext.
type UnboundCollectionContext struct {
	Ns      string
	Indexes []IndexInfo

	version uint64
	collDir []byte
	metaDir []byte
	system  bool
}

// CollectionDirectory identifies where the collection's documents
// live; it changes when the collection is dropped and recreated.
func (cx *UnboundCollectionContext) CollectionDirectory() []byte { return cx.collDir }

// MetadataDirectory identifies where the collection's metadata lives.
func (cx *UnboundCollectionContext) MetadataDirectory() []byte { return cx.metaDir }

// Prefix is the storage subspace of the collection's documents.
func (cx *UnboundCollectionContext) Prefix() []byte {
	out := make([]byte, 0, 1+len(cx.collDir))
	out = append(out, subCollection)
	return append(out, cx.collDir...)
}

func (cx *UnboundCollectionContext) versionKey() []byte {
	return append([]byte{subVersion}, cx.Ns...)
}

// KnownIndexes returns the index catalog as loaded when this context
// was built.
func (cx *UnboundCollectionContext) KnownIndexes() []IndexInfo { return cx.Indexes }

// SimpleIndex finds a ready single-key index on the given field.
func (cx *UnboundCollectionContext) SimpleIndex(field string) (IndexInfo, bool) {
	for _, ix := range cx.Indexes {
		if ix.Size() == 1 && ix.Keys[0].Field == field && ix.Status == IndexStatusReady {
			return ix, true
		}
	}
	return IndexInfo{}, false
}

// CompoundIndex finds a ready index whose key list is base's keys
// followed by the given field.
func (cx *UnboundCollectionContext) CompoundIndex(base IndexInfo, field string) (IndexInfo, bool) {
	for _, ix := range cx.Indexes {
		if ix.Size() != base.Size()+1 || ix.Status != IndexStatusReady {
			continue
		}
		if !keySpecEqual(ix.Keys[:base.Size()], base.Keys) {
			continue
		}
		if ix.Keys[base.Size()].Field == field {
			return ix, true
		}
	}
	return IndexInfo{}, false
}

// Bind attaches a transaction.
func (cx *UnboundCollectionContext) Bind(tx *Transaction) *CollectionContext {
	return &CollectionContext{UnboundCollectionContext: cx, tx: tx}
}

// CollectionContext is an UnboundCollectionContext bound to one
// transaction.
type CollectionContext struct {
	*UnboundCollectionContext
	tx *Transaction
}

func (c *CollectionContext) Tx() *Transaction { return c.tx }

// MetadataVersion reads the collection's current metadata version.
func (c *CollectionContext) MetadataVersion() (uint64, error) {
	return c.tx.metaGetUint64(c.versionKey())
}

// BumpMetadataVersion stages a version increment.
func (c *CollectionContext) BumpMetadataVersion() error {
	v, err := c.tx.metaGetUint64(c.versionKey())
	if err != nil {
		return err
	}
	c.tx.Set(c.versionKey(), beBytes(v+1))
	return nil
}

// DocContext returns the document context for the given encoded
// primary key item.
func (c *CollectionContext) DocContext(pkItem []byte) DocumentContext {
	return &storeDoc{coll: c, pk: append([]byte(nil), pkItem...)}
}

// DocExists checks for the document header.
func (c *CollectionContext) DocExists(pkItem []byte) (bool, error) {
	key := append(c.Prefix(), pkItem...)
	_, ok, err := c.tx.Get(key)
	return ok, err
}

// MetadataManager hands out collection contexts and keeps a small
// cache of them, invalidated by metadata version.
type MetadataManager struct {
	db    *DB
	cache *lru.Cache[string, *UnboundCollectionContext]
}

func newMetadataManager(db *DB) *MetadataManager {
	cache, _ := lru.New[string, *UnboundCollectionContext](1024)
	return &MetadataManager{db: db, cache: cache}
}

// GetUnboundCollectionContext resolves a namespace to a collection
// context, creating the collection's directory on first use. The
// cached context is reused while the metadata version is unchanged.
func (mm *MetadataManager) GetUnboundCollectionContext(ctx context.Context, tx *Transaction, ns string) (*UnboundCollectionContext, error) {
	version, err := tx.metaGetUint64(append([]byte{subVersion}, ns...))
	if err != nil {
		return nil, err
	}
	if cached, ok := mm.cache.Get(ns); ok && cached.version == version {
		return cached, nil
	}
	return mm.buildContext(ctx, tx, ns, version)
}

// RefreshUnboundCollectionContext rebuilds a context from the store,
// bypassing the cache.
func (mm *MetadataManager) RefreshUnboundCollectionContext(ctx context.Context, cx *UnboundCollectionContext, tx *Transaction) (*UnboundCollectionContext, error) {
	version, err := tx.metaGetUint64(append([]byte{subVersion}, cx.Ns...))
	if err != nil {
		return nil, err
	}
	return mm.buildContext(ctx, tx, cx.Ns, version)
}

// IndexesCollection returns the per-database system collection that
// stores index descriptor documents.
func (mm *MetadataManager) IndexesCollection(ctx context.Context, tx *Transaction, dbName string) (*UnboundCollectionContext, error) {
	ns := dbName + systemIndexesSuffix
	version, err := tx.metaGetUint64(append([]byte{subVersion}, ns...))
	if err != nil {
		return nil, err
	}
	if cached, ok := mm.cache.Get(ns); ok && cached.version == version {
		return cached, nil
	}
	return mm.buildContext(ctx, tx, ns, version)
}

func (mm *MetadataManager) buildContext(ctx context.Context, tx *Transaction, ns string, version uint64) (*UnboundCollectionContext, error) {
	collDir, metaDir, err := mm.directory(tx, ns)
	if err != nil {
		return nil, err
	}
	cx := &UnboundCollectionContext{
		Ns:      ns,
		version: version,
		collDir: collDir,
		metaDir: metaDir,
		system:  strings.HasSuffix(ns, systemIndexesSuffix),
	}
	if !cx.system {
		if cx.Indexes, err = mm.loadIndexes(ctx, tx, ns); err != nil {
			return nil, err
		}
	}
	mm.cache.Add(ns, cx)
	return cx, nil
}

// directory reads or allocates the collection's directory record. The
// ids are derived from the namespace and a global allocation counter,
// so a dropped and recreated collection lands in a new subspace.
func (mm *MetadataManager) directory(tx *Transaction, ns string) (collDir, metaDir []byte, err error) {
	dirKey := append([]byte{subDirectory}, ns...)
	rec, ok, err := tx.Get(dirKey)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		if len(rec) != 16 {
			return nil, nil, errors.Errorf("bad directory record for %q", ns)
		}
		return rec[:8], rec[8:], nil
	}
	counterKey := []byte{subDirCounter}
	n, err := tx.metaGetUint64(counterKey)
	if err != nil {
		return nil, nil, err
	}
	tx.Set(counterKey, beBytes(n+1))
	collDir = beBytes(xxhash.Sum64String(ns) + n)
	metaDir = beBytes(xxhash.Sum64String(ns+"\x00meta") + n)
	tx.Set(dirKey, append(append([]byte(nil), collDir...), metaDir...))
	return collDir, metaDir, nil
}

// loadIndexes reads the index documents whose ns field matches.
func (mm *MetadataManager) loadIndexes(ctx context.Context, tx *Transaction, ns string) ([]IndexInfo, error) {
	dbName, _, ok := strings.Cut(ns, ".")
	if !ok {
		dbName = ns
	}
	sys, err := mm.IndexesCollection(ctx, tx, dbName)
	if err != nil {
		return nil, err
	}
	docs, err := readAllDocs(sys.Bind(tx))
	if err != nil {
		return nil, err
	}
	var out []IndexInfo
	for _, fields := range docs {
		if fields["ns"].Str != ns {
			continue
		}
		ix := IndexInfo{
			Name:    fields["name"].Str,
			Keys:    parseKeySpec(fields["keys"].Str),
			Status:  IndexStatus(fields["status"].Str),
			BuildID: fields["build id"].Str,
		}
		ix.prefix = indexPrefix(ns, ix.Name)
		out = append(out, ix)
	}
	return out, nil
}

// readAllDocs materializes every document of a (small) collection.
func readAllDocs(c *CollectionContext) ([]map[string]keys.Value, error) {
	pairs, err := c.tx.descendantPairs(c.Prefix(), keys.Min, keys.Max)
	if err != nil {
		return nil, err
	}
	var out []map[string]keys.Value
	var lastPK []byte
	for _, kv := range pairs {
		pk := keys.FirstItem(kv.Key)
		if pk == nil || keys.Compare(pk, lastPK) == 0 {
			continue
		}
		lastPK = pk
		doc, err := c.DocContext(pk).Materialize()
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}
