package inkwell

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/inkwell-db/inkwell/keys"
)

// DocumentContext exposes read and deferred-write access to one
// document. Mutations accumulate until CommitChanges stages them into
// the transaction, maintaining secondary-index entries as it goes.
type DocumentContext interface {
	Get(field string) (keys.Value, bool, error)
	Set(field string, v keys.Value)
	Clear(field string)
	ClearAll()
	CommitChanges(ctx context.Context) error
	Materialize() (map[string]keys.Value, error)
	PrimaryKey() []byte
}

// ScanContext is the unit that transits every document stream: a
// document handle plus the identity of the scan that produced it.
// Documents that did not come from a scan (fresh inserts, synthetic
// projections) carry scan ID -1 and an empty scan key.
type ScanContext struct {
	Doc     DocumentContext
	scanID  int
	scanKey []byte
}

func NewScanContext(doc DocumentContext, scanID int, scanKey []byte) *ScanContext {
	return &ScanContext{Doc: doc, scanID: scanID, scanKey: append([]byte(nil), scanKey...)}
}

func (s *ScanContext) ScanID() int     { return s.scanID }
func (s *ScanContext) ScanKey() []byte { return s.scanKey }

func (s *ScanContext) CommitChanges(ctx context.Context) error {
	return s.Doc.CommitChanges(ctx)
}

type pendingOpKind byte

const (
	opSet pendingOpKind = iota
	opClear
	opClearAll
)

type pendingOp struct {
	kind  pendingOpKind
	field string
	value keys.Value
}

// storeDoc is a store-backed document context. pk is the encoded
// primary-key item, terminator included; the document's header lives
// at collection prefix + pk, each field at header + field item.
type storeDoc struct {
	coll *CollectionContext
	pk   []byte
	pend []pendingOp
}

func fieldItem(field string) []byte {
	return keys.Item([]byte(field))
}

func (d *storeDoc) PrimaryKey() []byte { return d.pk }

func (d *storeDoc) fieldKey(field string) []byte {
	out := append(d.coll.Prefix(), d.pk...)
	return append(out, fieldItem(field)...)
}

func (d *storeDoc) Get(field string) (keys.Value, bool, error) {
	for i := len(d.pend) - 1; i >= 0; i-- {
		op := d.pend[i]
		switch {
		case op.kind == opClearAll:
			return keys.Value{}, false, nil
		case op.field == field && op.kind == opSet:
			return op.value, true, nil
		case op.field == field && op.kind == opClear:
			return keys.Value{}, false, nil
		}
	}
	raw, ok, err := d.coll.tx.Get(d.fieldKey(field))
	if err != nil || !ok {
		return keys.Value{}, false, err
	}
	v, err := keys.DecodeBinary(raw)
	if err != nil {
		return keys.Value{}, false, err
	}
	return v, true, nil
}

func (d *storeDoc) Set(field string, v keys.Value) {
	d.pend = append(d.pend, pendingOp{kind: opSet, field: field, value: v})
}

func (d *storeDoc) Clear(field string) {
	d.pend = append(d.pend, pendingOp{kind: opClear, field: field})
}

func (d *storeDoc) ClearAll() {
	d.pend = append(d.pend, pendingOp{kind: opClearAll})
}

// storedFields enumerates the document's fields as currently stored.
func (d *storeDoc) storedFields() (map[string]keys.Value, error) {
	prefix := append(d.coll.Prefix(), d.pk...)
	pairs, err := d.coll.tx.descendantPairs(prefix, keys.Min, keys.Max)
	if err != nil {
		return nil, err
	}
	out := make(map[string]keys.Value)
	for _, kv := range pairs {
		if len(kv.Key) == 0 {
			continue // document header
		}
		name, _, ok := keys.DecodeItem(kv.Key)
		if !ok {
			continue
		}
		v, err := keys.DecodeBinary(kv.Value)
		if err != nil {
			return nil, err
		}
		out[string(name)] = v
	}
	return out, nil
}

// Materialize reads the document with pending mutations applied.
func (d *storeDoc) Materialize() (map[string]keys.Value, error) {
	fields, err := d.storedFields()
	if err != nil {
		return nil, err
	}
	for _, op := range d.pend {
		switch op.kind {
		case opSet:
			fields[op.field] = op.value
		case opClear:
			delete(fields, op.field)
		case opClearAll:
			fields = make(map[string]keys.Value)
		}
	}
	return fields, nil
}

// CommitChanges stages the pending mutations into the transaction.
// For every index touching a dirtied field, the entries the old
// document contributed are deleted and the entries of the new state
// written, so re-setting a field to its own value rewrites its index
// entries.
func (d *storeDoc) CommitChanges(ctx context.Context) error {
	if len(d.pend) == 0 {
		return nil
	}
	old, err := d.storedFields()
	if err != nil {
		return err
	}
	next := make(map[string]keys.Value, len(old))
	for k, v := range old {
		next[k] = v
	}
	dirty := make(map[string]bool)
	wipe := false
	for _, op := range d.pend {
		switch op.kind {
		case opSet:
			next[op.field] = op.value
			dirty[op.field] = true
		case opClear:
			delete(next, op.field)
			dirty[op.field] = true
		case opClearAll:
			next = make(map[string]keys.Value)
			wipe = true
		}
	}

	tx := d.coll.tx
	for _, ix := range d.coll.Indexes {
		touched := wipe
		for _, k := range ix.Keys {
			if dirty[k.Field] {
				touched = true
			}
		}
		if !touched {
			continue
		}
		if err := tx.indexCtx.Err(); err != nil {
			return err
		}
		oldEntries, err := indexEntries(ix, func(f string) (keys.Value, bool) { v, ok := old[f]; return v, ok })
		if err != nil {
			return err
		}
		newEntries, err := indexEntries(ix, func(f string) (keys.Value, bool) { v, ok := next[f]; return v, ok })
		if err != nil {
			return err
		}
		for _, e := range oldEntries {
			tx.Delete(append(append(append([]byte(nil), ix.prefix...), e...), d.pk...))
		}
		for _, e := range newEntries {
			tx.Set(append(append(append([]byte(nil), ix.prefix...), e...), d.pk...), nil)
		}
	}

	header := append(d.coll.Prefix(), d.pk...)
	if wipe {
		for f := range old {
			tx.Delete(d.fieldKey(f))
		}
		tx.Delete(header)
	}
	for f := range dirty {
		if v, ok := next[f]; ok {
			tx.Set(d.fieldKey(f), keys.EncodeBinary(v))
		} else {
			tx.Delete(d.fieldKey(f))
		}
	}
	d.pend = nil
	return nil
}

// indexEntries computes the entry key parts (primary key excluded) a
// document contributes to an index: the cartesian product of the
// per-field value fan-outs, each part escaped and terminated.
func indexEntries(ix IndexInfo, get func(string) (keys.Value, bool)) ([][]byte, error) {
	perField := make([][][]byte, 0, len(ix.Keys))
	for _, k := range ix.Keys {
		v, ok := get(k.Field)
		if !ok {
			return nil, nil // missing field: no entries
		}
		parts, err := v.KeyParts()
		if err != nil {
			return nil, errors.Wrapf(err, "index %q field %q", ix.Name, k.Field)
		}
		items := make([][]byte, len(parts))
		for i, p := range parts {
			items[i] = keys.Item(p)
		}
		perField = append(perField, items)
	}
	entries := [][]byte{nil}
	for _, items := range perField {
		var grown [][]byte
		for _, e := range entries {
			for _, it := range items {
				grown = append(grown, append(append([]byte(nil), e...), it...))
			}
		}
		entries = grown
	}
	sort.Slice(entries, func(i, j int) bool { return keys.Compare(entries[i], entries[j]) < 0 })
	return entries, nil
}

// memDoc is an in-memory document used for projections and sort
// output. It has no backing store; CommitChanges is a no-op.
type memDoc struct {
	fields map[string]keys.Value
}

func NewMemDocument(fields map[string]keys.Value) DocumentContext {
	if fields == nil {
		fields = make(map[string]keys.Value)
	}
	return &memDoc{fields: fields}
}

func (d *memDoc) PrimaryKey() []byte { return nil }

func (d *memDoc) Get(field string) (keys.Value, bool, error) {
	v, ok := d.fields[field]
	return v, ok, nil
}

func (d *memDoc) Set(field string, v keys.Value) { d.fields[field] = v }
func (d *memDoc) Clear(field string)             { delete(d.fields, field) }
func (d *memDoc) ClearAll()                      { d.fields = make(map[string]keys.Value) }

func (d *memDoc) CommitChanges(ctx context.Context) error { return nil }

func (d *memDoc) Materialize() (map[string]keys.Value, error) {
	out := make(map[string]keys.Value, len(d.fields))
	for k, v := range d.fields {
		out[k] = v
	}
	return out, nil
}

// UpdateOp mutates one document, deferring writes to its context.
type UpdateOp interface {
	Update(ctx context.Context, doc DocumentContext) error
	Describe() string
}

// InsertOp creates one document in a bound collection.
type InsertOp interface {
	Insert(ctx context.Context, coll *CollectionContext) (DocumentContext, error)
	Describe() string
}

// SetFieldsOp sets the given fields.
type SetFieldsOp struct {
	Fields map[string]keys.Value
}

func (op *SetFieldsOp) Update(ctx context.Context, doc DocumentContext) error {
	for f, v := range op.Fields {
		doc.Set(f, v)
	}
	return nil
}

func (op *SetFieldsOp) Describe() string { return "set" }

// UnsetFieldsOp clears the given fields.
type UnsetFieldsOp struct {
	Fields []string
}

func (op *UnsetFieldsOp) Update(ctx context.Context, doc DocumentContext) error {
	for _, f := range op.Fields {
		doc.Clear(f)
	}
	return nil
}

func (op *UnsetFieldsOp) Describe() string { return "unset" }

// DeleteDocumentOp removes the whole document.
type DeleteDocumentOp struct{}

func (op *DeleteDocumentOp) Update(ctx context.Context, doc DocumentContext) error {
	doc.ClearAll()
	return nil
}

func (op *DeleteDocumentOp) Describe() string { return "delete" }

var ErrDuplicateKey = errors.New("document with this _id already exists")

// DocumentInsert inserts a literal document. The _id field is the
// primary key and must be present.
type DocumentInsert struct {
	Fields map[string]keys.Value
}

func (op *DocumentInsert) Insert(ctx context.Context, coll *CollectionContext) (DocumentContext, error) {
	id, ok := op.Fields["_id"]
	if !ok {
		return nil, errors.Wrap(ErrUnsupportedOperation, "insert without _id")
	}
	pk, err := id.KeyItem()
	if err != nil {
		return nil, err
	}
	exists, err := coll.DocExists(pk)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicateKey
	}
	tx := coll.tx
	tx.Set(append(coll.Prefix(), pk...), nil)
	for f, v := range op.Fields {
		key := append(append(coll.Prefix(), pk...), fieldItem(f)...)
		tx.Set(key, keys.EncodeBinary(v))
	}
	for _, ix := range coll.Indexes {
		entries, err := indexEntries(ix, func(f string) (keys.Value, bool) { v, ok := op.Fields[f]; return v, ok })
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			tx.Set(append(append(append([]byte(nil), ix.prefix...), e...), pk...), nil)
		}
	}
	return &storeDoc{coll: coll, pk: pk}, nil
}

func (op *DocumentInsert) Describe() string { return "insert" }

// Projection names the fields carried into a projected document; nil
// means the whole document.
type Projection struct {
	Fields []string
}

func projectDocument(doc DocumentContext, p *Projection) (map[string]keys.Value, error) {
	if p == nil || p.Fields == nil {
		return doc.Materialize()
	}
	out := make(map[string]keys.Value, len(p.Fields))
	for _, f := range p.Fields {
		v, ok, err := doc.Get(f)
		if err != nil {
			return nil, err
		}
		if ok {
			out[f] = v
		}
	}
	return out, nil
}
