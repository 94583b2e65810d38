package inkwell

import (
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"

	"github.com/inkwell-db/inkwell/keys"
)

// kvString renders one collection key-value for dumps: the primary
// key, the field name if any, and the decoded value.
func kvString(key, value []byte) string {
	pk := keys.FirstItem(key)
	if pk == nil {
		return fmt.Sprintf("%x:\t%x", key, value)
	}
	raw, rest, _ := keys.DecodeItem(key)
	id, err := keys.DecodeKeyPart(raw)
	if err != nil {
		return fmt.Sprintf("%x:\t%x", key, value)
	}
	line := id.String()
	if len(rest) > 0 {
		if name, _, ok := keys.DecodeItem(rest); ok {
			line += "." + string(name)
		}
	}
	if len(value) > 0 {
		if v, err := keys.DecodeBinary(value); err == nil {
			return line + ":\t" + v.String()
		}
	}
	return line
}

// DumpCollection writes every stored key-value of a collection.
func (db *DB) DumpCollection(w io.Writer, cx *UnboundCollectionContext) {
	prefix := cx.Prefix()
	upper := append(append([]byte(nil), prefix...), 0xff)
	it, err := db.pebble.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		fmt.Fprintln(w, err.Error())
		return
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		fmt.Fprintln(w, kvString(it.Key()[len(prefix):], it.Value()))
	}
}

// DumpIndex writes every entry of an index.
func (db *DB) DumpIndex(w io.Writer, ix IndexInfo) {
	prefix := ix.Prefix()
	upper := append(append([]byte(nil), prefix...), 0xff)
	it, err := db.pebble.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		fmt.Fprintln(w, err.Error())
		return
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		fmt.Fprintf(w, "%x\n", it.Key()[len(prefix):])
	}
}
