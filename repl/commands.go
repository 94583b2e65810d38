package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/inkwell-db/inkwell"
	"github.com/inkwell-db/inkwell/keys"
)

var ErrNoStore = errors.New("no store open (use: open <path> | mem)")
var ErrNoNs = errors.New("no collection selected (use: use <db.collection>)")

func (repl *REPL) CommandHelp() {
	fmt.Println(`open <path>            open a store on disk
mem                    open a scratch in-memory store
use <db.collection>    select a collection
insert f=v f=v ...     insert a document (needs _id=...)
find [pred]            run a query; predicate terms: f=v f<v f<=v f>v f>=v f!=v, joined with and / or
count [pred]           count matching documents
delete <pred>          delete matching documents
index create <name> <field[:dir],...>   create and build an index
index ls               list indexes
explain <pred>         show the plan after push-down
dump                   dump the collection's raw key-values
exit`)
}

func (repl *REPL) CommandOpen(path string, mem bool) error {
	if repl.db != nil {
		_ = repl.db.Close()
		repl.db = nil
	}
	if mem {
		path = "mem"
	}
	if path == "" {
		return ErrBadArgs
	}
	db, err := inkwell.Open(path, inkwell.Options{InMemory: mem})
	if err != nil {
		return err
	}
	repl.db = db
	return nil
}

var ErrBadArgs = errors.New("bad arguments")

func (repl *REPL) CommandUse(ns string) error {
	if repl.db == nil {
		return ErrNoStore
	}
	if !strings.Contains(ns, ".") {
		return errors.Wrap(ErrBadArgs, "namespace is db.collection")
	}
	repl.ns = ns
	return nil
}

func (repl *REPL) collection(tx *inkwell.Transaction) (*inkwell.UnboundCollectionContext, error) {
	if repl.db == nil {
		return nil, ErrNoStore
	}
	if repl.ns == "" {
		return nil, ErrNoNs
	}
	return repl.db.Metadata().GetUnboundCollectionContext(context.Background(), tx, repl.ns)
}

func parseValue(s string) (keys.Value, error) {
	switch {
	case s == "null":
		return keys.Null(), nil
	case s == "true":
		return keys.Bool(true), nil
	case s == "false":
		return keys.Bool(false), nil
	case strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"):
		inner := strings.TrimSpace(s[1 : len(s)-1])
		if inner == "" {
			return keys.Array(), nil
		}
		var elems []keys.Value
		for _, part := range strings.Split(inner, ",") {
			v, err := parseValue(strings.TrimSpace(part))
			if err != nil {
				return keys.Value{}, err
			}
			elems = append(elems, v)
		}
		return keys.Array(elems...), nil
	case strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) && len(s) >= 2:
		unq, err := strconv.Unquote(s)
		if err != nil {
			return keys.Value{}, err
		}
		return keys.String(unq), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return keys.Number(f), nil
	}
	return keys.String(s), nil
}

var termOps = []string{"!=", "<=", ">=", "=", "<", ">"}

func parseTerm(s string) (inkwell.Predicate, error) {
	for _, op := range termOps {
		i := strings.Index(s, op)
		if i <= 0 {
			continue
		}
		field := strings.TrimSpace(s[:i])
		v, err := parseValue(strings.TrimSpace(s[i+len(op):]))
		if err != nil {
			return nil, err
		}
		switch op {
		case "=":
			return inkwell.FieldEq(field, v), nil
		case "!=":
			return inkwell.Not(inkwell.FieldEq(field, v)), nil
		case "<":
			return inkwell.Any(inkwell.Field(field), inkwell.Lt(v)), nil
		case "<=":
			return inkwell.Any(inkwell.Field(field), inkwell.Le(v)), nil
		case ">":
			return inkwell.Any(inkwell.Field(field), inkwell.Gt(v)), nil
		case ">=":
			return inkwell.Any(inkwell.Field(field), inkwell.Ge(v)), nil
		}
	}
	return nil, errors.Wrapf(ErrBadArgs, "term %q", s)
}

func parsePredicate(s string) (inkwell.Predicate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return inkwell.All(), nil
	}
	var orTerms []inkwell.Predicate
	for _, disjunct := range strings.Split(s, " or ") {
		var andTerms []inkwell.Predicate
		for _, conjunct := range strings.Split(disjunct, " and ") {
			t, err := parseTerm(strings.TrimSpace(conjunct))
			if err != nil {
				return nil, err
			}
			andTerms = append(andTerms, t)
		}
		orTerms = append(orTerms, inkwell.And(andTerms...).Simplify())
	}
	return inkwell.Or(orTerms...).Simplify(), nil
}

func (repl *REPL) queryPlan(tx *inkwell.Transaction, pred inkwell.Predicate) (inkwell.Plan, error) {
	cx, err := repl.collection(tx)
	if err != nil {
		return nil, err
	}
	scan := inkwell.NewTableScanPlan(cx)
	filtered := inkwell.ConstructFilterPlan(cx, scan, pred)
	return inkwell.NewNonIsolatedPlan(filtered, cx, repl.db.Metadata(), repl.db, true), nil
}

func (repl *REPL) CommandFind(arg string) error {
	if repl.db == nil {
		return ErrNoStore
	}
	pred, err := parsePredicate(arg)
	if err != nil {
		return err
	}
	tx := repl.db.NewTransaction()
	plan, err := repl.queryPlan(tx, pred)
	if err != nil {
		return err
	}
	cp := repl.db.NewCheckpoint()
	stream := plan.Execute(cp, tx)
	defer cp.Stop()
	ctx := context.Background()
	for {
		doc, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, inkwell.ErrEndOfStream) {
				return nil
			}
			return err
		}
		fields, err := doc.Doc.Materialize()
		if err != nil {
			return err
		}
		fmt.Println(formatDoc(fields))
		cp.DocLock().Release(1)
	}
}

func formatDoc(fields map[string]keys.Value) string {
	parts := make([]string, 0, len(fields))
	if id, ok := fields["_id"]; ok {
		parts = append(parts, "_id:"+id.String())
	}
	for k, v := range fields {
		if k == "_id" {
			continue
		}
		parts = append(parts, k+":"+v.String())
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func (repl *REPL) CommandCount(arg string) error {
	if repl.db == nil {
		return ErrNoStore
	}
	pred, err := parsePredicate(arg)
	if err != nil {
		return err
	}
	tx := repl.db.NewTransaction()
	plan, err := repl.queryPlan(tx, pred)
	if err != nil {
		return err
	}
	n, err := inkwell.ExecuteUntilCompletion(context.Background(), plan, tx, 0)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func (repl *REPL) CommandInsert(arg string) error {
	if repl.db == nil {
		return ErrNoStore
	}
	fields := make(map[string]keys.Value)
	for _, part := range strings.Fields(arg) {
		k, raw, ok := strings.Cut(part, "=")
		if !ok {
			return errors.Wrapf(ErrBadArgs, "field %q", part)
		}
		v, err := parseValue(raw)
		if err != nil {
			return err
		}
		fields[k] = v
	}
	tx := repl.db.NewTransaction()
	if _, err := repl.collection(tx); err != nil {
		return err
	}
	plan := inkwell.NewInsertPlan(repl.db.Metadata(), repl.ns, []inkwell.InsertOp{
		&inkwell.DocumentInsert{Fields: fields},
	})
	retried := inkwell.NewRetryPlan(plan, repl.db)
	_, err := inkwell.ExecuteUntilCompletion(context.Background(), retried, tx, 0)
	return err
}

func (repl *REPL) CommandDelete(arg string) error {
	if repl.db == nil {
		return ErrNoStore
	}
	pred, err := parsePredicate(arg)
	if err != nil {
		return err
	}
	if pred.Type() == inkwell.PredAll {
		return errors.Wrap(ErrBadArgs, "delete needs a predicate")
	}
	tx := repl.db.NewTransaction()
	cx, err := repl.collection(tx)
	if err != nil {
		return err
	}
	scan := inkwell.ConstructFilterPlan(cx, inkwell.NewTableScanPlan(cx), pred)
	del := inkwell.WithFlushChanges(inkwell.DeletePlan(scan, cx, 0))
	retried := inkwell.NewRetryPlan(del, repl.db)
	n, err := inkwell.ExecuteUntilCompletion(context.Background(), retried, tx, 0)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d\n", n)
	return nil
}

func (repl *REPL) CommandIndex(arg string) error {
	if repl.db == nil {
		return ErrNoStore
	}
	sub, rest, _ := strings.Cut(arg, " ")
	switch sub {
	case "ls":
		tx := repl.db.NewTransaction()
		cx, err := repl.collection(tx)
		if err != nil {
			return err
		}
		for _, ix := range cx.KnownIndexes() {
			fmt.Printf("%s\t%s\t%s\n", ix.Name, inkwell.KeySpecString(ix.Keys), ix.Status)
		}
		return nil
	case "create":
		name, specStr, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok {
			return errors.Wrap(ErrBadArgs, "index create <name> <field[:dir],...>")
		}
		return repl.createIndex(name, strings.TrimSpace(specStr))
	}
	return errors.Wrapf(ErrBadArgs, "index %q", sub)
}

func (repl *REPL) createIndex(name, specStr string) error {
	var spec []inkwell.IndexKey
	for _, part := range strings.Split(specStr, ",") {
		field, dir, _ := strings.Cut(part, ":")
		k := inkwell.IndexKey{Field: field, Direction: 1}
		if dir == "-1" {
			k.Direction = -1
		}
		spec = append(spec, k)
	}
	mm := repl.db.Metadata()
	ctx := context.Background()
	buildID := fmt.Sprintf("%016x", xxhash.Sum64String(repl.ns+"/"+name))

	tx := repl.db.NewTransaction()
	if _, err := repl.collection(tx); err != nil {
		return err
	}
	create := inkwell.NewRetryPlan(&inkwell.IndexInsertPlan{
		Mm: mm, Ns: repl.ns, Name: name, KeySpec: spec,
		Status: inkwell.IndexStatusBuilding, BuildID: buildID,
	}, repl.db)
	if _, err := inkwell.ExecuteUntilCompletion(ctx, create, tx, 0); err != nil {
		return err
	}

	// Build the entries, then flip the index to ready.
	tx = repl.db.NewTransaction()
	cx, err := repl.collection(tx)
	if err != nil {
		return err
	}
	var index inkwell.IndexInfo
	for _, ix := range cx.KnownIndexes() {
		if ix.Name == name {
			index = ix
		}
	}
	build := &inkwell.BuildIndexPlan{
		Scan: inkwell.NewTableScanPlan(cx), Cx: cx, Index: index, Mm: mm,
	}
	rw := inkwell.NewNonIsolatedPlan(build, cx, mm, repl.db, false)
	if _, err := inkwell.ExecuteUntilCompletion(ctx, rw, tx, 0); err != nil {
		return err
	}

	tx = repl.db.NewTransaction()
	flip := inkwell.NewRetryPlan(&inkwell.UpdateIndexStatusPlan{
		Mm: mm, Ns: repl.ns, IndexName: name,
		NewStatus: inkwell.IndexStatusReady, BuildID: buildID,
	}, repl.db)
	_, err = inkwell.ExecuteUntilCompletion(ctx, flip, tx, 0)
	return err
}

func (repl *REPL) CommandExplain(arg string) error {
	if repl.db == nil {
		return ErrNoStore
	}
	pred, err := parsePredicate(arg)
	if err != nil {
		return err
	}
	tx := repl.db.NewTransaction()
	cx, err := repl.collection(tx)
	if err != nil {
		return err
	}
	plan := inkwell.ConstructFilterPlan(cx, inkwell.NewTableScanPlan(cx), pred)
	fmt.Println(plan.Describe())
	return nil
}

func (repl *REPL) CommandDump(string) error {
	if repl.db == nil {
		return ErrNoStore
	}
	tx := repl.db.NewTransaction()
	cx, err := repl.collection(tx)
	if err != nil {
		return err
	}
	repl.db.DumpCollection(os.Stdout, cx)
	return nil
}
