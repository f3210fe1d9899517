package memstore

import (
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/skipor/evictor/aof"
)

type journalOp struct {
	Coll  string `msgpack:"c"`
	Key   string `msgpack:"k"`
	Value []byte `msgpack:"v,omitempty"`
	Erase bool   `msgpack:"e,omitempty"`
}

// journalBatch is one committed transaction.
type journalBatch struct {
	Tx  string      `msgpack:"t,omitempty"`
	Ops []journalOp `msgpack:"o"`
}

func encodeBatch(b journalBatch) ([]byte, error) {
	data, err := msgpack.Marshal(&b)
	return data, errors.Wrap(err, "journal batch encode")
}

func decodeBatch(p []byte) (b journalBatch, err error) {
	err = errors.Wrap(msgpack.Unmarshal(p, &b), "journal batch decode")
	return
}

// compactJournal folds journal prefix into one batch per collection with
// only live records. Every journal op is blind write, so replaying
// records appended during rotation over compacted state gives the same result.
func compactJournal(r aof.ROFile, w io.Writer) error {
	state := make(map[string]map[string][]byte)
	_, err := aof.ReadRecords(r, func(p []byte) error {
		b, err := decodeBatch(p)
		if err != nil {
			return err
		}
		for _, op := range b.Ops {
			coll := state[op.Coll]
			if coll == nil {
				coll = make(map[string][]byte)
				state[op.Coll] = coll
			}
			if op.Erase {
				delete(coll, op.Key)
			} else {
				coll[op.Key] = op.Value
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	colls := make([]string, 0, len(state))
	for name := range state {
		colls = append(colls, name)
	}
	sort.Strings(colls)
	for _, name := range colls {
		coll := state[name]
		if len(coll) == 0 {
			continue
		}
		keys := make([]string, 0, len(coll))
		for k := range coll {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b := journalBatch{Ops: make([]journalOp, 0, len(keys))}
		for _, k := range keys {
			b.Ops = append(b.Ops, journalOp{Coll: name, Key: k, Value: coll[k]})
		}
		data, err := encodeBatch(b)
		if err != nil {
			return err
		}
		if err = aof.WriteRecord(w, data); err != nil {
			return err
		}
	}
	return nil
}
