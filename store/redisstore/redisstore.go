// Package redisstore implements store.Store on top of Redis.
//
// Layout for collection C under prefix P:
//
//	P:C:d          hash: key -> value
//	P:C:k          sorted set of keys, all scores 0, so ZRANGEBYLEX gives key order
//	P:C:v          hash: key -> version, incremented on every write
//	P:C:ix:I       hash: key -> secondary key of index I
//	P:C:ix:I:S     set of keys with secondary key S
//
// Transactions are optimistic: reads remember key versions, writes are
// buffered, and commit script applies writes only if no read version has
// changed. Such conflict is reported as store.ErrDeadlock: rollback and
// retry resolve it the same way.
package redisstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/skipor/evictor/log"
	"github.com/skipor/evictor/store"
)

const DefaultOpTimeout = 5 * time.Second

var commitScript = redis.NewScript(`
local p = ARGV[1]
local i = 2
local n = tonumber(ARGV[i]); i = i + 1
for _ = 1, n do
	local coll, key, ver = ARGV[i], ARGV[i+1], ARGV[i+2]; i = i + 3
	local cur = redis.call('HGET', p .. ':' .. coll .. ':v', key)
	if (cur or '0') ~= ver then return 0 end
end
n = tonumber(ARGV[i]); i = i + 1
for _ = 1, n do
	local coll, key, erase, value = ARGV[i], ARGV[i+1], ARGV[i+2], ARGV[i+3]; i = i + 4
	local base = p .. ':' .. coll
	local nidx = tonumber(ARGV[i]); i = i + 1
	for _ = 1, nidx do
		local name, has, ik = ARGV[i], ARGV[i+1], ARGV[i+2]; i = i + 3
		local rev = base .. ':ix:' .. name
		local old = redis.call('HGET', rev, key)
		if old then
			redis.call('SREM', rev .. ':' .. old, key)
			redis.call('HDEL', rev, key)
		end
		if erase == '0' and has == '1' then
			redis.call('SADD', rev .. ':' .. ik, key)
			redis.call('HSET', rev, key, ik)
		end
	end
	if erase == '1' then
		redis.call('HDEL', base .. ':d', key)
		redis.call('ZREM', base .. ':k', key)
	else
		redis.call('HSET', base .. ':d', key, value)
		redis.call('ZADD', base .. ':k', 0, key)
	end
	redis.call('HINCRBY', base .. ':v', key, 1)
end
return 1
`)

var getScript = redis.NewScript(`
return {redis.call('HGET', KEYS[1], ARGV[1]), redis.call('HGET', KEYS[2], ARGV[1])}
`)

type Config struct {
	Prefix    string
	OpTimeout time.Duration
}

type Store struct {
	log    log.Logger
	client redis.UniversalClient
	conf   Config

	mu     sync.Mutex
	colls  map[string]*collection
	closed bool
}

var _ store.Store = (*Store)(nil)

// New returns store using client. Client is not closed by Store.Close.
func New(l log.Logger, client redis.UniversalClient, conf Config) *Store {
	if client == nil {
		panic("nil redis client")
	}
	if conf.Prefix == "" {
		conf.Prefix = "evictor"
	}
	if conf.OpTimeout == 0 {
		conf.OpTimeout = DefaultOpTimeout
	}
	return &Store{
		log:    log.OrNop(l),
		client: client,
		conf:   conf,
		colls:  make(map[string]*collection),
	}
}

func (s *Store) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.conf.OpTimeout)
}

func (s *Store) Collection(name string) (store.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	c, ok := s.colls[name]
	if !ok {
		c = &collection{
			s:       s,
			name:    name,
			base:    s.conf.Prefix + ":" + name,
			indexes: make(map[string]*index),
		}
		s.colls[name] = c
	}
	return c, nil
}

func (s *Store) Begin() (store.Txn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	return s.newTxn(), nil
}

func (s *Store) newTxn() *txn {
	return &txn{
		s:      s,
		id:     uuid.NewString(),
		reads:  make(map[txKey]string),
		writes: make(map[txKey]*pendingWrite),
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) txnOf(tx store.Txn) (*txn, error) {
	t, ok := tx.(*txn)
	if !ok || t.s != s {
		return nil, errors.Errorf("foreign transaction %T", tx)
	}
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done {
		return nil, store.ErrTxDone
	}
	return t, nil
}

type txKey struct {
	coll *collection
	key  string
}

type pendingWrite struct {
	value []byte
	erase bool
}

type txn struct {
	s  *Store
	id string

	mu     sync.Mutex
	reads  map[txKey]string // Versions seen.
	writes map[txKey]*pendingWrite
	order  []txKey
	done   bool
}

var _ store.Txn = (*txn)(nil)

func (t *txn) ID() string { return t.id }

func (t *txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	return nil
}

func (t *txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	if t.s.isClosed() {
		return store.ErrClosed
	}
	if len(t.order) == 0 {
		return nil
	}
	args := t.commitArgs()
	ctx, cancel := t.s.ctx()
	defer cancel()
	res, err := commitScript.Run(ctx, t.s.client, nil, args...).Int()
	if err != nil {
		return errors.Wrapf(err, "transaction %s commit", t.id)
	}
	if res == 0 {
		return errors.Wrapf(store.ErrDeadlock, "transaction %s: conflicting write", t.id)
	}
	return nil
}

// commitArgs flattens transaction for commit script. Lock required.
func (t *txn) commitArgs() []interface{} {
	args := []interface{}{t.s.conf.Prefix, len(t.reads)}
	readKeys := make([]txKey, 0, len(t.reads))
	for k := range t.reads {
		readKeys = append(readKeys, k)
	}
	sort.Slice(readKeys, func(i, j int) bool {
		if readKeys[i].coll.name != readKeys[j].coll.name {
			return readKeys[i].coll.name < readKeys[j].coll.name
		}
		return readKeys[i].key < readKeys[j].key
	})
	for _, k := range readKeys {
		args = append(args, k.coll.name, k.key, t.reads[k])
	}
	args = append(args, len(t.order))
	for _, k := range t.order {
		w := t.writes[k]
		erase := "0"
		if w.erase {
			erase = "1"
		}
		args = append(args, k.coll.name, k.key, erase, w.value)
		indexes := k.coll.indexList()
		args = append(args, len(indexes))
		for _, idx := range indexes {
			has, ik := "0", ""
			if !w.erase {
				if b, ok := idx.extract(k.key, w.value); ok {
					has, ik = "1", string(b)
				}
			}
			args = append(args, idx.name, has, ik)
		}
	}
	return args
}

type collection struct {
	s    *Store
	name string
	base string

	mu      sync.Mutex
	indexes map[string]*index
}

var _ store.Collection = (*collection)(nil)

func (c *collection) Name() string { return c.name }

func (c *collection) indexList() []*index {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make([]*index, 0, len(c.indexes))
	for _, idx := range c.indexes {
		res = append(res, idx)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].name < res[j].name })
	return res
}

// getVersioned returns value and version of key. Absent key has version "0".
func (c *collection) getVersioned(key string) (value []byte, version string, ok bool, err error) {
	ctx, cancel := c.s.ctx()
	defer cancel()
	res, err := getScript.Run(ctx, c.s.client, []string{c.base + ":d", c.base + ":v"}, key).Slice()
	if err != nil {
		err = errors.Wrapf(err, "get %s/%s", c.name, key)
		return
	}
	version = "0"
	if len(res) > 1 && res[1] != nil {
		version = toString(res[1])
	}
	if len(res) > 0 && res[0] != nil {
		value, ok = []byte(toString(res[0])), true
	}
	return
}

func toString(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}

func (c *collection) Get(tx store.Txn, key string, _ store.ReadMode) ([]byte, error) {
	if c.s.isClosed() {
		return nil, store.ErrClosed
	}
	if tx == nil {
		ctx, cancel := c.s.ctx()
		defer cancel()
		value, err := c.s.client.HGet(ctx, c.base+":d", key).Bytes()
		if err == redis.Nil {
			return nil, store.ErrNotFound
		}
		return value, errors.Wrapf(err, "get %s/%s", c.name, key)
	}
	t, err := c.s.txnOf(tx)
	if err != nil {
		return nil, err
	}
	value, ok, err := t.lookup(c, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	return value, nil
}

// lookup returns value visible for t, remembering read version.
func (t *txn) lookup(c *collection, key string) (value []byte, ok bool, err error) {
	k := txKey{c, key}
	t.mu.Lock()
	if w, written := t.writes[k]; written {
		t.mu.Unlock()
		return w.value, !w.erase, nil
	}
	t.mu.Unlock()
	value, version, ok, err := c.getVersioned(key)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if seen, read := t.reads[k]; read && seen != version {
		err = errors.Wrapf(store.ErrDeadlock, "transaction %s: %s/%s changed", t.id, c.name, key)
		return
	}
	t.reads[k] = version
	return
}

func (t *txn) write(c *collection, key string, value []byte, erase bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := txKey{c, key}
	w, ok := t.writes[k]
	if !ok {
		w = &pendingWrite{}
		t.writes[k] = w
		t.order = append(t.order, k)
	}
	w.value, w.erase = value, erase
}

func (c *collection) Put(tx store.Txn, key string, value []byte) error {
	value = append([]byte(nil), value...)
	return c.modify(tx, func(t *txn) error {
		t.write(c, key, value, false)
		return nil
	})
}

func (c *collection) Erase(tx store.Txn, key string) error {
	return c.modify(tx, func(t *txn) error {
		_, ok, err := t.lookup(c, key)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrNotFound
		}
		t.write(c, key, nil, true)
		return nil
	})
}

func (c *collection) modify(tx store.Txn, fn func(t *txn) error) error {
	if c.s.isClosed() {
		return store.ErrClosed
	}
	if tx != nil {
		t, err := c.s.txnOf(tx)
		if err != nil {
			return err
		}
		return fn(t)
	}
	t := c.s.newTxn()
	if err := fn(t); err != nil {
		t.Rollback()
		return err
	}
	return t.Commit()
}

func (c *collection) Cursor(tx store.Txn) (store.Cursor, error) {
	if c.s.isClosed() {
		return nil, store.ErrClosed
	}
	ctx, cancel := c.s.ctx()
	defer cancel()
	keys, err := c.s.client.ZRangeByLex(ctx, c.base+":k", &redis.ZRangeBy{Min: "-", Max: "+"}).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "collection %s keys", c.name)
	}
	values := make(map[string][]byte, len(keys))
	if len(keys) > 0 {
		raw, err := c.s.client.HMGet(ctx, c.base+":d", keys...).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "collection %s values", c.name)
		}
		for i, v := range raw {
			if v != nil {
				values[keys[i]] = []byte(toString(v))
			}
		}
	}
	if tx != nil {
		t, err := c.s.txnOf(tx)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		for k, w := range t.writes {
			if k.coll != c {
				continue
			}
			if w.erase {
				delete(values, k.key)
			} else {
				values[k.key] = w.value
			}
		}
		t.mu.Unlock()
	}
	keys = keys[:0]
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &cursor{keys: keys, values: values, pos: -1}, nil
}

type index struct {
	c       *collection
	name    string
	extract store.IndexFunc
}

var _ store.Index = (*index)(nil)

// AddIndex registers index and indexes existing records.
func (c *collection) AddIndex(name string, extract store.IndexFunc) error {
	c.mu.Lock()
	if _, ok := c.indexes[name]; ok {
		c.mu.Unlock()
		return errors.Errorf("collection %s: index %s already exists", c.name, name)
	}
	idx := &index{c: c, name: name, extract: extract}
	c.indexes[name] = idx
	c.mu.Unlock()

	cur, err := c.Cursor(nil)
	if err != nil {
		return err
	}
	defer cur.Close()
	ctx, cancel := c.s.ctx()
	defer cancel()
	rev := c.base + ":ix:" + name
	pipe := c.s.client.Pipeline()
	ok, err := cur.First()
	for ; ok && err == nil; ok, err = cur.Next() {
		ik, has := extract(cur.Key(), cur.Value())
		if !has {
			continue
		}
		pipe.SAdd(ctx, rev+":"+string(ik), cur.Key())
		pipe.HSet(ctx, rev, cur.Key(), string(ik))
	}
	if err != nil {
		return err
	}
	_, err = pipe.Exec(ctx)
	return errors.Wrapf(err, "index %s build", name)
}

func (c *collection) Index(name string) (store.Index, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indexes[name]
	if !ok {
		return nil, errors.Wrapf(store.ErrNoIndex, "collection %s index %s", c.name, name)
	}
	return idx, nil
}

func (idx *index) Name() string { return idx.name }

func (idx *index) Find(tx store.Txn, idxKey []byte, limit int) ([]string, error) {
	c := idx.c
	ctx, cancel := c.s.ctx()
	defer cancel()
	members, err := c.s.client.SMembers(ctx, c.base+":ix:"+idx.name+":"+string(idxKey)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "index %s find", idx.name)
	}
	found := make(map[string]struct{}, len(members))
	for _, m := range members {
		found[m] = struct{}{}
	}
	if tx != nil {
		t, err := c.s.txnOf(tx)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		for k, w := range t.writes {
			if k.coll != c {
				continue
			}
			delete(found, k.key)
			if w.erase {
				continue
			}
			if ik, ok := idx.extract(k.key, w.value); ok && string(ik) == string(idxKey) {
				found[k.key] = struct{}{}
			}
		}
		t.mu.Unlock()
	}
	keys := make([]string, 0, len(found))
	for k := range found {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

type cursor struct {
	keys   []string
	values map[string][]byte
	pos    int
}

func (c *cursor) valid() bool { return c.pos >= 0 && c.pos < len(c.keys) }

func (c *cursor) First() (bool, error) {
	c.pos = 0
	return c.valid(), nil
}

func (c *cursor) Find(key string) (bool, error) {
	c.pos = sort.SearchStrings(c.keys, key)
	return c.valid() && c.keys[c.pos] == key, nil
}

func (c *cursor) LowerBound(key string) (bool, error) {
	c.pos = sort.SearchStrings(c.keys, key)
	return c.valid(), nil
}

func (c *cursor) UpperBound(key string) (bool, error) {
	c.pos = sort.Search(len(c.keys), func(i int) bool { return c.keys[i] > key })
	return c.valid(), nil
}

func (c *cursor) Next() (bool, error) {
	if c.pos < len(c.keys) {
		c.pos++
	}
	return c.valid(), nil
}

func (c *cursor) Key() string {
	if !c.valid() {
		return ""
	}
	return c.keys[c.pos]
}

func (c *cursor) Value() []byte {
	if !c.valid() {
		return nil
	}
	return c.values[c.keys[c.pos]]
}

func (c *cursor) Close() error {
	c.keys, c.values = nil, nil
	return nil
}
