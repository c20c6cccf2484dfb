package core

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	accountPrefix = "acct/"
	rootKey       = "meta/root"
)

// WorldState holds account balances in memory and persists them in leveldb.
type WorldState struct {
	db *leveldb.DB

	lock     sync.RWMutex
	balances map[string]int64
	dirty    map[string]struct{}
}

// NewState opens (or creates) the state database at path and loads the
// persisted accounts.
func NewState(path string) (*WorldState, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open state db")
	}
	return loadState(db)
}

// NewStateWithStorage opens the state on a given leveldb storage.
func NewStateWithStorage(stor storage.Storage) (*WorldState, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open state db")
	}
	return loadState(db)
}

func loadState(db *leveldb.DB) (*WorldState, error) {
	w := &WorldState{
		db:       db,
		balances: make(map[string]int64),
		dirty:    make(map[string]struct{}),
	}

	iter := db.NewIterator(util.BytesPrefix([]byte(accountPrefix)), nil)
	for iter.Next() {
		var balance int64
		if err := decode(iter.Value(), &balance); err != nil {
			iter.Release()
			db.Close()
			return nil, errors.Wrapf(err, "decode account %s", iter.Key())
		}
		w.balances[string(iter.Key()[len(accountPrefix):])] = balance
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "load accounts")
	}
	return w, nil
}

func (w *WorldState) Balance(account string) (int64, bool) {
	w.lock.RLock()
	defer w.lock.RUnlock()
	b, ok := w.balances[account]
	return b, ok
}

// Root is the digest of every account balance, in account order.
func (w *WorldState) Root() string {
	w.lock.RLock()
	defer w.lock.RUnlock()
	return w.rootLocked()
}

func (w *WorldState) rootLocked() string {
	names := make([]string, 0, len(w.balances))
	for name := range w.balances {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{'='})
		h.Write([]byte(strconv.FormatInt(w.balances[name], 10)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Commit writes all dirty accounts and the current root into the database
// atomically and returns the root.
func (w *WorldState) Commit() (string, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	batch := new(leveldb.Batch)
	for name := range w.dirty {
		value, err := encode(w.balances[name])
		if err != nil {
			return "", err
		}
		batch.Put([]byte(accountPrefix+name), value)
	}
	root := w.rootLocked()
	batch.Put([]byte(rootKey), []byte(root))

	if err := w.db.Write(batch, nil); err != nil {
		return "", errors.Wrap(err, "commit state")
	}
	w.dirty = make(map[string]struct{})
	return root, nil
}

// PersistedRoot returns the root stored by the last Commit, or "" if the
// state was never committed.
func (w *WorldState) PersistedRoot() (string, error) {
	v, err := w.db.Get([]byte(rootKey), nil)
	if err == leveldb.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (w *WorldState) Close() error {
	return w.db.Close()
}

// NewContext starts a batch overlay on top of the state. Nothing is visible
// in the state until the context is committed.
func (w *WorldState) NewContext() *Context {
	return &Context{state: w, writes: make(map[string]int64)}
}

// Context collects the writes of one batch.
type Context struct {
	state  *WorldState
	writes map[string]int64
}

func (c *Context) balance(account string) int64 {
	if b, ok := c.writes[account]; ok {
		return b
	}
	b, _ := c.state.Balance(account)
	return b
}

// Apply executes one encoded TransferPayload against the context.
func (c *Context) Apply(payload []byte) error {
	var p TransferPayload
	if err := decode(payload, &p); err != nil {
		return errors.Wrap(ErrInvalidPayload, err.Error())
	}
	if err := p.Validate(); err != nil {
		return err
	}

	to := c.balance(p.To)
	if to > math.MaxInt64-p.Amount {
		return errors.Wrapf(ErrInvalidPayload, "balance of %s overflows", p.To)
	}

	if p.Op == OpTransfer {
		from := c.balance(p.From)
		if from < p.Amount {
			return errors.Wrapf(ErrInsufficientFunds, "%s has %d, needs %d", p.From, from, p.Amount)
		}
		c.writes[p.From] = from - p.Amount
	}
	c.writes[p.To] = to + p.Amount
	return nil
}

// Commit merges the context's writes into the state.
func (c *Context) Commit() {
	c.state.lock.Lock()
	defer c.state.lock.Unlock()
	for name, b := range c.writes {
		c.state.balances[name] = b
		c.state.dirty[name] = struct{}{}
	}
	c.writes = make(map[string]int64)
}
