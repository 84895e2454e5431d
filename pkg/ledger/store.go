package ledger

import (
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/database"
	"github.com/pkg/errors"

	"github.com/luxfi/perpvault/pkg/types"
)

const (
	poolPrefix     = "pool/"
	positionPrefix = "pos/"
	usdgPrefix     = "usdg/"
	supplyKey      = "meta/usdgSupply"
)

// Changes is the persisted footprint of one commit. A nil position deletes its key.
type Changes struct {
	Pools     []*types.PoolState
	Positions map[common.Hash]*types.Position
	Usdg      map[common.Address]*big.Int
	Supply    *big.Int
}

// State is everything Load restores.
type State struct {
	Pools     map[types.Asset]*types.PoolState
	Positions map[common.Hash]*types.Position
	Usdg      map[common.Address]*big.Int
	Supply    *big.Int
}

// Store persists ledger state as JSON records in a key-value database.
type Store struct {
	db database.Database
}

// NewStore wraps db.
func NewStore(db database.Database) *Store {
	return &Store{db: db}
}

// Save writes c in one batch.
func (s *Store) Save(c *Changes) error {
	batch := s.db.NewBatch()
	defer batch.Reset()

	for _, p := range c.Pools {
		value, err := json.Marshal(p)
		if err != nil {
			return errors.Wrapf(err, "marshal pool %s", p.Asset)
		}
		if err := batch.Put([]byte(poolPrefix+string(p.Asset)), value); err != nil {
			return errors.Wrap(err, "stage pool")
		}
	}
	for h, p := range c.Positions {
		key := []byte(positionPrefix + h.Hex())
		if p == nil {
			if err := batch.Delete(key); err != nil {
				return errors.Wrap(err, "stage position delete")
			}
			continue
		}
		value, err := json.Marshal(p)
		if err != nil {
			return errors.Wrapf(err, "marshal position %s", p.Key)
		}
		if err := batch.Put(key, value); err != nil {
			return errors.Wrap(err, "stage position")
		}
	}
	for a, v := range c.Usdg {
		key := []byte(usdgPrefix + a.Hex())
		if v.Sign() == 0 {
			if err := batch.Delete(key); err != nil {
				return errors.Wrap(err, "stage balance delete")
			}
			continue
		}
		if err := batch.Put(key, []byte(v.String())); err != nil {
			return errors.Wrap(err, "stage balance")
		}
	}
	if c.Supply != nil {
		if err := batch.Put([]byte(supplyKey), []byte(c.Supply.String())); err != nil {
			return errors.Wrap(err, "stage supply")
		}
	}
	return errors.Wrap(batch.Write(), "write ledger batch")
}

// Load reads the full state.
func (s *Store) Load() (*State, error) {
	st := &State{
		Pools:     make(map[types.Asset]*types.PoolState),
		Positions: make(map[common.Hash]*types.Position),
		Usdg:      make(map[common.Address]*big.Int),
		Supply:    types.Zero(),
	}

	err := s.scan(poolPrefix, func(_ string, value []byte) error {
		p := types.NewPoolState("")
		if err := json.Unmarshal(value, p); err != nil {
			return errors.Wrap(err, "decode pool")
		}
		st.Pools[p.Asset] = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.scan(positionPrefix, func(_ string, value []byte) error {
		var p types.Position
		if err := json.Unmarshal(value, &p); err != nil {
			return errors.Wrap(err, "decode position")
		}
		st.Positions[p.Key.Hash()] = &p
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.scan(usdgPrefix, func(key string, value []byte) error {
		v, ok := new(big.Int).SetString(string(value), 10)
		if !ok {
			return errors.Errorf("decode balance %s", key)
		}
		st.Usdg[common.HexToAddress(strings.TrimPrefix(key, usdgPrefix))] = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	raw, err := s.db.Get([]byte(supplyKey))
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return nil, errors.Wrap(err, "read supply")
	default:
		v, ok := new(big.Int).SetString(string(raw), 10)
		if !ok {
			return nil, errors.New("decode supply")
		}
		st.Supply = v
	}
	return st, nil
}

func (s *Store) scan(prefix string, fn func(key string, value []byte) error) error {
	iter := s.db.NewIteratorWithPrefix([]byte(prefix))
	defer iter.Release()
	for iter.Next() {
		if err := fn(string(iter.Key()), iter.Value()); err != nil {
			return err
		}
	}
	return errors.Wrapf(iter.Error(), "scan %s", prefix)
}
