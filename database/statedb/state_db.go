package statedb

import (
	"encoding/json"
	"fmt"
	"math/big"

	"zkrollup-node/common"
	"zkrollup-node/database/kvdb"
	"zkrollup-node/log"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
)

// Config of the StateDB
type Config struct {
	// Path where the checkpoints will be stored
	Path string
	// Keep is the number of old checkpoints to keep.  If 0, all
	// checkpoints are kept.
	Keep int
	// NoLast skips having an opened DB with a checkpoint to the last
	// block for thread-safe reads.
	NoLast bool
	// At every checkpoint, check that there are no gaps between the
	// checkpoints
	noGapsCheck bool
}

var (
	// PrefixKeyAccount is the key prefix of the account records
	PrefixKeyAccount = []byte("acc:")
	// PrefixKeyBalance is the key prefix of the account balances
	PrefixKeyBalance = []byte("bal:")
	// PrefixKeyAddress is the key prefix of the address to id index
	PrefixKeyAddress = []byte("addr:")
	// PrefixKeyNFT is the key prefix of the NFT registry
	PrefixKeyNFT = []byte("nft:")
	// KeyNextFreeID stores the account id counter
	KeyNextFreeID = []byte("k:nextid")
	// KeyRootHash stores the root of the account tree
	KeyRootHash = []byte("k:root")
	// KeyTreeCache stores the computed hashes of the account tree
	KeyTreeCache = []byte("cache:tree")
)

type accountRecord struct {
	Address    ethCommon.Address `json:"address"`
	PubKeyHash common.PubKeyHash `json:"pubKeyHash"`
	Nonce      common.Nonce      `json:"nonce"`
}

func concatKey(parts ...[]byte) []byte {
	var k []byte
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

// StateDB persists the AccountTree of every sealed block in a kvdb.  The
// deleted entries are stored as empty values.
type StateDB struct {
	cfg Config
	db  *kvdb.KVDB
}

// NewStateDB opens the StateDB at its last checkpoint
func NewStateDB(cfg Config) (*StateDB, error) {
	kv, err := kvdb.NewKVDB(kvdb.Config{Path: cfg.Path, Keep: cfg.Keep,
		NoGapsCheck: cfg.noGapsCheck, NoLast: cfg.NoLast})
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &StateDB{cfg: cfg, db: kv}, nil
}

// CurrentBlock returns the last block stored in the StateDB
func (s *StateDB) CurrentBlock() common.BlockNum {
	return s.db.CurrentBlock
}

// Close closes the StateDB
func (s *StateDB) Close() {
	s.db.Close()
}

// Reset reopens the StateDB at the checkpoint of the given block, deleting
// the checkpoints of later blocks
func (s *StateDB) Reset(blockNum common.BlockNum) error {
	log.Debugw("Making StateDB Reset", "block", blockNum)
	return common.Wrap(s.db.Reset(blockNum))
}

// ListCheckpoints returns the blocks with a retained checkpoint
func (s *StateDB) ListCheckpoints() ([]int, error) {
	return s.db.ListCheckpoints()
}

// DeleteOldCheckpoints deletes old checkpoints when there are more than
// `cfg.Keep` checkpoints
func (s *StateDB) DeleteOldCheckpoints() error {
	return s.db.DeleteOldCheckpoints()
}

// LoadTree returns the AccountTree of the current block.  At block 0 it is
// the genesis tree of feeAddress.
func (s *StateDB) LoadTree(feeAddress ethCommon.Address) (*AccountTree, error) {
	if s.CurrentBlock() == 0 {
		return NewGenesisAccountTree(feeAddress)
	}
	return loadTree(s.db.DB())
}

func loadTree(sto *pebble.Storage) (*AccountTree, error) {
	t, err := NewAccountTree()
	if err != nil {
		return nil, err
	}
	accounts := make(map[common.AccountID]*common.Account)
	err = sto.WithPrefix(PrefixKeyAccount).Iterate(func(k, v []byte) (bool, error) {
		if len(v) == 0 {
			return true, nil
		}
		id, err := common.AccountIDFromBytes(k)
		if err != nil {
			return false, err
		}
		var rec accountRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return false, common.Wrap(err)
		}
		acc := common.NewAccount(rec.Address)
		acc.PubKeyHash = rec.PubKeyHash
		acc.Nonce = rec.Nonce
		accounts[id] = acc
		return true, nil
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	err = sto.WithPrefix(PrefixKeyBalance).Iterate(func(k, v []byte) (bool, error) {
		if len(v) == 0 {
			return true, nil
		}
		if len(k) != common.AccountIDBytesLen+common.TokenIDBytesLen {
			return false, common.Wrap(fmt.Errorf("invalid balance key %x", k))
		}
		id, err := common.AccountIDFromBytes(k[:common.AccountIDBytesLen])
		if err != nil {
			return false, err
		}
		token, err := common.TokenIDFromBytes(k[common.AccountIDBytesLen:])
		if err != nil {
			return false, err
		}
		acc, ok := accounts[id]
		if !ok {
			return false, common.Wrap(fmt.Errorf("balance of unknown account %d", id))
		}
		acc.SetBalance(token, new(big.Int).SetBytes(v))
		return true, nil
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	err = sto.WithPrefix(PrefixKeyNFT).Iterate(func(k, v []byte) (bool, error) {
		if len(v) == 0 {
			return true, nil
		}
		var nft common.NFT
		if err := json.Unmarshal(v, &nft); err != nil {
			return false, common.Wrap(err)
		}
		t.nfts[nft.TokenID] = &nft
		return true, nil
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	nextID, err := sto.Get(KeyNextFreeID)
	if err != nil {
		return nil, common.Wrap(err)
	}
	t.NextFreeID, err = common.AccountIDFromBytes(nextID)
	if err != nil {
		return nil, err
	}

	for id, acc := range accounts {
		if err := t.load(id, acc); err != nil {
			return nil, err
		}
	}
	if restored, err := restoreTreeCache(sto, t); err != nil {
		return nil, err
	} else if restored {
		return t, nil
	}
	// no usable cache, rehash every account
	log.Warnw("StateDB tree cache missing or stale, rebuilding", "accounts", len(accounts))
	rebuilt, err := NewAccountTree()
	if err != nil {
		return nil, err
	}
	rebuilt.nfts = t.nfts
	rebuilt.NextFreeID = t.NextFreeID
	for id, acc := range accounts {
		if err := rebuilt.Insert(id, acc); err != nil {
			return nil, err
		}
	}
	return rebuilt, nil
}

// restoreTreeCache loads the stored hashes into t and checks every account
// leaf against the loaded accounts
func restoreTreeCache(sto *pebble.Storage, t *AccountTree) (bool, error) {
	v, err := sto.Get(KeyTreeCache)
	if common.Unwrap(err) == db.ErrNotFound {
		return false, nil
	} else if err != nil {
		return false, common.Wrap(err)
	}
	var cache TreeCache
	if err := json.Unmarshal(v, &cache); err != nil {
		return false, common.Wrap(err)
	}
	if err := t.RestoreFromInternals(&cache); err != nil {
		log.Warnw("StateDB tree cache can not be restored", "err", err)
		return false, nil
	}
	for id, acc := range t.accounts {
		balanceRoot, err := t.balances[id].Root()
		if err != nil {
			return false, err
		}
		leaf, err := AccountLeafHash(acc, balanceRoot)
		if err != nil {
			return false, err
		}
		if leaf.Cmp(t.tree.Leaf(uint64(id))) != 0 {
			return false, nil
		}
	}
	return true, nil
}

func putAccount(tx db.Tx, t *AccountTree, id common.AccountID, tokens map[common.TokenID]struct{}) error {
	accKey := concatKey(PrefixKeyAccount, id.Bytes())
	acc, ok := t.accounts[id]
	if !ok {
		if err := tx.Put(accKey, []byte{}); err != nil {
			return common.Wrap(err)
		}
		for token := range tokens {
			if err := tx.Put(concatKey(PrefixKeyBalance, id.Bytes(), token.Bytes()), []byte{}); err != nil {
				return common.Wrap(err)
			}
		}
		return nil
	}
	rec, err := json.Marshal(accountRecord{Address: acc.Address, PubKeyHash: acc.PubKeyHash,
		Nonce: acc.Nonce})
	if err != nil {
		return common.Wrap(err)
	}
	if err := tx.Put(accKey, rec); err != nil {
		return common.Wrap(err)
	}
	if err := tx.Put(concatKey(PrefixKeyAddress, acc.Address[:]), id.Bytes()); err != nil {
		return common.Wrap(err)
	}
	for token := range tokens {
		balance := acc.Balance(token)
		if err := tx.Put(concatKey(PrefixKeyBalance, id.Bytes(), token.Bytes()),
			balance.Bytes()); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}

// CommitBlock stores the state of the sealed block blockNum, which must
// follow the current block, and makes its checkpoint.  Only the accounts
// touched by updates are written, except for the first block which stores
// the whole tree.
func (s *StateDB) CommitBlock(blockNum common.BlockNum, t *AccountTree, updates common.AccountUpdates) error {
	if blockNum != s.CurrentBlock()+1 {
		return common.Wrap(fmt.Errorf("commit of block %d, current block %d", blockNum,
			s.CurrentBlock()))
	}
	touched := make(map[common.AccountID]map[common.TokenID]struct{})
	touch := func(id common.AccountID) map[common.TokenID]struct{} {
		tokens, ok := touched[id]
		if !ok {
			tokens = make(map[common.TokenID]struct{})
			touched[id] = tokens
		}
		return tokens
	}
	if s.CurrentBlock() == 0 {
		for id, acc := range t.accounts {
			tokens := touch(id)
			for _, token := range acc.Tokens() {
				tokens[token] = struct{}{}
			}
		}
		for _, nft := range t.nfts {
			updates = append(updates, common.NewMintNFTUpdate(*nft))
		}
	}

	tx, err := s.db.DB().NewTx()
	if err != nil {
		return common.Wrap(err)
	}
	for _, u := range updates {
		switch u.Kind {
		case common.UpdateBalance:
			touch(u.AccountID)[u.Token] = struct{}{}
		case common.UpdateMintNFT, common.UpdateRemoveNFT:
			k := concatKey(PrefixKeyNFT, u.NFT.TokenID.Bytes())
			v := []byte{}
			if nft, ok := t.nfts[u.NFT.TokenID]; ok {
				if v, err = json.Marshal(nft); err != nil {
					return common.Wrap(err)
				}
			}
			if err := tx.Put(k, v); err != nil {
				return common.Wrap(err)
			}
		case common.UpdateDelete:
			if err := tx.Put(concatKey(PrefixKeyAddress, u.Address[:]), []byte{}); err != nil {
				return common.Wrap(err)
			}
			touch(u.AccountID)
		default:
			touch(u.AccountID)
		}
	}
	for id, tokens := range touched {
		if err := putAccount(tx, t, id, tokens); err != nil {
			return err
		}
	}
	if err := tx.Put(KeyNextFreeID, t.NextFreeID.Bytes()); err != nil {
		return common.Wrap(err)
	}
	root, err := t.RootHash()
	if err != nil {
		return err
	}
	if err := tx.Put(KeyRootHash, root.Bytes()); err != nil {
		return common.Wrap(err)
	}
	cache, err := t.GetInternals()
	if err != nil {
		return err
	}
	cacheBytes, err := json.Marshal(cache)
	if err != nil {
		return common.Wrap(err)
	}
	if err := tx.Put(KeyTreeCache, cacheBytes); err != nil {
		return common.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return common.Wrap(err)
	}
	log.Debugw("Making StateDB checkpoint", "block", blockNum, "accounts", len(touched))
	return common.Wrap(s.db.Checkpoint(blockNum))
}

// LastGetAccount is a thread-safe method to query an account in the last
// checkpoint of the StateDB
func (s *StateDB) LastGetAccount(id common.AccountID) (*common.Account, bool, error) {
	var account *common.Account
	err := s.db.LastRead(func(sto *pebble.Storage) error {
		var err error
		account, err = getAccount(sto, id)
		return err
	})
	if err != nil {
		return nil, false, common.Wrap(err)
	}
	return account, account != nil, nil
}

// LastGetAccountByAddress is a thread-safe method to query the account owned
// by address in the last checkpoint of the StateDB
func (s *StateDB) LastGetAccountByAddress(address ethCommon.Address) (common.AccountID,
	*common.Account, bool, error) {
	var id common.AccountID
	var account *common.Account
	err := s.db.LastRead(func(sto *pebble.Storage) error {
		v, err := sto.Get(concatKey(PrefixKeyAddress, address[:]))
		if common.Unwrap(err) == db.ErrNotFound {
			return nil
		} else if err != nil {
			return common.Wrap(err)
		}
		if len(v) == 0 {
			return nil
		}
		if id, err = common.AccountIDFromBytes(v); err != nil {
			return err
		}
		account, err = getAccount(sto, id)
		return err
	})
	if err != nil {
		return 0, nil, false, common.Wrap(err)
	}
	return id, account, account != nil, nil
}

// LastRootHash returns the root hash of the last checkpoint
func (s *StateDB) LastRootHash() (*big.Int, error) {
	root := big.NewInt(0)
	err := s.db.LastRead(func(sto *pebble.Storage) error {
		v, err := sto.Get(KeyRootHash)
		if common.Unwrap(err) == db.ErrNotFound {
			return nil
		} else if err != nil {
			return common.Wrap(err)
		}
		root.SetBytes(v)
		return nil
	})
	return root, err
}

func getAccount(sto *pebble.Storage, id common.AccountID) (*common.Account, error) {
	v, err := sto.Get(concatKey(PrefixKeyAccount, id.Bytes()))
	if common.Unwrap(err) == db.ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	if len(v) == 0 {
		return nil, nil
	}
	var rec accountRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, common.Wrap(err)
	}
	acc := common.NewAccount(rec.Address)
	acc.PubKeyHash = rec.PubKeyHash
	acc.Nonce = rec.Nonce
	err = sto.WithPrefix(concatKey(PrefixKeyBalance, id.Bytes())).Iterate(
		func(k, v []byte) (bool, error) {
			if len(v) == 0 {
				return true, nil
			}
			token, err := common.TokenIDFromBytes(k)
			if err != nil {
				return false, err
			}
			acc.SetBalance(token, new(big.Int).SetBytes(v))
			return true, nil
		})
	if err != nil {
		return nil, common.Wrap(err)
	}
	return acc, nil
}

// CommittedNonce returns the nonce of the account in the last checkpoint.
// Read errors are logged and reported as a missing account.
func (s *StateDB) CommittedNonce(id common.AccountID) (common.Nonce, bool) {
	acc, ok, err := s.LastGetAccount(id)
	if err != nil {
		log.Warnw("StateDB: reading committed nonce", "account", id, "err", err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	return acc.Nonce, true
}
