package statedb

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	"zkrollup-node/common"
	"zkrollup-node/smt"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

const (
	// AccountTreeDepth is the depth of the account tree, one leaf per
	// AccountID
	AccountTreeDepth = 32
	// BalanceTreeDepth is the depth of the balance subtree of an account,
	// one leaf per TokenID
	BalanceTreeDepth = 16
)

var (
	// ErrAccountAlreadyExists is used when creating an account on a live id
	ErrAccountAlreadyExists = fmt.Errorf("account already exists")
	// ErrAccountNotFound is used when updating an unknown account
	ErrAccountNotFound = fmt.Errorf("account not found")
	// ErrStaleUpdate is used when an update does not start from the current
	// state of the account
	ErrStaleUpdate = fmt.Errorf("update does not match the current state")

	emptyBalanceLeafOnce sync.Once
	emptyBalanceLeaf     *big.Int
	emptyBalanceLeafErr  error
)

func balanceLeaf(balance *big.Int) (*big.Int, error) {
	h, err := poseidon.Hash([]*big.Int{balance})
	if err != nil {
		return nil, common.Wrap(err)
	}
	return h, nil
}

func getEmptyBalanceLeaf() (*big.Int, error) {
	emptyBalanceLeafOnce.Do(func() {
		emptyBalanceLeaf, emptyBalanceLeafErr = balanceLeaf(big.NewInt(0))
	})
	return emptyBalanceLeaf, emptyBalanceLeafErr
}

func newBalanceTree() (*smt.Tree, error) {
	empty, err := getEmptyBalanceLeaf()
	if err != nil {
		return nil, err
	}
	return smt.NewTree(BalanceTreeDepth, empty)
}

// AccountLeafHash returns the account tree leaf of an account with the given
// balance subtree root
func AccountLeafHash(acc *common.Account, balanceRoot *big.Int) (*big.Int, error) {
	h, err := poseidon.Hash([]*big.Int{
		new(big.Int).SetBytes(acc.Address[:]),
		acc.PubKeyHash.BigInt(),
		acc.Nonce.BigInt(),
		balanceRoot,
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	return h, nil
}

// TreeCache is the snapshot of the computed hashes of an AccountTree
type TreeCache struct {
	Accounts *smt.Internals                      `json:"accounts"`
	Balances map[common.AccountID]*smt.Internals `json:"balances"`
}

// AccountTree is the state of the rollup: the accounts with their balance
// subtrees, the NFT registry and the account id counter.  It is owned by a
// single goroutine.
type AccountTree struct {
	accounts  map[common.AccountID]*common.Account
	balances  map[common.AccountID]*smt.Tree
	byAddress map[ethCommon.Address]common.AccountID
	nfts      map[common.TokenID]*common.NFT
	tree      *smt.Tree
	// NextFreeID is the id assigned to the next created account
	NextFreeID common.AccountID
}

// NewAccountTree returns an empty tree
func NewAccountTree() (*AccountTree, error) {
	tree, err := smt.NewTree(AccountTreeDepth, big.NewInt(0))
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &AccountTree{
		accounts:  make(map[common.AccountID]*common.Account),
		balances:  make(map[common.AccountID]*smt.Tree),
		byAddress: make(map[ethCommon.Address]common.AccountID),
		nfts:      make(map[common.TokenID]*common.NFT),
		tree:      tree,
	}, nil
}

// NewGenesisAccountTree returns the tree of block 0: the fee account owned by
// feeAddress and the NFT storage account holding the first NFT id
func NewGenesisAccountTree(feeAddress ethCommon.Address) (*AccountTree, error) {
	t, err := NewAccountTree()
	if err != nil {
		return nil, err
	}
	if err := t.Insert(common.FeeAccountID, common.NewAccount(feeAddress)); err != nil {
		return nil, err
	}
	storage := common.NewAccount(common.NFTStorageAccountAddress)
	storage.SetBalance(common.NFTCounterTokenID, big.NewInt(int64(common.MinNFTTokenID)))
	if err := t.Insert(common.NFTStorageAccountID, storage); err != nil {
		return nil, err
	}
	t.NextFreeID = common.FeeAccountID + 1
	return t, nil
}

// Get returns a copy of the account, false when absent
func (t *AccountTree) Get(id common.AccountID) (*common.Account, bool) {
	acc, ok := t.accounts[id]
	if !ok {
		return nil, false
	}
	return acc.Copy(), true
}

// GetByAddress returns the account owned by address
func (t *AccountTree) GetByAddress(address ethCommon.Address) (common.AccountID, *common.Account, bool) {
	id, ok := t.byAddress[address]
	if !ok {
		return 0, nil, false
	}
	acc, ok := t.Get(id)
	return id, acc, ok
}

// Len returns the number of live accounts
func (t *AccountTree) Len() int {
	return len(t.accounts)
}

// IDs returns the ids of the live accounts, sorted
func (t *AccountTree) IDs() []common.AccountID {
	ids := make([]common.AccountID, 0, len(t.accounts))
	for id := range t.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NFT returns the metadata of a minted NFT
func (t *AccountTree) NFT(token common.TokenID) (*common.NFT, bool) {
	nft, ok := t.nfts[token]
	if !ok {
		return nil, false
	}
	cpy := *nft
	return &cpy, true
}

// NFTs returns the metadata of every minted NFT, sorted by token
func (t *AccountTree) NFTs() []common.NFT {
	nfts := make([]common.NFT, 0, len(t.nfts))
	for _, nft := range t.nfts {
		nfts = append(nfts, *nft)
	}
	sort.Slice(nfts, func(i, j int) bool { return nfts[i].TokenID < nfts[j].TokenID })
	return nfts
}

func (t *AccountTree) setLeaf(id common.AccountID) error {
	acc := t.accounts[id]
	root, err := t.balances[id].Root()
	if err != nil {
		return err
	}
	leaf, err := AccountLeafHash(acc, root)
	if err != nil {
		return err
	}
	return t.tree.Set(uint64(id), leaf)
}

func (t *AccountTree) setBalanceLeaf(id common.AccountID, token common.TokenID, balance *big.Int) error {
	leaf, err := balanceLeaf(balance)
	if err != nil {
		return err
	}
	return t.balances[id].Set(uint64(token), leaf)
}

// Insert stores the account at id, replacing any previous account
func (t *AccountTree) Insert(id common.AccountID, acc *common.Account) error {
	acc = acc.Copy()
	old, exists := t.accounts[id]
	if !exists {
		bt, err := newBalanceTree()
		if err != nil {
			return err
		}
		t.balances[id] = bt
	} else {
		if old.Address != acc.Address {
			delete(t.byAddress, old.Address)
		}
		for _, token := range old.Tokens() {
			if acc.Balance(token).Sign() == 0 {
				if err := t.setBalanceLeaf(id, token, big.NewInt(0)); err != nil {
					return err
				}
			}
		}
	}
	for _, token := range acc.Tokens() {
		if err := t.setBalanceLeaf(id, token, acc.Balances[token]); err != nil {
			return err
		}
	}
	t.accounts[id] = acc
	t.byAddress[acc.Address] = id
	return t.setLeaf(id)
}

// Remove deletes the account at id, if any
func (t *AccountTree) Remove(id common.AccountID) error {
	acc, ok := t.accounts[id]
	if !ok {
		return nil
	}
	if t.byAddress[acc.Address] == id {
		delete(t.byAddress, acc.Address)
	}
	delete(t.accounts, id)
	delete(t.balances, id)
	return t.tree.Remove(uint64(id))
}

// RootHash returns the root of the account tree
func (t *AccountTree) RootHash() (*big.Int, error) {
	return t.tree.Root()
}

// MerklePath returns the path of the account leaf to the root
func (t *AccountTree) MerklePath(id common.AccountID) ([]*big.Int, error) {
	return t.tree.MerklePath(uint64(id))
}

// BalancePath returns the path of a balance leaf to the balance subtree root
// of the account
func (t *AccountTree) BalancePath(id common.AccountID, token common.TokenID) ([]*big.Int, error) {
	bt, ok := t.balances[id]
	if !ok {
		return nil, common.Wrap(ErrAccountNotFound)
	}
	return bt.MerklePath(uint64(token))
}

// Apply applies a single update, checking that it starts from the current
// state of the account
func (t *AccountTree) Apply(u common.AccountUpdate) error {
	switch u.Kind {
	case common.UpdateCreate:
		if _, ok := t.accounts[u.AccountID]; ok {
			return common.Wrap(fmt.Errorf("%w: id %d", ErrAccountAlreadyExists, u.AccountID))
		}
		acc := common.NewAccount(u.Address)
		acc.Nonce = u.Nonce
		if err := t.Insert(u.AccountID, acc); err != nil {
			return err
		}
		if u.AccountID >= t.NextFreeID && u.AccountID != common.NFTStorageAccountID {
			t.NextFreeID = u.AccountID + 1
		}
		return nil
	case common.UpdateDelete:
		acc, ok := t.accounts[u.AccountID]
		if !ok {
			return common.Wrap(fmt.Errorf("%w: id %d", ErrAccountNotFound, u.AccountID))
		}
		if acc.Address != u.Address {
			return common.Wrap(fmt.Errorf("%w: delete of account %d owned by %s",
				ErrStaleUpdate, u.AccountID, acc.Address.Hex()))
		}
		return t.Remove(u.AccountID)
	case common.UpdateBalance:
		acc, ok := t.accounts[u.AccountID]
		if !ok {
			return common.Wrap(fmt.Errorf("%w: id %d", ErrAccountNotFound, u.AccountID))
		}
		if acc.Nonce != u.OldNonce || acc.Balance(u.Token).Cmp(u.OldBalance) != 0 {
			return common.Wrap(fmt.Errorf("%w: %s", ErrStaleUpdate, u))
		}
		acc.SetBalance(u.Token, u.NewBalance)
		acc.Nonce = u.NewNonce
		if err := t.setBalanceLeaf(u.AccountID, u.Token, acc.Balance(u.Token)); err != nil {
			return err
		}
		return t.setLeaf(u.AccountID)
	case common.UpdateChangePubKeyHash:
		acc, ok := t.accounts[u.AccountID]
		if !ok {
			return common.Wrap(fmt.Errorf("%w: id %d", ErrAccountNotFound, u.AccountID))
		}
		if acc.Nonce != u.OldNonce || acc.PubKeyHash != u.OldPubKeyHash {
			return common.Wrap(fmt.Errorf("%w: %s", ErrStaleUpdate, u))
		}
		acc.PubKeyHash = u.NewPubKeyHash
		acc.Nonce = u.NewNonce
		return t.setLeaf(u.AccountID)
	case common.UpdateMintNFT:
		if u.NFT == nil {
			return common.Wrap(fmt.Errorf("mint update without nft"))
		}
		nft := *u.NFT
		t.nfts[nft.TokenID] = &nft
		return nil
	case common.UpdateRemoveNFT:
		if u.NFT == nil {
			return common.Wrap(fmt.Errorf("remove update without nft"))
		}
		delete(t.nfts, u.NFT.TokenID)
		return nil
	default:
		return common.Wrap(fmt.Errorf("unknown account update kind %q", u.Kind))
	}
}

// GetInternals returns the computed hashes of the tree
func (t *AccountTree) GetInternals() (*TreeCache, error) {
	accounts, err := t.tree.Internals()
	if err != nil {
		return nil, err
	}
	cache := &TreeCache{
		Accounts: accounts,
		Balances: make(map[common.AccountID]*smt.Internals, len(t.balances)),
	}
	for id, bt := range t.balances {
		in, err := bt.Internals()
		if err != nil {
			return nil, err
		}
		cache.Balances[id] = in
	}
	return cache, nil
}

// RestoreFromInternals loads the computed hashes of a tree whose accounts
// have been loaded with load.  The cache must contain the balance subtree of
// every account.
func (t *AccountTree) RestoreFromInternals(cache *TreeCache) error {
	if cache == nil || cache.Accounts == nil {
		return common.Wrap(fmt.Errorf("empty tree cache"))
	}
	if err := t.tree.RestoreFromInternals(cache.Accounts); err != nil {
		return err
	}
	for id := range t.accounts {
		in, ok := cache.Balances[id]
		if !ok {
			return common.Wrap(fmt.Errorf("tree cache without balances of account %d", id))
		}
		if err := t.balances[id].RestoreFromInternals(in); err != nil {
			return err
		}
	}
	return nil
}

// load stores the account without hashing it.  Used before
// RestoreFromInternals.
func (t *AccountTree) load(id common.AccountID, acc *common.Account) error {
	bt, err := newBalanceTree()
	if err != nil {
		return err
	}
	t.accounts[id] = acc.Copy()
	t.balances[id] = bt
	t.byAddress[acc.Address] = id
	return nil
}

// Copy returns a deep copy of the tree
func (t *AccountTree) Copy() *AccountTree {
	cpy := &AccountTree{
		accounts:   make(map[common.AccountID]*common.Account, len(t.accounts)),
		balances:   make(map[common.AccountID]*smt.Tree, len(t.balances)),
		byAddress:  make(map[ethCommon.Address]common.AccountID, len(t.byAddress)),
		nfts:       make(map[common.TokenID]*common.NFT, len(t.nfts)),
		tree:       t.tree.Copy(),
		NextFreeID: t.NextFreeID,
	}
	for id, acc := range t.accounts {
		cpy.accounts[id] = acc.Copy()
	}
	for id, bt := range t.balances {
		cpy.balances[id] = bt.Copy()
	}
	for addr, id := range t.byAddress {
		cpy.byAddress[addr] = id
	}
	for token, nft := range t.nfts {
		n := *nft
		cpy.nfts[token] = &n
	}
	return cpy
}
