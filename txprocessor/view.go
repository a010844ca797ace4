package txprocessor

import (
	"fmt"
	"math/big"

	"zkrollup-node/common"
	"zkrollup-node/database/statedb"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// stateView is a copy-on-read overlay over the AccountTree.  Every change is
// recorded as an AccountUpdate, the tree itself is never touched, so an op
// that fails half way leaves no trace.
type stateView struct {
	tree *statedb.AccountTree
	// accounts holds the accounts read or changed by the op, a nil value
	// is a deleted account
	accounts  map[common.AccountID]*common.Account
	byAddress map[ethCommon.Address]common.AccountID
	nfts      map[common.TokenID]*common.NFT
	nextID    common.AccountID
	updates   common.AccountUpdates
}

func newStateView(tree *statedb.AccountTree) *stateView {
	return &stateView{
		tree:      tree,
		accounts:  make(map[common.AccountID]*common.Account),
		byAddress: make(map[ethCommon.Address]common.AccountID),
		nfts:      make(map[common.TokenID]*common.NFT),
		nextID:    tree.NextFreeID,
		updates:   common.AccountUpdates{},
	}
}

func (v *stateView) get(id common.AccountID) (*common.Account, bool) {
	if acc, ok := v.accounts[id]; ok {
		return acc, acc != nil
	}
	acc, ok := v.tree.Get(id)
	if !ok {
		return nil, false
	}
	v.accounts[id] = acc
	return acc, true
}

func (v *stateView) mustGet(id common.AccountID) (*common.Account, error) {
	acc, ok := v.get(id)
	if !ok {
		return nil, common.NewOpError(common.KindAccountNotFound, "account %d does not exist", id)
	}
	return acc, nil
}

func (v *stateView) getByAddress(address ethCommon.Address) (common.AccountID, *common.Account, bool) {
	if id, ok := v.byAddress[address]; ok {
		acc, ok := v.get(id)
		return id, acc, ok
	}
	id, _, ok := v.tree.GetByAddress(address)
	if !ok {
		return 0, nil, false
	}
	acc, ok := v.get(id)
	return id, acc, ok
}

func (v *stateView) nft(token common.TokenID) (*common.NFT, bool) {
	if nft, ok := v.nfts[token]; ok {
		return nft, true
	}
	return v.tree.NFT(token)
}

// create allocates id, which must be the next free id, to address
func (v *stateView) create(id common.AccountID, address ethCommon.Address) error {
	if id != v.nextID {
		return common.Wrap(fmt.Errorf("%w: create of id %d, next free id is %d",
			statedb.ErrStaleUpdate, id, v.nextID))
	}
	if _, ok := v.get(id); ok {
		return common.Wrap(fmt.Errorf("%w: id %d", statedb.ErrAccountAlreadyExists, id))
	}
	v.accounts[id] = common.NewAccount(address)
	v.byAddress[address] = id
	v.nextID++
	v.updates = append(v.updates, common.NewCreateUpdate(id, address, 0))
	return nil
}

func (v *stateView) remove(id common.AccountID) error {
	acc, err := v.mustGet(id)
	if err != nil {
		return err
	}
	v.updates = append(v.updates, common.NewDeleteUpdate(id, acc.Address, acc.Nonce))
	v.accounts[id] = nil
	delete(v.byAddress, acc.Address)
	return nil
}

func (v *stateView) setBalance(id common.AccountID, acc *common.Account, token common.TokenID,
	balance *big.Int, nonce common.Nonce) {
	oldBalance := acc.Balance(token)
	oldNonce := acc.Nonce
	acc.SetBalance(token, balance)
	acc.Nonce = nonce
	v.updates = append(v.updates,
		common.NewBalanceUpdate(id, token, oldBalance, balance, oldNonce, nonce))
}

// debit subtracts amount from the balance of the token, bumping the nonce
// when requested.  A zero debit without nonce bump is a no-op.
func (v *stateView) debit(id common.AccountID, token common.TokenID, amount *big.Int,
	bumpNonce bool) error {
	acc, err := v.mustGet(id)
	if err != nil {
		return err
	}
	if amount.Sign() == 0 && !bumpNonce {
		return nil
	}
	balance := acc.Balance(token)
	if balance.Cmp(amount) < 0 {
		return common.NewOpError(common.KindInsufficientBalance,
			"account %d has %s of token %d, needs %s", id, balance, token, amount)
	}
	nonce := acc.Nonce
	if bumpNonce {
		nonce++
	}
	v.setBalance(id, acc, token, balance.Sub(balance, amount), nonce)
	return nil
}

// credit adds amount to the balance of the token.  A zero credit is a no-op.
func (v *stateView) credit(id common.AccountID, token common.TokenID, amount *big.Int) error {
	acc, err := v.mustGet(id)
	if err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	balance := acc.Balance(token)
	balance.Add(balance, amount)
	if balance.Cmp(common.MaxBalance) > 0 {
		return common.NewOpError(common.KindAmountsNotPackable,
			"balance of token %d of account %d overflows", token, id)
	}
	v.setBalance(id, acc, token, balance, acc.Nonce)
	return nil
}

func (v *stateView) changePubKeyHash(id common.AccountID, pkHash common.PubKeyHash,
	bumpNonce bool) error {
	acc, err := v.mustGet(id)
	if err != nil {
		return err
	}
	oldHash := acc.PubKeyHash
	oldNonce := acc.Nonce
	acc.PubKeyHash = pkHash
	if bumpNonce {
		acc.Nonce++
	}
	v.updates = append(v.updates,
		common.NewChangePubKeyHashUpdate(id, oldHash, pkHash, oldNonce, acc.Nonce))
	return nil
}

func (v *stateView) mintNFT(nft common.NFT) {
	v.nfts[nft.TokenID] = &nft
	v.updates = append(v.updates, common.NewMintNFTUpdate(nft))
}
