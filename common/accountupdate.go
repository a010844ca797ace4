package common

import (
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// AccountUpdateKind is the kind of an AccountUpdate
type AccountUpdateKind string

const (
	// UpdateCreate creates an account
	UpdateCreate AccountUpdateKind = "Create"
	// UpdateDelete removes an account
	UpdateDelete AccountUpdateKind = "Delete"
	// UpdateBalance changes a balance and the nonce of an account
	UpdateBalance AccountUpdateKind = "UpdateBalance"
	// UpdateChangePubKeyHash changes the pubkey hash and the nonce of an
	// account
	UpdateChangePubKeyHash AccountUpdateKind = "ChangePubKeyHash"
	// UpdateMintNFT registers the metadata of an NFT
	UpdateMintNFT AccountUpdateKind = "MintNFT"
	// UpdateRemoveNFT removes the metadata of an NFT
	UpdateRemoveNFT AccountUpdateKind = "RemoveNFT"
)

// AccountUpdate is a single reversible change of the state.  Only the
// fields of its Kind are set.
type AccountUpdate struct {
	Kind      AccountUpdateKind `json:"kind"`
	AccountID AccountID         `json:"accountId"`
	// Create, Delete
	Address ethCommon.Address `json:"address,omitempty"`
	Nonce   Nonce             `json:"nonce,omitempty"`
	// UpdateBalance
	Token      TokenID  `json:"token,omitempty"`
	OldBalance *big.Int `json:"oldBalance,omitempty"`
	NewBalance *big.Int `json:"newBalance,omitempty"`
	// UpdateBalance, ChangePubKeyHash
	OldNonce Nonce `json:"oldNonce,omitempty"`
	NewNonce Nonce `json:"newNonce,omitempty"`
	// ChangePubKeyHash
	OldPubKeyHash PubKeyHash `json:"oldPubKeyHash,omitempty"`
	NewPubKeyHash PubKeyHash `json:"newPubKeyHash,omitempty"`
	// MintNFT, RemoveNFT
	NFT *NFT `json:"nft,omitempty"`
}

// NewCreateUpdate returns a Create update
func NewCreateUpdate(id AccountID, address ethCommon.Address, nonce Nonce) AccountUpdate {
	return AccountUpdate{Kind: UpdateCreate, AccountID: id, Address: address, Nonce: nonce}
}

// NewDeleteUpdate returns a Delete update
func NewDeleteUpdate(id AccountID, address ethCommon.Address, nonce Nonce) AccountUpdate {
	return AccountUpdate{Kind: UpdateDelete, AccountID: id, Address: address, Nonce: nonce}
}

// NewBalanceUpdate returns an UpdateBalance update
func NewBalanceUpdate(id AccountID, token TokenID, oldBalance, newBalance *big.Int,
	oldNonce, newNonce Nonce) AccountUpdate {
	return AccountUpdate{
		Kind:       UpdateBalance,
		AccountID:  id,
		Token:      token,
		OldBalance: new(big.Int).Set(oldBalance),
		NewBalance: new(big.Int).Set(newBalance),
		OldNonce:   oldNonce,
		NewNonce:   newNonce,
	}
}

// NewChangePubKeyHashUpdate returns a ChangePubKeyHash update
func NewChangePubKeyHashUpdate(id AccountID, oldHash, newHash PubKeyHash,
	oldNonce, newNonce Nonce) AccountUpdate {
	return AccountUpdate{
		Kind:          UpdateChangePubKeyHash,
		AccountID:     id,
		OldPubKeyHash: oldHash,
		NewPubKeyHash: newHash,
		OldNonce:      oldNonce,
		NewNonce:      newNonce,
	}
}

// NewMintNFTUpdate returns a MintNFT update
func NewMintNFTUpdate(nft NFT) AccountUpdate {
	return AccountUpdate{Kind: UpdateMintNFT, AccountID: nft.CreatorID, NFT: &nft}
}

// Reverse returns the update that undoes u
func (u AccountUpdate) Reverse() AccountUpdate {
	r := u
	switch u.Kind {
	case UpdateCreate:
		r.Kind = UpdateDelete
	case UpdateDelete:
		r.Kind = UpdateCreate
	case UpdateBalance:
		r.OldBalance, r.NewBalance = u.NewBalance, u.OldBalance
		r.OldNonce, r.NewNonce = u.NewNonce, u.OldNonce
	case UpdateChangePubKeyHash:
		r.OldPubKeyHash, r.NewPubKeyHash = u.NewPubKeyHash, u.OldPubKeyHash
		r.OldNonce, r.NewNonce = u.NewNonce, u.OldNonce
	case UpdateMintNFT:
		r.Kind = UpdateRemoveNFT
	case UpdateRemoveNFT:
		r.Kind = UpdateMintNFT
	}
	return r
}

// String returns a human readable representation of the update
func (u AccountUpdate) String() string {
	switch u.Kind {
	case UpdateCreate, UpdateDelete:
		return fmt.Sprintf("%s{id: %d, address: %s, nonce: %d}", u.Kind, u.AccountID,
			u.Address.Hex(), u.Nonce)
	case UpdateBalance:
		return fmt.Sprintf("%s{id: %d, token: %d, balance: %s -> %s, nonce: %d -> %d}", u.Kind,
			u.AccountID, u.Token, u.OldBalance, u.NewBalance, u.OldNonce, u.NewNonce)
	case UpdateChangePubKeyHash:
		return fmt.Sprintf("%s{id: %d, pkHash: %s -> %s, nonce: %d -> %d}", u.Kind, u.AccountID,
			u.OldPubKeyHash, u.NewPubKeyHash, u.OldNonce, u.NewNonce)
	default:
		return fmt.Sprintf("%s{id: %d, nft: %+v}", u.Kind, u.AccountID, u.NFT)
	}
}

// AccountUpdates is an ordered list of updates
type AccountUpdates []AccountUpdate

// Reverse returns the updates that undo us, in reverse order
func (us AccountUpdates) Reverse() AccountUpdates {
	out := make(AccountUpdates, len(us))
	for i, u := range us {
		out[len(us)-1-i] = u.Reverse()
	}
	return out
}

// BalanceDeltas returns the sum of balance changes per token
func (us AccountUpdates) BalanceDeltas() map[TokenID]*big.Int {
	deltas := make(map[TokenID]*big.Int)
	for _, u := range us {
		if u.Kind != UpdateBalance {
			continue
		}
		d, ok := deltas[u.Token]
		if !ok {
			d = big.NewInt(0)
			deltas[u.Token] = d
		}
		d.Add(d, new(big.Int).Sub(u.NewBalance, u.OldBalance))
	}
	return deltas
}
