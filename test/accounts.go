package test

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"zkrollup-node/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/stretchr/testify/require"
)

// Account is a user with a zk key and an L1 key, used to build signed txs
// in tests
type Account struct {
	ID      common.AccountID
	SK      babyjub.PrivateKey
	EthKey  *ecdsa.PrivateKey
	Address ethCommon.Address
	PkHash  common.PubKeyHash
}

// NewAccount derives the keys of a test account from seed
func NewAccount(t *testing.T, seed byte) *Account {
	var sk babyjub.PrivateKey
	for i := range sk {
		sk[i] = seed + byte(i)
	}
	keyBytes := make([]byte, 32)
	keyBytes[31] = seed
	ethKey, err := ethCrypto.ToECDSA(keyBytes)
	require.NoError(t, err)
	pkHash, err := common.PubKeyHashFromPublicKey(sk.Public())
	require.NoError(t, err)
	return &Account{
		SK:      sk,
		EthKey:  ethKey,
		Address: ethCrypto.PubkeyToAddress(ethKey.PublicKey),
		PkHash:  pkHash,
	}
}

// Deposit returns a deposit priority op to the account
func (a *Account) Deposit(serialID uint64, token common.TokenID, amount int64) *common.PriorityOp {
	return &common.PriorityOp{
		SerialID: serialID,
		Data: &common.Deposit{
			From:   a.Address,
			Token:  token,
			Amount: big.NewInt(amount),
			To:     a.Address,
		},
		DeadlineBlock: common.RollupConstPriorityExpirationBlocks,
		EthHash:       ethCommon.BigToHash(new(big.Int).SetUint64(serialID + 1)),
	}
}

// ChangePubKey returns a signed ChangePubKey authorized with an L1 signature
func (a *Account) ChangePubKey(t *testing.T, nonce common.Nonce) *common.SignedTx {
	tx := &common.ChangePubKey{
		AccountID: a.ID,
		Account:   a.Address,
		NewPkHash: a.PkHash,
		Token:     0,
		Fee:       big.NewInt(0),
		Nonce:     nonce,
	}
	require.NoError(t, tx.SignEthAuth(func(msg []byte) ([]byte, error) {
		return common.SignEthMessage(a.EthKey, msg)
	}))
	common.SignTx(tx, &a.SK)
	return &common.SignedTx{Tx: tx}
}

// Transfer returns a signed transfer
func (a *Account) Transfer(to ethCommon.Address, token common.TokenID, amount, fee int64,
	nonce common.Nonce) *common.SignedTx {
	tx := &common.Transfer{
		AccountID: a.ID,
		From:      a.Address,
		To:        to,
		Token:     token,
		Amount:    big.NewInt(amount),
		Fee:       big.NewInt(fee),
		Nonce:     nonce,
	}
	common.SignTx(tx, &a.SK)
	return &common.SignedTx{Tx: tx}
}

// Withdraw returns a signed withdraw to the L1 address of the account
func (a *Account) Withdraw(token common.TokenID, amount, fee int64, nonce common.Nonce) *common.SignedTx {
	tx := &common.Withdraw{
		AccountID: a.ID,
		From:      a.Address,
		To:        a.Address,
		Token:     token,
		Amount:    big.NewInt(amount),
		Fee:       big.NewInt(fee),
		Nonce:     nonce,
	}
	common.SignTx(tx, &a.SK)
	return &common.SignedTx{Tx: tx}
}
