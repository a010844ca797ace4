package common

import (
	"encoding/json"
	"math/big"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxSignature(t *testing.T) {
	sk := babyjub.NewRandPrivKey()
	expectedHash, err := PubKeyHashFromPublicKey(sk.Public())
	require.NoError(t, err)

	tx := &Transfer{
		AccountID: 1,
		From:      ethCommon.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		To:        ethCommon.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
		Token:     0,
		Amount:    big.NewInt(100),
		Fee:       big.NewInt(10),
		Nonce:     1,
	}
	SignTx(tx, &sk)
	pkHash, err := tx.Signature.Verify(tx.SignBytes())
	require.NoError(t, err)
	assert.Equal(t, expectedHash, pkHash)

	// tampering the tx invalidates the signature
	tx.Amount = big.NewInt(101)
	_, err = tx.Signature.Verify(tx.SignBytes())
	assert.True(t, IsKind(err, KindSignatureInvalid))

	var missing *TxSignature
	_, err = missing.Verify(tx.SignBytes())
	assert.True(t, IsKind(err, KindSignatureInvalid))
}

func TestEthSignature(t *testing.T) {
	key, err := ethCrypto.GenerateKey()
	require.NoError(t, err)
	addr := ethCrypto.PubkeyToAddress(key.PublicKey)
	msg := []byte("register pubkey")
	sig, err := SignEthMessage(key, msg)
	require.NoError(t, err)
	assert.Equal(t, EthSignatureLen, len(sig))
	require.NoError(t, VerifyEthSignature(msg, sig, addr))

	other := ethCommon.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	err = VerifyEthSignature(msg, sig, other)
	assert.True(t, IsKind(err, KindSignatureInvalid))

	err = VerifyEthSignature(msg, sig[:10], addr)
	assert.True(t, IsKind(err, KindSignatureInvalid))
}

func TestTxCheckCorrectness(t *testing.T) {
	transfer := &Transfer{Token: 0, Amount: big.NewInt(100), Fee: big.NewInt(10)}
	require.NoError(t, transfer.CheckCorrectness())

	transfer.Amount = new(big.Int).Lsh(big.NewInt(1), 35)
	assert.True(t, IsKind(transfer.CheckCorrectness(), KindAmountsNotPackable))

	transfer.Amount = big.NewInt(100)
	transfer.Fee = big.NewInt(2049)
	assert.True(t, IsKind(transfer.CheckCorrectness(), KindAmountsNotPackable))

	nftTransfer := &Transfer{Token: MinNFTTokenID, Amount: big.NewInt(1), Fee: big.NewInt(1)}
	assert.True(t, IsKind(nftTransfer.CheckCorrectness(), KindTokenNotAcceptable))
	nftTransfer.Fee = big.NewInt(0)
	assert.NoError(t, nftTransfer.CheckCorrectness())

	withdraw := &Withdraw{Token: MinNFTTokenID, Amount: big.NewInt(1), Fee: big.NewInt(0)}
	assert.True(t, IsKind(withdraw.CheckCorrectness(), KindInvalidTokenID))

	cpk := &ChangePubKey{NewPkHash: PubKeyHash{1}, Fee: big.NewInt(0)}
	assert.True(t, IsKind(cpk.CheckCorrectness(), KindAuthNotFound))
	cpk.EthAuth = &ChangePubKeyAuth{Type: ChangePubKeyAuthOnchain}
	assert.NoError(t, cpk.CheckCorrectness())

	swap := &Swap{
		Orders: [2]Order{
			{AccountID: 2, TokenSell: 0, TokenBuy: 1,
				Ratio: [2]*big.Int{big.NewInt(1), big.NewInt(2)}},
			{AccountID: 2, TokenSell: 1, TokenBuy: 0,
				Ratio: [2]*big.Int{big.NewInt(2), big.NewInt(1)}},
		},
		Amounts: [2]*big.Int{big.NewInt(100), big.NewInt(200)},
		Fee:     big.NewInt(0),
	}
	assert.True(t, IsKind(swap.CheckCorrectness(), KindInvalidSwap))
	swap.Orders[1].AccountID = 3
	assert.NoError(t, swap.CheckCorrectness())
}

func TestSignedTxJSON(t *testing.T) {
	sk := babyjub.NewRandPrivKey()
	txs := []Tx{
		&Transfer{AccountID: 1, Token: 0, Amount: big.NewInt(100), Fee: big.NewInt(10), Nonce: 3,
			TimeRange: TimeRange{ValidFrom: 1, ValidUntil: 100}},
		&Withdraw{AccountID: 1, Token: 0, Amount: big.NewInt(7), Fee: big.NewInt(1)},
		&Close{AccountID: 4, Nonce: 2},
		&ChangePubKey{AccountID: 1, NewPkHash: PubKeyHash{9}, Fee: big.NewInt(0),
			EthAuth: &ChangePubKeyAuth{Type: ChangePubKeyAuthOnchain}},
		&ForcedExit{InitiatorID: 1, Token: 0, Fee: big.NewInt(1)},
		&MintNFT{CreatorID: 1, Fee: big.NewInt(1)},
		&WithdrawNFT{AccountID: 1, Token: MinNFTTokenID, Fee: big.NewInt(1)},
	}
	for _, tx := range txs {
		SignTx(tx, &sk)
		signed := SignedTx{Tx: tx, EthSignature: []byte{1, 2, 3}}
		data, err := json.Marshal(signed)
		require.NoError(t, err)
		var decoded SignedTx
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, tx.Type(), decoded.Tx.Type())
		assert.Equal(t, signed.Hash(), decoded.Hash())
		assert.Equal(t, signed.EthSignature, decoded.EthSignature)
		_, err = decoded.Tx.ZkSignature().Verify(decoded.Tx.SignBytes())
		assert.NoError(t, err)
	}
}

func TestTimeRange(t *testing.T) {
	r := TimeRange{ValidFrom: 10, ValidUntil: 20}
	assert.False(t, r.Contains(9))
	assert.True(t, r.Contains(10))
	assert.True(t, r.Contains(20))
	assert.False(t, r.Contains(21))
	assert.True(t, TimeRange{}.Contains(1<<62))
}

func TestParsePriorityOpData(t *testing.T) {
	sender := ethCommon.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	deposit := &Deposit{Token: 3, Amount: big.NewInt(1_000_000), To: sender}
	data, err := ParsePriorityOpData(OpDeposit, deposit.RequestPubData(), sender)
	require.NoError(t, err)
	parsed := data.(*Deposit)
	assert.Equal(t, TokenID(3), parsed.Token)
	assert.Equal(t, sender, parsed.From)
	assert.Equal(t, 0, parsed.Amount.Cmp(big.NewInt(1_000_000)))

	overflow := &Deposit{Token: 0, Amount: new(big.Int).Lsh(big.NewInt(1), 128), To: sender}
	_, err = ParsePriorityOpData(OpDeposit, overflow.RequestPubData(), sender)
	assert.True(t, IsKind(err, KindL1Permanent))

	fullExit := &FullExit{AccountID: 5, EthAddress: sender, Token: 2}
	data, err = ParsePriorityOpData(OpFullExit, fullExit.RequestPubData(), sender)
	require.NoError(t, err)
	assert.Equal(t, fullExit, data)

	_, err = ParsePriorityOpData(OpFullExit, []byte{1, 2}, sender)
	assert.True(t, IsKind(err, KindL1Permanent))
	_, err = ParsePriorityOpData(OpTransfer, nil, sender)
	assert.True(t, IsKind(err, KindL1Permanent))
}
