package txprocessor

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"zkrollup-node/common"
	"zkrollup-node/database/statedb"
	"zkrollup-node/log"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("debug", []string{"stdout"})
}

const testTimestamp = 1000

var feeAddress = ethCommon.HexToAddress("0xfee0000000000000000000000000000000000fee")

type testAccount struct {
	id      common.AccountID
	sk      babyjub.PrivateKey
	ethKey  *ecdsa.PrivateKey
	address ethCommon.Address
	pkHash  common.PubKeyHash
}

func newTestAccount(t *testing.T, seed byte) *testAccount {
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
	return &testAccount{
		sk:      sk,
		ethKey:  ethKey,
		address: ethCrypto.PubkeyToAddress(ethKey.PublicKey),
		pkHash:  pkHash,
	}
}

func newTestProcessor(t *testing.T) *TxProcessor {
	tree, err := statedb.NewGenesisAccountTree(feeAddress)
	require.NoError(t, err)
	return NewTxProcessor(tree, Config{FeeAccount: common.FeeAccountID})
}

func rootOf(t *testing.T, tp *TxProcessor) *big.Int {
	root, err := tp.Tree().RootHash()
	require.NoError(t, err)
	return root
}

func deposit(t *testing.T, tp *TxProcessor, to ethCommon.Address, token common.TokenID,
	amount int64) *OpSuccess {
	success, err := tp.ExecutePriorityOp(&common.PriorityOp{
		Data: &common.Deposit{To: to, Token: token, Amount: big.NewInt(amount)},
	})
	require.NoError(t, err)
	return success
}

func changePubKeyTx(t *testing.T, a *testAccount, nonce common.Nonce) *common.ChangePubKey {
	tx := &common.ChangePubKey{
		AccountID: a.id,
		Account:   a.address,
		NewPkHash: a.pkHash,
		Token:     0,
		Fee:       big.NewInt(0),
		Nonce:     nonce,
	}
	require.NoError(t, tx.SignEthAuth(func(msg []byte) ([]byte, error) {
		return common.SignEthMessage(a.ethKey, msg)
	}))
	common.SignTx(tx, &a.sk)
	return tx
}

// register deposits amount of token 0 and sets the pubkey hash
func register(t *testing.T, tp *TxProcessor, a *testAccount, amount int64) {
	deposit(t, tp, a.address, 0, amount)
	id, _, ok := tp.Tree().GetByAddress(a.address)
	require.True(t, ok)
	a.id = id
	_, err := tp.ExecuteTx(&common.SignedTx{Tx: changePubKeyTx(t, a, 0)}, testTimestamp)
	require.NoError(t, err)
}

func transferTx(from *testAccount, to ethCommon.Address, token common.TokenID, amount, fee int64,
	nonce common.Nonce) *common.Transfer {
	tx := &common.Transfer{
		AccountID: from.id,
		From:      from.address,
		To:        to,
		Token:     token,
		Amount:    big.NewInt(amount),
		Fee:       big.NewInt(fee),
		Nonce:     nonce,
	}
	common.SignTx(tx, &from.sk)
	return tx
}

func balance(t *testing.T, tp *TxProcessor, id common.AccountID, token common.TokenID) int64 {
	acc, ok := tp.Tree().Get(id)
	require.True(t, ok)
	return acc.Balance(token).Int64()
}

func nonce(t *testing.T, tp *TxProcessor, id common.AccountID) common.Nonce {
	acc, ok := tp.Tree().Get(id)
	require.True(t, ok)
	return acc.Nonce
}

func totalSupply(tp *TxProcessor, token common.TokenID) *big.Int {
	total := big.NewInt(0)
	for _, id := range tp.Tree().IDs() {
		acc, _ := tp.Tree().Get(id)
		total.Add(total, acc.Balance(token))
	}
	return total
}

// assertUpdatesReproduceRoot applies the updates to pre and compares the
// roots with the processor tree
func assertUpdatesReproduceRoot(t *testing.T, pre *statedb.AccountTree, tp *TxProcessor,
	updates common.AccountUpdates) {
	require.NoError(t, ApplyUpdates(pre, updates))
	preRoot, err := pre.RootHash()
	require.NoError(t, err)
	assert.Equal(t, 0, preRoot.Cmp(rootOf(t, tp)))
}

func TestDeposit(t *testing.T) {
	tp := newTestProcessor(t)
	a := newTestAccount(t, 1)

	success := deposit(t, tp, a.address, 0, 500)
	require.Equal(t, 2, len(success.Updates))
	assert.Equal(t, common.UpdateCreate, success.Updates[0].Kind)
	assert.Equal(t, common.AccountID(1), success.Updates[0].AccountID)
	assert.Equal(t, common.UpdateBalance, success.Updates[1].Kind)
	assert.Nil(t, success.Fee)
	op, ok := success.Executed.(*common.DepositOp)
	require.True(t, ok)
	assert.Equal(t, common.AccountID(1), op.AccountID)
	assert.Equal(t, common.AccountID(2), tp.Tree().NextFreeID)

	// known address, no creation
	success = deposit(t, tp, a.address, 3, 7)
	require.Equal(t, 1, len(success.Updates))
	assert.Equal(t, int64(500), balance(t, tp, 1, 0))
	assert.Equal(t, int64(7), balance(t, tp, 1, 3))
	assert.Equal(t, common.AccountID(2), tp.Tree().NextFreeID)
}

func TestTransfer(t *testing.T) {
	tp := newTestProcessor(t)
	a := newTestAccount(t, 1)
	b := newTestAccount(t, 2)
	register(t, tp, a, 1000)

	// b does not exist: TransferToNew
	pre := tp.Tree().Copy()
	success, err := tp.ExecuteTx(&common.SignedTx{Tx: transferTx(a, b.address, 0, 300, 10, 1)},
		testTimestamp)
	require.NoError(t, err)
	op, ok := success.Executed.(*common.TransferToNewOp)
	require.True(t, ok)
	assert.Equal(t, common.AccountID(2), op.ToID)
	kinds := []common.AccountUpdateKind{}
	ids := []common.AccountID{}
	for _, u := range success.Updates {
		kinds = append(kinds, u.Kind)
		ids = append(ids, u.AccountID)
	}
	assert.Equal(t, []common.AccountUpdateKind{common.UpdateCreate, common.UpdateBalance,
		common.UpdateBalance, common.UpdateBalance}, kinds)
	assert.Equal(t, []common.AccountID{2, a.id, 2, common.FeeAccountID}, ids)
	require.NotNil(t, success.Fee)
	assert.Equal(t, int64(10), success.Fee.Amount.Int64())
	assertUpdatesReproduceRoot(t, pre, tp, success.Updates)

	assert.Equal(t, int64(690), balance(t, tp, a.id, 0))
	assert.Equal(t, int64(300), balance(t, tp, 2, 0))
	assert.Equal(t, int64(10), balance(t, tp, common.FeeAccountID, 0))
	assert.Equal(t, common.Nonce(2), nonce(t, tp, a.id))

	// b exists now: Transfer
	success, err = tp.ExecuteTx(&common.SignedTx{Tx: transferTx(a, b.address, 0, 100, 0, 2)},
		testTimestamp)
	require.NoError(t, err)
	_, ok = success.Executed.(*common.TransferOp)
	assert.True(t, ok)
	assert.Nil(t, success.Fee)
	assert.Equal(t, int64(400), balance(t, tp, 2, 0))
}

func TestTransferFailuresLeaveStateUnchanged(t *testing.T) {
	tp := newTestProcessor(t)
	a := newTestAccount(t, 1)
	b := newTestAccount(t, 2)
	register(t, tp, a, 100)
	deposit(t, tp, b.address, 0, 100)
	b.id = 2
	root := rootOf(t, tp)
	nextID := tp.Tree().NextFreeID
	to := ethCommon.HexToAddress("0x1234")

	badSigner := transferTx(a, to, 0, 10, 0, 1)
	common.SignTx(badSigner, &b.sk)
	wrongFrom := transferTx(a, to, 0, 10, 0, 1)
	wrongFrom.From = b.address
	common.SignTx(wrongFrom, &a.sk)
	expired := transferTx(a, to, 0, 10, 0, 1)
	expired.TimeRange = common.TimeRange{ValidFrom: 0, ValidUntil: testTimestamp - 1}
	common.SignTx(expired, &a.sk)

	testCases := []struct {
		name string
		tx   common.Tx
		kind common.ErrorKind
	}{
		{"nonce", transferTx(a, to, 0, 10, 0, 5), common.KindNonceMismatch},
		{"balance", transferTx(a, to, 0, 100, 1, 1), common.KindInsufficientBalance},
		{"signer", badSigner, common.KindSignatureInvalid},
		{"from", wrongFrom, common.KindSignatureInvalid},
		{"time range", expired, common.KindTimeRangeInvalid},
		{"locked", transferTx(b, to, 0, 10, 0, 0), common.KindAccountLocked},
		{"unknown account", transferTx(&testAccount{id: 99, sk: a.sk}, to, 0, 1, 0, 0),
			common.KindAccountNotFound},
		{"counter token", transferTx(a, to, common.NFTCounterTokenID, 1, 0, 1),
			common.KindInvalidTokenID},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tp.ExecuteTx(&common.SignedTx{Tx: tc.tx}, testTimestamp)
			require.Error(t, err)
			assert.True(t, common.IsKind(err, tc.kind), err.Error())
			assert.Equal(t, 0, root.Cmp(rootOf(t, tp)))
			assert.Equal(t, nextID, tp.Tree().NextFreeID)
		})
	}
}

func TestTransferWithEthSignature(t *testing.T) {
	tp := newTestProcessor(t)
	a := newTestAccount(t, 1)
	b := newTestAccount(t, 2)
	register(t, tp, a, 100)

	tx := transferTx(a, b.address, 0, 10, 0, 1)
	hash := common.TxHash(tx)
	wrongSig, err := common.SignEthMessage(b.ethKey, hash[:])
	require.NoError(t, err)
	_, err = tp.ExecuteTx(&common.SignedTx{Tx: tx, EthSignature: wrongSig}, testTimestamp)
	assert.True(t, common.IsKind(err, common.KindSignatureInvalid))

	sig, err := common.SignEthMessage(a.ethKey, hash[:])
	require.NoError(t, err)
	_, err = tp.ExecuteTx(&common.SignedTx{Tx: tx, EthSignature: sig}, testTimestamp)
	require.NoError(t, err)
}

func TestBatchAtomicity(t *testing.T) {
	tp := newTestProcessor(t)
	a := newTestAccount(t, 1)
	b := newTestAccount(t, 2)
	register(t, tp, a, 100)
	root := rootOf(t, tp)
	nextID := tp.Tree().NextFreeID

	batch := &common.TxBatch{Txs: []common.SignedTx{
		{Tx: transferTx(a, b.address, 0, 10, 1, 1)},
		// insufficient balance
		{Tx: transferTx(a, b.address, 0, 1000, 1, 2)},
	}}
	_, err := tp.ExecuteBatch(batch, testTimestamp)
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindInsufficientBalance))
	assert.Contains(t, err.Error(), "batch tx #2")
	assert.Equal(t, 0, root.Cmp(rootOf(t, tp)))
	assert.Equal(t, nextID, tp.Tree().NextFreeID)
	assert.Equal(t, common.Nonce(1), nonce(t, tp, a.id))
	_, _, ok := tp.Tree().GetByAddress(b.address)
	assert.False(t, ok)

	batch.Txs[1] = common.SignedTx{Tx: transferTx(a, b.address, 0, 20, 1, 2)}
	successes, err := tp.ExecuteBatch(batch, testTimestamp)
	require.NoError(t, err)
	assert.Equal(t, 2, len(successes))
	assert.Equal(t, common.Nonce(3), nonce(t, tp, a.id))

	_, err = tp.ExecuteBatch(&common.TxBatch{}, testTimestamp)
	assert.True(t, common.IsKind(err, common.KindInvalidBatch))
}

func TestBatchEthSignature(t *testing.T) {
	tp := newTestProcessor(t)
	a := newTestAccount(t, 1)
	b := newTestAccount(t, 2)
	register(t, tp, a, 100)

	batch := &common.TxBatch{Txs: []common.SignedTx{
		{Tx: transferTx(a, b.address, 0, 10, 0, 1)},
	}}
	sig, err := common.SignEthMessage(b.ethKey, batch.SignBytes())
	require.NoError(t, err)
	batch.EthSignature = sig
	_, err = tp.ExecuteBatch(batch, testTimestamp)
	assert.True(t, common.IsKind(err, common.KindSignatureInvalid))

	sig, err = common.SignEthMessage(a.ethKey, batch.SignBytes())
	require.NoError(t, err)
	batch.EthSignature = sig
	_, err = tp.ExecuteBatch(batch, testTimestamp)
	require.NoError(t, err)
}

func TestWithdrawAndConservation(t *testing.T) {
	tp := newTestProcessor(t)
	a := newTestAccount(t, 1)
	b := newTestAccount(t, 2)
	register(t, tp, a, 1000)
	register(t, tp, b, 1000)
	deposit(t, tp, a.address, 5, 50)
	supply0 := totalSupply(tp, 0)
	supply5 := totalSupply(tp, 5)

	_, err := tp.ExecuteTx(&common.SignedTx{Tx: transferTx(a, b.address, 5, 20, 0, 1)}, testTimestamp)
	require.NoError(t, err)
	_, err = tp.ExecuteTx(&common.SignedTx{Tx: transferTx(b, a.address, 0, 300, 15, 1)}, testTimestamp)
	require.NoError(t, err)
	assert.Equal(t, 0, supply0.Cmp(totalSupply(tp, 0)))
	assert.Equal(t, 0, supply5.Cmp(totalSupply(tp, 5)))

	withdraw := &common.Withdraw{
		AccountID: a.id,
		From:      a.address,
		To:        a.address,
		Token:     0,
		Amount:    big.NewInt(100),
		Fee:       big.NewInt(5),
		Nonce:     2,
	}
	common.SignTx(withdraw, &a.sk)
	success, err := tp.ExecuteTx(&common.SignedTx{Tx: withdraw}, testTimestamp)
	require.NoError(t, err)
	op, ok := success.Executed.(*common.WithdrawOp)
	require.True(t, ok)
	assert.Equal(t, int64(100), op.Amount.Int64())
	// the withdrawn amount leaves the rollup, the fee stays
	expected := new(big.Int).Sub(supply0, big.NewInt(100))
	assert.Equal(t, 0, expected.Cmp(totalSupply(tp, 0)))
	deltas := success.Updates.BalanceDeltas()
	assert.Equal(t, int64(-100), deltas[0].Int64())
}

func TestReversibility(t *testing.T) {
	tp := newTestProcessor(t)
	genesisRoot := rootOf(t, tp)
	a := newTestAccount(t, 1)
	b := newTestAccount(t, 2)

	var all []common.AccountUpdates
	all = append(all, deposit(t, tp, a.address, 0, 1000).Updates)
	a.id = 1
	success, err := tp.ExecuteTx(&common.SignedTx{Tx: changePubKeyTx(t, a, 0)}, testTimestamp)
	require.NoError(t, err)
	all = append(all, success.Updates)
	success, err = tp.ExecuteTx(&common.SignedTx{Tx: transferTx(a, b.address, 0, 10, 2, 1)}, testTimestamp)
	require.NoError(t, err)
	all = append(all, success.Updates)

	for i := len(all) - 1; i >= 0; i-- {
		require.NoError(t, RevertUpdates(tp.Tree(), all[i]))
	}
	assert.Equal(t, 0, genesisRoot.Cmp(rootOf(t, tp)))
	assert.Equal(t, common.AccountID(1), tp.Tree().NextFreeID)
	assert.Equal(t, 2, tp.Tree().Len())
}

func TestFullExit(t *testing.T) {
	tp := newTestProcessor(t)
	a := newTestAccount(t, 1)
	register(t, tp, a, 70)

	fullExit := func(address ethCommon.Address, id common.AccountID) *OpSuccess {
		success, err := tp.ExecutePriorityOp(&common.PriorityOp{
			Data: &common.FullExit{AccountID: id, EthAddress: address, Token: 0},
		})
		require.NoError(t, err)
		return success
	}

	// not the owner
	success := fullExit(feeAddress, a.id)
	assert.Empty(t, success.Updates)
	assert.Equal(t, int64(0), success.Executed.(*common.FullExitOp).Amount.Int64())
	// no such account
	success = fullExit(a.address, 42)
	assert.Empty(t, success.Updates)

	success = fullExit(a.address, a.id)
	assert.Equal(t, int64(70), success.Executed.(*common.FullExitOp).Amount.Int64())
	assert.Equal(t, int64(0), balance(t, tp, a.id, 0))
	assert.Equal(t, common.Nonce(1), nonce(t, tp, a.id))
}

func TestForcedExit(t *testing.T) {
	tp := newTestProcessor(t)
	a := newTestAccount(t, 1)
	b := newTestAccount(t, 2)
	c := newTestAccount(t, 3)
	register(t, tp, a, 100)
	deposit(t, tp, b.address, 0, 40)
	register(t, tp, c, 10)

	forcedExit := func(target ethCommon.Address, nonce common.Nonce) *common.ForcedExit {
		tx := &common.ForcedExit{
			InitiatorID: a.id,
			Target:      target,
			Token:       0,
			Fee:         big.NewInt(3),
			Nonce:       nonce,
		}
		common.SignTx(tx, &a.sk)
		return tx
	}

	_, err := tp.ExecuteTx(&common.SignedTx{Tx: forcedExit(c.address, 1)}, testTimestamp)
	assert.True(t, common.IsKind(err, common.KindForcedExitNotAllowed))

	success, err := tp.ExecuteTx(&common.SignedTx{Tx: forcedExit(b.address, 1)}, testTimestamp)
	require.NoError(t, err)
	op := success.Executed.(*common.ForcedExitOp)
	assert.Equal(t, int64(40), op.Amount.Int64())
	assert.Equal(t, int64(97), balance(t, tp, a.id, 0))
	assert.Equal(t, int64(0), balance(t, tp, op.TargetID, 0))
	assert.Equal(t, int64(3), balance(t, tp, common.FeeAccountID, 0))

	_, err = tp.ExecuteTx(&common.SignedTx{Tx: forcedExit(b.address, 2)}, testTimestamp)
	assert.True(t, common.IsKind(err, common.KindInsufficientBalance))
}

type authFacts map[ethCommon.Address]map[common.Nonce]ethCommon.Hash

func (f authFacts) AuthFact(address ethCommon.Address, nonce common.Nonce) (ethCommon.Hash, bool) {
	fact, ok := f[address][nonce]
	return fact, ok
}

func TestChangePubKey(t *testing.T) {
	tp := newTestProcessor(t)
	a := newTestAccount(t, 1)
	b := newTestAccount(t, 2)
	deposit(t, tp, a.address, 0, 10)
	a.id = 1

	// authorization signed by someone else
	tx := changePubKeyTx(t, a, 0)
	require.NoError(t, tx.SignEthAuth(func(msg []byte) ([]byte, error) {
		return common.SignEthMessage(b.ethKey, msg)
	}))
	_, err := tp.ExecuteTx(&common.SignedTx{Tx: tx}, testTimestamp)
	assert.True(t, common.IsKind(err, common.KindSignatureInvalid))

	// onchain authorization
	onchain := changePubKeyTx(t, a, 0)
	onchain.EthAuth = &common.ChangePubKeyAuth{Type: common.ChangePubKeyAuthOnchain}
	onchain.Fee = big.NewInt(2)
	common.SignTx(onchain, &a.sk)
	_, err = tp.ExecuteTx(&common.SignedTx{Tx: onchain}, testTimestamp)
	assert.True(t, common.IsKind(err, common.KindAuthNotFound))

	tp.config.AuthFacts = authFacts{a.address: {0: authFactHash(a.pkHash)}}
	pre := tp.Tree().Copy()
	success, err := tp.ExecuteTx(&common.SignedTx{Tx: onchain}, testTimestamp)
	require.NoError(t, err)
	assertUpdatesReproduceRoot(t, pre, tp, success.Updates)
	acc, ok := tp.Tree().Get(a.id)
	require.True(t, ok)
	assert.Equal(t, a.pkHash, acc.PubKeyHash)
	assert.Equal(t, common.Nonce(1), acc.Nonce)
	assert.Equal(t, int64(8), acc.Balance(0).Int64())
}

func TestClose(t *testing.T) {
	tp := newTestProcessor(t)
	a := newTestAccount(t, 1)
	b := newTestAccount(t, 2)
	register(t, tp, a, 0)
	register(t, tp, b, 5)

	closeTx := func(acc *testAccount, nonce common.Nonce) *common.Close {
		tx := &common.Close{AccountID: acc.id, Account: acc.address, Nonce: nonce}
		common.SignTx(tx, &acc.sk)
		return tx
	}
	_, err := tp.ExecuteTx(&common.SignedTx{Tx: closeTx(b, 1)}, testTimestamp)
	assert.True(t, common.IsKind(err, common.KindAccountNotEmpty))

	root := rootOf(t, tp)
	success, err := tp.ExecuteTx(&common.SignedTx{Tx: closeTx(a, 1)}, testTimestamp)
	require.NoError(t, err)
	_, ok := tp.Tree().Get(a.id)
	assert.False(t, ok)
	_, _, ok = tp.Tree().GetByAddress(a.address)
	assert.False(t, ok)

	require.NoError(t, RevertUpdates(tp.Tree(), success.Updates))
	assert.Equal(t, 0, root.Cmp(rootOf(t, tp)))
}

func TestMintAndWithdrawNFT(t *testing.T) {
	tp := newTestProcessor(t)
	creator := newTestAccount(t, 1)
	owner := newTestAccount(t, 2)
	register(t, tp, creator, 100)
	register(t, tp, owner, 0)
	contentHash := ethCommon.HexToHash("0xc0ffee")

	mint := &common.MintNFT{
		CreatorID:      creator.id,
		CreatorAddress: creator.address,
		ContentHash:    contentHash,
		Recipient:      owner.address,
		Token:          0,
		Fee:            big.NewInt(10),
		Nonce:          1,
	}
	common.SignTx(mint, &creator.sk)
	pre := tp.Tree().Copy()
	success, err := tp.ExecuteTx(&common.SignedTx{Tx: mint}, testTimestamp)
	require.NoError(t, err)
	assertUpdatesReproduceRoot(t, pre, tp, success.Updates)

	token := common.MinNFTTokenID
	nft, ok := tp.Tree().NFT(token)
	require.True(t, ok)
	assert.Equal(t, creator.id, nft.CreatorID)
	assert.Equal(t, uint32(0), nft.SerialID)
	assert.Equal(t, contentHash, nft.ContentHash)
	assert.Equal(t, int64(1), balance(t, tp, owner.id, token))
	assert.Equal(t, int64(1), balance(t, tp, creator.id, common.NFTCounterTokenID))
	assert.Equal(t, int64(token)+1, balance(t, tp, common.NFTStorageAccountID, common.NFTCounterTokenID))
	assert.Equal(t, int64(90), balance(t, tp, creator.id, 0))

	withdrawNFT := func(nonce common.Nonce) *common.WithdrawNFT {
		tx := &common.WithdrawNFT{
			AccountID:  owner.id,
			From:       owner.address,
			To:         owner.address,
			Token:      token,
			FeeTokenID: 0,
			Fee:        big.NewInt(0),
			Nonce:      nonce,
		}
		common.SignTx(tx, &owner.sk)
		return tx
	}
	success, err = tp.ExecuteTx(&common.SignedTx{Tx: withdrawNFT(1)}, testTimestamp)
	require.NoError(t, err)
	op := success.Executed.(*common.WithdrawNFTOp)
	assert.Equal(t, creator.id, op.CreatorID)
	assert.Equal(t, creator.address, op.CreatorAddress)
	assert.Equal(t, contentHash, op.ContentHash)
	assert.Equal(t, int64(0), balance(t, tp, owner.id, token))

	_, err = tp.ExecuteTx(&common.SignedTx{Tx: withdrawNFT(2)}, testTimestamp)
	assert.True(t, common.IsKind(err, common.KindNFTNotOwned))
}

func TestSwap(t *testing.T) {
	tp := newTestProcessor(t)
	a := newTestAccount(t, 1)
	b := newTestAccount(t, 2)
	submitter := newTestAccount(t, 3)
	register(t, tp, a, 1000)
	register(t, tp, b, 0)
	register(t, tp, submitter, 50)
	deposit(t, tp, b.address, 1, 500)

	// a sells 1000 of token 0 at 2:1, b sells any amount of token 1 at 1:2
	orders := [2]common.Order{
		{
			AccountID:        a.id,
			RecipientAddress: a.address,
			Nonce:            1,
			TokenSell:        0,
			TokenBuy:         1,
			Ratio:            [2]*big.Int{big.NewInt(2), big.NewInt(1)},
			Amount:           big.NewInt(1000),
		},
		{
			AccountID:        b.id,
			RecipientAddress: b.address,
			Nonce:            1,
			TokenSell:        1,
			TokenBuy:         0,
			Ratio:            [2]*big.Int{big.NewInt(1), big.NewInt(2)},
			Amount:           big.NewInt(0),
		},
	}
	orders[0].Sign(&a.sk)
	orders[1].Sign(&b.sk)
	swap := func(amounts [2]int64) *common.Swap {
		tx := &common.Swap{
			SubmitterID:      submitter.id,
			SubmitterAddress: submitter.address,
			Orders:           orders,
			Amounts:          [2]*big.Int{big.NewInt(amounts[0]), big.NewInt(amounts[1])},
			Token:            0,
			Fee:              big.NewInt(5),
			Nonce:            1,
		}
		common.SignTx(tx, &submitter.sk)
		return tx
	}

	// b gives less than the price of a
	_, err := tp.ExecuteTx(&common.SignedTx{Tx: swap([2]int64{1000, 400})}, testTimestamp)
	assert.True(t, common.IsKind(err, common.KindInvalidSwap))
	// the amount of a is fixed
	_, err = tp.ExecuteTx(&common.SignedTx{Tx: swap([2]int64{500, 250})}, testTimestamp)
	assert.True(t, common.IsKind(err, common.KindInvalidSwap))

	supply0 := totalSupply(tp, 0)
	supply1 := totalSupply(tp, 1)
	success, err := tp.ExecuteTx(&common.SignedTx{Tx: swap([2]int64{1000, 500})}, testTimestamp)
	require.NoError(t, err)
	op := success.Executed.(*common.SwapOp)
	assert.Equal(t, byte(1), op.NonceMask)
	assert.Equal(t, int64(500), balance(t, tp, a.id, 1))
	assert.Equal(t, int64(1000), balance(t, tp, b.id, 0))
	assert.Equal(t, common.Nonce(2), nonce(t, tp, a.id))
	// partial fill keeps the nonce
	assert.Equal(t, common.Nonce(1), nonce(t, tp, b.id))
	assert.Equal(t, common.Nonce(2), nonce(t, tp, submitter.id))
	assert.Equal(t, 0, supply0.Cmp(totalSupply(tp, 0)))
	assert.Equal(t, 0, supply1.Cmp(totalSupply(tp, 1)))
}

func TestReplayOperation(t *testing.T) {
	tp := newTestProcessor(t)
	a := newTestAccount(t, 1)
	b := newTestAccount(t, 2)

	var ops []common.Operation
	exec := func(success *OpSuccess, err error) {
		require.NoError(t, err)
		ops = append(ops, success.Executed)
	}
	exec(tp.ExecutePriorityOp(&common.PriorityOp{
		Data: &common.Deposit{To: a.address, Token: 0, Amount: big.NewInt(1000)}}))
	a.id = 1
	exec(tp.ExecuteTx(&common.SignedTx{Tx: changePubKeyTx(t, a, 0)}, testTimestamp))
	exec(tp.ExecuteTx(&common.SignedTx{Tx: transferTx(a, b.address, 0, 100, 10, 1)}, testTimestamp))
	exec(tp.ExecuteTx(&common.SignedTx{Tx: transferTx(a, b.address, 0, 100, 10, 2)}, testTimestamp))
	mint := &common.MintNFT{CreatorID: a.id, CreatorAddress: a.address, Recipient: b.address,
		Token: 0, Fee: big.NewInt(1), Nonce: 3}
	common.SignTx(mint, &a.sk)
	exec(tp.ExecuteTx(&common.SignedTx{Tx: mint}, testTimestamp))
	exec(tp.ExecutePriorityOp(&common.PriorityOp{
		Data: &common.FullExit{AccountID: a.id, EthAddress: a.address, Token: 0}}))

	replayed := newTestProcessor(t)
	for _, op := range ops {
		decoded, _, err := common.DecodeOperation(op.PublicData())
		require.NoError(t, err)
		_, err = replayed.ReplayOperation(decoded, common.FeeAccountID)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, rootOf(t, tp).Cmp(rootOf(t, replayed)))
	assert.Equal(t, tp.Tree().NextFreeID, replayed.Tree().NextFreeID)
	assert.Equal(t, tp.Tree().NFTs(), replayed.Tree().NFTs())
}
