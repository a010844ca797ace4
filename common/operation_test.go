package common

import (
	"math/big"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOperations() []Operation {
	addrA := ethCommon.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	addrB := ethCommon.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	content := ethCommon.HexToHash("0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20")
	return []Operation{
		&NoopOp{},
		&DepositOp{AccountID: 1, Token: 0, Amount: big.NewInt(1_000_000), Address: addrA},
		&TransferToNewOp{FromID: 1, Token: 3, Amount: big.NewInt(100), To: addrB, ToID: 2,
			Fee: big.NewInt(10)},
		&WithdrawOp{AccountID: 1, Token: 2, Amount: new(big.Int).Set(MaxBalance),
			Fee: big.NewInt(2047), To: addrA},
		&CloseOp{AccountID: 7},
		&TransferOp{FromID: 1, Token: 0, ToID: 2, Amount: big.NewInt(123450000),
			Fee: big.NewInt(15)},
		&FullExitOp{AccountID: 4, Owner: addrA, Token: 1, Amount: big.NewInt(77)},
		&ChangePubKeyOp{AccountID: 1, NewPkHash: PubKeyHash{1, 2, 3, 4, 5, 6, 7, 8, 9, 10,
			11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, Account: addrA, Nonce: 9, FeeToken: 1,
			Fee: big.NewInt(20)},
		&ForcedExitOp{InitiatorID: 3, TargetID: 4, Token: 1, Fee: big.NewInt(1),
			Amount: big.NewInt(500), Target: addrB},
		&MintNFTOp{CreatorID: 3, RecipientID: 5, ContentHash: content, FeeToken: 0,
			Fee: big.NewInt(1)},
		&WithdrawNFTOp{InitiatorID: 5, CreatorID: 3, CreatorAddress: addrA, SerialID: 2,
			ContentHash: content, To: addrB, Token: 1030, FeeToken: 0, Fee: big.NewInt(1)},
		&SwapOp{SubmitterID: 1, Accounts: [2]AccountID{2, 3}, Recipients: [2]AccountID{3, 2},
			Tokens: [2]TokenID{0, 1}, FeeToken: 0,
			Amounts: [2]*big.Int{big.NewInt(100), big.NewInt(200)}, Fee: big.NewInt(5),
			NonceMask: 0x03},
	}
}

func TestOperationLayout(t *testing.T) {
	expectedLen := map[OpCode]int{
		OpNoop: 8, OpDeposit: 43, OpTransferToNew: 38, OpWithdraw: 45, OpClose: 5,
		OpTransfer: 18, OpFullExit: 43, OpChangePubKey: 53, OpForcedExit: 49,
		OpMintNFT: 45, OpWithdrawNFT: 91, OpSwap: 40,
	}
	for _, op := range sampleOperations() {
		pubdata := op.PublicData()
		assert.Equal(t, op.Chunks()*ChunkBytes, len(pubdata), op.OpCode().String())
		assert.Equal(t, byte(op.OpCode()), pubdata[0])
		assert.GreaterOrEqual(t, op.Chunks()*ChunkBytes, expectedLen[op.OpCode()])
		// bytes after the layout are padding
		for _, b := range pubdata[expectedLen[op.OpCode()]:] {
			assert.Equal(t, byte(0), b, op.OpCode().String())
		}
	}
}

func TestOperationRoundTrip(t *testing.T) {
	for _, op := range sampleOperations() {
		pubdata := op.PublicData()
		decoded, n, err := DecodeOperation(pubdata)
		require.NoError(t, err, op.OpCode().String())
		assert.Equal(t, len(pubdata), n)
		assert.IsType(t, op, decoded)
		assert.Equal(t, pubdata, decoded.PublicData(), op.OpCode().String())
	}

	transfer := &TransferOp{FromID: 1, Token: 0, ToID: 2, Amount: big.NewInt(100),
		Fee: big.NewInt(10)}
	decoded, _, err := DecodeOperation(transfer.PublicData())
	require.NoError(t, err)
	dt := decoded.(*TransferOp)
	assert.Equal(t, AccountID(1), dt.FromID)
	assert.Equal(t, AccountID(2), dt.ToID)
	assert.Equal(t, 0, dt.Amount.Cmp(big.NewInt(100)))
	assert.Equal(t, 0, dt.Fee.Cmp(big.NewInt(10)))
}

func TestDecodePubData(t *testing.T) {
	ops := sampleOperations()[1:]
	chunks := 0
	for _, op := range ops {
		chunks += op.Chunks()
	}
	pubdata := BuildPubData(ops, chunks+4)
	assert.Equal(t, (chunks+4)*ChunkBytes, len(pubdata))

	decoded, err := DecodePubData(pubdata)
	require.NoError(t, err)
	require.Equal(t, len(ops)+4, len(decoded))
	for i, op := range ops {
		assert.Equal(t, op.PublicData(), decoded[i].PublicData())
	}
	for _, op := range decoded[len(ops):] {
		assert.Equal(t, OpNoop, op.OpCode())
	}
}

func TestDecodeMalformedPubData(t *testing.T) {
	_, _, err := DecodeOperation([]byte{0x42, 0, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err)

	// truncated deposit
	deposit := (&DepositOp{AccountID: 1, Amount: big.NewInt(1)}).PublicData()
	_, _, err = DecodeOperation(deposit[:20])
	assert.Error(t, err)

	// non-zero padding
	deposit[len(deposit)-1] = 1
	_, _, err = DecodeOperation(deposit)
	assert.Error(t, err)

	_, err = DecodePubData(make([]byte, 7))
	assert.Error(t, err)
}
