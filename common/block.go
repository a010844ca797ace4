package common

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
)

const blockNumBytesLen = 4

// BlockNum is the number of a rollup block
type BlockNum uint32

// Bytes returns a byte array of length 4 representing the BlockNum
func (bn BlockNum) Bytes() []byte {
	var blockNumBytes [blockNumBytesLen]byte
	binary.BigEndian.PutUint32(blockNumBytes[:], uint32(bn))
	return blockNumBytes[:]
}

// BlockNumFromBytes returns BlockNum from a []byte
func BlockNumFromBytes(b []byte) (BlockNum, error) {
	if len(b) != blockNumBytesLen {
		return 0,
			Wrap(fmt.Errorf("can not parse BlockNumFromBytes, bytes len %d, expected %d",
				len(b), blockNumBytesLen))
	}
	return BlockNum(binary.BigEndian.Uint32(b)), nil
}

// BigInt returns a *big.Int representing the BlockNum
func (bn BlockNum) BigInt() *big.Int {
	return big.NewInt(int64(bn))
}

// ExecutedTx is the outcome of executing a signed tx
type ExecutedTx struct {
	SignedTx SignedTx
	Success  bool
	// Op is nil when the tx failed
	Op         Operation
	FailCode   string
	FailReason string
	// BlockIndex is the position in the block, nil when the tx failed
	BlockIndex *uint32
	// BatchID is the id of the batch of the tx, 0 for single txs
	BatchID   int64
	CreatedAt time.Time
}

type executedTxJSON struct {
	SignedTx   SignedTx      `json:"tx"`
	Success    bool          `json:"success"`
	OpData     hexutil.Bytes `json:"op,omitempty"`
	FailCode   string        `json:"failCode,omitempty"`
	FailReason string        `json:"failReason,omitempty"`
	BlockIndex *uint32       `json:"blockIndex,omitempty"`
	BatchID    int64         `json:"batchId,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// MarshalJSON implements json.Marshaler.  The op is serialized as its pubdata.
func (e ExecutedTx) MarshalJSON() ([]byte, error) {
	aux := executedTxJSON{
		SignedTx:   e.SignedTx,
		Success:    e.Success,
		FailCode:   e.FailCode,
		FailReason: e.FailReason,
		BlockIndex: e.BlockIndex,
		BatchID:    e.BatchID,
		CreatedAt:  e.CreatedAt,
	}
	if e.Op != nil {
		aux.OpData = e.Op.PublicData()
	}
	return json.Marshal(aux)
}

// UnmarshalJSON implements json.Unmarshaler
func (e *ExecutedTx) UnmarshalJSON(b []byte) error {
	var aux executedTxJSON
	if err := json.Unmarshal(b, &aux); err != nil {
		return Wrap(err)
	}
	*e = ExecutedTx{
		SignedTx:   aux.SignedTx,
		Success:    aux.Success,
		FailCode:   aux.FailCode,
		FailReason: aux.FailReason,
		BlockIndex: aux.BlockIndex,
		BatchID:    aux.BatchID,
		CreatedAt:  aux.CreatedAt,
	}
	if len(aux.OpData) > 0 {
		op, _, err := DecodeOperation(aux.OpData)
		if err != nil {
			return err
		}
		e.Op = op
	}
	return nil
}

// ExecutedPriorityOp is the outcome of executing a priority op
type ExecutedPriorityOp struct {
	PriorityOp PriorityOp
	Op         Operation
	BlockIndex uint32
	CreatedAt  time.Time
}

type executedPriorityOpJSON struct {
	PriorityOp PriorityOp    `json:"priorityOp"`
	OpData     hexutil.Bytes `json:"op"`
	BlockIndex uint32        `json:"blockIndex"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// MarshalJSON implements json.Marshaler.  The op is serialized as its pubdata.
func (e ExecutedPriorityOp) MarshalJSON() ([]byte, error) {
	if e.Op == nil {
		return nil, Wrap(fmt.Errorf("executed priority op %d without op", e.PriorityOp.SerialID))
	}
	return json.Marshal(executedPriorityOpJSON{
		PriorityOp: e.PriorityOp,
		OpData:     e.Op.PublicData(),
		BlockIndex: e.BlockIndex,
		CreatedAt:  e.CreatedAt,
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (e *ExecutedPriorityOp) UnmarshalJSON(b []byte) error {
	var aux executedPriorityOpJSON
	if err := json.Unmarshal(b, &aux); err != nil {
		return Wrap(err)
	}
	op, _, err := DecodeOperation(aux.OpData)
	if err != nil {
		return err
	}
	*e = ExecutedPriorityOp{
		PriorityOp: aux.PriorityOp,
		Op:         op,
		BlockIndex: aux.BlockIndex,
		CreatedAt:  aux.CreatedAt,
	}
	return nil
}

// ExecutedOperation is either a successful tx or an executed priority op
type ExecutedOperation struct {
	Tx         *ExecutedTx         `json:"tx,omitempty"`
	PriorityOp *ExecutedPriorityOp `json:"priorityOp,omitempty"`
}

// Operation returns the executed op
func (e *ExecutedOperation) Operation() Operation {
	if e.PriorityOp != nil {
		return e.PriorityOp.Op
	}
	if e.Tx != nil {
		return e.Tx.Op
	}
	return nil
}

// Chunks returns the pubdata footprint of the executed op
func (e *ExecutedOperation) Chunks() int {
	if op := e.Operation(); op != nil {
		return op.Chunks()
	}
	return 0
}

// PendingBlock is the block under construction by the state keeper
type PendingBlock struct {
	Number                      BlockNum             `json:"number"`
	ChunksLeft                  int                  `json:"chunksLeft"`
	UnprocessedPriorityOpBefore uint64               `json:"unprocessedPriorityOpBefore"`
	Iteration                   int                  `json:"iteration"`
	SuccessOperations           []ExecutedOperation  `json:"successOperations"`
	FailedTxs                   []ExecutedTx         `json:"failedTxs"`
	CollectedFees               map[TokenID]*big.Int `json:"collectedFees"`
	AccountUpdates              AccountUpdates       `json:"accountUpdates"`
	// StoredAccountUpdates is the number of AccountUpdates already persisted
	StoredAccountUpdates int    `json:"storedAccountUpdates"`
	Timestamp            uint64 `json:"timestamp"`
	// FastProcessing forces the block to be sealed after the current iteration
	FastProcessing bool `json:"fastProcessing"`
}

// NewPendingBlock returns an empty pending block
func NewPendingBlock(number BlockNum, chunks int, unprocessedPriorityOp uint64,
	timestamp uint64) *PendingBlock {
	return &PendingBlock{
		Number:                      number,
		ChunksLeft:                  chunks,
		UnprocessedPriorityOpBefore: unprocessedPriorityOp,
		SuccessOperations:           []ExecutedOperation{},
		FailedTxs:                   []ExecutedTx{},
		CollectedFees:               make(map[TokenID]*big.Int),
		AccountUpdates:              AccountUpdates{},
		Timestamp:                   timestamp,
	}
}

// ChunksUsed returns the sum of the chunks of the successful operations
func (p *PendingBlock) ChunksUsed() int {
	used := 0
	for i := range p.SuccessOperations {
		used += p.SuccessOperations[i].Chunks()
	}
	return used
}

// SuccessOperationsHash returns the hash of the pubdata of the successful
// operations, used to compare pending blocks
func (p *PendingBlock) SuccessOperationsHash() ethCommon.Hash {
	h := sha256.New()
	for i := range p.SuccessOperations {
		if op := p.SuccessOperations[i].Operation(); op != nil {
			h.Write(op.PublicData()) //nolint:errcheck
		}
	}
	var out ethCommon.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Block is a sealed rollup block
type Block struct {
	Number       BlockNum            `json:"number"`
	OldRootHash  *big.Int            `json:"oldRootHash"`
	NewRootHash  *big.Int            `json:"newRootHash"`
	FeeAccount   AccountID           `json:"feeAccount"`
	Transactions []ExecutedOperation `json:"transactions"`
	// ProcessedPriorityOps is the [start, end) range of priority op serial ids
	ProcessedPriorityOps [2]uint64      `json:"processedPriorityOps"`
	Timestamp            uint64         `json:"timestamp"`
	BlockChunkSize       int            `json:"blockChunkSize"`
	Commitment           ethCommon.Hash `json:"commitment"`
}

// NumProcessedPriorityOps returns the number of priority ops of the block
func (b *Block) NumProcessedPriorityOps() uint64 {
	return b.ProcessedPriorityOps[1] - b.ProcessedPriorityOps[0]
}

// ChunksUsed returns the chunks taken by the operations, padding excluded
func (b *Block) ChunksUsed() int {
	used := 0
	for i := range b.Transactions {
		used += b.Transactions[i].Chunks()
	}
	return used
}

// Operations returns the executed operations in block order
func (b *Block) Operations() []Operation {
	ops := make([]Operation, 0, len(b.Transactions))
	for i := range b.Transactions {
		if op := b.Transactions[i].Operation(); op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

// PublicData returns the concatenated pubdata of the operations, padded
// with Noops to BlockChunkSize chunks
func (b *Block) PublicData() []byte {
	return BuildPubData(b.Operations(), b.BlockChunkSize)
}

// OnchainOpsHash returns the keccak chain of the pubdata of the ops the L1
// contract processes on execution
func (b *Block) OnchainOpsHash() ethCommon.Hash {
	h := ethCrypto.Keccak256Hash()
	for _, op := range b.Operations() {
		if IsOnchainOp(op.OpCode()) {
			h = ethCrypto.Keccak256Hash(h[:], op.PublicData())
		}
	}
	return h
}

// ComputeCommitment returns the commitment of the block
func (b *Block) ComputeCommitment() ethCommon.Hash {
	return BlockCommitment(b.Number, b.FeeAccount, b.OldRootHash, b.NewRootHash,
		b.Timestamp, b.PublicData())
}

// IsOnchainOp returns true for ops that the L1 contract processes on
// execution (priority op accounting and withdrawals)
func IsOnchainOp(code OpCode) bool {
	switch code {
	case OpDeposit, OpWithdraw, OpFullExit, OpForcedExit, OpWithdrawNFT:
		return true
	}
	return false
}

// BuildPubData concatenates the pubdata of ops and pads it with Noops to
// chunks chunks
func BuildPubData(ops []Operation, chunks int) []byte {
	pubdata := make([]byte, 0, chunks*ChunkBytes)
	for _, op := range ops {
		pubdata = append(pubdata, op.PublicData()...)
	}
	noop := (&NoopOp{}).PublicData()
	for len(pubdata) < chunks*ChunkBytes {
		pubdata = append(pubdata, noop...)
	}
	return pubdata
}

func be256(v *big.Int) []byte {
	out := make([]byte, 32) //nolint:gomnd
	if v != nil {
		v.FillBytes(out)
	}
	return out
}

// BlockCommitment computes the sha256 chain over the block header and its
// pubdata.  The top 3 bits are zeroed so that it fits in a field element.
func BlockCommitment(number BlockNum, feeAccount AccountID, oldRoot, newRoot *big.Int,
	timestamp uint64, pubdata []byte) ethCommon.Hash {
	h := sha256.Sum256(append(be256(number.BigInt()), be256(feeAccount.BigInt())...))
	h = sha256.Sum256(append(h[:], be256(oldRoot)...))
	h = sha256.Sum256(append(h[:], be256(newRoot)...))
	h = sha256.Sum256(append(h[:], be256(new(big.Int).SetUint64(timestamp))...))
	h = sha256.Sum256(append(h[:], pubdata...))
	h[0] &= 0x1f
	return ethCommon.Hash(h)
}

// BlockCommitRequest is emitted by the state keeper for every sealed block
type BlockCommitRequest struct {
	Block          Block
	AccountUpdates AccountUpdates
}
