/*
Package txprocessor is the state transition function of the rollup: it takes
priority operations, signed transactions and batches and applies them to the
AccountTree, producing the AccountUpdates and the executed Operation of each
one.

It's used by 2 other packages:

  - StateKeeper: executes the items proposed by the mempool over the live
    tree, and reverts batches that fail half way.
  - DataRestore: replays the operations decoded from the pubdata committed
    on L1 (ReplayOperation), without signatures.

Packages dependency overview:

	    +-----------+                 +-----------+
	    |StateKeeper|                 |DataRestore|
	    +-----+-----+                 +-----+-----+
	          |                             |
	          v                             v
	     ExecuteTx                   ReplayOperation
	     ExecuteBatch                       |
	     ExecutePriorityOp                  |
	          |                             |
	          +-------------+---------------+
	                        v
	                    opUpdates
	                        +
	                        |
	                        v
	                   AccountTree

Every execution works in two phases:
  - the item is validated and its updates are computed over a copy-on-read
    view of the tree. Nothing is written, so a failing item leaves the tree
    untouched.
  - the updates are applied to the tree in order. Applying the same updates
    to another copy of the tree gives the same root.

The updates of an op are emitted in a canonical order: creations, debits,
credits, and the fee credit to the fee account last.
*/
package txprocessor

import (
	"fmt"
	"math/big"

	"zkrollup-node/common"
	"zkrollup-node/database/statedb"
	"zkrollup-node/log"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
)

// AuthFactSource gives access to the pubkey change authorizations registered
// on L1 with setAuthPubkeyHash
type AuthFactSource interface {
	AuthFact(address ethCommon.Address, nonce common.Nonce) (ethCommon.Hash, bool)
}

// Config contains the TxProcessor configuration parameters
type Config struct {
	// FeeAccount receives the fees of the executed txs
	FeeAccount common.AccountID
	// AuthFacts is used to check Onchain ChangePubKey authorizations.  When
	// nil only ECDSA authorizations are accepted.
	AuthFacts AuthFactSource
}

// CollectedFee is the fee paid by an op
type CollectedFee struct {
	Token  common.TokenID
	Amount *big.Int
}

// OpSuccess is the result of a successful execution
type OpSuccess struct {
	// Fee is nil for ops without fee
	Fee      *CollectedFee
	Updates  common.AccountUpdates
	Executed common.Operation
}

// TxProcessor represents the TxProcessor object
type TxProcessor struct {
	tree   *statedb.AccountTree
	config Config
}

// NewTxProcessor returns a new TxProcessor over the tree
func NewTxProcessor(tree *statedb.AccountTree, config Config) *TxProcessor {
	return &TxProcessor{
		tree:   tree,
		config: config,
	}
}

// Tree returns the tree the TxProcessor works on
func (tp *TxProcessor) Tree() *statedb.AccountTree {
	return tp.tree
}

// SetFeeAccount changes the account that receives the fees
func (tp *TxProcessor) SetFeeAccount(id common.AccountID) {
	tp.config.FeeAccount = id
}

// ExecutePriorityOp executes a Deposit or a FullExit.  Priority ops can only
// fail on a corrupted state.
func (tp *TxProcessor) ExecutePriorityOp(pop *common.PriorityOp) (*OpSuccess, error) {
	v := newStateView(tp.tree)
	var op common.Operation
	switch data := pop.Data.(type) {
	case *common.Deposit:
		id, _, ok := v.getByAddress(data.To)
		if !ok {
			id = v.nextID
		}
		op = &common.DepositOp{
			AccountID: id,
			Token:     data.Token,
			Amount:    new(big.Int).Set(data.Amount),
			Address:   data.To,
		}
	case *common.FullExit:
		op = tp.fullExitOp(v, data)
	default:
		return nil, common.Wrap(fmt.Errorf("unsupported priority op %T", pop.Data))
	}
	return tp.commit(v, op)
}

// fullExitOp withdraws the whole balance, or nothing when the account does
// not exist or is not owned by the requester
func (tp *TxProcessor) fullExitOp(v *stateView, data *common.FullExit) *common.FullExitOp {
	op := &common.FullExitOp{
		AccountID: data.AccountID,
		Owner:     data.EthAddress,
		Token:     data.Token,
		Amount:    big.NewInt(0),
	}
	acc, ok := v.get(data.AccountID)
	if !ok || acc.Address != data.EthAddress || data.Token == common.NFTCounterTokenID {
		return op
	}
	op.Amount = acc.Balance(data.Token)
	return op
}

// ExecuteTx validates the tx against the current state and the block
// timestamp and applies it.  On error the state is unchanged and the error
// is an *common.OpError.
func (tp *TxProcessor) ExecuteTx(stx *common.SignedTx, timestamp uint64) (*OpSuccess, error) {
	v := newStateView(tp.tree)
	op, err := tp.txToOp(v, stx, timestamp)
	if err != nil {
		return nil, err
	}
	return tp.commit(v, op)
}

// ExecuteBatch executes the txs of the batch in order.  If any of them fails
// the already applied ones are reverted and the error of the first failing tx
// is returned.
func (tp *TxProcessor) ExecuteBatch(batch *common.TxBatch, timestamp uint64) ([]*OpSuccess, error) {
	if len(batch.Txs) == 0 {
		return nil, common.NewOpError(common.KindInvalidBatch, "empty batch")
	}
	if len(batch.EthSignature) > 0 {
		if err := tp.checkBatchSignature(batch); err != nil {
			return nil, err
		}
	}
	successes := make([]*OpSuccess, 0, len(batch.Txs))
	for i := range batch.Txs {
		success, err := tp.ExecuteTx(&batch.Txs[i], timestamp)
		if err != nil {
			for j := len(successes) - 1; j >= 0; j-- {
				if rerr := RevertUpdates(tp.tree, successes[j].Updates); rerr != nil {
					return nil, common.Wrap(fmt.Errorf("reverting batch: %w", rerr))
				}
			}
			return nil, batchError(i, err)
		}
		successes = append(successes, success)
	}
	return successes, nil
}

func batchError(i int, err error) error {
	if opErr, ok := common.AsOpError(err); ok {
		return &common.OpError{
			Kind:    opErr.Kind,
			Message: fmt.Sprintf("batch tx #%d failed: %s", i+1, opErr.Message),
		}
	}
	return common.Wrap(fmt.Errorf("batch tx #%d failed: %w", i+1, err))
}

// checkBatchSignature requires the L1 signature of the batch to be made by
// the owner of one of the initiators
func (tp *TxProcessor) checkBatchSignature(batch *common.TxBatch) error {
	signer, err := common.RecoverEthSigner(batch.SignBytes(), batch.EthSignature)
	if err != nil {
		return err
	}
	for i := range batch.Txs {
		acc, ok := tp.tree.Get(batch.Txs[i].Tx.Initiator())
		if ok && acc.Address == signer {
			return nil
		}
	}
	return common.NewOpError(common.KindSignatureInvalid,
		"batch signed by %s which initiates none of its txs", signer.Hex())
}

// ReplayOperation applies an operation decoded from committed pubdata, with
// fees credited to feeAccount.  No signature is checked.
func (tp *TxProcessor) ReplayOperation(op common.Operation, feeAccount common.AccountID) (*OpSuccess, error) {
	v := newStateView(tp.tree)
	fee, err := opUpdates(v, op, feeAccount)
	if err != nil {
		return nil, err
	}
	if err := ApplyUpdates(tp.tree, v.updates); err != nil {
		return nil, err
	}
	return &OpSuccess{Fee: fee, Updates: v.updates, Executed: op}, nil
}

func (tp *TxProcessor) commit(v *stateView, op common.Operation) (*OpSuccess, error) {
	fee, err := opUpdates(v, op, tp.config.FeeAccount)
	if err != nil {
		return nil, err
	}
	if err := ApplyUpdates(tp.tree, v.updates); err != nil {
		return nil, err
	}
	return &OpSuccess{Fee: fee, Updates: v.updates, Executed: op}, nil
}

// ApplyUpdates applies the updates in order.  If one of them can not be
// applied the previous ones are reverted.
func ApplyUpdates(tree *statedb.AccountTree, updates common.AccountUpdates) error {
	for i, u := range updates {
		if err := tree.Apply(u); err != nil {
			if rerr := RevertUpdates(tree, updates[:i]); rerr != nil {
				log.Errorw("TxProcessor: revert of partially applied updates", "err", rerr)
			}
			return common.Wrap(err)
		}
	}
	return nil
}

// RevertUpdates undoes the updates, which must be the last ones applied to
// the tree.  The ids of the reverted creations are released.
func RevertUpdates(tree *statedb.AccountTree, updates common.AccountUpdates) error {
	for _, u := range updates.Reverse() {
		if err := tree.Apply(u); err != nil {
			return common.Wrap(err)
		}
	}
	for _, u := range updates {
		if u.Kind == common.UpdateCreate && u.AccountID != common.NFTStorageAccountID &&
			u.AccountID < tree.NextFreeID {
			tree.NextFreeID = u.AccountID
		}
	}
	return nil
}

// authFactHash is the fact stored by the rollup contract for a pubkey hash
func authFactHash(pkHash common.PubKeyHash) ethCommon.Hash {
	return ethCrypto.Keccak256Hash(pkHash[:])
}
