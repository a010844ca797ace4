package txprocessor

import (
	"fmt"
	"math/big"

	"zkrollup-node/common"
)

var one = big.NewInt(1)

// opUpdates records in v the updates of an already validated op, in
// canonical order: creations, debits, credits and the fee credit last.  It
// is shared by the live execution and the replay of pubdata, so it only
// relies on the fields encoded in the pubdata.  It returns the collected
// fee, if any.
func opUpdates(v *stateView, op common.Operation, feeAccount common.AccountID) (*CollectedFee, error) {
	var (
		feeToken common.TokenID
		fee      *big.Int
	)
	switch op := op.(type) {
	case *common.NoopOp:
		return nil, nil
	case *common.DepositOp:
		if _, ok := v.get(op.AccountID); !ok {
			if err := v.create(op.AccountID, op.Address); err != nil {
				return nil, err
			}
		}
		// a deposit cannot fail once on L1: one that would overflow the
		// balance is consumed and leaves the balance as it was
		err := v.credit(op.AccountID, op.Token, op.Amount)
		if err != nil && !common.IsKind(err, common.KindAmountsNotPackable) {
			return nil, err
		}
		return nil, nil
	case *common.TransferToNewOp:
		if err := v.create(op.ToID, op.To); err != nil {
			return nil, err
		}
		if err := v.debit(op.FromID, op.Token, new(big.Int).Add(op.Amount, op.Fee), true); err != nil {
			return nil, err
		}
		if err := v.credit(op.ToID, op.Token, op.Amount); err != nil {
			return nil, err
		}
		feeToken, fee = op.Token, op.Fee
	case *common.TransferOp:
		if err := v.debit(op.FromID, op.Token, new(big.Int).Add(op.Amount, op.Fee), true); err != nil {
			return nil, err
		}
		if err := v.credit(op.ToID, op.Token, op.Amount); err != nil {
			return nil, err
		}
		feeToken, fee = op.Token, op.Fee
	case *common.WithdrawOp:
		if err := v.debit(op.AccountID, op.Token, new(big.Int).Add(op.Amount, op.Fee), true); err != nil {
			return nil, err
		}
		feeToken, fee = op.Token, op.Fee
	case *common.CloseOp:
		acc, err := v.mustGet(op.AccountID)
		if err != nil {
			return nil, err
		}
		if !acc.IsEmpty() {
			return nil, common.NewOpError(common.KindAccountNotEmpty,
				"account %d holds tokens %v", op.AccountID, acc.Tokens())
		}
		// the pubkey hash is cleared first so that the Delete reverses
		// into an account equal to a fresh one
		if err := v.changePubKeyHash(op.AccountID, common.EmptyPubKeyHash, true); err != nil {
			return nil, err
		}
		if err := v.remove(op.AccountID); err != nil {
			return nil, err
		}
		return nil, nil
	case *common.FullExitOp:
		if op.Amount != nil && op.Amount.Sign() > 0 {
			if err := v.debit(op.AccountID, op.Token, op.Amount, false); err != nil {
				return nil, err
			}
		}
		return nil, nil
	case *common.ChangePubKeyOp:
		if err := v.changePubKeyHash(op.AccountID, op.NewPkHash, true); err != nil {
			return nil, err
		}
		if err := v.debit(op.AccountID, op.FeeToken, op.Fee, false); err != nil {
			return nil, err
		}
		feeToken, fee = op.FeeToken, op.Fee
	case *common.ForcedExitOp:
		if err := v.debit(op.InitiatorID, op.Token, op.Fee, true); err != nil {
			return nil, err
		}
		if err := v.debit(op.TargetID, op.Token, op.Amount, false); err != nil {
			return nil, err
		}
		feeToken, fee = op.Token, op.Fee
	case *common.MintNFTOp:
		if err := mintNFTUpdates(v, op); err != nil {
			return nil, err
		}
		feeToken, fee = op.FeeToken, op.Fee
	case *common.WithdrawNFTOp:
		if err := v.debit(op.InitiatorID, op.FeeToken, op.Fee, true); err != nil {
			return nil, err
		}
		acc, err := v.mustGet(op.InitiatorID)
		if err != nil {
			return nil, err
		}
		if acc.Balance(op.Token).Cmp(one) != 0 {
			return nil, common.NewOpError(common.KindNFTNotOwned,
				"account %d does not own token %d", op.InitiatorID, op.Token)
		}
		if err := v.debit(op.InitiatorID, op.Token, one, false); err != nil {
			return nil, err
		}
		feeToken, fee = op.FeeToken, op.Fee
	case *common.SwapOp:
		if err := v.debit(op.SubmitterID, op.FeeToken, op.Fee, true); err != nil {
			return nil, err
		}
		for i := 0; i < 2; i++ {
			bump := op.NonceMask&(1<<uint(i)) != 0
			if err := v.debit(op.Accounts[i], op.Tokens[i], op.Amounts[i], bump); err != nil {
				return nil, err
			}
		}
		// each recipient gets what the other side sold
		if err := v.credit(op.Recipients[0], op.Tokens[1], op.Amounts[1]); err != nil {
			return nil, err
		}
		if err := v.credit(op.Recipients[1], op.Tokens[0], op.Amounts[0]); err != nil {
			return nil, err
		}
		feeToken, fee = op.FeeToken, op.Fee
	default:
		return nil, common.Wrap(fmt.Errorf("unsupported operation %T", op))
	}

	if fee == nil || fee.Sign() == 0 {
		return nil, nil
	}
	if err := v.credit(feeAccount, feeToken, fee); err != nil {
		return nil, err
	}
	return &CollectedFee{Token: feeToken, Amount: new(big.Int).Set(fee)}, nil
}

// mintNFTUpdates takes the token id from the counter of the NFT storage
// account and the serial id from the counter of the creator
func mintNFTUpdates(v *stateView, op *common.MintNFTOp) error {
	if err := v.debit(op.CreatorID, op.FeeToken, op.Fee, true); err != nil {
		return err
	}
	creator, err := v.mustGet(op.CreatorID)
	if err != nil {
		return err
	}
	if _, err := v.mustGet(op.RecipientID); err != nil {
		return err
	}
	storage, err := v.mustGet(common.NFTStorageAccountID)
	if err != nil {
		return err
	}
	next := storage.Balance(common.NFTCounterTokenID)
	if !next.IsUint64() || next.Uint64() < uint64(common.MinNFTTokenID) ||
		next.Uint64() > uint64(common.MaxNFTTokenID) {
		return common.NewOpError(common.KindInvalidTokenID, "no NFT token id left")
	}
	token := common.TokenID(next.Uint64())
	serial := creator.Balance(common.NFTCounterTokenID)
	if !serial.IsUint64() || serial.Uint64() >= 1<<32 {
		return common.NewOpError(common.KindInvalidTokenID,
			"no serial id left for creator %d", op.CreatorID)
	}

	if err := v.credit(op.CreatorID, common.NFTCounterTokenID, one); err != nil {
		return err
	}
	if err := v.credit(common.NFTStorageAccountID, common.NFTCounterTokenID, one); err != nil {
		return err
	}
	v.mintNFT(common.NFT{
		TokenID:        token,
		CreatorID:      op.CreatorID,
		CreatorAddress: creator.Address,
		SerialID:       uint32(serial.Uint64()),
		ContentHash:    op.ContentHash,
	})
	return v.credit(op.RecipientID, token, one)
}
