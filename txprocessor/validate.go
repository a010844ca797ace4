package txprocessor

import (
	"fmt"
	"math/big"

	"zkrollup-node/common"
)

// txToOp validates the tx over the view and returns the operation it
// executes as.  Balance checks are left to opUpdates.
func (tp *TxProcessor) txToOp(v *stateView, stx *common.SignedTx, timestamp uint64) (common.Operation, error) {
	if stx == nil || stx.Tx == nil {
		return nil, common.NewOpError(common.KindInvalidBatch, "empty tx")
	}
	tx := stx.Tx
	acc, err := tp.checkSigned(v, tx, timestamp)
	if err != nil {
		return nil, err
	}
	if len(stx.EthSignature) > 0 {
		hash := stx.Hash()
		if err := common.VerifyEthSignature(hash[:], stx.EthSignature, acc.Address); err != nil {
			return nil, err
		}
	}

	switch tx := tx.(type) {
	case *common.Transfer:
		if tx.From != acc.Address {
			return nil, fromMismatch(tx.AccountID)
		}
		// TransferToNew iff the recipient does not exist yet
		if toID, _, ok := v.getByAddress(tx.To); ok {
			return &common.TransferOp{
				FromID: tx.AccountID,
				Token:  tx.Token,
				ToID:   toID,
				Amount: new(big.Int).Set(tx.Amount),
				Fee:    new(big.Int).Set(tx.Fee),
			}, nil
		}
		return &common.TransferToNewOp{
			FromID: tx.AccountID,
			Token:  tx.Token,
			Amount: new(big.Int).Set(tx.Amount),
			To:     tx.To,
			ToID:   v.nextID,
			Fee:    new(big.Int).Set(tx.Fee),
		}, nil
	case *common.Withdraw:
		if tx.From != acc.Address {
			return nil, fromMismatch(tx.AccountID)
		}
		return &common.WithdrawOp{
			AccountID: tx.AccountID,
			Token:     tx.Token,
			Amount:    new(big.Int).Set(tx.Amount),
			Fee:       new(big.Int).Set(tx.Fee),
			To:        tx.To,
		}, nil
	case *common.Close:
		if tx.Account != acc.Address {
			return nil, fromMismatch(tx.AccountID)
		}
		if tx.AccountID == tp.config.FeeAccount || tx.AccountID == common.NFTStorageAccountID {
			return nil, common.NewOpError(common.KindAccountNotEmpty,
				"account %d is reserved", tx.AccountID)
		}
		return &common.CloseOp{AccountID: tx.AccountID}, nil
	case *common.ChangePubKey:
		if tx.Account != acc.Address {
			return nil, fromMismatch(tx.AccountID)
		}
		if err := tp.checkPubKeyAuth(tx, acc); err != nil {
			return nil, err
		}
		return &common.ChangePubKeyOp{
			AccountID: tx.AccountID,
			NewPkHash: tx.NewPkHash,
			Account:   tx.Account,
			Nonce:     tx.Nonce,
			FeeToken:  tx.Token,
			Fee:       new(big.Int).Set(tx.Fee),
		}, nil
	case *common.ForcedExit:
		targetID, target, ok := v.getByAddress(tx.Target)
		if !ok {
			return nil, common.NewOpError(common.KindAccountNotFound,
				"target %s does not exist", tx.Target.Hex())
		}
		if !target.PubKeyHash.IsZero() {
			return nil, common.NewOpError(common.KindForcedExitNotAllowed,
				"target account %d has a pubkey hash set", targetID)
		}
		amount := target.Balance(tx.Token)
		if amount.Sign() == 0 {
			return nil, common.NewOpError(common.KindInsufficientBalance,
				"target account %d has no balance of token %d", targetID, tx.Token)
		}
		return &common.ForcedExitOp{
			InitiatorID: tx.InitiatorID,
			TargetID:    targetID,
			Token:       tx.Token,
			Fee:         new(big.Int).Set(tx.Fee),
			Amount:      amount,
			Target:      tx.Target,
		}, nil
	case *common.MintNFT:
		if tx.CreatorAddress != acc.Address {
			return nil, fromMismatch(tx.CreatorID)
		}
		recipientID, _, ok := v.getByAddress(tx.Recipient)
		if !ok {
			return nil, common.NewOpError(common.KindAccountNotFound,
				"recipient %s does not exist", tx.Recipient.Hex())
		}
		return &common.MintNFTOp{
			CreatorID:   tx.CreatorID,
			RecipientID: recipientID,
			ContentHash: tx.ContentHash,
			FeeToken:    tx.Token,
			Fee:         new(big.Int).Set(tx.Fee),
		}, nil
	case *common.WithdrawNFT:
		if tx.From != acc.Address {
			return nil, fromMismatch(tx.AccountID)
		}
		nft, ok := v.nft(tx.Token)
		if !ok {
			return nil, common.NewOpError(common.KindInvalidTokenID, "NFT %d does not exist", tx.Token)
		}
		if acc.Balance(tx.Token).Sign() == 0 {
			return nil, common.NewOpError(common.KindNFTNotOwned,
				"account %d does not own token %d", tx.AccountID, tx.Token)
		}
		return &common.WithdrawNFTOp{
			InitiatorID:    tx.AccountID,
			CreatorID:      nft.CreatorID,
			CreatorAddress: nft.CreatorAddress,
			SerialID:       nft.SerialID,
			ContentHash:    nft.ContentHash,
			To:             tx.To,
			Token:          tx.Token,
			FeeToken:       tx.FeeTokenID,
			Fee:            new(big.Int).Set(tx.Fee),
		}, nil
	case *common.Swap:
		if tx.SubmitterAddress != acc.Address {
			return nil, fromMismatch(tx.SubmitterID)
		}
		return tp.swapOp(v, tx)
	default:
		return nil, common.Wrap(fmt.Errorf("unsupported tx %T", tx))
	}
}

func fromMismatch(id common.AccountID) error {
	return common.NewOpError(common.KindSignatureInvalid,
		"tx address does not match the owner of account %d", id)
}

// checkSigned runs the checks shared by every tx and returns the initiator
func (tp *TxProcessor) checkSigned(v *stateView, tx common.Tx, timestamp uint64) (*common.Account, error) {
	if err := tx.CheckCorrectness(); err != nil {
		return nil, err
	}
	acc, err := v.mustGet(tx.Initiator())
	if err != nil {
		return nil, err
	}
	expected := acc.PubKeyHash
	if cpk, ok := tx.(*common.ChangePubKey); ok {
		// signed with the new key
		expected = cpk.NewPkHash
	} else if acc.PubKeyHash.IsZero() {
		return nil, common.NewOpError(common.KindAccountLocked,
			"account %d has no pubkey hash set", tx.Initiator())
	}
	signer, err := tx.ZkSignature().Verify(tx.SignBytes())
	if err != nil {
		return nil, err
	}
	if signer != expected {
		return nil, common.NewOpError(common.KindSignatureInvalid,
			"tx signed by %s, expected %s", signer, expected)
	}
	if tx.TxNonce() != acc.Nonce {
		return nil, common.NewOpError(common.KindNonceMismatch,
			"tx nonce %d, account %d nonce %d", tx.TxNonce(), tx.Initiator(), acc.Nonce)
	}
	if !tx.Validity().Contains(timestamp) {
		r := tx.Validity()
		return nil, common.NewOpError(common.KindTimeRangeInvalid,
			"block timestamp %d out of [%d, %d]", timestamp, r.ValidFrom, r.ValidUntil)
	}
	return acc, nil
}

func (tp *TxProcessor) checkPubKeyAuth(tx *common.ChangePubKey, acc *common.Account) error {
	switch tx.EthAuth.Type {
	case common.ChangePubKeyAuthECDSA:
		return common.VerifyEthSignature(tx.EthAuthMessage(), tx.EthAuth.EthSignature, acc.Address)
	case common.ChangePubKeyAuthOnchain:
		if tp.config.AuthFacts == nil {
			return common.NewOpError(common.KindAuthNotFound, "onchain authorizations disabled")
		}
		fact, ok := tp.config.AuthFacts.AuthFact(acc.Address, tx.Nonce)
		if !ok {
			return common.NewOpError(common.KindAuthNotFound,
				"no authorization of %s for nonce %d", acc.Address.Hex(), tx.Nonce)
		}
		if fact != authFactHash(tx.NewPkHash) {
			return common.NewOpError(common.KindAuthNotFound,
				"authorization of %s for nonce %d is for another pubkey hash",
				acc.Address.Hex(), tx.Nonce)
		}
		return nil
	default:
		return common.NewOpError(common.KindAuthNotFound, "unknown eth auth type %q", tx.EthAuth.Type)
	}
}

// swapOp checks both orders.  Order i sells Amounts[i] of its TokenSell and
// accepts at least Amounts[i]*Ratio[1]/Ratio[0] of its TokenBuy.
func (tp *TxProcessor) swapOp(v *stateView, tx *common.Swap) (common.Operation, error) {
	op := &common.SwapOp{
		SubmitterID: tx.SubmitterID,
		FeeToken:    tx.Token,
		Fee:         new(big.Int).Set(tx.Fee),
	}
	for i := range tx.Orders {
		o := &tx.Orders[i]
		acc, err := v.mustGet(o.AccountID)
		if err != nil {
			return nil, err
		}
		if acc.PubKeyHash.IsZero() {
			return nil, common.NewOpError(common.KindAccountLocked,
				"account %d has no pubkey hash set", o.AccountID)
		}
		signer, err := o.Signature.Verify(o.SignBytes())
		if err != nil {
			return nil, err
		}
		if signer != acc.PubKeyHash {
			return nil, common.NewOpError(common.KindSignatureInvalid,
				"order %d signed by %s, expected %s", i, signer, acc.PubKeyHash)
		}
		if o.Nonce != acc.Nonce {
			return nil, common.NewOpError(common.KindNonceMismatch,
				"order %d nonce %d, account %d nonce %d", i, o.Nonce, o.AccountID, acc.Nonce)
		}
		recipientID, _, ok := v.getByAddress(o.RecipientAddress)
		if !ok {
			return nil, common.NewOpError(common.KindAccountNotFound,
				"recipient %s does not exist", o.RecipientAddress.Hex())
		}
		if !o.IsAnyAmount() && o.Amount.Cmp(tx.Amounts[i]) != 0 {
			return nil, common.NewOpError(common.KindInvalidSwap,
				"order %d amount %s, swapped %s", i, o.Amount, tx.Amounts[i])
		}
		op.Accounts[i] = o.AccountID
		op.Recipients[i] = recipientID
		op.Tokens[i] = o.TokenSell
		op.Amounts[i] = new(big.Int).Set(tx.Amounts[i])
		if !o.IsAnyAmount() && o.AccountID != tx.SubmitterID {
			op.NonceMask |= 1 << uint(i)
		}
	}

	o0, o1 := &tx.Orders[0], &tx.Orders[1]
	if o0.TokenBuy != o1.TokenSell || o1.TokenBuy != o0.TokenSell {
		return nil, common.NewOpError(common.KindInvalidSwap, "buy and sell tokens do not match")
	}
	// amounts[0] * ratio0[1] <= amounts[1] * ratio0[0] and symmetric
	for i := 0; i < 2; i++ {
		o := &tx.Orders[i]
		sold := new(big.Int).Mul(tx.Amounts[i], o.Ratio[1])
		bought := new(big.Int).Mul(tx.Amounts[1-i], o.Ratio[0])
		if sold.Cmp(bought) > 0 {
			return nil, common.NewOpError(common.KindInvalidSwap,
				"amounts do not satisfy the price of order %d", i)
		}
	}
	return op, nil
}
