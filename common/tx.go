package common

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/iden3/go-iden3-crypto/babyjub"
)

// TxType is the type of an off-chain transaction
type TxType string

const (
	// TxTypeTransfer moves funds between rollup accounts
	TxTypeTransfer TxType = "Transfer"
	// TxTypeWithdraw moves funds from a rollup account to an L1 address
	TxTypeWithdraw TxType = "Withdraw"
	// TxTypeClose removes an empty account
	TxTypeClose TxType = "Close"
	// TxTypeChangePubKey sets the zk public key hash of an account
	TxTypeChangePubKey TxType = "ChangePubKey"
	// TxTypeForcedExit withdraws the balance of an account without a zk key
	TxTypeForcedExit TxType = "ForcedExit"
	// TxTypeMintNFT mints an NFT
	TxTypeMintNFT TxType = "MintNFT"
	// TxTypeWithdrawNFT withdraws an NFT to L1
	TxTypeWithdrawNFT TxType = "WithdrawNFT"
	// TxTypeSwap exchanges tokens between two orders
	TxTypeSwap TxType = "Swap"
)

// TimeRange is the validity window of a tx, as unix timestamps.  A zero
// ValidUntil means the tx never expires.
type TimeRange struct {
	ValidFrom  uint64 `json:"validFrom"`
	ValidUntil uint64 `json:"validUntil"`
}

// Contains returns true when the timestamp is inside the validity window
func (r TimeRange) Contains(ts uint64) bool {
	return ts >= r.ValidFrom && (r.ValidUntil == 0 || ts <= r.ValidUntil)
}

// Bytes returns the 16 byte big-endian representation of the range
func (r TimeRange) Bytes() []byte {
	return append(u64Bytes(r.ValidFrom), u64Bytes(r.ValidUntil)...)
}

// Tx is an off-chain operation signed by the owner of an account
type Tx interface {
	Type() TxType
	// Initiator is the account that signs and pays for the tx
	Initiator() AccountID
	TxNonce() Nonce
	FeeToken() TokenID
	TxFee() *big.Int
	Validity() TimeRange
	// SignBytes is the canonical encoding signed by the zk key
	SignBytes() []byte
	ZkSignature() *TxSignature
	SetZkSignature(sig *TxSignature)
	// DeclaredChunks is the biggest pubdata footprint the tx can have
	DeclaredChunks() int
	// CheckCorrectness performs the stateless checks of the tx
	CheckCorrectness() error
}

// TxHash returns the hash of the tx canonical encoding
func TxHash(tx Tx) ethCommon.Hash {
	return ethCommon.Hash(sha256.Sum256(tx.SignBytes()))
}

// SignTx signs the tx with the zk private key
func SignTx(tx Tx, sk *babyjub.PrivateKey) {
	tx.SetZkSignature(NewTxSignature(sk, tx.SignBytes()))
}

func checkFee(feeToken TokenID, fee *big.Int) error {
	if fee == nil || fee.Sign() < 0 {
		return NewOpError(KindAmountsNotPackable, "fee is not set")
	}
	if !IsFeePackable(fee) {
		return NewOpError(KindAmountsNotPackable, "fee %s is not packable", fee)
	}
	if fee.Sign() > 0 && !feeToken.IsFungible() {
		return NewOpError(KindTokenNotAcceptable, "token %d can not be used to pay fees", feeToken)
	}
	return nil
}

func checkToken(token TokenID) error {
	if token == NFTCounterTokenID {
		return NewOpError(KindInvalidTokenID, "token %d is reserved", token)
	}
	return nil
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 || amount.Cmp(MaxBalance) > 0 {
		return NewOpError(KindAmountsNotPackable, "amount out of range")
	}
	return nil
}

// Transfer moves Amount of Token from AccountID to the account owning To
type Transfer struct {
	AccountID AccountID         `json:"accountId"`
	From      ethCommon.Address `json:"from"`
	To        ethCommon.Address `json:"to"`
	Token     TokenID           `json:"token"`
	Amount    *big.Int          `json:"amount"`
	Fee       *big.Int          `json:"fee"`
	Nonce     Nonce             `json:"nonce"`
	TimeRange TimeRange         `json:"timeRange"`
	Signature *TxSignature      `json:"signature"`
}

func (tx *Transfer) Type() TxType                    { return TxTypeTransfer }
func (tx *Transfer) Initiator() AccountID            { return tx.AccountID }
func (tx *Transfer) TxNonce() Nonce                  { return tx.Nonce }
func (tx *Transfer) FeeToken() TokenID               { return tx.Token }
func (tx *Transfer) TxFee() *big.Int                 { return tx.Fee }
func (tx *Transfer) Validity() TimeRange             { return tx.TimeRange }
func (tx *Transfer) ZkSignature() *TxSignature       { return tx.Signature }
func (tx *Transfer) SetZkSignature(sig *TxSignature) { tx.Signature = sig }

// DeclaredChunks is the footprint of a transfer to a new account
func (tx *Transfer) DeclaredChunks() int { return OpTransferToNew.Chunks() }

// SignBytes implements Tx
func (tx *Transfer) SignBytes() []byte {
	return concatBytes([]byte{byte(OpTransfer)}, tx.AccountID.Bytes(), tx.From[:], tx.To[:],
		tx.Token.Bytes(), packAmountBytes(tx.Amount), packFeeBytes(tx.Fee), tx.Nonce.Bytes(),
		tx.TimeRange.Bytes())
}

// CheckCorrectness implements Tx
func (tx *Transfer) CheckCorrectness() error {
	if err := checkToken(tx.Token); err != nil {
		return err
	}
	if tx.Amount == nil || !IsAmountPackable(tx.Amount) {
		return NewOpError(KindAmountsNotPackable, "amount %v is not packable", tx.Amount)
	}
	return checkFee(tx.Token, tx.Fee)
}

// Withdraw moves Amount of Token from AccountID to the L1 address To
type Withdraw struct {
	AccountID AccountID         `json:"accountId"`
	From      ethCommon.Address `json:"from"`
	To        ethCommon.Address `json:"to"`
	Token     TokenID           `json:"token"`
	Amount    *big.Int          `json:"amount"`
	Fee       *big.Int          `json:"fee"`
	Nonce     Nonce             `json:"nonce"`
	TimeRange TimeRange         `json:"timeRange"`
	Signature *TxSignature      `json:"signature"`
}

func (tx *Withdraw) Type() TxType                    { return TxTypeWithdraw }
func (tx *Withdraw) Initiator() AccountID            { return tx.AccountID }
func (tx *Withdraw) TxNonce() Nonce                  { return tx.Nonce }
func (tx *Withdraw) FeeToken() TokenID               { return tx.Token }
func (tx *Withdraw) TxFee() *big.Int                 { return tx.Fee }
func (tx *Withdraw) Validity() TimeRange             { return tx.TimeRange }
func (tx *Withdraw) ZkSignature() *TxSignature       { return tx.Signature }
func (tx *Withdraw) SetZkSignature(sig *TxSignature) { tx.Signature = sig }
func (tx *Withdraw) DeclaredChunks() int             { return OpWithdraw.Chunks() }

// SignBytes implements Tx
func (tx *Withdraw) SignBytes() []byte {
	return concatBytes([]byte{byte(OpWithdraw)}, tx.AccountID.Bytes(), tx.From[:], tx.To[:],
		tx.Token.Bytes(), uint128Bytes(tx.Amount), packFeeBytes(tx.Fee), tx.Nonce.Bytes(),
		tx.TimeRange.Bytes())
}

// CheckCorrectness implements Tx
func (tx *Withdraw) CheckCorrectness() error {
	if err := checkToken(tx.Token); err != nil {
		return err
	}
	if tx.Token.IsNFT() {
		return NewOpError(KindInvalidTokenID, "NFTs are withdrawn with WithdrawNFT")
	}
	if err := checkAmount(tx.Amount); err != nil {
		return err
	}
	return checkFee(tx.Token, tx.Fee)
}

// Close removes an account with no balances
type Close struct {
	AccountID AccountID         `json:"accountId"`
	Account   ethCommon.Address `json:"account"`
	Nonce     Nonce             `json:"nonce"`
	TimeRange TimeRange         `json:"timeRange"`
	Signature *TxSignature      `json:"signature"`
}

func (tx *Close) Type() TxType                    { return TxTypeClose }
func (tx *Close) Initiator() AccountID            { return tx.AccountID }
func (tx *Close) TxNonce() Nonce                  { return tx.Nonce }
func (tx *Close) FeeToken() TokenID               { return 0 }
func (tx *Close) TxFee() *big.Int                 { return big.NewInt(0) }
func (tx *Close) Validity() TimeRange             { return tx.TimeRange }
func (tx *Close) ZkSignature() *TxSignature       { return tx.Signature }
func (tx *Close) SetZkSignature(sig *TxSignature) { tx.Signature = sig }
func (tx *Close) DeclaredChunks() int             { return OpClose.Chunks() }
func (tx *Close) CheckCorrectness() error         { return nil }

// SignBytes implements Tx
func (tx *Close) SignBytes() []byte {
	return concatBytes([]byte{byte(OpClose)}, tx.AccountID.Bytes(), tx.Account[:],
		tx.Nonce.Bytes(), tx.TimeRange.Bytes())
}

// ChangePubKeyAuthType is the kind of L1 authorization of a pubkey change
type ChangePubKeyAuthType string

const (
	// ChangePubKeyAuthECDSA authorizes the change with a personal_sign signature
	ChangePubKeyAuthECDSA ChangePubKeyAuthType = "ECDSA"
	// ChangePubKeyAuthOnchain authorizes the change with a fact registered
	// in the rollup contract
	ChangePubKeyAuthOnchain ChangePubKeyAuthType = "Onchain"
)

// ChangePubKeyAuth is the L1 authorization of a pubkey change
type ChangePubKeyAuth struct {
	Type         ChangePubKeyAuthType `json:"type"`
	EthSignature hexutil.Bytes        `json:"ethSignature,omitempty"`
}

// ChangePubKey sets the zk public key hash of an account
type ChangePubKey struct {
	AccountID AccountID         `json:"accountId"`
	Account   ethCommon.Address `json:"account"`
	NewPkHash PubKeyHash        `json:"newPkHash"`
	Token     TokenID           `json:"feeToken"`
	Fee       *big.Int          `json:"fee"`
	Nonce     Nonce             `json:"nonce"`
	TimeRange TimeRange         `json:"timeRange"`
	EthAuth   *ChangePubKeyAuth `json:"ethAuthData"`
	Signature *TxSignature      `json:"signature"`
}

func (tx *ChangePubKey) Type() TxType                    { return TxTypeChangePubKey }
func (tx *ChangePubKey) Initiator() AccountID            { return tx.AccountID }
func (tx *ChangePubKey) TxNonce() Nonce                  { return tx.Nonce }
func (tx *ChangePubKey) FeeToken() TokenID               { return tx.Token }
func (tx *ChangePubKey) TxFee() *big.Int                 { return tx.Fee }
func (tx *ChangePubKey) Validity() TimeRange             { return tx.TimeRange }
func (tx *ChangePubKey) ZkSignature() *TxSignature       { return tx.Signature }
func (tx *ChangePubKey) SetZkSignature(sig *TxSignature) { tx.Signature = sig }
func (tx *ChangePubKey) DeclaredChunks() int             { return OpChangePubKey.Chunks() }

// SignBytes implements Tx
func (tx *ChangePubKey) SignBytes() []byte {
	return concatBytes([]byte{byte(OpChangePubKey)}, tx.AccountID.Bytes(), tx.Account[:],
		tx.NewPkHash[:], tx.Token.Bytes(), packFeeBytes(tx.Fee), tx.Nonce.Bytes(),
		tx.TimeRange.Bytes())
}

// EthAuthMessage is the message signed by the L1 key to authorize the change
func (tx *ChangePubKey) EthAuthMessage() []byte {
	return concatBytes(tx.NewPkHash[:], tx.Nonce.Bytes(), tx.AccountID.Bytes())
}

// SignEthAuth signs the L1 authorization
func (tx *ChangePubKey) SignEthAuth(sign func(msg []byte) ([]byte, error)) error {
	sig, err := sign(tx.EthAuthMessage())
	if err != nil {
		return Wrap(err)
	}
	tx.EthAuth = &ChangePubKeyAuth{Type: ChangePubKeyAuthECDSA, EthSignature: sig}
	return nil
}

// CheckCorrectness implements Tx
func (tx *ChangePubKey) CheckCorrectness() error {
	if tx.NewPkHash.IsZero() {
		return NewOpError(KindSignatureInvalid, "new pubkey hash is empty")
	}
	if tx.EthAuth == nil {
		return NewOpError(KindAuthNotFound, "missing eth authorization")
	}
	switch tx.EthAuth.Type {
	case ChangePubKeyAuthECDSA:
		if len(tx.EthAuth.EthSignature) != EthSignatureLen {
			return NewOpError(KindSignatureInvalid, "malformed eth signature")
		}
	case ChangePubKeyAuthOnchain:
	default:
		return NewOpError(KindAuthNotFound, "unknown eth auth type %q", tx.EthAuth.Type)
	}
	return checkFee(tx.Token, tx.Fee)
}

// ForcedExit withdraws the whole balance of Token of the account owning
// Target, which must not have a zk key set
type ForcedExit struct {
	InitiatorID AccountID         `json:"initiatorAccountId"`
	Target      ethCommon.Address `json:"target"`
	Token       TokenID           `json:"token"`
	Fee         *big.Int          `json:"fee"`
	Nonce       Nonce             `json:"nonce"`
	TimeRange   TimeRange         `json:"timeRange"`
	Signature   *TxSignature      `json:"signature"`
}

func (tx *ForcedExit) Type() TxType                    { return TxTypeForcedExit }
func (tx *ForcedExit) Initiator() AccountID            { return tx.InitiatorID }
func (tx *ForcedExit) TxNonce() Nonce                  { return tx.Nonce }
func (tx *ForcedExit) FeeToken() TokenID               { return tx.Token }
func (tx *ForcedExit) TxFee() *big.Int                 { return tx.Fee }
func (tx *ForcedExit) Validity() TimeRange             { return tx.TimeRange }
func (tx *ForcedExit) ZkSignature() *TxSignature       { return tx.Signature }
func (tx *ForcedExit) SetZkSignature(sig *TxSignature) { tx.Signature = sig }
func (tx *ForcedExit) DeclaredChunks() int             { return OpForcedExit.Chunks() }

// SignBytes implements Tx
func (tx *ForcedExit) SignBytes() []byte {
	return concatBytes([]byte{byte(OpForcedExit)}, tx.InitiatorID.Bytes(), tx.Target[:],
		tx.Token.Bytes(), packFeeBytes(tx.Fee), tx.Nonce.Bytes(), tx.TimeRange.Bytes())
}

// CheckCorrectness implements Tx
func (tx *ForcedExit) CheckCorrectness() error {
	if err := checkToken(tx.Token); err != nil {
		return err
	}
	if !tx.Token.IsFungible() {
		return NewOpError(KindInvalidTokenID, "forced exit of token %d", tx.Token)
	}
	return checkFee(tx.Token, tx.Fee)
}

// MintNFT mints an NFT with ContentHash and credits it to Recipient
type MintNFT struct {
	CreatorID      AccountID         `json:"creatorId"`
	CreatorAddress ethCommon.Address `json:"creatorAddress"`
	ContentHash    ethCommon.Hash    `json:"contentHash"`
	Recipient      ethCommon.Address `json:"recipient"`
	Token          TokenID           `json:"feeToken"`
	Fee            *big.Int          `json:"fee"`
	Nonce          Nonce             `json:"nonce"`
	Signature      *TxSignature      `json:"signature"`
}

func (tx *MintNFT) Type() TxType                    { return TxTypeMintNFT }
func (tx *MintNFT) Initiator() AccountID            { return tx.CreatorID }
func (tx *MintNFT) TxNonce() Nonce                  { return tx.Nonce }
func (tx *MintNFT) FeeToken() TokenID               { return tx.Token }
func (tx *MintNFT) TxFee() *big.Int                 { return tx.Fee }
func (tx *MintNFT) Validity() TimeRange             { return TimeRange{} }
func (tx *MintNFT) ZkSignature() *TxSignature       { return tx.Signature }
func (tx *MintNFT) SetZkSignature(sig *TxSignature) { tx.Signature = sig }
func (tx *MintNFT) DeclaredChunks() int             { return OpMintNFT.Chunks() }

// SignBytes implements Tx
func (tx *MintNFT) SignBytes() []byte {
	return concatBytes([]byte{byte(OpMintNFT)}, tx.CreatorID.Bytes(), tx.CreatorAddress[:],
		tx.ContentHash[:], tx.Recipient[:], tx.Token.Bytes(), packFeeBytes(tx.Fee),
		tx.Nonce.Bytes())
}

// CheckCorrectness implements Tx
func (tx *MintNFT) CheckCorrectness() error {
	return checkFee(tx.Token, tx.Fee)
}

// WithdrawNFT withdraws an owned NFT to the L1 address To
type WithdrawNFT struct {
	AccountID  AccountID         `json:"accountId"`
	From       ethCommon.Address `json:"from"`
	To         ethCommon.Address `json:"to"`
	Token      TokenID           `json:"token"`
	FeeTokenID TokenID           `json:"feeToken"`
	Fee        *big.Int          `json:"fee"`
	Nonce      Nonce             `json:"nonce"`
	TimeRange  TimeRange         `json:"timeRange"`
	Signature  *TxSignature      `json:"signature"`
}

func (tx *WithdrawNFT) Type() TxType                    { return TxTypeWithdrawNFT }
func (tx *WithdrawNFT) Initiator() AccountID            { return tx.AccountID }
func (tx *WithdrawNFT) TxNonce() Nonce                  { return tx.Nonce }
func (tx *WithdrawNFT) FeeToken() TokenID               { return tx.FeeTokenID }
func (tx *WithdrawNFT) TxFee() *big.Int                 { return tx.Fee }
func (tx *WithdrawNFT) Validity() TimeRange             { return tx.TimeRange }
func (tx *WithdrawNFT) ZkSignature() *TxSignature       { return tx.Signature }
func (tx *WithdrawNFT) SetZkSignature(sig *TxSignature) { tx.Signature = sig }
func (tx *WithdrawNFT) DeclaredChunks() int             { return OpWithdrawNFT.Chunks() }

// SignBytes implements Tx
func (tx *WithdrawNFT) SignBytes() []byte {
	return concatBytes([]byte{byte(OpWithdrawNFT)}, tx.AccountID.Bytes(), tx.From[:], tx.To[:],
		tx.Token.Bytes(), tx.FeeTokenID.Bytes(), packFeeBytes(tx.Fee), tx.Nonce.Bytes(),
		tx.TimeRange.Bytes())
}

// CheckCorrectness implements Tx
func (tx *WithdrawNFT) CheckCorrectness() error {
	if !tx.Token.IsNFT() {
		return NewOpError(KindInvalidTokenID, "token %d is not an NFT", tx.Token)
	}
	return checkFee(tx.FeeTokenID, tx.Fee)
}

// Order is one side of a Swap: AccountID sells TokenSell for TokenBuy at a
// price not worse than Ratio[0]:Ratio[1].  An Amount of zero accepts any
// amount and keeps the account nonce.
type Order struct {
	AccountID        AccountID         `json:"accountId"`
	RecipientAddress ethCommon.Address `json:"recipient"`
	Nonce            Nonce             `json:"nonce"`
	TokenSell        TokenID           `json:"tokenSell"`
	TokenBuy         TokenID           `json:"tokenBuy"`
	Ratio            [2]*big.Int       `json:"ratio"`
	Amount           *big.Int          `json:"amount"`
	TimeRange        TimeRange         `json:"timeRange"`
	Signature        *TxSignature      `json:"signature"`
}

const orderMsgPrefix = 'o'

// SignBytes returns the canonical encoding of the order
func (o *Order) SignBytes() []byte {
	return concatBytes([]byte{orderMsgPrefix}, o.AccountID.Bytes(), o.RecipientAddress[:],
		o.Nonce.Bytes(), o.TokenSell.Bytes(), o.TokenBuy.Bytes(), uint128Bytes(o.Ratio[0]),
		uint128Bytes(o.Ratio[1]), packAmountBytes(o.Amount), o.TimeRange.Bytes())
}

// Sign signs the order with the zk private key
func (o *Order) Sign(sk *babyjub.PrivateKey) {
	o.Signature = NewTxSignature(sk, o.SignBytes())
}

// IsAnyAmount returns true for partial-fill orders
func (o *Order) IsAnyAmount() bool {
	return o.Amount == nil || o.Amount.Sign() == 0
}

func (o *Order) checkCorrectness() error {
	if o.TokenSell == o.TokenBuy {
		return NewOpError(KindInvalidSwap, "order sells and buys token %d", o.TokenSell)
	}
	if err := checkToken(o.TokenSell); err != nil {
		return err
	}
	if err := checkToken(o.TokenBuy); err != nil {
		return err
	}
	for _, r := range o.Ratio {
		if r == nil || r.Sign() <= 0 || r.Cmp(MaxBalance) > 0 {
			return NewOpError(KindInvalidSwap, "invalid order price ratio")
		}
	}
	if !o.IsAnyAmount() && !IsAmountPackable(o.Amount) {
		return NewOpError(KindAmountsNotPackable, "order amount %s is not packable", o.Amount)
	}
	return nil
}

// Swap settles two matching orders, submitted and paid by SubmitterID
type Swap struct {
	SubmitterID      AccountID         `json:"submitterId"`
	SubmitterAddress ethCommon.Address `json:"submitterAddress"`
	Orders           [2]Order          `json:"orders"`
	Amounts          [2]*big.Int       `json:"amounts"`
	Token            TokenID           `json:"feeToken"`
	Fee              *big.Int          `json:"fee"`
	Nonce            Nonce             `json:"nonce"`
	Signature        *TxSignature      `json:"signature"`
}

func (tx *Swap) Type() TxType                    { return TxTypeSwap }
func (tx *Swap) Initiator() AccountID            { return tx.SubmitterID }
func (tx *Swap) TxNonce() Nonce                  { return tx.Nonce }
func (tx *Swap) FeeToken() TokenID               { return tx.Token }
func (tx *Swap) TxFee() *big.Int                 { return tx.Fee }
func (tx *Swap) ZkSignature() *TxSignature       { return tx.Signature }
func (tx *Swap) SetZkSignature(sig *TxSignature) { tx.Signature = sig }
func (tx *Swap) DeclaredChunks() int             { return OpSwap.Chunks() }

// Validity is the intersection of the validity windows of both orders
func (tx *Swap) Validity() TimeRange {
	r := TimeRange{}
	for _, o := range tx.Orders {
		if o.TimeRange.ValidFrom > r.ValidFrom {
			r.ValidFrom = o.TimeRange.ValidFrom
		}
		if o.TimeRange.ValidUntil != 0 && (r.ValidUntil == 0 || o.TimeRange.ValidUntil < r.ValidUntil) {
			r.ValidUntil = o.TimeRange.ValidUntil
		}
	}
	return r
}

// SignBytes implements Tx
func (tx *Swap) SignBytes() []byte {
	h0 := sha256.Sum256(tx.Orders[0].SignBytes())
	h1 := sha256.Sum256(tx.Orders[1].SignBytes())
	return concatBytes([]byte{byte(OpSwap)}, tx.SubmitterID.Bytes(), tx.SubmitterAddress[:],
		tx.Nonce.Bytes(), h0[:], h1[:], tx.Token.Bytes(), packFeeBytes(tx.Fee),
		packAmountBytes(tx.Amounts[0]), packAmountBytes(tx.Amounts[1]))
}

// CheckCorrectness implements Tx
func (tx *Swap) CheckCorrectness() error {
	for i := range tx.Orders {
		if err := tx.Orders[i].checkCorrectness(); err != nil {
			return err
		}
		if tx.Amounts[i] == nil || !IsAmountPackable(tx.Amounts[i]) {
			return NewOpError(KindAmountsNotPackable, "swap amount %v is not packable", tx.Amounts[i])
		}
	}
	if tx.Orders[0].AccountID == tx.Orders[1].AccountID {
		return NewOpError(KindInvalidSwap, "both orders belong to account %d", tx.Orders[0].AccountID)
	}
	return checkFee(tx.Token, tx.Fee)
}

type txEnvelope struct {
	Type         TxType          `json:"type"`
	Tx           json.RawMessage `json:"tx"`
	EthSignature hexutil.Bytes   `json:"ethSignature,omitempty"`
}

func newTxOfType(t TxType) (Tx, error) {
	switch t {
	case TxTypeTransfer:
		return &Transfer{}, nil
	case TxTypeWithdraw:
		return &Withdraw{}, nil
	case TxTypeClose:
		return &Close{}, nil
	case TxTypeChangePubKey:
		return &ChangePubKey{}, nil
	case TxTypeForcedExit:
		return &ForcedExit{}, nil
	case TxTypeMintNFT:
		return &MintNFT{}, nil
	case TxTypeWithdrawNFT:
		return &WithdrawNFT{}, nil
	case TxTypeSwap:
		return &Swap{}, nil
	default:
		return nil, Wrap(fmt.Errorf("unknown tx type %q", t))
	}
}

// SignedTx is a tx with an optional L1 signature over its hash
type SignedTx struct {
	Tx           Tx
	EthSignature hexutil.Bytes
}

// Hash returns the hash of the inner tx
func (s *SignedTx) Hash() ethCommon.Hash {
	return TxHash(s.Tx)
}

// MarshalJSON implements json.Marshaler
func (s SignedTx) MarshalJSON() ([]byte, error) {
	if s.Tx == nil {
		return nil, Wrap(fmt.Errorf("empty signed tx"))
	}
	raw, err := json.Marshal(s.Tx)
	if err != nil {
		return nil, Wrap(err)
	}
	return json.Marshal(txEnvelope{Type: s.Tx.Type(), Tx: raw, EthSignature: s.EthSignature})
}

// UnmarshalJSON implements json.Unmarshaler
func (s *SignedTx) UnmarshalJSON(b []byte) error {
	var env txEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Wrap(err)
	}
	tx, err := newTxOfType(env.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(env.Tx, tx); err != nil {
		return Wrap(err)
	}
	s.Tx = tx
	s.EthSignature = env.EthSignature
	return nil
}

// TxBatch is an ordered set of txs executed atomically, optionally signed on
// L1 over the concatenation of the tx hashes
type TxBatch struct {
	Txs          []SignedTx    `json:"txs"`
	EthSignature hexutil.Bytes `json:"ethSignature,omitempty"`
}

// SignBytes returns the concatenation of the hashes of the txs
func (b *TxBatch) SignBytes() []byte {
	msg := make([]byte, 0, len(b.Txs)*ethCommon.HashLength)
	for i := range b.Txs {
		h := b.Txs[i].Hash()
		msg = append(msg, h[:]...)
	}
	return msg
}

// Hash returns the hash of the batch
func (b *TxBatch) Hash() ethCommon.Hash {
	return ethCommon.Hash(sha256.Sum256(b.SignBytes()))
}

// DeclaredChunks is the sum of the declared chunks of the txs
func (b *TxBatch) DeclaredChunks() int {
	total := 0
	for i := range b.Txs {
		total += b.Txs[i].Tx.DeclaredChunks()
	}
	return total
}

func concatBytes(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func u64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func u32Bytes(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// uint128Bytes returns the 16 byte big-endian representation of v.  Values
// out of range encode as zero; callers check ranges beforehand.
func uint128Bytes(v *big.Int) []byte {
	out := make([]byte, 16) //nolint:gomnd
	if v != nil && v.Sign() >= 0 && v.BitLen() <= 128 {
		v.FillBytes(out)
	}
	return out
}

func packAmountBytes(v *big.Int) []byte {
	b, err := AmountFloat.PackDown(v)
	if err != nil {
		return make([]byte, AmountFloat.BytesLen)
	}
	return b
}

func packFeeBytes(v *big.Int) []byte {
	b, err := FeeFloat.PackDown(v)
	if err != nil {
		return make([]byte, FeeFloat.BytesLen)
	}
	return b
}
