package common

import (
	"encoding/binary"
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// ChunkBytes is the size of a pubdata slot
const ChunkBytes = 8

// OpCode is the leading byte of every operation pubdata
type OpCode byte

const (
	// OpNoop pads blocks
	OpNoop OpCode = iota
	// OpDeposit credits funds from L1
	OpDeposit
	// OpTransferToNew transfers to an account created by the op
	OpTransferToNew
	// OpWithdraw withdraws fungible funds to L1
	OpWithdraw
	// OpClose removes an empty account
	OpClose
	// OpTransfer transfers between existing accounts
	OpTransfer
	// OpFullExit is the L1-requested withdrawal of a whole balance
	OpFullExit
	// OpChangePubKey sets the zk pubkey hash of an account
	OpChangePubKey
	// OpForcedExit withdraws the balance of an account without zk key
	OpForcedExit
	// OpMintNFT mints an NFT
	OpMintNFT
	// OpWithdrawNFT withdraws an NFT to L1
	OpWithdrawNFT
	// OpSwap settles two orders
	OpSwap
)

var opNames = map[OpCode]string{
	OpNoop:          "Noop",
	OpDeposit:       "Deposit",
	OpTransferToNew: "TransferToNew",
	OpWithdraw:      "Withdraw",
	OpClose:         "Close",
	OpTransfer:      "Transfer",
	OpFullExit:      "FullExit",
	OpChangePubKey:  "ChangePubKey",
	OpForcedExit:    "ForcedExit",
	OpMintNFT:       "MintNFT",
	OpWithdrawNFT:   "WithdrawNFT",
	OpSwap:          "Swap",
}

// opChunks is the number of pubdata chunks of each op
var opChunks = map[OpCode]int{
	OpNoop:          1,
	OpDeposit:       6,
	OpTransferToNew: 6,
	OpWithdraw:      6,
	OpClose:         1,
	OpTransfer:      3,
	OpFullExit:      6,
	OpChangePubKey:  7,
	OpForcedExit:    7,
	OpMintNFT:       6,
	OpWithdrawNFT:   12,
	OpSwap:          5,
}

// String returns the name of the op
func (c OpCode) String() string {
	if name, ok := opNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(0x%02x)", byte(c))
}

// Chunks returns the pubdata footprint of the op, 0 for unknown codes
func (c OpCode) Chunks() int {
	return opChunks[c]
}

// IsPriority returns true for ops that originate on L1
func (c OpCode) IsPriority() bool {
	return c == OpDeposit || c == OpFullExit
}

// Operation is an executed state transition with its canonical pubdata
type Operation interface {
	OpCode() OpCode
	Chunks() int
	PublicData() []byte
}

// ErrMalformedPubData is returned when pubdata can not be decoded
var ErrMalformedPubData = fmt.Errorf("malformed pubdata")

type pubdataWriter struct {
	b []byte
}

func newPubdataWriter(code OpCode) *pubdataWriter {
	w := &pubdataWriter{b: make([]byte, 0, code.Chunks()*ChunkBytes)}
	w.b = append(w.b, byte(code))
	return w
}

func (w *pubdataWriter) put(parts ...[]byte) *pubdataWriter {
	for _, p := range parts {
		w.b = append(w.b, p...)
	}
	return w
}

func (w *pubdataWriter) finish(chunks int) []byte {
	out := make([]byte, chunks*ChunkBytes)
	copy(out, w.b)
	return out
}

type pubdataReader struct {
	b   []byte
	off int
	err error
}

func (r *pubdataReader) next(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if r.off+n > len(r.b) {
		r.err = Wrap(fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrMalformedPubData, n, r.off, len(r.b)))
		return make([]byte, n)
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *pubdataReader) accountID() AccountID {
	return AccountID(binary.BigEndian.Uint32(r.next(AccountIDBytesLen)))
}

func (r *pubdataReader) token() TokenID {
	return TokenID(binary.BigEndian.Uint16(r.next(TokenIDBytesLen)))
}

func (r *pubdataReader) nonce() Nonce {
	return Nonce(binary.BigEndian.Uint32(r.next(NonceBytesLen)))
}

func (r *pubdataReader) u32() uint32 {
	return binary.BigEndian.Uint32(r.next(4)) //nolint:gomnd
}

func (r *pubdataReader) address() ethCommon.Address {
	return ethCommon.BytesToAddress(r.next(ethCommon.AddressLength))
}

func (r *pubdataReader) hash() ethCommon.Hash {
	return ethCommon.BytesToHash(r.next(ethCommon.HashLength))
}

func (r *pubdataReader) pubKeyHash() PubKeyHash {
	var p PubKeyHash
	copy(p[:], r.next(PubKeyHashBytesLen))
	return p
}

func (r *pubdataReader) u128() *big.Int {
	return new(big.Int).SetBytes(r.next(16)) //nolint:gomnd
}

func (r *pubdataReader) amount() *big.Int {
	v, err := AmountFloat.Unpack(r.next(AmountFloat.BytesLen))
	if err != nil && r.err == nil {
		r.err = err
	}
	return v
}

func (r *pubdataReader) fee() *big.Int {
	v, err := FeeFloat.Unpack(r.next(FeeFloat.BytesLen))
	if err != nil && r.err == nil {
		r.err = err
	}
	return v
}

// done checks that the remaining bytes of the op are zero padding
func (r *pubdataReader) done() error {
	if r.err != nil {
		return r.err
	}
	for _, c := range r.b[r.off:] {
		if c != 0 {
			return Wrap(fmt.Errorf("%w: non-zero padding", ErrMalformedPubData))
		}
	}
	return nil
}

// NoopOp is the padding op
type NoopOp struct{}

func (op *NoopOp) OpCode() OpCode { return OpNoop }
func (op *NoopOp) Chunks() int    { return OpNoop.Chunks() }

// PublicData implements Operation
func (op *NoopOp) PublicData() []byte { return make([]byte, ChunkBytes) }

// DepositOp credits Amount of Token to AccountID, owned by Address
type DepositOp struct {
	AccountID AccountID
	Token     TokenID
	Amount    *big.Int
	Address   ethCommon.Address
}

func (op *DepositOp) OpCode() OpCode { return OpDeposit }
func (op *DepositOp) Chunks() int    { return OpDeposit.Chunks() }

// PublicData implements Operation
func (op *DepositOp) PublicData() []byte {
	return newPubdataWriter(OpDeposit).put(op.AccountID.Bytes(), op.Token.Bytes(),
		uint128Bytes(op.Amount), op.Address[:]).finish(op.Chunks())
}

// TransferToNewOp transfers to an account created by the op
type TransferToNewOp struct {
	FromID AccountID
	Token  TokenID
	Amount *big.Int
	To     ethCommon.Address
	ToID   AccountID
	Fee    *big.Int
}

func (op *TransferToNewOp) OpCode() OpCode { return OpTransferToNew }
func (op *TransferToNewOp) Chunks() int    { return OpTransferToNew.Chunks() }

// PublicData implements Operation
func (op *TransferToNewOp) PublicData() []byte {
	return newPubdataWriter(OpTransferToNew).put(op.FromID.Bytes(), op.Token.Bytes(),
		packAmountBytes(op.Amount), op.To[:], op.ToID.Bytes(), packFeeBytes(op.Fee)).
		finish(op.Chunks())
}

// WithdrawOp withdraws Amount of Token from AccountID to the L1 address To
type WithdrawOp struct {
	AccountID AccountID
	Token     TokenID
	Amount    *big.Int
	Fee       *big.Int
	To        ethCommon.Address
}

func (op *WithdrawOp) OpCode() OpCode { return OpWithdraw }
func (op *WithdrawOp) Chunks() int    { return OpWithdraw.Chunks() }

// PublicData implements Operation
func (op *WithdrawOp) PublicData() []byte {
	return newPubdataWriter(OpWithdraw).put(op.AccountID.Bytes(), op.Token.Bytes(),
		uint128Bytes(op.Amount), packFeeBytes(op.Fee), op.To[:]).finish(op.Chunks())
}

// CloseOp removes AccountID
type CloseOp struct {
	AccountID AccountID
}

func (op *CloseOp) OpCode() OpCode { return OpClose }
func (op *CloseOp) Chunks() int    { return OpClose.Chunks() }

// PublicData implements Operation
func (op *CloseOp) PublicData() []byte {
	return newPubdataWriter(OpClose).put(op.AccountID.Bytes()).finish(op.Chunks())
}

// TransferOp transfers between existing accounts
type TransferOp struct {
	FromID AccountID
	Token  TokenID
	ToID   AccountID
	Amount *big.Int
	Fee    *big.Int
}

func (op *TransferOp) OpCode() OpCode { return OpTransfer }
func (op *TransferOp) Chunks() int    { return OpTransfer.Chunks() }

// PublicData implements Operation
func (op *TransferOp) PublicData() []byte {
	return newPubdataWriter(OpTransfer).put(op.FromID.Bytes(), op.Token.Bytes(),
		op.ToID.Bytes(), packAmountBytes(op.Amount), packFeeBytes(op.Fee)).finish(op.Chunks())
}

// FullExitOp empties the balance of Token of AccountID.  Amount is the
// withdrawn pre-balance, zero when the request could not be honored.
type FullExitOp struct {
	AccountID AccountID
	Owner     ethCommon.Address
	Token     TokenID
	Amount    *big.Int
}

func (op *FullExitOp) OpCode() OpCode { return OpFullExit }
func (op *FullExitOp) Chunks() int    { return OpFullExit.Chunks() }

// PublicData implements Operation
func (op *FullExitOp) PublicData() []byte {
	return newPubdataWriter(OpFullExit).put(op.AccountID.Bytes(), op.Owner[:],
		op.Token.Bytes(), uint128Bytes(op.Amount)).finish(op.Chunks())
}

// ChangePubKeyOp sets the pubkey hash of AccountID.  Nonce is the nonce of
// the tx, the account nonce after the op is Nonce+1.
type ChangePubKeyOp struct {
	AccountID AccountID
	NewPkHash PubKeyHash
	Account   ethCommon.Address
	Nonce     Nonce
	FeeToken  TokenID
	Fee       *big.Int
}

func (op *ChangePubKeyOp) OpCode() OpCode { return OpChangePubKey }
func (op *ChangePubKeyOp) Chunks() int    { return OpChangePubKey.Chunks() }

// PublicData implements Operation
func (op *ChangePubKeyOp) PublicData() []byte {
	return newPubdataWriter(OpChangePubKey).put(op.AccountID.Bytes(), op.NewPkHash[:],
		op.Account[:], op.Nonce.Bytes(), op.FeeToken.Bytes(), packFeeBytes(op.Fee)).
		finish(op.Chunks())
}

// ForcedExitOp withdraws the whole balance of Token of TargetID
type ForcedExitOp struct {
	InitiatorID AccountID
	TargetID    AccountID
	Token       TokenID
	Fee         *big.Int
	Amount      *big.Int
	Target      ethCommon.Address
}

func (op *ForcedExitOp) OpCode() OpCode { return OpForcedExit }
func (op *ForcedExitOp) Chunks() int    { return OpForcedExit.Chunks() }

// PublicData implements Operation
func (op *ForcedExitOp) PublicData() []byte {
	return newPubdataWriter(OpForcedExit).put(op.InitiatorID.Bytes(), op.TargetID.Bytes(),
		op.Token.Bytes(), packFeeBytes(op.Fee), uint128Bytes(op.Amount), op.Target[:]).
		finish(op.Chunks())
}

// MintNFTOp mints an NFT created by CreatorID and owned by RecipientID.  The
// token and serial ids are derived from the counters in the state.
type MintNFTOp struct {
	CreatorID   AccountID
	RecipientID AccountID
	ContentHash ethCommon.Hash
	FeeToken    TokenID
	Fee         *big.Int
}

func (op *MintNFTOp) OpCode() OpCode { return OpMintNFT }
func (op *MintNFTOp) Chunks() int    { return OpMintNFT.Chunks() }

// PublicData implements Operation
func (op *MintNFTOp) PublicData() []byte {
	return newPubdataWriter(OpMintNFT).put(op.CreatorID.Bytes(), op.RecipientID.Bytes(),
		op.ContentHash[:], op.FeeToken.Bytes(), packFeeBytes(op.Fee)).finish(op.Chunks())
}

// WithdrawNFTOp withdraws Token from InitiatorID to the L1 address To
type WithdrawNFTOp struct {
	InitiatorID    AccountID
	CreatorID      AccountID
	CreatorAddress ethCommon.Address
	SerialID       uint32
	ContentHash    ethCommon.Hash
	To             ethCommon.Address
	Token          TokenID
	FeeToken       TokenID
	Fee            *big.Int
}

func (op *WithdrawNFTOp) OpCode() OpCode { return OpWithdrawNFT }
func (op *WithdrawNFTOp) Chunks() int    { return OpWithdrawNFT.Chunks() }

// PublicData implements Operation
func (op *WithdrawNFTOp) PublicData() []byte {
	return newPubdataWriter(OpWithdrawNFT).put(op.InitiatorID.Bytes(), op.CreatorID.Bytes(),
		op.CreatorAddress[:], u32Bytes(op.SerialID), op.ContentHash[:], op.To[:],
		op.Token.Bytes(), op.FeeToken.Bytes(), packFeeBytes(op.Fee)).finish(op.Chunks())
}

// SwapOp settles two orders.  Bit i of NonceMask is set when the nonce of
// Accounts[i] was bumped.
type SwapOp struct {
	SubmitterID AccountID
	Accounts    [2]AccountID
	Recipients  [2]AccountID
	Tokens      [2]TokenID
	FeeToken    TokenID
	Amounts     [2]*big.Int
	Fee         *big.Int
	NonceMask   byte
}

func (op *SwapOp) OpCode() OpCode { return OpSwap }
func (op *SwapOp) Chunks() int    { return OpSwap.Chunks() }

// PublicData implements Operation
func (op *SwapOp) PublicData() []byte {
	return newPubdataWriter(OpSwap).put(op.SubmitterID.Bytes(),
		op.Accounts[0].Bytes(), op.Recipients[0].Bytes(),
		op.Accounts[1].Bytes(), op.Recipients[1].Bytes(),
		op.Tokens[0].Bytes(), op.Tokens[1].Bytes(), op.FeeToken.Bytes(),
		packAmountBytes(op.Amounts[0]), packAmountBytes(op.Amounts[1]),
		packFeeBytes(op.Fee), []byte{op.NonceMask}).finish(op.Chunks())
}

type opDecoder func(r *pubdataReader) Operation

var opDecoders = map[OpCode]opDecoder{
	OpNoop: func(r *pubdataReader) Operation { return &NoopOp{} },
	OpDeposit: func(r *pubdataReader) Operation {
		return &DepositOp{AccountID: r.accountID(), Token: r.token(), Amount: r.u128(),
			Address: r.address()}
	},
	OpTransferToNew: func(r *pubdataReader) Operation {
		return &TransferToNewOp{FromID: r.accountID(), Token: r.token(), Amount: r.amount(),
			To: r.address(), ToID: r.accountID(), Fee: r.fee()}
	},
	OpWithdraw: func(r *pubdataReader) Operation {
		return &WithdrawOp{AccountID: r.accountID(), Token: r.token(), Amount: r.u128(),
			Fee: r.fee(), To: r.address()}
	},
	OpClose: func(r *pubdataReader) Operation {
		return &CloseOp{AccountID: r.accountID()}
	},
	OpTransfer: func(r *pubdataReader) Operation {
		return &TransferOp{FromID: r.accountID(), Token: r.token(), ToID: r.accountID(),
			Amount: r.amount(), Fee: r.fee()}
	},
	OpFullExit: func(r *pubdataReader) Operation {
		return &FullExitOp{AccountID: r.accountID(), Owner: r.address(), Token: r.token(),
			Amount: r.u128()}
	},
	OpChangePubKey: func(r *pubdataReader) Operation {
		return &ChangePubKeyOp{AccountID: r.accountID(), NewPkHash: r.pubKeyHash(),
			Account: r.address(), Nonce: r.nonce(), FeeToken: r.token(), Fee: r.fee()}
	},
	OpForcedExit: func(r *pubdataReader) Operation {
		return &ForcedExitOp{InitiatorID: r.accountID(), TargetID: r.accountID(),
			Token: r.token(), Fee: r.fee(), Amount: r.u128(), Target: r.address()}
	},
	OpMintNFT: func(r *pubdataReader) Operation {
		return &MintNFTOp{CreatorID: r.accountID(), RecipientID: r.accountID(),
			ContentHash: r.hash(), FeeToken: r.token(), Fee: r.fee()}
	},
	OpWithdrawNFT: func(r *pubdataReader) Operation {
		return &WithdrawNFTOp{InitiatorID: r.accountID(), CreatorID: r.accountID(),
			CreatorAddress: r.address(), SerialID: r.u32(), ContentHash: r.hash(),
			To: r.address(), Token: r.token(), FeeToken: r.token(), Fee: r.fee()}
	},
	OpSwap: func(r *pubdataReader) Operation {
		op := &SwapOp{SubmitterID: r.accountID()}
		op.Accounts[0], op.Recipients[0] = r.accountID(), r.accountID()
		op.Accounts[1], op.Recipients[1] = r.accountID(), r.accountID()
		op.Tokens[0], op.Tokens[1], op.FeeToken = r.token(), r.token(), r.token()
		op.Amounts[0], op.Amounts[1] = r.amount(), r.amount()
		op.Fee = r.fee()
		op.NonceMask = r.next(1)[0]
		return op
	},
}

// DecodeOperation decodes the op at the start of b, dispatching on the
// leading op code byte.  It returns the op and the number of bytes read.
func DecodeOperation(b []byte) (Operation, int, error) {
	if len(b) == 0 {
		return nil, 0, Wrap(fmt.Errorf("%w: empty", ErrMalformedPubData))
	}
	code := OpCode(b[0])
	decode, ok := opDecoders[code]
	if !ok {
		return nil, 0, Wrap(fmt.Errorf("%w: unknown op code 0x%02x", ErrMalformedPubData, b[0]))
	}
	size := code.Chunks() * ChunkBytes
	if len(b) < size {
		return nil, 0, Wrap(fmt.Errorf("%w: %s needs %d bytes, have %d",
			ErrMalformedPubData, code, size, len(b)))
	}
	r := &pubdataReader{b: b[:size], off: 1}
	op := decode(r)
	if err := r.done(); err != nil {
		return nil, 0, err
	}
	return op, size, nil
}

// DecodePubData decodes every op of a block pubdata, Noops included
func DecodePubData(pubdata []byte) ([]Operation, error) {
	if len(pubdata)%ChunkBytes != 0 {
		return nil, Wrap(fmt.Errorf("%w: length %d is not a multiple of %d",
			ErrMalformedPubData, len(pubdata), ChunkBytes))
	}
	ops := []Operation{}
	for off := 0; off < len(pubdata); {
		op, n, err := DecodeOperation(pubdata[off:])
		if err != nil {
			return nil, Wrap(fmt.Errorf("at offset %d: %w", off, err))
		}
		ops = append(ops, op)
		off += n
	}
	return ops, nil
}
