package common

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	// DepositRequestBytesLen is the length of the pubdata of a deposit
	// request event: token(2) amount(32) to(20)
	DepositRequestBytesLen = 54
	// FullExitRequestBytesLen is the length of the pubdata of a full exit
	// request event: account_id(4) owner(20) token(2)
	FullExitRequestBytesLen = 26
)

// PriorityOpData is the payload of a priority op
type PriorityOpData interface {
	OpCode() OpCode
	// RequestPubData is the payload as emitted by the L1 contract
	RequestPubData() []byte
}

// Deposit credits Amount of Token from the L1 address From to the rollup
// account owning To
type Deposit struct {
	From   ethCommon.Address `json:"from"`
	Token  TokenID           `json:"token"`
	Amount *big.Int          `json:"amount"`
	To     ethCommon.Address `json:"to"`
}

// OpCode implements PriorityOpData
func (d *Deposit) OpCode() OpCode { return OpDeposit }

// RequestPubData implements PriorityOpData
func (d *Deposit) RequestPubData() []byte {
	var amount [32]byte
	if d.Amount != nil && d.Amount.Sign() >= 0 && d.Amount.BitLen() <= 256 {
		d.Amount.FillBytes(amount[:])
	}
	return concatBytes(d.Token.Bytes(), amount[:], d.To[:])
}

// FullExit withdraws the whole balance of Token of AccountID, requested on
// L1 by EthAddress
type FullExit struct {
	AccountID  AccountID         `json:"accountId"`
	EthAddress ethCommon.Address `json:"ethAddress"`
	Token      TokenID           `json:"token"`
}

// OpCode implements PriorityOpData
func (f *FullExit) OpCode() OpCode { return OpFullExit }

// RequestPubData implements PriorityOpData
func (f *FullExit) RequestPubData() []byte {
	return concatBytes(f.AccountID.Bytes(), f.EthAddress[:], f.Token.Bytes())
}

// ParsePriorityOpData decodes the payload of a NewPriorityRequest event.
// Malformed payloads and deposit amounts that do not fit in 128 bits return
// an L1Permanent error.
func ParsePriorityOpData(opType OpCode, pubData []byte, sender ethCommon.Address) (PriorityOpData, error) {
	switch opType {
	case OpDeposit:
		if len(pubData) != DepositRequestBytesLen {
			return nil, NewOpError(KindL1Permanent, "deposit pubdata length %d, expected %d",
				len(pubData), DepositRequestBytesLen)
		}
		token := TokenID(binary.BigEndian.Uint16(pubData[0:2]))
		amount := new(uint256.Int).SetBytes(pubData[2:34])
		if amount.BitLen() > 128 { //nolint:gomnd
			return nil, NewOpError(KindL1Permanent, "deposit amount %s overflows uint128",
				amount.Dec())
		}
		return &Deposit{
			From:   sender,
			Token:  token,
			Amount: amount.ToBig(),
			To:     ethCommon.BytesToAddress(pubData[34:54]),
		}, nil
	case OpFullExit:
		if len(pubData) != FullExitRequestBytesLen {
			return nil, NewOpError(KindL1Permanent, "full exit pubdata length %d, expected %d",
				len(pubData), FullExitRequestBytesLen)
		}
		return &FullExit{
			AccountID:  AccountID(binary.BigEndian.Uint32(pubData[0:4])),
			EthAddress: ethCommon.BytesToAddress(pubData[4:24]),
			Token:      TokenID(binary.BigEndian.Uint16(pubData[24:26])),
		}, nil
	default:
		return nil, NewOpError(KindL1Permanent, "unsupported priority op type %s", opType)
	}
}

// PriorityOp is an operation requested on L1
type PriorityOp struct {
	SerialID      uint64
	Data          PriorityOpData
	DeadlineBlock uint64
	EthHash       ethCommon.Hash
	EthBlock      uint64
}

type priorityOpJSON struct {
	SerialID      uint64          `json:"serialId"`
	Type          OpCode          `json:"type"`
	Data          json.RawMessage `json:"data"`
	DeadlineBlock uint64          `json:"deadlineBlock"`
	EthHash       ethCommon.Hash  `json:"ethHash"`
	EthBlock      uint64          `json:"ethBlock"`
}

// MarshalJSON implements json.Marshaler
func (p PriorityOp) MarshalJSON() ([]byte, error) {
	if p.Data == nil {
		return nil, Wrap(fmt.Errorf("priority op %d without data", p.SerialID))
	}
	data, err := json.Marshal(p.Data)
	if err != nil {
		return nil, Wrap(err)
	}
	return json.Marshal(priorityOpJSON{
		SerialID:      p.SerialID,
		Type:          p.Data.OpCode(),
		Data:          data,
		DeadlineBlock: p.DeadlineBlock,
		EthHash:       p.EthHash,
		EthBlock:      p.EthBlock,
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (p *PriorityOp) UnmarshalJSON(b []byte) error {
	var aux priorityOpJSON
	if err := json.Unmarshal(b, &aux); err != nil {
		return Wrap(err)
	}
	switch aux.Type {
	case OpDeposit:
		p.Data = &Deposit{}
	case OpFullExit:
		p.Data = &FullExit{}
	default:
		return Wrap(fmt.Errorf("unsupported priority op type %s", aux.Type))
	}
	if err := json.Unmarshal(aux.Data, p.Data); err != nil {
		return Wrap(err)
	}
	p.SerialID = aux.SerialID
	p.DeadlineBlock = aux.DeadlineBlock
	p.EthHash = aux.EthHash
	p.EthBlock = aux.EthBlock
	return nil
}

// Chunks returns the pubdata footprint of the op
func (p *PriorityOp) Chunks() int {
	return p.Data.OpCode().Chunks()
}
