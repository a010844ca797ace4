package test

import (
	"math/big"
	"time"

	"zkrollup-node/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// WARNING: the generators in this file doesn't necessary follow the protocol
// they are intended to check that the parsers between struct <==> DB are correct

// GenBlock generates a sealed block made of nDeposits deposits, each one
// creating a new account.  The priority ops start at firstSerialID and the
// roots are fake.
func GenBlock(number common.BlockNum, firstSerialID uint64, nDeposits int) *common.BlockCommitRequest {
	block := common.Block{
		Number:      number,
		OldRootHash: big.NewInt(int64(number)),
		NewRootHash: big.NewInt(int64(number) + 1),
		//nolint:gomnd
		Timestamp:            uint64(1700000000 + number),
		ProcessedPriorityOps: [2]uint64{firstSerialID, firstSerialID + uint64(nDeposits)},
		Transactions:         []common.ExecutedOperation{},
	}
	var updates common.AccountUpdates
	for i := 0; i < nDeposits; i++ {
		serialID := firstSerialID + uint64(i)
		id := common.AccountID(serialID + 1)
		addr := ethCommon.BigToAddress(new(big.Int).SetUint64(serialID + 1))
		amount := big.NewInt(int64(i + 1))
		block.Transactions = append(block.Transactions, common.ExecutedOperation{
			PriorityOp: &common.ExecutedPriorityOp{
				PriorityOp: common.PriorityOp{
					SerialID:      serialID,
					Data:          &common.Deposit{From: addr, Token: 0, Amount: amount, To: addr},
					DeadlineBlock: common.RollupConstPriorityExpirationBlocks,
					EthHash:       ethCommon.BigToHash(new(big.Int).SetUint64(serialID + 1)),
					EthBlock:      serialID + 10, //nolint:gomnd
				},
				Op:         &common.DepositOp{AccountID: id, Token: 0, Amount: amount, Address: addr},
				BlockIndex: uint32(i),
				CreatedAt:  time.Unix(int64(block.Timestamp), 0).UTC(),
			},
		})
		updates = append(updates,
			common.NewCreateUpdate(id, addr, 0),
			common.NewBalanceUpdate(id, 0, big.NewInt(0), amount, 0, 0),
		)
	}
	block.BlockChunkSize = block.ChunksUsed()
	block.Commitment = block.ComputeCommitment()
	return &common.BlockCommitRequest{Block: block, AccountUpdates: updates}
}

// GenTokens generates n fungible tokens with ids starting at 1
func GenTokens(n int, ethBlockNum int64) []common.Token {
	tokens := make([]common.Token, n)
	for i := range tokens {
		tokens[i] = common.Token{
			TokenID:     common.TokenID(i + 1),
			EthBlockNum: ethBlockNum,
			EthAddr:     ethCommon.BigToAddress(big.NewInt(int64(1000 + i))), //nolint:gomnd
			Symbol:      "TKN" + string(rune('A'+i)),
			Decimals:    18, //nolint:gomnd
		}
	}
	return tokens
}
