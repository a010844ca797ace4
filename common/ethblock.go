package common

import (
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// EthBlock represents of an Ethereum block
type EthBlock struct {
	Num        int64          `meddler:"eth_block_num"`
	Timestamp  time.Time      `meddler:"timestamp,utctime"`
	Hash       ethCommon.Hash `meddler:"hash"`
	ParentHash ethCommon.Hash `meddler:"-" json:"-"`
}

// AuthFact is a pubkey change authorization registered in the rollup
// contract by the owner of Address
type AuthFact struct {
	Address  ethCommon.Address `json:"address" meddler:"address"`
	Nonce    Nonce             `json:"nonce" meddler:"nonce"`
	Fact     ethCommon.Hash    `json:"fact" meddler:"fact"`
	EthBlock int64             `json:"ethBlock" meddler:"eth_block_num"`
}

// Withdrawal is a completed withdrawal observed on L1
type Withdrawal struct {
	Address  ethCommon.Address `json:"address"`
	Token    TokenID           `json:"token"`
	EthHash  ethCommon.Hash    `json:"ethHash"`
	EthBlock int64             `json:"ethBlock"`
}
