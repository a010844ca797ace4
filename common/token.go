package common

import (
	"encoding/binary"
	"fmt"
	"math"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

const (
	// TokenIDBytesLen is the length of a TokenID in pubdata
	TokenIDBytesLen = 2
	// MaxFungibleTokenID is the biggest token id that can be used to pay fees
	MaxFungibleTokenID TokenID = 1023
	// MinNFTTokenID is the first token id allocated to NFTs
	MinNFTTokenID TokenID = 1024
	// NFTCounterTokenID is the balance slot of the NFT storage account
	// that stores the next NFT id, and of each creator account that stores
	// its next serial id
	NFTCounterTokenID TokenID = math.MaxUint16
	// MaxNFTTokenID is the biggest token id that can be allocated to an NFT
	MaxNFTTokenID TokenID = NFTCounterTokenID - 1
)

// Token is a struct that represents an Ethereum token that is supported in
// the rollup
type Token struct {
	TokenID TokenID `json:"id" meddler:"token_id"`
	// EthBlockNum indicates the Ethereum block number in which this token was registered
	EthBlockNum int64             `json:"ethereumBlockNum" meddler:"eth_block_num"`
	EthAddr     ethCommon.Address `json:"ethereumAddress" meddler:"eth_addr"`
	Symbol      string            `json:"symbol" meddler:"symbol"`
	Decimals    uint64            `json:"decimals" meddler:"decimals"`
	IsNFT       bool              `json:"isNFT" meddler:"is_nft"`
}

// TokenID is the unique identifier of the token, as set in the smart contract
type TokenID uint16

// Bytes returns a byte array of length 2 representing the TokenID
func (t TokenID) Bytes() []byte {
	var tokenIDBytes [TokenIDBytesLen]byte
	binary.BigEndian.PutUint16(tokenIDBytes[:], uint16(t))
	return tokenIDBytes[:]
}

// TokenIDFromBytes returns a TokenID from a 2 byte slice
func TokenIDFromBytes(b []byte) (TokenID, error) {
	if len(b) != TokenIDBytesLen {
		return 0, Wrap(fmt.Errorf("can not parse TokenID, bytes len %d, expected %d",
			len(b), TokenIDBytesLen))
	}
	return TokenID(binary.BigEndian.Uint16(b)), nil
}

// IsFungible returns true for tokens that can be used to pay fees
func (t TokenID) IsFungible() bool {
	return t <= MaxFungibleTokenID
}

// IsNFT returns true for token ids allocated to NFTs
func (t TokenID) IsNFT() bool {
	return t >= MinNFTTokenID && t <= MaxNFTTokenID
}

// NFT is the metadata of a minted NFT
type NFT struct {
	TokenID        TokenID           `json:"tokenId" meddler:"token_id"`
	CreatorID      AccountID         `json:"creatorId" meddler:"creator_id"`
	CreatorAddress ethCommon.Address `json:"creatorAddress" meddler:"creator_address"`
	SerialID       uint32            `json:"serialId" meddler:"serial_id"`
	ContentHash    ethCommon.Hash    `json:"contentHash" meddler:"content_hash"`
}
