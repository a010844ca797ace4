package common

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"sort"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

const (
	// AccountIDBytesLen is the length of an AccountID in pubdata
	AccountIDBytesLen = 4
	// NonceBytesLen is the length of a Nonce in pubdata
	NonceBytesLen = 4
	// PubKeyHashBytesLen is the length of the zk public key hash
	PubKeyHashBytesLen = 20
	// FeeAccountID is the account that collects the fees of every block
	FeeAccountID AccountID = 0
	// NFTStorageAccountID holds the global NFT id counter
	NFTStorageAccountID AccountID = math.MaxUint32
)

var (
	// NFTStorageAccountAddress is the address of the NFT storage account
	NFTStorageAccountAddress = ethCommon.HexToAddress(
		"0xFFfFfFffFFfffFFfFFfFFFFFffFFFffffFfFFFfF")
	// MaxBalance is the maximum balance a slot can hold (2**128-1)
	MaxBalance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1)) //nolint:gomnd
)

// AccountID is the dense identifier of an account in the account tree
type AccountID uint32

// Bytes returns the 4 byte big-endian representation of the AccountID
func (id AccountID) Bytes() []byte {
	var b [AccountIDBytesLen]byte
	binary.BigEndian.PutUint32(b[:], uint32(id))
	return b[:]
}

// BigInt returns a *big.Int representing the AccountID
func (id AccountID) BigInt() *big.Int {
	return new(big.Int).SetUint64(uint64(id))
}

// AccountIDFromBytes returns an AccountID from a 4 byte slice
func AccountIDFromBytes(b []byte) (AccountID, error) {
	if len(b) != AccountIDBytesLen {
		return 0, Wrap(fmt.Errorf("can not parse AccountID, bytes len %d, expected %d",
			len(b), AccountIDBytesLen))
	}
	return AccountID(binary.BigEndian.Uint32(b)), nil
}

// Nonce of an account
type Nonce uint32

// Bytes returns the 4 byte big-endian representation of the Nonce
func (n Nonce) Bytes() []byte {
	var b [NonceBytesLen]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	return b[:]
}

// BigInt returns a *big.Int representing the Nonce
func (n Nonce) BigInt() *big.Int {
	return new(big.Int).SetUint64(uint64(n))
}

// PubKeyHash is the hash of the zk public key that controls an account
type PubKeyHash [PubKeyHashBytesLen]byte

// EmptyPubKeyHash is the hash of accounts that never set a zk public key
var EmptyPubKeyHash PubKeyHash

// IsZero returns true when no pubkey hash has been set
func (p PubKeyHash) IsZero() bool {
	return p == EmptyPubKeyHash
}

// BigInt returns a *big.Int representing the PubKeyHash
func (p PubKeyHash) BigInt() *big.Int {
	return new(big.Int).SetBytes(p[:])
}

// String returns the `sync:` prefixed hex representation
func (p PubKeyHash) String() string {
	return "sync:" + hex.EncodeToString(p[:])
}

// MarshalText implements encoding.TextMarshaler
func (p PubKeyHash) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *PubKeyHash) UnmarshalText(text []byte) error {
	s := string(text)
	if len(s) > 5 && s[:5] == "sync:" {
		s = s[5:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Wrap(err)
	}
	if len(b) != PubKeyHashBytesLen {
		return Wrap(fmt.Errorf("invalid pubkey hash length %d", len(b)))
	}
	copy(p[:], b)
	return nil
}

// PubKeyHashFromBytes returns a PubKeyHash from a 20 byte slice
func PubKeyHashFromBytes(b []byte) (PubKeyHash, error) {
	var p PubKeyHash
	if len(b) != PubKeyHashBytesLen {
		return p, Wrap(fmt.Errorf("can not parse PubKeyHash, bytes len %d, expected %d",
			len(b), PubKeyHashBytesLen))
	}
	copy(p[:], b)
	return p, nil
}

// PubKeyHashFromPublicKey returns the last 20 bytes of the poseidon hash of
// the BabyJubJub public key coordinates
func PubKeyHashFromPublicKey(pk *babyjub.PublicKey) (PubKeyHash, error) {
	var p PubKeyHash
	h, err := poseidon.Hash([]*big.Int{pk.X, pk.Y})
	if err != nil {
		return p, Wrap(err)
	}
	var hBytes [32]byte
	h.FillBytes(hBytes[:])
	copy(p[:], hBytes[32-PubKeyHashBytesLen:])
	return p, nil
}

// Account is the state of a rollup account
type Account struct {
	Address    ethCommon.Address    `json:"address"`
	PubKeyHash PubKeyHash           `json:"pubKeyHash"`
	Nonce      Nonce                `json:"nonce"`
	Balances   map[TokenID]*big.Int `json:"balances"`
}

// NewAccount returns an empty account owned by address
func NewAccount(address ethCommon.Address) *Account {
	return &Account{
		Address:  address,
		Balances: make(map[TokenID]*big.Int),
	}
}

// Balance returns a copy of the balance of the token, zero when absent
func (a *Account) Balance(token TokenID) *big.Int {
	if b, ok := a.Balances[token]; ok && b != nil {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

// SetBalance sets the balance of the token.  Zero balances are removed from
// the map so that empty slots have a single representation.
func (a *Account) SetBalance(token TokenID, amount *big.Int) {
	if a.Balances == nil {
		a.Balances = make(map[TokenID]*big.Int)
	}
	if amount == nil || amount.Sign() == 0 {
		delete(a.Balances, token)
		return
	}
	a.Balances[token] = new(big.Int).Set(amount)
}

// Tokens returns the tokens with a non-zero balance, sorted
func (a *Account) Tokens() []TokenID {
	tokens := make([]TokenID, 0, len(a.Balances))
	for t, b := range a.Balances {
		if b != nil && b.Sign() != 0 {
			tokens = append(tokens, t)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

// IsEmpty returns true when every balance of the account is zero
func (a *Account) IsEmpty() bool {
	return len(a.Tokens()) == 0
}

// Copy returns a deep copy of the account
func (a *Account) Copy() *Account {
	cpy := &Account{
		Address:    a.Address,
		PubKeyHash: a.PubKeyHash,
		Nonce:      a.Nonce,
		Balances:   make(map[TokenID]*big.Int, len(a.Balances)),
	}
	for t, b := range a.Balances {
		cpy.Balances[t] = new(big.Int).Set(b)
	}
	return cpy
}

// String returns a human readable representation of the account
func (a *Account) String() string {
	return fmt.Sprintf("Address: %s, PubKeyHash: %s, Nonce: %d, Balances: %v",
		a.Address.Hex(), a.PubKeyHash, a.Nonce, a.Balances)
}
