package common

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/iden3/go-iden3-crypto/babyjub"
)

const (
	// EthSignatureLen is the length of an L1 (secp256k1) signature
	EthSignatureLen     = 65
	ethSignatureVOffset = 27
)

// MsgToField hashes msg with sha256 and masks the result to 253 bits so that
// it fits in the BN254 scalar field
func MsgToField(msg []byte) *big.Int {
	h := sha256.Sum256(msg)
	h[0] &= 0x1f
	return new(big.Int).SetBytes(h[:])
}

// TxSignature is a BabyJubJub signature together with the compressed public
// key of the signer
type TxSignature struct {
	PubKey    hexutil.Bytes `json:"pubKey"`
	Signature hexutil.Bytes `json:"signature"`
}

// NewTxSignature signs msg with sk
func NewTxSignature(sk *babyjub.PrivateKey, msg []byte) *TxSignature {
	sig := sk.SignPoseidon(MsgToField(msg))
	sigComp := sig.Compress()
	pkComp := sk.Public().Compress()
	return &TxSignature{
		PubKey:    pkComp[:],
		Signature: sigComp[:],
	}
}

// Verify checks the signature over msg and returns the pubkey hash of the
// signer
func (s *TxSignature) Verify(msg []byte) (PubKeyHash, error) {
	if s == nil {
		return EmptyPubKeyHash, NewOpError(KindSignatureInvalid, "missing zk signature")
	}
	var pkComp babyjub.PublicKeyComp
	var sigComp babyjub.SignatureComp
	if len(s.PubKey) != len(pkComp) || len(s.Signature) != len(sigComp) {
		return EmptyPubKeyHash, NewOpError(KindSignatureInvalid, "malformed zk signature")
	}
	copy(pkComp[:], s.PubKey)
	copy(sigComp[:], s.Signature)
	pk, err := pkComp.Decompress()
	if err != nil {
		return EmptyPubKeyHash, NewOpError(KindSignatureInvalid, "invalid public key: %v", err)
	}
	sig, err := sigComp.Decompress()
	if err != nil {
		return EmptyPubKeyHash, NewOpError(KindSignatureInvalid, "invalid signature: %v", err)
	}
	if !pk.VerifyPoseidon(MsgToField(msg), sig) {
		return EmptyPubKeyHash, NewOpError(KindSignatureInvalid, "zk signature verification failed")
	}
	pkHash, err := PubKeyHashFromPublicKey(pk)
	if err != nil {
		return EmptyPubKeyHash, Wrap(err)
	}
	return pkHash, nil
}

// SignEthMessage produces a personal_sign signature of msg
func SignEthMessage(key *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	sig, err := ethCrypto.Sign(accounts.TextHash(msg), key)
	if err != nil {
		return nil, Wrap(err)
	}
	sig[64] += ethSignatureVOffset
	return sig, nil
}

// RecoverEthSigner returns the address that produced the personal_sign
// signature of msg
func RecoverEthSigner(msg, sig []byte) (ethCommon.Address, error) {
	if len(sig) != EthSignatureLen {
		return ethCommon.Address{}, NewOpError(KindSignatureInvalid,
			"eth signature length %d, expected %d", len(sig), EthSignatureLen)
	}
	s := make([]byte, EthSignatureLen)
	copy(s, sig)
	if s[64] >= ethSignatureVOffset {
		s[64] -= ethSignatureVOffset
	}
	pub, err := ethCrypto.SigToPub(accounts.TextHash(msg), s)
	if err != nil {
		return ethCommon.Address{}, NewOpError(KindSignatureInvalid, "eth signature: %v", err)
	}
	return ethCrypto.PubkeyToAddress(*pub), nil
}

// VerifyEthSignature checks that sig over msg was produced by address
func VerifyEthSignature(msg, sig []byte, address ethCommon.Address) error {
	signer, err := RecoverEthSigner(msg, sig)
	if err != nil {
		return err
	}
	if signer != address {
		return NewOpError(KindSignatureInvalid,
			"eth signature signer %s, expected %s", signer.Hex(), address.Hex())
	}
	return nil
}
