package common

import (
	"errors"
	"fmt"

	"github.com/hermeznetwork/tracerr"
)

// ErrNotInFF is used when the *big.Int does not fit inside the Finite Field
var ErrNotInFF = errors.New("BigInt not inside the Finite Field")

// ErrNumOverflow is used when a given value overflows the maximum capacity of the parameter
var ErrNumOverflow = errors.New("Value overflows the type")

// ErrAccountIDOverflow is used when the account id counter reaches the storage account
var ErrAccountIDOverflow = errors.New("account id overflow, max value: 2**32 -2")

// ErrDone is used when a function returns earlier due to a cancelled context
var ErrDone = errors.New("done")

// IsErrDone returns true if the error or wrapped error is ErrDone
func IsErrDone(err error) bool {
	return Unwrap(err) == ErrDone
}

// Wrap attaches a stack trace to the error.  A nil error stays nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return tracerr.Wrap(err)
}

// Unwrap returns the original error from a wrapped one
func Unwrap(err error) error {
	return tracerr.Unwrap(err)
}

// ErrorKind classifies the errors that cross component boundaries
type ErrorKind int

const (
	// KindSignatureInvalid is returned when a zk or L1 signature fails verification
	KindSignatureInvalid ErrorKind = iota + 1
	// KindNonceMismatch is returned when the tx nonce differs from the account nonce
	KindNonceMismatch
	// KindInsufficientBalance is returned when a debit would underflow
	KindInsufficientBalance
	// KindInvalidTokenID is returned for tokens out of range or unknown
	KindInvalidTokenID
	// KindTokenNotAcceptable is returned for tokens not accepted for fees
	KindTokenNotAcceptable
	// KindAccountLocked is returned when the account has no pubkey hash set
	KindAccountLocked
	// KindAmountsNotPackable is returned when an amount or fee does not
	// round-trip the packed float encoding
	KindAmountsNotPackable
	// KindChunkBudgetExceeded is returned when an op does not fit the
	// remaining chunks of the block
	KindChunkBudgetExceeded
	// KindPriorityOpGap is returned when a priority op serial id is not
	// contiguous with the state
	KindPriorityOpGap
	// KindRootDivergence is returned when the replayed root hash differs
	// from the stored one
	KindRootDivergence
	// KindL1Transient is returned for recoverable L1 RPC errors
	KindL1Transient
	// KindL1Permanent is returned for irrecoverable L1 errors
	KindL1Permanent
	// KindProverJobStale is returned when a prover job missed its heartbeat
	KindProverJobStale
	// KindAccountNotFound is returned when the referenced account does not exist
	KindAccountNotFound
	// KindAccountNotEmpty is returned when closing an account with balances
	KindAccountNotEmpty
	// KindInvalidSwap is returned when swap orders do not match
	KindInvalidSwap
	// KindNFTNotOwned is returned when the initiator does not own the NFT
	KindNFTNotOwned
	// KindAuthNotFound is returned when there is no authorization for a
	// pubkey change
	KindAuthNotFound
	// KindInvalidBatch is returned for malformed tx batches
	KindInvalidBatch
	// KindTimeRangeInvalid is returned when the block timestamp is outside
	// of the tx validity range
	KindTimeRangeInvalid
	// KindDatabase is returned for irrecoverable storage errors
	KindDatabase
	// KindForcedExitNotAllowed is returned when the target of a forced
	// exit has a pubkey hash set
	KindForcedExitNotAllowed
)

var kindCodes = map[ErrorKind]string{
	KindSignatureInvalid:    "SIGNATURE_INVALID",
	KindNonceMismatch:       "NONCE_MISMATCH",
	KindInsufficientBalance: "INSUFFICIENT_BALANCE",
	KindInvalidTokenID:      "INVALID_TOKEN_ID",
	KindTokenNotAcceptable:  "TOKEN_NOT_ACCEPTABLE",
	KindAccountLocked:       "ACCOUNT_LOCKED",
	KindAmountsNotPackable:  "AMOUNTS_NOT_PACKABLE",
	KindChunkBudgetExceeded: "CHUNK_BUDGET_EXCEEDED",
	KindPriorityOpGap:       "PRIORITY_OP_GAP",
	KindRootDivergence:      "ROOT_DIVERGENCE",
	KindL1Transient:         "L1_TRANSIENT",
	KindL1Permanent:         "L1_PERMANENT",
	KindProverJobStale:      "PROVER_JOB_STALE",
	KindAccountNotFound:     "ACCOUNT_NOT_FOUND",
	KindAccountNotEmpty:     "ACCOUNT_NOT_EMPTY",
	KindInvalidSwap:         "INVALID_SWAP",
	KindNFTNotOwned:         "NFT_NOT_OWNED",
	KindAuthNotFound:        "AUTH_NOT_FOUND",
	KindInvalidBatch:        "INVALID_BATCH",
	KindTimeRangeInvalid:    "TIME_RANGE_INVALID",
	KindDatabase:            "DATABASE",

	KindForcedExitNotAllowed: "FORCED_EXIT_NOT_ALLOWED",
}

// String returns the stable machine-readable code of the kind
func (k ErrorKind) String() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return fmt.Sprintf("UNKNOWN_%d", int(k))
}

// OpError is a typed error with a stable code and a human message
type OpError struct {
	Kind    ErrorKind
	Message string
	// Block is set for errors tied to a block number (RootDivergence)
	Block BlockNum
}

// NewOpError creates an OpError of the given kind
func NewOpError(kind ErrorKind, format string, args ...interface{}) *OpError {
	return &OpError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewRootDivergence creates the error returned when the root hashes of a
// block differ
func NewRootDivergence(block BlockNum) *OpError {
	return &OpError{
		Kind:    KindRootDivergence,
		Message: fmt.Sprintf("root hashes diverged at block %d", block),
		Block:   block,
	}
}

// Error implements the error interface
func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Code returns the stable machine-readable code
func (e *OpError) Code() string {
	return e.Kind.String()
}

// AsOpError returns the OpError inside err, if any
func AsOpError(err error) (*OpError, bool) {
	if err == nil {
		return nil, false
	}
	for err != nil {
		if opErr, ok := err.(*OpError); ok {
			return opErr, true
		}
		if _, ok := err.(tracerr.Error); ok {
			err = tracerr.Unwrap(err)
			continue
		}
		err = errors.Unwrap(err)
	}
	return nil, false
}

// IsKind returns true when err is an OpError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	opErr, ok := AsOpError(err)
	return ok && opErr.Kind == kind
}
