package oracle

import (
	"crypto/ecdsa"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"

	"github.com/luxfi/perpvault/pkg/types"
)

// PriceEntry is one asset price inside a signed update batch.
type PriceEntry struct {
	Asset       types.Asset `json:"asset"`
	Price       *big.Int    `json:"price"`
	Confidence  *big.Int    `json:"conf,omitempty"`
	PublishTime int64       `json:"publish_time"`
}

// UpdateBatch is the signed payload body.
type UpdateBatch struct {
	Entries []PriceEntry `json:"entries"`
}

// SignedUpdate is an opaque payload plus a 65-byte secp256k1 signature over its digest.
type SignedUpdate struct {
	Payload   []byte `json:"payload"`
	Signature []byte `json:"signature"`
}

// EncodeBatch serializes entries into an update payload.
func EncodeBatch(entries []PriceEntry) ([]byte, error) {
	return json.Marshal(UpdateBatch{Entries: entries})
}

// DecodeBatch parses a payload produced by EncodeBatch.
func DecodeBatch(payload []byte) (*UpdateBatch, error) {
	var batch UpdateBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, ErrMalformedUpdate
	}
	if len(batch.Entries) == 0 {
		return nil, ErrMalformedUpdate
	}
	return &batch, nil
}

// Digest is keccak256(payload).
func Digest(payload []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(payload)
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// SignUpdate signs entries with key.
func SignUpdate(entries []PriceEntry, key *ecdsa.PrivateKey) (SignedUpdate, error) {
	payload, err := EncodeBatch(entries)
	if err != nil {
		return SignedUpdate{}, err
	}
	digest := Digest(payload)
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return SignedUpdate{}, err
	}
	return SignedUpdate{Payload: payload, Signature: sig}, nil
}

// Signer recovers the address that signed the payload.
func (u SignedUpdate) Signer() (common.Address, error) {
	if len(u.Payload) == 0 || len(u.Signature) != crypto.SignatureLength {
		return common.Address{}, ErrBadSignature
	}
	digest := Digest(u.Payload)
	pub, err := crypto.SigToPub(digest[:], u.Signature)
	if err != nil {
		return common.Address{}, ErrBadSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}
