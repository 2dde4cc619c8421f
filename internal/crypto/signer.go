package crypto

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	geth "github.com/ethereum/go-ethereum/crypto"

	"bridge/internal/types"
)

// Signer signs 32-byte digests with the node's bridge session key.
//
// The curve library is isolated behind this interface; round logic never
// touches key material directly.
type Signer interface {
	Sign(digest [32]byte) ([types.SignatureLength]byte, error)
	Address() common.Address
	PublicKey() []byte
}

// ECDSASigner signs with a secp256k1 key, producing recoverable signatures.
// Signing is deterministic: the same digest always yields the same bytes.
type ECDSASigner struct{ priv *ecdsa.PrivateKey }

func NewECDSASignerFromHex(hexkey string) (*ECDSASigner, error) {
	if hexkey == "" {
		return nil, errors.New("private key is empty")
	}
	pk, err := geth.HexToECDSA(hexkey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &ECDSASigner{priv: pk}, nil
}

// LoadECDSASigner loads the bridge session key from a file.
func LoadECDSASigner(keyFile string) (*ECDSASigner, error) {
	if keyFile == "" {
		return nil, errors.New("key file path is empty")
	}
	pk, err := geth.LoadECDSA(keyFile)
	if err != nil {
		return nil, fmt.Errorf("load private key from file: %w", err)
	}
	return &ECDSASigner{priv: pk}, nil
}

// GenerateECDSAKey generates a new bridge session key pair.
func GenerateECDSAKey() (*ECDSASigner, error) {
	pk, err := geth.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &ECDSASigner{priv: pk}, nil
}

func (s *ECDSASigner) Sign(digest [32]byte) ([types.SignatureLength]byte, error) {
	var out [types.SignatureLength]byte
	sig, err := geth.Sign(digest[:], s.priv)
	if err != nil {
		return out, err
	}
	copy(out[:], sig)
	return out, nil
}

func (s *ECDSASigner) Address() common.Address {
	return geth.PubkeyToAddress(s.priv.PublicKey)
}

func (s *ECDSASigner) PublicKey() []byte {
	return geth.FromECDSAPub(&s.priv.PublicKey)
}

// PrivateKeyHex returns the key as a hex string, for key generation tooling.
func (s *ECDSASigner) PrivateKeyHex() string {
	return fmt.Sprintf("%x", geth.FromECDSA(s.priv))
}

// SigningDigest commits to both the request digest and the event id so a
// signature for one request can never be replayed against another.
func SigningDigest(digest [32]byte, eventID uint64) [32]byte {
	msg := make([]byte, 40)
	copy(msg[:32], digest[:])
	binary.BigEndian.PutUint64(msg[32:], eventID)
	return geth.Keccak256Hash(msg)
}

// RecoverSigner returns the address that produced sig over digest.
func RecoverSigner(digest [32]byte, sig [types.SignatureLength]byte) (common.Address, error) {
	pub, err := geth.SigToPub(digest[:], sig[:])
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return geth.PubkeyToAddress(*pub), nil
}

// VerifyWitness checks that the witness signature recovers to its claimed
// signer for the witness digest and event id.
func VerifyWitness(w *types.Witness) bool {
	signer, err := RecoverSigner(SigningDigest(w.Digest, w.EventID), w.Signature)
	if err != nil {
		return false
	}
	return signer == w.Signer
}
