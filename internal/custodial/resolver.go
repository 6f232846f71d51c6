// Package custodial derives ledger keypairs for identities that do not hold their own keys.
package custodial

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Identity is the ledger-side view of an off-chain identity.
type Identity struct {
	Email   string
	Address string
	key     *ecdsa.PrivateKey
}

// PrivateKeyHex returns the private reference. It is never logged or serialized.
func (i Identity) PrivateKeyHex() string {
	if i.key == nil {
		return ""
	}
	return hexutil.Encode(ethcrypto.FromECDSA(i.key))
}

// Sign produces a recoverable signature over keccak256(message).
func (i Identity) Sign(message []byte) (string, error) {
	if i.key == nil {
		return "", errors.New("identity has no key")
	}
	sig, err := ethcrypto.Sign(ethcrypto.Keccak256(message), i.key)
	if err != nil {
		return "", errors.Wrap(err, "sign")
	}
	return hexutil.Encode(sig), nil
}

// Resolver maps an email to a deterministic secp256k1 keypair. The cache only saves
// recomputation; the same secret always yields the same keys across restarts.
type Resolver struct {
	secret []byte
	cache  sync.Map
}

func NewResolver(secret string) (*Resolver, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("custodial secret is empty")
	}
	return &Resolver{secret: []byte(secret)}, nil
}

func (r *Resolver) Resolve(identity string) (Identity, error) {
	email := normalize(identity)
	if email == "" {
		return Identity{}, errors.New("identity is empty")
	}
	if v, ok := r.cache.Load(email); ok {
		return v.(Identity), nil
	}

	key, err := r.derive(email)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{
		Email:   email,
		Address: ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		key:     key,
	}
	actual, _ := r.cache.LoadOrStore(email, id)
	return actual.(Identity), nil
}

// derive hashes until the digest is a valid curve scalar; the first round succeeds
// with overwhelming probability.
func (r *Resolver) derive(email string) (*ecdsa.PrivateKey, error) {
	var counter [4]byte
	for i := uint32(0); i < 16; i++ {
		m := hmac.New(sha256.New, r.secret)
		m.Write([]byte(email))
		if i > 0 {
			binary.BigEndian.PutUint32(counter[:], i)
			m.Write(counter[:])
		}
		key, err := ethcrypto.ToECDSA(m.Sum(nil))
		if err == nil {
			return key, nil
		}
	}
	return nil, errors.Newf("could not derive key for %s", email)
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
