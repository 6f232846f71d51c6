package custodial

import (
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_Deterministic(t *testing.T) {
	r1, err := NewResolver("custodial-secret")
	require.NoError(t, err)
	r2, err := NewResolver("custodial-secret")
	require.NoError(t, err)

	a, err := r1.Resolve("Buyer@Example.com ")
	require.NoError(t, err)
	b, err := r2.Resolve("buyer@example.com")
	require.NoError(t, err)

	assert.Equal(t, a.Address, b.Address)
	assert.Equal(t, a.PrivateKeyHex(), b.PrivateKeyHex())
	assert.True(t, common.IsHexAddress(a.Address))

	other, err := r1.Resolve("seller@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, a.Address, other.Address)
}

func TestResolve_SecretChangesKeys(t *testing.T) {
	r1, _ := NewResolver("one")
	r2, _ := NewResolver("two")
	a, _ := r1.Resolve("buyer@example.com")
	b, _ := r2.Resolve("buyer@example.com")
	assert.NotEqual(t, a.Address, b.Address)
}

func TestResolve_KeyMatchesAddress(t *testing.T) {
	r, _ := NewResolver("custodial-secret")
	id, err := r.Resolve("buyer@example.com")
	require.NoError(t, err)

	raw, err := hexutil.Decode(id.PrivateKeyHex())
	require.NoError(t, err)
	key, err := ethcrypto.ToECDSA(raw)
	require.NoError(t, err)
	assert.Equal(t, id.Address, ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
}

func TestIdentity_Sign(t *testing.T) {
	r, _ := NewResolver("custodial-secret")
	id, _ := r.Resolve("buyer@example.com")

	msg := []byte("withdraw")
	sigHex, err := id.Sign(msg)
	require.NoError(t, err)
	sig, err := hexutil.Decode(sigHex)
	require.NoError(t, err)

	pub, err := ethcrypto.SigToPub(ethcrypto.Keccak256(msg), sig)
	require.NoError(t, err)
	assert.Equal(t, id.Address, ethcrypto.PubkeyToAddress(*pub).Hex())
}

func TestResolve_Concurrent(t *testing.T) {
	r, _ := NewResolver("custodial-secret")
	var wg sync.WaitGroup
	addrs := make([]string, 32)
	for i := range addrs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.Resolve("buyer@example.com")
			if err == nil {
				addrs[i] = id.Address
			}
		}(i)
	}
	wg.Wait()
	for _, a := range addrs {
		assert.Equal(t, addrs[0], a)
	}
}

func TestNewResolver_Errors(t *testing.T) {
	_, err := NewResolver("")
	assert.Error(t, err)

	r, _ := NewResolver("x")
	_, err = r.Resolve("   ")
	assert.Error(t, err)
}
