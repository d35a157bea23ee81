package escrow

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMinimumAmount(t *testing.T) {
	assert.Equal(t, big.NewInt(200), MinimumAmount(50))
	assert.Equal(t, big.NewInt(100), MinimumAmount(100))
	assert.Equal(t, big.NewInt(10000), MinimumAmount(1))
	assert.Equal(t, big.NewInt(34), MinimumAmount(300))

	// Degenerate fee config never blocks creation outright.
	assert.Equal(t, big.NewInt(1), MinimumAmount(0))
	assert.Equal(t, big.NewInt(1), MinimumAmount(-5))
}

func TestFeeFor(t *testing.T) {
	assert.Equal(t, big.NewInt(5), FeeFor(big.NewInt(1000), 50))
	assert.Equal(t, big.NewInt(1), FeeFor(big.NewInt(200), 50))
	// Below the floor the fee truncates to zero. Compare by sign: a
	// computed zero and a literal zero differ in internal representation.
	assert.Equal(t, 0, FeeFor(big.NewInt(199), 50).Sign())

	big1e18, _ := new(big.Int).SetString("1000000000000000000", 10)
	want, _ := new(big.Int).SetString("5000000000000000", 10)
	assert.Equal(t, want, FeeFor(big1e18, 50))
}

func TestQuorumRequired(t *testing.T) {
	assert.Equal(t, 6, QuorumRequired(10, 51))
	assert.Equal(t, 3, QuorumRequired(5, 51))
	assert.Equal(t, 2, QuorumRequired(3, 51))
	assert.Equal(t, 2, QuorumRequired(2, 51))
	assert.Equal(t, 1, QuorumRequired(1, 51))
	assert.Equal(t, 10, QuorumRequired(10, 100))

	// Empty pool still needs one vote; SafeEscape is the only way out.
	assert.Equal(t, 1, QuorumRequired(0, 51))
}
