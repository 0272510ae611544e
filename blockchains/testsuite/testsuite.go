package testsuite

import (
	"testing"

	"github.com/RogueTeam/ltcsweep/blockchains"
	"github.com/RogueTeam/ltcsweep/utils"
	"github.com/stretchr/testify/assert"
)

// DataGenerator defines an interface for test data generation.
type DataGenerator interface {
	// UnusedScriptHash returns a script hash without any history
	UnusedScriptHash() (scriptHash string)
}

// Test runs the read only behaviour every blockchains.Chain must honour.
func Test(t *testing.T, c blockchains.Chain, gen DataGenerator) {
	t.Run("Tip", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		height, err := c.Tip(ctx)
		assertions.Nil(err, "failed to retrieve tip")
		assertions.GreaterOrEqual(height, int64(0))
	})
	t.Run("Unused script", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		scriptHash := gen.UnusedScriptHash()

		history, err := c.History(ctx, scriptHash)
		assertions.Nil(err, "failed to retrieve history")
		assertions.Empty(history)

		balance, err := c.Balance(ctx, scriptHash)
		assertions.Nil(err, "failed to retrieve balance")
		assertions.Equal(blockchains.Balance{}, balance)

		unspent, err := c.ListUnspent(ctx, scriptHash)
		assertions.Nil(err, "failed to list unspent")
		assertions.Empty(unspent)

		tip, err := c.Tip(ctx)
		assertions.Nil(err, "failed to retrieve tip")
		assertions.Zero(blockchains.Confirmations(tip, history))
	})
	t.Run("FeeFor", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		small := c.FeeFor(ctx, 110)
		assertions.GreaterOrEqual(small, uint64(110), "rate is at least 1")

		big := c.FeeFor(ctx, 1_100)
		assertions.GreaterOrEqual(big, small)
	})
	t.Run("Broadcast garbage", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		_, err := c.Broadcast(ctx, "00")
		assertions.NotNil(err, "garbage should be rejected")
	})
}
