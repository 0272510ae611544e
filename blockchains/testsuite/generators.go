package testsuite

import (
	"github.com/RogueTeam/ltcsweep/keyvault"
	"github.com/RogueTeam/ltcsweep/random"
)

type RandomGenerator struct {
}

// ScriptHash of a script nobody can have used
func (g *RandomGenerator) UnusedScriptHash() (scriptHash string) {
	return keyvault.ScriptHashOf(random.Bytes(random.CryptoRand(), 22))
}
