package keyvault

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
)

// Network holds the address encoding parameters of a chain
type Network struct {
	// Name of the network, used in configuration files
	Name string
	// Human readable part of segwit addresses
	HRP string
}

var (
	Litecoin        = &Network{Name: "litecoin", HRP: "ltc"}
	LitecoinTestnet = &Network{Name: "litecoin-testnet", HRP: "tltc"}
	LitecoinRegtest = &Network{Name: "litecoin-regtest", HRP: "rltc"}
)

var networks = map[string]*Network{
	Litecoin.Name:        Litecoin,
	LitecoinTestnet.Name: LitecoinTestnet,
	LitecoinRegtest.Name: LitecoinRegtest,
}

// NetworkByName returns one of the known networks
func NetworkByName(name string) (network *Network, err error) {
	network, found := networks[name]
	if !found {
		return nil, fmt.Errorf("%w: unknown network %q", ErrConfiguration, name)
	}
	return network, nil
}

// btcutil only reads the segwit HRP when encoding witness addresses
func (n *Network) params() (params *chaincfg.Params) {
	return &chaincfg.Params{
		Name:            n.Name,
		Bech32HRPSegwit: n.HRP,
	}
}

// Decodes a native segwit address into its witness program.
// Only version 0 programs of 20 (P2WPKH) or 32 (P2WSH) bytes are accepted.
func (n *Network) decodeWitness(address string) (program []byte, err error) {
	hrp, data, encoding, err := bech32.DecodeGeneric(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidAddress, address, err)
	}

	if !strings.EqualFold(hrp, n.HRP) {
		return nil, fmt.Errorf("%w: %s: expecting prefix %q", ErrInvalidAddress, address, n.HRP)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s: empty witness data", ErrInvalidAddress, address)
	}

	version := data[0]
	if version != 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedWitnessVersion, version)
	}

	if encoding != bech32.Version0 {
		return nil, fmt.Errorf("%w: %s: witness v0 requires bech32 checksum", ErrInvalidAddress, address)
	}

	program, err = bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidAddress, address, err)
	}

	switch len(program) {
	case 20, 32:
		return program, nil
	default:
		return nil, fmt.Errorf("%w: %s: invalid program length %d", ErrInvalidAddress, address, len(program))
	}
}
