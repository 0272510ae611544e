// Package keyvault holds the key material of the gateway.
//
// Receiving keys are secp256k1 keys whose compressed public key hash is encoded as
// a native segwit v0 address. Private keys never leave the vault in plaintext: they
// are sealed with AES-256-GCM under a process wide key loaded once at startup.
package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

var (
	ErrConfiguration             = errors.New("invalid vault configuration")
	ErrAuthenticationFailure     = errors.New("ciphertext authentication failed")
	ErrInvalidAddress            = errors.New("invalid address")
	ErrUnsupportedWitnessVersion = errors.New("unsupported witness version")
)

type Config struct {
	// AES-256 key used to seal private keys
	Key []byte
	// Network used to encode addresses
	Network *Network
}

type Vault struct {
	aead    cipher.AEAD
	network *Network
}

// Key is a freshly generated receiving key
type Key struct {
	Private *btcec.PrivateKey
	Address string
}

func New(config Config) (v *Vault, err error) {
	if len(config.Key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrConfiguration, KeySize, len(config.Key))
	}
	if config.Network == nil {
		return nil, fmt.Errorf("%w: network not set", ErrConfiguration)
	}

	block, err := aes.NewCipher(config.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	v = &Vault{
		aead:    aead,
		network: config.Network,
	}
	return v, nil
}

// NewEncryptionKey returns a fresh AES-256 key for Config.Key
func NewEncryptionKey() (key []byte, err error) {
	key = make([]byte, KeySize)
	_, err = rand.Read(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read random key: %w", err)
	}
	return key, nil
}

// ParseEncryptionKey decodes a hex encoded AES-256 key
func ParseEncryptionKey(encoded string) (key []byte, err error) {
	key, err = hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not hex: %w", ErrConfiguration, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrConfiguration, KeySize, len(key))
	}
	return key, nil
}

func (v *Vault) Network() (network *Network) {
	return v.network
}

// GenerateKey creates a new key pair and its receiving address
func (v *Vault) GenerateKey() (key Key, err error) {
	private, err := btcec.NewPrivateKey()
	if err != nil {
		return key, fmt.Errorf("failed to generate private key: %w", err)
	}

	address, err := v.AddressOf(private.PubKey())
	if err != nil {
		return key, fmt.Errorf("failed to derive address: %w", err)
	}

	key = Key{
		Private: private,
		Address: address,
	}
	return key, nil
}

// AddressOf encodes the P2WPKH address of a public key
func (v *Vault) AddressOf(public *btcec.PublicKey) (address string, err error) {
	hash := btcutil.Hash160(public.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, v.network.params())
	if err != nil {
		return "", fmt.Errorf("failed to encode witness address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// Encrypt seals plain with a random nonce. Output is hex(nonce || tag || ciphertext).
// Encrypting the same input twice yields different outputs.
func (v *Vault) Encrypt(plain []byte) (blob string, err error) {
	var nonce [NonceSize]byte
	_, err = rand.Read(nonce[:])
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce[:], plain, nil)
	ciphertext, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, NonceSize+len(sealed))
	out = append(out, nonce[:]...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return hex.EncodeToString(out), nil
}

// Decrypt opens a blob produced by Encrypt
func (v *Vault) Decrypt(blob string) (plain []byte, err error) {
	raw, err := hex.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailure, err)
	}

	if len(raw) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: blob too short", ErrAuthenticationFailure)
	}

	nonce := raw[:NonceSize]
	tag := raw[NonceSize : NonceSize+TagSize]
	ciphertext := raw[NonceSize+TagSize:]

	plain, err = v.aead.Open(nil, nonce, slices.Concat(ciphertext, tag), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailure, err)
	}
	return plain, nil
}

// SealKey encrypts the hex encoding of a private key scalar
func (v *Vault) SealKey(private *btcec.PrivateKey) (blob string, err error) {
	return v.Encrypt([]byte(hex.EncodeToString(private.Serialize())))
}

// OpenKey reverses SealKey
func (v *Vault) OpenKey(blob string) (private *btcec.PrivateKey, err error) {
	plain, err := v.Decrypt(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key: %w", err)
	}

	scalar, err := hex.DecodeString(string(plain))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(scalar) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("failed to decode key: invalid length %d", len(scalar))
	}

	private, _ = btcec.PrivKeyFromBytes(scalar)
	return private, nil
}

// PayToAddress returns the output script paying to address
func (v *Vault) PayToAddress(address string) (script []byte, err error) {
	program, err := v.network.decodeWitness(address)
	if err != nil {
		return nil, err
	}

	script, err = txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(program).
		Script()
	if err != nil {
		return nil, fmt.Errorf("failed to build witness script: %w", err)
	}
	return script, nil
}

// ScriptHash is the key used by Electrum servers to index an address:
// sha256 of the output script, byte reversed, hex encoded.
func (v *Vault) ScriptHash(address string) (scriptHash string, err error) {
	script, err := v.PayToAddress(address)
	if err != nil {
		return "", err
	}
	return ScriptHashOf(script), nil
}

// ScriptHashOf computes the Electrum script hash of an output script
func ScriptHashOf(script []byte) (scriptHash string) {
	hash := sha256.Sum256(script)
	slices.Reverse(hash[:])
	return hex.EncodeToString(hash[:])
}
