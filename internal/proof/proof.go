// Package proof contains pure ownership-proof validation for reward wallets.
//
// Two proof shapes are supported: a signature over a server-issued challenge
// (recover the signer, compare to the claimed address) and, for the assisted
// review path only, raw key material (derive the address, compare to the
// claim). Functions here perform no I/O, never panic on malformed input, and
// report failures as structured results rather than errors.
package proof

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

// Network identifies the chain family a wallet address belongs to.
type Network string

const (
	NetworkERC20   Network = "ERC20"
	NetworkBEP20   Network = "BEP20"
	NetworkTRC20   Network = "TRC20"
	NetworkPolygon Network = "polygon"
)

// Valid reports whether the network is one the platform supports.
func (n Network) Valid() bool {
	switch n {
	case NetworkERC20, NetworkBEP20, NetworkTRC20, NetworkPolygon:
		return true
	}
	return false
}

// evmStyle reports whether addresses/signatures follow Ethereum conventions.
func (n Network) evmStyle() bool {
	return n != NetworkTRC20
}

// tronAddressPrefix is the version byte of TRON base58check addresses.
const tronAddressPrefix = 0x41

// SignatureResult is the outcome of validating a challenge signature.
type SignatureResult struct {
	Valid            bool   `json:"valid"`
	RecoveredAddress string `json:"recoveredAddress,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// KeyResult is the outcome of validating submitted key material.
type KeyResult struct {
	Valid          bool   `json:"valid"`
	DerivedAddress string `json:"derivedAddress,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// HashChallenge produces the signed-message digest for a challenge on the
// given network. EVM networks use the EIP-191 personal-sign prefix; TRON
// uses its TIP-191 equivalent.
func HashChallenge(network Network, message string) []byte {
	var prefix string
	if network.evmStyle() {
		prefix = fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	} else {
		prefix = fmt.Sprintf("\x19TRON Signed Message:\n%d", len(message))
	}
	return crypto.Keccak256([]byte(prefix + message))
}

// ValidateSignature recovers the signer of a challenge message and compares
// it to the claimed wallet address. Malformed encodings, wrong-length
// signatures and recovery failures all yield Valid=false with a reason,
// never an error.
func ValidateSignature(challengeMessage, claimedAddress string, network Network, signatureHex string) SignatureResult {
	res := ValidateRecovery(challengeMessage, network, signatureHex)
	if !res.Valid {
		return res
	}
	if !AddressesEqual(network, res.RecoveredAddress, claimedAddress) {
		return SignatureResult{
			RecoveredAddress: res.RecoveredAddress,
			Reason:           "recovered address does not match claimed wallet",
		}
	}
	return res
}

// ValidateRecovery recovers the signer of a challenge message without
// binding it to any particular claim. Quorum checks use it to collect
// distinct signers.
func ValidateRecovery(challengeMessage string, network Network, signatureHex string) SignatureResult {
	if !network.Valid() {
		return SignatureResult{Reason: "unsupported network"}
	}
	if challengeMessage == "" {
		return SignatureResult{Reason: "empty challenge"}
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return SignatureResult{Reason: "signature is not valid hex"}
	}
	if len(sig) != 65 {
		return SignatureResult{Reason: fmt.Sprintf("signature must be 65 bytes, got %d", len(sig))}
	}

	// Wallets produce v = 27/28; Ecrecover expects 0/1.
	recovery := make([]byte, 65)
	copy(recovery, sig)
	if recovery[64] >= 27 {
		recovery[64] -= 27
	}
	if recovery[64] > 1 {
		return SignatureResult{Reason: "invalid recovery id"}
	}

	digest := HashChallenge(network, challengeMessage)
	pubBytes, err := crypto.Ecrecover(digest, recovery)
	if err != nil {
		return SignatureResult{Reason: "signature recovery failed"}
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return SignatureResult{Reason: "recovered key is malformed"}
	}

	return SignatureResult{Valid: true, RecoveredAddress: AddressFromPubkey(network, pub)}
}

// ValidateKeyOwnership derives the wallet address from submitted key material
// and compares it to the claim. The contract is strict: exactly 64 hex
// characters, optionally 0x-prefixed; anything else is invalid with no
// partial credit. Callers must discard keyHex immediately after this returns.
func ValidateKeyOwnership(claimedAddress string, network Network, keyHex string) KeyResult {
	if !network.Valid() {
		return KeyResult{Reason: "unsupported network"}
	}

	trimmed := strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")
	if len(trimmed) != 64 {
		return KeyResult{Reason: "key material must be 64 hex characters"}
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return KeyResult{Reason: "key material is not a valid secp256k1 key"}
	}

	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return KeyResult{Reason: "key material has no derivable public key"}
	}

	derived := AddressFromPubkey(network, pub)
	if !AddressesEqual(network, derived, claimedAddress) {
		return KeyResult{
			DerivedAddress: derived,
			Reason:         "derived address does not match claimed wallet",
		}
	}
	return KeyResult{Valid: true, DerivedAddress: derived}
}

// AddressFromPubkey derives the canonical wallet address for a network.
func AddressFromPubkey(network Network, pub *ecdsa.PublicKey) string {
	if network.evmStyle() {
		return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex())
	}
	return tronAddress(pub)
}

// tronAddress builds a base58check address: 0x41 + keccak(pubkey)[12:],
// with a double-SHA256 checksum.
func tronAddress(pub *ecdsa.PublicKey) string {
	ethAddr := crypto.PubkeyToAddress(*pub)
	payload := append([]byte{tronAddressPrefix}, ethAddr.Bytes()...)
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return base58.Encode(append(payload, second[:4]...))
}

// AddressesEqual compares two addresses for the network in constant time.
// EVM addresses compare case-insensitively; TRON base58 addresses compare
// exactly.
func AddressesEqual(network Network, a, b string) bool {
	var na, nb string
	if network.evmStyle() {
		na, nb = strings.ToLower(a), strings.ToLower(b)
	} else {
		na, nb = a, b
	}
	if len(na) != len(nb) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(na), []byte(nb)) == 1
}

// IsValidAddress reports whether an address is well-formed for the network.
func IsValidAddress(network Network, addr string) bool {
	if !network.Valid() {
		return false
	}
	if network.evmStyle() {
		if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
			return false
		}
		_, err := hex.DecodeString(addr[2:])
		return err == nil
	}
	raw, err := base58.Decode(addr)
	if err != nil || len(raw) != 25 || raw[0] != tronAddressPrefix {
		return false
	}
	payload, checksum := raw[:21], raw[21:]
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return subtle.ConstantTimeCompare(checksum, second[:4]) == 1
}
