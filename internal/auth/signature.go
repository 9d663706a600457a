package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"
)

var ErrInvalidSignature = errors.New("invalid signature")

// SupportedAlgs lists the key algorithms an agent may register with.
var SupportedAlgs = []string{"ed25519", "secp256k1", "rsa-pss", "rsa-sha256"}

func NormalizeAlg(alg string) (string, bool) {
	alg = strings.ToLower(strings.TrimSpace(alg))
	for _, a := range SupportedAlgs {
		if a == alg {
			return a, true
		}
	}
	return "", false
}

// VerifySignature checks that signature over message was made by the
// private half of publicKey. secp256k1 signatures are over the Ethereum
// personal-message hash so wallet tooling can produce them.
func VerifySignature(alg, publicKey, message, signature string) error {
	normalized, ok := NormalizeAlg(alg)
	if !ok {
		return fmt.Errorf("unsupported alg: %s", alg)
	}
	switch normalized {
	case "ed25519":
		return verifyEd25519(publicKey, message, signature)
	case "secp256k1":
		return verifySecp256k1(publicKey, message, signature)
	default:
		return verifyRSA(normalized, publicKey, message, signature)
	}
}

func verifyEd25519(publicKey, message, signature string) error {
	pubKey, sig, err := decodeEd25519(publicKey, signature)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pubKey, []byte(message), sig) {
		return fmt.Errorf("ed25519: %w", ErrInvalidSignature)
	}
	return nil
}

func verifySecp256k1(publicKey, message, signature string) error {
	pubKeyBytes, sigBytes, err := decodeHexPair(publicKey, signature)
	if err != nil {
		return err
	}
	pubKey, err := secp256k1.ParsePubKey(pubKeyBytes)
	if err != nil {
		return err
	}
	// r || s, optionally followed by a recovery byte
	if len(sigBytes) < 64 {
		return errors.New("invalid secp256k1 signature length")
	}
	r := new(big.Int).SetBytes(sigBytes[:32])
	s := new(big.Int).SetBytes(sigBytes[32:64])
	if !ecdsa.Verify(pubKey.ToECDSA(), ethereumPersonalHash([]byte(message)), r, s) {
		return fmt.Errorf("secp256k1: %w", ErrInvalidSignature)
	}
	return nil
}

func verifyRSA(alg, publicKey, message, signature string) error {
	pubKey, sig, err := decodeRSA(publicKey, signature)
	if err != nil {
		return err
	}
	h := sha256.Sum256([]byte(message))
	if alg == "rsa-pss" {
		err = rsa.VerifyPSS(pubKey, crypto.SHA256, h[:], sig, nil)
	} else {
		err = rsa.VerifyPKCS1v15(pubKey, crypto.SHA256, h[:], sig)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", alg, ErrInvalidSignature)
	}
	return nil
}

func decodeEd25519(pub, sig string) (ed25519.PublicKey, []byte, error) {
	pubBytes, err := decodeBase64OrHex(pub)
	if err != nil {
		return nil, nil, err
	}
	sigBytes, err := decodeBase64OrHex(sig)
	if err != nil {
		return nil, nil, err
	}
	if l := len(pubBytes); l != ed25519.PublicKeySize {
		return nil, nil, errors.New("invalid ed25519 public key length")
	}
	if l := len(sigBytes); l != ed25519.SignatureSize {
		return nil, nil, errors.New("invalid ed25519 signature length")
	}
	return ed25519.PublicKey(pubBytes), sigBytes, nil
}

func decodeRSA(pub, sig string) (*rsa.PublicKey, []byte, error) {
	pubStr := strings.TrimSpace(pub)
	var pubKey *rsa.PublicKey
	if strings.HasPrefix(pubStr, "-----BEGIN") {
		block, _ := pem.Decode([]byte(pubStr))
		if block == nil {
			return nil, nil, errors.New("invalid pem public key")
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err == nil {
			if pk, ok := parsed.(*rsa.PublicKey); ok {
				pubKey = pk
			}
		}
		if pubKey == nil {
			pk, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, nil, errors.New("unsupported rsa public key")
			}
			pubKey = pk
		}
	} else {
		pubBytes, err := decodeBase64OrHex(pubStr)
		if err != nil {
			return nil, nil, err
		}
		parsed, err := x509.ParsePKIXPublicKey(pubBytes)
		if err != nil {
			return nil, nil, err
		}
		pk, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, nil, errors.New("unsupported rsa public key")
		}
		pubKey = pk
	}

	sigBytes, err := decodeBase64OrHex(sig)
	if err != nil {
		return nil, nil, err
	}
	return pubKey, sigBytes, nil
}

func decodeHexPair(pub, sig string) ([]byte, []byte, error) {
	pubBytes, err := decodeHex(pub)
	if err != nil {
		return nil, nil, err
	}
	sigBytes, err := decodeHex(sig)
	if err != nil {
		return nil, nil, err
	}
	return pubBytes, sigBytes, nil
}

func decodeBase64OrHex(input string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(input); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(input); err == nil {
		return b, nil
	}
	return decodeHex(input)
}

func decodeHex(input string) ([]byte, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(input), "0x")
	return hex.DecodeString(clean)
}

func ethereumPersonalHash(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(prefix))
	h.Write(msg)
	return h.Sum(nil)
}
