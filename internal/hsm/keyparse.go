package hsm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/ssh"
)

var (
	errPassphraseRequired = errors.New("key is encrypted and no passphrase was supplied")
	errBadPassphrase      = errors.New("incorrect passphrase")
)

// parsePrivateKey decodes a PEM or OpenSSH encoded private key. Supported
// forms are PKCS#1, SEC1, PKCS#8, encrypted PKCS#8 and OpenSSH.
func parsePrivateKey(text, passphrase string) (crypto.Signer, error) {
	data := []byte(strings.TrimSpace(text))
	if len(data) == 0 {
		return nil, errors.New("empty key")
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "ENCRYPTED PRIVATE KEY":
		if passphrase == "" {
			return nil, errPassphraseRequired
		}
		key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(passphrase))
		if err != nil && strings.Contains(err.Error(), "incorrect password") {
			return nil, errBadPassphrase
		}
	case "OPENSSH PRIVATE KEY":
		key, err = parseOpenSSHKey(data, passphrase)
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
	if err != nil {
		return nil, err
	}
	return asSigner(key)
}

func parseOpenSSHKey(data []byte, passphrase string) (any, error) {
	var (
		key any
		err error
	)
	if passphrase == "" {
		key, err = ssh.ParseRawPrivateKey(data)
	} else {
		key, err = ssh.ParseRawPrivateKeyWithPassphrase(data, []byte(passphrase))
	}
	var missing *ssh.PassphraseMissingError
	switch {
	case err == nil:
		return key, nil
	case errors.As(err, &missing):
		return nil, errPassphraseRequired
	case errors.Is(err, x509.IncorrectPasswordError):
		return nil, errBadPassphrase
	default:
		return nil, err
	}
}

func asSigner(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	case *ed25519.PrivateKey:
		return *k, nil
	}
	return nil, fmt.Errorf("unsupported key type %T", key)
}

func keyType(key crypto.Signer) string {
	switch key.(type) {
	case *rsa.PrivateKey:
		return "rsa"
	case *ecdsa.PrivateKey:
		return "ecdsa"
	case ed25519.PrivateKey:
		return "ed25519"
	}
	return "unknown"
}

// localAlgorithm is a resolved signing algorithm for an in-process key.
type localAlgorithm struct {
	name    string
	keyType string
	hash    crypto.Hash
}

var localDigests = map[string]crypto.Hash{
	"SHA256": crypto.SHA256,
	"SHA384": crypto.SHA384,
	"SHA512": crypto.SHA512,
}

// resolveLocalAlgorithm maps names such as "RSA-SHA256", "ECDSA-SHA384",
// "SHA256" or "ED25519" onto the given key. A bare digest name takes the key
// type from the key itself.
func resolveLocalAlgorithm(name string, key crypto.Signer) (localAlgorithm, error) {
	kt := keyType(key)
	normalized := strings.ToUpper(strings.TrimSpace(name))

	if normalized == "ED25519" {
		if kt != "ed25519" {
			return localAlgorithm{}, fmt.Errorf("algorithm %s requires an ed25519 key, got %s", name, kt)
		}
		return localAlgorithm{name: "ED25519", keyType: kt}, nil
	}

	wantType := kt
	digest := normalized
	switch {
	case strings.HasPrefix(normalized, "RSA-"):
		wantType, digest = "rsa", strings.TrimPrefix(normalized, "RSA-")
	case strings.HasPrefix(normalized, "ECDSA-"):
		wantType, digest = "ecdsa", strings.TrimPrefix(normalized, "ECDSA-")
	}

	hash, ok := localDigests[strings.ReplaceAll(digest, "-", "")]
	if !ok {
		return localAlgorithm{}, fmt.Errorf("unsupported algorithm %q", name)
	}
	if wantType != kt {
		return localAlgorithm{}, fmt.Errorf("algorithm %s requires an %s key, got %s", name, wantType, kt)
	}
	if kt == "ed25519" {
		return localAlgorithm{}, fmt.Errorf("algorithm %s cannot be used with an ed25519 key", name)
	}

	return localAlgorithm{
		name:    strings.ToUpper(kt) + "-" + strings.ReplaceAll(digest, "-", ""),
		keyType: kt,
		hash:    hash,
	}, nil
}
