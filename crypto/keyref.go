package crypto

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// KeystorePassphraseEnv names the variable holding the passphrase for keystore: references.
const KeystorePassphraseEnv = "A2A_KEYSTORE_PASSPHRASE"

var ErrEmptyKeyRef = errors.New("crypto: empty key reference")

// ResolveKey loads a signing key from a reference of the form
//
//	env:NAME        hex key stored in an environment variable
//	file:/path      hex key stored in a file
//	keystore:/path  v3 keystore decrypted with $A2A_KEYSTORE_PASSPHRASE
//	0x...           raw hex key
func ResolveKey(ref string) (*PrivateKey, error) {
	return ResolveKeyWith(ref, func() (string, error) {
		return os.Getenv(KeystorePassphraseEnv), nil
	})
}

// ResolveKeyWith is ResolveKey with a caller-supplied keystore passphrase
// source. passphrase is only invoked for keystore: references.
func ResolveKeyWith(ref string, passphrase func() (string, error)) (*PrivateKey, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrEmptyKeyRef
	}
	scheme, rest, found := strings.Cut(ref, ":")
	if !found {
		return PrivateKeyFromHex(ref)
	}
	switch scheme {
	case "env":
		value, ok := os.LookupEnv(rest)
		if !ok || strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("crypto: environment variable %s is not set", rest)
		}
		return PrivateKeyFromHex(value)
	case "file":
		data, err := os.ReadFile(rest)
		if err != nil {
			return nil, fmt.Errorf("crypto: read key file: %w", err)
		}
		return PrivateKeyFromHex(string(data))
	case "keystore":
		secret, err := passphrase()
		if err != nil {
			return nil, fmt.Errorf("crypto: keystore passphrase: %w", err)
		}
		return LoadFromKeystore(rest, secret)
	default:
		return nil, fmt.Errorf("crypto: unknown key reference scheme %q", scheme)
	}
}
