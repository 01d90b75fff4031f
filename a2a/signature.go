package a2a

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"a2apay/crypto"
	"a2apay/identity"
	"a2apay/observability/logging"
)

// Verifier checks that signature over message was produced by address.
// Implementations may return an error for malformed input.
type Verifier interface {
	Verify(address string, message []byte, signature string) (bool, error)
}

// EIP191Verifier verifies Ethereum personal-sign signatures.
type EIP191Verifier struct{}

// Verify recovers the signer of message and compares it with address.
func (EIP191Verifier) Verify(address string, message []byte, signature string) (bool, error) {
	recovered, err := crypto.RecoverAddressHex(message, signature)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(recovered.Hex(), address), nil
}

// VerifyParams authenticates a params object against the sender DID. It
// returns the lower-cased signer address, or false when the DID is malformed,
// the signature is missing, or verification fails for any reason.
func VerifyParams(v Verifier, logger *slog.Logger, did string, params []byte) (string, bool) {
	if logger == nil {
		logger = slog.Default()
	}
	expected, ok := identity.AddressFromDID(did)
	if !ok {
		return "", false
	}
	var envelope struct {
		Signature *string `json:"signature"`
	}
	if err := json.Unmarshal(params, &envelope); err != nil || envelope.Signature == nil || *envelope.Signature == "" {
		return "", false
	}
	message, err := Canonicalize(params)
	if err != nil {
		logger.Error("canonicalize params for verification", "error", err, "from", did)
		return "", false
	}
	valid, err := v.Verify(expected, message, *envelope.Signature)
	if err != nil {
		logger.Error("signature verification error", "error", err, "from", did,
			logging.MaskHex("signature", *envelope.Signature))
		return "", false
	}
	if !valid {
		return "", false
	}
	return expected, true
}

// SignParams signs a params value for sending: it canonicalizes params,
// signs the result with key and returns the params JSON with the signature member set.
func SignParams(key *crypto.PrivateKey, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("sign params: %w", err)
	}
	message, err := Canonicalize(raw)
	if err != nil {
		return nil, err
	}
	sig, err := key.SignMessageHex(message)
	if err != nil {
		return nil, fmt.Errorf("sign params: %w", err)
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, err
	}
	encodedSig, err := json.Marshal(sig)
	if err != nil {
		return nil, err
	}
	members[signatureField] = encodedSig
	return json.Marshal(members)
}
