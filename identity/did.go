// Package identity converts between EVM addresses and did:pkh identifiers.
package identity

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultChainID is used when a caller does not name a chain.
const DefaultChainID uint64 = 1

const didPrefix = "did:pkh:eip155:"

var didPattern = regexp.MustCompile(`^did:pkh:eip155:([0-9]+):(0x[0-9a-fA-F]{40})$`)

// GenerateDID builds the did:pkh identifier for an address on the given chain.
// The address is lower-cased; a chain id of zero selects DefaultChainID.
func GenerateDID(address string, chainID uint64) string {
	if chainID == 0 {
		chainID = DefaultChainID
	}
	return fmt.Sprintf("%s%d:%s", didPrefix, chainID, strings.ToLower(strings.TrimSpace(address)))
}

// AddressFromDID returns the lower-cased account address named by did.
func AddressFromDID(did string) (string, bool) {
	m := didPattern.FindStringSubmatch(did)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[2]), true
}

// ChainIDFromDID returns the chain id named by did.
func ChainIDFromDID(did string) (uint64, bool) {
	m := didPattern.FindStringSubmatch(did)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// IsValidDID reports whether did is a well-formed did:pkh EVM identifier.
func IsValidDID(did string) bool {
	_, ok := AddressFromDID(did)
	if !ok {
		return false
	}
	_, ok = ChainIDFromDID(did)
	return ok
}
