package identity

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDIDRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	addressGen := gen.SliceOfN(20, gen.UInt8()).Map(func(b []uint8) string {
		raw := make([]byte, len(b))
		copy(raw, b)
		return "0x" + strings.ToUpper(hex.EncodeToString(raw))
	})

	properties.Property("address survives generate and extract", prop.ForAll(
		func(addr string, chain uint64) bool {
			did := GenerateDID(addr, chain)
			got, ok := AddressFromDID(did)
			return ok && got == strings.ToLower(addr)
		},
		addressGen,
		gen.UInt64Range(1, 1<<40),
	))

	properties.Property("chain id survives generate and extract", prop.ForAll(
		func(addr string, chain uint64) bool {
			got, ok := ChainIDFromDID(GenerateDID(addr, chain))
			return ok && got == chain
		},
		addressGen,
		gen.UInt64Range(1, 1<<40),
	))

	properties.TestingRun(t)
}
