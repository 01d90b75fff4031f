package a2a

import (
	"encoding/json"
	"errors"
	"strings"

	"a2apay/crypto"
	"a2apay/tokens"
)

// ProtocolVersion is advertised in agent cards and handshakes.
const ProtocolVersion = "a2a/1.0"

// AgentCard describes an agent's capabilities.
type AgentCard struct {
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Version      string        `json:"version,omitempty"`
	URL          string        `json:"url,omitempty"`
	Skills       []Skill       `json:"skills,omitempty"`
	Protocols    []string      `json:"protocols,omitempty"`
	Tokens       []string      `json:"tokens,omitempty"`
	Chains       []uint64      `json:"chains,omitempty"`
	Endpoints    CardEndpoints `json:"endpoints"`
	OwnerAddress string        `json:"owner_address,omitempty"`
	Signature    string        `json:"signature,omitempty"`
}

// Skill is one advertised capability.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// CardEndpoints lists where an agent can be reached.
type CardEndpoints struct {
	A2A       string `json:"a2a,omitempty"`
	AgentCard string `json:"agent_card,omitempty"`
}

// PlatformInfo configures the platform's own card.
type PlatformInfo struct {
	Name         string
	Description  string
	Version      string
	BaseURL      string
	OwnerAddress string
}

// PlatformCard derives the platform card from its configured base URL.
func PlatformCard(info PlatformInfo) AgentCard {
	base := strings.TrimRight(info.BaseURL, "/")
	chains := tokens.Chains()
	chainIDs := make([]uint64, 0, len(chains))
	for _, c := range chains {
		chainIDs = append(chainIDs, c.ID)
	}
	name := info.Name
	if name == "" {
		name = "A2A Payment Gateway"
	}
	return AgentCard{
		Name:        name,
		Description: info.Description,
		Version:     info.Version,
		URL:         base,
		Skills: []Skill{
			{ID: "payment-request", Name: "Payment request", Description: "Propose a stablecoin payment for owner approval", Tags: []string{"payments"}},
			{ID: "payment-quote", Name: "Payment quote", Description: "Estimate network fees for a transfer", Tags: []string{"payments", "fees"}},
			{ID: "payment-status", Name: "Payment status", Description: "Track proposals and settled transfers", Tags: []string{"payments"}},
		},
		Protocols:    []string{ProtocolVersion},
		Tokens:       tokens.Symbols(),
		Chains:       chainIDs,
		Endpoints:    CardEndpoints{A2A: base + "/a2a", AgentCard: base + "/.well-known/agent.json"},
		OwnerAddress: strings.ToLower(info.OwnerAddress),
	}
}

// SignCard signs the canonical form of card with key and records the
// signer as the owner.
func SignCard(card AgentCard, key *crypto.PrivateKey) (AgentCard, error) {
	card.OwnerAddress = strings.ToLower(key.Address().Hex())
	card.Signature = ""
	signed, err := SignParams(key, card)
	if err != nil {
		return AgentCard{}, err
	}
	var out AgentCard
	if err := json.Unmarshal(signed, &out); err != nil {
		return AgentCard{}, err
	}
	return out, nil
}

// VerifyCard checks a card signature against its owner address.
func VerifyCard(card AgentCard, v Verifier) error {
	if card.OwnerAddress == "" || card.Signature == "" {
		return errors.New("agent card is unsigned")
	}
	raw, err := json.Marshal(card)
	if err != nil {
		return err
	}
	message, err := Canonicalize(raw)
	if err != nil {
		return err
	}
	ok, err := v.Verify(card.OwnerAddress, message, card.Signature)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("agent card signature does not match owner")
	}
	return nil
}
