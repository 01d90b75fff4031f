package a2a

import (
	"context"
	"time"

	"a2apay/tokens"
)

// ChainInfo names a supported chain.
type ChainInfo struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

// HandshakeResult is the platform's capability announcement.
type HandshakeResult struct {
	To                  string      `json:"to"`
	Agent               AgentCard   `json:"agent"`
	Methods             []Method    `json:"methods"`
	Protocols           []string    `json:"protocols"`
	NegotiatedProtocol  string      `json:"negotiated_protocol,omitempty"`
	Tokens              []string    `json:"tokens"`
	Chains              []ChainInfo `json:"chains"`
	ServerTime          string      `json:"server_time"`
	ReplayWindowSeconds int         `json:"replay_window_seconds"`
	// PeerCard reports the check of the caller's agent card, when one was sent.
	PeerCard            string      `json:"peer_card,omitempty"`
}

// Outcomes of checking a peer agent card.
const (
	PeerCardVerified = "verified"
	PeerCardUnsigned = "unsigned"
	PeerCardInvalid  = "invalid"
)

func (r *Router) handshake(_ context.Context, call *Call, params *HandshakeParams) (any, error) {
	chains := tokens.Chains()
	infos := make([]ChainInfo, 0, len(chains))
	for _, c := range chains {
		infos = append(infos, ChainInfo{ID: c.ID, Name: c.Name})
	}
	res := HandshakeResult{
		To:                  call.FromDID,
		Agent:               r.card,
		Methods:             Methods(),
		Protocols:           []string{ProtocolVersion},
		Tokens:              tokens.Symbols(),
		Chains:              infos,
		ServerTime:          r.now().UTC().Format(time.RFC3339),
		ReplayWindowSeconds: int(r.replay.Window() / time.Second),
	}
	if len(params.Protocols) == 0 {
		res.NegotiatedProtocol = ProtocolVersion
	}
	for _, p := range params.Protocols {
		if p == ProtocolVersion {
			res.NegotiatedProtocol = p
			break
		}
	}
	if card := params.AgentCard; card != nil {
		res.PeerCard = r.checkPeerCard(call, *card)
	}
	return res, nil
}

func (r *Router) checkPeerCard(call *Call, card AgentCard) string {
	if card.Signature == "" {
		r.logger.Info("peer agent card received", "from", call.FromDID, "agent", card.Name, "peer_card", PeerCardUnsigned)
		return PeerCardUnsigned
	}
	if err := VerifyCard(card, r.deps.Verifier); err != nil {
		r.security(r.logger.With("from", call.FromDID), "invalid_agent_card", err)
		return PeerCardInvalid
	}
	r.logger.Info("peer agent card received", "from", call.FromDID, "agent", card.Name, "peer_card", PeerCardVerified)
	return PeerCardVerified
}
