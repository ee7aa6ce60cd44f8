package manager

import (
	"encoding/json"

	"github.com/cuemby/warren/pkg/messaging"
	"github.com/cuemby/warren/pkg/types"
)

// JoinVersion is bumped only on a wire-incompatible change to JoinRequest
// or JoinAck; a mismatch fails the handshake with a clear reason instead
// of a confusing downstream decode error. This is the "coarse version
// handshake" the rolling-upgrade non-goal still expects to exist.
const JoinVersion = 1

// JoinRequest is sent by a node that wants to become a peer: a worker
// with no Raft voice of its own, or a manager node rejoining after a
// restart. Token is validated against the issuing node's TokenManager.
// It and JoinAck are exported so pkg/worker's join client can speak the
// same wire format without reimplementing it.
type JoinRequest struct {
	Version      int
	Name         string
	Token        string
	ExecutorAddr string
}

// JoinAck is the handshake reply. Reason is set only when OK is false.
// LeaderHint carries the raft leader's cluster-bus address when the
// node servicing the request isn't DC itself, so the requester can
// retry there instead of looping over its seed list.
type JoinAck struct {
	Version    int
	OK         bool
	Reason     string
	LeaderHint string
}

// handleJoinRequestEnvelope validates an incoming join and, on success,
// merges the peer into the cache with JoinWelcomed so it becomes visible
// to ListPeers and eligible for dispatch immediately — the remaining join
// phases (integrated/finalized/confirmed) are advanced by the requester's
// own later traffic (SetJoinPhase calls), not this handshake.
func (m *Manager) handleJoinRequestEnvelope(env *messaging.Envelope) {
	var req JoinRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		m.logger.Warn().Err(err).Msg("malformed join request")
		return
	}

	replyAddr := clusterBusAddrFromExecutor(req.ExecutorAddr)

	if req.Version != JoinVersion {
		m.replyJoin(replyAddr, JoinAck{Version: JoinVersion, OK: false, Reason: "join protocol version mismatch"})
		return
	}

	role, err := m.tokenManager.ValidateToken(req.Token)
	if err != nil {
		m.logger.Warn().Err(err).Str("peer", req.Name).Msg("join rejected: invalid token")
		m.replyJoin(replyAddr, JoinAck{Version: JoinVersion, OK: false, Reason: err.Error()})
		return
	}

	if !m.IsLeader() {
		m.replyJoin(replyAddr, JoinAck{
			Version:    JoinVersion,
			OK:         false,
			Reason:     "not the cluster DC",
			LeaderHint: m.LeaderBusAddr(),
		})
		return
	}

	m.peers.Merge(&types.Peer{
		Name:      req.Name,
		Address:   req.ExecutorAddr,
		Liveness:  types.LivenessMember,
		JoinPhase: types.JoinWelcomed,
	})
	m.logger.Info().Str("peer", req.Name).Str("role", role).Msg("peer joined")
	m.replyJoin(replyAddr, JoinAck{Version: JoinVersion, OK: true})
}

func (m *Manager) replyJoin(addr string, ack JoinAck) {
	payload, err := json.Marshal(ack)
	if err != nil {
		m.logger.Error().Err(err).Msg("encode join ack failed")
		return
	}
	env := &messaging.Envelope{
		Sender:  m.bus.sender(),
		Class:   JoinAckClass,
		Payload: payload,
	}
	if err := m.bus.SendToAddr(addr, env); err != nil {
		m.logger.Warn().Err(err).Str("addr", addr).Msg("failed to deliver join ack")
	}
}
