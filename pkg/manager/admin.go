package manager

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/warren/pkg/messaging"
	"github.com/cuemby/warren/pkg/types"
)

// adminRequestClass and adminReplyClass let cmd/warren's operator
// commands (resource/fencing apply, peer/cluster inspection, manual
// fence) reach a manager node the same way pkg/worker's join client
// does: a plain envelope over the cluster bus, no separate RPC stack.
// There is deliberately no gRPC/HTTP admin surface here — the teacher's
// own client/api packages spoke gRPC to a service this repo's domain
// has no equivalent of, so the CLI speaks the bus's own wire format
// instead of resurrecting that dependency for a handful of commands.
const (
	AdminRequestClass = "admin-request"
	AdminReplyClass   = "admin-reply"
)

// AdminRequest is a one-shot operator command. Token is validated the
// same way a join token is; Op selects the handler below. ReplyAddr is
// a bus address the caller is already listening on, following the join
// handshake's reply-by-dial-back convention since SendToAddr has no
// notion of a request/response pair on one connection.
type AdminRequest struct {
	Version   int
	Op        string
	Token     string
	ReplyAddr string
	Payload   json.RawMessage
}

// AdminReply answers an AdminRequest. LeaderHint is populated the same
// way JoinAck's is: set only when OK is false because this node isn't
// DC and the operation needed a Raft commit.
type AdminReply struct {
	Version    int
	OK         bool
	Reason     string
	LeaderHint string
	Payload    json.RawMessage `json:"Payload,omitempty"`
}

// ClusterInfo is the "cluster.info" admin op's reply payload.
type ClusterInfo struct {
	NodeID     string
	IsLeader   bool
	LeaderAddr string
	Stats      map[string]interface{}
}

// fenceRequestPayload is the "fence" admin op's request payload: a
// direct, operator-triggered fence not gated behind a transition graph.
type fenceRequestPayload struct {
	Target string
	Action string
}

// resourceDeletePayload and deviceDeletePayload are the "resource.delete"
// / "fencing.delete" admin ops' request payloads.
type resourceDeletePayload struct{ ID string }
type deviceDeletePayload struct{ ID string }

// addVoterPayload is the "cluster.add-voter" admin op's request payload:
// the out-of-band step Manager.Join's doc comment requires before a new
// manager node can start Raft and call Join itself.
type addVoterPayload struct {
	NodeID   string
	BindAddr string
}

func (m *Manager) handleAdminRequestEnvelope(env *messaging.Envelope) {
	var req AdminRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		m.logger.Warn().Err(err).Msg("malformed admin request")
		return
	}

	if req.Version != JoinVersion {
		m.replyAdmin(req.ReplyAddr, AdminReply{Version: JoinVersion, OK: false, Reason: "admin protocol version mismatch"})
		return
	}
	if _, err := m.tokenManager.ValidateToken(req.Token); err != nil {
		m.replyAdmin(req.ReplyAddr, AdminReply{Version: JoinVersion, OK: false, Reason: err.Error()})
		return
	}

	payload, err := m.dispatchAdminOp(req.Op, req.Payload)
	if err != nil {
		if err == errNotLeader {
			m.replyAdmin(req.ReplyAddr, AdminReply{
				Version:    JoinVersion,
				OK:         false,
				Reason:     "not the cluster DC",
				LeaderHint: m.LeaderBusAddr(),
			})
			return
		}
		m.replyAdmin(req.ReplyAddr, AdminReply{Version: JoinVersion, OK: false, Reason: err.Error()})
		return
	}

	m.replyAdmin(req.ReplyAddr, AdminReply{Version: JoinVersion, OK: true, Payload: payload})
}

var errNotLeader = fmt.Errorf("manager: not the cluster leader")

// dispatchAdminOp runs one admin op and returns its reply payload
// (nil for ops with no reply body). Mutating ops require leadership,
// same as the join handshake's peer-merge path; read ops are served
// from this node's own CIB replica regardless of leadership.
func (m *Manager) dispatchAdminOp(op string, payload json.RawMessage) (json.RawMessage, error) {
	switch op {
	case "resource.apply":
		if !m.IsLeader() {
			return nil, errNotLeader
		}
		var def types.ResourceDefinition
		if err := json.Unmarshal(payload, &def); err != nil {
			return nil, err
		}
		existing, _ := m.store.GetResourceDefinition(def.ID)
		if existing != nil {
			return nil, m.UpdateResourceDefinition(&def)
		}
		return nil, m.CreateResourceDefinition(&def)

	case "resource.delete":
		if !m.IsLeader() {
			return nil, errNotLeader
		}
		var req resourceDeletePayload
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, m.DeleteResourceDefinition(req.ID)

	case "resource.list":
		defs, err := m.ListResourceDefinitions()
		if err != nil {
			return nil, err
		}
		return json.Marshal(defs)

	case "fencing.apply":
		if !m.IsLeader() {
			return nil, errNotLeader
		}
		var def types.FencingDeviceDefinition
		if err := json.Unmarshal(payload, &def); err != nil {
			return nil, err
		}
		existing, _ := m.store.GetFencingDeviceDefinition(def.ID)
		if existing != nil {
			return nil, m.UpdateFencingDeviceDefinition(&def)
		}
		return nil, m.CreateFencingDeviceDefinition(&def)

	case "fencing.delete":
		if !m.IsLeader() {
			return nil, errNotLeader
		}
		var req deviceDeletePayload
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, m.DeleteFencingDeviceDefinition(req.ID)

	case "fencing.list":
		defs, err := m.ListFencingDeviceDefinitions()
		if err != nil {
			return nil, err
		}
		return json.Marshal(defs)

	case "peers.list":
		peers, err := m.ListPeers()
		if err != nil {
			return nil, err
		}
		return json.Marshal(peers)

	case "cluster.info":
		info := ClusterInfo{NodeID: m.nodeID, IsLeader: m.IsLeader(), LeaderAddr: m.LeaderBusAddr()}
		if m.raft != nil {
			info.Stats = m.GetRaftStats()
		}
		return json.Marshal(info)

	case "cluster.add-voter":
		if !m.IsLeader() {
			return nil, errNotLeader
		}
		var req addVoterPayload
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, m.AddVoter(req.NodeID, req.BindAddr)

	case "fence":
		if !m.IsLeader() {
			return nil, errNotLeader
		}
		var req fenceRequestPayload
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		id, err := m.ManualFence(req.Target, req.Action)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct{ CommandID string }{id})

	default:
		return nil, fmt.Errorf("manager: unknown admin op %q", op)
	}
}

func (m *Manager) replyAdmin(addr string, reply AdminReply) {
	payload, err := json.Marshal(reply)
	if err != nil {
		m.logger.Error().Err(err).Msg("encode admin reply failed")
		return
	}
	env := &messaging.Envelope{
		Sender:  m.bus.sender(),
		Class:   AdminReplyClass,
		Payload: payload,
	}
	if err := m.bus.SendToAddr(addr, env); err != nil {
		m.logger.Warn().Err(err).Str("addr", addr).Msg("failed to deliver admin reply")
	}
}

// ManualFence fences target directly, bypassing the transition engine —
// the operator-triggered "fence this node now" path §4.4 expects to
// exist alongside graph-driven fencing. It shares dispatchFencingAction's
// local-attempt-plus-broadcast shape so both paths correlate results and
// record history identically; broadcastID is returned so the caller can
// watch for it being marked succeeded/failed via resource history.
func (m *Manager) ManualFence(target, action string) (string, error) {
	if action == "" {
		action = "reboot"
	}
	a := &types.Action{Node: target, Task: action, Timeout: 60 * time.Second}
	return m.dispatchFencingAction(a)
}
