package main

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/manager"
	"github.com/cuemby/warren/pkg/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdminManager emulates just enough of a manager node's cluster bus
// to exercise adminClient: it accepts one AdminRequest and dials back
// the configured reply to the address the request names.
type fakeAdminManager struct {
	ln    net.Listener
	reply manager.AdminReply
}

func startFakeAdminManager(t *testing.T, reply manager.AdminReply) *fakeAdminManager {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fm := &fakeAdminManager{ln: ln, reply: reply}
	go fm.serve(t)
	return fm
}

func (fm *fakeAdminManager) addr() string { return fm.ln.Addr().String() }

func (fm *fakeAdminManager) serve(t *testing.T) {
	conn, err := fm.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	env, err := messaging.ReadFrame(conn)
	if err != nil {
		return
	}
	var req manager.AdminRequest
	require.NoError(t, json.Unmarshal(env.Payload, &req))

	payload, err := json.Marshal(fm.reply)
	require.NoError(t, err)
	replyConn, err := net.Dial("tcp", req.ReplyAddr)
	if err != nil {
		return
	}
	defer replyConn.Close()
	messaging.WriteFrame(replyConn, &messaging.Envelope{
		Sender:  messaging.Sender{Name: "fake-dc", Type: "manager"},
		Class:   manager.AdminReplyClass,
		Payload: payload,
	})
}

func TestAdminClientCallSucceedsAgainstAcceptingManager(t *testing.T) {
	payload, err := json.Marshal(manager.ClusterInfo{NodeID: "node-1", IsLeader: true})
	require.NoError(t, err)
	fm := startFakeAdminManager(t, manager.AdminReply{Version: manager.JoinVersion, OK: true, Payload: payload})

	c := newAdminClient(fm.addr(), "tok")
	c.timeout = 2 * time.Second

	var info manager.ClusterInfo
	require.NoError(t, c.call("cluster.info", struct{}{}, &info))
	assert.Equal(t, "node-1", info.NodeID)
	assert.True(t, info.IsLeader)
}

func TestAdminClientFollowsLeaderHintOnRejection(t *testing.T) {
	leader := startFakeAdminManager(t, manager.AdminReply{Version: manager.JoinVersion, OK: true})
	nonLeader := startFakeAdminManager(t, manager.AdminReply{
		Version:    manager.JoinVersion,
		OK:         false,
		Reason:     "not the cluster DC",
		LeaderHint: leader.addr(),
	})

	c := newAdminClient(nonLeader.addr(), "tok")
	c.timeout = 2 * time.Second

	require.NoError(t, c.call("fence", struct{ Target, Action string }{"node-2", "reboot"}, nil))
}

func TestAdminClientFailsAfterExhaustingRetriesWithNoManager(t *testing.T) {
	c := newAdminClient("127.0.0.1:1", "tok")
	c.timeout = 50 * time.Millisecond
	c.retries = 2

	err := c.call("cluster.info", struct{}{}, nil)
	assert.Error(t, err)
}
