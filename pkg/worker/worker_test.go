package worker

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/manager"
	"github.com/cuemby/warren/pkg/messaging"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveResourceAgentConventions(t *testing.T) {
	cases := []struct {
		class    types.ResourceClass
		provider string
		typ      string
		want     string
	}{
		{types.ClassOCF, "heartbeat", "IPaddr2", "/usr/lib/ocf/resource.d/heartbeat/IPaddr2"},
		{types.ClassLSB, "", "nginx", "/etc/init.d/nginx"},
		{types.ClassSystemd, "", "nginx.service", "nginx.service"},
	}
	for _, c := range cases {
		got, err := resolveResourceAgent(c.class, c.provider, c.typ)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestResolveResourceAgentRejectsUnknownClass(t *testing.T) {
	_, err := resolveResourceAgent(types.ClassContainer, "", "web")
	assert.Error(t, err)
}

func TestBusAddrFromExecutorAppliesPortPlusOneConvention(t *testing.T) {
	assert.Equal(t, "10.0.0.5:7001", busAddrFromExecutor("10.0.0.5:7000"))
}

func TestBusAddrFromExecutorPassesThroughMalformedAddr(t *testing.T) {
	assert.Equal(t, "not-an-addr", busAddrFromExecutor("not-an-addr"))
}

// fakeManager emulates just enough of a manager node's cluster bus to
// exercise the worker's join client: it accepts one JoinRequest and
// dials back a JoinAck to the bus address derived (port+1) from the
// executor address the request claims.
type fakeManager struct {
	ln  net.Listener
	ack manager.JoinAck
}

func startFakeManager(t *testing.T, ack manager.JoinAck) *fakeManager {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fm := &fakeManager{ln: ln, ack: ack}
	go fm.serve(t)
	return fm
}

func (fm *fakeManager) addr() string { return fm.ln.Addr().String() }

func (fm *fakeManager) serve(t *testing.T) {
	conn, err := fm.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	env, err := messaging.ReadFrame(conn)
	if err != nil {
		return
	}
	var req manager.JoinRequest
	require.NoError(t, json.Unmarshal(env.Payload, &req))

	replyAddr := busAddrFromExecutor(req.ExecutorAddr)
	payload, err := json.Marshal(fm.ack)
	require.NoError(t, err)
	replyConn, err := net.Dial("tcp", replyAddr)
	if err != nil {
		return
	}
	defer replyConn.Close()
	messaging.WriteFrame(replyConn, &messaging.Envelope{
		Sender:  messaging.Sender{Name: "fake-dc", Type: "manager"},
		Class:   manager.JoinAckClass,
		Payload: payload,
	})
}

func freeExecutorAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	ln.Close()
	return net.JoinHostPort(host, port)
}

func TestJoinSucceedsAgainstAcceptingManager(t *testing.T) {
	fm := startFakeManager(t, manager.JoinAck{Version: manager.JoinVersion, OK: true})

	w := &Worker{
		cfg: Config{
			NodeID:              "worker-1",
			ExecutorListenAddr:  freeExecutorAddr(t),
			ManagerAddr:         fm.addr(),
			JoinToken:           "tok",
			JoinTimeout:         2 * time.Second,
			JoinRetries:         3,
		},
		logger: zerolog.Nop(),
		stopCh: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.join(ctx))
}

func TestJoinFollowsLeaderHintOnRejection(t *testing.T) {
	leader := startFakeManager(t, manager.JoinAck{Version: manager.JoinVersion, OK: true})
	nonLeader := startFakeManager(t, manager.JoinAck{
		Version:    manager.JoinVersion,
		OK:         false,
		Reason:     "not the cluster DC",
		LeaderHint: leader.addr(),
	})

	w := &Worker{
		cfg: Config{
			NodeID:             "worker-2",
			ExecutorListenAddr: freeExecutorAddr(t),
			ManagerAddr:        nonLeader.addr(),
			JoinToken:          "tok",
			JoinTimeout:        2 * time.Second,
			JoinRetries:        3,
		},
		logger: zerolog.Nop(),
		stopCh: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.join(ctx))
}

func TestJoinFailsAfterExhaustingRetriesWithNoManager(t *testing.T) {
	w := &Worker{
		cfg: Config{
			NodeID:              "worker-3",
			ExecutorListenAddr:  freeExecutorAddr(t),
			ManagerAddr:         "127.0.0.1:1", // nothing listens here
			JoinToken:           "tok",
			JoinTimeout:         50 * time.Millisecond,
			JoinRetries:         2,
		},
		logger: zerolog.Nop(),
		stopCh: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, w.join(ctx))
}
