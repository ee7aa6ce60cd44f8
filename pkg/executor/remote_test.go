package executor

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/xml"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a minimal Connection stand-in used as the Server's wrapped
// local endpoint in handshake/dispatch tests.
type fakeConn struct {
	mu        sync.Mutex
	cb        EventCallback
	registerd []*types.ResourceDefinition
	nextCall  uint64
}

func (f *fakeConn) Connect(ctx context.Context) error    { return nil }
func (f *fakeConn) Disconnect() error                    { return nil }
func (f *fakeConn) RegisterResource(def *types.ResourceDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerd = append(f.registerd, def)
	return nil
}
func (f *fakeConn) UnregisterResource(resourceID string) error { return nil }
func (f *fakeConn) ResourceInfo(resourceID string) (*types.ResourceHistoryEntry, bool) {
	return nil, false
}
func (f *fakeConn) Execute(ctx context.Context, req ExecuteRequest) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCall++
	return f.nextCall, nil
}
func (f *fakeConn) Cancel(resourceID, task string, interval time.Duration) error { return nil }
func (f *fakeConn) ListRecurring() []*types.PendingOp                            { return nil }
func (f *fakeConn) Reprobe() error                                              { return nil }
func (f *fakeConn) Poke(ctx context.Context) error                              { return nil }
func (f *fakeConn) OnEvent(cb EventCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}
func (f *fakeConn) push(ev *ResultEvent) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func startTestServer(t *testing.T, local Connection, psk []byte) (addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(local, psk)
	go srv.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestRemoteHandshakeAndRegisterRoundTrip(t *testing.T) {
	fc := &fakeConn{}
	psk := []byte("shared-secret")
	addr := startTestServer(t, fc, psk)

	r := NewRemote(addr, "node-b", psk)
	require.NoError(t, r.Connect(context.Background()))
	defer r.Disconnect()

	err := r.RegisterResource(&types.ResourceDefinition{
		ID: "r1", Class: "ocf", Provider: "heartbeat", Type: "IPaddr2",
		Parameters: map[string]string{"ip": "10.0.0.1"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.registerd) == 1
	}, time.Second, 5*time.Millisecond)

	fc.mu.Lock()
	def := fc.registerd[0]
	fc.mu.Unlock()
	assert.Equal(t, "r1", def.ID)
	assert.Equal(t, "10.0.0.1", def.Parameters["ip"])
}

func TestRemoteHandshakeFailsWithWrongPSK(t *testing.T) {
	fc := &fakeConn{}
	addr := startTestServer(t, fc, []byte("correct"))

	r := NewRemote(addr, "node-b", []byte("wrong"))
	err := r.Connect(context.Background())
	assert.Error(t, err)
}

func TestRemoteExecuteReturnsImmediatelyAndReachesServer(t *testing.T) {
	fc := &fakeConn{}
	psk := []byte("shared-secret")
	addr := startTestServer(t, fc, psk)

	r := NewRemote(addr, "node-b", psk)
	require.NoError(t, r.Connect(context.Background()))
	defer r.Disconnect()

	callID, err := r.Execute(context.Background(), ExecuteRequest{Resource: "r1", Task: types.TaskStart})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), callID, "Execute is fire-and-forget, callID arrives later via notify")

	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return fc.nextCall == 1
	}, time.Second, 5*time.Millisecond, "server should still have dispatched the execute op")
}

func TestRemoteReceivesPushedNotifyEvents(t *testing.T) {
	fc := &fakeConn{}
	psk := []byte("shared-secret")
	addr := startTestServer(t, fc, psk)

	r := NewRemote(addr, "node-b", psk)
	require.NoError(t, r.Connect(context.Background()))
	defer r.Disconnect()

	received := make(chan *ResultEvent, 1)
	r.OnEvent(func(ev *ResultEvent) { received <- ev })

	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return fc.cb != nil
	}, time.Second, 5*time.Millisecond)

	fc.push(&ResultEvent{CallID: 42, Resource: "r1", Task: types.TaskMonitor, RC: types.RCSuccess, Status: types.OpStatusDone})

	select {
	case ev := <-received:
		assert.Equal(t, uint64(42), ev.CallID)
		assert.Equal(t, "r1", ev.Resource)
	case <-time.After(time.Second):
		t.Fatal("expected notify event to arrive")
	}
}

func TestRemoteProtocolVersionMismatchIsRejected(t *testing.T) {
	fc := &fakeConn{}
	psk := []byte("shared-secret")
	addr := startTestServer(t, fc, psk)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	_, _, body, err := readFrame(reader)
	require.NoError(t, err)
	var challenge challengePayload
	require.NoError(t, xml.Unmarshal(body, &challenge))

	mac := hmac.New(sha256.New, psk)
	mac.Write(challenge.Nonce)
	require.NoError(t, writeFrame(writer, 0, frameAuth, authPayload{
		Name: "bad-client", Version: ProtocolVersion + 1, MAC: mac.Sum(nil),
	}))

	_, typ, welcomeBody, err := readFrame(reader)
	require.NoError(t, err)
	assert.Equal(t, frameWelcome, typ)
	var welcome welcomePayload
	require.NoError(t, xml.Unmarshal(welcomeBody, &welcome))
	assert.NotEmpty(t, welcome.Error)
}

func TestRemoteFireAndForgetDoesNotBlockAndAbsorbsLateReply(t *testing.T) {
	fc := &fakeConn{}
	psk := []byte("shared-secret")
	addr := startTestServer(t, fc, psk)

	r := NewRemote(addr, "node-b", psk)
	require.NoError(t, r.Connect(context.Background()))
	defer r.Disconnect()

	reply, err := r.call(rpcRequest{Op: "poke"}, true)
	assert.NoError(t, err)
	assert.Nil(t, reply)
}

func TestWireResourceDefinitionRoundTripsParametersAndMeta(t *testing.T) {
	def := &types.ResourceDefinition{
		ID: "r1", Class: "ocf", Provider: "heartbeat", Type: "IPaddr2",
		Parameters: map[string]string{"ip": "10.0.0.1", "cidr": "24"},
		Meta:       map[string]string{"target-role": "Started"},
	}

	wire := toWireDef(def)
	body, err := xml.Marshal(wire)
	require.NoError(t, err)

	var decoded wireResourceDefinition
	require.NoError(t, xml.Unmarshal(body, &decoded))

	back := fromWireDef(&decoded)
	assert.Equal(t, def.ID, back.ID)
	assert.Equal(t, def.Parameters, back.Parameters)
	assert.Equal(t, def.Meta, back.Meta)
}

func TestToWireDefNilIsNil(t *testing.T) {
	assert.Nil(t, toWireDef(nil))
	assert.Nil(t, fromWireDef(nil))
}
