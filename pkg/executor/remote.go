package executor

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/messaging"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
)

// ProtocolVersion is negotiated at handshake; a mismatch is a hard,
// connection-ending error.
const ProtocolVersion = 1

// maxSyncWait is the hard ceiling on a synchronous remote call, past
// which the connection is declared dead.
const maxSyncWait = 10 * time.Second

type frameType string

const (
	frameChallenge frameType = "challenge"
	frameAuth      frameType = "auth"
	frameWelcome   frameType = "welcome"
	frameRequest   frameType = "request"
	frameReply     frameType = "reply"
	frameNotify    frameType = "notify"
)

// challengePayload carries the server's HMAC nonce.
type challengePayload struct {
	XMLName xml.Name `xml:"challenge"`
	Nonce   []byte   `xml:"nonce"`
}

// authPayload is the client's proof of PSK possession plus its
// identity and protocol version.
type authPayload struct {
	XMLName xml.Name `xml:"auth"`
	Name    string   `xml:"name"`
	Version int      `xml:"version"`
	MAC     []byte   `xml:"mac"`
}

// welcomePayload is the server's handshake reply: the negotiated
// version and the token every subsequent request must carry.
type welcomePayload struct {
	XMLName xml.Name `xml:"welcome"`
	Version int      `xml:"version"`
	Token   string   `xml:"token"`
	Error   string   `xml:"error,omitempty"`
}

// kv is a single key/value pair, used to carry the map-typed fields of
// ResourceDefinition over the wire: encoding/xml has no native map
// support, so Parameters and Meta are flattened to slices of kv.
type kv struct {
	Key   string `xml:"key"`
	Value string `xml:"value"`
}

// wireResourceDefinition is the XML-safe projection of
// types.ResourceDefinition used in register requests.
type wireResourceDefinition struct {
	XMLName    xml.Name `xml:"definition"`
	ID         string   `xml:"id"`
	Class      string   `xml:"class"`
	Provider   string   `xml:"provider,omitempty"`
	Type       string   `xml:"type"`
	Parameters []kv     `xml:"parameters>param,omitempty"`
	Meta       []kv     `xml:"meta>entry,omitempty"`
}

func toWireDef(def *types.ResourceDefinition) *wireResourceDefinition {
	if def == nil {
		return nil
	}
	w := &wireResourceDefinition{
		ID:       def.ID,
		Class:    string(def.Class),
		Provider: def.Provider,
		Type:     def.Type,
	}
	for k, v := range def.Parameters {
		w.Parameters = append(w.Parameters, kv{Key: k, Value: v})
	}
	for k, v := range def.Meta {
		w.Meta = append(w.Meta, kv{Key: k, Value: v})
	}
	return w
}

func fromWireDef(w *wireResourceDefinition) *types.ResourceDefinition {
	if w == nil {
		return nil
	}
	def := &types.ResourceDefinition{
		ID:       w.ID,
		Class:    types.ResourceClass(w.Class),
		Provider: w.Provider,
		Type:     w.Type,
	}
	if len(w.Parameters) > 0 {
		def.Parameters = make(map[string]string, len(w.Parameters))
		for _, p := range w.Parameters {
			def.Parameters[p.Key] = p.Value
		}
	}
	if len(w.Meta) > 0 {
		def.Meta = make(map[string]string, len(w.Meta))
		for _, p := range w.Meta {
			def.Meta[p.Key] = p.Value
		}
	}
	return def
}

// rpcRequest is the envelope for every non-handshake request.
type rpcRequest struct {
	XMLName       xml.Name                `xml:"request"`
	Token         string                  `xml:"token"`
	Op            string                  `xml:"op"`
	ResourceID    string                  `xml:"resource_id,omitempty"`
	Def           *wireResourceDefinition `xml:"definition,omitempty"`
	Task          string                  `xml:"task,omitempty"`
	IntervalMS    int64                   `xml:"interval_ms,omitempty"`
	TimeoutMS     int64                   `xml:"timeout_ms,omitempty"`
	TransitionKey string                  `xml:"transition_key,omitempty"`
}

// rpcReply is the envelope for every non-handshake reply.
type rpcReply struct {
	XMLName xml.Name `xml:"reply"`
	Token   string   `xml:"token"`
	Error   string   `xml:"error,omitempty"`
	CallID  uint64   `xml:"call_id,omitempty"`
	Ok      bool     `xml:"ok,omitempty"`
}

// rpcNotify carries an asynchronous ResultEvent pushed by the remote
// Local without the caller having to poll.
type rpcNotify struct {
	XMLName       xml.Name `xml:"notify"`
	CallID        uint64   `xml:"call_id"`
	Resource      string   `xml:"resource"`
	Task          string   `xml:"task"`
	IntervalMS    int64    `xml:"interval_ms"`
	RC            int      `xml:"rc"`
	Status        string   `xml:"status"`
	Outcome       int      `xml:"outcome"`
	TransitionKey string   `xml:"transition_key,omitempty"`
	StdoutTail    string   `xml:"stdout_tail,omitempty"`
	StderrTail    string   `xml:"stderr_tail,omitempty"`
}

// Remote is the Connection variant that proxies the operation surface
// to a Local connection running on another node, over a line-oriented
// id/type/XML-framed TCP stream authenticated with an HMAC-SHA256
// challenge derived from a pre-shared key.
type Remote struct {
	addr string
	name string
	psk  []byte

	logger zerolog.Logger
	table  *messaging.Table

	mu    sync.Mutex
	conn  net.Conn
	w     *bufio.Writer
	token string

	cbMu sync.RWMutex
	cb   EventCallback

	closed chan struct{}
}

// NewRemote creates a Remote connection to addr, identifying itself as
// name and authenticating with psk.
func NewRemote(addr, name string, psk []byte) *Remote {
	return &Remote{
		addr:   addr,
		name:   name,
		psk:    psk,
		logger: log.WithComponent("executor-remote"),
		table:  messaging.NewTable(),
		closed: make(chan struct{}),
	}
}

func (r *Remote) OnEvent(cb EventCallback) {
	r.cbMu.Lock()
	r.cb = cb
	r.cbMu.Unlock()
}

// Connect dials addr and performs the HMAC-challenge handshake.
func (r *Remote) Connect(ctx context.Context) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return fmt.Errorf("executor: dial %s: %w", r.addr, err)
	}

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	_, _, challengeBody, err := readFrame(reader)
	if err != nil {
		conn.Close()
		return fmt.Errorf("executor: read challenge: %w", err)
	}
	var challenge challengePayload
	if err := xml.Unmarshal(challengeBody, &challenge); err != nil {
		conn.Close()
		return fmt.Errorf("executor: decode challenge: %w", err)
	}

	mac := hmac.New(sha256.New, r.psk)
	mac.Write(challenge.Nonce)

	auth := authPayload{Name: r.name, Version: ProtocolVersion, MAC: mac.Sum(nil)}
	if err := writeFrame(writer, 0, frameAuth, auth); err != nil {
		conn.Close()
		return fmt.Errorf("executor: send auth: %w", err)
	}

	_, _, welcomeBody, err := readFrame(reader)
	if err != nil {
		conn.Close()
		return fmt.Errorf("executor: read welcome: %w", err)
	}
	var welcome welcomePayload
	if err := xml.Unmarshal(welcomeBody, &welcome); err != nil {
		conn.Close()
		return fmt.Errorf("executor: decode welcome: %w", err)
	}
	if welcome.Error != "" {
		conn.Close()
		return fmt.Errorf("executor: handshake rejected: %s", welcome.Error)
	}
	if welcome.Version != ProtocolVersion {
		conn.Close()
		return fmt.Errorf("executor: protocol version mismatch: got %d, want %d", welcome.Version, ProtocolVersion)
	}

	r.mu.Lock()
	r.conn = conn
	r.w = writer
	r.token = welcome.Token
	r.mu.Unlock()

	go r.readLoop(reader)
	return nil
}

func (r *Remote) Disconnect() error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	select {
	case <-r.closed:
	default:
		close(r.closed)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (r *Remote) readLoop(reader *bufio.Reader) {
	for {
		id, typ, body, err := readFrame(reader)
		if err != nil {
			r.logger.Warn().Err(err).Msg("remote executor connection lost")
			r.Disconnect()
			return
		}

		switch typ {
		case frameReply:
			var reply rpcReply
			if err := xml.Unmarshal(body, &reply); err != nil {
				r.logger.Warn().Err(err).Msg("malformed reply frame")
				continue
			}
			if reply.Token != "" && reply.Token != r.currentToken() {
				r.logger.Error().Msg("reply token mismatch, terminating connection")
				r.Disconnect()
				return
			}
			env := &messaging.Envelope{ID: id, Payload: body}
			switch r.table.Resolve(id, env) {
			case messaging.ResolveUnsolicited:
				r.logger.Warn().Uint32("id", id).Msg("reply for unknown or outdated request id, ignoring")
			}

		case frameNotify:
			var notify rpcNotify
			if err := xml.Unmarshal(body, &notify); err != nil {
				r.logger.Warn().Err(err).Msg("malformed notify frame")
				continue
			}
			r.cbMu.RLock()
			cb := r.cb
			r.cbMu.RUnlock()
			if cb != nil {
				cb(&ResultEvent{
					CallID:        notify.CallID,
					Resource:      notify.Resource,
					Task:          notify.Task,
					Interval:      time.Duration(notify.IntervalMS) * time.Millisecond,
					RC:            notify.RC,
					Status:        types.OpStatus(notify.Status),
					Outcome:       Outcome(notify.Outcome),
					TransitionKey: notify.TransitionKey,
					StdoutTail:    notify.StdoutTail,
					StderrTail:    notify.StderrTail,
				})
			}
		}
	}
}

func (r *Remote) currentToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

// call sends req and blocks for the matching reply, bounded by
// maxSyncWait. fireAndForget requests register a drop-token instead of
// a result slot and return immediately once the frame is written.
func (r *Remote) call(req rpcRequest, fireAndForget bool) (*rpcReply, error) {
	r.mu.Lock()
	if r.conn == nil {
		r.mu.Unlock()
		return nil, errors.New("executor: not connected")
	}
	req.Token = r.token
	id := r.table.NextID()
	w := r.w
	r.mu.Unlock()

	if fireAndForget {
		r.table.FireAndForget(id)
	}

	if err := writeFrame(w, id, frameRequest, req); err != nil {
		return nil, fmt.Errorf("executor: write request: %w", err)
	}
	if fireAndForget {
		return nil, nil
	}

	env, ok := r.table.WaitTimeout(id, maxSyncWait)
	if !ok {
		r.Disconnect()
		return nil, fmt.Errorf("executor: remote call timed out after %s, connection declared dead", maxSyncWait)
	}

	var reply rpcReply
	if err := xml.Unmarshal(env.Payload, &reply); err != nil {
		return nil, fmt.Errorf("executor: decode reply: %w", err)
	}
	if reply.Error != "" {
		return &reply, errors.New(reply.Error)
	}
	return &reply, nil
}

func (r *Remote) RegisterResource(def *types.ResourceDefinition) error {
	_, err := r.call(rpcRequest{Op: "register", Def: toWireDef(def)}, false)
	return err
}

func (r *Remote) UnregisterResource(resourceID string) error {
	_, err := r.call(rpcRequest{Op: "unregister", ResourceID: resourceID}, false)
	return err
}

func (r *Remote) ResourceInfo(resourceID string) (*types.ResourceHistoryEntry, bool) {
	reply, err := r.call(rpcRequest{Op: "info", ResourceID: resourceID}, false)
	if err != nil || reply == nil {
		return nil, false
	}
	return nil, reply.Ok
}

// Execute dispatches fire-and-forget: the engine's per-action dispatch
// runs inline on the transition engine's single command goroutine, so
// waiting out maxSyncWait for the reply here would stall graph-wide
// progress behind one slow or partitioned node. The call is pushed onto
// the wire and acknowledged locally; the actual outcome arrives later as
// a notify frame and is matched back to the dispatching action by
// TransitionKey through the ordinary OnEvent callback, same as a local
// Connection's asynchronous completion.
func (r *Remote) Execute(ctx context.Context, req ExecuteRequest) (uint64, error) {
	_, err := r.call(rpcRequest{
		Op:            "execute",
		ResourceID:    req.Resource,
		Task:          req.Task,
		IntervalMS:    req.Interval.Milliseconds(),
		TimeoutMS:     req.Timeout.Milliseconds(),
		TransitionKey: req.TransitionKey,
	}, true)
	if err != nil {
		return 0, err
	}
	return 0, nil
}

func (r *Remote) Cancel(resourceID, task string, interval time.Duration) error {
	_, err := r.call(rpcRequest{Op: "cancel", ResourceID: resourceID, Task: task, IntervalMS: interval.Milliseconds()}, false)
	return err
}

func (r *Remote) ListRecurring() []*types.PendingOp {
	// Remote does not track the remote node's recurring inventory and
	// always returns nil; the live list is held by that node's own Local.
	return nil
}

func (r *Remote) Reprobe() error {
	_, err := r.call(rpcRequest{Op: "reprobe"}, false)
	return err
}

func (r *Remote) Poke(ctx context.Context) error {
	_, err := r.call(rpcRequest{Op: "poke"}, false)
	return err
}

// writeFrame renders one id/type/XML frame as a single base64-encoded
// line, so the wire stays strictly line-oriented regardless of what
// characters the marshaled XML contains.
func writeFrame(w *bufio.Writer, id uint32, typ frameType, payload interface{}) error {
	body, err := xml.Marshal(payload)
	if err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(body)
	if _, err := fmt.Fprintf(w, "%d %s %s\n", id, typ, encoded); err != nil {
		return err
	}
	return w.Flush()
}

func readFrame(r *bufio.Reader) (id uint32, typ frameType, body []byte, err error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, "", nil, err
	}
	fields := strings.SplitN(strings.TrimRight(line, "\n"), " ", 3)
	if len(fields) != 3 {
		return 0, "", nil, fmt.Errorf("executor: malformed frame: %q", line)
	}
	var parsedID uint32
	if _, err := fmt.Sscanf(fields[0], "%d", &parsedID); err != nil {
		return 0, "", nil, fmt.Errorf("executor: malformed frame id: %q", line)
	}
	body, err = base64.StdEncoding.DecodeString(fields[2])
	if err != nil {
		return 0, "", nil, fmt.Errorf("executor: malformed frame payload: %w", err)
	}
	return parsedID, frameType(fields[1]), body, nil
}

func newNonce() ([]byte, error) {
	nonce := make([]byte, 16)
	_, err := rand.Read(nonce)
	return nonce, err
}
