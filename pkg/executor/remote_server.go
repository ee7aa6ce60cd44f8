package executor

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"net"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/log"
	"github.com/rs/zerolog"
)

// Server is the accept-side counterpart to Remote: it terminates the
// HMAC-challenge handshake, verifies every subsequent request's token,
// and dispatches operations directly to a local Connection (ordinarily
// a *Local), pushing that connection's asynchronous results back as
// notify frames.
type Server struct {
	local  Connection
	psk    []byte
	logger zerolog.Logger
}

// NewServer creates a Server proxying local over the wire, authenticating
// incoming connections against psk.
func NewServer(local Connection, psk []byte) *Server {
	return &Server{
		local:  local,
		psk:    psk,
		logger: log.WithComponent("executor-remote-server"),
	}
}

// Serve accepts connections on ln until it returns an error (typically
// because ln was closed).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	var writeMu sync.Mutex

	nonce, err := newNonce()
	if err != nil {
		s.logger.Error().Err(err).Msg("generate handshake nonce")
		return
	}
	if err := writeFrameLocked(&writeMu, writer, 0, frameChallenge, challengePayload{Nonce: nonce}); err != nil {
		return
	}

	_, typ, body, err := readFrame(reader)
	if err != nil || typ != frameAuth {
		s.logger.Warn().Msg("expected auth frame, closing connection")
		return
	}
	var auth authPayload
	if err := xml.Unmarshal(body, &auth); err != nil {
		s.logger.Warn().Err(err).Msg("malformed auth frame")
		return
	}

	mac := hmac.New(sha256.New, s.psk)
	mac.Write(nonce)
	expected := mac.Sum(nil)

	if !hmac.Equal(expected, auth.MAC) {
		_ = writeFrameLocked(&writeMu, writer, 0, frameWelcome, welcomePayload{Error: "authentication failed"})
		s.logger.Warn().Str("name", auth.Name).Msg("remote executor auth failed")
		return
	}
	if auth.Version != ProtocolVersion {
		_ = writeFrameLocked(&writeMu, writer, 0, frameWelcome, welcomePayload{Error: "protocol version mismatch"})
		s.logger.Warn().Int("version", auth.Version).Msg("remote executor protocol version mismatch")
		return
	}

	token := hex.EncodeToString(nonce)
	if err := writeFrameLocked(&writeMu, writer, 0, frameWelcome, welcomePayload{Version: ProtocolVersion, Token: token}); err != nil {
		return
	}

	s.local.OnEvent(func(ev *ResultEvent) {
		_ = writeFrameLocked(&writeMu, writer, 0, frameNotify, rpcNotify{
			CallID:        ev.CallID,
			Resource:      ev.Resource,
			Task:          ev.Task,
			IntervalMS:    ev.Interval.Milliseconds(),
			RC:            ev.RC,
			Status:        string(ev.Status),
			Outcome:       int(ev.Outcome),
			TransitionKey: ev.TransitionKey,
			StdoutTail:    ev.StdoutTail,
			StderrTail:    ev.StderrTail,
		})
	})

	for {
		id, typ, body, err := readFrame(reader)
		if err != nil {
			return
		}
		if typ != frameRequest {
			continue
		}
		var req rpcRequest
		if err := xml.Unmarshal(body, &req); err != nil {
			s.logger.Warn().Err(err).Msg("malformed request frame")
			continue
		}
		if req.Token != token {
			s.logger.Error().Msg("request token mismatch, terminating connection")
			return
		}

		reply := s.dispatch(req)
		reply.Token = token
		if err := writeFrameLocked(&writeMu, writer, id, frameReply, reply); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req rpcRequest) rpcReply {
	switch req.Op {
	case "register":
		if err := s.local.RegisterResource(fromWireDef(req.Def)); err != nil {
			return rpcReply{Error: err.Error()}
		}
		return rpcReply{Ok: true}

	case "unregister":
		if err := s.local.UnregisterResource(req.ResourceID); err != nil {
			return rpcReply{Error: err.Error()}
		}
		return rpcReply{Ok: true}

	case "info":
		_, ok := s.local.ResourceInfo(req.ResourceID)
		return rpcReply{Ok: ok}

	case "execute":
		callID, err := s.local.Execute(context.Background(), ExecuteRequest{
			Resource:      req.ResourceID,
			Task:          req.Task,
			Interval:      millis(req.IntervalMS),
			Timeout:       millis(req.TimeoutMS),
			TransitionKey: req.TransitionKey,
		})
		if err != nil {
			return rpcReply{Error: err.Error()}
		}
		return rpcReply{CallID: callID, Ok: true}

	case "cancel":
		if err := s.local.Cancel(req.ResourceID, req.Task, millis(req.IntervalMS)); err != nil {
			return rpcReply{Error: err.Error()}
		}
		return rpcReply{Ok: true}

	case "reprobe":
		if err := s.local.Reprobe(); err != nil {
			return rpcReply{Error: err.Error()}
		}
		return rpcReply{Ok: true}

	case "poke":
		if err := s.local.Poke(context.Background()); err != nil {
			return rpcReply{Error: err.Error()}
		}
		return rpcReply{Ok: true}

	default:
		return rpcReply{Error: "unknown operation: " + req.Op}
	}
}

func writeFrameLocked(mu *sync.Mutex, w *bufio.Writer, id uint32, typ frameType, payload interface{}) error {
	mu.Lock()
	defer mu.Unlock()
	return writeFrame(w, id, typ, payload)
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
