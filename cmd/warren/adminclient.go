package main

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/warren/pkg/manager"
	"github.com/cuemby/warren/pkg/messaging"
)

// adminClient speaks the same one-shot dial / dial-back-with-reply
// protocol pkg/worker's join client uses against a manager's cluster
// bus, so operator commands need nothing beyond pkg/messaging and
// pkg/manager's exported admin envelope types — no separate RPC client
// package.
type adminClient struct {
	addr    string
	token   string
	timeout time.Duration
	retries int
}

func newAdminClient(addr, token string) *adminClient {
	return &adminClient{addr: addr, token: token, timeout: 5 * time.Second, retries: 4}
}

// call sends op/payload to the manager at addr, following a LeaderHint
// on rejection the same way a worker follows one on join, and decodes
// the reply payload into out (if non-nil).
func (c *adminClient) call(op string, payload, out interface{}) error {
	reqPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ackLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("admin client: listen for reply: %w", err)
	}
	defer ackLn.Close()

	replyCh := make(chan manager.AdminReply, 1)
	errCh := make(chan error, 1)
	go acceptAdminReplies(ackLn, replyCh, errCh)

	addr := c.addr
	for attempt := 0; attempt < c.retries; attempt++ {
		req := manager.AdminRequest{
			Version:   manager.JoinVersion,
			Op:        op,
			Token:     c.token,
			ReplyAddr: ackLn.Addr().String(),
			Payload:   reqPayload,
		}
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}
		env := &messaging.Envelope{
			Sender:  messaging.Sender{Name: "warren-cli", Type: "admin"},
			Class:   manager.AdminRequestClass,
			Payload: body,
		}

		conn, err := net.DialTimeout("tcp", addr, c.timeout)
		if err != nil {
			time.Sleep(c.timeout)
			continue
		}
		writeErr := messaging.WriteFrame(conn, env)
		conn.Close()
		if writeErr != nil {
			time.Sleep(c.timeout)
			continue
		}

		select {
		case reply := <-replyCh:
			if reply.OK {
				if out != nil && len(reply.Payload) > 0 {
					return json.Unmarshal(reply.Payload, out)
				}
				return nil
			}
			if reply.LeaderHint != "" {
				addr = reply.LeaderHint
				continue
			}
			return fmt.Errorf("%s: %s", op, reply.Reason)
		case err := <-errCh:
			return fmt.Errorf("admin client: reply listener failed: %w", err)
		case <-time.After(c.timeout):
			continue
		}
	}
	return fmt.Errorf("admin client: %s timed out after %d attempts", op, c.retries)
}

// acceptAdminReplies accepts one connection per retry attempt for as long
// as ln stays open, mirroring pkg/worker's join-ack listener: a single
// Accept would leave nothing listening for the reply to a second request
// after the first attempt's reply window expired.
func acceptAdminReplies(ln net.Listener, replyCh chan<- manager.AdminReply, errCh chan<- error) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}

		env, err := messaging.ReadFrame(conn)
		conn.Close()
		if err != nil {
			continue
		}

		var reply manager.AdminReply
		if err := json.Unmarshal(env.Payload, &reply); err != nil {
			continue
		}
		replyCh <- reply
	}
}
