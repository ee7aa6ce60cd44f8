package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/warren/pkg/manager"
	"github.com/cuemby/warren/pkg/messaging"
)

// join performs the JoinRequest/JoinAck handshake against cfg.ManagerAddr,
// following a LeaderHint when the contacted node isn't the cluster DC.
// The ack arrives over a connection the manager dials back to this
// worker's own bus address, not as a reply on the request connection —
// the manager's SendToAddr has no notion of a call/response pair — so a
// short-lived listener is opened before the request is sent.
func (w *Worker) join(ctx context.Context) error {
	ackLn, err := net.Listen("tcp", busAddrFromExecutor(w.cfg.ExecutorListenAddr))
	if err != nil {
		return fmt.Errorf("worker: listen for join ack: %w", err)
	}
	defer ackLn.Close()

	ackCh := make(chan manager.JoinAck)
	errCh := make(chan error, 1)
	go acceptJoinAcks(ackLn, ackCh, errCh)

	addr := w.cfg.ManagerAddr
	for attempt := 0; attempt < w.cfg.JoinRetries; attempt++ {
		if err := w.sendJoinRequest(addr); err != nil {
			w.logger.Warn().Err(err).Str("addr", addr).Msg("join request failed")
			time.Sleep(w.cfg.JoinTimeout)
			continue
		}

		select {
		case ack := <-ackCh:
			if ack.Version != manager.JoinVersion {
				return fmt.Errorf("worker: join version mismatch: cluster speaks %d, worker speaks %d", ack.Version, manager.JoinVersion)
			}
			if ack.OK {
				return nil
			}
			if ack.LeaderHint != "" {
				w.logger.Info().Str("leader", ack.LeaderHint).Msg("join rejected, retrying against leader hint")
				addr = ack.LeaderHint
				continue
			}
			return fmt.Errorf("worker: join rejected: %s", ack.Reason)
		case err := <-errCh:
			return fmt.Errorf("worker: join ack listener failed: %w", err)
		case <-time.After(w.cfg.JoinTimeout):
			w.logger.Warn().Str("addr", addr).Msg("join ack timed out, retrying")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("worker: join failed after %d attempts", w.cfg.JoinRetries)
}

func (w *Worker) sendJoinRequest(addr string) error {
	req := manager.JoinRequest{
		Version:      manager.JoinVersion,
		Name:         w.cfg.NodeID,
		Token:        w.cfg.JoinToken,
		ExecutorAddr: w.cfg.ExecutorListenAddr,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	env := &messaging.Envelope{
		Sender:  messaging.Sender{Name: w.cfg.NodeID, Type: "worker"},
		Class:   manager.JoinRequestClass,
		Payload: payload,
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	return messaging.WriteFrame(conn, env)
}

// acceptJoinAcks accepts one connection per retry attempt for as long as
// ln stays open, decoding each into an ack on ackCh. A per-connection
// read or decode failure is skipped without being reported; it does not
// end the loop, since a stray malformed frame
// on one connection shouldn't take down the whole handshake.
func acceptJoinAcks(ln net.Listener, ackCh chan<- manager.JoinAck, errCh chan<- error) {
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
		var ack manager.JoinAck
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			continue
		}
		ackCh <- ack
	}
}
