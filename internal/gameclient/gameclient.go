package gameclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/blukai/craftparty/internal/frame"
	"github.com/blukai/craftparty/internal/protocol"
	"github.com/blukai/craftparty/internal/unbounded"
	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"
)

// GameClient owns the single connection to the server and presents it as
// two queues: Recv for decoded inbound messages and Send for outbound ones.
// Two goroutines do the blocking io and share no mutable state; everything
// crosses the queues.
type GameClient struct {
	conn net.Conn

	logger *log.Logger

	recvQ *unbounded.Chan[protocol.Envelope]
	sendQ *unbounded.Chan[protocol.Message]
}

func NewGameClient(network, address string, logger *log.Logger) (*GameClient, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", network, err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	gc := &GameClient{
		conn: conn,

		logger: logger,

		recvQ: unbounded.New[protocol.Envelope](),
		sendQ: unbounded.New[protocol.Message](),
	}

	return gc, nil
}

// Recv delivers everything the server sent, in arrival order, tagged with
// ServerUser for symmetry with the server side. The channel closes when the
// client shuts down or the connection dies.
func (gc *GameClient) Recv() <-chan protocol.Envelope {
	return gc.recvQ.Out()
}

// Send enqueues msg for the writer task. It never blocks and never fails
// synchronously; a dead connection shows up as Run returning.
func (gc *GameClient) Send(msg protocol.Message) {
	gc.sendQ.Push(msg)
}

// Run drives the reader and writer tasks until the connection dies or ctx
// is cancelled. Shutdown is not cooperative: cancelling ctx closes the
// socket, which unblocks whatever either task was doing.
func (gc *GameClient) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return gc.runReader()
	})
	eg.Go(func() error {
		return gc.runWriter(egCtx)
	})
	eg.Go(func() error {
		<-egCtx.Done()
		return gc.conn.Close()
	})

	err := eg.Wait()
	gc.recvQ.Close()
	gc.sendQ.Close()

	if err != nil && ctx.Err() != nil {
		// teardown-induced io errors are not interesting
		return nil
	}
	return err
}

// runReader blocks on the socket: a length prefix, then exactly that many
// payload bytes, then decode. Pings are answered by the transport itself
// and never surface. The first failure terminates the task for good; a lost
// connection is not retried at this layer.
func (gc *GameClient) runReader() error {
	reader := bufio.NewReader(gc.conn)
	for {
		payload, err := frame.Read(reader)
		if err != nil {
			if errors.Is(err, frame.ErrConnectionClosed) {
				gc.logger.Info().Msg("server closed the connection")
				return err
			}
			return fmt.Errorf("could not read frame: %w", err)
		}

		msg, err := protocol.Decode(payload)
		if err != nil {
			return fmt.Errorf("could not decode frame: %w", err)
		}

		gc.logger.Debug().Any("msg", msg).Msgf("recv %s", msg.Kind())

		if ping, ok := msg.(*protocol.Ping); ok {
			gc.sendQ.Push(&protocol.Pong{Code: ping.Code})
			continue
		}

		gc.recvQ.Push(protocol.Envelope{Msg: msg, From: protocol.ServerUser})
	}
}

// runWriter blocks on the send queue, then writes and flushes one whole
// frame per message, in enqueue order.
func (gc *GameClient) runWriter(ctx context.Context) error {
	writer := bufio.NewWriter(gc.conn)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-gc.sendQ.Out():
			if !ok {
				return nil
			}

			gc.logger.Debug().Any("msg", msg).Msgf("send %s", msg.Kind())

			if err := frame.Write(writer, protocol.Encode(msg)); err != nil {
				return fmt.Errorf("could not write frame: %w", err)
			}
			if err := writer.Flush(); err != nil {
				return fmt.Errorf("could not flush frame: %w", err)
			}
		}
	}
}
