package gametest_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blukai/craftparty/internal/gameclient"
	"github.com/blukai/craftparty/internal/gameserver"
	"github.com/blukai/craftparty/internal/protocol"
	"github.com/matryer/is"
	"github.com/phuslu/log"
)

func configureTestLogger() *log.Logger {
	logger := log.DefaultLogger
	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}
	return &logger
}

func recvEnvelope(t *testing.T, ch <-chan protocol.Envelope) protocol.Envelope {
	t.Helper()

	select {
	case envelope := <-ch:
		return envelope
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return protocol.Envelope{}
	}
}

func TestTwoPlayers(t *testing.T) {
	is := is.New(t)

	logger := configureTestLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gs, err := gameserver.NewGameServer("tcp4", "127.0.0.1:0", &gameserver.Config{
		TickInterval: 5 * time.Millisecond,
	}, logger)
	is.NoErr(err)
	go gs.Run(ctx)

	// setup player one

	playerOneClient, err := gameclient.NewGameClient("tcp4", gs.Addr().String(), logger)
	is.NoErr(err)
	go playerOneClient.Run(ctx)

	playerOneClient.Send(&protocol.AuthenticateRequest{Username: "player-one"})

	authOne := recvEnvelope(t, gs.Packets())
	is.Equal(authOne.From, protocol.UserID(1))
	reqOne, ok := authOne.Msg.(*protocol.AuthenticateRequest)
	is.True(ok)
	is.Equal(reqOne.Username, "player-one")

	gs.Authorize(authOne.From)
	gs.Send(gameserver.Broadcast, &protocol.PlayerJoin{ID: authOne.From, Username: reqOne.Username})

	joinSeenByOne := recvEnvelope(t, playerOneClient.Recv())
	is.Equal(joinSeenByOne.From, protocol.ServerUser)
	join, ok := joinSeenByOne.Msg.(*protocol.PlayerJoin)
	is.True(ok)
	is.Equal(join.ID, protocol.UserID(1))

	// setup player two

	playerTwoClient, err := gameclient.NewGameClient("tcp4", gs.Addr().String(), logger)
	is.NoErr(err)
	go playerTwoClient.Run(ctx)

	playerTwoClient.Send(&protocol.AuthenticateRequest{Username: "player-two"})

	authTwo := recvEnvelope(t, gs.Packets())
	is.Equal(authTwo.From, protocol.UserID(2))
	gs.Authorize(authTwo.From)

	// player one moves; the server relays it to player two verbatim

	move := &protocol.PlayerMove{X: 24.5, Y: 64.0, Z: -13.25}
	playerOneClient.Send(move)

	moveEnvelope := recvEnvelope(t, gs.Packets())
	is.Equal(moveEnvelope.From, protocol.UserID(1))
	received, ok := moveEnvelope.Msg.(*protocol.PlayerMove)
	is.True(ok)
	is.Equal(received, move)

	gs.Send(authTwo.From, &protocol.EntityMoved{
		Entity: protocol.EntityID(moveEnvelope.From),
		X:      received.X,
		Y:      received.Y,
		Z:      received.Z,
	})

	movedSeenByTwo := recvEnvelope(t, playerTwoClient.Recv())
	moved, ok := movedSeenByTwo.Msg.(*protocol.EntityMoved)
	is.True(ok)
	is.Equal(moved.Entity, protocol.EntityID(1))
	is.Equal(moved.X, move.X)
	is.Equal(moved.Y, move.Y)
	is.Equal(moved.Z, move.Z)
}

// TestClientAnswersPings drives the server's keepalive with a fake clock
// and checks that the client's transport answers pings on its own: the
// session survives well past the eviction window and the application never
// sees keepalive traffic.
func TestClientAnswersPings(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var clock atomic.Uint64
	gs, err := gameserver.NewGameServer("tcp4", "127.0.0.1:0", &gameserver.Config{
		PingInterval:   15,
		MaxPingTimeout: 10,
		TickInterval:   5 * time.Millisecond,
		Clock:          clock.Load,
	}, nil)
	is.NoErr(err)
	go gs.Run(ctx)

	client, err := gameclient.NewGameClient("tcp4", gs.Addr().String(), nil)
	is.NoErr(err)
	go client.Run(ctx)

	select {
	case event := <-gs.Events():
		is.Equal(event.Kind, gameserver.EventConnected)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connect")
	}

	for second := uint64(0); second <= 120; second += 5 {
		clock.Store(second)
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case event := <-gs.Events():
		t.Fatalf("unexpected event: %+v", event)
	default:
	}

	select {
	case envelope := <-client.Recv():
		t.Fatalf("keepalive leaked to the application: %+v", envelope)
	default:
	}
}
