package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/blukai/craftparty/internal/gameserver"
	"github.com/blukai/craftparty/internal/protocol"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	GameServerAddr4 string `envconfig:"GAME_SERVER_ADDR4" required:"true" default:"0.0.0.0:25565"`
	PingInterval    uint64 `envconfig:"PING_INTERVAL" default:"15"`
	MaxPingTimeout  uint64 `envconfig:"MAX_PING_TIMEOUT" default:"10"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("", config); err != nil {
		return nil, err
	}
	return config, nil
}

func configureLogger() *log.Logger {
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

// player is what the relay layer knows about an authorized session.
type player struct {
	username string
}

// runRelay is the "game loop" side of the transport: it authorizes joiners,
// announces them, and rebroadcasts their movement and chat to everyone
// else. Entity ids mirror user ids, which is good enough for a relay.
func runRelay(ctx context.Context, gs *gameserver.GameServer, logger *log.Logger) {
	players := make(map[protocol.UserID]*player)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-gs.Events():
			if !ok {
				return
			}
			switch event.Kind {
			case gameserver.EventConnected:
				// nothing to announce until the user authenticates
			case gameserver.EventDisconnected:
				if _, known := players[event.User]; known {
					delete(players, event.User)
					gs.Send(gameserver.Broadcast, &protocol.PlayerLeave{ID: event.User})
				}
			}

		case envelope, ok := <-gs.Packets():
			if !ok {
				return
			}
			from := envelope.From

			switch msg := envelope.Msg.(type) {
			case *protocol.AuthenticateRequest:
				gs.Authorize(from)
				players[from] = &player{username: msg.Username}

				gs.Send(gameserver.Broadcast, &protocol.PlayerJoin{
					ID:       from,
					Username: msg.Username,
				})
				// introduce everyone to each other
				for id := range players {
					if id == from {
						continue
					}
					gs.Send(from, &protocol.SpawnEntity{Entity: protocol.EntityID(id)})
					gs.Send(id, &protocol.SpawnEntity{Entity: protocol.EntityID(from)})
				}

			case *protocol.PlayerMove:
				gs.Send(gameserver.Broadcast, &protocol.EntityMoved{
					Entity: protocol.EntityID(from),
					X:      msg.X,
					Y:      msg.Y,
					Z:      msg.Z,
				})

			case *protocol.PlayerRotate:
				gs.Send(gameserver.Broadcast, &protocol.EntityRotated{
					Entity: protocol.EntityID(from),
					X:      msg.X,
					Y:      msg.Y,
					Z:      msg.Z,
					W:      msg.W,
				})

			case *protocol.ChatSent:
				gs.Send(gameserver.Broadcast, msg)

			case *protocol.Disconnect:
				gs.Kick(from)

			default:
				logger.Debug().Msgf("ignoring %s from uid %d", envelope.Msg.Kind(), from)
			}
		}
	}
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger()

	gameServer, err := gameserver.NewGameServer(
		"tcp4",
		config.GameServerAddr4,
		&gameserver.Config{
			PingInterval:   config.PingInterval,
			MaxPingTimeout: config.MaxPingTimeout,
		},
		logger,
	)
	if err != nil {
		return fmt.Errorf("could not construct game server: %w", err)
	}
	logger.Info().Msgf("started game server on %s", config.GameServerAddr4)

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	var gameServerRunErr error
	go func() {
		defer wg.Done()
		gameServerRunErr = gameServer.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runRelay(ctx, gameServer, logger)
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-signalChan
	logger.Info().Msgf("received %+v signal", sig)

	cancel()
	wg.Wait()
	if gameServerRunErr != nil {
		return fmt.Errorf("game server run failed: %w", gameServerRunErr)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
