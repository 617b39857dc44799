package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blukai/craftparty/internal/gameclient"
	"github.com/blukai/craftparty/internal/protocol"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	GameServerAddr4 string `envconfig:"GAME_SERVER_ADDR4" required:"true" default:"127.0.0.1:25565"`
	Username        string `envconfig:"USERNAME" required:"true" default:"wanderer"`
	MoveInterval    int    `envconfig:"MOVE_INTERVAL_MS" default:"500"`
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

// runWanderer authenticates and then walks a lazy random path, logging
// whatever the world sends back.
func runWanderer(ctx context.Context, gc *gameclient.GameClient, config *Config, logger *log.Logger) {
	gc.Send(&protocol.AuthenticateRequest{Username: config.Username})

	x, y, z := float32(0), float32(64), float32(0)
	ticker := time.NewTicker(time.Duration(config.MoveInterval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			gc.Send(&protocol.Disconnect{})
			return

		case <-ticker.C:
			x += rand.Float32()*2 - 1
			z += rand.Float32()*2 - 1
			gc.Send(&protocol.PlayerMove{X: x, Y: y, Z: z})

		case envelope, ok := <-gc.Recv():
			if !ok {
				return
			}
			switch msg := envelope.Msg.(type) {
			case *protocol.PlayerJoin:
				logger.Info().Msgf("%q joined as uid %d", msg.Username, msg.ID)
			case *protocol.PlayerLeave:
				logger.Info().Msgf("uid %d left", msg.ID)
			case *protocol.ChatSent:
				logger.Info().Msgf("chat: %s", msg.Message)
			case *protocol.EntityMoved:
				logger.Debug().Msgf("entity %d moved to (%f, %f, %f)", msg.Entity, msg.X, msg.Y, msg.Z)
			default:
				logger.Debug().Msgf("recv %s", envelope.Msg.Kind())
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

	gameClient, err := gameclient.NewGameClient("tcp4", config.GameServerAddr4, logger)
	if err != nil {
		return fmt.Errorf("could not construct game client: %w", err)
	}
	logger.Info().Msgf("connected to %s", config.GameServerAddr4)

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	var gameClientRunErr error
	go func() {
		defer wg.Done()
		gameClientRunErr = gameClient.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runWanderer(ctx, gameClient, config, logger)
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-signalChan
	logger.Info().Msgf("received %+v signal", sig)

	cancel()
	wg.Wait()
	if gameClientRunErr != nil {
		return fmt.Errorf("game client run failed: %w", gameClientRunErr)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
