// Command pusherd serves a standalone push channel with a few demo
// endpoints: a ping/echo pair and a clock entity broadcast every second,
// the way a hosting dashboard application drives timer-based updates.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/richlegrand/dashpush/pusher"
)

type options struct {
	Host  string `long:"host" default:"0.0.0.0" description:"bind host"`
	Port  string `long:"port" default:"8050" description:"bind port"`
	Path  string `long:"path" default:"/_push" description:"websocket upgrade path"`
	Debug bool   `long:"debug" description:"enable debug logging"`
}

func run() error {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		return err
	}

	server, err := pusher.NewServer(&pusher.ServerConfig{
		Path:  opts.Path,
		Debug: opts.Debug,
	})
	if err != nil {
		return err
	}

	server.AddURL("ping", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		return "pong", nil
	})
	server.AddURL("echo", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		return data, nil
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go clockLoop(ctx, server)

	return server.Run(ctx, opts.Host, opts.Port)
}

// clockLoop broadcasts the current time as the "clock" entity once a second.
func clockLoop(ctx context.Context, server *pusher.Server) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			mods := map[string]interface{}{
				"clock": map[string]interface{}{
					"value": now.Format("15:04:05"),
				},
			}
			server.Broadcast(mods, true)
		}
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
