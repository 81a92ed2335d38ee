// Package main provides a headless jigsaw player. It registers, places shapes
// greedily on its board until no shape fits or time runs out, then submits its
// stats and prints the result and leaderboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/jigsaw/internal/board"
	"github.com/cory-johannsen/jigsaw/internal/client"
	"github.com/cory-johannsen/jigsaw/internal/config"
	"github.com/cory-johannsen/jigsaw/internal/game/result"
	"github.com/cory-johannsen/jigsaw/internal/observability"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:4000", "server address")
	name := flag.String("name", "bot", "username to register")
	games := flag.Int("games", 1, "number of games to play")
	delay := flag.Duration("delay", 100*time.Millisecond, "pause between moves")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger, err := observability.NewLogger(config.LoggingConfig{Level: *logLevel, Format: "console"})
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	c, err := client.Dial(ctx, *addr)
	cancel()
	if err != nil {
		logger.Fatal("connecting", zap.Error(err))
	}
	c.OnWaiting = func(waiting bool) {
		if waiting {
			logger.Info("waiting for the other player")
		}
	}

	game, err := c.Register(*name)
	if err != nil {
		logger.Fatal("registering", zap.String("username", *name), zap.Error(err))
	}

	for i := 1; ; i++ {
		logger.Info("game started",
			zap.Int("game", i),
			zap.String("peer", game.Peer),
			zap.Duration("max_duration", game.MaxDuration),
		)

		res, err := play(c, game, *delay, logger)
		if err != nil {
			logger.Fatal("playing", zap.Error(err))
		}
		printResult(res)

		top, err := c.Top()
		if err != nil {
			logger.Fatal("loading leaderboard", zap.Error(err))
		}
		printTop(top)

		if i == *games {
			break
		}
		if game, err = c.Restart(""); err != nil {
			logger.Fatal("restarting", zap.Error(err))
		}
	}

	if err := c.Disconnect(); err != nil {
		logger.Warn("disconnecting", zap.Error(err))
	}
}

// play fills a fresh board and finishes the game.
func play(c *client.Client, game client.Game, delay time.Duration, logger *zap.Logger) (result.GameResult, error) {
	b := board.New()
	start := time.Now()
	deadline := start.Add(game.MaxDuration)

	for time.Now().Before(deadline) {
		sh, err := c.NextShape()
		if err != nil {
			return result.GameResult{}, err
		}
		row, col, ok := b.FirstFit(sh.Model)
		if !ok {
			logger.Info("no room for shape", zap.String("shape", sh.Name()))
			break
		}
		b.TryPlace(sh.Model, row, col, 0, 0)
		logger.Debug("placed shape",
			zap.String("shape", sh.Name()),
			zap.Int("row", row),
			zap.Int("col", col),
			zap.Int("covered", b.CoveredCells()),
		)
		time.Sleep(delay)
	}

	stats := b.Stats(time.Since(start), time.Now())
	logger.Info("finishing", zap.Int("score", stats.Score), zap.String("duration", stats.Duration))
	fmt.Fprint(os.Stdout, b.String())
	return c.Finish(stats)
}

func printResult(res result.GameResult) {
	fmt.Fprintf(os.Stdout, "winner: %s\n", res.Winner)
	for _, e := range res.Stats {
		fmt.Fprintf(os.Stdout, "  %-16s score=%d time=%s\n", e.Username, e.Score, e.Duration)
	}
	for _, name := range res.Disconnected {
		fmt.Fprintf(os.Stdout, "  %-16s disconnected\n", name)
	}
}

func printTop(top []result.Entry) {
	fmt.Fprintln(os.Stdout, "top records:")
	for i, e := range top {
		fmt.Fprintf(os.Stdout, "%2d. %-16s score=%d time=%s at=%s\n",
			i+1, e.Username, e.Score, e.Duration, e.FinishedAt.Local().Format(time.DateTime))
	}
}
