package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/mattn/go-colorable"
	"github.com/spf13/cobra"

	"github.com/pongarena/matchcoord/internal/database"
	"github.com/pongarena/matchcoord/internal/gateway"
	"github.com/pongarena/matchcoord/internal/ident"
	"github.com/pongarena/matchcoord/internal/match"
	"github.com/pongarena/matchcoord/internal/notify"
	"github.com/pongarena/matchcoord/internal/roster"
	"github.com/pongarena/matchcoord/internal/tourney"
	"github.com/pongarena/matchcoord/internal/util/signal"
	"github.com/pongarena/matchcoord/internal/util/slogx"
	"github.com/pongarena/matchcoord/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "matchcoord",
	Args:    cobra.ExactArgs(0),
	Version: version.Version,
	Short:   "Start the match coordination server",
	Long: `Matchcoord is the real-time coordination server for Pong matches.

It manages live game sessions, four-player tournaments and user
notifications over websocket connections.
`,
}

func main() {
	p := rootCmd.Flags()
	optsPath := p.StringP(
		"options", "o", "",
		"options file",
	)
	if err := rootCmd.MarkFlagRequired("options"); err != nil {
		panic(err)
	}

	rootCmd.RunE = func(cmd *cobra.Command, _args []string) error {
		rawOpts, err := os.ReadFile(*optsPath)
		if err != nil {
			return fmt.Errorf("read options: %w", err)
		}
		var opts Options
		if err := toml.Unmarshal(rawOpts, &opts); err != nil {
			return fmt.Errorf("unmarshal options: %w", err)
		}
		opts.FillDefaults()

		level := slog.LevelInfo
		if opts.Debug {
			level = slog.LevelDebug
		}
		log := slog.New(slogx.NewPrettyHandler(
			colorable.NewColorableStderr(),
			slogx.PrettyHandlerOptions{Level: level},
		))

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()

		db, err := database.New(log, opts.DB)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		client, err := ident.NewClient(opts.Ident)
		if err != nil {
			return fmt.Errorf("create identity client: %w", err)
		}
		checker := ident.NewChecker(opts.IdentCache, client)
		defer checker.Close()

		registry := roster.New(log)
		matches := match.NewManager(log, db, registry, opts.Match)
		defer matches.Close()
		tournaments := tourney.NewManager(log, db, registry, opts.Tournament)
		defer tournaments.Close()
		notifier := notify.NewRouter(log, db, registry, matches, opts.Notify)
		defer notifier.Close()

		mux := http.NewServeMux()
		gateway.Handle(log, mux, gateway.Config{
			Registry:    registry,
			Verifier:    checker,
			Matches:     matches,
			Tournaments: tournaments,
			Notifier:    notifier,
		}, opts.Gateway)

		servs, err := newServers(ctx, log, &opts, mux)
		if err != nil {
			return fmt.Errorf("create servers: %w", err)
		}
		servs.Go()
		defer servs.Shutdown()

		<-ctx.Done()
		return nil
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
