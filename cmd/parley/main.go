package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/session"
	"github.com/go-go-golems/parley/pkg/stream"
	"github.com/go-go-golems/parley/pkg/threads"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Streaming chat client for the parley backend",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("base-url", "http://localhost:8000/api", "Backend base URL")
	rootCmd.Flags().String("model", "openai", "Model id sent with generation requests")
	rootCmd.Flags().String("stream-format", "event", "Generation stream wire format (event|raw)")
	rootCmd.Flags().String("log-level", "warn", "Log level (trace|debug|info|warn|error)")

	_ = viper.BindPFlags(rootCmd.Flags())
	viper.SetEnvPrefix("PARLEY")
	viper.AutomaticEnv()
}

func setupLogging() error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	if err := setupLogging(); err != nil {
		return err
	}

	format, err := stream.ParseFormat(viper.GetString("stream-format"))
	if err != nil {
		return err
	}
	baseURL := viper.GetString("base-url")

	router, err := events.NewRouter()
	if err != nil {
		return err
	}
	defer func(router *events.Router) {
		_ = router.Close()
	}(router)

	publisher := events.NewPublisherManager()
	publisher.SubscribePublisher(events.TopicChat, router.Publisher)

	streamClient := stream.NewClient(baseURL, format)
	threadClient := threads.NewClient(baseURL)

	sess := session.NewSession(
		session.ClientOpener(streamClient),
		session.WithModel(viper.GetString("model")),
		session.WithPublisher(publisher),
	)
	syncer := threads.NewSyncer(sess, threadClient, threadClient, threadClient,
		threads.WithSyncPublisher(publisher))
	syncer.RegisterHandlers(router)

	repl := newREPL(sess, syncer, router.Publisher)
	repl.registerPrinter(router)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return router.Run(ctx)
	})
	eg.Go(func() error {
		defer stop()
		<-router.Running()
		if err := syncer.RefreshThreads(ctx); err != nil {
			log.Warn().Err(err).Msg("could not fetch thread listing")
		}
		return repl.loop(ctx)
	})

	err = eg.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
