package main

import (
	"context"
	"fmt"
	"time"

	"TWPull/internal/usecase"
	pkgkafka "TWPull/pkg/kafka"
	applogger "TWPull/pkg/logger"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
)

var (
	watchRunID  string
	watchLatest bool
)

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Inspect run progress published to Kafka",
}

var progressWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the progress topic and log every event",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Kafka.Enabled {
			return fmt.Errorf("kafka is disabled in %s", configPath)
		}
		l, err := applogger.New(&applogger.Config{Level: cfg.Logging.Level, Format: "console", Output: "stdout"})
		if err != nil {
			return err
		}

		consumer, err := pkgkafka.NewConsumer(l,
			pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
			pkgkafka.WithConsumerGroupID(cfg.Kafka.ConsumerGroup),
			pkgkafka.WithConsumerFromLatest(watchLatest),
			pkgkafka.WithConsumerRetry(1, 100*time.Millisecond, time.Second),
		)
		if err != nil {
			return err
		}
		consumer.WithConsumerHook(pkgkafka.NewHookChain(
			pkgkafka.MessageKeyHook(),
			pkgkafka.HookFuncs{Err: func(ctx context.Context, topic string, _ kafka.Message, _ []byte, err error) {
				l.Warn("progress event not handled",
					applogger.String("topic", topic),
					applogger.String("run_id", pkgkafka.MessageKey(ctx)),
					applogger.Error(err),
				)
			}},
		))
		consumer.RegisterHandler(usecase.NewProgressFeed(cfg.Kafka.ProgressTopic, watchRunID, usecase.NewLogObserver(l), l))
		if err := consumer.Start(); err != nil {
			return err
		}

		<-cmd.Context().Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return consumer.Stop(ctx)
	},
}

func init() {
	progressWatchCmd.Flags().StringVar(&watchRunID, "run-id", "", "only show events of this run")
	progressWatchCmd.Flags().BoolVar(&watchLatest, "latest", true, "start at the newest offset when the group has none")
	progressCmd.AddCommand(progressWatchCmd)
	rootCmd.AddCommand(progressCmd)
}
