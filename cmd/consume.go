package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/intake"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Run the pipeline for run requests read from Kafka",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "consume")
		if err != nil {
			return err
		}
		defer env.Close()

		reader, err := intake.NewReader(cfg.Kafka)
		if err != nil {
			return err
		}
		consumer := intake.NewConsumer(reader, env.Pipeline)
		defer func() {
			if err := consumer.Close(); err != nil {
				zap.L().Warn("close kafka reader", zap.Error(err))
			}
		}()

		zap.L().Info("consuming run requests",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
			zap.String("group_id", cfg.Kafka.GroupID),
		)
		return consumer.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(consumeCmd)
}
