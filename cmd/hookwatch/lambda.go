package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"github.com/NavarchProject/hookwatch/pkg/config"
	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
	"github.com/NavarchProject/hookwatch/pkg/metrics"
)

const sqsEventSource = "aws:sqs"

func lambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Run as an AWS Lambda function",
		Long: `Run as an AWS Lambda function triggered by EventBridge lifecycle events or
by an SQS event source mapping on the continuation queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging, os.Stdout)
			slog.SetDefault(logger)

			factory, err := newFactory(cfg, logger)
			if err != nil {
				return err
			}
			w, err := newWatcher(cfg, factory, metrics.New(), logger)
			if err != nil {
				return err
			}

			lambda.Start(newLambdaHandler(w, logger))
			return nil
		},
	}
}

type lambdaHandler func(ctx context.Context, payload json.RawMessage) (*events.SQSEventResponse, error)

// newLambdaHandler handles a single EventBridge event or an SQS batch.
//
// Malformed events are logged and acknowledged so that they are not retried.
// For SQS batches, failed records are reported individually and the rest of
// the batch is deleted by the event source mapping.
func newLambdaHandler(a activator, logger *slog.Logger) lambdaHandler {
	return func(ctx context.Context, payload json.RawMessage) (*events.SQSEventResponse, error) {
		var batch events.SQSEvent
		if err := json.Unmarshal(payload, &batch); err == nil && isSQSBatch(batch) {
			resp := &events.SQSEventResponse{}
			for _, rec := range batch.Records {
				if err := activate(ctx, a, []byte(rec.Body), logger.With(slog.String("message_id", rec.MessageId))); err != nil {
					resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
				}
			}
			return resp, nil
		}

		if err := activate(ctx, a, payload, logger); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

func isSQSBatch(batch events.SQSEvent) bool {
	return len(batch.Records) > 0 && batch.Records[0].EventSource == sqsEventSource
}

func activate(ctx context.Context, a activator, payload []byte, logger *slog.Logger) error {
	_, err := a.Activate(ctx, payload)
	if errors.Is(err, lifecycle.ErrMalformedEvent) {
		logger.Warn("dropping malformed event", slog.String("error", err.Error()))
		return nil
	}
	return err
}
