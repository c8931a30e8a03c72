//go:build lambda

package main

import (
	"context"
	"errors"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/joho/godotenv"
	"github.com/josephsvk/DRTA/cmd/drta/cmds"
	"github.com/josephsvk/DRTA/internal/backends"
	"github.com/josephsvk/DRTA/internal/enroll"
	"github.com/josephsvk/DRTA/internal/pub"
	"github.com/josephsvk/DRTA/internal/totp"
	log "github.com/sirupsen/logrus"
)

func main() {
	// Load environment variables
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	err := godotenv.Load(envFile)
	if err != nil {
		log.Info("The .env file not found.")
	}

	ctx := context.Background()

	cfg, err := cmds.LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cmds.SetupLogging(cfg); err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	verifier, err := totp.NewVerifier(cfg.TOTPSecret)
	if err != nil {
		log.Fatalf("Failed to initialize TOTP verifier: %v", err)
	}

	store, err := backends.StoreBackendFromEnv()
	if err != nil {
		log.Fatalf("Failed to initialize allocation store: %v", err)
	}

	var opts []enroll.Option
	if cfg.EnrollTopicArn != "" {
		snsClient, err := backends.SNSClientFromEnv(ctx)
		if err != nil {
			log.Fatalf("Failed to load AWS config: %v", err)
		}
		opts = append(opts, enroll.WithPublisher(pub.NewSNS(snsClient, enroll.EventEnrollmentCreated)))
	}

	engine, err := enroll.New(cfg, store, opts...)
	if err != nil {
		log.Fatalf("Failed to initialize enrollment engine: %v", err)
	}

	handler := &LambdaHandler{Verifier: verifier, Engine: engine}

	// Start Lambda runtime
	lambda.Start(handler.HandleSQSEvent)
}

// errDropped marks messages that were rejected for good and must not be
// redelivered.
var errDropped = errors.New("dropped")

// LambdaHandler enrolls the devices described by SQS messages.
type LambdaHandler struct {
	Verifier Checker
	Engine   Enroller
}

// HandleSQSEvent processes SQS messages from a FIFO queue
func (h *LambdaHandler) HandleSQSEvent(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	log.Infof("Processing batch of %d messages", len(sqsEvent.Records))

	var batchItemFailures []events.SQSBatchItemFailure

	for _, record := range sqsEvent.Records {
		err := h.processMessage(ctx, record)
		if err == nil || errors.Is(err, errDropped) {
			continue
		}
		log.WithError(err).Errorf("Failed to process message %s", record.MessageId)
		// For FIFO queues, report failure to preserve ordering
		batchItemFailures = append(batchItemFailures, events.SQSBatchItemFailure{
			ItemIdentifier: record.MessageId,
		})
	}

	return events.SQSEventResponse{
		BatchItemFailures: batchItemFailures,
	}, nil
}
