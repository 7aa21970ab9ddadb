package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/suteetoe/feedsync/pkg/config"
	"go.uber.org/zap"
)

// EventCacheUpdated is the event type attribute of cache change messages
const EventCacheUpdated = "feed_cache.updated"

// CacheUpdated tells downstream readers that a tenant's snapshot changed
type CacheUpdated struct {
	TenantID     uint      `json:"tenantId"`
	Checksum     string    `json:"checksum"`
	ProductCount int       `json:"productCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Notifier publishes cache change events
type Notifier interface {
	CacheUpdated(ctx context.Context, event CacheUpdated) error
}

// New returns an SQS notifier when a queue is configured, otherwise one
// that only logs.
func New(ctx context.Context, cfg config.NotifyConfig, log *zap.Logger) (Notifier, error) {
	if cfg.SQSQueueURL == "" {
		log.Info("No SQS queue configured, cache updates will only be logged")
		return NewLogNotifier(log), nil
	}
	return NewSQSNotifier(ctx, cfg, log)
}

// SendMessageAPI is the part of the SQS client used for publishing
type SendMessageAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSNotifier publishes events to an SQS queue
type SQSNotifier struct {
	client   SendMessageAPI
	queueURL string
	log      *zap.Logger
}

// NewSQSNotifier creates the SQS client. Static credentials are used when
// both key and secret are set, otherwise the default AWS chain.
func NewSQSNotifier(ctx context.Context, cfg config.NotifyConfig, log *zap.Logger) (*SQSNotifier, error) {
	var awsCfg aws.Config
	var err error

	if cfg.AWSAccessKey != "" && cfg.AWSSecret != "" {
		log.Info("Using static AWS credentials for notifications", zap.String("region", cfg.AWSRegion))
		awsCfg, err = awsConfig.LoadDefaultConfig(ctx,
			awsConfig.WithRegion(cfg.AWSRegion),
			awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AWSAccessKey,
				cfg.AWSSecret,
				"",
			)),
		)
	} else {
		log.Info("Using default AWS credentials for notifications", zap.String("region", cfg.AWSRegion))
		awsCfg, err = awsConfig.LoadDefaultConfig(ctx, awsConfig.WithRegion(cfg.AWSRegion))
	}
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return NewSQSNotifierWithClient(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL, log), nil
}

// NewSQSNotifierWithClient wraps an existing client
func NewSQSNotifierWithClient(client SendMessageAPI, queueURL string, log *zap.Logger) *SQSNotifier {
	return &SQSNotifier{client: client, queueURL: queueURL, log: log}
}

// CacheUpdated implements Notifier. FIFO queues get the tenant as message
// group and the checksum as deduplication id.
func (n *SQSNotifier) CacheUpdated(ctx context.Context, event CacheUpdated) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode cache event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String(EventCacheUpdated),
			},
		},
	}
	if strings.HasSuffix(n.queueURL, ".fifo") {
		input.MessageGroupId = aws.String("tenant-" + strconv.FormatUint(uint64(event.TenantID), 10))
		input.MessageDeduplicationId = aws.String(event.Checksum)
	}

	out, err := n.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send cache event: %w", err)
	}

	n.log.Debug("Cache update published",
		zap.Uint("tenant_id", event.TenantID),
		zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}

// LogNotifier writes events to the log
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// CacheUpdated implements Notifier
func (n *LogNotifier) CacheUpdated(_ context.Context, event CacheUpdated) error {
	n.log.Info("Feed cache updated",
		zap.Uint("tenant_id", event.TenantID),
		zap.String("checksum", event.Checksum),
		zap.Int("product_count", event.ProductCount))
	return nil
}
