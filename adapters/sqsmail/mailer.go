package sqsmail

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	lifecycle "github.com/goliatone/go-lifecycle"
)

// SendMessageAPI is the part of the SQS client the mailer needs
type SendMessageAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// EmailJob is the queued message consumed by the email worker
type EmailJob struct {
	Template  string         `json:"template"`
	Recipient string         `json:"recipient"`
	Variables map[string]any `json:"variables,omitempty"`
	QueuedAt  time.Time      `json:"queued_at"`
}

// Mailer publishes transactional emails onto a queue. Delivery itself is
// done by whatever consumes the queue.
type Mailer struct {
	client   SendMessageAPI
	queueURL string
	now      func() time.Time
}

var _ lifecycle.Mailer = (*Mailer)(nil)

// New creates a mailer over an existing client
func New(client SendMessageAPI, queueURL string) (*Mailer, error) {
	if client == nil {
		return nil, errors.New("sqsmail: client is required")
	}
	if queueURL == "" {
		return nil, errors.New("sqsmail: queue url is required")
	}
	return &Mailer{client: client, queueURL: queueURL, now: time.Now}, nil
}

// NewFromEnv loads the default AWS config, optionally pinned to region.
func NewFromEnv(ctx context.Context, queueURL, region string) (*Mailer, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return New(sqs.NewFromConfig(awsCfg), queueURL)
}

// SendTransactionalEmail implements lifecycle.Mailer.
func (m *Mailer) SendTransactionalEmail(ctx context.Context, templateID, recipient string, vars map[string]any) error {
	body, err := json.Marshal(EmailJob{
		Template:  templateID,
		Recipient: recipient,
		Variables: vars,
		QueuedAt:  m.now().UTC(),
	})
	if err != nil {
		return err
	}

	_, err = m.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(m.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"template": {
				DataType:    aws.String("String"),
				StringValue: aws.String(templateID),
			},
		},
	})
	return err
}
