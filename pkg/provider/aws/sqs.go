package aws

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/NavarchProject/hookwatch/pkg/event"
	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
)

// MaxDelay is the longest delivery delay SQS supports.
const MaxDelay = 15 * time.Minute

// Emitter implements provider.Emitter with delayed SQS messages.
type Emitter struct {
	client   SQSAPI
	queueURL string
}

// NewEmitter creates an emitter that sends to queueURL.
func NewEmitter(client SQSAPI, queueURL string) *Emitter {
	return &Emitter{client: client, queueURL: queueURL}
}

// Emit sends the continuation envelope for lc, invisible for delay.
// Delays beyond MaxDelay are clamped.
func (e *Emitter) Emit(ctx context.Context, lc lifecycle.Context, delay time.Duration) error {
	body, err := event.Encode(lc)
	if err != nil {
		return err
	}
	if delay > MaxDelay {
		delay = MaxDelay
	}
	if delay < 0 {
		delay = 0
	}

	_, err = e.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(e.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(delay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("send continuation: %w", err)
	}
	return nil
}

// Message is one received queue message.
type Message struct {
	ID            string
	Body          []byte
	ReceiptHandle string
	ReceiveCount  int
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	URL string

	// WaitTime is the long-poll duration, at most 20s.
	WaitTime time.Duration

	// VisibilityTimeout hides a received message from other consumers
	// while its activation runs.
	VisibilityTimeout time.Duration

	// BatchSize is the maximum number of messages per receive, at most 10.
	BatchSize int
}

// Queue consumes trigger or continuation messages from SQS.
type Queue struct {
	client SQSAPI
	cfg    QueueConfig
}

// NewQueue creates a queue consumer.
func NewQueue(client SQSAPI, cfg QueueConfig) *Queue {
	if cfg.WaitTime <= 0 || cfg.WaitTime > 20*time.Second {
		cfg.WaitTime = 20 * time.Second
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > 10 {
		cfg.BatchSize = 10
	}
	return &Queue{client: client, cfg: cfg}
}

// URL returns the queue URL.
func (q *Queue) URL() string {
	return q.cfg.URL
}

// Receive long-polls for messages.
func (q *Queue) Receive(ctx context.Context) ([]Message, error) {
	in := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.cfg.URL),
		MaxNumberOfMessages:         int32(q.cfg.BatchSize),
		WaitTimeSeconds:             int32(q.cfg.WaitTime / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	}
	if q.cfg.VisibilityTimeout > 0 {
		in.VisibilityTimeout = int32(q.cfg.VisibilityTimeout / time.Second)
	}

	out, err := q.client.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.cfg.URL, err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		msgs = append(msgs, Message{
			ID:            aws.ToString(m.MessageId),
			Body:          []byte(aws.ToString(m.Body)),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			ReceiveCount:  count,
		})
	}
	return msgs, nil
}

// Delete acknowledges m.
func (q *Queue) Delete(ctx context.Context, m Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.URL),
		ReceiptHandle: aws.String(m.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message %s: %w", m.ID, err)
	}
	return nil
}
