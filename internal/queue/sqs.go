package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsAPI is the subset of *sqs.Client this package calls, so tests can
// substitute a fake without standing up a real SQS endpoint.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSQueue implements Queue against Amazon SQS, the at-least-once durable
// bus spec.md §1 names as an external collaborator. Queue names passed to
// the interface methods are SQS queue URLs.
type SQSQueue struct {
	client sqsAPI
}

// NewSQSQueue wraps an sqs.Client.
func NewSQSQueue(client *sqs.Client) *SQSQueue {
	return &SQSQueue{client: client}
}

func (q *SQSQueue) Receive(ctx context.Context, queueName string, max int, wait, visibility time.Duration) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(queueName),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       int32(wait.Seconds()),
		VisibilityTimeout:     int32(visibility.Seconds()),
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		attrs := map[string]string{}
		for k, v := range m.MessageAttributes {
			if v.StringValue != nil {
				attrs[k] = *v.StringValue
			}
		}
		body := ""
		if m.Body != nil {
			body = *m.Body
		}
		receipt := ""
		if m.ReceiptHandle != nil {
			receipt = *m.ReceiptHandle
		}
		msgs = append(msgs, Message{
			Body:          []byte(body),
			Attributes:    attrs,
			ReceiptHandle: receipt,
		})
	}
	return msgs, nil
}

func (q *SQSQueue) Delete(ctx context.Context, queueName, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueName),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}

func (q *SQSQueue) Send(ctx context.Context, queueName string, body []byte, attrs map[string]string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueName),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: toSQSAttributes(attrs),
	})
	if err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}

func (q *SQSQueue) SendToDLQ(ctx context.Context, queueName string, body []byte, errAttr string) error {
	attrs := map[string]string{"error": errAttr}
	return q.Send(ctx, DLQName(queueName), body, attrs)
}

func toSQSAttributes(attrs map[string]string) map[string]types.MessageAttributeValue {
	out := make(map[string]types.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		out[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	return out
}
