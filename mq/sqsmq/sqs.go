package sqsmq

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/zlnvch/pgprelay/mq"
)

type SQSMessageQueue struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSMessageQueue(ctx context.Context, devMode bool, sqsEndpoint string, queueName string) (*SQSMessageQueue, error) {
	client, err := newSQSClient(ctx, devMode, sqsEndpoint)
	if err != nil {
		return nil, err
	}

	queueURL, err := findQueueURL(client, ctx, queueName)
	if err != nil {
		return nil, err
	}

	return &SQSMessageQueue{client: client, queueURL: queueURL}, nil
}

func findQueueURL(client *sqs.Client, ctx context.Context, queueName string) (string, error) {
	queues, err := getQueues(client, ctx, queueName)
	if err != nil {
		return "", err
	}
	for _, q := range queues {
		if strings.HasSuffix(q, "/"+queueName) {
			return q, nil
		}
	}
	return "", fmt.Errorf("given queue name '%s' not found in SQS", queueName)
}

func (sqsmq *SQSMessageQueue) Send(ctx context.Context, body string) error {
	return sendMessage(sqsmq, ctx, body)
}

func (sqsmq *SQSMessageQueue) Receive(ctx context.Context, visibilityTimeout int32) (*mq.Message, error) {
	return receiveMessage(sqsmq, ctx, visibilityTimeout)
}

func (sqsmq *SQSMessageQueue) Delete(ctx context.Context, msg *mq.Message) error {
	return deleteMessage(sqsmq, ctx, msg)
}
