// ABOUTME: SQS-backed inference queue publisher. Queue URLs are resolved from
// ABOUTME: queue names at dispatch time and cached for the process lifetime.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSPublisher publishes inference messages to named SQS queues.
type SQSPublisher struct {
	client *sqs.Client

	mu   sync.Mutex
	urls map[string]string // queue name -> resolved URL
}

// NewSQSPublisher builds a publisher using the default AWS credential chain.
func NewSQSPublisher(ctx context.Context) (*SQSPublisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SQSPublisher{
		client: sqs.NewFromConfig(cfg),
		urls:   make(map[string]string),
	}, nil
}

// Enqueue sends body to the named queue.
func (p *SQSPublisher) Enqueue(ctx context.Context, queue string, body []byte) error {
	url, err := p.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("send message to %s: %w", queue, err)
	}
	return nil
}

func (p *SQSPublisher) queueURL(ctx context.Context, queue string) (string, error) {
	p.mu.Lock()
	url, ok := p.urls[queue]
	p.mu.Unlock()
	if ok {
		return url, nil
	}

	out, err := p.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queue),
	})
	if err != nil {
		return "", fmt.Errorf("resolve queue url %s: %w", queue, err)
	}

	p.mu.Lock()
	p.urls[queue] = *out.QueueUrl
	p.mu.Unlock()
	return *out.QueueUrl, nil
}
