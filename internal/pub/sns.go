// Package pub delivers enrollment events to SNS.
package pub

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// EventTypeAttr carries the event type so subscribers can filter on it.
const EventTypeAttr = "event-type"

type SNSPublisher struct {
	cli       *sns.Client
	eventType string
}

// NewSNS returns a publisher whose messages are tagged with eventType.
func NewSNS(c *sns.Client, eventType string) *SNSPublisher {
	return &SNSPublisher{cli: c, eventType: eventType}
}

func (s *SNSPublisher) PublishRaw(ctx context.Context, arn string, payload []byte) error {
	attrs := map[string]types.MessageAttributeValue{
		"content-type": {DataType: aws.String("String"), StringValue: aws.String("application/json")},
	}
	if s.eventType != "" {
		attrs[EventTypeAttr] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(s.eventType)}
	}
	_, err := s.cli.Publish(ctx, &sns.PublishInput{
		TopicArn:          &arn,
		Message:           aws.String(string(payload)),
		MessageAttributes: attrs,
	})
	return err
}
