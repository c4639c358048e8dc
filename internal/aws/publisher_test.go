package aws

import (
	"context"
	"errors"
	"testing"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	input *sqs.SendMessageInput
	err   error
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: sdkaws.String("msg-1")}, nil
}

func TestPublisher_Publish(t *testing.T) {
	client := &fakeSQS{}
	p := NewPublisher(client, "https://sqs.eu-west-2.amazonaws.com/123/plans")

	id, err := p.Publish(context.Background(), `{"a":1}`, map[string]string{"attempt_id": "a1", "session_id": ""})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)

	assert.Equal(t, "https://sqs.eu-west-2.amazonaws.com/123/plans", *client.input.QueueUrl)
	assert.Equal(t, `{"a":1}`, *client.input.MessageBody)
	require.Contains(t, client.input.MessageAttributes, "attempt_id")
	assert.Equal(t, "a1", *client.input.MessageAttributes["attempt_id"].StringValue)
	assert.NotContains(t, client.input.MessageAttributes, "session_id")
}

func TestPublisher_PublishError(t *testing.T) {
	p := NewPublisher(&fakeSQS{err: errors.New("boom")}, "q")
	_, err := p.Publish(context.Background(), "{}", nil)
	assert.ErrorContains(t, err, "send message: boom")
}
