package notify

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/dmitrifedorov/maildeliver/lalog"
)

// awsRegion returns the AWS region name specified in program environment "AWS_REGION".
func awsRegion() string {
	return os.Getenv("AWS_REGION")
}

// SNSPublisher publishes delivery events to an AWS SNS topic.
type SNSPublisher struct {
	topicARN   string
	logger     lalog.Logger
	apiSession *session.Session
	client     *sns.SNS
}

// NewSNSPublisher initialises an SNS publisher for the topic.
func NewSNSPublisher(topicARN string) (*SNSPublisher, error) {
	logger := lalog.Logger{ComponentName: "sns", ComponentID: []lalog.LoggerIDField{{Key: "Topic", Value: topicARN}}}
	regionName := awsRegion()
	if regionName == "" {
		return nil, fmt.Errorf("NewSNSPublisher: unable to determine AWS region, is it set in environment variable AWS_REGION?")
	}
	logger.Info("", nil, "initialising using AWS region name \"%s\"", regionName)
	apiSession, err := session.NewSession(&aws.Config{Region: aws.String(regionName)})
	if err != nil {
		return nil, err
	}
	snsInst := sns.New(apiSession)
	xray.AWS(snsInst.Client)
	return &SNSPublisher{
		topicARN:   topicARN,
		logger:     logger,
		apiSession: apiSession,
		client:     snsInst,
	}, nil
}

// Publish sends the text to the SNS topic.
func (publisher *SNSPublisher) Publish(ctx context.Context, text string) error {
	startTimeNano := time.Now().UnixNano()
	_, err := publisher.client.PublishWithContext(ctx, &sns.PublishInput{
		Message:  aws.String(text),
		TopicArn: aws.String(publisher.topicARN),
	})
	durationMilli := (time.Now().UnixNano() - startTimeNano) / 1000000
	publisher.logger.Info("", nil, "PublishWithContext completed in %d milliseconds for a %d bytes long message (err? %v)",
		durationMilli, len(text), err)
	return err
}

// SQSPublisher publishes delivery events to an AWS SQS queue.
type SQSPublisher struct {
	queueURL   string
	logger     lalog.Logger
	apiSession *session.Session
	client     *sqs.SQS
}

// NewSQSPublisher initialises an SQS publisher for the queue.
func NewSQSPublisher(queueURL string) (*SQSPublisher, error) {
	logger := lalog.Logger{ComponentName: "sqs", ComponentID: []lalog.LoggerIDField{{Key: "Queue", Value: queueURL}}}
	regionName := awsRegion()
	if regionName == "" {
		return nil, fmt.Errorf("NewSQSPublisher: unable to determine AWS region, is it set in environment variable AWS_REGION?")
	}
	logger.Info("", nil, "initialising using AWS region name \"%s\"", regionName)
	apiSession, err := session.NewSession(&aws.Config{Region: aws.String(regionName)})
	if err != nil {
		return nil, err
	}
	sqsInst := sqs.New(apiSession)
	xray.AWS(sqsInst.Client)
	return &SQSPublisher{
		queueURL:   queueURL,
		logger:     logger,
		apiSession: apiSession,
		client:     sqsInst,
	}, nil
}

// Publish sends the text to the SQS queue, immediately visible to consumers.
func (publisher *SQSPublisher) Publish(ctx context.Context, text string) error {
	startTimeNano := time.Now().UnixNano()
	_, err := publisher.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		DelaySeconds: aws.Int64(0),
		MessageBody:  aws.String(text),
		QueueUrl:     aws.String(publisher.queueURL),
	})
	durationMilli := (time.Now().UnixNano() - startTimeNano) / 1000000
	publisher.logger.Info("", nil, "SendMessageWithContext completed in %d milliseconds for a %d bytes long message (err? %v)",
		durationMilli, len(text), err)
	return err
}
