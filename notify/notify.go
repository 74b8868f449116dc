/*
Package notify turns per-recipient delivery outcomes into JSON events published to an external channel, such as an AWS
SNS topic or SQS queue, for downstream consumers to act on (indexing, alerting, statistics).
*/
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dmitrifedorov/maildeliver/lalog"
	"github.com/dmitrifedorov/maildeliver/lmtpclient"
)

const (
	// PublishTimeout bounds the publishing of a single delivery event.
	PublishTimeout = 10 * time.Second
)

// DeliveryEvent is the document published for each recipient once its final outcome is known.
type DeliveryEvent struct {
	Timestamp string `json:"Timestamp"` // Timestamp is the moment of the outcome in RFC3339 form.
	Protocol  string `json:"Protocol"`  // Protocol is the delivery protocol variant (LMTP or SMTP).
	Sender    string `json:"Sender"`    // Sender is the envelope sender, angle brackets included.
	Recipient string `json:"Recipient"` // Recipient is the envelope recipient address.
	Accepted  bool   `json:"Accepted"`  // Accepted is the outcome of the recipient's RCPT TO command.
	Delivered bool   `json:"Delivered"` // Delivered is the outcome of handing the message over.
	ReplyLine string `json:"ReplyLine"` // ReplyLine is the server's reply (or the synthesised failure line).
}

// Publisher delivers a serialised event to an external channel.
type Publisher interface {
	Publish(ctx context.Context, text string) error
}

/*
Recorder wraps the delivery client's callbacks so that each recipient's final outcome is published exactly once. A
recipient rejected at RCPT TO (or resolved by a session-wide failure before the data phase) is published at that
point; otherwise publishing happens when the delivery outcome arrives.
*/
type Recorder struct {
	Protocol  lmtpclient.Protocol
	Sender    string
	Publisher Publisher

	logger lalog.Logger
}

// NewRecorder returns a recorder that publishes through the publisher, which may be nil to disable publishing.
func NewRecorder(protocol lmtpclient.Protocol, sender string, publisher Publisher) *Recorder {
	return &Recorder{
		Protocol:  protocol,
		Sender:    sender,
		Publisher: publisher,
		logger:    lalog.Logger{ComponentName: "notify"},
	}
}

/*
Watch decorates a recipient's pair of callbacks. Hand the returned pair to the delivery client in place of the
originals; the originals still fire first.
*/
func (recorder *Recorder) Watch(address string, rcptTo, data lmtpclient.CallbackFunc) (lmtpclient.CallbackFunc, lmtpclient.CallbackFunc) {
	accepted := false
	wrappedRcpt := func(success bool, line string, ctx interface{}) {
		if rcptTo != nil {
			rcptTo(success, line, ctx)
		}
		accepted = success
		if !success {
			// The recipient will see no delivery outcome of its own.
			recorder.publish(address, false, false, line)
		}
	}
	wrappedData := func(success bool, line string, ctx interface{}) {
		if data != nil {
			data(success, line, ctx)
		}
		recorder.publish(address, accepted, success, line)
	}
	return wrappedRcpt, wrappedData
}

func (recorder *Recorder) publish(address string, accepted, delivered bool, line string) {
	if recorder.Publisher == nil {
		return
	}
	event := DeliveryEvent{
		Timestamp: time.Now().Format(time.RFC3339),
		Protocol:  recorder.Protocol.String(),
		Sender:    recorder.Sender,
		Recipient: address,
		Accepted:  accepted,
		Delivered: delivered,
		ReplyLine: line,
	}
	serialised, err := json.Marshal(event)
	if err != nil {
		recorder.logger.Warning(address, err, "failed to serialise delivery event")
		return
	}
	// Publish off the callback path, the delivery session must not wait for the channel.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout)
		defer cancel()
		if err := recorder.Publisher.Publish(ctx, string(serialised)); err != nil {
			recorder.logger.Warning(address, err, "failed to publish delivery event")
		}
	}()
}
