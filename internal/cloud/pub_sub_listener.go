// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This file defines the Pub/Sub listener that feeds asynchronous analysis
// requests into a command, and the publisher used by the API to enqueue them.
//
// Logic Flow:
//  1. A PubSubListener is created per configured subscription.
//  2. The analysis workflow is attached with SetCommand once it is built.
//  3. Listen starts a goroutine that receives messages until ctx is done.
//  4. Each message body becomes the CtxIn of a fresh cor context.
//  5. The message is acknowledged when the command recorded no error, or
//     when its error is permanent (model.IsPermanent). A permanent failure is
//     first forwarded to the dead letter topic when one is configured.
//  6. Any other failure leaves the message for redelivery under the
//     subscription's policy.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/cor"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DeadLetterSink receives the body of a message that can never succeed.
type DeadLetterSink func(ctx context.Context, data []byte, attributes map[string]string) error

// TopicDeadLetter publishes dead letters to topic and waits for the server.
func TopicDeadLetter(topic *pubsub.Topic) DeadLetterSink {
	return func(ctx context.Context, data []byte, attributes map[string]string) error {
		_, err := topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attributes}).Get(ctx)
		return err
	}
}

// PubSubListener connects one subscription to a command.
type PubSubListener struct {
	client       *pubsub.Client
	subscription *pubsub.Subscription
	command      cor.Command
	deadLetter   DeadLetterSink
}

// NewPubSubListener binds subscriptionID on pubsubClient. command may be nil
// and attached later with SetCommand.
func NewPubSubListener(
	pubsubClient *pubsub.Client,
	subscriptionID string,
	command cor.Command,
) (*PubSubListener, error) {
	if pubsubClient == nil {
		return nil, fmt.Errorf("subscription %s: nil pubsub client", subscriptionID)
	}
	return &PubSubListener{
		client:       pubsubClient,
		subscription: pubsubClient.Subscription(subscriptionID),
		command:      command,
	}, nil
}

// SetCommand attaches command unless one is already set.
func (m *PubSubListener) SetCommand(command cor.Command) {
	if m.command == nil {
		m.command = command
	}
}

// SetDeadLetter routes permanently failing messages to sink.
func (m *PubSubListener) SetDeadLetter(sink DeadLetterSink) {
	m.deadLetter = sink
}

// Listen receives messages in the background until ctx is cancelled.
func (m *PubSubListener) Listen(ctx context.Context) {
	slog.InfoContext(ctx, "listening", "subscription", m.subscription.ID())

	go func() {
		tracer := otel.Tracer("message-listener")
		err := m.subscription.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
			spanCtx, span := tracer.Start(msgCtx, "receive-message")
			defer span.End()
			span.SetAttributes(
				attribute.String("message_id", msg.ID),
				attribute.String("msg", string(msg.Data)),
			)
			if m.command == nil {
				slog.ErrorContext(spanCtx, "no command attached, leaving message for redelivery", "subscription", m.subscription.ID())
				span.SetStatus(codes.Error, "no command")
				return
			}

			if HandleMessage(spanCtx, m.command, m.deadLetter, msg.ID, msg.Data) {
				msg.Ack()
			}
			// Not acknowledged: redelivered after the ack deadline.
		})
		if err != nil {
			slog.ErrorContext(ctx, "error receiving data", "subscription", m.subscription.ID(), "error", err)
		}
	}()
}

// HandleMessage runs command on one message body and reports whether the
// message should be acknowledged.
func HandleMessage(ctx context.Context, command cor.Command, deadLetter DeadLetterSink, msgID string, data []byte) bool {
	span := trace.SpanFromContext(ctx)

	chainCtx := cor.NewBaseContext()
	chainCtx.SetContext(ctx)
	chainCtx.Add(cor.CtxIn, string(data))
	defer chainCtx.Close()

	command.Execute(chainCtx)

	err := chainCtx.Err()
	if err == nil {
		span.SetStatus(codes.Ok, "success")
		return true
	}
	span.SetStatus(codes.Error, "failed")
	for name, e := range chainCtx.GetErrors() {
		slog.ErrorContext(ctx, "error executing chain", "command", name, "error", e, "message_id", msgID)
	}
	if !model.IsPermanent(err) {
		return false
	}
	if deadLetter != nil {
		attrs := map[string]string{
			"source_message_id": msgID,
			"error":             err.Error(),
			"classification":    model.Classify(err),
		}
		if dlErr := deadLetter(context.WithoutCancel(ctx), data, attrs); dlErr != nil {
			slog.ErrorContext(ctx, "failed to forward message to dead letter topic", "message_id", msgID, "error", dlErr)
			return false
		}
	}
	slog.WarnContext(ctx, "dropping message that cannot succeed", "message_id", msgID, "error", err)
	return true
}

// PublishAnalysisRequest enqueues req on topic and waits for the server id.
func PublishAnalysisRequest(ctx context.Context, topic *pubsub.Topic, req model.AnalysisRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	id, err := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"video_id": req.VideoID},
	}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish analysis request for %s: %w", req.VideoID, err)
	}
	return id, nil
}
