package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pulsehr/mailqueue/contracts"
	"github.com/pulsehr/mailqueue/internal/rabbitmq"
	"github.com/pulsehr/mailqueue/mail"
)

// mockAcknowledger records ack/nack decisions on a delivery.
type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

// mockSender scripts send outcomes per attempt.
type mockSender struct {
	calls    int
	outcomes []error
	last     mail.Message
}

func (s *mockSender) Send(ctx context.Context, msg mail.Message) error {
	s.last = msg
	idx := s.calls
	s.calls++
	if idx < len(s.outcomes) {
		return s.outcomes[idx]
	}
	return nil
}

// mockSubscriber satisfies Subscriber for lifecycle tests.
type mockSubscriber struct {
	mock.Mock
}

func (m *mockSubscriber) Subscribe(ctx context.Context, queue string, handler rabbitmq.MessageHandler) error {
	args := m.Called(ctx, queue, handler)
	return args.Error(0)
}

func (m *mockSubscriber) Stop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockSubscriber) Active() bool {
	args := m.Called()
	return args.Bool(0)
}

type declaredReadiness bool

func (d declaredReadiness) Declared() bool { return bool(d) }

func newTestWorker(t *testing.T, transport *mockTransport, sender mail.Sender) *Worker {
	t.Helper()
	return NewWorker(&mockSubscriber{}, transport, declaredReadiness(true), sender, testTopology())
}

func makeDelivery(t *testing.T, job *contracts.EmailJob, retries int, ack amqp.Acknowledger) amqp.Delivery {
	t.Helper()
	body, err := job.Marshal()
	require.NoError(t, err)
	return amqp.Delivery{
		Acknowledger: ack,
		Body:         body,
		MessageId:    "msg-1",
		Priority:     job.Priority.BrokerPriority(),
		Headers:      amqp.Table{RetryCountHeader: int32(retries)},
	}
}

func TestWorkerHandleDelivery(t *testing.T) {
	job := &contracts.EmailJob{
		To:       "a@x.com",
		Subject:  "Verify",
		Text:     "code 123456",
		Priority: contracts.PriorityHigh,
	}

	t.Run("successful send acks the message", func(t *testing.T) {
		sender := &mockSender{}
		transport := &mockTransport{}
		w := newTestWorker(t, transport, sender)

		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(0), false).Return(nil)

		w.handleDelivery(context.Background(), makeDelivery(t, job, 0, ack))

		assert.Equal(t, 1, sender.calls)
		assert.Equal(t, "a@x.com", sender.last.To)
		assert.Equal(t, "code 123456", sender.last.Text)
		ack.AssertExpectations(t)
		transport.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("failure below ceiling republishes with incremented header and acks original", func(t *testing.T) {
		sender := &mockSender{outcomes: []error{errors.New("smtp 451")}}
		transport := &mockTransport{}
		var captured amqp.Publishing
		transport.On("Publish", mock.Anything, "email_exchange", "email.send", mock.Anything).
			Run(func(args mock.Arguments) {
				captured = args.Get(3).(amqp.Publishing)
			}).
			Return(nil)
		w := newTestWorker(t, transport, sender)

		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(0), false).Return(nil)

		w.handleDelivery(context.Background(), makeDelivery(t, job, 0, ack))

		ack.AssertExpectations(t)
		transport.AssertExpectations(t)
		assert.Equal(t, int32(1), captured.Headers[RetryCountHeader])
		assert.Equal(t, uint8(amqp.Persistent), captured.DeliveryMode)
		assert.Equal(t, uint8(10), captured.Priority)

		parsed, err := contracts.UnmarshalEmailJob(captured.Body)
		require.NoError(t, err)
		assert.Equal(t, 1, parsed.RetryCount)
	})

	t.Run("transient failure then success invokes sender twice", func(t *testing.T) {
		// P1: fail exactly once, then succeed on the redelivered copy.
		sender := &mockSender{outcomes: []error{errors.New("smtp 451"), nil}}
		transport := &mockTransport{}
		var republished amqp.Publishing
		transport.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				republished = args.Get(3).(amqp.Publishing)
			}).
			Return(nil)
		w := newTestWorker(t, transport, sender)

		first := &mockAcknowledger{}
		first.On("Ack", uint64(0), false).Return(nil)
		w.handleDelivery(context.Background(), makeDelivery(t, job, 0, first))

		// Broker redelivers the republished copy.
		second := &mockAcknowledger{}
		second.On("Ack", uint64(0), false).Return(nil)
		w.handleDelivery(context.Background(), amqp.Delivery{
			Acknowledger: second,
			Body:         republished.Body,
			MessageId:    republished.MessageId,
			Headers:      republished.Headers,
		})

		assert.Equal(t, 2, sender.calls)
		first.AssertExpectations(t)
		second.AssertExpectations(t)
	})

	t.Run("persistent failure dead-letters after exactly three attempts", func(t *testing.T) {
		// P2: the third failed attempt nacks without requeue.
		sendErr := errors.New("smtp 550")
		sender := &mockSender{outcomes: []error{sendErr, sendErr, sendErr}}
		transport := &mockTransport{}
		var lastPublished amqp.Publishing
		transport.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				lastPublished = args.Get(3).(amqp.Publishing)
			}).
			Return(nil)
		w := newTestWorker(t, transport, sender)

		ack1 := &mockAcknowledger{}
		ack1.On("Ack", uint64(0), false).Return(nil)
		w.handleDelivery(context.Background(), makeDelivery(t, job, 0, ack1))
		assert.Equal(t, int32(1), lastPublished.Headers[RetryCountHeader])

		ack2 := &mockAcknowledger{}
		ack2.On("Ack", uint64(0), false).Return(nil)
		w.handleDelivery(context.Background(), amqp.Delivery{
			Acknowledger: ack2,
			Body:         lastPublished.Body,
			Headers:      lastPublished.Headers,
		})
		assert.Equal(t, int32(2), lastPublished.Headers[RetryCountHeader])

		ack3 := &mockAcknowledger{}
		ack3.On("Nack", uint64(0), false, false).Return(nil)
		w.handleDelivery(context.Background(), amqp.Delivery{
			Acknowledger: ack3,
			Body:         lastPublished.Body,
			Headers:      lastPublished.Headers,
		})

		assert.Equal(t, 3, sender.calls)
		ack1.AssertExpectations(t)
		ack2.AssertExpectations(t)
		ack3.AssertExpectations(t)
		transport.AssertNumberOfCalls(t, "Publish", 2)
	})

	t.Run("malformed body is never sent and rides the retry ceiling", func(t *testing.T) {
		sender := &mockSender{}
		transport := &mockTransport{}
		var captured amqp.Publishing
		transport.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				captured = args.Get(3).(amqp.Publishing)
			}).
			Return(nil)
		w := newTestWorker(t, transport, sender)

		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(0), false).Return(nil)

		w.handleDelivery(context.Background(), amqp.Delivery{
			Acknowledger: ack,
			Body:         []byte("not json"),
			Headers:      amqp.Table{RetryCountHeader: int32(0)},
		})

		assert.Equal(t, 0, sender.calls)
		assert.Equal(t, []byte("not json"), captured.Body)
		assert.Equal(t, int32(1), captured.Headers[RetryCountHeader])
		ack.AssertExpectations(t)
	})

	t.Run("malformed body at ceiling dead-letters", func(t *testing.T) {
		sender := &mockSender{}
		w := newTestWorker(t, &mockTransport{}, sender)

		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(0), false, false).Return(nil)

		w.handleDelivery(context.Background(), amqp.Delivery{
			Acknowledger: ack,
			Body:         []byte("not json"),
			Headers:      amqp.Table{RetryCountHeader: int32(2)},
		})

		assert.Equal(t, 0, sender.calls)
		ack.AssertExpectations(t)
	})

	t.Run("republish failure falls back to broker requeue", func(t *testing.T) {
		sender := &mockSender{outcomes: []error{errors.New("smtp 451")}}
		transport := &mockTransport{}
		transport.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(rabbitmq.ErrConnectionNotReady)
		w := newTestWorker(t, transport, sender)

		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(0), false, true).Return(nil)

		w.handleDelivery(context.Background(), makeDelivery(t, job, 0, ack))
		ack.AssertExpectations(t)
	})

	t.Run("missing retry header defaults to zero", func(t *testing.T) {
		sender := &mockSender{outcomes: []error{errors.New("smtp 451")}}
		transport := &mockTransport{}
		var captured amqp.Publishing
		transport.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				captured = args.Get(3).(amqp.Publishing)
			}).
			Return(nil)
		w := newTestWorker(t, transport, sender)

		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(0), false).Return(nil)

		body, err := job.Marshal()
		require.NoError(t, err)
		w.handleDelivery(context.Background(), amqp.Delivery{
			Acknowledger: ack,
			Body:         body,
		})

		assert.Equal(t, int32(1), captured.Headers[RetryCountHeader])
		ack.AssertExpectations(t)
	})
}

func TestRetryCountHeaderTypes(t *testing.T) {
	t.Run("accepts the integer widths brokers hand back", func(t *testing.T) {
		for _, raw := range []any{int(2), int8(2), int16(2), int32(2), int64(2), float64(2)} {
			d := amqp.Delivery{Headers: amqp.Table{RetryCountHeader: raw}}
			assert.Equal(t, 2, retryCount(d), "header type %T", raw)
		}
	})

	t.Run("unexpected type defaults to zero", func(t *testing.T) {
		d := amqp.Delivery{Headers: amqp.Table{RetryCountHeader: "three"}}
		assert.Equal(t, 0, retryCount(d))
	})
}

func TestWorkerLifecycle(t *testing.T) {
	t.Run("start subscribes once topology is declared", func(t *testing.T) {
		sub := &mockSubscriber{}
		sub.On("Active").Return(false)
		subscribed := make(chan struct{})
		sub.On("Subscribe", mock.Anything, "email_queue", mock.Anything).
			Run(func(args mock.Arguments) {
				select {
				case <-subscribed:
				default:
					close(subscribed)
				}
			}).
			Return(nil)

		w := NewWorker(sub, &mockTransport{}, declaredReadiness(true), &mockSender{}, testTopology(),
			WithSubscribeRetryDelay(10*time.Millisecond))

		require.NoError(t, w.Start(context.Background()))
		select {
		case <-subscribed:
		case <-time.After(time.Second):
			t.Fatal("worker never subscribed")
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sub.On("Stop", mock.Anything).Return(nil)
		sub.On("Active").Return(true)
		assert.NoError(t, w.Stop(ctx))
	})

	t.Run("does not subscribe while topology is undeclared", func(t *testing.T) {
		sub := &mockSubscriber{}
		sub.On("Active").Return(false)

		w := NewWorker(sub, &mockTransport{}, declaredReadiness(false), &mockSender{}, testTopology(),
			WithSubscribeRetryDelay(10*time.Millisecond))

		require.NoError(t, w.Start(context.Background()))
		time.Sleep(50 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, w.Stop(ctx))
		sub.AssertNotCalled(t, "Subscribe", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("double start returns error", func(t *testing.T) {
		sub := &mockSubscriber{}
		sub.On("Active").Return(true)

		w := NewWorker(sub, &mockTransport{}, declaredReadiness(true), &mockSender{}, testTopology(),
			WithSubscribeRetryDelay(10*time.Millisecond))

		require.NoError(t, w.Start(context.Background()))
		assert.ErrorIs(t, w.Start(context.Background()), rabbitmq.ErrConsumerAlreadyActive)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sub.On("Stop", mock.Anything).Return(nil)
		assert.NoError(t, w.Stop(ctx))
	})

	t.Run("stop on a never-started worker is a no-op", func(t *testing.T) {
		w := NewWorker(&mockSubscriber{}, &mockTransport{}, declaredReadiness(true), &mockSender{}, testTopology())
		assert.NoError(t, w.Stop(context.Background()))
	})
}
