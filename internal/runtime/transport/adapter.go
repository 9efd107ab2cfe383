package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/imbus/internal/runtime/errors"
	idspkg "github.com/drblury/imbus/internal/runtime/ids"
	"github.com/drblury/imbus/internal/runtime/logging"
	"github.com/drblury/imbus/transport"
)

// MessageHandler receives the raw payload of one delivery. Its context is
// not cancelled by Unsubscribe, so an in-flight delivery runs to completion.
type MessageHandler func(ctx context.Context, payload []byte)

// Subscription is a live subject subscription.
type Subscription interface {
	Subject() string
	// Unsubscribe stops deliveries and waits for an in-flight one to finish.
	// It must not be called from inside the subscription's own handler.
	Unsubscribe()
}

// Adapter is the subject-oriented view of a broker used by the runtime.
type Adapter interface {
	Subscribe(ctx context.Context, subject string, onMessage MessageHandler) (Subscription, error)
	Publish(ctx context.Context, subject string, payload []byte) error
	IsConnected() bool
	Close() error
}

// NewAdapter wraps a watermill publisher/subscriber pair. Each subscription
// runs one consumer goroutine and acks a message after onMessage returns.
func NewAdapter(tr transport.Transport, log logging.ServiceLogger) (Adapter, error) {
	if tr.Publisher == nil || tr.Subscriber == nil {
		return nil, errspkg.ErrTransportRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return &watermillAdapter{
		tr:   tr,
		log:  logging.Component(log, "transport"),
		subs: make(map[*subscription]struct{}),
	}, nil
}

type watermillAdapter struct {
	tr  transport.Transport
	log logging.ServiceLogger

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

func (a *watermillAdapter) Subscribe(ctx context.Context, subject string, onMessage MessageHandler) (Subscription, error) {
	if subject == "" {
		return nil, errspkg.ErrSubjectRequired
	}
	if onMessage == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errspkg.ErrTransportClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := a.tr.Subscriber.Subscribe(subCtx, subject)
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &subscription{
		subject: subject,
		cancel:  cancel,
		done:    make(chan struct{}),
		owner:   a,
	}
	a.subs[sub] = struct{}{}
	go sub.consume(subCtx, messages, onMessage, a.log.With(logging.LogFields{"subject": subject}))

	return sub, nil
}

func (a *watermillAdapter) Publish(ctx context.Context, subject string, payload []byte) error {
	if subject == "" {
		return errspkg.ErrSubjectRequired
	}

	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return errspkg.ErrTransportClosed
	}

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.SetContext(ctx)
	return a.tr.Publisher.Publish(subject, msg)
}

func (a *watermillAdapter) IsConnected() bool {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	return !closed && a.tr.IsConnected()
}

// Close cancels every subscription, then closes the publisher and subscriber.
// Calling it again is a no-op.
func (a *watermillAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	subs := make([]*subscription, 0, len(a.subs))
	for sub := range a.subs {
		subs = append(subs, sub)
	}
	a.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	pubErr := a.tr.Publisher.Close()
	var subErr error
	if any(a.tr.Subscriber) != any(a.tr.Publisher) {
		subErr = a.tr.Subscriber.Close()
	}
	return errors.Join(pubErr, subErr)
}

func (a *watermillAdapter) forget(sub *subscription) {
	a.mu.Lock()
	delete(a.subs, sub)
	a.mu.Unlock()
}

type subscription struct {
	subject string
	cancel  context.CancelFunc
	done    chan struct{}
	owner   *watermillAdapter
	once    sync.Once
}

func (s *subscription) Subject() string { return s.subject }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.owner.forget(s)
	})
}

func (s *subscription) consume(ctx context.Context, messages <-chan *message.Message, onMessage MessageHandler, log logging.ServiceLogger) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				log.Debug("Subscription channel closed", nil)
				return
			}
			// a delivery racing with cancellation is left unacked for redelivery
			if ctx.Err() != nil {
				msg.Nack()
				return
			}
			onMessage(context.WithoutCancel(ctx), msg.Payload)
			msg.Ack()
		}
	}
}
