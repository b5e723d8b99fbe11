// Package bus provides the in-process Transport: named mailboxes, each
// drained by its own goroutine in FIFO order.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/insightmesh/core"
	"github.com/hupe1980/insightmesh/logging"
)

var (
	// ErrUnknownRecipient is returned by Send for an unregistered mailbox.
	ErrUnknownRecipient = errors.New("unknown recipient")
	// ErrClosed is returned once the bus has been closed.
	ErrClosed = errors.New("bus closed")
	// ErrDuplicateMailbox is returned when a mailbox name is registered twice.
	ErrDuplicateMailbox = errors.New("mailbox already registered")
)

// Observer is notified about every message the bus accepts.
type Observer interface {
	MessageSent(intent core.Intent)
}

// Options configures a Bus.
type Options struct {
	Logger   logging.Logger
	Observer Observer
}

// Bus delivers messages to named mailboxes. Send never blocks: every mailbox
// owns an unbounded queue, so a receiver that sends to a busy peer cannot
// deadlock the system. Messages to one recipient are delivered in the order
// they were sent; delivery to different recipients is concurrent.
type Bus struct {
	mu        sync.RWMutex
	mailboxes map[string]*mailbox
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    logging.Logger
	observer  Observer
}

// New creates an empty bus.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Bus{
		mailboxes: map[string]*mailbox{},
		ctx:       ctx,
		cancel:    cancel,
		logger:    logging.OrNoOp(opts.Logger),
		observer:  opts.Observer,
	}
}

// Register opens a mailbox and starts the goroutine that feeds r.
func (b *Bus) Register(name string, r core.Receiver) error {
	if name == "" {
		return fmt.Errorf("mailbox name is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if _, exists := b.mailboxes[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMailbox, name)
	}

	mb := newMailbox(name, r)
	b.mailboxes[name] = mb

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		mb.run(b.ctx, b.logger)
	}()

	b.logger.Debug("bus.mailbox.registered", "mailbox", name)

	return nil
}

// Unregister closes a mailbox. Messages still queued are dropped.
func (b *Bus) Unregister(name string) bool {
	b.mu.Lock()
	mb, ok := b.mailboxes[name]
	delete(b.mailboxes, name)
	b.mu.Unlock()

	if ok {
		mb.close()
	}

	return ok
}

// Send enqueues msg for msg.Recipient.
func (b *Bus) Send(ctx context.Context, msg core.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	closed := b.closed
	mb, ok := b.mailboxes[msg.Recipient]
	b.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, msg.Recipient)
	}

	if !mb.push(msg) {
		return ErrClosed
	}

	if b.observer != nil {
		b.observer.MessageSent(msg.Intent)
	}

	b.logger.Debug("bus.message.sent",
		"message_id", msg.ID,
		"intent", msg.Intent.String(),
		"sender", msg.Sender,
		"recipient", msg.Recipient,
		"correlation_id", msg.CorrelationID,
	)

	return nil
}

// Mailboxes returns the registered mailbox names, sorted.
func (b *Bus) Mailboxes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.mailboxes))
	for name := range b.mailboxes {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Close stops every mailbox and waits for in-flight deliveries until ctx
// expires.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	boxes := b.mailboxes
	b.mailboxes = map[string]*mailbox{}
	b.mu.Unlock()

	for _, mb := range boxes {
		mb.close()
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Debug("bus.closed")
		return nil
	case <-ctx.Done():
		b.logger.Warn("bus.close.timeout")
		return ctx.Err()
	}
}

type mailbox struct {
	name     string
	receiver core.Receiver

	mu     sync.Mutex
	queue  []core.Message
	closed bool
	notify chan struct{}
}

func newMailbox(name string, r core.Receiver) *mailbox {
	return &mailbox{
		name:     name,
		receiver: r,
		notify:   make(chan struct{}, 1),
	}
}

func (m *mailbox) push(msg core.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	m.queue = append(m.queue, msg)

	select {
	case m.notify <- struct{}{}:
	default:
	}

	return true
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		m.queue = nil
		close(m.notify)
	}
}

func (m *mailbox) pop() (core.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return core.Message{}, false
	}

	msg := m.queue[0]
	m.queue[0] = core.Message{}
	m.queue = m.queue[1:]

	return msg, true
}

func (m *mailbox) run(ctx context.Context, logger logging.Logger) {
	for {
		for {
			msg, ok := m.pop()
			if !ok {
				break
			}
			m.deliver(ctx, logger, msg)
		}

		select {
		case <-ctx.Done():
			return
		case _, ok := <-m.notify:
			if !ok {
				return
			}
		}
	}
}

func (m *mailbox) deliver(ctx context.Context, logger logging.Logger, msg core.Message) {
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("bus.receiver.panic", "mailbox", m.name, "message_id", msg.ID, "panic", fmt.Sprint(rec))
		}
	}()

	m.receiver.Receive(ctx, msg)

	logger.Debug("bus.message.delivered", "mailbox", m.name, "message_id", msg.ID, "duration_ms", time.Since(start).Milliseconds())
}
