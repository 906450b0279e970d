package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Messages do not survive a restart; it
// backs the "memory" driver and tests.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	msgs    map[string]*memMsg
	byRcpt  map[string]string
	wake    chan struct{}
	failErr error
	failN   int
	seq     uint64
}

type memMsg struct {
	id        string
	body      []byte
	sentAt    time.Time
	visibleAt time.Time
	receipt   string
	received  int
	seq       uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:    time.Now,
		msgs:   map[string]*memMsg{},
		byRcpt: map[string]string{},
		wake:   make(chan struct{}),
	}
}

// FailNext makes the next n store calls return err.
func (m *MemoryStore) FailNext(n int, err error) {
	m.mu.Lock()
	m.failN, m.failErr = n, err
	m.mu.Unlock()
}

// injected returns the pending injected failure. Caller holds mu.
func (m *MemoryStore) injected() error {
	if m.failN <= 0 {
		return nil
	}
	m.failN--
	return m.failErr
}

// notify wakes blocked receivers. Caller holds mu.
func (m *MemoryStore) notify() {
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *MemoryStore) Send(_ context.Context, body []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return "", err
	}
	m.seq++
	now := m.now()
	msg := &memMsg{
		id:        uuid.NewString(),
		body:      append([]byte(nil), body...),
		sentAt:    now,
		visibleAt: now,
		seq:       m.seq,
	}
	m.msgs[msg.id] = msg
	m.notify()
	return msg.id, nil
}

func (m *MemoryStore) Receive(ctx context.Context, opts ReceiveOptions) ([]Envelope, error) {
	if err := opts.Validate(); err != nil {
		return nil, &StoreError{Op: "receive", Code: "InvalidParameterValue", Err: err}
	}
	deadline := time.Now().Add(opts.WaitTime)
	for {
		m.mu.Lock()
		if err := m.injected(); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		out := m.takeVisible(opts)
		wake := m.wake
		m.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		t := time.NewTimer(min(remaining, 250*time.Millisecond))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// takeVisible claims up to MaxMessages visible messages. Caller holds mu.
func (m *MemoryStore) takeVisible(opts ReceiveOptions) []Envelope {
	now := m.now()
	var ready []*memMsg
	for _, msg := range m.msgs {
		if !msg.visibleAt.After(now) {
			ready = append(ready, msg)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
	if len(ready) > opts.MaxMessages {
		ready = ready[:opts.MaxMessages]
	}
	out := make([]Envelope, 0, len(ready))
	for _, msg := range ready {
		if msg.receipt != "" {
			delete(m.byRcpt, msg.receipt)
		}
		msg.receipt = uuid.NewString()
		msg.received++
		msg.visibleAt = now.Add(opts.VisibilityTimeout)
		m.byRcpt[msg.receipt] = msg.id
		out = append(out, Envelope{
			ID:           msg.id,
			Receipt:      msg.receipt,
			Body:         append([]byte(nil), msg.body...),
			ReceiveCount: msg.received,
			SentAt:       msg.sentAt,
		})
	}
	return out
}

func (m *MemoryStore) Delete(_ context.Context, receipt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	id, ok := m.byRcpt[receipt]
	if !ok {
		return ErrReceiptNotFound
	}
	delete(m.byRcpt, receipt)
	delete(m.msgs, id)
	return nil
}

func (m *MemoryStore) ChangeVisibility(_ context.Context, receipt string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	id, ok := m.byRcpt[receipt]
	if !ok {
		return ErrReceiptNotFound
	}
	m.msgs[id].visibleAt = m.now().Add(timeout)
	if timeout <= 0 {
		m.notify()
	}
	return nil
}

// Len returns the number of stored messages, visible or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

// Bodies returns the bodies of all stored messages in send order.
func (m *MemoryStore) Bodies() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]*memMsg, 0, len(m.msgs))
	for _, msg := range m.msgs {
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].seq < msgs[j].seq })
	out := make([][]byte, len(msgs))
	for i, msg := range msgs {
		out[i] = append([]byte(nil), msg.body...)
	}
	return out
}
