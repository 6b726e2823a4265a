package mock

import (
	"context"
	"sync"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/publisher"
)

// Ensure MockPublisher implements publisher.Publisher.
var _ publisher.Publisher = (*MockPublisher)(nil)

// MockPublisher is a mock message publisher for testing.
type MockPublisher struct {
	mu        sync.Mutex
	Published []*domain.ChangeMessage
	PublishFn func(ctx context.Context, msg *domain.ChangeMessage) error
}

// NewMockPublisher creates a new mock publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) Publish(ctx context.Context, msg *domain.ChangeMessage) error {
	if m.PublishFn != nil {
		if err := m.PublishFn(ctx, msg); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.Published = append(m.Published, msg)
	m.mu.Unlock()
	return nil
}

// Messages returns a snapshot of the published messages.
func (m *MockPublisher) Messages() []*domain.ChangeMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.ChangeMessage(nil), m.Published...)
}

// Identifiers returns the identifiers of the published messages in order.
func (m *MockPublisher) Identifiers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.Published))
	for i, msg := range m.Published {
		ids[i] = msg.Identifier
	}
	return ids
}

func (m *MockPublisher) Close() error {
	return nil
}
