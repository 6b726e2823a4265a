package pool_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/pool"
)

// stubProcessor returns fixed results and counts calls.
type stubProcessor struct {
	calls     atomic.Int32
	duplicate bool
	err       error
	panicMsg  string
}

func (s *stubProcessor) Execute(ctx context.Context, msg *domain.ChangeMessage) (bool, error) {
	s.calls.Add(1)
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.duplicate, s.err
}

// settlement records how a delivery was settled.
type settlement struct {
	mu       sync.Mutex
	acked    int
	requeued int
	rejected int
	done     chan struct{}
}

func newSettlement(n int) *settlement {
	return &settlement{done: make(chan struct{}, n)}
}

func (s *settlement) delivery() *domain.Delivery {
	return &domain.Delivery{
		Message: &domain.ChangeMessage{
			MessageID:  uuid.New(),
			Source:     domain.SourceSAM,
			EntityType: "holdings",
			Identifier: "12/345/0001",
		},
		Ack: func() error {
			s.mu.Lock()
			s.acked++
			s.mu.Unlock()
			s.done <- struct{}{}
			return nil
		},
		Nack: func(requeue bool) error {
			s.mu.Lock()
			if requeue {
				s.requeued++
			} else {
				s.rejected++
			}
			s.mu.Unlock()
			s.done <- struct{}{}
			return nil
		},
	}
}

func (s *settlement) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
			require.FailNowf(t, "deliveries not settled", "only %d of %d deliveries settled", i, n)
		}
	}
}

func (s *settlement) counts() (acked, requeued, rejected int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked, s.requeued, s.rejected
}

func runPool(t *testing.T, size int, proc pool.Processor, n int) *settlement {
	t.Helper()

	ch := make(chan *domain.Delivery, n)
	ctx, cancel := context.WithCancel(context.Background())
	wp := pool.NewWorkerPool(size, ch, proc, zap.NewNop())
	wp.Start(ctx)

	s := newSettlement(n)
	for i := 0; i < n; i++ {
		ch <- s.delivery()
	}
	s.wait(t, n)

	cancel()
	wp.Stop()
	return s
}

// Test: pool processes messages and ACKs them.
func TestPool_ProcessAndAck(t *testing.T) {
	proc := &stubProcessor{}
	s := runPool(t, 2, proc, 5)

	acked, requeued, rejected := s.counts()
	assert.Equal(t, 5, acked)
	assert.Zero(t, requeued+rejected, "no NACKs expected")
	assert.EqualValues(t, 5, proc.calls.Load())
}

// Test: duplicates are ACKed, not NACKed.
func TestPool_DuplicateIsAcked(t *testing.T) {
	s := runPool(t, 1, &stubProcessor{duplicate: true}, 1)

	acked, requeued, rejected := s.counts()
	assert.Equal(t, 1, acked)
	assert.Zero(t, requeued)
	assert.Zero(t, rejected)
}

// Test: each failure kind is settled the way its retryability says.
func TestPool_SettlesByErrorKind(t *testing.T) {
	tests := map[string]struct {
		err          error
		wantRequeued int
		wantRejected int
	}{
		"transient source": {
			err:          domain.Wrap(domain.KindTransientSource, "source.get", errors.New("503")),
			wantRequeued: 1,
		},
		"store conflict reruns reconciliation": {
			err:          domain.Wrap(domain.KindStoreConflict, "sites.insert", errors.New("duplicate key")),
			wantRequeued: 1,
		},
		"store unreachable during the targeted load": {
			err: fmt.Errorf("reconcile sites: load 12/345/0001: %w",
				domain.Wrap(domain.KindStoreUnavailable, "postgres.sites.find", errors.New("connection refused"))),
			wantRequeued: 1,
		},
		"shutdown interruption": {
			err:          context.Canceled,
			wantRequeued: 1,
		},
		"permanent source": {
			err:          domain.Wrap(domain.KindPermanentSource, "source.get", errors.New("400")),
			wantRejected: 1,
		},
		"unclassified": {
			err:          errors.New("decode sites: unexpected end of JSON input"),
			wantRejected: 1,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := runPool(t, 1, &stubProcessor{err: tc.err}, 1)

			acked, requeued, rejected := s.counts()
			assert.Zero(t, acked)
			assert.Equal(t, tc.wantRequeued, requeued, "requeued")
			assert.Equal(t, tc.wantRejected, rejected, "rejected")
		})
	}
}

// Test: a panicking import is rejected and the worker keeps running.
func TestPool_PanicIsRecovered(t *testing.T) {
	proc := &stubProcessor{panicMsg: "nil snapshot"}
	s := runPool(t, 1, proc, 3)

	_, _, rejected := s.counts()
	assert.Equal(t, 3, rejected)
	assert.EqualValues(t, 3, proc.calls.Load(), "the worker should survive and handle every message")
}

// Test: pool shuts down gracefully on a closed channel.
func TestPool_StopsWhenChannelClosed(t *testing.T) {
	ch := make(chan *domain.Delivery)
	wp := pool.NewWorkerPool(4, ch, &stubProcessor{}, zap.NewNop())
	wp.Start(context.Background())

	close(ch)

	stopped := make(chan struct{})
	go func() {
		wp.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "pool did not stop after the channel closed")
	}
}
