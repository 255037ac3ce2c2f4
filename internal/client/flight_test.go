package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type captureFlightServer struct {
	flight.BaseFlightServer

	mu       sync.Mutex
	datasets []string
	values   []float64
	fail     bool
}

func (s *captureFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("rejected")
	}
	if desc := reader.LatestFlightDescriptor(); desc != nil {
		s.datasets = append(s.datasets, desc.Path...)
	}
	for reader.Next() {
		col := reader.Record().Column(1).(*array.Float64)
		s.values = append(s.values, col.Float64Values()...)
	}
	return reader.Err()
}

func startFlightServer(t *testing.T, svc flight.FlightServer) string {
	t.Helper()
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(svc)
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return server.Addr().String()
}

func coefficients(t *testing.T, beta ...float64) arrow.RecordBatch {
	t.Helper()
	rb, err := NewRecordBatchBuilder(memory.NewGoAllocator()).BuildCoefficients(beta, nil)
	require.NoError(t, err)
	t.Cleanup(rb.Release)
	return rb
}

func TestFlightClient_DoPut(t *testing.T) {
	svc := &captureFlightServer{}
	addr := startFlightServer(t, svc)

	c, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, c.DoPut(ctx, "coefficients", coefficients(t, 2.5, 4.5)))

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, []string{"coefficients"}, svc.datasets)
	assert.Equal(t, []float64{2.5, 4.5}, svc.values)
}

func TestFlightClient_ServerError(t *testing.T) {
	addr := startFlightServer(t, &captureFlightServer{fail: true})

	c, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	assert.Error(t, c.DoPut(ctx, "coefficients", coefficients(t, 1)))
}

type mockPutter struct {
	mock.Mock
}

func (m *mockPutter) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	return m.Called(ctx, datasetName, record).Error(0)
}

func TestPublisher(t *testing.T) {
	rec := coefficients(t, 1, 2)

	t.Run("success", func(t *testing.T) {
		m := &mockPutter{}
		m.On("DoPut", mock.Anything, "ds", rec).Return(nil).Once()

		p := NewPublisher(m, NewCircuitBreaker(1, time.Minute))
		require.NoError(t, p.Publish(context.Background(), "ds", rec))
		assert.NoError(t, p.Publish(context.Background(), "ds", nil), "nil records are skipped")
		m.AssertExpectations(t)
	})

	t.Run("breaker opens", func(t *testing.T) {
		boom := errors.New("unavailable")
		m := &mockPutter{}
		m.On("DoPut", mock.Anything, "ds", rec).Return(boom).Twice()

		p := NewPublisher(m, NewCircuitBreaker(2, time.Minute))
		assert.ErrorIs(t, p.Publish(context.Background(), "ds", rec), boom)
		assert.ErrorIs(t, p.Publish(context.Background(), "ds", rec), boom)
		assert.Equal(t, StateOpen, p.Breaker().State())

		assert.ErrorIs(t, p.Publish(context.Background(), "ds", rec), ErrCircuitOpen)
		m.AssertNumberOfCalls(t, "DoPut", 2)
	})
}
