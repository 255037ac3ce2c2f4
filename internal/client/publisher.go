package client

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/rs/zerolog/log"
)

// Putter is the part of FlightClient used by Publisher.
type Putter interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
}

// Publisher forwards records to a Flight server behind a circuit breaker.
type Publisher struct {
	putter  Putter
	breaker *CircuitBreaker
}

func NewPublisher(p Putter, breaker *CircuitBreaker) *Publisher {
	return &Publisher{putter: p, breaker: breaker}
}

// Publish sends rec to dataset. Nil records are skipped.
func (p *Publisher) Publish(ctx context.Context, dataset string, rec arrow.RecordBatch) error {
	if rec == nil {
		return nil
	}
	if !p.breaker.Allow() {
		return fmt.Errorf("%w: dataset %s", ErrCircuitOpen, dataset)
	}
	if err := p.putter.DoPut(ctx, dataset, rec); err != nil {
		p.breaker.Failure()
		log.Warn().Err(err).Str("dataset", dataset).Str("breaker", p.breaker.State().String()).Msg("Flight publish failed")
		return err
	}
	p.breaker.Success()
	log.Debug().Str("dataset", dataset).Int64("rows", rec.NumRows()).Msg("Published records")
	return nil
}

// Breaker exposes the breaker state for health reporting.
func (p *Publisher) Breaker() *CircuitBreaker {
	return p.breaker
}
