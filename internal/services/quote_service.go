package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/freshnest/api/internal/domain"
	"github.com/freshnest/api/internal/pricing"
)

var (
	// ErrQuoteInvalidInput indicates the quote request failed validation.
	ErrQuoteInvalidInput = errors.New("quote: invalid input")
	// ErrQuoteUnavailable indicates the quote engine is not wired up.
	ErrQuoteUnavailable = errors.New("quote: unavailable")
)

// quoteCalculator abstracts pricing.Calculator for easier testing.
type quoteCalculator interface {
	Calculate(ctx context.Context, input domain.QuoteInput) (domain.Quote, error)
	MinimumLinenOrderMet(input domain.QuoteInput) bool
}

// QuoteServiceDeps wires the dependencies required by the quote service.
type QuoteServiceDeps struct {
	Calculator quoteCalculator
	Clock      func() time.Time
}

type quoteService struct {
	calculator quoteCalculator
	now        func() time.Time
}

// NewQuoteService constructs a QuoteService around the pricing calculator.
func NewQuoteService(deps QuoteServiceDeps) (QuoteService, error) {
	if deps.Calculator == nil {
		return nil, errors.New("quote service: calculator is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &quoteService{
		calculator: deps.Calculator,
		now: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Calculate runs the pricing engine, translating its validation failures into
// the service error taxonomy.
func (s *quoteService) Calculate(ctx context.Context, input domain.QuoteInput) (domain.Quote, error) {
	if s == nil || s.calculator == nil {
		return domain.Quote{}, ErrQuoteUnavailable
	}
	quote, err := s.calculator.Calculate(ctx, input)
	if err != nil {
		if errors.Is(err, pricing.ErrQuoteInvalidInput) {
			return domain.Quote{}, fmt.Errorf("%w: %s", ErrQuoteInvalidInput, err.Error())
		}
		return domain.Quote{}, err
	}
	return quote, nil
}

// Assess derives the progression gates for the input. Linen bookings below the
// minimum order and urgent slots change how the caller proceeds, not the price.
func (s *quoteService) Assess(_ context.Context, input domain.QuoteInput) QuoteAssessment {
	if s == nil || s.calculator == nil {
		return QuoteAssessment{}
	}
	scheduledAt := pricing.ScheduledAt(input.ScheduledDate, input.ScheduledTime)
	return QuoteAssessment{
		ScheduledAt:     scheduledAt,
		Urgent:          pricing.Urgent(scheduledAt, s.now()),
		LinenMinimumMet: s.calculator.MinimumLinenOrderMet(input),
	}
}
