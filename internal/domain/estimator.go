package domain

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"example.com/ecoprogress/internal/observability"
)

// EstimateSource records which path produced a footprint.
type EstimateSource string

const (
	SourceModel  EstimateSource = "model"
	SourceStatic EstimateSource = "static"
)

// Predictor is the black-box regression model used as the primary estimator.
// Implementations return ErrPredictionUnavailable when no model is loaded.
type Predictor interface {
	Predict(ctx context.Context, category, subtype string, quantity float64) (float64, error)
}

// kg CO2e per unit quantity: km, kWh, serving, currency unit, kg.
var staticFactors = map[Category]float64{
	CategoryTransport:   0.2,
	CategoryEnergy:      0.85,
	CategoryFood:        1.5,
	CategoryConsumption: 0.05,
	CategoryWaste:       1.2,
}

// StaticFactor returns the fallback multiplier for c, or 0 for unknown categories.
func StaticFactor(c Category) float64 {
	return staticFactors[c]
}

// DefaultPredictionTimeout bounds a single predictor call.
const DefaultPredictionTimeout = 2 * time.Second

// EstimatorOption configures an Estimator.
type EstimatorOption func(*Estimator)

// WithPredictor installs the primary model. A nil predictor means no model is loaded.
func WithPredictor(p Predictor) EstimatorOption {
	return func(e *Estimator) {
		e.predictor = p
	}
}

// WithPredictionTimeout overrides DefaultPredictionTimeout.
func WithPredictionTimeout(d time.Duration) EstimatorOption {
	return func(e *Estimator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithEstimatorLogger sets the logger used to report degraded estimations.
func WithEstimatorLogger(logger *zap.Logger) EstimatorOption {
	return func(e *Estimator) {
		e.logger = logger
	}
}

// Estimator turns (category, subtype, quantity) into a footprint. It never
// fails: any predictor problem degrades to the static table.
type Estimator struct {
	predictor Predictor
	timeout   time.Duration
	logger    *zap.Logger
}

// NewEstimator constructs an Estimator.
func NewEstimator(opts ...EstimatorOption) *Estimator {
	e := &Estimator{
		timeout: DefaultPredictionTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Static computes quantity * factor for category.
func (e *Estimator) Static(category Category, quantity float64) float64 {
	return quantity * StaticFactor(category)
}

// Estimate returns the footprint and the path that produced it.
func (e *Estimator) Estimate(ctx context.Context, category Category, subtype string, quantity float64) (float64, EstimateSource) {
	if e.predictor == nil {
		observability.RecordEstimation(string(SourceStatic))
		return e.Static(category, quantity), SourceStatic
	}

	value, err := e.predict(ctx, category, subtype, quantity)
	if err != nil {
		reason := degradationReason(err)
		observability.RecordEstimationDegraded(reason)
		observability.RecordEstimation(string(SourceStatic))
		e.logger.Warn("emission estimate degraded to static factor",
			zap.String("category", string(category)),
			zap.String("subtype", subtype),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return e.Static(category, quantity), SourceStatic
	}

	observability.RecordEstimation(string(SourceModel))
	return value, SourceModel
}

var errInvalidPrediction = errors.New("predictor returned a non-finite or negative value")

type prediction struct {
	value float64
	err   error
}

// predict runs the predictor in its own goroutine so the timeout holds even
// when the implementation ignores its context.
func (e *Estimator) predict(ctx context.Context, category Category, subtype string, quantity float64) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan prediction, 1)
	go func() {
		v, err := e.predictor.Predict(ctx, string(category), subtype, quantity)
		done <- prediction{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return 0, res.err
		}
		if math.IsNaN(res.value) || math.IsInf(res.value, 0) || res.value < 0 {
			return 0, errInvalidPrediction
		}
		return res.value, nil
	}
}

func degradationReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrPredictionUnavailable):
		return "unavailable"
	case errors.Is(err, errInvalidPrediction):
		return "invalid_output"
	default:
		return "error"
	}
}
