package usecase_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zakuro-ai/mesh/internal/domain"
	"github.com/zakuro-ai/mesh/internal/service/registry"
	"github.com/zakuro-ai/mesh/internal/usecase"
)

func TestPricingEstimate(t *testing.T) {
	reg := registry.New(5 * time.Minute)
	w1 := testWorker("w1", "http://w1:3960")
	w1.Pricing.CPUPerSec = dec("0.001")
	w2 := testWorker("w2", "http://w2:3960")
	w2.Pricing.CPUPerSec = dec("0.002")
	reg.ObserveSuccess("http://w1:3960", w1, time.Millisecond)
	reg.ObserveSuccess("http://w2:3960", w2, time.Millisecond)

	svc := usecase.NewPricingService(reg)
	r := domain.DefaultRequirements()
	r.EstimatedDurationSecs = 2
	q := svc.Estimate(r)

	require.Equal(t, 2, q.Matching)
	assert.True(t, q.MinCost.Equal(dec("0.002")), "min=%s", q.MinCost)
	assert.True(t, q.MaxCost.Equal(dec("0.004")), "max=%s", q.MaxCost)
	assert.Len(t, q.PerWorker, 2)
}

func TestPricingEstimateEmptyMarket(t *testing.T) {
	svc := usecase.NewPricingService(registry.New(5 * time.Minute))
	q := svc.Estimate(domain.DefaultRequirements())
	assert.Equal(t, 0, q.Matching)
	assert.True(t, q.MinCost.IsZero())
}

func TestPricingEstimateExcludesNonFitting(t *testing.T) {
	reg := registry.New(5 * time.Minute)
	small := testWorker("small", "http://small:3960")
	small.Resources.CPUsAvailable = 0.5
	reg.ObserveSuccess("http://small:3960", small, time.Millisecond)

	svc := usecase.NewPricingService(reg)
	q := svc.Estimate(domain.DefaultRequirements())
	assert.Equal(t, 0, q.Matching)
}
