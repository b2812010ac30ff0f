package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/decision-gate/internal/domain"
)

func TestStruct_DecisionRequest(t *testing.T) {
	err := Struct(domain.DecisionRequest{UseCase: "churn", EntityID: "sku-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	var verrs domain.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	fields := map[string]string{}
	for _, fe := range verrs {
		fields[fe.Field] = fe.Reason
	}
	assert.Equal(t, map[string]string{
		"useCase":     "must be one of: demand_forecast stockout_risk anomaly_detection",
		"entityType":  "is required",
		"requestedBy": "is required",
	}, fields)

	assert.NoError(t, Struct(domain.DecisionRequest{
		UseCase: domain.UseCaseStockoutRisk, EntityID: "sku-1", EntityType: "product", RequestedBy: "planner",
	}))
}
