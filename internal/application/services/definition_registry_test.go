package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearledger/backend/internal/domain/models"
	apperrors "github.com/clearledger/backend/pkg/errors"
	"github.com/clearledger/backend/pkg/expression"
)

func validDefinition() *models.WorkflowDefinition {
	return activeDefinition("refund", "check_amount",
		models.WorkflowStep{
			ID: "check_amount", Name: "check amount", Type: models.StepTypeCondition,
			Expression: "amount <= 500",
			OnSuccess:  "issue_refund",
			OnFailure:  "approve_refund",
		},
		models.WorkflowStep{
			ID: "issue_refund", Name: "issue refund", Type: models.StepTypeServiceCall,
			Service: "payments", Endpoint: "/refunds",
		},
		models.WorkflowStep{
			ID: "approve_refund", Name: "approve refund", Type: models.StepTypeManual,
			ApprovalRole: "support_lead",
			OnSuccess:    "issue_refund",
		},
	)
}

func TestDefinitionRegistry_RegisterAndGet(t *testing.T) {
	registry := NewDefinitionRegistry(expression.NewEngine())

	require.NoError(t, registry.Register(validDefinition()))

	def, err := registry.Get("refund")
	require.NoError(t, err)
	assert.Equal(t, "refund", def.ID)
	assert.Len(t, registry.List(), 1)

	_, err = registry.Get("missing")
	assert.True(t, apperrors.IsDefinitionNotFound(err))
}

func TestDefinitionRegistry_ReplaceRules(t *testing.T) {
	registry := NewDefinitionRegistry(expression.NewEngine())
	require.NoError(t, registry.Register(validDefinition()))

	t.Run("Unreferenced definitions can be replaced", func(t *testing.T) {
		updated := validDefinition()
		updated.Version = 2
		require.NoError(t, registry.Register(updated))
		def, err := registry.Get("refund")
		require.NoError(t, err)
		assert.Equal(t, 2, def.Version)
	})

	t.Run("Referenced definitions are frozen", func(t *testing.T) {
		registry.MarkReferenced("refund")
		updated := validDefinition()
		updated.Version = 3
		err := registry.Register(updated)
		require.Error(t, err)
		var conflict *apperrors.ConflictError
		assert.ErrorAs(t, err, &conflict)
	})

	t.Run("Deactivation works on frozen definitions", func(t *testing.T) {
		require.NoError(t, registry.Deactivate("refund"))
		def, err := registry.Get("refund")
		require.NoError(t, err)
		assert.False(t, def.Active)
	})
}

func TestDefinitionRegistry_Validation(t *testing.T) {
	registry := NewDefinitionRegistry(expression.NewEngine())

	cases := []struct {
		name   string
		mutate func(def *models.WorkflowDefinition)
	}{
		{"Missing id", func(d *models.WorkflowDefinition) { d.ID = "" }},
		{"No steps", func(d *models.WorkflowDefinition) { d.Steps = nil }},
		{"Unknown start step", func(d *models.WorkflowDefinition) { d.StartStep = "nope" }},
		{"Duplicate step ids", func(d *models.WorkflowDefinition) { d.Steps[1].ID = d.Steps[0].ID }},
		{"Edge to unknown step", func(d *models.WorkflowDefinition) { d.Steps[0].OnSuccess = "nope" }},
		{"Condition without expression", func(d *models.WorkflowDefinition) { d.Steps[0].Expression = "" }},
		{"Expression does not compile", func(d *models.WorkflowDefinition) { d.Steps[0].Expression = "amount >=" }},
		{"Service call without endpoint", func(d *models.WorkflowDefinition) { d.Steps[1].Endpoint = "" }},
		{"Manual step without role", func(d *models.WorkflowDefinition) { d.Steps[2].ApprovalRole = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := validDefinition()
			tc.mutate(def)
			err := registry.Register(def)
			require.Error(t, err)
			var validation *apperrors.ValidationError
			assert.ErrorAs(t, err, &validation)
		})
	}
}

func TestDefinitionRegistry_ParallelValidation(t *testing.T) {
	registry := NewDefinitionRegistry(expression.NewEngine())

	def := activeDefinition("batch", "fan_out",
		models.WorkflowStep{
			ID: "fan_out", Name: "fan out", Type: models.StepTypeParallel,
			SubSteps: []string{"call_a", "approve_b"},
		},
		models.WorkflowStep{
			ID: "call_a", Name: "call a", Type: models.StepTypeServiceCall,
			Service: "payments", Endpoint: "/a",
		},
		models.WorkflowStep{
			ID: "approve_b", Name: "approve b", Type: models.StepTypeManual,
			ApprovalRole: "ops",
		},
	)

	// A manual sub-step would park the parent forever
	err := registry.Register(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "approve_b")

	def.Steps[2] = models.WorkflowStep{
		ID: "approve_b", Name: "call b", Type: models.StepTypeServiceCall,
		Service: "payments", Endpoint: "/b",
	}
	assert.NoError(t, registry.Register(def))
}
