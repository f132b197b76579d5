// Package labsaga wires a sample saga definition and its step handlers
// for the sample-intake workflow used in integration tests and as a
// worked example of registering a SagaDefinition: create_sample,
// validate_sample, assign_storage, notify.
package labsaga

import (
	"time"

	"github.com/tracseq/sagaflow/pkg/saga"
)

// SagaType is the registered name of the sample-intake definition.
const SagaType = "submit_sample"

// Step action and compensation-action names.
const (
	ActionCreateSample   = "create_sample"
	ActionValidateSample = "validate_sample"
	ActionAssignStorage  = "assign_storage"
	ActionNotify         = "notify"

	CompensateReleaseSample   = "release_sample"
	CompensateUnvalidate      = "unvalidate_sample"
	CompensateReleaseStorage  = "release_storage"
)

// Definition returns the submit_sample SagaDefinition: four steps run
// strictly in sequence, with validate_sample retriable up to three
// attempts and assign_storage non-retriable.
func Definition() *saga.SagaDefinition {
	return &saga.SagaDefinition{
		Name: SagaType,
		Steps: []saga.StepSpec{
			{
				Name:             "create_sample",
				TargetService:    "sample-service",
				Action:           ActionCreateSample,
				CompensateAction: CompensateReleaseSample,
				Timeout:          5 * time.Second,
			},
			{
				Name:             "validate_sample",
				TargetService:    "sample-service",
				Action:           ActionValidateSample,
				CompensateAction: CompensateUnvalidate,
				Timeout:          5 * time.Second,
				Retriable:        true,
				RetryPolicy: &saga.RetryPolicy{
					MaxAttempts: 3,
					BaseBackoff: 20 * time.Millisecond,
					Exponential: true,
				},
			},
			{
				Name:             "assign_storage",
				TargetService:    "storage-service",
				Action:           ActionAssignStorage,
				CompensateAction: CompensateReleaseStorage,
				Timeout:          5 * time.Second,
			},
			{
				Name:          "notify",
				TargetService: "notification-service",
				Action:        ActionNotify,
				Timeout:       5 * time.Second,
			},
		},
		Timeout:     30 * time.Second,
		RetryPolicy: saga.DefaultRetryPolicy,
	}
}
