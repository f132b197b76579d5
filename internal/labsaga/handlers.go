package labsaga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tracseq/sagaflow/pkg/saga"
)

// Sample-service, storage-service, and notification-service are
// external collaborators consumed only through their interfaces; here
// they are stood in for by small in-memory fakes that record enough
// state for compensation handlers to undo the corresponding forward
// action and for tests to assert on what ran.
//
// A handful of well-known context keys let tests inject failures and
// delays without complicating the forward-path logic:
//   - fail_until_attempt: validate_sample returns an error until its
//     own 1-based invocation count reaches this value (3 fails the
//     first two calls); the engine retries it because the step is
//     Retriable.
//   - force_error: when true, assign_storage returns an error; the
//     engine does not retry it because the step is not Retriable.
//   - block_for: a time.Duration string notify waits on before
//     returning, used to exercise step and overall timeouts.
const (
	keyFailUntilAttempt = "fail_until_attempt"
	keyForceError       = "force_error"
	keyBlockFor         = "block_for"
)

// Services bundles the fakes backing the step handlers. Tests can
// inspect its fields after a run to assert on side effects.
type Services struct {
	mu sync.Mutex

	samples   map[string]bool // sample_id -> created
	validated map[string]bool
	storage   map[string]string // sample_id -> location
	notified  map[string][]string

	validateAttempts int
}

// NewServices constructs empty fakes.
func NewServices() *Services {
	return &Services{
		samples:   make(map[string]bool),
		validated: make(map[string]bool),
		storage:   make(map[string]string),
		notified:  make(map[string][]string),
	}
}

func stringField(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}

// CreateSample registers a new sample record, returning its generated
// ID.
func (s *Services) CreateSample(_ context.Context, input map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := fmt.Sprintf("S-%s", stringField(input, "barcode"))
	s.samples[id] = true
	return map[string]any{"sample_id": id}, nil
}

// ReleaseSample compensates CreateSample.
func (s *Services) ReleaseSample(_ context.Context, input map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, _ := input["sample_id"].(string)
	delete(s.samples, id)
	return nil, nil
}

// ValidateSample marks a sample validated. It returns a retryable
// failure until fail_until_attempt (if present in input) has been
// reached, letting tests exercise the per-step retry budget.
func (s *Services) ValidateSample(_ context.Context, input map[string]any) (map[string]any, error) {
	s.mu.Lock()
	s.validateAttempts++
	attempt := s.validateAttempts
	s.mu.Unlock()

	if threshold, ok := input[keyFailUntilAttempt].(int); ok && attempt < threshold {
		return nil, fmt.Errorf("validation transiently unavailable (attempt %d)", attempt)
	}

	id, _ := input["sample_id"].(string)
	s.mu.Lock()
	s.validated[id] = true
	s.mu.Unlock()
	return map[string]any{"validation": "pass"}, nil
}

// Unvalidate compensates ValidateSample.
func (s *Services) Unvalidate(_ context.Context, input map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _ := input["sample_id"].(string)
	delete(s.validated, id)
	return nil, nil
}

// AssignStorage assigns a storage location. When input carries
// force_error=true it returns a non-retryable failure, modeling a
// downstream rejection that retrying cannot fix.
func (s *Services) AssignStorage(_ context.Context, input map[string]any) (map[string]any, error) {
	if forced, _ := input[keyForceError].(bool); forced {
		return nil, fmt.Errorf("storage service rejected the sample")
	}

	id, _ := input["sample_id"].(string)
	location := "A1-01"

	s.mu.Lock()
	s.storage[id] = location
	s.mu.Unlock()
	return map[string]any{"location": location}, nil
}

// ReleaseStorage compensates AssignStorage.
func (s *Services) ReleaseStorage(_ context.Context, input map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _ := input["sample_id"].(string)
	delete(s.storage, id)
	return nil, nil
}

// Notify sends a notification. If input carries block_for, it waits
// that long (or until ctx is done, whichever comes first) before
// returning, exercising step and overall timeout handling.
func (s *Services) Notify(ctx context.Context, input map[string]any) (map[string]any, error) {
	if raw := stringField(input, keyBlockFor); raw != "" {
		d, err := time.ParseDuration(raw)
		if err == nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d):
			}
		}
	}

	id, _ := input["sample_id"].(string)
	notificationID := fmt.Sprintf("N-%s", id)

	s.mu.Lock()
	s.notified[id] = append(s.notified[id], notificationID)
	s.mu.Unlock()
	return map[string]any{"notification_ids": []string{notificationID}}, nil
}

// RegisterHandlers wires every forward and compensation handler for
// the submit_sample definition into reg.
func (s *Services) RegisterHandlers(reg *saga.Registry) error {
	steps := map[string]saga.Handler{
		ActionCreateSample:   s.CreateSample,
		ActionValidateSample: s.ValidateSample,
		ActionAssignStorage:  s.AssignStorage,
		ActionNotify:         s.Notify,
	}
	for name, h := range steps {
		if err := reg.RegisterStep(name, h); err != nil {
			return err
		}
	}

	compensations := map[string]saga.Handler{
		CompensateReleaseSample:  s.ReleaseSample,
		CompensateUnvalidate:     s.Unvalidate,
		CompensateReleaseStorage: s.ReleaseStorage,
	}
	for name, h := range compensations {
		if err := reg.RegisterCompensation(name, h); err != nil {
			return err
		}
	}
	return nil
}
