package labsaga

import "github.com/tracseq/sagaflow/pkg/saga"

// Register builds a fresh Services and registers the submit_sample
// definition and its handlers into reg, returning the Services so
// callers (tests, in particular) can inspect the resulting side
// effects.
func Register(reg *saga.Registry) (*Services, error) {
	svc := NewServices()
	if err := svc.RegisterHandlers(reg); err != nil {
		return nil, err
	}
	if err := reg.RegisterDefinition(Definition()); err != nil {
		return nil, err
	}
	return svc, nil
}
