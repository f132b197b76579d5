package saga

import (
	"time"

	sfconfig "github.com/tracseq/sagaflow/pkg/sagaflow/config"
)

// CoordinatorConfig configures a Coordinator. It is typically built
// from sfconfig.FromFile at process startup, then converted with
// NewCoordinatorConfig.
type CoordinatorConfig struct {
	// MaxActiveSagas bounds how many sagas may be Running or
	// Compensating at once. A submit beyond this limit fails with
	// ErrAdmissionRejected. Zero means unbounded.
	MaxActiveSagas int

	// MaxConcurrentSteps bounds how many ready-set members a single
	// saga's engine executes concurrently.
	MaxConcurrentSteps int

	// DefaultRetryPolicy is read from configuration but is not passed
	// to the Engine: steps use their own RetryPolicy or their
	// SagaDefinition's, and this field has no effect on execution.
	DefaultRetryPolicy RetryPolicy

	// StorePath selects the persistence backend. Empty or ":memory:"
	// uses MemoryStore; any other value opens a SQLiteStore at that
	// path.
	StorePath string

	// RecoveryTimeout bounds how long RecoverActive may take at
	// startup. If recovery fails or the timeout expires first, Start
	// returns the error and resumes no saga. Zero means no bound.
	RecoveryTimeout time.Duration
}

// DefaultCoordinatorConfig returns the configuration used when a
// process supplies none of its own.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MaxActiveSagas:      256,
		MaxConcurrentSteps:  defaultMaxConcurrentSteps,
		DefaultRetryPolicy:  DefaultRetryPolicy,
		StorePath:           ":memory:",
		RecoveryTimeout:     30 * time.Second,
	}
}

// NewCoordinatorConfig builds a CoordinatorConfig from a generic
// sfconfig.Config, applying DefaultCoordinatorConfig's values for any
// key the source config omits.
func NewCoordinatorConfig(c sfconfig.Config) CoordinatorConfig {
	d := DefaultCoordinatorConfig()
	return CoordinatorConfig{
		MaxActiveSagas:     c.Int("max_active_sagas", d.MaxActiveSagas),
		MaxConcurrentSteps: c.Int("max_concurrent_steps", d.MaxConcurrentSteps),
		DefaultRetryPolicy: RetryPolicy{
			MaxAttempts: c.Int("default_retry_max_attempts", d.DefaultRetryPolicy.MaxAttempts),
			BaseBackoff: c.Duration("default_retry_base_backoff", d.DefaultRetryPolicy.BaseBackoff),
			Exponential: c.Bool("default_retry_exponential", d.DefaultRetryPolicy.Exponential),
		},
		StorePath:       c.String("store_path", d.StorePath),
		RecoveryTimeout: c.Duration("recovery_timeout", d.RecoveryTimeout),
	}
}

// NewStore constructs the Store named by cfg.StorePath.
func NewStore(cfg CoordinatorConfig) (Store, error) {
	if cfg.StorePath == "" || cfg.StorePath == ":memory:" {
		return NewMemoryStore(), nil
	}
	return NewSQLiteStore(cfg.StorePath)
}
