// Package health tracks the health of storages, exfils, the staging store and the reclamation
// loop, and reports the worst component state as the overall state.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/volatilevault/vault/pkg/errors"
)

// HealthState represents the health state of a component
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates the component is failing intermittently
	StateDegraded

	// StateReadOnly indicates reads still work but writes fail
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CheckFunc checks one component.
type CheckFunc func(ctx context.Context) error

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name              string                 `json:"name"`
	State             HealthState            `json:"state"`
	LastStateChange   time.Time              `json:"last_state_change"`
	LastHealthCheck   time.Time              `json:"last_health_check"`
	ConsecutiveErrors int                    `json:"consecutive_errors"`
	LastErrorMessage  string                 `json:"last_error_message,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`

	check CheckFunc
}

func (h *ComponentHealth) copy() *ComponentHealth {
	metadata := make(map[string]interface{}, len(h.Metadata))
	for k, v := range h.Metadata {
		metadata[k] = v
	}
	return &ComponentHealth{
		Name:              h.Name,
		State:             h.State,
		LastStateChange:   h.LastStateChange,
		LastHealthCheck:   h.LastHealthCheck,
		ConsecutiveErrors: h.ConsecutiveErrors,
		LastErrorMessage:  h.LastErrorMessage,
		Metadata:          metadata,
	}
}

// Tracker tracks the health of multiple components and determines overall system health
type Tracker struct {
	mu             sync.RWMutex
	components     map[string]*ComponentHealth
	config         TrackerConfig
	stateCallbacks []StateChangeCallback
	now            func() time.Time
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// HealthCheckInterval is the interval for automatic health checks
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		HealthCheckInterval:  30 * time.Second,
	}
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	defaults := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = defaults.HealthCheckInterval
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
		now:        time.Now,
	}
}

// RegisterComponent registers a component. check may be nil for components that only report
// through RecordSuccess and RecordError.
func (t *Tracker) RegisterComponent(name string, check CheckFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.components[name]; ok {
		if check != nil {
			existing.check = check
		}
		return
	}
	now := t.now()
	t.components[name] = &ComponentHealth{
		Name:            name,
		State:           StateHealthy,
		LastStateChange: now,
		LastHealthCheck: now,
		Metadata:        make(map[string]interface{}),
		check:           check,
	}
}

// RecordSuccess records a successful operation. A single success restores a component to
// healthy.
func (t *Tracker) RecordSuccess(component string) {
	t.record(component, nil)
}

// RecordError records an error for a component
func (t *Tracker) RecordError(component string, err error) {
	if err == nil {
		err = fmt.Errorf("unspecified failure")
	}
	t.record(component, err)
}

func (t *Tracker) record(component string, err error) {
	t.mu.Lock()
	health, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	oldState := health.State
	health.LastHealthCheck = t.now()

	newState := StateHealthy
	if err == nil {
		health.ConsecutiveErrors = 0
		health.LastErrorMessage = ""
	} else {
		health.ConsecutiveErrors++
		health.LastErrorMessage = err.Error()
		switch {
		case health.ConsecutiveErrors >= t.config.UnavailableThreshold:
			newState = StateUnavailable
		case health.ConsecutiveErrors >= t.config.ErrorThreshold:
			if isWriteError(err) {
				newState = StateReadOnly
			} else {
				newState = StateDegraded
			}
		default:
			newState = oldState
		}
	}

	if newState != oldState {
		health.State = newState
		health.LastStateChange = health.LastHealthCheck
	}
	callbacks := t.stateCallbacks
	t.mu.Unlock()

	if newState != oldState {
		for _, cb := range callbacks {
			cb(component, oldState, newState, err)
		}
	}
}

// GetState returns the current health state of a component
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[component]; exists {
		return health.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of the health information for a component
func (t *Tracker) GetComponentHealth(component string) (*ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.components[component]
	if !exists {
		return nil, fmt.Errorf("component %s not registered", component)
	}
	return health.copy(), nil
}

// GetAllComponents returns health information for all registered components
func (t *Tracker) GetAllComponents() map[string]*ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*ComponentHealth, len(t.components))
	for name, health := range t.components {
		result[name] = health.copy()
	}
	return result
}

// GetOverallHealth returns the worst component state
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, health := range t.components {
		if health.State > overall {
			overall = health.State
		}
	}
	return overall
}

// IsHealthy returns true if the component is in a healthy state
func (t *Tracker) IsHealthy(component string) bool {
	return t.GetState(component) == StateHealthy
}

// AddStateChangeCallback registers a callback invoked on every state change
func (t *Tracker) AddStateChangeCallback(callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateCallbacks = append(t.stateCallbacks, callback)
}

// SetComponentMetadata sets metadata for a component
func (t *Tracker) SetComponentMetadata(component, key string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if health, exists := t.components[component]; exists {
		health.Metadata[key] = value
	}
}

// isWriteError reports errors that leave reads working
func isWriteError(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrCodeStorageWrite, errors.ErrCodeStagingFailed:
		return true
	}
	return false
}

// StartHealthChecks runs the registered checks every HealthCheckInterval until ctx is done.
func (t *Tracker) StartHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(t.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckNow(ctx)
		}
	}
}

// CheckNow runs every registered check once, in name order.
func (t *Tracker) CheckNow(ctx context.Context) {
	t.mu.RLock()
	names := make([]string, 0, len(t.components))
	checks := make(map[string]CheckFunc, len(t.components))
	for name, health := range t.components {
		if health.check != nil {
			names = append(names, name)
			checks[name] = health.check
		}
	}
	t.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			t.RecordError(name, err)
		} else {
			t.RecordSuccess(name)
		}
	}
}
