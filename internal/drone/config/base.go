package config

import "sync"

// BaseConfigManager guards one section of the hardware profile. The profile
// is immutable after Load, there is no setter.
type BaseConfigManager[T any] struct {
	mu   sync.RWMutex
	conf *T

	mgr *Manager
}

// C returns the read-only configuration by value
func (a *BaseConfigManager[T]) C() T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return *a.conf
}
