package config

import "sync"

// Overrides is a runtime key/value override layer. It sits above the
// process configuration in precedence and is primarily used by tests and
// per-app configuration blocks.
type Overrides struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewOverrides creates an empty override set.
func NewOverrides() *Overrides {
	return &Overrides{values: make(map[string]any)}
}

// Set stores an override for key.
func (o *Overrides) Set(key string, value any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.values[key] = value
}

// Get returns the override for key and whether it is set.
func (o *Overrides) Get(key string) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.values[key]
	return v, ok
}

// GetBool returns the boolean override for key, or def when unset or not a bool.
func (o *Overrides) GetBool(key string, def bool) bool {
	if v, ok := o.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// GetString returns the string override for key, or def when unset.
func (o *Overrides) GetString(key string, def string) string {
	if v, ok := o.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// GetInt returns the integer override for key, or def when unset.
func (o *Overrides) GetInt(key string, def int) int {
	if v, ok := o.Get(key); ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return def
}

// Reset clears all overrides.
func (o *Overrides) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.values = make(map[string]any)
}
