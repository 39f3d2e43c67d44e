package config

import "sync/atomic"

var cfg atomic.Value

// Init seeds the global config with DefaultConfig. Panics if client id
// generation fails, since that indicates a broken entropy source.
func Init() {
	dcfg, err := DefaultConfig()
	if err != nil {
		panic(err)
	}
	c := dcfg
	cfg.Store(&c)
}

// Load returns the current config. Treat the result as read-only.
func Load() *Config {
	return cfg.Load().(*Config)
}

// Update applies a mutation on a copy of the current config and swaps it
// in atomically.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	cfg.Store(&next)
	return &next
}

// Swap replaces the global config atomically with next.
func Swap(next Config) *Config {
	cfg.Store(&next)
	return &next
}
