package config

// ConfigBackend is where `shelf config set` persists values between runs.
// Every platform stores flat dotted keys ("reaper.ceiling"); durations and
// bools are kept as strings and parsed by applyBackend.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	// Delete removes key so the default applies again. Missing keys are not an error.
	Delete(key string) error
}
