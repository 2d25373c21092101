package config

// ConfigBackend is the platform store for non-secret settings: the
// `defaults` domain on macOS, a JSON file elsewhere. Integers are stored
// natively; durations and booleans are stored as their string form and
// parsed by the key table.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
}
