package model

// NetworkType classifies the device's current connectivity.
type NetworkType string

const (
	NetworkNone      NetworkType = "none"
	NetworkMetered   NetworkType = "metered"
	NetworkUnmetered NetworkType = "unmetered"
)

// DeviceState is a snapshot of the conditions gatekeepers evaluate. It is
// supplied by the embedding environment and treated as read-only.
type DeviceState struct {
	Network        NetworkType
	Charging       bool
	BatteryPercent int

	// CacheBytes is the current total size of cached bodies and
	// attachments.
	CacheBytes int64

	// AllowBulkOnMetered reflects an explicit user approval to run
	// bulk downloads over a metered connection.
	AllowBulkOnMetered bool
}

// Online reports whether any connectivity exists.
func (d DeviceState) Online() bool {
	return d.Network != NetworkNone && d.Network != ""
}
