// Package instance names the running process in audit records.
package instance

import (
	"os"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

const appID = "whale-core"

// ID returns a stable, app-scoped machine identifier. The raw machine id is
// never exposed; when it cannot be read the hostname is used, and a random
// id as a last resort.
func ID() string {
	if id, err := machineid.ProtectedID(appID); err == nil && len(id) >= 16 {
		return id[:16]
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()[:8]
}
