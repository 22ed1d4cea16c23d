// Package nodeid derives a stable identity for this worker instance.
// The identity tags claimed jobs so stale claims can be traced to a host.
package nodeid

import (
	"fmt"
	"os"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

// appID namespaces the hashed machine ID so it cannot be correlated
// with other products on the same host.
const appID = "nexusmeme-core"

// New returns "<hostname>-<machine-hash-prefix>". When the machine ID is
// unavailable (containers without /etc/machine-id), a random suffix keeps
// instances distinguishable.
func New() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}

	id, err := machineid.ProtectedID(appID)
	if err != nil || len(id) < 8 {
		return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	return fmt.Sprintf("%s-%s", host, id[:8])
}
