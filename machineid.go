package dbus

import (
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	machineIDOnce   sync.Once
	machineIDCached string
)

// GetMachineID returns the 32-hex-digit identifier this process
// answers for org.freedesktop.DBus.Peer.GetMachineId: the contents of
// /etc/machine-id or /var/lib/dbus/machine-id when one of those files
// is readable, or a process-lifetime UUID generated once and cached
// otherwise (a plain library has no standing to create or persist a
// system machine-id file).
func GetMachineID() (string, error) {
	machineIDOnce.Do(func() {
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if data, err := os.ReadFile(path); err == nil {
				id := strings.TrimSpace(string(data))
				if len(id) == 32 {
					machineIDCached = id
					return
				}
			}
		}
		machineIDCached = strings.ReplaceAll(uuid.New().String(), "-", "")
	})
	return machineIDCached, nil
}
