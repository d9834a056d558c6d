package reading

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// AutoDevice is the configured device identifier that asks the
// collector to derive a persistent one instead of using a literal value.
const AutoDevice = "auto"

// deviceIDFile is the name of the file, alongside the database, that
// holds the derived device identifier.
const deviceIDFile = "device_id"

// ResolveDeviceID returns the identifier to stamp on every reading.
// An empty value resolves to [UnknownDevice]. The value [AutoDevice]
// resolves via [LoadOrCreateDeviceID] in dataDir. Anything else is
// returned as is.
func ResolveDeviceID(configured, dataDir string) (string, error) {
	switch strings.TrimSpace(configured) {
	case "":
		return UnknownDevice, nil
	case AutoDevice:
		return LoadOrCreateDeviceID(dataDir)
	default:
		return configured, nil
	}
}

// LoadOrCreateDeviceID reads the device identifier from a file in
// dataDir, or generates a new UUIDv7 and persists it if the file does
// not exist. The identifier is stable across restarts so readings from
// one installation keep grouping together in downstream tooling.
func LoadOrCreateDeviceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, deviceIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate device ID: %w", err)
	}

	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist device ID to %s: %w", path, err)
	}

	return idStr, nil
}
