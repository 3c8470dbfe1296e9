package mqtt

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/nugget/poolheat/internal/opstate"
)

// KeyInstanceID is the instance ID's key in [opstate.NamespaceDevice].
const KeyInstanceID = "instance_id"

// KV is the slice of the operational state store the instance ID needs.
type KV interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
}

// LoadOrCreateInstanceID reads the instance ID from the state store,
// or generates a new UUIDv7 and persists it if none exists. It is the
// stable device identifier on the shadow service and in HA, so entity
// history survives renames.
func LoadOrCreateInstanceID(store KV) (string, error) {
	id, err := store.Get(opstate.NamespaceDevice, KeyInstanceID)
	if err != nil {
		return "", fmt.Errorf("read instance ID: %w", err)
	}
	if id != "" {
		return id, nil
	}

	newID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	id = newID.String()
	if err := store.Set(opstate.NamespaceDevice, KeyInstanceID, id); err != nil {
		return "", fmt.Errorf("persist instance ID: %w", err)
	}
	return id, nil
}
