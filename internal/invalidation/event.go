// Package invalidation defines the artifact-update events published by the
// training pipeline and consumed to drop stale cache entries.
package invalidation

import (
	"fmt"
	"strings"
	"time"

	"github.com/AsobaCloud/platform-edge/internal/model"
)

const (
	OpModelUpdated = "model_updated"
	OpDataUpdated  = "data_updated"
)

type Event struct {
	Version    int       `json:"version"`
	Op         string    `json:"op"`
	CustomerID string    `json:"customer_id"`
	TS         time.Time `json:"ts"`
	Source     string    `json:"source,omitempty"`
	ModelPath  string    `json:"model_path,omitempty"`
}

// Kind maps the event op to the artifact family it invalidates.
func (e Event) Kind() model.Kind {
	if e.Op == OpDataUpdated {
		return model.KindData
	}
	return model.KindModel
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case OpModelUpdated, OpDataUpdated:
	default:
		return fmt.Errorf("op must be %s|%s", OpModelUpdated, OpDataUpdated)
	}
	if strings.TrimSpace(e.CustomerID) == "" {
		return fmt.Errorf("customer_id is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	return nil
}
