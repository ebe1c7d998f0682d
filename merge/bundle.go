// Package merge implements the offline file merge engine. It consumes export
// bundles produced by other agents' local stores and folds their asset sets
// into this device's store, deduplicating by content-derived identity instead
// of server-assigned ids.
package merge

import (
	"fmt"
	"time"

	"github.com/fieldsync/fieldsync/entity"
)

// BundleType is the discriminator every valid export bundle must carry.
const BundleType = "fieldsync-export/v1"

// Metadata describes the agent and moment an export bundle was produced.
type Metadata struct {
	Agent      entity.AgentIdentity `json:"agentInfo"`
	ExportedAt time.Time            `json:"exportedAt"`
	BundleType string               `json:"bundleType"`
}

// Bundle is a full snapshot of one agent's local store: its asset set plus
// its reference-data settings.
type Bundle struct {
	Metadata Metadata        `json:"metadata"`
	Assets   []*entity.Asset `json:"assets"`
	Settings map[string]any  `json:"settings,omitempty"`
}

// Validate rejects bundles that cannot be merged. A rejected bundle is
// recorded in the merge report's error list, never fatal to the batch.
func (b *Bundle) Validate() error {
	if b == nil {
		return fmt.Errorf("bundle is nil")
	}
	if b.Metadata.BundleType != BundleType {
		return fmt.Errorf("unexpected bundle type %q", b.Metadata.BundleType)
	}
	if b.Assets == nil {
		return fmt.Errorf("bundle has no asset list")
	}
	if b.Metadata.Agent.ID == "" {
		return fmt.Errorf("bundle has no agent info")
	}
	return nil
}

// DedupKey is the content-derived identity used to match assets across
// independently produced stores. Two assets with empty serial number and
// empty barcode collide on name alone; callers relying on distinct assets
// with identical names must populate one of the two.
func DedupKey(a *entity.Asset) string {
	return a.Name + "|" + a.SerialNumber + "|" + a.Barcode
}
