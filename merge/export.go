package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fieldsync/fieldsync/entity"
)

// BuildBundle snapshots the store's asset set and settings into an export
// bundle stamped with the producing agent's identity.
func BuildBundle(ctx context.Context, store Store, agent entity.AgentIdentity, exportedAt time.Time) (*Bundle, error) {
	entities, err := store.GetAll(ctx, entity.CollectionAssets)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot assets: %w", err)
	}
	assets := make([]*entity.Asset, 0, len(entities))
	for _, e := range entities {
		if a, ok := e.(*entity.Asset); ok {
			assets = append(assets, a)
		}
	}
	settings, err := store.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot settings: %w", err)
	}

	return &Bundle{
		Metadata: Metadata{
			Agent:      agent,
			ExportedAt: exportedAt.UTC(),
			BundleType: BundleType,
		},
		Assets:   assets,
		Settings: settings,
	}, nil
}

// WriteBundleFile serializes a bundle to path as indented JSON.
func WriteBundleFile(path string, bundle *Bundle) error {
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode bundle: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write bundle file: %w", err)
	}
	return nil
}

// ReadBundleFile parses a bundle file. Validation is left to the merge batch
// so a malformed file is reported rather than aborting the import.
func ReadBundleFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle file: %w", err)
	}
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle file %s: %w", path, err)
	}
	return &bundle, nil
}

// MergeFiles reads each path and merges the resulting bundles in path order.
// Unreadable files are recorded in the report's error list alongside invalid
// bundles; they never abort the batch.
func (m *Engine) MergeFiles(ctx context.Context, paths []string) (*Report, error) {
	bundles := make([]*Bundle, 0, len(paths))
	labels := make([]string, 0, len(paths))
	var readErrors []string
	skipped := 0
	for _, path := range paths {
		bundle, err := ReadBundleFile(path)
		if err != nil {
			readErrors = append(readErrors, err.Error())
			skipped++
			continue
		}
		bundles = append(bundles, bundle)
		labels = append(labels, path)
	}

	report, err := m.merge(ctx, bundles, labels)
	if err != nil {
		return nil, err
	}
	report.TotalFiles += skipped
	report.Errors = append(report.Errors, readErrors...)
	return report, nil
}
