package merge

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/google/uuid"

	"github.com/fieldsync/fieldsync/entity"
	"github.com/fieldsync/fieldsync/logging"
)

// Store is the slice of the local store the merge engine needs. The SQLite
// local store satisfies it structurally.
type Store interface {
	GetAll(ctx context.Context, col entity.Collection) ([]entity.Entity, error)
	Put(ctx context.Context, e entity.Entity) error
	Settings(ctx context.Context) (map[string]any, error)
	SetSettings(ctx context.Context, settings map[string]any) error
}

// AgentSummary is the per-agent slice of a merge report.
type AgentSummary struct {
	Name   string `json:"name"`
	Area   string `json:"area"`
	Assets int    `json:"assetsCount"`
}

// Report accumulates the outcome of one merge batch. It is the sole
// observable output beyond the store mutations themselves, and is
// reproducible for the same inputs in the same order.
type Report struct {
	TotalFiles      int                     `json:"totalFiles"`
	ValidFiles      int                     `json:"validFiles"`
	TotalAssets     int                     `json:"totalAssets"`
	NewAssets       int                     `json:"newAssets"`
	UpdatedAssets   int                     `json:"updatedAssets"`
	DuplicateAssets int                     `json:"duplicateAssets"`
	Errors          []string                `json:"errors"`
	PerAgent        map[string]AgentSummary `json:"perAgentSummary"`
}

// Engine merges export bundles into a local store.
type Engine struct {
	store  Store
	logger *logging.Logger
}

// NewEngine returns a merge engine writing into store.
func NewEngine(store Store) *Engine {
	return &Engine{
		store:  store,
		logger: logging.WithComponent("merge"),
	}
}

// Merge processes bundles strictly in the order supplied and folds them into
// the store. Invalid bundles are recorded in the report and skipped; a local
// storage failure is fatal since it breaks the durability guarantee.
func (m *Engine) Merge(ctx context.Context, bundles []*Bundle) (*Report, error) {
	labels := make([]string, len(bundles))
	for i := range bundles {
		labels[i] = fmt.Sprintf("bundle %d", i+1)
	}
	return m.merge(ctx, bundles, labels)
}

// merge is the labeled core of Merge; labels[i] names bundles[i] in error
// lines (a positional label for in-memory batches, the file path for
// MergeFiles).
func (m *Engine) merge(ctx context.Context, bundles []*Bundle, labels []string) (*Report, error) {
	report := &Report{
		Errors:   []string{},
		PerAgent: map[string]AgentSummary{},
	}

	// The dedup index is seeded from the store once and maintained
	// incrementally, so assets inserted by an earlier bundle are visible to
	// later bundles in the same batch.
	index, err := m.buildIndex(ctx)
	if err != nil {
		return nil, err
	}

	for i, bundle := range bundles {
		report.TotalFiles++
		if err := bundle.Validate(); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", labels[i], err))
			continue
		}
		report.ValidFiles++
		if err := m.mergeBundle(ctx, bundle, index, report); err != nil {
			return nil, err
		}
	}

	m.logger.InfoContext(ctx, "merge batch complete",
		slog.Int("total_files", report.TotalFiles),
		slog.Int("valid_files", report.ValidFiles),
		slog.Int("new_assets", report.NewAssets),
		slog.Int("updated_assets", report.UpdatedAssets),
		slog.Int("duplicate_assets", report.DuplicateAssets),
		slog.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func (m *Engine) buildIndex(ctx context.Context) (map[string]*entity.Asset, error) {
	existing, err := m.store.GetAll(ctx, entity.CollectionAssets)
	if err != nil {
		return nil, fmt.Errorf("failed to load local assets: %w", err)
	}
	index := make(map[string]*entity.Asset, len(existing))
	for _, e := range existing {
		if a, ok := e.(*entity.Asset); ok {
			index[DedupKey(a)] = a
		}
	}
	return index, nil
}

func (m *Engine) mergeBundle(ctx context.Context, bundle *Bundle, index map[string]*entity.Asset, report *Report) error {
	agent := bundle.Metadata.Agent
	summary := report.PerAgent[agent.ID]
	summary.Name = agent.DisplayName
	summary.Area = agent.Area

	for _, incoming := range bundle.Assets {
		if incoming == nil {
			continue
		}
		report.TotalAssets++
		summary.Assets++

		// Recency signal: the asset's own updatedAt, falling back to the
		// bundle's export time when the asset carries none.
		incomingAt := incoming.UpdatedAt
		if incomingAt.IsZero() {
			incomingAt = bundle.Metadata.ExportedAt
		}

		key := DedupKey(incoming)
		local, found := index[key]
		if !found {
			merged := *incoming
			merged.ID = uuid.NewString()
			merged.UpdatedAt = incomingAt
			if merged.CreatedAt.IsZero() {
				merged.CreatedAt = incomingAt
			}
			merged.AddedBy = agent.ID
			merged.LastUpdatedBy = agent.ID
			if err := m.store.Put(ctx, &merged); err != nil {
				return fmt.Errorf("failed to insert merged asset %q: %w", merged.Name, err)
			}
			index[key] = &merged
			report.NewAssets++
			continue
		}

		if !incomingAt.After(local.UpdatedAt) {
			report.DuplicateAssets++
			continue
		}

		// Overwrite fields but retain the local identifier and provenance of
		// the original insert.
		merged := *incoming
		merged.ID = local.ID
		merged.CreatedAt = local.CreatedAt
		merged.AddedBy = local.AddedBy
		merged.LastUpdatedBy = agent.ID
		merged.UpdatedAt = incomingAt
		if err := m.store.Put(ctx, &merged); err != nil {
			return fmt.Errorf("failed to update merged asset %q: %w", merged.Name, err)
		}
		index[key] = &merged
		report.UpdatedAssets++
	}

	report.PerAgent[agent.ID] = summary

	if len(bundle.Settings) > 0 {
		if err := m.mergeSettings(ctx, bundle.Settings); err != nil {
			return err
		}
	}
	return nil
}

// mergeSettings folds incoming reference-data collections into the stored
// settings additively: arrays are unioned, objects are merged key-by-key with
// incoming values winning, scalars are overwritten.
func (m *Engine) mergeSettings(ctx context.Context, incoming map[string]any) error {
	current, err := m.store.Settings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	for key, in := range incoming {
		current[key] = mergeSettingValue(current[key], in)
	}
	if err := m.store.SetSettings(ctx, current); err != nil {
		return fmt.Errorf("failed to store settings: %w", err)
	}
	return nil
}

func mergeSettingValue(existing, incoming any) any {
	exArr, exIsArr := existing.([]any)
	inArr, inIsArr := incoming.([]any)
	if exIsArr && inIsArr {
		return unionArray(exArr, inArr)
	}

	exMap, exIsMap := existing.(map[string]any)
	inMap, inIsMap := incoming.(map[string]any)
	if exIsMap && inIsMap {
		merged := make(map[string]any, len(exMap)+len(inMap))
		for k, v := range exMap {
			merged[k] = v
		}
		for k, v := range inMap {
			merged[k] = v
		}
		return merged
	}

	return incoming
}

// unionArray appends incoming items not already present, matching either by
// deep equality or, for object items, by an equal "name" field.
func unionArray(existing, incoming []any) []any {
	merged := make([]any, len(existing))
	copy(merged, existing)
	for _, item := range incoming {
		if !containsItem(merged, item) {
			merged = append(merged, item)
		}
	}
	return merged
}

func containsItem(items []any, candidate any) bool {
	candidateName, candidateHasName := itemName(candidate)
	for _, item := range items {
		if reflect.DeepEqual(item, candidate) {
			return true
		}
		if candidateHasName {
			if name, ok := itemName(item); ok && name == candidateName {
				return true
			}
		}
	}
	return false
}

func itemName(item any) (string, bool) {
	obj, ok := item.(map[string]any)
	if !ok {
		return "", false
	}
	name, ok := obj["name"].(string)
	return name, ok
}
