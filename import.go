package fieldsync

import (
	"context"
	"time"

	syncErrors "github.com/fieldsync/fieldsync/errors"
	"github.com/fieldsync/fieldsync/merge"
)

// ImportBundles merges export bundle files into the local store, in the
// order given, and surfaces the resulting report through the
// OnMergeReportReady hook. Imported entities are not enqueued for push; they
// reach the remote store the next time their owning agent syncs.
func (e *Engine) ImportBundles(ctx context.Context, paths []string) (*merge.Report, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	report, err := merge.NewEngine(e.store).MergeFiles(ctx, paths)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpMerge, "merge")
	}
	e.hooks.mergeReportReady(report)
	return report, nil
}

// ExportBundle snapshots the local store into a bundle file at path, stamped
// with this agent's identity.
func (e *Engine) ExportBundle(ctx context.Context, path string) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	bundle, err := merge.BuildBundle(ctx, e.store, e.agent, time.Now())
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpMerge, "merge")
	}
	if err := merge.WriteBundleFile(path, bundle); err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpMerge, "merge")
	}
	return nil
}
