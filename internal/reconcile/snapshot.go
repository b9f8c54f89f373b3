package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/fingerprint"
	"github.com/Ning0612/cloudmirror/internal/localtree"
)

// Snapshot walks root with the same vetoes as AssignFilesystemIDs and
// returns a local tree of what is on disk. Files carry their fingerprint
// and, where the filesystem reports one, their fsid.
func (r *Reconciler) Snapshot(ctx context.Context, root string) (*localtree.Tree, Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, Result{}, domain.ErrReconcileInProgress
	}
	defer r.running.Store(false)

	log := r.log().With("root", root)
	start := time.Now()

	w := &walker{r: r, debris: cleanRel(r.DebrisPath)}
	if err := w.scan(ctx, root); err != nil {
		log.Warn("disk snapshot failed", "error", err)
		return nil, Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, Result{}, err
	}

	tree := localtree.New()
	for _, d := range w.dirs {
		if _, err := tree.AddPath(d, domain.TypeFolder, fingerprint.Invalid()); err != nil {
			return nil, Result{}, fmt.Errorf("snapshot %s: %w", d, err)
		}
	}
	for _, f := range w.files {
		n, err := tree.AddPath(f.rel, domain.TypeFile, f.fp)
		if err != nil {
			return nil, Result{}, fmt.Errorf("snapshot %s: %w", f.rel, err)
		}
		tree.SetFSID(n, f.fsid)
	}

	res := Result{
		Scanned:   len(w.files),
		Assigned:  tree.AssignedCount(),
		Unmatched: len(w.files) - tree.AssignedCount(),
		Skipped:   w.skipped,
		Duration:  time.Since(start),
	}
	log.Info("disk snapshot taken",
		"folders", len(w.dirs),
		"files", res.Scanned,
		"skipped", res.Skipped,
		"duration", res.Duration)
	return tree, res, nil
}
