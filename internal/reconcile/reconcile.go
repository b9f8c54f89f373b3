// Package reconcile assigns filesystem ids to known local nodes by matching
// the content fingerprints of the files currently on disk.
package reconcile

import (
	"cmp"
	"context"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/fingerprint"
	"github.com/Ning0612/cloudmirror/internal/fsaccess"
	"github.com/Ning0612/cloudmirror/internal/localtree"
	"github.com/Ning0612/cloudmirror/internal/logger"
)

// Reconciler runs filesystem id assignment passes
type Reconciler struct {
	FS fsaccess.FileSystem

	// Syncable vetoes paths relative to the sync root; nil allows everything
	Syncable func(path string) bool

	// DebrisPath is the local trash folder relative to the sync root
	DebrisPath string

	Log logger.Logger

	running atomic.Bool
}

// Result summarizes a successful pass
type Result struct {
	// Scanned is the number of files fingerprinted on disk
	Scanned int

	// Assigned is the number of local nodes given an fsid
	Assigned int

	// Unmatched is the number of disk files no local node claimed
	Unmatched int

	// Skipped is the number of vetoed entries, counted once per subtree
	Skipped int

	Duration time.Duration
}

// diskFile is one fingerprinted file found on disk
type diskFile struct {
	rel   string
	parts []string
	fp    fingerprint.Fingerprint
	fsid  domain.FSID
}

type pair struct {
	file  *diskFile
	node  *localtree.LocalNode
	path  string
	score int
}

// AssignFilesystemIDs walks the disk tree under root and gives each file
// node of tree the fsid of the disk file it matches.
//
// A node matches a disk file when their fingerprints are identical and at
// least the final path component agrees; among competing pairs the one
// sharing the longest path suffix wins, ties broken by path. Folders never
// receive an fsid, and an fsid shared by hard links goes to one node.
// Every previous assignment is dropped first.
//
// Any failure or cancellation leaves the tree with no fsid assigned.
func (r *Reconciler) AssignFilesystemIDs(ctx context.Context, tree *localtree.Tree, root string) (res Result, err error) {
	if !r.running.CompareAndSwap(false, true) {
		return Result{}, domain.ErrReconcileInProgress
	}
	defer r.running.Store(false)

	log := r.log().With("root", root)
	start := time.Now()

	tree.ClearAllFSIDs()
	defer func() {
		if err != nil {
			tree.ClearAllFSIDs()
			log.Warn("filesystem id assignment failed", "error", err)
		}
	}()

	w := &walker{r: r, debris: cleanRel(r.DebrisPath)}
	if err := w.scan(ctx, root); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	pairs := matchPairs(w.files, candidatesByFingerprint(tree))

	// hard links share an fsid, so each fsid goes to one node only
	files := make(map[*diskFile]bool)
	nodes := make(map[*localtree.LocalNode]bool)
	used := make(map[domain.FSID]bool)
	for _, p := range pairs {
		if files[p.file] || nodes[p.node] || used[p.file.fsid] {
			continue
		}
		files[p.file] = true
		nodes[p.node] = true
		used[p.file.fsid] = true
		tree.SetFSID(p.node, p.file.fsid)
		log.Debug("assigned fsid", "path", p.file.rel, "node", p.path, "score", p.score)
	}

	res = Result{
		Scanned:   len(w.files),
		Assigned:  tree.AssignedCount(),
		Unmatched: len(w.files) - len(files),
		Skipped:   w.skipped,
		Duration:  time.Since(start),
	}
	log.Info("filesystem ids assigned",
		"scanned", res.Scanned,
		"assigned", res.Assigned,
		"unmatched", res.Unmatched,
		"skipped", res.Skipped,
		"duration", res.Duration)
	return res, nil
}

func (r *Reconciler) log() logger.Logger {
	if r.Log == nil {
		return &logger.NullLogger{}
	}
	return r.Log
}

type walker struct {
	r       *Reconciler
	debris  string
	dirs    []string
	files   []*diskFile
	skipped int
}

// scan checks that root is a directory and walks it
func (w *walker) scan(ctx context.Context, root string) error {
	st, err := w.r.FS.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrRootUnavailable, root, err)
	}
	if st.Type == fsaccess.EntryFile || st.Type == fsaccess.EntryOther {
		return fmt.Errorf("%w: %s: not a directory", domain.ErrRootUnavailable, root)
	}
	return w.scanDir(ctx, root, "", true)
}

// scanDir fingerprints every file below dir, parents before children and
// siblings in name order
func (w *walker) scanDir(ctx context.Context, dir, rel string, isRoot bool) error {
	unavailable := domain.ErrDirUnavailable
	if isRoot {
		unavailable = domain.ErrRootUnavailable
	}

	d, err := w.r.FS.OpenDir(dir)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", unavailable, dir, err)
	}
	entries, err := d.Entries()
	d.Close()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", unavailable, dir, err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		childRel := path.Join(rel, localtree.NormalizeName(e.Name))
		if w.vetoed(childRel) {
			w.skipped++
			continue
		}

		switch e.Type {
		case fsaccess.EntryDir:
			w.dirs = append(w.dirs, childRel)
			if err := w.scanDir(ctx, e.Path, childRel, false); err != nil {
				return err
			}
		case fsaccess.EntryFile:
			f, err := w.scanFile(e.Path, childRel)
			if err != nil {
				return err
			}
			w.files = append(w.files, f)
		}
	}
	return nil
}

func (w *walker) scanFile(p, rel string) (*diskFile, error) {
	f, err := w.r.FS.OpenFile(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrFileUnreadable, p, err)
	}
	defer f.Close()

	fp := fingerprint.FromFile(f)
	if !fp.Valid {
		return nil, fmt.Errorf("%w: %s: cannot compute fingerprint", domain.ErrFileUnreadable, p)
	}

	return &diskFile{
		rel:   rel,
		parts: strings.Split(rel, "/"),
		fp:    fp,
		fsid:  f.Info().FSID,
	}, nil
}

func (w *walker) vetoed(rel string) bool {
	if w.debris != "" && (rel == w.debris || strings.HasPrefix(rel, w.debris+"/")) {
		return true
	}
	return w.r.Syncable != nil && !w.r.Syncable(rel)
}

// candidatesByFingerprint indexes the file nodes that carry a valid fingerprint
func candidatesByFingerprint(tree *localtree.Tree) map[fingerprint.Fingerprint][]*localtree.LocalNode {
	byFP := make(map[fingerprint.Fingerprint][]*localtree.LocalNode)
	_ = tree.Walk(func(n *localtree.LocalNode) error {
		if n.Type == domain.TypeFile && n.Fingerprint.Valid {
			byFP[n.Fingerprint] = append(byFP[n.Fingerprint], n)
		}
		return nil
	})
	return byFP
}

// matchPairs returns every acceptable (file, node) pair, best first
func matchPairs(files []*diskFile, byFP map[fingerprint.Fingerprint][]*localtree.LocalNode) []pair {
	var pairs []pair
	for _, f := range files {
		for _, n := range byFP[f.fp] {
			if !f.fsid.Defined() {
				continue
			}
			p := n.Path()
			score := suffixScore(f.parts, strings.Split(p, "/"))
			if score == 0 {
				continue
			}
			pairs = append(pairs, pair{file: f, node: n, path: p, score: score})
		}
	}

	slices.SortFunc(pairs, func(a, b pair) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		if c := strings.Compare(a.file.rel, b.file.rel); c != 0 {
			return c
		}
		return strings.Compare(a.path, b.path)
	})
	return pairs
}

// suffixScore counts the trailing path components a and b share
func suffixScore(a, b []string) int {
	n := 0
	for i, j := len(a)-1, len(b)-1; i >= 0 && j >= 0 && a[i] == b[j]; i, j = i-1, j-1 {
		n++
	}
	return n
}

func cleanRel(p string) string {
	p = strings.Trim(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/")
	return localtree.NormalizeName(p)
}
