package reconcile

import (
	"sync"

	"printwatch/internal/model"
)

// Reconciler accumulates one device's report stream. The tree lives only
// here and is discarded on Reset, which the connection layer triggers on
// every (re)connect before the next full resync arrives.
type Reconciler struct {
	mu       sync.Mutex
	tree     *Report
	snapshot model.Snapshot
	seen     bool
}

func NewReconciler() *Reconciler {
	return &Reconciler{tree: &Report{}}
}

// Apply merges one raw payload and returns the fresh snapshot. Payloads that
// do not decode leave the tree unchanged and return false.
func (r *Reconciler) Apply(payload []byte) (model.Snapshot, bool) {
	msg, err := Decode(payload)
	if err != nil {
		return model.Snapshot{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree = Merge(r.tree, msg)
	r.snapshot = Extract(r.tree)
	r.seen = true
	return r.snapshot, true
}

func (r *Reconciler) Snapshot() (model.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot, r.seen
}

// Ready reports whether the tree has carried an operating state since it
// was created or last Reset.
func (r *Reconciler) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree != nil && r.tree.Print != nil && r.tree.Print.GcodeState != nil
}

func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree = &Report{}
	r.snapshot = model.Snapshot{}
	r.seen = false
}
