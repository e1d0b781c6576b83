package checkpoint

import (
	"github.com/stepvault/engine/internal/vcs"
)

// Store is the checkpoint engine's object-store-backed persistence
// layer: shadow-ref temporary checkpoints plus metadata-ref committed
// checkpoints, both built on a vcs.Store rather than talking to go-git
// directly so the grafting logic stays testable against a fake.
type Store struct {
	vcs         vcs.Store
	metadataRef string
}

// New creates a Store. metadataRef is the fully-resolved metadata ref
// name (see ids.MetadataRefName) this Store grafts committed
// checkpoints onto.
func New(store vcs.Store, metadataRef string) *Store {
	return &Store{vcs: store, metadataRef: metadataRef}
}
