package psync

import "context"

// Store is the boundary to the embedded policy engine's storage. The engine
// itself is an external collaborator; the sync core only needs transactional
// writes so a bundle or data payload is applied fully or not at all.
type Store interface {
	Begin(ctx context.Context) (Txn, error)
}

// Txn is a single atomic batch of store mutations. Nothing a transaction
// writes is visible until Commit returns nil; Abort discards everything.
type Txn interface {
	SetPolicy(id string, module []byte) error
	SetData(path string, doc any) error
	DeleteData(path string) error
	Commit(ctx context.Context) error
	Abort()
}

// Bundle is an opaque versioned snapshot of policy artifacts, applied
// atomically.
type Bundle struct {
	Revision string            `json:"revision"`
	Policies map[string][]byte `json:"policies"`
	Data     map[string]any    `json:"data,omitempty"`
}
