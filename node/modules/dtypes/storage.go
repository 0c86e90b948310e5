package dtypes

import (
	"github.com/ipfs/go-datastore"
)

// MetadataDS stores metadata. Used by the message pool for its config and for
// locally originated messages.
type MetadataDS datastore.Batching
