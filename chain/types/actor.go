package types

import (
	"github.com/ipfs/go-cid"
)

// Actor is the on-chain state of an account as seen through the Provider: the
// code/state roots plus the two fields the pool cares about, Nonce and Balance.
type Actor struct {
	Code    cid.Cid
	Head    cid.Cid
	Nonce   uint64
	Balance BigInt
}
