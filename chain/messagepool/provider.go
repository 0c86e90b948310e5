package messagepool

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/go-mpool/chain/types"
)

// Head change types delivered on the Provider's subscription channel.
const (
	HCRevert  = "revert"
	HCApply   = "apply"
	HCCurrent = "current"
)

type HeadChange struct {
	Type string
	Val  *types.TipSet
}

// PubsubMessage is a serialized message bound for a gossip topic. The pool
// hands these to the network sender channel; it never talks to the network
// directly.
type PubsubMessage struct {
	Topic   string
	Message []byte
}

// Provider is the chain interface the pool builds on. GetActorAfter returns
// actor state as it will be after the messages in ts are applied, which is
// what nonce and balance checks need.
type Provider interface {
	GetHeaviestTipSet() *types.TipSet
	SubscribeHeadChanges(ctx context.Context) <-chan []*HeadChange
	PutMessage(ctx context.Context, m types.ChainMsg) (cid.Cid, error)
	GetActorAfter(ctx context.Context, addr address.Address, ts *types.TipSet) (*types.Actor, error)
	StateAccountKey(ctx context.Context, addr address.Address, ts *types.TipSet) (address.Address, error)
	MessagesForBlock(ctx context.Context, h *types.BlockHeader) ([]*types.Message, []*types.SignedMessage, error)
	LoadTipSet(ctx context.Context, tsk types.TipSetKey) (*types.TipSet, error)
	ChainComputeBaseFee(ctx context.Context, ts *types.TipSet) (types.BigInt, error)
}
