package messagepool

import (
	"context"
	"sort"
	"time"

	"github.com/filecoin-project/go-address"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-mpool/build"
	"github.com/filecoin-project/go-mpool/chain/types"
)

func (mp *MessagePool) pruneExcessMessages(ctx context.Context) error {
	mp.curTsLk.Lock()
	ts := mp.curTs
	mp.curTsLk.Unlock()

	mp.cfgLk.Lock()
	sizeLimitHigh := mp.cfg.SizeLimitHigh
	cooldown := mp.cfg.PruneCooldown
	mp.cfgLk.Unlock()

	mp.lk.Lock()
	defer mp.lk.Unlock()

	if mp.currentSize < sizeLimitHigh {
		return nil
	}

	select {
	case <-mp.pruneCooldown:
		err := mp.pruneMessages(ctx, ts)
		go func() {
			build.Clock.Sleep(cooldown)
			mp.pruneCooldown <- struct{}{}
		}()
		return err
	default:
		return xerrors.Errorf("cannot prune before cooldown")
	}
}

// pruneMessages drops the lowest-premium messages from non-protected senders
// until the pool is back under the low water mark. Local and priority senders
// are never pruned.
func (mp *MessagePool) pruneMessages(ctx context.Context, ts *types.TipSet) error {
	start := time.Now()
	defer func() {
		log.Infof("message pruning took %s", time.Since(start))
	}()

	protected := make(map[address.Address]struct{})

	mp.cfgLk.Lock()
	for _, actor := range mp.cfg.PriorityAddrs {
		protected[actor] = struct{}{}
	}
	sizeLimitLow := mp.cfg.SizeLimitLow
	mp.cfgLk.Unlock()

	for actor := range mp.localAddrs {
		protected[actor] = struct{}{}
	}

	var candidates []*types.SignedMessage
	keepCount := 0
	for actor, mset := range mp.pending {
		if _, ok := protected[actor]; ok {
			keepCount += len(mset.msgs)
			continue
		}

		for _, m := range mset.msgs {
			candidates = append(candidates, m)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Message.GasPremium.GreaterThan(candidates[j].Message.GasPremium)
	})

	keep := sizeLimitLow - keepCount
	if keep < 0 {
		keep = 0
	}
	if keep > len(candidates) {
		keep = len(candidates)
	}

	for _, m := range candidates[keep:] {
		mp.remove(ctx, m.Message.From, m.Message.Nonce, false)
	}

	return nil
}
