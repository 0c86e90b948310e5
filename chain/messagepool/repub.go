package messagepool

import (
	"context"
	"sort"

	"github.com/filecoin-project/go-address"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-mpool/build"
	"github.com/filecoin-project/go-mpool/chain/types"
)

const RepubMsgLimit = 30

var baseFeeLowerBoundFactor = types.NewInt(10)
var baseFeeLowerBoundFactorConservative = types.NewInt(100)

func getBaseFeeLowerBound(baseFee, factor types.BigInt) types.BigInt {
	baseFeeLowerBound := types.BigDiv(baseFee, factor)
	if baseFeeLowerBound.LessThan(minimumBaseFee) {
		baseFeeLowerBound = minimumBaseFee
	}

	return baseFeeLowerBound
}

// republishPendingMessages re-announces local messages that haven't landed on
// chain yet. Messages already republished in a previous round are skipped
// until a head change clears them from the republished set.
func (mp *MessagePool) republishPendingMessages(ctx context.Context) error {
	mp.curTsLk.Lock()
	ts := mp.curTs

	baseFee, err := mp.api.ChainComputeBaseFee(ctx, ts)
	if err != nil {
		mp.curTsLk.Unlock()
		return xerrors.Errorf("computing basefee: %w", err)
	}
	baseFeeLowerBound := getBaseFeeLowerBound(baseFee, baseFeeLowerBoundFactor)

	pending := make(map[address.Address][]*types.SignedMessage)
	mp.lk.Lock()
	for actor := range mp.localAddrs {
		mset, ok := mp.pending[actor]
		if !ok || len(mset.msgs) == 0 {
			continue
		}
		pend := make([]*types.SignedMessage, 0, len(mset.msgs))
		for _, m := range mset.msgs {
			if _, ok := mp.republished[m.Cid()]; ok {
				// already announced and not yet landed; don't spam the network
				continue
			}
			pend = append(pend, m)
		}
		if len(pend) > 0 {
			sort.Slice(pend, func(i, j int) bool {
				return pend[i].Message.Nonce < pend[j].Message.Nonce
			})
			pending[actor] = pend
		}
	}
	mp.lk.Unlock()
	mp.curTsLk.Unlock()

	if len(pending) == 0 {
		return nil
	}

	republished := make(map[cid.Cid]struct{})
	count := 0
	gasBudget := build.BlockGasLimit

loop:
	for _, pend := range pending {
		for _, m := range pend {
			if count >= RepubMsgLimit || gasBudget <= 0 {
				break loop
			}

			// messages from a sender must go out in nonce order, so once one
			// doesn't qualify the rest of its chain has to wait too
			if m.Message.GasFeeCap.LessThan(baseFeeLowerBound) {
				break
			}

			if m.Message.GasLimit > gasBudget {
				break
			}

			msgb, err := m.Serialize()
			if err != nil {
				return xerrors.Errorf("cannot serialize message: %w", err)
			}

			if err := mp.publishMessage(msgb); err != nil {
				log.Warnf("republish: %s", err)
				break loop
			}

			gasBudget -= m.Message.GasLimit
			count++
			republished[m.Cid()] = struct{}{}
		}
	}

	if len(republished) > 0 {
		mp.lk.Lock()
		for c := range republished {
			mp.republished[c] = struct{}{}
		}
		mp.lk.Unlock()
	}

	return nil
}
