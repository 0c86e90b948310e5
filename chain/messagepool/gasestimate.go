package messagepool

import (
	"context"
	"sort"

	"github.com/filecoin-project/go-mpool/chain/types"
)

// MinGasPremium is the premium quoted when the pool is empty and there is
// nothing to learn a market price from.
const MinGasPremium = 100e3

// EstimateGasPremium suggests a GasPremium for a message that wants inclusion
// within nblocksincl epochs, based on what currently pending messages are
// bidding.
func (mp *MessagePool) EstimateGasPremium(ctx context.Context, nblocksincl uint64) (types.BigInt, error) {
	if nblocksincl == 0 {
		nblocksincl = 1
	}

	mp.lk.Lock()
	var prems []types.BigInt
	for _, mset := range mp.pending {
		for _, m := range mset.msgs {
			prems = append(prems, m.Message.GasPremium)
		}
	}
	mp.lk.Unlock()

	if len(prems) == 0 {
		return types.NewInt(MinGasPremium), nil
	}

	sort.Slice(prems, func(i, j int) bool {
		return prems[i].GreaterThan(prems[j])
	})

	// the median bid is a decent proxy for what gets you into a block soon;
	// callers willing to wait longer can settle for proportionally less
	premium := prems[len(prems)/2]
	if nblocksincl > 1 {
		premium = types.BigDiv(premium, types.NewInt(nblocksincl))
	}

	if premium.LessThan(types.NewInt(MinGasPremium)) {
		premium = types.NewInt(MinGasPremium)
	}

	return premium, nil
}
