package vm

import (
	"github.com/filecoin-project/go-state-types/abi"
)

// GasCharge is the cost of a single chargeable operation, split into
// compute and storage components.
type GasCharge struct {
	Name string

	ComputeGas int64
	StorageGas int64
}

func (g GasCharge) Total() int64 {
	return g.ComputeGas + g.StorageGas
}

func newGasCharge(name string, computeGas int64, storageGas int64) GasCharge {
	return GasCharge{
		Name:       name,
		ComputeGas: computeGas,
		StorageGas: storageGas,
	}
}

// Pricelist provides the gas cost of chain operations. The pool only needs
// OnChainMessage, the inclusion cost of a serialized message.
type Pricelist interface {
	OnChainMessage(msgSize int) GasCharge
}

type pricelistV0 struct {
	// Gas cost charged to the originator of an on-chain message (regardless of
	// whether it succeeds or fails in application) is given by:
	//   OnChainMessageBase + len(serialized message)*OnChainMessagePerByte
	onChainMessageComputeBase    int64
	onChainMessageStorageBase    int64
	onChainMessageStoragePerByte int64

	storageGasMulti int64
}

func (pl *pricelistV0) OnChainMessage(msgSize int) GasCharge {
	return newGasCharge("OnChainMessage", pl.onChainMessageComputeBase,
		(pl.onChainMessageStorageBase+pl.onChainMessageStoragePerByte*int64(msgSize))*pl.storageGasMulti)
}

var prices = map[abi.ChainEpoch]*pricelistV0{
	abi.ChainEpoch(0): {
		onChainMessageComputeBase:    38863,
		onChainMessageStorageBase:    36,
		onChainMessageStoragePerByte: 1,
		storageGasMulti:              1300,
	},
}

// PricelistByEpoch finds the latest prices for the given epoch.
func PricelistByEpoch(epoch abi.ChainEpoch) Pricelist {
	// since we are storing the prices as map or epoch to price
	// we need to get the price with the highest epoch that is lower or equal to the epoch we are querying
	bestEpoch := abi.ChainEpoch(0)
	bestPrice := prices[bestEpoch]
	for e, pl := range prices {
		// if the epoch is higher than the best and lower or equal to the target
		if e > bestEpoch && e <= epoch {
			bestEpoch = e
			bestPrice = pl
		}
	}
	if bestPrice == nil {
		panic("bad setup: no gas prices available for epoch")
	}
	return bestPrice
}
