package build

import (
	"math/big"

	"github.com/filecoin-project/go-state-types/network"

	"github.com/filecoin-project/go-mpool/node/modules/dtypes"
)

// Core network constants

func MessagesTopic(netName dtypes.NetworkName) string { return "/fil/msgs/" + string(netName) }

const NewestNetworkVersion = network.Version16

const (
	BlockDelaySecs       = uint64(30)
	PropagationDelaySecs = uint64(6)
)

// Limits

const (
	BlockGasLimit     = int64(10_000_000_000)
	BlockMessageLimit = 10000

	// MessageGasLimitCeiling is an absolute cap on the gas limit of a single
	// message admitted to the pool, well below BlockGasLimit.
	MessageGasLimitCeiling = int64(100_000_000)

	MinimumBaseFee = int64(100)
)

const (
	BlsSignatureCacheSize = 40000
	VerifSigCacheSize     = 32000
)

// Monetary supply

const (
	FilBase           = uint64(2_000_000_000)
	FilecoinPrecision = uint64(1_000_000_000_000_000_000)
)

// TotalFilecoinInt is the total token supply in attoFIL; no message may move
// more value than this.
var TotalFilecoinInt = func() *big.Int {
	v := big.NewInt(int64(FilBase))
	return v.Mul(v, big.NewInt(int64(FilecoinPrecision)))
}()
