package types

import (
	"time"

	"github.com/filecoin-project/go-address"
)

type MpoolConfig struct {
	PriorityAddrs          []address.Address
	SizeLimitHigh          int
	SizeLimitLow           int
	ReplaceByFeeRatio      float64
	PruneCooldown          time.Duration
	GasLimitOverestimation float64
}

func (mc *MpoolConfig) Clone() *MpoolConfig {
	r := new(MpoolConfig)
	*r = *mc
	r.PriorityAddrs = make([]address.Address, len(mc.PriorityAddrs))
	copy(r.PriorityAddrs, mc.PriorityAddrs)
	return r
}

type MpoolChange int

const (
	MpoolAdd MpoolChange = iota
	MpoolRemove
)

// MpoolUpdate is an event on the pool's Updates feed.
type MpoolUpdate struct {
	Type    MpoolChange
	Message *SignedMessage
}
