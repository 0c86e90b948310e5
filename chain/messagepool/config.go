package messagepool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ipfs/go-datastore"

	"github.com/filecoin-project/go-mpool/chain/types"
	"github.com/filecoin-project/go-mpool/node/modules/dtypes"
)

var (
	ReplaceByFeeRatioDefault  = 1.25
	MemPoolSizeLimitHiDefault = 30000
	MemPoolSizeLimitLoDefault = 20000
	PruneCooldownDefault      = time.Minute
	GasLimitOverestimation    = 1.25

	ConfigKey = datastore.NewKey("/mpool/config")
)

func loadConfig(ctx context.Context, ds dtypes.MetadataDS) (*types.MpoolConfig, error) {
	haveCfg, err := ds.Has(ctx, ConfigKey)
	if err != nil {
		return nil, err
	}

	if !haveCfg {
		return DefaultConfig(), nil
	}

	cfgBytes, err := ds.Get(ctx, ConfigKey)
	if err != nil {
		return nil, err
	}
	cfg := new(types.MpoolConfig)
	if err := json.Unmarshal(cfgBytes, cfg); err != nil {
		return nil, err
	}

	if err := validateConfig(cfg); err != nil {
		log.Warnf("invalid mpool config in datastore, reverting to default: %s", err)
		return DefaultConfig(), nil
	}

	return cfg, nil
}

func saveConfig(ctx context.Context, cfg *types.MpoolConfig, ds dtypes.MetadataDS) error {
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return ds.Put(ctx, ConfigKey, cfgBytes)
}

func (mp *MessagePool) GetConfig() *types.MpoolConfig {
	mp.cfgLk.Lock()
	defer mp.cfgLk.Unlock()
	return mp.cfg.Clone()
}

// getRbfNum snapshots the replace-by-fee numerator, which SetConfig may swap
// out at any time.
func (mp *MessagePool) getRbfNum() types.BigInt {
	mp.cfgLk.Lock()
	defer mp.cfgLk.Unlock()
	return mp.rbfNum
}

func validateConfig(cfg *types.MpoolConfig) error {
	if cfg.ReplaceByFeeRatio <= 1 || cfg.ReplaceByFeeRatio > 2 {
		return fmt.Errorf("'ReplaceByFeeRatio' is out of range (1, 2]")
	}
	if cfg.SizeLimitLow <= 0 {
		return fmt.Errorf("'SizeLimitLow' must be positive")
	}
	if cfg.SizeLimitHigh < cfg.SizeLimitLow {
		return fmt.Errorf("'SizeLimitHigh' can't be below 'SizeLimitLow'")
	}
	return nil
}

func (mp *MessagePool) SetConfig(ctx context.Context, cfg *types.MpoolConfig) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}

	cfg = cfg.Clone()

	mp.cfgLk.Lock()
	mp.cfg = cfg
	mp.rbfNum = types.NewInt(uint64((cfg.ReplaceByFeeRatio - 1) * RbfDenom))
	err := saveConfig(ctx, cfg, mp.ds)
	if err != nil {
		log.Warnf("error persisting mpool config: %s", err)
	}
	mp.cfgLk.Unlock()

	return nil
}

func DefaultConfig() *types.MpoolConfig {
	return &types.MpoolConfig{
		SizeLimitHigh:          MemPoolSizeLimitHiDefault,
		SizeLimitLow:           MemPoolSizeLimitLoDefault,
		ReplaceByFeeRatio:      ReplaceByFeeRatioDefault,
		PruneCooldown:          PruneCooldownDefault,
		GasLimitOverestimation: GasLimitOverestimation,
	}
}
