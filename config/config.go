package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/viper"

	"vesting-market/units"
)

const envPrefix = "VESTMARKET"

// Config is the resolved server configuration.
type Config struct {
	Port       int
	AppLogFile string
	LogLevel   string
	LevelDB    string

	Deployer common.Address // seeds the derived service addresses
	Admins   []common.Address

	Sellable       bool
	MaxSellPercent uint64

	BuyerFeeBps        uint64
	SellerFeeBps       uint64
	ReferralFeeBps     uint64
	FeeCollector       common.Address
	MinListingDuration time.Duration
	PenaltyFee         *uint256.Int // listing currency base units
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.app_log_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("leveldb.path", "data/leveldb")
	v.SetDefault("service.deployer", "0x000000000000000000000000000000000000d3b1")
	v.SetDefault("auth.admins", []string{})
	v.SetDefault("allocation.sellable", true)
	v.SetDefault("allocation.max_sell_percent", 2000)
	v.SetDefault("marketplace.buyer_fee_bps", 250)
	v.SetDefault("marketplace.seller_fee_bps", 250)
	v.SetDefault("marketplace.referral_fee_bps", 9000)
	v.SetDefault("marketplace.fee_collector", "")
	v.SetDefault("marketplace.min_listing_duration", "0s")
	v.SetDefault("marketplace.penalty_fee", "10000000")
}

// Load reads the YAML file at path, overridden by VESTMARKET_* environment
// variables. An empty path uses defaults and the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:               v.GetInt("server.port"),
		AppLogFile:         v.GetString("log.app_log_file"),
		LogLevel:           v.GetString("log.level"),
		LevelDB:            v.GetString("leveldb.path"),
		Sellable:           v.GetBool("allocation.sellable"),
		MaxSellPercent:     v.GetUint64("allocation.max_sell_percent"),
		BuyerFeeBps:        v.GetUint64("marketplace.buyer_fee_bps"),
		SellerFeeBps:       v.GetUint64("marketplace.seller_fee_bps"),
		ReferralFeeBps:     v.GetUint64("marketplace.referral_fee_bps"),
		MinListingDuration: v.GetDuration("marketplace.min_listing_duration"),
	}
	if cfg.MaxSellPercent > units.BPS {
		return nil, fmt.Errorf("allocation.max_sell_percent %d above %d", cfg.MaxSellPercent, units.BPS)
	}

	var err error
	if cfg.Deployer, err = address(v, "service.deployer"); err != nil {
		return nil, err
	}
	for _, a := range v.GetStringSlice("auth.admins") {
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("auth.admins: invalid address %q", a)
		}
		cfg.Admins = append(cfg.Admins, common.HexToAddress(a))
	}

	if v.GetString("marketplace.fee_collector") == "" {
		if len(cfg.Admins) == 0 {
			return nil, fmt.Errorf("marketplace.fee_collector: unset and no admin to fall back to")
		}
		cfg.FeeCollector = cfg.Admins[0]
	} else if cfg.FeeCollector, err = address(v, "marketplace.fee_collector"); err != nil {
		return nil, err
	}

	if cfg.PenaltyFee, err = units.Parse(v.GetString("marketplace.penalty_fee"), 0); err != nil {
		return nil, fmt.Errorf("marketplace.penalty_fee: %w", err)
	}
	return cfg, nil
}

func address(v *viper.Viper, key string) (common.Address, error) {
	s := v.GetString(key)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", key, s)
	}
	return common.HexToAddress(s), nil
}
