package main

import (
	"reflect"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atlas-desktop/trading-core/pkg/types"
)

// decimalDecodeHook lets viper's mapstructure decoder turn a string or
// numeric env/config value into a shopspring/decimal.Decimal, matching
// the teacher's convention of decimal-typed monetary fields throughout
// pkg/types/types.go.
func decimalDecodeHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(decimal.Decimal{}) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	default:
		return data, nil
	}
}

// loadConfig builds the core's configuration the way the teacher's
// ServerConfig/DataConfig loader does (pkg/types/config.go), generalised
// to viper + mapstructure + env overrides: defaults seed every leaf key
// so CORE_VIX_LOW, CORE_RISK_DAILYLOSSLIMIT, CORE_SERVER_PORT, etc.
// transparently override them (spec.md §6 leaves config format
// unspecified; §1 keeps CLI flags/out of scope but the *shape* of
// env-overridable config loading is an ambient concern per SPEC_FULL §A).
func loadConfig(envFile string) (types.CoreConfig, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile) // optional; absence is not an error
	}

	v := viper.New()
	v.SetEnvPrefix("CORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := types.DefaultCoreConfig()
	seedDefaults(v, "vix", defaults.VIX)
	seedDefaults(v, "risk", defaults.Risk)
	seedDefaults(v, "cache", defaults.Cache)
	seedDefaults(v, "coordinator", defaults.Coordinator)
	seedDefaults(v, "server", defaults.Server)
	seedDefaults(v, "persistence", defaults.Persistence)

	var cfg types.CoreConfig
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		decimalDecodeHook,
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return types.CoreConfig{}, err
	}
	return cfg, nil
}

// seedDefaults registers every exported field of section (addressed by
// its mapstructure tag) as a viper default under prefix.key, so
// AutomaticEnv + Unmarshal can discover and override it even with no
// config file present.
func seedDefaults(v *viper.Viper, prefix string, section any) {
	t := reflect.TypeOf(section)
	val := reflect.ValueOf(section)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		v.SetDefault(prefix+"."+tag, val.Field(i).Interface())
	}
}
