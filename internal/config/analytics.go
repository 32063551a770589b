// Package config loads service level defaults from files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"sort"

	"github.com/spf13/viper"

	"github.com/roadpulse/roadpulse/internal/analytics"
)

// Environment variables read by LoadAnalytics.
const (
	AnalyticsFileEnv   = "ROADPULSE_ANALYTICS_CONFIG"
	AnalyticsEnvPrefix = "ROADPULSE_ANALYTICS"
)

// LoadAnalytics builds the analytics defaults every request starts from.
// Settings are layered: built-in defaults, then the optional YAML/JSON/TOML
// file named by ROADPULSE_ANALYTICS_CONFIG, then ROADPULSE_ANALYTICS_<KEY>
// variables, using the same keys requests use as overrides. Unknown keys
// and out-of-domain values are a *analytics.ConfigurationError.
func LoadAnalytics() (analytics.Config, error) {
	return LoadAnalyticsFile(os.Getenv(AnalyticsFileEnv))
}

// LoadAnalyticsFile is LoadAnalytics with an explicit file path. An empty
// path skips the file layer.
func LoadAnalyticsFile(path string) (analytics.Config, error) {
	keys := analytics.OverrideKeys()

	v := viper.New()
	v.SetEnvPrefix(AnalyticsEnvPrefix)
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return analytics.Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || os.IsNotExist(err) {
				return analytics.Config{}, fmt.Errorf("analytics config %s not found", path)
			}
			return analytics.Config{}, fmt.Errorf("read analytics config: %w", err)
		}
	}

	unknown := make([]string, 0)
	for _, key := range v.AllKeys() {
		if !slices.Contains(keys, key) {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return analytics.Config{}, &analytics.ConfigurationError{Field: unknown[0], Value: v.Get(unknown[0]), Reason: analytics.ReasonUnknownSetting}
	}

	q := url.Values{}
	for _, key := range keys {
		if v.IsSet(key) {
			q.Set(key, v.GetString(key))
		}
	}
	overrides, err := analytics.OverridesFromQuery(q)
	if err != nil {
		return analytics.Config{}, err
	}
	return analytics.Resolve(analytics.DefaultConfig(), &overrides)
}
