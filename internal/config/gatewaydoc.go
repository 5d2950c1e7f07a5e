package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// GatewayDocument is the mutable data the admin plane manages: the virtual
// key set, backend definitions, routing rules, and the pricing table. It is
// stored separately from process Config because it changes at runtime
// (admin writes persist it through a Store), while Config only changes on
// restart.
type GatewayDocument struct {
	VirtualKeys []domain.VirtualKey   `mapstructure:"virtual_keys"`
	Backends    []domain.Backend      `mapstructure:"backends"`
	Router      domain.RouterConfig   `mapstructure:"router"`
	Pricing     []domain.PricingEntry `mapstructure:"pricing"`
}

// LoadGatewayDocument reads path as YAML using the same viper machinery the
// rest of this package uses. A missing file yields an empty document rather
// than an error — a fresh deployment may configure everything through the
// admin API instead.
func LoadGatewayDocument(path string) (GatewayDocument, error) {
	var doc GatewayDocument

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return doc, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return doc, fmt.Errorf("config: read gateway document %s: %w", path, err)
	}
	if err := v.Unmarshal(&doc); err != nil {
		return doc, fmt.Errorf("config: parse gateway document %s: %w", path, err)
	}
	return doc, nil
}
