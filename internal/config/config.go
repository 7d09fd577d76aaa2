package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultWGInterface  = "wg0"
	DefaultKeepaliveSec = 60
)

// Provider holds the provider-side environment surface.
type Provider struct {
	VPNIPRange          string `env:"VPN_IP_RANGE"`
	VPNPort             int    `env:"VPN_PORT" envDefault:"51820"`
	VPNEndpointAnnounce string `env:"VPN_ENDPOINT_ANNOUNCE"`
	AnnounceDomain      string `env:"PROVIDER_ANNONCE_DOMAIN"`
	RouteIP             string `env:"PROVIDER_ROUTE_IP"`
	RoutePort           int    `env:"PROVIDER_ROUTE_PORT" envDefault:"80"`
	AuthAPIURL          string `env:"AUTH_API_URL"`

	Listen      string   `env:"LISTEN" envDefault:":8080"`
	WGConfigDir string   `env:"WG_CONFIG_DIR" envDefault:"/etc/wireguard"`
	WGInterface string   `env:"WG_INTERFACE" envDefault:"wg0"`
	STUNServers []string `env:"STUN_SERVERS" envSeparator:"," envDefault:"stun.l.google.com:19302,stun.cloudflare.com:3478"`
}

// Requester holds the requester-side environment surface.
type Requester struct {
	ProvidersFile string `env:"PROVIDERS_FILE" envDefault:"/etc/tunneld/providers.yaml"`

	RoutingTargetHost     string `env:"ROUTING_TARGET_HOST"`
	RoutingTargetPortHTTP int    `env:"ROUTING_TARGET_PORT_HTTP" envDefault:"80"`
	RoutingTargetPortTLS  int    `env:"ROUTING_TARGET_PORT_HTTPS" envDefault:"443"`
	RoutePriority         int    `env:"ROUTE_PRIORITY" envDefault:"2"`
	RouteRefreshSec       int    `env:"ROUTE_REFRESH_INTERVAL" envDefault:"300"`
	ProviderRetrySec      int    `env:"PROVIDER_RETRY_INTERVAL" envDefault:"600"`
	RetrySec              int    `env:"RETRY_INTERVAL" envDefault:"5"`
	HealthCheckPath       string `env:"HEALTH_CHECK_PATH"`
	HealthCheckHost       string `env:"HEALTH_CHECK_HOST"`

	HandshakeThresholdSec int `env:"HANDSHAKE_THRESHOLD" envDefault:"150"`
	HandshakePollSec      int `env:"HANDSHAKE_POLL_INTERVAL" envDefault:"30"`

	WGConfigDir string `env:"WG_CONFIG_DIR" envDefault:"/etc/tunneld/wireguard"`
	KeyDir      string `env:"KEY_DIR" envDefault:"/etc/tunneld/keys"`
}

func (c Requester) RouteRefreshInterval() time.Duration {
	return time.Duration(c.RouteRefreshSec) * time.Second
}

func (c Requester) ProviderRetryInterval() time.Duration {
	return time.Duration(c.ProviderRetrySec) * time.Second
}

func (c Requester) RetryInterval() time.Duration {
	return time.Duration(c.RetrySec) * time.Second
}

func (c Requester) HandshakeThreshold() time.Duration {
	return time.Duration(c.HandshakeThresholdSec) * time.Second
}

func (c Requester) HandshakePollInterval() time.Duration {
	return time.Duration(c.HandshakePollSec) * time.Second
}

// LoadProvider reads the provider config from the environment, with an
// optional .env file in the working directory.
func LoadProvider() (Provider, error) {
	loadDotEnv()
	var cfg Provider
	if err := env.Parse(&cfg); err != nil {
		return Provider{}, err
	}
	if err := ValidateProvider(cfg); err != nil {
		return Provider{}, err
	}
	return cfg, nil
}

// LoadRequester reads the requester config from the environment, with an
// optional .env file in the working directory.
func LoadRequester() (Requester, error) {
	loadDotEnv()
	var cfg Requester
	if err := env.Parse(&cfg); err != nil {
		return Requester{}, err
	}
	if err := ValidateRequester(cfg); err != nil {
		return Requester{}, err
	}
	return cfg, nil
}

// ValidateProvider checks required provider settings.
func ValidateProvider(cfg Provider) error {
	if cfg.VPNIPRange == "" {
		return fmt.Errorf("VPN_IP_RANGE is required")
	}
	if _, err := netip.ParsePrefix(cfg.VPNIPRange); err != nil {
		return fmt.Errorf("VPN_IP_RANGE: %w", err)
	}
	if cfg.AnnounceDomain == "" {
		return fmt.Errorf("PROVIDER_ANNONCE_DOMAIN is required")
	}
	if cfg.RouteIP == "" {
		return fmt.Errorf("PROVIDER_ROUTE_IP is required")
	}
	if cfg.AuthAPIURL != "" {
		if _, err := url.Parse(cfg.AuthAPIURL); err != nil {
			return fmt.Errorf("AUTH_API_URL: %w", err)
		}
	}
	return nil
}

// ValidateRequester checks required requester settings.
func ValidateRequester(cfg Requester) error {
	if cfg.ProvidersFile == "" {
		return fmt.Errorf("PROVIDERS_FILE is required")
	}
	if cfg.RetrySec <= 0 || cfg.RouteRefreshSec <= 0 || cfg.ProviderRetrySec <= 0 {
		return fmt.Errorf("retry and refresh intervals must be positive")
	}
	if cfg.HandshakeThresholdSec <= 0 || cfg.HandshakePollSec <= 0 {
		return fmt.Errorf("handshake threshold and poll interval must be positive")
	}
	return nil
}

// ProvidersFile is the declarative requester provider list.
type ProvidersFile struct {
	Providers []ProviderEntry `yaml:"providers"`
}

// ProviderEntry wraps one connection string "<backendUrl>,<userId>,<signature>".
type ProviderEntry struct {
	Provider string `yaml:"provider"`
}

// LoadProviders reads the providers file and returns the connection strings.
// A missing file is an empty set, so a requester can start before its first
// provider is configured.
func LoadProviders(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var file ProvidersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	out := make([]string, 0, len(file.Providers))
	for _, e := range file.Providers {
		if e.Provider != "" {
			out = append(out, e.Provider)
		}
	}
	return out, nil
}

func loadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
}
