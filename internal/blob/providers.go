package blob

import (
	"fmt"
	"net/url"
	"strings"
)

// ProviderConfig holds provider-specific configuration for an S3-compatible
// backend.
type ProviderConfig struct {
	Name              string
	DefaultEndpoint   string
	RequiresRegion    bool
	RequiresPathStyle bool
	SupportedRegions  []string
	DefaultRegion     string
	EndpointTemplate  string
	ForcePathStyle    bool
}

// KnownProviders contains configuration for known S3-compatible providers.
var KnownProviders = map[string]ProviderConfig{
	"aws": {
		Name:              "AWS S3",
		DefaultEndpoint:   "https://s3.amazonaws.com",
		RequiresRegion:    true,
		RequiresPathStyle: false,
		SupportedRegions: []string{
			"us-east-1", "us-east-2", "us-west-1", "us-west-2",
			"eu-west-1", "eu-west-2", "eu-west-3", "eu-central-1",
			"ap-southeast-1", "ap-southeast-2", "ap-northeast-1",
			"ap-northeast-2", "sa-east-1", "ca-central-1",
		},
		DefaultRegion: "us-east-1",
	},
	"minio": {
		Name:              "MinIO",
		DefaultEndpoint:   "http://localhost:9000",
		RequiresRegion:    false,
		RequiresPathStyle: true,
		DefaultRegion:     "us-east-1",
	},
	"wasabi": {
		Name:              "Wasabi",
		DefaultEndpoint:   "https://s3.wasabisys.com",
		RequiresRegion:    true,
		RequiresPathStyle: false,
		SupportedRegions: []string{
			"us-east-1", "us-east-2", "us-west-1", "eu-central-1",
			"ap-northeast-1", "ap-northeast-2",
		},
		DefaultRegion: "us-east-1",
	},
	"digitalocean": {
		Name:              "DigitalOcean Spaces",
		DefaultEndpoint:   "https://nyc3.digitaloceanspaces.com",
		RequiresRegion:    true,
		RequiresPathStyle: false,
		SupportedRegions:  []string{"nyc3", "ams3", "sgp1", "sfo3", "fra1", "blr1"},
		DefaultRegion:     "nyc3",
		EndpointTemplate:  "https://%s.digitaloceanspaces.com",
	},
	"backblaze": {
		Name:              "Backblaze B2",
		DefaultEndpoint:   "https://s3.us-west-000.backblazeb2.com",
		RequiresRegion:    true,
		RequiresPathStyle: true,
		SupportedRegions:  []string{"us-west-000", "us-west-001", "us-west-002", "us-west-004", "eu-central-003"},
		DefaultRegion:     "us-west-000",
		EndpointTemplate:  "https://s3.%s.backblazeb2.com",
	},
	"cloudflare": {
		Name:              "Cloudflare R2",
		DefaultEndpoint:   "https://<account-id>.r2.cloudflarestorage.com",
		RequiresRegion:    false,
		RequiresPathStyle: false,
		DefaultRegion:     "auto",
	},
	"scaleway": {
		Name:              "Scaleway Object Storage",
		DefaultEndpoint:   "https://s3.fr-par.scw.cloud",
		RequiresRegion:    true,
		RequiresPathStyle: false,
		SupportedRegions:  []string{"fr-par", "nl-ams", "pl-waw", "ap-sg"},
		DefaultRegion:     "fr-par",
		EndpointTemplate:  "https://s3.%s.scw.cloud",
	},
}

// GetProviderConfig returns the configuration for a given provider.
func GetProviderConfig(provider string) (ProviderConfig, error) {
	if provider == "" {
		return ProviderConfig{}, fmt.Errorf("provider name is required")
	}
	cfg, ok := KnownProviders[strings.ToLower(provider)]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("unknown provider: %s (supported: %s)", provider, strings.Join(providerNames(), ", "))
	}
	return cfg, nil
}

// ValidateProviderConfig validates and normalizes endpoint/region against a
// provider's known defaults.
func ValidateProviderConfig(endpoint, provider, region string) (string, string, error) {
	cfg, err := GetProviderConfig(provider)
	if err != nil {
		return "", "", err
	}
	if endpoint == "" {
		if cfg.EndpointTemplate != "" && region != "" {
			endpoint = fmt.Sprintf(cfg.EndpointTemplate, region)
		} else {
			endpoint = cfg.DefaultEndpoint
		}
	}
	endpoint = normalizeEndpoint(endpoint)
	if region == "" && cfg.DefaultRegion != "" {
		region = cfg.DefaultRegion
	}
	return endpoint, region, nil
}

func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	return strings.TrimSuffix(endpoint, "/")
}

// ValidateEndpoint checks that an endpoint URL is well-formed.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint must use http:// or https:// scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint must include a hostname")
	}
	return nil
}

func providerNames() []string {
	names := make([]string, 0, len(KnownProviders))
	for name := range KnownProviders {
		names = append(names, name)
	}
	return names
}

// IsProviderSupported reports whether provider is one of KnownProviders.
func IsProviderSupported(provider string) bool {
	_, ok := KnownProviders[strings.ToLower(provider)]
	return ok
}

// RequiresPathStyleAddressing reports whether provider needs path-style
// bucket addressing rather than virtual-hosted style.
func RequiresPathStyleAddressing(provider string) bool {
	cfg, err := GetProviderConfig(provider)
	if err != nil {
		return false
	}
	return cfg.RequiresPathStyle || cfg.ForcePathStyle
}
