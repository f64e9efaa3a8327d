package config

import (
	"github.com/adverant/nexus/handprint-worker/internal/services"
)

// Credentials returns the adapter credentials held in the config.
func (c *Config) Credentials() services.Credentials {
	return services.Credentials{
		TesseractLanguage: c.TesseractLanguage,
		MicrosoftEndpoint: c.MicrosoftEndpoint,
		MicrosoftKey:      c.MicrosoftKey,
		GoogleEndpoint:    c.GoogleEndpoint,
		GoogleAPIKey:      c.GoogleAPIKey,
	}
}

// Registry builds the service registry: the built-in descriptors overlaid
// with HANDPRINT_SERVICES_FILE, and an adapter for every service whose
// credentials are configured.
func (c *Config) Registry() (*services.Registry, error) {
	overrides, err := LoadDescriptors(c.ServicesFile)
	if err != nil {
		return nil, err
	}
	descriptors := MergeDescriptors(services.BuiltinDescriptors(), overrides)
	return services.NewDefaultRegistry(descriptors, c.Credentials()), nil
}
