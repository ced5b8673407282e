package model

import (
	"fmt"
	"strings"

	"github.com/stellarlinkco/clawloop/internal/config"
)

// NewFromConfig selects a backend for the configured provider and applies
// the configured request pacing.
func NewFromConfig(cfg *config.Config) (Backend, error) {
	temp := cfg.Agent.Temperature
	var backend Backend
	var err error
	switch strings.ToLower(strings.TrimSpace(cfg.Provider.Type)) {
	case "", providerAnthropic:
		backend, err = NewAnthropic(AnthropicConfig{
			APIKey:      cfg.Provider.APIKey,
			BaseURL:     cfg.Provider.BaseURL,
			Model:       cfg.Agent.Model,
			MaxTokens:   cfg.Agent.MaxTokens,
			Temperature: &temp,
		})
	case providerOpenAI:
		backend, err = NewOpenAI(OpenAIConfig{
			APIKey:      cfg.Provider.APIKey,
			BaseURL:     cfg.Provider.BaseURL,
			Model:       cfg.Agent.Model,
			MaxTokens:   cfg.Agent.MaxTokens,
			Temperature: &temp,
		})
	default:
		return nil, fmt.Errorf("model: unknown provider %q", cfg.Provider.Type)
	}
	if err != nil {
		return nil, err
	}
	return WithRateLimit(backend, PerMinute(cfg.Provider.RequestsPerMinute)), nil
}

// PricingFromConfig reads the configured token prices.
func PricingFromConfig(cfg *config.Config) Pricing {
	return Pricing{InputPerMillion: cfg.Provider.InputPrice, OutputPerMillion: cfg.Provider.OutputPrice}
}

// RetryPolicyFromConfig maps provider.maxRetries to a policy. maxRetries
// counts retries, so attempts is one more.
func RetryPolicyFromConfig(cfg *config.Config) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.Provider.MaxRetries >= 0 {
		p.MaxAttempts = cfg.Provider.MaxRetries + 1
	}
	return p
}
