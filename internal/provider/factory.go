package provider

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Backend kinds.
const (
	KindLocal  = "local"
	KindRemote = "remote"
)

// Spec describes one configured backend.
type Spec struct {
	Name           string
	Kind           string
	Endpoint       string
	Model          string
	APIKey         string
	Temperature    float64
	RateLimit      float64
	RateBurst      int
	MaxConcurrent  int
	Timeout        time.Duration
	HealthInterval time.Duration
}

// New builds a provider from its spec. A positive RateLimit installs a
// limiter shared by every call to the provider.
func New(spec Spec) (Provider, error) {
	var limiter *rate.Limiter
	if spec.RateLimit > 0 {
		burst := spec.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(spec.RateLimit), burst)
	}

	switch spec.Kind {
	case KindLocal:
		return NewOllama(spec.Name, OllamaOptions{
			Endpoint:       spec.Endpoint,
			Model:          spec.Model,
			Temperature:    spec.Temperature,
			MaxConcurrent:  spec.MaxConcurrent,
			Timeout:        spec.Timeout,
			HealthInterval: spec.HealthInterval,
			Limiter:        limiter,
		}), nil
	case KindRemote:
		return NewOpenAI(spec.Name, OpenAIOptions{
			Endpoint:    spec.Endpoint,
			Model:       spec.Model,
			APIKey:      spec.APIKey,
			Temperature: spec.Temperature,
			Timeout:     spec.Timeout,
			Limiter:     limiter,
		}), nil
	default:
		return nil, fmt.Errorf("provider %q: unknown kind %q", spec.Name, spec.Kind)
	}
}
