package providers

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-annotator/internal/llm/errors"
	"github.com/ahrav/go-annotator/internal/llm/transport"
)

// NewRouter creates one adapter per configured annotator. Keys of configs
// are annotator IDs in decimal form.
func NewRouter(configs map[string]configuration.ProviderConfig) (transport.Router, error) {
	adapters := make(map[domain.AnnotatorID]transport.ProviderAdapter, len(configs))

	for _, name := range slices.Sorted(maps.Keys(configs)) {
		id, err := domain.ParseAnnotatorID(name)
		if err != nil {
			return nil, fmt.Errorf("provider config key %q: %w", name, err)
		}
		adapter, err := NewGeminiAdapter(configs[name])
		if err != nil {
			return nil, fmt.Errorf("annotator %d: %w", id, err)
		}
		adapters[id] = adapter
	}

	return &router{adapters: adapters}, nil
}

// NewStaticRouter routes every annotator to the same adapter.
func NewStaticRouter(adapter transport.ProviderAdapter) transport.Router {
	return staticRouter{adapter: adapter}
}

// router maps annotators to their adapters.
type router struct {
	adapters map[domain.AnnotatorID]transport.ProviderAdapter
}

// Pick returns the adapter configured for annotator.
func (r *router) Pick(annotator domain.AnnotatorID) (transport.ProviderAdapter, error) {
	adapter, ok := r.adapters[annotator]
	if !ok {
		return nil, fmt.Errorf("%w: no credentials for annotator %s", llmerrors.ErrUnknownProvider, strconv.Itoa(int(annotator)))
	}
	return adapter, nil
}

type staticRouter struct {
	adapter transport.ProviderAdapter
}

func (s staticRouter) Pick(domain.AnnotatorID) (transport.ProviderAdapter, error) {
	return s.adapter, nil
}
