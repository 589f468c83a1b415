package platform

import (
	"fmt"
	"sort"
	"time"

	"github.com/Peleke/MindMirror-sub002/errors"
)

// Supergraph is one composed federation artifact: the merged SDL, the
// routing table mapping each top-level field to its owning service, and
// the URLs those services answered at when the composition ran. The
// artifact pins everything the gateway needs, so re-pointing the
// current artifact is a complete rollback.
type Supergraph struct {
	Environment Environment `json:"environment"`
	SDL         string      `json:"sdl"`

	// Routing maps top-level Query/Mutation fields to the owning
	// service name.
	Routing map[string]string `json:"routing"`

	// ServiceURLs are the URLs the subgraphs were introspected from.
	ServiceURLs map[string]string `json:"service_urls"`

	// Hash is the content hash of the composition (SDL + routing).
	Hash string `json:"hash"`

	// SubgraphHashes records each service's schema hash at compose
	// time, used to skip recomposition for unchanged services.
	SubgraphHashes map[string]string `json:"subgraph_hashes,omitempty"`

	ReleaseID  string    `json:"release_id,omitempty"`
	ComposedAt time.Time `json:"composed_at"`
}

// Validate checks the artifact is complete enough to serve from.
func (sg *Supergraph) Validate() error {
	if err := sg.Environment.Validate(); err != nil {
		return err
	}
	if sg.SDL == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Supergraph", "Validate",
			"SDL cannot be empty")
	}
	if sg.Hash == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Supergraph", "Validate",
			"content hash cannot be empty")
	}
	if len(sg.Routing) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "Supergraph", "Validate",
			"routing table cannot be empty")
	}
	for field, service := range sg.Routing {
		if _, ok := sg.ServiceURLs[service]; !ok {
			return errors.WrapInvalid(errors.ErrInvalidData, "Supergraph", "Validate",
				fmt.Sprintf("field %s routes to %s, which has no URL", field, service))
		}
	}
	return nil
}

// Services returns the names of all services the routing table
// references, deduplicated and sorted.
func (sg *Supergraph) Services() []string {
	seen := make(map[string]bool, len(sg.ServiceURLs))
	names := make([]string, 0, len(sg.ServiceURLs))
	for _, service := range sg.Routing {
		if seen[service] {
			continue
		}
		seen[service] = true
		names = append(names, service)
	}
	sort.Strings(names)
	return names
}

// SubgraphSchema is one service's introspected schema as fetched from
// a running instance.
type SubgraphSchema struct {
	Service     string      `json:"service"`
	Environment Environment `json:"environment"`
	SDL         string      `json:"sdl"`
	Hash        string      `json:"hash"`
	URL         string      `json:"url,omitempty"`
	FetchedAt   time.Time   `json:"fetched_at"`
}

// Validate checks the schema record.
func (ss *SubgraphSchema) Validate() error {
	if ss.Service == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "SubgraphSchema", "Validate",
			"service cannot be empty")
	}
	if err := ss.Environment.Validate(); err != nil {
		return err
	}
	if ss.SDL == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "SubgraphSchema", "Validate",
			fmt.Sprintf("service %s: SDL cannot be empty", ss.Service))
	}
	if ss.Hash == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "SubgraphSchema", "Validate",
			fmt.Sprintf("service %s: hash cannot be empty", ss.Service))
	}
	return nil
}
