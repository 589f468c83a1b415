package supergraph

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/pkg/retry"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// Introspector defaults.
const (
	DefaultIntrospectTimeout = 10 * time.Second
	DefaultFetchConcurrency  = 4
)

// introspectionQuery is the standard GraphQL introspection query, with
// type references unwrapped to the conventional depth of seven.
const introspectionQuery = `query IntrospectSchema {
  __schema {
    queryType { name }
    mutationType { name }
    subscriptionType { name }
    types {
      kind
      name
      fields(includeDeprecated: true) {
        name
        args { ...InputValue }
        type { ...TypeRef }
      }
      inputFields { ...InputValue }
      interfaces { ...TypeRef }
      enumValues(includeDeprecated: true) { name }
      possibleTypes { ...TypeRef }
    }
  }
}
fragment InputValue on __InputValue {
  name
  type { ...TypeRef }
  defaultValue
}
fragment TypeRef on __Type {
  kind
  name
  ofType {
    kind
    name
    ofType {
      kind
      name
      ofType {
        kind
        name
        ofType {
          kind
          name
          ofType {
            kind
            name
            ofType {
              kind
              name
              ofType { kind name }
            }
          }
        }
      }
    }
  }
}`

// Target names one service schema to fetch.
type Target struct {
	Service string
	URL     string // base URL from the registry
	Path    string // GraphQL path, platform default when empty
}

// Introspector fetches service schemas over HTTP.
type Introspector struct {
	client      *http.Client
	timeout     time.Duration
	concurrency int
	logger      *slog.Logger
}

// IntrospectorOption configures an Introspector.
type IntrospectorOption func(*Introspector) error

// WithHTTPClient replaces the transport, e.g. to add TLS config.
func WithHTTPClient(client *http.Client) IntrospectorOption {
	return func(i *Introspector) error {
		if client == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Introspector", "WithHTTPClient",
				"client cannot be nil")
		}
		i.client = client
		return nil
	}
}

// WithTimeout bounds each introspection request.
func WithTimeout(d time.Duration) IntrospectorOption {
	return func(i *Introspector) error {
		if d <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Introspector", "WithTimeout",
				"timeout must be positive")
		}
		i.timeout = d
		return nil
	}
}

// WithConcurrency bounds FetchAll fan-out.
func WithConcurrency(n int) IntrospectorOption {
	return func(i *Introspector) error {
		if n < 1 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Introspector", "WithConcurrency",
				"concurrency must be at least 1")
		}
		i.concurrency = n
		return nil
	}
}

// WithIntrospectorLogger sets the logger. Nil falls back to slog.Default.
func WithIntrospectorLogger(logger *slog.Logger) IntrospectorOption {
	return func(i *Introspector) error {
		if logger != nil {
			i.logger = logger
		}
		return nil
	}
}

// NewIntrospector creates an introspector with the given options.
func NewIntrospector(opts ...IntrospectorOption) (*Introspector, error) {
	i := &Introspector{
		timeout:     DefaultIntrospectTimeout,
		concurrency: DefaultFetchConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(i); err != nil {
			return nil, err
		}
	}
	if i.client == nil {
		i.client = &http.Client{Timeout: i.timeout}
	}
	return i, nil
}

// Introspect fetches the schema behind a base URL and renders it to
// SDL. The standard GraphQL path is appended to the URL.
func (i *Introspector) Introspect(ctx context.Context, url string) (string, error) {
	return i.IntrospectEndpoint(ctx, strings.TrimSuffix(url, "/")+platform.DefaultGraphQLPath)
}

// IntrospectEndpoint fetches the schema behind an exact GraphQL
// endpoint and renders it to SDL.
func (i *Introspector) IntrospectEndpoint(ctx context.Context, endpoint string) (string, error) {
	if endpoint == "" {
		return "", errors.WrapInvalid(stderrors.New("endpoint cannot be empty"),
			"Introspector", "IntrospectEndpoint", "endpoint validation")
	}

	body, err := json.Marshal(introspectionRequest{Query: introspectionQuery})
	if err != nil {
		return "", errors.WrapFatal(err, "Introspector", "IntrospectEndpoint", "marshal query")
	}

	raw, err := i.post(ctx, endpoint, body)
	if err != nil {
		return "", errors.WrapTransient(
			fmt.Errorf("%w: %s: %s", errors.ErrSchemaUnavailable, endpoint, err),
			"Introspector", "IntrospectEndpoint", "introspection request")
	}

	var envelope introspectionEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrParsingFailed, err),
			"Introspector", "IntrospectEndpoint", "decode introspection response")
	}
	if len(envelope.Errors) > 0 {
		return "", errors.WrapTransient(
			fmt.Errorf("%w: %s: %s", errors.ErrSchemaUnavailable, endpoint, envelope.Errors[0].Message),
			"Introspector", "IntrospectEndpoint", "introspection refused")
	}
	if envelope.Data == nil || envelope.Data.Schema.QueryType == nil {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: response carries no __schema", errors.ErrParsingFailed),
			"Introspector", "IntrospectEndpoint", "decode introspection response")
	}

	sdl, err := renderSDL(envelope.Data.Schema)
	if err != nil {
		return "", errors.WrapInvalid(err, "Introspector", "IntrospectEndpoint", "render SDL")
	}
	return sdl, nil
}

// post issues the introspection POST, retrying transport errors with
// the short probe backoff. A non-200 answer is final.
func (i *Introspector) post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	return retry.DoWithResult(ctx, retry.Probe(), func() ([]byte, error) {
		reqCtx, cancel := context.WithTimeout(ctx, i.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, retry.NonRetryable(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := i.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, retry.NonRetryable(err)
			}
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, retry.NonRetryable(fmt.Errorf("status %d", resp.StatusCode))
		}

		var buf bytes.Buffer
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
}

// Fetch introspects one target and wraps the SDL as a subgraph schema.
func (i *Introspector) Fetch(ctx context.Context, env platform.Environment, target Target) (*platform.SubgraphSchema, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if target.Service == "" || target.URL == "" {
		return nil, errors.WrapInvalid(stderrors.New("target needs a service and a URL"),
			"Introspector", "Fetch", "target validation")
	}

	path := target.Path
	if path == "" {
		path = platform.DefaultGraphQLPath
	}
	endpoint := strings.TrimSuffix(target.URL, "/") + path

	sdl, err := i.IntrospectEndpoint(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	i.logger.Debug("subgraph schema fetched",
		"service", target.Service, "environment", env.String(), "bytes", len(sdl))

	return &platform.SubgraphSchema{
		Service:     target.Service,
		Environment: env,
		SDL:         sdl,
		Hash:        HashSDL(sdl),
		URL:         target.URL,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

// FetchAll introspects every target with bounded parallelism. One
// unreachable schema fails the whole fetch; composing a partial graph
// would silently drop fields.
func (i *Introspector) FetchAll(ctx context.Context, env platform.Environment, targets []Target) ([]*platform.SubgraphSchema, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, errors.WrapInvalid(stderrors.New("no targets to fetch"),
			"Introspector", "FetchAll", "target validation")
	}

	var mu sync.Mutex
	schemas := make([]*platform.SubgraphSchema, 0, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)
	for _, target := range targets {
		g.Go(func() error {
			schema, err := i.Fetch(gctx, env, target)
			if err != nil {
				return err
			}
			mu.Lock()
			schemas = append(schemas, schema)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(schemas, func(a, b int) bool {
		return schemas[a].Service < schemas[b].Service
	})
	return schemas, nil
}

// HashSDL returns the hex SHA-256 of an SDL document.
func HashSDL(sdl string) string {
	sum := sha256.Sum256([]byte(sdl))
	return hex.EncodeToString(sum[:])
}

type introspectionRequest struct {
	Query string `json:"query"`
}

type introspectionEnvelope struct {
	Data   *introspectionData   `json:"data"`
	Errors []introspectionError `json:"errors"`
}

type introspectionError struct {
	Message string `json:"message"`
}

type introspectionData struct {
	Schema introspectionSchema `json:"__schema"`
}
