package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"golang.org/x/sync/errgroup"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/metric"
)

// maxUpstreamBytes caps how much of a service response is read. A
// subgraph streaming an unbounded body must not exhaust the gateway.
const maxUpstreamBytes = 32 << 20

// forwardedHeaders are copied from the client request onto every
// service request. Everything else stays at the edge.
var forwardedHeaders = []string{"Authorization", "X-Request-ID"}

// graphQLRequest is a request body at either edge of the gateway: the
// parsed client request on the way in, the per-branch body on the way
// out. On the inbound side raw keeps the untouched bytes for verbatim
// forwarding.
type graphQLRequest struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName,omitempty"`
	Variables     json.RawMessage `json:"variables,omitempty"`

	raw    []byte
	header http.Header
}

// upstreamResponse is the slice of a service reply the merger needs:
// top-level values stay raw, errors stay loose for passthrough.
type upstreamResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []map[string]interface{}   `json:"errors"`
}

type branchResult struct {
	data   map[string]json.RawMessage
	errs   []map[string]interface{}
	failed error
}

// gatewayResponse is what the HTTP handler writes back.
type gatewayResponse struct {
	status      int
	contentType string
	body        []byte
}

// executor runs plans against the activated graph's services.
type executor struct {
	client  *http.Client
	logger  *slog.Logger
	metrics *metric.Metrics
}

func newExecutor(client *http.Client, logger *slog.Logger, metrics *metric.Metrics) *executor {
	return &executor{
		client:  client,
		logger:  logger,
		metrics: metrics,
	}
}

// execute runs a planned operation. Service failures surface as
// GraphQL errors inside a 200 envelope; only verbatim single-service
// responses carry the upstream status through.
func (e *executor) execute(ctx context.Context, g *graph, pl *plan, req *graphQLRequest) gatewayResponse {
	switch pl.kind {
	case planSingle:
		return e.forward(ctx, g, pl, req)
	case planFanout:
		return e.fanout(ctx, g, pl, req)
	default:
		return e.local(g, pl, req.Variables)
	}
}

// forward relays the original request to the one owning service and
// the service's response to the client, both untouched.
func (e *executor) forward(ctx context.Context, g *graph, pl *plan, req *graphQLRequest) gatewayResponse {
	url, err := g.url(pl.service)
	if err != nil {
		return e.forwardFailure(pl, err)
	}

	httpReq, err := buildRequest(ctx, url, req.raw, req.header)
	if err != nil {
		return e.forwardFailure(pl, err)
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if e.metrics != nil {
		e.metrics.RecordGatewayRequestDuration(pl.service, time.Since(start))
	}
	if err != nil {
		e.logger.Warn("service request failed",
			"service", pl.service,
			"error", err)
		return e.forwardFailure(pl, err)
	}
	defer resp.Body.Close()

	body, err := readLimited(resp.Body)
	if err != nil {
		return e.forwardFailure(pl, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	return gatewayResponse{
		status:      resp.StatusCode,
		contentType: contentType,
		body:        body,
	}
}

func (e *executor) forwardFailure(pl *plan, err error) gatewayResponse {
	var errs []interface{}
	for _, rk := range pl.order {
		errs = append(errs, serviceError(pl.service, rk.key, err))
	}
	return renderEnvelope(pl, nil, errs)
}

// fanout executes one sub-operation per branch and merges the results
// in request order. Query branches run concurrently; mutation branches
// run serially so later fields observe earlier effects across
// services.
func (e *executor) fanout(ctx context.Context, g *graph, pl *plan, req *graphQLRequest) gatewayResponse {
	results := make([]branchResult, len(pl.branches))

	if pl.op == ast.Mutation {
		for i := range pl.branches {
			results[i] = e.callBranch(ctx, g, pl, &pl.branches[i], req)
		}
	} else {
		var eg errgroup.Group
		for i := range pl.branches {
			eg.Go(func() error {
				results[i] = e.callBranch(ctx, g, pl, &pl.branches[i], req)
				return nil
			})
		}
		_ = eg.Wait()
	}

	values := map[string]json.RawMessage{}
	var errs []interface{}

	for i := range pl.branches {
		br := &pl.branches[i]
		res := results[i]
		if res.failed != nil {
			// The whole branch is lost; each of its keys nulls out
			// with its own error so clients see what disappeared.
			for _, key := range br.keys {
				errs = append(errs, serviceError(br.service, key, res.failed))
			}
			continue
		}
		for _, key := range br.keys {
			if raw, ok := res.data[key]; ok {
				values[key] = raw
			}
		}
		for _, raw := range res.errs {
			errs = append(errs, relayUpstreamError(br.service, raw))
		}
	}

	for key, field := range pl.locals {
		if field.Name == "__typename" {
			values[key] = typenameValue(pl.op)
		}
	}

	return renderEnvelope(pl, values, errs)
}

// local answers operations that never leave the gateway: introspection
// and bare meta fields.
func (e *executor) local(g *graph, pl *plan, variables json.RawMessage) gatewayResponse {
	values := map[string]json.RawMessage{}
	var errs []interface{}

	for key, field := range pl.locals {
		if field.Name == "__typename" {
			values[key] = typenameValue(pl.op)
			continue
		}
		value, gqlErr := introspectionValue(g, field, variables)
		if gqlErr != nil {
			errs = append(errs, gqlErr)
			continue
		}
		values[key] = value
	}

	return renderEnvelope(pl, values, errs)
}

func (e *executor) callBranch(ctx context.Context, g *graph, pl *plan, br *branch, req *graphQLRequest) branchResult {
	url, err := g.url(br.service)
	if err != nil {
		return branchResult{failed: err}
	}

	body, err := json.Marshal(graphQLRequest{
		Query:         br.query,
		OperationName: pl.opName,
		Variables:     req.Variables,
	})
	if err != nil {
		return branchResult{failed: err}
	}

	httpReq, err := buildRequest(ctx, url, body, req.header)
	if err != nil {
		return branchResult{failed: err}
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if e.metrics != nil {
		e.metrics.RecordGatewayRequestDuration(br.service, time.Since(start))
	}
	if err != nil {
		e.logger.Warn("service request failed",
			"service", br.service,
			"error", err)
		return branchResult{failed: err}
	}
	defer resp.Body.Close()

	raw, err := readLimited(resp.Body)
	if err != nil {
		return branchResult{failed: err}
	}

	var parsed upstreamResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return branchResult{failed: errors.WrapTransient(
				fmt.Errorf("status %d with no usable body", resp.StatusCode),
				"Gateway", "callBranch", br.service)}
		}
		return branchResult{failed: err}
	}

	return branchResult{data: parsed.Data, errs: parsed.Errors}
}

func buildRequest(ctx context.Context, url string, body []byte, header http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if header != nil {
		for _, name := range forwardedHeaders {
			if v := header.Get(name); v != "" {
				req.Header.Set(name, v)
			}
		}
	}
	return req, nil
}

func readLimited(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxUpstreamBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxUpstreamBytes {
		return nil, errors.WrapTransient(
			fmt.Errorf("response exceeds %d bytes", maxUpstreamBytes),
			"Gateway", "readLimited", "service response")
	}
	return body, nil
}

// relayUpstreamError passes a service's own error object through with
// the owning service tagged. Locations are dropped: they index into
// the rewritten sub-operation, not the document the client sent.
func relayUpstreamError(service string, raw map[string]interface{}) map[string]interface{} {
	delete(raw, "locations")
	ext, _ := raw["extensions"].(map[string]interface{})
	if ext == nil {
		ext = map[string]interface{}{}
	}
	ext["service"] = service
	raw["extensions"] = ext
	return raw
}

func typenameValue(op ast.Operation) json.RawMessage {
	if op == ast.Mutation {
		return json.RawMessage(`"Mutation"`)
	}
	return json.RawMessage(`"Query"`)
}

// renderEnvelope writes the response body with top-level keys in
// request order. A null under a non-null key nulls the whole data
// object, matching propagation inside a single service.
func renderEnvelope(pl *plan, values map[string]json.RawMessage, errs []interface{}) gatewayResponse {
	dataNull := false
	for _, rk := range pl.order {
		if rk.nonNull && isNullValue(values[rk.key]) {
			dataNull = true
			break
		}
	}

	var buf bytes.Buffer
	buf.WriteString(`{"data":`)
	if dataNull {
		buf.WriteString("null")
	} else {
		buf.WriteByte('{')
		for i, rk := range pl.order {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, _ := json.Marshal(rk.key)
			buf.Write(key)
			buf.WriteByte(':')
			if raw := values[rk.key]; len(raw) > 0 {
				buf.Write(raw)
			} else {
				buf.WriteString("null")
			}
		}
		buf.WriteByte('}')
	}

	if len(errs) > 0 {
		encoded, err := json.Marshal(errs)
		if err != nil {
			encoded = []byte(`[{"message":"error serialization failed","extensions":{"code":"INTERNAL_ERROR"}}]`)
		}
		buf.WriteString(`,"errors":`)
		buf.Write(encoded)
	}
	buf.WriteByte('}')

	return gatewayResponse{
		status:      http.StatusOK,
		contentType: "application/json",
		body:        buf.Bytes(),
	}
}

func isNullValue(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
