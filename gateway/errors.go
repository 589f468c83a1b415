package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/Peleke/MindMirror-sub002/errors"
)

// Extension codes attached to gateway-produced errors. Errors relayed
// from a service keep whatever code the service set.
const (
	codeValidationFailed = "GRAPHQL_VALIDATION_FAILED"
	codeBadRequest       = "BAD_REQUEST"
	codeTimeout          = "TIMEOUT"
	codeDeadlineExceeded = "DEADLINE_EXCEEDED"
	codeCancelled        = "CANCELLED"
	codeUnavailable      = "SERVICE_UNAVAILABLE"
	codeTransient        = "TRANSIENT_ERROR"
	codeInvalidInput     = "INVALID_INPUT"
	codeInvalidResponse  = "INVALID_RESPONSE"
	codeInternal         = "INTERNAL_ERROR"
)

// serviceError reports one response key lost to a failed service call.
// The owning service lands in extensions so clients can tell which
// subgraph misbehaved without the gateway leaking its address.
func serviceError(service, key string, err error) *gqlerror.Error {
	gqlErr := &gqlerror.Error{
		Path: ast.Path{ast.PathName(key)},
		Extensions: map[string]interface{}{
			"service": service,
		},
	}

	var (
		netErr  net.Error
		jsonErr *json.SyntaxError
	)
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		gqlErr.Message = fmt.Sprintf("service %s timed out", service)
		gqlErr.Extensions["code"] = codeDeadlineExceeded
	case stderrors.Is(err, context.Canceled):
		gqlErr.Message = fmt.Sprintf("request to service %s was cancelled", service)
		gqlErr.Extensions["code"] = codeCancelled
	case stderrors.As(err, &netErr) && netErr.Timeout():
		gqlErr.Message = fmt.Sprintf("service %s timed out", service)
		gqlErr.Extensions["code"] = codeTimeout
	case stderrors.As(err, &jsonErr):
		gqlErr.Message = fmt.Sprintf("service %s returned a malformed response", service)
		gqlErr.Extensions["code"] = codeInvalidResponse
	case errors.IsInvalid(err):
		gqlErr.Message = fmt.Sprintf("service %s rejected the request: %v", service, err)
		gqlErr.Extensions["code"] = codeInvalidInput
	case errors.IsTransient(err):
		gqlErr.Message = fmt.Sprintf("service %s is temporarily unavailable", service)
		gqlErr.Extensions["code"] = codeTransient
		gqlErr.Extensions["retryable"] = true
	default:
		gqlErr.Message = fmt.Sprintf("service %s is unavailable", service)
		gqlErr.Extensions["code"] = codeUnavailable
	}

	return gqlErr
}

func requestErrorf(code, format string, args ...interface{}) gqlerror.List {
	return gqlerror.List{{
		Message:    fmt.Sprintf(format, args...),
		Extensions: map[string]interface{}{"code": code},
	}}
}

// writeErrors renders the standard {"errors": [...]} envelope.
func writeErrors(w http.ResponseWriter, status int, errs gqlerror.List) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"errors": errs})
}
