package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/pkg/retry"
	"github.com/Peleke/MindMirror-sub002/platform"
	"github.com/Peleke/MindMirror-sub002/testutil"
)

func fastRetry(attempts int) retry.Config {
	return retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestHTTPDeployerDeploysService(t *testing.T) {
	runner := testutil.NewStubRunner(t)
	runner.SetServiceURL("journal", "http://journal.dev.internal:8000")

	d, err := NewHTTPDeployer(runner.URL(),
		WithRunnerToken("runner-secret"),
		WithRunnerRetry(fastRetry(1)))
	require.NoError(t, err)

	url, err := d.DeployService(context.Background(), platform.EnvDev, platform.ServiceVersion{
		Name:   "journal",
		Image:  "registry.test/journal",
		Tag:    "v1.2.3",
		GitSHA: "abc123",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://journal.dev.internal:8000", url)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/deploy", calls[0].Path)
	assert.Equal(t, "dev", calls[0].Environment)
	assert.Equal(t, "journal", calls[0].Service)
	assert.Equal(t, "registry.test/journal", calls[0].Image)
	assert.Equal(t, "v1.2.3", calls[0].Tag)
	assert.Equal(t, "abc123", calls[0].GitSHA)
	assert.Equal(t, "Bearer runner-secret", calls[0].Authorization)
}

func TestHTTPDeployerRollsGateway(t *testing.T) {
	runner := testutil.NewStubRunner(t)
	runner.SetGatewayURL("http://gateway.staging.internal:8080")

	d, err := NewHTTPDeployer(runner.URL(), WithRunnerRetry(fastRetry(1)))
	require.NoError(t, err)

	url, err := d.DeployGateway(context.Background(), platform.EnvStaging, "sha256:feed")
	require.NoError(t, err)
	assert.Equal(t, "http://gateway.staging.internal:8080", url)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/gateway", calls[0].Path)
	assert.Equal(t, "staging", calls[0].Environment)
	assert.Equal(t, "sha256:feed", calls[0].SupergraphHash)
	assert.Empty(t, calls[0].Authorization)
}

func TestHTTPDeployerRetriesServerErrors(t *testing.T) {
	runner := testutil.NewStubRunner(t)
	runner.FailNext(2)

	d, err := NewHTTPDeployer(runner.URL(), WithRunnerRetry(fastRetry(3)))
	require.NoError(t, err)

	url, err := d.DeployService(context.Background(), platform.EnvDev, platform.ServiceVersion{
		Name: "habits", Image: "registry.test/habits", Tag: "v2",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.Len(t, runner.Calls(), 3)
}

func TestHTTPDeployerRetriesStateLock(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusLocked)
			fmt.Fprint(w, `{"error":"state lock held by run 42"}`)
			return
		}
		fmt.Fprint(w, `{"url":"http://meals.dev.internal:8000"}`)
	}))
	defer srv.Close()

	d, err := NewHTTPDeployer(srv.URL, WithRunnerRetry(fastRetry(3)))
	require.NoError(t, err)

	url, err := d.DeployService(context.Background(), platform.EnvDev, platform.ServiceVersion{
		Name: "meals", Image: "registry.test/meals", Tag: "v1",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://meals.dev.internal:8000", url)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestHTTPDeployerClientErrorIsFinal(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"unknown image registry"}`)
	}))
	defer srv.Close()

	d, err := NewHTTPDeployer(srv.URL, WithRunnerRetry(fastRetry(3)))
	require.NoError(t, err)

	_, err = d.DeployService(context.Background(), platform.EnvDev, platform.ServiceVersion{
		Name: "users", Image: "bogus/users", Tag: "v1",
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
	assert.True(t, stderrors.Is(err, errors.ErrInvalidData))
	assert.Contains(t, err.Error(), "unknown image registry")
}

func TestHTTPDeployerMissingURLIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	d, err := NewHTTPDeployer(srv.URL, WithRunnerRetry(fastRetry(1)))
	require.NoError(t, err)

	_, err = d.DeployService(context.Background(), platform.EnvDev, platform.ServiceVersion{
		Name: "journal", Image: "registry.test/journal", Tag: "v1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without a URL")
}

func TestNewHTTPDeployerValidation(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{name: "empty", url: ""},
		{name: "no scheme", url: "runner.internal:9000"},
		{name: "no host", url: "http://"},
		{name: "wrong scheme", url: "nats://runner.internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHTTPDeployer(tt.url)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestStaticDeployer(t *testing.T) {
	d := NewStaticDeployer(map[string]string{
		"journal": "http://journal.test:8000",
	}, "http://gateway.test:8080")

	url, err := d.DeployService(context.Background(), platform.EnvDev, platform.ServiceVersion{Name: "journal"})
	require.NoError(t, err)
	assert.Equal(t, "http://journal.test:8000", url)

	_, err = d.DeployService(context.Background(), platform.EnvDev, platform.ServiceVersion{Name: "habits"})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrURLUnresolved))

	d.SetURL("habits", "http://habits.test:8000")
	url, err = d.DeployService(context.Background(), platform.EnvDev, platform.ServiceVersion{Name: "habits"})
	require.NoError(t, err)
	assert.Equal(t, "http://habits.test:8000", url)

	gw, err := d.DeployGateway(context.Background(), platform.EnvDev, "sha256:cafe")
	require.NoError(t, err)
	assert.Equal(t, "http://gateway.test:8080", gw)

	empty := NewStaticDeployer(nil, "")
	_, err = empty.DeployGateway(context.Background(), platform.EnvDev, "sha256:cafe")
	require.Error(t, err)
}
