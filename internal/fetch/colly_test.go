package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/moviemeta/titlecrawler/internal/crawler"
)

func TestCollyClient_FetchSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"ok":true}}`)
	}))
	defer srv.Close()

	client, err := NewCollyClient(Config{Timeout: 5 * time.Second, UserAgent: "crawler-test"}, zap.NewNop())
	require.NoError(t, err)

	result, err := client.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeSuccess, result.Outcome)
	require.Equal(t, []byte(`{"data":{"ok":true}}`), result.Body)
}

func TestCollyClient_FetchClassifiesThrottling(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewCollyClient(Config{Timeout: 5 * time.Second}, zap.NewNop())
	require.NoError(t, err)

	result, err := client.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeRateLimited, result.Outcome)
	require.Equal(t, 2*time.Second, result.RetryAfter)
}

func TestCollyClient_CanceledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client, err := NewCollyClient(Config{Timeout: 5 * time.Second}, zap.NewNop())
	require.NoError(t, err)

	_, err = client.Fetch(ctx, srv.URL)
	require.Error(t, err)
}
