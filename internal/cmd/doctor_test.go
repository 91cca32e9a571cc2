package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gopds/internal/config"
	"github.com/3leaps/gopds/internal/observability"
)

func TestCheckDelegate(t *testing.T) {
	ctx := context.Background()

	t.Run("not configured", func(t *testing.T) {
		detail, err := checkDelegate(ctx, &config.Config{})
		require.NoError(t, err)
		assert.Contains(t, detail, "not configured")
	})

	t.Run("healthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		cfg := &config.Config{Delegate: config.DelegateConfig{BaseURL: srv.URL + "/"}}
		detail, err := checkDelegate(ctx, cfg)
		require.NoError(t, err)
		assert.Equal(t, srv.URL, detail)
	})

	t.Run("unhealthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := checkDelegate(ctx, &config.Config{Delegate: config.DelegateConfig{BaseURL: srv.URL}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})
}

func TestCheckStore(t *testing.T) {
	detail, err := checkStore(context.Background(), &config.Config{Store: config.StoreConfig{Driver: "memory"}})
	require.NoError(t, err)
	assert.Contains(t, detail, "memory")

	_, err = checkStore(context.Background(), &config.Config{Store: config.StoreConfig{Driver: "postgres"}})
	assert.Error(t, err)
}

func TestDoctorChecks(t *testing.T) {
	observability.InitCLILogger("test", false)

	cfg := &config.Config{PDS: config.PDSConfig{ServerID: "CLUSTER_A"}, Store: config.StoreConfig{Driver: "memory"}}
	for _, c := range doctorChecks() {
		t.Run(c.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, _ = c.run(context.Background(), cfg)
			})
		})
	}
}
