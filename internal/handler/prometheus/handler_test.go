package prometheus

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/bulk-mail/pkg/metrics"
)

func TestMiddlewareAndScrape(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := metrics.New("bulk_mail")
	h, err := New(m)
	require.NoError(t, err)

	r := gin.New()
	r.Use(h.Middleware())
	r.GET("/campaigns/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", h.Handler())

	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/campaigns/"+id, nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/campaigns/:id", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "unmatched", "404")))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `bulk_mail_http_requests_total{method="GET",path="/campaigns/:id",status="200"} 2`)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
