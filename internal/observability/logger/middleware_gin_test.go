package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/escrowd/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func requestLogEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{}))
	r.POST("/tasks/:task_id/escrow", func(c *gin.Context) {
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), "uid-creator"))
		c.Status(http.StatusCreated)
	})
	r.POST("/escrows/:id/release", func(c *gin.Context) { c.Status(http.StatusConflict) })
	r.GET("/a2u-payments/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/payment-flows/:flow_id", func(c *gin.Context) { c.Status(http.StatusAccepted) })
	return r
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestRequestLogCarriesActorAndTask(t *testing.T) {
	logs := observeGlobal(t)
	rec := serve(requestLogEngine(), http.MethodPost, "/tasks/T1/escrow")

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "uid-creator", fields["actor_id"])
	assert.Equal(t, "T1", fields["task_id"])
	assert.Equal(t, "/tasks/:task_id/escrow", fields["route"])
	assert.Equal(t, rec.Header().Get("X-Request-Id"), fields["request_id"])
	assert.NotContains(t, fields, "escrow_id")
	assert.NotContains(t, fields, "payment_id")
}

func TestRequestLogNamesEscrowAndPaymentIDs(t *testing.T) {
	logs := observeGlobal(t)
	r := requestLogEngine()
	serve(r, http.MethodPost, "/escrows/42/release")
	serve(r, http.MethodGet, "/a2u-payments/a2u_7")

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "42", entries[0].ContextMap()["escrow_id"])
	assert.NotContains(t, entries[0].ContextMap(), "payment_id")
	assert.Equal(t, "a2u_7", entries[1].ContextMap()["payment_id"])
	assert.Equal(t, "", entries[1].ContextMap()["actor_id"])
}

func TestPendingFlowPollLogsAtDebug(t *testing.T) {
	logs := observeGlobal(t)
	serve(requestLogEngine(), http.MethodGet, "/payment-flows/01HF")

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "01HF", entries[0].ContextMap()["flow_id"])
}
