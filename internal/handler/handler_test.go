package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nathanyu/qtrader/internal/domain"
	"github.com/nathanyu/qtrader/internal/middleware"
	"github.com/nathanyu/qtrader/internal/policy"
	"github.com/nathanyu/qtrader/internal/session"
	"github.com/nathanyu/qtrader/internal/state"
	"github.com/nathanyu/qtrader/internal/telemetry"
)

var key = state.Key{Cluster: 3, Position: 100, BestBid: 1000, BestOffer: 1002}

func setupRouter(t *testing.T, table *policy.ValueTable) (*gin.Engine, *session.StatusBoard) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	board := session.NewStatusBoard()
	board.SetRun("run-7", "train_learner", 3)
	board.Publish(session.Status{RunID: "run-7", Mode: "train_learner", Episode: 3, Policy: "SoftmaxQ", Rows: 42}, &domain.L2OrderBook{
		Bids: []domain.PriceLevel{{Price: 1000, Quantity: 300, Orders: 2}, {Price: 999, Quantity: 100, Orders: 1}},
		Asks: []domain.PriceLevel{{Price: 1002, Quantity: 200, Orders: 1}},
	})

	metrics := telemetry.NewMetrics()
	r := gin.New()
	r.Use(middleware.PrometheusMiddleware(metrics))
	r.Use(middleware.TracingMiddleware(noop.NewTracerProvider().Tracer("test"), slog.New(slog.NewTextHandler(io.Discard, nil))))

	h := NewHandler(board, func() *policy.ValueTable { return table }, metrics)
	h.RegisterRoutes(r)
	return r, board
}

func get(r *gin.Engine, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r, _ := setupRouter(t, nil)
	w := get(r, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"qtrader"`)
}

func TestGetStatus(t *testing.T) {
	r, _ := setupRouter(t, nil)
	w := get(r, "/v1/status")
	require.Equal(t, http.StatusOK, w.Code)

	var st session.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "run-7", st.RunID)
	assert.Equal(t, 3, st.Episode)
	assert.Equal(t, 42, st.Rows)
}

func TestGetL2OrderBook(t *testing.T) {
	r, _ := setupRouter(t, nil)

	var book domain.L2OrderBook
	w := get(r, "/v1/orderbook/L2?depth=1")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &book))
	assert.Len(t, book.Bids, 1)
	assert.Equal(t, domain.Price(1000), book.Bids[0].Price)

	w = get(r, "/v1/orderbook/L2?depth=abc")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &book))
	assert.Len(t, book.Bids, 2)
}

func TestGetValueTable(t *testing.T) {
	table := policy.NewValueTable()
	table.Set(key, domain.ActionPostBestOffer, 1.5)
	table.SetVisits(key, domain.ActionPostBestOffer, 4)
	r, _ := setupRouter(t, table)

	w := get(r, "/v1/qtable")
	require.Equal(t, http.StatusOK, w.Code)
	var rows []ValueRow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, key.String(), rows[0].State)
	assert.Equal(t, 1.5, rows[0].Values["BEST_OFFER"])
	assert.Equal(t, 4, rows[0].Visits["BEST_OFFER"])

	w = get(r, "/v1/qtable?state="+url.QueryEscape(key.String()))
	require.Equal(t, http.StatusOK, w.Code)

	other := state.Key{Cluster: 1, BestBid: 1000, BestOffer: 1001}
	w = get(r, "/v1/qtable?state="+url.QueryEscape(other.String()))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = get(r, "/v1/qtable?state=garbage")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetValueTable_NoPolicy(t *testing.T) {
	r, _ := setupRouter(t, nil)
	w := get(r, "/v1/qtable")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := setupRouter(t, nil)
	get(r, "/health")

	w := get(r, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "http_request_duration_seconds"), "request histogram exported")
	assert.Contains(t, body, `path="/health"`)
}
