package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nathanyu/qtrader/internal/domain"
	"github.com/nathanyu/qtrader/internal/policy"
	"github.com/nathanyu/qtrader/internal/session"
	"github.com/nathanyu/qtrader/internal/state"
	"github.com/nathanyu/qtrader/internal/telemetry"
)

// StatusSource is what the monitor reads session state from.
type StatusSource interface {
	Status() session.Status
	OrderBook(depth int) *domain.L2OrderBook
}

// Handler holds the HTTP handler dependencies.
type Handler struct {
	board   StatusSource
	table   func() *policy.ValueTable
	metrics *telemetry.Metrics
}

// NewHandler creates a new Handler. table returns the value table of the
// policy currently running, or nil before the first episode.
func NewHandler(board StatusSource, table func() *policy.ValueTable, metrics *telemetry.Metrics) *Handler {
	return &Handler{
		board:   board,
		table:   table,
		metrics: metrics,
	}
}

// RegisterRoutes sets up the Gin routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	{
		v1.GET("/status", h.GetStatus)
		v1.GET("/orderbook/L2", h.GetL2OrderBook)
		v1.GET("/qtable", h.GetValueTable)
	}
}

// Health returns a health check response.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "qtrader",
	})
}

// GetStatus handles GET /v1/status.
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.board.Status())
}

// GetL2OrderBook handles GET /v1/orderbook/L2.
func (h *Handler) GetL2OrderBook(c *gin.Context) {
	depthStr := c.DefaultQuery("depth", "10")
	depth, err := strconv.Atoi(depthStr)
	if err != nil || depth <= 0 {
		depth = 10
	}

	c.JSON(http.StatusOK, h.board.OrderBook(depth))
}

// ValueRow is one state of the value table. Unset actions are omitted.
type ValueRow struct {
	State  string             `json:"state"`
	Values map[string]float64 `json:"values"`
	Visits map[string]int     `json:"visits,omitempty"`
}

// GetValueTable handles GET /v1/qtable. With ?state= it returns that
// state's row only.
func (h *Handler) GetValueTable(c *gin.Context) {
	table := h.table()
	if table == nil {
		c.JSON(http.StatusOK, []ValueRow{})
		return
	}

	if s := c.Query("state"); s != "" {
		k, err := state.ParseKey(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		row := valueRow(table, k)
		if len(row.Values) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "state not found"})
			return
		}
		c.JSON(http.StatusOK, row)
		return
	}

	keys := table.States()
	rows := make([]ValueRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, valueRow(table, k))
	}
	c.JSON(http.StatusOK, rows)
}

func valueRow(table *policy.ValueTable, k state.Key) ValueRow {
	row := ValueRow{State: k.String(), Values: make(map[string]float64)}
	for a, v := range table.Row(k) {
		row.Values[a.String()] = v
	}
	for a, n := range table.VisitRow(k) {
		if row.Visits == nil {
			row.Visits = make(map[string]int)
		}
		row.Visits[a.String()] = n
	}
	return row
}
