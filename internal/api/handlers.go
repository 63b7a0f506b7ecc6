package api

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/orderbridge/internal/config"
	"github.com/ajitpratap0/orderbridge/internal/connector"
	"github.com/ajitpratap0/orderbridge/internal/exchange"
	"github.com/ajitpratap0/orderbridge/internal/order"
	"github.com/ajitpratap0/orderbridge/internal/reconcile"
	"github.com/ajitpratap0/orderbridge/internal/tracker"
)

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "orderbridge",
		"version": config.Version,
		"status":  "running",
		"time":    time.Now().UTC(),
	})
}

// handleGetHealth reports unhealthy when a connector lost trust or the audit
// database is unreachable
func (s *Server) handleGetHealth(c *gin.Context) {
	var problems []string
	for _, name := range s.connectorNames() {
		if !s.connectors[name].Trusted() {
			problems = append(problems, "connector "+name+" is untrusted")
		}
	}
	if s.audit != nil {
		if err := s.audit.Health(c.Request.Context()); err != nil {
			log.Warn().Err(err).Msg("Audit database health check failed")
			problems = append(problems, "audit database unavailable")
		}
	}

	if len(problems) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"problems": problems,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleGetStatus(c *gin.Context) {
	connectors := make([]gin.H, 0, len(s.connectors))
	for _, name := range s.connectorNames() {
		svc := s.connectors[name]
		connectors = append(connectors, gin.H{
			"name":          name,
			"trusted":       svc.Trusted(),
			"active_orders": len(svc.ActiveOrders()),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"version":    config.Version,
		"uptime":     time.Since(s.startTime).Seconds(),
		"connectors": connectors,
		"audit":      s.audit != nil,
	})
}

func (s *Server) handleListOrders(c *gin.Context) {
	svc, ok := s.connector(c)
	if !ok {
		return
	}

	orders := svc.ActiveOrders()
	if state := strings.ToUpper(c.Query("state")); state != "" {
		filtered := orders[:0]
		for _, o := range orders {
			if string(o.State) == state {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})

	c.JSON(http.StatusOK, gin.H{
		"connector": svc.Name(),
		"count":     len(orders),
		"orders":    orders,
	})
}

// handleGetOrder resolves a client or exchange order id, including recently
// released orders
func (s *Server) handleGetOrder(c *gin.Context) {
	svc, ok := s.connector(c)
	if !ok {
		return
	}

	snap, found := svc.Lookup(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleSubmitOrder(c *gin.Context) {
	svc, ok := s.connector(c)
	if !ok {
		return
	}

	var req exchange.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	req.Side = order.Side(strings.ToLower(string(req.Side)))
	req.Kind = order.Kind(strings.ToLower(string(req.Kind)))

	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := svc.Submit(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	snap, _ := svc.Lookup(id)
	c.JSON(http.StatusCreated, gin.H{
		"client_order_id": id,
		"order":           snap,
	})
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	svc, ok := s.connector(c)
	if !ok {
		return
	}

	id := c.Param("id")
	if snap, found := svc.Lookup(id); found {
		id = snap.ClientOrderID
	}
	if err := svc.Cancel(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}

	snap, _ := svc.Lookup(id)
	c.JSON(http.StatusAccepted, gin.H{
		"client_order_id": id,
		"order":           snap,
	})
}

func (s *Server) handleListFills(c *gin.Context) {
	svc, ok := s.connector(c)
	if !ok {
		return
	}
	if s.audit == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "audit trail is not enabled"})
		return
	}

	id := c.Param("id")
	if snap, found := svc.Lookup(id); found {
		id = snap.ClientOrderID
	}
	fills, err := s.audit.ListFills(c.Request.Context(), svc.Name(), id)
	if err != nil {
		log.Error().Err(err).Str("client_order_id", id).Msg("Failed to list fills")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list fills"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"client_order_id": id,
		"count":           len(fills),
		"fills":           fills,
	})
}

func (s *Server) connector(c *gin.Context) (OrderService, bool) {
	svc, ok := s.connectors[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown connector"})
		return nil, false
	}
	return svc, true
}

func (s *Server) connectorNames() []string {
	names := make([]string, 0, len(s.connectors))
	for name := range s.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// writeError maps connector and exchange errors to HTTP statuses
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, connector.ErrUntrusted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, tracker.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tracker.ErrDuplicateOrder), errors.Is(err, reconcile.ErrNotAcknowledged):
		status = http.StatusConflict
	default:
		switch exchange.KindOf(err) {
		case exchange.KindRejected:
			status = http.StatusUnprocessableEntity
		case exchange.KindTransient, exchange.KindAuth:
			status = http.StatusBadGateway
		}
	}

	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
