package api

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/health", s.handleGetHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleGetStatus)

		orders := v1.Group("/connectors/:name/orders")
		{
			orders.GET("", s.handleListOrders)
			orders.POST("", s.handleSubmitOrder)
			orders.GET("/:id", s.handleGetOrder)
			orders.DELETE("/:id", s.handleCancelOrder)
			orders.GET("/:id/fills", s.handleListFills)
		}
	}
}
