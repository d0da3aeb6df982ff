package api

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		feeGroup := v1.Group("/fees")
		{
			feeGroup.POST("/calculate", s.handleCalculateFee)
		}

		v1.GET("/borrow-rates/:ticker", s.handleGetBorrowRate)
		v1.GET("/health", s.handleGetHealth)

		admin := v1.Group("/admin")
		{
			admin.PUT("/brokers/:client_id", s.handleUpsertBroker)
			admin.PUT("/min-rates/:ticker", s.handleSetMinRate)
		}
	}

	s.router.GET("/", s.handleRoot)
}
