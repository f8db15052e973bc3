// Package httpserver runs the billing HTTP API with graceful shutdown and
// provides liveness and readiness handlers.
//
// Run blocks until its context is canceled, then shuts the server down within
// Config.ShutdownTimeout so webhook deliveries in flight are finished rather
// than dropped:
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	srv := httpserver.New(cfg, router, log)
//	if err := srv.Run(ctx); err != nil {
//		log.Error("server failed", logger.Error(err))
//	}
package httpserver
