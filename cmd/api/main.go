package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smartbus/internal/attendance"
	"smartbus/internal/auth"
	"smartbus/internal/binding"
	"smartbus/internal/config"
	"smartbus/internal/httpmiddleware"
	"smartbus/internal/metrics"
	"smartbus/internal/notify"
	"smartbus/internal/position"
	"smartbus/internal/qrtoken"
	"smartbus/internal/queue"
	"smartbus/internal/store"
	"smartbus/internal/student"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.Migrate(migrateCtx); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	} else {
		q = queue.NewInMemory(cfg.QueueSize)
	}

	positions := position.NewCache(position.NewRepository(db.Client))
	ledger := binding.NewLedger(db.Client)
	students := student.NewRepository(db.Client)
	records := attendance.NewRepository(db.Client)
	notifyLog := notify.NewRepository(db.Client)
	dispatcher := notify.NewDispatcher(q, notifyLog)

	verifier := attendance.NewVerifier(positions, ledger, students, records, dispatcher, attendance.Options{
		GeofenceRadiusM: cfg.GeofenceRadiusM,
		TokenMaxAge:     cfg.TokenMaxAge,
	})

	// The memory backend has no separate worker process, so delivery runs in
	// this one.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	if cfg.QueueBackend != "redis" {
		mailer := notify.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom, cfg.SMTPSkip)
		deliverer := notify.NewDeliverer(mailer, notifyLog, cfg.NotifyDeadline)
		msgs, err := q.Consume(workerCtx)
		if err != nil {
			return err
		}
		go deliverer.Run(workerCtx, msgs, cfg.WorkerCount)
		log.Printf("in-process delivery started with %d workers", cfg.WorkerCount)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.RateLimit(cfg.RateLimitPerSec, cfg.RateLimitBurst))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		dbHealthy := db.Healthy(c.Request.Context())
		redisHealthy := cfg.QueueBackend != "redis" || redisClient.Healthy(c.Request.Context())
		status := http.StatusOK
		if !dbHealthy || !redisHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "db": dbHealthy, "redis": redisHealthy})
	})

	r.POST("/v1/sessions", func(c *gin.Context) {
		var req struct {
			Subject string `json:"subject" binding:"required"`
			Role    string `json:"role" binding:"required"`
			BusID   string `json:"bus_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		switch req.Role {
		case auth.RoleStudent, auth.RoleDriver, auth.RoleAdmin:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
			return
		}
		token, exp, err := auth.Issue(req.Subject, req.Role, req.BusID, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"access_token": token, "expires_at": exp.Unix()})
	})

	studentGroup := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent))

	studentGroup.POST("/boardings", func(c *gin.Context) {
		claims, _ := auth.FromContext(c)
		studentID, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "session subject is not a student id"})
			return
		}

		var req struct {
			QRData   string  `json:"qr_data" binding:"required"`
			Lat      float64 `json:"lat"`
			Lng      float64 `json:"lng"`
			DeviceID string  `json:"device_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		rec, err := verifier.MarkBoarding(c.Request.Context(), studentID, req.QRData, req.Lat, req.Lng, req.DeviceID)
		if err != nil {
			writeBoardingError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"record": rec})
	})

	studentGroup.GET("/me/boardings", func(c *gin.Context) {
		claims, _ := auth.FromContext(c)
		studentID, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "session subject is not a student id"})
			return
		}
		limit := 50
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		recs, err := records.ListForStudent(c.Request.Context(), studentID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": recs})
	})

	driverGroup := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleDriver))

	driverGroup.POST("/heartbeats", func(c *gin.Context) {
		claims, _ := auth.FromContext(c)
		if claims.BusID == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "session has no assigned bus"})
			return
		}
		var req struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		pos := positions.Update(c.Request.Context(), claims.BusID, req.Lat, req.Lng, time.Now())
		metrics.HeartbeatsTotal.Inc()
		c.JSON(http.StatusOK, gin.H{"position": pos})
	})

	driverGroup.GET("/boarding-pass", func(c *gin.Context) {
		claims, _ := auth.FromContext(c)
		if claims.BusID == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "session has no assigned bus"})
			return
		}
		issued := time.Now()
		c.JSON(http.StatusOK, gin.H{
			"bus_id":    claims.BusID,
			"qr_data":   qrtoken.Encode(claims.BusID, issued),
			"issued_at": issued.Format(time.RFC3339),
		})
	})

	driverGroup.GET("/manifest", func(c *gin.Context) {
		claims, _ := auth.FromContext(c)
		if claims.BusID == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "session has no assigned bus"})
			return
		}
		now := time.Now()
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		recs, err := records.ListForBusSince(c.Request.Context(), claims.BusID, midnight)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"bus_id": claims.BusID, "date": now.Format("2006-01-02"), "records": recs})
	})

	staffGroup := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleDriver, auth.RoleAdmin))

	staffGroup.POST("/manual-records", func(c *gin.Context) {
		claims, _ := auth.FromContext(c)
		var req struct {
			Identifier string `json:"identifier" binding:"required"`
			BusID      string `json:"bus_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		busID := req.BusID
		if busID == "" {
			busID = claims.BusID
		}
		rec, err := verifier.ManualRecord(c.Request.Context(), busID, req.Identifier)
		if err != nil {
			if errors.Is(err, student.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "manual record failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"record": rec})
	})

	adminGroup := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleAdmin))

	adminGroup.POST("/students/:id/device-reset", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid student id"})
			return
		}
		claims, _ := auth.FromContext(c)
		if err := ledger.Reset(c.Request.Context(), id, claims.Subject); err != nil {
			if errors.Is(err, binding.ErrStudentNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "device reset failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "reset"})
	})

	adminGroup.GET("/notifications", func(c *gin.Context) {
		recipient := c.Query("recipient")
		if recipient == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "recipient query parameter required"})
			return
		}
		limit := 50
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		recs, err := notifyLog.ListByRecipient(c.Request.Context(), recipient, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"notifications": recs})
	})

	adminGroup.DELETE("/students/:id", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid student id"})
			return
		}
		claims, _ := auth.FromContext(c)
		name, err := students.Delete(c.Request.Context(), id, claims.Subject)
		if err != nil {
			if errors.Is(err, student.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "name": name})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}
	stopWorkers()

	log.Println("Server exited")
	return nil
}

// writeBoardingError maps a verification failure to an HTTP response.
func writeBoardingError(c *gin.Context, err error) {
	rej, ok := attendance.AsRejection(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}
	body := gin.H{"error": rej.Message, "code": string(rej.Code)}
	switch rej.Code {
	case attendance.RejectMalformedToken, attendance.RejectTokenExpired, attendance.RejectDeviceMissing:
		c.JSON(http.StatusBadRequest, body)
	case attendance.RejectDeviceMismatch, attendance.RejectDeviceLocked:
		c.JSON(http.StatusForbidden, body)
	case attendance.RejectGeofence:
		body["distance_m"] = rej.DistanceM
		c.JSON(http.StatusUnprocessableEntity, body)
	case attendance.RejectBusUnavailable:
		c.JSON(http.StatusServiceUnavailable, body)
	default:
		c.JSON(http.StatusBadRequest, body)
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
