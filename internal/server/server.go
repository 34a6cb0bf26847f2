package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/hourmeter/internal/config"
	instancedomain "github.com/smallbiznis/hourmeter/internal/instance/domain"
	ledgerdomain "github.com/smallbiznis/hourmeter/internal/ledger/domain"
	meteringdomain "github.com/smallbiznis/hourmeter/internal/metering/domain"
	"github.com/smallbiznis/hourmeter/internal/observability"
	obsmiddleware "github.com/smallbiznis/hourmeter/internal/observability/logger"
	obstracing "github.com/smallbiznis/hourmeter/internal/observability/tracing"
	"github.com/smallbiznis/hourmeter/internal/scheduler"
	"go.uber.org/fx"
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	instanceSvc instancedomain.Service
	ledgerSvc   ledgerdomain.Service
	meteringSvc meteringdomain.Service
	scheduler   *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	InstanceSvc instancedomain.Service
	LedgerSvc   ledgerdomain.Service
	MeteringSvc meteringdomain.Service
	Scheduler   *scheduler.Scheduler `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		instanceSvc: p.InstanceSvc,
		ledgerSvc:   p.LedgerSvc,
		meteringSvc: p.MeteringSvc,
		scheduler:   p.Scheduler,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/instances", s.registerInstance)
	v1.DELETE("/instances/:instance_id", s.deregisterInstance)

	org := v1.Group("/organizations/:org_id")
	org.GET("/wallet", s.walletBalance)
	org.POST("/wallet/credits", s.creditWallet)
	org.GET("/billing/records", s.billingHistory)
	org.GET("/billing/summary", s.billingSummary)

	v1.POST("/scheduler/run", s.triggerRun)
	v1.GET("/scheduler/last-run", s.lastRun)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

func parseID(raw string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
