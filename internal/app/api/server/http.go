package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/entitlement/docs"
	"github.com/fatflowers/entitlement/internal/app/api/handlers"
	mw "github.com/fatflowers/entitlement/internal/app/api/middleware"
	"github.com/fatflowers/entitlement/internal/app/service/membership"
	nh "github.com/fatflowers/entitlement/internal/app/service/notification_handler"
	"github.com/fatflowers/entitlement/internal/app/service/statistics"
	subsvc "github.com/fatflowers/entitlement/internal/app/service/subscription"
	cfgpkg "github.com/fatflowers/entitlement/pkg/config"
	"github.com/fatflowers/entitlement/pkg/metrics"
)

// AdminRole is the token role allowed on /api/v1/admin.
const AdminRole = "service_role"

func newEngine(cfg *cfgpkg.Config) *gin.Engine {
	if cfg != nil && cfg.Env == cfgpkg.EnvProd {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	// Add request tracing middleware only; request logger & access log are attached per group in registerRoutes
	r.Use(mw.TraceMiddleware())
	return r
}

func newPrometheus(reg *prometheus.Registry, log *zap.SugaredLogger) *metrics.Prometheus {
	return metrics.NewPrometheus(metrics.NewPrometheusOptions{
		Subsystem: "http",
		Registry:  reg,
		Logger:    log,
	})
}

type routeParams struct {
	fx.In

	Log        *zap.SugaredLogger
	Cfg        *cfgpkg.Config
	Prom       *metrics.Prometheus
	Webhooks   *nh.NotificationHandler
	Membership *membership.Service
	Repo       *subsvc.Repository
	Stats      *statistics.Service
}

func registerRoutes(r *gin.Engine, p routeParams) {
	r.Use(p.Prom.HandlerFunc())

	// Public group: request logger + access log
	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(p.Log), mw.AccessLogMiddleware())
	handlers.RegisterHealthRoutes(pub)
	// Swagger UI
	docs.SwaggerInfo.BasePath = "/"
	pub.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	apiV1 := r.Group("/api/v1")
	apiV1.Use(mw.RequestLoggerMiddleware(p.Log), mw.AccessLogMiddleware())

	// Provider webhooks authenticate with shared secrets or signatures
	handlers.RegisterWebhookRoutes(apiV1.Group("/webhooks"), p.Webhooks, p.Cfg)

	member := apiV1.Group("/membership")
	member.Use(mw.AuthMiddleware(p.Cfg.Auth.JWTSecret))
	handlers.RegisterMembershipRoutes(member, p.Membership)

	admin := apiV1.Group("/admin")
	admin.Use(mw.AuthMiddleware(p.Cfg.Auth.JWTSecret), mw.RequireRole(AdminRole))
	handlers.RegisterAdminRoutes(admin, p.Repo, p.Stats)
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	appendServerHooks(lc, log, "http", srv)
}

// runMetricsServer serves the registry on its own listener so scrapes never
// pass through the public router.
func runMetricsServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, p *metrics.Prometheus) {
	if cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(p.MetricsPath, p.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	appendServerHooks(lc, log, "metrics", srv)
}

func appendServerHooks(lc fx.Lifecycle, log *zap.SugaredLogger, name string, srv *http.Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting server", "name", name, "addr", srv.Addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorf("%s server error: %v", name, err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping server", "name", name)
			shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(newEngine, newPrometheus),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
	fx.Invoke(runMetricsServer),
)
