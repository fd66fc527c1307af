package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/escrowd/internal/config"
	escrowdomain "github.com/smallbiznis/escrowd/internal/escrow/domain"
	"github.com/smallbiznis/escrowd/internal/escrow/funding"
	handshakedomain "github.com/smallbiznis/escrowd/internal/handshake/domain"
	"github.com/smallbiznis/escrowd/internal/handshake/relay"
	identitydomain "github.com/smallbiznis/escrowd/internal/identity/domain"
	"github.com/smallbiznis/escrowd/internal/observability"
	obsmiddleware "github.com/smallbiznis/escrowd/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/escrowd/internal/observability/metrics"
	obstracing "github.com/smallbiznis/escrowd/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/escrowd/internal/paymentnetwork/domain"
	"github.com/smallbiznis/escrowd/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, allowedOrigin string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(CORS(allowedOrigin))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics, cfg.CORSAllowedOrigin)
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// FundingStarter opens the task payment handshake for an escrow.
type FundingStarter interface {
	StartFunding(ctx context.Context, req escrowdomain.FundingRequest) (handshakedomain.Flow, error)
}

type Server struct {
	engine    *gin.Engine
	log       *zap.Logger
	policy    *config.PaymentPolicyHolder
	network   paymentdomain.Client
	handshake handshakedomain.Service
	relay     *relay.Relay
	identity  identitydomain.Service
	escrow    escrowdomain.Service
	funding   FundingStarter
	limiter   *ratelimit.Limiter
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Log       *zap.Logger
	Policy    *config.PaymentPolicyHolder
	Network   paymentdomain.Client
	Handshake handshakedomain.Service
	Relay     *relay.Relay
	Identity  identitydomain.Service
	Escrow    escrowdomain.Service
	Funding   *funding.Starter
	Limiter   *ratelimit.Limiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:    p.Gin,
		log:       p.Log.Named("http.server"),
		policy:    p.Policy,
		network:   p.Network,
		handshake: p.Handshake,
		relay:     p.Relay,
		identity:  p.Identity,
		escrow:    p.Escrow,
		funding:   p.Funding,
		limiter:   p.Limiter,
	}

	svc.registerAuthRoutes()
	svc.registerNetworkRoutes()
	svc.registerFlowRoutes()
	svc.registerEscrowRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAuthRoutes() {
	s.engine.POST("/auth/pi", s.rateLimit(ratelimit.ScopeAuth, clientIPSubject), s.AuthenticatePi)
}

// Server-key proxies to the payment network for the browser client.
func (s *Server) registerNetworkRoutes() {
	a2u := s.engine.Group("/a2u-payments")
	a2u.POST("/create", s.CreateA2UPayment)
	a2u.POST("/:id/submit", s.SubmitA2UPayment)
	a2u.POST("/:id/complete", s.CompleteNetworkPayment)
	a2u.GET("/:id", s.GetNetworkPayment)

	payments := s.engine.Group("/payments")
	payments.POST("/:id/approve", s.ApproveNetworkPayment)
	payments.POST("/:id/complete", s.CompleteNetworkPayment)
	payments.POST("/:id/cancel", s.CancelNetworkPayment)
	payments.GET("/:id", s.GetNetworkPayment)
}

func (s *Server) registerFlowRoutes() {
	flows := s.engine.Group("/payment-flows")
	flows.POST("", s.rateLimit(ratelimit.ScopeFlowStart, bodyUIDSubject), s.CreatePaymentFlow)
	flows.GET("/:flow_id", s.GetPaymentFlow)
	flows.POST("/:flow_id/ready-for-approval", s.PaymentFlowReadyForApproval)
	flows.POST("/:flow_id/ready-for-completion", s.PaymentFlowReadyForCompletion)
	flows.POST("/:flow_id/cancel", s.CancelPaymentFlow)
	flows.POST("/:flow_id/error", s.PaymentFlowError)
}

func (s *Server) registerEscrowRoutes() {
	tasks := s.engine.Group("/tasks/:task_id")
	tasks.POST("/bids/:bid_id/accept", s.AcceptBid)
	tasks.POST("/escrow", s.rateLimit(ratelimit.ScopeFlowStart, bodyUIDSubject), s.StartEscrowFunding)
	tasks.GET("/escrow", s.GetTaskEscrow)

	escrows := s.engine.Group("/escrows/:id")
	escrows.GET("", s.GetEscrow)
	escrows.POST("/fund", s.FundEscrow)
	escrows.POST("/release", s.ReleaseEscrow)
	escrows.POST("/refund", s.RefundEscrow)
}
