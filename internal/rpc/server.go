// Package rpc exposes the activation services as connect procedures.
package rpc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kkkkikiki/activation/internal/config"
	"github.com/kkkkikiki/activation/internal/jsoncodec"
	"github.com/kkkkikiki/activation/internal/service"
)

const ServiceName = "activation.v1.ActivationService"

const (
	ActivateProcedure         = "/" + ServiceName + "/Activate"
	CheckEligibilityProcedure = "/" + ServiceName + "/CheckEligibility"
	ApplyBenefitProcedure     = "/" + ServiceName + "/ApplyBenefit"
	ConfirmOrderProcedure     = "/" + ServiceName + "/ConfirmOrder"
	GetCampaignProcedure      = "/" + ServiceName + "/GetCampaign"
)

// Server implements the activation procedures
type Server struct {
	activations *service.ActivationService
	benefits    *service.BenefitService
	campaigns   *service.CampaignService
	logger      *zap.Logger

	trustedProxies []netip.Prefix
}

// NewServer creates a new Server instance
func NewServer(activations *service.ActivationService, benefits *service.BenefitService, campaigns *service.CampaignService, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		activations: activations,
		benefits:    benefits,
		campaigns:   campaigns,
		logger:      logger,
	}
}

// TrustProxies sets the peers whose X-Forwarded-For header is honoured
func (s *Server) TrustProxies(prefixes []netip.Prefix) *Server {
	s.trustedProxies = prefixes
	return s
}

// Activate resolves the caller's reward for a campaign
func (s *Server) Activate(
	ctx context.Context,
	req *connect.Request[ActivateRequest],
) (*connect.Response[ActivateResponse], error) {
	result, err := s.activations.Activate(ctx, service.Request{
		UserID:     req.Msg.UserID,
		CampaignID: req.Msg.CampaignID,
		IP:         clientIP(req.Header(), req.Peer().Addr, s.trustedProxies),
		UserAgent:  req.Header().Get("User-Agent"),
		Profile:    req.Msg.Profile,
	})
	if err != nil {
		return nil, toConnectError(err, ActivateProcedure, s.logger)
	}

	return connect.NewResponse(&ActivateResponse{
		ActivationID: result.ActivationID,
		HasReward:    result.HasReward,
		RewardID:     result.RewardID,
		RewardType:   result.RewardType,
		RewardValue:  result.RewardValue,
		Token:        result.Token,
		ExpiresAt:    result.ExpiresAt,
	}), nil
}

// CheckEligibility evaluates without reserving anything
func (s *Server) CheckEligibility(
	ctx context.Context,
	req *connect.Request[CheckEligibilityRequest],
) (*connect.Response[CheckEligibilityResponse], error) {
	res, err := s.activations.CheckEligibility(ctx, service.Request{
		UserID:     req.Msg.UserID,
		CampaignID: req.Msg.CampaignID,
		Profile:    req.Msg.Profile,
	})
	if err != nil {
		return nil, toConnectError(err, CheckEligibilityProcedure, s.logger)
	}

	return connect.NewResponse(&CheckEligibilityResponse{
		Eligible:        res.Eligible,
		Reason:          res.Reason,
		RemainingBudget: res.RemainingBudget,
	}), nil
}

// ApplyBenefit redeems a token against an order
func (s *Server) ApplyBenefit(
	ctx context.Context,
	req *connect.Request[ApplyBenefitRequest],
) (*connect.Response[BenefitResponse], error) {
	a, err := s.benefits.ApplyBenefit(ctx, req.Msg.OrderID, req.Msg.Token)
	if err != nil {
		return nil, toConnectError(err, ApplyBenefitProcedure, s.logger)
	}
	return connect.NewResponse(&BenefitResponse{ActivationID: a.ID, Status: a.Status}), nil
}

// ConfirmOrder marks the order's benefit converted
func (s *Server) ConfirmOrder(
	ctx context.Context,
	req *connect.Request[ConfirmOrderRequest],
) (*connect.Response[BenefitResponse], error) {
	a, err := s.benefits.ConfirmOrder(ctx, req.Msg.OrderID)
	if err != nil {
		return nil, toConnectError(err, ConfirmOrderProcedure, s.logger)
	}
	return connect.NewResponse(&BenefitResponse{ActivationID: a.ID, Status: a.Status}), nil
}

// GetCampaign returns the campaign with rewards and grant counts
func (s *Server) GetCampaign(
	ctx context.Context,
	req *connect.Request[GetCampaignRequest],
) (*connect.Response[GetCampaignResponse], error) {
	summary, err := s.campaigns.GetCampaign(ctx, req.Msg.CampaignID)
	if err != nil {
		return nil, toConnectError(err, GetCampaignProcedure, s.logger)
	}
	return connect.NewResponse(summary), nil
}

// Handler mounts every procedure under the service path
func (s *Server) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{jsoncodec.Option()}, opts...)

	mux := http.NewServeMux()
	mux.Handle(ActivateProcedure, connect.NewUnaryHandler(ActivateProcedure, s.Activate, opts...))
	mux.Handle(CheckEligibilityProcedure, connect.NewUnaryHandler(CheckEligibilityProcedure, s.CheckEligibility, opts...))
	mux.Handle(ApplyBenefitProcedure, connect.NewUnaryHandler(ApplyBenefitProcedure, s.ApplyBenefit, opts...))
	mux.Handle(ConfirmOrderProcedure, connect.NewUnaryHandler(ConfirmOrderProcedure, s.ConfirmOrder, opts...))
	mux.Handle(GetCampaignProcedure, connect.NewUnaryHandler(GetCampaignProcedure, s.GetCampaign, opts...))
	return "/" + ServiceName + "/", mux
}

// NewMux wires the procedures, health checks and metrics endpoint
func NewMux(srv *Server, db *sqlx.DB, maxRPS int, logger *zap.Logger) *http.ServeMux {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()

	path, handler := srv.Handler(connect.WithInterceptors(
		NewLoggingInterceptor(logger),
		NewAdmissionInterceptor(NewLimiter(maxRPS)),
	))
	mux.Handle(path, handler)

	// Add health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		hostname, _ := os.Hostname()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","service":"activation-engine","hostname":%q}`, hostname)
	})

	// Add database health check endpoint
	mux.HandleFunc("/health/db", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.PingContext(r.Context()); err != nil {
			logger.Warn("database health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","message":"database unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","database":"connected"}`))
	})

	// Add Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// NewHTTPServer serves handler over HTTP/1.1 and cleartext HTTP/2
func NewHTTPServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:           cfg.GetServerAddr(),
		ReadTimeout:    time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
		// Use h2c so we can serve HTTP/2 without TLS
		Handler: h2c.NewHandler(handler, &http2.Server{
			MaxConcurrentStreams: 1000,
		}),
	}
}

// clientIP returns the peer host unless the peer is a trusted proxy. Behind
// trusted proxies X-Forwarded-For is walked right to left and the first
// untrusted hop is the client.
func clientIP(header http.Header, peer string, trusted []netip.Prefix) string {
	host := peer
	if h, _, err := net.SplitHostPort(peer); err == nil {
		host = h
	}
	if !isTrusted(host, trusted) {
		return host
	}

	hops := strings.Split(strings.Join(header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			return host
		}
		addr = addr.Unmap()
		if i == 0 || !isTrusted(addr.String(), trusted) {
			return addr.String()
		}
	}
	return host
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
