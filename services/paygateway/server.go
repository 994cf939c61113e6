package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"supipay/crypto"
	"supipay/escrow"
	"supipay/gateway/middleware"
	"supipay/ledger"
	"supipay/observability/logging"
)

// paymentService is the orchestration surface the HTTP layer depends on.
// *escrow.Orchestrator satisfies it.
type paymentService interface {
	DirectPay(ctx context.Context, key *crypto.PrivateKey, req escrow.PaymentRequest) (*ledger.Receipt, error)
	InitiateProtected(ctx context.Context, key *crypto.PrivateKey, req escrow.PaymentRequest) (*escrow.ProtectedPayment, error)
	Release(ctx context.Context, key *crypto.PrivateKey, paymentID, code string) (*escrow.ReleaseResult, error)
	Cancel(ctx context.Context, key *crypto.PrivateKey, paymentID string) (*ledger.Receipt, error)
	Status(ctx context.Context, paymentID string) (*escrow.State, error)
	Inbox(ctx context.Context, wallet string) ([]*escrow.Metadata, error)
	InitiateSealed(ctx context.Context, key *crypto.PrivateKey, req escrow.PaymentRequest) (*escrow.SealedPayment, error)
	ReleaseSealed(ctx context.Context, paymentID, code string) (*ledger.Receipt, error)
	AddTrustline(ctx context.Context, key *crypto.PrivateKey, assetCode, assetIssuer string) (*ledger.Receipt, error)
}

// Server is the payment gateway's HTTP surface.
type Server struct {
	payments paymentService
	prefs    escrow.PreferenceStore
	obs      *middleware.Observability
	limiter  *middleware.RateLimiter
	cors     func(http.Handler) http.Handler
	log      *slog.Logger
	router   chi.Router
}

func NewServer(payments paymentService, prefs escrow.PreferenceStore, obs *middleware.Observability, limiter *middleware.RateLimiter, cors func(http.Handler) http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		payments: payments,
		prefs:    prefs,
		obs:      obs,
		limiter:  limiter,
		cors:     cors,
		log:      log,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	if s.cors != nil {
		r.Use(s.cors)
	}

	r.Get("/healthz", s.handleHealth)
	if s.obs != nil {
		r.Handle("/metrics", s.obs.MetricsHandler())
	}

	r.Route("/pay", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.instrument("pay"))
			r.Post("/direct", s.handleDirectPay)
			r.Post("/protected/initiate", s.handleInitiate)
			r.Post("/protected/release", s.handleRelease)
			r.Post("/protected/cancel", s.handleCancel)
			r.Post("/sealed/initiate", s.handleInitiateSealed)
			r.Post("/sealed/release", s.handleReleaseSealed)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.instrument("status"))
			r.Get("/protected/{paymentID}", s.handleStatus)
		})
	})

	r.Route("/wallets/{wallet}", func(r chi.Router) {
		r.Use(s.instrument("wallets"))
		r.Get("/inbox", s.handleInbox)
		r.Post("/preference", s.handlePreference)
		r.Post("/trustline", s.handleTrustline)
	})

	return r
}

func (s *Server) instrument(group string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := next
		if s.limiter != nil {
			h = s.limiter.Middleware(group)(h)
		}
		if s.obs != nil {
			h = s.obs.Middleware(group)(h)
		}
		return h
	}
}

type payRequest struct {
	SenderKey   string `json:"senderKey"`
	Receiver    string `json:"receiver"`
	Amount      string `json:"amount"`
	AssetCode   string `json:"assetCode"`
	AssetIssuer string `json:"assetIssuer,omitempty"`
}

type releaseRequest struct {
	ReceiverKey string `json:"receiverKey"`
	PaymentID   string `json:"paymentId"`
	Code        string `json:"code"`
}

type cancelRequest struct {
	SenderKey string `json:"senderKey"`
	PaymentID string `json:"paymentId"`
}

type sealedReleaseRequest struct {
	PaymentID string `json:"paymentId"`
	Code      string `json:"code"`
}

type trustlineRequest struct {
	Key         string `json:"key"`
	AssetCode   string `json:"assetCode"`
	AssetIssuer string `json:"assetIssuer,omitempty"`
}

type preferenceRequest struct {
	AssetCode   string `json:"assetCode"`
	AssetIssuer string `json:"assetIssuer,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDirectPay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if !decode(w, r, &req) {
		return
	}
	key, ok := s.parseKey(w, req.SenderKey)
	if !ok {
		return
	}
	receipt, err := s.payments.DirectPay(r.Context(), key, paymentRequest(req))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": receipt.Hash})
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if !decode(w, r, &req) {
		return
	}
	key, ok := s.parseKey(w, req.SenderKey)
	if !ok {
		return
	}
	res, err := s.payments.InitiateProtected(r.Context(), key, paymentRequest(req))
	if err != nil {
		s.writeError(w, err)
		return
	}
	// The one-time code travels in this response only.
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decode(w, r, &req) {
		return
	}
	key, ok := s.parseKey(w, req.ReceiverKey)
	if !ok {
		return
	}
	s.log.Info("release requested",
		"paymentId", req.PaymentID,
		logging.MaskField("code", req.Code))
	res, err := s.payments.Release(r.Context(), key, req.PaymentID, req.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decode(w, r, &req) {
		return
	}
	key, ok := s.parseKey(w, req.SenderKey)
	if !ok {
		return
	}
	receipt, err := s.payments.Cancel(r.Context(), key, req.PaymentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": receipt.Hash})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")
	state, err := s.payments.Status(r.Context(), paymentID)
	if err != nil {
		if errors.Is(err, escrow.ErrEscrowNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "escrow not found"})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleInitiateSealed(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if !decode(w, r, &req) {
		return
	}
	key, ok := s.parseKey(w, req.SenderKey)
	if !ok {
		return
	}
	res, err := s.payments.InitiateSealed(r.Context(), key, paymentRequest(req))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleReleaseSealed(w http.ResponseWriter, r *http.Request) {
	var req sealedReleaseRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := s.payments.ReleaseSealed(r.Context(), req.PaymentID, req.Code)
	if err != nil {
		if errors.Is(err, escrow.ErrEscrowNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "sealed payment not found"})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": receipt.Hash})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	items, err := s.payments.Inbox(r.Context(), wallet)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []*escrow.Metadata{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handlePreference(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	if _, err := crypto.DecodeAccountAddress(wallet); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid wallet address"})
		return
	}
	var req preferenceRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AssetCode) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "assetCode required"})
		return
	}
	if err := s.prefs.SetPreferredAsset(r.Context(), wallet, req.AssetCode, req.AssetIssuer); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleTrustline(w http.ResponseWriter, r *http.Request) {
	var req trustlineRequest
	if !decode(w, r, &req) {
		return
	}
	key, ok := s.parseKey(w, req.Key)
	if !ok {
		return
	}
	receipt, err := s.payments.AddTrustline(r.Context(), key, req.AssetCode, req.AssetIssuer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": receipt.Hash})
}

func (s *Server) parseKey(w http.ResponseWriter, raw string) (*crypto.PrivateKey, bool) {
	key, err := crypto.PrivateKeyFromHex(strings.TrimSpace(raw))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signing key"})
		return nil, false
	}
	return key, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusForKind(escrow.KindOf(err))
	s.log.Error("request failed", "status", status, "err", err)
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(escrow.KindOf(err)),
	})
}

// statusForKind maps the failure taxonomy onto transport statuses. Finality
// timeouts are gateway timeouts: the outcome is unknown and the client must
// re-query, not retry the mutation.
func statusForKind(kind escrow.Kind) int {
	switch kind {
	case escrow.KindValidation:
		return http.StatusBadRequest
	case escrow.KindResolution:
		return http.StatusUnprocessableEntity
	case escrow.KindSimulation, escrow.KindSwapUnavailable:
		return http.StatusConflict
	case escrow.KindFinalityTimeout:
		return http.StatusGatewayTimeout
	case escrow.KindMetadata:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func paymentRequest(req payRequest) escrow.PaymentRequest {
	return escrow.PaymentRequest{
		Receiver:    strings.TrimSpace(req.Receiver),
		Amount:      strings.TrimSpace(req.Amount),
		AssetCode:   req.AssetCode,
		AssetIssuer: req.AssetIssuer,
	}
}

func decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
