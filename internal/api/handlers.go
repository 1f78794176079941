package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/hsm-signing-gateway/internal/audit"
	"github.com/kenneth/hsm-signing-gateway/internal/hsm"
	"github.com/kenneth/hsm-signing-gateway/internal/signing"
)

// SigningService is the view of signing.Service used by the handlers.
type SigningService interface {
	Sign(ctx context.Context, providerID, dataHash string, opts hsm.SignOptions) (*hsm.SignResult, error)
	TestConnection(ctx context.Context, providerID string) (*hsm.ConnectionStatus, error)
	Providers() []signing.ProviderStatus
}

// Handler serves the admin API.
type Handler struct {
	service SigningService
	logger  *logrus.Logger
}

// NewHandler creates a new API handler.
func NewHandler(service SigningService, logger *logrus.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// SignRequest is the body of POST /v1/providers/{id}/sign.
type SignRequest struct {
	DataHash  string `json:"dataHash"`
	KeyID     string `json:"keyId,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/providers", h.handleListProviders).Methods(http.MethodGet)
	v1.HandleFunc("/providers/{id}/test", h.handleTestConnection).Methods(http.MethodPost)
	v1.HandleFunc("/providers/{id}/sign", h.handleSign).Methods(http.MethodPost)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": h.service.Providers()})
}

func (h *Handler) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status, err := h.service.TestConnection(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleSign(w http.ResponseWriter, r *http.Request) {
	requestID := audit.RequestIDFromContext(r.Context())
	id := mux.Vars(r)["id"]

	var req SignRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.logger.WithError(err).WithField("request_id", requestID).Debug("Rejected sign request body")
		withRequestID(ErrInvalidBody, requestID).WriteJSON(w)
		return
	}
	if strings.TrimSpace(req.DataHash) == "" {
		withRequestID(ErrMissingDataHash, requestID).WriteJSON(w)
		return
	}

	result, err := h.service.Sign(r.Context(), id, req.DataHash, hsm.SignOptions{
		KeyID:     req.KeyID,
		Algorithm: req.Algorithm,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := TranslateError(err, audit.RequestIDFromContext(r.Context()))
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"status":     apiErr.HTTPStatus,
			"request_id": apiErr.RequestID,
		}).Error("Request failed")
	}
	apiErr.WriteJSON(w)
}
