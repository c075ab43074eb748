package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nmslite/agentprov/internal/model"
	"github.com/nmslite/agentprov/internal/store"
)

// Installer runs one installation to completion.
type Installer interface {
	Install(ctx context.Context, target model.ConnectionTarget) *model.InstallationResult
}

// InstallationRequest is the body of POST /api/v1/installations.
type InstallationRequest struct {
	Host             string            `json:"host" validate:"required,hostname_rfc1123|ip"`
	OSType           string            `json:"os_type" validate:"required,oneof=linux windows"`
	Username         string            `json:"username" validate:"required,max=256"`
	Password         string            `json:"password,omitempty"`
	PrivateKey       string            `json:"private_key,omitempty"`
	Passphrase       string            `json:"passphrase,omitempty"`
	Domain           string            `json:"domain,omitempty" validate:"max=255"`
	PreferredPorts   PreferredPorts    `json:"preferred_ports"`
	UseSSL           bool              `json:"use_ssl"`
	CollectorProfile string            `json:"collector_profile,omitempty" validate:"omitempty,oneof=recommended full minimal"`
	BasicAuth        *BasicAuthRequest `json:"basic_auth,omitempty"`
}

type PreferredPorts struct {
	SSH   int `json:"ssh,omitempty" validate:"omitempty,min=1,max=65535"`
	WinRM int `json:"winrm,omitempty" validate:"omitempty,min=1,max=65535"`
	SMB   int `json:"smb,omitempty" validate:"omitempty,min=1,max=65535"`
}

type BasicAuthRequest struct {
	User     string `json:"user" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Validate requires a password or a private key. The Windows executors
// other than SSH authenticate with a password only.
func (req *InstallationRequest) Validate() error {
	if req.Password == "" && req.PrivateKey == "" {
		return errors.New("either password or private_key is required")
	}
	if req.OSType == string(model.OSWindows) && req.Password == "" {
		return errors.New("password is required for windows targets")
	}
	return nil
}

// Target converts the request into a connection target.
func (req *InstallationRequest) Target() model.ConnectionTarget {
	profile := model.Profile(req.CollectorProfile)
	if profile == "" {
		profile = model.ProfileRecommended
	}
	t := model.ConnectionTarget{
		Host:   req.Host,
		Domain: req.Domain,
		OS:     model.ParseOSType(req.OSType),
		Credentials: model.Credentials{
			Username:   req.Username,
			Password:   req.Password,
			PrivateKey: req.PrivateKey,
			Passphrase: req.Passphrase,
		},
		Ports: model.Ports{
			SSH:   req.PreferredPorts.SSH,
			WinRM: req.PreferredPorts.WinRM,
			SMB:   req.PreferredPorts.SMB,
		},
		UseTLS:  req.UseSSL,
		Profile: profile,
	}
	if req.BasicAuth != nil {
		t.BasicAuth = &model.BasicAuth{Username: req.BasicAuth.User, Password: req.BasicAuth.Password}
	}
	return t
}

type InstallationHandler struct {
	installer Installer
	store     store.Store
	logger    *slog.Logger
}

func NewInstallationHandler(installer Installer, st store.Store, logger *slog.Logger) *InstallationHandler {
	return &InstallationHandler{installer: installer, store: st, logger: logger}
}

// Create handles POST /api/v1/installations. It blocks until the
// installation finished and answers 200 with the result either way.
func (h *InstallationHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[InstallationRequest](w, r)
	if !ok {
		return
	}

	result := h.installer.Install(r.Context(), req.Target())

	if err := h.store.Save(context.WithoutCancel(r.Context()), result); err != nil {
		h.logger.Error("Failed to save installation result", "installation_id", result.ID, "error", err)
	}
	sendJSON(w, http.StatusOK, result)
}

// List handles GET /api/v1/installations
func (h *InstallationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := store.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			sendError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 1000", nil)
			return
		}
		limit = n
	}

	results, err := h.store.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list installations", "error", err)
		sendError(w, r, http.StatusInternalServerError, "DB_ERROR", "Database error", nil)
		return
	}
	sendListResponse(w, results, len(results))
}

// Get handles GET /api/v1/installations/{id}
func (h *InstallationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		sendError(w, r, http.StatusBadRequest, "INVALID_ID", "Invalid UUID format", nil)
		return
	}

	result, err := h.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", "Installation not found", nil)
		return
	}
	if err != nil {
		h.logger.Error("Failed to get installation", "installation_id", id, "error", err)
		sendError(w, r, http.StatusInternalServerError, "DB_ERROR", "Database error", nil)
		return
	}
	sendJSON(w, http.StatusOK, result)
}
