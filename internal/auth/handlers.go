package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	apperrors "github.com/fetchrelay/backend/internal/errors"
)

var ownerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,64}$`)

type RegisterRequest struct {
	OwnerID  string `json:"owner_id"`
	Password string `json:"password"`
}

type LoginRequest struct {
	OwnerID  string `json:"owner_id"`
	Password string `json:"password"`
}

// Handlers provides the HTTP surface for credential management.
type Handlers struct {
	authService *Service
}

func NewHandlers(authService *Service) *Handlers {
	return &Handlers{authService: authService}
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteError(w, requestID, apperrors.BadRequest("invalid request body"))
		return
	}

	if err := validateRegisterRequest(&req); err != nil {
		apperrors.WriteError(w, requestID, apperrors.ValidationError(err.Error()))
		return
	}

	resp, err := h.authService.Register(r.Context(), req.OwnerID, req.Password)
	if err != nil {
		apperrors.WriteError(w, requestID, apperrors.InternalError("failed to register owner").WithCause(err))
		return
	}

	apperrors.WriteJSON(w, requestID, http.StatusCreated, resp)
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteError(w, requestID, apperrors.BadRequest("invalid request body"))
		return
	}

	if req.OwnerID == "" || req.Password == "" {
		apperrors.WriteError(w, requestID, apperrors.ValidationError("owner_id and password are required"))
		return
	}

	resp, err := h.authService.Login(r.Context(), req.OwnerID, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			apperrors.WriteError(w, requestID, apperrors.Unauthorized("invalid owner or password"))
			return
		}
		apperrors.WriteError(w, requestID, apperrors.InternalError("login failed").WithCause(err))
		return
	}

	apperrors.WriteJSON(w, requestID, http.StatusOK, resp)
}

func validateRegisterRequest(req *RegisterRequest) error {
	if req.OwnerID == "" {
		return errors.New("owner_id is required")
	}
	if !ownerIDRegex.MatchString(req.OwnerID) {
		return errors.New("owner_id must be 3-64 characters of letters, digits, underscore, or hyphen")
	}
	if req.Password == "" {
		return errors.New("password is required")
	}
	if len(req.Password) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	return nil
}
