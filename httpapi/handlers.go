package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/MrEthical07/magiclink"
	"github.com/go-playground/validator/v10"
)

type sendRequest struct {
	Email   string `json:"email" validate:"required,email,max=254"`
	Purpose string `json:"purpose" validate:"required"`
}

type sendResponse struct {
	ExpiresIn int64  `json:"expiresIn"`
	Warning   string `json:"warning,omitempty"`
}

type verifyRequest struct {
	Token string `json:"token" validate:"required,max=512"`
	Email string `json:"email" validate:"required,email,max=254"`
}

type verifyResponse struct {
	User         *magiclink.User `json:"user"`
	SessionToken string          `json:"sessionToken"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	IsNewUser    bool            `json:"isNewUser"`
}

func (h *handler) send(w http.ResponseWriter, r *http.Request) {
	var body sendRequest
	if err := h.decode(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	purpose, err := magiclink.ParsePurpose(body.Purpose)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.engine.SendMagicLink(r.Context(), body.Email, purpose)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, sendResponse{
		ExpiresIn: int64(res.ExpiresIn / time.Second),
		Warning:   res.Warning,
	})
}

func (h *handler) verify(w http.ResponseWriter, r *http.Request) {
	var body verifyRequest
	if err := h.decode(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.engine.VerifyMagicLink(r.Context(), body.Token, body.Email)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{
		User:         res.User,
		SessionToken: res.SessionToken,
		ExpiresAt:    res.ExpiresAt.UTC(),
		IsNewUser:    res.IsNewUser,
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	report := h.engine.Health(r.Context())
	status := http.StatusOK
	if report.Status == magiclink.HealthDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// decode reads a JSON body and validates its struct tags. Field failures
// map to the engine's validation errors.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errMalformedBody
	}

	err := h.validate.Struct(dst)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Field() {
		case "Email":
			return magiclink.ErrInvalidEmail
		case "Purpose":
			return magiclink.ErrInvalidPurpose
		case "Token":
			return magiclink.ErrInvalidToken
		}
	}
	return errMalformedBody
}

var errMalformedBody = errors.New("malformed request body")

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errMalformedBody) {
		writeJSON(w, http.StatusBadRequest, magiclink.PublicError{
			Code:    magiclink.CodeValidation,
			Message: err.Error(),
		})
		return
	}

	desc := h.engine.Describe(err)
	status := statusFor(magiclink.ErrorCode(err))
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"code", desc.Code,
			"error", err,
		)
	}
	if wait, ok := magiclink.RetryAfter(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
	}
	writeJSON(w, status, desc)
}

func statusFor(code string) int {
	switch code {
	case magiclink.CodeValidation:
		return http.StatusBadRequest
	case magiclink.CodeAccountExists:
		return http.StatusConflict
	case magiclink.CodeAccountNotFound:
		return http.StatusNotFound
	case magiclink.CodeAccountDisabled:
		return http.StatusForbidden
	case magiclink.CodeRateLimited:
		return http.StatusTooManyRequests
	case magiclink.CodeTokenInvalid, magiclink.CodeTokenExpired,
		magiclink.CodeTokenAlreadyUsed, magiclink.CodeRedemptionFailed:
		return http.StatusUnauthorized
	case magiclink.CodeServiceNotAvailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
