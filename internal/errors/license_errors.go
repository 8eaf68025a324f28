package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/render"
)

// License activation failure taxonomy. Every store-level failure is
// translated into one of these before it reaches the transport layer.
var (
	// ErrKeyNotFound - submitted key does not exist in the store.
	ErrKeyNotFound = errors.New("license key not found")
	// ErrKeyAlreadyClaimed - key is owned by a different account.
	ErrKeyAlreadyClaimed = errors.New("license key already claimed")
	// ErrKeyExpired - key was activated previously and has lapsed.
	ErrKeyExpired = errors.New("license key expired")
	// ErrKeyNotAvailable - any other non-inactive state at activation
	// time, including the activation race loser.
	ErrKeyNotAvailable = errors.New("license key not available")
	// ErrAlreadyLicensed - the requesting account already owns a
	// different active license.
	ErrAlreadyLicensed = errors.New("account already licensed")
	// ErrInvalidKeyFormat - the submitted key is not in the
	// XXXX-XXXX-XXXX-XXXX form.
	ErrInvalidKeyFormat = errors.New("invalid license key format")
	// ErrKeyspaceExhausted - minting could not find an unused key
	// within the retry budget.
	ErrKeyspaceExhausted = errors.New("license keyspace exhausted")
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     problemType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	if pd.Extensions == nil {
		pd.Extensions = make(map[string]interface{})
	}
	pd.Extensions[key] = value
	return pd
}

// ActivationProblem maps an activation failure to an RFC 7807 response.
// Unknown errors map to a generic 503 so raw store errors never leak.
func ActivationProblem(err error, instance string) *ProblemDetails {
	switch {
	case errors.Is(err, ErrInvalidKeyFormat):
		return NewProblemDetails(http.StatusBadRequest,
			"/errors/invalid-key-format", "Invalid Key Format",
			"The license key must look like XXXX-XXXX-XXXX-XXXX.", instance)
	case errors.Is(err, ErrKeyNotFound):
		return NewProblemDetails(http.StatusNotFound,
			"/errors/key-not-found", "Invalid Key",
			"The license key was not found. Check the key and try again.", instance)
	case errors.Is(err, ErrKeyAlreadyClaimed):
		return NewProblemDetails(http.StatusConflict,
			"/errors/key-already-claimed", "Key Already Claimed",
			"This license key is registered to a different account. Contact support if you believe this is a mistake.", instance)
	case errors.Is(err, ErrKeyExpired):
		return NewProblemDetails(http.StatusGone,
			"/errors/key-expired", "Key Expired",
			"This license key has expired and cannot be reused.", instance)
	case errors.Is(err, ErrKeyNotAvailable):
		return NewProblemDetails(http.StatusConflict,
			"/errors/key-not-available", "Key Not Available",
			"This license key is not available for activation.", instance)
	case errors.Is(err, ErrAlreadyLicensed):
		return NewProblemDetails(http.StatusConflict,
			"/errors/already-licensed", "Already Licensed",
			"Your account already has an active license.", instance)
	default:
		return NewProblemDetails(http.StatusServiceUnavailable,
			"/errors/license-store-unavailable", "License Service Unavailable",
			"Could not reach the license service. Please try again later.", instance)
	}
}

// IsActivationFailure reports whether err belongs to the activation
// taxonomy, as opposed to a transport or store fault.
func IsActivationFailure(err error) bool {
	return errors.Is(err, ErrKeyNotFound) ||
		errors.Is(err, ErrKeyAlreadyClaimed) ||
		errors.Is(err, ErrKeyExpired) ||
		errors.Is(err, ErrKeyNotAvailable) ||
		errors.Is(err, ErrAlreadyLicensed) ||
		errors.Is(err, ErrInvalidKeyFormat)
}
