package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"filegate/internal/credential"
	"filegate/internal/storage"
	"filegate/internal/transfer"
)

// apiError is the JSON error envelope. Code is one of the gateway's error
// codes; Message is safe for end users and never carries backend
// internals.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes surfaced to callers.
const (
	codeInvalidCredential = "InvalidCredential"
	codeAccessDenied      = "AccessDenied"
	codeUnsupportedClass  = "UnsupportedBucketClass"
	codeStorageIO         = "StorageIOError"
	codeChunkSizeMismatch = "ChunkSizeMismatch"
	codeSessionNotFound   = "UploadSessionNotFound"
	codeDownloadFailed    = "DownloadIncomplete"
	codeBadRequest        = "BadRequest"
	codeNotFound          = "NotFound"
	codeInternal          = "InternalError"
)

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Encode response", "err", err)
	}
}

func writeAPIError(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, apiError{Code: code, Message: message})
}

// writeError maps a gateway error onto the wire taxonomy. Credential and
// scope failures use fixed messages so responses never reveal whether a
// token or object exists.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, credential.ErrInvalidCredential):
		writeAPIError(w, codeInvalidCredential, "invalid credential", http.StatusUnauthorized)
	case errors.Is(err, ErrAccessDenied), errors.Is(err, transfer.ErrAccessDenied):
		writeAPIError(w, codeAccessDenied, "access denied", http.StatusForbidden)
	case errors.Is(err, storage.ErrUnsupportedClass):
		writeAPIError(w, codeUnsupportedClass, err.Error(), http.StatusBadRequest)
	case errors.Is(err, transfer.ErrChunkSizeMismatch):
		writeAPIError(w, codeChunkSizeMismatch, err.Error(), http.StatusBadRequest)
	case errors.Is(err, transfer.ErrSessionNotFound):
		writeAPIError(w, codeSessionNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, transfer.ErrDownloadIncomplete):
		writeAPIError(w, codeDownloadFailed, err.Error(), http.StatusBadGateway)
	case errors.Is(err, storage.ErrStorageIO):
		slog.Error("Storage failure", "err", err)
		writeAPIError(w, codeStorageIO, "storage operation failed", http.StatusBadGateway)
	default:
		slog.Error("Request failed", "err", err)
		writeAPIError(w, codeInternal, "internal error", http.StatusInternalServerError)
	}
}

// Request and response shapes for the JSON endpoints.

type uploadCredentialRequest struct {
	Storage     string `json:"storage"`
	ContentType string `json:"content_type,omitempty"`
	STS         bool   `json:"sts,omitempty"`
}

type downloadCredentialRequest struct {
	Storage string `json:"storage"`
	Dir     string `json:"dir,omitempty"`
	Expires int    `json:"expires,omitempty"`
}

type uploadResponse struct {
	Key string `json:"key"`
}

type linkResponse struct {
	Key string  `json:"key"`
	URL *string `json:"url"`
}

type linksRequest struct {
	Keys []string `json:"keys"`
}

type linksResponse struct {
	Links map[string]*string `json:"links"`
}

type iconsResponse struct {
	Icons []IconFile `json:"icons"`
}

// nullableLink maps the "object not found" empty state to a JSON null.
func nullableLink(link string) *string {
	if link == "" {
		return nil
	}
	return &link
}
