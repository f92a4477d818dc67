package coordinator

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	perrors "github.com/Vanuan/photo-management-sub002/internal/errors"
	"github.com/Vanuan/photo-management-sub002/internal/metadata"
	"github.com/Vanuan/photo-management-sub002/internal/storage"
)

const (
	maxNameLength     = 255
	maxIdentityLength = 255
	sniffLength       = 512
)

// validateStore checks payload and options and returns the normalized
// content type.
func (c *Coordinator) validateStore(payload []byte, opts *StoreOptions) (string, error) {
	if len(payload) == 0 {
		return "", perrors.ErrValidation.WithMessage("payload is empty")
	}
	if int64(len(payload)) > c.opts.MaxPayloadSize {
		return "", perrors.ErrValidation.WithMessage("payload of %d bytes exceeds the %d byte limit", len(payload), c.opts.MaxPayloadSize)
	}
	if err := validateName(opts.Name); err != nil {
		return "", err
	}
	if err := validateIdentity("client id", opts.ClientID, true); err != nil {
		return "", err
	}
	if err := validateIdentity("session id", opts.SessionID, false); err != nil {
		return "", err
	}
	if err := validateIdentity("user id", opts.UserID, false); err != nil {
		return "", err
	}

	contentType := opts.ContentType
	if strings.TrimSpace(contentType) == "" {
		contentType = http.DetectContentType(payload[:min(len(payload), sniffLength)])
	}
	contentType = storage.NormalizeContentType(contentType)
	if len(c.allowed) > 0 && !c.allowed[contentType] {
		return "", perrors.ErrValidation.WithMessage("content type %q is not allowed", contentType)
	}
	return contentType, nil
}

// validateName rejects names that could be mistaken for paths or that carry
// control characters.
func validateName(name string) error {
	switch {
	case name == "":
		return perrors.ErrValidation.WithMessage("name is required")
	case len(name) > maxNameLength:
		return perrors.ErrValidation.WithMessage("name exceeds %d bytes", maxNameLength)
	case !utf8.ValidString(name):
		return perrors.ErrValidation.WithMessage("name is not valid UTF-8")
	case name == "." || name == "..":
		return perrors.ErrValidation.WithMessage("name %q is reserved", name)
	case strings.ContainsAny(name, `/\`):
		return perrors.ErrValidation.WithMessage("name must not contain path separators")
	case strings.ContainsFunc(name, unicode.IsControl):
		return perrors.ErrValidation.WithMessage("name must not contain control characters")
	}
	return nil
}

func validateIdentity(field, value string, required bool) error {
	if value == "" {
		if required {
			return perrors.ErrValidation.WithMessage("%s is required", field)
		}
		return nil
	}
	if len(value) > maxIdentityLength {
		return perrors.ErrValidation.WithMessage("%s exceeds %d bytes", field, maxIdentityLength)
	}
	if strings.ContainsFunc(value, unicode.IsControl) {
		return perrors.ErrValidation.WithMessage("%s must not contain control characters", field)
	}
	return nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return perrors.ErrValidation.WithMessage("id is required")
	}
	return nil
}

// validateUpdate rejects empty updates and malformed field values.
func validateUpdate(upd metadata.PhotoUpdate) error {
	if upd.IsEmpty() {
		return perrors.ErrValidation.WithMessage("update has no fields")
	}
	if upd.OriginalName != nil {
		if err := validateName(*upd.OriginalName); err != nil {
			return err
		}
	}
	if upd.SessionID != nil {
		if err := validateIdentity("session id", *upd.SessionID, false); err != nil {
			return err
		}
	}
	if upd.UserID != nil {
		if err := validateIdentity("user id", *upd.UserID, false); err != nil {
			return err
		}
	}
	if upd.ProcessingStatus != nil && !upd.ProcessingStatus.Valid() {
		return perrors.ErrValidation.WithMessage("unknown processing status %q", *upd.ProcessingStatus)
	}
	if r := upd.ProcessingResult; r != nil {
		if r.SchemaVersion <= 0 {
			return perrors.ErrValidation.WithMessage("processing result needs a positive schema version")
		}
		if len(r.Payload) == 0 || !json.Valid(r.Payload) {
			return perrors.ErrValidation.WithMessage("processing result payload is not valid JSON")
		}
	}
	if upd.ProcessingStartedAt != nil && upd.ProcessingCompletedAt != nil &&
		upd.ProcessingCompletedAt.Before(*upd.ProcessingStartedAt) {
		return perrors.ErrValidation.WithMessage("processing completed before it started")
	}
	return nil
}
