// Package validator provides input validation for document requests. It
// enforces title and content constraints and returns per-field error
// details.
package validator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/itamittech/documentsearch/internal/ingestion"
	apperrors "github.com/itamittech/documentsearch/pkg/errors"
)

const (
	maxTitleLength   = 500
	maxContentLength = 10 << 20
	maxMetadataKeys  = 100
)

// ValidateCreateRequest checks a create request and returns an
// *apperrors.ValidationError listing every failing field.
func ValidateCreateRequest(req *ingestion.CreateRequest) error {
	errs := make(map[string]string)

	if strings.TrimSpace(req.Title) == "" {
		errs["title"] = "Title is required"
	} else if utf8.RuneCountInString(req.Title) > maxTitleLength {
		errs["title"] = fmt.Sprintf("Title must not exceed %d characters", maxTitleLength)
	}

	if strings.TrimSpace(req.Content) == "" {
		errs["content"] = "Content is required"
	} else if len(req.Content) > maxContentLength {
		errs["content"] = fmt.Sprintf("Content must not exceed %d bytes", maxContentLength)
	}

	if len(req.Metadata) > maxMetadataKeys {
		errs["metadata"] = fmt.Sprintf("Metadata must not have more than %d keys", maxMetadataKeys)
	}

	if len(errs) > 0 {
		return &apperrors.ValidationError{Fields: errs}
	}
	return nil
}
