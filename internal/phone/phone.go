// Package phone normalizes phone numbers to E.164.
package phone

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"

	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

// DefaultRegion is assumed for numbers written without a country code.
const DefaultRegion = "US"

// Normalize parses raw and returns its E.164 form.
func Normalize(raw string) (string, error) {
	return NormalizeIn(raw, DefaultRegion)
}

// NormalizeIn parses raw relative to region and returns its E.164 form.
func NormalizeIn(raw, region string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: phone number is required", apperrors.ErrValidation)
	}
	num, err := phonenumbers.Parse(trimmed, region)
	if err != nil {
		return "", fmt.Errorf("%w: phone %q: %v", apperrors.ErrValidation, raw, err)
	}
	// local-only numbers (no area code) cannot be dialed by the carrier
	if phonenumbers.IsPossibleNumberWithReason(num) != phonenumbers.IS_POSSIBLE {
		return "", fmt.Errorf("%w: phone %q is not a dialable number", apperrors.ErrValidation, raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
