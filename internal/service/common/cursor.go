package common

import (
	"encoding/base64"
	"fmt"
	"strconv"

	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

// EncodeCursor turns the last seen row id into an opaque URL-safe page token.
func EncodeCursor(lastID int64) string {
	if lastID <= 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(lastID, 10)))
}

// DecodeCursor reverses EncodeCursor. An empty token starts from the beginning.
func DecodeCursor(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("%w: decode page token: %v", apperrors.ErrValidation, err)
	}
	id, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("%w: malformed page token", apperrors.ErrValidation)
	}
	return id, nil
}
