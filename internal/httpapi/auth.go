package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer checks the static API token on control endpoints. An
// empty configured token disables the endpoints entirely.
func authorizeBearer(authHeader, apiToken string) *authError {
	if apiToken == "" {
		return &authError{status: 403, code: "forbidden", message: "control endpoints disabled: no api token configured"}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(apiToken)) != 1 {
		return &authError{status: 401, code: "unauthorized", message: "invalid api token"}
	}
	return nil
}

// verifyNotionSignature checks the webhook body HMAC. Notion signs the raw
// body with the webhook secret and sends "sha256=<hex>".
func verifyNotionSignature(secret, header string, body []byte) *authError {
	if secret == "" {
		// Unsigned intake is allowed only when no secret is configured,
		// which is the local development posture.
		return nil
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing webhook signature"}
	}
	presented := strings.ToLower(strings.TrimPrefix(header, "sha256="))

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(presented), []byte(expected)) {
		return &authError{status: 401, code: "unauthorized", message: "webhook signature mismatch"}
	}
	return nil
}
