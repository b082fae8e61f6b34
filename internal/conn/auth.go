package conn

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/lumohealth/agentlink/internal/securemem"
)

// ErrBadCredential is returned when no identity can be derived from the
// bearer token. Fatal for the session; the caller must re-authenticate.
var ErrBadCredential = errors.New("conn: cannot derive identity from credential")

// DeriveIdentity extracts the subject claim from a JWT-shaped bearer
// credential. The signature is not verified here; the gateway enforces it
// on connect and answers a bad token with close code 4001.
func DeriveIdentity(token *securemem.String) (string, error) {
	var identity string
	var derr error

	token.WithValue(func(raw string) {
		parts := strings.Split(raw, ".")
		if len(parts) != 3 {
			derr = ErrBadCredential
			return
		}
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err != nil {
			derr = ErrBadCredential
			return
		}
		var claims struct {
			Sub string `json:"sub"`
		}
		if err := json.Unmarshal(payload, &claims); err != nil || claims.Sub == "" {
			derr = ErrBadCredential
			return
		}
		identity = claims.Sub
	})

	if derr != nil {
		return "", derr
	}
	if identity == "" {
		return "", ErrBadCredential
	}
	return identity, nil
}
