package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const (
	scopeScriptRead  = "script:read"
	scopeScriptWrite = "script:write"
	scopeDocSync     = "doc:sync"
	scopeAdminRead   = "admin:read"

	tokenAudience = "relaydoc"
	anyProject    = "*"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

type tokenClaims struct {
	ProjectID string
	Subject   string
	Scopes    map[string]struct{}
	Exp       int64
}

func (c tokenClaims) allows(projectID, scope string) *authError {
	if projectID != "" && c.ProjectID != anyProject && c.ProjectID != projectID {
		return forbidden("token is not valid for project " + projectID)
	}
	if scope == "" {
		return nil
	}
	if _, ok := c.Scopes[scope]; !ok {
		return forbidden("missing required scope: " + scope)
	}
	return nil
}

// jwtPayload is the claim set relay tokens carry. scopes may be a list or a
// space separated string; aud may be a string or a list.
type jwtPayload struct {
	ProjectID string          `json:"project_id"`
	Subject   string          `json:"sub"`
	Audience  json.RawMessage `json:"aud"`
	Exp       json.Number     `json:"exp"`
	Scopes    json.RawMessage `json:"scopes"`
}

// authorizeBearer checks an "Authorization: Bearer" value signed with HS256.
// A token whose project_id is "*" may act on every project.
func authorizeBearer(authHeader, jwtSecret, projectID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	claims, authErr := verifyToken(strings.TrimSpace(raw), jwtSecret, now)
	if authErr != nil {
		return tokenClaims{}, authErr
	}
	if authErr := claims.allows(projectID, requiredScope); authErr != nil {
		return tokenClaims{}, authErr
	}
	return claims, nil
}

func verifyToken(token, secret string, now time.Time) (tokenClaims, *authError) {
	header, payload, signature, ok := splitToken(token)
	if !ok {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}

	var alg struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(header, &alg); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if alg.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}

	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(header + "." + payload))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var claims jwtPayload
	if err := decodeSegment(payload, &claims); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	if claims.ProjectID == "" {
		return tokenClaims{}, unauthorized("missing project_id claim")
	}
	exp, err := claims.Exp.Int64()
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if !audienceContains(claims.Audience, tokenAudience) {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	scopes := scopeSet(claims.Scopes)
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return tokenClaims{
		ProjectID: claims.ProjectID,
		Subject:   claims.Subject,
		Scopes:    scopes,
		Exp:       exp,
	}, nil
}

func splitToken(token string) (header, payload, signature string, ok bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func decodeSegment(segment string, dst any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(dst)
}

func audienceContains(raw json.RawMessage, want string) bool {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single == want
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return false
	}
	for _, aud := range list {
		if aud == want {
			return true
		}
	}
	return false
}

func scopeSet(raw json.RawMessage) map[string]struct{} {
	out := map[string]struct{}{}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var joined string
		if err := json.Unmarshal(raw, &joined); err != nil {
			return out
		}
		list = strings.Fields(joined)
	}
	for _, scope := range list {
		if scope = strings.TrimSpace(scope); scope != "" {
			out[scope] = struct{}{}
		}
	}
	return out
}
