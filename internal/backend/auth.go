package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrSignInFailed is returned when the backend rejects the credentials.
var ErrSignInFailed = errors.New("sign-in failed")

// Session is the result of a successful password sign-in.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int       `json:"expires_in"`
	UserID       string    `json:"-"`
	ExpiresAt    time.Time `json:"-"`
}

// SignIn exchanges email and password for an access token, stores the
// token on the client, and returns the session.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	body, err := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}

	u := c.baseURL + "/auth/v1/token?grant_type=password"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build sign-in request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrSignInFailed, resp.StatusCode)
	}

	var sess Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, fmt.Errorf("decode sign-in response: %w", err)
	}
	if sess.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrSignInFailed)
	}

	uid, err := UserIDFromToken(sess.AccessToken)
	if err != nil {
		return nil, err
	}
	sess.UserID = uid
	sess.ExpiresAt = time.Now().Add(time.Duration(sess.ExpiresIn) * time.Second)

	c.SetToken(sess.AccessToken)
	c.log.Info().Str("user_id", uid).Msg("signed in")
	return &sess, nil
}

// UserIDFromToken extracts the subject claim from an access token. The
// token is not verified here: the backend issued it over TLS and verifies
// it again on every request.
func UserIDFromToken(token string) (string, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("parse access token: %w", err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("access token has no subject: %w", err)
	}
	return sub, nil
}
