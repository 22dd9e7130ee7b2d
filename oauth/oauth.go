// Copyright 2025 Commonwealth Scientific and Industrial Research Organisation (CSIRO) ABN 41 687 119 230
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package oauth implements the Connect-style OAuth 2.0 authorization-code
// flow with PKCE: generating a verifier/challenge pair, assembling the
// user-facing authorization URL, and exchanging or refreshing tokens against
// the broker's token endpoint.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/oauth2"

	"github.com/ivcap-works/brokerclient-go/apierror"
	"github.com/ivcap-works/brokerclient-go/rest"
)

const codeVerifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// invalidArgument builds a KindInvalidArgument error carrying the offending
// argument's name as metadata, mirroring the reference
// InvalidArgumentException(argument_name, message).
func invalidArgument(argument, message string) error {
	return apierror.New(apierror.KindInvalidArgument, message, map[string]string{"argument": argument})
}

// PkcePair is a PKCE code verifier and its SHA-256 derived challenge.
type PkcePair struct {
	Verifier  string
	Challenge string
}

// GeneratePkcePair produces a cryptographically random verifier of
// verifierLength (clamped to [43, 128] per RFC 7636) and its S256 challenge.
func GeneratePkcePair(verifierLength int) (PkcePair, error) {
	if verifierLength < 43 {
		verifierLength = 43
	}
	if verifierLength > 128 {
		verifierLength = 128
	}

	idx := make([]byte, verifierLength)
	if _, err := rand.Read(idx); err != nil {
		return PkcePair{}, fmt.Errorf("oauth: generating verifier entropy: %w", err)
	}

	verifier := make([]byte, verifierLength)
	for i, b := range idx {
		verifier[i] = codeVerifierAlphabet[int(b)%len(codeVerifierAlphabet)]
	}

	digest := sha256.Sum256(verifier)
	challenge := base64.RawURLEncoding.EncodeToString(digest[:])

	return PkcePair{Verifier: string(verifier), Challenge: challenge}, nil
}

// AuthorizationURLRequest parameterizes the user-facing authorization URL.
type AuthorizationURLRequest struct {
	AuthorizeEndpoint string
	ClientID          string
	RedirectURI       string
	CodeChallenge     string
	ResponseType      string // defaults to "code"
	Scope             string
	State             string
	Prompt            string
	BrokerAccountID   string
	ExtraQueryParams  url.Values
}

// BuildAuthorizationURL assembles the authorization-code-with-PKCE URL a
// user agent is redirected to.
func BuildAuthorizationURL(req AuthorizationURLRequest) (string, error) {
	if req.AuthorizeEndpoint == "" {
		return "", invalidArgument("authorize_endpoint", "oauth: authorize endpoint must not be empty")
	}
	if req.ClientID == "" {
		return "", invalidArgument("client_id", "oauth: client id must not be empty")
	}
	if req.RedirectURI == "" {
		return "", invalidArgument("redirect_uri", "oauth: redirect uri must not be empty")
	}
	if req.CodeChallenge == "" {
		return "", invalidArgument("code_challenge", "oauth: code challenge must not be empty")
	}

	q := url.Values{}
	q.Set("client_id", req.ClientID)
	q.Set("redirect_uri", req.RedirectURI)
	q.Set("code_challenge", req.CodeChallenge)
	q.Set("code_challenge_method", "S256")

	responseType := req.ResponseType
	if responseType == "" {
		responseType = "code"
	}
	q.Set("response_type", responseType)

	if req.Scope != "" {
		q.Set("scope", req.Scope)
	}
	if req.State != "" {
		q.Set("state", req.State)
	}
	if req.Prompt != "" {
		q.Set("prompt", req.Prompt)
	}
	if req.BrokerAccountID != "" {
		q.Set("broker_account_id", req.BrokerAccountID)
	}
	for key, values := range req.ExtraQueryParams {
		for _, v := range values {
			q.Add(key, v)
		}
	}

	separator := "?"
	if strings.Contains(req.AuthorizeEndpoint, "?") {
		separator = "&"
	}
	query := q.Encode()
	if query == "" {
		return req.AuthorizeEndpoint, nil
	}
	return req.AuthorizeEndpoint + separator + query, nil
}

// TokenResponse is the decoded payload returned by the token endpoint.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	ExpiresIn    time.Duration
	HasExpiresIn bool
	ExpiresAt    time.Time
	Scope        string
}

// Apply installs the access token as the client's bearer credential,
// clearing any API key/secret pair that may have been configured.
func (t TokenResponse) Apply(credentials *rest.Credentials) {
	credentials.KeyID = ""
	credentials.SecretKey = ""
	credentials.Bearer = t.AccessToken
}

type tokenEndpointResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    *int64 `json:"expires_in"`
	Scope        string `json:"scope"`
}

// AuthorizationCodeTokenRequest exchanges an authorization code for tokens.
type AuthorizationCodeTokenRequest struct {
	ClientID     string
	RedirectURI  string
	Code         string
	CodeVerifier string
	ClientSecret string
}

// RefreshTokenRequest refreshes an access token.
type RefreshTokenRequest struct {
	ClientID     string
	RefreshToken string
	ClientSecret string
}

// Client exchanges and refreshes OAuth tokens against a single token
// endpoint.
type Client struct {
	tokenEndpoint string
	httpClient    *http.Client
	endpoint      oauth2.Endpoint
}

// Option configures a Client at construction.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used to reach the token endpoint.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

// New builds a Client targeting tokenEndpoint. The endpoint is also recorded
// as an oauth2.Endpoint so callers that prefer golang.org/x/oauth2's
// TokenSource-based refresh flow can build one directly from Endpoint().
func New(tokenEndpoint string, opts ...Option) (*Client, error) {
	if tokenEndpoint == "" {
		return nil, apierror.New(apierror.KindOAuthConfigurationError,
			"oauth: token endpoint must not be empty", nil)
	}
	c := &Client{
		tokenEndpoint: tokenEndpoint,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		endpoint:      oauth2.Endpoint{TokenURL: tokenEndpoint, AuthStyle: oauth2.AuthStyleInParams},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the oauth2.Endpoint describing this client's token URL.
func (c *Client) Endpoint() oauth2.Endpoint { return c.endpoint }

// ExchangeAuthorizationCode exchanges an authorization code and PKCE
// verifier for an access (and optional refresh) token.
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, req AuthorizationCodeTokenRequest) (TokenResponse, error) {
	if req.ClientID == "" {
		return TokenResponse{}, invalidArgument("client_id", "oauth: client id must not be empty")
	}
	if req.RedirectURI == "" {
		return TokenResponse{}, invalidArgument("redirect_uri", "oauth: redirect uri must not be empty")
	}
	if req.Code == "" {
		return TokenResponse{}, invalidArgument("code", "oauth: code must not be empty")
	}
	if req.CodeVerifier == "" {
		return TokenResponse{}, invalidArgument("code_verifier", "oauth: code verifier must not be empty")
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {req.ClientID},
		"redirect_uri":  {req.RedirectURI},
		"code":          {req.Code},
		"code_verifier": {req.CodeVerifier},
	}
	if req.ClientSecret != "" {
		form.Set("client_secret", req.ClientSecret)
	}

	return c.postForm(ctx, form)
}

// RefreshAccessToken exchanges a refresh token for a new access token.
func (c *Client) RefreshAccessToken(ctx context.Context, req RefreshTokenRequest) (TokenResponse, error) {
	if req.ClientID == "" {
		return TokenResponse{}, invalidArgument("client_id", "oauth: client id must not be empty")
	}
	if req.RefreshToken == "" {
		return TokenResponse{}, invalidArgument("refresh_token", "oauth: refresh token must not be empty")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {req.ClientID},
		"refresh_token": {req.RefreshToken},
	}
	if req.ClientSecret != "" {
		form.Set("client_secret", req.ClientSecret)
	}

	return c.postForm(ctx, form)
}

func (c *Client) postForm(ctx context.Context, form url.Values) (TokenResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("oauth: building token request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("oauth: requesting token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("oauth: reading token response: %w", err)
	}

	if resp.StatusCode >= 400 {
		message := fmt.Sprintf("HTTP %d", resp.StatusCode)
		var errBody struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if json.Unmarshal(body, &errBody) == nil {
			if errBody.ErrorDescription != "" {
				message = errBody.ErrorDescription
			} else if errBody.Error != "" {
				message = errBody.Error
			}
		}
		return TokenResponse{}, apierror.Classify(resp.StatusCode, message, string(body), resp.Header, "")
	}

	return parseTokenResponse(body)
}

// parseTokenResponse decodes a raw token endpoint body, requiring at least
// an access_token field and computing an absolute expiry from expires_in.
func parseTokenResponse(body []byte) (TokenResponse, error) {
	var payload tokenEndpointResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return TokenResponse{}, &apierror.Error{Kind: apierror.KindServer, StatusCode: 500, Message: "oauth: unable to parse token response", Body: string(body)}
	}
	if payload.AccessToken == "" {
		return TokenResponse{}, &apierror.Error{Kind: apierror.KindServer, StatusCode: 500, Message: "oauth: response missing access_token", Body: string(body)}
	}

	token := TokenResponse{
		AccessToken:  payload.AccessToken,
		TokenType:    payload.TokenType,
		RefreshToken: payload.RefreshToken,
		Scope:        payload.Scope,
	}
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}
	if payload.ExpiresIn != nil && *payload.ExpiresIn > 0 {
		token.ExpiresIn = time.Duration(*payload.ExpiresIn) * time.Second
		token.HasExpiresIn = true
		token.ExpiresAt = time.Now().Add(token.ExpiresIn)
	}
	return token, nil
}

// IDTokenClaims is the subset of an OpenID Connect ID token this package
// extracts after verifying it against a JWKS endpoint.
type IDTokenClaims struct {
	Name          string `json:"name,omitempty"`
	Nickname      string `json:"nickname,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Picture       string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// VerifyIDToken validates rawIDToken's signature against the JWKS published
// at jwksURL and returns its decoded claims.
func VerifyIDToken(jwksURL, rawIDToken string) (*IDTokenClaims, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("oauth: fetching jwks: %w", err)
	}

	claims := &IDTokenClaims{}
	token, err := jwt.ParseWithClaims(rawIDToken, claims, jwks.Keyfunc)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("oauth: malformed id token: %w", err)
		case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, fmt.Errorf("oauth: id token not currently valid: %w", err)
		default:
			return nil, fmt.Errorf("oauth: verifying id token: %w", err)
		}
	}
	if !token.Valid {
		return nil, errors.New("oauth: id token failed validation")
	}
	return claims, nil
}
