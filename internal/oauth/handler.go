// Package oauth implements the bridge's authorization-code handshake: a login
// form, a credential exchange against the backend, and a code-for-token swap.
// No state is stored; the signed code is the only artifact carried between
// steps.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"github.com/prbarcelon/crmbridge/internal/logging"
	"github.com/prbarcelon/crmbridge/internal/metrics"
)

const (
	DefaultExpiresIn    = 3600
	DefaultLoginTimeout = 10 * time.Second

	// PathPrefix is where the handshake endpoints are mounted.
	PathPrefix = "/oauth"
)

const maxLoginResponse = 1 << 20

// tokenFields are the backend response keys accepted as the credential, in order.
var tokenFields = []string{"access", "token", "key"}

type Options struct {
	Signer       *Signer
	LoginURL     string
	ExpiresIn    int
	Issuer       string
	LoginTimeout time.Duration
	HTTPClient   *http.Client
	Logger       pslog.Logger
	Metrics      *metrics.Metrics
}

type Handler struct {
	signer       *Signer
	loginURL     string
	expiresIn    int
	issuer       string
	loginTimeout time.Duration
	http         *http.Client
	logger       pslog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

func NewHandler(opts Options) (*Handler, error) {
	if opts.Signer == nil {
		return nil, errors.New("oauth: signer is required")
	}
	if strings.TrimSpace(opts.LoginURL) == "" {
		return nil, errors.New("oauth: backend login url is required")
	}
	h := &Handler{
		signer:       opts.Signer,
		loginURL:     opts.LoginURL,
		expiresIn:    opts.ExpiresIn,
		issuer:       strings.TrimRight(opts.Issuer, "/"),
		loginTimeout: opts.LoginTimeout,
		http:         opts.HTTPClient,
		logger:       logging.WithSubsystem(opts.Logger, "oauth.bridge"),
		metrics:      opts.Metrics,
		now:          time.Now,
	}
	if h.expiresIn <= 0 {
		h.expiresIn = DefaultExpiresIn
	}
	if h.loginTimeout <= 0 {
		h.loginTimeout = DefaultLoginTimeout
	}
	if h.http == nil {
		h.http = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return h, nil
}

// Register mounts the handshake routes and the authorization server metadata.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+PathPrefix+"/authorize", h.HandleAuthorize)
	mux.HandleFunc("POST "+PathPrefix+"/login", h.HandleLogin)
	mux.HandleFunc("POST "+PathPrefix+"/token", h.HandleToken)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", h.HandleMetadata)
}

func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := strings.TrimSpace(q.Get("redirect_uri"))
	if redirectURI == "" {
		h.metrics.ObserveOAuth("authorize", false)
		writeMessage(w, http.StatusBadRequest, "Missing redirect_uri. Start from your assistant's connector settings.")
		return
	}
	h.metrics.ObserveOAuth("authorize", true)
	writeHTML(w, http.StatusOK, loginForm, loginFormData{
		Action:      PathPrefix + "/login",
		RedirectURI: redirectURI,
		State:       q.Get("state"),
	})
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context(), h.logger)
	if err := r.ParseForm(); err != nil {
		h.metrics.ObserveOAuth("login", false)
		writeMessage(w, http.StatusBadRequest, "Invalid form submission.")
		return
	}
	email := strings.TrimSpace(r.PostForm.Get("email"))
	password := r.PostForm.Get("password")
	redirectURI := strings.TrimSpace(r.PostForm.Get("redirect_uri"))
	state := r.PostForm.Get("state")
	for _, f := range []struct{ name, value string }{{"email", email}, {"password", password}, {"redirect_uri", redirectURI}} {
		if f.value == "" {
			h.metrics.ObserveOAuth("login", false)
			writeMessage(w, http.StatusBadRequest, "Missing "+f.name+".")
			return
		}
	}
	if _, err := url.Parse(redirectURI); err != nil {
		h.metrics.ObserveOAuth("login", false)
		writeMessage(w, http.StatusBadRequest, "Invalid redirect_uri.")
		return
	}

	token, status, msg := h.exchangeCredentials(r.Context(), email, password)
	if token == "" {
		h.metrics.ObserveOAuth("login", false)
		logger.Warn("oauth.login.failed", "status", status)
		writeMessage(w, status, msg)
		return
	}

	code, err := h.signer.MintAt(token, h.now())
	if err != nil {
		h.metrics.ObserveOAuth("login", false)
		logger.Error("oauth.code.mint.failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "System Error: could not issue authorization code.")
		return
	}
	h.metrics.ObserveOAuth("login", true)
	logger.Info("oauth.login.ok")
	http.Redirect(w, r, RedirectWithCode(redirectURI, code, state), http.StatusSeeOther)
}

// exchangeCredentials posts the user's credentials to the backend. On failure
// it returns an empty token with the status and message to render.
func (h *Handler) exchangeCredentials(ctx context.Context, email, password string) (string, int, string) {
	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return "", http.StatusInternalServerError, "System Error: " + err.Error()
	}
	ctx, cancel := context.WithTimeout(ctx, h.loginTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.loginURL, bytes.NewReader(payload))
	if err != nil {
		return "", http.StatusInternalServerError, "System Error: " + err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return "", http.StatusInternalServerError, "System Error: " + err.Error()
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLoginResponse))
	if err != nil {
		return "", http.StatusInternalServerError, "System Error: " + err.Error()
	}
	if resp.StatusCode != http.StatusOK {
		return "", http.StatusUnauthorized, "Login Failed: " + string(body)
	}
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return "", http.StatusInternalServerError, "System Error: invalid response from backend."
	}
	if token := pickToken(data); token != "" {
		return token, http.StatusOK, ""
	}
	return "", http.StatusBadRequest, "Error: No token returned from backend."
}

func pickToken(data map[string]any) string {
	for _, field := range tokenFields {
		if s, ok := data[field].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// RedirectWithCode appends code and state to redirectURI, joining with "&"
// when it already has a query string and "?" otherwise.
func RedirectWithCode(redirectURI, code, state string) string {
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}
	return redirectURI + sep + "code=" + url.QueryEscape(code) + "&state=" + url.QueryEscape(state)
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func (h *Handler) HandleToken(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context(), h.logger)
	if err := r.ParseForm(); err != nil {
		h.metrics.ObserveOAuth("token", false)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", ErrorDescription: "invalid form"})
		return
	}
	if gt := r.PostForm.Get("grant_type"); gt != "" && gt != "authorization_code" {
		h.metrics.ObserveOAuth("token", false)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unsupported_grant_type"})
		return
	}
	token, err := h.signer.VerifyAt(r.PostForm.Get("code"), h.now())
	if err != nil {
		h.metrics.ObserveOAuth("token", false)
		logger.Debug("oauth.token.rejected")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_grant", ErrorDescription: ErrInvalidCode.Error()})
		return
	}
	h.metrics.ObserveOAuth("token", true)
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   h.expiresIn,
	})
}

type AuthServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

func (h *Handler) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := h.issuer
	if issuer == "" {
		issuer = requestOrigin(r)
	}
	writeJSON(w, http.StatusOK, AuthServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + PathPrefix + "/authorize",
		TokenEndpoint:                     issuer + PathPrefix + "/token",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	})
}

func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0]); fwd != "" {
		scheme = fwd
	}
	host := r.Host
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-Host")); fwd != "" {
		host = fwd
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
