package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"marketplace-session/internal/domain"
	"marketplace-session/internal/infrastructure/authstate"

	kratos "github.com/ory/kratos-client-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Kratos UI message ids.
const (
	msgInvalidCredentials = 4000006
	msgAccountNotFound    = 4000035
)

// PopupOpener runs a provider-hosted flow in a browser and returns the query
// parameters of the redirect that ends it.
type PopupOpener interface {
	CallbackURL() string
	Open(ctx context.Context, flowURL string) (url.Values, error)
}

// TokenSource returns the session token persisted by a previous run, or "".
type TokenSource func(ctx context.Context) string

// KratosProvider implements domain.IdentityProvider against the Kratos public API
// using native (API) flows and session tokens.
type KratosProvider struct {
	client        *kratos.APIClient
	popup         PopupOpener
	tokens        TokenSource
	broadcaster   *authstate.Broadcaster
	checkInterval time.Duration
	timeout       time.Duration
	tracer        trace.Tracer
	logger        *slog.Logger

	mu       sync.Mutex
	token    string
	lastUID  string
	lastSeen bool
}

// KratosOption configures a KratosProvider.
type KratosOption func(*KratosProvider)

// WithPopupOpener enables social sign-in.
func WithPopupOpener(p PopupOpener) KratosOption {
	return func(k *KratosProvider) { k.popup = p }
}

// WithTokenSource sets where a restored session token comes from.
func WithTokenSource(ts TokenSource) KratosOption {
	return func(k *KratosProvider) { k.tokens = ts }
}

// WithSessionCheckInterval sets how often the current session is re-checked.
// Zero disables periodic checks.
func WithSessionCheckInterval(d time.Duration) KratosOption {
	return func(k *KratosProvider) { k.checkInterval = d }
}

// NewKratosProvider creates a provider for the Kratos public API at baseURL.
func NewKratosProvider(baseURL string, timeout time.Duration, logger *slog.Logger, opts ...KratosOption) *KratosProvider {
	configuration := kratos.NewConfiguration()
	configuration.Servers = []kratos.ServerConfiguration{
		{URL: baseURL},
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	configuration.HTTPClient = &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}

	k := &KratosProvider{
		client:        kratos.NewAPIClient(configuration),
		broadcaster:   authstate.NewBroadcaster(),
		checkInterval: time.Minute,
		timeout:       timeout,
		tracer:        otel.Tracer("marketplace-session/kratos"),
		logger:        logger,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// SignInWithPassword runs a native login flow with the password method.
func (k *KratosProvider) SignInWithPassword(ctx context.Context, email, password string) (*domain.Identity, error) {
	ctx, span := k.tracer.Start(ctx, "kratos.SignInWithPassword")
	defer span.End()

	flow, resp, err := k.client.FrontendAPI.CreateNativeLoginFlow(ctx).Execute()
	if err != nil {
		return nil, k.fail(span, classifyKratosError(resp, err))
	}

	method := kratos.UpdateLoginFlowWithPasswordMethod{
		Identifier: email,
		Method:     "password",
		Password:   password,
	}
	login, resp, err := k.client.FrontendAPI.UpdateLoginFlow(ctx).
		Flow(flow.Id).
		UpdateLoginFlowBody(kratos.UpdateLoginFlowWithPasswordMethodAsUpdateLoginFlowBody(&method)).
		Execute()
	if err != nil {
		return nil, k.fail(span, classifyKratosError(resp, err))
	}

	identity, err := k.signedIn(login)
	if err != nil {
		return nil, k.fail(span, err)
	}
	span.SetAttributes(attribute.String("user.id", identity.UID))
	return identity, nil
}

// SignInWithSocial runs a native login flow with the OIDC method. The provider's
// redirect is opened through the popup opener and the returned code is exchanged
// for a session token.
func (k *KratosProvider) SignInWithSocial(ctx context.Context, provider string) (*domain.Identity, error) {
	ctx, span := k.tracer.Start(ctx, "kratos.SignInWithSocial", trace.WithAttributes(attribute.String("auth.provider", provider)))
	defer span.End()

	if k.popup == nil {
		return nil, k.fail(span, domain.NewAuthError(domain.CodeProviderUnavailable, "social sign-in is not configured", nil))
	}

	flow, resp, err := k.client.FrontendAPI.CreateNativeLoginFlow(ctx).
		ReturnSessionTokenExchangeCode(true).
		ReturnTo(k.popup.CallbackURL()).
		Execute()
	if err != nil {
		return nil, k.fail(span, classifyKratosError(resp, err))
	}
	initCode := flow.GetSessionTokenExchangeCode()
	if initCode == "" {
		return nil, k.fail(span, domain.NewAuthError(domain.CodeProviderUnavailable, "login flow did not return an exchange code", nil))
	}

	method := kratos.UpdateLoginFlowWithOidcMethod{
		Method:   "oidc",
		Provider: provider,
	}
	_, resp, err = k.client.FrontendAPI.UpdateLoginFlow(ctx).
		Flow(flow.Id).
		UpdateLoginFlowBody(kratos.UpdateLoginFlowWithOidcMethodAsUpdateLoginFlowBody(&method)).
		Execute()
	redirectTo, ok := browserRedirect(resp, err)
	if !ok {
		if err == nil {
			err = errors.New("kratos did not request a browser redirect")
		}
		return nil, k.fail(span, classifyKratosError(resp, err))
	}

	result, err := k.popup.Open(ctx, redirectTo)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, k.fail(span, domain.NewAuthError(domain.CodePopupClosed, "sign-in window closed before completion", err))
		}
		return nil, k.fail(span, err)
	}
	returnCode := result.Get("code")
	if returnCode == "" {
		return nil, k.fail(span, domain.NewAuthError(domain.CodePopupClosed, "sign-in was not completed", nil))
	}

	login, resp, err := k.client.FrontendAPI.ExchangeSessionToken(ctx).
		InitCode(initCode).
		ReturnToCode(returnCode).
		Execute()
	if err != nil {
		return nil, k.fail(span, classifyKratosError(resp, err))
	}

	identity, err := k.signedIn(login)
	if err != nil {
		return nil, k.fail(span, err)
	}
	span.SetAttributes(attribute.String("user.id", identity.UID))
	return identity, nil
}

// SignOut revokes the current session token. Signing out without a session is a no-op.
func (k *KratosProvider) SignOut(ctx context.Context) error {
	ctx, span := k.tracer.Start(ctx, "kratos.SignOut")
	defer span.End()

	token := k.currentToken(ctx)
	k.setToken("")
	defer k.emit(nil)

	if token == "" {
		return nil
	}

	resp, err := k.client.FrontendAPI.PerformNativeLogout(ctx).
		PerformNativeLogoutBody(kratos.PerformNativeLogoutBody{SessionToken: token}).
		Execute()
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusGone:
				return nil
			}
		}
		return k.fail(span, fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err))
	}
	return nil
}

// WatchAuthState publishes this provider's sign-ins and sign-outs, checks the
// restored session once, and re-checks it on every interval.
func (k *KratosProvider) WatchAuthState(ctx context.Context) (<-chan domain.AuthStateChange, error) {
	ch := k.broadcaster.Subscribe(ctx)
	go k.checkLoop(ctx)
	return ch, nil
}

func (k *KratosProvider) checkLoop(ctx context.Context) {
	k.checkSession(ctx)
	if k.checkInterval <= 0 {
		return
	}

	ticker := time.NewTicker(k.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.checkSession(ctx)
		}
	}
}

// checkSession asks Kratos whether the current token is still valid. Transport
// failures publish nothing; an explicit rejection publishes a sign-out.
func (k *KratosProvider) checkSession(ctx context.Context) {
	token := k.currentToken(ctx)
	if token == "" {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	session, resp, err := k.client.FrontendAPI.ToSession(checkCtx).XSessionToken(token).Execute()
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			k.logger.InfoContext(ctx, "kratos session no longer valid")
			k.setToken("")
			k.emit(nil)
			return
		}
		k.logger.WarnContext(ctx, "kratos session check failed", "error", err)
		return
	}
	if session.Active != nil && !*session.Active {
		k.setToken("")
		k.emit(nil)
		return
	}

	identity, err := identityFromSession(session, token)
	if err != nil {
		k.logger.WarnContext(ctx, "kratos session has no identity", "error", err)
		return
	}
	k.setToken(token)
	k.emit(identity)
}

func (k *KratosProvider) signedIn(login *kratos.SuccessfulNativeLogin) (*domain.Identity, error) {
	token := login.GetSessionToken()
	if token == "" {
		return nil, domain.NewAuthError(domain.CodeProviderUnavailable, "login did not return a session token", nil)
	}
	identity, err := identityFromSession(&login.Session, token)
	if err != nil {
		return nil, err
	}
	k.setToken(token)
	k.emit(identity)
	return identity, nil
}

// emit publishes a change when the signed-in user differs from the last one published.
func (k *KratosProvider) emit(identity *domain.Identity) {
	k.mu.Lock()
	uid := ""
	if identity != nil {
		uid = identity.UID
	}
	if k.lastSeen && k.lastUID == uid {
		k.mu.Unlock()
		return
	}
	k.lastSeen = true
	k.lastUID = uid
	k.mu.Unlock()

	k.broadcaster.Publish(domain.AuthStateChange{Identity: identity})
}

func (k *KratosProvider) currentToken(ctx context.Context) string {
	k.mu.Lock()
	token := k.token
	k.mu.Unlock()
	if token == "" && k.tokens != nil {
		token = k.tokens(ctx)
	}
	return token
}

func (k *KratosProvider) setToken(token string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.token = token
}

func (k *KratosProvider) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, domain.ErrorCode(err))
	return err
}

func identityFromSession(session *kratos.Session, token string) (*domain.Identity, error) {
	if session == nil || session.Identity == nil {
		return nil, domain.NewAuthError(domain.CodeProviderUnavailable, "session has no identity", nil)
	}

	identity := &domain.Identity{
		UID:   session.Identity.Id,
		Token: token,
	}
	if traits, ok := session.Identity.Traits.(map[string]interface{}); ok {
		identity.Email = stringTrait(traits, "email")
		identity.PhoneNumber = stringTrait(traits, "phone")
		identity.PhotoURL = stringTrait(traits, "picture")
		identity.DisplayName = stringTrait(traits, "name")
		if name, ok := traits["name"].(map[string]interface{}); ok {
			first, _ := name["first"].(string)
			last, _ := name["last"].(string)
			identity.DisplayName = joinName(first, last)
		}
	}
	for _, addr := range session.Identity.VerifiableAddresses {
		if addr.Value == identity.Email && addr.Verified {
			identity.EmailVerified = true
		}
	}
	return identity, nil
}

func stringTrait(traits map[string]interface{}, key string) string {
	v, _ := traits[key].(string)
	return v
}

func joinName(first, last string) string {
	switch {
	case first == "":
		return last
	case last == "":
		return first
	default:
		return first + " " + last
	}
}

// kratosErrorBody covers the error shapes returned by native flows: a generic
// error envelope, or a login flow whose UI carries messages.
type kratosErrorBody struct {
	Error *struct {
		ID      string `json:"id"`
		Code    int    `json:"code"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"error"`
	RedirectBrowserTo string `json:"redirect_browser_to"`
	UI                *struct {
		Messages []kratosMessage `json:"messages"`
		Nodes    []struct {
			Messages []kratosMessage `json:"messages"`
		} `json:"nodes"`
	} `json:"ui"`
}

type kratosMessage struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
	Type string `json:"type"`
}

func decodeKratosError(err error) (kratosErrorBody, bool) {
	var body kratosErrorBody
	var apiErr *kratos.GenericOpenAPIError
	if !errors.As(err, &apiErr) || len(apiErr.Body()) == 0 {
		return body, false
	}
	if json.Unmarshal(apiErr.Body(), &body) != nil {
		return body, false
	}
	return body, true
}

// browserRedirect extracts the redirect Kratos requests when an OIDC method is submitted
// on a native flow (HTTP 422 browser_location_change_required).
func browserRedirect(resp *http.Response, err error) (string, bool) {
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnprocessableEntity {
		return "", false
	}
	body, ok := decodeKratosError(err)
	if !ok || body.RedirectBrowserTo == "" {
		return "", false
	}
	return body.RedirectBrowserTo, true
}

// classifyKratosError maps a Kratos API failure to an AuthError.
func classifyKratosError(resp *http.Response, err error) error {
	if resp == nil {
		return domain.NewAuthError(domain.CodeNetworkError, "identity provider unreachable", err)
	}

	body, _ := decodeKratosError(err)
	if body.UI != nil {
		messages := body.UI.Messages
		for _, node := range body.UI.Nodes {
			messages = append(messages, node.Messages...)
		}
		for _, m := range messages {
			switch m.ID {
			case msgInvalidCredentials:
				return domain.NewAuthError(domain.CodeInvalidCredential, m.Text, err)
			case msgAccountNotFound:
				return domain.NewAuthError(domain.CodeUserNotFound, m.Text, err)
			}
		}
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return domain.NewAuthError(domain.CodeTooManyRequests, "too many attempts, try again later", err)
	case http.StatusNotFound:
		return domain.NewAuthError(domain.CodeUserNotFound, "account not found", err)
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		msg := "sign-in rejected"
		if body.Error != nil && body.Error.Reason != "" {
			msg = body.Error.Reason
		}
		return domain.NewAuthError(domain.CodeInvalidCredential, msg, err)
	default:
		if resp.StatusCode >= http.StatusInternalServerError {
			return domain.NewAuthError(domain.CodeProviderUnavailable, fmt.Sprintf("identity provider returned status %d", resp.StatusCode), err)
		}
		return domain.NewAuthError(domain.CodeInternal, fmt.Sprintf("unexpected identity provider status %d", resp.StatusCode), err)
	}
}
