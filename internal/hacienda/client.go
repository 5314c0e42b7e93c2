package hacienda

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cajacentral/facturador/internal/domain"
)

// tokenSlack refreshes the cached token this long before it expires.
const tokenSlack = 30 * time.Second

// ClientConfig configures the HTTP authority client.
type ClientConfig struct {
	APIBaseURL string
	TokenURL   string
	Username   string
	Password   string
	// ClientID selects the identity realm: api-stag or api-prod.
	ClientID string
	Timeout  time.Duration
}

// HTTPClient is the production Client implementation. It holds a cached
// bearer token and refreshes it on expiry.
type HTTPClient struct {
	cfg    ClientConfig
	http   *http.Client
	logger zerolog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient returns a Client against the configured authority
// endpoints.
func NewHTTPClient(cfg ClientConfig, logger zerolog.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "hacienda").Logger(),
	}
}

// Submit posts the signed document to the reception endpoint.
// A 200/202 answer means the authority received the document and will
// process it asynchronously. A 4xx answer is a durable rejection.
// Transport failures and 5xx answers are transient.
func (c *HTTPClient) Submit(ctx context.Context, doc *domain.TaxDocument) (*SubmitResult, error) {
	const op = "hacienda.submit"

	token, err := c.bearerToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := receptionRequest{
		Clave: doc.Clave,
		Fecha: doc.IssuedAt.Format(time.RFC3339),
		Emisor: receptionParty{
			TipoIdentificacion:   doc.Issuer.Identification.Type,
			NumeroIdentificacion: doc.Issuer.Identification.Number,
		},
		ComprobanteXML: base64.StdEncoding.EncodeToString(doc.SignedXML),
	}
	if doc.Receiver != nil {
		payload.Receptor = &receptionParty{
			TipoIdentificacion:   doc.Receiver.Identification.Type,
			NumeroIdentificacion: doc.Receiver.Identification.Number,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.Internal(err, op, "encoding reception request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.cfg.APIBaseURL, "/")+"/recepcion", bytes.NewReader(body))
	if err != nil {
		return nil, domain.Internal(err, op, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.Network(op, "posting document", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	detail := strings.TrimSpace(string(respBody))

	c.logger.Debug().
		Str("clave", doc.Clave).
		Int("status", resp.StatusCode).
		Msg("submission answered")

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		return &SubmitResult{Outcome: OutcomeReceived, Detail: detail}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &SubmitResult{Outcome: OutcomeRejected, Detail: detail}, nil
	default:
		return nil, domain.Network(op,
			fmt.Sprintf("authority answered %d", resp.StatusCode), nil)
	}
}

// QueryStatus asks the authority for the processing state of a clave.
func (c *HTTPClient) QueryStatus(ctx context.Context, clave string) (*StatusResult, error) {
	const op = "hacienda.query_status"

	token, err := c.bearerToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(c.cfg.APIBaseURL, "/")+"/consultas/recepcion/"+clave, nil)
	if err != nil {
		return nil, domain.Internal(err, op, "building request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.Network(op, "querying status", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.NotFound(op, "clave", clave)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.Network(op,
			fmt.Sprintf("authority answered %d", resp.StatusCode), nil)
	}

	var status statusResponse
	if err := json.Unmarshal(respBody, &status); err != nil {
		return nil, domain.Network(op, "decoding status response", err)
	}

	result := &StatusResult{Detail: status.IndEstado}
	if status.RespuestaXML != "" {
		if decoded, err := base64.StdEncoding.DecodeString(status.RespuestaXML); err == nil {
			result.ResponseXML = decoded
		}
	}

	switch strings.ToLower(status.IndEstado) {
	case "aceptado":
		result.Outcome = OutcomeAccepted
	case "rechazado":
		result.Outcome = OutcomeRejected
	case "recibido", "procesando":
		result.Outcome = OutcomePending
	default:
		return nil, domain.Network(op,
			fmt.Sprintf("unknown processing state %q", status.IndEstado), nil)
	}
	return result, nil
}

// bearerToken returns a valid access token, refreshing the cached one
// when it is close to expiry.
func (c *HTTPClient) bearerToken(ctx context.Context) (string, error) {
	const op = "hacienda.token"

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-tokenSlack)) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {c.cfg.ClientID},
		"username":   {c.cfg.Username},
		"password":   {c.cfg.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", domain.Internal(err, op, "building token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", domain.Network(op, "requesting access token", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", domain.Network(op,
			fmt.Sprintf("identity provider answered %d", resp.StatusCode), nil)
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", domain.Network(op, "decoding token response", err)
	}
	if token.AccessToken == "" {
		return "", domain.Network(op, "identity provider returned an empty token", nil)
	}

	c.token = token.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	return c.token, nil
}
