// Package lapi fala com a API LAPI dos devices (câmeras e AI boxes) para
// descobrir canais e capacidades durante o cadastro.
package lapi

import (
	"context"
	"crypto/md5"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/sua-org/cam-counter/internal/config"
	"github.com/sua-org/cam-counter/internal/logging"
	"github.com/sua-org/cam-counter/internal/metrics"
)

// limite de leitura das respostas do device
const maxBodyBytes = 4 << 20

type Credentials struct {
	Username string
	Password string
}

type response struct {
	Status int
	Body   []byte
}

func (r *response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Dialer entrega clientes por IP; o circuit breaker é um por device e
// sobrevive entre requisições.
type Dialer struct {
	cfg    config.DeviceConfig
	http   *http.Client
	scheme string

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*response]

	log zerolog.Logger
}

func NewDialer(cfg config.DeviceConfig) *Dialer {
	return &Dialer{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		scheme:   "http",
		breakers: make(map[string]*gobreaker.CircuitBreaker[*response]),
		log:      logging.Component("lapi"),
	}
}

func (d *Dialer) breaker(host string) *gobreaker.CircuitBreaker[*response] {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[host]; ok {
		return cb
	}
	name := "lapi-" + host
	failures := d.cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     d.cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
	d.breakers[host] = cb
	return cb
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Client é um device com credenciais.
type Client struct {
	d     *Dialer
	host  string
	creds Credentials
	cb    *gobreaker.CircuitBreaker[*response]
}

func (d *Dialer) Client(host string, creds Credentials) *Client {
	return &Client{d: d, host: host, creds: creds, cb: d.breaker(host)}
}

func (c *Client) url(path string) string {
	return fmt.Sprintf("%s://%s%s", c.d.scheme, c.host, path)
}

// get faz o GET com digest pelo breaker. 5xx e erro de rede contam como
// falha do device; 4xx volta como resposta normal.
func (c *Client) get(ctx context.Context, endpoint, path string) (*response, error) {
	resp, err := c.cb.Execute(func() (*response, error) {
		r, err := c.doDigest(ctx, http.MethodGet, c.url(path))
		if err != nil {
			return nil, err
		}
		if r.Status >= 500 {
			return r, fmt.Errorf("device returned %d", r.Status)
		}
		return r, nil
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.DeviceRequests.WithLabelValues(endpoint, "rejected").Inc()
		return nil, fmt.Errorf("device %s unavailable: %w", c.host, err)
	case err != nil:
		metrics.DeviceRequests.WithLabelValues(endpoint, "failure").Inc()
		if resp != nil {
			return resp, nil
		}
		return nil, err
	}
	metrics.DeviceRequests.WithLabelValues(endpoint, "success").Inc()
	return resp, nil
}

// ----------------------------------
// Digest Auth helper
// ----------------------------------

func (c *Client) doDigest(ctx context.Context, method, rawURL string) (*response, error) {
	// 1ª tentativa sem Authorization, só pra pegar WWW-Authenticate
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.d.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return readResponse(resp)
	}

	authHeader := resp.Header.Get("WWW-Authenticate")
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	digest, err := parseDigestAuthHeader(authHeader)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	req2, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req2.Header.Set("Accept", "application/json")
	req2.Header.Set("Authorization", digestAuthorization(c.creds, digest, method, u.RequestURI(), randomHex(16)))

	resp2, err := c.d.http.Do(req2)
	if err != nil {
		return nil, err
	}
	return readResponse(resp2)
}

func readResponse(resp *http.Response) (*response, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read device response: %w", err)
	}
	return &response{Status: resp.StatusCode, Body: body}, nil
}

type digestChallenge struct {
	Realm  string
	Nonce  string
	Qop    string
	Opaque string
}

var digestRx = regexp.MustCompile(`(\w+)="([^"]*)"|(\w+)=([^,\s]+)`)

func parseDigestAuthHeader(h string) (*digestChallenge, error) {
	if !strings.HasPrefix(strings.ToLower(h), "digest ") {
		return nil, fmt.Errorf("WWW-Authenticate não é Digest: %s", h)
	}
	h = strings.TrimSpace(h[len("Digest "):])
	res := &digestChallenge{}
	for _, kv := range digestRx.FindAllStringSubmatch(h, -1) {
		k, v := kv[1], kv[2]
		if k == "" {
			k, v = kv[3], kv[4]
		}
		switch strings.ToLower(k) {
		case "realm":
			res.Realm = v
		case "nonce":
			res.Nonce = v
		case "qop":
			res.Qop = v
		case "opaque":
			res.Opaque = v
		}
	}
	if res.Realm == "" || res.Nonce == "" {
		return nil, fmt.Errorf("realm/nonce ausentes em WWW-Authenticate: %s", h)
	}
	// "auth,auth-int" -> auth
	if res.Qop == "" || strings.Contains(res.Qop, "auth") {
		res.Qop = "auth"
	}
	return res, nil
}

func digestAuthorization(creds Credentials, ch *digestChallenge, method, uri, cnonce string) string {
	nc := "00000001"
	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", creds.Username, ch.Realm, creds.Password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))
	resp := md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, ch.Nonce, nc, cnonce, ch.Qop, ha2))

	v := fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", algorithm=MD5, response="%s", qop=%s, nc=%s, cnonce="%s"`,
		creds.Username, ch.Realm, ch.Nonce, uri, resp, ch.Qop, nc, cnonce,
	)
	if ch.Opaque != "" {
		v += fmt.Sprintf(`, opaque="%s"`, ch.Opaque)
	}
	return v
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = crand.Read(b)
	return hex.EncodeToString(b)
}
