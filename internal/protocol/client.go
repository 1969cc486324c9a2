package protocol

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deepc0py/WarpDeck/internal/identity"
)

const requestTimeout = 30 * time.Second

// Response is the Protocol Client's uniform return contract: transport
// failures set StatusCode=0; HTTP errors set Success=false with the reason.
type Response struct {
	StatusCode int
	Body       []byte
	Success    bool
	Error      string
}

// Client issues outbound requests to a named peer, pinning the peer's
// advertised fingerprint and presenting its own certificate for mutual
// authentication.
type Client struct {
	identity *identity.Store
	log      *logrus.Entry
}

// NewClient constructs a Client backed by the local identity store's
// certificate.
func NewClient(identityStore *identity.Store, log *logrus.Entry) *Client {
	return &Client{identity: identityStore, log: log}
}

// httpClientFor builds an http.Client whose TLS verification pins the
// server certificate to expectedFingerprint instead of chain-validating
// against a CA, matching the TOFU trust model.
func (c *Client) httpClientFor(expectedFingerprint string) *http.Client {
	tlsCfg := &tls.Config{
		Certificates:       []tls.Certificate{c.identity.TLSCertificate()},
		InsecureSkipVerify: true, // verification is done by VerifyPeerCertificate below
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("protocol: no server certificate presented")
			}
			fp := identity.Fingerprint(rawCerts[0])
			if fp != expectedFingerprint {
				return fmt.Errorf("protocol: %w", errFingerprintMismatch(fp, expectedFingerprint))
			}
			return nil
		},
	}
	return &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsCfg,
		},
	}
}

type fingerprintMismatchError struct {
	got, want string
}

func (e *fingerprintMismatchError) Error() string {
	return fmt.Sprintf("fingerprint mismatch: got %s, expected %s", e.got, e.want)
}

func errFingerprintMismatch(got, want string) error {
	return &fingerprintMismatchError{got: got, want: want}
}

// GetDeviceInfo issues GET /api/v1/info.
func (c *Client) GetDeviceInfo(host string, port int, expectedFingerprint string) Response {
	url := fmt.Sprintf("https://%s:%d/api/v1/info", host, port)
	return c.do(expectedFingerprint, http.MethodGet, url, nil, "")
}

// RequestTransfer issues POST /api/v1/transfer/request.
func (c *Client) RequestTransfer(host string, port int, expectedFingerprint string, req TxRequest) Response {
	url := fmt.Sprintf("https://%s:%d/api/v1/transfer/request", host, port)
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{StatusCode: 0, Success: false, Error: err.Error()}
	}
	return c.do(expectedFingerprint, http.MethodPost, url, bytes.NewReader(payload), "application/json")
}

// UploadFile issues POST /api/v1/transfer/{id}/{index} with an
// application/octet-stream body.
func (c *Client) UploadFile(host string, port int, expectedFingerprint, transferID string, index int, body io.Reader) Response {
	url := fmt.Sprintf("https://%s:%d/api/v1/transfer/%s/%d", host, port, transferID, index)
	return c.do(expectedFingerprint, http.MethodPost, url, body, "application/octet-stream")
}

func (c *Client) do(expectedFingerprint, method, url string, body io.Reader, contentType string) Response {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return Response{StatusCode: 0, Success: false, Error: err.Error()}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	httpClient := c.httpClientFor(expectedFingerprint)
	resp, err := httpClient.Do(req)
	if err != nil {
		return Response{StatusCode: 0, Success: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{StatusCode: resp.StatusCode, Success: false, Error: err.Error()}
	}

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	result := Response{StatusCode: resp.StatusCode, Body: respBody, Success: success}
	if !success {
		var envelope ErrorEnvelope
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Message != "" {
			result.Error = envelope.Message
		} else {
			result.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
	}
	return result
}
