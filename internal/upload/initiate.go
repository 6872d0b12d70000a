package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// APIKeyEnv names the environment variable holding the upload API key.
const APIKeyEnv = "DATA_THEOREM_UPLOAD_API_KEY"

// ValidateAPIKey checks the API key before any request is made. A nil key
// means the variable was never set.
func ValidateAPIKey(apiKey *string) (Outcome, bool) {
	switch {
	case apiKey != nil && strings.HasPrefix(*apiKey, "APIKey"):
		return Failed(KindConfiguration, `Error your upload APIKey shouldn't start with "APIKey"`), false
	case apiKey != nil && *apiKey == "":
		return Failed(KindConfiguration, "Upload APIKey secret key is empty"), false
	case apiKey == nil:
		return Failed(KindConfiguration, "Missing Data Theorem upload APIKey:\n"+
			`Ensure "`+APIKeyEnv+`" is set as an environment variable in the build environment`), false
	}
	return Outcome{}, true
}

type initCase int

const (
	initUnresolvedHost initCase = iota
	initTransportError
	initUnauthorized
	initValidPayload
	initInvalidPayload
	initEmptyBody
	initOtherStatus
)

type initResponse struct {
	kind    initCase
	status  int
	body    string
	err     error
	session *Session
}

type initPayload struct {
	UploadURL *string `json:"upload_url"`
}

func classifyInit(resp *http.Response, body []byte, err error) initResponse {
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return initResponse{kind: initUnresolvedHost, err: err}
		}
		return initResponse{kind: initTransportError, err: err}
	}

	r := initResponse{status: resp.StatusCode, body: string(body)}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		r.kind = initUnauthorized
	case resp.StatusCode != http.StatusOK:
		r.kind = initOtherStatus
	case len(body) == 0:
		r.kind = initEmptyBody
	default:
		var payload initPayload
		if jerr := json.Unmarshal(body, &payload); jerr != nil || payload.UploadURL == nil || *payload.UploadURL == "" {
			r.kind = initInvalidPayload
			return r
		}
		r.kind = initValidPayload
		r.session = &Session{UploadURL: *payload.UploadURL}
	}
	return r
}

func (r initResponse) outcome() Outcome {
	switch r.kind {
	case initUnauthorized:
		return Failed(KindService, "Data Theorem upload_init call Forbidden Access: "+r.body)
	case initValidPayload:
		return Succeeded("Successfully retrieved the download URL from Data Theorem: " + r.body)
	case initInvalidPayload:
		return Failed(KindService, "Data Theorem upload_init wrong payload: "+r.body)
	case initEmptyBody:
		return Failed(KindService, "Data Theorem upload_init call error: Empty body response")
	case initOtherStatus:
		return Failed(KindService, fmt.Sprintf("Data Theorem upload_init call error: HTTP %d: %s", r.status, r.body))
	case initUnresolvedHost:
		return Failed(KindConnectivity, "Data Theorem upload_init call error: could not resolve host: "+r.err.Error())
	case initTransportError:
		return Failed(KindConnectivity, "Data Theorem upload_init call error: "+r.err.Error())
	}
	return Failed(KindService, "Data Theorem upload_init call error: unclassified response")
}

// Initiate exchanges the API key for a one-time upload URL. The returned
// Session is non-nil exactly when the Outcome is successful.
func (c *Client) Initiate(ctx context.Context, apiKey *string) (*Session, Outcome) {
	if out, ok := ValidateAPIKey(apiKey); !ok {
		return nil, out
	}

	c.sink.Println("Retrieving the upload URL from Data Theorem...")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.initURL, http.NoBody)
	if err != nil {
		return nil, Failed(KindConfiguration, "Data Theorem upload_init call error: "+err.Error())
	}
	c.setHeaders(req.Header)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "APIKEY "+*apiKey)

	resp, err := c.httpClient().Do(req)
	var body []byte
	if err == nil {
		c.sink.Println(resp.Proto + " " + resp.Status)
		body, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
	}

	r := classifyInit(resp, body, err)
	out := r.outcome()
	if !out.Success {
		return nil, out
	}
	c.sink.Println(out.Message)
	return r.session, out
}
