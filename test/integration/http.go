package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// TokenResult is the decoded body of a /token response, covering both the
// success shape (access_token et al.) and the OAuth error shape
// (error/error_description), plus the raw HTTP status so callers can assert
// on either without guessing which one applies first.
type TokenResult struct {
	Status int

	AccessToken     string `json:"access_token"`
	TokenType       string `json:"token_type"`
	Scope           string `json:"scope"`
	IssuedTokenType string `json:"issued_token_type"`

	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func postForm(endpoint string, form url.Values) (*TokenResult, error) {
	resp, err := http.Post(endpoint, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("posting to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	result := &TokenResult{Status: resp.StatusCode}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, fmt.Errorf("decoding response body %q: %w", body, err)
	}
	return result, nil
}

func newBody(s string) io.Reader {
	return bytes.NewBufferString(s)
}

// DecodeJSON decodes resp's body into v and closes it.
func DecodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}
