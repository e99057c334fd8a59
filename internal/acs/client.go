// Copyright 2023 N4-Networks.com
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package acs is the HTTP client half of the CWMP session: one logical
// connection per session, POSTing SOAP envelopes to the ACS and relaying the
// responses back to the engine. An empty POST tells the ACS the CPE has
// nothing more to send.
package acs

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"time"

	"github.com/Niceblueman/ispapp-cwmpclient/pkg/config"
)

const (
	userAgent   = "ispappcwmp"
	postTimeout = 30 * time.Second
)

// Client talks to one ACS. Redirects observed during a session update the
// working URL only; the configured URL is restored by Reset.
type Client struct {
	log        *slog.Logger
	cfg        config.ACSConfig
	workingURL string
	cookiePath string
	jar        *cookiejar.Jar
	httpc      *http.Client
	digest     *digestState
}

// New builds a client for the configured ACS. The cookie jar is seeded from
// cookiePath when that file exists; Close removes the file, so a client that
// was closed leaves no cookies for the next one.
func New(cfg config.ACSConfig, cookiePath string, log *slog.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	transport := &http.Transport{}
	tlsConfig := &tls.Config{}
	if !cfg.SSLVerifyEnabled() {
		tlsConfig.InsecureSkipVerify = true
	}
	if cfg.SSLCACert != "" {
		pem, err := os.ReadFile(cfg.SSLCACert)
		if err != nil {
			return nil, fmt.Errorf("reading acs ca certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.SSLCACert)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.SSLCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.SSLCert, cfg.SSLCert)
		if err != nil {
			return nil, fmt.Errorf("loading acs client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	transport.TLSClientConfig = tlsConfig

	c := &Client{
		log:        log,
		cfg:        cfg,
		workingURL: cfg.URL,
		cookiePath: cookiePath,
		jar:        jar,
		httpc: &http.Client{
			Jar:       jar,
			Transport: transport,
			Timeout:   postTimeout,
			// Redirects swap the working URL for the rest of the session;
			// the retried POST is issued by Send itself.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	c.loadCookies()
	return c, nil
}

// Reset rearms the client for a fresh session against the configured URL.
func (c *Client) Reset() {
	c.workingURL = c.cfg.URL
	c.digest = nil
}

// URL returns the current working ACS URL.
func (c *Client) URL() string { return c.workingURL }

// Send POSTs a SOAP envelope (or, with msg nil, the empty body closing the
// CPE's turn) and returns the response body. A nil return with no error is
// the ACS's empty response.
func (c *Client) Send(ctx context.Context, msg []byte) ([]byte, error) {
	body, err := c.sendOnce(ctx, msg, true, true)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) sendOnce(ctx context.Context, msg []byte, allowRedirect, allowAuthRetry bool) ([]byte, error) {
	req, err := c.newRequest(ctx, msg)
	if err != nil {
		return nil, err
	}
	if c.digest != nil {
		req.Header.Set("Authorization", c.digest.authorize("POST", req.URL.RequestURI(), c.cfg.Username, c.cfg.Password))
	}

	if msg != nil {
		c.log.Debug("send http request", "body", string(msg))
	} else {
		c.log.Debug("send empty http request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting to acs: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusFound, http.StatusTemporaryRedirect:
		if !allowRedirect {
			return nil, fmt.Errorf("acs redirect loop")
		}
		loc := resp.Header.Get("Location")
		if loc == "" {
			return nil, fmt.Errorf("acs redirect without location")
		}
		io.Copy(io.Discard, resp.Body)
		c.log.Info("following acs redirect", "url", loc)
		c.workingURL = loc
		return c.sendOnce(ctx, msg, false, allowAuthRetry)

	case http.StatusUnauthorized:
		if !allowAuthRetry {
			return nil, fmt.Errorf("acs authentication failed")
		}
		challenge := resp.Header.Get("WWW-Authenticate")
		io.Copy(io.Discard, resp.Body)
		if err := c.applyChallenge(challenge); err != nil {
			return nil, err
		}
		return c.sendOnce(ctx, msg, allowRedirect, false)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return nil, fmt.Errorf("acs returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading acs response: %w", err)
	}
	c.saveCookies()

	if len(bytes.TrimSpace(data)) == 0 {
		c.log.Debug("received empty http response")
		return nil, nil
	}
	c.log.Debug("received http response", "body", string(data))
	return data, nil
}

func (c *Client) newRequest(ctx context.Context, msg []byte) (*http.Request, error) {
	var body io.Reader
	if msg != nil {
		body = bytes.NewReader(msg)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.workingURL, body)
	if err != nil {
		return nil, fmt.Errorf("building acs request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	if msg != nil {
		// TR-069 wants a SOAPAction header with no value on non-empty posts.
		// The raw map key keeps the exact casing on the wire.
		req.Header["SOAPAction"] = []string{""}
		req.ContentLength = int64(len(msg))
	} else {
		req.ContentLength = 0
	}
	return req, nil
}

// applyChallenge picks Basic or Digest from the server challenge.
func (c *Client) applyChallenge(challenge string) error {
	switch {
	case hasScheme(challenge, "Digest"):
		state, err := parseDigestChallenge(challenge)
		if err != nil {
			return fmt.Errorf("parsing digest challenge: %w", err)
		}
		c.digest = state
		return nil
	case hasScheme(challenge, "Basic"):
		c.digest = &digestState{basic: true}
		return nil
	}
	return fmt.Errorf("unsupported acs auth challenge %q", challenge)
}

// cookieFile is the serialized form of the jar entries for the ACS URL.
type cookieFile struct {
	URL     string         `json:"url"`
	Cookies []*http.Cookie `json:"cookies"`
}

func (c *Client) loadCookies() {
	if c.cookiePath == "" {
		return
	}
	data, err := os.ReadFile(c.cookiePath)
	if err != nil {
		return
	}
	var saved cookieFile
	if err := json.Unmarshal(data, &saved); err != nil {
		c.log.Warn("unreadable cookie file", "path", c.cookiePath, "err", err)
		return
	}
	u, err := url.Parse(saved.URL)
	if err != nil {
		return
	}
	c.jar.SetCookies(u, saved.Cookies)
}

func (c *Client) saveCookies() {
	if c.cookiePath == "" {
		return
	}
	u, err := url.Parse(c.workingURL)
	if err != nil {
		return
	}
	saved := cookieFile{URL: c.workingURL, Cookies: c.jar.Cookies(u)}
	data, err := json.Marshal(&saved)
	if err != nil {
		return
	}
	if err := os.WriteFile(c.cookiePath, data, 0o600); err != nil {
		c.log.Warn("cannot write cookie file", "path", c.cookiePath, "err", err)
	}
}

// Close drops the on-disk cookie file; it is private to this process.
func (c *Client) Close() {
	if c.cookiePath == "" {
		return
	}
	if err := os.Remove(c.cookiePath); err != nil && !os.IsNotExist(err) {
		c.log.Info("cannot remove cookie file", "path", c.cookiePath, "err", err)
	}
}
