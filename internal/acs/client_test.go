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

package acs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Niceblueman/ispapp-cwmpclient/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func newClient(t *testing.T, cfg config.ACSConfig) *Client {
	t.Helper()
	c, err := New(cfg, filepath.Join(t.TempDir(), "cookies"), testLogger())
	require.NoError(t, err)
	return c
}

func TestSendAndReceive(t *testing.T) {
	var gotBody string
	var gotHeaders http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotHeaders = r.Header.Clone()
		w.Write([]byte("<resp/>"))
	}))
	defer ts.Close()

	c := newClient(t, config.ACSConfig{URL: ts.URL})
	resp, err := c.Send(context.Background(), []byte("<env/>"))
	require.NoError(t, err)
	assert.Equal(t, "<resp/>", string(resp))
	assert.Equal(t, "<env/>", gotBody)
	assert.Equal(t, "ispappcwmp", gotHeaders.Get("User-Agent"))
	assert.Equal(t, `text/xml; charset="utf-8"`, gotHeaders.Get("Content-Type"))
	_, hasSOAPAction := gotHeaders["Soapaction"]
	assert.True(t, hasSOAPAction)
}

func TestEmptyPostOmitsSOAPAction(t *testing.T) {
	var gotHeaders http.Header
	var gotLength int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotLength = r.ContentLength
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c := newClient(t, config.ACSConfig{URL: ts.URL})
	resp, err := c.Send(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Zero(t, gotLength)
	_, hasSOAPAction := gotHeaders["Soapaction"]
	assert.False(t, hasSOAPAction)
}

func TestRedirectSwapsWorkingURL(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "<env/>", string(body))
		w.Write([]byte("<ok/>"))
	}))
	defer target.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer origin.Close()

	c := newClient(t, config.ACSConfig{URL: origin.URL})
	resp, err := c.Send(context.Background(), []byte("<env/>"))
	require.NoError(t, err)
	assert.Equal(t, "<ok/>", string(resp))
	// The working URL follows the redirect for the rest of the session.
	assert.Equal(t, target.URL, c.URL())

	c.Reset()
	assert.Equal(t, origin.URL, c.URL())
}

func TestBasicAuthNegotiation(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="acs"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "cpe", user)
		require.Equal(t, "secret", pass)
		w.Write([]byte("<ok/>"))
	}))
	defer ts.Close()

	c := newClient(t, config.ACSConfig{URL: ts.URL, Username: "cpe", Password: "secret"})
	resp, err := c.Send(context.Background(), []byte("<env/>"))
	require.NoError(t, err)
	assert.Equal(t, "<ok/>", string(resp))
	assert.Equal(t, 2, attempts)
}

func md5sum(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestDigestAuthNegotiation(t *testing.T) {
	const (
		realm = "acs@test"
		nonce = "abc123"
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf(`Digest realm=%q, qop="auth", nonce=%q, opaque="xyz"`, realm, nonce))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.True(t, strings.HasPrefix(auth, "Digest "))
		params := map[string]string{}
		for _, part := range strings.Split(auth[len("Digest "):], ", ") {
			key, value, _ := strings.Cut(part, "=")
			params[key] = strings.Trim(value, `"`)
		}
		ha1 := md5sum("cpe:" + realm + ":secret")
		ha2 := md5sum("POST:" + r.URL.RequestURI())
		expected := md5sum(strings.Join([]string{ha1, nonce, params["nc"], params["cnonce"], "auth", ha2}, ":"))
		require.Equal(t, expected, params["response"], "digest response mismatch")
		require.Equal(t, "xyz", params["opaque"])
		w.Write([]byte("<ok/>"))
	}))
	defer ts.Close()

	c := newClient(t, config.ACSConfig{URL: ts.URL, Username: "cpe", Password: "secret"})
	resp, err := c.Send(context.Background(), []byte("<env/>"))
	require.NoError(t, err)
	assert.Equal(t, "<ok/>", string(resp))

	// The negotiated digest is reused preemptively.
	resp, err = c.Send(context.Background(), []byte("<env2/>"))
	require.NoError(t, err)
	assert.Equal(t, "<ok/>", string(resp))
}

func TestNon2xxFailsSession(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := newClient(t, config.ACSConfig{URL: ts.URL})
	_, err := c.Send(context.Background(), []byte("<env/>"))
	assert.Error(t, err)
}

func TestCookiePersistence(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "affinity"})
		w.Write([]byte("<ok/>"))
	}))
	defer ts.Close()

	cookiePath := filepath.Join(t.TempDir(), "cookies")
	c, err := New(config.ACSConfig{URL: ts.URL}, cookiePath, testLogger())
	require.NoError(t, err)
	_, err = c.Send(context.Background(), []byte("<env/>"))
	require.NoError(t, err)

	data, err := os.ReadFile(cookiePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "affinity")

	c.Close()
	_, err = os.Stat(cookiePath)
	assert.True(t, os.IsNotExist(err))
}
