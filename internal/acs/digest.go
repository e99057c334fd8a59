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
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// digestState carries the negotiated authentication scheme for the rest of
// the session: either plain Basic or an RFC 2617 digest challenge with its
// nonce counter.
type digestState struct {
	basic bool

	realm     string
	nonce     string
	opaque    string
	qop       string
	algorithm string
	nc        uint32
}

func hasScheme(challenge, scheme string) bool {
	return len(challenge) >= len(scheme) && strings.EqualFold(challenge[:len(scheme)], scheme)
}

func parseDigestChallenge(challenge string) (*digestState, error) {
	if !hasScheme(challenge, "Digest") {
		return nil, fmt.Errorf("not a digest challenge")
	}
	state := &digestState{algorithm: "MD5"}
	for _, part := range splitChallenge(challenge[len("Digest"):]) {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch key {
		case "realm":
			state.realm = value
		case "nonce":
			state.nonce = value
		case "opaque":
			state.opaque = value
		case "qop":
			// Pick auth when offered; auth-int is not supported.
			for _, q := range strings.Split(value, ",") {
				if strings.TrimSpace(q) == "auth" {
					state.qop = "auth"
				}
			}
		case "algorithm":
			state.algorithm = value
		}
	}
	if state.nonce == "" {
		return nil, fmt.Errorf("digest challenge carries no nonce")
	}
	return state, nil
}

// splitChallenge splits on commas outside quoted strings.
func splitChallenge(s string) []string {
	var parts []string
	var cur strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ',' && !quoted:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// authorize renders the Authorization header for one request.
func (d *digestState) authorize(method, uri, username, password string) string {
	if d.basic {
		cred := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		return "Basic " + cred
	}

	d.nc++
	nc := fmt.Sprintf("%08x", d.nc)
	cnonce := newCnonce()

	ha1 := md5Hex(username + ":" + d.realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)

	var response string
	if d.qop == "auth" {
		response = md5Hex(strings.Join([]string{ha1, d.nonce, nc, cnonce, d.qop, ha2}, ":"))
	} else {
		response = md5Hex(ha1 + ":" + d.nonce + ":" + ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q`,
		username, d.realm, d.nonce, uri, response)
	if d.algorithm != "" {
		fmt.Fprintf(&b, `, algorithm=%s`, d.algorithm)
	}
	if d.qop == "auth" {
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce=%q`, d.qop, nc, cnonce)
	}
	if d.opaque != "" {
		fmt.Fprintf(&b, `, opaque=%q`, d.opaque)
	}
	return b.String()
}

func newCnonce() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
