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

// Package datamodel bridges the agent to the external parameter backend. The
// helper speaks a line-oriented command language on stdin and answers with a
// sequence of JSON lines terminated by a prompt. The bridge is strictly
// serial: one helper invocation at a time, responses in request order.
package datamodel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// Prompt terminates every helper response batch.
const Prompt = "ispappcwmp>"

// DefaultScript is the helper executed for parameter access.
const DefaultScript = "/usr/sbin/ispappcwmp"

// Record is one JSON response line from the helper. Only the fields relevant
// to the current command are populated.
type Record struct {
	Parameter    string `json:"parameter"`
	Value        string `json:"value"`
	Type         string `json:"type"`
	FaultCode    string `json:"fault_code"`
	Notification string `json:"notification"`
	Status       string `json:"status"`
	Instance     string `json:"instance"`

	Manufacturer string `json:"manufacturer"`
	OUI          string `json:"oui"`
	ProductClass string `json:"product_class"`
	SerialNumber string `json:"serial_number"`
}

// Fault reports whether the record carries a CWMP 9xxx fault.
func (r *Record) Fault() bool {
	return strings.HasPrefix(r.FaultCode, "9")
}

// Bridge invokes the external helper. Safe for use from a single goroutine;
// the mutex only guards against concurrent trigger sources.
type Bridge struct {
	mu     sync.Mutex
	log    *slog.Logger
	script string
}

// New returns a bridge around the given helper script. An empty script falls
// back to DefaultScript.
func New(script string, log *slog.Logger) *Bridge {
	if script == "" {
		script = DefaultScript
	}
	return &Bridge{log: log, script: script}
}

// Tx is one helper invocation: commands are written first, then Commit reads
// every response line up to the prompt.
type Tx struct {
	bridge *Bridge
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	err    error
}

// Begin starts the helper. The bridge stays locked until Commit.
func (b *Bridge) Begin(ctx context.Context) (*Tx, error) {
	b.mu.Lock()
	cmd := exec.CommandContext(ctx, b.script)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("helper stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("starting helper %s: %w", b.script, err)
	}
	return &Tx{bridge: b, cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// Exec writes one command line, e.g. ("set", "value", name, value) or
// ("apply", "notification").
func (t *Tx) Exec(parts ...string) {
	if t.err != nil {
		return
	}
	line := strings.Join(parts, " ")
	t.bridge.log.Debug("datamodel command", "line", line)
	if _, err := io.WriteString(t.stdin, line+"\n"); err != nil {
		t.err = fmt.Errorf("writing helper command: %w", err)
	}
}

// Commit closes the command stream, collects the JSON records up to the
// prompt and reaps the helper.
func (t *Tx) Commit() ([]Record, error) {
	defer t.bridge.mu.Unlock()
	t.stdin.Close()
	var records []Record
	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, Prompt) {
			break
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.bridge.log.Warn("unparseable helper response line", "line", line, "err", err)
			continue
		}
		records = append(records, rec)
	}
	scanErr := scanner.Err()
	waitErr := t.cmd.Wait()
	if t.err != nil {
		return nil, t.err
	}
	if scanErr != nil {
		return nil, fmt.Errorf("reading helper response: %w", scanErr)
	}
	if waitErr != nil {
		return nil, fmt.Errorf("helper exited: %w", waitErr)
	}
	return records, nil
}

// Run executes a single command batch: each element of lines is one command
// given as its space-separated parts.
func (b *Bridge) Run(ctx context.Context, lines ...[]string) ([]Record, error) {
	tx, err := b.Begin(ctx)
	if err != nil {
		return nil, err
	}
	for _, parts := range lines {
		tx.Exec(parts...)
	}
	return tx.Commit()
}

// InformParameters returns the parameter set carried by every Inform.
func (b *Bridge) InformParameters(ctx context.Context) ([]Record, error) {
	return b.Run(ctx, []string{"inform", "parameter"})
}

// CheckValueChange polls the backend for parameters whose value changed.
func (b *Bridge) CheckValueChange(ctx context.Context) ([]Record, error) {
	return b.Run(ctx, []string{"check_value_change"})
}

// DeviceID reads the device identity from the backend.
func (b *Bridge) DeviceID(ctx context.Context) (manufacturer, oui, productClass, serial string, err error) {
	records, err := b.Run(ctx, []string{"inform", "device_id"})
	if err != nil {
		return "", "", "", "", err
	}
	for _, rec := range records {
		if rec.SerialNumber != "" || rec.OUI != "" {
			return rec.Manufacturer, rec.OUI, rec.ProductClass, rec.SerialNumber, nil
		}
	}
	return "", "", "", "", fmt.Errorf("helper returned no device identity")
}

// Download hands a queued download to the backend and returns the CWMP fault
// code of the attempt, 0 on success.
func (b *Bridge) Download(ctx context.Context, url, fileType, fileSize, username, password string) (int, error) {
	records, err := b.Run(ctx, []string{"download", url, fileType, fileSize, username, password})
	if err != nil {
		return 0, err
	}
	return transferFault(records), nil
}

// Upload hands a queued upload to the backend.
func (b *Bridge) Upload(ctx context.Context, url, fileType, username, password string) (int, error) {
	records, err := b.Run(ctx, []string{"upload", url, fileType, username, password})
	if err != nil {
		return 0, err
	}
	return transferFault(records), nil
}

func transferFault(records []Record) int {
	for _, rec := range records {
		if rec.Fault() {
			var code int
			fmt.Sscanf(rec.FaultCode, "%d", &code)
			return code
		}
	}
	return 0
}
