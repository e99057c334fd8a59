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

// Package command executes whitelisted local diagnostics commands on behalf
// of the connection-request side channel.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const (
	maxCommandLength = 1024
	maxOutputSize    = 1 << 20 // 1 MiB per stream
	defaultTimeout   = 30 * time.Second
	maxTimeout       = 300 * time.Second
)

// safeCommandPatterns is the prefix whitelist; anything else is refused.
var safeCommandPatterns = []string{
	"ping",
	"ping6",
	"traceroute",
	"traceroute6",
	"nslookup",
	"dig",
	"curl",
	"wget",
	"iperf",
	"iperf3",
	"speedtest",
	"uci",
	"cat /proc/",
	"cat /sys/",
	"ls",
	"ps",
	"top",
	"free",
	"df",
	"uptime",
	"date",
	"whoami",
	"id",
	"uname",
	"ifconfig",
	"ip",
	"route",
	"netstat",
	"ss",
	"iwconfig",
	"iwlist",
	"logread",
	"dmesg",
	"log",
	"logcat",
	"ethtool",
	"spectraltool",
	"iw",
	"iwinfo",
	"luci-reload",
	"/etc/init.d/",
}

// Message is one execution request, either a literal command string or the
// JSON form carried in the request header.
type Message struct {
	Command string `json:"command"`
	Args    string `json:"args"`
	Timeout int    `json:"timeout"`
	Workdir string `json:"workdir"`
	User    string `json:"user"`
}

// Result is the execution outcome serialized back to the caller.
type Result struct {
	Status          string `json:"status"`
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
}

// Runner validates and executes side-channel commands.
type Runner struct {
	log *slog.Logger
}

// NewRunner returns a command runner.
func NewRunner(log *slog.Logger) *Runner {
	return &Runner{log: log}
}

// ParseHeader decodes the X-ISPAPP-Command header value: a JSON object or a
// bare command string.
func ParseHeader(value string) (*Message, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty command header")
	}
	msg := &Message{Timeout: int(defaultTimeout / time.Second), Workdir: "/tmp"}
	if strings.HasPrefix(value, "{") {
		if err := json.Unmarshal([]byte(value), msg); err != nil {
			return nil, fmt.Errorf("invalid command json: %w", err)
		}
		if msg.Timeout <= 0 || msg.Timeout > int(maxTimeout/time.Second) {
			msg.Timeout = int(defaultTimeout / time.Second)
		}
		msg.Workdir = sanitizePath(msg.Workdir)
	} else {
		msg.Command = value
	}
	if len(msg.Command) > maxCommandLength {
		return nil, fmt.Errorf("command too long")
	}
	return msg, nil
}

// sanitizePath neutralizes directory-traversal sequences.
func sanitizePath(path string) string {
	for _, seq := range []string{"../", "..\\", "/..", "\\.."} {
		path = strings.ReplaceAll(path, seq, strings.Repeat("_", len(seq)))
	}
	return path
}

// Allowed reports whether the command matches the whitelist.
func Allowed(command string) bool {
	if command == "" || len(command) > maxCommandLength {
		return false
	}
	for _, prefix := range safeCommandPatterns {
		if strings.HasPrefix(command, prefix) {
			return true
		}
	}
	return false
}

// Execute runs the command through the shell with a hard timeout, capturing
// at most 1 MiB of each output stream.
func (r *Runner) Execute(ctx context.Context, msg *Message) (*Result, error) {
	if msg == nil || msg.Command == "" {
		return nil, fmt.Errorf("no command given")
	}
	if !Allowed(msg.Command) {
		r.log.Warn("command not in whitelist", "command", msg.Command)
		return nil, fmt.Errorf("command not allowed")
	}

	full := msg.Command
	if msg.Args != "" {
		full = msg.Command + " " + msg.Args
	}

	timeout := time.Duration(msg.Timeout) * time.Second
	if timeout <= 0 || timeout > maxTimeout {
		timeout = defaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", full)
	if msg.Workdir != "" {
		cmd.Dir = msg.Workdir
	}
	var stdout, stderr cappedBuffer
	stdout.limit = maxOutputSize
	stderr.limit = maxOutputSize
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	end := time.Now()

	result := &Result{
		Status:          "success",
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		ExecutionTimeMs: end.Sub(start).Milliseconds(),
		StartTime:       start.Format("2006-01-02T15:04:05.000"),
		EndTime:         end.Format("2006-01-02T15:04:05.000"),
	}
	switch {
	case cctx.Err() == context.DeadlineExceeded:
		result.ExitCode = -1
		result.Stderr = "Command timed out"
	case err != nil:
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("executing command: %w", err)
		}
	}

	r.log.Info("command executed", "command", msg.Command, "exit_code", result.ExitCode, "time_ms", result.ExecutionTimeMs)
	return result, nil
}

// cappedBuffer keeps the first limit bytes and drops the rest.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if c.buf.Len() >= c.limit {
		return n, nil
	}
	if c.buf.Len()+len(p) > c.limit {
		p = p[:c.limit-c.buf.Len()]
	}
	c.buf.Write(p)
	return n, nil
}

func (c *cappedBuffer) String() string { return c.buf.String() }

var _ io.Writer = (*cappedBuffer)(nil)
