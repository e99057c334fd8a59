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

package command

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRunner() *Runner {
	return NewRunner(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestParseHeaderLiteral(t *testing.T) {
	msg, err := ParseHeader("ping -c 1 127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "ping -c 1 127.0.0.1", msg.Command)
	assert.Equal(t, 30, msg.Timeout)
	assert.Equal(t, "/tmp", msg.Workdir)
}

func TestParseHeaderJSON(t *testing.T) {
	msg, err := ParseHeader(`{"command":"uname","args":"-a","timeout":10,"workdir":"/var"}`)
	require.NoError(t, err)
	assert.Equal(t, "uname", msg.Command)
	assert.Equal(t, "-a", msg.Args)
	assert.Equal(t, 10, msg.Timeout)
	assert.Equal(t, "/var", msg.Workdir)
}

func TestParseHeaderBadTimeoutFallsBack(t *testing.T) {
	msg, err := ParseHeader(`{"command":"uname","timeout":9999}`)
	require.NoError(t, err)
	assert.Equal(t, 30, msg.Timeout)
}

func TestParseHeaderEmpty(t *testing.T) {
	_, err := ParseHeader("   ")
	assert.Error(t, err)
}

func TestSanitizePath(t *testing.T) {
	msg, err := ParseHeader(`{"command":"uname","workdir":"/tmp/../etc"}`)
	require.NoError(t, err)
	assert.NotContains(t, msg.Workdir, "..")
}

func TestWhitelist(t *testing.T) {
	assert.True(t, Allowed("ping -c 1 host"))
	assert.True(t, Allowed("cat /proc/uptime"))
	assert.True(t, Allowed("/etc/init.d/network restart"))
	assert.False(t, Allowed("rm -rf /"))
	assert.False(t, Allowed("cat /etc/shadow"))
	assert.False(t, Allowed(""))
	assert.False(t, Allowed(strings.Repeat("a", 5000)))
}

func TestExecute(t *testing.T) {
	result, err := testRunner().Execute(context.Background(), &Message{Command: "uname", Timeout: 10})
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Zero(t, result.ExitCode)
	assert.NotEmpty(t, result.Stdout)
	assert.GreaterOrEqual(t, result.ExecutionTimeMs, int64(0))
	assert.NotEmpty(t, result.StartTime)
	assert.NotEmpty(t, result.EndTime)
}

func TestExecuteNonZeroExit(t *testing.T) {
	result, err := testRunner().Execute(context.Background(), &Message{Command: "ls /definitely/not/there", Timeout: 10})
	require.NoError(t, err)
	assert.NotZero(t, result.ExitCode)
	assert.NotEmpty(t, result.Stderr)
}

func TestExecuteRejected(t *testing.T) {
	_, err := testRunner().Execute(context.Background(), &Message{Command: "reboot", Timeout: 10})
	assert.Error(t, err)
}

func TestExecuteTimeout(t *testing.T) {
	start := time.Now()
	result, err := testRunner().Execute(context.Background(), &Message{Command: "ping -i 1 127.0.0.1", Timeout: 1})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, -1, result.ExitCode)
	assert.Equal(t, "Command timed out", result.Stderr)
}
