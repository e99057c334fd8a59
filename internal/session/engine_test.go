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

package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Niceblueman/ispapp-cwmpclient/internal/acs"
	"github.com/Niceblueman/ispapp-cwmpclient/internal/backup"
	"github.com/Niceblueman/ispapp-cwmpclient/internal/datamodel"
	"github.com/Niceblueman/ispapp-cwmpclient/pkg/config"
	"github.com/Niceblueman/ispapp-cwmpclient/pkg/cwmp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// writeHelper creates the fake data-model helper: it answers every
// invocation with the canned lines and the prompt.
func writeHelper(t *testing.T, lines ...string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("#!/bin/sh\ncat >/dev/null\n")
	for _, line := range lines {
		fmt.Fprintf(&b, "echo '%s'\n", line)
	}
	b.WriteString("echo 'ispappcwmp>'\n")
	path := filepath.Join(t.TempDir(), "helper.sh")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o755))
	return path
}

const deviceIDLine = `{"manufacturer":"ACME","oui":"001122","product_class":"router","serial_number":"SN100"}`

// fakeACS is a minimal ACS: it records Inform bodies, answers with
// InformResponse, and ends the session on the empty POST.
type fakeACS struct {
	mu       sync.Mutex
	informs  []string
	requests []string
	// respondWith8005 fails every Inform with the retry fault.
	respondWith8005 bool
}

const informResponseBody = `<?xml version="1.0" encoding="UTF-8"?>` +
	`<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-2">` +
	`<soap:Header><cwmp:ID>1</cwmp:ID></soap:Header>` +
	`<soap:Body><cwmp:InformResponse><MaxEnvelopes>1</MaxEnvelopes></cwmp:InformResponse></soap:Body></soap:Envelope>`

const fault8005Body = `<?xml version="1.0" encoding="UTF-8"?>` +
	`<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-2">` +
	`<soap:Body><soap:Fault><faultcode>Server</faultcode><faultstring>CWMP fault</faultstring>` +
	`<detail><cwmp:Fault><FaultCode>8005</FaultCode><FaultString>Retry request</FaultString></cwmp:Fault></detail>` +
	`</soap:Fault></soap:Body></soap:Envelope>`

const transferCompleteResponseBody = `<?xml version="1.0" encoding="UTF-8"?>` +
	`<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-2">` +
	`<soap:Header><cwmp:ID>2</cwmp:ID></soap:Header>` +
	`<soap:Body><cwmp:TransferCompleteResponse/></soap:Body></soap:Envelope>`

func (f *fakeACS) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		text := string(body)
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(strings.TrimSpace(text)) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		f.requests = append(f.requests, text)
		w.Header().Set("Content-Type", "text/xml")
		switch {
		case strings.Contains(text, "cwmp:Inform>"):
			f.informs = append(f.informs, text)
			if f.respondWith8005 {
				w.Write([]byte(fault8005Body))
				return
			}
			w.Write([]byte(informResponseBody))
		case strings.Contains(text, "cwmp:TransferComplete>"):
			w.Write([]byte(transferCompleteResponseBody))
		default:
			// Responses to other CPE messages end the session.
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

func newTestEngine(t *testing.T, acsURL, helper string) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Device: config.DeviceConfig{SoftwareVersion: "1.0"},
		ACS:    config.ACSConfig{URL: acsURL},
		Local:  config.LocalConfig{Port: 7547, Interface: "lo"},
	}
	log := testLogger()
	store := backup.New(&backup.FileSink{Path: filepath.Join(dir, ".backup.xml")}, log)
	bridge := datamodel.New(helper, log)
	client, err := acs.New(cfg.ACS, filepath.Join(dir, "cookies"), log)
	require.NoError(t, err)
	return New(Params{
		Config: cfg,
		Store:  store,
		Bridge: bridge,
		Client: client,
		Log:    log,
	})
}

func TestColdStartBootInform(t *testing.T) {
	acsServer := &fakeACS{}
	ts := httptest.NewServer(acsServer.handler())
	defer ts.Close()

	helper := writeHelper(t, deviceIDLine)
	e := newTestEngine(t, ts.URL, helper)
	require.NoError(t, e.Init(context.Background(), true))

	require.Len(t, e.events, 1)
	assert.Equal(t, cwmp.EventBoot, e.events[0].Code)

	e.runSession(context.Background())

	require.Len(t, acsServer.informs, 1)
	inform := acsServer.informs[0]
	assert.Equal(t, 1, strings.Count(inform, "<EventStruct>"))
	assert.Contains(t, inform, "<EventCode>1 BOOT</EventCode>")
	assert.Contains(t, inform, "<RetryCount>0</RetryCount>")
	assert.Contains(t, inform, "<SerialNumber>SN100</SerialNumber>")

	// BOOT is removed after the acknowledged inform.
	assert.Empty(t, e.events)
	assert.Zero(t, e.retryCount)
}

func TestSessionFailureSchedulesRetry(t *testing.T) {
	helper := writeHelper(t, deviceIDLine)
	e := newTestEngine(t, "http://127.0.0.1:1/unreachable", helper)
	require.NoError(t, e.Init(context.Background(), true))

	e.runSession(context.Background())
	assert.Equal(t, 1, e.retryCount)
	// Events survive the failed session.
	require.Len(t, e.events, 1)
	assert.Equal(t, cwmp.EventBoot, e.events[0].Code)
	assert.True(t, e.informPending)
}

func TestFault8005FailsSession(t *testing.T) {
	acsServer := &fakeACS{respondWith8005: true}
	ts := httptest.NewServer(acsServer.handler())
	defer ts.Close()

	helper := writeHelper(t, deviceIDLine)
	e := newTestEngine(t, ts.URL, helper)
	require.NoError(t, e.Init(context.Background(), true))

	e.runSession(context.Background())
	assert.Equal(t, 1, e.retryCount)
	require.Len(t, e.events, 1)
}

func TestConnectionRequestEventDroppedWithoutRetry(t *testing.T) {
	helper := writeHelper(t, deviceIDLine)
	e := newTestEngine(t, "http://127.0.0.1:1/unreachable", helper)
	require.NoError(t, e.Init(context.Background(), false))

	e.addEvent(cwmp.EventConnectionRequest, "", 0, false)
	e.addEvent(cwmp.EventMReboot, "r1", 0, true)
	e.runSession(context.Background())

	// REMOVE_NO_RETRY events are dropped even on failure; the rest stay.
	require.Len(t, e.events, 1)
	assert.Equal(t, cwmp.EventMReboot, e.events[0].Code)
}

func TestRetryScheduleBounds(t *testing.T) {
	b := newRetrySchedule()
	expected := 5 * time.Second
	for i := 0; i < 8; i++ {
		delay := b.NextBackOff()
		low := time.Duration(float64(expected) * 0.89)
		high := time.Duration(float64(expected) * 1.11)
		assert.GreaterOrEqual(t, delay, low, "attempt %d", i)
		assert.LessOrEqual(t, delay, high, "attempt %d", i)
		expected *= 2
		if expected > 4*time.Hour {
			expected = 4 * time.Hour
		}
	}
}

func TestSingleEventsDeduplicated(t *testing.T) {
	helper := writeHelper(t, deviceIDLine)
	e := newTestEngine(t, "http://127.0.0.1:1/", helper)

	e.addEvent(cwmp.EventPeriodic, "", 0, false)
	e.addEvent(cwmp.EventPeriodic, "", 0, false)
	assert.Len(t, e.events, 1)

	e.addEvent(cwmp.EventMDownload, "a", 1, false)
	e.addEvent(cwmp.EventMDownload, "b", 2, false)
	assert.Len(t, e.events, 3)
}

func TestBootstrapClearsQueue(t *testing.T) {
	helper := writeHelper(t, deviceIDLine)
	e := newTestEngine(t, "http://127.0.0.1:1/", helper)

	e.addEvent(cwmp.EventBoot, "", 0, true)
	e.addEvent(cwmp.EventMReboot, "r", 0, true)
	e.addEvent(cwmp.EventBootstrap, "", 0, true)

	require.Len(t, e.events, 1)
	assert.Equal(t, cwmp.EventBootstrap, e.events[0].Code)
	records := e.store.Events()
	require.Len(t, records, 1)
	assert.Equal(t, cwmp.EventBootstrap, records[0].Code)
}

func TestRemoveEventsByPolicyMethodID(t *testing.T) {
	helper := writeHelper(t, deviceIDLine)
	e := newTestEngine(t, "http://127.0.0.1:1/", helper)

	e.addEvent(cwmp.EventMDownload, "a", 1, false)
	e.addEvent(cwmp.EventMDownload, "b", 2, false)
	e.removeEventsByPolicy(cwmp.RemoveAfterTransferComplete, 1)

	require.Len(t, e.events, 1)
	assert.Equal(t, "b", e.events[0].Key)
}

func TestDownloadSlotBound(t *testing.T) {
	helper := writeHelper(t, deviceIDLine)
	e := newTestEngine(t, "http://127.0.0.1:1/", helper)

	for i := 0; i < maxDownloads; i++ {
		fc := e.EnqueueDownload(fmt.Sprintf("k%d", i), 3600, "0", "http://srv/f", "t", "", "")
		assert.Zero(t, fc, "slot %d", i)
	}
	fc := e.EnqueueDownload("k10", 3600, "0", "http://srv/f", "t", "", "")
	assert.Equal(t, cwmp.FaultResourcesExceeded, fc)
	assert.Len(t, e.store.Downloads(), maxDownloads)
}

func TestTransferFinishPersistsRecordAndEvents(t *testing.T) {
	helper := writeHelper(t, deviceIDLine)
	e := newTestEngine(t, "http://127.0.0.1:1/", helper)

	fc := e.EnqueueDownload("fw1", 3600, "1048576", "http://srv/fw.bin", "1 Firmware Upgrade Image", "", "")
	require.Zero(t, fc)
	downloads := e.store.Downloads()
	require.Len(t, downloads, 1)

	e.launchDownload(downloads[0])

	records := e.store.TransferCompletes()
	require.Len(t, records, 1)
	assert.Equal(t, "fw1", records[0].CommandKey)
	assert.Equal(t, "0", records[0].FaultCode)
	assert.NotEqual(t, cwmp.UnknownTime, records[0].CompleteTime)
	assert.Equal(t, 1, records[0].MethodID)

	assert.Empty(t, e.store.Downloads())
	require.Len(t, e.events, 2)
	assert.Equal(t, cwmp.EventTransferComplete, e.events[0].Code)
	assert.Equal(t, cwmp.EventMDownload, e.events[1].Code)
	assert.Equal(t, 1, e.events[1].MethodID)
	assert.Zero(t, e.downloadCount)
}

func TestTransferCompleteDeliveredNextSession(t *testing.T) {
	acsServer := &fakeACS{}
	ts := httptest.NewServer(acsServer.handler())
	defer ts.Close()

	helper := writeHelper(t, deviceIDLine)
	e := newTestEngine(t, ts.URL, helper)
	require.NoError(t, e.Init(context.Background(), false))

	fc := e.EnqueueDownload("fw1", 3600, "0", "http://srv/fw.bin", "t", "", "")
	require.Zero(t, fc)
	e.launchDownload(e.store.Downloads()[0])

	e.runSession(context.Background())

	var tc string
	for _, req := range acsServer.requests {
		if strings.Contains(req, "cwmp:TransferComplete>") {
			tc = req
		}
	}
	require.NotEmpty(t, tc, "TransferComplete was not sent")
	assert.Contains(t, tc, "<CommandKey>fw1</CommandKey>")
	assert.Contains(t, tc, "<FaultCode>0</FaultCode>")

	// Acknowledged record and its linked events are gone.
	assert.Empty(t, e.store.TransferCompletes())
	assert.Empty(t, e.events)
}

func TestChangedSoftwareVersionPostsValueChange(t *testing.T) {
	dir := t.TempDir()
	log := testLogger()
	store := backup.New(&backup.FileSink{Path: filepath.Join(dir, ".backup.xml")}, log)
	store.SetACSURL("http://acs.example/")
	store.SetSoftwareVersion("0.9")

	helper := writeHelper(t, deviceIDLine)
	cfg := &config.Config{
		Device: config.DeviceConfig{SoftwareVersion: "1.0"},
		ACS:    config.ACSConfig{URL: "http://acs.example/"},
		Local:  config.LocalConfig{Port: 7547},
	}
	client, err := acs.New(cfg.ACS, filepath.Join(dir, "cookies"), log)
	require.NoError(t, err)
	e := New(Params{Config: cfg, Store: store, Bridge: datamodel.New(helper, log), Client: client, Log: log})
	require.NoError(t, e.Init(context.Background(), false))

	require.Len(t, e.events, 1)
	assert.Equal(t, cwmp.EventValueChange, e.events[0].Code)
	assert.Equal(t, "1.0", store.SoftwareVersion())
}

func TestPersistedEventsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	log := testLogger()
	backupPath := filepath.Join(dir, ".backup.xml")
	helper := writeHelper(t, deviceIDLine)
	cfg := &config.Config{
		Device: config.DeviceConfig{SoftwareVersion: "1.0"},
		ACS:    config.ACSConfig{URL: "http://acs.example/"},
		Local:  config.LocalConfig{Port: 7547},
	}

	store := backup.New(&backup.FileSink{Path: backupPath}, log)
	client, err := acs.New(cfg.ACS, filepath.Join(dir, "c1"), log)
	require.NoError(t, err)
	e := New(Params{Config: cfg, Store: store, Bridge: datamodel.New(helper, log), Client: client, Log: log})
	require.NoError(t, e.Init(context.Background(), false))
	// The Reboot RPC persists M Reboot without queueing it.
	e.PersistMethodEvent(cwmp.EventMReboot, "r1")

	// Restart: BOOT comes from the -b flag, M Reboot from the backup.
	store2 := backup.New(&backup.FileSink{Path: backupPath}, log)
	client2, err := acs.New(cfg.ACS, filepath.Join(dir, "c2"), log)
	require.NoError(t, err)
	e2 := New(Params{Config: cfg, Store: store2, Bridge: datamodel.New(helper, log), Client: client2, Log: log})
	require.NoError(t, e2.Init(context.Background(), true))

	codes := map[cwmp.EventCode]string{}
	for _, ev := range e2.events {
		codes[ev.Code] = ev.Key
	}
	assert.Contains(t, codes, cwmp.EventBoot)
	require.Contains(t, codes, cwmp.EventMReboot)
	assert.Equal(t, "r1", codes[cwmp.EventMReboot])
}

func TestPeriodicScheduleFormula(t *testing.T) {
	helper := writeHelper(t, deviceIDLine)
	e := newTestEngine(t, "http://127.0.0.1:1/", helper)
	e.cfg.ACS.PeriodicEnable = true
	e.cfg.ACS.PeriodicInterval = 60

	next, ok := e.nextPeriodicFire()
	require.True(t, ok)
	until := time.Until(next)
	assert.Greater(t, until, time.Duration(0))
	assert.LessOrEqual(t, until, 61*time.Second)

	e.cfg.ACS.PeriodicEnable = false
	_, ok = e.nextPeriodicFire()
	assert.False(t, ok)
}
