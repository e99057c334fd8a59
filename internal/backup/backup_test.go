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

package backup

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Niceblueman/ispapp-cwmpclient/pkg/cwmp"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".backup.xml")
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return New(&FileSink{Path: path}, log), path
}

func reload(t *testing.T, path string) *Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return New(&FileSink{Path: path}, log)
}

func TestFileAlwaysParseable(t *testing.T) {
	store, path := newTestStore(t)
	store.SetACSURL("http://acs.example/acs")
	store.AddEvent(cwmp.EventBoot, "", 0)
	store.AddDownload(DownloadRecord{CommandKey: "fw", URL: "http://srv/fw.bin"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(data))
	require.NotNil(t, doc.FindElement("backup_file"))
	assert.NotContains(t, string(data), "\n")
}

func TestACSURLRoundTrip(t *testing.T) {
	store, path := newTestStore(t)
	store.SetACSURL("http://acs.example/acs")
	assert.Equal(t, "http://acs.example/acs", store.ACSURL())

	again := reload(t, path)
	assert.Equal(t, "http://acs.example/acs", again.ACSURL())
}

func TestSetACSURLClearsProtocolState(t *testing.T) {
	store, path := newTestStore(t)
	store.SetACSURL("http://one.example/")
	store.AddEvent(cwmp.EventBoot, "", 0)
	store.AddTransferComplete("k", cwmp.FaultNone, "2024-01-01T00:00:00+00:00", 1)

	store.SetACSURL("http://two.example/")
	again := reload(t, path)
	assert.Empty(t, again.Events())
	assert.Empty(t, again.TransferCompletes())
	assert.Equal(t, "http://two.example/", again.ACSURL())
}

func TestEventRoundTrip(t *testing.T) {
	store, path := newTestStore(t)
	store.SetACSURL("http://acs.example/")
	store.AddEvent(cwmp.EventBoot, "", 0)
	store.AddEvent(cwmp.EventMReboot, "r1", 0)
	store.AddEvent(cwmp.EventMDownload, "fw1", 7)

	again := reload(t, path)
	events := again.Events()
	require.Len(t, events, 3)
	assert.Equal(t, cwmp.EventBoot, events[0].Code)
	assert.Equal(t, "", events[0].Key)
	assert.Equal(t, cwmp.EventMReboot, events[1].Code)
	assert.Equal(t, "r1", events[1].Key)
	assert.Equal(t, cwmp.EventMDownload, events[2].Code)
	assert.Equal(t, 7, events[2].MethodID)
}

func TestRemoveEvent(t *testing.T) {
	store, path := newTestStore(t)
	store.SetACSURL("http://acs.example/")
	id := store.AddEvent(cwmp.EventBoot, "", 0)
	store.AddEvent(cwmp.EventMScheduleInform, "s1", 0)

	store.RemoveEvent(id)
	again := reload(t, path)
	events := again.Events()
	require.Len(t, events, 1)
	assert.Equal(t, cwmp.EventMScheduleInform, events[0].Code)
}

func TestTransferCompleteRoundTrip(t *testing.T) {
	store, path := newTestStore(t)
	store.SetACSURL("http://acs.example/")
	start := "2024-06-01T12:00:00+00:00"
	id := store.AddTransferComplete("fw1", cwmp.FaultNone, start, 3)

	records := store.TransferCompletes()
	require.Len(t, records, 1)
	assert.Equal(t, "0", records[0].FaultCode)
	assert.Equal(t, cwmp.UnknownTime, records[0].CompleteTime)

	complete := "2024-06-01T12:05:00+00:00"
	require.NoError(t, store.CompleteTransfer(id, complete))

	again := reload(t, path)
	records = again.TransferCompletes()
	require.Len(t, records, 1)
	assert.Equal(t, "fw1", records[0].CommandKey)
	assert.Equal(t, "0", records[0].FaultCode)
	assert.Equal(t, start, records[0].StartTime)
	assert.Equal(t, complete, records[0].CompleteTime)
	assert.Equal(t, 3, records[0].MethodID)
}

func TestTransferFaultUpdate(t *testing.T) {
	store, _ := newTestStore(t)
	store.SetACSURL("http://acs.example/")
	id := store.AddTransferComplete("fw1", cwmp.FaultNone, "t0", 1)
	require.NoError(t, store.UpdateTransferFault(id, cwmp.FaultDownloadFailure))

	records := store.TransferCompletes()
	require.Len(t, records, 1)
	assert.Equal(t, "9010", records[0].FaultCode)
	assert.Equal(t, "Download failure", records[0].FaultString)
}

func TestRetrofitCompleteTimes(t *testing.T) {
	store, path := newTestStore(t)
	store.SetACSURL("http://acs.example/")
	store.AddTransferComplete("a", cwmp.FaultNone, "t0", 1)
	done := store.AddTransferComplete("b", cwmp.FaultNone, "t0", 2)
	require.NoError(t, store.CompleteTransfer(done, "2024-01-01T00:00:00+00:00"))

	now := time.Now().Format(cwmp.TimeLayout)
	again := reload(t, path)
	again.RetrofitCompleteTimes(now)

	records := again.TransferCompletes()
	require.Len(t, records, 2)
	assert.Equal(t, now, records[0].CompleteTime)
	assert.Equal(t, "2024-01-01T00:00:00+00:00", records[1].CompleteTime)
}

func TestDownloadRoundTrip(t *testing.T) {
	store, path := newTestStore(t)
	store.SetACSURL("http://acs.example/")
	rec := DownloadRecord{
		CommandKey:  "fw1",
		FileType:    "1 Firmware Upgrade Image",
		URL:         "http://srv/fw.bin",
		Username:    "user",
		Password:    "secret",
		FileSize:    "1048576",
		TimeExecute: 1717243200,
	}
	id := store.AddDownload(rec)

	again := reload(t, path)
	downloads := again.Downloads()
	require.Len(t, downloads, 1)
	got := downloads[0]
	got.ID = rec.ID
	assert.Equal(t, rec, got)

	store.RemoveDownload(id)
	assert.Empty(t, reload(t, path).Downloads())
}

func TestUploadRoundTrip(t *testing.T) {
	store, path := newTestStore(t)
	store.SetACSURL("http://acs.example/")
	rec := UploadRecord{
		CommandKey:  "cfg1",
		FileType:    "1 Vendor Configuration File",
		URL:         "http://srv/up",
		Username:    "",
		Password:    "",
		TimeExecute: 1717243200,
	}
	store.AddUpload(rec)

	again := reload(t, path)
	uploads := again.Uploads()
	require.Len(t, uploads, 1)
	got := uploads[0]
	got.ID = rec.ID
	assert.Equal(t, rec, got)
}

func TestSoftwareVersionRoundTrip(t *testing.T) {
	store, path := newTestStore(t)
	store.SetACSURL("http://acs.example/")
	store.SetSoftwareVersion("2.4.1")
	assert.Equal(t, "2.4.1", store.SoftwareVersion())

	store.SetSoftwareVersion("2.5.0")
	assert.Equal(t, "2.5.0", reload(t, path).SoftwareVersion())
}

func TestCorruptBackupPreserved(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".backup.xml")
	require.NoError(t, os.WriteFile(path, []byte("<backup_file><cwmp"), 0o600))

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store := New(&FileSink{Path: path}, log)
	assert.Empty(t, store.Events())

	// The unparseable file is untouched until the next mutation.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "<backup_file><cwmp"))
}
