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
	"time"

	"github.com/Niceblueman/ispapp-cwmpclient/internal/backup"
	"github.com/Niceblueman/ispapp-cwmpclient/pkg/cwmp"
)

// EnqueueDownload persists a Download RPC and schedules its launch. The
// return is a CWMP fault code, zero on success; the eleventh concurrent
// download is refused with 9004.
func (e *Engine) EnqueueDownload(key string, delaySeconds int, fileSize, url, fileType, username, password string) int {
	if e.downloadCount >= maxDownloads {
		return cwmp.FaultResourcesExceeded
	}
	rec := backup.DownloadRecord{
		CommandKey:  key,
		FileType:    fileType,
		URL:         url,
		Username:    username,
		Password:    password,
		FileSize:    fileSize,
		TimeExecute: time.Now().Add(time.Duration(delaySeconds) * time.Second).Unix(),
	}
	rec.ID = e.store.AddDownload(rec)
	e.downloadCount++
	e.scheduleDownload(rec, time.Duration(delaySeconds)*time.Second)
	e.log.Info("download queued", "key", key, "url", url, "delay_seconds", delaySeconds)
	return 0
}

// EnqueueUpload persists an Upload RPC and schedules its launch.
func (e *Engine) EnqueueUpload(key string, delaySeconds int, url, fileType, username, password string) int {
	if e.uploadCount >= maxUploads {
		return cwmp.FaultResourcesExceeded
	}
	rec := backup.UploadRecord{
		CommandKey:  key,
		FileType:    fileType,
		URL:         url,
		Username:    username,
		Password:    password,
		TimeExecute: time.Now().Add(time.Duration(delaySeconds) * time.Second).Unix(),
	}
	rec.ID = e.store.AddUpload(rec)
	e.uploadCount++
	e.scheduleUpload(rec, time.Duration(delaySeconds)*time.Second)
	e.log.Info("upload queued", "key", key, "url", url, "delay_seconds", delaySeconds)
	return 0
}

// loadTransfers reschedules the downloads and uploads found in the backup.
// Entries whose execute time already passed fire immediately.
func (e *Engine) loadTransfers() {
	now := time.Now()
	for _, rec := range e.store.Downloads() {
		delay := time.Duration(rec.TimeExecute-now.Unix()) * time.Second
		if delay < 0 {
			delay = 0
		}
		e.downloadCount++
		e.scheduleDownload(rec, delay)
	}
	for _, rec := range e.store.Uploads() {
		delay := time.Duration(rec.TimeExecute-now.Unix()) * time.Second
		if delay < 0 {
			delay = 0
		}
		e.uploadCount++
		e.scheduleUpload(rec, delay)
	}
}

func (e *Engine) scheduleDownload(rec backup.DownloadRecord, delay time.Duration) {
	time.AfterFunc(delay, func() {
		e.post(func() { e.launchDownload(rec) })
	})
}

func (e *Engine) scheduleUpload(rec backup.UploadRecord, delay time.Duration) {
	time.AfterFunc(delay, func() {
		e.post(func() { e.launchUpload(rec) })
	})
}

// launchDownload hands the download to the transfer executor, synthesizes
// the TransferComplete record and queues the completion events.
func (e *Engine) launchDownload(rec backup.DownloadRecord) {
	startTime := nowString()
	fault, err := e.bridge.Download(context.Background(), rec.URL, rec.FileType, rec.FileSize, rec.Username, rec.Password)
	if err != nil {
		e.log.Error("download execution failed", "key", rec.CommandKey, "err", err)
		fault = cwmp.FaultDownloadFailure
	}
	e.finishTransfer(rec.CommandKey, fault, startTime, func() { e.store.RemoveDownload(rec.ID) }, cwmp.EventMDownload)
	e.downloadCount--
}

// launchUpload hands the upload to the transfer executor.
func (e *Engine) launchUpload(rec backup.UploadRecord) {
	startTime := nowString()
	fault, err := e.bridge.Upload(context.Background(), rec.URL, rec.FileType, rec.Username, rec.Password)
	if err != nil {
		e.log.Error("upload execution failed", "key", rec.CommandKey, "err", err)
		fault = cwmp.FaultUploadFailure
	}
	e.finishTransfer(rec.CommandKey, fault, startTime, func() { e.store.RemoveUpload(rec.ID) }, cwmp.EventMUpload)
	e.uploadCount--
}

// finishTransfer persists the TransferRecord, removes the pending entry and
// enqueues the completion events. The method id links record and M-event.
func (e *Engine) finishTransfer(key string, fault int, startTime string, removePending func(), methodEvent cwmp.EventCode) {
	e.methodID++
	id := e.store.AddTransferComplete(key, fault, startTime, e.methodID)
	if err := e.store.CompleteTransfer(id, nowString()); err != nil {
		e.log.Error("stamping transfer complete time failed", "err", err)
	}
	removePending()

	e.addEvent(cwmp.EventTransferComplete, "", e.methodID, true)
	e.addEvent(methodEvent, key, e.methodID, true)
	e.scheduleInform(informDelay)
	e.log.Info("transfer finished", "key", key, "fault", fault, "method_id", e.methodID)
}
