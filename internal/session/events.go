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
	"github.com/Niceblueman/ispapp-cwmpclient/pkg/cwmp"
)

// Event is one entry of the pending-event queue. BackupID links persisted
// events to their backup-store record.
type Event struct {
	Code     cwmp.EventCode
	Key      string
	MethodID int
	BackupID string
}

// addEvent appends an event to the queue. Single-instance codes are
// deduplicated: the existing entry is returned. Adding BOOTSTRAP clears all
// prior events from the queue and every <event> record from the backup; the
// other backup records (software version, transfer-complete, download and
// upload) are kept. Must run on the engine goroutine.
func (e *Engine) addEvent(code cwmp.EventCode, key string, methodID int, persist bool) *Event {
	if !code.Valid() {
		return nil
	}
	if code == cwmp.EventBootstrap {
		e.clearEvents()
		e.store.ClearEvents()
	}
	if code.Kind() == cwmp.EventSingle {
		for _, ev := range e.events {
			if ev.Code == code {
				return ev
			}
		}
	}
	ev := &Event{Code: code, Key: key, MethodID: methodID}
	if persist && code.Persistent() {
		ev.BackupID = e.store.AddEvent(code, key, methodID)
	}
	e.events = append(e.events, ev)
	e.log.Debug("event queued", "event", code.String(), "key", key)
	return ev
}

// removeEventsByPolicy drops every event whose removal policy intersects the
// mask. A non-zero methodID restricts the removal to events carrying that
// method id (the M-event and the TRANSFER COMPLETE event tied to it).
func (e *Engine) removeEventsByPolicy(mask cwmp.RemovePolicy, methodID int) {
	kept := e.events[:0]
	for _, ev := range e.events {
		match := ev.Code.RemovePolicy()&mask != 0
		if match && methodID != 0 && ev.MethodID != methodID {
			match = false
		}
		if match {
			if ev.BackupID != "" {
				e.store.RemoveEvent(ev.BackupID)
			}
			continue
		}
		kept = append(kept, ev)
	}
	e.events = kept
}

func (e *Engine) clearEvents() {
	for _, ev := range e.events {
		if ev.BackupID != "" {
			e.store.RemoveEvent(ev.BackupID)
		}
	}
	e.events = nil
}

// snapshotEvents freezes the queue for one Inform body. Events added while
// the session runs are only visible to the next Inform.
func (e *Engine) snapshotEvents() []cwmp.EventStruct {
	out := make([]cwmp.EventStruct, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, cwmp.EventStruct{EventCode: ev.Code.String(), CommandKey: ev.Key})
	}
	return out
}

// Notification is a parameter change pending delivery in the next Inform.
type Notification struct {
	Parameter string
	Value     string
	Type      string
}

// addNotification records a changed parameter, replacing a previous value
// for the same path.
func (e *Engine) addNotification(parameter, value, typ string) {
	for i := range e.notifications {
		if e.notifications[i].Parameter == parameter {
			e.notifications[i].Value = value
			e.notifications[i].Type = typ
			return
		}
	}
	e.notifications = append(e.notifications, Notification{Parameter: parameter, Value: value, Type: typ})
}
