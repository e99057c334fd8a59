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

// Package backup persists the agent state that must survive a reboot: the
// current ACS URL, the last software version, pending events, pending
// transfer-complete records and queued downloads/uploads. The state is a
// single XML document rooted at <backup_file>; every mutation rewrites the
// whole document through the configured sink.
package backup

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/Niceblueman/ispapp-cwmpclient/pkg/cwmp"
)

// EventRecord is a persisted queue event.
type EventRecord struct {
	ID       string
	Code     cwmp.EventCode
	Key      string
	MethodID int
}

// TransferCompleteRecord is a pending TransferComplete delivery.
type TransferCompleteRecord struct {
	ID           string
	CommandKey   string
	FaultCode    string
	FaultString  string
	StartTime    string
	CompleteTime string
	MethodID     int
}

// DownloadRecord is a queued download waiting for its execute time.
type DownloadRecord struct {
	ID          string
	CommandKey  string
	FileType    string
	URL         string
	Username    string
	Password    string
	FileSize    string
	TimeExecute int64
}

// UploadRecord is a queued upload waiting for its execute time.
type UploadRecord struct {
	ID          string
	CommandKey  string
	FileType    string
	URL         string
	Username    string
	Password    string
	TimeExecute int64
}

// Store owns the backup document. Records are addressed by opaque ids minted
// at insertion; the ids never reach the wire or the disk.
type Store struct {
	mu   sync.Mutex
	log  *slog.Logger
	sink Sink
	doc  *etree.Document
	ids  map[string]*etree.Element
}

// New loads the backup document from the sink. A document that fails to
// parse is left untouched on the sink and the store starts with an empty
// in-memory tree.
func New(sink Sink, log *slog.Logger) *Store {
	s := &Store{
		log:  log,
		sink: sink,
		ids:  map[string]*etree.Element{},
	}
	data, err := sink.Load()
	if err != nil {
		log.Warn("backup load failed", "err", err)
		return s
	}
	if strings.TrimSpace(data) == "" {
		return s
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromString(data); err != nil || doc.FindElement("backup_file") == nil {
		log.Error("backup document is corrupted, continuing with an empty tree", "err", err)
		return s
	}
	s.doc = doc
	return s
}

// Sink is the durable destination of the serialized document.
type Sink interface {
	Load() (string, error)
	Store(data string) error
}

func (s *Store) save() {
	if s.doc == nil {
		return
	}
	out, err := s.doc.WriteToString()
	if err != nil {
		s.log.Error("backup serialization failed", "err", err)
		return
	}
	out = flattenNewlines(strings.TrimRight(out, "\n"))
	if err := s.sink.Store(out); err != nil {
		s.log.Error("backup write failed", "err", err)
	}
}

func flattenNewlines(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, s)
}

// reset replaces the document with a fresh <backup_file><cwmp/></backup_file>
// skeleton and returns the <cwmp> element.
func (s *Store) reset() *etree.Element {
	s.doc = etree.NewDocument()
	s.doc.CreateProcInst("xml", `version="1.0"`)
	root := s.doc.CreateElement("backup_file")
	cwmpEl := root.CreateElement("cwmp")
	s.ids = map[string]*etree.Element{}
	return cwmpEl
}

func (s *Store) cwmpElement() *etree.Element {
	if s.doc == nil {
		s.reset()
	}
	root := s.doc.FindElement("backup_file")
	if root == nil {
		return s.reset()
	}
	if el := root.SelectElement("cwmp"); el != nil {
		return el
	}
	return root.CreateElement("cwmp")
}

func childText(parent *etree.Element, name string) string {
	if el := parent.SelectElement(name); el != nil {
		return el.Text()
	}
	return ""
}

func setChildText(parent *etree.Element, name, value string) {
	el := parent.SelectElement(name)
	if el == nil {
		el = parent.CreateElement(name)
	}
	el.SetText(value)
}

func (s *Store) track(el *etree.Element) string {
	id := uuid.NewString()
	s.ids[id] = el
	return id
}

func (s *Store) removeByID(id string) bool {
	el, ok := s.ids[id]
	if !ok {
		return false
	}
	delete(s.ids, id)
	if p := el.Parent(); p != nil {
		p.RemoveChild(el)
	}
	s.save()
	return true
}

// ACSURL returns the ACS URL recorded in the document, empty if none.
func (s *Store) ACSURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return ""
	}
	if el := s.doc.FindElement("backup_file/acs_url"); el != nil {
		return el.Text()
	}
	return ""
}

// SetACSURL rewrites the whole document around the new URL. Everything under
// <cwmp> is discarded: a changed ACS implies a BOOTSTRAP restart of the
// protocol state.
func (s *Store) SetACSURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = etree.NewDocument()
	s.doc.CreateProcInst("xml", `version="1.0"`)
	root := s.doc.CreateElement("backup_file")
	root.CreateElement("acs_url").SetText(url)
	root.CreateElement("cwmp")
	s.ids = map[string]*etree.Element{}
	s.save()
}

// SoftwareVersion returns the recorded software version.
func (s *Store) SoftwareVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return ""
	}
	if el := s.doc.FindElement("backup_file/cwmp/software_version"); el != nil {
		return el.Text()
	}
	return ""
}

// SetSoftwareVersion replaces the <software_version> element.
func (s *Store) SetSoftwareVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cwmpEl := s.cwmpElement()
	if el := cwmpEl.SelectElement("software_version"); el != nil {
		cwmpEl.RemoveChild(el)
	}
	cwmpEl.CreateElement("software_version").SetText(version)
	s.save()
}

// ClearEvents removes every persisted <event>, used by the BOOTSTRAP rewrite.
func (s *Store) ClearEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return
	}
	cwmpEl := s.cwmpElement()
	for _, el := range cwmpEl.SelectElements("event") {
		for id, tracked := range s.ids {
			if tracked == el {
				delete(s.ids, id)
			}
		}
		cwmpEl.RemoveChild(el)
	}
	s.save()
}

// AddEvent persists an event and returns its record id.
func (s *Store) AddEvent(code cwmp.EventCode, key string, methodID int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cwmpEl := s.cwmpElement()
	el := cwmpEl.CreateElement("event")
	el.CreateElement("event_number").SetText(strconv.Itoa(int(code)))
	if key != "" {
		el.CreateElement("event_key").SetText(key)
	}
	if methodID != 0 {
		el.CreateElement("event_method_id").SetText(strconv.Itoa(methodID))
	}
	id := s.track(el)
	s.save()
	return id
}

// RemoveEvent drops a persisted event by id.
func (s *Store) RemoveEvent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeByID(id)
}

// Events returns the persisted events in document order.
func (s *Store) Events() []EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil
	}
	var out []EventRecord
	for _, el := range s.cwmpElement().SelectElements("event") {
		num, err := strconv.Atoi(childText(el, "event_number"))
		if err != nil {
			continue
		}
		rec := EventRecord{
			Code: cwmp.EventCode(num),
			Key:  childText(el, "event_key"),
		}
		rec.MethodID, _ = strconv.Atoi(childText(el, "event_method_id"))
		rec.ID = s.idFor(el)
		out = append(out, rec)
	}
	return out
}

// AddTransferComplete records a finished transfer awaiting delivery. The
// complete time starts at the unknown-time sentinel.
func (s *Store) AddTransferComplete(commandKey string, faultCode int, startTime string, methodID int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cwmpEl := s.cwmpElement()
	el := cwmpEl.CreateElement("transfer_complete")
	el.CreateElement("command_key").SetText(commandKey)
	el.CreateElement("fault_code").SetText(faultCodeText(faultCode))
	el.CreateElement("fault_string").SetText(cwmp.FaultString(faultCode))
	el.CreateElement("start_time").SetText(startTime)
	el.CreateElement("complete_time").SetText(cwmp.UnknownTime)
	el.CreateElement("method_id").SetText(strconv.Itoa(methodID))
	id := s.track(el)
	s.save()
	return id
}

func faultCodeText(code int) string {
	if code == cwmp.FaultNone {
		return "0"
	}
	return strconv.Itoa(code)
}

// UpdateTransferFault rewrites the fault code and string of a record.
func (s *Store) UpdateTransferFault(id string, faultCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.ids[id]
	if !ok {
		return fmt.Errorf("unknown transfer record %s", id)
	}
	setChildText(el, "fault_code", faultCodeText(faultCode))
	setChildText(el, "fault_string", cwmp.FaultString(faultCode))
	s.save()
	return nil
}

// CompleteTransfer stamps the record's complete time.
func (s *Store) CompleteTransfer(id string, completeTime string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.ids[id]
	if !ok {
		return fmt.Errorf("unknown transfer record %s", id)
	}
	setChildText(el, "complete_time", completeTime)
	s.save()
	return nil
}

// RetrofitCompleteTimes replaces every sentinel complete time with now: a
// transfer that was pending across the reboot finished with the reboot.
func (s *Store) RetrofitCompleteTimes(now string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return
	}
	changed := false
	for _, el := range s.cwmpElement().SelectElements("transfer_complete") {
		if childText(el, "complete_time") == cwmp.UnknownTime {
			setChildText(el, "complete_time", now)
			changed = true
		}
	}
	if changed {
		s.save()
	}
}

// TransferCompletes returns the pending records in insertion order.
func (s *Store) TransferCompletes() []TransferCompleteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil
	}
	var out []TransferCompleteRecord
	for _, el := range s.cwmpElement().SelectElements("transfer_complete") {
		rec := TransferCompleteRecord{
			CommandKey:   childText(el, "command_key"),
			FaultCode:    childText(el, "fault_code"),
			FaultString:  childText(el, "fault_string"),
			StartTime:    childText(el, "start_time"),
			CompleteTime: childText(el, "complete_time"),
		}
		rec.MethodID, _ = strconv.Atoi(childText(el, "method_id"))
		rec.ID = s.idFor(el)
		out = append(out, rec)
	}
	return out
}

// idFor reuses the existing id of a tracked element so repeated loads do not
// mint duplicates.
func (s *Store) idFor(el *etree.Element) string {
	for id, tracked := range s.ids {
		if tracked == el {
			return id
		}
	}
	return s.track(el)
}

// RemoveTransferComplete drops a delivered record.
func (s *Store) RemoveTransferComplete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeByID(id)
}

// AddDownload persists a queued download.
func (s *Store) AddDownload(rec DownloadRecord) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cwmpEl := s.cwmpElement()
	el := cwmpEl.CreateElement("download")
	el.CreateElement("command_key").SetText(rec.CommandKey)
	el.CreateElement("file_type").SetText(rec.FileType)
	el.CreateElement("url").SetText(rec.URL)
	el.CreateElement("username").SetText(rec.Username)
	el.CreateElement("password").SetText(rec.Password)
	el.CreateElement("file_size").SetText(rec.FileSize)
	el.CreateElement("time_execute").SetText(strconv.FormatInt(rec.TimeExecute, 10))
	id := s.track(el)
	s.save()
	return id
}

// Downloads returns the queued downloads.
func (s *Store) Downloads() []DownloadRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil
	}
	var out []DownloadRecord
	for _, el := range s.cwmpElement().SelectElements("download") {
		rec := DownloadRecord{
			CommandKey: childText(el, "command_key"),
			FileType:   childText(el, "file_type"),
			URL:        childText(el, "url"),
			Username:   childText(el, "username"),
			Password:   childText(el, "password"),
			FileSize:   childText(el, "file_size"),
		}
		rec.TimeExecute, _ = strconv.ParseInt(childText(el, "time_execute"), 10, 64)
		rec.ID = s.idFor(el)
		out = append(out, rec)
	}
	return out
}

// RemoveDownload drops a queued download.
func (s *Store) RemoveDownload(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeByID(id)
}

// AddUpload persists a queued upload.
func (s *Store) AddUpload(rec UploadRecord) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cwmpEl := s.cwmpElement()
	el := cwmpEl.CreateElement("upload")
	el.CreateElement("command_key").SetText(rec.CommandKey)
	el.CreateElement("file_type").SetText(rec.FileType)
	el.CreateElement("url").SetText(rec.URL)
	el.CreateElement("username").SetText(rec.Username)
	el.CreateElement("password").SetText(rec.Password)
	el.CreateElement("time_execute").SetText(strconv.FormatInt(rec.TimeExecute, 10))
	id := s.track(el)
	s.save()
	return id
}

// Uploads returns the queued uploads.
func (s *Store) Uploads() []UploadRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil
	}
	var out []UploadRecord
	for _, el := range s.cwmpElement().SelectElements("upload") {
		rec := UploadRecord{
			CommandKey: childText(el, "command_key"),
			FileType:   childText(el, "file_type"),
			URL:        childText(el, "url"),
			Username:   childText(el, "username"),
			Password:   childText(el, "password"),
		}
		rec.TimeExecute, _ = strconv.ParseInt(childText(el, "time_execute"), 10, 64)
		rec.ID = s.idFor(el)
		out = append(out, rec)
	}
	return out
}

// RemoveUpload drops a queued upload.
func (s *Store) RemoveUpload(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeByID(id)
}
