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

package soap

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Niceblueman/ispapp-cwmpclient/internal/datamodel"
	"github.com/Niceblueman/ispapp-cwmpclient/pkg/cwmp"
)

type rpcHandler func(c *Codec, body []byte) (interface{}, *cwmp.SOAPFault)

var rpcHandlers = map[string]rpcHandler{
	"GetRPCMethods":          (*Codec).handleGetRPCMethods,
	"SetParameterValues":     (*Codec).handleSetParameterValues,
	"GetParameterValues":     (*Codec).handleGetParameterValues,
	"GetParameterNames":      (*Codec).handleGetParameterNames,
	"GetParameterAttributes": (*Codec).handleGetParameterAttributes,
	"SetParameterAttributes": (*Codec).handleSetParameterAttributes,
	"AddObject":              (*Codec).handleAddObject,
	"DeleteObject":           (*Codec).handleDeleteObject,
	"Download":               (*Codec).handleDownload,
	"Upload":                 (*Codec).handleUpload,
	"Reboot":                 (*Codec).handleReboot,
	"FactoryReset":           (*Codec).handleFactoryReset,
	"ScheduleInform":         (*Codec).handleScheduleInform,
}

// hasDuplicateNames scans the raw request body for repeated <Name> text.
func hasDuplicateNames(body []byte) bool {
	dec := xml.NewDecoder(bytes.NewReader(body))
	seen := map[string]bool{}
	inName := 0
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return false
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "Name" {
				inName++
				text.Reset()
			}
		case xml.CharData:
			if inName > 0 {
				text.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local == "Name" && inName > 0 {
				inName--
				name := text.String()
				if seen[name] {
					return true
				}
				seen[name] = true
			}
		}
	}
}

// recordsFault returns the CWMP fault of the first faulting record, 0 if none.
func recordsFault(records []datamodel.Record) int {
	for _, rec := range records {
		if rec.Fault() {
			code, err := strconv.Atoi(rec.FaultCode)
			if err != nil {
				return cwmp.FaultInternalError
			}
			return code
		}
	}
	return 0
}

// recordsStatus returns the status of the trailing apply record.
func recordsStatus(records []datamodel.Record) (string, bool) {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Status != "" {
			return records[i].Status, true
		}
	}
	return "", false
}

func (c *Codec) handleGetRPCMethods(body []byte) (interface{}, *cwmp.SOAPFault) {
	resp := &cwmp.GetRPCMethodsResponse{}
	resp.MethodList.Methods = cwmp.MethodNames
	resp.MethodList.ArrayType = fmt.Sprintf("xsd:string[%d]", len(cwmp.MethodNames))
	c.log.Info("send GetRPCMethodsResponse to the ACS")
	return resp, nil
}

func (c *Codec) handleSetParameterValues(body []byte) (interface{}, *cwmp.SOAPFault) {
	if hasDuplicateNames(body) {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}
	var req cwmp.SetParameterValuesRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}

	tx, err := c.bridge.Begin(context.Background())
	if err != nil {
		return nil, c.fault(cwmp.FaultInternalError, nil)
	}
	for _, p := range req.ParameterList {
		tx.Exec("set", "value", p.Name, p.Value)
	}
	tx.Exec("apply", "value", req.ParameterKey)
	records, err := tx.Commit()
	if err != nil {
		c.log.Warn("set parameter values failed", "err", err)
		return nil, c.fault(cwmp.FaultInternalError, nil)
	}

	if fc := recordsFault(records); fc != 0 {
		var details []cwmp.SetParameterValueFault
		for _, rec := range records {
			if rec.Fault() {
				c.log.Info("fault in the param", "parameter", rec.Parameter, "fault_code", rec.FaultCode)
				details = append(details, cwmp.SetParameterValueFault{
					ParameterName: rec.Parameter,
					FaultCode:     rec.FaultCode,
					FaultString:   faultStringFor(rec.FaultCode),
				})
			}
		}
		return nil, c.fault(cwmp.FaultInvalidArguments, details)
	}

	status, ok := recordsStatus(records)
	if !ok {
		return nil, c.fault(cwmp.FaultInternalError, nil)
	}
	c.log.Info("send SetParameterValuesResponse to the ACS")
	return &cwmp.SetParameterValuesResponse{Status: status}, nil
}

func faultStringFor(code string) string {
	n, err := strconv.Atoi(code)
	if err != nil {
		return cwmp.FaultString(cwmp.FaultInternalError)
	}
	return cwmp.FaultString(n)
}

func (c *Codec) handleGetParameterValues(body []byte) (interface{}, *cwmp.SOAPFault) {
	var req cwmp.GetParameterValuesRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}

	var all []datamodel.Record
	for _, name := range req.ParameterNames {
		records, err := c.bridge.Run(context.Background(), []string{"get", "value", name})
		if err != nil {
			return nil, c.fault(cwmp.FaultInternalError, nil)
		}
		if fc := recordsFault(records); fc != 0 {
			c.log.Info("fault in the param", "parameter", name, "fault_code", fc)
			return nil, c.fault(fc, nil)
		}
		all = append(all, records...)
	}

	resp := &cwmp.GetParameterValuesResponse{}
	for _, rec := range all {
		resp.ParameterList.Parameters = append(resp.ParameterList.Parameters, cwmp.ParameterValueStruct{
			Name:  rec.Parameter,
			Value: cwmp.TypedValue{Type: rec.Type, Value: rec.Value},
		})
	}
	resp.ParameterList.ArrayType = fmt.Sprintf("cwmp:ParameterValueStruct[%d]", len(resp.ParameterList.Parameters))
	c.log.Info("send GetParameterValuesResponse to the ACS")
	return resp, nil
}

func (c *Codec) handleGetParameterNames(body []byte) (interface{}, *cwmp.SOAPFault) {
	var req cwmp.GetParameterNamesRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}
	nextLevel := req.NextLevel
	if nextLevel == "" {
		nextLevel = "0"
	}

	records, err := c.bridge.Run(context.Background(), []string{"get", "name", req.ParameterPath, nextLevel})
	if err != nil {
		return nil, c.fault(cwmp.FaultInternalError, nil)
	}
	if fc := recordsFault(records); fc != 0 {
		return nil, c.fault(fc, nil)
	}

	resp := &cwmp.GetParameterNamesResponse{}
	for _, rec := range records {
		resp.ParameterList.Parameters = append(resp.ParameterList.Parameters, cwmp.ParameterInfoStruct{
			Name:     rec.Parameter,
			Writable: rec.Value,
		})
	}
	resp.ParameterList.ArrayType = fmt.Sprintf("cwmp:ParameterInfoStruct[%d]", len(resp.ParameterList.Parameters))
	c.log.Info("send GetParameterNamesResponse to the ACS")
	return resp, nil
}

func (c *Codec) handleGetParameterAttributes(body []byte) (interface{}, *cwmp.SOAPFault) {
	var req cwmp.GetParameterAttributesRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}

	var all []datamodel.Record
	for _, name := range req.ParameterNames {
		records, err := c.bridge.Run(context.Background(), []string{"get", "notification", name})
		if err != nil {
			return nil, c.fault(cwmp.FaultInternalError, nil)
		}
		if fc := recordsFault(records); fc != 0 {
			return nil, c.fault(fc, nil)
		}
		all = append(all, records...)
	}

	resp := &cwmp.GetParameterAttributesResponse{}
	for _, rec := range all {
		resp.ParameterList.Parameters = append(resp.ParameterList.Parameters, cwmp.ParameterAttributeStruct{
			Name:         rec.Parameter,
			Notification: rec.Value,
		})
	}
	resp.ParameterList.ArrayType = fmt.Sprintf("cwmp:ParameterAttributeStruct[%d]", len(resp.ParameterList.Parameters))
	c.log.Info("send GetParameterAttributesResponse to the ACS")
	return resp, nil
}

func (c *Codec) handleSetParameterAttributes(body []byte) (interface{}, *cwmp.SOAPFault) {
	if hasDuplicateNames(body) {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}
	var req cwmp.SetParameterAttributesRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}

	tx, err := c.bridge.Begin(context.Background())
	if err != nil {
		return nil, c.fault(cwmp.FaultInternalError, nil)
	}
	for _, attr := range req.ParameterList {
		if !notificationChange(attr.NotificationChange) {
			continue
		}
		tx.Exec("set", "notification", attr.Name, attr.Notification)
	}
	tx.Exec("apply", "notification")
	records, err := tx.Commit()
	if err != nil {
		return nil, c.fault(cwmp.FaultInternalError, nil)
	}
	if fc := recordsFault(records); fc != 0 {
		return nil, c.fault(fc, nil)
	}
	if _, ok := recordsStatus(records); !ok {
		return nil, c.fault(cwmp.FaultInternalError, nil)
	}
	c.log.Info("send SetParameterAttributesResponse to the ACS")
	return &cwmp.SetParameterAttributesResponse{}, nil
}

func notificationChange(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true":
		return true
	case "false", "":
		return false
	}
	n, _ := strconv.Atoi(v)
	return n != 0
}

func (c *Codec) handleAddObject(body []byte) (interface{}, *cwmp.SOAPFault) {
	var req cwmp.AddObjectRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}
	if req.ParameterKey == nil || req.ObjectName == "" {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}

	records, err := c.bridge.Run(context.Background(), []string{"add", "object", req.ObjectName})
	if err != nil {
		return nil, c.fault(cwmp.FaultInternalError, nil)
	}
	if fc := recordsFault(records); fc != 0 {
		c.log.Info("fault in the param", "parameter", req.ObjectName, "fault_code", fc)
		return nil, c.fault(fc, nil)
	}
	var instance, status string
	for _, rec := range records {
		if rec.Instance != "" {
			instance, status = rec.Instance, rec.Status
		}
	}
	if instance == "" || status == "" {
		return nil, c.fault(cwmp.FaultInternalError, nil)
	}

	if _, err := c.bridge.Run(context.Background(), []string{"apply", "object", *req.ParameterKey}); err != nil {
		c.log.Warn("apply object failed", "err", err)
	}

	c.log.Info("send AddObjectResponse to the ACS")
	return &cwmp.AddObjectResponse{InstanceNumber: instance, Status: status}, nil
}

func (c *Codec) handleDeleteObject(body []byte) (interface{}, *cwmp.SOAPFault) {
	var req cwmp.DeleteObjectRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}
	if req.ParameterKey == nil || req.ObjectName == "" {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}

	records, err := c.bridge.Run(context.Background(), []string{"delete", "object", req.ObjectName})
	if err != nil {
		return nil, c.fault(cwmp.FaultInternalError, nil)
	}
	if fc := recordsFault(records); fc != 0 {
		c.log.Info("fault in the param", "parameter", req.ObjectName, "fault_code", fc)
		return nil, c.fault(fc, nil)
	}
	status, ok := recordsStatus(records)
	if !ok {
		return nil, c.fault(cwmp.FaultInternalError, nil)
	}

	if _, err := c.bridge.Run(context.Background(), []string{"apply", "object", *req.ParameterKey}); err != nil {
		c.log.Warn("apply object failed", "err", err)
	}

	c.log.Info("send DeleteObjectResponse to the ACS")
	return &cwmp.DeleteObjectResponse{Status: status}, nil
}

var (
	schemeRe      = regexp.MustCompile(`^[A-Za-z0-9_]+://.`)
	credentialsRe = regexp.MustCompile(`^[^:]+://[^:]+:[^@]+@`)
)

// validTransferURL accepts scheme://host[:port]/path and rejects URLs that
// embed credentials; those must come through the dedicated fields.
func validTransferURL(url string) bool {
	return schemeRe.MatchString(url) && !credentialsRe.MatchString(url)
}

func (c *Codec) handleDownload(body []byte) (interface{}, *cwmp.SOAPFault) {
	var req cwmp.DownloadRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}
	if req.CommandKey == nil || req.DelaySeconds == nil || *req.DelaySeconds < 0 ||
		req.URL == "" || req.FileType == "" {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}
	if !validTransferURL(req.URL) {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}
	fileSize := req.FileSize
	if fileSize == "" {
		fileSize = "0"
	}

	if fc := c.engine.EnqueueDownload(*req.CommandKey, *req.DelaySeconds, fileSize, req.URL, req.FileType, req.Username, req.Password); fc != 0 {
		return nil, c.fault(fc, nil)
	}

	c.log.Info("send DownloadResponse to the ACS")
	return &cwmp.DownloadResponse{
		Status:       "1",
		StartTime:    cwmp.UnknownTime,
		CompleteTime: cwmp.UnknownTime,
	}, nil
}

func (c *Codec) handleUpload(body []byte) (interface{}, *cwmp.SOAPFault) {
	var req cwmp.UploadRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}
	if req.CommandKey == nil || req.DelaySeconds == nil || *req.DelaySeconds < 0 ||
		req.URL == "" || req.FileType == "" {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}
	if !validTransferURL(req.URL) {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}

	if fc := c.engine.EnqueueUpload(*req.CommandKey, *req.DelaySeconds, req.URL, req.FileType, req.Username, req.Password); fc != 0 {
		return nil, c.fault(fc, nil)
	}

	c.log.Info("send UploadResponse to the ACS")
	return &cwmp.UploadResponse{
		Status:       "1",
		StartTime:    cwmp.UnknownTime,
		CompleteTime: cwmp.UnknownTime,
	}, nil
}

func (c *Codec) handleReboot(body []byte) (interface{}, *cwmp.SOAPFault) {
	var req cwmp.RebootRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}
	if req.CommandKey == nil {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}

	c.engine.PersistMethodEvent(cwmp.EventMReboot, *req.CommandKey)
	c.engine.AddEndSession(EndSessionReboot)

	c.log.Info("send RebootResponse to the ACS")
	return &cwmp.RebootResponse{}, nil
}

func (c *Codec) handleFactoryReset(body []byte) (interface{}, *cwmp.SOAPFault) {
	c.engine.AddEndSession(EndSessionFactoryReset)
	c.log.Info("send FactoryResetResponse to the ACS")
	return &cwmp.FactoryResetResponse{}, nil
}

func (c *Codec) handleScheduleInform(body []byte) (interface{}, *cwmp.SOAPFault) {
	var req cwmp.ScheduleInformRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}
	if req.CommandKey == nil || req.DelaySeconds <= 0 {
		return nil, c.fault(cwmp.FaultInvalidArguments, nil)
	}

	c.engine.ScheduleInform(*req.CommandKey, req.DelaySeconds)

	c.log.Info("send ScheduleInformResponse to the ACS")
	return &cwmp.ScheduleInformResponse{}, nil
}
