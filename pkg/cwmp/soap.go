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

package cwmp

import "encoding/xml"

// SOAP namespace URLs used by TR-069 CWMP
const (
	SoapEnvURL = "http://schemas.xmlsoap.org/soap/envelope/"
	SoapEncURL = "http://schemas.xmlsoap.org/soap/encoding/"
	XsdURL     = "http://www.w3.org/2001/XMLSchema"
	XsiURL     = "http://www.w3.org/2001/XMLSchema-instance"
)

// CwmpURNs lists the CWMP namespace URNs accepted from the ACS, oldest first.
var CwmpURNs = []string{
	"urn:dslforum-org:cwmp-1-0",
	"urn:dslforum-org:cwmp-1-1",
	"urn:dslforum-org:cwmp-1-2",
}

// DefaultCwmpURN is used on outgoing envelopes until the ACS teaches us another.
const DefaultCwmpURN = "urn:dslforum-org:cwmp-1-2"

// Envelope is an outgoing SOAP envelope. Prefixes are fixed; the cwmp
// namespace binding follows the most recent ACS envelope.
type Envelope struct {
	XMLName xml.Name `xml:"soap_env:Envelope"`
	SoapEnv string   `xml:"xmlns:soap_env,attr"`
	SoapEnc string   `xml:"xmlns:soap_enc,attr"`
	Xsd     string   `xml:"xmlns:xsd,attr"`
	Xsi     string   `xml:"xmlns:xsi,attr"`
	Cwmp    string   `xml:"xmlns:cwmp,attr"`
	Header  *Header  `xml:"soap_env:Header,omitempty"`
	Body    Body     `xml:"soap_env:Body"`
}

// NewEnvelope returns an envelope with the standard namespace bindings.
func NewEnvelope(cwmpURN string) *Envelope {
	if cwmpURN == "" {
		cwmpURN = DefaultCwmpURN
	}
	return &Envelope{
		SoapEnv: SoapEnvURL,
		SoapEnc: SoapEncURL,
		Xsd:     XsdURL,
		Xsi:     XsiURL,
		Cwmp:    cwmpURN,
	}
}

type Header struct {
	ID *IDHeader `xml:"cwmp:ID,omitempty"`
}

// IDHeader carries the cwmp:ID session correlation header.
type IDHeader struct {
	MustUnderstand string `xml:"soap_env:mustUnderstand,attr"`
	Value          string `xml:",chardata"`
}

type Body struct {
	Content interface{} `xml:",omitempty"`
	Fault   *SOAPFault  `xml:"soap_env:Fault,omitempty"`
}

type SOAPFault struct {
	FaultCode   string       `xml:"faultcode"`
	FaultString string       `xml:"faultstring"`
	Detail      *FaultDetail `xml:"detail,omitempty"`
}

type FaultDetail struct {
	CWMPFault *CWMPFault `xml:"cwmp:Fault,omitempty"`
}

type CWMPFault struct {
	FaultCode   string                   `xml:"FaultCode"`
	FaultString string                   `xml:"FaultString"`
	SetFaults   []SetParameterValueFault `xml:"SetParameterValuesFault,omitempty"`
}

// SetParameterValueFault reports one offending entry of a SetParameterValues.
type SetParameterValueFault struct {
	ParameterName string `xml:"ParameterName"`
	FaultCode     string `xml:"FaultCode"`
	FaultString   string `xml:"FaultString"`
}

// TR-069 CWMP method structures, CPE side.

// Inform is the CPE-initiated RPC that opens every session.
type Inform struct {
	XMLName       xml.Name           `xml:"cwmp:Inform"`
	DeviceID      DeviceIDStruct     `xml:"DeviceId"`
	Event         EventList          `xml:"Event"`
	MaxEnvelopes  uint32             `xml:"MaxEnvelopes"`
	CurrentTime   string             `xml:"CurrentTime"`
	RetryCount    int                `xml:"RetryCount"`
	ParameterList ParameterValueList `xml:"ParameterList"`
}

type InformResponse struct {
	MaxEnvelopes uint32 `xml:"MaxEnvelopes"`
}

type DeviceIDStruct struct {
	Manufacturer string `xml:"Manufacturer"`
	OUI          string `xml:"OUI"`
	ProductClass string `xml:"ProductClass"`
	SerialNumber string `xml:"SerialNumber"`
}

type EventList struct {
	ArrayType string        `xml:"soap_enc:arrayType,attr,omitempty"`
	Events    []EventStruct `xml:"EventStruct"`
}

type EventStruct struct {
	EventCode  string `xml:"EventCode"`
	CommandKey string `xml:"CommandKey"`
}

// ParameterValueList is a SOAP array of ParameterValueStruct.
type ParameterValueList struct {
	ArrayType  string                 `xml:"soap_enc:arrayType,attr"`
	Parameters []ParameterValueStruct `xml:"ParameterValueStruct"`
}

type ParameterValueStruct struct {
	Name  string     `xml:"Name"`
	Value TypedValue `xml:"Value"`
}

// TypedValue carries a parameter value with its xsi:type, verbatim from the
// data-model provider.
type TypedValue struct {
	Type  string `xml:"xsi:type,attr,omitempty"`
	Value string `xml:",chardata"`
}

type ParameterInfoList struct {
	ArrayType  string                `xml:"soap_enc:arrayType,attr"`
	Parameters []ParameterInfoStruct `xml:"ParameterInfoStruct"`
}

type ParameterInfoStruct struct {
	Name     string `xml:"Name"`
	Writable string `xml:"Writable"`
}

type ParameterAttributeList struct {
	ArrayType  string                     `xml:"soap_enc:arrayType,attr"`
	Parameters []ParameterAttributeStruct `xml:"ParameterAttributeStruct"`
}

type ParameterAttributeStruct struct {
	Name         string `xml:"Name"`
	Notification string `xml:"Notification"`
	AccessList   string `xml:"AccessList"`
}

// GetRPCMethods is sent by the CPE when the -g flag (or a pending request)
// asks for the ACS method list.
type GetRPCMethods struct {
	XMLName xml.Name `xml:"cwmp:GetRPCMethods"`
}

// TransferComplete notifies the ACS of a finished (or failed) transfer.
type TransferComplete struct {
	XMLName      xml.Name    `xml:"cwmp:TransferComplete"`
	CommandKey   string      `xml:"CommandKey"`
	FaultStruct  FaultStruct `xml:"FaultStruct"`
	StartTime    string      `xml:"StartTime"`
	CompleteTime string      `xml:"CompleteTime"`
}

type FaultStruct struct {
	FaultCode   string `xml:"FaultCode"`
	FaultString string `xml:"FaultString"`
}

// Responses returned to ACS-issued RPCs.

type GetRPCMethodsResponse struct {
	XMLName    xml.Name   `xml:"cwmp:GetRPCMethodsResponse"`
	MethodList MethodList `xml:"MethodList"`
}

type MethodList struct {
	ArrayType string   `xml:"soap_enc:arrayType,attr"`
	Methods   []string `xml:"string"`
}

type SetParameterValuesResponse struct {
	XMLName xml.Name `xml:"cwmp:SetParameterValuesResponse"`
	Status  string   `xml:"Status"`
}

type GetParameterValuesResponse struct {
	XMLName       xml.Name           `xml:"cwmp:GetParameterValuesResponse"`
	ParameterList ParameterValueList `xml:"ParameterList"`
}

type GetParameterNamesResponse struct {
	XMLName       xml.Name          `xml:"cwmp:GetParameterNamesResponse"`
	ParameterList ParameterInfoList `xml:"ParameterList"`
}

type GetParameterAttributesResponse struct {
	XMLName       xml.Name               `xml:"cwmp:GetParameterAttributesResponse"`
	ParameterList ParameterAttributeList `xml:"ParameterList"`
}

type SetParameterAttributesResponse struct {
	XMLName xml.Name `xml:"cwmp:SetParameterAttributesResponse"`
}

type AddObjectResponse struct {
	XMLName        xml.Name `xml:"cwmp:AddObjectResponse"`
	InstanceNumber string   `xml:"InstanceNumber"`
	Status         string   `xml:"Status"`
}

type DeleteObjectResponse struct {
	XMLName xml.Name `xml:"cwmp:DeleteObjectResponse"`
	Status  string   `xml:"Status"`
}

type DownloadResponse struct {
	XMLName      xml.Name `xml:"cwmp:DownloadResponse"`
	Status       string   `xml:"Status"`
	StartTime    string   `xml:"StartTime"`
	CompleteTime string   `xml:"CompleteTime"`
}

type UploadResponse struct {
	XMLName      xml.Name `xml:"cwmp:UploadResponse"`
	Status       string   `xml:"Status"`
	StartTime    string   `xml:"StartTime"`
	CompleteTime string   `xml:"CompleteTime"`
}

type RebootResponse struct {
	XMLName xml.Name `xml:"cwmp:RebootResponse"`
}

type FactoryResetResponse struct {
	XMLName xml.Name `xml:"cwmp:FactoryResetResponse"`
}

type ScheduleInformResponse struct {
	XMLName xml.Name `xml:"cwmp:ScheduleInformResponse"`
}

// ACS-issued requests as decoded from incoming envelopes. Field tags are
// namespace agnostic: encoding/xml matches by local name.

type SetParameterValuesRequest struct {
	ParameterList []SetParameterValue `xml:"ParameterList>ParameterValueStruct"`
	ParameterKey  string              `xml:"ParameterKey"`
}

type SetParameterValue struct {
	Name  string `xml:"Name"`
	Value string `xml:"Value"`
}

type GetParameterValuesRequest struct {
	ParameterNames []string `xml:"ParameterNames>string"`
}

type GetParameterNamesRequest struct {
	ParameterPath string `xml:"ParameterPath"`
	NextLevel     string `xml:"NextLevel"`
}

type GetParameterAttributesRequest struct {
	ParameterNames []string `xml:"ParameterNames>string"`
}

type SetParameterAttributesRequest struct {
	ParameterList []SetParameterAttribute `xml:"ParameterList>SetParameterAttributesStruct"`
}

type SetParameterAttribute struct {
	Name               string `xml:"Name"`
	NotificationChange string `xml:"NotificationChange"`
	Notification       string `xml:"Notification"`
}

type AddObjectRequest struct {
	ObjectName   string  `xml:"ObjectName"`
	ParameterKey *string `xml:"ParameterKey"`
}

type DeleteObjectRequest struct {
	ObjectName   string  `xml:"ObjectName"`
	ParameterKey *string `xml:"ParameterKey"`
}

type DownloadRequest struct {
	CommandKey   *string `xml:"CommandKey"`
	FileType     string  `xml:"FileType"`
	URL          string  `xml:"URL"`
	Username     string  `xml:"Username"`
	Password     string  `xml:"Password"`
	FileSize     string  `xml:"FileSize"`
	DelaySeconds *int    `xml:"DelaySeconds"`
}

type UploadRequest struct {
	CommandKey   *string `xml:"CommandKey"`
	FileType     string  `xml:"FileType"`
	URL          string  `xml:"URL"`
	Username     string  `xml:"Username"`
	Password     string  `xml:"Password"`
	DelaySeconds *int    `xml:"DelaySeconds"`
}

type RebootRequest struct {
	CommandKey *string `xml:"CommandKey"`
}

type ScheduleInformRequest struct {
	CommandKey   *string `xml:"CommandKey"`
	DelaySeconds int     `xml:"DelaySeconds"`
}

// MethodNames lists every RPC the CPE answers, in GetRPCMethodsResponse order.
var MethodNames = []string{
	"GetRPCMethods",
	"SetParameterValues",
	"GetParameterValues",
	"GetParameterNames",
	"GetParameterAttributes",
	"SetParameterAttributes",
	"AddObject",
	"DeleteObject",
	"Download",
	"Upload",
	"Reboot",
	"FactoryReset",
	"ScheduleInform",
}

// UnknownTime is the TR-069 sentinel for "not yet known".
const UnknownTime = "0001-01-01T00:00:00Z"

// TimeLayout is the ISO-8601 offset format used for CurrentTime, StartTime
// and CompleteTime.
const TimeLayout = "2006-01-02T15:04:05-07:00"
