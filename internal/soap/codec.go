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

// Package soap renders and parses the CWMP SOAP envelopes: Inform and the
// other CPE-initiated messages going out, the thirteen ACS-issued RPCs coming
// in. Outgoing envelopes use the fixed prefixes soap_env/soap_enc/xsd/xsi/
// cwmp; incoming envelopes are matched by namespace URL so any prefix the
// ACS picked is accepted.
package soap

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Niceblueman/ispapp-cwmpclient/internal/datamodel"
	"github.com/Niceblueman/ispapp-cwmpclient/pkg/cwmp"
)

// ErrACSRetry is returned when the ACS answered a CPE message with fault
// 8005; the session fails and is retried with backoff.
var ErrACSRetry = errors.New("acs requested retry (fault 8005)")

// EndSession is the bitmask of actions deferred to session termination.
type EndSession int

const (
	EndSessionReboot EndSession = 1 << iota
	EndSessionFactoryReset
	EndSessionReloadConfig
)

// Engine is the session-engine surface the RPC handlers drive. The return of
// the enqueue methods is a CWMP fault code, zero on success.
type Engine interface {
	EnqueueDownload(key string, delaySeconds int, fileSize, url, fileType, username, password string) int
	EnqueueUpload(key string, delaySeconds int, url, fileType, username, password string) int
	ScheduleInform(key string, delaySeconds int)
	PersistMethodEvent(code cwmp.EventCode, key string)
	AddEndSession(mask EndSession)
}

// Codec builds outgoing and dispatches incoming CWMP messages.
type Codec struct {
	log    *slog.Logger
	bridge *datamodel.Bridge
	engine Engine

	msgID   uint32
	cwmpURN string
}

// New returns a codec bound to the parameter bridge and the session engine.
func New(bridge *datamodel.Bridge, engine Engine, log *slog.Logger) *Codec {
	return &Codec{log: log, bridge: bridge, engine: engine, cwmpURN: cwmp.DefaultCwmpURN}
}

// nextID mints the monotonic cwmp:ID for CPE-initiated messages.
func (c *Codec) nextID() string {
	c.msgID++
	return strconv.FormatUint(uint64(c.msgID), 10)
}

func (c *Codec) newEnvelope(id string) *cwmp.Envelope {
	env := cwmp.NewEnvelope(c.cwmpURN)
	env.Header = &cwmp.Header{ID: &cwmp.IDHeader{MustUnderstand: "1", Value: id}}
	return env
}

func marshalEnvelope(env *cwmp.Envelope) ([]byte, error) {
	body, err := xml.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// BuildInform composes the session-opening Inform from a snapshot of the
// device identity, the event queue and the parameter list.
func (c *Codec) BuildInform(device cwmp.DeviceIDStruct, events []cwmp.EventStruct, retryCount int, params []cwmp.ParameterValueStruct, currentTime string) ([]byte, error) {
	env := c.newEnvelope(c.nextID())
	inform := &cwmp.Inform{
		DeviceID:     device,
		MaxEnvelopes: 1,
		CurrentTime:  currentTime,
		RetryCount:   retryCount,
	}
	inform.Event.Events = events
	if n := len(events); n > 0 {
		inform.Event.ArrayType = fmt.Sprintf("cwmp:EventStruct[%d]", n)
	}
	inform.ParameterList.Parameters = params
	inform.ParameterList.ArrayType = fmt.Sprintf("cwmp:ParameterValueStruct[%d]", len(params))
	env.Body.Content = inform
	return marshalEnvelope(env)
}

// BuildGetRPCMethods composes the CPE-initiated GetRPCMethods request.
func (c *Codec) BuildGetRPCMethods() ([]byte, error) {
	env := c.newEnvelope(c.nextID())
	env.Body.Content = &cwmp.GetRPCMethods{}
	return marshalEnvelope(env)
}

// BuildTransferComplete composes a TransferComplete from a backup record.
func (c *Codec) BuildTransferComplete(commandKey, faultCode, faultString, startTime, completeTime string) ([]byte, error) {
	env := c.newEnvelope(c.nextID())
	env.Body.Content = &cwmp.TransferComplete{
		CommandKey: commandKey,
		FaultStruct: cwmp.FaultStruct{
			FaultCode:   faultCode,
			FaultString: faultString,
		},
		StartTime:    startTime,
		CompleteTime: completeTime,
	}
	return marshalEnvelope(env)
}

type parsedMessage struct {
	id      string
	hold    bool
	method  string
	body    []byte
	fault   *parsedFault
	cwmpURN string
}

type parsedFault struct {
	FaultCode string
}

// parse walks an incoming envelope in one decoder pass so the prefix
// bindings declared on the Envelope element resolve for the whole document.
// It validates the SOAP namespace, learns the CWMP namespace, captures the
// verbatim cwmp:ID text and extracts the first body element.
func (c *Codec) parse(msg []byte) (*parsedMessage, error) {
	dec := xml.NewDecoder(bytes.NewReader(msg))
	out := &parsedMessage{}

	depth := 0
	inHeader := false
	inBody := false
	headerField := ""
	var headerText strings.Builder
	sawEnvelope := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing envelope: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch {
			case depth == 1:
				if t.Name.Space != cwmp.SoapEnvURL || t.Name.Local != "Envelope" {
					return nil, fmt.Errorf("unexpected document element %s", t.Name.Local)
				}
				sawEnvelope = true
			case depth == 2 && t.Name.Local == "Header":
				inHeader = true
			case depth == 2 && t.Name.Local == "Body":
				inBody = true
			case inHeader && depth == 3:
				headerField = t.Name.Local
				headerText.Reset()
			case inBody && depth == 3:
				return c.parseBodyElement(dec, t, out)
			}
		case xml.CharData:
			if inHeader && headerField != "" {
				headerText.Write(t)
			}
		case xml.EndElement:
			if inHeader && depth == 3 {
				switch headerField {
				case "ID":
					out.id = headerText.String()
				case "HoldRequests", "NoMoreRequests":
					if n, err := strconv.Atoi(strings.TrimSpace(headerText.String())); err == nil && n != 0 {
						out.hold = true
					}
				}
				headerField = ""
			}
			if depth == 2 {
				inHeader = false
				inBody = false
			}
			depth--
		}
	}
	if !sawEnvelope {
		return nil, fmt.Errorf("message carries no envelope")
	}
	// An envelope with an empty body carries no request.
	return out, nil
}

// parseBodyElement classifies the first body element: a SOAP fault, a
// cwmp-qualified method, or something the dispatcher answers 9003 to.
func (c *Codec) parseBodyElement(dec *xml.Decoder, start xml.StartElement, out *parsedMessage) (*parsedMessage, error) {
	if start.Name.Space == cwmp.SoapEnvURL && start.Name.Local == "Fault" {
		out.fault = &parsedFault{}
		var f struct {
			Detail struct {
				Fault struct {
					FaultCode string `xml:"FaultCode"`
				} `xml:"Fault"`
			} `xml:"detail"`
		}
		if err := dec.DecodeElement(&f, &start); err == nil {
			out.fault.FaultCode = strings.TrimSpace(f.Detail.Fault.FaultCode)
		}
		return out, nil
	}
	for _, urn := range cwmp.CwmpURNs {
		if start.Name.Space == urn {
			out.cwmpURN = urn
			break
		}
	}
	if out.cwmpURN == "" {
		// Not a cwmp-qualified method; HandleMessage answers 9003.
		dec.Skip()
		return out, nil
	}
	out.method = start.Name.Local
	inner, err := collectElement(dec, start)
	if err != nil {
		return nil, err
	}
	out.body = inner
	return out, nil
}

// collectElement re-serializes the element that start opened so it can be
// unmarshalled into a concrete request type.
func collectElement(dec *xml.Decoder, start xml.StartElement) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	// Strip prefixes; the concrete request types match local names.
	clean := xml.StartElement{Name: xml.Name{Local: start.Name.Local}}
	if err := enc.EncodeToken(clean); err != nil {
		return nil, err
	}
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("truncated body element: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if err := enc.EncodeToken(xml.StartElement{Name: xml.Name{Local: t.Name.Local}, Attr: localAttrs(t.Attr)}); err != nil {
				return nil, err
			}
		case xml.EndElement:
			depth--
			if err := enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: t.Name.Local}}); err != nil {
				return nil, err
			}
		case xml.CharData:
			if err := enc.EncodeToken(t); err != nil {
				return nil, err
			}
		}
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func localAttrs(attrs []xml.Attr) []xml.Attr {
	out := make([]xml.Attr, 0, len(attrs))
	for _, a := range attrs {
		if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
			continue
		}
		out = append(out, xml.Attr{Name: xml.Name{Local: a.Name.Local}, Value: a.Value})
	}
	return out
}

// parseCPEResponse handles the ACS answer to a CPE-initiated message: fault
// 8005 means retry, anything else unparseable is a session failure.
func (c *Codec) parseCPEResponse(msg []byte, wantMaxEnvelopes bool) (bool, error) {
	parsed, err := c.parse(msg)
	if err != nil {
		return false, err
	}
	if parsed.fault != nil {
		if parsed.fault.FaultCode == "8005" {
			return false, ErrACSRetry
		}
		return false, fmt.Errorf("acs fault %s", parsed.fault.FaultCode)
	}
	if parsed.cwmpURN != "" {
		c.cwmpURN = parsed.cwmpURN
	}
	if wantMaxEnvelopes {
		var resp struct {
			MaxEnvelopes *string `xml:"MaxEnvelopes"`
		}
		if err := xml.Unmarshal(parsed.body, &resp); err != nil || resp.MaxEnvelopes == nil {
			return false, fmt.Errorf("inform response carries no MaxEnvelopes")
		}
	}
	return parsed.hold, nil
}

// ParseInformResponse validates the InformResponse. MaxEnvelopes must be
// present; its value is ignored. The returned flag is the ACS hold-requests
// state.
func (c *Codec) ParseInformResponse(msg []byte) (bool, error) {
	return c.parseCPEResponse(msg, true)
}

// ParseGetRPCMethodsResponse validates the GetRPCMethodsResponse.
func (c *Codec) ParseGetRPCMethodsResponse(msg []byte) (bool, error) {
	return c.parseCPEResponse(msg, false)
}

// ParseTransferCompleteResponse validates the TransferCompleteResponse.
func (c *Codec) ParseTransferCompleteResponse(msg []byte) (bool, error) {
	return c.parseCPEResponse(msg, false)
}

// HandleMessage dispatches an ACS request and returns the response envelope.
// The cwmp:ID of the request is echoed verbatim. Protocol-level problems are
// answered with a fault envelope; only unparseable envelopes return an error.
func (c *Codec) HandleMessage(msg []byte) ([]byte, error) {
	parsed, err := c.parse(msg)
	if err != nil {
		return nil, err
	}
	if parsed.cwmpURN != "" {
		c.cwmpURN = parsed.cwmpURN
	}
	env := c.newEnvelope(parsed.id)
	if parsed.method == "" {
		env.Body.Fault = c.fault(cwmp.FaultInvalidArguments, nil)
		return marshalEnvelope(env)
	}

	c.log.Info("received method from the ACS", "method", parsed.method)
	handler, ok := rpcHandlers[parsed.method]
	if !ok {
		env.Body.Fault = c.fault(cwmp.FaultMethodNotSupported, nil)
		return marshalEnvelope(env)
	}
	content, fault := handler(c, parsed.body)
	if fault != nil {
		env.Body.Fault = fault
	} else {
		env.Body.Content = content
	}
	return marshalEnvelope(env)
}

// fault builds the standard CWMP fault envelope body.
func (c *Codec) fault(code int, setFaults []cwmp.SetParameterValueFault) *cwmp.SOAPFault {
	c.log.Info("send fault to the ACS", "code", code, "detail", cwmp.FaultString(code))
	return &cwmp.SOAPFault{
		FaultCode:   cwmp.FaultType(code),
		FaultString: "CWMP fault",
		Detail: &cwmp.FaultDetail{
			CWMPFault: &cwmp.CWMPFault{
				FaultCode:   strconv.Itoa(code),
				FaultString: cwmp.FaultString(code),
				SetFaults:   setFaults,
			},
		},
	}
}

