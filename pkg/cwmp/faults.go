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

// TR-069 CWMP fault codes
const (
	FaultNone                     = 0
	FaultMethodNotSupported       = 9000
	FaultRequestDenied            = 9001
	FaultInternalError            = 9002
	FaultInvalidArguments         = 9003
	FaultResourcesExceeded        = 9004
	FaultInvalidParameterName     = 9005
	FaultInvalidParameterType     = 9006
	FaultInvalidParameterValue    = 9007
	FaultNonWritableParameter     = 9008
	FaultNotificationRejected     = 9009
	FaultDownloadFailure          = 9010
	FaultUploadFailure            = 9011
	FaultTransferServerAuth       = 9012
	FaultUnsupportedProtocol      = 9013
	FaultDownloadMulticast        = 9014
	FaultDownloadContactServer    = 9015
	FaultDownloadAccessFile       = 9016
	FaultDownloadIncomplete       = 9017
	FaultDownloadCorrupted        = 9018
	FaultDownloadAuthentication   = 9019
	FaultACSRequestRetry          = 8005
)

type faultInfo struct {
	kind   string // SOAP faultcode: "Client" or "Server"
	detail string
}

var faultTable = map[int]faultInfo{
	FaultNone:                   {"", ""},
	FaultMethodNotSupported:     {"Server", "Method not supported"},
	FaultRequestDenied:          {"Server", "Request denied"},
	FaultInternalError:          {"Server", "Internal error"},
	FaultInvalidArguments:       {"Client", "Invalid arguments"},
	FaultResourcesExceeded:      {"Server", "Resources exceeded"},
	FaultInvalidParameterName:   {"Client", "Invalid parameter name"},
	FaultInvalidParameterType:   {"Client", "Invalid parameter type"},
	FaultInvalidParameterValue:  {"Client", "Invalid parameter value"},
	FaultNonWritableParameter:   {"Client", "Attempt to set a non-writable parameter"},
	FaultNotificationRejected:   {"Server", "Notification request rejected"},
	FaultDownloadFailure:        {"Server", "Download failure"},
	FaultUploadFailure:          {"Server", "Upload failure"},
	FaultTransferServerAuth:     {"Server", "File transfer server authentication failure"},
	FaultUnsupportedProtocol:    {"Server", "Unsupported protocol for file transfer"},
	FaultDownloadMulticast:      {"Server", "Download failure: unable to join multicast group"},
	FaultDownloadContactServer:  {"Server", "Download failure: unable to contact file server"},
	FaultDownloadAccessFile:     {"Server", "Download failure: unable to access file"},
	FaultDownloadIncomplete:     {"Server", "Download failure: unable to complete download"},
	FaultDownloadCorrupted:      {"Server", "Download failure: file corrupted"},
	FaultDownloadAuthentication: {"Server", "Download failure: file authentication failure"},
}

// FaultType returns the SOAP faultcode for a CWMP fault, "Client" or "Server".
func FaultType(code int) string {
	if f, ok := faultTable[code]; ok {
		return f.kind
	}
	return faultTable[FaultInternalError].kind
}

// FaultString returns the canonical fault description for a CWMP fault code.
func FaultString(code int) string {
	if f, ok := faultTable[code]; ok {
		return f.detail
	}
	return faultTable[FaultInternalError].detail
}

// KnownFault reports whether code is one of the CWMP 9xxx fault codes.
func KnownFault(code int) bool {
	_, ok := faultTable[code]
	return ok && code != FaultNone
}
