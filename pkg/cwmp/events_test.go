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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventCodeStrings(t *testing.T) {
	assert.Equal(t, "0 BOOTSTRAP", EventBootstrap.String())
	assert.Equal(t, "1 BOOT", EventBoot.String())
	assert.Equal(t, "6 CONNECTION REQUEST", EventConnectionRequest.String())
	assert.Equal(t, "10 AUTONOMOUS TRANSFER COMPLETE", EventAutonomousTransferComplete.String())
	assert.Equal(t, "M Reboot", EventMReboot.String())
	assert.Equal(t, "M Upload", EventMUpload.String())
}

func TestEventCodeFromString(t *testing.T) {
	for code := EventCode(0); code < eventMax; code++ {
		got, ok := EventCodeFromString(code.String())
		require.True(t, ok, code.String())
		assert.Equal(t, code, got)
	}
	_, ok := EventCodeFromString("11 NO SUCH EVENT")
	assert.False(t, ok)
}

func TestEventRemovePolicies(t *testing.T) {
	assert.Equal(t, RemoveAfterInform, EventBoot.RemovePolicy())
	assert.Equal(t, RemoveAfterInform|RemoveNoRetry, EventValueChange.RemovePolicy())
	assert.Equal(t, RemoveAfterInform|RemoveNoRetry, EventConnectionRequest.RemovePolicy())
	assert.Equal(t, RemoveAfterTransferComplete, EventTransferComplete.RemovePolicy())
	assert.Equal(t, RemoveAfterTransferComplete, EventMDownload.RemovePolicy())
}

func TestEventPersistence(t *testing.T) {
	transient := []EventCode{EventConnectionRequest, EventKicked, EventValueChange}
	for _, code := range transient {
		assert.False(t, code.Persistent(), code.String())
	}
	for code := EventCode(0); code < eventMax; code++ {
		if code == EventConnectionRequest || code == EventKicked || code == EventValueChange {
			continue
		}
		assert.True(t, code.Persistent(), code.String())
	}
}

func TestEventKinds(t *testing.T) {
	assert.Equal(t, EventSingle, EventBoot.Kind())
	assert.Equal(t, EventMultiple, EventMDownload.Kind())
}

func TestFaultTable(t *testing.T) {
	assert.Equal(t, "Client", FaultType(FaultInvalidArguments))
	assert.Equal(t, "Server", FaultType(FaultResourcesExceeded))
	assert.Equal(t, "Invalid parameter name", FaultString(FaultInvalidParameterName))
	assert.True(t, KnownFault(FaultDownloadAuthentication))
	assert.False(t, KnownFault(1234))
}
