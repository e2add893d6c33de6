// Copyright 2025 Edgeo SCADA
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

package opcua

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseNodeID(t *testing.T) {
	tests := []struct {
		in   string
		want NodeID
		text string
	}{
		{"i=2259", NewNumericNodeID(0, 2259), "i=2259"},
		{"ns=2;i=42", NewNumericNodeID(2, 42), "ns=2;i=42"},
		{"ns=3;s=Line1.Temperature", NewStringNodeID(3, "Line1.Temperature"), "ns=3;s=Line1.Temperature"},
		{"85", NewNumericNodeID(0, 85), "i=85"},
		{"ns=1;Motor", NewStringNodeID(1, "Motor"), "ns=1;s=Motor"},
		{"ns=1;b=AQID", NewOpaqueNodeID(1, []byte{1, 2, 3}), "ns=1;b=AQID"},
		{
			"g=72962b91-fa75-4ae6-8d28-b404dc7daf63",
			MustParseNodeID("g=72962B91-FA75-4AE6-8D28-B404DC7DAF63"),
			"g=72962b91-fa75-4ae6-8d28-b404dc7daf63",
		},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			require := require.New(t)

			got, err := ParseNodeID(tt.in)
			require.NoError(err)
			require.True(tt.want.Equal(got), "got %s", got)
			require.Equal(tt.text, got.String())
		})
	}
}

func TestParseNodeID_Invalid(t *testing.T) {
	for _, in := range []string{"ns=x;i=1", "ns=1", "i=abc", "g=not-a-guid", "b=%%%", ""} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseNodeID(in)
			require.ErrorIs(t, err, ErrInvalidNodeID)
		})
	}
}

func TestNodeID_KeyDistinguishesTypes(t *testing.T) {
	require := require.New(t)

	require.NotEqual(NewNumericNodeID(1, 5).Key(), NewStringNodeID(1, "5").Key())
	require.Equal(NewNumericNodeID(0, 446).Key(), MustParseNodeID("i=446").Key())
	require.True(NodeID{}.IsNull())
}

func TestSecurityPolicyParsing(t *testing.T) {
	require := require.New(t)

	p, err := ParseSecurityPolicy("Basic256Sha256")
	require.NoError(err)
	require.Equal(SecurityPolicyBasic256Sha256, p)

	p, err = ParseSecurityPolicy(string(SecurityPolicyAes256Sha256RsaPss))
	require.NoError(err)
	require.Equal("Aes256_Sha256_RsaPss", p.ShortName())

	_, err = ParseSecurityPolicy("Basic512")
	require.ErrorIs(err, ErrSecurityPolicyNotSupported)

	mode, err := ParseMessageSecurityMode("signandencrypt")
	require.NoError(err)
	require.Equal(MessageSecurityModeSignAndEncrypt, mode)
}

func TestServiceError(t *testing.T) {
	require := require.New(t)

	err := fmt.Errorf("read: %w", NewServiceError(ServiceRead, StatusBadNodeIDUnknown, ""))
	require.ErrorIs(err, ErrServiceFault)
	require.ErrorIs(err, StatusBadNodeIDUnknown)
	require.True(IsStatusCode(err, StatusBadNodeIDUnknown))
	require.Equal(StatusBadNodeIDUnknown, StatusOf(err))
	require.False(IsFatal(err))

	var se *ServiceError
	require.True(errors.As(err, &se))
	require.Equal(ServiceRead, se.Service)
	require.Contains(se.Error(), "BadNodeIdUnknown")
}

func TestErrorClassification(t *testing.T) {
	require := require.New(t)

	require.True(IsFatal(ErrMalformedHeader))
	require.True(IsFatal(fmt.Errorf("chunk: %w", ErrPayloadTooLarge)))
	require.True(IsFatal(ErrSecurityChecksFailed))
	require.True(IsFatal(fmt.Errorf("%w: connection reset", ErrTransport)))
	require.False(IsFatal(ErrTimeout))
	require.False(IsFatal(ErrChannelClosed))

	require.True(IsTimeout(StatusBadTimeout))
	require.True(IsChannelClosed(fmt.Errorf("x: %w", ErrChannelClosed)))
	require.True(IsSecurityError(ErrSecurityChecksFailed))
	require.True(IsSessionInvalid(NewServiceError(ServiceActivateSession, StatusBadSessionIDInvalid, "")))

	require.Equal(StatusGood, StatusOf(nil))
	require.Equal(StatusBadTimeout, StatusOf(ErrTimeout))
	require.Equal(StatusBadDataTypeIDUnknown, StatusOf(ErrUnknownType))
	require.Equal(StatusBadDecodingError, StatusOf(ErrMalformedHeader))
	require.Equal(StatusBadUnexpectedError, StatusOf(errors.New("boom")))
}

func TestStatusCode(t *testing.T) {
	require := require.New(t)

	require.True(StatusGood.IsGood())
	require.True(StatusUncertain.IsUncertain())
	require.True(StatusBadTooManyPublishRequests.IsBad())
	require.Equal("BadNoSubscription", StatusBadNoSubscription.String())
	require.Equal("StatusCode(0x80FF0000)", StatusCode(0x80FF0000).String())
	require.Equal("The operation failed", StatusCode(0x80FF0000).Description())
}
