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

import "fmt"

// StatusCode is an OPC UA status code. It implements error.
type StatusCode uint32

// StatusCode severity levels.
const (
	StatusSeverityGood      uint32 = 0x00000000
	StatusSeverityUncertain uint32 = 0x40000000
	StatusSeverityBad       uint32 = 0x80000000
	StatusSeverityMask      uint32 = 0xC0000000
)

// OPC UA status codes used by the channel, session and subscription layers.
const (
	StatusGood                            StatusCode = 0x00000000
	StatusUncertain                       StatusCode = 0x40000000
	StatusBad                             StatusCode = 0x80000000
	StatusBadUnexpectedError              StatusCode = 0x80010000
	StatusBadInternalError                StatusCode = 0x80020000
	StatusBadOutOfMemory                  StatusCode = 0x80030000
	StatusBadResourceUnavailable          StatusCode = 0x80040000
	StatusBadCommunicationError           StatusCode = 0x80050000
	StatusBadEncodingError                StatusCode = 0x80060000
	StatusBadDecodingError                StatusCode = 0x80070000
	StatusBadEncodingLimitsExceeded       StatusCode = 0x80080000
	StatusBadUnknownResponse              StatusCode = 0x80090000
	StatusBadTimeout                      StatusCode = 0x800A0000
	StatusBadServiceUnsupported           StatusCode = 0x800B0000
	StatusBadShutdown                     StatusCode = 0x800C0000
	StatusBadServerNotConnected           StatusCode = 0x800D0000
	StatusBadNothingToDo                  StatusCode = 0x800F0000
	StatusBadTooManyOperations            StatusCode = 0x80100000
	StatusBadDataTypeIDUnknown            StatusCode = 0x80110000
	StatusBadCertificateInvalid           StatusCode = 0x80120000
	StatusBadSecurityChecksFailed         StatusCode = 0x80130000
	StatusBadCertificateUntrusted         StatusCode = 0x801A0000
	StatusBadUserAccessDenied             StatusCode = 0x801F0000
	StatusBadIdentityTokenInvalid         StatusCode = 0x80200000
	StatusBadIdentityTokenRejected        StatusCode = 0x80210000
	StatusBadSecureChannelIDInvalid       StatusCode = 0x80220000
	StatusBadNonceInvalid                 StatusCode = 0x80240000
	StatusBadSessionIDInvalid             StatusCode = 0x80250000
	StatusBadSessionClosed                StatusCode = 0x80260000
	StatusBadSessionNotActivated          StatusCode = 0x80270000
	StatusBadSubscriptionIDInvalid        StatusCode = 0x80280000
	StatusBadRequestHeaderInvalid         StatusCode = 0x802A0000
	StatusBadTimestampsToReturnInvalid    StatusCode = 0x802B0000
	StatusBadRequestCancelledByClient     StatusCode = 0x802C0000
	StatusGoodSubscriptionTransferred     StatusCode = 0x002D0000
	StatusBadNodeIDInvalid                StatusCode = 0x80330000
	StatusBadNodeIDUnknown                StatusCode = 0x80340000
	StatusBadAttributeIDInvalid           StatusCode = 0x80350000
	StatusBadNotReadable                  StatusCode = 0x803A0000
	StatusBadNotWritable                  StatusCode = 0x803B0000
	StatusBadNotSupported                 StatusCode = 0x803D0000
	StatusBadMonitoredItemIDInvalid       StatusCode = 0x80420000
	StatusBadMonitoredItemFilterInvalid   StatusCode = 0x80430000
	StatusBadRequestTypeInvalid           StatusCode = 0x80530000
	StatusBadSecurityModeRejected         StatusCode = 0x80540000
	StatusBadSecurityPolicyRejected       StatusCode = 0x80550000
	StatusBadTooManySessions              StatusCode = 0x80560000
	StatusBadUserSignatureInvalid         StatusCode = 0x80570000
	StatusBadApplicationSignatureInvalid  StatusCode = 0x80580000
	StatusBadTypeMismatch                 StatusCode = 0x80740000
	StatusBadTooManySubscriptions         StatusCode = 0x80770000
	StatusBadTooManyPublishRequests       StatusCode = 0x80780000
	StatusBadNoSubscription               StatusCode = 0x80790000
	StatusBadSequenceNumberUnknown        StatusCode = 0x807A0000
	StatusBadMessageNotAvailable          StatusCode = 0x807B0000
	StatusBadTCPServerTooBusy             StatusCode = 0x807D0000
	StatusBadTCPMessageTypeInvalid        StatusCode = 0x807E0000
	StatusBadTCPSecureChannelUnknown      StatusCode = 0x807F0000
	StatusBadTCPMessageTooLarge           StatusCode = 0x80800000
	StatusBadTCPNotEnoughResources        StatusCode = 0x80810000
	StatusBadTCPInternalError             StatusCode = 0x80820000
	StatusBadTCPEndpointURLInvalid        StatusCode = 0x80830000
	StatusBadRequestInterrupted           StatusCode = 0x80840000
	StatusBadRequestTimeout               StatusCode = 0x80850000
	StatusBadSecureChannelClosed          StatusCode = 0x80860000
	StatusBadSecureChannelTokenUnknown    StatusCode = 0x80870000
	StatusBadSequenceNumberInvalid        StatusCode = 0x80880000
	StatusBadDataLost                     StatusCode = 0x809D0000
	StatusBadInvalidArgument              StatusCode = 0x80AB0000
	StatusBadConnectionRejected           StatusCode = 0x80AC0000
	StatusBadDisconnect                   StatusCode = 0x80AD0000
	StatusBadConnectionClosed             StatusCode = 0x80AE0000
	StatusBadInvalidState                 StatusCode = 0x80AF0000
	StatusBadRequestTooLarge              StatusCode = 0x80B80000
	StatusBadResponseTooLarge             StatusCode = 0x80B90000
	StatusBadProtocolVersionUnsupported   StatusCode = 0x80BE0000
	StatusBadSecurityModeInsufficient     StatusCode = 0x80E60000
	StatusBadMaxConnectionsReached        StatusCode = 0x80B70000
	StatusBadCertificatePolicyCheckFailed StatusCode = 0x81140000
)

type statusCodeInfo struct {
	name        string
	description string
}

var statusCodeMap = map[StatusCode]statusCodeInfo{
	StatusGood:                            {"Good", "The operation completed successfully"},
	StatusUncertain:                       {"Uncertain", "The operation completed with an uncertain result"},
	StatusBad:                             {"Bad", "The operation failed"},
	StatusBadUnexpectedError:              {"BadUnexpectedError", "An unexpected error occurred"},
	StatusBadInternalError:                {"BadInternalError", "An internal error occurred"},
	StatusBadOutOfMemory:                  {"BadOutOfMemory", "Not enough memory to complete the operation"},
	StatusBadResourceUnavailable:          {"BadResourceUnavailable", "An operating system resource is not available"},
	StatusBadCommunicationError:           {"BadCommunicationError", "A low level communication error occurred"},
	StatusBadEncodingError:                {"BadEncodingError", "Encoding halted because of invalid data"},
	StatusBadDecodingError:                {"BadDecodingError", "Decoding halted because of invalid data"},
	StatusBadEncodingLimitsExceeded:       {"BadEncodingLimitsExceeded", "The message encoding/decoding limits have been exceeded"},
	StatusBadUnknownResponse:              {"BadUnknownResponse", "An unrecognized response was received from the server"},
	StatusBadTimeout:                      {"BadTimeout", "The operation timed out"},
	StatusBadServiceUnsupported:           {"BadServiceUnsupported", "The server does not support the requested service"},
	StatusBadShutdown:                     {"BadShutdown", "The operation was cancelled because the application is shutting down"},
	StatusBadServerNotConnected:           {"BadServerNotConnected", "The client is not connected to the server"},
	StatusBadNothingToDo:                  {"BadNothingToDo", "There was nothing to do"},
	StatusBadTooManyOperations:            {"BadTooManyOperations", "The request specified too many operations"},
	StatusBadDataTypeIDUnknown:            {"BadDataTypeIdUnknown", "The extension object cannot be decoded because the data type is not known"},
	StatusBadCertificateInvalid:           {"BadCertificateInvalid", "The certificate provided is not valid"},
	StatusBadSecurityChecksFailed:         {"BadSecurityChecksFailed", "An error occurred verifying security"},
	StatusBadCertificateUntrusted:         {"BadCertificateUntrusted", "The certificate is not trusted"},
	StatusBadUserAccessDenied:             {"BadUserAccessDenied", "User access denied"},
	StatusBadIdentityTokenInvalid:         {"BadIdentityTokenInvalid", "The user identity token is not valid"},
	StatusBadIdentityTokenRejected:        {"BadIdentityTokenRejected", "The user identity token is rejected by the server"},
	StatusBadSecureChannelIDInvalid:       {"BadSecureChannelIdInvalid", "The specified secure channel is no longer valid"},
	StatusBadNonceInvalid:                 {"BadNonceInvalid", "The nonce does not appear to be a valid nonce"},
	StatusBadSessionIDInvalid:             {"BadSessionIdInvalid", "The session ID is not valid"},
	StatusBadSessionClosed:                {"BadSessionClosed", "The session was closed by the client"},
	StatusBadSessionNotActivated:          {"BadSessionNotActivated", "The session cannot be used because it has not been activated"},
	StatusBadSubscriptionIDInvalid:        {"BadSubscriptionIdInvalid", "The subscription ID is not valid"},
	StatusBadRequestHeaderInvalid:         {"BadRequestHeaderInvalid", "The header for the request is missing or invalid"},
	StatusBadTimestampsToReturnInvalid:    {"BadTimestampsToReturnInvalid", "The timestamps to return parameter is invalid"},
	StatusBadRequestCancelledByClient:     {"BadRequestCancelledByClient", "The request was cancelled by the client"},
	StatusGoodSubscriptionTransferred:     {"GoodSubscriptionTransferred", "The subscription was transferred to another session"},
	StatusBadNodeIDInvalid:                {"BadNodeIdInvalid", "The node ID format is not valid"},
	StatusBadNodeIDUnknown:                {"BadNodeIdUnknown", "The node ID refers to a node that does not exist"},
	StatusBadAttributeIDInvalid:           {"BadAttributeIdInvalid", "The attribute ID is not valid for this node"},
	StatusBadNotReadable:                  {"BadNotReadable", "The access level does not allow reading the value"},
	StatusBadNotWritable:                  {"BadNotWritable", "The access level does not allow writing the value"},
	StatusBadNotSupported:                 {"BadNotSupported", "The requested operation is not supported"},
	StatusBadMonitoredItemIDInvalid:       {"BadMonitoredItemIdInvalid", "The monitored item ID is not valid"},
	StatusBadMonitoredItemFilterInvalid:   {"BadMonitoredItemFilterInvalid", "The monitored item filter parameter is not valid"},
	StatusBadRequestTypeInvalid:           {"BadRequestTypeInvalid", "The request type is not valid for the secure channel"},
	StatusBadSecurityModeRejected:         {"BadSecurityModeRejected", "The security mode does not meet the security policy requirements"},
	StatusBadSecurityPolicyRejected:       {"BadSecurityPolicyRejected", "The security policy does not meet the requirements"},
	StatusBadTooManySessions:              {"BadTooManySessions", "The server has reached its maximum number of sessions"},
	StatusBadUserSignatureInvalid:         {"BadUserSignatureInvalid", "The user token signature is not valid"},
	StatusBadApplicationSignatureInvalid:  {"BadApplicationSignatureInvalid", "The signature generated with the client certificate is not valid"},
	StatusBadTypeMismatch:                 {"BadTypeMismatch", "The value provided does not match the expected data type"},
	StatusBadTooManySubscriptions:         {"BadTooManySubscriptions", "Too many subscriptions"},
	StatusBadTooManyPublishRequests:       {"BadTooManyPublishRequests", "Too many publish requests have been queued"},
	StatusBadNoSubscription:               {"BadNoSubscription", "There is no subscription available for this session"},
	StatusBadSequenceNumberUnknown:        {"BadSequenceNumberUnknown", "The sequence number is unknown to the server"},
	StatusBadMessageNotAvailable:          {"BadMessageNotAvailable", "The requested notification message is no longer available"},
	StatusBadTCPServerTooBusy:             {"BadTcpServerTooBusy", "The server cannot process the request because it is too busy"},
	StatusBadTCPMessageTypeInvalid:        {"BadTcpMessageTypeInvalid", "The type of the message is not valid"},
	StatusBadTCPSecureChannelUnknown:      {"BadTcpSecureChannelUnknown", "The secure channel is not known"},
	StatusBadTCPMessageTooLarge:           {"BadTcpMessageTooLarge", "The message size exceeds the maximum allowed"},
	StatusBadTCPNotEnoughResources:        {"BadTcpNotEnoughResources", "There are not enough resources to process the request"},
	StatusBadTCPInternalError:             {"BadTcpInternalError", "An internal error occurred"},
	StatusBadTCPEndpointURLInvalid:        {"BadTcpEndpointUrlInvalid", "The endpoint URL is not valid"},
	StatusBadRequestInterrupted:           {"BadRequestInterrupted", "The request was interrupted by a network error"},
	StatusBadRequestTimeout:               {"BadRequestTimeout", "The request timed out"},
	StatusBadSecureChannelClosed:          {"BadSecureChannelClosed", "The secure channel has been closed"},
	StatusBadSecureChannelTokenUnknown:    {"BadSecureChannelTokenUnknown", "The token has expired or is not recognized"},
	StatusBadSequenceNumberInvalid:        {"BadSequenceNumberInvalid", "The sequence number is not valid"},
	StatusBadDataLost:                     {"BadDataLost", "Data is missing due to collection started/stopped/lost"},
	StatusBadInvalidArgument:              {"BadInvalidArgument", "One or more arguments are invalid"},
	StatusBadConnectionRejected:           {"BadConnectionRejected", "The server rejected the connection"},
	StatusBadDisconnect:                   {"BadDisconnect", "The connection was disconnected"},
	StatusBadConnectionClosed:             {"BadConnectionClosed", "The connection was closed"},
	StatusBadInvalidState:                 {"BadInvalidState", "The object is closed or in an invalid state"},
	StatusBadRequestTooLarge:              {"BadRequestTooLarge", "The request message size exceeds limits"},
	StatusBadResponseTooLarge:             {"BadResponseTooLarge", "The response message size exceeds limits"},
	StatusBadProtocolVersionUnsupported:   {"BadProtocolVersionUnsupported", "The protocol version is not supported"},
	StatusBadSecurityModeInsufficient:     {"BadSecurityModeInsufficient", "The security mode is not acceptable for the operation"},
	StatusBadMaxConnectionsReached:        {"BadMaxConnectionsReached", "The server has reached the maximum number of connections it supports"},
	StatusBadCertificatePolicyCheckFailed: {"BadCertificatePolicyCheckFailed", "The certificate does not meet the security policy requirements"},
}

// String returns the symbolic name of the status code.
func (s StatusCode) String() string {
	if info, ok := statusCodeMap[s]; ok {
		return info.name
	}
	return fmt.Sprintf("StatusCode(0x%08X)", uint32(s))
}

// Description returns a human-readable description of the status code.
func (s StatusCode) Description() string {
	if info, ok := statusCodeMap[s]; ok {
		return info.description
	}
	switch {
	case s.IsGood():
		return "The operation completed successfully"
	case s.IsUncertain():
		return "The operation completed with uncertain result"
	default:
		return "The operation failed"
	}
}

// Error returns a formatted error string with code, name, and description.
func (s StatusCode) Error() string {
	if info, ok := statusCodeMap[s]; ok {
		return fmt.Sprintf("%s (0x%08X): %s", info.name, uint32(s), info.description)
	}
	return fmt.Sprintf("StatusCode 0x%08X", uint32(s))
}

// IsGood returns true if the status code indicates success.
func (s StatusCode) IsGood() bool {
	return uint32(s)&StatusSeverityMask == StatusSeverityGood
}

// IsUncertain returns true if the status code indicates uncertainty.
func (s StatusCode) IsUncertain() bool {
	return uint32(s)&StatusSeverityMask == StatusSeverityUncertain
}

// IsBad returns true if the status code indicates failure.
func (s StatusCode) IsBad() bool {
	return uint32(s)&StatusSeverityMask == StatusSeverityBad
}
