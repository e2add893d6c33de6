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
)

// Error taxonomy. Transport, malformed and security errors are fatal to a
// secure channel; service faults and timeouts stay local to one request.
var (
	// ErrTransport indicates a socket or I/O failure.
	ErrTransport = errors.New("opcua: transport error")

	// ErrMalformedMessage indicates bad framing or an undecodable body.
	ErrMalformedMessage = errors.New("opcua: malformed message")

	// ErrMalformedHeader indicates a chunk header with a bad type or size.
	ErrMalformedHeader = fmt.Errorf("%w: malformed header", ErrMalformedMessage)

	// ErrPayloadTooLarge indicates a declared length above the negotiated limits.
	ErrPayloadTooLarge = fmt.Errorf("%w: payload too large", ErrMalformedMessage)

	// ErrUnknownType indicates a type id with no registered codec.
	ErrUnknownType = fmt.Errorf("%w: unknown type", ErrMalformedMessage)

	// ErrSecurityChecksFailed indicates a signature or decryption failure.
	ErrSecurityChecksFailed = errors.New("opcua: security checks failed")

	// ErrServiceFault is matched by every *ServiceError.
	ErrServiceFault = errors.New("opcua: service fault")

	// ErrTimeout indicates no response arrived before the deadline.
	ErrTimeout = errors.New("opcua: timeout")

	// ErrChannelClosed indicates the secure channel was torn down.
	ErrChannelClosed = errors.New("opcua: secure channel closed")

	// ErrDataLoss indicates notifications that could not be recovered.
	ErrDataLoss = errors.New("opcua: notification data loss")

	// ErrSessionClosed indicates the session was closed.
	ErrSessionClosed = errors.New("opcua: session closed")

	// ErrSessionNotActivated indicates the session is not activated.
	ErrSessionNotActivated = errors.New("opcua: session not activated")

	// ErrRegistrySealed indicates a registration after the registry was first used.
	ErrRegistrySealed = errors.New("opcua: type registry sealed")

	// ErrSecurityPolicyNotSupported indicates the security policy is not supported.
	ErrSecurityPolicyNotSupported = errors.New("opcua: security policy not supported")

	// ErrCertificateRequired indicates a certificate is required.
	ErrCertificateRequired = errors.New("opcua: certificate required")

	// ErrSubscriptionNotFound indicates the subscription was not found.
	ErrSubscriptionNotFound = errors.New("opcua: subscription not found")

	// ErrMonitoredItemNotFound indicates the monitored item was not found.
	ErrMonitoredItemNotFound = errors.New("opcua: monitored item not found")

	// ErrNotConnected indicates the client is not connected.
	ErrNotConnected = errors.New("opcua: not connected")

	// ErrInvalidNodeID indicates an invalid NodeID was specified.
	ErrInvalidNodeID = errors.New("opcua: invalid node ID")

	// ErrInvalidEndpoint indicates an invalid endpoint was specified.
	ErrInvalidEndpoint = errors.New("opcua: invalid endpoint")

	// ErrMaxRetriesExceeded indicates the maximum number of retries was exceeded.
	ErrMaxRetriesExceeded = errors.New("opcua: max retries exceeded")
)

// ServiceError is a server-reported failure carried in a response header
// or a ServiceFault.
type ServiceError struct {
	Service ServiceID
	Status  StatusCode
	Message string
}

// NewServiceError creates a new ServiceError.
func NewServiceError(svc ServiceID, sc StatusCode, msg string) *ServiceError {
	return &ServiceError{Service: svc, Status: sc, Message: msg}
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("opcua: %s (%s): %s", e.Status, e.Service, e.Message)
	}
	return fmt.Sprintf("opcua: %s (%s)", e.Status, e.Service)
}

// Is reports whether target is ErrServiceFault, the same status code, or a
// ServiceError with the same status code.
func (e *ServiceError) Is(target error) bool {
	switch t := target.(type) {
	case *ServiceError:
		return e.Status == t.Status
	case StatusCode:
		return e.Status == t
	}
	return target == ErrServiceFault
}

// Unwrap returns the status code so errors.As can extract it.
func (e *ServiceError) Unwrap() error {
	return e.Status
}

// StatusOf returns the status code carried by err, StatusGood for nil and
// StatusBadUnexpectedError when err carries none.
func StatusOf(err error) StatusCode {
	if err == nil {
		return StatusGood
	}
	var sc StatusCode
	if errors.As(err, &sc) {
		return sc
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return StatusBadTimeout
	case errors.Is(err, ErrChannelClosed):
		return StatusBadSecureChannelClosed
	case errors.Is(err, ErrSecurityChecksFailed):
		return StatusBadSecurityChecksFailed
	case errors.Is(err, ErrUnknownType):
		return StatusBadDataTypeIDUnknown
	case errors.Is(err, ErrMalformedMessage):
		return StatusBadDecodingError
	case errors.Is(err, ErrTransport):
		return StatusBadCommunicationError
	}
	return StatusBadUnexpectedError
}

// IsStatusCode checks if an error carries a specific status code.
func IsStatusCode(err error, code StatusCode) bool {
	var sc StatusCode
	return errors.As(err, &sc) && sc == code
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || IsStatusCode(err, StatusBadTimeout)
}

// IsChannelClosed checks if the error indicates the secure channel went away.
func IsChannelClosed(err error) bool {
	return errors.Is(err, ErrChannelClosed) || IsStatusCode(err, StatusBadSecureChannelClosed)
}

// IsSecurityError checks if the error is a security check failure.
func IsSecurityError(err error) bool {
	return errors.Is(err, ErrSecurityChecksFailed) || IsStatusCode(err, StatusBadSecurityChecksFailed)
}

// IsSessionInvalid checks if the server no longer knows the session.
func IsSessionInvalid(err error) bool {
	return IsStatusCode(err, StatusBadSessionIDInvalid) ||
		IsStatusCode(err, StatusBadSessionClosed) ||
		IsStatusCode(err, StatusBadSessionNotActivated)
}

// IsFatal reports whether err must tear down the secure channel.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrMalformedMessage) ||
		errors.Is(err, ErrSecurityChecksFailed)
}
