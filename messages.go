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

import "time"

// Binary encoding ids of the built-in structures.
const (
	idAnonymousIdentityToken        = 321
	idUserNameIdentityToken         = 324
	idX509IdentityToken             = 327
	idServiceFault                  = 397
	idOpenSecureChannelRequest      = 446
	idOpenSecureChannelResponse     = 449
	idCloseSecureChannelRequest     = 452
	idCloseSecureChannelResponse    = 455
	idCreateSessionRequest          = 461
	idCreateSessionResponse         = 464
	idActivateSessionRequest        = 467
	idActivateSessionResponse       = 470
	idCloseSessionRequest           = 473
	idCloseSessionResponse          = 476
	idReadRequest                   = 631
	idReadResponse                  = 634
	idWriteRequest                  = 673
	idWriteResponse                 = 676
	idDataChangeFilter              = 724
	idCreateMonitoredItemsRequest   = 751
	idCreateMonitoredItemsResponse  = 754
	idDeleteMonitoredItemsRequest   = 781
	idDeleteMonitoredItemsResponse  = 784
	idCreateSubscriptionRequest     = 787
	idCreateSubscriptionResponse    = 790
	idModifySubscriptionRequest     = 793
	idModifySubscriptionResponse    = 796
	idDataChangeNotification        = 811
	idStatusChangeNotification      = 820
	idPublishRequest                = 826
	idPublishResponse               = 829
	idRepublishRequest              = 832
	idRepublishResponse             = 835
	idTransferSubscriptionsRequest  = 841
	idTransferSubscriptionsResponse = 844
	idDeleteSubscriptionsRequest    = 847
	idDeleteSubscriptionsResponse   = 850
	idEventNotificationList         = 916
	idIssuedIdentityToken           = 940
)

// ServerStateNodeID is Server_ServerStatus_State, read by session keep-alives.
var ServerStateNodeID = NewNumericNodeID(0, 2259)

func numeric(id uint32) NodeID {
	return NewNumericNodeID(0, id)
}

// Request is a service request.
type Request interface {
	Message
	Header() *RequestHeader
}

// Response is a service response.
type Response interface {
	Message
	Header() *ResponseHeader
}

// RequestHeader is the common header of every service request.
type RequestHeader struct {
	AuthenticationToken NodeID
	Timestamp           time.Time
	RequestHandle       uint32
	ReturnDiagnostics   uint32
	AuditEntryID        string
	TimeoutHint         uint32
	AdditionalHeader    *ExtensionObject
}

// Header returns h. It is promoted to every request embedding RequestHeader.
func (h *RequestHeader) Header() *RequestHeader { return h }

func (h *RequestHeader) encode(e *Encoder) {
	e.WriteNodeID(h.AuthenticationToken)
	e.WriteDateTime(h.Timestamp)
	e.WriteUInt32(h.RequestHandle)
	e.WriteUInt32(h.ReturnDiagnostics)
	e.WriteString(h.AuditEntryID)
	e.WriteUInt32(h.TimeoutHint)
	e.WriteExtensionObject(h.AdditionalHeader)
}

func (h *RequestHeader) decode(d *Decoder) {
	h.AuthenticationToken = d.ReadNodeID()
	h.Timestamp = d.ReadDateTime()
	h.RequestHandle = d.ReadUInt32()
	h.ReturnDiagnostics = d.ReadUInt32()
	h.AuditEntryID = d.ReadString()
	h.TimeoutHint = d.ReadUInt32()
	h.AdditionalHeader = d.ReadExtensionObject()
}

// ResponseHeader is the common header of every service response.
type ResponseHeader struct {
	Timestamp        time.Time
	RequestHandle    uint32
	ServiceResult    StatusCode
	StringTable      []string
	AdditionalHeader *ExtensionObject
}

// Header returns h. It is promoted to every response embedding ResponseHeader.
func (h *ResponseHeader) Header() *ResponseHeader { return h }

func (h *ResponseHeader) encode(e *Encoder) {
	e.WriteDateTime(h.Timestamp)
	e.WriteUInt32(h.RequestHandle)
	e.WriteStatusCode(h.ServiceResult)
	e.WriteDiagnosticInfo(DiagnosticInfo{})
	e.WriteStringArray(h.StringTable)
	e.WriteExtensionObject(h.AdditionalHeader)
}

func (h *ResponseHeader) decode(d *Decoder) {
	h.Timestamp = d.ReadDateTime()
	h.RequestHandle = d.ReadUInt32()
	h.ServiceResult = d.ReadStatusCode()
	d.ReadDiagnosticInfo()
	h.StringTable = d.ReadStringArray()
	h.AdditionalHeader = d.ReadExtensionObject()
}

// NewResponseHeader builds a response header answering req.
func NewResponseHeader(req Request, result StatusCode) ResponseHeader {
	h := ResponseHeader{Timestamp: time.Now().UTC(), ServiceResult: result}
	if req != nil {
		h.RequestHandle = req.Header().RequestHandle
	}
	return h
}

// writeNullDiagnostics writes an empty DiagnosticInfo array.
func writeNullDiagnostics(e *Encoder) {
	e.WriteInt32(-1)
}

// ServiceFault is returned instead of a response when a service fails.
type ServiceFault struct {
	ResponseHeader
}

func (*ServiceFault) EncodingID() NodeID  { return numeric(idServiceFault) }
func (m *ServiceFault) Encode(e *Encoder) { m.ResponseHeader.encode(e) }
func (m *ServiceFault) Decode(d *Decoder) error {
	m.ResponseHeader.decode(d)
	return d.Err()
}

// SecurityTokenRequestType selects between issuing and renewing a token.
type SecurityTokenRequestType uint32

// Token request types.
const (
	SecurityTokenRequestTypeIssue SecurityTokenRequestType = 0
	SecurityTokenRequestTypeRenew SecurityTokenRequestType = 1
)

// OpenSecureChannelRequest issues or renews a security token.
type OpenSecureChannelRequest struct {
	RequestHeader
	ClientProtocolVersion uint32
	RequestType           SecurityTokenRequestType
	SecurityMode          MessageSecurityMode
	ClientNonce           []byte
	RequestedLifetime     uint32
}

func (*OpenSecureChannelRequest) EncodingID() NodeID { return numeric(idOpenSecureChannelRequest) }

func (m *OpenSecureChannelRequest) Encode(e *Encoder) {
	m.RequestHeader.encode(e)
	e.WriteUInt32(m.ClientProtocolVersion)
	e.WriteUInt32(uint32(m.RequestType))
	e.WriteUInt32(uint32(m.SecurityMode))
	e.WriteByteString(m.ClientNonce)
	e.WriteUInt32(m.RequestedLifetime)
}

func (m *OpenSecureChannelRequest) Decode(d *Decoder) error {
	m.RequestHeader.decode(d)
	m.ClientProtocolVersion = d.ReadUInt32()
	m.RequestType = SecurityTokenRequestType(d.ReadUInt32())
	m.SecurityMode = MessageSecurityMode(d.ReadUInt32())
	m.ClientNonce = d.ReadByteString()
	m.RequestedLifetime = d.ReadUInt32()
	return d.Err()
}

// ChannelSecurityToken describes a security token issued by the server.
type ChannelSecurityToken struct {
	ChannelID       uint32
	TokenID         uint32
	CreatedAt       time.Time
	RevisedLifetime uint32
}

// OpenSecureChannelResponse carries the issued token and server nonce.
type OpenSecureChannelResponse struct {
	ResponseHeader
	ServerProtocolVersion uint32
	SecurityToken         ChannelSecurityToken
	ServerNonce           []byte
}

func (*OpenSecureChannelResponse) EncodingID() NodeID { return numeric(idOpenSecureChannelResponse) }

func (m *OpenSecureChannelResponse) Encode(e *Encoder) {
	m.ResponseHeader.encode(e)
	e.WriteUInt32(m.ServerProtocolVersion)
	e.WriteUInt32(m.SecurityToken.ChannelID)
	e.WriteUInt32(m.SecurityToken.TokenID)
	e.WriteDateTime(m.SecurityToken.CreatedAt)
	e.WriteUInt32(m.SecurityToken.RevisedLifetime)
	e.WriteByteString(m.ServerNonce)
}

func (m *OpenSecureChannelResponse) Decode(d *Decoder) error {
	m.ResponseHeader.decode(d)
	m.ServerProtocolVersion = d.ReadUInt32()
	m.SecurityToken.ChannelID = d.ReadUInt32()
	m.SecurityToken.TokenID = d.ReadUInt32()
	m.SecurityToken.CreatedAt = d.ReadDateTime()
	m.SecurityToken.RevisedLifetime = d.ReadUInt32()
	m.ServerNonce = d.ReadByteString()
	return d.Err()
}

// CloseSecureChannelRequest closes a secure channel. No response is sent.
type CloseSecureChannelRequest struct {
	RequestHeader
}

func (*CloseSecureChannelRequest) EncodingID() NodeID  { return numeric(idCloseSecureChannelRequest) }
func (m *CloseSecureChannelRequest) Encode(e *Encoder) { m.RequestHeader.encode(e) }
func (m *CloseSecureChannelRequest) Decode(d *Decoder) error {
	m.RequestHeader.decode(d)
	return d.Err()
}

// CloseSecureChannelResponse exists for completeness of the type model.
type CloseSecureChannelResponse struct {
	ResponseHeader
}

func (*CloseSecureChannelResponse) EncodingID() NodeID  { return numeric(idCloseSecureChannelResponse) }
func (m *CloseSecureChannelResponse) Encode(e *Encoder) { m.ResponseHeader.encode(e) }
func (m *CloseSecureChannelResponse) Decode(d *Decoder) error {
	m.ResponseHeader.decode(d)
	return d.Err()
}

func init() {
	r := DefaultRegistry
	MustRegisterType[ServiceFault](r)
	MustRegisterType[OpenSecureChannelRequest](r)
	MustRegisterType[OpenSecureChannelResponse](r)
	MustRegisterType[CloseSecureChannelRequest](r)
	MustRegisterType[CloseSecureChannelResponse](r)

	MustRegisterType[CreateSessionRequest](r)
	MustRegisterType[CreateSessionResponse](r)
	MustRegisterType[ActivateSessionRequest](r)
	MustRegisterType[ActivateSessionResponse](r)
	MustRegisterType[CloseSessionRequest](r)
	MustRegisterType[CloseSessionResponse](r)
	MustRegisterType[AnonymousIdentityToken](r)
	MustRegisterType[UserNameIdentityToken](r)
	MustRegisterType[X509IdentityToken](r)
	MustRegisterType[IssuedIdentityToken](r)

	MustRegisterType[ReadRequest](r)
	MustRegisterType[ReadResponse](r)
	MustRegisterType[WriteRequest](r)
	MustRegisterType[WriteResponse](r)

	MustRegisterType[CreateSubscriptionRequest](r)
	MustRegisterType[CreateSubscriptionResponse](r)
	MustRegisterType[ModifySubscriptionRequest](r)
	MustRegisterType[ModifySubscriptionResponse](r)
	MustRegisterType[DeleteSubscriptionsRequest](r)
	MustRegisterType[DeleteSubscriptionsResponse](r)
	MustRegisterType[TransferSubscriptionsRequest](r)
	MustRegisterType[TransferSubscriptionsResponse](r)
	MustRegisterType[CreateMonitoredItemsRequest](r)
	MustRegisterType[CreateMonitoredItemsResponse](r)
	MustRegisterType[DeleteMonitoredItemsRequest](r)
	MustRegisterType[DeleteMonitoredItemsResponse](r)
	MustRegisterType[PublishRequest](r)
	MustRegisterType[PublishResponse](r)
	MustRegisterType[RepublishRequest](r)
	MustRegisterType[RepublishResponse](r)
	MustRegisterType[DataChangeNotification](r)
	MustRegisterType[EventNotificationList](r)
	MustRegisterType[StatusChangeNotification](r)
	MustRegisterType[DataChangeFilter](r)
}
