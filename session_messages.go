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

// ApplicationType represents the type of an OPC UA application.
type ApplicationType uint32

// Application types.
const (
	ApplicationTypeServer          ApplicationType = 0
	ApplicationTypeClient          ApplicationType = 1
	ApplicationTypeClientAndServer ApplicationType = 2
	ApplicationTypeDiscoveryServer ApplicationType = 3
)

func (t ApplicationType) String() string {
	switch t {
	case ApplicationTypeServer:
		return "Server"
	case ApplicationTypeClient:
		return "Client"
	case ApplicationTypeClientAndServer:
		return "ClientAndServer"
	case ApplicationTypeDiscoveryServer:
		return "DiscoveryServer"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(t))
	}
}

// ApplicationDescription describes an OPC UA application.
type ApplicationDescription struct {
	ApplicationURI      string
	ProductURI          string
	ApplicationName     LocalizedText
	ApplicationType     ApplicationType
	GatewayServerURI    string
	DiscoveryProfileURI string
	DiscoveryURLs       []string
}

func (a *ApplicationDescription) encode(e *Encoder) {
	e.WriteString(a.ApplicationURI)
	e.WriteString(a.ProductURI)
	e.WriteLocalizedText(a.ApplicationName)
	e.WriteUInt32(uint32(a.ApplicationType))
	e.WriteString(a.GatewayServerURI)
	e.WriteString(a.DiscoveryProfileURI)
	e.WriteStringArray(a.DiscoveryURLs)
}

func (a *ApplicationDescription) decode(d *Decoder) {
	a.ApplicationURI = d.ReadString()
	a.ProductURI = d.ReadString()
	a.ApplicationName = d.ReadLocalizedText()
	a.ApplicationType = ApplicationType(d.ReadUInt32())
	a.GatewayServerURI = d.ReadString()
	a.DiscoveryProfileURI = d.ReadString()
	a.DiscoveryURLs = d.ReadStringArray()
}

// UserTokenType represents the type of user identity token.
type UserTokenType uint32

// User token types.
const (
	UserTokenTypeAnonymous   UserTokenType = 0
	UserTokenTypeUserName    UserTokenType = 1
	UserTokenTypeCertificate UserTokenType = 2
	UserTokenTypeIssuedToken UserTokenType = 3
)

// String returns the string representation of a UserTokenType.
func (t UserTokenType) String() string {
	switch t {
	case UserTokenTypeAnonymous:
		return "Anonymous"
	case UserTokenTypeUserName:
		return "UserName"
	case UserTokenTypeCertificate:
		return "Certificate"
	case UserTokenTypeIssuedToken:
		return "IssuedToken"
	default:
		return "Unknown"
	}
}

// UserTokenPolicy describes a user identity token policy.
type UserTokenPolicy struct {
	PolicyID          string
	TokenType         UserTokenType
	IssuedTokenType   string
	IssuerEndpointURL string
	SecurityPolicyURI string
}

func encodeUserTokenPolicy(e *Encoder, p UserTokenPolicy) {
	e.WriteString(p.PolicyID)
	e.WriteUInt32(uint32(p.TokenType))
	e.WriteString(p.IssuedTokenType)
	e.WriteString(p.IssuerEndpointURL)
	e.WriteString(p.SecurityPolicyURI)
}

func decodeUserTokenPolicy(d *Decoder) UserTokenPolicy {
	var p UserTokenPolicy
	p.PolicyID = d.ReadString()
	p.TokenType = UserTokenType(d.ReadUInt32())
	p.IssuedTokenType = d.ReadString()
	p.IssuerEndpointURL = d.ReadString()
	p.SecurityPolicyURI = d.ReadString()
	return p
}

// EndpointDescription describes an OPC UA endpoint.
type EndpointDescription struct {
	EndpointURL         string
	Server              ApplicationDescription
	ServerCertificate   []byte
	SecurityMode        MessageSecurityMode
	SecurityPolicyURI   string
	UserIdentityTokens  []UserTokenPolicy
	TransportProfileURI string
	SecurityLevel       uint8
}

func encodeEndpointDescription(e *Encoder, ep EndpointDescription) {
	e.WriteString(ep.EndpointURL)
	ep.Server.encode(e)
	e.WriteByteString(ep.ServerCertificate)
	e.WriteUInt32(uint32(ep.SecurityMode))
	e.WriteString(ep.SecurityPolicyURI)
	writeArray(e, ep.UserIdentityTokens, encodeUserTokenPolicy)
	e.WriteString(ep.TransportProfileURI)
	e.buf.WriteByte(ep.SecurityLevel)
}

func decodeEndpointDescription(d *Decoder) EndpointDescription {
	var ep EndpointDescription
	ep.EndpointURL = d.ReadString()
	ep.Server.decode(d)
	ep.ServerCertificate = d.ReadByteString()
	ep.SecurityMode = MessageSecurityMode(d.ReadUInt32())
	ep.SecurityPolicyURI = d.ReadString()
	ep.UserIdentityTokens = readArray(d, decodeUserTokenPolicy)
	ep.TransportProfileURI = d.ReadString()
	ep.SecurityLevel = d.ReadUInt8()
	return ep
}

// FindUserTokenPolicy returns the first policy of the given token type.
func (ep *EndpointDescription) FindUserTokenPolicy(t UserTokenType) (UserTokenPolicy, bool) {
	for _, p := range ep.UserIdentityTokens {
		if p.TokenType == t {
			return p, true
		}
	}
	return UserTokenPolicy{}, false
}

// SignatureData contains a digital signature.
type SignatureData struct {
	Algorithm string
	Signature []byte
}

func (s *SignatureData) encode(e *Encoder) {
	e.WriteString(s.Algorithm)
	e.WriteByteString(s.Signature)
}

func (s *SignatureData) decode(d *Decoder) {
	s.Algorithm = d.ReadString()
	s.Signature = d.ReadByteString()
}

// SignedSoftwareCertificate contains a signed software certificate.
type SignedSoftwareCertificate struct {
	CertificateData []byte
	Signature       []byte
}

func encodeSoftwareCertificate(e *Encoder, c SignedSoftwareCertificate) {
	e.WriteByteString(c.CertificateData)
	e.WriteByteString(c.Signature)
}

func decodeSoftwareCertificate(d *Decoder) SignedSoftwareCertificate {
	return SignedSoftwareCertificate{CertificateData: d.ReadByteString(), Signature: d.ReadByteString()}
}

// CreateSessionRequest creates a session.
type CreateSessionRequest struct {
	RequestHeader
	ClientDescription       ApplicationDescription
	ServerURI               string
	EndpointURL             string
	SessionName             string
	ClientNonce             []byte
	ClientCertificate       []byte
	RequestedSessionTimeout float64
	MaxResponseMessageSize  uint32
}

func (*CreateSessionRequest) EncodingID() NodeID { return numeric(idCreateSessionRequest) }

func (m *CreateSessionRequest) Encode(e *Encoder) {
	m.RequestHeader.encode(e)
	m.ClientDescription.encode(e)
	e.WriteString(m.ServerURI)
	e.WriteString(m.EndpointURL)
	e.WriteString(m.SessionName)
	e.WriteByteString(m.ClientNonce)
	e.WriteByteString(m.ClientCertificate)
	e.WriteDouble(m.RequestedSessionTimeout)
	e.WriteUInt32(m.MaxResponseMessageSize)
}

func (m *CreateSessionRequest) Decode(d *Decoder) error {
	m.RequestHeader.decode(d)
	m.ClientDescription.decode(d)
	m.ServerURI = d.ReadString()
	m.EndpointURL = d.ReadString()
	m.SessionName = d.ReadString()
	m.ClientNonce = d.ReadByteString()
	m.ClientCertificate = d.ReadByteString()
	m.RequestedSessionTimeout = d.ReadDouble()
	m.MaxResponseMessageSize = d.ReadUInt32()
	return d.Err()
}

// CreateSessionResponse returns the new session's identity.
type CreateSessionResponse struct {
	ResponseHeader
	SessionID                  NodeID
	AuthenticationToken        NodeID
	RevisedSessionTimeout      float64
	ServerNonce                []byte
	ServerCertificate          []byte
	ServerEndpoints            []EndpointDescription
	ServerSoftwareCertificates []SignedSoftwareCertificate
	ServerSignature            SignatureData
	MaxRequestMessageSize      uint32
}

func (*CreateSessionResponse) EncodingID() NodeID { return numeric(idCreateSessionResponse) }

func (m *CreateSessionResponse) Encode(e *Encoder) {
	m.ResponseHeader.encode(e)
	e.WriteNodeID(m.SessionID)
	e.WriteNodeID(m.AuthenticationToken)
	e.WriteDouble(m.RevisedSessionTimeout)
	e.WriteByteString(m.ServerNonce)
	e.WriteByteString(m.ServerCertificate)
	writeArray(e, m.ServerEndpoints, encodeEndpointDescription)
	writeArray(e, m.ServerSoftwareCertificates, encodeSoftwareCertificate)
	m.ServerSignature.encode(e)
	e.WriteUInt32(m.MaxRequestMessageSize)
}

func (m *CreateSessionResponse) Decode(d *Decoder) error {
	m.ResponseHeader.decode(d)
	m.SessionID = d.ReadNodeID()
	m.AuthenticationToken = d.ReadNodeID()
	m.RevisedSessionTimeout = d.ReadDouble()
	m.ServerNonce = d.ReadByteString()
	m.ServerCertificate = d.ReadByteString()
	m.ServerEndpoints = readArray(d, decodeEndpointDescription)
	m.ServerSoftwareCertificates = readArray(d, decodeSoftwareCertificate)
	m.ServerSignature.decode(d)
	m.MaxRequestMessageSize = d.ReadUInt32()
	return d.Err()
}

// ActivateSessionRequest binds a session to the current channel and
// supplies the user identity.
type ActivateSessionRequest struct {
	RequestHeader
	ClientSignature            SignatureData
	ClientSoftwareCertificates []SignedSoftwareCertificate
	LocaleIDs                  []string
	UserIdentityToken          *ExtensionObject
	UserTokenSignature         SignatureData
}

func (*ActivateSessionRequest) EncodingID() NodeID { return numeric(idActivateSessionRequest) }

func (m *ActivateSessionRequest) Encode(e *Encoder) {
	m.RequestHeader.encode(e)
	m.ClientSignature.encode(e)
	writeArray(e, m.ClientSoftwareCertificates, encodeSoftwareCertificate)
	e.WriteStringArray(m.LocaleIDs)
	e.WriteExtensionObject(m.UserIdentityToken)
	m.UserTokenSignature.encode(e)
}

func (m *ActivateSessionRequest) Decode(d *Decoder) error {
	m.RequestHeader.decode(d)
	m.ClientSignature.decode(d)
	m.ClientSoftwareCertificates = readArray(d, decodeSoftwareCertificate)
	m.LocaleIDs = d.ReadStringArray()
	m.UserIdentityToken = d.ReadExtensionObject()
	m.UserTokenSignature.decode(d)
	return d.Err()
}

// ActivateSessionResponse returns a fresh server nonce.
type ActivateSessionResponse struct {
	ResponseHeader
	ServerNonce []byte
	Results     []StatusCode
}

func (*ActivateSessionResponse) EncodingID() NodeID { return numeric(idActivateSessionResponse) }

func (m *ActivateSessionResponse) Encode(e *Encoder) {
	m.ResponseHeader.encode(e)
	e.WriteByteString(m.ServerNonce)
	e.WriteStatusCodeArray(m.Results)
	writeNullDiagnostics(e)
}

func (m *ActivateSessionResponse) Decode(d *Decoder) error {
	m.ResponseHeader.decode(d)
	m.ServerNonce = d.ReadByteString()
	m.Results = d.ReadStatusCodeArray()
	d.SkipDiagnosticInfos()
	return d.Err()
}

// CloseSessionRequest closes a session.
type CloseSessionRequest struct {
	RequestHeader
	DeleteSubscriptions bool
}

func (*CloseSessionRequest) EncodingID() NodeID { return numeric(idCloseSessionRequest) }

func (m *CloseSessionRequest) Encode(e *Encoder) {
	m.RequestHeader.encode(e)
	e.WriteBoolean(m.DeleteSubscriptions)
}

func (m *CloseSessionRequest) Decode(d *Decoder) error {
	m.RequestHeader.decode(d)
	m.DeleteSubscriptions = d.ReadBoolean()
	return d.Err()
}

// CloseSessionResponse acknowledges CloseSession.
type CloseSessionResponse struct {
	ResponseHeader
}

func (*CloseSessionResponse) EncodingID() NodeID  { return numeric(idCloseSessionResponse) }
func (m *CloseSessionResponse) Encode(e *Encoder) { m.ResponseHeader.encode(e) }
func (m *CloseSessionResponse) Decode(d *Decoder) error {
	m.ResponseHeader.decode(d)
	return d.Err()
}

// AnonymousIdentityToken identifies an anonymous user.
type AnonymousIdentityToken struct {
	PolicyID string
}

func (*AnonymousIdentityToken) EncodingID() NodeID  { return numeric(idAnonymousIdentityToken) }
func (m *AnonymousIdentityToken) Encode(e *Encoder) { e.WriteString(m.PolicyID) }
func (m *AnonymousIdentityToken) Decode(d *Decoder) error {
	m.PolicyID = d.ReadString()
	return d.Err()
}

// UserNameIdentityToken carries a user name and an optionally encrypted
// password.
type UserNameIdentityToken struct {
	PolicyID            string
	UserName            string
	Password            []byte
	EncryptionAlgorithm string
}

func (*UserNameIdentityToken) EncodingID() NodeID { return numeric(idUserNameIdentityToken) }

func (m *UserNameIdentityToken) Encode(e *Encoder) {
	e.WriteString(m.PolicyID)
	e.WriteString(m.UserName)
	e.WriteByteString(m.Password)
	e.WriteString(m.EncryptionAlgorithm)
}

func (m *UserNameIdentityToken) Decode(d *Decoder) error {
	m.PolicyID = d.ReadString()
	m.UserName = d.ReadString()
	m.Password = d.ReadByteString()
	m.EncryptionAlgorithm = d.ReadString()
	return d.Err()
}

// X509IdentityToken carries a user certificate.
type X509IdentityToken struct {
	PolicyID        string
	CertificateData []byte
}

func (*X509IdentityToken) EncodingID() NodeID { return numeric(idX509IdentityToken) }

func (m *X509IdentityToken) Encode(e *Encoder) {
	e.WriteString(m.PolicyID)
	e.WriteByteString(m.CertificateData)
}

func (m *X509IdentityToken) Decode(d *Decoder) error {
	m.PolicyID = d.ReadString()
	m.CertificateData = d.ReadByteString()
	return d.Err()
}

// IssuedIdentityToken carries a token issued by an external authority.
type IssuedIdentityToken struct {
	PolicyID            string
	TokenData           []byte
	EncryptionAlgorithm string
}

func (*IssuedIdentityToken) EncodingID() NodeID { return numeric(idIssuedIdentityToken) }

func (m *IssuedIdentityToken) Encode(e *Encoder) {
	e.WriteString(m.PolicyID)
	e.WriteByteString(m.TokenData)
	e.WriteString(m.EncryptionAlgorithm)
}

func (m *IssuedIdentityToken) Decode(d *Decoder) error {
	m.PolicyID = d.ReadString()
	m.TokenData = d.ReadByteString()
	m.EncryptionAlgorithm = d.ReadString()
	return d.Err()
}
