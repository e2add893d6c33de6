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

// Package opcua provides the OPC UA binary type model shared by the secure
// channel, session and subscription layers: built-in types, the binary
// encoder and decoder, status codes, the error taxonomy, service messages
// and the type codec registry.
package opcua

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NodeIDType represents the type of a NodeID.
type NodeIDType uint8

// NodeID types.
const (
	NodeIDTypeNumeric NodeIDType = iota
	NodeIDTypeString
	NodeIDTypeGUID
	NodeIDTypeOpaque
)

// NodeID represents an OPC UA NodeID.
type NodeID struct {
	Type      NodeIDType
	Namespace uint16
	Numeric   uint32
	StringID  string
	GUID      [16]byte
	Opaque    []byte
}

// NewNumericNodeID creates a new numeric NodeID.
func NewNumericNodeID(namespace uint16, id uint32) NodeID {
	return NodeID{Type: NodeIDTypeNumeric, Namespace: namespace, Numeric: id}
}

// NewStringNodeID creates a new string NodeID.
func NewStringNodeID(namespace uint16, id string) NodeID {
	return NodeID{Type: NodeIDTypeString, Namespace: namespace, StringID: id}
}

// NewGUIDNodeID creates a new GUID NodeID.
func NewGUIDNodeID(namespace uint16, id uuid.UUID) NodeID {
	return NodeID{Type: NodeIDTypeGUID, Namespace: namespace, GUID: [16]byte(id)}
}

// NewOpaqueNodeID creates a new opaque NodeID.
func NewOpaqueNodeID(namespace uint16, id []byte) NodeID {
	return NodeID{Type: NodeIDTypeOpaque, Namespace: namespace, Opaque: id}
}

// IsNull reports whether n is the null NodeID (ns=0;i=0).
func (n NodeID) IsNull() bool {
	return n.Type == NodeIDTypeNumeric && n.Namespace == 0 && n.Numeric == 0
}

// Equal reports whether two node ids identify the same node.
func (n NodeID) Equal(o NodeID) bool {
	if n.Type != o.Type || n.Namespace != o.Namespace {
		return false
	}
	switch n.Type {
	case NodeIDTypeNumeric:
		return n.Numeric == o.Numeric
	case NodeIDTypeString:
		return n.StringID == o.StringID
	case NodeIDTypeGUID:
		return n.GUID == o.GUID
	default:
		return bytes.Equal(n.Opaque, o.Opaque)
	}
}

// Key returns a canonical string suitable as a map key.
func (n NodeID) Key() string {
	return n.String()
}

// String returns the canonical text form, e.g. "ns=2;s=Temperature".
func (n NodeID) String() string {
	var id string
	switch n.Type {
	case NodeIDTypeNumeric:
		id = "i=" + strconv.FormatUint(uint64(n.Numeric), 10)
	case NodeIDTypeString:
		id = "s=" + n.StringID
	case NodeIDTypeGUID:
		id = "g=" + uuid.UUID(n.GUID).String()
	case NodeIDTypeOpaque:
		id = "b=" + base64.StdEncoding.EncodeToString(n.Opaque)
	}
	if n.Namespace == 0 {
		return id
	}
	return fmt.Sprintf("ns=%d;%s", n.Namespace, id)
}

// ParseNodeID parses the text form produced by NodeID.String. A bare number
// is a numeric id and any other bare text a string id.
func ParseNodeID(s string) (NodeID, error) {
	ns := uint16(0)
	identifier := s

	if strings.HasPrefix(s, "ns=") {
		parts := strings.SplitN(s, ";", 2)
		if len(parts) != 2 {
			return NodeID{}, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
		}
		nsVal, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "ns="), 10, 16)
		if err != nil {
			return NodeID{}, fmt.Errorf("%w: invalid namespace in %q", ErrInvalidNodeID, s)
		}
		ns = uint16(nsVal)
		identifier = parts[1]
	}

	switch {
	case strings.HasPrefix(identifier, "i="):
		id, err := strconv.ParseUint(identifier[2:], 10, 32)
		if err != nil {
			return NodeID{}, fmt.Errorf("%w: invalid numeric id in %q", ErrInvalidNodeID, s)
		}
		return NewNumericNodeID(ns, uint32(id)), nil
	case strings.HasPrefix(identifier, "s="):
		return NewStringNodeID(ns, identifier[2:]), nil
	case strings.HasPrefix(identifier, "g="):
		id, err := uuid.Parse(identifier[2:])
		if err != nil {
			return NodeID{}, fmt.Errorf("%w: invalid guid in %q: %v", ErrInvalidNodeID, s, err)
		}
		return NewGUIDNodeID(ns, id), nil
	case strings.HasPrefix(identifier, "b="):
		raw, err := base64.StdEncoding.DecodeString(identifier[2:])
		if err != nil {
			return NodeID{}, fmt.Errorf("%w: invalid opaque id in %q: %v", ErrInvalidNodeID, s, err)
		}
		return NewOpaqueNodeID(ns, raw), nil
	}

	if id, err := strconv.ParseUint(identifier, 10, 32); err == nil {
		return NewNumericNodeID(ns, uint32(id)), nil
	}
	if identifier == "" {
		return NodeID{}, fmt.Errorf("%w: empty identifier", ErrInvalidNodeID)
	}
	return NewStringNodeID(ns, identifier), nil
}

// MustParseNodeID is like ParseNodeID but panics on error.
func MustParseNodeID(s string) NodeID {
	n, err := ParseNodeID(s)
	if err != nil {
		panic(err)
	}
	return n
}

// ExpandedNodeID is a NodeID with an optional namespace URI and server index.
type ExpandedNodeID struct {
	NodeID       NodeID
	NamespaceURI string
	ServerIndex  uint32
}

// ServiceID identifies a service by the binary encoding id of its request.
type ServiceID uint32

// Services implemented by the channel, session and subscription layers.
const (
	ServiceOpenSecureChannel     ServiceID = 446
	ServiceCloseSecureChannel    ServiceID = 452
	ServiceCreateSession         ServiceID = 461
	ServiceActivateSession       ServiceID = 467
	ServiceCloseSession          ServiceID = 473
	ServiceRead                  ServiceID = 631
	ServiceWrite                 ServiceID = 673
	ServiceCreateMonitoredItems  ServiceID = 751
	ServiceDeleteMonitoredItems  ServiceID = 781
	ServiceCreateSubscription    ServiceID = 787
	ServiceModifySubscription    ServiceID = 793
	ServicePublish               ServiceID = 826
	ServiceRepublish             ServiceID = 832
	ServiceTransferSubscriptions ServiceID = 841
	ServiceDeleteSubscriptions   ServiceID = 847
)

var serviceNames = map[ServiceID]string{
	ServiceOpenSecureChannel:     "OpenSecureChannel",
	ServiceCloseSecureChannel:    "CloseSecureChannel",
	ServiceCreateSession:         "CreateSession",
	ServiceActivateSession:       "ActivateSession",
	ServiceCloseSession:          "CloseSession",
	ServiceRead:                  "Read",
	ServiceWrite:                 "Write",
	ServiceCreateMonitoredItems:  "CreateMonitoredItems",
	ServiceDeleteMonitoredItems:  "DeleteMonitoredItems",
	ServiceCreateSubscription:    "CreateSubscription",
	ServiceModifySubscription:    "ModifySubscription",
	ServicePublish:               "Publish",
	ServiceRepublish:             "Republish",
	ServiceTransferSubscriptions: "TransferSubscriptions",
	ServiceDeleteSubscriptions:   "DeleteSubscriptions",
}

// Known reports whether s is one of the services above.
func (s ServiceID) Known() bool {
	_, ok := serviceNames[s]
	return ok
}

// String returns the string representation of a ServiceID.
func (s ServiceID) String() string {
	if name, ok := serviceNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Service(%d)", uint32(s))
}

// AttributeID represents an OPC UA attribute identifier.
type AttributeID uint32

// OPC UA Attribute IDs.
const (
	AttributeNodeID                  AttributeID = 1
	AttributeNodeClass               AttributeID = 2
	AttributeBrowseName              AttributeID = 3
	AttributeDisplayName             AttributeID = 4
	AttributeDescription             AttributeID = 5
	AttributeWriteMask               AttributeID = 6
	AttributeUserWriteMask           AttributeID = 7
	AttributeIsAbstract              AttributeID = 8
	AttributeSymmetric               AttributeID = 9
	AttributeInverseName             AttributeID = 10
	AttributeContainsNoLoops         AttributeID = 11
	AttributeEventNotifier           AttributeID = 12
	AttributeValue                   AttributeID = 13
	AttributeDataType                AttributeID = 14
	AttributeValueRank               AttributeID = 15
	AttributeArrayDimensions         AttributeID = 16
	AttributeAccessLevel             AttributeID = 17
	AttributeUserAccessLevel         AttributeID = 18
	AttributeMinimumSamplingInterval AttributeID = 19
	AttributeHistorizing             AttributeID = 20
	AttributeExecutable              AttributeID = 21
	AttributeUserExecutable          AttributeID = 22
)

// TimestampsToReturn specifies which timestamps to return.
type TimestampsToReturn uint32

// Timestamps to return options.
const (
	TimestampsToReturnSource  TimestampsToReturn = 0
	TimestampsToReturnServer  TimestampsToReturn = 1
	TimestampsToReturnBoth    TimestampsToReturn = 2
	TimestampsToReturnNeither TimestampsToReturn = 3
)

// MessageSecurityMode represents the security mode for messages.
type MessageSecurityMode uint32

// Message security modes.
const (
	MessageSecurityModeInvalid        MessageSecurityMode = 0
	MessageSecurityModeNone           MessageSecurityMode = 1
	MessageSecurityModeSign           MessageSecurityMode = 2
	MessageSecurityModeSignAndEncrypt MessageSecurityMode = 3
)

// String returns the string representation of a MessageSecurityMode.
func (m MessageSecurityMode) String() string {
	switch m {
	case MessageSecurityModeNone:
		return "None"
	case MessageSecurityModeSign:
		return "Sign"
	case MessageSecurityModeSignAndEncrypt:
		return "SignAndEncrypt"
	default:
		return "Invalid"
	}
}

// ParseMessageSecurityMode parses "None", "Sign" or "SignAndEncrypt",
// case-insensitively.
func ParseMessageSecurityMode(s string) (MessageSecurityMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return MessageSecurityModeNone, nil
	case "sign":
		return MessageSecurityModeSign, nil
	case "signandencrypt", "sign-and-encrypt", "sign_and_encrypt":
		return MessageSecurityModeSignAndEncrypt, nil
	}
	return MessageSecurityModeInvalid, fmt.Errorf("opcua: unknown security mode %q", s)
}

// SecurityPolicy is a security policy URI.
type SecurityPolicy string

// Security policies.
const (
	SecurityPolicyNone                SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#None"
	SecurityPolicyBasic128Rsa15       SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Basic128Rsa15"
	SecurityPolicyBasic256            SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Basic256"
	SecurityPolicyBasic256Sha256      SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256"
	SecurityPolicyAes128Sha256RsaOaep SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Aes128_Sha256_RsaOaep"
	SecurityPolicyAes256Sha256RsaPss  SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Aes256_Sha256_RsaPss"
)

var securityPolicies = []SecurityPolicy{
	SecurityPolicyNone,
	SecurityPolicyBasic128Rsa15,
	SecurityPolicyBasic256,
	SecurityPolicyBasic256Sha256,
	SecurityPolicyAes128Sha256RsaOaep,
	SecurityPolicyAes256Sha256RsaPss,
}

// ShortName returns the fragment after '#', e.g. "Basic256Sha256".
func (p SecurityPolicy) ShortName() string {
	if i := strings.LastIndexByte(string(p), '#'); i >= 0 {
		return string(p)[i+1:]
	}
	return string(p)
}

// ParseSecurityPolicy accepts a full policy URI or its short name.
func ParseSecurityPolicy(s string) (SecurityPolicy, error) {
	if s == "" {
		return SecurityPolicyNone, nil
	}
	for _, p := range securityPolicies {
		if string(p) == s || strings.EqualFold(p.ShortName(), s) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSecurityPolicyNotSupported, s)
}

// Default values.
const (
	DefaultTimeout         = 5 * time.Second
	DefaultPort            = 4840
	ProtocolVersion        = 0
	DefaultReceiveBuffer   = 65535
	DefaultSendBuffer      = 65535
	DefaultMaxMessageSize  = 16777216
	DefaultMaxChunkCount   = 0
	DefaultSessionTimeout  = time.Hour
	DefaultChannelLifetime = time.Hour
)

// QualifiedName is a name qualified by a namespace index.
type QualifiedName struct {
	NamespaceIndex uint16
	Name           string
}

// LocalizedText is text with an optional locale.
type LocalizedText struct {
	Locale string
	Text   string
}

// DataValue is a value with status and timestamps.
type DataValue struct {
	Value             *Variant
	StatusCode        StatusCode
	SourceTimestamp   time.Time
	ServerTimestamp   time.Time
	SourcePicoseconds uint16
	ServerPicoseconds uint16
}

// TypeID is the built-in type of a Variant.
type TypeID uint8

// Built-in type ids.
const (
	TypeNull            TypeID = 0
	TypeBoolean         TypeID = 1
	TypeSByte           TypeID = 2
	TypeByte            TypeID = 3
	TypeInt16           TypeID = 4
	TypeUInt16          TypeID = 5
	TypeInt32           TypeID = 6
	TypeUInt32          TypeID = 7
	TypeInt64           TypeID = 8
	TypeUInt64          TypeID = 9
	TypeFloat           TypeID = 10
	TypeDouble          TypeID = 11
	TypeString          TypeID = 12
	TypeDateTime        TypeID = 13
	TypeGUID            TypeID = 14
	TypeByteString      TypeID = 15
	TypeXMLElement      TypeID = 16
	TypeNodeID          TypeID = 17
	TypeExpandedNodeID  TypeID = 18
	TypeStatusCode      TypeID = 19
	TypeQualifiedName   TypeID = 20
	TypeLocalizedText   TypeID = 21
	TypeExtensionObject TypeID = 22
	TypeDataValue       TypeID = 23
	TypeVariant         TypeID = 24
	TypeDiagnosticInfo  TypeID = 25
)

var typeNames = [...]string{
	"Null", "Boolean", "SByte", "Byte", "Int16", "UInt16", "Int32", "UInt32",
	"Int64", "UInt64", "Float", "Double", "String", "DateTime", "Guid",
	"ByteString", "XmlElement", "NodeId", "ExpandedNodeId", "StatusCode",
	"QualifiedName", "LocalizedText", "ExtensionObject", "DataValue",
	"Variant", "DiagnosticInfo",
}

// String returns the built-in type name.
func (t TypeID) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Variant holds a value of any built-in type. Array values are
// []interface{} with elements of the scalar type.
type Variant struct {
	Type  TypeID
	Value interface{}
}

// NewVariant infers the built-in type of v.
func NewVariant(v interface{}) (Variant, error) {
	switch val := v.(type) {
	case nil:
		return Variant{}, nil
	case bool:
		return Variant{Type: TypeBoolean, Value: val}, nil
	case int8:
		return Variant{Type: TypeSByte, Value: val}, nil
	case uint8:
		return Variant{Type: TypeByte, Value: val}, nil
	case int16:
		return Variant{Type: TypeInt16, Value: val}, nil
	case uint16:
		return Variant{Type: TypeUInt16, Value: val}, nil
	case int32:
		return Variant{Type: TypeInt32, Value: val}, nil
	case uint32:
		return Variant{Type: TypeUInt32, Value: val}, nil
	case int:
		return Variant{Type: TypeInt64, Value: int64(val)}, nil
	case int64:
		return Variant{Type: TypeInt64, Value: val}, nil
	case uint64:
		return Variant{Type: TypeUInt64, Value: val}, nil
	case float32:
		return Variant{Type: TypeFloat, Value: val}, nil
	case float64:
		return Variant{Type: TypeDouble, Value: val}, nil
	case string:
		return Variant{Type: TypeString, Value: val}, nil
	case time.Time:
		return Variant{Type: TypeDateTime, Value: val}, nil
	case uuid.UUID:
		return Variant{Type: TypeGUID, Value: [16]byte(val)}, nil
	case []byte:
		return Variant{Type: TypeByteString, Value: val}, nil
	case NodeID:
		return Variant{Type: TypeNodeID, Value: val}, nil
	case ExpandedNodeID:
		return Variant{Type: TypeExpandedNodeID, Value: val}, nil
	case StatusCode:
		return Variant{Type: TypeStatusCode, Value: val}, nil
	case QualifiedName:
		return Variant{Type: TypeQualifiedName, Value: val}, nil
	case LocalizedText:
		return Variant{Type: TypeLocalizedText, Value: val}, nil
	case *ExtensionObject:
		return Variant{Type: TypeExtensionObject, Value: val}, nil
	}
	return Variant{}, fmt.Errorf("opcua: unsupported variant value %T", v)
}

// MustVariant is like NewVariant but panics on error.
func MustVariant(v interface{}) Variant {
	vv, err := NewVariant(v)
	if err != nil {
		panic(err)
	}
	return vv
}

// ExtensionObject carries a structure by encoding id. Value is set when the
// id is registered; otherwise the raw Body is kept.
type ExtensionObject struct {
	TypeID   NodeID
	Encoding byte
	Body     []byte
	Value    Message
}

// NewExtensionObject wraps a registered message.
func NewExtensionObject(m Message) *ExtensionObject {
	if m == nil {
		return nil
	}
	return &ExtensionObject{TypeID: m.EncodingID(), Encoding: 0x01, Value: m}
}

// DiagnosticInfo contains diagnostic information. It is decoded and
// otherwise ignored.
type DiagnosticInfo struct {
	SymbolicID          int32
	NamespaceURI        int32
	Locale              int32
	LocalizedText       int32
	AdditionalInfo      string
	InnerStatusCode     StatusCode
	InnerDiagnosticInfo *DiagnosticInfo
}
