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

// CreateSubscriptionRequest creates a subscription.
type CreateSubscriptionRequest struct {
	RequestHeader
	RequestedPublishingInterval float64
	RequestedLifetimeCount      uint32
	RequestedMaxKeepAliveCount  uint32
	MaxNotificationsPerPublish  uint32
	PublishingEnabled           bool
	Priority                    uint8
}

func (*CreateSubscriptionRequest) EncodingID() NodeID { return numeric(idCreateSubscriptionRequest) }

func (m *CreateSubscriptionRequest) Encode(e *Encoder) {
	m.RequestHeader.encode(e)
	e.WriteDouble(m.RequestedPublishingInterval)
	e.WriteUInt32(m.RequestedLifetimeCount)
	e.WriteUInt32(m.RequestedMaxKeepAliveCount)
	e.WriteUInt32(m.MaxNotificationsPerPublish)
	e.WriteBoolean(m.PublishingEnabled)
	e.buf.WriteByte(m.Priority)
}

func (m *CreateSubscriptionRequest) Decode(d *Decoder) error {
	m.RequestHeader.decode(d)
	m.RequestedPublishingInterval = d.ReadDouble()
	m.RequestedLifetimeCount = d.ReadUInt32()
	m.RequestedMaxKeepAliveCount = d.ReadUInt32()
	m.MaxNotificationsPerPublish = d.ReadUInt32()
	m.PublishingEnabled = d.ReadBoolean()
	m.Priority = d.ReadUInt8()
	return d.Err()
}

// CreateSubscriptionResponse returns the subscription id and revised
// parameters.
type CreateSubscriptionResponse struct {
	ResponseHeader
	SubscriptionID            uint32
	RevisedPublishingInterval float64
	RevisedLifetimeCount      uint32
	RevisedMaxKeepAliveCount  uint32
}

func (*CreateSubscriptionResponse) EncodingID() NodeID { return numeric(idCreateSubscriptionResponse) }

func (m *CreateSubscriptionResponse) Encode(e *Encoder) {
	m.ResponseHeader.encode(e)
	e.WriteUInt32(m.SubscriptionID)
	e.WriteDouble(m.RevisedPublishingInterval)
	e.WriteUInt32(m.RevisedLifetimeCount)
	e.WriteUInt32(m.RevisedMaxKeepAliveCount)
}

func (m *CreateSubscriptionResponse) Decode(d *Decoder) error {
	m.ResponseHeader.decode(d)
	m.SubscriptionID = d.ReadUInt32()
	m.RevisedPublishingInterval = d.ReadDouble()
	m.RevisedLifetimeCount = d.ReadUInt32()
	m.RevisedMaxKeepAliveCount = d.ReadUInt32()
	return d.Err()
}

// ModifySubscriptionRequest changes subscription parameters.
type ModifySubscriptionRequest struct {
	RequestHeader
	SubscriptionID              uint32
	RequestedPublishingInterval float64
	RequestedLifetimeCount      uint32
	RequestedMaxKeepAliveCount  uint32
	MaxNotificationsPerPublish  uint32
	Priority                    uint8
}

func (*ModifySubscriptionRequest) EncodingID() NodeID { return numeric(idModifySubscriptionRequest) }

func (m *ModifySubscriptionRequest) Encode(e *Encoder) {
	m.RequestHeader.encode(e)
	e.WriteUInt32(m.SubscriptionID)
	e.WriteDouble(m.RequestedPublishingInterval)
	e.WriteUInt32(m.RequestedLifetimeCount)
	e.WriteUInt32(m.RequestedMaxKeepAliveCount)
	e.WriteUInt32(m.MaxNotificationsPerPublish)
	e.buf.WriteByte(m.Priority)
}

func (m *ModifySubscriptionRequest) Decode(d *Decoder) error {
	m.RequestHeader.decode(d)
	m.SubscriptionID = d.ReadUInt32()
	m.RequestedPublishingInterval = d.ReadDouble()
	m.RequestedLifetimeCount = d.ReadUInt32()
	m.RequestedMaxKeepAliveCount = d.ReadUInt32()
	m.MaxNotificationsPerPublish = d.ReadUInt32()
	m.Priority = d.ReadUInt8()
	return d.Err()
}

// ModifySubscriptionResponse returns the revised parameters.
type ModifySubscriptionResponse struct {
	ResponseHeader
	RevisedPublishingInterval float64
	RevisedLifetimeCount      uint32
	RevisedMaxKeepAliveCount  uint32
}

func (*ModifySubscriptionResponse) EncodingID() NodeID { return numeric(idModifySubscriptionResponse) }

func (m *ModifySubscriptionResponse) Encode(e *Encoder) {
	m.ResponseHeader.encode(e)
	e.WriteDouble(m.RevisedPublishingInterval)
	e.WriteUInt32(m.RevisedLifetimeCount)
	e.WriteUInt32(m.RevisedMaxKeepAliveCount)
}

func (m *ModifySubscriptionResponse) Decode(d *Decoder) error {
	m.ResponseHeader.decode(d)
	m.RevisedPublishingInterval = d.ReadDouble()
	m.RevisedLifetimeCount = d.ReadUInt32()
	m.RevisedMaxKeepAliveCount = d.ReadUInt32()
	return d.Err()
}

// DeleteSubscriptionsRequest deletes subscriptions.
type DeleteSubscriptionsRequest struct {
	RequestHeader
	SubscriptionIDs []uint32
}

func (*DeleteSubscriptionsRequest) EncodingID() NodeID { return numeric(idDeleteSubscriptionsRequest) }

func (m *DeleteSubscriptionsRequest) Encode(e *Encoder) {
	m.RequestHeader.encode(e)
	e.WriteUInt32Array(m.SubscriptionIDs)
}

func (m *DeleteSubscriptionsRequest) Decode(d *Decoder) error {
	m.RequestHeader.decode(d)
	m.SubscriptionIDs = d.ReadUInt32Array()
	return d.Err()
}

// DeleteSubscriptionsResponse returns one status per subscription.
type DeleteSubscriptionsResponse struct {
	ResponseHeader
	Results []StatusCode
}

func (*DeleteSubscriptionsResponse) EncodingID() NodeID {
	return numeric(idDeleteSubscriptionsResponse)
}

func (m *DeleteSubscriptionsResponse) Encode(e *Encoder) {
	m.ResponseHeader.encode(e)
	e.WriteStatusCodeArray(m.Results)
	writeNullDiagnostics(e)
}

func (m *DeleteSubscriptionsResponse) Decode(d *Decoder) error {
	m.ResponseHeader.decode(d)
	m.Results = d.ReadStatusCodeArray()
	d.SkipDiagnosticInfos()
	return d.Err()
}

// TransferSubscriptionsRequest moves subscriptions to the calling session.
type TransferSubscriptionsRequest struct {
	RequestHeader
	SubscriptionIDs   []uint32
	SendInitialValues bool
}

func (*TransferSubscriptionsRequest) EncodingID() NodeID {
	return numeric(idTransferSubscriptionsRequest)
}

func (m *TransferSubscriptionsRequest) Encode(e *Encoder) {
	m.RequestHeader.encode(e)
	e.WriteUInt32Array(m.SubscriptionIDs)
	e.WriteBoolean(m.SendInitialValues)
}

func (m *TransferSubscriptionsRequest) Decode(d *Decoder) error {
	m.RequestHeader.decode(d)
	m.SubscriptionIDs = d.ReadUInt32Array()
	m.SendInitialValues = d.ReadBoolean()
	return d.Err()
}

// TransferResult is the outcome of transferring one subscription.
type TransferResult struct {
	StatusCode               StatusCode
	AvailableSequenceNumbers []uint32
}

func encodeTransferResult(e *Encoder, r TransferResult) {
	e.WriteStatusCode(r.StatusCode)
	e.WriteUInt32Array(r.AvailableSequenceNumbers)
}

func decodeTransferResult(d *Decoder) TransferResult {
	sc := d.ReadStatusCode()
	return TransferResult{StatusCode: sc, AvailableSequenceNumbers: d.ReadUInt32Array()}
}

// TransferSubscriptionsResponse returns one result per subscription.
type TransferSubscriptionsResponse struct {
	ResponseHeader
	Results []TransferResult
}

func (*TransferSubscriptionsResponse) EncodingID() NodeID {
	return numeric(idTransferSubscriptionsResponse)
}

func (m *TransferSubscriptionsResponse) Encode(e *Encoder) {
	m.ResponseHeader.encode(e)
	writeArray(e, m.Results, encodeTransferResult)
	writeNullDiagnostics(e)
}

func (m *TransferSubscriptionsResponse) Decode(d *Decoder) error {
	m.ResponseHeader.decode(d)
	m.Results = readArray(d, decodeTransferResult)
	d.SkipDiagnosticInfos()
	return d.Err()
}

// MonitoringMode represents the monitoring mode for a monitored item.
type MonitoringMode uint32

// Monitoring modes.
const (
	MonitoringModeDisabled  MonitoringMode = 0
	MonitoringModeSampling  MonitoringMode = 1
	MonitoringModeReporting MonitoringMode = 2
)

// MonitoringParameters contains monitoring parameters.
type MonitoringParameters struct {
	ClientHandle     uint32
	SamplingInterval float64
	Filter           *ExtensionObject
	QueueSize        uint32
	DiscardOldest    bool
}

func (p *MonitoringParameters) encode(e *Encoder) {
	e.WriteUInt32(p.ClientHandle)
	e.WriteDouble(p.SamplingInterval)
	e.WriteExtensionObject(p.Filter)
	e.WriteUInt32(p.QueueSize)
	e.WriteBoolean(p.DiscardOldest)
}

func (p *MonitoringParameters) decode(d *Decoder) {
	p.ClientHandle = d.ReadUInt32()
	p.SamplingInterval = d.ReadDouble()
	p.Filter = d.ReadExtensionObject()
	p.QueueSize = d.ReadUInt32()
	p.DiscardOldest = d.ReadBoolean()
}

// MonitoredItemCreateRequest describes a monitored item to create.
type MonitoredItemCreateRequest struct {
	ItemToMonitor       ReadValueID
	MonitoringMode      MonitoringMode
	RequestedParameters MonitoringParameters
}

func encodeItemCreateRequest(e *Encoder, r MonitoredItemCreateRequest) {
	encodeReadValueID(e, r.ItemToMonitor)
	e.WriteUInt32(uint32(r.MonitoringMode))
	r.RequestedParameters.encode(e)
}

func decodeItemCreateRequest(d *Decoder) MonitoredItemCreateRequest {
	var r MonitoredItemCreateRequest
	r.ItemToMonitor = decodeReadValueID(d)
	r.MonitoringMode = MonitoringMode(d.ReadUInt32())
	r.RequestedParameters.decode(d)
	return r
}

// MonitoredItemCreateResult contains the result of creating a monitored item.
type MonitoredItemCreateResult struct {
	StatusCode              StatusCode
	MonitoredItemID         uint32
	RevisedSamplingInterval float64
	RevisedQueueSize        uint32
	FilterResult            *ExtensionObject
}

func encodeItemCreateResult(e *Encoder, r MonitoredItemCreateResult) {
	e.WriteStatusCode(r.StatusCode)
	e.WriteUInt32(r.MonitoredItemID)
	e.WriteDouble(r.RevisedSamplingInterval)
	e.WriteUInt32(r.RevisedQueueSize)
	e.WriteExtensionObject(r.FilterResult)
}

func decodeItemCreateResult(d *Decoder) MonitoredItemCreateResult {
	var r MonitoredItemCreateResult
	r.StatusCode = d.ReadStatusCode()
	r.MonitoredItemID = d.ReadUInt32()
	r.RevisedSamplingInterval = d.ReadDouble()
	r.RevisedQueueSize = d.ReadUInt32()
	r.FilterResult = d.ReadExtensionObject()
	return r
}

// CreateMonitoredItemsRequest adds monitored items to a subscription.
type CreateMonitoredItemsRequest struct {
	RequestHeader
	SubscriptionID     uint32
	TimestampsToReturn TimestampsToReturn
	ItemsToCreate      []MonitoredItemCreateRequest
}

func (*CreateMonitoredItemsRequest) EncodingID() NodeID {
	return numeric(idCreateMonitoredItemsRequest)
}

func (m *CreateMonitoredItemsRequest) Encode(e *Encoder) {
	m.RequestHeader.encode(e)
	e.WriteUInt32(m.SubscriptionID)
	e.WriteUInt32(uint32(m.TimestampsToReturn))
	writeArray(e, m.ItemsToCreate, encodeItemCreateRequest)
}

func (m *CreateMonitoredItemsRequest) Decode(d *Decoder) error {
	m.RequestHeader.decode(d)
	m.SubscriptionID = d.ReadUInt32()
	m.TimestampsToReturn = TimestampsToReturn(d.ReadUInt32())
	m.ItemsToCreate = readArray(d, decodeItemCreateRequest)
	return d.Err()
}

// CreateMonitoredItemsResponse returns one result per item.
type CreateMonitoredItemsResponse struct {
	ResponseHeader
	Results []MonitoredItemCreateResult
}

func (*CreateMonitoredItemsResponse) EncodingID() NodeID {
	return numeric(idCreateMonitoredItemsResponse)
}

func (m *CreateMonitoredItemsResponse) Encode(e *Encoder) {
	m.ResponseHeader.encode(e)
	writeArray(e, m.Results, encodeItemCreateResult)
	writeNullDiagnostics(e)
}

func (m *CreateMonitoredItemsResponse) Decode(d *Decoder) error {
	m.ResponseHeader.decode(d)
	m.Results = readArray(d, decodeItemCreateResult)
	d.SkipDiagnosticInfos()
	return d.Err()
}

// DeleteMonitoredItemsRequest removes monitored items.
type DeleteMonitoredItemsRequest struct {
	RequestHeader
	SubscriptionID   uint32
	MonitoredItemIDs []uint32
}

func (*DeleteMonitoredItemsRequest) EncodingID() NodeID {
	return numeric(idDeleteMonitoredItemsRequest)
}

func (m *DeleteMonitoredItemsRequest) Encode(e *Encoder) {
	m.RequestHeader.encode(e)
	e.WriteUInt32(m.SubscriptionID)
	e.WriteUInt32Array(m.MonitoredItemIDs)
}

func (m *DeleteMonitoredItemsRequest) Decode(d *Decoder) error {
	m.RequestHeader.decode(d)
	m.SubscriptionID = d.ReadUInt32()
	m.MonitoredItemIDs = d.ReadUInt32Array()
	return d.Err()
}

// DeleteMonitoredItemsResponse returns one status per item.
type DeleteMonitoredItemsResponse struct {
	ResponseHeader
	Results []StatusCode
}

func (*DeleteMonitoredItemsResponse) EncodingID() NodeID {
	return numeric(idDeleteMonitoredItemsResponse)
}

func (m *DeleteMonitoredItemsResponse) Encode(e *Encoder) {
	m.ResponseHeader.encode(e)
	e.WriteStatusCodeArray(m.Results)
	writeNullDiagnostics(e)
}

func (m *DeleteMonitoredItemsResponse) Decode(d *Decoder) error {
	m.ResponseHeader.decode(d)
	m.Results = d.ReadStatusCodeArray()
	d.SkipDiagnosticInfos()
	return d.Err()
}

// SubscriptionAcknowledgement acknowledges one notification message.
type SubscriptionAcknowledgement struct {
	SubscriptionID uint32
	SequenceNumber uint32
}

func encodeAck(e *Encoder, a SubscriptionAcknowledgement) {
	e.WriteUInt32(a.SubscriptionID)
	e.WriteUInt32(a.SequenceNumber)
}

func decodeAck(d *Decoder) SubscriptionAcknowledgement {
	id := d.ReadUInt32()
	return SubscriptionAcknowledgement{SubscriptionID: id, SequenceNumber: d.ReadUInt32()}
}

// PublishRequest hands the server a slot for one notification message and
// acknowledges earlier ones.
type PublishRequest struct {
	RequestHeader
	SubscriptionAcknowledgements []SubscriptionAcknowledgement
}

func (*PublishRequest) EncodingID() NodeID { return numeric(idPublishRequest) }

func (m *PublishRequest) Encode(e *Encoder) {
	m.RequestHeader.encode(e)
	writeArray(e, m.SubscriptionAcknowledgements, encodeAck)
}

func (m *PublishRequest) Decode(d *Decoder) error {
	m.RequestHeader.decode(d)
	m.SubscriptionAcknowledgements = readArray(d, decodeAck)
	return d.Err()
}

// NotificationMessage is one numbered batch of notifications. An empty
// NotificationData is a keep-alive.
type NotificationMessage struct {
	SequenceNumber   uint32
	PublishTime      time.Time
	NotificationData []*ExtensionObject
}

// IsKeepAlive reports whether the message carries no notifications.
func (n *NotificationMessage) IsKeepAlive() bool {
	return len(n.NotificationData) == 0
}

func (n *NotificationMessage) encode(e *Encoder) {
	e.WriteUInt32(n.SequenceNumber)
	e.WriteDateTime(n.PublishTime)
	writeArray(e, n.NotificationData, (*Encoder).WriteExtensionObject)
}

func (n *NotificationMessage) decode(d *Decoder) {
	n.SequenceNumber = d.ReadUInt32()
	n.PublishTime = d.ReadDateTime()
	n.NotificationData = readArray(d, (*Decoder).ReadExtensionObject)
}

// PublishResponse delivers one notification message.
type PublishResponse struct {
	ResponseHeader
	SubscriptionID           uint32
	AvailableSequenceNumbers []uint32
	MoreNotifications        bool
	NotificationMessage      NotificationMessage
	Results                  []StatusCode
}

func (*PublishResponse) EncodingID() NodeID { return numeric(idPublishResponse) }

func (m *PublishResponse) Encode(e *Encoder) {
	m.ResponseHeader.encode(e)
	e.WriteUInt32(m.SubscriptionID)
	e.WriteUInt32Array(m.AvailableSequenceNumbers)
	e.WriteBoolean(m.MoreNotifications)
	m.NotificationMessage.encode(e)
	e.WriteStatusCodeArray(m.Results)
	writeNullDiagnostics(e)
}

func (m *PublishResponse) Decode(d *Decoder) error {
	m.ResponseHeader.decode(d)
	m.SubscriptionID = d.ReadUInt32()
	m.AvailableSequenceNumbers = d.ReadUInt32Array()
	m.MoreNotifications = d.ReadBoolean()
	m.NotificationMessage.decode(d)
	m.Results = d.ReadStatusCodeArray()
	d.SkipDiagnosticInfos()
	return d.Err()
}

// RepublishRequest asks the server to resend a retained notification message.
type RepublishRequest struct {
	RequestHeader
	SubscriptionID           uint32
	RetransmitSequenceNumber uint32
}

func (*RepublishRequest) EncodingID() NodeID { return numeric(idRepublishRequest) }

func (m *RepublishRequest) Encode(e *Encoder) {
	m.RequestHeader.encode(e)
	e.WriteUInt32(m.SubscriptionID)
	e.WriteUInt32(m.RetransmitSequenceNumber)
}

func (m *RepublishRequest) Decode(d *Decoder) error {
	m.RequestHeader.decode(d)
	m.SubscriptionID = d.ReadUInt32()
	m.RetransmitSequenceNumber = d.ReadUInt32()
	return d.Err()
}

// RepublishResponse carries the retransmitted message.
type RepublishResponse struct {
	ResponseHeader
	NotificationMessage NotificationMessage
}

func (*RepublishResponse) EncodingID() NodeID { return numeric(idRepublishResponse) }

func (m *RepublishResponse) Encode(e *Encoder) {
	m.ResponseHeader.encode(e)
	m.NotificationMessage.encode(e)
}

func (m *RepublishResponse) Decode(d *Decoder) error {
	m.ResponseHeader.decode(d)
	m.NotificationMessage.decode(d)
	return d.Err()
}

// MonitoredItemNotification is one value change of a monitored item.
type MonitoredItemNotification struct {
	ClientHandle uint32
	Value        DataValue
}

func encodeItemNotification(e *Encoder, n MonitoredItemNotification) {
	e.WriteUInt32(n.ClientHandle)
	e.WriteDataValue(n.Value)
}

func decodeItemNotification(d *Decoder) MonitoredItemNotification {
	h := d.ReadUInt32()
	return MonitoredItemNotification{ClientHandle: h, Value: d.ReadDataValue()}
}

// DataChangeNotification carries value changes.
type DataChangeNotification struct {
	MonitoredItems []MonitoredItemNotification
}

func (*DataChangeNotification) EncodingID() NodeID { return numeric(idDataChangeNotification) }

func (m *DataChangeNotification) Encode(e *Encoder) {
	writeArray(e, m.MonitoredItems, encodeItemNotification)
	writeNullDiagnostics(e)
}

func (m *DataChangeNotification) Decode(d *Decoder) error {
	m.MonitoredItems = readArray(d, decodeItemNotification)
	d.SkipDiagnosticInfos()
	return d.Err()
}

// EventFieldList is one event reported to a monitored item.
type EventFieldList struct {
	ClientHandle uint32
	EventFields  []Variant
}

func encodeEventFieldList(e *Encoder, l EventFieldList) {
	e.WriteUInt32(l.ClientHandle)
	writeArray(e, l.EventFields, (*Encoder).WriteVariant)
}

func decodeEventFieldList(d *Decoder) EventFieldList {
	h := d.ReadUInt32()
	return EventFieldList{ClientHandle: h, EventFields: readArray(d, (*Decoder).ReadVariant)}
}

// EventNotificationList carries events.
type EventNotificationList struct {
	Events []EventFieldList
}

func (*EventNotificationList) EncodingID() NodeID { return numeric(idEventNotificationList) }

func (m *EventNotificationList) Encode(e *Encoder) {
	writeArray(e, m.Events, encodeEventFieldList)
}

func (m *EventNotificationList) Decode(d *Decoder) error {
	m.Events = readArray(d, decodeEventFieldList)
	return d.Err()
}

// StatusChangeNotification reports a change of the subscription state.
type StatusChangeNotification struct {
	Status StatusCode
}

func (*StatusChangeNotification) EncodingID() NodeID { return numeric(idStatusChangeNotification) }

func (m *StatusChangeNotification) Encode(e *Encoder) {
	e.WriteStatusCode(m.Status)
	e.WriteDiagnosticInfo(DiagnosticInfo{})
}

func (m *StatusChangeNotification) Decode(d *Decoder) error {
	m.Status = d.ReadStatusCode()
	d.ReadDiagnosticInfo()
	return d.Err()
}

// DataChangeTrigger selects what counts as a data change.
type DataChangeTrigger uint32

// Data change triggers.
const (
	DataChangeTriggerStatus               DataChangeTrigger = 0
	DataChangeTriggerStatusValue          DataChangeTrigger = 1
	DataChangeTriggerStatusValueTimestamp DataChangeTrigger = 2
)

// Deadband types.
const (
	DeadbandTypeNone     uint32 = 0
	DeadbandTypeAbsolute uint32 = 1
	DeadbandTypePercent  uint32 = 2
)

// DataChangeFilter filters data change notifications.
type DataChangeFilter struct {
	Trigger       DataChangeTrigger
	DeadbandType  uint32
	DeadbandValue float64
}

func (*DataChangeFilter) EncodingID() NodeID { return numeric(idDataChangeFilter) }

func (m *DataChangeFilter) Encode(e *Encoder) {
	e.WriteUInt32(uint32(m.Trigger))
	e.WriteUInt32(m.DeadbandType)
	e.WriteDouble(m.DeadbandValue)
}

func (m *DataChangeFilter) Decode(d *Decoder) error {
	m.Trigger = DataChangeTrigger(d.ReadUInt32())
	m.DeadbandType = d.ReadUInt32()
	m.DeadbandValue = d.ReadDouble()
	return d.Err()
}
