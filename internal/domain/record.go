package domain

import (
	"strings"
	"time"
)

// Layer discriminates the three row variants stored under one inbound
// conversation partition: the conversation itself, the EHR core, and the
// fragments the core was split into at ingestion.
type Layer string

const (
	LayerConversation Layer = "CONVERSATION"
	LayerCore         Layer = "CORE"
	LayerFragment     Layer = "FRAGMENT"
)

// TransferStatus tracks a row through the inbound and outbound legs of a
// GP2GP transfer.
type TransferStatus string

const (
	StatusInboundStarted   TransferStatus = "INBOUND_STARTED"
	StatusInboundComplete  TransferStatus = "INBOUND_COMPLETE"
	StatusInboundFailed    TransferStatus = "INBOUND_FAILED"
	StatusOutboundStarted  TransferStatus = "OUTBOUND_STARTED"
	StatusOutboundSent     TransferStatus = "OUTBOUND_SENT"
	StatusOutboundSentCore TransferStatus = "OUTBOUND_SENT_CORE"
	StatusOutboundComplete TransferStatus = "OUTBOUND_COMPLETE"
	StatusOutboundFailed   TransferStatus = "OUTBOUND_FAILED"
)

// IsOutbound reports whether the status belongs to an outbound attempt.
func (s TransferStatus) IsOutbound() bool {
	return strings.HasPrefix(string(s), "OUTBOUND_")
}

// FailureReason classifies why an outbound attempt (or one of its messages)
// ended in OUTBOUND_FAILED.
type FailureReason string

const (
	FailureIncorrectOdsCode        FailureReason = "INCORRECT_ODS_CODE"
	FailurePatientNotAtSurgery     FailureReason = "PATIENT_NOT_AT_SURGERY"
	FailureMissingFromRepo         FailureReason = "MISSING_FROM_REPO"
	FailureEhrDownloadFailed       FailureReason = "EHR_DOWNLOAD_FAILED"
	FailureCoreSendingFailed       FailureReason = "CORE_SENDING_FAILED"
	FailureFragmentSendingFailed   FailureReason = "FRAGMENT_SENDING_FAILED"
	FailureNegativeAcknowledgement FailureReason = "NEGATIVE_ACKNOWLEDGEMENT"
)

// Record is one row of the single transfer table. All three layers share the
// partition key (InboundConversationID); Layer tells which variant-specific
// fields are meaningful. Conversation rows carry NhsNumber/DestinationGp,
// Core and Fragment rows carry the message-id pair and acknowledgement
// fields.
type Record struct {
	InboundConversationID  string
	Layer                  Layer
	InboundMessageID       string
	OutboundConversationID string
	OutboundMessageID      string
	NhsNumber              string
	DestinationGp          string
	TransferStatus         TransferStatus
	FailureReason          FailureReason

	AcknowledgementTypeCode   string
	AcknowledgementDetail     string
	AcknowledgementReceivedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// IsDeleted reports whether the row carries a soft-delete marker.
func (r Record) IsDeleted() bool {
	return r.DeletedAt != nil
}

// MessageIDPair maps one inbound message id to the outbound id generated for
// the current outbound attempt. Pairs are immutable for the lifetime of an
// attempt; a reset supersedes them rather than updating them.
type MessageIDPair struct {
	OldID string
	NewID string
}

// RecordUpdate describes a conditional update to a single row. Zero-valued
// fields are left untouched. A non-nil pointer to an empty string removes the
// attribute, which is how a reset strips the previous attempt's outbound ids.
type RecordUpdate struct {
	InboundConversationID string
	Layer                 Layer
	InboundMessageID      string

	TransferStatus         TransferStatus
	FailureReason          FailureReason
	OutboundConversationID *string
	OutboundMessageID      *string

	AcknowledgementTypeCode   string
	AcknowledgementDetail     string
	AcknowledgementReceivedAt *time.Time

	// ClearFailureReason and ClearAcknowledgement remove the corresponding
	// attributes, used when a new outbound attempt resets a prior one.
	ClearFailureReason   bool
	ClearAcknowledgement bool
}

// Acknowledgement is a decoded inbound acknowledgement message. TypeCode AA
// is positive, AE and AR are negative; anything else is unknown.
type Acknowledgement struct {
	MessageID  string
	MessageRef string
	TypeCode   string
	Detail     string
}

const (
	AckTypePositive  = "AA"
	AckTypeError     = "AE"
	AckTypeRejection = "AR"
)

// IsPositive reports whether the acknowledgement accepts the message.
func (a Acknowledgement) IsPositive() bool { return a.TypeCode == AckTypePositive }

// IsNegative reports whether the acknowledgement rejects the message.
func (a Acknowledgement) IsNegative() bool {
	return a.TypeCode == AckTypeError || a.TypeCode == AckTypeRejection
}
