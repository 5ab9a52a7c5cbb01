package usecase

import (
	"context"

	"ehr-out-service/internal/domain"
)

// ConversationStore is the transfer-table contract consumed by the registry,
// the orchestrators and the acknowledgement correlator. The concrete
// implementation is *repository.Client.
type ConversationStore interface {
	QueryByInboundConversationID(ctx context.Context, inboundConversationID string, filter domain.Layer, includeDeleted bool) ([]domain.Record, error)
	QueryByNhsNumber(ctx context.Context, nhsNumber string) ([]domain.Record, error)
	QueryByOutboundConversationID(ctx context.Context, outboundConversationID string) ([]domain.Record, error)
	UpdateItems(ctx context.Context, updates []domain.RecordUpdate) (int, error)
	StartOutboundAttempt(ctx context.Context, inboundConversationID, outboundConversationID, destinationGp string) (bool, error)
}

// RecordRepository retrieves ingested EHR documents and deletes a patient's
// source record after a positive integration acknowledgement.
type RecordRepository interface {
	GetCoreDocument(ctx context.Context, inboundConversationID string) (*domain.CoreDocument, error)
	GetFragmentDocument(ctx context.Context, inboundConversationID, inboundMessageID string) (*domain.FragmentDocument, error)
	DeletePatientRecord(ctx context.Context, inboundConversationID string) error
}

// OutboundMessenger hands rewritten documents to the GP2GP transport.
type OutboundMessenger interface {
	SendCore(ctx context.Context, msg domain.OutboundMessage) error
	SendFragment(ctx context.Context, msg domain.OutboundMessage) error
}

// PdsLookup resolves a patient's current registered practice.
type PdsLookup interface {
	GetPatientOdsCode(ctx context.Context, nhsNumber string) (string, error)
}

// httpStatusCoder lets classification see upstream HTTP statuses without
// depending on any particular client package.
type httpStatusCoder interface {
	HTTPStatusCode() int
}
