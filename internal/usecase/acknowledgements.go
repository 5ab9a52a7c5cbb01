package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"ehr-out-service/internal/domain"
)

// AcknowledgementService correlates inbound acknowledgements with the
// outbound messages they respond to and advances the matched rows. An
// acknowledgement referring to an unknown message is logged and discarded;
// it must never crash the consumer.
type AcknowledgementService struct {
	store   ConversationStore
	ehrRepo RecordRepository
}

func NewAcknowledgementService(store ConversationStore, ehrRepo RecordRepository) (*AcknowledgementService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if ehrRepo == nil {
		return nil, errors.New("usecase: record repository must not be nil")
	}
	return &AcknowledgementService{store: store, ehrRepo: ehrRepo}, nil
}

// StoreAcknowledgement records an acknowledgement on the Core or Fragment
// row whose outbound message id matches the acknowledgement's messageRef. A
// positive acknowledgement of the core is the integration acknowledgement:
// it completes the conversation and triggers deletion of the superseded
// source record.
func (s *AcknowledgementService) StoreAcknowledgement(ctx context.Context, ack domain.Acknowledgement, outboundConversationID string) error {
	rows, err := s.store.QueryByOutboundConversationID(ctx, outboundConversationID)
	if err != nil {
		return newError(ErrorInternal, "query_by_outbound_conversation_id", err)
	}

	var matched *domain.Record
	for i := range rows {
		r := rows[i]
		if r.Layer == domain.LayerConversation {
			continue
		}
		if strings.EqualFold(r.OutboundMessageID, ack.MessageRef) {
			matched = &rows[i]
			break
		}
	}
	if matched == nil {
		slog.Warn("acknowledgement references no known message, discarding",
			"outboundConversationId", outboundConversationID, "messageRef", ack.MessageRef)
		return nil
	}

	now := time.Now().UTC()
	update := domain.RecordUpdate{
		InboundConversationID:     matched.InboundConversationID,
		Layer:                     matched.Layer,
		InboundMessageID:          matched.InboundMessageID,
		AcknowledgementTypeCode:   ack.TypeCode,
		AcknowledgementDetail:     ack.Detail,
		AcknowledgementReceivedAt: &now,
	}
	switch {
	case ack.IsPositive():
		update.TransferStatus = domain.StatusOutboundComplete
	case ack.IsNegative():
		update.TransferStatus = domain.StatusOutboundFailed
		update.FailureReason = domain.FailureNegativeAcknowledgement
	default:
		slog.Warn("unknown acknowledgement type code, recording without status change",
			"outboundConversationId", outboundConversationID,
			"messageRef", ack.MessageRef, "typeCode", ack.TypeCode)
	}
	if _, err := s.store.UpdateItems(ctx, []domain.RecordUpdate{update}); err != nil {
		return newError(ErrorStatusUpdate, "store_acknowledgement", err)
	}

	if ack.IsPositive() {
		return s.onPositiveAcknowledgement(ctx, *matched, rows)
	}
	if ack.IsNegative() && matched.Layer == domain.LayerCore {
		// Negative integration acknowledgement: the receiving system rejected
		// the record. The conversation fails; the source record stays.
		if _, err := s.store.UpdateItems(ctx, []domain.RecordUpdate{{
			InboundConversationID: matched.InboundConversationID,
			Layer:                 domain.LayerConversation,
			TransferStatus:        domain.StatusOutboundFailed,
			FailureReason:         domain.FailureNegativeAcknowledgement,
		}}); err != nil {
			return newError(ErrorStatusUpdate, "fail_conversation_on_negative_ack", err)
		}
	}
	return nil
}

func (s *AcknowledgementService) onPositiveAcknowledgement(ctx context.Context, matched domain.Record, rows []domain.Record) error {
	if matched.Layer == domain.LayerCore {
		// Positive integration acknowledgement: the whole record was
		// accepted. Complete the conversation, then request deletion of the
		// superseded source record. A failed deletion is returned so the
		// redelivered acknowledgement retries it; reprocessing is idempotent.
		if _, err := s.store.UpdateItems(ctx, []domain.RecordUpdate{{
			InboundConversationID: matched.InboundConversationID,
			Layer:                 domain.LayerConversation,
			TransferStatus:        domain.StatusOutboundComplete,
		}}); err != nil {
			return newError(ErrorStatusUpdate, "complete_conversation", err)
		}
		if err := s.ehrRepo.DeletePatientRecord(ctx, matched.InboundConversationID); err != nil {
			slog.Error("failed to delete superseded source record",
				"inboundConversationId", matched.InboundConversationID, "error", err)
			return newError(ErrorInternal, "delete_patient_record", err)
		}
		slog.Info("positive integration acknowledgement processed",
			"inboundConversationId", matched.InboundConversationID)
		return nil
	}

	// Fragment acknowledged: if no sibling message row remains incomplete,
	// the outbound leg is done.
	for _, r := range rows {
		if r.Layer == domain.LayerConversation {
			continue
		}
		if strings.EqualFold(r.OutboundMessageID, matched.OutboundMessageID) {
			continue
		}
		if r.TransferStatus != domain.StatusOutboundComplete {
			return nil
		}
	}
	if _, err := s.store.UpdateItems(ctx, []domain.RecordUpdate{{
		InboundConversationID: matched.InboundConversationID,
		Layer:                 domain.LayerConversation,
		TransferStatus:        domain.StatusOutboundComplete,
	}}); err != nil {
		return newError(ErrorStatusUpdate, "complete_conversation_after_fragments", err)
	}
	slog.Info("all messages acknowledged, conversation complete",
		"inboundConversationId", matched.InboundConversationID)
	return nil
}
