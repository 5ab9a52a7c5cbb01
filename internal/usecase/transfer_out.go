package usecase

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"ehr-out-service/internal/domain"
)

var nhsNumberPattern = regexp.MustCompile(`^\d{10}$`)

// TransferOutService drives one outbound conversation from a registration
// request to a sent core message. Classified failures are persisted as
// OUTBOUND_FAILED with a reason and do not propagate; only validation
// errors (rejected before any mutation) and "no eligible record" are
// returned to the caller.
type TransferOutService struct {
	store     ConversationStore
	registry  *MessageIDRegistry
	ehrRepo   RecordRepository
	messenger OutboundMessenger
	pds       PdsLookup
}

func NewTransferOutService(store ConversationStore, registry *MessageIDRegistry, ehrRepo RecordRepository, messenger OutboundMessenger, pds PdsLookup) (*TransferOutService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if registry == nil {
		return nil, errors.New("usecase: message id registry must not be nil")
	}
	if ehrRepo == nil {
		return nil, errors.New("usecase: record repository must not be nil")
	}
	if messenger == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	if pds == nil {
		return nil, errors.New("usecase: pds lookup must not be nil")
	}
	return &TransferOutService{store: store, registry: registry, ehrRepo: ehrRepo, messenger: messenger, pds: pds}, nil
}

// CreateOutboundConversation starts (or supersedes) an outbound attempt for
// the patient's current inbound conversation. A request whose outbound
// conversation id is already known is an idempotent no-op.
func (s *TransferOutService) CreateOutboundConversation(ctx context.Context, outboundConversationID, nhsNumber, odsCode string) error {
	if strings.TrimSpace(outboundConversationID) == "" {
		return newError(ErrorInvalidInput, "empty_outbound_conversation_id", nil)
	}
	if !nhsNumberPattern.MatchString(nhsNumber) {
		return newError(ErrorInvalidInput, "malformed_nhs_number", nil)
	}
	if strings.TrimSpace(odsCode) == "" {
		return newError(ErrorInvalidInput, "empty_ods_code", nil)
	}

	existing, err := s.store.QueryByOutboundConversationID(ctx, outboundConversationID)
	if err != nil {
		return newError(ErrorInternal, "duplicate_check", err)
	}
	if len(existing) > 0 {
		slog.Info("outbound conversation already exists, ignoring duplicate request",
			"outboundConversationId", outboundConversationID)
		return nil
	}

	conversation, err := s.currentConversationForPatient(ctx, nhsNumber)
	if err != nil {
		return err
	}

	if conversation.OutboundConversationID != "" || conversation.TransferStatus.IsOutbound() {
		if err := s.resetPreviousAttempt(ctx, *conversation); err != nil {
			return err
		}
	}

	started, err := s.store.StartOutboundAttempt(ctx, conversation.InboundConversationID, outboundConversationID, odsCode)
	if err != nil {
		return newError(ErrorStatusUpdate, "start_outbound_attempt", err)
	}
	if !started {
		slog.Info("outbound attempt already started by a concurrent request, ignoring",
			"outboundConversationId", outboundConversationID)
		return nil
	}

	if err := s.propagateOutboundConversationID(ctx, conversation.InboundConversationID, outboundConversationID); err != nil {
		return err
	}

	// From here on the attempt exists; every failure is classified into a
	// persisted OUTBOUND_FAILED status instead of propagating.
	s.sendCore(ctx, conversation.InboundConversationID, outboundConversationID, nhsNumber, odsCode)
	return nil
}

// currentConversationForPatient resolves the most recently created inbound
// conversation whose record is available to send: either the inbound leg
// completed, or a previous outbound attempt exists and this is a re-request.
func (s *TransferOutService) currentConversationForPatient(ctx context.Context, nhsNumber string) (*domain.Record, error) {
	rows, err := s.store.QueryByNhsNumber(ctx, nhsNumber)
	if err != nil {
		return nil, newError(ErrorInternal, "query_by_nhs_number", err)
	}

	var current *domain.Record
	for i := range rows {
		r := rows[i]
		if r.Layer != domain.LayerConversation {
			continue
		}
		if r.TransferStatus != domain.StatusInboundComplete && !r.TransferStatus.IsOutbound() {
			continue
		}
		if current == nil || r.CreatedAt.After(current.CreatedAt) {
			current = &rows[i]
		}
	}
	if current == nil {
		slog.Info("no eligible inbound record for patient", "nhsNumber", nhsNumber)
		return nil, newError(ErrorPatientRecordNotFound, "patient_not_at_surgery", nil)
	}
	return current, nil
}

// resetPreviousAttempt restores the conversation and its message rows to
// their inbound-complete state and strips the prior attempt's outbound ids,
// so exactly one outbound attempt is ever live per inbound lineage.
func (s *TransferOutService) resetPreviousAttempt(ctx context.Context, conversation domain.Record) error {
	slog.Info("superseding previous outbound attempt",
		"inboundConversationId", conversation.InboundConversationID,
		"previousOutboundConversationId", conversation.OutboundConversationID)

	rows, err := s.store.QueryByInboundConversationID(ctx, conversation.InboundConversationID, "", false)
	if err != nil {
		return newError(ErrorInternal, "query_rows_for_reset", err)
	}

	empty := ""
	updates := make([]domain.RecordUpdate, 0, len(rows))
	for _, r := range rows {
		u := domain.RecordUpdate{
			InboundConversationID:  r.InboundConversationID,
			Layer:                  r.Layer,
			InboundMessageID:       r.InboundMessageID,
			TransferStatus:         domain.StatusInboundComplete,
			OutboundConversationID: &empty,
			ClearFailureReason:     true,
		}
		if r.Layer != domain.LayerConversation {
			u.OutboundMessageID = &empty
			u.ClearAcknowledgement = true
		}
		updates = append(updates, u)
	}
	if _, err := s.store.UpdateItems(ctx, updates); err != nil {
		return newError(ErrorStatusUpdate, "reset_previous_attempt", err)
	}
	return nil
}

func (s *TransferOutService) propagateOutboundConversationID(ctx context.Context, inboundConversationID, outboundConversationID string) error {
	rows, err := s.store.QueryByInboundConversationID(ctx, inboundConversationID, "", false)
	if err != nil {
		return newError(ErrorInternal, "query_rows_for_propagation", err)
	}

	updates := make([]domain.RecordUpdate, 0, len(rows))
	for _, r := range rows {
		if r.Layer == domain.LayerConversation {
			continue
		}
		oc := outboundConversationID
		updates = append(updates, domain.RecordUpdate{
			InboundConversationID:  r.InboundConversationID,
			Layer:                  r.Layer,
			InboundMessageID:       r.InboundMessageID,
			OutboundConversationID: &oc,
		})
	}
	if _, err := s.store.UpdateItems(ctx, updates); err != nil {
		return newError(ErrorStatusUpdate, "propagate_outbound_conversation_id", err)
	}
	return nil
}

// sendCore runs the network half of the attempt: ODS verification, core
// retrieval, id substitution and the send itself. All errors end in a
// persisted failure status.
func (s *TransferOutService) sendCore(ctx context.Context, inboundConversationID, outboundConversationID, nhsNumber, odsCode string) {
	registeredOds, err := s.pds.GetPatientOdsCode(ctx, nhsNumber)
	if err != nil {
		s.failAttempt(ctx, inboundConversationID, "", "pds lookup failed", err)
		return
	}
	if !strings.EqualFold(registeredOds, odsCode) {
		slog.Info("requesting practice does not match patient's registered practice",
			"outboundConversationId", outboundConversationID,
			"requestedOdsCode", odsCode, "registeredOdsCode", registeredOds)
		s.failAttempt(ctx, inboundConversationID, domain.FailureIncorrectOdsCode, "incorrect ods code", nil)
		return
	}

	doc, err := s.ehrRepo.GetCoreDocument(ctx, inboundConversationID)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == http.StatusNotFound {
			s.failAttempt(ctx, inboundConversationID, domain.FailureMissingFromRepo, "core document missing from repo", err)
			return
		}
		s.failAttempt(ctx, inboundConversationID, domain.FailureEhrDownloadFailed, "core document download failed", err)
		return
	}

	oldIDs := append([]string{doc.CoreMessageID}, doc.FragmentMessageIDs...)
	pairs, err := s.registry.CreateAndStoreOutboundIDs(ctx, oldIDs, inboundConversationID)
	if err != nil {
		s.failAttempt(ctx, inboundConversationID, domain.FailureCoreSendingFailed, "create outbound message ids", err)
		return
	}

	payload, err := Substitute(doc.Payload, pairs)
	if err != nil {
		s.failAttempt(ctx, inboundConversationID, domain.FailureCoreSendingFailed, "message id substitution", err)
		return
	}
	newCoreID, ok := LookupNewID(doc.CoreMessageID, pairs)
	if !ok {
		s.failAttempt(ctx, inboundConversationID, domain.FailureCoreSendingFailed, "no outbound id for core message", nil)
		return
	}

	err = s.messenger.SendCore(ctx, domain.OutboundMessage{
		OutboundConversationID: outboundConversationID,
		OutboundMessageID:      newCoreID,
		DestinationGp:          odsCode,
		Payload:                payload,
	})
	if err != nil {
		s.failAttempt(ctx, inboundConversationID, domain.FailureCoreSendingFailed, "send core", err)
		s.updateCoreStatus(ctx, inboundConversationID, domain.StatusOutboundFailed, domain.FailureCoreSendingFailed)
		return
	}

	s.updateCoreStatus(ctx, inboundConversationID, domain.StatusOutboundSent, "")
	if len(doc.FragmentMessageIDs) == 0 {
		// No fragments outstanding: the core send completes the outbound leg
		// up to acknowledgement.
		if _, err := s.store.UpdateItems(ctx, []domain.RecordUpdate{{
			InboundConversationID: inboundConversationID,
			Layer:                 domain.LayerConversation,
			TransferStatus:        domain.StatusOutboundSentCore,
		}}); err != nil {
			slog.Error("failed to advance conversation after core send",
				"inboundConversationId", inboundConversationID, "error", err)
		}
	}
	slog.Info("core message sent",
		"outboundConversationId", outboundConversationID, "fragments", len(doc.FragmentMessageIDs))
}

func (s *TransferOutService) updateCoreStatus(ctx context.Context, inboundConversationID string, status domain.TransferStatus, reason domain.FailureReason) {
	if _, err := s.store.UpdateItems(ctx, []domain.RecordUpdate{{
		InboundConversationID: inboundConversationID,
		Layer:                 domain.LayerCore,
		TransferStatus:        status,
		FailureReason:         reason,
	}}); err != nil {
		slog.Error("failed to update core status",
			"inboundConversationId", inboundConversationID, "status", status, "error", err)
	}
}

// failAttempt persists a terminal failure on the conversation row. An empty
// reason records an unclassified failure: the status flips but no reason is
// attributed.
func (s *TransferOutService) failAttempt(ctx context.Context, inboundConversationID string, reason domain.FailureReason, step string, cause error) {
	slog.Error("outbound attempt failed",
		"inboundConversationId", inboundConversationID, "reason", reason, "step", step, "error", cause)
	if _, err := s.store.UpdateItems(ctx, []domain.RecordUpdate{{
		InboundConversationID: inboundConversationID,
		Layer:                 domain.LayerConversation,
		TransferStatus:        domain.StatusOutboundFailed,
		FailureReason:         reason,
	}}); err != nil {
		slog.Error("failed to persist failure status",
			"inboundConversationId", inboundConversationID, "error", err)
	}
}

// GetOutboundConversationByID returns the conversation row of the given
// outbound attempt, or nil if no attempt with that id is live.
func (s *TransferOutService) GetOutboundConversationByID(ctx context.Context, outboundConversationID string) (*domain.Record, error) {
	rows, err := s.store.QueryByOutboundConversationID(ctx, outboundConversationID)
	if err != nil {
		return nil, newError(ErrorInternal, "query_by_outbound_conversation_id", err)
	}
	for i := range rows {
		if rows[i].Layer == domain.LayerConversation {
			return &rows[i], nil
		}
	}
	return nil, nil
}

// UpdateConversationStatus advances or terminates the given outbound
// attempt. It errors if no such conversation exists.
func (s *TransferOutService) UpdateConversationStatus(ctx context.Context, outboundConversationID string, status domain.TransferStatus, reason domain.FailureReason) error {
	conversation, err := s.GetOutboundConversationByID(ctx, outboundConversationID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return newError(ErrorPatientRecordNotFound, "no conversation for outbound id "+outboundConversationID, nil)
	}
	if _, err := s.store.UpdateItems(ctx, []domain.RecordUpdate{{
		InboundConversationID: conversation.InboundConversationID,
		Layer:                 domain.LayerConversation,
		TransferStatus:        status,
		FailureReason:         reason,
	}}); err != nil {
		return newError(ErrorStatusUpdate, "update_conversation_status", err)
	}
	return nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
