package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"ehr-out-service/internal/domain"
)

// FragmentTransferService sends the outstanding fragments of an outbound
// conversation. Fragment sends are independent: one fragment's failure does
// not roll back or block its siblings, and the caller sees an aggregate
// "one or more fragments failed" rather than the first error.
type FragmentTransferService struct {
	store     ConversationStore
	ehrRepo   RecordRepository
	messenger OutboundMessenger
}

func NewFragmentTransferService(store ConversationStore, ehrRepo RecordRepository, messenger OutboundMessenger) (*FragmentTransferService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if ehrRepo == nil {
		return nil, errors.New("usecase: record repository must not be nil")
	}
	if messenger == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	return &FragmentTransferService{store: store, ehrRepo: ehrRepo, messenger: messenger}, nil
}

// OnContinueRequest resolves the conversation a continue request refers to
// and sends its outstanding fragments.
func (s *FragmentTransferService) OnContinueRequest(ctx context.Context, outboundConversationID string) error {
	rows, err := s.store.QueryByOutboundConversationID(ctx, outboundConversationID)
	if err != nil {
		return newError(ErrorInternal, "query_by_outbound_conversation_id", err)
	}
	var conversation *domain.Record
	for i := range rows {
		if rows[i].Layer == domain.LayerConversation {
			conversation = &rows[i]
			break
		}
	}
	if conversation == nil {
		slog.Warn("continue request for unknown outbound conversation",
			"outboundConversationId", outboundConversationID)
		return newError(ErrorPatientRecordNotFound, "no conversation for outbound id "+outboundConversationID, nil)
	}
	return s.TransferOutFragments(ctx, conversation.InboundConversationID, outboundConversationID, conversation.DestinationGp)
}

// TransferOutFragments fans out one send per outstanding fragment and
// collects every outcome. Per-fragment statuses are persisted independently
// as each send finishes.
func (s *FragmentTransferService) TransferOutFragments(ctx context.Context, inboundConversationID, outboundConversationID, destinationGp string) error {
	fragments, err := s.store.QueryByInboundConversationID(ctx, inboundConversationID, domain.LayerFragment, false)
	if err != nil {
		return newError(ErrorInternal, "query_fragments", err)
	}

	// Every fragment pair participates in substitution, sent or not, because
	// a fragment may reference its siblings.
	pairs := make([]domain.MessageIDPair, 0, len(fragments))
	for _, f := range fragments {
		if f.OutboundMessageID != "" {
			pairs = append(pairs, domain.MessageIDPair{OldID: f.InboundMessageID, NewID: f.OutboundMessageID})
		}
	}

	outstanding := outstandingFragments(fragments)
	if len(outstanding) == 0 {
		slog.Info("no outstanding fragments", "outboundConversationId", outboundConversationID)
		return nil
	}

	results := make([]error, len(outstanding))
	var wg sync.WaitGroup
	for i, fragment := range outstanding {
		wg.Add(1)
		go func(i int, fragment domain.Record) {
			defer wg.Done()
			results[i] = s.sendFragment(ctx, fragment, pairs, outboundConversationID, destinationGp)
		}(i, fragment)
	}
	wg.Wait()

	failed := 0
	for _, err := range results {
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		s.failConversation(ctx, inboundConversationID)
		return newError(ErrorInternal,
			fmt.Sprintf("one or more fragments failed: %d of %d", failed, len(outstanding)), errors.Join(results...))
	}

	if _, err := s.store.UpdateItems(ctx, []domain.RecordUpdate{{
		InboundConversationID: inboundConversationID,
		Layer:                 domain.LayerConversation,
		TransferStatus:        domain.StatusOutboundSentCore,
	}}); err != nil {
		return newError(ErrorStatusUpdate, "advance_conversation_after_fragments", err)
	}
	slog.Info("all outstanding fragments sent",
		"outboundConversationId", outboundConversationID, "fragments", len(outstanding))
	return nil
}

// sendFragment retrieves, rewrites and sends one fragment, then persists its
// outcome. The returned error has already been recorded on the fragment row.
func (s *FragmentTransferService) sendFragment(ctx context.Context, fragment domain.Record, pairs []domain.MessageIDPair, outboundConversationID, destinationGp string) error {
	newID, ok := LookupNewID(fragment.InboundMessageID, pairs)
	if !ok {
		err := newError(ErrorIDPairsNotFound, "no outbound id for fragment "+fragment.InboundMessageID, nil)
		s.persistFragmentOutcome(ctx, fragment, domain.StatusOutboundFailed, domain.FailureFragmentSendingFailed, err)
		return err
	}

	doc, err := s.ehrRepo.GetFragmentDocument(ctx, fragment.InboundConversationID, fragment.InboundMessageID)
	if err != nil {
		wrapped := newError(ErrorDownload, "fragment download "+fragment.InboundMessageID, err)
		s.persistFragmentOutcome(ctx, fragment, domain.StatusOutboundFailed, domain.FailureEhrDownloadFailed, wrapped)
		return wrapped
	}

	payload, err := Substitute(doc.Payload, pairs)
	if err != nil {
		wrapped := newError(ErrorMessageIDUpdate, "fragment substitution "+fragment.InboundMessageID, err)
		s.persistFragmentOutcome(ctx, fragment, domain.StatusOutboundFailed, domain.FailureFragmentSendingFailed, wrapped)
		return wrapped
	}

	err = s.messenger.SendFragment(ctx, domain.OutboundMessage{
		OutboundConversationID: outboundConversationID,
		OutboundMessageID:      newID,
		DestinationGp:          destinationGp,
		Payload:                payload,
	})
	if err != nil {
		wrapped := newError(ErrorInternal, "fragment send "+fragment.InboundMessageID, err)
		s.persistFragmentOutcome(ctx, fragment, domain.StatusOutboundFailed, domain.FailureFragmentSendingFailed, wrapped)
		return wrapped
	}

	s.persistFragmentOutcome(ctx, fragment, domain.StatusOutboundSent, "", nil)
	return nil
}

func (s *FragmentTransferService) persistFragmentOutcome(ctx context.Context, fragment domain.Record, status domain.TransferStatus, reason domain.FailureReason, cause error) {
	if cause != nil {
		slog.Error("fragment send failed",
			"inboundConversationId", fragment.InboundConversationID,
			"inboundMessageId", fragment.InboundMessageID, "reason", reason, "error", cause)
	}
	if _, err := s.store.UpdateItems(ctx, []domain.RecordUpdate{{
		InboundConversationID: fragment.InboundConversationID,
		Layer:                 domain.LayerFragment,
		InboundMessageID:      fragment.InboundMessageID,
		TransferStatus:        status,
		FailureReason:         reason,
	}}); err != nil {
		slog.Error("failed to persist fragment outcome",
			"inboundConversationId", fragment.InboundConversationID,
			"inboundMessageId", fragment.InboundMessageID, "error", err)
	}
}

func (s *FragmentTransferService) failConversation(ctx context.Context, inboundConversationID string) {
	if _, err := s.store.UpdateItems(ctx, []domain.RecordUpdate{{
		InboundConversationID: inboundConversationID,
		Layer:                 domain.LayerConversation,
		TransferStatus:        domain.StatusOutboundFailed,
		FailureReason:         domain.FailureFragmentSendingFailed,
	}}); err != nil {
		slog.Error("failed to persist conversation failure",
			"inboundConversationId", inboundConversationID, "error", err)
	}
}

// GetAllFragmentIDsToBeSent enumerates the id pairs of fragments not yet
// sent for an inbound conversation.
func (s *FragmentTransferService) GetAllFragmentIDsToBeSent(ctx context.Context, inboundConversationID string) ([]domain.MessageIDPair, error) {
	fragments, err := s.store.QueryByInboundConversationID(ctx, inboundConversationID, domain.LayerFragment, false)
	if err != nil {
		return nil, newError(ErrorInternal, "query_fragments", err)
	}
	pairs := make([]domain.MessageIDPair, 0, len(fragments))
	for _, f := range outstandingFragments(fragments) {
		pairs = append(pairs, domain.MessageIDPair{OldID: f.InboundMessageID, NewID: f.OutboundMessageID})
	}
	return pairs, nil
}

// UpdateFragmentStatus records one fragment's outcome.
func (s *FragmentTransferService) UpdateFragmentStatus(ctx context.Context, inboundConversationID, inboundMessageID string, status domain.TransferStatus, reason domain.FailureReason) error {
	if _, err := s.store.UpdateItems(ctx, []domain.RecordUpdate{{
		InboundConversationID: inboundConversationID,
		Layer:                 domain.LayerFragment,
		InboundMessageID:      inboundMessageID,
		TransferStatus:        status,
		FailureReason:         reason,
	}}); err != nil {
		return newError(ErrorStatusUpdate, "update_fragment_status", err)
	}
	return nil
}

// outstandingFragments filters to fragments that still need sending. A
// failed fragment is eligible again so a redelivered continue request can
// retry it.
func outstandingFragments(fragments []domain.Record) []domain.Record {
	out := make([]domain.Record, 0, len(fragments))
	for _, f := range fragments {
		switch f.TransferStatus {
		case domain.StatusOutboundSent, domain.StatusOutboundComplete:
			continue
		}
		out = append(out, f)
	}
	return out
}
