package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"ehr-out-service/internal/domain"
)

// memStore is a stateful in-memory ConversationStore. Updates are applied to
// the held rows so multi-step orchestrations (start, reset, start again) see
// their own effects, matching the real store's behavior.
type memStore struct {
	mu   sync.Mutex
	rows []domain.Record

	queryErr  error
	updateErr error
	startErr  error

	updateBatches [][]domain.RecordUpdate
}

func newMemStore(rows ...domain.Record) *memStore {
	return &memStore{rows: rows}
}

func (m *memStore) find(inboundID string, layer domain.Layer, messageID string) *domain.Record {
	for i := range m.rows {
		r := &m.rows[i]
		if r.InboundConversationID != inboundID || r.Layer != layer {
			continue
		}
		if layer == domain.LayerFragment && !strings.EqualFold(r.InboundMessageID, messageID) {
			continue
		}
		return r
	}
	return nil
}

func (m *memStore) QueryByInboundConversationID(_ context.Context, inboundID string, filter domain.Layer, includeDeleted bool) ([]domain.Record, error) {
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Record
	for _, r := range m.rows {
		if r.InboundConversationID != inboundID {
			continue
		}
		if filter != "" && r.Layer != filter {
			continue
		}
		if r.IsDeleted() && !includeDeleted {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) QueryByNhsNumber(_ context.Context, nhsNumber string) ([]domain.Record, error) {
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Record
	for _, r := range m.rows {
		if r.NhsNumber == nhsNumber && !r.IsDeleted() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) QueryByOutboundConversationID(_ context.Context, outboundID string) ([]domain.Record, error) {
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Record
	for _, r := range m.rows {
		if r.OutboundConversationID == outboundID && !r.IsDeleted() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) UpdateItems(_ context.Context, updates []domain.RecordUpdate) (int, error) {
	if m.updateErr != nil {
		return 0, m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateBatches = append(m.updateBatches, updates)
	for _, u := range updates {
		row := m.find(u.InboundConversationID, u.Layer, u.InboundMessageID)
		if row == nil {
			return 0, fmt.Errorf("conditional check failed: no row %s/%s/%s", u.InboundConversationID, u.Layer, u.InboundMessageID)
		}
		if u.TransferStatus != "" {
			row.TransferStatus = u.TransferStatus
		}
		if u.FailureReason != "" {
			row.FailureReason = u.FailureReason
		} else if u.ClearFailureReason {
			row.FailureReason = ""
		}
		if u.OutboundConversationID != nil {
			row.OutboundConversationID = *u.OutboundConversationID
		}
		if u.OutboundMessageID != nil {
			row.OutboundMessageID = *u.OutboundMessageID
		}
		if u.AcknowledgementTypeCode != "" {
			row.AcknowledgementTypeCode = u.AcknowledgementTypeCode
		}
		if u.AcknowledgementDetail != "" {
			row.AcknowledgementDetail = u.AcknowledgementDetail
		}
		if u.AcknowledgementReceivedAt != nil {
			ts := *u.AcknowledgementReceivedAt
			row.AcknowledgementReceivedAt = &ts
		}
		if u.ClearAcknowledgement {
			row.AcknowledgementTypeCode = ""
			row.AcknowledgementDetail = ""
			row.AcknowledgementReceivedAt = nil
		}
	}
	return 1, nil
}

func (m *memStore) StartOutboundAttempt(_ context.Context, inboundID, outboundID, destinationGp string) (bool, error) {
	if m.startErr != nil {
		return false, m.startErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.find(inboundID, domain.LayerConversation, "")
	if row == nil {
		return false, errors.New("conditional check failed: no conversation row")
	}
	if row.OutboundConversationID == outboundID {
		return false, nil
	}
	row.TransferStatus = domain.StatusOutboundStarted
	row.OutboundConversationID = outboundID
	row.DestinationGp = destinationGp
	row.FailureReason = ""
	return true, nil
}

type fakeEhrRepo struct {
	mu sync.Mutex

	coreDoc *domain.CoreDocument
	coreErr error

	fragmentPayloads map[string]string
	fragmentErrs     map[string]error

	deleted   []string
	deleteErr error
}

func (f *fakeEhrRepo) GetCoreDocument(_ context.Context, _ string) (*domain.CoreDocument, error) {
	if f.coreErr != nil {
		return nil, f.coreErr
	}
	return f.coreDoc, nil
}

func (f *fakeEhrRepo) GetFragmentDocument(_ context.Context, _, inboundMessageID string) (*domain.FragmentDocument, error) {
	if err := f.fragmentErrs[inboundMessageID]; err != nil {
		return nil, err
	}
	payload, ok := f.fragmentPayloads[inboundMessageID]
	if !ok {
		return nil, fmt.Errorf("no fragment payload configured for %s", inboundMessageID)
	}
	return &domain.FragmentDocument{Payload: payload}, nil
}

func (f *fakeEhrRepo) DeletePatientRecord(_ context.Context, inboundConversationID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, inboundConversationID)
	return nil
}

type fakeMessenger struct {
	mu sync.Mutex

	coreErr      error
	fragmentErrs map[string]error // keyed by outbound message id

	sentCores     []domain.OutboundMessage
	sentFragments []domain.OutboundMessage
}

func (f *fakeMessenger) SendCore(_ context.Context, msg domain.OutboundMessage) error {
	if f.coreErr != nil {
		return f.coreErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentCores = append(f.sentCores, msg)
	return nil
}

func (f *fakeMessenger) SendFragment(_ context.Context, msg domain.OutboundMessage) error {
	if err := f.fragmentErrs[msg.OutboundMessageID]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentFragments = append(f.sentFragments, msg)
	return nil
}

type fakePds struct {
	odsCode string
	err     error
}

func (f *fakePds) GetPatientOdsCode(_ context.Context, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.odsCode, nil
}

// stubUUIDs overrides id generation with a deterministic sequence and
// restores it on cleanup.
func stubUUIDs(prefix string) func() {
	orig := newUUID
	n := 0
	newUUID = func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
	return func() { newUUID = orig }
}

// statusError is a test double satisfying the upstream status interface.
type statusError struct {
	status int
}

func (e *statusError) Error() string       { return fmt.Sprintf("status %d", e.status) }
func (e *statusError) HTTPStatusCode() int { return e.status }
