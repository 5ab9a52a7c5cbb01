package usecase

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"ehr-out-service/internal/domain"
)

// ErrLeakedInboundID is returned by Substitute when an inbound message id is
// still present after substitution. An incomplete substitution would leak an
// inbound identifier to the receiving party, so this is checked inside the
// operation rather than left to callers.
var ErrLeakedInboundID = errors.New("usecase: inbound message id remains after substitution")

// MessageIDRegistry establishes, per inbound conversation, a 1:1 mapping from
// every inbound message id to a freshly generated outbound id, persisted on
// the matching Core/Fragment rows. Within one outbound attempt the mapping is
// stable; a new attempt resets the rows before new pairs are created.
type MessageIDRegistry struct {
	store ConversationStore
}

func NewMessageIDRegistry(store ConversationStore) (*MessageIDRegistry, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	return &MessageIDRegistry{store: store}, nil
}

// CreateAndStoreOutboundIDs generates one new id per old id, persists each
// onto its Core/Fragment row and returns the pair list. The count of matching
// rows must exactly equal the count of ids supplied; anything else indicates
// partial or corrupted inbound state and fails before any write.
func (r *MessageIDRegistry) CreateAndStoreOutboundIDs(ctx context.Context, oldIDs []string, inboundConversationID string) ([]domain.MessageIDPair, error) {
	if strings.TrimSpace(inboundConversationID) == "" {
		return nil, newError(ErrorInvalidInput, "empty_inbound_conversation_id", nil)
	}
	if len(oldIDs) == 0 {
		return nil, newError(ErrorInvalidInput, "no_message_ids_supplied", nil)
	}

	rows, err := r.messageRows(ctx, inboundConversationID)
	if err != nil {
		return nil, err
	}

	matched := make([]domain.Record, 0, len(oldIDs))
	for _, oldID := range oldIDs {
		row, ok := rows[strings.ToLower(oldID)]
		if !ok {
			continue
		}
		matched = append(matched, row)
	}
	if len(matched) != len(oldIDs) {
		return nil, newError(ErrorMessageIDUpdate,
			fmt.Sprintf("message id rows mismatch: supplied %d ids, matched %d rows", len(oldIDs), len(matched)), nil)
	}

	pairs := make([]domain.MessageIDPair, 0, len(oldIDs))
	updates := make([]domain.RecordUpdate, 0, len(oldIDs))
	for i, oldID := range oldIDs {
		newID := newUUID()
		pairs = append(pairs, domain.MessageIDPair{OldID: oldID, NewID: newID})
		updates = append(updates, domain.RecordUpdate{
			InboundConversationID: inboundConversationID,
			Layer:                 matched[i].Layer,
			InboundMessageID:      matched[i].InboundMessageID,
			OutboundMessageID:     &newID,
		})
	}
	if _, err := r.store.UpdateItems(ctx, updates); err != nil {
		return nil, newError(ErrorMessageIDUpdate, "store_outbound_message_ids", err)
	}
	return pairs, nil
}

// GetAllIDPairs reads back a previously stored mapping. It never returns a
// partial set: if any requested id has no stored counterpart the whole call
// fails, naming the requested vs. found counts.
func (r *MessageIDRegistry) GetAllIDPairs(ctx context.Context, oldIDs []string, inboundConversationID string) ([]domain.MessageIDPair, error) {
	if strings.TrimSpace(inboundConversationID) == "" {
		return nil, newError(ErrorInvalidInput, "empty_inbound_conversation_id", nil)
	}

	rows, err := r.messageRows(ctx, inboundConversationID)
	if err != nil {
		return nil, err
	}

	pairs := make([]domain.MessageIDPair, 0, len(oldIDs))
	for _, oldID := range oldIDs {
		row, ok := rows[strings.ToLower(oldID)]
		if !ok || row.OutboundMessageID == "" {
			continue
		}
		pairs = append(pairs, domain.MessageIDPair{OldID: oldID, NewID: row.OutboundMessageID})
	}
	if len(pairs) != len(oldIDs) {
		return nil, newError(ErrorIDPairsNotFound,
			fmt.Sprintf("message id pairs missing: requested %d, found %d", len(oldIDs), len(pairs)), nil)
	}
	return pairs, nil
}

func (r *MessageIDRegistry) messageRows(ctx context.Context, inboundConversationID string) (map[string]domain.Record, error) {
	records, err := r.store.QueryByInboundConversationID(ctx, inboundConversationID, "", false)
	if err != nil {
		return nil, newError(ErrorInternal, "query_message_rows", err)
	}
	rows := make(map[string]domain.Record, len(records))
	for _, rec := range records {
		if rec.Layer == domain.LayerConversation || rec.InboundMessageID == "" {
			continue
		}
		rows[strings.ToLower(rec.InboundMessageID)] = rec
	}
	return rows, nil
}

// Substitute returns payload with every occurrence of each old id replaced by
// its paired new id, case-insensitively. The payload is treated as an opaque
// string; no HL7 awareness is needed, only exact identifier tokens. A
// post-condition verifies no old id survives; a pair whose old id never
// occurs leaves the payload unchanged.
func Substitute(payload string, pairs []domain.MessageIDPair) (string, error) {
	out := payload
	for _, p := range pairs {
		re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(p.OldID))
		if err != nil {
			return "", fmt.Errorf("usecase: compile substitution pattern: %w", err)
		}
		out = re.ReplaceAllLiteralString(out, p.NewID)
	}
	for _, p := range pairs {
		if containsFold(out, p.OldID) {
			return "", fmt.Errorf("%w: id %s", ErrLeakedInboundID, p.OldID)
		}
	}
	return out, nil
}

// LookupNewID returns the outbound id paired with oldID, matching
// case-insensitively over an already-fetched pair list.
func LookupNewID(oldID string, pairs []domain.MessageIDPair) (string, bool) {
	for _, p := range pairs {
		if strings.EqualFold(p.OldID, oldID) {
			return p.NewID, true
		}
	}
	return "", false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

var newUUID = func() string {
	return uuid.NewString()
}
