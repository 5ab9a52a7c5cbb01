package repository

import (
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"ehr-out-service/internal/domain"
)

// recordKey builds the primary key for a row.
func recordKey(inboundConversationID string, layer domain.Layer, inboundMessageID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"InboundConversationId": &types.AttributeValueMemberS{Value: inboundConversationID},
		"Layer":                 &types.AttributeValueMemberS{Value: sortKey(layer, inboundMessageID)},
	}
}

// recordItem converts a Record into a DynamoDB item. Empty optional fields
// are omitted so attribute_not_exists conditions keep working.
func recordItem(r domain.Record) map[string]types.AttributeValue {
	now := time.Now().UTC()
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := r.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	item := map[string]types.AttributeValue{
		"InboundConversationId": &types.AttributeValueMemberS{Value: r.InboundConversationID},
		"Layer":                 &types.AttributeValueMemberS{Value: sortKey(r.Layer, r.InboundMessageID)},
		"TransferStatus":        &types.AttributeValueMemberS{Value: string(r.TransferStatus)},
		"CreatedAt":             &types.AttributeValueMemberS{Value: createdAt.Format(time.RFC3339Nano)},
		"UpdatedAt":             &types.AttributeValueMemberS{Value: updatedAt.Format(time.RFC3339Nano)},
	}
	setIfPresent(item, "NhsNumber", r.NhsNumber)
	setIfPresent(item, "DestinationGp", r.DestinationGp)
	setIfPresent(item, "OutboundConversationId", r.OutboundConversationID)
	setIfPresent(item, "InboundMessageId", r.InboundMessageID)
	setIfPresent(item, "OutboundMessageId", r.OutboundMessageID)
	setIfPresent(item, "FailureReason", string(r.FailureReason))
	setIfPresent(item, "AcknowledgementTypeCode", r.AcknowledgementTypeCode)
	setIfPresent(item, "AcknowledgementDetail", r.AcknowledgementDetail)
	if r.AcknowledgementReceivedAt != nil {
		item["AcknowledgementReceivedAt"] = &types.AttributeValueMemberS{Value: r.AcknowledgementReceivedAt.UTC().Format(time.RFC3339Nano)}
	}
	if r.DeletedAt != nil {
		item["DeletedAt"] = &types.AttributeValueMemberS{Value: r.DeletedAt.UTC().Format(time.RFC3339Nano)}
	}
	return item
}

func setIfPresent(item map[string]types.AttributeValue, key, value string) {
	if value != "" {
		item[key] = &types.AttributeValueMemberS{Value: value}
	}
}

// itemToRecord decodes a DynamoDB item into a Record, deriving the layer from
// the sort key tag.
func itemToRecord(item map[string]types.AttributeValue) (domain.Record, error) {
	pk, err := strAttr(item, "InboundConversationId")
	if err != nil {
		return domain.Record{}, err
	}
	sk, err := strAttr(item, "Layer")
	if err != nil {
		return domain.Record{}, err
	}

	r := domain.Record{InboundConversationID: pk}
	switch {
	case sk == skConversation:
		r.Layer = domain.LayerConversation
	case sk == skCore:
		r.Layer = domain.LayerCore
	case strings.HasPrefix(sk, skPrefixFragment):
		r.Layer = domain.LayerFragment
	default:
		return domain.Record{}, fmt.Errorf("unrecognised sort key %q", sk)
	}

	r.TransferStatus = domain.TransferStatus(optStrAttr(item, "TransferStatus"))
	r.FailureReason = domain.FailureReason(optStrAttr(item, "FailureReason"))
	r.NhsNumber = optStrAttr(item, "NhsNumber")
	r.DestinationGp = optStrAttr(item, "DestinationGp")
	r.OutboundConversationID = optStrAttr(item, "OutboundConversationId")
	r.InboundMessageID = optStrAttr(item, "InboundMessageId")
	r.OutboundMessageID = optStrAttr(item, "OutboundMessageId")
	r.AcknowledgementTypeCode = optStrAttr(item, "AcknowledgementTypeCode")
	r.AcknowledgementDetail = optStrAttr(item, "AcknowledgementDetail")

	// A fragment row's message id is authoritative in the sort key; tolerate
	// rows written before the attribute was also stored inline.
	if r.Layer == domain.LayerFragment && r.InboundMessageID == "" {
		r.InboundMessageID = strings.TrimPrefix(sk, skPrefixFragment)
	}

	if r.CreatedAt, err = timeAttr(item, "CreatedAt"); err != nil {
		return domain.Record{}, err
	}
	if r.UpdatedAt, err = timeAttr(item, "UpdatedAt"); err != nil {
		return domain.Record{}, err
	}
	if ts := optStrAttr(item, "AcknowledgementReceivedAt"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return domain.Record{}, fmt.Errorf("parse AcknowledgementReceivedAt: %w", err)
		}
		r.AcknowledgementReceivedAt = &parsed
	}
	if ts := optStrAttr(item, "DeletedAt"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return domain.Record{}, fmt.Errorf("parse DeletedAt: %w", err)
		}
		r.DeletedAt = &parsed
	}
	return r, nil
}

// updateExpression builds the SET/REMOVE expression for a RecordUpdate.
// UpdatedAt is always refreshed.
func updateExpression(u domain.RecordUpdate) (string, map[string]string, map[string]types.AttributeValue) {
	names := map[string]string{"#ua": "UpdatedAt"}
	values := map[string]types.AttributeValue{
		":ua": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
	}
	sets := []string{"#ua = :ua"}
	var removes []string

	setStr := func(alias, attr, value string) {
		names["#"+alias] = attr
		values[":"+alias] = &types.AttributeValueMemberS{Value: value}
		sets = append(sets, fmt.Sprintf("#%s = :%s", alias, alias))
	}
	removeAttr := func(alias, attr string) {
		names["#"+alias] = attr
		removes = append(removes, "#"+alias)
	}

	if u.TransferStatus != "" {
		setStr("ts", "TransferStatus", string(u.TransferStatus))
	}
	if u.FailureReason != "" {
		setStr("fr", "FailureReason", string(u.FailureReason))
	}
	if u.OutboundConversationID != nil {
		if *u.OutboundConversationID == "" {
			removeAttr("oc", "OutboundConversationId")
		} else {
			setStr("oc", "OutboundConversationId", *u.OutboundConversationID)
		}
	}
	if u.OutboundMessageID != nil {
		if *u.OutboundMessageID == "" {
			removeAttr("om", "OutboundMessageId")
		} else {
			setStr("om", "OutboundMessageId", *u.OutboundMessageID)
		}
	}
	if u.AcknowledgementTypeCode != "" {
		setStr("atc", "AcknowledgementTypeCode", u.AcknowledgementTypeCode)
	}
	if u.AcknowledgementDetail != "" {
		setStr("ad", "AcknowledgementDetail", u.AcknowledgementDetail)
	}
	if u.AcknowledgementReceivedAt != nil {
		setStr("ara", "AcknowledgementReceivedAt", u.AcknowledgementReceivedAt.UTC().Format(time.RFC3339Nano))
	}
	if u.ClearFailureReason && u.FailureReason == "" {
		removeAttr("fr", "FailureReason")
	}
	if u.ClearAcknowledgement {
		removeAttr("atc", "AcknowledgementTypeCode")
		removeAttr("ad", "AcknowledgementDetail")
		removeAttr("ara", "AcknowledgementReceivedAt")
	}

	expr := "SET " + strings.Join(sets, ", ")
	if len(removes) > 0 {
		expr += " REMOVE " + strings.Join(removes, ", ")
	}
	return expr, names, values
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}

func optStrAttr(item map[string]types.AttributeValue, key string) string {
	s, ok := item[key].(*types.AttributeValueMemberS)
	if !ok {
		return ""
	}
	return s.Value
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	raw := optStrAttr(item, key)
	if raw == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}
