package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"ehr-out-service/internal/domain"
	"ehr-out-service/internal/usecase"
)

// GP2GP interaction ids carried by inbound queue messages.
const (
	interactionEhrRequest      = "RCMR_IN010000UK05"
	interactionContinueRequest = "COPC_IN000001UK01"
	interactionAcknowledgement = "MCCI_IN010000UK13"
)

// inboundEnvelope is the decoded shape of one queue message. The HL7/XML
// parsing happens upstream; by the time a message reaches this service it is
// a JSON envelope of decoded fields.
type inboundEnvelope struct {
	InteractionID  string `json:"interactionId"`
	ConversationID string `json:"conversationId"`

	EhrRequest      *ehrRequestPayload      `json:"ehrRequest,omitempty"`
	Acknowledgement *acknowledgementPayload `json:"acknowledgement,omitempty"`
}

type ehrRequestPayload struct {
	NhsNumber string `json:"nhsNumber"`
	OdsCode   string `json:"odsCode"`
}

type acknowledgementPayload struct {
	MessageID               string `json:"messageId"`
	MessageRef              string `json:"messageRef"`
	AcknowledgementTypeCode string `json:"acknowledgementTypeCode"`
	AcknowledgementDetail   string `json:"acknowledgementDetail"`
}

// TransferStarter starts (or deduplicates) an outbound attempt.
type TransferStarter interface {
	CreateOutboundConversation(ctx context.Context, outboundConversationID, nhsNumber, odsCode string) error
}

// ContinueHandler sends the outstanding fragments of an outbound attempt.
type ContinueHandler interface {
	OnContinueRequest(ctx context.Context, outboundConversationID string) error
}

// AcknowledgementStorer applies an inbound acknowledgement.
type AcknowledgementStorer interface {
	StoreAcknowledgement(ctx context.Context, ack domain.Acknowledgement, outboundConversationID string) error
}

// Handler dispatches inbound GP2GP signals to the transfer services. Failed
// records are reported as batch item failures so SQS redelivers only those;
// successfully handled records are deleted by the Lambda runtime.
type Handler struct {
	transfers TransferStarter
	continues ContinueHandler
	acks      AcknowledgementStorer
}

func NewHandler(transfers TransferStarter, continues ContinueHandler, acks AcknowledgementStorer) (*Handler, error) {
	if transfers == nil {
		return nil, errors.New("handler: transfer starter must not be nil")
	}
	if continues == nil {
		return nil, errors.New("handler: continue handler must not be nil")
	}
	if acks == nil {
		return nil, errors.New("handler: acknowledgement storer must not be nil")
	}
	return &Handler{transfers: transfers, continues: continues, acks: acks}, nil
}

// Handle processes one SQS batch. Each record is isolated: a failure is
// logged and reported for redelivery without affecting its siblings.
func (h *Handler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, record := range event.Records {
		if err := h.handleRecord(ctx, record); err != nil {
			if !retryable(err) {
				slog.Error("dropping unprocessable message", "sqsMessageId", record.MessageId, "error", err)
				continue
			}
			slog.Error("message processing failed, returning for redelivery",
				"sqsMessageId", record.MessageId, "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return resp, nil
}

func (h *Handler) handleRecord(ctx context.Context, record events.SQSMessage) error {
	var envelope inboundEnvelope
	if err := json.Unmarshal([]byte(record.Body), &envelope); err != nil {
		return fmt.Errorf("handler: decode envelope: %w: %w", errMalformed, err)
	}
	if strings.TrimSpace(envelope.ConversationID) == "" {
		return fmt.Errorf("handler: envelope has no conversation id: %w", errMalformed)
	}

	switch envelope.InteractionID {
	case interactionEhrRequest:
		if envelope.EhrRequest == nil {
			return fmt.Errorf("handler: ehr request envelope has no request payload: %w", errMalformed)
		}
		return h.transfers.CreateOutboundConversation(ctx,
			envelope.ConversationID, envelope.EhrRequest.NhsNumber, envelope.EhrRequest.OdsCode)
	case interactionContinueRequest:
		return h.continues.OnContinueRequest(ctx, envelope.ConversationID)
	case interactionAcknowledgement:
		if envelope.Acknowledgement == nil {
			return fmt.Errorf("handler: acknowledgement envelope has no acknowledgement payload: %w", errMalformed)
		}
		return h.acks.StoreAcknowledgement(ctx, domain.Acknowledgement{
			MessageID:  envelope.Acknowledgement.MessageID,
			MessageRef: envelope.Acknowledgement.MessageRef,
			TypeCode:   envelope.Acknowledgement.AcknowledgementTypeCode,
			Detail:     envelope.Acknowledgement.AcknowledgementDetail,
		}, envelope.ConversationID)
	default:
		slog.Warn("unknown interaction id, discarding message",
			"interactionId", envelope.InteractionID, "conversationId", envelope.ConversationID)
		return nil
	}
}

var errMalformed = errors.New("malformed message")

// retryable reports whether redelivering the message could succeed.
// Malformed envelopes and validation rejections fail identically every time,
// so redelivering them would only cycle the queue.
func retryable(err error) bool {
	if errors.Is(err, errMalformed) {
		return false
	}
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) && ucErr.Code == usecase.ErrorInvalidInput {
		return false
	}
	return true
}
