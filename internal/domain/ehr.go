package domain

// CoreDocument is the main EHR document retrieved from the record repository
// for one inbound conversation, along with its own message id and the ids of
// the fragments it references.
type CoreDocument struct {
	Payload            string
	CoreMessageID      string
	FragmentMessageIDs []string
}

// FragmentDocument is one retrieved EHR fragment payload.
type FragmentDocument struct {
	Payload string
}

// OutboundMessage is a rewritten document ready to be handed to the GP2GP
// messenger. The ids it carries are outbound ids only; inbound identifiers
// must already have been substituted out of Payload.
type OutboundMessage struct {
	OutboundConversationID string
	OutboundMessageID      string
	DestinationGp          string
	Payload                string
}
