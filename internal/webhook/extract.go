package webhook

import (
	"context"

	"github.com/fyrsmithlabs/leadrelay/internal/conversation"
	"github.com/fyrsmithlabs/leadrelay/internal/phone"
)

// Extractor fills missing identity fields from one source. It must only set
// fields that are still empty.
type Extractor struct {
	Name    string
	Extract func(ctx context.Context, p Payload, id *Identity)
}

// Chain is an ordered list of extractors.
type Chain []Extractor

// Resolve runs the extractors in order until the identity is complete. It
// returns the name of the extractor that completed it, or "" if none did.
func (c Chain) Resolve(ctx context.Context, p Payload, id *Identity) string {
	for _, ex := range c {
		if id.Complete() {
			break
		}
		ex.Extract(ctx, p, id)
		if id.Complete() {
			return ex.Name
		}
	}
	return ""
}

func fill(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

func fillPhone(dst *string, v string) {
	if *dst == "" {
		*dst = phone.Normalize(v)
	}
}

// Extractor names.
const (
	ExtractorExplicit   = "explicit"
	ExtractorMetadata   = "metadata"
	ExtractorClientEcho = "client_echo"
	ExtractorPhoneCall  = "phone_call"
	ExtractorNumbers    = "numbers"

	// ExtractorLeadMapping is recorded by the processor when the lead was
	// found through the customer's phone mapping.
	ExtractorLeadMapping = "lead_mapping"
)

// ExplicitFields reads identifiers carried directly by the payload, at the
// top level or under "data".
func ExplicitFields() Extractor {
	return Extractor{
		Name: ExtractorExplicit,
		Extract: func(_ context.Context, p Payload, id *Identity) {
			fill(&id.ConversationID, p.String("conversation_id", "conversationId", "data.conversation_id", "data.conversationId"))
			fill(&id.LeadID, p.String("lead_id", "leadId", "data.lead_id", "data.leadId"))
			fill(&id.Org, p.String("org_id", "organization_id", "data.org_id", "data.organization_id"))
			fillPhone(&id.Phone, p.String("phone", "customer_phone", "phone_number", "data.phone", "data.customer_phone"))
		},
	}
}

// MetadataLookup returns stored conversation metadata.
type MetadataLookup interface {
	GetConversationMeta(ctx context.Context, conversationID string) (conversation.Meta, bool)
}

// StoredMetadata completes the identity from metadata persisted by an
// earlier event of the same conversation.
func StoredMetadata(store MetadataLookup) Extractor {
	return Extractor{
		Name: ExtractorMetadata,
		Extract: func(ctx context.Context, _ Payload, id *Identity) {
			if store == nil || id.ConversationID == "" {
				return
			}
			meta, ok := store.GetConversationMeta(ctx, id.ConversationID)
			if !ok {
				return
			}
			// Metadata from another organization is never merged in.
			if id.Org != "" && meta.Org != id.Org {
				return
			}
			fill(&id.Org, meta.Org)
			fill(&id.LeadID, meta.LeadID)
			fillPhone(&id.Phone, meta.Phone)
		},
	}
}

// ClientEcho recovers identifiers from the client-initiation data the voice
// provider echoes back, which holds the dynamic variables set when the call
// was placed.
func ClientEcho() Extractor {
	const (
		top    = "conversation_initiation_client_data.dynamic_variables."
		nested = "data.conversation_initiation_client_data.dynamic_variables."
	)
	return Extractor{
		Name: ExtractorClientEcho,
		Extract: func(_ context.Context, p Payload, id *Identity) {
			fill(&id.LeadID, p.String(top+"lead_id", nested+"lead_id", top+"leadId", nested+"leadId"))
			fill(&id.Org, p.String(top+"org_id", nested+"org_id", top+"organization_id", nested+"organization_id"))
			fillPhone(&id.Phone, p.String(
				top+"customer_phone", nested+"customer_phone",
				top+"phone", nested+"phone",
				top+"system__caller_id", nested+"system__caller_id",
			))
			fill(&id.ConversationID, p.String(top+"system__conversation_id", nested+"system__conversation_id"))
		},
	}
}

// PhoneCall reads the customer number from the telephony metadata of the
// call.
func PhoneCall() Extractor {
	return Extractor{
		Name: ExtractorPhoneCall,
		Extract: func(_ context.Context, p Payload, id *Identity) {
			fillPhone(&id.Phone, p.String(
				"metadata.phone_call.external_number",
				"data.metadata.phone_call.external_number",
			))
		},
	}
}

// NumberDirectory resolves the organization that owns a dialled number.
type NumberDirectory map[string]string

// Lookup returns the organization for number.
func (d NumberDirectory) Lookup(number string) (string, bool) {
	if len(d) == 0 {
		return "", false
	}
	n := phone.Normalize(number)
	if n == "" {
		return "", false
	}
	if org, ok := d[n]; ok {
		return org, true
	}
	for k, org := range d {
		if phone.Equal(k, n) {
			return org, true
		}
	}
	return "", false
}

// DialledNumber resolves the organization from the business number the
// customer called or texted.
func DialledNumber(dir NumberDirectory) Extractor {
	return Extractor{
		Name: ExtractorNumbers,
		Extract: func(_ context.Context, p Payload, id *Identity) {
			if id.Org != "" {
				return
			}
			number := p.String(
				"To",
				"metadata.phone_call.agent_number",
				"data.metadata.phone_call.agent_number",
			)
			if org, ok := dir.Lookup(number); ok {
				id.Org = org
			}
		},
	}
}

// DefaultChain returns the voice extractor chain: explicit fields, stored
// metadata, client echo, call metadata, dialled number. The dialled number
// runs last so an organization named by the payload always wins.
func DefaultChain(store MetadataLookup, dir NumberDirectory) Chain {
	return Chain{
		ExplicitFields(),
		StoredMetadata(store),
		ClientEcho(),
		PhoneCall(),
		DialledNumber(dir),
	}
}
