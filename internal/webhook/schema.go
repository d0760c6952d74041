package webhook

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	schemaSMSInbound = "sms_inbound.json"
	schemaSMSStatus  = "sms_status.json"
	schemaVoice      = "voice_event.json"
	schemaPostCall   = "post_call.json"
)

var schemaSources = map[string]string{
	schemaSMSInbound: `{
		"type": "object",
		"required": ["From", "Body"],
		"properties": {
			"From": {"type": "string", "minLength": 1},
			"To": {"type": "string"},
			"Body": {"type": "string"},
			"MessageSid": {"type": "string"}
		}
	}`,
	schemaSMSStatus: `{
		"type": "object",
		"required": ["MessageSid", "MessageStatus"],
		"properties": {
			"MessageSid": {"type": "string", "minLength": 1},
			"MessageStatus": {
				"enum": ["accepted", "queued", "sending", "sent", "delivered", "undelivered", "failed", "receiving", "received", "read", "canceled"]
			}
		}
	}`,
	schemaVoice: `{
		"type": "object",
		"anyOf": [
			{"required": ["type"], "properties": {"type": {"type": "string", "minLength": 1}}},
			{"required": ["event_type"], "properties": {"event_type": {"type": "string", "minLength": 1}}}
		]
	}`,
	schemaPostCall: `{
		"type": "object",
		"required": ["data"],
		"properties": {
			"data": {
				"type": "object",
				"required": ["conversation_id"],
				"properties": {
					"conversation_id": {"type": "string", "minLength": 1},
					"transcript": {"type": "array", "items": {"type": "object"}},
					"analysis": {"type": "object"}
				}
			}
		}
	}`,
}

// schemas holds the compiled payload schemas.
type schemas map[string]*jsonschema.Schema

func compileSchemas() (schemas, error) {
	c := jsonschema.NewCompiler()
	for name, src := range schemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parsing schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("adding schema %s: %w", name, err)
		}
	}
	out := make(schemas, len(schemaSources))
	for name := range schemaSources {
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compiling schema %s: %w", name, err)
		}
		out[name] = sch
	}
	return out, nil
}

// validate checks a decoded payload against the named schema.
func (s schemas) validate(name string, p Payload) error {
	sch, ok := s[name]
	if !ok {
		return nil
	}
	if err := sch.Validate(p.Map()); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, causes(err.Error()))
	}
	return nil
}

// causes drops the schema URL header of a validation error and joins the
// remaining cause lines.
func causes(msg string) string {
	lines := strings.Split(msg, "\n")
	var out []string
	for _, line := range lines[1:] {
		if line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- ")); line != "" {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		return lines[0]
	}
	return strings.Join(out, "; ")
}
