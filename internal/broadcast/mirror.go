package broadcast

import (
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/leadrelay/internal/sanitize"
)

// DefaultSubjectPrefix is the root of mirrored frame subjects.
const DefaultSubjectPrefix = "leadrelay.events"

// Mirror publishes broadcast frames on NATS so other services, such as
// analytics consumers or other leadrelay instances, can follow the stream.
//
// Subjects have the form <prefix>.<o-org|global>.<l-lead|all>.<type>, so a
// consumer can subscribe to "leadrelay.events.o-orgA.>" for one organization.
type Mirror struct {
	nc     *nats.Conn
	prefix string
}

// NewMirror creates a mirror publishing under prefix.
func NewMirror(nc *nats.Conn, prefix string) *Mirror {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Mirror{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject f is published on.
func (m *Mirror) Subject(f Frame) string {
	org := "global"
	if f.Org != "" {
		org = "o-" + sanitize.Segment(f.Org)
	}
	lead := "all"
	if f.LeadID != "" {
		lead = "l-" + sanitize.Segment(f.LeadID)
	}
	return m.prefix + "." + org + "." + lead + "." + sanitize.Segment(f.Type)
}

// PublishFrame implements Publisher.
func (m *Mirror) PublishFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return m.nc.Publish(m.Subject(f), data)
}
