package event

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Wire keys of the envelope fields. Everything else lives in Payload.Data.
const (
	KeyProject          = "project"
	KeyEventID          = "event_id"
	KeyPlatform         = "platform"
	KeyType             = "type"
	KeyTimestamp        = "timestamp"
	KeyMetrics          = "_metrics"
	KeyProcessingIssues = "processing_issues"
)

// Processing flags recorded under _metrics.
const (
	FlagProcessingError = "flag.processing.error"
	FlagProcessingFatal = "flag.processing.fatal"
)

const TypeTransaction = "transaction"

// Payload is one event travelling through the pipeline. The fields the pipeline
// inspects are typed; the long tail of platform specific data stays in Data.
type Payload struct {
	ProjectID int64
	EventID   string
	Platform  string
	Type      string
	Timestamp float64
	Metrics   map[string]any
	Data      map[string]any
}

// ProcessingIssue describes one blocking problem found while processing, e.g. a
// missing debug file.
type ProcessingIssue struct {
	Scope  string         `json:"scope"`
	Object string         `json:"object"`
	Type   string         `json:"type"`
	Data   map[string]any `json:"data,omitempty"`
}

// SetFlag sets a boolean processing flag in _metrics.
func (p *Payload) SetFlag(name string) {
	if p.Metrics == nil {
		p.Metrics = make(map[string]any)
	}
	p.Metrics[name] = true
}

func (p *Payload) HasFlag(name string) bool {
	v, ok := p.Metrics[name].(bool)
	return ok && v
}

// MarkFatal records that processing failed irrecoverably. The event is still saved.
func (p *Payload) MarkFatal() {
	p.SetFlag(FlagProcessingError)
	p.SetFlag(FlagProcessingFatal)
}

// IsEmpty reports whether the payload carries no event at all. Reprocessing can
// hand the save stage an empty payload when the raw event was deleted concurrently.
func (p *Payload) IsEmpty() bool {
	return p == nil || (p.EventID == "" && p.ProjectID == 0 && len(p.Data) == 0)
}

// ProcessingIssues returns the issues surfaced by processing, ordered by key.
func (p *Payload) ProcessingIssues() []ProcessingIssue {
	raw, ok := p.Data[KeyProcessingIssues].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	issues := make([]ProcessingIssue, 0, len(keys))
	for _, k := range keys {
		m, ok := raw[k].(map[string]any)
		if !ok {
			continue
		}
		issue := ProcessingIssue{
			Scope:  stringOf(m["scope"]),
			Object: stringOf(m["object"]),
			Type:   stringOf(m["type"]),
		}
		if d, ok := m["data"].(map[string]any); ok {
			issue.Data = d
		}
		issues = append(issues, issue)
	}
	return issues
}

// AddProcessingIssue records an issue under "scope:object".
func (p *Payload) AddProcessingIssue(issue ProcessingIssue) {
	if p.Data == nil {
		p.Data = make(map[string]any)
	}
	raw, ok := p.Data[KeyProcessingIssues].(map[string]any)
	if !ok {
		raw = make(map[string]any)
		p.Data[KeyProcessingIssues] = raw
	}
	entry := map[string]any{
		"scope":  issue.Scope,
		"object": issue.Object,
		"type":   issue.Type,
	}
	if issue.Data != nil {
		entry["data"] = issue.Data
	}
	raw[issue.Scope+":"+issue.Object] = entry
}

// IsReprocessed reports whether the event is the product of a reprocessing pass.
func (p *Payload) IsReprocessed() bool {
	contexts, ok := p.Data["contexts"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = contexts["reprocessing"].(map[string]any)
	return ok
}

// Clone returns a deep copy. Used to keep a pristine snapshot before stages mutate
// the payload.
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	c := *p
	c.Metrics = cloneMap(p.Metrics)
	c.Data = cloneMap(p.Data)
	return &c
}

// ToMap flattens the payload into its wire shape.
func (p *Payload) ToMap() map[string]any {
	m := make(map[string]any, len(p.Data)+6)
	for k, v := range p.Data {
		m[k] = v
	}
	m[KeyProject] = p.ProjectID
	m[KeyEventID] = p.EventID
	if p.Platform != "" {
		m[KeyPlatform] = p.Platform
	}
	if p.Type != "" {
		m[KeyType] = p.Type
	}
	if p.Timestamp != 0 {
		m[KeyTimestamp] = p.Timestamp
	}
	if len(p.Metrics) > 0 {
		m[KeyMetrics] = p.Metrics
	}
	return m
}

// FromMap builds a payload from its wire shape. The map is consumed.
func FromMap(m map[string]any) (*Payload, error) {
	p := &Payload{}

	if raw, ok := m[KeyProject]; ok {
		id, err := int64Of(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", KeyProject, err)
		}
		p.ProjectID = id
	}
	p.EventID = stringOf(m[KeyEventID])
	p.Platform = stringOf(m[KeyPlatform])
	p.Type = stringOf(m[KeyType])

	if raw, ok := m[KeyTimestamp]; ok && raw != nil {
		ts, err := float64Of(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", KeyTimestamp, err)
		}
		p.Timestamp = ts
	}
	if metrics, ok := m[KeyMetrics].(map[string]any); ok {
		p.Metrics = metrics
	}

	for _, k := range []string{KeyProject, KeyEventID, KeyPlatform, KeyType, KeyTimestamp, KeyMetrics} {
		delete(m, k)
	}
	p.Data = m

	return p, nil
}

func (p *Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.ToMap())
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	parsed, err := FromMap(m)
	if err != nil {
		return err
	}
	*p = *parsed
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		out := make([]byte, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

func stringOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func int64Of(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", t)
		}
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("value %v is not an integer", t)
		}
		return int64(t), nil
	case json.Number:
		return t.Int64()
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func float64Of(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
