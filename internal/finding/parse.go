package finding

import (
	"bytes"
	"encoding/json"
	"errors"
	"maps"
	"math"
	"slices"
	"strings"
	"time"
)

// GuardDutySource is the only envelope source accepted at ingress.
const GuardDutySource = "aws.guardduty"

type envelope struct {
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
}

type guardDutyDetail struct {
	ID       *string         `json:"id"`
	Severity json.RawMessage `json:"severity"`
	Type     string          `json:"type"`
	Resource map[string]any  `json:"resource"`
}

type nativeFinding struct {
	ID       *string         `json:"id"`
	Severity json.RawMessage `json:"severity"`
	Category string          `json:"category"`
	Subject  *Subject        `json:"subject"`
}

// Parse converts one raw record into a Finding. It accepts an EventBridge
// GuardDuty envelope or the native schema. The raw bytes are preserved
// verbatim in RawPayload. Any problem yields a *ClassificationError.
func Parse(raw []byte) (*Finding, error) {
	raw = bytes.TrimSpace(raw)
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, classify("", "invalid json: %v", err)
	}

	var (
		f   *Finding
		err error
	)
	if _, ok := top["detail"]; ok {
		f, err = parseEnvelope(raw)
	} else {
		f, err = parseNative(raw)
	}
	if err != nil {
		return nil, err
	}

	f.RawPayload = append(json.RawMessage(nil), raw...)
	f.ReceivedAt = time.Now().UTC()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Item is one element of a parsed batch.
type Item struct {
	Finding *Finding
	Err     error
}

// ParseBatch accepts a JSON array of records or a single record. An error is
// returned only when the body itself cannot be decoded; per-record problems
// are reported on each Item.
func ParseBatch(raw []byte) ([]Item, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}

	var records []json.RawMessage
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, err
		}
	} else {
		if !json.Valid(raw) {
			return nil, errors.New("invalid json")
		}
		records = []json.RawMessage{raw}
	}

	items := make([]Item, 0, len(records))
	for _, rec := range records {
		f, err := Parse(rec)
		items = append(items, Item{Finding: f, Err: err})
	}
	return items, nil
}

func parseEnvelope(raw []byte) (*Finding, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, classify("", "invalid envelope: %v", err)
	}
	if env.Source != "" && env.Source != GuardDutySource {
		return nil, classify("", "unsupported source %q", env.Source)
	}
	if len(env.Detail) == 0 || string(env.Detail) == "null" {
		return nil, classify("", "empty detail")
	}

	var d guardDutyDetail
	if err := json.Unmarshal(env.Detail, &d); err != nil {
		return nil, classify("", "invalid detail: %v", err)
	}
	if d.ID == nil || *d.ID == "" {
		return nil, classify("", "missing id")
	}
	id := *d.ID

	sev, err := parseSeverity(id, d.Severity)
	if err != nil {
		return nil, err
	}

	subj, err := subjectFromResource(id, d.Resource)
	if err != nil {
		return nil, err
	}

	return &Finding{
		ID:       id,
		Severity: sev,
		Category: d.Type,
		Subject:  subj,
		Source:   GuardDutySource,
	}, nil
}

func parseNative(raw []byte) (*Finding, error) {
	var n nativeFinding
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, classify("", "invalid finding: %v", err)
	}
	if n.ID == nil || *n.ID == "" {
		return nil, classify("", "missing id")
	}
	id := *n.ID

	sev, err := parseSeverity(id, n.Severity)
	if err != nil {
		return nil, err
	}
	if n.Subject == nil {
		return nil, classify(id, "missing subject")
	}

	return &Finding{
		ID:       id,
		Severity: sev,
		Category: n.Category,
		Subject:  Subject{Type: strings.ToLower(n.Subject.Type), ID: n.Subject.ID},
	}, nil
}

// parseSeverity requires a JSON number. Range checks are left to the gate so
// that out-of-range scores are reported as gate classification errors.
func parseSeverity(id string, raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, classify(id, "missing severity")
	}
	var sev float64
	if err := json.Unmarshal(raw, &sev); err != nil {
		return 0, classify(id, "severity is not a number: %s", string(raw))
	}
	if math.IsNaN(sev) || math.IsInf(sev, 0) {
		return 0, classify(id, "severity is not finite")
	}
	return sev, nil
}

func subjectFromResource(id string, res map[string]any) (Subject, error) {
	if len(res) == 0 {
		return Subject{}, classify(id, "missing resource")
	}
	rt, _ := res["resourceType"].(string)
	if rt == "" {
		return Subject{}, classify(id, "missing resource type")
	}

	var s Subject
	switch rt {
	case "Instance":
		s = Subject{Type: SubjectInstance, ID: nestedString(res, "instanceDetails", "instanceId")}
	case "S3Bucket":
		s = Subject{Type: SubjectS3Bucket, ID: bucketName(res)}
	case "AccessKey":
		s = Subject{Type: SubjectAccessKey, ID: nestedString(res, "accessKeyDetails", "accessKeyId")}
	default:
		s = Subject{Type: strings.ToLower(rt), ID: detailsIdentifier(res)}
	}
	if s.ID == "" {
		return Subject{}, classify(id, "no identifier for resource type %q", rt)
	}
	return s, nil
}

// genericIDFields are tried in order on the first *Details object of a
// resource type without a dedicated mapping.
var genericIDFields = []string{"id", "name", "arn"}

// detailsIdentifier finds an identifier for resource types GuardDuty adds
// after this mapping was written, e.g. eksClusterDetails.name or
// lambdaDetails.functionArn. Keys are visited in sorted order so the result
// is stable.
func detailsIdentifier(res map[string]any) string {
	for _, key := range slices.Sorted(maps.Keys(res)) {
		if !strings.HasSuffix(key, "Details") {
			continue
		}
		d, ok := res[key].(map[string]any)
		if !ok {
			continue
		}
		for _, f := range genericIDFields {
			if v, _ := d[f].(string); v != "" {
				return v
			}
		}
		for _, suffix := range []string{"Id", "Name", "Arn"} {
			for _, f := range slices.Sorted(maps.Keys(d)) {
				if !strings.HasSuffix(f, suffix) {
					continue
				}
				if v, _ := d[f].(string); v != "" {
					return v
				}
			}
		}
		return ""
	}
	return ""
}

func nestedString(m map[string]any, key, field string) string {
	inner, ok := m[key].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := inner[field].(string)
	return v
}

// bucketName handles both the object form and the list form GuardDuty uses
// for s3BucketDetails.
func bucketName(res map[string]any) string {
	switch d := res["s3BucketDetails"].(type) {
	case map[string]any:
		if v, _ := d["bucketName"].(string); v != "" {
			return v
		}
		v, _ := d["name"].(string)
		return v
	case []any:
		if len(d) == 0 {
			return ""
		}
		first, ok := d[0].(map[string]any)
		if !ok {
			return ""
		}
		if v, _ := first["name"].(string); v != "" {
			return v
		}
		v, _ := first["bucketName"].(string)
		return v
	}
	return ""
}
