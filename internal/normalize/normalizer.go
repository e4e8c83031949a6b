// Package normalize turns raw upstream pages into flat records with a stable
// field set. It performs no I/O.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gridsync/internal/domain"
	"gridsync/internal/util"
)

// MalformedRecordError describes a record excluded from a page.
type MalformedRecordError struct {
	Window domain.SourceWindow
	// Index is the record position in the page, or -1 for the whole page.
	Index  int
	Reason string
	Raw    string
}

func (e *MalformedRecordError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: malformed page: %s", e.Window, e.Reason)
	}
	return fmt.Sprintf("%s: malformed record %d: %s", e.Window, e.Index, e.Reason)
}

// envelopeKeys hold the record array, checked in order.
var envelopeKeys = []string{"data", "results", "items", "records"}

// metaKeys appear alongside records in an envelope and never on a record.
var metaKeys = map[string]bool{
	"next": true, "nextPageToken": true, "meta": true, "metadata": true,
	"links": true, "totalRecords": true, "total": true,
}

// Normalizer converts pages for one dataset.
type Normalizer struct {
	ds         domain.Dataset
	timeFields map[string]bool
	keyFields  map[string]bool
}

// New creates a Normalizer for ds.
func New(ds domain.Dataset) *Normalizer {
	n := &Normalizer{
		ds:         ds,
		timeFields: make(map[string]bool),
		keyFields:  make(map[string]bool),
	}
	for _, f := range ds.TimeFields {
		n.timeFields[f] = true
	}
	if ds.TimeField != "" {
		n.timeFields[ds.TimeField] = true
	}
	for _, f := range ds.KeyFields {
		n.keyFields[f] = true
	}
	return n
}

// Normalize returns the page's records in page order plus the records it
// had to quarantine. When two records in the page share an identity the
// later one replaces the earlier one in the earlier one's position.
func (n *Normalizer) Normalize(page domain.RawPage) ([]domain.NormalizedRecord, []*MalformedRecordError) {
	items, err := extract(page.Body)
	if err != nil {
		return nil, []*MalformedRecordError{{
			Window: page.Window, Index: -1, Reason: err.Error(), Raw: truncate(string(page.Body)),
		}}
	}

	var (
		out         []domain.NormalizedRecord
		quarantined []*MalformedRecordError
		seen        = make(map[string]int)
	)
	for i, item := range items {
		rec, err := n.record(item)
		if err != nil {
			raw, _ := json.Marshal(item)
			quarantined = append(quarantined, &MalformedRecordError{
				Window: page.Window, Index: i, Reason: err.Error(), Raw: truncate(string(raw)),
			})
			continue
		}

		id := identity(rec, n.ds.IncludeRevision)
		if j, ok := seen[id]; ok {
			out[j] = rec
			continue
		}
		seen[id] = len(out)
		out = append(out, rec)
	}
	return out, quarantined
}

// record builds one NormalizedRecord from a decoded item.
func (n *Normalizer) record(item any) (domain.NormalizedRecord, error) {
	obj, ok := item.(map[string]any)
	if !ok {
		return domain.NormalizedRecord{}, fmt.Errorf("record is %T, not an object", item)
	}
	flat := make(map[string]any, len(obj))
	flatten("", obj, flat)

	observed, err := n.observedAt(flat)
	if err != nil {
		return domain.NormalizedRecord{}, err
	}

	rec := domain.NormalizedRecord{
		DatasetID:  n.ds.ID,
		KeyOrder:   n.ds.KeyFields,
		NaturalKey: make(map[string]string, len(n.ds.KeyFields)),
		ObservedAt: observed,
	}

	for _, k := range n.ds.KeyFields {
		v, ok := flat[k]
		if !ok || v == nil {
			return domain.NormalizedRecord{}, fmt.Errorf("missing key field %q", k)
		}
		s := n.scalarString(k, v)
		if s == "" {
			return domain.NormalizedRecord{}, fmt.Errorf("empty key field %q", k)
		}
		rec.NaturalKey[k] = s
	}

	if f := n.ds.RevisionField; f != "" {
		if v, ok := flat[f]; ok && v != nil {
			rec.Revision = n.scalarString(f, v)
		}
		if n.ds.IncludeRevision && rec.Revision == "" {
			return domain.NormalizedRecord{}, fmt.Errorf("missing revision field %q", f)
		}
	}

	rec.Payload = n.payload(flat)
	return rec, nil
}

func (n *Normalizer) observedAt(flat map[string]any) (time.Time, error) {
	if f := n.ds.TimeField; f != "" {
		t, err := ParseTime(flat[f])
		if err != nil {
			return time.Time{}, fmt.Errorf("observed-at field %q: %w", f, err)
		}
		return t, nil
	}

	dateField, periodField := n.ds.SettlementDateField, n.ds.SettlementPeriodField
	date, ok := flat[dateField].(string)
	if !ok {
		return time.Time{}, fmt.Errorf("settlement date field %q missing", dateField)
	}
	if t, isDate, err := parseString(date); err == nil && isDate {
		date = t.Format("2006-01-02")
	}
	period, err := strconv.Atoi(strings.TrimSpace(scalar(flat[periodField])))
	if err != nil {
		return time.Time{}, fmt.Errorf("settlement period field %q: %v", periodField, flat[periodField])
	}
	return util.SettlementPeriodStart(date, period)
}

// payload returns every non-key field, or exactly the configured field set
// with nil for missing fields.
func (n *Normalizer) payload(flat map[string]any) map[string]any {
	out := make(map[string]any)
	if len(n.ds.Fields) > 0 {
		for _, f := range n.ds.Fields {
			v, ok := flat[f]
			if !ok {
				out[f] = nil
				continue
			}
			out[f] = n.canonicalValue(f, v)
		}
		return out
	}
	for k, v := range flat {
		if n.keyFields[k] {
			continue
		}
		out[k] = n.canonicalValue(k, v)
	}
	return out
}

// canonicalValue rewrites timestamp values. Configured time fields accept
// any spelling including unix numbers; other time-looking keys are only
// rewritten when they hold a parseable string.
func (n *Normalizer) canonicalValue(key string, v any) any {
	if n.timeFields[key] {
		if t, err := ParseTime(v); err == nil {
			if s, ok := v.(string); ok {
				if c, ok := canonicalString(s, true); ok {
					return c
				}
			}
			return CanonicalTime(t)
		}
		return v
	}
	if s, ok := v.(string); ok && looksLikeTime(key) {
		if c, ok := canonicalString(s, false); ok {
			return c
		}
	}
	return v
}

func (n *Normalizer) scalarString(key string, v any) string {
	if c, ok := n.canonicalValue(key, v).(string); ok {
		return strings.TrimSpace(c)
	}
	return scalar(v)
}

func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

// identity is the in-page duplicate key: the ordered natural key plus the
// revision when revisions are distinct records.
func identity(rec domain.NormalizedRecord, includeRevision bool) string {
	var b strings.Builder
	for _, k := range rec.KeyOrder {
		b.WriteString(rec.NaturalKey[k])
		b.WriteByte(0x1f)
	}
	if includeRevision {
		b.WriteString(rec.Revision)
	}
	return b.String()
}

// extract finds the record array in a body. Accepted shapes: {"data":[..]},
// {"data":{"data":[..]}}, {"results":[..]}, {"items":[..]}, a bare array,
// or a single record object. An empty body has no records.
func extract(body []byte) ([]any, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding body: %w", err)
	}
	return unwrap(v, 0)
}

func unwrap(v any, depth int) ([]any, error) {
	if depth > 4 {
		return nil, fmt.Errorf("envelope nested too deeply")
	}
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return x, nil
	case map[string]any:
		for _, k := range envelopeKeys {
			if inner, ok := x[k]; ok {
				return unwrap(inner, depth+1)
			}
		}
		onlyMeta := true
		for k := range x {
			if !metaKeys[k] {
				onlyMeta = false
				break
			}
		}
		if onlyMeta {
			return nil, nil
		}
		return []any{x}, nil
	default:
		return nil, fmt.Errorf("body is a %T, not an object or array", v)
	}
}

// flatten copies nested objects into dst with dotted keys. Arrays are kept
// as values.
func flatten(prefix string, src map[string]any, dst map[string]any) {
	for k, v := range src {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if m, ok := v.(map[string]any); ok {
			flatten(key, m, dst)
			continue
		}
		dst[key] = v
	}
}

func truncate(s string) string {
	if len(s) > 512 {
		return s[:512] + "..."
	}
	return s
}
