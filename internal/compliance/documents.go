// internal/compliance/documents.go
package compliance

import (
	"encoding/json"

	"github.com/Velocidex/ordereddict"
)

// Reason explains a daily compliance verdict.
type Reason string

const (
	ReasonConfigOutOfDate     Reason = "CONFIG_OUT_OF_DATE"
	ReasonOfflineCompliant    Reason = "OFFLINE_COMPLIANT"
	ReasonOfflineNotCompliant Reason = "OFFLINE_NOT_COMPLIANT"
	ReasonAllChecksPassed     Reason = "ALL_CHECKS_PASSED"
	ReasonNotAllChecksPassed  Reason = "NOT_ALL_CHECKS_HAVE_PASSED"
)

// ConfigAgeCheck is the digest key used for the staleness entry.
const ConfigAgeCheck = "config_age"

// DateLayout is the day granularity used in document ids and timestamps.
const DateLayout = "2006-01-02"

// DailyDoc is the per snapshot compliance verdict for a device.
type DailyDoc struct {
	ID              string `json:"id"`
	Date            string `json:"date"`
	DeviceID        string `json:"device_id"`
	BusinessService string `json:"business_service"`
	IsCompliant     bool   `json:"is_compliant"`
	IsOnline        bool   `json:"is_online"`
	Reason          Reason `json:"compliance_reason"`
}

// DetailDoc is the outcome of one rule against one snapshot.
type DetailDoc struct {
	ID              string `json:"id"`
	Vendor          string `json:"vendor"`
	DeviceID        string `json:"device_id"`
	CheckKey        string `json:"check_key"`
	Timestamp       string `json:"timestamp"`
	BusinessService string `json:"business_service"`
	IsCompliant     bool   `json:"is_compliant"`
	Deviation       string `json:"deviation"`
	Remediation     string `json:"remediation,omitempty"`
	Output          string `json:"output"`
	Error           string `json:"error"`
}

// CheckOutcome is one entry of an email digest.
type CheckOutcome struct {
	Output      string `json:"output"`
	IsCompliant bool   `json:"is_compliant"`
}

// EmailDoc is the digest of one snapshot sent in the notification mail.
// Checks maps rule key to CheckOutcome in evaluation order.
type EmailDoc struct {
	DeviceID    string            `json:"device_id"`
	IsCompliant bool              `json:"is_compliant"`
	Checks      *ordereddict.Dict `json:"checks"`
}

func newEmailDoc(deviceID string) *EmailDoc {
	return &EmailDoc{
		DeviceID:    deviceID,
		IsCompliant: true,
		Checks:      ordereddict.NewDict(),
	}
}

func (d *EmailDoc) UnmarshalJSON(data []byte) error {
	type plain EmailDoc
	aux := plain{Checks: ordereddict.NewDict()}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*d = EmailDoc(aux)
	return nil
}

// Outcome returns the digest entry for key. It accepts both freshly built
// digests and ones decoded from JSON.
func (d *EmailDoc) Outcome(key string) (CheckOutcome, bool) {
	if d.Checks == nil {
		return CheckOutcome{}, false
	}
	v, ok := d.Checks.Get(key)
	if !ok {
		return CheckOutcome{}, false
	}
	switch t := v.(type) {
	case CheckOutcome:
		return t, true
	case *ordereddict.Dict:
		out := CheckOutcome{}
		if s, ok := t.Get("output"); ok {
			out.Output, _ = s.(string)
		}
		if b, ok := t.Get("is_compliant"); ok {
			out.IsCompliant, _ = b.(bool)
		}
		return out, true
	case map[string]interface{}:
		out := CheckOutcome{}
		out.Output, _ = t["output"].(string)
		out.IsCompliant, _ = t["is_compliant"].(bool)
		return out, true
	}
	return CheckOutcome{}, false
}

// Entry pairs a rule key with its outcome.
type Entry struct {
	Key string
	CheckOutcome
}

// Entries lists the digest in evaluation order.
func (d *EmailDoc) Entries() []Entry {
	if d.Checks == nil {
		return nil
	}
	entries := make([]Entry, 0, d.Checks.Len())
	for _, key := range d.Checks.Keys() {
		if outcome, ok := d.Outcome(key); ok {
			entries = append(entries, Entry{Key: key, CheckOutcome: outcome})
		}
	}
	return entries
}
