package triage

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// FailureKind is the class of failure a detail reports.
type FailureKind string

// Supported failure kinds.
const (
	KindCrash     FailureKind = "crash"
	KindAssertion FailureKind = "assertion"
	KindValgrind  FailureKind = "valgrind"
)

// DetailType is the "type" value of a failure detail of this kind.
func (k FailureKind) DetailType() string {
	return "result_" + string(k)
}

// HistoryType is the "type" value of a history record of this kind.
func (k FailureKind) HistoryType() string {
	return "history_" + string(k)
}

// KindFromType maps a result_* or history_* type back to its kind.
func KindFromType(recordType string) (FailureKind, bool) {
	name := strings.TrimPrefix(strings.TrimPrefix(recordType, "result_"), "history_")
	switch FailureKind(name) {
	case KindCrash, KindAssertion, KindValgrind:
		return FailureKind(name), name != recordType
	default:
		return "", false
	}
}

// Messages carries the kind-specific fingerprint fields. Only the pair that
// matches the record's kind is meaningful.
type Messages struct {
	Crash             string `json:"crash,omitempty"`
	CrashSignature    string `json:"crash_signature,omitempty"`
	Assertion         string `json:"assertion,omitempty"`
	AssertionFile     string `json:"assertion_file,omitempty"`
	Valgrind          string `json:"valgrind,omitempty"`
	ValgrindSignature string `json:"valgrind_signature,omitempty"`
}

// Pair returns the (message, secondary) fields for kind.
func (m Messages) Pair(kind FailureKind) (string, string) {
	switch kind {
	case KindCrash:
		return m.Crash, m.CrashSignature
	case KindAssertion:
		return m.Assertion, m.AssertionFile
	case KindValgrind:
		return m.Valgrind, m.ValgrindSignature
	default:
		return "", ""
	}
}

// messagesFor keeps only the fields relevant to kind.
func messagesFor(kind FailureKind, message, secondary string) Messages {
	switch kind {
	case KindCrash:
		return Messages{Crash: message, CrashSignature: secondary}
	case KindAssertion:
		return Messages{Assertion: message, AssertionFile: secondary}
	case KindValgrind:
		return Messages{Valgrind: message, ValgrindSignature: secondary}
	default:
		return Messages{}
	}
}

func (m Messages) validate(kind FailureKind) error {
	message, secondary := m.Pair(kind)
	switch kind {
	case KindCrash:
		if strings.TrimSpace(secondary) == "" {
			return invalid("crash_signature is required")
		}
	case KindAssertion:
		if strings.TrimSpace(message) == "" {
			return invalid("assertion is required")
		}
	case KindValgrind:
		if strings.TrimSpace(message) == "" || strings.TrimSpace(secondary) == "" {
			return invalid("valgrind and valgrind_signature are required")
		}
	}
	return nil
}

// FailureDetail is one crash, assertion, or valgrind report attached to a run.
type FailureDetail struct {
	ID         string `json:"id,omitempty"`
	Type       string `json:"type"`
	ResultID   string `json:"result_id"`
	LocationID string `json:"location_id"`
	Messages
	Environment
	Timestamp time.Time `json:"datetime"`
}

// NewFailureDetail builds a validated detail of the given kind.
func NewFailureDetail(
	kind FailureKind,
	resultID string,
	locationID string,
	message string,
	secondary string,
	env Environment,
	at time.Time,
) (FailureDetail, error) {
	d := FailureDetail{
		Type:        kind.DetailType(),
		ResultID:    resultID,
		LocationID:  locationID,
		Messages:    messagesFor(kind, message, secondary),
		Environment: env,
		Timestamp:   at,
	}
	if err := d.Validate(); err != nil {
		return FailureDetail{}, err
	}
	return d, nil
}

// Kind resolves the detail's failure kind from its type.
func (d FailureDetail) Kind() (FailureKind, error) {
	kind, ok := KindFromType(d.Type)
	if !ok || d.Type != kind.DetailType() {
		return "", invalid("unknown detail type %q", d.Type)
	}
	return kind, nil
}

// Validate enforces the required fields for the detail's kind.
func (d FailureDetail) Validate() error {
	kind, err := d.Kind()
	if err != nil {
		return err
	}
	if strings.TrimSpace(d.ResultID) == "" {
		return invalid("%s: result_id is required", d.Type)
	}
	if strings.TrimSpace(d.LocationID) == "" {
		return invalid("%s: location_id is required", d.Type)
	}
	if err := d.Messages.validate(kind); err != nil {
		return fmt.Errorf("%s: %w", d.Type, err)
	}
	if err := d.Environment.Validate(); err != nil {
		return fmt.Errorf("%s: %w", d.Type, err)
	}
	if d.Timestamp.IsZero() {
		return invalid("%s: datetime is required", d.Type)
	}
	return nil
}

// Fingerprint extracts the identity of the failure this detail reports.
func (d FailureDetail) Fingerprint() (Fingerprint, error) {
	kind, err := d.Kind()
	if err != nil {
		return Fingerprint{}, err
	}
	message, secondary := d.Messages.Pair(kind)
	return Fingerprint{Kind: kind, Message: message, Secondary: secondary, Environment: d.Environment}, nil
}

// Fingerprint identifies one distinct, recurring failure.
type Fingerprint struct {
	Kind      FailureKind
	Message   string
	Secondary string
	Environment
}

const fingerprintSeparator = "\x1f"

// Canonical is the stable byte encoding hashed into the history key.
func (f Fingerprint) Canonical() []byte {
	return []byte(strings.Join([]string{
		string(f.Kind),
		f.Message,
		f.Secondary,
		f.Product,
		f.Branch,
		f.BuildType,
		f.OSName,
		f.OSVersion,
		f.CPUName,
	}, fingerprintSeparator))
}

// Key derives the history record id for this fingerprint.
func (f Fingerprint) Key(hasher Hasher) (string, error) {
	digest, err := hasher.Hash(f.Canonical())
	if err != nil {
		return "", fmt.Errorf("hash fingerprint: %w", err)
	}
	return f.Kind.HistoryType() + ":" + digest, nil
}

// HistoryRecord aggregates every failure detail sharing one fingerprint.
type HistoryRecord struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Messages
	Environment
	FirstSeen  time.Time `json:"firstdatetime"`
	LastSeen   time.Time `json:"lastdatetime"`
	Locations  []string  `json:"location_id_list"`
	BugList    *BugList  `json:"bug_list,omitempty"`
	Suppressed bool      `json:"suppressed"`
	Revision   int64     `json:"revision"`
}

// Kind resolves the record's failure kind.
func (r HistoryRecord) Kind() (FailureKind, error) {
	kind, ok := KindFromType(r.Type)
	if !ok || r.Type != kind.HistoryType() {
		return "", invalid("unknown history type %q", r.Type)
	}
	return kind, nil
}

// Fingerprint rebuilds the fingerprint the record was keyed on.
func (r HistoryRecord) Fingerprint() (Fingerprint, error) {
	kind, err := r.Kind()
	if err != nil {
		return Fingerprint{}, err
	}
	message, secondary := r.Messages.Pair(kind)
	return Fingerprint{Kind: kind, Message: message, Secondary: secondary, Environment: r.Environment}, nil
}

// Clone returns a deep copy.
func (r HistoryRecord) Clone() HistoryRecord {
	cp := r
	cp.Locations = slices.Clone(r.Locations)
	cp.BugList = r.BugList.Clone()
	return cp
}

// HistoryFilter narrows history listings; empty fields match anything.
type HistoryFilter struct {
	Kind      FailureKind
	Product   string
	Branch    string
	BuildType string
	OSName    string
	OSVersion string
	CPUName   string
	Limit     int
}

// Matches reports whether rec satisfies every set field.
func (f HistoryFilter) Matches(rec HistoryRecord) bool {
	if f.Kind != "" && rec.Type != f.Kind.HistoryType() {
		return false
	}
	checks := [][2]string{
		{f.Product, rec.Product},
		{f.Branch, rec.Branch},
		{f.BuildType, rec.BuildType},
		{f.OSName, rec.OSName},
		{f.OSVersion, rec.OSVersion},
		{f.CPUName, rec.CPUName},
	}
	for _, c := range checks {
		if c[0] != "" && c[0] != c[1] {
			return false
		}
	}
	return true
}
