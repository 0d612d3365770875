package op

import (
	"sort"
	"strings"
	"testing"
	"time"
)

func validOperation() *Operation {
	return &Operation{
		ID:           NewID(),
		Method:       MethodCreate,
		Target:       "/api/sales/",
		Payload:      []byte(`{"total":120}`),
		EnqueuedAt:   time.Now().UTC(),
		Priority:     PriorityNormal,
		AttemptLimit: 3,
	}
}

func TestValidate_Success(t *testing.T) {
	o := validOperation()
	if err := o.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
}

func TestValidate_MissingFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Operation)
	}{
		{"missing id", func(o *Operation) { o.ID = "" }},
		{"missing method", func(o *Operation) { o.Method = "" }},
		{"unknown method", func(o *Operation) { o.Method = "UPSERT" }},
		{"missing target", func(o *Operation) { o.Target = "" }},
		{"priority too high", func(o *Operation) { o.Priority = Priority(7) }},
		{"priority negative", func(o *Operation) { o.Priority = Priority(-1) }},
		{"zero attempt limit", func(o *Operation) { o.AttemptLimit = 0 }},
		{"attempts over limit", func(o *Operation) { o.Attempts = 4 }},
		{"zero enqueued_at", func(o *Operation) { o.EnqueuedAt = time.Time{} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := validOperation()
			tc.mutate(o)
			if err := o.Validate(); err == nil {
				t.Errorf("Validate() succeeded, want error")
			}
		})
	}
}

func TestSetDefaults(t *testing.T) {
	o := &Operation{Method: MethodDelete, Target: "/api/products/7/"}
	o.SetDefaults()

	if o.ID == "" {
		t.Error("SetDefaults() did not assign an id")
	}
	if o.EnqueuedAt.IsZero() {
		t.Error("SetDefaults() did not set enqueued_at")
	}
	if o.AttemptLimit != DefaultAttemptLimit {
		t.Errorf("AttemptLimit = %d, want %d", o.AttemptLimit, DefaultAttemptLimit)
	}
	if err := o.Validate(); err != nil {
		t.Errorf("Validate() after SetDefaults() failed: %v", err)
	}
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestNewID_MonotonicPrefix(t *testing.T) {
	first := NewID()
	time.Sleep(2 * time.Millisecond)
	second := NewID()

	prefix := func(id string) string { return id[:strings.IndexByte(id, '-')] }
	ids := []string{prefix(second), prefix(first)}
	sort.Strings(ids)

	// Same-width base36 timestamps sort lexically in time order.
	if ids[0] != prefix(first) {
		t.Errorf("id prefixes not time-ordered: %s then %s", first, second)
	}
}

func TestParsePriority(t *testing.T) {
	cases := []struct {
		in   string
		want Priority
	}{
		{"critical", PriorityCritical},
		{"HIGH", PriorityHigh},
		{"normal", PriorityNormal},
		{"low", PriorityLow},
		{"0", PriorityCritical},
		{"3", PriorityLow},
		{"", PriorityNormal},
	}
	for _, tc := range cases {
		got, err := ParsePriority(tc.in)
		if err != nil {
			t.Errorf("ParsePriority(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("ParsePriority(urgent) succeeded, want error")
	}
}

func TestHTTPVerb(t *testing.T) {
	cases := map[Method]string{
		MethodCreate: "POST",
		MethodUpdate: "PUT",
		MethodPatch:  "PATCH",
		MethodDelete: "DELETE",
	}
	for m, want := range cases {
		got, err := m.HTTPVerb()
		if err != nil {
			t.Errorf("HTTPVerb(%s) failed: %v", m, err)
			continue
		}
		if got != want {
			t.Errorf("HTTPVerb(%s) = %s, want %s", m, got, want)
		}
	}

	if _, err := Method("MERGE").HTTPVerb(); err == nil {
		t.Error("HTTPVerb(MERGE) succeeded, want error")
	}
}
