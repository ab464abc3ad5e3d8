package domain //nolint:testpackage // Need access to unexported validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDomain(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Domain
		wantErr bool
	}{
		{name: "exact", input: "urgency", want: DomainUrgency},
		{name: "mixed case and spaces", input: "  Therapeutic ", want: DomainTherapeutic},
		{name: "redressal", input: "REDRESSAL", want: DomainRedressal},
		{name: "unknown", input: "sentiment", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDomain(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidDomain)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDomain_Kind(t *testing.T) {
	assert.Equal(t, KindSingle, DomainUrgency.Kind())
	assert.Equal(t, KindSingle, DomainIntensity.Kind())
	assert.Equal(t, KindMulti, DomainTherapeutic.Kind())
	assert.Equal(t, KindMulti, DomainAdjunct.Kind())
	assert.Equal(t, KindMulti, DomainModality.Kind())
	assert.Equal(t, KindStructured, DomainRedressal.Kind())
	assert.Len(t, AllDomains(), 6)
	for _, d := range AllDomains() {
		assert.True(t, d.Valid(), d)
	}
}

func TestParseAnnotatorID(t *testing.T) {
	id, err := ParseAnnotatorID("3")
	require.NoError(t, err)
	assert.Equal(t, AnnotatorID(3), id)

	for _, in := range []string{"0", "6", "-1", "x", ""} {
		_, err := ParseAnnotatorID(in)
		assert.ErrorIs(t, err, ErrInvalidAnnotator, in)
	}
	assert.Len(t, AllAnnotators(), 5)
}

// TestWorkerKey validates naming and parsing of worker keys, which address
// queues, durable files, and completion sets.
func TestWorkerKey(t *testing.T) {
	k, err := NewWorkerKey(1, DomainUrgency)
	require.NoError(t, err)
	assert.Equal(t, "1_urgency", k.String())
	assert.Equal(t, "annotator_1_urgency", k.QueueName())

	parsed, err := ParseWorkerKey("annotator_1_urgency")
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	parsed, err = ParseWorkerKey("5_redressal")
	require.NoError(t, err)
	assert.Equal(t, WorkerKey{AnnotatorID: 5, Domain: DomainRedressal}, parsed)

	_, err = ParseWorkerKey("nounderscore")
	require.ErrorIs(t, err, ErrInvalidWorkerKey)
	_, err = NewWorkerKey(9, DomainUrgency)
	require.ErrorIs(t, err, ErrInvalidAnnotator)
	_, err = NewWorkerKey(1, "sleep")
	require.ErrorIs(t, err, ErrInvalidDomain)
}

func TestAllWorkerKeys(t *testing.T) {
	keys := AllWorkerKeys(nil, nil)
	assert.Len(t, keys, 30)
	assert.Equal(t, WorkerKey{AnnotatorID: 1, Domain: DomainUrgency}, keys[0])
	assert.Equal(t, WorkerKey{AnnotatorID: 5, Domain: DomainRedressal}, keys[29])

	keys = AllWorkerKeys([]AnnotatorID{2}, []Domain{DomainModality})
	assert.Equal(t, []WorkerKey{{AnnotatorID: 2, Domain: DomainModality}}, keys)
}

func TestUnitOfWork_Validate(t *testing.T) {
	valid := UnitOfWork{AnnotatorID: 1, Domain: DomainUrgency, SampleID: "MH-0001", Text: "I feel hopeless"}
	require.NoError(t, valid.Validate())
	assert.Equal(t, "1_urgency/MH-0001", valid.String())

	tests := []struct {
		name   string
		modify func(*UnitOfWork)
	}{
		{name: "empty sample", modify: func(u *UnitOfWork) { u.SampleID = "  " }},
		{name: "bad annotator", modify: func(u *UnitOfWork) { u.AnnotatorID = 0 }},
		{name: "bad domain", modify: func(u *UnitOfWork) { u.Domain = "mood" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := valid
			tt.modify(&u)
			assert.ErrorIs(t, u.Validate(), ErrInvalidUnit)
		})
	}
}

func TestSample_CloneAndUnit(t *testing.T) {
	s := Sample{SampleID: "S1", Text: "hello", Metadata: map[string]string{"k": "v"}}
	c := s.Clone()
	c.Metadata["k"] = "changed"
	assert.Equal(t, "v", s.Metadata["k"])

	u := s.Unit(WorkerKey{AnnotatorID: 2, Domain: DomainAdjunct})
	assert.Equal(t, UnitOfWork{AnnotatorID: 2, Domain: DomainAdjunct, SampleID: "S1", Text: "hello"}, u)
}

func TestParseWorkerStatus(t *testing.T) {
	assert.Equal(t, WorkerRunning, ParseWorkerStatus("running"))
	assert.Equal(t, WorkerPaused, ParseWorkerStatus("PAUSED"))
	assert.Equal(t, WorkerUnknown, ParseWorkerStatus("zombie"))
	assert.Equal(t, WorkerUnknown, ParseWorkerStatus(""))
	assert.True(t, WorkerRunning.Active())
	assert.False(t, WorkerPaused.Active())
}

func TestWorkerState_HeartbeatAge(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	w := WorkerState{StartedAt: now.Add(-2 * time.Minute)}
	assert.Equal(t, 2*time.Minute, w.HeartbeatAge(now))

	w.LastHeartbeat = now.Add(-10 * time.Second)
	assert.Equal(t, 10*time.Second, w.HeartbeatAge(now))

	assert.Zero(t, WorkerState{}.HeartbeatAge(now))
}

func TestProgress(t *testing.T) {
	p := Progress{Completed: 25, Total: 100}
	assert.InDelta(t, 25.0, p.Percentage(), 1e-9)
	assert.Equal(t, int64(75), p.Remaining())

	assert.Zero(t, Progress{Completed: 5}.Percentage())
	assert.InDelta(t, 100.0, Progress{Completed: 12, Total: 10}.Percentage(), 1e-9)
	assert.Zero(t, Progress{Completed: 12, Total: 10}.Remaining())
}
