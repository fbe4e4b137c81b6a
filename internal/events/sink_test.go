package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"catalog-import-service/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.ImportProgress
	// gate, when set, blocks delivery until closed
	gate chan struct{}
}

func (r *recordingSink) Emit(ctx context.Context, p models.ImportProgress) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
	return nil
}

func (r *recordingSink) statuses() []models.ImportPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ImportPhase, len(r.events))
	for i, e := range r.events {
		out[i] = e.Status
	}
	return out
}

func testLogger() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func TestAsyncSink_PreservesOrder(t *testing.T) {
	rec := &recordingSink{}
	sink := NewAsyncSink(rec, 16, testLogger())

	phases := []models.ImportPhase{
		models.PhaseReadingFile, models.PhaseValidating, models.PhaseResolvingParents,
		models.PhaseMatching, models.PhaseCreating, models.PhaseCompleted,
	}
	for _, p := range phases {
		require.NoError(t, sink.Emit(context.Background(), models.ImportProgress{JobID: "j", Status: p}))
	}
	sink.Close()

	assert.Equal(t, phases, rec.statuses())
}

func TestAsyncSink_DropsProgressWhenFullButKeepsTerminal(t *testing.T) {
	rec := &recordingSink{gate: make(chan struct{})}
	sink := NewAsyncSink(rec, 1, testLogger())

	// the worker takes the first event and blocks on the gate; the second fills the buffer
	require.NoError(t, sink.Emit(context.Background(), models.ImportProgress{JobID: "j", Status: models.PhaseReadingFile}))
	require.Eventually(t, func() bool { return len(sink.ch) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, sink.Emit(context.Background(), models.ImportProgress{JobID: "j", Status: models.PhaseValidating}))

	start := time.Now()
	require.NoError(t, sink.Emit(context.Background(), models.ImportProgress{JobID: "j", Status: models.PhaseMatching}))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "non-terminal emit must not block")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sink.Emit(context.Background(), models.ImportProgress{JobID: "j", Status: models.PhaseCompleted})
	}()
	close(rec.gate)
	<-done
	sink.Close()

	assert.Equal(t, []models.ImportPhase{
		models.PhaseReadingFile, models.PhaseValidating, models.PhaseCompleted,
	}, rec.statuses())
}

func TestAsyncSink_EmitAfterClose(t *testing.T) {
	sink := NewAsyncSink(&recordingSink{}, 4, testLogger())
	sink.Close()
	sink.Close()
	assert.Error(t, sink.Emit(context.Background(), models.ImportProgress{Status: models.PhaseCompleted}))
}

func TestMultiSink_ContinuesPastFailures(t *testing.T) {
	rec := &recordingSink{}
	failing := SinkFunc(func(context.Context, models.ImportProgress) error { return errors.New("down") })

	err := MultiSink{failing, nil, rec}.Emit(context.Background(), models.ImportProgress{Status: models.PhaseMatching})
	assert.Error(t, err)
	assert.Equal(t, []models.ImportPhase{models.PhaseMatching}, rec.statuses())
}

func TestLogSink_WarnsOnError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sink := NewLogSink(logrus.NewEntry(logger))

	require.NoError(t, sink.Emit(context.Background(), models.ImportProgress{JobID: "j", Status: models.PhaseError, CurrentAction: "pool exhausted"}))
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "import-events", hook.LastEntry().Data["component"])
}

type fakePublisher struct {
	subject string
	data    []byte
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subject = subject
	f.data = data
	return nil
}

func TestNATSSink_PublishesOnJobSubject(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNATSSink(pub, "")

	err := sink.Emit(context.Background(), models.ImportProgress{
		JobID:  "abc",
		Status: models.PhaseCreating,
		Stats:  map[string]int{"units_committed": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, "imports.abc.progress", pub.subject)

	var got models.ImportProgress
	require.NoError(t, json.Unmarshal(pub.data, &got))
	assert.Equal(t, models.PhaseCreating, got.Status)
	assert.Equal(t, 2, got.Stats["units_committed"])
}
