package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haruki121731-del/Lore-Anchor1/internal/pipeline"
	"github.com/haruki121731-del/Lore-Anchor1/internal/worker/domain"
)

// memStore is an in-memory StateStore with the same compare-and-set
// semantics as the Postgres implementation.
type memStore struct {
	mu         sync.Mutex
	images     map[string]*domain.ImageRecord
	executions []domain.TaskExecutionRecord
	deadLetter []domain.DeadLetter

	statusErr   error
	claimErr    error
	completeErr error
	failErr     error
	openErr     error
	closeErr    error
}

func newMemStore() *memStore {
	return &memStore{images: map[string]*domain.ImageRecord{}}
}

func (s *memStore) addImage(imageID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[imageID] = &domain.ImageRecord{ImageID: imageID, Status: status}
}

func (s *memStore) imageStatus(imageID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.images[imageID]; ok {
		return rec.Status
	}
	return ""
}

func (s *memStore) GetImageStatus(ctx context.Context, imageID string) (string, error) {
	if s.statusErr != nil {
		return "", s.statusErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.images[imageID]
	if !ok {
		return "", domain.ErrImageNotFound
	}
	return rec.Status, nil
}

func (s *memStore) ClaimImage(ctx context.Context, imageID string) error {
	if s.claimErr != nil {
		return s.claimErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.images[imageID]
	if !ok {
		return domain.ErrImageNotFound
	}
	if rec.Status != domain.StatusPending && rec.Status != domain.StatusFailed {
		return domain.ErrStateConflict
	}
	rec.Status = domain.StatusProcessing
	return nil
}

func (s *memStore) CompleteImage(ctx context.Context, imageID, protectedLocation, markerID string, provenance []byte) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.images[imageID]
	if !ok {
		return domain.ErrImageNotFound
	}
	if rec.Status != domain.StatusProcessing {
		return domain.ErrStateConflict
	}
	rec.Status = domain.StatusCompleted
	rec.ProtectedLocation = protectedLocation
	rec.MarkerID = markerID
	rec.Provenance = provenance
	return nil
}

func (s *memStore) FailImage(ctx context.Context, imageID, errorText string) error {
	if s.failErr != nil {
		return s.failErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.images[imageID]
	if !ok {
		return domain.ErrImageNotFound
	}
	if rec.Status != domain.StatusProcessing {
		return domain.ErrStateConflict
	}
	rec.Status = domain.StatusFailed
	return nil
}

func (s *memStore) OpenExecution(ctx context.Context, imageID, workerID string) (string, error) {
	if s.openErr != nil {
		return "", s.openErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("rec-%d", len(s.executions)+1)
	s.executions = append(s.executions, domain.TaskExecutionRecord{ID: id, ImageID: imageID, WorkerID: workerID})
	return id, nil
}

func (s *memStore) CloseExecution(ctx context.Context, recordID, failedStage, errorText string) error {
	if s.closeErr != nil {
		return s.closeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.executions {
		if s.executions[i].ID == recordID {
			s.executions[i].FailedStage = failedStage
			s.executions[i].ErrorText = errorText
			return nil
		}
	}
	return fmt.Errorf("no execution record %s", recordID)
}

func (s *memStore) RouteDeadLetter(ctx context.Context, rawPayload, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetter = append(s.deadLetter, domain.DeadLetter{RawPayload: rawPayload, Reason: reason})
	return nil
}

// stubPipeline counts runs and returns a fixed outcome.
type stubPipeline struct {
	mu     sync.Mutex
	runs   int
	result *pipeline.Result
	err    error
}

func (p *stubPipeline) Run(ctx context.Context, job domain.ProtectionJob) (*pipeline.Result, error) {
	p.mu.Lock()
	p.runs++
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func (p *stubPipeline) runCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

func newTestWorker(store StateStore, pl PipelineRunner) *Worker {
	return NewWorker(&Config{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:       store,
		Pipeline:    pl,
		Concurrency: 1,
	})
}

func testMessage(imageID string) *domain.JobMessage {
	return &domain.JobMessage{
		Job: domain.ProtectionJob{
			ImageID:    imageID,
			StorageKey: "raw/" + imageID + ".png",
			Attempt:    1,
		},
		DeliveryTag: 1,
	}
}

func TestDispatch_Success(t *testing.T) {
	store := newMemStore()
	store.addImage("img_7", domain.StatusPending)

	pl := &stubPipeline{result: &pipeline.Result{
		ProtectedKey: "protected/img_7.png",
		MarkerID:     "a1b2",
		Provenance:   []byte(`{"restriction":"training-disallowed"}`),
	}}

	w := newTestWorker(store, pl)
	err := w.dispatch(context.Background(), testMessage("img_7"))
	require.NoError(t, err)

	assert.Equal(t, 1, pl.runCount())
	assert.Equal(t, domain.StatusCompleted, store.imageStatus("img_7"))
	assert.Equal(t, "protected/img_7.png", store.images["img_7"].ProtectedLocation)
	assert.Equal(t, "a1b2", store.images["img_7"].MarkerID)

	require.Len(t, store.executions, 1)
	assert.Equal(t, "", store.executions[0].FailedStage)
	assert.Equal(t, w.WorkerID(), store.executions[0].WorkerID)
}

func TestDispatch_DuplicateIsNoOp(t *testing.T) {
	for _, status := range []string{domain.StatusProcessing, domain.StatusCompleted} {
		t.Run(status, func(t *testing.T) {
			store := newMemStore()
			store.addImage("img_7", status)

			pl := &stubPipeline{result: &pipeline.Result{}}
			w := newTestWorker(store, pl)

			err := w.dispatch(context.Background(), testMessage("img_7"))
			require.NoError(t, err)

			// Nothing ran, nothing changed, nothing was recorded.
			assert.Equal(t, 0, pl.runCount())
			assert.Equal(t, status, store.imageStatus("img_7"))
			assert.Empty(t, store.executions)
			assert.Empty(t, store.deadLetter)
		})
	}
}

func TestDispatch_UnknownImageDeadLetters(t *testing.T) {
	store := newMemStore()
	pl := &stubPipeline{result: &pipeline.Result{}}
	w := newTestWorker(store, pl)

	err := w.dispatch(context.Background(), testMessage("img_missing"))
	require.NoError(t, err)

	assert.Equal(t, 0, pl.runCount())
	assert.Empty(t, store.executions)
	require.Len(t, store.deadLetter, 1)
	assert.Equal(t, domain.ReasonUnknownImage, store.deadLetter[0].Reason)
	assert.Contains(t, store.deadLetter[0].RawPayload, "img_missing")
}

func TestDispatch_ClaimConflictIsNoOp(t *testing.T) {
	store := newMemStore()
	store.addImage("img_7", domain.StatusPending)
	store.claimErr = domain.ErrStateConflict

	pl := &stubPipeline{result: &pipeline.Result{}}
	w := newTestWorker(store, pl)

	err := w.dispatch(context.Background(), testMessage("img_7"))
	require.NoError(t, err)
	assert.Equal(t, 0, pl.runCount())
	assert.Empty(t, store.executions)
}

func TestDispatch_StoreOutagesAreRetryable(t *testing.T) {
	outage := errors.New("connection refused")

	tests := []struct {
		name   string
		mutate func(s *memStore)
	}{
		{name: "status read fails", mutate: func(s *memStore) { s.statusErr = outage }},
		{name: "claim fails", mutate: func(s *memStore) { s.claimErr = outage }},
		{name: "open execution fails", mutate: func(s *memStore) { s.openErr = outage }},
		{name: "complete fails", mutate: func(s *memStore) { s.completeErr = outage }},
		{name: "close execution fails", mutate: func(s *memStore) { s.closeErr = outage }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.addImage("img_7", domain.StatusPending)
			tt.mutate(store)

			pl := &stubPipeline{result: &pipeline.Result{ProtectedKey: "protected/img_7.png"}}
			w := newTestWorker(store, pl)

			err := w.dispatch(context.Background(), testMessage("img_7"))
			require.Error(t, err)

			var retryable *domain.RetryableError
			assert.ErrorAs(t, err, &retryable)
			assert.True(t, w.shouldRequeue(err))
		})
	}
}

func TestDispatch_PipelineFailureIsTerminal(t *testing.T) {
	store := newMemStore()
	store.addImage("img_7", domain.StatusPending)

	pl := &stubPipeline{err: &pipeline.StageError{
		Stage: pipeline.StageVerify,
		Err:   &pipeline.VerificationError{Score: 0.4, Threshold: 0.75},
	}}
	w := newTestWorker(store, pl)

	err := w.dispatch(context.Background(), testMessage("img_7"))
	require.NoError(t, err)

	// Terminal failure: recorded in the store, message consumed.
	assert.Equal(t, domain.StatusFailed, store.imageStatus("img_7"))
	require.Len(t, store.executions, 1)
	assert.Equal(t, "verify", store.executions[0].FailedStage)
	assert.Contains(t, store.executions[0].ErrorText, "verification rejected")
	assert.False(t, w.shouldRequeue(err))
}

func TestDispatch_FailureAttributionPerStage(t *testing.T) {
	stages := []pipeline.Stage{
		pipeline.StageFetch,
		pipeline.StageEmbed,
		pipeline.StageVerify,
		pipeline.StagePerturb,
		pipeline.StageSign,
		pipeline.StageUpload,
	}

	for _, stage := range stages {
		t.Run(string(stage), func(t *testing.T) {
			store := newMemStore()
			store.addImage("img_7", domain.StatusPending)

			pl := &stubPipeline{err: &pipeline.StageError{
				Stage: stage,
				Err:   errors.New("forced failure"),
			}}
			w := newTestWorker(store, pl)

			err := w.dispatch(context.Background(), testMessage("img_7"))
			require.NoError(t, err)

			assert.Equal(t, domain.StatusFailed, store.imageStatus("img_7"))
			assert.Empty(t, store.images["img_7"].ProtectedLocation)
			require.Len(t, store.executions, 1)
			assert.Equal(t, string(stage), store.executions[0].FailedStage)
		})
	}
}

func TestDispatch_ConcurrentWorkersRunOnce(t *testing.T) {
	store := newMemStore()
	store.addImage("img_7", domain.StatusPending)

	pl := &stubPipeline{result: &pipeline.Result{ProtectedKey: "protected/img_7.png"}}
	w1 := newTestWorker(store, pl)
	w2 := newTestWorker(store, pl)

	var wg sync.WaitGroup
	for _, w := range []*Worker{w1, w2} {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			err := w.dispatch(context.Background(), testMessage("img_7"))
			assert.NoError(t, err)
		}(w)
	}
	wg.Wait()

	// The claim CAS lets exactly one attempt through.
	assert.Equal(t, 1, pl.runCount())
	assert.Len(t, store.executions, 1)
	assert.Equal(t, domain.StatusCompleted, store.imageStatus("img_7"))
}

func TestTruncateError(t *testing.T) {
	long := strings.Repeat("x", domain.MaxErrorTextLen+100)
	assert.Len(t, truncateError(long), domain.MaxErrorTextLen)
	assert.Equal(t, "short", truncateError("short"))
}
