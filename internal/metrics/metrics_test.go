package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDispatch(t *testing.T) {
	initial := testutil.ToFloat64(workflowTotal.WithLabelValues("greet"))
	RecordDispatch("greet")
	got := testutil.ToFloat64(workflowTotal.WithLabelValues("greet"))

	if got != initial+1 {
		t.Errorf("expected count to increment by 1, got initial=%f, new=%f", initial, got)
	}
}

func TestSetActiveAndSleeping(t *testing.T) {
	SetActive("greet", 3)
	if got := testutil.ToFloat64(workflowActive.WithLabelValues("greet")); got != 3 {
		t.Errorf("expected active gauge 3, got %f", got)
	}

	SetSleeping("greet", 2)
	if got := testutil.ToFloat64(workflowSleeping.WithLabelValues("greet")); got != 2 {
		t.Errorf("expected sleeping gauge 2, got %f", got)
	}
}

func TestRecordDead(t *testing.T) {
	initial := testutil.ToFloat64(workflowDead.WithLabelValues("greet"))
	RecordDead("greet")
	got := testutil.ToFloat64(workflowDead.WithLabelValues("greet"))

	if got != initial+1 {
		t.Errorf("expected dead count to increment by 1, got initial=%f, new=%f", initial, got)
	}
}

func TestSetSignalPending(t *testing.T) {
	SetSignalPending("approval", 4)
	if got := testutil.ToFloat64(signalPending.WithLabelValues("approval")); got != 4 {
		t.Errorf("expected signal_pending gauge 4, got %f", got)
	}
}

func TestRecordWorkflowError(t *testing.T) {
	initial := testutil.ToFloat64(workflowErrors.WithLabelValues("greet", "activity_failure"))
	RecordWorkflowError("greet", "activity_failure")
	got := testutil.ToFloat64(workflowErrors.WithLabelValues("greet", "activity_failure"))

	if got != initial+1 {
		t.Errorf("expected error count to increment by 1, got initial=%f, new=%f", initial, got)
	}
}

func TestObserveActivityDuration(t *testing.T) {
	initial := testutil.CollectAndCount(activityDuration)
	ObserveActivityDuration("greet", "send_email", "ok", 50*time.Millisecond)
	got := testutil.CollectAndCount(activityDuration)

	if got < initial {
		t.Errorf("expected observation count to not decrease, got initial=%d, new=%d", initial, got)
	}
}

func TestRecordActivityError(t *testing.T) {
	initial := testutil.ToFloat64(activityErrors.WithLabelValues("greet", "send_email", "timeout"))
	RecordActivityError("greet", "send_email", "timeout")
	got := testutil.ToFloat64(activityErrors.WithLabelValues("greet", "send_email", "timeout"))

	if got != initial+1 {
		t.Errorf("expected activity error count to increment by 1, got initial=%f, new=%f", initial, got)
	}
}

func TestObserveLoopIterationDoesNotPanic(t *testing.T) {
	ObserveLoopIteration(10 * time.Millisecond)
}

func TestObservePullWorkflowsDoesNotPanic(t *testing.T) {
	ObservePullWorkflows(5 * time.Millisecond)
}

func TestObserveCompleteWorkflowDoesNotPanic(t *testing.T) {
	ObserveCompleteWorkflow(5 * time.Millisecond)
}

func TestObserveCommitWorkflowDoesNotPanic(t *testing.T) {
	ObserveCommitWorkflow("sleep", 2*time.Millisecond)
}
