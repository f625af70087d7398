package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/pkgdepot/pkgdepot/pkg/errors"
)

const testService = "analyzer"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testKey(pkg, version string) Key {
	return Key{Service: testService, Package: pkg, Version: version}
}

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b := NewBackend(NewMemStore(5))
	b.now = func() time.Time { return t0 }
	return b
}

func mustGet(t *testing.T, b *Backend, key Key) *Job {
	t.Helper()
	job, err := b.store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("getting job %s: %v", key, err)
	}
	return job
}

func TestTriggerCreatesAvailableJob(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	key := testKey("http", "1.0.0")

	if err := b.Trigger(ctx, key, t0, TriggerOptions{}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	job := mustGet(t, b, key)
	if job.State != StateAvailable {
		t.Errorf("state = %s, want available", job.State)
	}
	if job.LockedAt != nil || job.LockOwner != "" {
		t.Error("fresh job must be unlocked")
	}
	if !job.PackageVersionUpdated.Equal(t0) {
		t.Errorf("freshness marker = %v, want %v", job.PackageVersionUpdated, t0)
	}
}

func TestTriggerIgnoresOlderUpdates(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	key := testKey("http", "1.0.0")

	if err := b.Trigger(ctx, key, t0, TriggerOptions{}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := b.Trigger(ctx, key, t0.Add(-time.Hour), TriggerOptions{}); err != nil {
		t.Fatalf("older trigger: %v", err)
	}
	job := mustGet(t, b, key)
	if !job.PackageVersionUpdated.Equal(t0) {
		t.Errorf("older trigger moved the freshness marker to %v", job.PackageVersionUpdated)
	}

	if err := b.Trigger(ctx, key, t0.Add(time.Hour), TriggerOptions{}); err != nil {
		t.Fatalf("newer trigger: %v", err)
	}
	job = mustGet(t, b, key)
	if !job.PackageVersionUpdated.Equal(t0.Add(time.Hour)) {
		t.Errorf("newer trigger did not advance the freshness marker")
	}
}

func TestLockCompleteLifecycle(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	key := testKey("http", "1.0.0")
	if err := b.Trigger(ctx, key, t0, TriggerOptions{}); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	job, err := b.LockAvailable(ctx, testService)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if job == nil || job.Key != key {
		t.Fatalf("locked job = %+v, want %s", job, key)
	}
	if job.State != StateProcessing || job.LockOwner != b.InstanceID() {
		t.Errorf("lock not recorded: state=%s owner=%s", job.State, job.LockOwner)
	}

	// The locked job is no longer eligible.
	second, err := b.LockAvailable(ctx, testService)
	if err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if second != nil {
		t.Fatalf("locked job handed out twice: %+v", second)
	}

	if err := b.Complete(ctx, job, StatusSuccess, 3*time.Second); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done := mustGet(t, b, key)
	if done.State != StateAvailable || done.LockedAt != nil || done.LockOwner != "" {
		t.Errorf("completion must release the lock: %+v", done)
	}
	if done.LastStatus != StatusSuccess || done.ErrorCount != 0 {
		t.Errorf("status=%s errors=%d, want success/0", done.LastStatus, done.ErrorCount)
	}
	if done.CompletedAt == nil || done.LastRunDuration != 3*time.Second {
		t.Errorf("completion bookkeeping missing: %+v", done)
	}
}

func TestCompletedJobRestsUntilRetriggered(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	key := testKey("http", "1.0.0")
	if err := b.Trigger(ctx, key, t0, TriggerOptions{}); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	job, err := b.LockAvailable(ctx, testService)
	if err != nil || job == nil {
		t.Fatalf("lock: job=%v err=%v", job, err)
	}
	if err := b.Complete(ctx, job, StatusSuccess, time.Second); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// A finished cycle with no new freshness event must not recycle: repeated
	// claim attempts come back empty instead of hot-looping on the same job.
	for i := 0; i < 3; i++ {
		again, err := b.LockAvailable(ctx, testService)
		if err != nil {
			t.Fatalf("re-lock %d: %v", i, err)
		}
		if again != nil {
			t.Fatalf("completed job handed out again without a new trigger: %+v", again)
		}
	}

	// The stale-lock sweep sees an unlocked record and leaves it alone.
	freed, err := b.UnlockStaleProcessing(ctx, testService, 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if freed != 0 {
		t.Fatalf("sweep freed %d completed jobs", freed)
	}

	// A newer freshness event makes the job due again.
	if err := b.Trigger(ctx, key, t0.Add(time.Hour), TriggerOptions{}); err != nil {
		t.Fatalf("retrigger: %v", err)
	}
	job, err = b.LockAvailable(ctx, testService)
	if err != nil {
		t.Fatalf("lock after retrigger: %v", err)
	}
	if job == nil || job.Key != key {
		t.Fatalf("retriggered job not claimable: %+v", job)
	}
}

func TestSkippedJobRestsUntilRetriggered(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	key := testKey("retracted", "1.0.0")
	if err := b.Trigger(ctx, key, t0, TriggerOptions{}); err != nil {
		t.Fatal(err)
	}

	job, err := b.LockAvailable(ctx, testService)
	if err != nil || job == nil {
		t.Fatalf("lock: job=%v err=%v", job, err)
	}
	if err := b.Complete(ctx, job, StatusSkipped, time.Second); err != nil {
		t.Fatalf("complete: %v", err)
	}
	again, err := b.LockAvailable(ctx, testService)
	if err != nil {
		t.Fatalf("re-lock: %v", err)
	}
	if again != nil {
		t.Fatalf("skipped job handed out again without a new trigger: %+v", again)
	}
}

func TestMidRunTriggerKeepsJobDue(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	key := testKey("busy", "1.0.0")
	if err := b.Trigger(ctx, key, t0, TriggerOptions{}); err != nil {
		t.Fatal(err)
	}

	job, err := b.LockAvailable(ctx, testService)
	if err != nil || job == nil {
		t.Fatalf("lock: job=%v err=%v", job, err)
	}
	// The freshness marker advances while the cycle is in flight; completion
	// must not swallow the update.
	if err := b.Trigger(ctx, key, t0.Add(time.Minute), TriggerOptions{}); err != nil {
		t.Fatalf("mid-run trigger: %v", err)
	}
	if err := b.Complete(ctx, job, StatusSuccess, time.Second); err != nil {
		t.Fatalf("complete: %v", err)
	}

	again, err := b.LockAvailable(ctx, testService)
	if err != nil {
		t.Fatalf("re-lock: %v", err)
	}
	if again == nil || again.Key != key {
		t.Fatalf("mid-run trigger lost: %+v", again)
	}
}

func TestTriggerStampsLatestChannels(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	key := testKey("http", "2.0.0")

	if err := b.Trigger(ctx, key, t0, TriggerOptions{LatestStable: true}); err != nil {
		t.Fatal(err)
	}
	job := mustGet(t, b, key)
	if !job.IsLatestStable || job.IsLatestPrerelease || job.IsLatestPreview {
		t.Errorf("channel flags = %v/%v/%v, want stable only",
			job.IsLatestStable, job.IsLatestPrerelease, job.IsLatestPreview)
	}
	if !job.IsLatest() {
		t.Error("IsLatest = false for a latest-stable job")
	}

	// A newer update that displaces the version from its channel clears the
	// flags along with advancing the marker.
	if err := b.Trigger(ctx, key, t0.Add(time.Hour), TriggerOptions{}); err != nil {
		t.Fatal(err)
	}
	job = mustGet(t, b, key)
	if job.IsLatest() {
		t.Errorf("displaced version kept its channel flags: %+v", job)
	}

	// Older updates touch neither the marker nor the flags.
	if err := b.Trigger(ctx, key, t0, TriggerOptions{LatestPreview: true}); err != nil {
		t.Fatal(err)
	}
	if job = mustGet(t, b, key); job.IsLatest() {
		t.Errorf("stale trigger rewrote channel flags: %+v", job)
	}
}

func TestAtMostOneConcurrentLock(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	key := testKey("contended", "1.0.0")
	if err := b.Trigger(ctx, key, t0, TriggerOptions{}); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	const claimers = 8
	var wg sync.WaitGroup
	results := make([]*Job, claimers)
	errs := make([]error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = b.LockAvailable(ctx, testService)
		}(i)
	}
	wg.Wait()

	won := 0
	for i := 0; i < claimers; i++ {
		if errs[i] != nil {
			t.Fatalf("claimer %d error: %v", i, errs[i])
		}
		if results[i] != nil {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("%d claimers won the lock, want exactly 1", won)
	}
}

func TestLockOrderPriorityThenOldest(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	if err := b.Trigger(ctx, testKey("older", "1.0.0"), t0.Add(-2*time.Hour), TriggerOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := b.Trigger(ctx, testKey("newer", "1.0.0"), t0.Add(-time.Hour), TriggerOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := b.Trigger(ctx, testKey("urgent", "1.0.0"), t0, TriggerOptions{Priority: true}); err != nil {
		t.Fatal(err)
	}

	want := []string{"urgent", "older", "newer"}
	for _, expected := range want {
		job, err := b.LockAvailable(ctx, testService)
		if err != nil {
			t.Fatalf("lock: %v", err)
		}
		if job == nil || job.Key.Package != expected {
			t.Fatalf("locked %+v, want %s", job, expected)
		}
	}
}

func TestCompleteFailureIncrementsErrorCount(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	key := testKey("flaky", "1.0.0")
	if err := b.Trigger(ctx, key, t0, TriggerOptions{}); err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 2; want++ {
		job, err := b.LockAvailable(ctx, testService)
		if err != nil || job == nil {
			t.Fatalf("lock: job=%v err=%v", job, err)
		}
		if err := b.Complete(ctx, job, StatusFailed, time.Second); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if got := mustGet(t, b, key).ErrorCount; got != want {
			t.Fatalf("error count = %d, want %d", got, want)
		}
	}

	job, err := b.LockAvailable(ctx, testService)
	if err != nil || job == nil {
		t.Fatalf("lock: job=%v err=%v", job, err)
	}
	if err := b.Complete(ctx, job, StatusSuccess, time.Second); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := mustGet(t, b, key).ErrorCount; got != 0 {
		t.Errorf("success must reset error count, got %d", got)
	}
}

func TestUnlockStaleProcessing(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	key := testKey("stuck", "1.0.0")
	if err := b.Trigger(ctx, key, t0, TriggerOptions{}); err != nil {
		t.Fatal(err)
	}
	job, err := b.LockAvailable(ctx, testService)
	if err != nil || job == nil {
		t.Fatalf("lock: job=%v err=%v", job, err)
	}

	// Not yet stale.
	b.now = func() time.Time { return t0.Add(time.Hour) }
	freed, err := b.UnlockStaleProcessing(ctx, testService, 2*time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if freed != 0 {
		t.Fatalf("freed %d locks before the timeout", freed)
	}

	b.now = func() time.Time { return t0.Add(3 * time.Hour) }
	freed, err = b.UnlockStaleProcessing(ctx, testService, 2*time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if freed != 1 {
		t.Fatalf("freed = %d, want 1", freed)
	}
	swept := mustGet(t, b, key)
	if swept.State != StateAvailable || swept.LockedAt != nil {
		t.Errorf("swept job not released: %+v", swept)
	}
	if swept.LastStatus != StatusAborted || swept.ErrorCount != 1 {
		t.Errorf("sweep bookkeeping: status=%s errors=%d", swept.LastStatus, swept.ErrorCount)
	}

	// Completing with the now-stale handle is a logged no-op.
	if err := b.Complete(ctx, job, StatusSuccess, time.Second); err != nil {
		t.Fatalf("late complete: %v", err)
	}
	if got := mustGet(t, b, key).LastStatus; got != StatusAborted {
		t.Errorf("late completion overwrote swept job: %s", got)
	}
}

func TestCheckIdleMarksDueJobs(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	if err := b.Trigger(ctx, testKey("due", "1.0.0"), t0.Add(-48*time.Hour), TriggerOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := b.Trigger(ctx, testKey("fresh", "1.0.0"), t0, TriggerOptions{}); err != nil {
		t.Fatal(err)
	}

	marked, err := b.CheckIdle(ctx, testService, func(job *Job) bool {
		return job.Key.Package == "due"
	})
	if err != nil {
		t.Fatalf("check idle: %v", err)
	}
	if marked != 1 {
		t.Fatalf("marked = %d, want 1", marked)
	}
	if got := mustGet(t, b, testKey("due", "1.0.0")).PackageVersionUpdated; !got.Equal(t0) {
		t.Errorf("due job marker = %v, want bumped to %v", got, t0)
	}
	if got := mustGet(t, b, testKey("fresh", "1.0.0")).PackageVersionUpdated; !got.Equal(t0) {
		t.Errorf("fresh job marker moved unexpectedly: %v", got)
	}
}

func TestDeleteVersionRejectsLast(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	if err := b.Trigger(ctx, testKey("solo", "1.0.0"), t0, TriggerOptions{}); err != nil {
		t.Fatal(err)
	}

	err := b.DeleteVersion(ctx, testKey("solo", "1.0.0"))
	if !errors.Is(err, pkgerrors.ErrLastVersionRemoval) {
		t.Fatalf("expected ErrLastVersionRemoval, got %v", err)
	}

	// With a second version the first becomes deletable.
	if err := b.Trigger(ctx, testKey("solo", "2.0.0"), t0, TriggerOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := b.DeleteVersion(ctx, testKey("solo", "1.0.0")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := b.store.Get(ctx, testKey("solo", "1.0.0")); !errors.Is(err, pkgerrors.ErrJobNotFound) {
		t.Errorf("deleted version still present: %v", err)
	}

	// Deleting an absent version is a no-op.
	if err := b.DeleteVersion(ctx, testKey("solo", "9.9.9")); err != nil {
		t.Errorf("absent delete: %v", err)
	}
}

func TestDeletePackageIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	for _, v := range []string{"1.0.0", "1.1.0", "2.0.0"} {
		if err := b.Trigger(ctx, testKey("bulk", v), t0, TriggerOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Trigger(ctx, testKey("other", "1.0.0"), t0, TriggerOptions{}); err != nil {
		t.Fatal(err)
	}

	deleted, err := b.DeletePackage(ctx, testService, "bulk")
	if err != nil {
		t.Fatalf("delete package: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted = %d, want 3", deleted)
	}

	deleted, err = b.DeletePackage(ctx, testService, "bulk")
	if err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("repeat deleted = %d, want 0", deleted)
	}

	if _, err := b.store.Get(ctx, testKey("other", "1.0.0")); err != nil {
		t.Errorf("unrelated package was deleted: %v", err)
	}
}
