package imagestore

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "db", "images.sqlite"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestImageLifecycle(t *testing.T) {
	s := newTestStore(t)

	img := &Image{ID: "a1", MediaPath: "/media/a1.tiff", OriginalName: "scan.tif", SizeBytes: 1234}
	if err := s.CreateImage(img); err != nil {
		t.Fatalf("CreateImage: %v", err)
	}

	got, err := s.GetImage("a1")
	if err != nil || got == nil {
		t.Fatalf("GetImage: %v %v", got, err)
	}
	if got.MediaPath != img.MediaPath || got.OriginalName != "scan.tif" || got.SizeBytes != 1234 {
		t.Errorf("unexpected image %+v", got)
	}
	if !got.CreatedAt.Equal(img.CreatedAt.UTC()) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, img.CreatedAt)
	}

	time.Sleep(2 * time.Millisecond)
	if err := s.TouchImage("a1", 99); err != nil {
		t.Fatal(err)
	}
	touched, _ := s.GetImage("a1")
	if touched.SizeBytes != 99 || !touched.UpdatedAt.After(got.UpdatedAt) {
		t.Errorf("touch did not update: %+v", touched)
	}

	missing, err := s.GetImage("nope")
	if err != nil || missing != nil {
		t.Errorf("GetImage(missing) = %v, %v", missing, err)
	}

	if err := s.CreateJob(&Job{ID: "j1", ImageID: "a1", NComponents: 1}); err != nil {
		t.Fatal(err)
	}
	s.SetJobResult("j1", "/media/results/j1.tiff", []int{1, 1, 1}, 4)
	paths, err := s.DeleteImage("a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0] != "/media/results/j1.tiff" {
		t.Errorf("DeleteImage paths = %v", paths)
	}
	if j, _ := s.GetJob("j1"); j != nil {
		t.Error("job of deleted image still present")
	}
	if gone, _ := s.GetImage("a1"); gone != nil {
		t.Error("image still present after delete")
	}
}

func TestListImages(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		if err := s.CreateImage(&Image{ID: id, MediaPath: id, CreatedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatal(err)
		}
	}

	images, total, err := s.ListImages(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(images) != 2 {
		t.Fatalf("total=%d len=%d", total, len(images))
	}
	if images[0].ID != "new" || images[1].ID != "mid" {
		t.Errorf("unexpected order: %s, %s", images[0].ID, images[1].ID)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)

	job := &Job{ID: "j1", ImageID: "a1", NComponents: 2}
	if err := s.CreateJob(job); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetJob("j1")
	if err != nil || got == nil {
		t.Fatalf("GetJob: %v %v", got, err)
	}
	if got.Status != JobStatusQueued || got.NComponents != 2 || got.StartedAt != nil {
		t.Errorf("unexpected queued job %+v", got)
	}

	if ok, err := s.UpdateJobStarted("j1"); err != nil || !ok {
		t.Fatalf("UpdateJobStarted = %v, %v", ok, err)
	}
	if ok, _ := s.UpdateJobStarted("j1"); ok {
		t.Error("running job was started twice")
	}
	if err := s.UpdateJobPhase("j1", "reducing"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetJobResult("j1", "/media/results/j1.tiff", []int{10, 10, 2}, 880); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobStatus("j1", JobStatusCompleted, "", ""); err != nil {
		t.Fatal(err)
	}

	got, _ = s.GetJob("j1")
	if got.Status != JobStatusCompleted || got.Phase != "reducing" || got.StartedAt == nil || got.FinishedAt == nil {
		t.Errorf("unexpected finished job %+v", got)
	}
	if got.ResultPath != "/media/results/j1.tiff" || got.ResultBytes != 880 {
		t.Errorf("unexpected result %+v", got)
	}
	if len(got.ResultShape) != 3 || got.ResultShape[2] != 2 {
		t.Errorf("result shape = %v", got.ResultShape)
	}

	jobs, err := s.ListJobsByImage("a1")
	if err != nil || len(jobs) != 1 {
		t.Errorf("ListJobsByImage = %d, %v", len(jobs), err)
	}

	path, err := s.DeleteJob("j1")
	if err != nil || path != "/media/results/j1.tiff" {
		t.Errorf("DeleteJob = %q, %v", path, err)
	}
	if path, err := s.DeleteJob("j1"); err != nil || path != "" {
		t.Errorf("second DeleteJob = %q, %v", path, err)
	}
}

func TestCancelledJobIsNotStarted(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateJob(&Job{ID: "c1", ImageID: "a1", NComponents: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobStatus("c1", JobStatusCancelled, "", "cancelled before start"); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.UpdateJobStarted("c1"); err != nil || ok {
		t.Fatalf("UpdateJobStarted on cancelled job = %v, %v", ok, err)
	}
	job, _ := s.GetJob("c1")
	if job.Status != JobStatusCancelled || job.FinishedAt == nil {
		t.Errorf("unexpected job %+v", job)
	}
}

func TestRecoveryAndRetention(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"queued", "running", "done"} {
		if err := s.CreateJob(&Job{ID: id, ImageID: "img", NComponents: 1}); err != nil {
			t.Fatal(err)
		}
	}
	s.UpdateJobStarted("running")
	s.SetJobResult("done", "/r/done.tiff", []int{1, 1, 1}, 10)
	s.UpdateJobStatus("done", JobStatusCompleted, "", "")

	if err := s.MarkRunningAsFailed("server restarted"); err != nil {
		t.Fatal(err)
	}
	running, _ := s.GetJob("running")
	if running.Status != JobStatusFailed || running.Error != "server restarted" {
		t.Errorf("running job not failed: %+v", running)
	}

	queued, err := s.ListQueuedJobs()
	if err != nil || len(queued) != 1 || queued[0].ID != "queued" {
		t.Fatalf("ListQueuedJobs = %v, %v", queued, err)
	}

	// nothing is old enough yet
	paths, err := s.DeleteExpiredJobs(1)
	if err != nil || len(paths) != 0 {
		t.Fatalf("DeleteExpiredJobs(1) = %v, %v", paths, err)
	}
	// a negative retention puts the cutoff in the future
	paths, err = s.DeleteExpiredJobs(-1)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0] != "/r/done.tiff" {
		t.Errorf("expired result paths = %v", paths)
	}
	if j, _ := s.GetJob("done"); j != nil {
		t.Error("expired job still present")
	}
	if j, _ := s.GetJob("queued"); j == nil {
		t.Error("unfinished job was deleted")
	}
}
