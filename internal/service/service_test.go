package service

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiff-analytics/server/internal/cache"
	"github.com/tiff-analytics/server/internal/data/tiff"
	"github.com/tiff-analytics/server/internal/imagestore"
	"github.com/tiff-analytics/server/internal/media"
	"github.com/tiff-analytics/server/internal/processing"
	"github.com/tiff-analytics/server/internal/render"
)

type testEnv struct {
	images   *ImageService
	analysis *AnalysisService
	store    *imagestore.Store
	media    *media.Store
}

func newTestEnv(t *testing.T, maxSyncBytes int64) *testEnv {
	t.Helper()
	dir := t.TempDir()
	log := zerolog.Nop()

	store, err := imagestore.NewStore(filepath.Join(dir, "images.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	m, err := media.NewStore(filepath.Join(dir, "media"), 0, log)
	if err != nil {
		t.Fatal(err)
	}
	cm, err := cache.NewManager(cache.Config{ResultCacheSizeMB: 16, ResultTTL: time.Minute, SummaryCacheSize: 64})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cm.Close() })

	reducer := processing.NewReducer(nil, tiff.CompressionNone, log)
	images := NewImageService(ImageServiceConfig{
		Store:        store,
		Media:        m,
		Cache:        cm,
		Stats:        processing.NewStatsEngine(64, 1, log),
		Reducer:      reducer,
		Renderer:     render.NewPreviewRenderer("viridis", log),
		MaxSyncBytes: maxSyncBytes,
		Logger:       log,
	})
	return &testEnv{
		images:   images,
		analysis: NewAnalysisService(reducer, m, log),
		store:    store,
		media:    m,
	}
}

// channelImage is an h x w x c array whose channels are affine in one
// underlying signal, plus a small second pattern.
func channelImage(h, w, c int) *tiff.Array {
	a := tiff.NewArray(tiff.Float32, h, w, c)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s := float64(y*w + x)
			for ch := 0; ch < c; ch++ {
				a.Data[(y*w+x)*c+ch] = s*float64(ch+1) + float64((x+ch)%2)
			}
		}
	}
	return a
}

func (e *testEnv) upload(t *testing.T, a *tiff.Array) *imagestore.Image {
	t.Helper()
	data, err := tiff.EncodeBytes(a, tiff.EncodeOptions{DType: tiff.Float32})
	if err != nil {
		t.Fatal(err)
	}
	img, err := e.images.Upload(bytes.NewReader(data), "sample.tif")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return img
}

func TestUploadValidates(t *testing.T) {
	e := newTestEnv(t, 0)

	img := e.upload(t, channelImage(4, 5, 3))
	got, err := e.images.Get(img.ID)
	if err != nil || got.OriginalName != "sample.tif" {
		t.Fatalf("Get = %+v, %v", got, err)
	}

	if _, err := e.images.Upload(bytes.NewReader([]byte("not a tiff at all")), "bad.tif"); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("garbage upload: err = %v", err)
	}
	if _, err := e.images.Upload(bytes.NewReader(nil), "bad.png"); !errors.Is(err, media.ErrExtension) {
		t.Errorf("png upload: err = %v", err)
	}

	images, total, err := e.images.List(0, 10)
	if err != nil || total != 1 || len(images) != 1 {
		t.Errorf("List = %d/%d, %v", len(images), total, err)
	}
	entries, _ := os.ReadDir(e.media.Root())
	if len(entries) != 2 { // the accepted upload and results/
		t.Errorf("media dir has %d entries, rejected uploads left behind", len(entries))
	}
}

func TestStatisticsAndMetadata(t *testing.T) {
	e := newTestEnv(t, 0)
	a := channelImage(4, 5, 3)
	img := e.upload(t, a)

	sum, err := e.images.Statistics(img.ID)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	want, _ := processing.Summarize(aggregateOf(a.Data))
	if sum.Min != want.Min || sum.Max != want.Max || !closeTo(sum.Mean, want.Mean) || !closeTo(sum.StdDev, want.StdDev) {
		t.Errorf("summary = %+v, want %+v", sum, want)
	}

	// second call comes from the cache even after the file is gone
	os.Rename(img.MediaPath, img.MediaPath+".moved")
	again, err := e.images.Statistics(img.ID)
	if err != nil || *again != *sum {
		t.Errorf("cached Statistics = %+v, %v", again, err)
	}
	os.Rename(img.MediaPath+".moved", img.MediaPath)

	info, err := e.images.Metadata(img.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Shape) != 3 || info.Shape[2] != 3 || info.DType != "float32" || info.Pages != 1 {
		t.Errorf("unexpected metadata %+v", info)
	}

	if _, err := e.images.Statistics("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing image: err = %v", err)
	}
}

func aggregateOf(data []float64) *processing.Aggregate {
	agg := processing.NewAggregate()
	agg.Add(data)
	return agg
}

func closeTo(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= 1e-9*(1+b*b)
}

func TestReduce(t *testing.T) {
	e := newTestEnv(t, 0)
	img := e.upload(t, channelImage(6, 4, 3))

	enc, err := e.images.Reduce(img.ID, 2)
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if enc.ContentType != tiff.ContentType || len(enc.Shape) != 3 || enc.Shape[2] != 2 {
		t.Fatalf("unexpected output %v %s", enc.Shape, enc.ContentType)
	}

	cached, err := e.images.Reduce(img.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(cached.Data, enc.Data) || len(cached.Shape) != 3 || cached.Shape[0] != 6 || cached.Shape[1] != 4 {
		t.Errorf("cached output shape %v", cached.Shape)
	}

	if _, err := e.images.Reduce(img.ID, 4); !errors.Is(err, processing.ErrShape) {
		t.Errorf("k > channels: err = %v", err)
	}
}

func TestSyncSizeLimit(t *testing.T) {
	e := newTestEnv(t, 16)
	img := e.upload(t, channelImage(4, 4, 2))

	if _, err := e.images.Reduce(img.ID, 1); !errors.Is(err, ErrTooLargeForSync) {
		t.Errorf("Reduce: err = %v", err)
	}
	if _, err := e.images.Preview(img.ID, []int{0}, render.Options{}); !errors.Is(err, ErrTooLargeForSync) {
		t.Errorf("Preview: err = %v", err)
	}
	// streaming statistics have no size limit
	if _, err := e.images.Statistics(img.ID); err != nil {
		t.Errorf("Statistics: %v", err)
	}
}

func TestPreview(t *testing.T) {
	e := newTestEnv(t, 0)
	img := e.upload(t, channelImage(4, 5, 3))

	data, err := e.images.Preview(img.ID, []int{1}, render.Options{Scale: 2})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	pic, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if b := pic.Bounds(); b.Dx() != 10 || b.Dy() != 8 {
		t.Errorf("preview size = %v", b)
	}

	if _, err := e.images.Preview(img.ID, []int{3}, render.Options{}); !errors.Is(err, processing.ErrShape) {
		t.Errorf("out of range index: err = %v", err)
	}
	if _, err := e.images.Preview(img.ID, nil, render.Options{}); !errors.Is(err, processing.ErrShape) {
		t.Errorf("missing index: err = %v", err)
	}
}

func TestDeleteRemovesFiles(t *testing.T) {
	e := newTestEnv(t, 0)
	img := e.upload(t, channelImage(4, 4, 2))

	job := &imagestore.Job{ID: "job1", ImageID: img.ID, NComponents: 1}
	if err := e.store.CreateJob(job); err != nil {
		t.Fatal(err)
	}
	if err := e.analysis.ExecuteJob(context.Background(), e.store, job.ID); err != nil {
		t.Fatalf("ExecuteJob: %v", err)
	}
	result := e.media.ResultPath(job.ID)

	if err := e.images.Delete(img.ID); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{img.MediaPath, result} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists", p)
		}
	}
	if err := e.images.Delete(img.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: err = %v", err)
	}
}

func TestExecuteJob(t *testing.T) {
	e := newTestEnv(t, 0)
	img := e.upload(t, channelImage(5, 5, 4))

	job := &imagestore.Job{ID: "j-ok", ImageID: img.ID, NComponents: 2}
	e.store.CreateJob(job)
	if err := e.analysis.ExecuteJob(context.Background(), e.store, job.ID); err != nil {
		t.Fatalf("ExecuteJob: %v", err)
	}
	got, _ := e.store.GetJob(job.ID)
	if got.Phase != PhaseWriting || got.ResultPath != e.media.ResultPath(job.ID) || got.ResultBytes == 0 {
		t.Errorf("unexpected job %+v", got)
	}
	if len(got.ResultShape) != 3 || got.ResultShape[2] != 2 {
		t.Errorf("result shape = %v", got.ResultShape)
	}

	got.Status = imagestore.JobStatusCompleted
	fh, err := ResultFile(got)
	if err != nil {
		t.Fatal(err)
	}
	defer fh.Close()
	st, _ := fh.Stat()
	f, err := tiff.NewReader(fh, st.Size())
	if err != nil {
		t.Fatalf("result is not a TIFF: %v", err)
	}
	if shape := f.Shape(); shape[0] != 5 || shape[1] != 5 || shape[2] != 2 {
		t.Errorf("result file shape = %v", shape)
	}

	bad := &imagestore.Job{ID: "j-bad", ImageID: img.ID, NComponents: 9}
	e.store.CreateJob(bad)
	err = e.analysis.ExecuteJob(context.Background(), e.store, bad.ID)
	if processing.KindOf(err) != processing.KindShape {
		t.Errorf("too many components: err = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cancelled := &imagestore.Job{ID: "j-cancel", ImageID: img.ID, NComponents: 1}
	e.store.CreateJob(cancelled)
	if err := e.analysis.ExecuteJob(ctx, e.store, cancelled.ID); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled job: err = %v", err)
	}
	if _, err := os.Stat(e.media.ResultPath(cancelled.ID)); !os.IsNotExist(err) {
		t.Error("cancelled job wrote a result")
	}

	if _, err := ResultFile(bad); !os.IsNotExist(err) {
		t.Errorf("ResultFile of unfinished job: err = %v", err)
	}
}
