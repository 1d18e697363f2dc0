// Package ingest implements the Ingest Pipeline: a bounded work queue in
// front of a fixed pool of worker goroutines, each running one instance
// through DicomReader -> Element Transformer -> Export Sink, with failures
// routed to the Quarantine Manager by error kind. A separate Autosave
// goroutine periodically flushes the PHI Store so a crash never loses more
// than one interval's worth of identity state.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rsna/dicom-anonymizer/internal/dcmio"
	"github.com/rsna/dicom-anonymizer/internal/errs"
	"github.com/rsna/dicom-anonymizer/internal/export"
	"github.com/rsna/dicom-anonymizer/internal/logger"
	"github.com/rsna/dicom-anonymizer/internal/metrics"
	"github.com/rsna/dicom-anonymizer/internal/phistore"
	"github.com/rsna/dicom-anonymizer/internal/quarantine"
	"github.com/rsna/dicom-anonymizer/internal/transform"
)

// job is one unit of ingest work: either a source file path or an
// already-parsed in-memory dataset, plus the origin tag recorded for
// diagnostics (watched directory, manual submission, DIMSE association,
// etc). ds is nil for a path-based job, per spec §4.6's queue of
// (source, item) where item is either a dataset or a filesystem path.
type job struct {
	path   string
	source string
	ds     dcmio.Dataset
}

// Pipeline owns the queue, the worker pool, and the autosave loop.
type Pipeline struct {
	reader      dcmio.Reader
	transformer *transform.Transformer
	store       *phistore.Store
	quarantine  *quarantine.Manager
	sink        export.Sink
	metrics     *metrics.Metrics
	log         *logger.Logger

	queue chan job

	dirty atomic.Bool

	autosaveInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures a Pipeline.
type Options struct {
	Reader           dcmio.Reader
	Transformer      *transform.Transformer
	Store            *phistore.Store
	Quarantine       *quarantine.Manager
	Sink             export.Sink
	Metrics          *metrics.Metrics
	WorkerCount      int
	QueueDepth       int
	AutosaveInterval time.Duration
	Log              *logger.Logger
}

// New builds a Pipeline. Call Start to launch the worker pool and the
// autosave loop; call Stop to drain and shut everything down cleanly.
func New(opts Options) *Pipeline {
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		reader:           opts.Reader,
		transformer:      opts.Transformer,
		store:            opts.Store,
		quarantine:       opts.Quarantine,
		sink:             opts.Sink,
		metrics:          opts.Metrics,
		log:              opts.Log,
		queue:            make(chan job, depth),
		autosaveInterval: opts.AutosaveInterval,
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Start launches the configured number of worker goroutines plus the
// autosave loop.
func (p *Pipeline) Start(workerCount int) {
	if workerCount <= 0 {
		workerCount = 2
	}
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	if p.autosaveInterval > 0 {
		p.wg.Add(1)
		go p.autosaveLoop()
	}
}

// Enqueue submits a file path for ingest. It blocks if the queue is full,
// applying backpressure to whatever is feeding the pipeline (file watcher,
// HTTP upload handler, batch importer).
func (p *Pipeline) Enqueue(path, source string) {
	select {
	case p.queue <- job{path: path, source: source}:
	case <-p.ctx.Done():
	}
}

// TryEnqueue submits a file path without blocking. It reports false if the
// queue is full or the pipeline has been stopped.
func (p *Pipeline) TryEnqueue(path, source string) bool {
	select {
	case p.queue <- job{path: path, source: source}:
		return true
	case <-p.ctx.Done():
		return false
	default:
		return false
	}
}

// EnqueueDataset submits an already-parsed in-memory dataset for ingest,
// tagged with source for diagnostics. This is the path a DICOM SCP
// collaborator uses: it already holds a parsed dataset from a C-STORE
// association and has no file on disk to hand Enqueue.
func (p *Pipeline) EnqueueDataset(source string, ds dcmio.Dataset) {
	select {
	case p.queue <- job{source: source, ds: ds}:
	case <-p.ctx.Done():
	}
}

// Stop drains in-flight work, cancels the autosave loop, waits for every
// worker to exit, and then performs one final save.
func (p *Pipeline) Stop() {
	close(p.queue)
	p.cancel()
	p.wg.Wait()
	if err := p.store.Save(); err != nil {
		p.log.Errorf("stop", "final save failed: %v", err)
	}
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	for j := range p.queue {
		p.processGuarded(j)
	}
}

// processGuarded runs process and recovers from any panic it raises, so a
// bug in one instance's transform quarantines that instance instead of
// taking the whole worker down.
func (p *Pipeline) processGuarded(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("worker", "recovered panic processing %s: %v", jobLabel(j), r)
			p.quarantineJob(j, quarantine.StorageError, fmt.Errorf("panic: %v", r))
		}
	}()
	p.process(j)
}

func (p *Pipeline) process(j job) {
	start := time.Now()
	ds := j.ds
	if ds == nil {
		var err error
		ds, err = p.reader.Read(j.path)
		if err != nil {
			p.routeReadError(j, err)
			return
		}
	}

	if p.metrics != nil {
		p.metrics.InstancesReceived.Add(1)
	}

	outPath, err := p.transformer.Transform(ds)
	if p.metrics != nil {
		p.metrics.RecordTransformLatency(time.Since(start))
	}
	if err != nil {
		p.routeTransformError(j, err)
		return
	}

	p.dirty.Store(true)
	if p.metrics != nil {
		p.metrics.InstancesAnonymized.Add(1)
	}

	p.export(j, outPath)
}

func (p *Pipeline) export(j job, outPath string) {
	if p.sink == nil {
		return
	}
	anonPatientID, studyUID, seriesUID, sopUID := splitOutPath(outPath)
	if err := p.sink.Send(anonPatientID, studyUID, seriesUID, sopUID, outPath); err != nil {
		if p.metrics != nil {
			p.metrics.ExportsFailed.Add(1)
		}
		p.log.Warnf("export", "%s: %v", jobLabel(j), err)
		return
	}
	if p.metrics != nil {
		p.metrics.ExportsSent.Add(1)
	}
}

// splitOutPath extracts the four path segments the Element Transformer
// lays down: imagesDir/anonPatientID/studyUID/seriesUID/sopUID.dcm.
func splitOutPath(outPath string) (patientID, studyUID, seriesUID, sopUID string) {
	segs := pathSegments(outPath)
	n := len(segs)
	if n < 4 {
		return "", "", "", ""
	}
	sop := segs[n-1]
	sop = trimDCMExt(sop)
	return segs[n-4], segs[n-3], segs[n-2], sop
}

func pathSegments(p string) []string {
	var segs []string
	cur := ""
	for _, r := range p {
		if r == '/' || r == '\\' {
			if cur != "" {
				segs = append(segs, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		segs = append(segs, cur)
	}
	return segs
}

func trimDCMExt(name string) string {
	const ext = ".dcm"
	if len(name) > len(ext) && name[len(name)-len(ext):] == ext {
		return name[:len(name)-len(ext)]
	}
	return name
}

func (p *Pipeline) routeReadError(j job, err error) {
	kind := quarantine.DICOMReadError
	if re, ok := err.(*errs.ReadError); ok && re.Kind == errs.ReadNotDicom {
		kind = quarantine.InvalidDICOM
	}
	p.quarantineJob(j, kind, err)
}

func (p *Pipeline) routeTransformError(j job, err error) {
	kind := quarantine.StorageError
	switch err.(type) {
	case *errs.ClassificationError:
		kind = p.classificationKind(err)
	case *errs.PhiError:
		kind = quarantine.CapturePHIError
		if p.metrics != nil {
			p.metrics.ErrorsCapturePHI.Add(1)
		}
	case *errs.StorageError:
		kind = quarantine.StorageError
		if p.metrics != nil {
			p.metrics.ErrorsStorage.Add(1)
		}
	}
	p.quarantineJob(j, kind, err)
}

func (p *Pipeline) classificationKind(err error) quarantine.Kind {
	ce, ok := err.(*errs.ClassificationError)
	if !ok {
		return quarantine.MissingAttributes
	}
	if ce.Kind == errs.ClassInvalidStorageClass {
		return quarantine.InvalidStorageClass
	}
	return quarantine.MissingAttributes
}

func (p *Pipeline) quarantineJob(j job, kind quarantine.Kind, cause error) {
	if p.metrics != nil {
		p.metrics.InstancesQuarantined.Add(1)
	}
	if j.ds != nil {
		label := jobLabel(j)
		if _, err := p.quarantine.QuarantineDataset(kind, label, j.ds, cause); err != nil {
			p.log.Errorf("quarantine", "%s: failed to quarantine dataset %s: %v", kind, label, err)
		}
		return
	}
	if _, err := p.quarantine.Quarantine(kind, j.path, cause); err != nil {
		p.log.Errorf("quarantine", "%s: failed to quarantine %s: %v", kind, j.path, err)
	}
}

// jobLabel names a dataset-sourced job for logging and quarantine
// filenames, since it has no source path on disk to fall back on.
func jobLabel(j job) string {
	if j.path != "" {
		return j.path
	}
	label := strings.ReplaceAll(j.source, "/", "_")
	return "dataset-" + label
}

// autosaveLoop saves the PHI Store on a fixed interval, but only when the
// dirty flag has been set since the last save — an idle engine never
// touches disk.
func (p *Pipeline) autosaveLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.autosaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if !p.dirty.CompareAndSwap(true, false) {
				continue
			}
			start := time.Now()
			if err := p.store.Save(); err != nil {
				p.log.Errorf("autosave", "%v", err)
				if p.metrics != nil {
					p.metrics.ErrorsPersist.Add(1)
				}
				p.dirty.Store(true) // retry on the next tick
				continue
			}
			if p.metrics != nil {
				p.metrics.RecordSaveLatency(time.Since(start))
			}
		}
	}
}
