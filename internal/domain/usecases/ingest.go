// Package usecases contains application business rules.
// Clean Architecture: Usecases orchestrate entities and depend on port interfaces.
// They contain NO framework code - just the pipeline and retrieval logic.
package usecases

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gomaslegal/legalengine/internal/domain/entities"
	"github.com/gomaslegal/legalengine/internal/domain/ports"
)

var pdfMagic = []byte("%PDF-")

const summaryCap = 500

// IngestConfig tunes the ingestion coordinator.
type IngestConfig struct {
	MaxRetries    int  // processing attempts per job before dead-lettering
	Workers       int  // concurrent documents in flight
	ForceIndexing bool // index low-confidence documents instead of parking them
}

// IngestUseCase drives a document through the pipeline:
// received -> ocr_ok -> normalized -> classified -> indexed, with review
// and error as the two detours. Each stage is resumable: a re-submitted
// document picks up at its first incomplete stage.
type IngestUseCase struct {
	registry   ports.DocumentRegistry
	queue      ports.JobQueue
	store      ports.ContentStore
	ocr        ports.OCRService
	normalizer ports.Normalizer
	classifier ports.Classifier
	indexer    ports.SectionIndexer
	watcher    ports.FileWatcher
	events     ports.EventSink
	cfg        IngestConfig
	log        *slog.Logger

	backoffBase time.Duration
}

// NewIngestUseCase creates an IngestUseCase with injected dependencies.
// Dependency Injection: Adapters are passed in, not created here.
func NewIngestUseCase(
	registry ports.DocumentRegistry,
	queue ports.JobQueue,
	store ports.ContentStore,
	ocr ports.OCRService,
	normalizer ports.Normalizer,
	classifier ports.Classifier,
	indexer ports.SectionIndexer,
	watcher ports.FileWatcher,
	events ports.EventSink,
	cfg IngestConfig,
	log *slog.Logger,
) *IngestUseCase {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if events == nil {
		events = nopSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &IngestUseCase{
		registry:    registry,
		queue:       queue,
		store:       store,
		ocr:         ocr,
		normalizer:  normalizer,
		classifier:  classifier,
		indexer:     indexer,
		watcher:     watcher,
		events:      events,
		cfg:         cfg,
		log:         log,
		backoffBase: time.Second,
	}
}

// Run watches the input directory and processes every arriving file until
// the context is canceled. Per-file failures are logged, never fatal.
func (uc *IngestUseCase) Run(ctx context.Context, inputDir string) error {
	files, err := uc.watcher.Watch(ctx, inputDir)
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.cfg.Workers)

	for {
		select {
		case <-gctx.Done():
			return g.Wait()
		case path, ok := <-files:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				if err := uc.ProcessFile(gctx, path); err != nil {
					uc.log.Error("processing failed", "file", path, "error", err)
				}
				return nil
			})
		}
	}
}

// ProcessFile ingests one file end to end: stabilize, validate, dedup,
// enqueue, then run the pipeline under the durable retry policy.
func (uc *IngestUseCase) ProcessFile(ctx context.Context, path string) error {
	if err := uc.store.Stabilize(ctx, path); err != nil {
		return fmt.Errorf("waiting for %s to settle: %w", path, err)
	}
	if err := validateMagic(path); err != nil {
		if _, mvErr := uc.store.MoveToDeadLetter(path); mvErr != nil {
			uc.log.Warn("could not park rejected file", "file", path, "error", mvErr)
		}
		return err
	}

	hash, err := uc.store.HashFile(path)
	if err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}

	existing, err := uc.registry.GetByHash(ctx, hash)
	if err != nil && !errors.Is(err, ports.ErrNotFound) {
		return err
	}
	if existing != nil && existing.State == entities.StateIndexed {
		uc.log.Info("duplicate content, already indexed",
			"file", path, "doc_id", existing.ID, "hash", hash)
		uc.events.Publish("duplicate", existing.ID, path)
		return nil
	}

	var doc *entities.Document
	switch {
	case existing != nil && existing.State == entities.StateError:
		// Operator resubmission of dead-lettered content. The old staged
		// copy was parked, so the pipeline restarts on the new arrival.
		staged, err := uc.store.Stage(path)
		if err != nil {
			return fmt.Errorf("staging resubmission %s: %w", path, err)
		}
		if err := uc.registry.ResetForRetry(ctx, existing.ID, staged); err != nil {
			return fmt.Errorf("resetting doc %d: %w", existing.ID, err)
		}
		doc = existing
		doc.RawPath = staged
		doc.State = entities.StateReceived
		doc.LastError = ""
		uc.log.Info("resubmitting dead-lettered document", "doc_id", doc.ID)
		uc.events.Publish("resubmitted", doc.ID, doc.Filename)
	case existing != nil:
		// Known content that never finished. Resume from where it stopped.
		doc = existing
		uc.log.Info("resuming document", "doc_id", doc.ID, "state", doc.State)
	default:
		staged, err := uc.store.Stage(path)
		if err != nil {
			return fmt.Errorf("staging %s: %w", path, err)
		}
		doc, err = uc.registry.Register(ctx, filepath.Base(path), staged, hash)
		if err != nil {
			return fmt.Errorf("registering %s: %w", path, err)
		}
		uc.events.Publish("received", doc.ID, doc.Filename)
	}

	job, err := uc.queue.Enqueue(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("enqueueing doc %d: %w", doc.ID, err)
	}
	return uc.runJob(ctx, doc, job)
}

// runJob owns one job through its attempts. Every failed attempt is
// recorded durably; exhaustion dead-letters both the job and the file.
func (uc *IngestUseCase) runJob(ctx context.Context, doc *entities.Document, job *entities.Job) error {
	for {
		claimed, err := uc.queue.Claim(ctx, job.ID)
		if err != nil {
			return err
		}
		if !claimed {
			// Another worker owns it.
			return nil
		}

		pipeErr := uc.runPipeline(ctx, doc)
		if pipeErr == nil {
			return uc.queue.Complete(ctx, job.ID)
		}

		uc.log.Warn("pipeline attempt failed",
			"doc_id", doc.ID, "job_id", job.ID, "error", pipeErr)

		exhausted, err := uc.queue.Fail(ctx, job.ID, pipeErr.Error(), uc.cfg.MaxRetries)
		if err != nil {
			return err
		}
		if exhausted {
			return uc.deadLetter(ctx, doc, pipeErr)
		}

		job.Attempts++
		if err := sleepCtx(ctx, uc.backoff(job.Attempts)); err != nil {
			return err
		}
	}
}

func (uc *IngestUseCase) deadLetter(ctx context.Context, doc *entities.Document, cause error) error {
	if err := uc.queue.DeadLetter(ctx, doc.ID, cause.Error()); err != nil {
		return err
	}
	if err := uc.registry.MarkError(ctx, doc.ID, cause.Error()); err != nil {
		return err
	}
	if doc.RawPath != "" {
		parked, err := uc.store.MoveToDeadLetter(doc.RawPath)
		if err != nil {
			uc.log.Error("could not park dead-lettered file",
				"doc_id", doc.ID, "file", doc.RawPath, "error", err)
		} else {
			uc.log.Error("document dead-lettered",
				"doc_id", doc.ID, "file", parked, "error", cause)
		}
	}
	uc.events.Publish("dead_letter", doc.ID, cause.Error())
	return cause
}

// runPipeline executes the stages the document still needs, keeping the
// in-memory copy in step with the registry after each transition.
func (uc *IngestUseCase) runPipeline(ctx context.Context, doc *entities.Document) error {
	if doc.State == entities.StateReceived {
		if err := uc.stageOCR(ctx, doc); err != nil {
			return fmt.Errorf("ocr: %w", err)
		}
	}
	if doc.State == entities.StateOCRDone {
		if err := uc.stageNormalize(ctx, doc); err != nil {
			return fmt.Errorf("normalize: %w", err)
		}
	}
	if doc.State == entities.StateNormalized {
		if err := uc.stageClassify(ctx, doc); err != nil {
			return fmt.Errorf("classify: %w", err)
		}
	}
	if doc.State == entities.StateReview {
		// Parked for a human. The job is done; indexing resumes on approval.
		return nil
	}
	if doc.State == entities.StateClassified {
		if err := uc.stageIndex(ctx, doc); err != nil {
			return fmt.Errorf("index: %w", err)
		}
	}
	return nil
}

func (uc *IngestUseCase) stageOCR(ctx context.Context, doc *entities.Document) error {
	data, err := os.ReadFile(doc.RawPath)
	if err != nil {
		return err
	}
	res, err := uc.ocr.Recognize(ctx, data, doc.Filename)
	if err != nil {
		return err
	}
	mdPath, jsonPath, err := uc.store.WriteOCR(doc.ID, doc.Filename, res)
	if err != nil {
		return err
	}
	text := res.Markdown(doc.Filename)
	if err := uc.registry.UpdateOCR(ctx, doc.ID, mdPath, jsonPath, len(res.Pages), text); err != nil {
		return err
	}
	doc.OCRPath = mdPath
	doc.OCRJSONPath = jsonPath
	doc.Pages = len(res.Pages)
	doc.State = entities.StateOCRDone
	uc.events.Publish("ocr_ok", doc.ID, fmt.Sprintf("%d pages", doc.Pages))
	return nil
}

func (uc *IngestUseCase) stageNormalize(ctx context.Context, doc *entities.Document) error {
	raw, err := uc.store.ReadText(doc.OCRPath)
	if err != nil {
		return err
	}
	clean := uc.normalizer.Clean(raw)
	normPath, err := uc.store.WriteNormalized(doc.ID, doc.OCRPath, clean)
	if err != nil {
		return err
	}
	if err := uc.registry.UpdateNormalized(ctx, doc.ID, normPath); err != nil {
		return err
	}
	doc.NormPath = normPath
	doc.State = entities.StateNormalized
	uc.events.Publish("normalized", doc.ID, normPath)
	return nil
}

func (uc *IngestUseCase) stageClassify(ctx context.Context, doc *entities.Document) error {
	text, err := uc.store.ReadText(doc.NormPath)
	if err != nil {
		return err
	}
	c, err := uc.classifier.Classify(ctx, text)
	if err != nil {
		return err
	}
	if err := uc.registry.UpdateClassification(ctx, doc.ID, c); err != nil {
		return err
	}
	doc.Type = c.Type
	doc.Confidence = c.Confidence
	doc.Tags = c.Tags
	doc.Entities = c.Entities
	doc.RequiresReview = c.RequiresReview
	doc.State = entities.StateClassified
	uc.events.Publish("classified", doc.ID, c.Type)

	if c.RequiresReview && !uc.cfg.ForceIndexing {
		if doc.RawPath != "" {
			if err := uc.store.CopyToReview(doc.RawPath); err != nil {
				return err
			}
		}
		if err := uc.registry.SetState(ctx, doc.ID, entities.StateReview); err != nil {
			return err
		}
		doc.State = entities.StateReview
		uc.events.Publish("review", doc.ID,
			fmt.Sprintf("confidence %.2f", c.Confidence))
	}
	return nil
}

func (uc *IngestUseCase) stageIndex(ctx context.Context, doc *entities.Document) error {
	tree, err := uc.indexer.Index(ctx, doc.ID, doc.NormPath)
	if err != nil {
		return err
	}
	if _, err := uc.store.SaveTree(tree); err != nil {
		return err
	}
	if err := uc.registry.MarkIndexed(ctx, doc.ID, treeSummary(tree)); err != nil {
		return err
	}
	doc.Summary = treeSummary(tree)
	doc.State = entities.StateIndexed
	uc.events.Publish("indexed", doc.ID, doc.Filename)
	return nil
}

// Approve releases a document parked in review and finishes indexing it.
func (uc *IngestUseCase) Approve(ctx context.Context, docID int64) error {
	doc, err := uc.registry.GetByID(ctx, docID)
	if err != nil {
		return err
	}
	if doc.State != entities.StateReview {
		return fmt.Errorf("document %d is %s, not awaiting review", docID, doc.State)
	}
	if err := uc.registry.SetState(ctx, docID, entities.StateClassified); err != nil {
		return err
	}
	doc.State = entities.StateClassified
	job, err := uc.queue.Enqueue(ctx, docID)
	if err != nil {
		return err
	}
	return uc.runJob(ctx, doc, job)
}

// Delete removes a document, its index entry and its jobs.
func (uc *IngestUseCase) Delete(ctx context.Context, docID int64) error {
	return uc.registry.Delete(ctx, docID)
}

// treeSummary condenses the root-level section summaries into the short
// description stored on the document row.
func treeSummary(tree *entities.SectionTree) string {
	var parts []string
	for _, root := range tree.Roots {
		s := strings.TrimSpace(root.Summary)
		if s == "" {
			s = root.Title
		}
		if s != "" {
			parts = append(parts, s)
		}
	}
	summary := strings.Join(parts, " ")
	if len(summary) > summaryCap {
		summary = cutRunes(summary, summaryCap)
	}
	return summary
}

// validateMagic rejects files whose content does not match their claimed
// format. Only PDF has a check today.
func validateMagic(path string) error {
	if !strings.EqualFold(filepath.Ext(path), ".pdf") {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	head := make([]byte, len(pdfMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		return fmt.Errorf("reading header of %s: %w", path, err)
	}
	if !bytes.Equal(head, pdfMagic) {
		return fmt.Errorf("%s is not a valid PDF", path)
	}
	return nil
}

// backoff doubles the wait per attempt: 2s, 4s, 8s.
func (uc *IngestUseCase) backoff(attempts int) time.Duration {
	return time.Duration(1<<attempts) * uc.backoffBase
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopSink struct{}

func (nopSink) Publish(string, int64, string) {}
