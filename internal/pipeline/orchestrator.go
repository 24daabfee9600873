package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/clipreel/api/internal/client"
	"github.com/clipreel/api/internal/exceptions"
	"github.com/clipreel/api/internal/jobstate"
	"github.com/clipreel/api/internal/model"
	"github.com/clipreel/api/internal/progress"
	"github.com/clipreel/api/internal/selector"
	"github.com/clipreel/api/internal/store"
	"github.com/sirupsen/logrus"
)

// share of the processing window spent on extraction; concat takes the rest
const extractShare = 0.5

// Expirer schedules removal of an uploaded object.
type Expirer interface {
	ScheduleExpiry(ctx context.Context, jobID, objectKey string, after time.Duration) error
}

// Options configures an Orchestrator.
type Options struct {
	WorkDir   string
	Selection selector.Options
	Windows   progress.Windows

	VerifyTimeout   time.Duration
	VerifyInterval  time.Duration
	DownloadTimeout time.Duration
	ProcessTimeout  time.Duration
	UploadTimeout   time.Duration

	URLExpiry time.Duration
	KeyPrefix string
}

// Dependencies are the orchestrator's collaborators. Expirer, Notifier,
// Reporter, Source and Logger are optional.
type Dependencies struct {
	Store    store.JobStore
	Fetcher  client.Fetcher
	Engine   client.MediaEngine
	Storage  client.StorageClient
	Expirer  Expirer
	Notifier jobstate.Notifier
	Reporter exceptions.Reporter
	Logger   *logrus.Logger

	// Source returns the random source used for one job's selection.
	Source func(jobID string) selector.Source
}

// Orchestrator runs one job from QUEUED to a terminal state.
type Orchestrator struct {
	deps Dependencies
	opts Options
}

func NewOrchestrator(deps Dependencies, opts Options) (*Orchestrator, error) {
	if deps.Store == nil || deps.Fetcher == nil || deps.Engine == nil || deps.Storage == nil {
		return nil, errors.New("orchestrator requires store, fetcher, engine and storage")
	}
	if opts.Windows == nil {
		opts.Windows = progress.DefaultWindows()
	}
	if err := opts.Windows.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Selection.Validate(); err != nil {
		return nil, err
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Reporter == nil {
		deps.Reporter = &exceptions.NoopReporter{}
	}
	if deps.Source == nil {
		deps.Source = func(string) selector.Source {
			return selector.NewSource(uint64(time.Now().UnixNano()))
		}
	}
	return &Orchestrator{deps: deps, opts: opts}, nil
}

// Run executes job jobID. A pipeline failure is recorded on the job and Run
// returns nil; an error means the job could not be loaded or its terminal
// state could not be persisted. A job found mid-stage is failed as
// interrupted without running again.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.deps.Store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if job.State.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", ErrNotRunnable, jobID, job.State)
	}

	log := o.deps.Logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"media_kind": job.MediaKind,
	})
	machine := jobstate.New(o.deps.Store, job, o.deps.Notifier)
	if job.State != model.JobStateQueued {
		return o.failInterrupted(ctx, log, machine)
	}
	agg, err := progress.NewAggregator(machine, o.opts.Windows)
	if err != nil {
		return err
	}

	r := &run{
		o:       o,
		job:     job,
		agg:     agg,
		log:     log,
		current: model.JobStateQueued,
	}

	started := time.Now()
	result, runErr := r.execute(ctx)
	r.cleanup()

	// terminal writes must land even when ctx was cancelled
	final := context.WithoutCancel(ctx)

	if runErr == nil {
		err := machine.Succeed(final, *result)
		if err == nil {
			log.WithFields(logrus.Fields{
				"segments": result.SegmentCount,
				"duration": result.Duration,
				"elapsed":  time.Since(started).String(),
			}).Info("Job completed")
			o.scheduleExpiry(final, log, job.ID, result.ObjectKey)
			return nil
		}
		// the job will read FAILED, so its object must not outlive it
		if delErr := o.deps.Storage.Delete(final, result.ObjectKey); delErr != nil {
			log.WithError(delErr).WithField("key", result.ObjectKey).Warn("Failed to remove orphaned upload")
		}
		runErr = &StageError{Stage: model.JobStateUploading, Err: err}
	}

	log.WithError(runErr).WithField("stage", r.current).Error("Job failed")
	if err := machine.Fail(final, runErr.Error()); err != nil {
		return fmt.Errorf("failed to record failure for job %s: %w", jobID, err)
	}
	return nil
}

// failInterrupted closes out a job whose previous run stopped mid-stage,
// typically a task requeued when a worker shut down. The leftover workspace
// is removed and the job is failed from the stage it was in.
func (o *Orchestrator) failInterrupted(ctx context.Context, log *logrus.Entry, machine *jobstate.Machine) error {
	stage := machine.State()
	log = log.WithField("stage", stage)
	log.Warn("Job was interrupted by a previous worker")

	if ws, err := NewWorkspace(o.opts.WorkDir, machine.Job().ID); err == nil {
		if err := ws.Cleanup(); err != nil {
			log.WithError(err).Warn("Failed to remove workspace")
		}
	}

	cause := fmt.Sprintf("interrupted: worker stopped during %s", stageLabel(stage))
	if err := machine.Fail(context.WithoutCancel(ctx), cause); err != nil {
		return fmt.Errorf("failed to record interruption for job %s: %w", machine.Job().ID, err)
	}
	return nil
}

func (o *Orchestrator) scheduleExpiry(ctx context.Context, log *logrus.Entry, jobID, key string) {
	if o.deps.Expirer == nil || o.opts.URLExpiry <= 0 {
		return
	}
	if err := o.deps.Expirer.ScheduleExpiry(ctx, jobID, key, o.opts.URLExpiry); err != nil {
		log.WithError(err).Warn("Failed to schedule object expiry")
	}
}

// run carries per-job state through the stages.
type run struct {
	o       *Orchestrator
	job     *model.Job
	agg     *progress.Aggregator
	log     *logrus.Entry
	ws      *Workspace
	current model.JobState
}

func (r *run) execute(ctx context.Context) (result *model.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.WithField("panic", p).Error("Recovered from panic in pipeline")
			r.o.deps.Reporter.ReportException(fmt.Errorf("%w: %v", ErrUnexpectedFault, p), map[string]string{
				"job_id": r.job.ID,
				"stage":  string(r.current),
			})
			result = nil
			err = &StageError{Stage: r.current, Err: ErrUnexpectedFault}
		}
	}()

	ws, err := NewWorkspace(r.o.opts.WorkDir, r.job.ID)
	if err != nil {
		return nil, &StageError{Stage: r.current, Err: err}
	}
	r.ws = ws

	media, err := r.download(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.verify(ctx, media); err != nil {
		return nil, err
	}
	out, segments, err := r.process(ctx, media)
	if err != nil {
		return nil, err
	}
	return r.upload(ctx, media, out, segments)
}

func (r *run) cleanup() {
	if r.ws == nil {
		return
	}
	if err := r.ws.Cleanup(); err != nil {
		r.log.WithError(err).Warn("Failed to remove workspace")
	}
}

func (r *run) enter(ctx context.Context, stage model.JobState, message string) error {
	if err := r.agg.Enter(ctx, stage, message); err != nil {
		return &StageError{Stage: stage, Err: err}
	}
	r.current = stage
	r.log.WithField("stage", stage).Info(message)
	return nil
}

func (r *run) report(ctx context.Context, fraction float64, message string) {
	err := r.agg.Report(ctx, progress.Event{Stage: r.current, Fraction: fraction, Message: message})
	if err != nil {
		r.warnProgress(err)
	}
}

func (r *run) warnProgress(err error) {
	r.log.WithError(err).WithField("stage", r.current).Warn("Failed to record progress")
}

func (r *run) download(ctx context.Context) (*model.Media, error) {
	stage := model.JobStateDownloading
	if err := r.enter(ctx, stage, "Downloading source"); err != nil {
		return nil, err
	}

	dctx, cancel := withTimeout(ctx, r.o.opts.DownloadTimeout)
	defer cancel()

	media, err := r.o.deps.Fetcher.Fetch(dctx, client.FetchRequest{
		Locator: r.job.SourceLocator,
		Kind:    r.job.MediaKind,
		Dir:     r.ws.Dir(),
		Name:    "source",
	}, r.agg.Func(ctx, stage, r.warnProgress))
	if err != nil {
		return nil, &StageError{Stage: stage, Err: wrap(client.ErrFetch, err)}
	}
	r.ws.Track(media.Path)
	return media, nil
}

func (r *run) verify(ctx context.Context, media *model.Media) error {
	stage := model.JobStateVerifyingDownload
	if err := r.enter(ctx, stage, "Verifying download"); err != nil {
		return err
	}

	size, err := awaitFile(ctx, media.Path, r.o.opts.VerifyTimeout, r.o.opts.VerifyInterval)
	if err != nil {
		return &StageError{Stage: stage, Err: err}
	}
	r.log.WithField("bytes", size).Debug("Download verified")
	r.report(ctx, 1, "Download verified")
	return nil
}

func (r *run) process(ctx context.Context, media *model.Media) (string, []model.Segment, error) {
	stage := model.JobStateProcessing
	if err := r.enter(ctx, stage, "Selecting segments"); err != nil {
		return "", nil, err
	}

	segments, err := selector.Select(media.Duration, r.o.opts.Selection, r.o.deps.Source(r.job.ID))
	if err != nil {
		return "", nil, &StageError{Stage: stage, Err: err}
	}
	r.log.WithFields(logrus.Fields{
		"segments":        len(segments),
		"source_duration": media.Duration,
	}).Info("Segments selected")

	pctx, cancel := withTimeout(ctx, r.o.opts.ProcessTimeout)
	defer cancel()

	ext := r.job.MediaKind.Extension()
	clips := make([]model.Clip, 0, len(segments))
	for i, seg := range segments {
		out := r.ws.Path(fmt.Sprintf("clip-%02d.%s", i, ext))
		clip, err := r.o.deps.Engine.Extract(pctx, media.Path, seg, out, r.job.MediaKind)
		if err != nil {
			return "", nil, &StageError{Stage: stage, Err: wrap(client.ErrEncode, err)}
		}
		clips = append(clips, *clip)
		r.report(ctx, extractShare*float64(i+1)/float64(len(segments)),
			fmt.Sprintf("Extracted segment %d of %d", i+1, len(segments)))
	}

	out := r.ws.Path("compiled." + ext)
	err = r.o.deps.Engine.Concatenate(pctx, clips, out, r.job.MediaKind, func(fraction float64, message string) {
		r.report(ctx, extractShare+(1-extractShare)*fraction, message)
	})
	if err != nil {
		return "", nil, &StageError{Stage: stage, Err: wrap(client.ErrEncode, err)}
	}
	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		return "", nil, &StageError{Stage: stage, Err: fmt.Errorf("%w: compiled output missing or empty", client.ErrEncode)}
	}

	return out, segments, nil
}

func (r *run) upload(ctx context.Context, media *model.Media, out string, segments []model.Segment) (*model.Result, error) {
	stage := model.JobStateUploading
	if err := r.enter(ctx, stage, "Uploading result"); err != nil {
		return nil, err
	}

	uctx, cancel := withTimeout(ctx, r.o.opts.UploadTimeout)
	defer cancel()

	key := objectKey(r.o.opts.KeyPrefix, r.job.ID, r.job.MediaKind)
	url, err := r.o.deps.Storage.UploadFile(uctx, out, key, r.job.MediaKind.ContentType(), r.o.opts.URLExpiry)
	if err != nil {
		return nil, &StageError{Stage: stage, Err: wrap(client.ErrStore, err)}
	}
	r.report(ctx, 1, "Upload complete")

	title := media.Title
	if title == "" {
		title = "Unknown"
	}
	return &model.Result{
		URL:          url,
		Title:        title,
		Duration:     selector.Total(segments),
		SegmentCount: len(segments),
		ObjectKey:    key,
		ExpiresAt:    time.Now().Add(r.o.opts.URLExpiry).UTC(),
	}, nil
}

func objectKey(prefix, jobID string, kind model.MediaKind) string {
	return path.Join(prefix, jobID, "compiled."+kind.Extension())
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
