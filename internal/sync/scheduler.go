package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/slewanld/AndroidAPS-sub001/internal/model"
	"github.com/slewanld/AndroidAPS-sub001/internal/remote"
	"github.com/slewanld/AndroidAPS-sub001/internal/status"
)

const (
	otelScope       = "nssync/sync"
	spanTick        = "sync.tick"
	spanUpload      = "sync.upload"
	spanLoad        = "sync.load"
	metricTicks     = "nssync.sync.ticks"
	metricPushed    = "nssync.upload.pushed"
	metricConfirmed = "nssync.upload.confirmed"
	metricRejected  = "nssync.upload.rejected"
	metricMerged    = "nssync.download.merged"
	metricErrors    = "nssync.sync.errors"
)

// Status strings published while a tick runs.
const (
	PhaseIdle        = "Idle"
	PhaseUploading   = "Uploading"
	PhaseDownloading = "Downloading"
)

// Trigger says why a tick runs.
type Trigger int

const (
	TriggerTimer Trigger = iota
	TriggerManual
	TriggerConnectivity
	TriggerFullSync
	TriggerRemoteChange
)

func (t Trigger) String() string {
	switch t {
	case TriggerTimer:
		return "timer"
	case TriggerManual:
		return "manual"
	case TriggerConnectivity:
		return "connectivity"
	case TriggerFullSync:
		return "full sync"
	case TriggerRemoteChange:
		return "remote change"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// TickResult summarises one tick.
type TickResult struct {
	Session    string
	Trigger    Trigger
	Connection model.ConnectionState
	Upload     UploadResult

	// Loads holds the heartbeat result first, then one result per loader
	// that ran.
	Loads []LoadResult

	// Busy names the units skipped because a previous pass was still running.
	Busy []string
}

// Options configures a [Scheduler] built with [New].
type Options struct {
	PollInterval        time.Duration
	AckTimeout          time.Duration
	UploadBatchSize     int
	PageSize            int
	Workers             int
	RetentionDays       int
	PurgeOnFullSync     bool
	FoodReloadEvery     int
	DeviceStatusOverlap time.Duration
	HistoryOverlap      time.Duration
	LiveUpdates         bool
}

// Scheduler decides when uploads and downloads run. Create one with [New]
// and start it with [Scheduler.Run], or run single passes with
// [Scheduler.RunOnce].
type Scheduler struct {
	remote    RemoteClient
	listener  FeedListener
	uploader  *Uploader
	acks      *AckProcessor
	fullSync  *FullSyncCoordinator
	heartbeat Loader
	loaders   []Loader
	status    *status.Repository
	log       *slog.Logger

	pollInterval time.Duration
	workers      int
	triggers     chan Trigger

	// One upload pass and one pass per collection at a time.
	uploadMu sync.Mutex
	loadMu   map[model.Collection]*sync.Mutex

	// OTel instruments, never nil (no-op when telemetry is disabled).
	tracer       trace.Tracer
	cntTicks     metric.Int64Counter
	cntPushed    metric.Int64Counter
	cntConfirmed metric.Int64Counter
	cntRejected  metric.Int64Counter
	cntMerged    metric.Int64Counter
	cntErrors    metric.Int64Counter
}

// New wires a Scheduler and its components. When opts.LiveUpdates is set and
// rc implements [FeedListener], remote change events trigger ticks.
func New(rc RemoteClient, store LocalStore, repo *status.Repository, opts Options, logger *slog.Logger) *Scheduler {
	acks := NewAckProcessor(store, repo, logger, 0)
	beat := &Heartbeat{}

	loaders := []Loader{
		NewHistoryLoader(model.CollectionEntries, rc, store, repo, beat, logger, opts.PageSize, opts.HistoryOverlap),
		NewHistoryLoader(model.CollectionTreatments, rc, store, repo, beat, logger, opts.PageSize, opts.HistoryOverlap),
		NewHistoryLoader(model.CollectionDeviceStatus, rc, store, repo, beat, logger, opts.PageSize, opts.DeviceStatusOverlap),
		NewFetchAllLoader(model.CollectionFood, rc, store, repo, logger, opts.PageSize, opts.FoodReloadEvery),
	}

	s := NewScheduler(
		rc,
		NewUploader(store, rc, acks, repo, logger, opts.UploadBatchSize, opts.AckTimeout),
		acks,
		NewFullSyncCoordinator(store, repo, logger, opts.RetentionDays, opts.PurgeOnFullSync),
		NewHeartbeatLoader(rc, store, repo, beat, logger),
		loaders,
		repo,
		opts.PollInterval,
		opts.Workers,
		logger,
	)
	if l, ok := rc.(FeedListener); ok && opts.LiveUpdates {
		s.listener = l
	}
	return s
}

// NewScheduler creates a Scheduler from already built components.
func NewScheduler(rc RemoteClient, uploader *Uploader, acks *AckProcessor, fullSync *FullSyncCoordinator, heartbeat Loader, loaders []Loader, repo *status.Repository, pollInterval time.Duration, workers int, logger *slog.Logger) *Scheduler {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	if workers <= 0 {
		workers = 1
	}
	loadMu := make(map[model.Collection]*sync.Mutex, len(loaders)+1)
	loadMu[heartbeat.Collection()] = &sync.Mutex{}
	for _, l := range loaders {
		loadMu[l.Collection()] = &sync.Mutex{}
	}

	return &Scheduler{
		remote:    rc,
		uploader:  uploader,
		acks:      acks,
		fullSync:  fullSync,
		heartbeat: heartbeat,
		loaders:   loaders,
		status:    repo,
		log:       logger,

		pollInterval: pollInterval,
		workers:      workers,
		triggers:     make(chan Trigger, 8),
		loadMu:       loadMu,

		tracer:       tracer,
		cntTicks:     mustCounter(metricTicks, "Number of sync ticks"),
		cntPushed:    mustCounter(metricPushed, "Number of records pushed to the remote"),
		cntConfirmed: mustCounter(metricConfirmed, "Number of pushed records acknowledged by the remote"),
		cntRejected:  mustCounter(metricRejected, "Number of pushed records rejected by the remote"),
		cntMerged:    mustCounter(metricMerged, "Number of downloaded records that changed the local store"),
		cntErrors:    mustCounter(metricErrors, "Number of errors encountered during sync"),
	}
}

// FullSync returns the full-sync coordinator.
func (s *Scheduler) FullSync() *FullSyncCoordinator {
	return s.fullSync
}

// Tick runs one scheduling pass: connection check, upload, then downloads.
// Failures are logged to the status repository; Tick never fails.
func (s *Scheduler) Tick(ctx context.Context, trigger Trigger) TickResult {
	res := TickResult{Session: ulid.Make().String(), Trigger: trigger}
	log := s.log.With("session", res.Session, "trigger", trigger.String())

	ctx, span := s.tracer.Start(ctx, spanTick, trace.WithAttributes(
		attribute.String("sync.session", res.Session),
		attribute.String("sync.trigger", trigger.String()),
	))
	defer span.End()
	s.cntTicks.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger.String())))

	log.Debug("tick started")
	conn, refreshed := s.connection(ctx, log)
	res.Connection = conn
	span.SetAttributes(
		attribute.Bool("sync.reachable", conn.Reachable),
		attribute.Bool("sync.can_upload", conn.CanUpload()),
	)

	// --- Upload ---
	if s.uploadMu.TryLock() {
		res.Upload = s.upload(ctx, log, conn, refreshed)
		s.uploadMu.Unlock()
	} else {
		res.Busy = append(res.Busy, "upload")
		s.status.Log(status.ActionSkip, "upload already running", "")
	}

	// --- Download ---
	if conn.Reachable {
		s.status.SetStatus(PhaseDownloading)
		res.Loads, res.Busy = s.download(ctx, log, res.Busy)
	} else {
		s.status.Log(status.ActionSkip, "download skipped", conn.Reason())
	}

	s.status.SetStatus(PhaseIdle)
	log.Debug("tick finished", "busy", res.Busy)
	return res
}

// connection derives the connection state, refreshing the token once when
// the remote is reachable but rejects the current one.
func (s *Scheduler) connection(ctx context.Context, log *slog.Logger) (model.ConnectionState, bool) {
	conn, err := s.remote.Status(ctx)
	if err != nil {
		log.Warn("checking remote status", "error", err)
	}
	if !conn.Reachable || conn.Authenticated {
		return conn, false
	}

	if !s.refreshToken(ctx) {
		return conn, true
	}
	conn, err = s.remote.Status(ctx)
	if err != nil {
		log.Warn("checking remote status after token refresh", "error", err)
	}
	return conn, true
}

func (s *Scheduler) refreshToken(ctx context.Context) bool {
	if err := s.remote.RefreshToken(ctx); err != nil {
		s.cntErrors.Add(ctx, 1)
		s.status.Log(status.ActionAuth, "token refresh failed", err.Error())
		s.status.SetLastError(err.Error())
		return false
	}
	s.log.Debug("access token refreshed")
	return true
}

func (s *Scheduler) upload(ctx context.Context, log *slog.Logger, conn model.ConnectionState, refreshed bool) UploadResult {
	ctx, span := s.tracer.Start(ctx, spanUpload)
	defer span.End()

	if !conn.CanUpload() {
		reason := conn.Reason()
		action := status.ActionAuth
		if !conn.Reachable {
			action = status.ActionSkip
		}
		s.status.Log(action, "upload skipped", reason)
		if conn.Reachable && !refreshed {
			s.refreshToken(ctx)
		}
		return UploadResult{Reason: reason}
	}

	// A pending full sync only finishes on a pass that can re-upload.
	if s.fullSync.Pending() {
		s.fullSync.ResumeUpload()
	}

	s.status.SetStatus(PhaseUploading)
	up, err := s.uploader.UploadPending(ctx, conn)

	if up.Pushed > 0 {
		s.cntPushed.Add(ctx, int64(up.Pushed))
	}
	if up.Confirmed > 0 {
		s.cntConfirmed.Add(ctx, int64(up.Confirmed))
	}
	if up.Rejected > 0 {
		s.cntRejected.Add(ctx, int64(up.Rejected))
	}
	span.SetAttributes(
		attribute.Int("upload.selected", up.Selected),
		attribute.Int("upload.confirmed", up.Confirmed),
		attribute.Int("upload.rejected", up.Rejected),
		attribute.Int("upload.failed", up.Failed),
		attribute.Int("upload.timed_out", up.TimedOut),
	)

	switch {
	case err == nil:
	case errors.Is(err, remote.ErrUnauthorized), errors.Is(err, remote.ErrForbidden):
		span.RecordError(err)
		s.cntErrors.Add(ctx, 1)
		s.status.SetLastError(err.Error())
		s.refreshToken(ctx)
	case ctx.Err() != nil:
		log.Debug("upload interrupted", "error", err)
	default:
		span.RecordError(err)
		s.cntErrors.Add(ctx, 1)
		s.status.Log(status.ActionError, "upload failed", err.Error())
		s.status.SetLastError(err.Error())
	}
	return up
}

// download runs the heartbeat loader and then every other loader on a
// bounded worker pool.
func (s *Scheduler) download(ctx context.Context, log *slog.Logger, busy []string) ([]LoadResult, []string) {
	var mu sync.Mutex
	var results []LoadResult
	collect := func(r LoadResult, ran bool) {
		mu.Lock()
		defer mu.Unlock()
		if ran {
			results = append(results, r)
		} else {
			busy = append(busy, string(r.Collection))
		}
	}

	collect(s.runLoader(ctx, log, s.heartbeat))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, l := range s.loaders {
		g.Go(func() error {
			collect(s.runLoader(ctx, log, l))
			return nil
		})
	}
	_ = g.Wait()
	return results, busy
}

// runLoader runs one loader pass unless one is already running for the same
// collection. The bool is false when the pass was skipped as busy.
func (s *Scheduler) runLoader(ctx context.Context, log *slog.Logger, l Loader) (LoadResult, bool) {
	c := l.Collection()
	mu := s.loadMu[c]
	if !mu.TryLock() {
		s.status.Log(status.ActionSkip, fmt.Sprintf("%s load already running", c), "")
		return LoadResult{Collection: c}, false
	}
	defer mu.Unlock()

	ctx, span := s.tracer.Start(ctx, spanLoad, trace.WithAttributes(attribute.String("sync.collection", string(c))))
	defer span.End()

	res, err := l.Load(ctx)
	res.Collection = c
	if err != nil {
		span.RecordError(err)
		s.cntErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("collection", string(c))))
		s.status.Log(status.ActionError, fmt.Sprintf("%s load failed", c), err.Error())
		s.status.SetLastError(err.Error())
		log.Debug("loader failed", "collection", c, "error", err)
		return res, true
	}

	if n := res.Merged(); n > 0 {
		s.cntMerged.Add(ctx, int64(n), metric.WithAttributes(attribute.String("collection", string(c))))
	}
	span.SetAttributes(
		attribute.Int("load.fetched", res.Fetched),
		attribute.Int("load.merged", res.Merged()),
		attribute.Int64("load.watermark", res.Watermark),
	)
	if !res.Skipped && c != model.CollectionStatus {
		s.status.Log(status.ActionLoad, res.String(), "")
	}
	return res, true
}

// RunNow asks a running scheduler for an immediate tick. The request is
// dropped when enough ticks are already queued.
func (s *Scheduler) RunNow(t Trigger) {
	select {
	case s.triggers <- t:
	default:
		s.log.Debug("tick already queued, dropping trigger", "trigger", t.String())
	}
}

// RequestFullSync resets tracking state and asks for an immediate tick.
func (s *Scheduler) RequestFullSync(ctx context.Context) (bool, error) {
	ok, err := s.fullSync.RequestFullSync(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		s.RunNow(TriggerFullSync)
	}
	return ok, nil
}

// RunOnce runs a single tick with the acknowledgment processor running for
// its duration.
func (s *Scheduler) RunOnce(ctx context.Context) TickResult {
	ackCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.acks.Run(ackCtx)
	}()

	res := s.Tick(ctx, TriggerManual)

	cancel()
	<-done
	return res
}

// Run starts the acknowledgment processor, the optional live change feed
// and the ticker. Each tick runs on its own goroutine. Run blocks until ctx
// is cancelled and waits for in-flight ticks before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	var bg errgroup.Group
	bg.Go(func() error { return s.acks.Run(ctx) })

	if s.listener != nil {
		bg.Go(func() error {
			err := s.listener.Listen(ctx,
				func(c model.Collection) {
					s.log.Debug("remote change", "collection", c)
					s.RunNow(TriggerRemoteChange)
				},
				func() { s.RunNow(TriggerConnectivity) },
			)
			if err != nil && ctx.Err() == nil {
				s.log.Error("live feed ended unexpectedly", "error", err)
			}
			return nil
		})
	}

	var ticks sync.WaitGroup
	start := func(t Trigger) {
		ticks.Add(1)
		go func() {
			defer ticks.Done()
			s.Tick(ctx, t)
		}()
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	// Run an immediate first pass.
	start(TriggerTimer)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sync scheduler shutting down")
			ticks.Wait()
			_ = bg.Wait()
			return ctx.Err()
		case <-ticker.C:
			start(TriggerTimer)
		case t := <-s.triggers:
			s.log.Info("tick requested", "trigger", t.String())
			start(t)
		}
	}
}
