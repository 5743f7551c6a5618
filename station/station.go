// Package station owns every component of the test stand backend and runs
// them as one service: link supervision, telemetry ingestion, buffering and
// persistence, command dispatch, and observer broadcast. It is constructed
// once at startup and handed to the outer surfaces; nothing here is global.
package station

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"teststand/archive"
	"teststand/broadcast"
	"teststand/buffer"
	"teststand/command"
	"teststand/config"
	"teststand/link"
	"teststand/metrics"
	"teststand/persist"
	"teststand/statestore"
	"teststand/stats"
	"teststand/telemetry"
)

// Options supplies the collaborators a Station does not build itself.
// Journal, State and Metrics are optional.
type Options struct {
	Config  *config.Config
	Metrics *metrics.Metrics
	Journal *archive.Journal
	State   *statestore.Store
	// Links overrides serial discovery; when Enumerate is nil the host
	// serial ports are used.
	Links link.Options
	// Now overrides the clock for frames and file names.
	Now func() time.Time
}

// Station is the running backend.
type Station struct {
	cfg      *config.Config
	parser   *telemetry.Parser
	buf      *buffer.RingBuffer
	store    *persist.Store
	sched    *persist.Scheduler
	links    *link.Manager
	disp     *command.Dispatcher
	hub      *broadcast.Hub
	throttle *broadcast.Throttle
	metrics  *metrics.Metrics
	tracker  *stats.Tracker
	journal  *archive.Journal
	state    *statestore.Store

	frameMu sync.RWMutex
	frame   telemetry.Frame

	started time.Time
}

// New builds a station from configuration. It does not touch hardware.
func New(opts Options) (*Station, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("station: config is required")
	}
	compression, err := persist.ParseCompression(cfg.Persist.Compression)
	if err != nil {
		return nil, fmt.Errorf("station: %w", err)
	}
	store, err := persist.New(persist.Options{
		Dir:         cfg.Persist.Dir,
		Compression: compression,
		MaxFiles:    cfg.Persist.MaxFiles,
		Now:         opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("station: %w", err)
	}

	s := &Station{
		cfg:      cfg,
		parser:   telemetry.NewParser(),
		buf:      buffer.NewRingBuffer(cfg.Buffer.Capacity, cfg.Buffer.WarnRatio),
		store:    store,
		metrics:  opts.Metrics,
		tracker:  stats.NewTracker(),
		journal:  opts.Journal,
		state:    opts.State,
		throttle: broadcast.NewThrottle(cfg.Broadcast.ThrottleDivisor),
		started:  time.Now(),
	}
	if opts.Now != nil {
		s.parser.SetClock(opts.Now)
	}
	s.hub = broadcast.NewHub(broadcast.NewCodec(cfg.Broadcast.Encoding), cfg.Broadcast.QueueSize, s.metrics)
	s.sched = persist.NewScheduler(store, s.buf, persist.SchedulerOptions{
		SaveEvery:   uint64(cfg.Persist.SaveEveryRows),
		BackupEvery: uint64(cfg.Persist.BackupEveryRows),
		Interval:    cfg.SaveInterval(),
		OnSave:      s.onSave,
		OnBackup:    s.onBackup,
	})

	linkOpts := opts.Links
	if linkOpts.Enumerate == nil || linkOpts.Open == nil {
		linkOpts = link.OptionsFromConfig(cfg)
	}
	userState := linkOpts.OnState
	linkOpts.OnState = func(role string, st link.State) {
		s.metrics.SetLinkState(role, int(st))
		log.Printf("Link: %s is now %s", role, st)
		if userState != nil {
			userState(role, st)
		}
	}
	s.links = link.NewManager(linkOpts)

	cmdOpts := command.OptionsFromConfig(cfg.Commands)
	cmdOpts.OnOutcome = s.recordOutcome
	s.disp = command.New(s.links, cmdOpts)

	if s.state != nil {
		s.restoreState()
	}
	return s, nil
}

func (s *Station) restoreState() {
	st, ok, err := s.state.Load()
	if err != nil {
		log.Printf("Station: state restore failed: %v", err)
		return
	}
	if !ok {
		return
	}
	s.disp.Restore(command.NormalizeValves(st.Valves), st.Mode)
	log.Printf("Station: restored valves %s and mode %q from %s",
		strings.TrimSpace(command.ValveLine(command.NormalizeValves(st.Valves))), st.Mode, humanize.Time(st.Updated))
}

// Run recovers the crash backup, discovers links and runs every loop until
// ctx is cancelled. Link, parse, save and broadcast faults are logged and
// never end Run.
func (s *Station) Run(ctx context.Context) error {
	s.Recover()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.links.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.disp.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.sched.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.ingest(ctx)
		return nil
	})
	g.Go(func() error {
		s.superviseActuator(ctx)
		return nil
	})
	g.Go(func() error {
		s.reportStats(ctx)
		return nil
	})
	err := g.Wait()
	s.sched.Wait()
	s.links.Close()
	s.hub.Close()
	return err
}

// Recover reloads the newest crash backup into the buffer.
func (s *Station) Recover() persist.RecoverResult {
	res, err := s.store.Recover(s.buf)
	if err != nil {
		log.Printf("Persist: recovery failed: %v", err)
	}
	s.metrics.SetBufferRows(s.buf.Len())
	return res
}

func (s *Station) ingest(ctx context.Context) {
	l := s.cfg.Links
	s.links.DiscoverWithRetry(ctx, l.DiscoveryRetries, time.Duration(l.DiscoveryDelayMS)*time.Millisecond)
	s.links.Pump(ctx, config.RoleTelemetry, s.cfg.WatchdogTimeout(), s.cfg.RediscoverInterval(), s.HandleLine)
}

// superviseActuator asks for rediscovery while the actuator link is missing;
// the telemetry pump covers its own link.
func (s *Station) superviseActuator(ctx context.Context) {
	interval := s.cfg.RediscoverInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.links.Link(config.RoleActuator) == nil {
				s.links.RequestRediscovery("actuator link not connected")
			}
		}
	}
}

// HandleLine processes one line from the telemetry link: frames update the
// current frame, enter the buffer and feed the throttled broadcast; other
// lines are offered to the command tap.
func (s *Station) HandleLine(line string) {
	frame, kind := s.parser.Parse(line)
	switch kind {
	case telemetry.KindInfo:
		s.metrics.DeviceMessage()
		s.disp.Feed(strings.TrimSpace(line))
		return
	case telemetry.KindRejected:
		s.metrics.LineRejected()
		return
	}

	s.frameMu.Lock()
	s.frame = frame
	s.frameMu.Unlock()
	s.metrics.FrameParsed()
	s.tracker.IncrementFrames()

	if s.buf.Append(&frame) {
		s.sched.Accepted()
	} else {
		s.metrics.BufferDropped()
	}
	s.metrics.SetBufferRows(s.buf.Len())

	if s.throttle.Tick() {
		if err := s.hub.Publish(broadcast.SensorData(frame.Payload())); err != nil {
			log.Printf("Broadcast: sensor data: %v", err)
			return
		}
		s.tracker.IncrementBroadcasts()
	}
}

func (s *Station) onSave(res persist.SaveResult, err error) {
	s.tracker.RecordSave(res.Rows, err)
	s.metrics.Save(err == nil)
	s.metrics.SetBufferRows(s.buf.Len())
	if err != nil {
		log.Printf("Persist: save failed, %s rows kept in buffer: %v", humanize.Comma(int64(s.buf.Len())), err)
	}
}

func (s *Station) onBackup(_ string, err error) {
	s.metrics.Backup(err == nil)
	if err == nil {
		s.tracker.IncrementBackups()
	}
}

func (s *Station) recordOutcome(o command.Outcome) {
	s.metrics.Command(o.Channel, o.Success, o.Latency)
	s.tracker.IncrementCommand(o.Channel, o.Success)
	if s.journal == nil {
		return
	}
	e := archive.Entry{
		At:        o.At,
		RequestID: o.ID,
		Channel:   o.Channel,
		Command:   o.Command,
		Success:   o.Success,
		Response:  o.Response,
		Latency:   o.Latency,
	}
	if o.Err != nil {
		e.Error = o.Err.Error()
	}
	s.journal.Record(e)
}

func (s *Station) reportStats(ctx context.Context) {
	interval := time.Duration(s.cfg.Server.StatsIntervalSeconds) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, line := range s.tracker.SnapshotLines() {
				log.Printf("Stats: %s", line)
			}
			st := s.buf.Stats()
			log.Printf("Stats: buffer %s/%s rows (%.1f%%), %d dropped | observers %d",
				humanize.Comma(int64(st.Index)), humanize.Comma(int64(st.Capacity)),
				st.Utilization()*100, st.Dropped, s.hub.Count())
		}
	}
}
