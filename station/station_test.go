package station

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"teststand/archive"
	"teststand/broadcast"
	"teststand/command"
	"teststand/config"
	"teststand/link"
	"teststand/link/linktest"
	"teststand/metrics"
	"teststand/statestore"
)

var wireOrder = []string{
	"P1", "P2", "P3", "P4", "P5", "P6", "P7", "P8",
	"T1", "T2", "T3", "T4", "T5", "T6",
	"Tbogaz1", "THRUST", "ISP", "Tbogaz2", "D1", "D2",
	"PCHAMBER", "IMPULSE", "VELOCITY",
}

// frameLine renders a primary-order telemetry line; P1 and P2 take the given
// values, VELOCITY is 3000 and the rest count up from 10.
func frameLine(p1, p2 float64) string {
	parts := make([]string, 0, len(wireOrder))
	for i, tag := range wireOrder {
		v := float64(10 + i)
		switch tag {
		case "P1":
			v = p1
		case "P2":
			v = p2
		case "VELOCITY":
			v = 3000
		}
		parts = append(parts, fmt.Sprintf("%s: %.1f", tag, v))
	}
	return strings.Join(parts, " | ")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Persist.Dir = filepath.Join(dir, "logs")
	cfg.Persist.Compression = "zstd"
	cfg.Buffer.Capacity = 1000
	cfg.Archive.DBPath = filepath.Join(dir, "journal", "commands.db")
	cfg.Archive.BatchIntervalMS = 5
	cfg.State.Dir = filepath.Join(dir, "state")
	return cfg
}

func benchLinks(cfg *config.Config, bench *linktest.Bench) link.Options {
	opts := link.OptionsFromConfig(cfg)
	opts.Enumerate = bench.Enumerate
	opts.Open = bench.Open
	opts.ProbeDelay = 0
	opts.RetryDelay = 10 * time.Millisecond
	return opts
}

func newStation(t *testing.T, cfg *config.Config, opts Options) *Station {
	t.Helper()
	opts.Config = cfg
	if opts.Links.Enumerate == nil {
		opts.Links = benchLinks(cfg, linktest.NewBench())
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s
}

type recorder struct {
	mu     sync.Mutex
	frames []broadcast.Frame
}

func (r *recorder) ID() string { return "recorder" }

func (r *recorder) Send(f broadcast.Frame) error {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames {
		if f.Type == typ {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Purpose: Verify the full path from a telemetry line and an observer valve
// command to the buffer, the wire and the broadcast.
// Key aspects: Real discovery on a fake bench; WebSocket observer; valve line on the telemetry port.
// Upstream: go test.
// Downstream: Station.Run, Station.HandleLine, broadcast.Server, command.Dispatcher.SetValves.
func TestEndToEndFrameAndValveCommand(t *testing.T) {
	cfg := testConfig(t)
	bench := linktest.NewBench()
	port := bench.Attach(link.Device{Path: "/dev/ttyACM0"})
	s := newStation(t, cfg, Options{Links: benchLinks(cfg, bench), Metrics: metrics.New()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("Run did not return after cancel")
		}
	}()

	waitFor(t, "telemetry link", func() bool { return s.Status().Telemetry.Connected })
	port.Feed(frameLine(1.0, 2.0))
	waitFor(t, "buffered frame", func() bool { return s.BufferStatus().Index == 1 })

	f := s.CurrentFrame()
	if f.Pressures[0] != 1.0 || f.Pressures[1] != 2.0 || f.ExhaustVelocity != 3000.0 {
		t.Fatalf("unexpected frame pressures=%v velocity=%v", f.Pressures[:2], f.ExhaustVelocity)
	}

	srv := broadcast.NewServer(s.Hub(), s.ObserverHandler(), broadcast.ServerOptions{Path: "/ws"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "observer registration", func() bool { return s.Hub().Count() == 1 })

	cmd := `{"type":"valve_command","valves":[1,0,1,0,1,0,1,0,0]}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
		t.Fatalf("write: %v", err)
	}

	var state map[string]any
	for i := 0; i < 4 && state == nil; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		in, err := broadcast.DecodeInbound(data, mt == websocket.BinaryMessage)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if in.Type == broadcast.TypeValveState {
			if fmt.Sprint(in.Valves) != "[1 0 1 0 1 0 1 0 0]" {
				t.Fatalf("unexpected broadcast valves %v", in.Valves)
			}
			state = map[string]any{"valves": in.Valves}
		}
	}
	if state == nil {
		t.Fatalf("no valve_state broadcast received")
	}

	found := false
	for _, w := range port.Writes() {
		if w == "Valves:101010100\n" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected valve line on the wire, got %q", port.Writes())
	}
}

func TestHandleLineThrottlesBroadcast(t *testing.T) {
	cfg := testConfig(t)
	s := newStation(t, cfg, Options{})
	rec := &recorder{}
	s.Hub().Add(rec)
	defer s.Hub().Close()

	for i := 0; i < 6; i++ {
		s.HandleLine(frameLine(float64(i), 0))
	}
	s.HandleLine("STM32 ready")
	s.HandleLine("P1: 1.0 | P2: 2.0")

	waitFor(t, "two sensor broadcasts", func() bool { return rec.count(broadcast.TypeSensorData) == 2 })
	if got := s.BufferStatus().Index; got != 6 {
		t.Fatalf("expected 6 buffered rows, got %d", got)
	}
	counts := s.Status().Parser
	if counts.Frames != 6 || counts.Info != 1 || counts.Rejected != 1 {
		t.Fatalf("unexpected parser counts %+v", counts)
	}
	if f := s.CurrentFrame(); f.Pressures[0] != 5 {
		t.Fatalf("expected latest frame to win, got P1=%v", f.Pressures[0])
	}
}

func TestSaveNowListAndRead(t *testing.T) {
	cfg := testConfig(t)
	s := newStation(t, cfg, Options{})
	for i := 0; i < 4; i++ {
		s.HandleLine(frameLine(float64(i), 1))
	}
	res, err := s.SaveNow()
	if err != nil {
		t.Fatalf("SaveNow() error: %v", err)
	}
	if res.Rows != 4 || s.BufferStatus().Index != 0 {
		t.Fatalf("unexpected save result %+v, buffer %d", res, s.BufferStatus().Index)
	}
	files, err := s.ListFiles()
	if err != nil || len(files) != 1 || files[0].Name != res.Name {
		t.Fatalf("ListFiles() = %+v, %v", files, err)
	}
	data, err := s.ReadFile(res.Name)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if data.TotalRows != 4 || len(data.Data["P1"]) != 4 || data.Data["P1"][3] != 3 {
		t.Fatalf("unexpected file data %+v", data.Data["P1"])
	}
	if _, err := s.ReadFile("../config.yaml"); err == nil {
		t.Fatalf("expected invalid name to be rejected")
	}
}

func TestRecoverRestoresBackup(t *testing.T) {
	cfg := testConfig(t)
	first := newStation(t, cfg, Options{})
	for i := 0; i < 3; i++ {
		first.HandleLine(frameLine(float64(i), 0))
	}
	if _, err := first.store.Backup(first.buf); err != nil {
		t.Fatalf("Backup() error: %v", err)
	}
	if first.BufferStatus().Index != 3 {
		t.Fatalf("backup must not clear the buffer")
	}

	second := newStation(t, cfg, Options{})
	res := second.Recover()
	if res.Rows != 3 || second.BufferStatus().Index != 3 {
		t.Fatalf("unexpected recovery %+v, buffer %d", res, second.BufferStatus().Index)
	}
	if again := second.Recover(); again.Rows != 0 {
		t.Fatalf("expected backups deleted after recovery, got %+v", again)
	}
}

// Purpose: Verify operator state survives restarts and commands are journaled.
// Key aspects: Valve write fails without a link but the vector is still stored and journaled.
// Upstream: go test.
// Downstream: Station.SetValves, Station.SetMode, statestore.Store, archive.Journal.
func TestStateAndJournal(t *testing.T) {
	cfg := testConfig(t)
	state, err := statestore.Open(cfg.State.Dir)
	if err != nil {
		t.Fatalf("statestore.Open() error: %v", err)
	}
	journal, err := archive.Open(cfg.Archive)
	if err != nil {
		t.Fatalf("archive.Open() error: %v", err)
	}
	journal.Start()

	s := newStation(t, cfg, Options{State: state, Journal: journal})
	if _, err := s.SetValves([]int{1, 1, 0, 0, 1}); !errors.Is(err, command.ErrNoLink) {
		t.Fatalf("expected ErrNoLink, got %v", err)
	}
	if forwarded, err := s.SetMode("preburning"); err != nil || forwarded {
		t.Fatalf("SetMode() = %v, %v", forwarded, err)
	}
	journal.Stop()
	if err := state.Close(); err != nil {
		t.Fatalf("state close: %v", err)
	}

	state, err = statestore.Open(cfg.State.Dir)
	if err != nil {
		t.Fatalf("reopen state: %v", err)
	}
	defer state.Close()
	restarted := newStation(t, cfg, Options{State: state})
	st := restarted.Status()
	if fmt.Sprint(st.Valves) != "[1 1 0 0 1 0 0 0 0]" || st.Mode != "preburning" {
		t.Fatalf("unexpected restored state valves=%v mode=%q", st.Valves, st.Mode)
	}

	reopened, err := archive.Open(cfg.Archive)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer reopened.Stop()
	entries, err := reopened.Recent(10, "")
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 journal entries, got %+v", entries)
	}
	channels := map[string]bool{}
	for _, e := range entries {
		channels[e.Channel] = true
	}
	if !channels[command.ChannelValve] || !channels[command.ChannelMode] {
		t.Fatalf("unexpected journal channels %v", channels)
	}
}
