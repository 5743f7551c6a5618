package command_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"teststand/command"
	"teststand/config"
	"teststand/link"
	"teststand/link/linktest"
)

type fakeLinks struct {
	mu       sync.Mutex
	links    map[string]*link.Link
	drops    []string
	requests int
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{links: make(map[string]*link.Link)}
}

func (f *fakeLinks) attach(role string) *linktest.Port {
	port := linktest.NewPort()
	f.mu.Lock()
	f.links[role] = link.NewLink(role, "/dev/fake-"+role, link.Mode{Baud: 115200}, port)
	f.mu.Unlock()
	return port
}

func (f *fakeLinks) Link(role string) *link.Link {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[role]
}

func (f *fakeLinks) Drop(role, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.links, role)
	f.drops = append(f.drops, role)
}

func (f *fakeLinks) RequestRediscovery(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return true
}

func testOptions() command.Options {
	opts := command.OptionsFromConfig(config.Default().Commands)
	opts.ResponseTimeout = 40 * time.Millisecond
	opts.CallerTimeout = 2 * time.Second
	opts.EmergencyDelay = time.Millisecond
	opts.EmergencyAckTimeout = 200 * time.Millisecond
	return opts
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSetValvesWritesFixedWidthLine(t *testing.T) {
	links := newFakeLinks()
	port := links.attach(config.RoleTelemetry)
	var outcomes []command.Outcome
	opts := testOptions()
	opts.OnOutcome = func(o command.Outcome) { outcomes = append(outcomes, o) }
	d := command.New(links, opts)

	v, err := d.SetValves([]int{1, 0, 1, 0, 1, 0, 1, 0})
	if err != nil {
		t.Fatalf("SetValves() error: %v", err)
	}
	if v != [command.ValveSlots]int{1, 0, 1, 0, 1, 0, 1, 0, 0} {
		t.Fatalf("unexpected vector %v", v)
	}
	if w := port.Writes(); len(w) != 1 || w[0] != "Valves:101010100\n" {
		t.Fatalf("unexpected writes %q", w)
	}
	if len(outcomes) != 1 || !outcomes[0].Success || outcomes[0].Channel != command.ChannelValve {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}

	v, _ = d.SetValves([]int{2, 0, 0, 0, 0, 0, 0, 0, 0, 1, 1})
	if v != [command.ValveSlots]int{1} {
		t.Fatalf("expected truncation and 0/1 mapping, got %v", v)
	}
}

func TestSetValvesWithoutLinkRecordsVector(t *testing.T) {
	d := command.New(newFakeLinks(), testOptions())
	if _, err := d.SetValves([]int{1, 1}); !errors.Is(err, command.ErrNoLink) {
		t.Fatalf("expected ErrNoLink, got %v", err)
	}
	if d.Valves() != [command.ValveSlots]int{1, 1} {
		t.Fatalf("expected requested vector recorded, got %v", d.Valves())
	}
}

func TestSetModeRecordsLocally(t *testing.T) {
	links := newFakeLinks()
	d := command.New(links, testOptions())
	forwarded, err := d.SetMode("burning")
	if err != nil || forwarded {
		t.Fatalf("expected local-only mode change, got forwarded=%v err=%v", forwarded, err)
	}
	if d.Mode() != "burning" {
		t.Fatalf("expected mode burning, got %q", d.Mode())
	}

	port := links.attach(config.RoleTelemetry)
	if forwarded, err := d.SetMode("idle"); err != nil || !forwarded {
		t.Fatalf("expected forwarded mode, got forwarded=%v err=%v", forwarded, err)
	}
	if w := port.Writes(); len(w) != 1 || w[0] != "idle\n" {
		t.Fatalf("unexpected writes %q", w)
	}
}

func TestRunScenario(t *testing.T) {
	links := newFakeLinks()
	port := links.attach(config.RoleTelemetry)
	d := command.New(links, testOptions())

	if _, err := d.RunScenario(context.Background(), "Preburning"); err != nil {
		t.Fatalf("RunScenario() error: %v", err)
	}
	if w := port.Writes(); len(w) != 1 || w[0] != "preburning\n" {
		t.Fatalf("unexpected writes %q", w)
	}

	_, err := d.RunScenario(context.Background(), "burnig")
	if !errors.Is(err, command.ErrUnknownScenario) {
		t.Fatalf("expected ErrUnknownScenario, got %v", err)
	}
	if !strings.Contains(err.Error(), `"burning"`) {
		t.Fatalf("expected suggestion in %q", err.Error())
	}
}

// Purpose: Verify the emergency scenario picks its acknowledgement from tapped feed lines.
// Key aspects: Non-matching lines are ignored; missing feedback is not a failure.
// Upstream: go test.
// Downstream: Dispatcher.RunScenario, Dispatcher.Feed.
func TestEmergencyWaitsForAck(t *testing.T) {
	links := newFakeLinks()
	port := links.attach(config.RoleTelemetry)
	d := command.New(links, testOptions())

	go func() {
		for len(port.Writes()) == 0 {
			time.Sleep(time.Millisecond)
		}
		d.Feed("boot: sensors ok")
		d.Feed("ACK: emergency received")
	}()
	res, err := d.RunScenario(context.Background(), "emergency")
	if err != nil {
		t.Fatalf("RunScenario() error: %v", err)
	}
	if res.Feedback != "ACK: emergency received" {
		t.Fatalf("unexpected feedback %q", res.Feedback)
	}
	if w := port.Writes(); w[0] != "emergency\n" {
		t.Fatalf("unexpected write %q", w[0])
	}

	res, err = d.RunScenario(context.Background(), "emergency")
	if err != nil || res.Feedback != "No feedback" {
		t.Fatalf("expected silent emergency to succeed without feedback, got %+v %v", res, err)
	}
}

func TestEmergencyCancelReportsOutcome(t *testing.T) {
	for _, tc := range []struct {
		name  string
		delay time.Duration
	}{
		{name: "during delay", delay: time.Hour},
		{name: "while waiting", delay: time.Millisecond},
	} {
		t.Run(tc.name, func(t *testing.T) {
			links := newFakeLinks()
			port := links.attach(config.RoleTelemetry)
			opts := testOptions()
			opts.EmergencyDelay = tc.delay
			opts.EmergencyAckTimeout = time.Hour
			var mu sync.Mutex
			var outcomes []command.Outcome
			opts.OnOutcome = func(o command.Outcome) {
				mu.Lock()
				outcomes = append(outcomes, o)
				mu.Unlock()
			}
			d := command.New(links, opts)

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				if tc.delay == time.Millisecond {
					for len(port.Writes()) == 0 {
						time.Sleep(time.Millisecond)
					}
				}
				time.Sleep(10 * time.Millisecond)
				cancel()
			}()
			if _, err := d.RunScenario(ctx, "emergency"); !errors.Is(err, context.Canceled) {
				t.Fatalf("expected context.Canceled, got %v", err)
			}

			mu.Lock()
			defer mu.Unlock()
			if len(outcomes) != 1 {
				t.Fatalf("expected one outcome, got %+v", outcomes)
			}
			o := outcomes[0]
			if o.Channel != command.ChannelScenario || o.Command != "emergency" || o.Success || !errors.Is(o.Err, context.Canceled) {
				t.Fatalf("unexpected outcome %+v", o)
			}
		})
	}
}

func TestFormatAngle(t *testing.T) {
	cases := map[float64]string{90: "90.0", 12.5: "12.5", -45: "-45.0", 0: "0.0"}
	for in, want := range cases {
		if got := command.FormatAngle(in); got != want {
			t.Fatalf("FormatAngle(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestStepMotorSuccessMarker(t *testing.T) {
	links := newFakeLinks()
	port := links.attach(config.RoleActuator)
	port.Respond = func(w string) []string {
		if strings.HasPrefix(w, "1:") {
			return []string{"Motor 1 Yeni Pozisyon: 90.0"}
		}
		return []string{"Hata: motor yok"}
	}
	d := command.New(links, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	res, err := d.StepMotor(ctx, 1, 90)
	if err != nil || !res.Success || res.ID == "" {
		t.Fatalf("expected success, got %+v %v", res, err)
	}
	res, err = d.StepMotor(ctx, 7, 10)
	if err != nil || res.Success || res.Response != "Hata: motor yok" {
		t.Fatalf("expected unsuccessful reply, got %+v %v", res, err)
	}
	if w := port.Writes(); w[0] != "1:90.0\n" || w[1] != "7:10.0\n" {
		t.Fatalf("unexpected writes %q", w)
	}
}

// Purpose: Verify two requests queued before either is served each get their own reply.
// Key aspects: The worker serves FIFO; replies travel on per-request channels.
// Upstream: go test.
// Downstream: Dispatcher.Submit, Dispatcher.Run.
func TestQueuedRequestsKeepTheirOwnReplies(t *testing.T) {
	links := newFakeLinks()
	port := links.attach(config.RoleActuator)
	port.Respond = func(w string) []string {
		return []string{"done " + strings.TrimSpace(w)}
	}
	d := command.New(links, testOptions())

	type result struct {
		resp string
		err  error
	}
	results := make([]chan result, 2)
	for i, cmd := range []string{"1:10.0\n", "2:20.0\n"} {
		results[i] = make(chan result, 1)
		go func(cmd string, out chan<- result) {
			_, resp, err := d.Submit(context.Background(), cmd, true)
			out <- result{resp, err}
		}(cmd, results[i])
		want := i + 1
		waitFor(t, "request enqueued", func() bool { return d.Pending() == want })
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	for i, want := range []string{"done 1:10.0", "done 2:20.0"} {
		select {
		case r := <-results[i]:
			if r.err != nil || r.resp != want {
				t.Fatalf("request %d: got %q %v, want %q", i, r.resp, r.err, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("request %d: no reply", i)
		}
	}
	if w := port.Writes(); len(w) != 2 || w[0] != "1:10.0\n" || w[1] != "2:20.0\n" {
		t.Fatalf("expected FIFO writes, got %q", w)
	}
}

// Purpose: Verify a reply arriving after its request timed out is not handed to the next caller.
// Key aspects: Stale input is cleared before every actuator write.
// Upstream: go test.
// Downstream: Dispatcher.Submit, link.Link.Request.
func TestLateReplyIsNotMisattributed(t *testing.T) {
	links := newFakeLinks()
	port := links.attach(config.RoleActuator)
	d := command.New(links, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if _, _, err := d.Submit(ctx, "1:10.0\n", true); !errors.Is(err, command.ErrTimeout) {
		t.Fatalf("expected ErrTimeout for silent actuator, got %v", err)
	}
	port.Feed("Motor 1 Yeni Pozisyon: 10.0")
	port.Respond = func(string) []string { return []string{"Motor 2 Yeni Pozisyon: 20.0"} }

	_, resp, err := d.Submit(ctx, "2:20.0\n", true)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if resp != "Motor 2 Yeni Pozisyon: 20.0" {
		t.Fatalf("second caller received %q", resp)
	}
}

func TestCallerTimeoutDoesNotBlockWorker(t *testing.T) {
	links := newFakeLinks()
	port := links.attach(config.RoleActuator)
	port.Respond = func(w string) []string { return []string{"ok " + strings.TrimSpace(w)} }
	opts := testOptions()
	opts.CallerTimeout = 20 * time.Millisecond
	d := command.New(links, opts)

	if _, _, err := d.Submit(context.Background(), "1:1.0\n", true); !errors.Is(err, command.ErrTimeout) {
		t.Fatalf("expected caller timeout, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	waitFor(t, "abandoned request served", func() bool { return d.Pending() == 0 && len(port.Writes()) == 1 })

	_, resp, err := d.Submit(ctx, "2:2.0\n", true)
	if err != nil || resp != "ok 2:2.0" {
		t.Fatalf("expected own reply, got %q %v", resp, err)
	}
}

func TestActuatorWithoutLink(t *testing.T) {
	d := command.New(newFakeLinks(), testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	if _, err := d.StepMotor(ctx, 1, 5); !errors.Is(err, command.ErrNoLink) {
		t.Fatalf("expected ErrNoLink, got %v", err)
	}
}
