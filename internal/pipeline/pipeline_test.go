package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/simctl/internal/chart"
	"github.com/loykin/simctl/internal/history"
	"github.com/loykin/simctl/internal/process"
	"github.com/loykin/simctl/internal/telemetry"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

// fakeSim behaves like the simulator: it echoes its arguments, pauses twice
// in demo mode and writes the telemetry CSV into its working directory.
const fakeSim = `#!/bin/sh
echo "args: $*"
mode=dot
for a in "$@"; do
  case "$a" in
    --mode=*) mode="${a#--mode=}" ;;
  esac
done
echo "computing"
if [ "$mode" = demo ]; then
  echo "event 1"
  echo "Presione ENTER para continuar..."
  read x
  echo "event 2"
  echo "Presione ENTER para continuar..."
  read x
fi
cat > cache_stats.csv <<'CSV'
PE,Loads,Stores,RW_Accesses,Cache_Misses,Invalidations,BusRd,BusRdX,BusUpgr,Flush,Transitions
0,10,4,14,3,1,2,1,0,1,"MESI: 2->1; MESI: 1->0"
1,8,2,10,2,0,1,1,1,0,MESI: 2->1
CSV
echo "done"
`

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "sim.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func newPipeline(t *testing.T, body string, opts ...Option) (*Pipeline, string) {
	t.Helper()
	requireUnix(t)
	dir := t.TempDir()
	cfg := Config{
		Executable:     writeScript(t, dir, body),
		WorkDir:        dir,
		SampleInterval: 50 * time.Millisecond,
		StopTimeout:    time.Second,
	}
	return New(cfg, opts...), dir
}

// drive advances on every checkpoint and returns all notices up to and
// including the finished notice.
func drive(t *testing.T, p *Pipeline, ch <-chan Notice) []Notice {
	t.Helper()
	var got []Notice
	timeout := time.After(15 * time.Second)
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				t.Fatalf("notice channel closed early")
			}
			got = append(got, n)
			if n.Kind == KindCheckpoint {
				require.NoError(t, p.Advance())
			}
			if n.Kind == KindFinished {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out; notices so far: %+v", got)
		}
	}
}

func kinds(ns []Notice) []Kind {
	out := make([]Kind, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Kind)
	}
	return out
}

func TestModeArgs(t *testing.T) {
	require.Equal(t, []string{"--mode=dot", "--N=20"}, DotProduct.Args(Params{}))
	require.Equal(t, []string{"--mode=demo", "--N=8"}, Stepping.Args(Params{N: 8}))
	require.False(t, DotProduct.Interactive())
	require.True(t, Stepping.Interactive())

	for in, want := range map[string]Mode{"dot": DotProduct, "STEP": Stepping, "demo": Stepping, "": DotProduct} {
		m, err := ParseMode(in)
		require.NoError(t, err)
		require.Equal(t, want, m, in)
	}
	_, err := ParseMode("turbo")
	require.Error(t, err)
}

func TestConfigPaths(t *testing.T) {
	c := Config{WorkDir: "/work"}
	require.Equal(t, "/work/cache_stats.csv", c.CSVPath())
	require.Equal(t, "/work", c.ChartPath())
	c.CSV, c.ChartsDir = "/abs/stats.csv", "charts"
	require.Equal(t, "/abs/stats.csv", c.CSVPath())
	require.Equal(t, "/work/charts", c.ChartPath())
	require.Equal(t, DefaultCSV, Config{}.CSVPath())
}

func TestRunModeDotProductAggregates(t *testing.T) {
	p, dir := newPipeline(t, fakeSim)
	out, err := p.RunMode(context.Background(), DotProduct, Params{N: 5})
	require.NoError(t, err)

	require.True(t, out.Exit.Success(), "exit: %+v", out.Exit)
	require.Equal(t, []string{"--mode=dot", "--N=5"}, out.Args)
	require.Equal(t, 3, out.Lines)
	require.False(t, out.ArtifactMissing)
	require.True(t, out.HasMetrics())
	require.Equal(t, map[string]int{"2->1": 2, "1->0": 1}, out.Result.Transitions)
	require.Equal(t, 10, out.Result.ByPE()["0"]["Loads"])
	require.NotNil(t, out.Report)

	require.Equal(t, filepath.Join(dir, chart.CountersFile), out.Charts.Counters)
	require.Equal(t, filepath.Join(dir, chart.TransitionsFile), out.Charts.Transitions)
	for _, f := range out.Charts.Paths() {
		fi, err := os.Stat(f)
		require.NoError(t, err)
		require.Positive(t, fi.Size())
	}

	require.Nil(t, p.Active())
	last, ok := p.Last()
	require.True(t, ok)
	require.Equal(t, out.RunID, last.RunID)
}

func TestRunModeArtifactMissing(t *testing.T) {
	p, _ := newPipeline(t, "#!/bin/sh\necho no telemetry\n")
	ch, cancel := p.Subscribe()
	defer cancel()

	out, err := p.RunMode(context.Background(), DotProduct, Params{})
	require.NoError(t, err)
	require.True(t, out.Exit.Success())
	require.True(t, out.ArtifactMissing)
	require.False(t, out.HasMetrics())
	require.Empty(t, out.AggregateError)

	ns := drive(t, p, ch)
	var report *Notice
	for i := range ns {
		if ns[i].Kind == KindReport {
			report = &ns[i]
		}
	}
	require.NotNil(t, report)
	require.Contains(t, report.Line, ErrArtifactMissing.Error())
}

func TestRunModeStaleArtifactIgnored(t *testing.T) {
	p, dir := newPipeline(t, "#!/bin/sh\necho no telemetry\n")
	stale := filepath.Join(dir, DefaultCSV)
	require.NoError(t, os.WriteFile(stale, []byte("PE,Loads,Transitions\n0,1,MESI: 1->0\n"), 0o600))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	out, err := p.RunMode(context.Background(), DotProduct, Params{})
	require.NoError(t, err)
	require.True(t, out.ArtifactMissing)
	require.Nil(t, out.Result)
}

func TestRunModeMalformedArtifact(t *testing.T) {
	p, _ := newPipeline(t, "#!/bin/sh\nprintf 'Loads,Transitions\\n1,x\\n' > cache_stats.csv\n")
	out, err := p.RunMode(context.Background(), DotProduct, Params{})
	require.NoError(t, err, "aggregation failure must not fail the run")
	require.True(t, out.Exit.Success())
	require.False(t, out.HasMetrics())
	var pe *telemetry.ParseError
	require.ErrorAs(t, out.AggregateErr, &pe)
	require.NotEmpty(t, out.AggregateError)
}

func TestRunModeNonZeroExitStillAggregates(t *testing.T) {
	p, _ := newPipeline(t, "#!/bin/sh\nprintf 'PE,Loads,Transitions\\n0,1,MESI: 1->0\\n' > cache_stats.csv\nexit 2\n")
	out, err := p.RunMode(context.Background(), DotProduct, Params{})
	require.NoError(t, err)
	require.Equal(t, 2, out.Exit.Code)
	require.True(t, out.HasMetrics())
	require.Equal(t, map[string]int{"1->0": 1}, out.Result.Transitions)
}

func TestSteppingThroughSubscription(t *testing.T) {
	p, _ := newPipeline(t, fakeSim)
	ch, cancel := p.Subscribe()
	defer cancel()

	s, err := p.Start(Stepping, Params{N: 3})
	require.NoError(t, err)
	ns := drive(t, p, ch)
	out := s.Wait()

	require.True(t, out.Exit.Success(), "exit: %+v", out.Exit)
	require.Equal(t, 2, out.Checkpoints)
	require.Equal(t, 2, out.Advances)
	require.Equal(t, KindStarted, ns[0].Kind)
	require.Equal(t, KindFinished, ns[len(ns)-1].Kind)

	var lastSeq uint64
	checkpoints := 0
	for i, n := range ns {
		require.Equal(t, s.ID, n.RunID)
		require.Greater(t, n.Seq, lastSeq, "notices out of order")
		lastSeq = n.Seq
		if n.Kind == KindCheckpoint {
			checkpoints++
			require.True(t, n.CanAdvance())
			prev := ns[i-1]
			require.Equal(t, KindLine, prev.Kind)
			require.Contains(t, prev.Line, process.DefaultMarker)
			require.True(t, prev.CanAdvance(), "line carrying the marker must already show the pause")
		}
	}
	require.Equal(t, 2, checkpoints)
	require.Contains(t, kinds(ns), KindReport)
	require.Contains(t, kinds(ns), KindExited)
}

func TestSecondRunRejectedWhileActive(t *testing.T) {
	p, _ := newPipeline(t, fakeSim)
	ch, cancel := p.Subscribe()
	defer cancel()

	s, err := p.Start(Stepping, Params{})
	require.NoError(t, err)

	// wait for the first pause, then try to start another run
	for n := range ch {
		if n.Kind == KindCheckpoint {
			break
		}
	}
	_, err = p.Start(DotProduct, Params{})
	require.ErrorIs(t, err, ErrAlreadyRunning)
	st := p.Status()
	require.True(t, st.Active)
	require.Equal(t, s.ID, st.RunID)
	require.Equal(t, process.PhaseAwaiting, st.Run.Phase)

	require.NoError(t, p.Advance())
	drive(t, p, ch)
	s.Wait()

	s2, err := p.Start(DotProduct, Params{})
	require.NoError(t, err)
	s2.Wait()
}

func TestAdvanceWithoutRun(t *testing.T) {
	p := New(Config{Executable: "/bin/true"})
	require.ErrorIs(t, p.Advance(), ErrNotAwaiting)
}

func TestAdvanceInDotModeRejected(t *testing.T) {
	p, _ := newPipeline(t, "#!/bin/sh\necho 'Presione ENTER'\nsleep 1\n")
	s, err := p.Start(DotProduct, Params{})
	require.NoError(t, err)
	require.ErrorIs(t, p.Advance(), ErrNotAwaiting)
	out := s.Wait()
	require.Zero(t, out.Checkpoints)
}

func TestLaunchError(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	p := New(Config{Executable: filepath.Join(dir, "missing"), WorkDir: dir})
	ch, cancel := p.Subscribe()
	defer cancel()

	s, err := p.Start(DotProduct, Params{})
	var le *process.LaunchError
	require.ErrorAs(t, err, &le)
	require.NotNil(t, s)
	out := s.Wait()
	require.False(t, out.Exit.Success())
	require.Nil(t, p.Active())

	ns := drive(t, p, ch)
	require.Equal(t, []Kind{KindDiagnostic, KindExited, KindFinished}, kinds(ns))
}

func TestStartValidation(t *testing.T) {
	_, err := New(Config{}).Start(DotProduct, Params{})
	require.Error(t, err)
	_, err = New(Config{Executable: "/bin/true"}).Start(Mode("fast"), Params{})
	require.Error(t, err)
}

func TestRunModeCancelStopsSimulator(t *testing.T) {
	p, _ := newPipeline(t, "#!/bin/sh\necho started\nsleep 30\n")
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, err := p.RunMode(ctx, DotProduct, Params{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, out.Exit.Success())
	require.Less(t, time.Since(start), 10*time.Second)
	require.Nil(t, p.Active())
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func TestHistoryEvents(t *testing.T) {
	sink := &memSink{}
	p, _ := newPipeline(t, fakeSim, WithHistory(sink))
	out, err := p.RunMode(context.Background(), DotProduct, Params{})
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 3)
	require.Equal(t, history.EventRunStarted, sink.events[0].Type)
	require.Equal(t, history.EventRunExited, sink.events[1].Type)
	require.Equal(t, history.EventAggregated, sink.events[2].Type)
	agg := sink.events[2].Record
	require.Equal(t, out.RunID, agg.RunID)
	require.Equal(t, "dot", agg.Mode)
	require.Equal(t, 2, agg.Rows)
	require.Equal(t, 3, agg.Transitions)
	require.Positive(t, agg.PID)
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	p := New(Config{})
	ch, cancel := p.Subscribe()
	cancel()
	cancel()
	_, ok := <-ch
	require.False(t, ok)
	p.publish(Notice{Kind: KindLine})
}

func TestStalledSubscriberDoesNotBlockPublisher(t *testing.T) {
	p := New(Config{})
	stalled, cancelStalled := p.Subscribe()
	fast, cancelFast := p.Subscribe()
	defer cancelFast()

	const total = noticeBuffer * 4
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			p.publish(Notice{Kind: KindLine})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked by a subscriber that never reads")
	}
	for i := 1; i <= total; i++ {
		n := <-fast
		require.Equal(t, uint64(i), n.Seq)
	}

	cancelStalled()
	drained := 0
	for range stalled {
		drained++
	}
	require.LessOrEqual(t, drained, noticeBuffer)
}

func TestRunFinishesWithStalledSubscriber(t *testing.T) {
	p, _ := newPipeline(t, "#!/bin/sh\ni=0\nwhile [ $i -lt 2000 ]; do echo \"line $i\"; i=$((i+1)); done\n")
	_, cancel := p.Subscribe()
	defer cancel()

	s, err := p.Start(DotProduct, Params{})
	require.NoError(t, err)
	select {
	case <-s.Done():
	case <-time.After(15 * time.Second):
		t.Fatal("run did not finish while a subscriber was not reading")
	}
	out := s.Wait()
	require.True(t, out.Exit.Success())
	require.Equal(t, 2000, out.Lines)
	require.Nil(t, p.Active())

	s2, err := p.Start(DotProduct, Params{})
	require.NoError(t, err)
	s2.Wait()
}

func TestOutcomeHasMetrics(t *testing.T) {
	require.False(t, Outcome{}.HasMetrics())
	require.True(t, Outcome{Result: &telemetry.Result{}}.HasMetrics())
	require.False(t, Outcome{Result: &telemetry.Result{}, AggregateErr: errors.New("x")}.HasMetrics())
}
