package supervisor

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) (int, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	return ln.Addr().(*net.TCPAddr).Port, ln
}

func TestStartRejectsDuplicate(t *testing.T) {
	s := New()
	defer s.StopAll()

	h, err := s.Start(context.Background(), Spec{
		Project: "alpha",
		Kind:    KindServe,
		Argv:    []string{"sleep", "30"},
	})
	require.NoError(t, err)
	require.True(t, h.Running())

	_, err = s.Start(context.Background(), Spec{
		Project: "alpha",
		Kind:    KindServe,
		Argv:    []string{"sleep", "30"},
	})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// Same project, different kind is fine.
	h2, err := s.Start(context.Background(), Spec{
		Project: "alpha",
		Kind:    KindInstall,
		Argv:    []string{"sleep", "30"},
	})
	require.NoError(t, err)
	s.Stop(h2)
	s.Stop(h)
}

func TestRunningListsByKind(t *testing.T) {
	s := New()
	defer s.StopAll()

	h1, err := s.Start(context.Background(), Spec{
		Project: "alpha",
		Kind:    KindServe,
		Argv:    []string{"sleep", "30"},
	})
	require.NoError(t, err)
	h2, err := s.Start(context.Background(), Spec{
		Project: "beta",
		Kind:    KindServe,
		Argv:    []string{"sleep", "30"},
	})
	require.NoError(t, err)
	_, err = s.Start(context.Background(), Spec{
		Project: "alpha",
		Kind:    KindInstall,
		Argv:    []string{"sleep", "30"},
	})
	require.NoError(t, err)

	serves := s.Running(KindServe)
	assert.Len(t, serves, 2)

	s.Stop(h1)
	s.Stop(h2)
	assert.Empty(t, s.Running(KindServe), "stopped processes drop out")
	assert.Len(t, s.Running(KindInstall), 1)
}

func TestStopIsIdempotent(t *testing.T) {
	s := New()
	h, err := s.Start(context.Background(), Spec{
		Project: "beta",
		Kind:    KindServe,
		Argv:    []string{"sleep", "30"},
	})
	require.NoError(t, err)

	s.Stop(h)
	assert.False(t, h.Running())
	assert.False(t, s.IsRunning("beta", KindServe))

	// Second stop must not panic or block.
	done := make(chan struct{})
	go func() {
		s.Stop(h)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second Stop blocked")
	}
}

func TestStopAllowsRestart(t *testing.T) {
	s := New()
	defer s.StopAll()

	h, err := s.Start(context.Background(), Spec{
		Project: "gamma",
		Kind:    KindServe,
		Argv:    []string{"sleep", "30"},
	})
	require.NoError(t, err)
	s.Stop(h)

	h2, err := s.Start(context.Background(), Spec{
		Project: "gamma",
		Kind:    KindServe,
		Argv:    []string{"sleep", "30"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, h.PID, h2.PID)
	s.Stop(h2)
}

func TestRunOnceCapturesOutput(t *testing.T) {
	s := New()
	out, err := s.RunOnce(context.Background(), Spec{
		Project: "delta",
		Kind:    KindInstall,
		Argv:    []string{"sh", "-c", "echo line-one; echo line-two >&2; echo line-three"},
	}, 10*time.Second)
	require.NoError(t, err)
	assert.Contains(t, out, "line-one")
	assert.Contains(t, out, "line-two")
	assert.Contains(t, out, "line-three")
	assert.False(t, s.IsRunning("delta", KindInstall))
}

func TestRunOnceReportsExitFailure(t *testing.T) {
	s := New()
	out, err := s.RunOnce(context.Background(), Spec{
		Project: "delta",
		Kind:    KindProbe,
		Argv:    []string{"sh", "-c", "echo broken build >&2; exit 2"},
	}, 10*time.Second)
	require.Error(t, err)
	assert.Contains(t, out, "broken build")
}

func TestRunOnceTimeoutKillsProcess(t *testing.T) {
	s := New()
	start := time.Now()
	_, err := s.RunOnce(context.Background(), Spec{
		Project: "delta",
		Kind:    KindInstall,
		Argv:    []string{"sleep", "30"},
	}, 500*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, s.IsRunning("delta", KindInstall))
}

func TestWaitForPortExitedEarly(t *testing.T) {
	s := New()
	h, err := s.Start(context.Background(), Spec{
		Project: "epsilon",
		Kind:    KindServe,
		Argv:    []string{"sh", "-c", "echo cannot start >&2; exit 1"},
		Port:    1, // never listened on
	})
	require.NoError(t, err)

	err = s.WaitForPort(context.Background(), h, 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExitedEarly)
	assert.Contains(t, err.Error(), "cannot start")
	s.Stop(h)
}

func TestWaitForPortTimeout(t *testing.T) {
	s := New()
	port, ln := freePort(t)
	ln.Close() // free the port so nothing is listening

	h, err := s.Start(context.Background(), Spec{
		Project: "epsilon",
		Kind:    KindServe,
		Argv:    []string{"sleep", "30"},
		Port:    port,
	})
	require.NoError(t, err)
	defer s.Stop(h)

	err = s.WaitForPort(context.Background(), h, 700*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortTimeout)
}

func TestWaitForPortSucceeds(t *testing.T) {
	s := New()
	port, ln := freePort(t)
	defer ln.Close()

	// The supervisor only observes the port; a stand-in listener works.
	h, err := s.Start(context.Background(), Spec{
		Project: "epsilon",
		Kind:    KindServe,
		Argv:    []string{"sleep", "30"},
		Port:    port,
	})
	require.NoError(t, err)
	defer s.Stop(h)

	err = s.WaitForPort(context.Background(), h, 5*time.Second)
	assert.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("http://localhost:%d", port), h.URL())
}

func TestOutputRingIsBounded(t *testing.T) {
	s := New()
	out, err := s.RunOnce(context.Background(), Spec{
		Project: "zeta",
		Kind:    KindProbe,
		Argv:    []string{"sh", "-c", "i=0; while [ $i -lt 2000 ]; do echo line-$i; i=$((i+1)); done"},
	}, 20*time.Second)
	require.NoError(t, err)
	assert.NotContains(t, out, "line-0\n")
	assert.Contains(t, out, "line-1999")
}

func TestScanServeErrors(t *testing.T) {
	s := New()
	h, err := s.Start(context.Background(), Spec{
		Project: "eta",
		Kind:    KindServe,
		Argv: []string{"sh", "-c",
			`echo "vite ready" >&2; echo "SyntaxError: unexpected token" >&2; echo "plain progress note" >&2; echo "plugin:vite import failed" >&2; sleep 30`},
	})
	require.NoError(t, err)
	defer s.Stop(h)

	// Give the pipes a moment to drain.
	var hits []string
	require.Eventually(t, func() bool {
		hits = s.ScanServeErrors("eta")
		return len(hits) >= 2
	}, 5*time.Second, 50*time.Millisecond)

	joined := fmt.Sprintf("%v", hits)
	assert.Contains(t, joined, "SyntaxError")
	assert.Contains(t, joined, "plugin:vite")
	assert.NotContains(t, joined, "plain progress note")
}

func TestScanServeErrorsNoProcess(t *testing.T) {
	s := New()
	assert.Nil(t, s.ScanServeErrors("nonexistent"))
}

func TestStopAll(t *testing.T) {
	s := New()
	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := s.Start(context.Background(), Spec{
			Project: fmt.Sprintf("proj-%d", i),
			Kind:    KindServe,
			Argv:    []string{"sleep", "30"},
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	s.StopAll()
	for _, h := range handles {
		assert.False(t, h.Running())
	}
	for i := 0; i < 3; i++ {
		assert.False(t, s.IsRunning(fmt.Sprintf("proj-%d", i), KindServe))
	}
}

func TestExitErrorRecorded(t *testing.T) {
	s := New()
	h, err := s.Start(context.Background(), Spec{
		Project: "theta",
		Kind:    KindProbe,
		Argv:    []string{"sh", "-c", "exit 3"},
	})
	require.NoError(t, err)

	select {
	case <-h.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("process never exited")
	}
	require.Error(t, h.ExitError())
	assert.Contains(t, h.ExitError().Error(), "3")
	s.Stop(h)
}
