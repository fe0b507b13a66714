package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/tracecast/internal/console"
	"github.com/joescharf/tracecast/internal/daemon"
	"github.com/joescharf/tracecast/internal/highlight"
	"github.com/joescharf/tracecast/internal/ingest"
	"github.com/joescharf/tracecast/internal/output"
	"github.com/joescharf/tracecast/internal/replay"
	"github.com/joescharf/tracecast/internal/store"
	"github.com/joescharf/tracecast/internal/trace"
)

var (
	serveFollow bool
	serveDetach bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the live walkthrough ingestion server",
	Long: `Run a local HTTP server that agents push walkthrough steps to while they
work (directly, or through tracecast mcp). Each session is archived under
sessions_dir when it ends and can be replayed with tracecast replay <id>.

With --follow the walkthrough is presented in this terminal as it arrives.
With --detach the server runs in the background; see serve status and
serve stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveDetach {
			return serveStartDetached()
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), interruptSignals()...)
		defer stop()
		return serveRun(ctx)
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the ingestion server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running ingestion server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", ingest.DefaultPort, "Port to listen on")
	serveCmd.Flags().BoolVarP(&serveFollow, "follow", "f", false, "Present live walkthroughs in this terminal")
	serveCmd.Flags().BoolVarP(&serveDetach, "detach", "d", false, "Run the server in the background")
	_ = viper.BindPFlag("ingest.port", serveCmd.Flags().Lookup("port"))

	serveCmd.AddCommand(serveStatusCmd)
	serveCmd.AddCommand(serveStopCmd)
	rootCmd.AddCommand(serveCmd)
}

// runFile returns the run file of the ingestion server.
func runFile() *daemon.RunFile {
	return daemon.NewRunFile(filepath.Join(viper.GetString("state_dir"), "serve.json"))
}

// serveLogPath returns where a detached server writes its output.
func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "serve.log")
}

func serveRun(ctx context.Context) error {
	rf := runFile()
	if info, running := rf.IsRunning(); running {
		return fmt.Errorf("server already running (PID %d, port %d)", info.PID, info.Port)
	}

	buf := ingest.NewBuffer(ingest.DefaultQuietWindow)
	defer buf.Close()
	srv := ingest.NewServer(buf, buildVersion, slog.Default())

	port := viper.GetInt("ingest.port")
	ln, fellBack, err := ingest.Listen(port)
	if err != nil {
		return err
	}
	actual := ln.Addr().(*net.TCPAddr).Port
	if fellBack {
		ui.Warning("Port %d is in use, listening on %d instead", port, actual)
	}
	if err := rf.Write(actual, buildVersion); err != nil {
		_ = ln.Close()
		return fmt.Errorf("write run file: %w", err)
	}
	defer func() { _ = rf.Remove() }()

	var st store.Store
	if s, err := getStore(); err != nil {
		ui.Warning("Sessions will be archived but not indexed: %v", err)
	} else {
		st = s
	}

	live := &liveServer{
		archiver: &ingest.Archiver{
			Dir:        viper.GetString("sessions_dir"),
			Store:      st,
			Summarizer: newSummarizer(),
			Logger:     slog.Default(),
		},
		events: make(chan liveEvent, 64),
	}
	if serveFollow {
		f, closeFollower, err := newFollower()
		if err != nil {
			_ = ln.Close()
			return err
		}
		defer closeFollower()
		live.follower = f
	}

	g, gctx := errgroup.WithContext(ctx)
	defer buf.OnStart(func(m trace.Metadata) { live.send(gctx, liveEvent{start: &m}) })()
	defer buf.OnBatch(func(b ingest.Batch) { live.send(gctx, liveEvent{batch: &b}) })()
	defer buf.OnEnd(func(e ingest.Ended) { live.send(gctx, liveEvent{end: &e}) })()

	ui.Success("Listening on http://127.0.0.1:%d", actual)
	ui.Info("Sessions are archived to %s", live.archiver.Dir)

	g.Go(func() error { return srv.Serve(gctx, ln) })
	g.Go(func() error { return live.run(gctx) })
	err = g.Wait()
	ui.Info("Server stopped")
	return err
}

// liveEvent is one buffer notification; exactly one field is set.
type liveEvent struct {
	start *trace.Metadata
	batch *ingest.Batch
	end   *ingest.Ended
}

// liveServer handles live sessions on a single goroutine: it archives ended
// sessions and, when following, drives a replay engine.
type liveServer struct {
	archiver *ingest.Archiver
	follower *replay.Engine
	events   chan liveEvent
}

func (l *liveServer) send(ctx context.Context, ev liveEvent) {
	select {
	case l.events <- ev:
	case <-ctx.Done():
	}
}

func (l *liveServer) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-l.events:
			l.handle(ctx, ev)
		}
	}
}

func (l *liveServer) handle(ctx context.Context, ev liveEvent) {
	switch {
	case ev.start != nil:
		title := ev.start.Title
		if title == "" {
			title = "untitled"
		}
		ui.Info("Session started: %s", output.Cyan(title))
		if l.follower != nil {
			meta := *ev.start
			l.follower.Load(&trace.Session{Metadata: &meta})
		}

	case ev.batch != nil:
		ui.VerboseLog("Received %d step(s), %d total", len(ev.batch.Steps), ev.batch.Total)
		if l.follower == nil {
			return
		}
		l.follower.Append(ev.batch.Steps...)
		if l.follower.State() == replay.StateStopped && l.follower.Index() < 0 {
			if err := l.follower.PlayFrom(ctx, 0); err != nil && !errors.Is(err, context.Canceled) {
				ui.Warning("Follow: %v", err)
			}
		}

	case ev.end != nil:
		if len(ev.end.Steps) == 0 {
			ui.Warning("Session ended without steps, nothing archived")
			return
		}
		rs, err := l.archiver.Archive(ctx, *ev.end)
		if err != nil {
			ui.Error("Archive session: %v", err)
			return
		}
		ui.Success("Session archived: %s (%d steps)", rs.ID, rs.StepCount)
		ui.VerboseLog("Replay with: tracecast replay %s", rs.ID)
	}
}

// newFollower builds the engine that presents live sessions in the terminal.
func newFollower() (*replay.Engine, func(), error) {
	spk, closeSpeaker, err := newSpeaker(true)
	if err != nil {
		return nil, nil, err
	}
	root, _ := os.Getwd()
	sched := highlight.NewScheduler()
	opts := replay.DefaultOptions()
	opts.FollowLive = true
	eng := replay.NewEngine(replay.Config{
		Handlers: &replay.SurfaceHandlers{
			Surface:   console.New(ui.Out),
			Speaker:   spk,
			Scheduler: sched,
			Root:      root,
		},
		Narrator:   spk,
		Highlights: sched,
		Options:    opts,
	})
	eng.OnStepChanged(func(c replay.StepChange) {
		if c.Err != nil {
			ui.Warning("Step %d: %v", c.Index+1, c.Err)
		}
	})
	return eng, func() {
		eng.Close()
		closeSpeaker()
	}, nil
}

func serveStartDetached() error {
	rf := runFile()
	if info, running := rf.IsRunning(); running {
		return fmt.Errorf("server already running (PID %d, port %d)", info.PID, info.Port)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	logPath := serveLogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open server log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	args := []string{"serve", "--port", fmt.Sprint(viper.GetInt("ingest.port"))}
	if cfg := viper.ConfigFileUsed(); cfg != "" {
		args = append(args, "--config", cfg)
	}
	child := detachedServer(exe, args, logFile)

	if dryRun {
		ui.DryRunMsg("Would start: %s %v (log %s)", exe, args, logPath)
		return nil
	}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	_ = child.Process.Release()

	// Wait for the child to record itself.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if info, running := rf.IsRunning(); running {
			ui.Success("Server started (PID %d) on port %d", info.PID, info.Port)
			ui.Info("Logs: %s", logPath)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server did not start; see %s", logPath)
}

func serveStatusRun() error {
	info, running := runFile().IsRunning()
	if !running {
		fmt.Fprintf(ui.Out, "Server: %s\n", output.StatusColor("stopped"))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client := ingest.NewClient(info.Port)

	fmt.Fprintf(ui.Out, "Server:  %s (PID %d, port %d)\n", output.StatusColor("running"), info.PID, info.Port)
	if info.Version != "" {
		fmt.Fprintf(ui.Out, "Version: %s\n", info.Version)
	}
	if !info.StartedAt.IsZero() {
		fmt.Fprintf(ui.Out, "Started: %s\n", info.StartedAt.Local().Format(time.DateTime))
	}
	if _, err := client.Ping(ctx); err != nil {
		ui.Warning("Server is not answering: %v", err)
		return nil
	}
	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	if !st.Active {
		fmt.Fprintf(ui.Out, "Session: %s\n", output.StatusColor("idle"))
		return nil
	}
	title := ""
	if st.Metadata != nil {
		title = st.Metadata.Title
	}
	fmt.Fprintf(ui.Out, "Session: %s %s (%d steps)\n", output.StatusColor("active"), title, st.EventCount)
	return nil
}

func serveStopRun() error {
	rf := runFile()
	info, running := rf.IsRunning()
	if !running {
		return errors.New("server is not running")
	}
	if dryRun {
		ui.DryRunMsg("Would stop server (PID %d)", info.PID)
		return nil
	}
	graceful, force := stopSignals()
	if err := rf.Signal(graceful); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, running := rf.IsRunning(); !running {
			_ = rf.Remove()
			ui.Success("Server stopped (PID %d)", info.PID)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	ui.Warning("Server did not exit, killing PID %d", info.PID)
	if err := rf.Signal(force); err != nil {
		return fmt.Errorf("kill server: %w", err)
	}
	_ = rf.Remove()
	return nil
}
