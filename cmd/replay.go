package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/tracecast/internal/console"
	"github.com/joescharf/tracecast/internal/git"
	"github.com/joescharf/tracecast/internal/highlight"
	"github.com/joescharf/tracecast/internal/ingest"
	"github.com/joescharf/tracecast/internal/models"
	"github.com/joescharf/tracecast/internal/output"
	"github.com/joescharf/tracecast/internal/replay"
	"github.com/joescharf/tracecast/internal/store"
	"github.com/joescharf/tracecast/internal/trace"
)

var (
	replayFrom   int
	replayNoTTS  bool
	replayWatch  bool
	replayResume bool
	replayManual bool
	replayRoot   string
)

var replayCmd = &cobra.Command{
	Use:   "replay <trace|session-id>",
	Short: "Replay a recorded walkthrough",
	Long: `Replay a walkthrough from a trace file, a trace directory or the id of a
session archived by tracecast serve.

Each step is shown in the terminal: files are opened, ranges revealed and
highlighted, and narration is spoken with marked lines lit as their phrases
are reached. Playback advances on its own unless --manual is given.

While replaying, type a command and press enter:

  n, <enter>   next step          p        previous step
  g N          go to step N       play     resume autoplay
  pause        pause autoplay     c TEXT   comment on the step (c alone removes it)
  l            list steps         q        quit`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), interruptSignals()...)
		defer stop()
		return replayRun(ctx, args[0], os.Stdin)
	},
}

func init() {
	replayCmd.Flags().IntVar(&replayFrom, "from", 0, "Start at step N (1-based)")
	replayCmd.Flags().BoolVar(&replayNoTTS, "no-tts", false, "Do not voice narration")
	replayCmd.Flags().BoolVarP(&replayWatch, "watch", "w", false, "Reload the trace when it changes and follow appended steps")
	replayCmd.Flags().BoolVar(&replayResume, "resume", false, "Start where the last replay of this trace stopped")
	replayCmd.Flags().BoolVar(&replayManual, "manual", false, "Step through by hand instead of autoplaying")
	replayCmd.Flags().StringVar(&replayRoot, "root", "", "Directory relative step paths resolve against (default: current directory)")
	rootCmd.AddCommand(replayCmd)
}

// replayer is one interactive replay of a trace file.
type replayer struct {
	path    string
	session *trace.Session
	engine  *replay.Engine
	watcher *ingest.Watcher

	finished chan struct{}
	reloads  chan struct{}
}

func replayRun(ctx context.Context, target string, in io.Reader) error {
	path, err := resolveTracePath(ctx, target)
	if err != nil {
		return err
	}
	sess, warnings, err := trace.Load(path)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		ui.Warning("%v", w)
	}
	if sess.Len() == 0 && !replayWatch {
		return fmt.Errorf("trace %s has no steps", path)
	}

	start, err := replayStartIndex(ctx, path, sess)
	if err != nil {
		return err
	}

	spk, closeSpeaker, err := newSpeaker(!replayNoTTS)
	if err != nil {
		return err
	}
	defer closeSpeaker()

	root := replayRoot
	if root == "" {
		root, _ = os.Getwd()
	}
	sched := highlight.NewScheduler()
	opts := replay.DefaultOptions()
	opts.FollowLive = replayWatch
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
	defer eng.Close()

	r := &replayer{
		path:     path,
		session:  sess,
		engine:   eng,
		finished: make(chan struct{}, 1),
		reloads:  make(chan struct{}, 1),
	}
	defer eng.OnStepChanged(func(c replay.StepChange) {
		if c.Err != nil {
			ui.Warning("Step %d: %v", c.Index+1, c.Err)
		}
	})()
	defer eng.OnStateChanged(func(s replay.State) {
		ui.VerboseLog("Playback %s", output.StatusColor(string(s)))
	})()
	defer eng.OnFinished(func() { signalChan(r.finished) })()

	if replayWatch {
		w, err := ingest.NewWatcher(ingest.DefaultDebounce, slog.Default())
		if err != nil {
			return err
		}
		defer func() { _ = w.Close() }()
		if err := w.Add(path); err != nil {
			return err
		}
		defer w.OnDetected(func(ingest.Detected) { signalChan(r.reloads) })()
		go func() { _ = w.Run(ctx) }()
		r.watcher = w
	}

	printReplayHeader(path, sess)
	warnDrift(root, sess)
	eng.Load(sess)
	spk.Pregenerate(ctx, narrations(sess.Steps))

	if sess.Len() > 0 {
		if replayManual {
			err = eng.GoToStep(ctx, start)
		} else {
			err = eng.PlayFrom(ctx, start)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	} else {
		ui.Info("Waiting for steps in %s", path)
	}

	r.loop(ctx, in)
	r.savePosition()
	return nil
}

// loop reads commands until quit, interrupt, or the end of input once
// playback has nothing left to do.
func (r *replayer) loop(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	eof := false
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				lines = nil
				eof = true
				if r.engine.State() != replay.StatePlaying {
					return
				}
				continue
			}
			if quit := r.command(ctx, line); quit {
				return
			}
		case <-r.finished:
			ui.Success("Walkthrough finished")
			if eof {
				return
			}
		case <-r.reloads:
			r.reload(ctx)
		}
	}
}

// command runs one interactive command and reports whether to quit.
func (r *replayer) command(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch strings.ToLower(name) {
	case "", "n", "next":
		err = r.engine.Next(ctx)
	case "p", "prev", "previous":
		err = r.engine.Previous(ctx)
	case "g", "goto":
		n, convErr := strconv.Atoi(arg)
		if convErr != nil {
			ui.Warning("Usage: g N")
			return false
		}
		err = r.engine.GoToStep(ctx, n-1)
	case "play":
		err = r.engine.Play(ctx)
	case "pause":
		r.engine.Pause()
	case "c", "comment":
		err = r.comment(arg)
	case "l", "list":
		r.list()
	case "h", "help", "?":
		printReplayHelp()
	case "q", "quit", "exit":
		return true
	default:
		ui.Warning("Unknown command %q (h for help)", name)
	}

	switch {
	case errors.Is(err, replay.ErrOutOfRange):
		ui.Warning("No such step (1-%d)", r.engine.Len())
	case errors.Is(err, context.Canceled):
	case err != nil:
		ui.Warning("%v", err)
	}
	return false
}

// comment sets or clears the current step's comment and writes the trace
// back to disk.
func (r *replayer) comment(body string) error {
	step, ok := r.engine.Step(r.engine.Index())
	if !ok {
		return errors.New("no step is shown")
	}
	var c *trace.Comment
	if body != "" {
		c = &trace.Comment{Body: body}
	}
	if err := r.engine.SetComment(step.ID, c); err != nil {
		return err
	}

	updated := &trace.Session{
		Steps:    r.engine.Steps(),
		Metadata: r.session.Metadata,
		Summary:  r.session.Summary,
	}
	if r.watcher != nil {
		r.watcher.Suppress()
	}
	var err error
	if filepath.Base(r.path) == trace.TraceFile {
		err = trace.Save(filepath.Dir(r.path), updated)
	} else {
		err = trace.WriteFile(r.path, updated)
	}
	if err != nil {
		return fmt.Errorf("save comment: %w", err)
	}
	if c == nil {
		ui.Success("Comment removed from step %d", r.engine.Index()+1)
	} else {
		ui.Success("Comment saved on step %d", r.engine.Index()+1)
	}
	return nil
}

// reload re-reads the trace after it changed on disk. Steps appended to the
// end are handed to the engine as live steps; any other change reloads the
// session and stays near the current position.
func (r *replayer) reload(ctx context.Context) {
	next, warnings, err := trace.Load(r.path)
	if err != nil {
		ui.Warning("Reload %s: %v", r.path, err)
		return
	}
	for _, w := range warnings {
		ui.Warning("%v", w)
	}

	current := r.engine.Steps()
	if extendsSteps(current, next.Steps) {
		if added := r.engine.Append(next.Steps[len(current):]...); len(added) > 0 {
			ui.Info("%d new step(s)", len(added))
		}
		r.session.Metadata = next.Metadata
		return
	}

	idx := r.engine.Index()
	r.session = next
	r.engine.Load(next)
	ui.Info("Trace changed, reloaded %d steps", next.Len())
	if next.Len() == 0 {
		return
	}
	if err := r.engine.GoToStep(ctx, min(max(idx, 0), next.Len()-1)); err != nil && !errors.Is(err, context.Canceled) {
		ui.Warning("%v", err)
	}
}

// extendsSteps reports whether next starts with the same step ids as cur.
func extendsSteps(cur, next []trace.Step) bool {
	if len(next) < len(cur) {
		return false
	}
	for i := range cur {
		if cur[i].ID != next[i].ID {
			return false
		}
	}
	return true
}

func (r *replayer) list() {
	current := r.engine.Index()
	table := ui.Table([]string{"", "#", "TYPE", "TITLE", "FILE"})
	for i, st := range r.engine.Steps() {
		marker := ""
		if i == current {
			marker = ">"
		}
		file := st.FilePath
		if st.Range != nil && file != "" {
			file += ":" + st.Range.String()
		}
		title := st.Title
		if st.Comment != nil {
			title += " *"
		}
		_ = table.Append([]string{marker, strconv.Itoa(i + 1), output.StepTypeColor(string(st.Type)), title, file})
	}
	_ = table.Render()
}

func (r *replayer) savePosition() {
	idx := r.engine.Index()
	step, ok := r.engine.Step(idx)
	if !ok {
		return
	}
	s, err := getStore()
	if err != nil {
		slog.Debug("replay position not saved", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pos := &models.ReplayPosition{TracePath: r.path, StepIndex: idx, StepID: step.ID}
	if err := s.SavePosition(ctx, pos); err != nil {
		slog.Debug("replay position not saved", "error", err)
	}
}

// resolveTracePath turns a path or recorded session id into the path of a
// trace file.
func resolveTracePath(ctx context.Context, target string) (string, error) {
	if info, err := os.Stat(target); err == nil {
		abs, err := filepath.Abs(target)
		if err != nil {
			return "", err
		}
		if info.IsDir() {
			abs = filepath.Join(abs, trace.TraceFile)
		}
		return abs, nil
	}

	s, err := getStore()
	if err != nil {
		return "", err
	}
	rs, err := s.GetRecordedSession(ctx, target)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("no trace file or recorded session named %q", target)
	}
	if err != nil {
		return "", err
	}
	return filepath.Join(rs.Dir, trace.TraceFile), nil
}

// replayStartIndex picks the first step to show from --from, or with
// --resume the remembered position.
func replayStartIndex(ctx context.Context, path string, sess *trace.Session) (int, error) {
	if replayFrom > 0 {
		if replayFrom > sess.Len() {
			return 0, fmt.Errorf("--from %d: trace has %d steps", replayFrom, sess.Len())
		}
		return replayFrom - 1, nil
	}
	if !replayResume {
		return 0, nil
	}

	s, err := getStore()
	if err != nil {
		return 0, err
	}
	pos, err := s.GetPosition(ctx, path)
	if errors.Is(err, store.ErrNotFound) {
		ui.VerboseLog("No saved position for %s", path)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if i := sess.Find(pos.StepID); i >= 0 {
		return i, nil
	}
	if pos.StepIndex >= 0 && pos.StepIndex < sess.Len() {
		return pos.StepIndex, nil
	}
	return 0, nil
}

func printReplayHeader(path string, sess *trace.Session) {
	title := filepath.Base(filepath.Dir(path))
	if m := sess.Metadata; m != nil && m.Title != "" {
		title = m.Title
	}
	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(title), output.Faint(fmt.Sprintf("%d steps", sess.Len())))
	if m := sess.Metadata; m != nil {
		if m.Agent != "" {
			fmt.Fprintf(ui.Out, "  Agent:  %s\n", m.Agent)
		}
		if m.Commit != "" {
			fmt.Fprintf(ui.Out, "  Commit: %s\n", m.Commit)
		}
	}
	if sess.Summary != "" {
		fmt.Fprintf(ui.Out, "\n%s\n", sess.Summary)
	}
}

// warnDrift warns when files the walkthrough shows from the working tree have
// changed since the commit it was recorded at.
func warnDrift(root string, sess *trace.Session) {
	m := sess.Metadata
	if m == nil || m.Commit == "" {
		return
	}
	var files []string
	for _, st := range sess.Steps {
		if st.FilePath == "" || filepath.IsAbs(st.FilePath) {
			continue
		}
		if _, ok := sess.SnapshotPath(st.FilePath); !ok {
			files = append(files, filepath.ToSlash(st.FilePath))
		}
	}
	if len(files) == 0 {
		return
	}
	d, err := git.CheckDrift(gitClient, root, m.Commit, files)
	if err != nil {
		slog.Debug("commit drift check skipped", "error", err)
		return
	}
	if d == nil {
		return
	}
	ui.Warning("Recorded at commit %s, working tree is at %s", shortID(d.Recorded), shortID(d.Head))
	for _, f := range d.Changed {
		ui.Warning("  %s has changed since", f)
	}
}

func printReplayHelp() {
	fmt.Fprint(ui.Out, `Commands:
  n, <enter>   next step
  p            previous step
  g N          go to step N
  play         resume autoplay
  pause        pause autoplay
  c TEXT       comment on the current step (c alone removes it)
  l            list steps
  q            quit
`)
}

// narrations returns the spoken text of each step, markers stripped.
func narrations(steps []trace.Step) []string {
	var out []string
	for _, st := range steps {
		if st.HasNarration() {
			out = append(out, highlight.StripMarkers(st.Narration))
		}
	}
	return out
}

// signalChan does a non-blocking send on a one-slot channel.
func signalChan(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
