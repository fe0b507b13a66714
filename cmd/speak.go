package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/tracecast/internal/highlight"
	"github.com/joescharf/tracecast/internal/speech"
	"github.com/joescharf/tracecast/internal/trace"
)

var speakTimings bool

var speakCmd = &cobra.Command{
	Use:   "speak <text>...",
	Short: "Speak text with the configured voice",
	Long: `Synthesize and play text with the configured voice, the way replay
narrates a step. Line markers such as <line:12>phrase</line:12> are stripped
before speaking.

With --timings the word timings are printed once known, along with the
highlight events any line markers produce.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), interruptSignals()...)
		defer stop()
		return speakRun(ctx, strings.Join(args, " "))
	},
}

func init() {
	speakCmd.Flags().BoolVar(&speakTimings, "timings", false, "Print word timings and highlight events")
	speakCmd.Flags().String("voice", "", "Voice (alloy, echo, fable, onyx, nova, shimmer)")
	speakCmd.Flags().Float64("speed", 0, "Playback speed, 0.5 to 2.0")
	_ = viper.BindPFlag("tts.voice", speakCmd.Flags().Lookup("voice"))
	_ = viper.BindPFlag("tts.speed", speakCmd.Flags().Lookup("speed"))
	rootCmd.AddCommand(speakCmd)
}

func speakRun(ctx context.Context, narration string) error {
	spk, closeSpeaker, err := newSpeaker(true)
	if err != nil {
		return err
	}
	defer closeSpeaker()
	if !spk.Options().Enabled {
		return errors.New("speech is not configured; see warnings above")
	}

	text := highlight.StripMarkers(narration)
	timings := make(chan []trace.WordTiming, 1)
	done := make(chan speech.Completion, 1)
	unsub := spk.OnComplete(func(c speech.Completion) {
		select {
		case done <- c:
		default:
		}
	})
	defer unsub()

	var id int64
	if speakTimings {
		id = spk.SpeakWithTimings(text, "speak", func(t []trace.WordTiming) { timings <- t })
	} else {
		id = spk.Speak(text, "speak")
	}

	for {
		select {
		case t := <-timings:
			printTimings(t, highlight.BuildTimeline(t, highlight.ParseLineRefs(narration)))
		case c := <-done:
			if c.RequestID != id {
				continue
			}
			if c.Cancelled {
				return errors.New("narration did not finish")
			}
			return nil
		case <-ctx.Done():
			spk.Stop()
			return nil
		}
	}
}

func printTimings(timings []trace.WordTiming, events []highlight.Event) {
	if len(timings) == 0 {
		ui.Warning("No word timings available")
		return
	}
	table := ui.Table([]string{"WORD", "START", "END"})
	for _, t := range timings {
		_ = table.Append([]string{t.Word, fmt.Sprintf("%.2f", t.Start), fmt.Sprintf("%.2f", t.End)})
	}
	_ = table.Render()

	if len(events) == 0 {
		return
	}
	fmt.Fprintln(ui.Out)
	table = ui.Table([]string{"TIME", "EVENT", "LINE"})
	for _, e := range events {
		_ = table.Append([]string{fmt.Sprintf("%.2f", e.Time), string(e.Type), fmt.Sprintf("%d", e.Line)})
	}
	_ = table.Render()
}

// newSpeaker builds a speaker from config. When narration cannot be voiced
// the speaker still exists and paces requests at reading speed. The returned
// func releases the speaker and its cache.
func newSpeaker(enabled bool) (*speech.Speaker, func(), error) {
	voice, err := speech.ParseVoice(viper.GetString("tts.voice"))
	if err != nil {
		return nil, nil, err
	}
	cfg := speech.Config{
		Warner: ui,
		Logger: slog.Default(),
		Options: speech.Options{
			Enabled: enabled && viper.GetBool("tts.enabled"),
			Voice:   voice,
			Speed:   viper.GetFloat64("tts.speed"),
		},
	}
	silent := func() (*speech.Speaker, func(), error) {
		cfg.Options.Enabled = false
		spk := speech.NewSpeaker(cfg)
		return spk, spk.Close, nil
	}
	if !cfg.Options.Enabled {
		return silent()
	}

	key, source := speech.ResolveAPIKey(viper.GetString("tts.api_key"),
		".env", filepath.Join(viper.GetString("state_dir"), ".env"))
	if key == "" {
		ui.Warning("No OpenAI API key found (set tts.api_key or $%s); narration will not be voiced", speech.APIKeyEnv)
		return silent()
	}
	slog.Debug("speech API key resolved", "source", source)

	player, err := speech.DetectPlayer()
	if err != nil {
		ui.Warning("%v; narration will not be voiced", err)
		return silent()
	}

	cache, err := speech.NewCache(viper.GetString("cache_dir"))
	if err != nil {
		return nil, nil, fmt.Errorf("open speech cache: %w", err)
	}

	client := speech.NewOpenAI(key)
	cfg.Synth = client
	cfg.Transcriber = client
	cfg.Player = player
	cfg.Cache = cache
	spk := speech.NewSpeaker(cfg)
	return spk, func() {
		spk.Close()
		cache.Close()
	}, nil
}
