package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"

	"github.com/MrWong99/seesay/internal/app"
	"github.com/MrWong99/seesay/internal/config"
	"github.com/MrWong99/seesay/internal/display"
	"github.com/MrWong99/seesay/internal/narrator"
	"github.com/MrWong99/seesay/internal/speech"
	"github.com/MrWong99/seesay/pkg/capture/filecam"
	"github.com/MrWong99/seesay/pkg/provider/classifier"
	"github.com/MrWong99/seesay/pkg/provider/tts"
)

var (
	classifySpeak   bool
	classifyPreview string
	classifyTimeout time.Duration
)

var classifyCmd = &cobra.Command{
	Use:   "classify IMAGE",
	Short: "Classify a single image file",
	Long: `Classify converts IMAGE exactly like a camera frame, runs the configured
classifier once and prints the ranked result. With --speak the result is
also narrated through the configured speech backend.`,
	Args: cobra.ExactArgs(1),
	RunE: runClassify,
}

func init() {
	rootCmd.AddCommand(classifyCmd)

	classifyCmd.Flags().BoolVar(&classifySpeak, "speak", false, "narrate the result through the configured TTS and player")
	classifyCmd.Flags().StringVar(&classifyPreview, "preview", "", "write the converted classifier input as PNG to this path")
	classifyCmd.Flags().DurationVar(&classifyTimeout, "timeout", 30*time.Second, "overall time limit")
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), classifyTimeout)
	defer cancel()

	img, err := imaging.Open(args[0], imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cls, err := buildClassifier(cfg.Classifier, reg)
	if err != nil {
		return err
	}
	defer cls.Close()

	conv, err := app.NewConverter(cfg, cls.InputLayout())
	if err != nil {
		return err
	}

	frame := filecam.FrameFromImage(img)
	buf, err := conv.Convert(frame)
	frame.Release()
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}

	if classifyPreview != "" {
		p, err := display.NewPreviewSink(classifyPreview, cfg.Display.PreviewScale)
		if err != nil {
			return err
		}
		p.ShowImage(conv.Image())
	}

	recs, err := cls.Classify(ctx, buf)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintln(w, display.StatusNothing)
	}
	for i, r := range recs {
		fmt.Fprintf(w, "%d. %-30s %5.1f%%\n", i+1, r.Label, r.Confidence*100)
	}

	if classifySpeak {
		return speak(ctx, cfg, reg, recs)
	}
	return nil
}

// speak narrates recs and waits until the last line has been played.
func speak(ctx context.Context, cfg *config.Config, reg *config.Registry, recs []classifier.Recognition) error {
	provider, err := buildTTS(cfg.Speech, reg)
	if err != nil {
		return err
	}
	if provider == nil || cfg.Speech.Player.Name == "" {
		return fmt.Errorf("--speak needs speech.tts and speech.player")
	}
	player, err := reg.CreatePlayer(cfg.Speech.Player)
	if err != nil {
		return err
	}
	defer player.Close()

	q := speech.New(provider, player,
		speech.WithVoice(tts.VoiceProfile{ID: cfg.Speech.Voice.VoiceID, Provider: cfg.Speech.TTS.Name}),
		speech.WithSynthesisTimeout(cfg.Speech.SynthesisTimeout),
	)
	defer q.Close()

	var mu sync.Mutex
	finished := make(map[string]error)
	signal := make(chan struct{}, 1)
	q.OnDone(func(id string, err error) {
		mu.Lock()
		finished[id] = err
		mu.Unlock()
		select {
		case signal <- struct{}{}:
		default:
		}
	})

	last := narrator.New(q, narrator.WithHumor(false)).DescribeResults(recs)
	if last == "" {
		return nil
	}
	for {
		mu.Lock()
		err, ok := finished[last]
		mu.Unlock()
		if ok {
			return err
		}
		select {
		case <-signal:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
