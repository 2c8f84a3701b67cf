package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/opendialogue/internal/playback"
	"github.com/MrWong99/opendialogue/internal/roster"
)

func sayCmd() *cobra.Command {
	var voice, speaker string
	cmd := &cobra.Command{
		Use:   "say [text]",
		Short: "Synthesize and play one line",
		Long: `Speak a single line through the configured TTS provider and audio
device. The voice is taken from --voice, or from the roster entry named by
--speaker, or falls back to the default voice.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSay(cmd.Context(), strings.Join(args, " "), voice, speaker)
		},
	}
	cmd.Flags().StringVarP(&voice, "voice", "v", "", "provider voice id")
	cmd.Flags().StringVarP(&speaker, "speaker", "s", "", "roster assistant id or name whose voice to use")
	return cmd
}

func runSay(parent context.Context, text, voice, speaker string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	if voice == "" {
		voice, err = speakerVoice(rt.cfg.Roster, speaker)
		if err != nil {
			return err
		}
	}

	// Running the command is the user's consent to play audio.
	gate := playback.NewGate(rt.providers.Audio,
		playback.WithResumeTimeout(rt.cfg.Playback.ResumeTimeout),
		playback.WithGateMetrics(rt.metrics),
	)
	defer gate.Close()
	if !gate.OnUserGesture(ctx) {
		return errors.New("say: audio output could not be enabled")
	}

	cache, err := playback.NewCache(playback.WithCapacity(1), playback.WithCacheMetrics(rt.metrics))
	if err != nil {
		return err
	}
	synth := playback.NewSynthesizer(rt.providers.TTS, cache,
		playback.WithInstructions(rt.cfg.Playback.Instructions),
		playback.WithSpeed(rt.cfg.Playback.Speed),
		playback.WithSynthMetrics(rt.metrics),
	)
	sched := playback.NewScheduler(gate, synth, playback.WithSchedulerMetrics(rt.metrics))
	defer sched.Close()

	// Synthesize up front so a provider failure is reported instead of
	// being swallowed by the scheduler.
	if _, err := synth.Resolve(ctx, text, voice); err != nil {
		return fmt.Errorf("say: synthesize: %w", err)
	}

	var played bool
	obs := playback.ObserverFuncs{Start: func(string) { played = true }}
	if err := sched.Play(ctx, playback.Item{Text: text, VoiceID: voice, SpeakerID: speaker, Observer: obs}); err != nil {
		return err
	}
	if !played {
		return errors.New("say: playback failed, see log")
	}
	return nil
}

// speakerVoice returns the voice of the roster entry whose id or name is
// speaker, or [roster.DefaultVoice] when speaker is empty.
func speakerVoice(members []roster.Assistant, speaker string) (string, error) {
	if speaker == "" {
		return roster.DefaultVoice, nil
	}
	r, err := roster.New(members)
	if err != nil {
		return "", err
	}
	for _, a := range members {
		if a.ID == speaker {
			return r.Voice(roster.Known{Assistant: a}), nil
		}
	}
	if a, ok := r.Lookup(speaker); ok {
		return r.Voice(roster.Known{Assistant: a}), nil
	}
	return "", fmt.Errorf("say: no assistant %q in roster", speaker)
}
