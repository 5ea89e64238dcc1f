package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-transcribe/internal/inference"
	"github.com/loqalabs/loqa-transcribe/internal/invoker"
	"github.com/loqalabs/loqa-transcribe/internal/runtime"
	"github.com/loqalabs/loqa-transcribe/internal/status"
)

var errAborted = errors.New("transcription aborted")

type transcribeFlags struct {
	model             string
	precision         string
	file              string
	sample            string
	language          string
	task              string
	temperature       string
	topP              string
	topK              string
	maxNewTokens      string
	repetitionPenalty string
	quiet             bool
	json              bool
}

func (f transcribeFlags) params() inference.Params {
	return inference.Params{
		Language:          inference.Value(f.language),
		Task:              inference.Value(f.task),
		Temperature:       inference.Value(f.temperature),
		TopP:              inference.Value(f.topP),
		TopK:              inference.Value(f.topK),
		MaxNewTokens:      inference.Value(f.maxNewTokens),
		RepetitionPenalty: inference.Value(f.repetitionPenalty),
	}
}

func newTranscribeCommand(ctx *commandContext) *cobra.Command {
	var flags transcribeFlags

	cmd := &cobra.Command{
		Use:   "transcribe [audio-file]",
		Short: "Load a model and transcribe one audio file or catalog sample",
		Long: "Load a model and transcribe one audio file or catalog sample.\n" +
			"Press Ctrl-C once to abort the running transcription.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if flags.file != "" {
					return errors.New("pass the audio file either as argument or with --file")
				}
				flags.file = args[0]
			}
			if (flags.file == "") == (flags.sample == "") {
				return errors.New("exactly one of --file or --sample is required")
			}
			return runTranscribe(cmd, ctx, flags)
		},
	}

	cmd.Flags().StringVar(&flags.model, "model", "", "Model identifier (default from config)")
	cmd.Flags().StringVar(&flags.precision, "precision", "", "Weight precision: "+strings.Join(inference.Precisions(), ", "))
	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "Local audio file")
	cmd.Flags().StringVarP(&flags.sample, "sample", "s", "", "Catalog sample key (see 'samples')")
	cmd.Flags().StringVar(&flags.language, "language", "", "Spoken language code; empty auto-detects")
	cmd.Flags().StringVar(&flags.task, "task", "transcribe", "transcribe or translate")
	cmd.Flags().StringVar(&flags.temperature, "temperature", "", "Sampling temperature (default 0.6)")
	cmd.Flags().StringVar(&flags.topP, "top-p", "", "Nucleus sampling threshold (default 1.0)")
	cmd.Flags().StringVar(&flags.topK, "top-k", "", "Top-k sampling cutoff")
	cmd.Flags().StringVar(&flags.maxNewTokens, "max-new-tokens", "", "Token limit, clamped to 1..448")
	cmd.Flags().StringVar(&flags.repetitionPenalty, "repetition-penalty", "", "Repetition penalty, at least 1.0")
	cmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "Do not print status lines")
	cmd.Flags().BoolVar(&flags.json, "json", false, "Print the result as JSON")

	return cmd
}

func runTranscribe(cmd *cobra.Command, ctx *commandContext, flags transcribeFlags) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	logger := ctx.logger(cmd.ErrOrStderr())

	sess, err := runtime.NewSession(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	if !flags.quiet {
		stderr := cmd.ErrOrStderr()
		sess.Status().AddSink(status.ReporterFunc(func(message string) {
			fmt.Fprintln(stderr, "[status] "+message)
		}))
	}

	if err := sess.LoadModel(cmd.Context(), flags.model, flags.precision); err != nil {
		return err
	}
	if flags.file != "" {
		err = sess.LoadFile(cmd.Context(), flags.file)
	} else {
		err = sess.LoadSample(cmd.Context(), flags.sample)
	}
	if err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-signals:
				sess.Stop()
			case <-done:
				return
			}
		}
	}()

	res, err := sess.Transcribe(context.WithoutCancel(cmd.Context()), flags.params())
	if err != nil {
		return err
	}
	if flags.json {
		if err := writeJSON(cmd, res); err != nil {
			return err
		}
	} else if res.Outcome == invoker.OutcomeCompleted {
		fmt.Fprintln(cmd.OutOrStdout(), res.Text)
	}
	if res.Outcome == invoker.OutcomeAborted {
		return errAborted
	}
	return nil
}
