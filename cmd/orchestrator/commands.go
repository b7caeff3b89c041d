// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/AleutianAI/AleutianCompanion/pkg/extensions"
	"github.com/AleutianAI/AleutianCompanion/pkg/logging"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCompanion/services/prompts"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// cliState is shared by every subcommand of one root command.
type cliState struct {
	configPath string
	cfg        orchestrator.Config
	logger     *logging.Logger
}

func newRootCmd() *cobra.Command {
	state := &cliState{}

	rootCmd := &cobra.Command{
		Use:           "companion",
		Short:         "Companion conversation orchestrator",
		Long:          `Answers messages with risk screening, multi-namespace retrieval and a single model call per reply.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return state.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if state.logger != nil {
				_ = state.logger.Close()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&state.configPath, "config", os.Getenv("COMPANION_CONFIG"),
		"Path to the YAML configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.runServe(cmd.Context())
		},
	}

	var lang string
	askCmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Answer one message and print the reply",
		Long: `Runs one Answer call: risk check, then either the crisis template or retrieval across every configured namespace followed by one model call.

With no arguments the message is read from stdin, so it can be piped in:

  echo "I keep putting things off" | companion ask --lang en`,
		RunE: func(cmd *cobra.Command, args []string) error {
			message, err := readMessage(cmd, args)
			if err != nil {
				return err
			}
			return state.runAsk(cmd, message, lang)
		},
	}
	askCmd.Flags().StringVarP(&lang, "lang", "l", "", "Message language (BCP 47 tag, e.g. en, es-MX)")

	summarizeCmd := &cobra.Command{
		Use:   "summarize [session_id]",
		Short: "Summarize a recorded session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.runSummarize(cmd, args[0])
		},
	}

	var templatesLang string
	templatesCmd := &cobra.Command{
		Use:   "templates",
		Short: "Show the resolved template for each kind and the tier it came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.runTemplates(cmd, templatesLang)
		},
	}
	templatesCmd.Flags().StringVarP(&templatesLang, "lang", "l", "", "Language to resolve for (default: templates.default_language)")

	rootCmd.AddCommand(serveCmd, askCmd, summarizeCmd, templatesCmd)
	return rootCmd
}

// load reads configuration and installs the process logger.
func (s *cliState) load() error {
	cfg, err := orchestrator.LoadConfig(s.configPath)
	if err != nil {
		return err
	}
	s.cfg = cfg

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	s.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "companion",
		JSON:    cfg.Log.UseJSON(isTerminal(os.Stderr)),
		Redact:  logging.DefaultRedactKeys,
	})
	slog.SetDefault(s.logger.Slog())
	return nil
}

// serviceOptions routes audit events into the process log.
func (s *cliState) serviceOptions() *extensions.ServiceOptions {
	opts := extensions.DefaultOptions().WithAudit(extensions.NewSlogAuditLogger(s.logger.Slog()))
	return &opts
}

func (s *cliState) runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := orchestrator.New(ctx, s.cfg, s.serviceOptions())
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return svc.Run(ctx)
}

// components builds the pipeline for a one-shot command. Callers close it.
func (s *cliState) components(ctx context.Context) (*orchestrator.Components, error) {
	return orchestrator.BuildComponents(ctx, s.cfg, s.serviceOptions())
}

func (s *cliState) runAsk(cmd *cobra.Command, message, lang string) error {
	ctx, cancel := context.WithTimeout(commandContext(cmd), s.cfg.Server.RequestTimeout)
	defer cancel()

	c, err := s.components(ctx)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	reply := c.Pipeline.Answer(ctx, datatypes.Message{Text: message, Language: lang})
	printReply(cmd, reply)
	return nil
}

func printReply(cmd *cobra.Command, reply datatypes.ChatReply) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, reply.Text)
	if len(reply.Sources) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Sources:")
		for _, src := range reply.Sources {
			fmt.Fprintf(out, "  - %s\n", src)
		}
	}
	fmt.Fprintf(out, "\n[path=%s risk=%t id=%s]\n", reply.Path, reply.RiskDetected, reply.ID)
}

func (s *cliState) runSummarize(cmd *cobra.Command, sessionID string) error {
	ctx, cancel := context.WithTimeout(commandContext(cmd), s.cfg.Server.RequestTimeout)
	defer cancel()

	c, err := s.components(ctx)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	fmt.Fprintln(cmd.OutOrStdout(), c.Pipeline.SummarizeSession(ctx, sessionID))
	return nil
}

func (s *cliState) runTemplates(cmd *cobra.Command, lang string) error {
	ctx := commandContext(cmd)
	c, err := s.components(ctx)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	if lang == "" {
		lang = s.cfg.Templates.DefaultLanguage
	}
	out := cmd.OutOrStdout()
	for _, kind := range prompts.Kinds() {
		tmpl, err := c.Templates.Resolve(ctx, kind, lang)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "== %s (language=%s tier=%s)\n", kind, tmpl.Language, tmpl.Tier)
		fmt.Fprintf(out, "placeholders: %s\n", strings.Join(prompts.Placeholders(tmpl.Body), ", "))
		fmt.Fprintln(out, tmpl.Body)
		fmt.Fprintln(out)
	}
	return nil
}

var errNoMessage = errors.New("no message: pass it as arguments or pipe it on stdin")

// readMessage joins args, or reads stdin when there are none and stdin is
// not a terminal.
func readMessage(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && isTerminal(f) {
		return "", errNoMessage
	}
	data, err := io.ReadAll(io.LimitReader(in, datatypes.MaxMessageContentBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read message from stdin: %w", err)
	}
	if len(data) > datatypes.MaxMessageContentBytes {
		return "", fmt.Errorf("message exceeds %d bytes", datatypes.MaxMessageContentBytes)
	}
	message := strings.TrimSpace(string(data))
	if message == "" {
		return "", errNoMessage
	}
	return message, nil
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
