package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/0x6d61/proctor/internal/api"
	"github.com/0x6d61/proctor/internal/capture"
	"github.com/0x6d61/proctor/internal/config"
	"github.com/0x6d61/proctor/internal/engine"
	"github.com/0x6d61/proctor/internal/events"
	"github.com/0x6d61/proctor/internal/grader"
	"github.com/0x6d61/proctor/internal/identity"
	"github.com/0x6d61/proctor/internal/llm"
	"github.com/0x6d61/proctor/internal/metrics"
	"github.com/0x6d61/proctor/internal/question"
	"github.com/0x6d61/proctor/internal/report"
	"github.com/0x6d61/proctor/internal/session"
	"github.com/0x6d61/proctor/internal/transport"
	"github.com/0x6d61/proctor/internal/verify"
)

// Finished sessions stay in memory this long before being served from the
// database instead.
const releaseAfter = 10 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the interview API server",
	Long: `Serve starts the HTTP API, the websocket event stream and the
background verification scheduler. Session state is persisted to SQLite and
optionally published to RabbitMQ.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides config)")
	serveCmd.Flags().String("bank", "", "Question bank file (overrides config)")
}

// runServe wires the full pipeline:
// stores → transport → collaborators → orchestrator → events → HTTP.
func runServe(cmd *cobra.Command, args []string) error {
	// ------------------------------------------------------------------ //
	// 1. Configuration and logging
	// ------------------------------------------------------------------ //
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if bank, _ := cmd.Flags().GetString("bank"); bank != "" {
		cfg.Interview.QuestionBank = bank
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ------------------------------------------------------------------ //
	// 2. Stores
	// ------------------------------------------------------------------ //
	sessions, err := session.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open session store %q: %w", cfg.Database.Path, err)
	}
	defer sessions.Close()

	identities, err := identity.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open identity store %q: %w", cfg.Database.Path, err)
	}
	defer identities.Close()

	// ------------------------------------------------------------------ //
	// 3. Collaborators
	// ------------------------------------------------------------------ //
	coll, err := buildCollaborators(cfg, logger)
	if err != nil {
		return err
	}

	// ------------------------------------------------------------------ //
	// 4. Events
	// ------------------------------------------------------------------ //
	publisher, err := events.NewPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange, logger)
	if err != nil {
		return fmt.Errorf("failed to start event publisher: %w", err)
	}
	defer publisher.Close()

	recorder := session.NewRecorder(sessions, session.WithRecorderLogger(logger))
	frames := capture.NewBuffer(seconds(cfg.Interview.FrameMaxAge))
	hub := events.NewHub(logger, originChecker(cfg.Server.AllowedOrigins))
	m := metrics.New()

	// The hub, buffer, recorder and metrics never block; the publisher talks
	// to the broker and sits behind the bus.
	bus := events.NewBus(cfg.Events.BufferSize, logger, publisher)
	notifier := events.Multi{recorder, hub, frames, m, bus}

	// ------------------------------------------------------------------ //
	// 5. Orchestrator and API
	// ------------------------------------------------------------------ //
	orch := engine.New(identities, coll.questions, coll.grader, coll.verifier, cfg.Engine(),
		engine.WithCapturer(frames),
		engine.WithSessionLoader(sessions),
		engine.WithNotifier(notifier),
		engine.WithLogger(logger),
	)

	server := api.New(orch, identities,
		api.WithFrames(frames),
		api.WithHub(hub),
		api.WithMetrics(m),
		api.WithNarrator(coll.narrator),
		api.WithLogger(logger),
		api.WithJWTSecret(cfg.Server.JWTSecret),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		api.WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
	)
	if cfg.Server.JWTSecret == "" {
		logger.Warn("no JWT secret configured, trusting the X-User-ID header")
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ------------------------------------------------------------------ //
	// 6. Run until interrupted
	// ------------------------------------------------------------------ //
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		fmt.Fprintf(cmd.OutOrStdout(), "[*] proctor %s listening on %s\n", version, cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	go janitor(ctx, orch, sessions, cfg.Interview.RetainDays, logger)

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "[*] Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), seconds(cfg.Server.ShutdownTimeout))
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	orch.Shutdown()
	bus.Close()
	recorder.Close()
	return nil
}

// collaborators bundles the external services the orchestrator calls.
type collaborators struct {
	questions engine.QuestionSource
	grader    engine.AnswerGrader
	verifier  engine.Verifier
	narrator  *report.Narrator
}

func buildCollaborators(cfg *config.Config, logger *slog.Logger) (*collaborators, error) {
	userAgent := "proctor/" + version

	llmHTTP, err := transport.NewClient(transport.ClientOptions{
		Timeout:   seconds(cfg.LLM.Timeout),
		UserAgent: userAgent,
		MaxRPS:    cfg.LLM.MaxRPS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	var completer llm.Completer
	if c := llm.NewClient(llmHTTP, cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model); c.Configured() {
		completer = c
	} else {
		logger.Warn("no LLM API key configured, using bank and fallback questions with neutral grades")
	}

	bank, err := question.LoadBank(cfg.Interview.QuestionBank)
	if err != nil {
		return nil, err
	}

	coll := &collaborators{
		questions: question.NewSource(bank,
			question.WithLLM(completer, cfg.LLM.Model),
			question.WithLogger(logger),
			question.WithTotal(cfg.Interview.TotalQuestions),
		),
		grader:   grader.New(completer, cfg.LLM.Model, logger),
		narrator: report.NewNarrator(completer, cfg.LLM.Model, logger),
		verifier: verify.Disabled{},
	}

	if cfg.Verification.FaceURL == "" {
		logger.Warn("no face verification service configured, identity checks are disabled")
		return coll, nil
	}
	verifyHTTP, err := transport.NewClient(transport.ClientOptions{
		Timeout:   seconds(cfg.Verification.Timeout),
		UserAgent: userAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	coll.verifier = verify.NewHTTPVerifier(verifyHTTP, verify.Options{
		FaceURL:  cfg.Verification.FaceURL,
		VoiceURL: cfg.Verification.VoiceURL,
		APIKey:   cfg.Verification.APIKey,
		Logger:   logger,
	})
	return coll, nil
}

// janitor releases finished sessions from memory and prunes old records.
func janitor(ctx context.Context, orch *engine.Orchestrator, store session.Store, retainDays int, logger *slog.Logger) {
	release := time.NewTicker(time.Minute)
	defer release.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-release.C:
			if n := orch.ReleaseFinished(now.Add(-releaseAfter)); n > 0 {
				logger.Debug("released finished sessions", "count", n)
			}
		case <-prune.C:
			if retainDays <= 0 {
				continue
			}
			n, err := store.Cleanup(ctx, time.Duration(retainDays)*24*time.Hour)
			if err != nil {
				logger.Warn("session cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("pruned old sessions", "count", n)
			}
		}
	}
}

// originChecker returns the websocket origin policy for the CORS origins.
// A "*" entry, or no entries, accepts any origin.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
