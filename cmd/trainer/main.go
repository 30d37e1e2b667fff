package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pavelanni/mathtrainer/internal/catalog"
	"github.com/pavelanni/mathtrainer/internal/evaluate"
	"github.com/pavelanni/mathtrainer/internal/grading"
	"github.com/pavelanni/mathtrainer/internal/handler"
	"github.com/pavelanni/mathtrainer/internal/i18n"
	"github.com/pavelanni/mathtrainer/internal/llm"
	"github.com/pavelanni/mathtrainer/internal/llm/prompts"
	"github.com/pavelanni/mathtrainer/internal/practice"
	"github.com/pavelanni/mathtrainer/internal/recommend"
	"github.com/pavelanni/mathtrainer/internal/similarity"
	"github.com/pavelanni/mathtrainer/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "trainer",
		Short: "Adaptive math practice server with LLM and similarity grading",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd(), evalCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `trainer --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addLogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	f.String("log-file", "", "Also write logs to this file, rotated by size")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP practice server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "trainer.db", "SQLite database path")
	f.StringSliceP("catalog", "c", nil, "Catalog files (JSON or YAML) imported at startup (repeatable)")
	f.Float64("grade-threshold", similarity.DefaultThreshold, "Blended similarity score counted as correct")
	f.Float64("cosine-weight", similarity.DefaultCosineWeight, "Weight of cosine similarity in the blended score")
	f.Int("max-missing", similarity.DefaultMaxMissing, "Maximum missing keywords reported")
	f.Int("recs-k", recommend.DefaultK, "Default number of recommended questions")
	f.Float64("review-fraction", recommend.DefaultReviewFraction, "Share of recommendations reserved for review")
	f.Int("unseen-pool", recommend.DefaultPoolSize, "Unseen questions considered per recommendation")
	f.Bool("judge", true, "Grade with the LLM judge, falling back to similarity")
	f.String("judge-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("judge-key", "ollama", "API key for the judge")
	f.String("judge-model", "llama3.2:3b", "Judge model name")
	f.String("judge-options", `{"temperature":0.1}`, "Generation options as a JSON object")
	f.Duration("judge-timeout", llm.DefaultTimeout, "Timeout of a single judge call")
	f.String("prompt-variant", string(prompts.PromptStandard), "Judge prompt variant (strict, standard, lenient)")
	f.StringP("lang", "l", "en", "Default message language (en, es)")
	f.StringSlice("cors-origins", []string{"http://localhost:8501"}, "Allowed CORS origins (repeatable)")
	f.Int("submit-rate", 30, "Submissions per minute per client IP (0 disables)")
	f.Bool("trust-proxy", false, "Take client IPs from X-Forwarded-For/X-Real-IP (only behind a trusted proxy)")
	f.String("admin-token", "", "Bearer token enabling the /admin routes (or set TRAINER_ADMIN_TOKEN)")
	addLogFlags(cmd)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import catalog files into the database",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	cmd.Flags().String("db", "trainer.db", "SQLite database path")
	addLogFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a user's attempts and summary as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "trainer.db", "SQLite database path")
	f.StringP("username", "u", "", "User to export (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)

	_ = cmd.MarkFlagRequired("username")

	return cmd
}

func evalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Sweep the similarity threshold over a labelled golden set",
		RunE:  runEval,
	}
	f := cmd.Flags()
	f.String("db", "trainer.db", "SQLite database path holding the catalog")
	f.String("golden", "", "Golden set CSV with exercise_id, label, student_answer columns (required)")
	f.Float64("grade-threshold", similarity.DefaultThreshold, "Current threshold, shown for comparison")
	f.Float64("cosine-weight", similarity.DefaultCosineWeight, "Weight of cosine similarity in the blended score")
	f.String("format", "text", "Output format (text, json)")
	addLogFlags(cmd)

	_ = cmd.MarkFlagRequired("golden")

	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if path := v.GetString("log-file"); path != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(out, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(out, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("TRAINER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("trainer")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/trainer")
	v.AddConfigPath("/etc/trainer")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// judgeOptions accepts a JSON object string from flags and the environment,
// or a map from a config file.
func judgeOptions(v *viper.Viper) (map[string]any, error) {
	switch raw := v.Get("judge-options").(type) {
	case map[string]any:
		return raw, nil
	case string:
		if strings.TrimSpace(raw) == "" {
			return nil, nil
		}
		var opts map[string]any
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			return nil, fmt.Errorf("parse judge-options: %w", err)
		}
		return opts, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("judge-options: unsupported value %T", raw)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if _, err := catalog.ImportFiles(db, v.GetStringSlice("catalog")); err != nil {
		return fmt.Errorf("import catalog: %w", err)
	}
	if n, err := db.QuestionCount(); err == nil && n == 0 {
		slog.Warn("catalog is empty, import questions with `trainer import` or --catalog")
	}

	lang := v.GetString("lang")
	if err := i18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	scorer := similarity.New(similarity.Config{
		Threshold:    v.GetFloat64("grade-threshold"),
		CosineWeight: v.GetFloat64("cosine-weight"),
		MaxMissing:   v.GetInt("max-missing"),
		Feedback:     i18n.NewFeedback(lang),
	})

	// A nil *llm.Client must not end up inside the interface.
	var judge grading.Judge
	judgeModel := ""
	judgeTimeout := v.GetDuration("judge-timeout")
	if v.GetBool("judge") {
		opts, err := judgeOptions(v)
		if err != nil {
			return err
		}
		variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
		client, err := llm.New(llm.Config{
			BaseURL: v.GetString("judge-url"),
			APIKey:  v.GetString("judge-key"),
			Model:   v.GetString("judge-model"),
			Options: opts,
			Timeout: judgeTimeout,
			Variant: prompts.PromptVariant(variant),
		})
		if err != nil {
			return fmt.Errorf("create judge client: %w", err)
		}
		if err := client.Ping(cmd.Context()); err != nil {
			slog.Warn("judge endpoint unreachable, answers fall back to similarity until it recovers",
				"url", v.GetString("judge-url"), "error", err)
		} else {
			slog.Info("judge endpoint OK", "url", v.GetString("judge-url"), "model", client.Model())
		}
		judge = client
		judgeModel = client.Model()
	} else {
		slog.Info("judge disabled, grading with similarity only")
	}

	grader := grading.New(judge, scorer)
	rec := recommend.New(db, recommend.Config{
		ReviewFraction: v.GetFloat64("review-fraction"),
		PoolSize:       v.GetInt("unseen-pool"),
		DefaultK:       v.GetInt("recs-k"),
	})
	svc := practice.New(db, grader, rec, practice.Config{DefaultK: v.GetInt("recs-k")})

	h := handler.New(svc, db, handler.Config{
		Model:      judgeModel,
		SubmitRate: v.GetInt("submit-rate"),
		AdminToken: v.GetString("admin-token"),
	})

	addr := v.GetString("addr")
	router := handler.NewRouter(h, handler.RouterConfig{
		CORSOrigins: v.GetStringSlice("cors-origins"),
		TrustProxy:  v.GetBool("trust-proxy"),
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      judgeTimeout + 30*time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"db", db.Path(),
			"judge", judge != nil,
			"model", judgeModel,
			"lang", lang,
			"recs_k", v.GetInt("recs-k"),
			"submit_rate", v.GetInt("submit-rate"),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	results, err := catalog.ImportFiles(db, args)
	for _, res := range results {
		status := "imported"
		if res.Skipped {
			status = "unchanged"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%d exams, %d questions)\n",
			res.Path, status, res.Exams, res.Questions)
	}
	return err
}

func runEval(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	f, err := os.Open(v.GetString("golden"))
	if err != nil {
		return fmt.Errorf("open golden set: %w", err)
	}
	defer f.Close()
	rows, err := evaluate.ReadGolden(f)
	if err != nil {
		return err
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	scorer := similarity.New(similarity.Config{
		Threshold:    v.GetFloat64("grade-threshold"),
		CosineWeight: v.GetFloat64("cosine-weight"),
	})
	rep, err := evaluate.Run(db, scorer, rows, evaluate.Thresholds())
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	out := cmd.OutOrStdout()
	if strings.ToLower(v.GetString("format")) == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	fmt.Fprintf(out, "Golden rows scored: %d (dropped %d)\n\n", rep.Rows, len(rep.Dropped))
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "threshold\taccuracy\tprecision\trecall\tf1\ttn\tfp\tfn\ttp")
	for _, m := range rep.Sweep {
		fmt.Fprintf(tw, "%.3f\t%.3f\t%.3f\t%.3f\t%.3f\t%d\t%d\t%d\t%d\n",
			m.Threshold, m.Accuracy, m.Precision, m.Recall, m.F1, m.TN, m.FP, m.FN, m.TP)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nCurrent grade-threshold: %.3f\n", scorer.Threshold())
	fmt.Fprintf(out, "Suggested grade-threshold: %.3f (F1 %.3f, accuracy %.3f)\n",
		rep.Best.Threshold, rep.Best.F1, rep.Best.Accuracy)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Export only reads, so grading and recommendation are not needed.
	svc := practice.New(db, nil, nil, practice.Config{})
	export, err := svc.Export(v.GetString("username"))
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	slog.Info("exported attempts", "username", export.Username, "attempts", len(export.Attempts))
	return nil
}
