// Deskhand is an autonomous customer-support agent.
//
// It polls a support inbox over IMAP, drives a large-language-model
// through account lookups, log searches, knowledge-base retrieval and
// sandboxed diagnostics, and finishes each ticket with a reply, an
// escalation to a human, or a closure. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	deskhand serve                        Poll the inbox and process tickets
//	deskhand init [dir]                   Create a starter config and persona
//	deskhand ask <message>                Process a single message (for testing)
//	deskhand ingest <dir>                 Import knowledge-base markdown articles
//	deskhand import-customers <file.vcf>  Import customer accounts from vCards
//	deskhand import-logs <id> <file>      Import a customer's log file
//	deskhand version                      Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/deskhand/deskhand/internal/accounts"
	"github.com/deskhand/deskhand/internal/agent"
	"github.com/deskhand/deskhand/internal/buildinfo"
	"github.com/deskhand/deskhand/internal/config"
	"github.com/deskhand/deskhand/internal/conversation"
	"github.com/deskhand/deskhand/internal/email"
	"github.com/deskhand/deskhand/internal/events"
	"github.com/deskhand/deskhand/internal/forge"
	"github.com/deskhand/deskhand/internal/httpkit"
	"github.com/deskhand/deskhand/internal/kb"
	"github.com/deskhand/deskhand/internal/llm"
	"github.com/deskhand/deskhand/internal/logstore"
	"github.com/deskhand/deskhand/internal/sandbox"
	"github.com/deskhand/deskhand/internal/store"
	"github.com/deskhand/deskhand/internal/support"
)

// defaultPersona is the system prompt used when no persona_file is
// configured. It names the fixed tool contract the model must follow.
const defaultPersona = `You are Deskhand, a customer support agent.

You handle one support ticket at a time. Work the ticket with your
tools, then finish with exactly one terminal action:

- reply(body) to answer the customer
- escalate(issue_summary) when a human must take over
- close(reason) for spam, duplicates, or tickets resolved elsewhere

Before replying, look the customer up with lookup_info, check their
logs with lookup_logs when the issue sounds like an error, and search
the knowledge base with lookup_knowledgebase for a documented fix. Use
note(text) to record internal findings and python(code) for
calculations or diagnostics. Never invent account or billing details;
if you cannot verify something, escalate.`

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the deskhand command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which makes it impossible to call run() concurrently from tests, and
// the argument surface is small enough that manual parsing is clearer
// than bringing in a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: deskhand ask <message>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "ingest":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: deskhand ingest <dir>")
		}
		return runIngest(stdout, configPath, cmdArgs[0])
	case "import-customers":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: deskhand import-customers <file.vcf>")
		}
		return runImportCustomers(stdout, configPath, cmdArgs[0])
	case "import-logs":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: deskhand import-logs <customer_id> <file>")
		}
		return runImportLogs(stdout, configPath, cmdArgs[0], cmdArgs[1])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Deskhand - Autonomous Customer Support Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: deskhand [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Poll the support inbox and process tickets")
	fmt.Fprintln(w, "  init [dir]                   Create a starter config and persona")
	fmt.Fprintln(w, "  ask <message>                Process a single message (for testing)")
	fmt.Fprintln(w, "  ingest <dir>                 Import knowledge-base markdown articles")
	fmt.Fprintln(w, "  import-customers <file.vcf>  Import customer accounts from vCards")
	fmt.Fprintln(w, "  import-logs <id> <file>      Import a customer's log file")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./deskhand.yaml, ~/.config/deskhand/deskhand.yaml, /etc/deskhand/deskhand.yaml")
	return nil
}

// runIngest imports a directory tree of markdown articles into the
// knowledge base.
func runIngest(stdout io.Writer, configPath, dir string) error {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	articles, err := kb.NewStore(filepath.Join(cfg.DataDir, "kb.db"))
	if err != nil {
		return fmt.Errorf("open knowledge base: %w", err)
	}
	defer articles.Close()

	count, err := articles.IngestDir(dir)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", dir, err)
	}

	logger.Info("knowledge base updated", "dir", dir, "articles", count)
	fmt.Fprintf(stdout, "Ingested %d articles from %s\n", count, dir)
	return nil
}

// runImportCustomers imports customer accounts from a vCard file.
func runImportCustomers(stdout io.Writer, configPath, vcfPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	acct, err := accounts.NewStore(filepath.Join(cfg.DataDir, "accounts.db"))
	if err != nil {
		return fmt.Errorf("open account store: %w", err)
	}
	defer acct.Close()

	f, err := os.Open(vcfPath)
	if err != nil {
		return err
	}
	defer f.Close()

	count, err := acct.ImportVCards(f)
	if err != nil {
		return fmt.Errorf("import %s: %w", vcfPath, err)
	}

	fmt.Fprintf(stdout, "Imported %d accounts from %s\n", count, vcfPath)
	return nil
}

// runImportLogs loads a customer's log file into the log store.
func runImportLogs(stdout io.Writer, configPath, customerID, logPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	logs, err := logstore.NewStore(filepath.Join(cfg.DataDir, "logs.db"))
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}
	defer logs.Close()

	f, err := os.Open(logPath)
	if err != nil {
		return err
	}
	defer f.Close()

	count, err := logs.ImportLines(customerID, f)
	if err != nil {
		return fmt.Errorf("import %s: %w", logPath, err)
	}

	fmt.Fprintf(stdout, "Imported %d log lines for %s\n", count, customerID)
	return nil
}

// printSender replaces the SMTP transport for CLI one-shots: reply
// chunks are printed to stdout instead of mailed.
type printSender struct {
	w io.Writer
}

func (p *printSender) SendReply(ctx context.Context, ticket *store.Ticket, chunks []string) error {
	for i, chunk := range chunks {
		if len(chunks) > 1 {
			fmt.Fprintf(p.w, "--- reply part %d/%d ---\n", i+1, len(chunks))
		}
		fmt.Fprintln(p.w, chunk)
	}
	return nil
}

// runAsk processes a single message as a throwaway ticket, printing
// the outcome. The reply transport is replaced with stdout; data
// stores live in a temp directory and are discarded afterwards.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)
	message := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// Tickets from one-shot runs are throwaway; only the reference
	// stores (accounts, logs, knowledge base) use the real data dir.
	dataDir, err := os.MkdirTemp("", "deskhand-ask-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dataDir)

	st, err := store.New(filepath.Join(dataDir, "tickets.db"))
	if err != nil {
		return fmt.Errorf("open ticket store: %w", err)
	}
	defer st.Close()

	acct, err := accounts.NewStore(filepath.Join(cfg.DataDir, "accounts.db"))
	if err != nil {
		return fmt.Errorf("open account store: %w", err)
	}
	defer acct.Close()

	logs, err := logstore.NewStore(filepath.Join(cfg.DataDir, "logs.db"))
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}
	defer logs.Close()

	articles, err := kb.NewStore(filepath.Join(cfg.DataDir, "kb.db"))
	if err != nil {
		return fmt.Errorf("open knowledge base: %w", err)
	}
	defer articles.Close()

	var runner support.Runner
	if cfg.Sandbox.URL != "" {
		sb, err := sandbox.NewClient(cfg.Sandbox.URL, time.Duration(cfg.Sandbox.TimeoutSec)*time.Second, logger)
		if err != nil {
			return fmt.Errorf("sandbox: %w", err)
		}
		runner = sb
	}

	registry, err := support.NewRegistry(support.Deps{
		Accounts:  acct,
		Logs:      logs,
		KB:        articles,
		Tickets:   st,
		Sender:    &printSender{w: stdout},
		Runner:    runner,
		ChunkSize: cfg.Loop.ChunkSize,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	client := createModelClient(cfg, logger)
	loop := agent.NewLoop(client, cfg.Model.Name, registry, cfg.Loop, nil, logger)
	manager := agent.NewManager(st, loop, loadPersona(cfg, logger), nil, logger)

	ticket, err := manager.OpenTicket("CLI", "cli@localhost", "ask", "")
	if err != nil {
		return err
	}

	result, err := manager.Process(ctx, ticket, message)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintf(stdout, "outcome: %s (status %s, %d iterations)\n",
		result.Outcome, result.FinalStatus, result.Iterations)
	return nil
}

// runServe is the primary operating mode: open the data stores, build
// the tool registry and agent loop, and poll the support inbox until a
// shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Deskhand",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known.
	if cfg.LogLevel != "" {
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "model", cfg.Model.Name)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Data stores ---
	st, err := store.New(filepath.Join(cfg.DataDir, "tickets.db"))
	if err != nil {
		return fmt.Errorf("open ticket store: %w", err)
	}
	defer st.Close()

	acct, err := accounts.NewStore(filepath.Join(cfg.DataDir, "accounts.db"))
	if err != nil {
		return fmt.Errorf("open account store: %w", err)
	}
	defer acct.Close()

	logs, err := logstore.NewStore(filepath.Join(cfg.DataDir, "logs.db"))
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}
	defer logs.Close()

	articles, err := kb.NewStore(filepath.Join(cfg.DataDir, "kb.db"))
	if err != nil {
		return fmt.Errorf("open knowledge base: %w", err)
	}
	defer articles.Close()

	// --- Model client ---
	client := createModelClient(cfg, logger)
	if err := client.Ping(ctx); err != nil {
		logger.Warn("model endpoint not reachable at startup", "error", err)
	}

	// --- Escalation tracker ---
	var escalator support.Escalator
	if cfg.Tracker.Token != "" && cfg.Tracker.Repo != "" {
		tracker, err := forge.NewTracker(cfg.Tracker, httpkit.NewClient(), "", logger)
		if err != nil {
			return fmt.Errorf("escalation tracker: %w", err)
		}
		escalator = tracker
		logger.Info("escalation tracker configured", "repo", cfg.Tracker.Repo)
	} else {
		logger.Warn("escalation tracker not configured - escalations will not file issues")
	}

	// --- Sandbox runner ---
	var runner support.Runner
	if cfg.Sandbox.URL != "" {
		sb, err := sandbox.NewClient(cfg.Sandbox.URL, time.Duration(cfg.Sandbox.TimeoutSec)*time.Second, logger)
		if err != nil {
			return fmt.Errorf("sandbox: %w", err)
		}
		runner = sb
		logger.Info("sandbox configured", "url", cfg.Sandbox.URL)
	} else {
		logger.Info("sandbox disabled (not configured)")
	}

	// --- Event bus ---
	// nil-safe: an unconfigured publisher drops every publish.
	var publisher *events.Publisher
	if cfg.Events.Broker != "" {
		publisher = events.New(cfg.Events, logger)
		if err := publisher.Start(ctx); err != nil {
			return fmt.Errorf("event bus: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := publisher.Stop(stopCtx); err != nil {
				logger.Error("event bus shutdown failed", "error", err)
			}
		}()
		logger.Info("event bus connected", "broker", cfg.Events.Broker)
	} else {
		logger.Info("event bus disabled (not configured)")
	}

	// --- Tool registry ---
	registry, err := support.NewRegistry(support.Deps{
		Accounts:  acct,
		Logs:      logs,
		KB:        articles,
		Tickets:   st,
		Sender:    email.NewMailer(cfg.Mailbox, logger),
		Escalator: escalator,
		Runner:    runner,
		ChunkSize: cfg.Loop.ChunkSize,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("tool registry: %w", err)
	}
	logger.Info("tool registry built", "tools", registry.Names())

	// --- Agent ---
	onTransition := func(ticketID string, from, to conversation.Status, reason string) {
		ticket, err := st.GetTicket(ticketID)
		if err != nil || ticket == nil {
			return
		}
		pubCtx, pubCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer pubCancel()
		publisher.PublishTransition(pubCtx, events.Transition{
			TicketID:      ticketID,
			CustomerEmail: ticket.CustomerEmail,
			From:          string(from),
			To:            string(to),
			Reason:        reason,
			At:            time.Now().UTC(),
		})
	}

	loop := agent.NewLoop(client, cfg.Model.Name, registry, cfg.Loop, &usageRecorder{store: st, logger: logger}, logger)
	manager := agent.NewManager(st, loop, loadPersona(cfg, logger), onTransition, logger)

	// --- Inbox poller ---
	mailbox := email.NewClient(cfg.Mailbox.IMAP, logger)
	defer mailbox.Close()

	var wg sync.WaitGroup
	handler := func(hCtx context.Context, in *email.Inbound) error {
		return handleInbound(hCtx, manager, st, in, &wg, logger)
	}
	poller := email.NewPoller(mailbox, st, handler, logger)

	interval := time.Duration(cfg.Mailbox.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("polling inbox",
		"host", cfg.Mailbox.IMAP.Host,
		"folder", cfg.Mailbox.IMAP.Folder,
		"interval", interval,
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First poll immediately; afterwards on the ticker.
	for {
		if err := poller.Poll(ctx); err != nil && ctx.Err() == nil {
			logger.Error("poll cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			wg.Wait()
			logger.Info("Deskhand stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// handleInbound routes one inbound email onto its ticket (existing
// thread or a fresh one) and runs the agent on it. Summaries are
// generated in the background once a ticket resolves.
func handleInbound(ctx context.Context, manager *agent.Manager, st *store.Store, in *email.Inbound, wg *sync.WaitGroup, logger *slog.Logger) error {
	if in.FromAddr == "" {
		logger.Warn("inbound message without sender dropped", "uid", in.UID)
		return nil
	}

	root := in.ThreadRoot()
	ticket, err := st.FindTicketByThread(root)
	if err != nil {
		return fmt.Errorf("find ticket for thread %s: %w", root, err)
	}
	if ticket == nil {
		name := in.FromName
		if name == "" {
			name = in.FromAddr
		}
		ticket, err = manager.OpenTicket(name, in.FromAddr, in.Subject, root)
		if err != nil {
			return fmt.Errorf("open ticket: %w", err)
		}
	} else if conversation.Status(ticket.Status).Terminal() {
		logger.Info("message on terminal ticket ignored",
			"ticket_id", ticket.TicketID,
			"status", ticket.Status,
		)
		return nil
	}

	result, err := manager.Process(ctx, ticket, in.TextBody)
	if err != nil {
		return fmt.Errorf("process %s: %w", ticket.TicketID, err)
	}

	if result.Outcome == agent.OutcomeResolved && ticket.Summary == "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sumCtx, sumCancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer sumCancel()
			manager.Summarize(sumCtx, ticket)
		}()
	}
	return nil
}

// usageRecorder persists per-tool-call analytics to the ticket store.
type usageRecorder struct {
	store  *store.Store
	logger *slog.Logger
}

func (r *usageRecorder) RecordCall(ticketID, toolName string, args map[string]any, payload string, ok bool, d time.Duration) {
	err := r.store.RecordToolUsage(&store.ToolUsage{
		TicketID: ticketID,
		ToolName: toolName,
		Args:     args,
		Result:   payload,
		OK:       ok,
		Duration: d,
	})
	if err != nil {
		r.logger.Warn("tool usage not recorded", "tool", toolName, "error", err)
	}
}

// loadPersona returns the system prompt: the configured persona file
// when present, the built-in default otherwise.
func loadPersona(cfg *config.Config, logger *slog.Logger) string {
	if cfg.Persona == "" {
		return defaultPersona
	}
	data, err := os.ReadFile(cfg.Persona)
	if err != nil {
		logger.Warn("persona file unreadable, using default", "path", cfg.Persona, "error", err)
		return defaultPersona
	}
	logger.Info("persona loaded", "path", cfg.Persona, "size", len(data))
	return string(data)
}

// newLogger creates a structured text logger writing to w.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// createModelClient builds the LLM client for the configured provider.
func createModelClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	if cfg.Model.Provider == "anthropic" {
		return llm.NewAnthropicClient(cfg.Model.APIKey, logger)
	}
	return llm.NewOpenAIClient(cfg.Model.BaseURL, cfg.Model.APIKey, logger)
}
