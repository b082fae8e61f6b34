package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/lumohealth/agentlink/internal/chat"
	"github.com/lumohealth/agentlink/internal/config"
	"github.com/lumohealth/agentlink/internal/conn"
	"github.com/lumohealth/agentlink/internal/history"
	"github.com/lumohealth/agentlink/internal/logger"
	"github.com/lumohealth/agentlink/internal/outbox"
	"github.com/lumohealth/agentlink/internal/securemem"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.GetConfigPath(), "path to config file")
	serverURL := flag.String("server", "", "gateway base URL (overrides config)")
	sessionID := flag.String("session", "", "session id (default: new session)")
	identityFlag := flag.String("identity", "", "identity id (default: derived from token)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error, none")
	oneShot := flag.String("message", "", "send one message, wait for the turn, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Global().Close()
	defer securemem.Purge()

	token, err := loadToken(cfg.TokenPath)
	if err != nil {
		return err
	}
	defer token.Destroy()

	identity := *identityFlag
	if identity == "" {
		identity, err = conn.DeriveIdentity(token)
		if err != nil {
			return fmt.Errorf("no -identity given and %w", err)
		}
	}

	sid := *sessionID
	if sid == "" {
		sid = uuid.NewString()
	}

	store, err := outbox.NewStore(cfg.OutboxDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	committer := outbox.NewCommitClient(cfg.ServerURL, token,
		time.Duration(cfg.CommitTimeoutSeconds)*time.Second)
	box, err := outbox.New(store, committer, logger.Global())
	if err != nil {
		return err
	}

	manager, err := conn.New(conn.Options{
		BaseURL:        cfg.ServerURL,
		Namespace:      cfg.AgentNamespace,
		IdentityKey:    identity,
		SessionID:      sid,
		Token:          token,
		ReconnectDelay: time.Duration(cfg.ReconnectDelaySeconds) * time.Second,
		Logger:         logger.Global(),
	})
	if err != nil {
		return err
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd())) && *oneShot == ""

	session := chat.NewSession(chat.Options{
		SessionID:         sid,
		IdentityID:        identity,
		GraceWindow:       time.Duration(cfg.WritebackGraceWindowMS) * time.Millisecond,
		ApprovalFallback:  cfg.ApprovalFallback,
		ExecutionProfile:  cfg.ExecutionProfile,
		AllowProfileSync:  cfg.AllowProfileSync,
		DecisionCacheSize: cfg.ApprovalDecisionCacheSz,
		Interactive:       interactive,
		IsMutationTool:    cfg.IsMutationTool,
		IsDelegatedTool:   cfg.IsDelegatedTool,
		Logger:            logger.Global(),
	}, manager, box)

	box.OnResult(session.OnWritebackResult)
	manager.OnClose(session.OnDisconnect)
	manager.OnReset(session.ResetStreaming)
	manager.OnOpen(func(retry bool) {
		// A reconnect is the moment to drain anything the outage stranded.
		box.FlushNow()
		if retry {
			session.RetryLast()
		}
	})

	cache, err := history.New(cfg.HistoryDir, identity, sid,
		time.Duration(cfg.HistoryDebounceMS)*time.Millisecond, logger.Global())
	if err != nil {
		return err
	}
	if cached, err := cache.Load(); err != nil {
		logger.Warn("history cache unreadable: %v", err)
	} else if len(cached) > 0 {
		session.SeedHistory(cached)
		for _, m := range cached {
			printMessage(m)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := config.Watch(*configPath, func(next *config.Config) {
		session.SetGraceWindow(time.Duration(next.WritebackGraceWindowMS) * time.Millisecond)
	}, stopWatch); err != nil {
		logger.Warn("config watch unavailable: %v", err)
	}

	go box.Run(ctx, time.Duration(cfg.FlushIntervalSeconds)*time.Second)
	go session.Run(ctx.Done(), manager.Frames())

	ui := &consoleUI{session: session, done: make(chan struct{})}
	go ui.consumeEvents(ctx, cache)

	if err := manager.Open(ctx); err != nil {
		return err
	}
	defer manager.Close()

	if *oneShot != "" {
		if err := session.Send(*oneShot, ""); err != nil {
			return err
		}
		select {
		case <-ui.done:
		case <-ctx.Done():
		}
		return cache.Flush()
	}

	fmt.Println("Connected. Type a message, /clear, /drafts, /flush or /quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if ui.answerApproval(line) {
			continue
		}
		switch line {
		case "/quit":
			return cache.Flush()
		case "/clear":
			if err := session.Clear(); err != nil {
				fmt.Printf("! %v\n", err)
			} else if err := cache.Clear(); err != nil {
				logger.Warn("failed to clear history cache: %v", err)
			}
		case "/drafts":
			printDrafts(box)
		case "/flush":
			box.FlushNow()
		default:
			if err := session.Send(line, ""); err != nil {
				fmt.Printf("! not sent: %v\n", err)
			}
		}
	}

	return cache.Flush()
}

func loadToken(path string) (*securemem.String, error) {
	if env := strings.TrimSpace(os.Getenv("AGENTLINK_TOKEN")); env != "" {
		return securemem.NewString(env), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("no credential: set AGENTLINK_TOKEN or create %s: %w", path, err)
	}
	return securemem.NewStringFromBytes([]byte(strings.TrimSpace(string(data)))), nil
}

// consoleUI renders domain events and tracks the approval being prompted
type consoleUI struct {
	session *chat.Session
	done    chan struct{}

	mu              sync.Mutex
	pendingApproval string
}

func (ui *consoleUI) consumeEvents(ctx context.Context, cache *history.Cache) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ui.session.Events():
			ui.render(e)
			switch e.Type {
			case chat.EventMessageAppended, chat.EventMessageUpdated, chat.EventHistoryCleared:
				cache.Schedule(ui.session.Messages())
			case chat.EventTurnDone, chat.EventTurnError:
				select {
				case ui.done <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (ui *consoleUI) render(e chat.Event) {
	switch e.Type {
	case chat.EventMessageAppended:
		if e.Message != nil && e.Message.Role == chat.RoleAssistant {
			fmt.Print("assistant: ")
		}
	case chat.EventMessageUpdated:
		// Streaming deltas are rendered by the final turn_done print to
		// keep the plain console readable.
	case chat.EventToolAwaitingApproval:
		ui.mu.Lock()
		ui.pendingApproval = e.ToolCallID
		ui.mu.Unlock()
		fmt.Printf("\nThe assistant wants to run %s. Approve? [y/n] ", e.ToolName)
	case chat.EventDraftEnqueued:
		fmt.Printf("\n[queued] %s\n", e.Summary)
	case chat.EventWritebackCommitted:
		fmt.Printf("[synced] %s\n", e.Summary)
	case chat.EventWritebackDeferred:
		fmt.Printf("[deferred] %s\n", e.Text)
	case chat.EventTurnDone:
		if msgs := ui.session.Messages(); len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			if last.Role == chat.RoleAssistant {
				fmt.Printf("%s\n", last.Content)
			}
		}
	case chat.EventTurnError:
		fmt.Printf("\n! %s\n", e.Err)
	case chat.EventStatus:
		fmt.Printf("[%s]\n", e.Text)
	}
}

// answerApproval consumes a y/n line when an approval prompt is pending
func (ui *consoleUI) answerApproval(line string) bool {
	ui.mu.Lock()
	id := ui.pendingApproval
	ui.mu.Unlock()
	if id == "" {
		return false
	}

	lower := strings.ToLower(line)
	if lower != "y" && lower != "yes" && lower != "n" && lower != "no" {
		return false
	}

	ui.mu.Lock()
	ui.pendingApproval = ""
	ui.mu.Unlock()

	approved := lower == "y" || lower == "yes"
	if err := ui.session.Decide(id, approved); err != nil {
		fmt.Printf("! approval not sent: %v\n", err)
	}
	return true
}

func printMessage(m *chat.Message) {
	fmt.Printf("%s: %s\n", m.Role, m.Content)
}

func printDrafts(box *outbox.Outbox) {
	drafts, err := box.Pending()
	if err != nil {
		fmt.Printf("! %v\n", err)
		return
	}
	if len(drafts) == 0 {
		fmt.Println("No pending drafts.")
		if last := box.LastCommitted(); last != nil {
			fmt.Printf("Last synced: %s (%s)\n", last.Summary, last.CommittedAt.Format(time.RFC3339))
		}
		return
	}
	for _, d := range drafts {
		fmt.Printf("%s  %-10s attempts=%d  %s\n", d.DraftID, d.Status, d.Attempts, d.SummaryText)
		if d.LastError != "" {
			fmt.Printf("    last error: %s\n", d.LastError)
		}
	}
}
