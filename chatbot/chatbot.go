package chatbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/RainyN0077/Discord-LLMs-ChatBot/chatbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// ChatBot is the main application struct, wiring the Discord gateway,
// the LLM provider, the knowledge store and the quota ledger together.
type ChatBot struct {
	config *Config

	db *gorm.DB

	logger     *slog.Logger
	logHandler slog.Handler

	knowledge      *KnowledgeStore
	quota          *QuotaLedger
	estimator      *TokenEstimator
	tools          *ToolRegistry
	provider       Provider
	contextBuilder *ContextBuilder
	usage          *UsageRecorder

	discord *Discord
	api     *API

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time

	// inFlight tracks users with a request currently being answered, so
	// a user can't stack requests while one is running
	inFlightMu sync.Mutex
	inFlight   map[string]bool
}

// New creates a ChatBot from the given config. The database is created
// and migrated here; Run starts the Discord session and API server.
func New(ctx context.Context, config *Config) (*ChatBot, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := structValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logHandler := tint.NewHandler(
		defaultLogWriter,
		&tint.Options{Level: config.LogLevel, AddSource: true},
	)
	logger := slog.New(logHandler).With(loggerNameKey, "chatbot")

	db, err := CreateDB(ctx, config.DatabaseType, config.Database)
	if err != nil {
		return nil, err
	}

	b := &ChatBot{
		config:     config,
		db:         db,
		logger:     logger,
		logHandler: logHandler,
		estimator:  &TokenEstimator{},
		inFlight:   map[string]bool{},
	}

	componentLogger := slog.New(logHandler)
	b.knowledge = NewKnowledgeStore(db, componentLogger)
	b.quota = NewQuotaLedger(componentLogger)
	b.usage = NewUsageRecorder(db, componentLogger)
	b.tools = NewToolRegistry(
		b.knowledge,
		config.Knowledge.MemoryDedupThreshold,
		config.Knowledge.WorldBookDedupThreshold,
		componentLogger,
	)
	b.contextBuilder = NewContextBuilder(
		b.knowledge,
		b.estimator,
		config.Knowledge,
		config.LLM,
		componentLogger,
	)

	llmLogger := componentLogger
	if config.LLM.LogLevel != nil {
		llmLogger = slog.New(
			tint.NewHandler(
				defaultLogWriter,
				&tint.Options{Level: config.LLM.LogLevel, AddSource: true},
			),
		)
	}
	b.provider, err = NewProvider(config.LLM, llmLogger)
	if err != nil {
		return nil, err
	}

	b.discord, err = newDiscord(b, config.Discord)
	if err != nil {
		return nil, err
	}

	b.api, err = newAPI(b, config.API)
	if err != nil {
		return nil, err
	}

	return b, nil
}

// Run starts the bot and blocks until ctx is canceled or Stop is called,
// then shuts down gracefully within ShutdownTimeout.
func (b *ChatBot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()

	logger := b.logger
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	go func() {
		httpErr := b.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	connectErr := make(chan error, 1)
	go func() {
		connectErr <- b.discord.connect(startCtx)
	}()
	select {
	case <-startCtx.Done():
		startCancel()
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-connectErr:
		startCancel()
		if err != nil {
			logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
			return err
		}
	}
	logger.InfoContext(ctx, "connected to discord")

	<-ctx.Done()
	return b.shutdown()
}

// Stop triggers a graceful shutdown from outside Run.
func (b *ChatBot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

func (b *ChatBot) shutdown() error {
	logger := b.logger
	logger.Warn("shutting down")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer cancel()

	g := new(errgroup.Group)
	g.Go(func() error {
		if err := b.discord.close(); err != nil {
			logger.Error("error closing discord session", tint.Err(err))
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := b.api.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down api", tint.Err(err))
			return err
		}
		return nil
	})
	err := g.Wait()

	// The database closes last, after in-flight handlers have drained
	if sqlDB, dbErr := b.db.DB(); dbErr == nil {
		if closeErr := sqlDB.Close(); closeErr != nil {
			logger.Error("error closing database", tint.Err(closeErr))
			err = errors.Join(err, closeErr)
		}
	}

	logger.Warn("shutdown complete")
	return err
}

// IncomingMessage is a user message that triggered the bot, already
// filtered and stripped of the mention or trigger word by the Discord
// layer.
type IncomingMessage struct {
	UserID    string
	UserName  string
	ChannelID string
	GuildID   string
	Content   string
	Persona   UserPersona
	History   channelHistory
	BotUserID string
}

// tryAcquireUser marks a user as having a request in flight. Returns
// false when one is already running.
func (b *ChatBot) tryAcquireUser(userID string) bool {
	b.inFlightMu.Lock()
	defer b.inFlightMu.Unlock()
	if b.inFlight[userID] {
		return false
	}
	b.inFlight[userID] = true
	return true
}

func (b *ChatBot) releaseUser(userID string) {
	b.inFlightMu.Lock()
	defer b.inFlightMu.Unlock()
	delete(b.inFlight, userID)
}

// respond runs the full pipeline for one user message and returns the
// reply text. Quota rejections come back as (reply, nil): they are a
// normal outcome with a user-facing notice, not a failure.
func (b *ChatBot) respond(ctx context.Context, msg IncomingMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.LLM.RequestTimeout)
	defer cancel()

	logger := b.logger.With(
		"user_id", msg.UserID,
		"channel_id", msg.ChannelID,
	)
	ctx = WithLogger(ctx, logger)

	req, estimatedInput, err := b.contextBuilder.BuildRequest(
		ctx,
		msg.History,
		msg.Persona,
		msg.ChannelID,
		msg.BotUserID,
		msg.Content,
	)
	if err != nil {
		return "", err
	}

	if _, err = b.quota.Reserve(msg.UserID, msg.Persona.Quota, estimatedInput); err != nil {
		quotaErr := &QuotaExceededError{}
		if errors.As(err, &quotaErr) {
			logger.InfoContext(ctx, "quota exceeded", tint.Err(quotaErr))
			return quotaErr.UserMessage(), nil
		}
		return "", err
	}

	resp, usage, err := b.runToolLoop(ctx, req, ToolContext{
		UserID:   msg.UserID,
		UserName: msg.UserName,
		Source:   "discord",
	})
	if err != nil {
		return "", err
	}

	inputTokens := usage.InputTokens
	outputTokens := usage.OutputTokens
	if !usage.Reported {
		inputTokens = estimatedInput
		outputTokens = b.estimator.Estimate(
			resp.Content,
			b.config.LLM.Provider,
			b.config.LLM.Model,
		)
	}
	committed := b.quota.CommitPostRequest(msg.UserID, inputTokens, outputTokens)
	logger.InfoContext(ctx, "request complete", "usage", committed)

	b.usage.Record(
		ctx,
		msg.UserID,
		b.provider.Name(),
		b.config.LLM.Model,
		TokenUsage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			Reported:     usage.Reported,
		},
	)
	return resp.Content, nil
}

// runToolLoop performs provider round trips until the model answers in
// text, executing tool calls between rounds. After MaxToolRounds the
// tools are withheld so the model must produce a final text answer.
func (b *ChatBot) runToolLoop(
	ctx context.Context,
	req ChatRequest,
	tc ToolContext,
) (ChatResponse, TokenUsage, error) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
	}

	maxRounds := b.config.LLM.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = DefaultLLMMaxToolRounds
	}
	req.Tools = b.tools.Definitions()

	var total TokenUsage
	for round := 0; ; round++ {
		if round >= maxRounds {
			req.Tools = nil
		}

		resp, err := b.provider.CreateChatCompletion(ctx, req)
		if err != nil {
			return ChatResponse{}, total, err
		}
		total.InputTokens += resp.Usage.InputTokens
		total.OutputTokens += resp.Usage.OutputTokens
		total.Reported = total.Reported || resp.Usage.Reported

		if len(resp.ToolCalls) == 0 {
			return resp, total, nil
		}

		logger.InfoContext(
			ctx,
			"model requested tool calls",
			"round", round,
			"count", len(resp.ToolCalls),
		)
		req.Messages = append(
			req.Messages,
			ChatMessage{
				Role:      RoleAssistant,
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			},
		)
		for _, call := range resp.ToolCalls {
			result := b.tools.Execute(ctx, tc, call)
			req.Messages = append(
				req.Messages,
				ChatMessage{
					Role:       RoleTool,
					ToolCallID: call.ID,
					ToolName:   call.Name,
					Content:    result.Encode(),
				},
			)
		}
	}
}
