package chatbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"UniNavigator/internal/backend"
	"UniNavigator/internal/chat"
	"UniNavigator/internal/config"
	"UniNavigator/internal/kvstore"
	"UniNavigator/internal/session"
	"UniNavigator/internal/store"
	"UniNavigator/internal/telemetry"
	"UniNavigator/internal/transport"
)

// ChatBot represents the terminal application
type ChatBot struct {
	config  config.Config
	logger  *slog.Logger
	kv      kvstore.KV
	prefs   *store.Preferences
	convs   *store.ConversationStore
	client  *transport.Client
	session *chat.Session

	in  io.Reader
	out io.Writer
	now func() time.Time

	closers []func()
}

// Deps are the collaborators a ChatBot is assembled from
type Deps struct {
	Config   config.Config
	Logger   *slog.Logger
	KV       kvstore.KV
	Client   *transport.Client
	Streamer chat.Streamer
	In       io.Reader
	Out      io.Writer
	Now      func() time.Time
}

// NewChatBot initializes logging, telemetry, storage and the API client from cfg
func NewChatBot(cfg config.Config) (*ChatBot, error) {
	logger, logCloser, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	closers := []func(){func() { _ = logCloser.Close() }}

	if cfg.Telemetry {
		_, _, cleanup, err := telemetry.InitTelemetry(context.Background(), cfg.LogDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		closers = append([]func(){cleanup}, closers...)
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	kv, err := kvstore.Open(kvstore.Options{
		Backend:   cfg.Storage.Backend,
		Path:      cfg.Storage.Path,
		RedisAddr: cfg.Storage.RedisAddr,
		RedisDB:   cfg.Storage.RedisDB,
		Namespace: cfg.Storage.Namespace,
	})
	if err != nil {
		// conversation state is resumable, not critical: run without persistence
		logger.Error("failed to open storage, falling back to memory", "backend", cfg.Storage.Backend, "error", err)
		kv = kvstore.NewMemory()
	}

	client := transport.NewClient(cfg.APIBaseURL, logger)
	streamer := NewStreamer(cfg, client, logger)

	cb := New(Deps{
		Config:   cfg,
		Logger:   logger,
		KV:       kv,
		Client:   client,
		Streamer: streamer,
		In:       os.Stdin,
		Out:      os.Stdout,
	})
	cb.closers = append(cb.closers, closers...)
	return cb, nil
}

// NewStreamer picks the reply transport named in cfg
func NewStreamer(cfg config.Config, client *transport.Client, logger *slog.Logger) chat.Streamer {
	switch {
	case cfg.Transport == config.TransportWebSocket:
		wsURL := cfg.WSURL
		if wsURL == "" {
			wsURL = transport.WebSocketURL(cfg.APIBaseURL)
		}
		return transport.NewWebSocketStreamer(wsURL, logger)
	case !cfg.Stream:
		return transport.NewOneShot(client)
	default:
		return client
	}
}

// New assembles a ChatBot from already-built collaborators
func New(d Deps) *ChatBot {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Streamer == nil {
		d.Streamer = d.Client
	}
	cb := &ChatBot{
		config: d.Config,
		logger: d.Logger,
		kv:     d.KV,
		prefs:  store.NewPreferences(d.KV),
		convs:  store.NewConversationStore(d.KV, d.Logger),
		client: d.Client,
		in:     d.In,
		out:    d.Out,
		now:    d.Now,
	}
	cb.session = chat.New(cb.convs, d.Streamer,
		chat.WithLogger(d.Logger),
		chat.WithClock(d.Now),
		chat.WithContext(cb.requestContext),
	)
	return cb
}

// Close releases storage and flushes telemetry
func (cb *ChatBot) Close() {
	if cb.kv != nil {
		if err := cb.kv.Close(); err != nil {
			cb.logger.Error("failed to close storage", "error", err)
		}
	}
	for _, fn := range cb.closers {
		fn()
	}
}

// requestContext reads the language and profile at send time
func (cb *ChatBot) requestContext(ctx context.Context) chat.Context {
	rc := chat.Context{Language: cb.language(ctx)}
	prof, ok, err := cb.prefs.Profile(ctx)
	if err != nil {
		cb.logger.Warn("failed to read profile", "error", err)
		return rc
	}
	if ok {
		rc.ZScore = prof.ZScore
		rc.District = prof.District
		rc.DistrictID = prof.DistrictID
	}
	return rc
}

func (cb *ChatBot) language(ctx context.Context) string {
	if cb.config.Language != "" {
		return cb.config.Language
	}
	lang, err := cb.prefs.Language(ctx)
	if err != nil {
		cb.logger.Warn("failed to read language", "error", err)
	}
	return lang
}

// handleCommand handles slash commands; it reports whether to quit
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		conv := cb.session.StartNew(ctx)
		fmt.Fprintln(cb.out, "Started new conversation:", conv.ID)
		return false, nil

	case "/list":
		cb.printConversations(ctx)
		return false, nil

	case "/open":
		if len(parts) < 2 {
			return false, errors.New("usage: /open <conversation-id>")
		}
		conv, err := cb.session.Select(ctx, parts[1])
		if err != nil {
			return false, err
		}
		cb.printTranscript(conv)
		return false, nil

	case "/delete":
		if len(parts) < 2 {
			return false, errors.New("usage: /delete <conversation-id>")
		}
		wasActive := cb.session.Current().ID == parts[1]
		if err := cb.session.Delete(ctx, parts[1]); err != nil {
			return false, err
		}
		fmt.Fprintln(cb.out, "Deleted", parts[1])
		if wasActive {
			fmt.Fprintln(cb.out, "Started new conversation:", cb.session.Current().ID)
		}
		return false, nil

	case "/profile":
		return false, cb.handleProfile(ctx, parts[1:])

	case "/lang":
		if len(parts) < 2 {
			return false, errors.New("usage: /lang <en|si|ta>")
		}
		if err := cb.prefs.SetLanguage(ctx, parts[1]); err != nil {
			return false, err
		}
		fmt.Fprintf(cb.out, "Replies will be in %s\n", parts[1])
		return false, nil

	case "/help":
		fmt.Fprintln(cb.out, "Available commands:")
		fmt.Fprintln(cb.out, "  /new                     - Start a new conversation")
		fmt.Fprintln(cb.out, "  /list                    - List saved conversations")
		fmt.Fprintln(cb.out, "  /open <id>               - Switch to a saved conversation")
		fmt.Fprintln(cb.out, "  /delete <id>             - Delete a conversation")
		fmt.Fprintln(cb.out, "  /profile <z> [district]  - Set your z-score and district (/profile clear to reset)")
		fmt.Fprintln(cb.out, "  /lang <en|si|ta>         - Set the reply language")
		fmt.Fprintln(cb.out, "  /quit, /exit             - Exit")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s (try /help)", parts[0])
	}
}

func (cb *ChatBot) handleProfile(ctx context.Context, args []string) error {
	if len(args) == 0 {
		prof, ok, err := cb.prefs.Profile(ctx)
		if err != nil {
			return err
		}
		if !ok || prof.ZScore == nil {
			fmt.Fprintln(cb.out, "No profile set")
			return nil
		}
		fmt.Fprintf(cb.out, "z-score %.4f, district %s\n", *prof.ZScore, orDash(prof.District))
		return nil
	}
	if args[0] == "clear" {
		if err := cb.prefs.ClearProfile(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cb.out, "Profile cleared")
		return nil
	}

	score, err := ParseZScore(args[0])
	if err != nil {
		return err
	}
	prof := store.Profile{ZScore: &score, District: strings.Join(args[1:], " ")}
	if err := cb.prefs.SaveProfile(ctx, prof); err != nil {
		return err
	}
	fmt.Fprintf(cb.out, "Profile saved: z-score %.4f, district %s\n", score, orDash(prof.District))
	return nil
}

// ParseZScore parses a z-score in the accepted 0..4 range
func ParseZScore(s string) (float64, error) {
	score, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &session.ValidationError{Message: fmt.Sprintf("invalid z-score %q: must be a number between 0 and 4", s)}
	}
	return score, ValidateZScore(score)
}

// ValidateZScore rejects scores outside 0..4
func ValidateZScore(score float64) error {
	if score < 0 || score > 4 {
		return &session.ValidationError{Message: fmt.Sprintf("invalid z-score %q: must be a number between 0 and 4", strconv.FormatFloat(score, 'f', -1, 64))}
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (cb *ChatBot) printConversations(ctx context.Context) {
	convs := cb.session.List(ctx)
	if len(convs) == 0 {
		fmt.Fprintln(cb.out, "No saved conversations")
		return
	}
	active := cb.session.Current().ID
	for _, c := range convs {
		marker := " "
		if c.ID == active {
			marker = "*"
		}
		fmt.Fprintf(cb.out, "%s %s  %-33s  %2d msgs  %s\n",
			marker, c.ID, c.Title, len(c.Messages), c.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
}

func (cb *ChatBot) printTranscript(conv session.Conversation) {
	fmt.Fprintf(cb.out, "== %s ==\n", conv.Title)
	for _, m := range conv.Messages {
		who := "You"
		if m.Role == session.RoleAssistant {
			who = "Bot"
		}
		fmt.Fprintf(cb.out, "%s: %s\n", who, m.Content)
		printSources(cb.out, m)
	}
	fmt.Fprintln(cb.out)
}

func printSources(w io.Writer, m session.Message) {
	if len(m.Sources) == 0 {
		return
	}
	fmt.Fprintf(w, "     sources: %s\n", strings.Join(m.Sources, "; "))
}

// userMessage renders an error the way it is shown to the student
func userMessage(err error) string {
	var (
		te *session.TransportError
		ve *session.ValidationError
	)
	switch {
	case errors.As(err, &te):
		return te.Message
	case errors.As(err, &ve):
		return ve.Message
	case errors.Is(err, chat.ErrBusy):
		return "Please wait for the current reply to finish"
	}
	return err.Error()
}

// Run starts the chat loop. It returns ctx.Err() once ctx is cancelled,
// without acting on any input read after that point.
func (cb *ChatBot) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conv := cb.session.Resume(ctx)

	fmt.Fprintln(cb.out, "=== UniNavigator ===")
	fmt.Fprintf(cb.out, "Conversation: %s (%s)\n", conv.Title, conv.ID)
	fmt.Fprintln(cb.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(cb.out)
	if len(conv.Messages) > 0 {
		cb.printTranscript(conv)
	}

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	lines, readErr := readLines(readCtx, cb.in)

	for {
		if err := ctx.Err(); err != nil {
			fmt.Fprintln(cb.out)
			return err
		}
		fmt.Fprint(cb.out, "You: ")

		var (
			line string
			ok   bool
		)
		select {
		case <-ctx.Done():
			fmt.Fprintln(cb.out)
			return ctx.Err()
		case line, ok = <-lines:
		}
		if !ok {
			break
		}
		// a line and the cancellation may have been ready together
		if err := ctx.Err(); err != nil {
			fmt.Fprintln(cb.out)
			return err
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				fmt.Fprintf(cb.out, "Error: %s\n", userMessage(err))
				cb.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		fmt.Fprint(cb.out, "Bot: ")
		reply, err := cb.session.Send(ctx, input, func(inc string) {
			fmt.Fprint(cb.out, inc)
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				fmt.Fprintln(cb.out)
				return ctxErr
			}
			fmt.Fprintf(cb.out, "\nError: %s\n\n", userMessage(err))
			cb.logger.Error("failed to send message", "error", err)
			continue
		}
		fmt.Fprintln(cb.out)
		printSources(cb.out, reply)
		fmt.Fprintln(cb.out)
	}

	select {
	case err := <-readErr:
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
	default:
	}
	fmt.Fprintln(cb.out, "Goodbye!")
	return nil
}

// readLines scans r on its own goroutine so a blocked read never holds up
// cancellation. lines is closed at end of input or once ctx is done; a scan
// error is sent on the second channel before lines closes.
func readLines(ctx context.Context, r io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()
	return lines, errc
}

// Eligibility runs a lookup, records it as the last search and prints the
// results grouped by university
func (cb *ChatBot) Eligibility(ctx context.Context, req backend.EligibilityRequest) error {
	if req.Language == "" {
		req.Language = cb.language(ctx)
	}
	resp, err := cb.client.CheckEligibility(ctx, req)
	if err != nil {
		return err
	}
	err = cb.prefs.SaveLastSearch(ctx, store.LastSearch{
		ZScore:     req.ZScore,
		District:   req.District,
		DistrictID: req.DistrictID,
		Year:       req.Year,
		Language:   req.Language,
	}, cb.now())
	if err != nil {
		cb.logger.Warn("failed to save last search", "error", err)
	}

	fmt.Fprintf(cb.out, "%d eligible courses (%d)\n", resp.TotalEligible, resp.Year)
	byUniversity := map[string][]backend.EligibilityResult{}
	var names []string
	for _, r := range resp.Results {
		if _, ok := byUniversity[r.University]; !ok {
			names = append(names, r.University)
		}
		byUniversity[r.University] = append(byUniversity[r.University], r)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(cb.out, "\n%s\n", name)
		for _, r := range byUniversity[name] {
			fmt.Fprintf(cb.out, "  %-8s %-40s cut-off %.4f\n", r.CourseCode, r.Course, r.CutoffScore)
		}
	}
	return nil
}

// Districts prints the district list
func (cb *ChatBot) Districts(ctx context.Context) error {
	districts, err := cb.client.Districts(ctx)
	if err != nil {
		return err
	}
	for _, d := range districts {
		fmt.Fprintf(cb.out, "%3d  %s\n", d.ID, d.Name)
	}
	return nil
}

// Conversations prints the stored conversation list
func (cb *ChatBot) Conversations(ctx context.Context) {
	cb.printConversations(ctx)
}

// UserMessage exposes the student-facing rendering of err for the CLI
func UserMessage(err error) string {
	return userMessage(err)
}
