// Консольный софтфон: регистрация SIP профиля, исходящие и входящие
// вызовы, заглушение и слепой перевод. Управляется командами со
// стандартного ввода, состояние сообщается событиями клиента.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/webphone/pkg/eventlog"
	"github.com/arzzra/webphone/pkg/profile"
	"github.com/arzzra/webphone/pkg/sipgoua"
	"github.com/arzzra/webphone/pkg/softphone"
)

type appConfig struct {
	SIPUsername   string
	SIPPassword   string
	SIPDomain     string
	DisplayName   string
	WebsocketURL  string
	OutboundProxy string
	Provider      profile.Provider

	ListenAddr  string
	MetricsAddr string
	PostgresURL string
	LogLevel    slog.Level
}

func loadConfig() (*appConfig, error) {
	// .env опционален, переменные окружения имеют приоритет
	_ = godotenv.Load()

	cfg := &appConfig{
		SIPUsername:   os.Getenv("SIP_USERNAME"),
		SIPPassword:   os.Getenv("SIP_PASSWORD"),
		SIPDomain:     getEnv("SIP_DOMAIN", profile.TelnyxDefaultDomain),
		DisplayName:   os.Getenv("SIP_DISPLAY_NAME"),
		WebsocketURL:  os.Getenv("SIP_WEBSOCKET_URL"),
		OutboundProxy: os.Getenv("SIP_OUTBOUND_PROXY"),
		Provider:      profile.ProviderCustom,
		ListenAddr:    getEnv("SIP_LISTEN_ADDR", "127.0.0.1:5060"),
		MetricsAddr:   getEnv("METRICS_ADDR", ""),
		PostgresURL:   os.Getenv("POSTGRES_URL"),
		LogLevel:      parseLevel(getEnv("LOG_LEVEL", "info")),
	}
	if strings.HasSuffix(cfg.SIPDomain, ".telnyx.com") {
		cfg.Provider = profile.ProviderTelnyx
	}
	return cfg, nil
}

// envProfile профиль из переменных окружения; nil, если учетные данные
// не заданы
func (c *appConfig) envProfile() *profile.Profile {
	if c.SIPUsername == "" || c.SIPPassword == "" {
		return nil
	}
	return &profile.Profile{
		Label:         "default",
		Username:      c.SIPUsername,
		Password:      c.SIPPassword,
		Domain:        c.SIPDomain,
		DisplayName:   c.DisplayName,
		WebsocketURL:  c.WebsocketURL,
		OutboundProxy: c.OutboundProxy,
		Provider:      c.Provider,
		Transport:     profile.TransportWSS,
		AutoRegister:  true,
	}
}

// profileStore операции хранилища профилей, нужные приложению
type profileStore interface {
	List(ctx context.Context) ([]*profile.Profile, error)
	Get(ctx context.Context, id string) (*profile.Profile, error)
	Create(ctx context.Context, p *profile.Profile) error
	SetPrimary(ctx context.Context, id string) error
	Primary(ctx context.Context) (*profile.Profile, error)
}

// bootstrapProfile выбирает стартовый профиль: основной из хранилища,
// иначе профиль из окружения. Пустое хранилище заполняется профилем из
// окружения, он же назначается основным.
func bootstrapProfile(ctx context.Context, store profileStore, env *profile.Profile) (*profile.Profile, error) {
	if store == nil {
		if env == nil {
			return nil, fmt.Errorf("SIP_USERNAME and SIP_PASSWORD are required")
		}
		return env, nil
	}

	prof, err := store.Primary(ctx)
	switch {
	case err == nil:
		return prof, nil
	case !errors.Is(err, profile.ErrNotFound):
		return nil, fmt.Errorf("load primary profile: %w", err)
	}

	if env == nil {
		return nil, fmt.Errorf("no primary profile in the store; set SIP_USERNAME and SIP_PASSWORD to seed one")
	}
	if err := store.Create(ctx, env); err != nil {
		return nil, fmt.Errorf("seed profile: %w", err)
	}
	if err := store.SetPrimary(ctx, env.ID); err != nil {
		return nil, fmt.Errorf("mark profile primary: %w", err)
	}
	env.IsPrimary = true
	return env, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := softphone.NewMetrics(reg)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Warn("metrics endpoint stopped", slog.String("error", err.Error()))
			}
		}()
		log.Info("metrics endpoint started", slog.String("addr", cfg.MetricsAddr))
	}

	engine := sipgoua.NewEngine(sipgoua.Config{
		ListenAddr: cfg.ListenAddr,
		Log:        log,
	})
	client := softphone.New(engine,
		softphone.WithLogger(log),
		softphone.WithMetrics(metrics),
	)

	// Хранилища поднимаются только при настроенном PostgreSQL
	var history *eventlog.Store
	var store profileStore
	if cfg.PostgresURL != "" {
		pool, err := profile.Connect(ctx, cfg.PostgresURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		for _, schema := range []string{profile.Schema, eventlog.Schema} {
			if _, err := pool.Exec(ctx, schema); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		store = profile.NewStore(pool, log)
		history = eventlog.NewStore(pool, log)
		recorder := eventlog.NewRecorder(history, log)
		recorder.Attach(client.Events())
		defer recorder.Detach(client.Events())
	}

	subscribeConsole(client)

	prof, err := bootstrapProfile(ctx, store, cfg.envProfile())
	if err != nil {
		return err
	}
	if err := prof.Validate(); err != nil {
		return err
	}
	if prof.AutoRegister {
		if err := client.Register(prof); err != nil {
			return err
		}
	} else {
		fmt.Printf("profile %q is not auto-registered, type 'register' to go online\n", prof.Label)
	}
	defer client.Unregister()

	return repl(ctx, client, prof, history, store)
}

// subscribeConsole печатает события клиента на стандартный вывод
func subscribeConsole(client *softphone.Client) {
	events := client.Events()
	events.Subscribe(softphone.EventRegistrationChange, func(ev softphone.Event) {
		change := ev.(softphone.RegistrationChange)
		if change.Cause != "" {
			fmt.Printf("<< registration: %s (%s)\n", change.Status, change.Cause)
			return
		}
		fmt.Printf("<< registration: %s\n", change.Status)
	})
	events.Subscribe(softphone.EventCallState, func(ev softphone.Event) {
		change := ev.(softphone.CallStateChange)
		fmt.Printf("<< call %s: %s %s\n", change.Direction, change.State, change.RemoteIdentity)
	})
	events.Subscribe(softphone.EventCallEnded, func(ev softphone.Event) {
		fmt.Printf("<< call ended: %s\n", ev.(softphone.CallEnded).Reason)
	})
	events.Subscribe(softphone.EventCallError, func(ev softphone.Event) {
		fmt.Printf("<< call error: %s\n", ev.(softphone.CallError).Message)
	})
}

const replHelp = `commands:
  call <target>      dial a number, extension or sip uri
  answer             answer the ringing call
  hangup             terminate the current call
  mute | unmute      toggle outgoing audio
  transfer <target>  blind transfer the current call
  register           register the active profile
  unregister         go offline
  profiles           list stored profiles (requires POSTGRES_URL)
  use <id>           switch to a stored profile and register it
  status             registration and call state
  history            recent calls (requires POSTGRES_URL)
  quit`

func repl(ctx context.Context, client *softphone.Client, prof *profile.Profile, history *eventlog.Store, store profileStore) error {
	fmt.Println(replHelp)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		switch cmd {
		case "call":
			uri, err := client.Call(arg)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println(">> calling", uri)
		case "answer":
			if err := client.Answer(); err != nil {
				fmt.Println("error:", err)
			}
		case "hangup":
			client.Hangup()
		case "mute":
			if err := client.Mute(true); err != nil {
				fmt.Println("error:", err)
			}
		case "unmute":
			if err := client.Mute(false); err != nil {
				fmt.Println("error:", err)
			}
		case "transfer":
			uri, err := client.Transfer(arg)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println(">> transferring to", uri)
		case "register":
			if err := client.Register(prof); err != nil {
				fmt.Println("error:", err)
			}
		case "unregister":
			client.Unregister()
		case "profiles":
			printProfiles(ctx, store, prof)
		case "use":
			next, err := switchProfile(ctx, store, arg)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			prof = next
			if err := client.Register(prof); err != nil {
				fmt.Println("error:", err)
			}
		case "status":
			fmt.Printf("profile=%s registration=%s call=%s muted=%v\n",
				prof.Label, client.RegistrationState(), client.CallState(), client.Muted())
		case "history":
			printHistory(ctx, history)
		case "quit", "exit":
			return nil
		case "help":
			fmt.Println(replHelp)
		default:
			fmt.Println("unknown command:", cmd)
		}
	}
	return scanner.Err()
}

func printProfiles(ctx context.Context, store profileStore, active *profile.Profile) {
	if store == nil {
		fmt.Println("profiles are not persisted: POSTGRES_URL is not set")
		return
	}
	profiles, err := store.List(ctx)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	for _, p := range profiles {
		marker := " "
		if p.IsPrimary {
			marker = "*"
		}
		current := ""
		if active != nil && p.ID == active.ID {
			current = "  (active)"
		}
		fmt.Printf("%s %-36s %-12s %s%s\n", marker, p.ID, p.Label, p.URI(), current)
	}
	if len(profiles) == 0 {
		fmt.Println("no stored profiles")
	}
}

// switchProfile загружает профиль и делает его основным
func switchProfile(ctx context.Context, store profileStore, id string) (*profile.Profile, error) {
	if store == nil {
		return nil, fmt.Errorf("profiles are not persisted: POSTGRES_URL is not set")
	}
	if id == "" {
		return nil, fmt.Errorf("usage: use <profile id>")
	}
	p, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := store.SetPrimary(ctx, p.ID); err != nil {
		return nil, err
	}
	p.IsPrimary = true
	return p, nil
}

func printHistory(ctx context.Context, history *eventlog.Store) {
	if history == nil {
		fmt.Println("history is disabled: POSTGRES_URL is not set")
		return
	}
	records, err := history.RecentCalls(ctx, 20)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	for _, r := range records {
		fmt.Printf("%s  %-8s %-9s %-9s %s\n",
			r.StartedAt.Local().Format(time.DateTime),
			r.Direction, r.Outcome,
			r.Duration().Round(time.Second),
			r.RemoteIdentity)
	}
	if len(records) == 0 {
		fmt.Println("no calls recorded")
	}
}
