package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mkrasnov/tg-guard/app/bot"
	"github.com/mkrasnov/tg-guard/app/config"
	"github.com/mkrasnov/tg-guard/app/events"
	"github.com/mkrasnov/tg-guard/app/storage"
	"github.com/mkrasnov/tg-guard/app/storage/engine"
	"github.com/mkrasnov/tg-guard/app/webapi"
)

type options struct {
	Telegram struct {
		Token   string        `long:"token" env:"TOKEN" description:"telegram bot token, overrides the one from settings"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"http client timeout for telegram"`
	} `group:"telegram" namespace:"telegram" env-namespace:"TELEGRAM"`

	DB struct {
		URL string `long:"url" env:"URL" default:"tg-guard.db" description:"db url, sqlite file path or postgres connection string"`
		GID string `long:"gid" env:"GID" default:"tg-guard" description:"group id for shared db"`
	} `group:"db" namespace:"db" env-namespace:"DB"`

	Logger struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable rotated spam logs"`
		FileName   string `long:"file" env:"FILE" default:"tg-guard-spam.log" description:"location of spam log"`
		MaxSize    int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"maximum size in MB before it gets rotated"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"maximum number of old log files to retain"`
	} `group:"logger" namespace:"logger" env-namespace:"LOGGER"`

	ExtraPatternsFile string `long:"extra-patterns" env:"EXTRA_PATTERNS" description:"optional file with extra spam patterns, watched for changes"`

	WebAPI struct {
		Listen     string `long:"listen" env:"LISTEN" description:"webapi listen address, disabled if not set"`
		AuthPasswd string `long:"auth" env:"AUTH" description:"basic auth password for user tg-guard"`
	} `group:"webapi" namespace:"webapi" env-namespace:"WEBAPI"`

	Dbg   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	TGDbg bool `long:"tg-dbg" env:"TG_DEBUG" description:"telegram debug mode"`
}

var revision = "local"

func main() {
	fmt.Printf("tg-guard %s\n", revision)
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	p.SubcommandsOptional = true
	if _, err := p.Parse(); err != nil {
		if err.(*flags.Error).Type != flags.ErrHelp {
			log.Printf("[ERROR] cli error: %v", err)
		}
		os.Exit(2)
	}

	setupLog(opts.Dbg, opts.Telegram.Token)
	log.Printf("[DEBUG] options: %+v", opts)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		// catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	if err := execute(ctx, opts); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, opts options) error {
	db, err := makeDB(ctx, opts)
	if err != nil {
		return fmt.Errorf("can't make db, %w", err)
	}

	store, err := config.NewStore(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make document store, %w", err)
	}

	// settings are required, nothing to do without them
	settings, err := store.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("can't load settings, %w", err)
	}
	stat, err := store.LoadStat(ctx)
	if err != nil {
		return fmt.Errorf("can't load stat, %w", err)
	}

	users, err := storage.NewUsers(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make users store, %w", err)
	}

	raw := append([]string{}, settings.Patterns...)
	if opts.ExtraPatternsFile != "" {
		extra, perr := bot.ReadPatternsFile(opts.ExtraPatternsFile)
		if perr != nil {
			log.Printf("[WARN] can't read extra patterns, %v", perr)
		} else {
			log.Printf("[INFO] loaded %d extra patterns from %s", len(extra), opts.ExtraPatternsFile)
			raw = append(raw, extra...)
		}
	}
	patterns, err := bot.NewPatterns(raw, stat.Regex)
	if err != nil {
		return fmt.Errorf("can't compile patterns, %w", err)
	}
	log.Printf("[INFO] %d patterns compiled, %d groups configured", patterns.Len(), len(settings.Groups))

	trust := bot.NewTrustCache(users)
	stats := events.NewStatsTracker(store, stat, patterns)

	token := settings.Token
	if opts.Telegram.Token != "" {
		token = opts.Telegram.Token
	}
	tbAPI, err := tbapi.NewBotAPI(token)
	if err != nil {
		return fmt.Errorf("can't make telegram bot, %w", err)
	}
	tbAPI.Debug = opts.TGDbg
	log.Printf("[INFO] bot authorized as %q", tbAPI.Self.UserName)

	loggerWr, err := makeSpamLogWriter(opts)
	if err != nil {
		return fmt.Errorf("can't make spam log writer, %w", err)
	}
	defer loggerWr.Close()

	if opts.WebAPI.Listen != "" {
		srv := webapi.NewServer(webapi.Config{
			Version:    revision,
			ListenAddr: opts.WebAPI.Listen,
			Stats:      stats,
			AuthPasswd: opts.WebAPI.AuthPasswd,
			Dbg:        opts.Dbg,
		})
		go func() {
			if werr := srv.Run(ctx); werr != nil {
				log.Printf("[ERROR] webapi server failed, %v", werr)
			}
		}()
	}

	tgListener := events.TelegramListener{
		TbAPI:             tbAPI,
		Store:             store,
		Users:             users,
		Trust:             trust,
		Patterns:          patterns,
		Stats:             stats,
		SpamLogger:        makeSpamLogger(loggerWr),
		Settings:          settings,
		ExtraPatternsFile: opts.ExtraPatternsFile,
		BotUserID:         tbAPI.Self.ID,
	}

	// run telegram listener and event processor loop
	if err := tgListener.Do(ctx); err != nil {
		return fmt.Errorf("telegram listener failed, %w", err)
	}
	return nil
}

func makeDB(ctx context.Context, opts options) (*engine.SQL, error) {
	if strings.HasPrefix(opts.DB.URL, "postgres://") {
		log.Printf("[INFO] using postgres db")
		return engine.NewPostgres(ctx, opts.DB.URL, opts.DB.GID)
	}
	log.Printf("[INFO] using sqlite db %s", opts.DB.URL)
	return engine.NewSqlite(opts.DB.URL, opts.DB.GID)
}

// makeSpamLogger creates spam logger to keep reports about spam messages
// it writes json lines to the provided writer
func makeSpamLogger(wr io.Writer) events.SpamLogger {
	return events.SpamLoggerFunc(func(msg *bot.Message, verdict bot.Verdict) {
		text := strings.ReplaceAll(msg.Text, "\n", " ")
		text = strings.TrimSpace(text)
		log.Printf("[INFO] spam detected from %v in chat %d, reason: %s", msg.From, msg.ChatID, verdict.Reason)
		log.Printf("[DEBUG] spam message: %s", text)
		m := struct {
			TimeStamp   string `json:"ts"`
			DisplayName string `json:"display_name"`
			UserName    string `json:"user_name"`
			UserID      int64  `json:"user_id"`
			ChatID      int64  `json:"chat_id"`
			Reason      string `json:"reason"`
			Pattern     string `json:"pattern,omitempty"`
			Text        string `json:"text"`
		}{
			TimeStamp:   time.Now().In(time.Local).Format(time.RFC3339),
			DisplayName: msg.From.DisplayName,
			UserName:    msg.From.Username,
			UserID:      msg.From.ID,
			ChatID:      msg.ChatID,
			Reason:      string(verdict.Reason),
			Pattern:     verdict.Pattern,
			Text:        text,
		}
		line, err := json.Marshal(&m)
		if err != nil {
			log.Printf("[WARN] can't marshal spam log entry, %v", err)
			return
		}
		if _, err := wr.Write(append(line, '\n')); err != nil {
			log.Printf("[WARN] can't write spam log entry, %v", err)
		}
	})
}

// makeSpamLogWriter creates spam log writer to keep reports about spam messages
// it parses options and makes lumberjack logger with rotation
func makeSpamLogWriter(opts options) (accessLog io.WriteCloser, err error) {
	if !opts.Logger.Enabled {
		return nopWriteCloser{io.Discard}, nil
	}

	log.Printf("[INFO] spam log enabled for %s, max size %dM", opts.Logger.FileName, opts.Logger.MaxSize)
	return &lumberjack.Logger{
		Filename:   opts.Logger.FileName,
		MaxSize:    opts.Logger.MaxSize, // in MB
		MaxBackups: opts.Logger.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

func setupLog(dbg bool, secrets ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	nonEmptySecrets := []string{}
	for _, s := range secrets {
		if s != "" {
			nonEmptySecrets = append(nonEmptySecrets, s)
		}
	}
	if len(nonEmptySecrets) > 0 {
		logOpts = append(logOpts, lgr.Secret(nonEmptySecrets...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
