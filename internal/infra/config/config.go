package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"tg-history-collector/internal/domain"
)

// AppConfig описывает конфигурацию сборщика.
type AppConfig struct {
	AppEnv     string `envconfig:"APP_ENV" default:"dev"`
	LogLevel   string `envconfig:"LOG_LEVEL"`
	TZ         string `envconfig:"TZ" default:"Asia/Jerusalem"`
	StatusAddr string `envconfig:"STATUS_ADDR" default:":8080"`

	StartDate    string   `envconfig:"START_DATE" default:"2023-10-06T00:00"`
	EndDate      string   `envconfig:"END_DATE" default:"2025-02-21T23:59"`
	Channels     []string `envconfig:"CHANNELS"`
	ChannelsFile string   `envconfig:"CHANNELS_FILE" default:"configs/channels.yaml"`

	Walk struct {
		PageSize     int           `envconfig:"PAGE_SIZE" default:"100"`
		BatchSize    int           `envconfig:"BATCH_SIZE" default:"500"`
		Concurrency  int           `envconfig:"WALK_CONCURRENCY" default:"1"`
		Resume       bool          `envconfig:"RESUME" default:"true"`
		FlushTimeout time.Duration `envconfig:"FLUSH_TIMEOUT" default:"30s"`
	} `envconfig:""`

	Limits struct {
		MaxRetries       int           `envconfig:"MAX_RETRIES" default:"5"`
		CallTimeout      time.Duration `envconfig:"CALL_TIMEOUT" default:"30s"`
		GlobalRPS        float64       `envconfig:"MTPROTO_GLOBAL_RPS" default:"0.7"`
		Burst            int           `envconfig:"MTPROTO_BURST" default:"1"`
		TransientBackoff time.Duration `envconfig:"TRANSIENT_BACKOFF" default:"2s"`
	} `envconfig:""`

	Telegram struct {
		APIID    int    `envconfig:"TG_API_ID"`
		APIHash  string `envconfig:"TG_API_HASH"`
		Phone    string `envconfig:"TG_PHONE"`
		Password string `envconfig:"TG_PASSWORD"`
	} `envconfig:""`

	MTProto struct {
		SessionFile string `envconfig:"MTPROTO_SESSION_FILE"`
		SessionName string `envconfig:"MTPROTO_SESSION_NAME" default:"collector"`
	} `envconfig:""`

	Store struct {
		Driver     string `envconfig:"STORE_DRIVER" default:"sqlite"`
		SQLitePath string `envconfig:"SQLITE_PATH" default:"data/telegram_groups_messages.db"`
		PGDSN      string `envconfig:"PG_DSN"`
		PGMaxConns int32  `envconfig:"PG_MAX_CONNS" default:"5"`
		Table      string `envconfig:"STORE_TABLE" default:"groups_messages"`
	} `envconfig:""`

	Redis struct {
		Addr       string        `envconfig:"REDIS_ADDR"`
		Prefix     string        `envconfig:"REDIS_PREFIX" default:"collector"`
		LockTTL    time.Duration `envconfig:"REDIS_LOCK_TTL" default:"10m"`
		ReportKeep int           `envconfig:"REDIS_REPORT_KEEP" default:"50"`
	} `envconfig:""`

	RabbitMQ struct {
		URL      string `envconfig:"RABBITMQ_URL"`
		Exchange string `envconfig:"RABBITMQ_EXCHANGE" default:"collector.events"`
	} `envconfig:""`

	Report struct {
		BotToken string `envconfig:"REPORT_BOT_TOKEN"`
		ChatID   int64  `envconfig:"REPORT_CHAT_ID"`
	} `envconfig:""`
}

// Load читает .env, если он есть, и затем окружение.
func Load() (AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("не удалось прочитать .env: %w", err)
	}
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("не удалось загрузить конфиг: %w", err)
	}
	return cfg, nil
}

// Location возвращает целевой часовой пояс.
func (c AppConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return nil, fmt.Errorf("часовой пояс %q: %w", c.TZ, err)
	}
	return loc, nil
}

// Window возвращает окно выгрузки в целевом часовом поясе.
func (c AppConfig) Window() (domain.Window, error) {
	loc, err := c.Location()
	if err != nil {
		return domain.Window{}, err
	}
	start, err := ParseBound(c.StartDate, loc, false)
	if err != nil {
		return domain.Window{}, fmt.Errorf("START_DATE: %w", err)
	}
	end, err := ParseBound(c.EndDate, loc, true)
	if err != nil {
		return domain.Window{}, fmt.Errorf("END_DATE: %w", err)
	}
	return domain.NewWindow(start, end, loc)
}

var boundLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseBound разбирает границу окна в loc. Для даты без времени
// границей конца окна считается последний момент суток.
func ParseBound(value string, loc *time.Location, end bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range boundLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	day, err := time.ParseInLocation("2006-01-02", value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("неверная дата %q", value)
	}
	if end {
		return day.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
	}
	return day, nil
}

// ChannelEntry: канал в каталоге.
type ChannelEntry struct {
	Alias    string `yaml:"alias"`
	Title    string `yaml:"title"`
	Language string `yaml:"language"`
	Category string `yaml:"category"`
}

type catalog struct {
	Channels []ChannelEntry `yaml:"channels"`
}

// ErrAliasInvalid: строка не похожа на алиас публичного канала.
var ErrAliasInvalid = errors.New("некорректный алиас")

var aliasRegex = regexp.MustCompile(`(?i)^(?:@|https?://t\.me/|t\.me/)?([a-z0-9_]{5,32})/?$`)

// ParseAlias приводит @alias и ссылки t.me к алиасу канала.
func ParseAlias(input string) (string, error) {
	matches := aliasRegex.FindStringSubmatch(strings.TrimSpace(input))
	if len(matches) < 2 {
		return "", fmt.Errorf("%q: %w", input, ErrAliasInvalid)
	}
	return matches[1], nil
}

// ChannelList возвращает каналы для обхода. CHANNELS имеет приоритет,
// метаданные для перечисленных алиасов берутся из каталога, если он есть.
func (c AppConfig) ChannelList() ([]domain.ChannelMeta, error) {
	entries, err := readCatalog(c.ChannelsFile)
	if err != nil && (len(c.Channels) == 0 || !errors.Is(err, fs.ErrNotExist)) {
		return nil, err
	}
	byAlias := make(map[string]ChannelEntry, len(entries))
	for _, e := range entries {
		if alias, err := ParseAlias(e.Alias); err == nil {
			byAlias[strings.ToLower(alias)] = e
		}
	}

	var out []domain.ChannelMeta
	seen := make(map[string]bool)
	add := func(e ChannelEntry) error {
		alias, err := ParseAlias(e.Alias)
		if err != nil {
			return err
		}
		key := strings.ToLower(alias)
		if seen[key] {
			return nil
		}
		seen[key] = true
		out = append(out, domain.ChannelMeta{Alias: alias, Title: e.Title, Language: e.Language, Category: e.Category})
		return nil
	}

	if len(c.Channels) > 0 {
		for _, raw := range c.Channels {
			alias, err := ParseAlias(raw)
			if err != nil {
				return nil, err
			}
			e, ok := byAlias[strings.ToLower(alias)]
			if !ok {
				e = ChannelEntry{}
			}
			e.Alias = alias
			if err := add(e); err != nil {
				return nil, err
			}
		}
	} else {
		for _, e := range entries {
			if err := add(e); err != nil {
				return nil, err
			}
		}
	}
	if len(out) == 0 {
		return nil, errors.New("список каналов пуст")
	}
	return out, nil
}

func readCatalog(path string) ([]ChannelEntry, error) {
	if path == "" {
		return nil, fs.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("каталог каналов: %w", err)
	}
	var cat catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("каталог каналов %s: %w", path, err)
	}
	return cat.Channels, nil
}
