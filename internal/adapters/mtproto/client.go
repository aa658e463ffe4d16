package mtproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"tg-history-collector/internal/domain"
	"tg-history-collector/internal/infra/metrics"
)

// historyAPI: часть tg.Client, которой пользуется сборщик.
type historyAPI interface {
	ContactsResolveUsername(ctx context.Context, request *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error)
	MessagesGetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
}

// Config: параметры учётной записи MTProto.
type Config struct {
	APIID    int
	APIHash  string
	Phone    string
	Password string
	// CodePrompt запрашивает код подтверждения при первом входе.
	CodePrompt func(ctx context.Context) (string, error)
}

// Client реализует domain.HistorySource поверх gotd.
type Client struct {
	cfg    Config
	client *telegram.Client
	api    historyAPI
	log    zerolog.Logger
}

// NewClient создаёт MTProto клиент с указанным хранилищем сессии.
func NewClient(cfg Config, storage session.Storage, log zerolog.Logger) *Client {
	if cfg.CodePrompt == nil {
		cfg.CodePrompt = stdinCode(os.Stdin, os.Stderr)
	}
	client := telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{SessionStorage: storage})
	return &Client{cfg: cfg, client: client, log: log}
}

// Run подключается, при необходимости авторизуется и вызывает fn.
// Соединение закрывается после возврата fn.
func (c *Client) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.client.Run(ctx, func(ctx context.Context) error {
		if err := c.authenticate(ctx); err != nil {
			return err
		}
		c.api = c.client.API()
		return fn(ctx)
	})
}

func (c *Client) authenticate(ctx context.Context) error {
	status, err := c.client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("mtproto auth status: %w", err)
	}
	if status.Authorized {
		c.log.Debug().Msg("mtproto: сессия уже авторизована")
		return nil
	}
	if c.cfg.Phone == "" {
		return errors.New("mtproto: сессия не авторизована, а телефон не задан")
	}
	c.log.Info().Msg("mtproto: требуется вход, ожидаем код подтверждения")
	codeAuth := auth.CodeAuthenticatorFunc(func(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
		return c.cfg.CodePrompt(ctx)
	})
	flow := auth.NewFlow(auth.Constant(c.cfg.Phone, c.cfg.Password, codeAuth), auth.SendCodeOptions{})
	if err := c.client.Auth().IfNecessary(ctx, flow); err != nil {
		return fmt.Errorf("mtproto auth: %w", err)
	}
	c.log.Info().Msg("mtproto: вход выполнен")
	return nil
}

// Resolve находит публичный канал по алиасу.
func (c *Client) Resolve(ctx context.Context, alias string) (domain.ChannelMeta, error) {
	if c.api == nil {
		return domain.ChannelMeta{}, errors.New("mtproto: клиент не запущен")
	}
	username := strings.TrimPrefix(strings.TrimSpace(alias), "@")
	start := time.Now()
	resolved, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	metrics.ObserveNetworkRequest("mtproto", "contacts.resolveUsername", username, start, err)
	if err != nil {
		if tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID") {
			return domain.ChannelMeta{}, fmt.Errorf("%s: %w", alias, domain.ErrChannelNotResolved)
		}
		return domain.ChannelMeta{}, classify("contacts.resolveUsername", err)
	}

	peer, ok := resolved.Peer.(*tg.PeerChannel)
	if !ok {
		return domain.ChannelMeta{}, fmt.Errorf("%s не канал: %w", alias, domain.ErrChannelNotResolved)
	}
	for _, chat := range resolved.Chats {
		channel, ok := chat.(*tg.Channel)
		if !ok || channel.ID != peer.ChannelID {
			continue
		}
		hash, _ := channel.GetAccessHash()
		meta := domain.ChannelMeta{
			ID:         channel.ID,
			AccessHash: hash,
			Alias:      username,
			Title:      channel.Title,
		}
		if uname, ok := channel.GetUsername(); ok && uname != "" {
			meta.Alias = uname
		}
		return meta, nil
	}
	return domain.ChannelMeta{}, fmt.Errorf("%s: %w", alias, domain.ErrChannelNotResolved)
}

// History запрашивает страницу истории от новых к старым.
func (c *Client) History(ctx context.Context, channel domain.ChannelMeta, query domain.HistoryQuery) (domain.HistoryPage, error) {
	if c.api == nil {
		return domain.HistoryPage{}, errors.New("mtproto: клиент не запущен")
	}
	req := &tg.MessagesGetHistoryRequest{
		Peer:     &tg.InputPeerChannel{ChannelID: channel.ID, AccessHash: channel.AccessHash},
		OffsetID: int(query.OffsetID),
		MinID:    int(query.MinID),
		Limit:    query.Limit,
	}
	start := time.Now()
	res, err := c.api.MessagesGetHistory(ctx, req)
	metrics.ObserveNetworkRequest("mtproto", "messages.getHistory", channel.Alias, start, err)
	if err != nil {
		return domain.HistoryPage{}, classify("messages.getHistory", err)
	}

	page := domain.HistoryPage{Requested: query.Limit}
	modified, ok := res.AsModified()
	if !ok {
		return page, nil
	}
	for _, msg := range modified.GetMessages() {
		page.Items = append(page.Items, convertMessage(msg))
	}
	return page, nil
}

// classify переводит ошибки gotd в ошибки домена.
func classify(op string, err error) error {
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &domain.ThrottleError{Wait: wait}
	}
	if rpcErr, ok := tgerr.As(err); ok {
		if rpcErr.Code >= 500 || rpcErr.IsOneOf("TIMEOUT", "RPC_CALL_FAIL", "RPC_MCGET_FAIL") {
			return &domain.TransientNetworkError{Op: op, Err: err}
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &domain.TransientNetworkError{Op: op, Err: err}
	}
	return err
}

func stdinCode(in io.Reader, out io.Writer) func(ctx context.Context) (string, error) {
	reader := bufio.NewReader(in)
	return func(ctx context.Context) (string, error) {
		fmt.Fprint(out, "Код подтверждения Telegram: ")
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		code := strings.TrimSpace(line)
		if code == "" {
			return "", errors.New("mtproto: пустой код подтверждения")
		}
		return code, nil
	}
}

var _ domain.HistorySource = (*Client)(nil)
