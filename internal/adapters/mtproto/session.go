package mtproto

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"

	"tg-history-collector/internal/infra/db"
)

// SessionFormat: формат, из которого была получена сессия.
type SessionFormat string

const (
	FormatGotd            SessionFormat = "gotd"
	FormatTelethonString  SessionFormat = "telethon-string"
	FormatTelethonAccount SessionFormat = "telethon-account"
	FormatTelethonRows    SessionFormat = "telethon-rows"
	FormatTelethonSQLite  SessionFormat = "telethon-sqlite"
)

// ErrUnsupportedSessionFormat: данные сессии не распознаны.
var ErrUnsupportedSessionFormat = errors.New("неизвестный формат MTProto сессии")

var sqliteMagic = []byte("SQLite format 3\x00")

// SessionRepo хранит сессии по имени.
type SessionRepo interface {
	LoadMTProtoSession(ctx context.Context, name string) ([]byte, error)
	StoreMTProtoSession(ctx context.Context, name string, data []byte) error
}

// NamedSession реализует session.Storage поверх таблицы mtproto_sessions.
type NamedSession struct {
	repo SessionRepo
	name string
}

// NewNamedSession создаёт хранилище сессии с именем name.
func NewNamedSession(repo SessionRepo, name string) *NamedSession {
	return &NamedSession{repo: repo, name: name}
}

func (s *NamedSession) LoadSession(ctx context.Context) ([]byte, error) {
	return s.repo.LoadMTProtoSession(ctx, s.name)
}

func (s *NamedSession) StoreSession(ctx context.Context, data []byte) error {
	return s.repo.StoreMTProtoSession(ctx, s.name, data)
}

var _ session.Storage = (*NamedSession)(nil)

// ConvertSessionFile читает сессию из файла. Файлы Telethon в формате
// SQLite читаются напрямую, остальные форматы разбираются ConvertSession.
func ConvertSessionFile(path string) ([]byte, SessionFormat, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	if bytes.HasPrefix(raw, sqliteMagic) {
		data, err := readTelethonSQLite(path)
		if err != nil {
			return nil, "", err
		}
		return data, FormatTelethonSQLite, nil
	}
	return ConvertSession(raw)
}

// ConvertSession приводит сессию к JSON формату gotd.
func ConvertSession(raw []byte) ([]byte, SessionFormat, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, "", errors.New("пустая MTProto сессия")
	}

	var probe struct {
		Version int `json:"Version"`
	}
	if err := json.Unmarshal(trimmed, &probe); err == nil && probe.Version != 0 {
		return append([]byte(nil), trimmed...), FormatGotd, nil
	}

	var account struct {
		ExtraParams string `json:"extra_params"`
	}
	if err := json.Unmarshal(trimmed, &account); err == nil && account.ExtraParams != "" {
		data, err := fromTelethonString(account.ExtraParams)
		if err != nil {
			return nil, "", fmt.Errorf("extra_params: %w", err)
		}
		return data, FormatTelethonAccount, nil
	}

	var rows []telethonRow
	if err := json.Unmarshal(trimmed, &rows); err == nil {
		for _, row := range rows {
			if !row.usable() {
				continue
			}
			key, err := hex.DecodeString(strings.Trim(strings.TrimSpace(row.AuthKey), `"'`))
			if err != nil {
				return nil, "", fmt.Errorf("auth_key: %w", err)
			}
			data, err := fromAuthKey(row.DCID, row.ServerAddress, row.Port, key)
			if err != nil {
				return nil, "", err
			}
			return data, FormatTelethonRows, nil
		}
		return nil, "", ErrUnsupportedSessionFormat
	}

	if data, err := fromTelethonString(string(trimmed)); err == nil {
		return data, FormatTelethonString, nil
	}
	return nil, "", ErrUnsupportedSessionFormat
}

type telethonRow struct {
	DCID          int    `json:"dc_id"`
	ServerAddress string `json:"server_address"`
	Port          int    `json:"port"`
	AuthKey       string `json:"auth_key"`
}

func (r telethonRow) usable() bool {
	return r.AuthKey != "" && r.ServerAddress != "" && r.Port != 0
}

// readTelethonSQLite читает первую пригодную строку таблицы sessions.
func readTelethonSQLite(path string) ([]byte, error) {
	conn, err := db.OpenSQLiteReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.Query(`SELECT dc_id, server_address, port, auth_key FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("telethon sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			dcID, port int
			addr       sql.NullString
			key        []byte
		)
		if err := rows.Scan(&dcID, &addr, &port, &key); err != nil {
			return nil, err
		}
		if !addr.Valid || addr.String == "" || port == 0 || len(key) == 0 {
			continue
		}
		return fromAuthKey(dcID, addr.String, port, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("в файле Telethon нет авторизованной сессии")
}

func fromTelethonString(s string) ([]byte, error) {
	s = strings.Trim(strings.TrimSpace(s), "\"'\n\r\t")
	if s == "" {
		return nil, errors.New("пустая строка сессии Telethon")
	}
	data, err := session.TelethonSession(s)
	if err != nil {
		return nil, err
	}
	if data.Config.ThisDC == 0 {
		data.Config.ThisDC = data.DC
	}
	if len(data.Config.DCOptions) == 0 && data.Addr != "" {
		if host, portStr, err := net.SplitHostPort(data.Addr); err == nil {
			if port, err := strconv.Atoi(portStr); err == nil {
				data.Config.DCOptions = []tg.DCOption{{ID: data.DC, IPAddress: host, Port: port}}
			}
		}
	}
	return wrapSession(*data)
}

func fromAuthKey(dcID int, host string, port int, rawKey []byte) ([]byte, error) {
	var key crypto.Key
	if len(rawKey) != len(key) {
		return nil, fmt.Errorf("auth_key длиной %d байт, ожидали %d", len(rawKey), len(key))
	}
	copy(key[:], rawKey)
	id := key.WithID().ID

	return wrapSession(session.Data{
		Config: session.Config{
			ThisDC:    dcID,
			DCOptions: []tg.DCOption{{ID: dcID, IPAddress: host, Port: port}},
		},
		DC:        dcID,
		Addr:      net.JoinHostPort(host, strconv.Itoa(port)),
		AuthKey:   append([]byte(nil), key[:]...),
		AuthKeyID: append([]byte(nil), id[:]...),
	})
}

// wrapSession повторяет обёртку, которую пишет session.Loader.
func wrapSession(data session.Data) ([]byte, error) {
	return json.Marshal(struct {
		Version int          `json:"Version"`
		Data    session.Data `json:"Data"`
	}{Version: 1, Data: data})
}
