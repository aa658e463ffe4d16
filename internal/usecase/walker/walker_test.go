package walker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-history-collector/internal/adapters/store"
	"tg-history-collector/internal/domain"
	"tg-history-collector/internal/infra/db"
	"tg-history-collector/internal/usecase/transform"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func itemDate(id int64) time.Time {
	return base.Add(time.Duration(id) * time.Hour)
}

type fakeChannel struct {
	id    int64
	items []domain.RawItem
	err   error
}

type fakeSource struct {
	mu       sync.Mutex
	channels map[string]*fakeChannel
	pages    map[string]int
	onPage   func(alias string, page int)
}

func newFakeSource() *fakeSource {
	return &fakeSource{channels: map[string]*fakeChannel{}, pages: map[string]int{}}
}

// add регистрирует канал с сообщениями from..to, ID и время возрастают вместе.
func (s *fakeSource) add(alias string, id int64, from, to int64) *fakeChannel {
	ch := &fakeChannel{id: id}
	for i := to; i >= from; i-- {
		ch.items = append(ch.items, domain.RawItem{Kind: domain.RawMessage, ID: i, Date: itemDate(i), Text: "сообщение"})
	}
	s.channels[alias] = ch
	return ch
}

func (s *fakeSource) Resolve(_ context.Context, alias string) (domain.ChannelMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[alias]
	if !ok {
		return domain.ChannelMeta{}, domain.ErrChannelNotResolved
	}
	return domain.ChannelMeta{ID: ch.id, Alias: alias, Title: alias}, nil
}

func (s *fakeSource) History(_ context.Context, channel domain.ChannelMeta, q domain.HistoryQuery) (domain.HistoryPage, error) {
	s.mu.Lock()
	ch := s.channels[channel.Alias]
	s.pages[channel.Alias]++
	n := s.pages[channel.Alias]
	hook := s.onPage
	s.mu.Unlock()

	if ch.err != nil {
		return domain.HistoryPage{}, ch.err
	}
	page := domain.HistoryPage{Requested: q.Limit}
	for _, it := range ch.items {
		if q.OffsetID > 0 && it.ID >= q.OffsetID {
			continue
		}
		if it.ID <= q.MinID {
			break
		}
		page.Items = append(page.Items, it)
		if len(page.Items) == q.Limit {
			break
		}
	}
	if hook != nil {
		hook(channel.Alias, n)
	}
	return page, nil
}

type directCaller struct{}

func (directCaller) Do(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type memCheckpoints struct {
	mu       sync.Mutex
	progress map[int64]domain.WalkProgress
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{progress: map[int64]domain.WalkProgress{}}
}

func (m *memCheckpoints) LoadProgress(_ context.Context, channelID int64) (domain.WalkProgress, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[channelID]
	return p, ok, nil
}

func (m *memCheckpoints) SaveProgress(_ context.Context, channelID int64, p domain.WalkProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[channelID] = p
	return nil
}

func (m *memCheckpoints) ClearProgress(_ context.Context, channelID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.progress, channelID)
	return nil
}

// failingStore отказывает в записи после failAfter успешных пачек.
type failingStore struct {
	*store.SQLite
	mu        sync.Mutex
	failAfter int
	batches   int
}

func (f *failingStore) UpsertBatch(ctx context.Context, records []domain.Record) error {
	f.mu.Lock()
	f.batches++
	fail := f.failAfter >= 0 && f.batches > f.failAfter
	f.mu.Unlock()
	if fail {
		return &domain.StorageError{Op: "upsert batch", Err: errors.New("disk I/O error")}
	}
	return f.SQLite.UpsertBatch(ctx, records)
}

type captureSink struct {
	reports []domain.RunReport
}

func (c *captureSink) Publish(_ context.Context, r domain.RunReport) error {
	c.reports = append(c.reports, r)
	return nil
}

func newStore(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.NewSQLite(db.OpenSQLiteMemory(t), "")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("не удалось создать схему: %v", err)
	}
	return s
}

func window(t *testing.T, startID, endID int64) domain.Window {
	t.Helper()
	w, err := domain.NewWindow(itemDate(startID), itemDate(endID), time.UTC)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	return w
}

func newWalker(src domain.HistorySource, st domain.RecordStore, cfg Config, opts ...Option) *Walker {
	return New(src, st, directCaller{}, transform.New(time.UTC, zerolog.Nop()), cfg, zerolog.Nop(), opts...)
}

func count(t *testing.T, s *store.SQLite, channelID int64) int {
	t.Helper()
	n, err := s.Count(context.Background(), channelID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	return n
}

func TestRunStopsAtStartBoundary(t *testing.T) {
	src := newFakeSource()
	src.add("idf_telegram", 1001, 1, 250)
	st := newStore(t)
	w := newWalker(src, st, Config{Window: window(t, 51, 240), PageSize: 100, BatchSize: 30})

	report := w.Run(context.Background(), []domain.ChannelMeta{{Alias: "idf_telegram"}})
	ch := report.Channels[0]
	if ch.Status != domain.ChannelSuccess || ch.Reason != domain.StopBoundary {
		t.Fatalf("ожидали success/boundary, получили %s/%s (%s)", ch.Status, ch.Reason, ch.Error)
	}
	if ch.Pages != 3 {
		t.Fatalf("ожидали 3 страницы, получили %d", ch.Pages)
	}
	if ch.Ingested != 190 || count(t, st, 1001) != 190 {
		t.Fatalf("ожидали 190 сообщений из окна, сохранено %d", count(t, st, 1001))
	}
	for _, id := range []int64{51, 240} {
		if _, err := st.Get(context.Background(), 1001, id); err != nil {
			t.Fatalf("граница окна %d должна быть сохранена: %v", id, err)
		}
	}
	for _, id := range []int64{50, 241} {
		if _, err := st.Get(context.Background(), 1001, id); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("сообщение %d вне окна не должно сохраняться", id)
		}
	}
	if report.RunID == "" || report.FinishedAt.Before(report.StartedAt) {
		t.Fatalf("неверные поля отчёта: %+v", report)
	}
}

func TestRunStopsWhenHistoryExhausted(t *testing.T) {
	src := newFakeSource()
	src.add("abualiexpress", 2002, 1, 250)
	st := newStore(t)
	w := newWalker(src, st, Config{Window: window(t, -100, 1000), PageSize: 100, BatchSize: 500})

	ch := w.Run(context.Background(), []domain.ChannelMeta{{Alias: "abualiexpress"}}).Channels[0]
	if ch.Status != domain.ChannelSuccess || ch.Reason != domain.StopExhausted {
		t.Fatalf("ожидали success/exhausted, получили %s/%s", ch.Status, ch.Reason)
	}
	if ch.Pages != 3 || count(t, st, 2002) != 250 {
		t.Fatalf("ожидали 3 страницы и 250 сообщений, получили %d и %d", ch.Pages, count(t, st, 2002))
	}
	if ch.LastCursor != 1 {
		t.Fatalf("ожидали курсор 1, получили %d", ch.LastCursor)
	}
}

func TestRunIsolatesChannelFailures(t *testing.T) {
	src := newFakeSource()
	src.add("idf_telegram", 1001, 1, 120)
	broken := src.add("hamasps", 3003, 1, 10)
	broken.err = errors.New("CHANNEL_PRIVATE")
	st := newStore(t)
	sink := &captureSink{}
	w := newWalker(src, st, Config{Window: window(t, -100, 1000), PageSize: 50, Concurrency: 2}, WithReportSink(sink))

	report := w.Run(context.Background(), []domain.ChannelMeta{{Alias: "hamasps"}, {Alias: "missing"}, {Alias: "idf_telegram"}})
	if report.Channels[0].Status != domain.ChannelFailed || report.Channels[0].Error == "" {
		t.Fatalf("ожидали failed с ошибкой для hamasps, получили %+v", report.Channels[0])
	}
	if report.Channels[1].Status != domain.ChannelFailed {
		t.Fatalf("ожидали failed для ненайденного канала, получили %+v", report.Channels[1])
	}
	if report.Channels[2].Status != domain.ChannelSuccess || count(t, st, 1001) != 120 {
		t.Fatalf("сбой одного канала не должен мешать другим: %+v", report.Channels[2])
	}
	if len(sink.reports) != 1 || sink.reports[0].RunID != report.RunID {
		t.Fatalf("ожидали одну публикацию отчёта")
	}
}

func TestRunIsIdempotentAndResumes(t *testing.T) {
	src := newFakeSource()
	ch := src.add("idf_telegram", 1001, 1, 250)
	st := newStore(t)
	cfg := Config{Window: window(t, 51, 1000), PageSize: 100, BatchSize: 40, Resume: true}

	first := newWalker(src, st, cfg).Run(context.Background(), []domain.ChannelMeta{{Alias: "idf_telegram"}})
	if count(t, st, 1001) != 200 {
		t.Fatalf("ожидали 200 сообщений, получили %d", count(t, st, 1001))
	}

	second := newWalker(src, st, cfg).Run(context.Background(), []domain.ChannelMeta{{Alias: "idf_telegram"}})
	if count(t, st, 1001) != 200 {
		t.Fatalf("повторный запуск не должен дублировать записи, получили %d", count(t, st, 1001))
	}
	if second.Channels[0].Status != domain.ChannelSuccess || second.Channels[0].Pages >= first.Channels[0].Pages {
		t.Fatalf("дозагрузка должна быть дешевле полного обхода: %d против %d страниц", second.Channels[0].Pages, first.Channels[0].Pages)
	}

	for i := int64(260); i >= 251; i-- {
		ch.items = append([]domain.RawItem{{Kind: domain.RawMessage, ID: i, Date: itemDate(i)}}, ch.items...)
	}
	third := newWalker(src, st, cfg).Run(context.Background(), []domain.ChannelMeta{{Alias: "idf_telegram"}})
	if count(t, st, 1001) != 210 {
		t.Fatalf("ожидали 210 сообщений после дозагрузки, получили %d", count(t, st, 1001))
	}
	if third.Channels[0].Ingested < 10 {
		t.Fatalf("ожидали сохранение новых сообщений, сохранено %d", third.Channels[0].Ingested)
	}
}

func TestRunFlushesStagedBatchOnCancel(t *testing.T) {
	src := newFakeSource()
	src.add("idf_telegram", 1001, 1, 300)
	st := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.onPage = func(_ string, page int) {
		if page == 1 {
			cancel()
		}
	}
	w := newWalker(src, st, Config{Window: window(t, -100, 1000), PageSize: 100, BatchSize: 1000})

	ch := w.Run(ctx, []domain.ChannelMeta{{Alias: "idf_telegram"}}).Channels[0]
	if ch.Status != domain.ChannelPartial || ch.Reason != domain.StopCancelled {
		t.Fatalf("ожидали partial/cancelled, получили %s/%s", ch.Status, ch.Reason)
	}
	if ch.Pages != 1 || count(t, st, 1001) != 100 {
		t.Fatalf("ожидали сохранённую первую страницу, страниц %d, сообщений %d", ch.Pages, count(t, st, 1001))
	}
	if ch.LastCursor != 201 {
		t.Fatalf("ожидали курсор 201, получили %d", ch.LastCursor)
	}
}

func TestRunSkipsMalformedAndOutOfOrderItems(t *testing.T) {
	src := newFakeSource()
	ch := src.add("idf_telegram", 1001, 1, 20)
	ch.items[5] = domain.RawItem{Kind: domain.RawEmpty, ID: ch.items[5].ID}
	ch.items[8].Date = itemDate(50)
	st := newStore(t)
	w := newWalker(src, st, Config{Window: window(t, -100, 1000), PageSize: 100})

	rep := w.Run(context.Background(), []domain.ChannelMeta{{Alias: "idf_telegram"}}).Channels[0]
	if rep.Status != domain.ChannelSuccess || rep.Skipped != 1 {
		t.Fatalf("ожидали success с одним пропуском, получили %s и %d", rep.Status, rep.Skipped)
	}
	if count(t, st, 1001) != 19 {
		t.Fatalf("ожидали 19 сообщений, получили %d", count(t, st, 1001))
	}
}

func TestRunKeepsProgressAfterStorageFailure(t *testing.T) {
	src := newFakeSource()
	src.add("idf_telegram", 1001, 1, 200)
	sqlite := newStore(t)
	failing := &failingStore{SQLite: sqlite, failAfter: 1}
	cp := newMemCheckpoints()
	cfg := Config{Window: window(t, -100, 1000), PageSize: 100, BatchSize: 50, Resume: true}

	rep := newWalker(src, failing, cfg, WithCheckpoints(cp)).Run(context.Background(), []domain.ChannelMeta{{Alias: "idf_telegram"}}).Channels[0]
	if rep.Status != domain.ChannelPartial || rep.Reason != domain.StopError || rep.Ingested != 50 {
		t.Fatalf("ожидали partial/error с 50 сообщениями, получили %s/%s %d", rep.Status, rep.Reason, rep.Ingested)
	}
	if rep.Error == "" {
		t.Fatalf("ожидали текст ошибки хранилища")
	}
	progress, found, _ := cp.LoadProgress(context.Background(), 1001)
	if !found || progress.DeepCursor != 151 || progress.UpperPending {
		t.Fatalf("ожидали сохранённый курсор 151, получили %+v (found=%v)", progress, found)
	}

	failing.failAfter = -1
	rep = newWalker(src, failing, cfg, WithCheckpoints(cp)).Run(context.Background(), []domain.ChannelMeta{{Alias: "idf_telegram"}}).Channels[0]
	if rep.Status != domain.ChannelSuccess || count(t, sqlite, 1001) != 200 {
		t.Fatalf("повторный запуск должен догрузить канал, статус %s, сообщений %d", rep.Status, count(t, sqlite, 1001))
	}
	if _, found, _ := cp.LoadProgress(context.Background(), 1001); found {
		t.Fatalf("прогресс должен быть удалён после успешного обхода")
	}
}

func TestRunResumesInterruptedUpperPass(t *testing.T) {
	for _, tc := range []struct {
		name string
		mem  bool
	}{
		{name: "прогресс в хранилище записей"},
		{name: "отдельное хранилище прогресса", mem: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			src := newFakeSource()
			ch := src.add("idf_telegram", 1001, 1, 250)
			st := newStore(t)
			cfg := Config{Window: window(t, -100, 1000), PageSize: 100, BatchSize: 1000, Resume: true}
			var (
				opts []Option
				cp   domain.CursorCheckpoint = st
			)
			if tc.mem {
				mem := newMemCheckpoints()
				opts = append(opts, WithCheckpoints(mem))
				cp = mem
			}
			channels := []domain.ChannelMeta{{Alias: "idf_telegram"}}

			if rep := newWalker(src, st, cfg, opts...).Run(context.Background(), channels).Channels[0]; rep.Status != domain.ChannelSuccess {
				t.Fatalf("первый запуск должен завершиться успешно, получили %s (%s)", rep.Status, rep.Error)
			}

			for i := int64(500); i >= 251; i-- {
				ch.items = append([]domain.RawItem{{Kind: domain.RawMessage, ID: i, Date: itemDate(i), Text: "сообщение"}}, ch.items...)
			}

			// Второй запуск отменяется после первой страницы дозагрузки: 500..401.
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			firstPage := src.pages["idf_telegram"] + 1
			src.onPage = func(_ string, page int) {
				if page == firstPage {
					cancel()
				}
			}
			rep := newWalker(src, st, cfg, opts...).Run(ctx, channels).Channels[0]
			if rep.Reason != domain.StopCancelled || count(t, st, 1001) != 350 {
				t.Fatalf("ожидали отмену после 100 новых сообщений, получили %s и %d", rep.Reason, count(t, st, 1001))
			}
			progress, found, err := cp.LoadProgress(context.Background(), 1001)
			if err != nil || !found || !progress.UpperPending || progress.UpperCursor != 401 || progress.UpperMinID != 250 {
				t.Fatalf("ожидали незавершённый участок (250, 401), получили %+v (found=%v, %v)", progress, found, err)
			}

			src.onPage = nil
			rep = newWalker(src, st, cfg, opts...).Run(context.Background(), channels).Channels[0]
			if rep.Status != domain.ChannelSuccess {
				t.Fatalf("третий запуск должен завершиться успешно, получили %s (%s)", rep.Status, rep.Error)
			}
			if n := count(t, st, 1001); n != 500 {
				t.Fatalf("после возобновления не должно остаться пропусков, сохранено %d из 500", n)
			}
			for _, id := range []int64{251, 300, 400} {
				if _, err := st.Get(context.Background(), 1001, id); err != nil {
					t.Fatalf("сообщение %d из прерванного участка не сохранено: %v", id, err)
				}
			}
			if _, found, _ := cp.LoadProgress(context.Background(), 1001); found {
				t.Fatalf("прогресс должен быть удалён после успешного обхода")
			}
		})
	}
}
