package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/viper"
	"github.com/tastyrock/negotiator/internal/api"
	"github.com/tastyrock/negotiator/internal/domain"
	"github.com/tastyrock/negotiator/internal/negotiation"
	"github.com/tastyrock/negotiator/internal/protocol"
	"github.com/tastyrock/negotiator/internal/store"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    command
		wantErr bool
	}{
		{line: "add 730:2:1 4.50", want: command{name: "add", key: "730:2:1", price: "4.50"}},
		{line: "  ADD 730:2:1 4.50 AK-47 Redline ", want: command{name: "add", key: "730:2:1", price: "4.50", text: "AK-47 Redline"}},
		{line: "rm 730:2:1", want: command{name: "rm", key: "730:2:1"}},
		{line: "price 730:2:1 5", want: command{name: "price", key: "730:2:1", price: "5"}},
		{line: "send", want: command{name: "send"}},
		{line: "accept", want: command{name: "accept"}},
		{line: "pay", want: command{name: "pay"}},
		{line: "status", want: command{name: "status"}},
		{line: "quit", want: command{name: "quit"}},
		{line: "connect", want: command{name: "connect"}},
		{line: "chat  hello   there", want: command{name: "chat", text: "hello   there"}},
		{line: "ask 730:2:1 float?", want: command{name: "ask", key: "730:2:1", text: "float?"}},
		{line: "add 730:2:1", wantErr: true},
		{line: "rm", wantErr: true},
		{line: "price 730:2:1", wantErr: true},
		{line: "send now", wantErr: true},
		{line: "connect again", wantErr: true},
		{line: "chat", wantErr: true},
		{line: "ask 730:2:1", wantErr: true},
		{line: "dance", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseCommand(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}

	if _, err := parseCommand("   "); !errors.Is(err, errEmptyCommand) {
		t.Errorf("expected errEmptyCommand, got %v", err)
	}
	if _, err := parseCommand("dance"); !errors.Is(err, errUnknownCommand) {
		t.Errorf("expected errUnknownCommand, got %v", err)
	}
}

// fakeSession records the calls the REPL makes.
type fakeSession struct {
	mu    sync.Mutex
	calls []string
	fail  error
	view  negotiation.View
}

func (f *fakeSession) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.fail
}

func (f *fakeSession) AddItem(it domain.Item) error {
	return f.record("add " + it.Key + " " + it.Price + " " + it.Name)
}
func (f *fakeSession) RemoveItem(key string) error       { return f.record("rm " + key) }
func (f *fakeSession) SetPrice(key, price string) error  { return f.record("price " + key + " " + price) }
func (f *fakeSession) SendItems(context.Context) error   { return f.record("send") }
func (f *fakeSession) Accept(context.Context) error      { return f.record("accept") }
func (f *fakeSession) Pay(context.Context) error         { return f.record("pay") }
func (f *fakeSession) Connect(context.Context) error     { return f.record("connect") }
func (f *fakeSession) Quit(context.Context) error        { return f.record("quit") }
func (f *fakeSession) View() negotiation.View            { return f.view }
func (f *fakeSession) Chat(_ context.Context, text string) error {
	return f.record("chat " + text)
}
func (f *fakeSession) AskAboutItem(_ context.Context, key, text string) error {
	return f.record("ask " + key + " " + text)
}

func (f *fakeSession) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestREPLDispatch(t *testing.T) {
	sess := &fakeSession{}
	var out bytes.Buffer
	in := strings.NewReader(strings.Join([]string{
		"add 730:2:1 4.50 Knife",
		"",
		"price 730:2:1 5",
		"rm 730:2:1",
		"send",
		"chat hi",
		"ask 730:2:1 clean?",
		"bogus",
		"quit",
		"send",
	}, "\n"))

	if err := newREPL(sess, &out).run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{
		"add 730:2:1 4.50 Knife",
		"price 730:2:1 5",
		"rm 730:2:1",
		"send",
		"chat hi",
		"ask 730:2:1 clean?",
		"quit",
	}
	got := sess.recorded()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("calls = %q, want %q", got, want)
	}
	if !strings.Contains(out.String(), `unknown command "bogus"`) {
		t.Errorf("expected unknown command error in output, got %q", out.String())
	}
}

func TestREPLQuitsAtEndOfInput(t *testing.T) {
	sess := &fakeSession{}
	if err := newREPL(sess, &bytes.Buffer{}).run(context.Background(), strings.NewReader("accept\n")); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := sess.recorded()
	if len(got) != 2 || got[0] != "accept" || got[1] != "quit" {
		t.Errorf("calls = %q", got)
	}
}

func TestREPLReportsActionErrors(t *testing.T) {
	sess := &fakeSession{fail: domain.ErrNotAllowed}
	var out bytes.Buffer
	_ = newREPL(sess, &out).run(context.Background(), strings.NewReader("pay\n"))
	if !strings.Contains(out.String(), "error: "+domain.ErrNotAllowed.Error()) {
		t.Errorf("expected error in output, got %q", out.String())
	}
}

func TestREPLConnectRetriesAfterDrop(t *testing.T) {
	sess := &fakeSession{}
	var out bytes.Buffer
	in := strings.NewReader("connect\nsend\n")
	if err := newREPL(sess, &out).run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := sess.recorded()
	if strings.Join(got, "|") != "connect|send|quit" {
		t.Errorf("calls = %q", got)
	}
	if !strings.Contains(out.String(), "connected") {
		t.Errorf("expected connect confirmation, got %q", out.String())
	}

	failing := &fakeSession{fail: &domain.ChannelError{Op: "connect", Err: domain.ErrNotConnected}}
	out.Reset()
	_ = newREPL(failing, &out).run(context.Background(), strings.NewReader("connect\n"))
	if !strings.HasPrefix(out.String(), "error: ") {
		t.Errorf("expected connect failure in output, got %q", out.String())
	}
}

func TestREPLStatus(t *testing.T) {
	st := negotiation.NewState(domain.RoleBuyer)
	st.OfferID = "off-1"
	st.Items = []domain.Item{{Key: "730:2:1", Name: "Knife", Price: "4.5"}}
	st.Presence = domain.NewPresence(true, true)
	st.PresenceKnown = true
	sess := &fakeSession{view: negotiation.View{
		State:      st,
		Gates:      negotiation.ComputeGates(st),
		Status:     st.Status(),
		TotalPrice: "4.50",
		Connected:  true,
	}}
	var out bytes.Buffer
	_ = newREPL(sess, &out).run(context.Background(), strings.NewReader("status\n"))

	for _, want := range []string{"off-1", "both in room", "Knife", "4.50", "send"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("status output missing %q:\n%s", want, out.String())
		}
	}
}

func TestPrinterPrintsOnlyNewEntries(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)

	st := negotiation.NewState(domain.RoleTrader)
	st.Transcript = []negotiation.Entry{{Type: protocol.TypeChat, FromRole: domain.RoleBuyer, Text: "hi"}}
	st.Logged = 1
	p.update(negotiation.View{State: st})

	st.Transcript = append(st.Transcript, negotiation.Entry{Type: protocol.TypeSystem, Text: "Trader's accepted offer"})
	st.Logged = 2
	p.update(negotiation.View{State: st})
	p.update(negotiation.View{State: st})

	got := out.String()
	if strings.Count(got, "[Buyer] hi") != 1 || strings.Count(got, "* Trader's accepted offer") != 1 {
		t.Errorf("unexpected output:\n%s", got)
	}
	if strings.Count(got, ">> "+negotiation.StatusWaiting) != 1 {
		t.Errorf("status line should print once:\n%s", got)
	}
}

func TestPrinterIgnoresStaleViews(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)

	st := negotiation.NewState(domain.RoleBuyer)
	older := st
	older.Transcript = []negotiation.Entry{{Type: protocol.TypeChat, FromRole: domain.RoleTrader, Text: "one"}}
	older.Logged = 1
	newer := older
	newer.Transcript = append([]negotiation.Entry{}, older.Transcript...)
	newer.Transcript = append(newer.Transcript, negotiation.Entry{Type: protocol.TypeChat, FromRole: domain.RoleTrader, Text: "two"})
	newer.Logged = 2

	p.update(negotiation.View{State: newer})
	p.update(negotiation.View{State: older})
	p.update(negotiation.View{State: newer})

	got := out.String()
	if strings.Count(got, "[Trader] one") != 1 || strings.Count(got, "[Trader] two") != 1 {
		t.Errorf("entries reprinted:\n%s", got)
	}
}

func TestFormatOfferLog(t *testing.T) {
	e := negotiation.Entry{
		Type:     protocol.TypeOfferLog,
		FromRole: domain.RoleBuyer,
		Diff: &domain.OfferDiff{
			AddedItems:   []domain.DiffItem{{AssetKey: "730:2:2"}},
			UpdatedItems: []domain.DiffItem{{AssetKey: "730:2:1"}},
			TotalPrice:   "9.00",
			TotalCount:   2,
		},
	}
	if got, want := formatEntry(e), "[Buyer] sent the offer: 2 items, total 9.00 (+1 ~1)"; got != want {
		t.Errorf("formatEntry = %q, want %q", got, want)
	}
}

func TestRoomURL(t *testing.T) {
	tests := []struct {
		server  string
		want    string
		wantErr bool
	}{
		{server: "http://localhost:8080", want: "ws://localhost:8080/ws/chat"},
		{server: "https://market.example/base/", want: "wss://market.example/base/ws/chat"},
		{server: "ws://localhost:8080", want: "ws://localhost:8080/ws/chat"},
		{server: "ftp://x", wantErr: true},
	}
	for _, tt := range tests {
		got, err := roomURL(tt.server)
		if tt.wantErr {
			if err == nil {
				t.Errorf("roomURL(%q): expected error", tt.server)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("roomURL(%q) = %q, %v; want %q", tt.server, got, err, tt.want)
		}
	}

	if got, err := storeURL("wss://market.example/"); err != nil || got != "https://market.example" {
		t.Errorf("storeURL = %q, %v", got, err)
	}
}

func TestLoadSettingsFromEnv(t *testing.T) {
	t.Setenv("NEGOTIATOR_ROLE", "TRADER")
	t.Setenv("NEGOTIATOR_BUYER", "b1")

	v := viper.New()
	root := newRootCmd(v)
	if err := root.PersistentFlags().Parse([]string{"--trader", "t1", "--server", "http://h:1/"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	got, err := loadSettings(v)
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	want := settings{Server: "http://h:1", Buyer: "b1", Trader: "t1", Role: domain.RoleTrader}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}

	t.Setenv("NEGOTIATOR_ROLE", "admin")
	if _, err := loadSettings(v); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestOfferShow(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "offers.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	r := chi.NewRouter()
	api.NewOfferHandler(api.NewHandler(repo, nil)).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	now := time.Now()
	if err := repo.CreateOffer(ctx, &domain.OfferRecord{OfferID: "off-1", BuyerID: "b1", TraderID: "t1", Status: domain.StatusEmpty, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if _, _, err := repo.ReplaceOfferItems(ctx, "off-1", []domain.Item{{Key: "730:2:1", Name: "Knife", Price: "4.5"}}); err != nil {
		t.Fatalf("ReplaceOfferItems: %v", err)
	}

	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"offer", "show", "off-1", "--server", srv.URL})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v\n%s", err, out.String())
	}
	for _, want := range []string{"off-1", "SENT", "Knife", "4.50"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	root = NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"offer", "show", "missing", "--server", srv.URL})
	if err := root.Execute(); !errors.Is(err, domain.ErrOfferNotFound) {
		t.Errorf("expected ErrOfferNotFound, got %v", err)
	}
}
