package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tastyrock/negotiator/internal/channel"
	"github.com/tastyrock/negotiator/internal/domain"
	"github.com/tastyrock/negotiator/internal/identity"
	"github.com/tastyrock/negotiator/internal/protocol"
)

// OfferStore persists offers. Every state-changing action calls it before
// anything is broadcast.
type OfferStore interface {
	MakeOffer(ctx context.Context, buyerID, traderID string) (string, error)
	UpdateOffer(ctx context.Context, offerID string, items []domain.Item) (domain.OfferDiff, error)
	UpdateStatus(ctx context.Context, offerID string, status domain.OfferStatus) error
}

const defaultAllocateTimeout = 10 * time.Second

// Options configures a Session.
type Options struct {
	// URL is the room websocket endpoint, e.g. ws://localhost:8080/ws/chat.
	URL   string
	Room  domain.RoomID
	Role  domain.Role
	Store OfferStore

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger

	// OnChange receives a fresh view after every state change. It may be
	// called from any goroutine.
	OnChange func(View)
}

// View is a snapshot of the session for rendering.
type View struct {
	State
	Gates      Gates
	Status     domain.OfferStatus
	TotalPrice string
	Connected  bool
}

type action string

const (
	actionAllocate action = "allocate"
	actionSend     action = "send"
	actionAccept   action = "accept"
	actionPay      action = "pay"
)

// call is one in-flight action. Callers of the same action wait on done.
type call struct {
	done    chan struct{}
	offerID string
	err     error
}

// sequencer issues the seq numbers of outgoing messages.
type sequencer struct{ n atomic.Uint64 }

func (q *sequencer) Next() uint64    { return q.n.Add(1) }
func (q *sequencer) Current() uint64 { return q.n.Load() }

// Session is one participant's negotiation: a room channel plus the offer
// state replicated over it.
type Session struct {
	opts   Options
	log    *slog.Logger
	ch     *channel.Channel
	origin string
	seq    sequencer

	mu       sync.Mutex
	state    State
	conn     *channel.Conn
	inflight map[action]*call
	lastErr  error
	changed  chan struct{}
}

// NewSession validates opts and prepares a session. Call Connect to join the room.
func NewSession(opts Options) (*Session, error) {
	if _, err := domain.ParseRole(string(opts.Role)); err != nil {
		return nil, err
	}
	if err := identity.ValidateParticipantID("buyer", opts.Room.BuyerID); err != nil {
		return nil, err
	}
	if err := identity.ValidateParticipantID("trader", opts.Room.TraderID); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, errors.New("offer store is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse room url: %w", err)
	}
	q := u.Query()
	q.Set(identity.BuyerParam, opts.Room.BuyerID)
	q.Set(identity.TraderParam, opts.Room.TraderID)
	q.Set(identity.RoleParam, string(opts.Role))
	u.RawQuery = q.Encode()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		opts:     opts,
		log:      logger.With("buyer_id", opts.Room.BuyerID, "trader_id", opts.Room.TraderID, "role", opts.Role),
		origin:   uuid.NewString(),
		state:    State{Role: opts.Role},
		inflight: make(map[action]*call),
		changed:  make(chan struct{}),
	}
	s.ch = channel.New(channel.Options{
		URL:          u.String(),
		DialTimeout:  opts.DialTimeout,
		WriteTimeout: opts.WriteTimeout,
		Logger:       s.log,
		OnOpen:       s.handleOpen,
		OnMessage:    s.handleMessage,
		OnClose:      s.handleClose,
	})
	return s, nil
}

// Origin returns the id this session stamps on outgoing messages.
func (s *Session) Origin() string { return s.origin }

// Connect joins the room. It is idempotent.
func (s *Session) Connect(ctx context.Context) error {
	_, err := s.ch.Connect(ctx)
	if err != nil {
		s.setErr(err)
	}
	return err
}

// Close leaves the room with a normal closure. Offer and presence state are
// cleared; the transcript is kept.
func (s *Session) Close(reason string) error {
	return s.ch.Close(reason)
}

// Quit tells the other side the offer is void, says goodbye and closes.
func (s *Session) Quit(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	offerID := s.state.OfferID
	s.mu.Unlock()

	if conn != nil {
		s.publish(ctx, conn, protocol.OfferState{Header: protocol.Header{Type: protocol.TypeClearOffer}, OfferID: offerID})
		s.publish(ctx, conn, protocol.Text{
			Header:  protocol.Header{Type: protocol.TypeSystem},
			OfferID: offerID,
			Text:    s.opts.Role.Label() + " left chat",
		})
	}
	return s.Close("User quit store")
}

// View returns the current snapshot.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	st := s.state.clone()
	return View{
		State:      st,
		Gates:      ComputeGates(st),
		Status:     st.Status(),
		TotalPrice: domain.TotalPrice(st.Items).StringFixed(2),
		Connected:  s.conn != nil,
	}
}

// LastError returns the most recent transport or background failure.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// WaitFor blocks until pred holds for the current view or ctx is done.
func (s *Session) WaitFor(ctx context.Context, pred func(View) bool) (View, error) {
	for {
		s.mu.Lock()
		v := s.viewLocked()
		changed := s.changed
		s.mu.Unlock()

		if pred(v) {
			return v, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	v := s.viewLocked()
	s.mu.Unlock()

	if s.opts.OnChange != nil {
		s.opts.OnChange(v)
	}
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) handleOpen(conn *channel.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.state = s.state.reset()
	s.state.StatusLine = StatusWaiting
	s.lastErr = nil
	s.mu.Unlock()
	s.notify()
}

func (s *Session) handleMessage(conn *channel.Conn, m protocol.Message) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	st, effects := Receive(s.state, m, s.isEcho(m))
	s.state = st
	s.mu.Unlock()

	s.notify()
	s.run(conn, effects)
}

func (s *Session) handleClose(conn *channel.Conn, err error) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.state = s.state.reset()
		if err != nil {
			s.lastErr = err
		}
	}
	s.mu.Unlock()
	s.notify()
}

// isEcho reports whether m reflects one of this session's own messages.
// Messages without an origin fall back to comparing roles.
func (s *Session) isEcho(m protocol.Message) bool {
	h := m.Head()
	if h.Origin != "" {
		return h.Origin == s.origin && h.Seq > 0 && h.Seq <= s.seq.Current()
	}
	return h.FromRole == s.opts.Role
}

func (s *Session) run(conn *channel.Conn, effects []Effect) {
	for _, e := range effects {
		switch e.Kind {
		case EffectBroadcast:
			s.publish(context.Background(), conn, e.Message)
		case EffectAllocateOffer:
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), defaultAllocateTimeout)
				defer cancel()
				if _, err := s.AllocateOffer(ctx); err != nil {
					s.log.Warn("Offer allocation failed", "error", err)
					s.setErr(err)
					s.notify()
				}
			}()
		}
	}
}

// publish stamps m with this session's origin and next seq and sends it on
// conn. It reports false when conn is no longer current.
func (s *Session) publish(ctx context.Context, conn *channel.Conn, m protocol.Message) bool {
	if conn == nil {
		s.log.Warn("Channel not open, message dropped", "type", m.Head().Type)
		return false
	}
	h := m.Head()
	h.FromRole = s.opts.Role
	h.Origin = s.origin
	h.Seq = s.seq.Next()
	return s.ch.SendOn(ctx, conn, protocol.WithHeader(m, h))
}

// AddItem puts an item into the local offer.
func (s *Session) AddItem(it domain.Item) error {
	return s.edit(func(st State) (State, []Effect, error) { return AddItem(st, it) })
}

// RemoveItem drops an item from the local offer.
func (s *Session) RemoveItem(key string) error {
	return s.edit(func(st State) (State, []Effect, error) { return RemoveItem(st, key) })
}

// SetPrice reprices an item in the local offer.
func (s *Session) SetPrice(key, price string) error {
	return s.edit(func(st State) (State, []Effect, error) { return SetPrice(st, key, price) })
}

func (s *Session) edit(fn func(State) (State, []Effect, error)) error {
	s.mu.Lock()
	st, effects, err := fn(s.state)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = st
	conn := s.conn
	s.mu.Unlock()

	s.notify()
	s.run(conn, effects)
	return nil
}

// begin checks the connection, the in-flight guard and the action's own
// precondition, then registers act as in flight. finish must be called
// exactly once when begin succeeds.
func (s *Session) begin(act action, check func(State, Gates) error) (*channel.Conn, State, *call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, State{}, nil, &domain.ChannelError{Op: string(act), Err: domain.ErrNotConnected}
	}
	if _, busy := s.inflight[act]; busy {
		return nil, State{}, nil, fmt.Errorf("%s: %w", act, domain.ErrInFlight)
	}
	if err := check(s.state, ComputeGates(s.state)); err != nil {
		return nil, State{}, nil, err
	}
	c := &call{done: make(chan struct{})}
	s.inflight[act] = c
	return s.conn, s.state.clone(), c, nil
}

func (s *Session) finish(act action, c *call) {
	s.mu.Lock()
	delete(s.inflight, act)
	s.mu.Unlock()
	close(c.done)
}

// current reports an error when conn was closed or replaced while an
// action was waiting on the offer store.
func (s *Session) current(conn *channel.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return domain.ErrStaleSession
	}
	return nil
}

// markPublished records items as the snapshot about to be sent on conn.
// Edits made since the snapshot was taken keep the offer dirty when the
// send comes back.
func (s *Session) markPublished(conn *channel.Conn, items []domain.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return domain.ErrStaleSession
	}
	s.state.Published = domain.CloneItems(items)
	return nil
}

func notAllowed(what string) error {
	return fmt.Errorf("%s: %w", what, domain.ErrNotAllowed)
}

func persistenceError(op string, err error) error {
	var pErr *domain.PersistenceError
	if errors.As(err, &pErr) {
		return err
	}
	return &domain.PersistenceError{Op: op, Err: err}
}

// AllocateOffer returns the session's offer id, asking the offer store for
// one if there is none yet. Only the buyer allocates. Concurrent callers
// share one store call and repeated calls return the cached id.
func (s *Session) AllocateOffer(ctx context.Context) (string, error) {
	if s.opts.Role != domain.RoleBuyer {
		return "", notAllowed("allocate offer")
	}

	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return "", &domain.ChannelError{Op: string(actionAllocate), Err: domain.ErrNotConnected}
	}
	if id := s.state.OfferID; id != "" {
		s.mu.Unlock()
		return id, nil
	}
	if c, ok := s.inflight[actionAllocate]; ok {
		s.mu.Unlock()
		select {
		case <-c.done:
			return c.offerID, c.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	s.inflight[actionAllocate] = c
	conn := s.conn
	s.mu.Unlock()

	id, err := s.opts.Store.MakeOffer(ctx, s.opts.Room.BuyerID, s.opts.Room.TraderID)
	if err != nil {
		err = persistenceError("make_offer", err)
	} else {
		s.mu.Lock()
		if s.conn != conn {
			err = domain.ErrStaleSession
		} else {
			s.state.OfferID = id
		}
		s.mu.Unlock()
	}

	if err == nil {
		s.log.Info("Offer allocated", "offer_id", id)
		s.notify()
		s.publish(ctx, conn, protocol.OfferState{Header: protocol.Header{Type: protocol.TypeSetOffer}, OfferID: id})
		c.offerID = id
	}
	c.err = err
	s.finish(actionAllocate, c)
	return c.offerID, err
}

// SendItems persists the local items and publishes them to the room as a
// full snapshot, followed by the change log and the new flags. The buyer
// allocates an offer id first when there is none.
func (s *Session) SendItems(ctx context.Context) error {
	v := s.View()
	if !v.Gates.CanSend {
		return notAllowed("send offer")
	}
	if v.OfferID == "" && s.opts.Role == domain.RoleBuyer {
		if _, err := s.AllocateOffer(ctx); err != nil {
			return err
		}
	}

	conn, st, c, err := s.begin(actionSend, func(st State, g Gates) error {
		switch {
		case st.Locked || st.Flags.Paid:
			return domain.ErrEditLocked
		case !g.CanSend:
			return notAllowed("send offer")
		case st.OfferID == "":
			return domain.ErrNoOffer
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer s.finish(actionSend, c)

	diff, err := s.opts.Store.UpdateOffer(ctx, st.OfferID, st.Items)
	if err != nil {
		return persistenceError("update_offer", err)
	}
	if err := s.markPublished(conn, st.Items); err != nil {
		return err
	}

	s.publish(ctx, conn, protocol.OfferItems{Header: protocol.Header{Type: protocol.TypeOfferItems}, OfferID: st.OfferID, Items: st.Items})
	s.publish(ctx, conn, protocol.OfferLog{Header: protocol.Header{Type: protocol.TypeOfferLog}, OfferID: st.OfferID, Diff: diff})
	if !s.publish(ctx, conn, protocol.OfferState{Header: protocol.Header{Type: protocol.TypeSendOffer}, OfferID: st.OfferID}) {
		return &domain.ChannelError{Op: "send", Err: domain.ErrNotConnected}
	}
	s.log.Info("Offer sent", "offer_id", st.OfferID, "items", len(st.Items), "total_price", diff.TotalPrice)
	return nil
}

// Accept accepts the last clean offer. Trader only.
func (s *Session) Accept(ctx context.Context) error {
	conn, st, c, err := s.begin(actionAccept, func(st State, g Gates) error {
		if !g.CanAccept {
			return notAllowed("accept offer")
		}
		if st.OfferID == "" {
			return domain.ErrNoOffer
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer s.finish(actionAccept, c)

	if err := s.opts.Store.UpdateStatus(ctx, st.OfferID, domain.StatusAccepted); err != nil {
		return persistenceError("update_status_offer", err)
	}
	if err := s.current(conn); err != nil {
		return err
	}

	if !s.publish(ctx, conn, protocol.OfferState{Header: protocol.Header{Type: protocol.TypeAccept}, OfferID: st.OfferID}) {
		return &domain.ChannelError{Op: "send", Err: domain.ErrNotConnected}
	}
	s.publish(ctx, conn, protocol.Text{Header: protocol.Header{Type: protocol.TypeSystem}, OfferID: st.OfferID, Text: "Trader's accepted offer"})
	s.publish(ctx, conn, protocol.Hint{Header: protocol.Header{Type: protocol.TypeStepAccepting}})
	s.log.Info("Offer accepted", "offer_id", st.OfferID)
	return nil
}

// Pay moves an accepted offer into payment and locks editing. Buyer only.
func (s *Session) Pay(ctx context.Context) error {
	conn, st, c, err := s.begin(actionPay, func(st State, g Gates) error {
		if !g.CanPay {
			return notAllowed("pay offer")
		}
		if st.OfferID == "" {
			return domain.ErrNoOffer
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer s.finish(actionPay, c)

	if err := s.opts.Store.UpdateStatus(ctx, st.OfferID, domain.StatusPayProcess); err != nil {
		return persistenceError("update_status_offer", err)
	}
	if err := s.current(conn); err != nil {
		return err
	}

	s.publish(ctx, conn, protocol.Hint{Header: protocol.Header{Type: protocol.TypeStepPaying}})
	if !s.publish(ctx, conn, protocol.OfferState{Header: protocol.Header{Type: protocol.TypePay}, OfferID: st.OfferID}) {
		return &domain.ChannelError{Op: "send", Err: domain.ErrNotConnected}
	}
	s.log.Info("Offer payment started", "offer_id", st.OfferID)
	return nil
}

// Chat sends a free-form message to the room.
func (s *Session) Chat(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.NewValidationError("text", "", errors.New("empty message"))
	}
	s.mu.Lock()
	conn := s.conn
	offerID := s.state.OfferID
	s.mu.Unlock()

	if !s.publish(ctx, conn, protocol.Text{Header: protocol.Header{Type: protocol.TypeChat}, OfferID: offerID, Text: text}) {
		return &domain.ChannelError{Op: "chat", Err: domain.ErrNotConnected}
	}
	return nil
}

// AskAboutItem sends a chat message that references an item of the offer.
func (s *Session) AskAboutItem(ctx context.Context, key, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.NewValidationError("text", "", errors.New("empty message"))
	}
	s.mu.Lock()
	conn := s.conn
	offerID := s.state.OfferID
	item, ok := s.state.Item(key)
	s.mu.Unlock()

	if !ok {
		return domain.NewValidationError("item key", key, domain.ErrItemNotFound)
	}
	if !s.publish(ctx, conn, protocol.ItemAsking{Header: protocol.Header{Type: protocol.TypeItemAsking}, OfferID: offerID, Item: item, Text: text}) {
		return &domain.ChannelError{Op: "item_asking", Err: domain.ErrNotConnected}
	}
	return nil
}
