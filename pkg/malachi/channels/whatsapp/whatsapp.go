// Package whatsapp implements the WhatsApp channel using whatsmeow, the
// native Go WhatsApp Web API library. The session persists in SQLite, so the
// QR login is needed only once per linked device.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/malachi/pkg/malachi/channels"

	_ "github.com/mattn/go-sqlite3" // session store driver
)

// Config holds WhatsApp channel configuration.
type Config struct {
	// Enabled turns the channel on.
	Enabled bool `yaml:"enabled"`

	// SessionPath is the SQLite file holding the linked-device session.
	SessionPath string `yaml:"session_path"`

	// SendTyping sends typing indicators while processing.
	SendTyping bool `yaml:"send_typing"`
}

// WhatsApp implements channels.Channel.
type WhatsApp struct {
	cfg    Config
	logger *slog.Logger
	client *whatsmeow.Client

	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp channel instance.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionPath == "" {
		cfg.SessionPath = "./data/whatsapp.db"
	}
	return &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return channels.PlatformWhatsApp }

// Connect opens the WhatsApp Web connection. With no stored session the QR
// login runs in the background and the code is written to the log for
// scanning; the channel reports connected once pairing completes.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.SessionPath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("%w: whatsapp session store: %w", channels.ErrConnectionFailed, err)
	}

	device, err := container.GetFirstDevice(w.ctx)
	if err != nil {
		return fmt.Errorf("%w: whatsapp device: %w", channels.ErrConnectionFailed, err)
	}

	// Shown in the WhatsApp linked devices list.
	wastore.SetOSInfo("Malachi", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true
	w.client.InitialAutoReconnect = true

	if w.client.Store.ID == nil {
		w.logger.Info("whatsapp has no session, starting QR login")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp QR login pending", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("%w: whatsapp: %w", channels.ErrConnectionFailed, err)
	}
	w.connected.Store(true)
	w.logger.Info("whatsapp connected", "jid", w.client.Store.ID.String())
	return nil
}

// loginWithQR runs the QR pairing flow.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				w.logger.Info("whatsapp QR code ready, scan with the phone", "code", evt.Code)
			case "success":
				w.connected.Store(true)
				w.logger.Info("whatsapp login successful")
				return nil
			case "timeout":
				return fmt.Errorf("QR code expired")
			default:
				if evt.Error != nil {
					return fmt.Errorf("QR login: %w", evt.Error)
				}
			}
		}
	}
}

// Disconnect closes the WhatsApp connection.
func (w *WhatsApp) Disconnect() error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	w.connected.Store(false)
	w.logger.Info("whatsapp disconnected")
	return nil
}

// Send delivers a text message to the chat JID.
func (w *WhatsApp) Send(ctx context.Context, chatID string, msg *channels.OutgoingMessage) error {
	if w.client == nil || !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return fmt.Errorf("whatsapp: %w", err)
	}

	waMsg := &waE2E.Message{Conversation: proto.String(msg.Content)}
	if _, err := w.client.SendMessage(ctx, jid, waMsg); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("%w: whatsapp: %w", channels.ErrSendFailed, err)
	}
	return nil
}

// SendTyping sends a typing indicator.
func (w *WhatsApp) SendTyping(ctx context.Context, chatID string) error {
	if !w.cfg.SendTyping || !w.connected.Load() {
		return nil
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}
	return w.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// Receive returns the incoming messages channel.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

// IsConnected reports the connection state.
func (w *WhatsApp) IsConnected() bool { return w.connected.Load() }

// Health returns the channel health status.
func (w *WhatsApp) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := w.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     w.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(w.errorCount.Load()),
	}
}

// handleEvent dispatches whatsmeow events.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)
	case *events.Connected:
		w.connected.Store(true)
		w.errorCount.Store(0)
		w.logger.Info("whatsapp connected", "jid", w.clientJID())
	case *events.Disconnected:
		w.connected.Store(false)
		w.logger.Warn("whatsapp disconnected, auto-reconnect will retry")
	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Error("whatsapp logged out remotely, new QR login required")
	case *events.StreamReplaced:
		w.connected.Store(false)
		w.logger.Error("whatsapp stream replaced by another session")
	}
}

// handleMessageEvt converts a message event into the shared format.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.Chat.Server == "broadcast" {
		return
	}

	content, isMention := extractText(evt.Message, w.clientJID())
	if content == "" {
		return
	}

	incoming := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		Platform:  channels.PlatformWhatsApp,
		ChatID:    evt.Info.Chat.String(),
		From:      evt.Info.Sender.String(),
		FromName:  evt.Info.PushName,
		Content:   content,
		Timestamp: evt.Info.Timestamp,
		IsDirect:  !evt.Info.IsGroup,
		IsMention: isMention,
	}

	w.lastMsg.Store(time.Now())

	select {
	case w.messages <- incoming:
	default:
		w.logger.Warn("whatsapp message buffer full, dropping", "msg_id", incoming.ID)
	}
}

func (w *WhatsApp) clientJID() string {
	if w.client != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

// extractText pulls the text body out of a message and reports whether the
// bot's JID appears in the mention list.
func extractText(waMsg *waE2E.Message, selfJID string) (string, bool) {
	if waMsg == nil {
		return "", false
	}
	if waMsg.Conversation != nil {
		return waMsg.GetConversation(), false
	}
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		mentioned := false
		if info := ext.GetContextInfo(); info != nil && selfJID != "" {
			for _, jid := range info.GetMentionedJID() {
				if jid == selfJID {
					mentioned = true
					break
				}
			}
		}
		return ext.GetText(), mentioned
	}
	return "", false
}

// parseJID converts a chat identifier to types.JID. Accepts a full JID like
// "5511999999999@s.whatsapp.net" or a bare phone number.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

var _ channels.PresenceChannel = (*WhatsApp)(nil)
