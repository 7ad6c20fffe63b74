package channel

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/stellarlinkco/ragclaw/internal/bus"
	"github.com/stellarlinkco/ragclaw/internal/config"
)

//go:embed static
var staticFiles embed.FS

const (
	webUIChannelName = "webui"
	// DefaultReplyTimeout bounds a synchronous API request.
	DefaultReplyTimeout = 2 * time.Minute
)

type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type apiRequest struct {
	Content  string `json:"content"`
	SenderID string `json:"sender_id,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
}

type apiResponse struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	id   string
}

// WebUIChannel serves the browser chat over a websocket and a synchronous
// JSON API for scripts.
type WebUIChannel struct {
	BaseChannel
	addr         string
	server       *http.Server
	listener     net.Listener
	clients      sync.Map
	apiToken     string
	replyTimeout time.Duration
}

func NewWebUIChannel(cfg config.WebUIConfig, gwCfg config.GatewayConfig, b *bus.MessageBus) (*WebUIChannel, error) {
	port := gwCfg.Port
	if port == 0 {
		port = config.DefaultPort
	}

	ch := &WebUIChannel{
		BaseChannel:  NewBaseChannel(webUIChannelName, b, cfg.AllowFrom),
		addr:         net.JoinHostPort(gwCfg.Host, fmt.Sprint(port)),
		apiToken:     strings.TrimSpace(cfg.APIToken),
		replyTimeout: DefaultReplyTimeout,
	}
	ch.SetAgent(cfg.Agent)
	ch.SetRateLimit(cfg.RatePerMinute)
	return ch, nil
}

// Handler returns the channel's HTTP routes.
func (w *WebUIChannel) Handler() (http.Handler, error) {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("embed static fs: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(wr http.ResponseWriter, _ *http.Request) {
		writeJSON(wr, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ws", w.handleWS)
	r.Post("/api/v1/messages", w.handleAPI)
	r.Handle("/*", http.FileServer(http.FS(staticFS)))
	return r, nil
}

func (w *WebUIChannel) Start(ctx context.Context) error {
	handler, err := w.Handler()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", w.addr, err)
	}
	w.listener = ln
	w.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("[webui] listening on %s", ln.Addr())
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("[webui] server error: %v", err)
		}
	}()

	return nil
}

// Addr is the bound listen address once started.
func (w *WebUIChannel) Addr() string {
	if w.listener == nil {
		return w.addr
	}
	return w.listener.Addr().String()
}

func (w *WebUIChannel) handleWS(wr http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Warnf("[webui] websocket accept error: %v", err)
		return
	}

	clientID := "webui-" + uuid.NewString()
	client := &wsClient{conn: conn, id: clientID}
	w.clients.Store(clientID, client)
	log.Infof("[webui] client connected: %s", clientID)

	defer func() {
		w.clients.Delete(clientID)
		conn.CloseNow()
		log.Infof("[webui] client disconnected: %s", clientID)
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if msg.Type != "message" || strings.TrimSpace(msg.Content) == "" {
			continue
		}

		if !w.IsAllowed(clientID) {
			log.Warnf("[webui] rejected message from %s", clientID)
			continue
		}
		if !w.Admit(clientID) {
			log.Warnf("[webui] rate limited %s", clientID)
			continue
		}

		w.publish(bus.InboundMessage{
			SenderID: clientID,
			ChatID:   clientID,
			Content:  msg.Content,
		})
	}
}

// authorized checks the bearer token. Without a configured token the API
// accepts nobody, since callers choose the sender identity.
func (w *WebUIChannel) authorized(r *http.Request) bool {
	if w.apiToken == "" {
		return false
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(w.apiToken)) == 1
}

// handleAPI runs one turn and answers with its reply.
func (w *WebUIChannel) handleAPI(wr http.ResponseWriter, r *http.Request) {
	if w.apiToken == "" {
		writeJSON(wr, http.StatusForbidden, apiResponse{Error: "api disabled: no apiToken configured"})
		return
	}
	if !w.authorized(r) {
		wr.Header().Set("WWW-Authenticate", `Bearer realm="ragclaw"`)
		writeJSON(wr, http.StatusUnauthorized, apiResponse{Error: "invalid or missing bearer token"})
		return
	}

	var req apiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(wr, http.StatusBadRequest, apiResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSON(wr, http.StatusBadRequest, apiResponse{Error: "content is required"})
		return
	}
	if req.SenderID == "" {
		req.SenderID = "api"
	}
	if req.ChatID == "" {
		req.ChatID = req.SenderID
	}
	if !w.IsAllowed(req.SenderID) {
		writeJSON(wr, http.StatusForbidden, apiResponse{ChatID: req.ChatID, Error: "sender not allowed"})
		return
	}
	if !w.Admit(req.SenderID) {
		writeJSON(wr, http.StatusTooManyRequests, apiResponse{ChatID: req.ChatID, Error: "rate limited"})
		return
	}

	reply := make(chan bus.OutboundMessage, 1)
	w.publish(bus.InboundMessage{
		SenderID: req.SenderID,
		ChatID:   req.ChatID,
		Content:  req.Content,
		Reply:    reply,
	})

	ctx, cancel := context.WithTimeout(r.Context(), w.replyTimeout)
	defer cancel()
	select {
	case out := <-reply:
		writeJSON(wr, http.StatusOK, apiResponse{ChatID: req.ChatID, Content: out.Content})
	case <-ctx.Done():
		writeJSON(wr, http.StatusGatewayTimeout, apiResponse{ChatID: req.ChatID, Error: "timed out waiting for reply"})
	}
}

func writeJSON(wr http.ResponseWriter, status int, v any) {
	wr.Header().Set("Content-Type", "application/json")
	wr.WriteHeader(status)
	if err := json.NewEncoder(wr).Encode(v); err != nil {
		log.Warnf("[webui] write response: %v", err)
	}
}

// Send delivers msg to its websocket client. An empty ChatID broadcasts;
// replies for clients that have gone away are dropped.
func (w *WebUIChannel) Send(msg bus.OutboundMessage) error {
	data, err := json.Marshal(wsMessage{
		Type:    "message",
		Content: msg.Content,
	})
	if err != nil {
		return err
	}

	if msg.ChatID == "" {
		w.clients.Range(func(key, value any) bool {
			c := value.(*wsClient)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.conn.Write(ctx, websocket.MessageText, data)
			return true
		})
		return nil
	}

	client, ok := w.clients.Load(msg.ChatID)
	if !ok {
		log.Warnf("[webui] client %s gone, dropping reply", msg.ChatID)
		return nil
	}

	c := client.(*wsClient)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (w *WebUIChannel) Stop() error {
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			log.Warnf("[webui] shutdown error: %v", err)
		}
	}
	w.clients.Range(func(key, value any) bool {
		c := value.(*wsClient)
		c.conn.CloseNow()
		return true
	})
	log.Infof("[webui] stopped")
	return nil
}
