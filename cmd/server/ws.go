package main

import (
	"context"
	"log"
	"net"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"voicelink/pkg/protocol"
)

// handleWebSocket is the browser gateway: the same message envelope, one
// JSON object per text frame instead of one per line. Gateway connections
// share the registry and the dispatch path with TCP workers.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	wc := &wsConn{
		id:     uuid.New().String(),
		conn:   conn,
		srv:    s,
		send:   make(chan []byte, s.cfg.SendBuffer),
		closed: make(chan struct{}),
		cancel: cancel,
	}
	s.manager.AddConn(wc)
	log.Printf("new websocket connection %s from %s", wc.id, c.Request.RemoteAddr)

	go wc.writePump(ctx)
	s.serveWS(ctx, wc)
}

func (s *Server) serveWS(ctx context.Context, wc *wsConn) {
	defer s.teardown(wc)

	for {
		var msg protocol.Message
		if err := wsjson.Read(ctx, wc.conn, &msg); err != nil {
			return
		}
		s.manager.Touch(wc.id)
		if stop := s.dispatch(wc, &msg); stop {
			return
		}
	}
}

// wsConn adapts a websocket to the registry's Conn interface. Outbound
// bytes are the codec's newline-terminated records; the trailing newline
// inside a text frame is harmless and keeps a single encode path.
type wsConn struct {
	id     string
	conn   *websocket.Conn
	srv    *Server
	send   chan []byte
	closed chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(p []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.send <- p:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *wsConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.cancel()
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (c *wsConn) writePump(ctx context.Context) {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				log.Printf("websocket write to %s failed: %v", c.id, err)
				c.srv.teardown(c)
				return
			}
		}
	}
}
