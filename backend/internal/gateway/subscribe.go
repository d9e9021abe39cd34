package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"blockcollab/backend/internal/engine"
	"blockcollab/backend/internal/model"
)

type serverFrame struct {
	Type    string          `json:"type"`
	DocID   string          `json:"docId"`
	Blocks  json.RawMessage `json:"blocks"`
	Content string          `json:"content,omitempty"`
}

type subscription struct {
	c     *Client
	docID string
	out   chan []model.Block

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

// Subscribe opens the document's snapshot stream. The first connection is
// made before returning so identity and permission errors surface here;
// later drops are retried with exponential backoff until Close.
func (c *Client) Subscribe(ctx context.Context, docID string) (engine.Subscription, error) {
	conn, err := c.dial(ctx, docID)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		c:      c,
		docID:  docID,
		out:    make(chan []model.Block, 1),
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
		conn:   conn,
	}
	go s.run(conn)
	return s, nil
}

// subscribeURL maps http to ws and https to wss.
func (c *Client) subscribeURL(docID string) string {
	return "ws" + strings.TrimPrefix(c.endpoint(docID, "subscribe"), "http")
}

func (c *Client) dial(ctx context.Context, docID string) (*websocket.Conn, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+tok)
	conn, resp, err := c.dialer.DialContext(ctx, c.subscribeURL(docID), hdr)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, responseError("subscribe", resp.StatusCode, nil)
		}
		return nil, &TransportError{Op: "subscribe", Err: err}
	}
	return conn, nil
}

func (s *subscription) Snapshots() <-chan []model.Block { return s.out }

// Close stops reconnecting, closes the connection and waits for the reader.
func (s *subscription) Close() error {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	<-s.done
	return nil
}

func (s *subscription) run(conn *websocket.Conn) {
	defer close(s.done)
	defer close(s.out)
	for {
		err := s.read(conn)
		if s.ctx.Err() != nil {
			return
		}
		log.Printf("subscription dropped doc=%s err=%v", s.docID, err)

		conn, err = s.reconnect()
		if err != nil {
			if s.ctx.Err() == nil {
				log.Printf("subscription given up doc=%s err=%v", s.docID, err)
			}
			return
		}
	}
}

func (s *subscription) reconnect() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = s.c.maxBackoff
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		c, err := s.c.dial(s.ctx, s.docID)
		if err != nil {
			if errors.Is(err, model.ErrNotAuthenticated) ||
				errors.Is(err, model.ErrPermissionDenied) ||
				errors.Is(err, model.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, s.ctx)); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		_ = conn.Close()
		return nil, s.ctx.Err()
	}
	s.conn = conn
	return conn, nil
}

// read consumes frames until the connection fails.
func (s *subscription) read(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go s.heartbeat(conn, stop)

	for {
		var f serverFrame
		if err := conn.ReadJSON(&f); err != nil {
			_ = conn.Close()
			return err
		}
		switch f.Type {
		case "snapshot":
			blocks, err := decodeBlocks(f.Blocks)
			if err != nil {
				log.Printf("bad snapshot doc=%s err=%v", s.docID, err)
				continue
			}
			s.deliver(blocks)
		case "error":
			log.Printf("subscription error doc=%s: %s", s.docID, f.Content)
		}
	}
}

// deliver keeps only the newest undelivered snapshot.
func (s *subscription) deliver(blocks []model.Block) {
	for {
		select {
		case s.out <- blocks:
			return
		default:
		}
		select {
		case <-s.out:
		default:
		}
	}
}

func (s *subscription) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(s.c.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(map[string]string{"type": "heartbeat", "docId": s.docID}); err != nil {
				return
			}
		}
	}
}
