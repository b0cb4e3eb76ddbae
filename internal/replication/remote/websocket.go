// Package remote provides a websocket transport for the replication
// adapter contract. The server side exposes any RemoteAdapter (usually an
// instance-backed one) over a websocket endpoint; the client side implements
// RemoteAdapter against such an endpoint. The protocol is one JSON request
// per message with a matching JSON response.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"driftdb/internal/replication"
	"driftdb/internal/storage"
	"driftdb/pkg/model"
)

const (
	actionPush = "push"
	actionPull = "pull"
)

type request struct {
	ID         uint64               `json:"id"`
	Action     string               `json:"action"`
	Documents  []model.DocumentData `json:"documents,omitempty"`
	Checkpoint storage.Checkpoint   `json:"checkpoint,omitempty"`
	Limit      int                  `json:"limit,omitempty"`
}

type response struct {
	ID         uint64               `json:"id"`
	Rejected   []string             `json:"rejected,omitempty"`
	Documents  []model.DocumentData `json:"documents,omitempty"`
	Checkpoint storage.Checkpoint   `json:"checkpoint,omitempty"`
	Error      string               `json:"error,omitempty"`
	Fatal      bool                 `json:"fatal,omitempty"`
}

// Client is a RemoteAdapter speaking the websocket protocol. Requests are
// serialized on the single connection; the replication flows call push and
// pull from separate tasks, so a mutex pairs each request with its response.
type Client struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64
}

// Dial connects to a replication websocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial replication endpoint %q: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection. In-flight calls fail with a transport error.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(ctx context.Context, req request) (response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return response{}, model.WrapError(err)
	}

	c.nextID++
	req.ID = c.nextID
	if err := c.conn.WriteJSON(req); err != nil {
		return response{}, fmt.Errorf("write %s request: %w", req.Action, err)
	}

	var resp response
	for {
		if err := c.conn.ReadJSON(&resp); err != nil {
			return response{}, fmt.Errorf("read %s response: %w", req.Action, err)
		}
		if resp.ID == req.ID {
			break
		}
		// Response to an abandoned request, drop it.
	}

	if resp.Error != "" {
		err := errors.New(resp.Error)
		if resp.Fatal {
			return response{}, replication.Fatal(err)
		}
		return response{}, err
	}
	return resp, nil
}

func (c *Client) PushChanges(ctx context.Context, docs []model.DocumentData) ([]string, error) {
	resp, err := c.roundTrip(ctx, request{Action: actionPush, Documents: docs})
	if err != nil {
		return nil, err
	}
	return resp.Rejected, nil
}

func (c *Client) PullChanges(ctx context.Context, since storage.Checkpoint, limit int) (replication.PullResult, error) {
	resp, err := c.roundTrip(ctx, request{Action: actionPull, Checkpoint: since, Limit: limit})
	if err != nil {
		return replication.PullResult{}, err
	}
	return replication.PullResult{Documents: resp.Documents, Checkpoint: resp.Checkpoint}, nil
}

var _ replication.RemoteAdapter = (*Client)(nil)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler serves the websocket side of the protocol, delegating to the
// given adapter. Mount it on the route replication clients dial.
func Handler(adapter replication.RemoteAdapter, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("upgrade replication connection", "error", err)
			return
		}
		defer conn.Close()

		for {
			var req request
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Error("read replication request", "error", err)
				}
				return
			}

			resp := serve(r.Context(), adapter, req)
			if err := conn.WriteJSON(resp); err != nil {
				logger.Error("write replication response", "error", err)
				return
			}
		}
	})
}

func serve(ctx context.Context, adapter replication.RemoteAdapter, req request) response {
	resp := response{ID: req.ID}
	switch req.Action {
	case actionPush:
		rejected, err := adapter.PushChanges(ctx, req.Documents)
		if err != nil {
			resp.Error = err.Error()
			resp.Fatal = replication.IsFatal(err)
			return resp
		}
		resp.Rejected = rejected
	case actionPull:
		result, err := adapter.PullChanges(ctx, req.Checkpoint, req.Limit)
		if err != nil {
			resp.Error = err.Error()
			resp.Fatal = replication.IsFatal(err)
			return resp
		}
		resp.Documents = result.Documents
		resp.Checkpoint = result.Checkpoint
	default:
		resp.Error = fmt.Sprintf("unknown action %q", req.Action)
		resp.Fatal = true
	}
	return resp
}
