package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/coordinator"
	"github.com/zoravur/livequery/internal/livequery"
	"github.com/zoravur/livequery/internal/pgstore"
	"github.com/zoravur/livequery/internal/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server holds the shared resources a WebSocket connection needs to
// register and drive live queries. Adapted from the teacher's WSHandler
// (internal/api/ws.go), generalized from a *sql.DB plus reactive.Registry
// to a pgstore.Connector plus internal/coordinator's Registry/Coordinator.
type Server struct {
	Conn  *pgstore.Connector
	Reg   *coordinator.Registry
	Coord *coordinator.Coordinator
	Log   *zap.Logger
}

func NewServer(conn *pgstore.Connector, reg *coordinator.Registry, coord *coordinator.Coordinator, log *zap.Logger) *Server {
	if log == nil {
		log = zap.L()
	}
	return &Server{Conn: conn, Reg: reg, Coord: coord, Log: log}
}

type subscribeRequest struct {
	Type  string              `json:"type"`
	ID    string              `json:"id"`
	Table string              `json:"table"`
	Where string              `json:"where"`
	Args  []any               `json:"args"`
	Sort  []sortColumnRequest `json:"sort"`
}

type sortColumnRequest struct {
	Column    int  `json:"column"`
	Ascending bool `json:"ascending"`
}

// subscription is one registered live query plus the bits the connection
// needs to unregister and report on it: the delivered view (read under mu
// by the observer callback, which runs on coordinator goroutines) and the
// observer token RemoveObserver needs on unsubscribe.
type subscription struct {
	id    string
	lq    *livequery.LiveQuery
	token livequery.Token

	mu   sync.Mutex
	view storage.View
}

// HandleWS upgrades the connection and drives the subscribe/unsubscribe
// protocol: "subscribe" / "subscribed" / "update" / "unsubscribed" /
// "error", the same message shapes as the teacher's internal/api/ws.go,
// bound to table-scoped LiveQueries instead of arbitrary rewritten SQL (the
// editable-spreadsheet SQL rewrite is out of scope here, see DESIGN.md).
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Error("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(msgType string, payload map[string]any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		payload["type"] = msgType
		if err := conn.WriteJSON(payload); err != nil {
			s.Log.Warn("ws write failed", zap.Error(err))
		}
	}

	owner := livequery.NewAffinityToken()
	subs := map[string]*subscription{}
	var subsMu sync.Mutex

	defer func() {
		subsMu.Lock()
		defer subsMu.Unlock()
		for id, sub := range subs {
			s.teardown(id, sub)
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req subscribeRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			send("error", map[string]any{"error": "invalid JSON"})
			continue
		}

		switch strings.ToLower(req.Type) {
		case "subscribe":
			if req.Table == "" {
				send("error", map[string]any{"id": req.ID, "error": "missing table"})
				continue
			}
			id := req.ID
			if id == "" {
				id = uuid.NewString()
			}
			sub, err := s.subscribe(id, req, owner, send)
			if err != nil {
				send("error", map[string]any{"id": id, "error": err.Error()})
				continue
			}
			subsMu.Lock()
			subs[id] = sub
			subsMu.Unlock()
			send("subscribed", map[string]any{"id": id, "table": req.Table})

		case "unsubscribe":
			subsMu.Lock()
			sub, ok := subs[req.ID]
			delete(subs, req.ID)
			subsMu.Unlock()
			if ok {
				s.teardown(req.ID, sub)
			}
			send("unsubscribed", map[string]any{"id": req.ID})

		default:
			send("error", map[string]any{"id": req.ID, "error": "unknown message type"})
		}
	}
}

func (s *Server) subscribe(id string, req subscribeRequest, owner livequery.AffinityToken, send func(string, map[string]any)) (*subscription, error) {
	ctx := context.Background()

	initSnap, err := s.Conn.NewSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	query, err := pgstore.NewQuery(initSnap, req.Table, req.Where, req.Args...)
	if err != nil {
		initSnap.Close()
		return nil, err
	}

	var sortDesc livequery.SortDescriptor
	for _, c := range req.Sort {
		sortDesc = append(sortDesc, storage.SortColumn{Column: c.Column, Ascending: c.Ascending})
	}

	sub := &subscription{id: id}
	target := &storage.ResultHandle{
		WantsBackgroundUpdates: func() bool { return true },
		SetView: func(v storage.View) {
			sub.mu.Lock()
			sub.view = v
			sub.mu.Unlock()
		},
	}

	lq, err := livequery.New(target, owner, s.Coord.NotifierFor(id), initSnap, query, sortDesc)
	initSnap.Close()
	if err != nil {
		return nil, fmt.Errorf("livequery: %w", err)
	}
	sub.lq = lq

	s.Reg.Register(&coordinator.Entry{
		ID:           id,
		Owner:        owner,
		LQ:           lq,
		TableOrdinal: query.Table().Ordinal(),
		NewSnapshot:  func() (storage.Snapshot, error) { return s.Conn.NewSnapshot(context.Background()) },
	})

	sub.token = lq.AddObserver(nil, func(changes []livequery.Change, err error) {
		if err != nil {
			send("error", map[string]any{"id": id, "error": err.Error()})
			return
		}
		sub.mu.Lock()
		v := sub.view
		sub.mu.Unlock()
		var rows []storage.RowID
		if v != nil {
			for i := 0; i < v.Size(); i++ {
				rows = append(rows, v.RowIndex(i))
			}
		}
		send("update", map[string]any{"id": id, "rows": rows, "changes": changes})
	})

	return sub, nil
}

func (s *Server) teardown(id string, sub *subscription) {
	sub.lq.RemoveObserver(sub.token)
	sub.lq.Unregister()
	s.Reg.Unregister(id)
}
