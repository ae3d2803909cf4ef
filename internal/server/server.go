// Package server exposes the dev backend's duplex endpoint and the REST
// hydration endpoint the tracker uses before the socket is up.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tripwatch/internal/sim"
	"tripwatch/internal/trip"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	handshakeWait = 5 * time.Second
	sendBuffer    = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Server struct {
	mgr *sim.Manager
	hub *Hub
}

func New(mgr *sim.Manager, hub *Hub) *Server {
	return &Server{mgr: mgr, hub: hub}
}

// Router wires /ws, /trips/{id} and the dev reverse geocoder.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/trips/", s.handleTrip)
	mux.HandleFunc("/reverse", s.handleReverse)
	return mux
}

// handleWS upgrades the connection, reads the {userId,tripId} handshake and
// then splits into read/write pumps for the lifetime of the socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade: %v", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(handshakeWait))
	var hs trip.Handshake
	if err := conn.ReadJSON(&hs); err != nil || hs.UserID == "" || hs.TripID == "" {
		log.Printf("ws handshake rejected: %v", err)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid_handshake"}`))
		conn.Close()
		return
	}

	c := &client{
		tripID: hs.TripID,
		userID: hs.UserID,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	s.hub.add(c)
	log.Printf("ws connected user=%s trip=%s", hs.UserID, hs.TripID)

	go s.writePump(conn, c)
	s.readPump(r.Context(), conn, c)
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, c *client) {
	defer func() {
		s.hub.remove(c)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws read user=%s: %v", c.userID, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		cmd, err := trip.DecodeCommand(data)
		if err != nil {
			log.Printf("ws command discarded user=%s: %v", c.userID, err)
			continue
		}
		s.mgr.HandleCommand(ctx, c.tripID, cmd)
	}
}

func (s *Server) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleTrip serves GET /trips/{id} with the current trip snapshot.
func (s *Server) handleTrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/trips/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	snap, ok := s.mgr.Snapshot(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		log.Printf("trips encode: %v", err)
	}
}

// handleReverse is the dev geocoder: it just echoes the coordinate as an
// address so address plumbing can be exercised without a real provider.
func (s *Server) handleReverse(w http.ResponseWriter, r *http.Request) {
	lat := r.URL.Query().Get("lat")
	lng := r.URL.Query().Get("lng")
	if lat == "" || lng == "" {
		http.Error(w, "lat and lng required", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"address":"near %s, %s"}`, lat, lng)
}
