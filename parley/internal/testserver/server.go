// Package testserver is an in-process fake of the chat backend used by the
// SDK tests: the HTTP API with JWT bearer auth, and the /ws realtime
// endpoint with per-room fan-out.
package testserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
)

const secret = "testserver-secret"

// Fault replaces the response of the next matching request.
type Fault struct {
	Status int
	Body   string
	// Apply runs the real handler first, so the effect lands server side
	// but the client sees Status.
	Apply bool
	// Delay holds the response back. With a zero Status the real handler
	// answers once the delay has passed.
	Delay time.Duration
}

type user struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	Bio       string `json:"bio"`
	AvatarURL string `json:"avatar_url"`
	password  string
}

type room struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	LastMessage string `json:"last_message"`
	UnreadCount int    `json:"unread_count"`
	members     map[string]bool
}

type message struct {
	ID            int    `json:"id"`
	Content       string `json:"content"`
	User          string `json:"user"`
	UserID        int    `json:"user_id"`
	Timestamp     string `json:"timestamp"`
	IsRead        bool   `json:"is_read"`
	AttachmentURL string `json:"attachment_url,omitempty"`
}

type claims struct {
	Username   string `json:"username"`
	TokenType  string `json:"token_type"`
	Generation int    `json:"gen"`
	jwt.RegisteredClaims
}

// Server is the fake backend.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	users         map[string]*user
	rooms         []*room
	messages      map[int][]message
	nextID        int
	generation    int
	accessTTL     time.Duration
	rotateRefresh bool
	rejectRefresh bool
	rejectUpgrade bool
	stallPongs    bool
	stalled       []*websocket.Conn
	closing       chan struct{}
	closeOnce     sync.Once
	faults        map[string][]Fault
	hits          map[string]int
	dials         int
	conns         map[string]map[*websocket.Conn]struct{}
}

// New starts a server. Close it with Close.
func New() *Server {
	s := &Server{
		users:     make(map[string]*user),
		messages:  make(map[int][]message),
		nextID:    1,
		accessTTL: time.Hour,
		faults:    make(map[string][]Fault),
		hits:      make(map[string]int),
		conns:     make(map[string]map[*websocket.Conn]struct{}),
		closing:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("GET /users/me", s.authed(s.handleMe))
	mux.HandleFunc("PUT /users/me", s.authed(s.handleUpdateMe))
	mux.HandleFunc("POST /users/me/avatar", s.authed(s.handleAvatar))
	mux.HandleFunc("GET /users/{$}", s.authed(s.handleListUsers))
	mux.HandleFunc("GET /rooms/mine", s.authed(s.handleMyRooms))
	mux.HandleFunc("POST /rooms/{$}", s.authed(s.handleCreateRoom))
	mux.HandleFunc("POST /rooms/{a}/{b}", s.authed(s.handleRoomAction))
	mux.HandleFunc("GET /messages/{room_id}", s.authed(s.handleMessages))
	mux.HandleFunc("POST /messages/room", s.authed(s.handleCreateMessage))
	mux.HandleFunc("GET /ws", s.handleWS)

	s.Server = httptest.NewServer(s.intercept(mux))
	return s
}

// Close drops every realtime connection, then stops the server.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
	s.mu.Lock()
	all := append([]*websocket.Conn{}, s.stalled...)
	for _, set := range s.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	s.mu.Unlock()
	for _, c := range all {
		_ = c.CloseNow()
	}
	s.Server.Close()
}

// WSURL returns the ws:// base of the server.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// AddUser registers an account and returns its id.
func (s *Server) AddUser(username, password string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(username, password)
}

func (s *Server) addUserLocked(username, password string) int {
	u := &user{ID: s.nextID, Username: username, Role: "user", password: password}
	s.nextID++
	s.users[username] = u
	return u.ID
}

// AddRoom creates a room with the given members and returns its id.
func (s *Server) AddRoom(name string, members ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addRoomLocked(name, members...)
}

func (s *Server) addRoomLocked(name string, members ...string) int {
	r := &room{ID: s.nextID, Name: name, members: make(map[string]bool)}
	s.nextID++
	for _, m := range members {
		r.members[m] = true
	}
	s.rooms = append(s.rooms, r)
	return r.ID
}

// AddMessage stores a message in a room without broadcasting it.
func (s *Server) AddMessage(roomID int, username, content string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeMessageLocked(roomID, s.users[username], content).ID
}

// Tokens issues a fresh token pair for username.
func (s *Server) Tokens(username string) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[username]
	return s.signLocked(u, "access", s.accessTTL), s.signLocked(u, "refresh", 24*time.Hour)
}

// ExpireAccessTokens invalidates every access token issued so far.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	s.generation++
	s.mu.Unlock()
}

// SetRotateRefresh makes /auth/refresh return a new refresh token too.
func (s *Server) SetRotateRefresh(v bool) {
	s.mu.Lock()
	s.rotateRefresh = v
	s.mu.Unlock()
}

// SetRejectRefresh makes /auth/refresh answer 401.
func (s *Server) SetRejectRefresh(v bool) {
	s.mu.Lock()
	s.rejectRefresh = v
	s.mu.Unlock()
}

// SetRejectUpgrade makes /ws answer 503 instead of upgrading.
func (s *Server) SetRejectUpgrade(v bool) {
	s.mu.Lock()
	s.rejectUpgrade = v
	s.mu.Unlock()
}

// SetStallPongs makes /ws accept new sockets but never read from them, so
// pings go unanswered. Stalled sockets are not counted by ActiveConns.
func (s *Server) SetStallPongs(v bool) {
	s.mu.Lock()
	s.stallPongs = v
	s.mu.Unlock()
}

// FailNext queues a fault for the next request matching "METHOD /path".
func (s *Server) FailNext(route string, f Fault) {
	s.mu.Lock()
	s.faults[route] = append(s.faults[route], f)
	s.mu.Unlock()
}

// Hits returns how many requests reached "METHOD /path".
func (s *Server) Hits(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[route]
}

// Dials returns the number of /ws requests, upgraded or not.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// MessageCount returns the stored messages of a room.
func (s *Server) MessageCount(roomID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[roomID])
}

// ActiveConns returns open realtime connections per room.
func (s *Server) ActiveConns() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for name, set := range s.conns {
		if len(set) > 0 {
			out[name] = len(set)
		}
	}
	return out
}

// Push sends v as JSON to every connection bound to roomName and returns
// how many received it.
func (s *Server) Push(roomName string, v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return s.PushRaw(roomName, string(data))
}

// PushRaw sends text verbatim to every connection bound to roomName.
func (s *Server) PushRaw(roomName, text string) int {
	sent := 0
	for _, c := range s.roomConns(roomName) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := c.Write(ctx, websocket.MessageText, []byte(text)); err == nil {
			sent++
		}
		cancel()
	}
	return sent
}

// DropConns closes every connection bound to roomName from the server side.
func (s *Server) DropConns(roomName string) {
	for _, c := range s.roomConns(roomName) {
		_ = c.Close(websocket.StatusGoingAway, "server restart")
	}
}

func (s *Server) roomConns(roomName string) []*websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(s.conns[roomName]))
	for c := range s.conns[roomName] {
		out = append(out, c)
	}
	return out
}

// intercept counts hits and applies queued faults.
func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + r.URL.Path
		s.mu.Lock()
		s.hits[route]++
		var fault *Fault
		if q := s.faults[route]; len(q) > 0 {
			f := q[0]
			fault = &f
			s.faults[route] = q[1:]
		}
		s.mu.Unlock()

		if fault == nil {
			next.ServeHTTP(w, r)
			return
		}
		if fault.Delay > 0 {
			select {
			case <-time.After(fault.Delay):
			case <-r.Context().Done():
				return
			}
		}
		if fault.Status == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if fault.Apply {
			next.ServeHTTP(httptest.NewRecorder(), r)
		}
		w.WriteHeader(fault.Status)
		_, _ = io.WriteString(w, fault.Body)
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, u *user)

func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		u, err := s.verify(tok, "access")
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		h(w, r, u)
	}
}

func (s *Server) signLocked(u *user, typ string, ttl time.Duration) string {
	now := time.Now()
	c := claims{
		Username:   u.Username,
		TokenType:  typ,
		Generation: s.generation,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.Itoa(u.ID),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        strconv.Itoa(s.nextID),
		},
	}
	s.nextID++
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	return tok
}

func (s *Server) verify(tok, typ string) (*user, error) {
	parsed, err := jwt.ParseWithClaims(tok, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.TokenType != typ {
		return nil, errors.New("invalid token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if typ == "access" && c.Generation < s.generation {
		return nil, jwt.ErrTokenExpired
	}
	u, ok := s.users[c.Username]
	if !ok {
		return nil, errors.New("unknown user")
	}
	return u, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	s.mu.Lock()
	u, ok := s.users[req.Username]
	if !ok || u.password != req.Password {
		s.mu.Unlock()
		writeDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}
	access := s.signLocked(u, "access", s.accessTTL)
	refresh := s.signLocked(u, "refresh", 24*time.Hour)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	s.mu.Lock()
	if _, exists := s.users[req.Username]; exists {
		s.mu.Unlock()
		writeDetail(w, http.StatusBadRequest, "Username already registered")
		return
	}
	s.addUserLocked(req.Username, req.Password)
	u := *s.users[req.Username]
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	s.mu.Lock()
	reject := s.rejectRefresh
	s.mu.Unlock()
	if reject {
		writeDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	u, err := s.verify(req.RefreshToken, "refresh")
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	s.mu.Lock()
	resp := map[string]string{"access_token": s.signLocked(u, "access", s.accessTTL)}
	if s.rotateRefresh {
		resp["refresh_token"] = s.signLocked(u, "refresh", 24*time.Hour)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, u *user) {
	s.mu.Lock()
	out := *u
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request, u *user) {
	var req struct {
		Bio      *string `json:"bio"`
		Password *string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	s.mu.Lock()
	if req.Bio != nil {
		u.Bio = *req.Bio
	}
	if req.Password != nil {
		u.password = *req.Password
	}
	out := *u
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request, u *user) {
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "file is required")
		return
	}
	defer f.Close()
	if _, err := io.Copy(io.Discard, f); err != nil {
		writeDetail(w, http.StatusBadRequest, "bad upload")
		return
	}
	s.mu.Lock()
	u.AvatarURL = "/static/avatars/" + hdr.Filename
	out := *u
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListUsers(w http.ResponseWriter, _ *http.Request, _ *user) {
	s.mu.Lock()
	out := make([]user, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMyRooms(w http.ResponseWriter, _ *http.Request, u *user) {
	s.mu.Lock()
	out := []room{}
	for _, rm := range s.rooms {
		if rm.members[u.Username] {
			out = append(out, *rm)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request, u *user) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "name is required")
		return
	}
	s.mu.Lock()
	id := s.addRoomLocked(req.Name, u.Username)
	out := *s.findRoomLocked(id)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

// handleRoomAction serves POST /rooms/dm/{username} and POST /rooms/{id}/typing.
func (s *Server) handleRoomAction(w http.ResponseWriter, r *http.Request, u *user) {
	a, b := r.PathValue("a"), r.PathValue("b")
	switch {
	case a == "dm":
		s.handleDM(w, u, b)
	case b == "typing":
		id, err := strconv.Atoi(a)
		if err != nil {
			writeDetail(w, http.StatusNotFound, "Room not found")
			return
		}
		s.mu.Lock()
		rm := s.findRoomLocked(id)
		s.mu.Unlock()
		if rm == nil {
			writeDetail(w, http.StatusNotFound, "Room not found")
			return
		}
		s.Push(rm.Name, map[string]string{"type": "typing", "user": u.Username})
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeDetail(w, http.StatusNotFound, "Not Found")
	}
}

func (s *Server) handleDM(w http.ResponseWriter, u *user, peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[peer]; !ok {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}
	pair := []string{u.Username, peer}
	sort.Strings(pair)
	name := "dm_" + pair[0] + "_" + pair[1]
	for _, rm := range s.rooms {
		if rm.Name == name {
			writeJSON(w, http.StatusOK, *rm)
			return
		}
	}
	id := s.addRoomLocked(name, u.Username, peer)
	writeJSON(w, http.StatusOK, *s.findRoomLocked(id))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, _ *user) {
	id, err := strconv.Atoi(r.PathValue("room_id"))
	if err != nil {
		writeDetail(w, http.StatusNotFound, "Room not found")
		return
	}
	s.mu.Lock()
	out := append([]message{}, s.messages[id]...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request, u *user) {
	var req struct {
		Content string `json:"content"`
		RoomID  int    `json:"room_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	s.mu.Lock()
	rm := s.findRoomLocked(req.RoomID)
	if rm == nil {
		s.mu.Unlock()
		writeDetail(w, http.StatusNotFound, "Room not found")
		return
	}
	m := s.storeMessageLocked(rm.ID, u, req.Content)
	name := rm.Name
	s.mu.Unlock()

	frame := struct {
		Type string `json:"type"`
		message
	}{Type: "message", message: m}
	s.Push(name, frame)
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) storeMessageLocked(roomID int, u *user, content string) message {
	m := message{
		ID:        s.nextID,
		Content:   content,
		User:      u.Username,
		UserID:    u.ID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	s.nextID++
	s.messages[roomID] = append(s.messages[roomID], m)
	if rm := s.findRoomLocked(roomID); rm != nil {
		rm.LastMessage = content
	}
	return m
}

func (s *Server) findRoomLocked(id int) *room {
	for _, rm := range s.rooms {
		if rm.ID == id {
			return rm
		}
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.dials++
	reject := s.rejectUpgrade
	s.mu.Unlock()
	if reject {
		writeDetail(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	if _, err := s.verify(r.URL.Query().Get("token"), "access"); err != nil {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	roomName := r.URL.Query().Get("room")

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.stallPongs {
		s.stalled = append(s.stalled, c)
		s.mu.Unlock()
		<-s.closing
		_ = c.CloseNow()
		return
	}
	if s.conns[roomName] == nil {
		s.conns[roomName] = make(map[*websocket.Conn]struct{})
	}
	s.conns[roomName][c] = struct{}{}
	s.mu.Unlock()

	// CloseRead answers pings and returns once the peer goes away.
	ctx := c.CloseRead(context.Background())
	<-ctx.Done()

	s.mu.Lock()
	delete(s.conns[roomName], c)
	s.mu.Unlock()
	_ = c.CloseNow()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// String describes the server for test failure output.
func (s *Server) String() string {
	return fmt.Sprintf("testserver(%s)", s.URL)
}
